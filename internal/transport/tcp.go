package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/bc-dunia/mcpcheck/internal/mcp"
)

// TCPTransport speaks newline-delimited JSON over a TCP socket, optionally
// wrapped in TLS. Incoming bytes are buffered so frames split across read
// events reassemble intact; a frame that fails to parse surfaces on the error
// channel and the stream continues.
type TCPTransport struct {
	*core
	shutdown time.Duration

	connMu     sync.Mutex
	conn       net.Conn
	readerDone chan struct{}
}

func NewTCPTransport(logger *slog.Logger, shutdown time.Duration) *TCPTransport {
	if shutdown <= 0 {
		shutdown = DefaultShutdownTimeout
	}
	return &TCPTransport{
		core:     newCore(logger),
		shutdown: shutdown,
	}
}

func (t *TCPTransport) Connect(ctx context.Context, target *Target) error {
	if target.Type != TargetTCP {
		return NewError(ErrInvalidTarget, fmt.Sprintf("tcp transport cannot connect %q target", target.Type), nil)
	}
	if err := target.Validate(); err != nil {
		return err
	}
	if err := t.beginConnect(); err != nil {
		return err
	}
	started := time.Now()

	dialCtx, cancel := context.WithTimeout(ctx, target.ConnectTimeout())
	defer cancel()

	conn, err := dialWithRetry(dialCtx, target)
	if err != nil {
		t.setState(StateError)
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
			return NewError(ErrConnectTimeout, fmt.Sprintf("no connection to %s:%d within %s", target.Host, target.Port, target.ConnectTimeout()), err)
		}
		return NewError(ErrConnect, fmt.Sprintf("dial %s:%d", target.Host, target.Port), err)
	}

	t.connMu.Lock()
	t.conn = conn
	t.readerDone = make(chan struct{})
	t.connMu.Unlock()

	go t.readLoop(conn)

	t.finishConnect(started)
	t.logger.Debug("tcp connected", "remote", conn.RemoteAddr().String(), "tls", target.TLS != nil)
	return nil
}

// dialWithRetry retries transient dial failures with exponential backoff
// until the connect deadline; servers under test often come up moments after
// the harness does.
func dialWithRetry(ctx context.Context, target *Target) (net.Conn, error) {
	addr := net.JoinHostPort(target.Host, strconv.Itoa(target.Port))
	dialer := &net.Dialer{}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = time.Second
	bo.MaxElapsedTime = 0 // the context carries the deadline

	var lastErr error
	operation := func() (net.Conn, error) {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			lastErr = err
			return nil, err
		}
		return conn, nil
	}

	conn, err := backoff.RetryWithData(operation, backoff.WithContext(bo, ctx))
	if err != nil {
		if lastErr != nil {
			err = lastErr
		}
		return nil, err
	}

	if target.TLS != nil {
		serverName := target.TLS.ServerName
		if serverName == "" {
			serverName = target.Host
		}
		tlsConn := tls.Client(conn, &tls.Config{
			ServerName:         serverName,
			InsecureSkipVerify: target.TLS.InsecureSkipVerify,
		})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("tls handshake: %w", err)
		}
		return tlsConn, nil
	}
	return conn, nil
}

func (t *TCPTransport) readLoop(conn net.Conn) {
	defer close(t.readerDone)
	var dec LineDecoder
	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			for _, frame := range dec.Feed(buf[:n]) {
				t.dispatchFrame(frame, len(frame)+1)
			}
		}
		if err != nil {
			graceful := err == io.EOF || t.State() == StateClosing
			if !graceful {
				t.emitError(NewError(ErrConnect, "read failed", err), true)
			}
			t.emitClose(!graceful)
			return
		}
	}
}

func (t *TCPTransport) Send(ctx context.Context, msg mcp.Message) error {
	t.connMu.Lock()
	conn := t.conn
	t.connMu.Unlock()
	return t.send(ctx, msg, false, frameLine, func(p []byte) error {
		if conn == nil {
			return fmt.Errorf("connection closed")
		}
		_, err := conn.Write(p)
		return err
	})
}

// Close half-closes the write side, waits for the peer to finish, then tears
// the socket down.
func (t *TCPTransport) Close(ctx context.Context) error {
	t.connMu.Lock()
	conn := t.conn
	readerDone := t.readerDone
	t.connMu.Unlock()

	if conn == nil || t.closeSignaled.Load() {
		return nil
	}
	t.setState(StateClosing)

	type closeWriter interface{ CloseWrite() error }
	if cw, ok := conn.(closeWriter); ok {
		_ = cw.CloseWrite()
	}

	timer := time.NewTimer(t.shutdown)
	defer timer.Stop()
	select {
	case <-readerDone:
	case <-timer.C:
	case <-ctx.Done():
	}

	_ = conn.Close()
	t.emitClose(false)
	return nil
}
