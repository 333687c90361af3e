package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bc-dunia/mcpcheck/internal/mcp"
)

// WebsocketTransport carries one JSON value per text frame. Binary frames
// are ignored with a warning; close is a 1000 close frame followed by socket
// teardown.
type WebsocketTransport struct {
	*core
	shutdown time.Duration

	connMu     sync.Mutex
	conn       *websocket.Conn
	readerDone chan struct{}
}

func NewWebsocketTransport(logger *slog.Logger, shutdown time.Duration) *WebsocketTransport {
	if shutdown <= 0 {
		shutdown = DefaultShutdownTimeout
	}
	return &WebsocketTransport{
		core:     newCore(logger),
		shutdown: shutdown,
	}
}

func (t *WebsocketTransport) Connect(ctx context.Context, target *Target) error {
	if target.Type != TargetWebsocket {
		return NewError(ErrInvalidTarget, fmt.Sprintf("websocket transport cannot connect %q target", target.Type), nil)
	}
	if err := target.Validate(); err != nil {
		return err
	}
	if err := t.beginConnect(); err != nil {
		return err
	}
	started := time.Now()

	dialer := websocket.Dialer{
		HandshakeTimeout: target.ConnectTimeout(),
		Subprotocols:     target.Protocols,
	}
	header := http.Header{}
	for k, v := range target.Headers {
		header.Set(k, v)
	}

	dialCtx, cancel := context.WithTimeout(ctx, target.ConnectTimeout())
	defer cancel()

	conn, resp, err := dialer.DialContext(dialCtx, target.URL, header)
	if err != nil {
		t.setState(StateError)
		if dialCtx.Err() == context.DeadlineExceeded {
			return NewError(ErrConnectTimeout, fmt.Sprintf("no websocket handshake with %s within %s", target.URL, target.ConnectTimeout()), err)
		}
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return NewError(ErrConnect, fmt.Sprintf("dial %s (status %d)", target.URL, status), err)
	}

	t.connMu.Lock()
	t.conn = conn
	t.readerDone = make(chan struct{})
	t.connMu.Unlock()

	go t.readLoop(conn)

	t.finishConnect(started)
	t.logger.Debug("websocket connected", "url", target.URL, "subprotocol", conn.Subprotocol())
	return nil
}

func (t *WebsocketTransport) readLoop(conn *websocket.Conn) {
	defer close(t.readerDone)
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			graceful := websocket.IsCloseError(err, websocket.CloseNormalClosure) ||
				t.State() == StateClosing
			if !graceful {
				t.emitError(NewError(ErrConnect, "websocket read failed", err), true)
			}
			t.emitClose(!graceful)
			return
		}
		switch messageType {
		case websocket.TextMessage:
			t.dispatchFrame(data, len(data))
		case websocket.BinaryMessage:
			t.logger.Warn("ignoring binary websocket frame", "bytes", len(data))
		}
	}
}

func (t *WebsocketTransport) Send(ctx context.Context, msg mcp.Message) error {
	t.connMu.Lock()
	conn := t.conn
	t.connMu.Unlock()
	return t.send(ctx, msg, false, frameText, func(p []byte) error {
		if conn == nil {
			return fmt.Errorf("connection closed")
		}
		return conn.WriteMessage(websocket.TextMessage, p)
	})
}

func (t *WebsocketTransport) Close(ctx context.Context) error {
	t.connMu.Lock()
	conn := t.conn
	readerDone := t.readerDone
	t.connMu.Unlock()

	if conn == nil || t.closeSignaled.Load() {
		return nil
	}
	t.setState(StateClosing)

	deadline := time.Now().Add(t.shutdown)
	t.sendMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	t.sendMu.Unlock()

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

// frameText is the websocket framer: the message bytes are the frame.
func frameText(msg mcp.Message) []byte {
	return msg
}
