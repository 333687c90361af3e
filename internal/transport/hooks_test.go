package transport

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bc-dunia/mcpcheck/internal/mcp"
)

// scriptedSendHook implements SendHook with a programmable outcome and a
// counter of invocations.
type scriptedSendHook struct {
	calls   atomic.Int64
	outcome func(msg mcp.Message) SendOutcome
}

func (h *scriptedSendHook) ApplySendChaos(ctx context.Context, msg mcp.Message) (SendOutcome, error) {
	h.calls.Add(1)
	if h.outcome != nil {
		return h.outcome(msg), nil
	}
	return SendOutcome{Message: msg}, nil
}

type scriptedReceiveHook struct {
	transform func(msg mcp.Message) mcp.Message
}

func (h *scriptedReceiveHook) ApplyReceiveChaos(ctx context.Context, msg mcp.Message) mcp.Message {
	if h.transform != nil {
		return h.transform(msg)
	}
	return msg
}

func connectedPair(t *testing.T) (*TCPTransport, chanConn) {
	t.Helper()
	target, conns := startRawServer(t)
	tr := NewTCPTransport(testLogger(), time.Second)
	if err := tr.Connect(context.Background(), target); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = tr.Close(context.Background()) })
	server := <-conns
	t.Cleanup(func() { _ = server.Close() })
	return tr, chanConn{server}
}

type chanConn struct {
	conn interface {
		Read([]byte) (int, error)
		SetReadDeadline(time.Time) error
	}
}

func (c chanConn) readAll(t *testing.T, window time.Duration) string {
	t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(window))
	var out []byte
	buf := make([]byte, 4096)
	for {
		n, err := c.conn.Read(buf)
		out = append(out, buf[:n]...)
		if err != nil {
			return string(out)
		}
	}
}

// TestSendHookDropSuppressesWrite verifies a drop decision reaches the
// carrier as silence, not as bytes.
func TestSendHookDropSuppressesWrite(t *testing.T) {
	tr, server := connectedPair(t)
	hook := &scriptedSendHook{outcome: func(mcp.Message) SendOutcome {
		return SendOutcome{Message: nil}
	}}
	tr.SetSendHook(hook)

	if err := tr.Send(context.Background(), mcp.Message(`{"id":1}`)); err != nil {
		t.Fatalf("a dropped send is not an error: %v", err)
	}
	if hook.calls.Load() != 1 {
		t.Error("hook not invoked")
	}
	if got := server.readAll(t, 150*time.Millisecond); got != "" {
		t.Errorf("dropped message reached the wire: %q", got)
	}
	if tr.Stats().MessagesSent != 0 {
		t.Error("dropped message counted as sent")
	}
}

// TestDuplicatesBypassChaos verifies a scheduled duplicate is written after
// its delay without re-entering the send hook.
func TestDuplicatesBypassChaos(t *testing.T) {
	tr, server := connectedPair(t)
	msg := mcp.Message(`{"id":1}`)
	hook := &scriptedSendHook{}
	hook.outcome = func(m mcp.Message) SendOutcome {
		return SendOutcome{
			Message:    m,
			Duplicates: []Duplicate{{Message: m, Delay: 50 * time.Millisecond}},
		}
	}
	tr.SetSendHook(hook)

	if err := tr.Send(context.Background(), msg); err != nil {
		t.Fatal(err)
	}

	wire := server.readAll(t, 400*time.Millisecond)
	want := string(msg) + "\n" + string(msg) + "\n"
	if wire != want {
		t.Errorf("wire = %q, want original plus one duplicate", wire)
	}
	if calls := hook.calls.Load(); calls != 1 {
		t.Errorf("hook invoked %d times; duplicates must bypass chaos", calls)
	}
	if sent := tr.Stats().MessagesSent; sent != 2 {
		t.Errorf("messagesSent = %d, want 2", sent)
	}
}

// TestCloseCancelsPendingDuplicates verifies close discards outstanding
// duplicate timers and suppresses their writes.
func TestCloseCancelsPendingDuplicates(t *testing.T) {
	tr, server := connectedPair(t)
	tr.SetSendHook(&scriptedSendHook{outcome: func(m mcp.Message) SendOutcome {
		return SendOutcome{
			Message:    m,
			Duplicates: []Duplicate{{Message: m, Delay: 300 * time.Millisecond}},
		}
	}})

	if err := tr.Send(context.Background(), mcp.Message(`{"id":1}`)); err != nil {
		t.Fatal(err)
	}
	if err := tr.Close(context.Background()); err != nil {
		t.Fatal(err)
	}

	wire := server.readAll(t, 500*time.Millisecond)
	if wire != `{"id":1}`+"\n" {
		t.Errorf("wire after close = %q; duplicate should have been suppressed", wire)
	}
}

func TestReceiveHookTransforms(t *testing.T) {
	target, conns := startRawServer(t)
	tr := NewTCPTransport(testLogger(), time.Second)
	tr.SetReceiveHook(&scriptedReceiveHook{transform: func(mcp.Message) mcp.Message {
		return mcp.Message(`{"rewritten":true}`)
	}})
	collector := newMsgCollector()
	defer tr.Subscribe(collector)()

	if err := tr.Connect(context.Background(), target); err != nil {
		t.Fatal(err)
	}
	defer tr.Close(context.Background())

	server := <-conns
	defer server.Close()
	if _, err := server.Write([]byte(`{"id":1}` + "\n")); err != nil {
		t.Fatal(err)
	}

	select {
	case msg := <-collector.msgCh:
		if string(msg) != `{"rewritten":true}` {
			t.Errorf("receive hook not applied: %s", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no message")
	}
}

// TestSendsSerialized verifies frames never interleave under concurrent
// senders.
func TestSendsSerialized(t *testing.T) {
	tr, server := connectedPair(t)

	const n = 50
	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < n; j++ {
				_ = tr.Send(context.Background(), mcp.Message(`{"jsonrpc":"2.0","method":"ping","params":{"pad":"0123456789abcdef"}}`))
			}
		}()
	}
	for i := 0; i < 4; i++ {
		<-done
	}

	wire := server.readAll(t, time.Second)
	var dec LineDecoder
	frames := dec.Feed([]byte(wire))
	if len(frames) != 4*n {
		t.Fatalf("frames = %d, want %d", len(frames), 4*n)
	}
	for i, frame := range frames {
		if string(frame) != `{"jsonrpc":"2.0","method":"ping","params":{"pad":"0123456789abcdef"}}` {
			t.Fatalf("frame %d corrupted by interleaving: %q", i, frame)
		}
	}
}
