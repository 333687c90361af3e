package transport

import (
	"context"
	"testing"
	"time"

	"github.com/bc-dunia/mcpcheck/internal/mcp"
)

// cat echoes stdin to stdout line for line, which makes it a perfectly
// conformant NDJSON reflector.
func catTarget() *Target {
	return &Target{Type: TargetStdio, Command: "cat", TimeoutMs: 2000}
}

func TestStdioEchoRoundTrip(t *testing.T) {
	tr := NewStdioTransport(testLogger(), time.Second)
	collector := newMsgCollector()
	defer tr.Subscribe(collector)()

	if err := tr.Connect(context.Background(), catTarget()); err != nil {
		t.Fatal(err)
	}
	defer tr.Close(context.Background())

	if tr.State() != StateConnected {
		t.Fatalf("expected connected, got %s", tr.State())
	}

	msg := mcp.Message(`{"jsonrpc":"2.0","id":7,"method":"ping"}`)
	if err := tr.Send(context.Background(), msg); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-collector.msgCh:
		if string(got) != string(msg) {
			t.Errorf("echoed %s, sent %s", got, msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no echo from child process")
	}

	stats := tr.Stats()
	if stats.MessagesSent != 1 || stats.MessagesReceived != 1 {
		t.Errorf("stats sent=%d received=%d, want 1/1", stats.MessagesSent, stats.MessagesReceived)
	}
}

func TestStdioWaitForMessage(t *testing.T) {
	tr := NewStdioTransport(testLogger(), time.Second)
	if err := tr.Connect(context.Background(), catTarget()); err != nil {
		t.Fatal(err)
	}
	defer tr.Close(context.Background())

	want := mcp.Message(`{"jsonrpc":"2.0","id":2,"result":{}}`)
	decoy := mcp.Message(`{"jsonrpc":"2.0","method":"notifications/progress"}`)

	go func() {
		_ = tr.Send(context.Background(), decoy)
		_ = tr.Send(context.Background(), want)
	}()

	got, err := tr.WaitForMessage(context.Background(), func(m mcp.Message) bool {
		return mcp.PeekEnvelope(m).IDKey() == "2"
	}, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(want) {
		t.Errorf("waited message %s, want %s", got, want)
	}
}

func TestStdioWaitForMessageTimeout(t *testing.T) {
	tr := NewStdioTransport(testLogger(), time.Second)
	if err := tr.Connect(context.Background(), catTarget()); err != nil {
		t.Fatal(err)
	}
	defer tr.Close(context.Background())

	start := time.Now()
	_, err := tr.WaitForMessage(context.Background(), func(mcp.Message) bool { return true }, 100*time.Millisecond)
	if !IsErrorType(err, ErrWaitTimeout) {
		t.Fatalf("expected wait_timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timeout fired after %s, budget 100ms", elapsed)
	}
}

func TestStdioCloseTerminatesChild(t *testing.T) {
	tr := NewStdioTransport(testLogger(), 500*time.Millisecond)
	collector := newMsgCollector()
	defer tr.Subscribe(collector)()

	if err := tr.Connect(context.Background(), catTarget()); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		_ = tr.Close(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("close did not complete; child not reaped")
	}
	if tr.State() != StateDisconnected {
		t.Errorf("expected disconnected, got %s", tr.State())
	}

	collector.mu.Lock()
	defer collector.mu.Unlock()
	if len(collector.closes) != 1 {
		t.Fatalf("expected 1 close event, got %d", len(collector.closes))
	}
	if collector.closes[0] {
		t.Error("graceful close reported hadError=true")
	}
}

func TestStdioShellTarget(t *testing.T) {
	tr := NewStdioTransport(testLogger(), time.Second)
	target := &Target{
		Type:    TargetStdio,
		Command: "cat",
		Shell:   true,
		Env:     map[string]string{"MCPCHECK_TEST": "1"},
	}
	if err := tr.Connect(context.Background(), target); err != nil {
		t.Fatal(err)
	}
	defer tr.Close(context.Background())

	if err := tr.Send(context.Background(), mcp.Message(`{"id":1}`)); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.WaitForMessage(context.Background(), nil, 2*time.Second); err != nil {
		t.Fatal(err)
	}
}
