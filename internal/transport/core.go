package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bc-dunia/mcpcheck/internal/mcp"
)

// core implements the carrier-independent half of the Transport contract:
// lifecycle state, statistics, observer fan-out, message waiters, the chaos
// hook points and duplicate scheduling. Concrete transports embed a core and
// supply the carrier write.
type core struct {
	logger *slog.Logger

	mu        sync.Mutex
	state     State
	used      bool // set once the transport leaves disconnected; bars re-open
	observers []*observerEntry
	waiters   []*waiter
	timers    map[*time.Timer]struct{}
	obsSeq    int64

	// sendMu serializes the span from chaos application to carrier write so
	// concurrent sends never interleave frames.
	sendMu sync.Mutex

	sendHook SendHook
	recvHook ReceiveHook

	messagesSent     atomic.Int64
	messagesReceived atomic.Int64
	bytesTransferred atomic.Int64
	connectionTime   atomic.Int64 // nanoseconds

	closeSignaled atomic.Bool
}

type observerEntry struct {
	id  int64
	obs Observer
}

type waiter struct {
	pred func(mcp.Message) bool
	ch   chan mcp.Message
}

func newCore(logger *slog.Logger) *core {
	if logger == nil {
		logger = slog.Default()
	}
	return &core{
		logger: logger,
		state:  StateDisconnected,
		timers: make(map[*time.Timer]struct{}),
	}
}

func (c *core) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *core) Stats() Stats {
	return Stats{
		MessagesSent:     c.messagesSent.Load(),
		MessagesReceived: c.messagesReceived.Load(),
		BytesTransferred: c.bytesTransferred.Load(),
		ConnectionTime:   time.Duration(c.connectionTime.Load()),
	}
}

func (c *core) SetSendHook(h SendHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendHook = h
}

func (c *core) SetReceiveHook(h ReceiveHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recvHook = h
}

func (c *core) Subscribe(obs Observer) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.obsSeq++
	entry := &observerEntry{id: c.obsSeq, obs: obs}
	c.observers = append(c.observers, entry)
	id := entry.id
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, e := range c.observers {
			if e.id == id {
				c.observers = append(c.observers[:i], c.observers[i+1:]...)
				return
			}
		}
	}
}

// beginConnect moves disconnected -> connecting. A transport that has ever
// left disconnected refuses to connect again.
func (c *core) beginConnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.used {
		return NewError(ErrConnect, fmt.Sprintf("transport already used (state %s); create a new instance", c.state), nil)
	}
	c.used = true
	c.state = StateConnecting
	return nil
}

func (c *core) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// finishConnect records the connected state and the connect wall duration.
func (c *core) finishConnect(started time.Time) {
	c.connectionTime.Store(int64(time.Since(started)))
	c.setState(StateConnected)
}

func (c *core) snapshotObservers() []Observer {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Observer, len(c.observers))
	for i, e := range c.observers {
		out[i] = e.obs
	}
	return out
}

// dispatchFrame decodes one carrier frame: validates JSON, applies receive
// chaos and fans the message out to waiters and observers in arrival order.
// wireBytes is the encoded size on the carrier, framing included.
func (c *core) dispatchFrame(frame []byte, wireBytes int) {
	if !json.Valid(frame) {
		err := NewError(ErrParse, fmt.Sprintf("invalid JSON frame (%d bytes)", len(frame)), nil)
		c.logger.Debug("frame parse failure", "error", err)
		c.emitError(err, false)
		return
	}

	msg := mcp.Message(append([]byte(nil), frame...))
	if hook := c.receiveHook(); hook != nil {
		msg = hook.ApplyReceiveChaos(context.Background(), msg)
		if msg == nil {
			return
		}
	}

	c.mu.Lock()
	if c.state == StateDisconnected {
		// A frame raced a close; the contract forbids message events here.
		c.mu.Unlock()
		return
	}
	c.messagesReceived.Add(1)
	c.bytesTransferred.Add(int64(wireBytes))

	var resolved []*waiter
	remaining := c.waiters[:0]
	for _, w := range c.waiters {
		if w.pred == nil || w.pred(msg) {
			resolved = append(resolved, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	c.waiters = remaining
	c.mu.Unlock()

	for _, w := range resolved {
		select {
		case w.ch <- msg:
		default:
		}
	}
	for _, obs := range c.snapshotObservers() {
		obs.OnMessage(msg)
	}
}

func (c *core) receiveHook() ReceiveHook {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recvHook
}

func (c *core) emitError(err error, fatal bool) {
	if fatal {
		c.setState(StateError)
	}
	for _, obs := range c.snapshotObservers() {
		obs.OnError(err, fatal)
	}
}

// emitClose fires the close event exactly once and settles the terminal
// state. Outstanding duplicate timers are discarded.
func (c *core) emitClose(hadError bool) {
	if !c.closeSignaled.CompareAndSwap(false, true) {
		return
	}
	c.cancelTimers()
	if hadError {
		c.setState(StateError)
	} else {
		c.setState(StateDisconnected)
	}
	for _, obs := range c.snapshotObservers() {
		obs.OnClose(hadError)
	}
}

func (c *core) cancelTimers() {
	c.mu.Lock()
	timers := c.timers
	c.timers = make(map[*time.Timer]struct{})
	c.mu.Unlock()
	for t := range timers {
		t.Stop()
	}
}

// WaitForMessage resolves with the first inbound message satisfying pred.
func (c *core) WaitForMessage(ctx context.Context, pred func(mcp.Message) bool, timeout time.Duration) (mcp.Message, error) {
	if timeout <= 0 {
		return nil, NewError(ErrWaitTimeout, "wait timeout of 0 expires immediately", nil)
	}

	w := &waiter{pred: pred, ch: make(chan mcp.Message, 1)}
	c.mu.Lock()
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		for i, cand := range c.waiters {
			if cand == w {
				c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
				break
			}
		}
		c.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-w.ch:
		return msg, nil
	case <-timer.C:
		return nil, NewError(ErrWaitTimeout, fmt.Sprintf("no matching message within %s", timeout), nil)
	case <-ctx.Done():
		return nil, NewError(ErrWaitTimeout, "wait cancelled", ctx.Err())
	}
}

// send pipes the message through send chaos, frames it and writes it to the
// carrier atomically. Duplicates returned by chaos are scheduled on their
// delays and re-enter this path with chaos bypassed.
func (c *core) send(ctx context.Context, msg mcp.Message, bypassChaos bool, frame func(mcp.Message) []byte, write func([]byte) error) error {
	c.mu.Lock()
	if c.state != StateConnected {
		state := c.state
		c.mu.Unlock()
		return NewError(ErrNotConnected, fmt.Sprintf("cannot send in state %s", state), nil)
	}
	hook := c.sendHook
	c.mu.Unlock()

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	outgoing := msg
	var duplicates []Duplicate
	if hook != nil && !bypassChaos {
		outcome, err := hook.ApplySendChaos(ctx, msg)
		if err != nil {
			return NewError(ErrSend, "send chaos aborted the write", err)
		}
		outgoing = outcome.Message
		duplicates = outcome.Duplicates
	}

	if outgoing != nil {
		encoded := frame(outgoing)
		if err := write(encoded); err != nil {
			return NewError(ErrSend, "carrier write failed", err)
		}
		c.messagesSent.Add(1)
		c.bytesTransferred.Add(int64(len(encoded)))
	}

	for _, dup := range duplicates {
		c.scheduleDuplicate(dup, frame, write)
	}
	return nil
}

func (c *core) scheduleDuplicate(dup Duplicate, frame func(mcp.Message) []byte, write func([]byte) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var timer *time.Timer
	timer = time.AfterFunc(dup.Delay, func() {
		c.mu.Lock()
		_, live := c.timers[timer]
		delete(c.timers, timer)
		c.mu.Unlock()
		if !live {
			return
		}
		if err := c.send(context.Background(), dup.Message, true, frame, write); err != nil {
			c.logger.Debug("duplicate send suppressed", "error", err)
		}
	})
	c.timers[timer] = struct{}{}
}
