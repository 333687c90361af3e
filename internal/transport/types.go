// Package transport provides line-framed JSON-RPC carriers for mcpcheck:
// child-process stdio, framed TCP (optionally TLS) and WebSocket, behind a
// uniform contract with lifecycle tracking, statistics and an event stream.
package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/bc-dunia/mcpcheck/internal/mcp"
)

// TargetType discriminates the target union.
type TargetType string

const (
	TargetStdio     TargetType = "stdio"
	TargetTCP       TargetType = "tcp"
	TargetWebsocket TargetType = "websocket"
)

// TLSOptions configures TLS for TCP targets.
type TLSOptions struct {
	ServerName         string `json:"serverName,omitempty"`
	InsecureSkipVerify bool   `json:"insecureSkipVerify,omitempty"`
}

// Target describes the server or client under test. Exactly one variant's
// fields are meaningful, selected by Type.
type Target struct {
	Type TargetType `json:"type"`

	// stdio
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
	Shell   bool              `json:"shell,omitempty"`

	// tcp
	Host      string      `json:"host,omitempty"`
	Port      int         `json:"port,omitempty"`
	TLS       *TLSOptions `json:"tls,omitempty"`
	TimeoutMs int         `json:"timeout,omitempty"`

	// websocket
	URL       string            `json:"url,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Protocols []string          `json:"protocols,omitempty"`
}

// Validate checks the variant-specific required fields.
func (t *Target) Validate() error {
	switch t.Type {
	case TargetStdio:
		if t.Command == "" {
			return NewError(ErrInvalidTarget, "stdio target requires a command", nil)
		}
	case TargetTCP:
		if t.Host == "" {
			return NewError(ErrInvalidTarget, "tcp target requires a host", nil)
		}
		if t.Port < 1 || t.Port > 65535 {
			return NewError(ErrInvalidTarget, fmt.Sprintf("tcp target port %d out of range", t.Port), nil)
		}
	case TargetWebsocket:
		if t.URL == "" {
			return NewError(ErrInvalidTarget, "websocket target requires a url", nil)
		}
	default:
		return NewError(ErrInvalidTarget, fmt.Sprintf("unknown target type %q", t.Type), nil)
	}
	return nil
}

// ConnectTimeout returns the effective connect deadline for the target.
func (t *Target) ConnectTimeout() time.Duration {
	if t.TimeoutMs > 0 {
		return time.Duration(t.TimeoutMs) * time.Millisecond
	}
	return DefaultConnectTimeout
}

// DefaultConnectTimeout applies when the target does not carry its own.
const DefaultConnectTimeout = 30 * time.Second

// State is the lifecycle state of a transport.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
	StateClosing      State = "closing"
)

// Stats is a snapshot of transport counters. All values are monotonically
// non-decreasing within a connection.
type Stats struct {
	MessagesSent     int64         `json:"messages_sent"`
	MessagesReceived int64         `json:"messages_received"`
	BytesTransferred int64         `json:"bytes_transferred"`
	ConnectionTime   time.Duration `json:"connection_time"`
}

// Observer receives transport events. Observers are invoked in registration
// order, on the transport's reader goroutine; they must not block.
type Observer interface {
	OnMessage(msg mcp.Message)
	OnError(err error, fatal bool)
	OnClose(hadError bool)
}

// Duplicate is a chaos-scheduled re-send of a message after a delay.
type Duplicate struct {
	Message mcp.Message
	Delay   time.Duration
}

// SendOutcome is the result of piping a message through send chaos. A nil
// Message means the original was dropped.
type SendOutcome struct {
	Message    mcp.Message
	Duplicates []Duplicate
}

// SendHook transforms a message immediately before the carrier write.
type SendHook interface {
	ApplySendChaos(ctx context.Context, msg mcp.Message) (SendOutcome, error)
}

// ReceiveHook transforms a message immediately after frame decode.
type ReceiveHook interface {
	ApplyReceiveChaos(ctx context.Context, msg mcp.Message) mcp.Message
}

// Transport is the uniform carrier contract. A transport connects once; after
// Close it never re-opens and a new instance is required.
type Transport interface {
	// Connect establishes the carrier. Calling Connect on a live or
	// previously used transport is an error.
	Connect(ctx context.Context, target *Target) error

	// Send serializes the message with carrier framing and writes it
	// atomically. It does not wait for a reply.
	Send(ctx context.Context, msg mcp.Message) error

	// Close performs a graceful shutdown. Safe on a never-connected or
	// already-closed transport.
	Close(ctx context.Context) error

	// WaitForMessage resolves with the first inbound message satisfying the
	// predicate, or fails with a wait_timeout error.
	WaitForMessage(ctx context.Context, pred func(mcp.Message) bool, timeout time.Duration) (mcp.Message, error)

	// Subscribe registers an observer and returns its removal function.
	Subscribe(obs Observer) (unsubscribe func())

	State() State
	Stats() Stats

	// SetSendHook and SetReceiveHook install the chaos pipeline. Must be
	// called before Connect.
	SetSendHook(h SendHook)
	SetReceiveHook(h ReceiveHook)
}

// ObserverFuncs adapts plain functions to the Observer interface. Nil fields
// are no-ops.
type ObserverFuncs struct {
	Message func(msg mcp.Message)
	Error   func(err error, fatal bool)
	Close   func(hadError bool)
}

func (o *ObserverFuncs) OnMessage(msg mcp.Message) {
	if o.Message != nil {
		o.Message(msg)
	}
}

func (o *ObserverFuncs) OnError(err error, fatal bool) {
	if o.Error != nil {
		o.Error(err, fatal)
	}
}

func (o *ObserverFuncs) OnClose(hadError bool) {
	if o.Close != nil {
		o.Close(hadError)
	}
}
