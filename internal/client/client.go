// Package client is a thin JSON-RPC 2.0 client bound to a transport. It
// correlates responses by id, dispatches notifications to subscribers and
// exposes the MCP operations the test suites exercise.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bc-dunia/mcpcheck/internal/mcp"
	"github.com/bc-dunia/mcpcheck/internal/transport"
)

// ErrorType classifies client-level failures.
type ErrorType string

const (
	ErrNotInitialized    ErrorType = "not_initialized"
	ErrInvocationTimeout ErrorType = "invocation_timeout"
	ErrProtocol          ErrorType = "protocol_error"
)

// Error is a client failure with a stable type for reporting.
type Error struct {
	Type    ErrorType
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// IsErrorType reports whether err is a client error of the given type.
func IsErrorType(err error, t ErrorType) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Type == t
}

// DefaultInvokeTimeout bounds a round trip when the caller does not say
// otherwise.
const DefaultInvokeTimeout = 15 * time.Second

// NotificationHandler receives server notifications.
type NotificationHandler func(method string, params json.RawMessage)

// Client issues MCP requests over a transport it does not own.
type Client struct {
	tr      transport.Transport
	logger  *slog.Logger
	timeout time.Duration

	nextID      atomic.Int64
	initialized atomic.Bool

	mu          sync.Mutex
	pending     map[string]chan *mcp.JSONRPCResponse
	notifFns    map[int64]NotificationHandler
	notifSeq    int64
	serverInit  *mcp.InitializeResult
	unsubscribe func()
}

// New creates a client and subscribes it to the transport's message stream.
// A zero timeout uses the default.
func New(tr transport.Transport, logger *slog.Logger, timeout time.Duration) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultInvokeTimeout
	}
	c := &Client{
		tr:       tr,
		logger:   logger,
		timeout:  timeout,
		pending:  make(map[string]chan *mcp.JSONRPCResponse),
		notifFns: make(map[int64]NotificationHandler),
	}
	c.unsubscribe = tr.Subscribe(&transport.ObserverFuncs{Message: c.route})
	return c
}

// route demultiplexes one inbound message: responses resolve their pending
// request, notifications fan out to subscribers, everything else is logged
// and dropped.
func (c *Client) route(msg mcp.Message) {
	env := mcp.PeekEnvelope(msg)
	switch {
	case env.IsResponse():
		resp, err := mcp.DecodeResponse(msg)
		if err != nil {
			c.logger.Debug("undecodable response dropped", "error", err)
			return
		}
		key := env.IDKey()
		c.mu.Lock()
		ch, ok := c.pending[key]
		if ok {
			delete(c.pending, key)
		}
		c.mu.Unlock()
		if !ok {
			c.logger.Debug("response for unknown id dropped", "id", key)
			return
		}
		ch <- resp

	case env.IsNotification():
		var body struct {
			Params json.RawMessage `json:"params"`
		}
		_ = json.Unmarshal(msg, &body)
		c.mu.Lock()
		handlers := make([]NotificationHandler, 0, len(c.notifFns))
		for _, fn := range c.notifFns {
			handlers = append(handlers, fn)
		}
		c.mu.Unlock()
		for _, fn := range handlers {
			fn(env.Method, body.Params)
		}

	default:
		c.logger.Debug("unroutable message dropped", "method", env.Method, "id", env.IDKey())
	}
}

// OnNotification registers a handler for server notifications and returns
// its removal function.
func (c *Client) OnNotification(fn NotificationHandler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifSeq++
	id := c.notifSeq
	c.notifFns[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.notifFns, id)
	}
}

// call performs one request/response round trip.
func (c *Client) call(ctx context.Context, req *mcp.JSONRPCRequest, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}

	key := fmt.Sprintf("%v", req.ID)
	ch := make(chan *mcp.JSONRPCResponse, 1)
	c.mu.Lock()
	c.pending[key] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
	}()

	encoded, err := req.Encode()
	if err != nil {
		return nil, err
	}
	if err := c.tr.Send(ctx, encoded); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if err := mcp.ValidateResponse(resp); err != nil {
			return nil, &Error{Type: ErrProtocol, Message: "invalid response envelope", Err: err}
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-timer.C:
		return nil, &Error{Type: ErrInvocationTimeout, Message: fmt.Sprintf("%s did not answer within %s", req.Method, timeout)}
	case <-ctx.Done():
		return nil, &Error{Type: ErrInvocationTimeout, Message: req.Method + " cancelled", Err: ctx.Err()}
	}
}

func (c *Client) id() int64 {
	return c.nextID.Add(1)
}

func (c *Client) ensureInitialized() error {
	if !c.initialized.Load() {
		return &Error{Type: ErrNotInitialized, Message: "initialize must complete first"}
	}
	return nil
}

// Initialize performs the MCP handshake: the initialize request followed by
// the initialized notification.
func (c *Client) Initialize(ctx context.Context, info mcp.ClientInfo, capabilities map[string]interface{}) (*mcp.InitializeResult, error) {
	if info.Name == "" {
		info = mcp.ClientInfo{Name: mcp.ClientName, Version: mcp.ClientVersion}
	}
	result, err := c.call(ctx, mcp.NewInitializeRequest(c.id(), info, capabilities), 0)
	if err != nil {
		return nil, err
	}

	var initResult mcp.InitializeResult
	if err := json.Unmarshal(result, &initResult); err != nil {
		return nil, &Error{Type: ErrProtocol, Message: "undecodable initialize result", Err: err}
	}

	notif, err := mcp.NewInitializedNotification().Encode()
	if err != nil {
		return nil, err
	}
	if err := c.tr.Send(ctx, notif); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.serverInit = &initResult
	c.mu.Unlock()
	c.initialized.Store(true)
	return &initResult, nil
}

// ServerInit returns the initialize result, or nil before the handshake.
func (c *Client) ServerInit() *mcp.InitializeResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInit
}

// ListTools fetches all tool definitions, following pagination cursors.
func (c *Client) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	if err := c.ensureInitialized(); err != nil {
		return nil, err
	}
	var tools []mcp.Tool
	var cursor *string
	for {
		raw, err := c.call(ctx, mcp.NewToolsListRequest(c.id(), cursor), 0)
		if err != nil {
			return nil, err
		}
		var page mcp.ToolsListResult
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, &Error{Type: ErrProtocol, Message: "undecodable tools/list result", Err: err}
		}
		tools = append(tools, page.Tools...)
		if page.NextCursor == nil || *page.NextCursor == "" {
			return tools, nil
		}
		cursor = page.NextCursor
	}
}

// CallTool invokes one tool with the given arguments.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	return c.CallToolTimeout(ctx, name, args, 0)
}

// CallToolTimeout invokes a tool with an explicit round-trip timeout.
func (c *Client) CallToolTimeout(ctx context.Context, name string, args map[string]interface{}, timeout time.Duration) (*mcp.CallToolResult, error) {
	if err := c.ensureInitialized(); err != nil {
		return nil, err
	}
	raw, err := c.call(ctx, mcp.NewToolsCallRequest(c.id(), name, args), timeout)
	if err != nil {
		return nil, err
	}
	var result mcp.CallToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &Error{Type: ErrProtocol, Message: "undecodable tools/call result", Err: err}
	}
	return &result, nil
}

// CallToolAsync issues a tools/call and returns the request id without
// waiting for the result; used by the cancellation probes.
func (c *Client) CallToolAsync(ctx context.Context, name string, args map[string]interface{}) (interface{}, error) {
	if err := c.ensureInitialized(); err != nil {
		return nil, err
	}
	id := c.id()
	encoded, err := mcp.NewToolsCallRequest(id, name, args).Encode()
	if err != nil {
		return nil, err
	}
	if err := c.tr.Send(ctx, encoded); err != nil {
		return nil, err
	}
	return id, nil
}

// CancelRequest sends a cancellation notification for an in-flight request.
func (c *Client) CancelRequest(ctx context.Context, requestID interface{}, reason string) error {
	encoded, err := mcp.NewCancelledNotification(requestID, reason).Encode()
	if err != nil {
		return err
	}
	return c.tr.Send(ctx, encoded)
}

// ListResources fetches all resource definitions.
func (c *Client) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	if err := c.ensureInitialized(); err != nil {
		return nil, err
	}
	var resources []mcp.Resource
	var cursor *string
	for {
		raw, err := c.call(ctx, mcp.NewResourcesListRequest(c.id(), cursor), 0)
		if err != nil {
			return nil, err
		}
		var page mcp.ResourcesListResult
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, &Error{Type: ErrProtocol, Message: "undecodable resources/list result", Err: err}
		}
		resources = append(resources, page.Resources...)
		if page.NextCursor == nil || *page.NextCursor == "" {
			return resources, nil
		}
		cursor = page.NextCursor
	}
}

// ReadResource reads one resource by URI.
func (c *Client) ReadResource(ctx context.Context, uri string) ([]mcp.ResourceContent, error) {
	if err := c.ensureInitialized(); err != nil {
		return nil, err
	}
	raw, err := c.call(ctx, mcp.NewResourcesReadRequest(c.id(), uri), 0)
	if err != nil {
		return nil, err
	}
	var result mcp.ResourcesReadResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &Error{Type: ErrProtocol, Message: "undecodable resources/read result", Err: err}
	}
	return result.Contents, nil
}

// ListPrompts fetches all prompt definitions.
func (c *Client) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	if err := c.ensureInitialized(); err != nil {
		return nil, err
	}
	var prompts []mcp.Prompt
	var cursor *string
	for {
		raw, err := c.call(ctx, mcp.NewPromptsListRequest(c.id(), cursor), 0)
		if err != nil {
			return nil, err
		}
		var page mcp.PromptsListResult
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, &Error{Type: ErrProtocol, Message: "undecodable prompts/list result", Err: err}
		}
		prompts = append(prompts, page.Prompts...)
		if page.NextCursor == nil || *page.NextCursor == "" {
			return prompts, nil
		}
		cursor = page.NextCursor
	}
}

// GetPrompt fetches one prompt with arguments.
func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]interface{}) (*mcp.PromptsGetResult, error) {
	if err := c.ensureInitialized(); err != nil {
		return nil, err
	}
	raw, err := c.call(ctx, mcp.NewPromptsGetRequest(c.id(), name, args), 0)
	if err != nil {
		return nil, err
	}
	var result mcp.PromptsGetResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &Error{Type: ErrProtocol, Message: "undecodable prompts/get result", Err: err}
	}
	return &result, nil
}

// Ping issues a ping round trip.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.ensureInitialized(); err != nil {
		return err
	}
	_, err := c.call(ctx, mcp.NewPingRequest(c.id()), 0)
	return err
}

// Close detaches from the message stream and closes the underlying
// transport.
func (c *Client) Close(ctx context.Context) error {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	return c.tr.Close(ctx)
}
