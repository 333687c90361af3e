// Package mockserver provides an in-process MCP target speaking
// newline-delimited JSON over any stream, plus a TCP listener mode. It backs
// the integration tests and the bundled mockserver command.
package mockserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/bc-dunia/mcpcheck/internal/mcp"
)

// Config tunes the mock target's behavior.
type Config struct {
	Addr            string
	ProtocolVersion string
	StreamChunks    int
	StreamDelay     time.Duration
	Logger          *slog.Logger
}

// DefaultConfig returns a config suitable for tests.
func DefaultConfig() *Config {
	return &Config{
		Addr:            "127.0.0.1:0",
		ProtocolVersion: mcp.DefaultProtocolVersion,
		StreamChunks:    5,
		StreamDelay:     20 * time.Millisecond,
	}
}

// Server is a mock MCP target.
type Server struct {
	cfg *Config

	mu        sync.Mutex
	listener  net.Listener
	conns     map[net.Conn]struct{}
	cancelled map[string]bool
	closed    bool
}

// New creates a mock server.
func New(cfg *Config) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ProtocolVersion == "" {
		cfg.ProtocolVersion = mcp.DefaultProtocolVersion
	}
	if cfg.StreamChunks <= 0 {
		cfg.StreamChunks = 5
	}
	return &Server{
		cfg:       cfg,
		conns:     make(map[net.Conn]struct{}),
		cancelled: make(map[string]bool),
	}
}

// Start begins listening on the configured TCP address.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go s.acceptLoop(ln)
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Port returns the bound TCP port.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return 0
	}
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Stop closes the listener and every live connection.
func (s *Server) Stop() {
	s.mu.Lock()
	s.closed = true
	ln := s.listener
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	for _, c := range conns {
		_ = c.Close()
	}
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		go func() {
			defer func() {
				s.mu.Lock()
				delete(s.conns, conn)
				s.mu.Unlock()
				_ = conn.Close()
			}()
			_ = s.ServeStream(context.Background(), conn, conn)
		}()
	}
}

// ServeStream handles one NDJSON conversation until EOF. It works over any
// reader/writer pair: a TCP connection, a pipe or process stdio.
func (s *Server) ServeStream(ctx context.Context, r io.Reader, w io.Writer) error {
	session := &session{server: s, writer: w}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req mcp.JSONRPCRequest
		if err := json.Unmarshal(line, &req); err != nil {
			s.cfg.Logger.Debug("mock target: unparseable frame", "error", err)
			continue
		}
		if err := session.handle(ctx, &req); err != nil {
			return err
		}
	}
	return scanner.Err()
}

type session struct {
	server *Server
	writer io.Writer
	mu     sync.Mutex
}

func (ss *session) write(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()
	data = append(data, '\n')
	_, err = ss.writer.Write(data)
	return err
}

func (ss *session) result(id interface{}, result interface{}) error {
	return ss.write(map[string]interface{}{"jsonrpc": "2.0", "id": id, "result": result})
}

func (ss *session) rpcError(id interface{}, code int, message string) error {
	return ss.write(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"error":   map[string]interface{}{"code": code, "message": message},
	})
}

func (ss *session) handle(ctx context.Context, req *mcp.JSONRPCRequest) error {
	switch req.Method {
	case mcp.MethodInitialize:
		return ss.result(req.ID, map[string]interface{}{
			"protocolVersion": ss.server.cfg.ProtocolVersion,
			"capabilities": map[string]interface{}{
				"tools":     map[string]interface{}{},
				"resources": map[string]interface{}{},
				"prompts":   map[string]interface{}{},
			},
			"serverInfo": map[string]interface{}{"name": "mcpcheck-mock", "version": "1.0.0"},
		})

	case mcp.MethodInitialized:
		return nil

	case mcp.MethodCancelled:
		params := decodeParams(req.Params)
		if id, ok := params["requestId"]; ok {
			ss.server.mu.Lock()
			ss.server.cancelled[fmt.Sprintf("%v", id)] = true
			ss.server.mu.Unlock()
		}
		return nil

	case mcp.MethodPing:
		return ss.result(req.ID, map[string]interface{}{})

	case mcp.MethodToolsList:
		return ss.result(req.ID, map[string]interface{}{"tools": toolCatalog()})

	case mcp.MethodToolsCall:
		return ss.handleToolCall(ctx, req)

	case mcp.MethodResourcesList:
		return ss.result(req.ID, map[string]interface{}{
			"resources": []map[string]interface{}{{
				"uri":         "mock://greeting",
				"name":        "greeting",
				"description": "a fixed greeting",
				"mimeType":    "text/plain",
			}},
		})

	case mcp.MethodResourcesRead:
		params := decodeParams(req.Params)
		uri, _ := params["uri"].(string)
		if uri != "mock://greeting" {
			return ss.rpcError(req.ID, -32602, "unknown resource "+uri)
		}
		return ss.result(req.ID, map[string]interface{}{
			"contents": []map[string]interface{}{{"uri": uri, "mimeType": "text/plain", "text": "hello from the mock target"}},
		})

	case mcp.MethodPromptsList:
		return ss.result(req.ID, map[string]interface{}{
			"prompts": []map[string]interface{}{{
				"name":        "greet",
				"description": "greets a subject",
				"arguments":   []map[string]interface{}{{"name": "subject", "required": true}},
			}},
		})

	case mcp.MethodPromptsGet:
		params := decodeParams(req.Params)
		subject, _ := params["arguments"].(map[string]interface{})["subject"].(string)
		return ss.result(req.ID, map[string]interface{}{
			"messages": []map[string]interface{}{{
				"role":    "user",
				"content": map[string]interface{}{"type": "text", "text": "Greet " + subject},
			}},
		})

	default:
		if req.ID == nil {
			return nil
		}
		return ss.rpcError(req.ID, -32601, "method not found: "+req.Method)
	}
}

func (ss *session) handleToolCall(ctx context.Context, req *mcp.JSONRPCRequest) error {
	params := decodeParams(req.Params)
	name, _ := params["name"].(string)
	args, _ := params["arguments"].(map[string]interface{})

	switch name {
	case "add":
		a, aOK := args["a"].(float64)
		b, bOK := args["b"].(float64)
		if !aOK || !bOK {
			return ss.rpcError(req.ID, -32602, "add requires numeric a and b")
		}
		return ss.result(req.ID, textResult(strconv.FormatFloat(a+b, 'f', -1, 64)))

	case "echo":
		text, _ := args["text"].(string)
		return ss.result(req.ID, textResult(text))

	case "slow":
		delayMs, _ := args["delayMs"].(float64)
		select {
		case <-time.After(time.Duration(delayMs) * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
		return ss.result(req.ID, textResult("done"))

	case "stream":
		return ss.streamTool(ctx, req, args)

	default:
		return ss.rpcError(req.ID, -32602, "unknown tool "+name)
	}
}

// streamTool emits progress notifications before the final result, honoring
// cancellation between chunks.
func (ss *session) streamTool(ctx context.Context, req *mcp.JSONRPCRequest, args map[string]interface{}) error {
	chunks := ss.server.cfg.StreamChunks
	if n, ok := args["chunks"].(float64); ok && n > 0 {
		chunks = int(n)
	}
	idKey := fmt.Sprintf("%v", req.ID)

	for i := 1; i <= chunks; i++ {
		ss.server.mu.Lock()
		cancelled := ss.server.cancelled[idKey]
		ss.server.mu.Unlock()
		if cancelled {
			return ss.rpcError(req.ID, -32800, "request cancelled")
		}

		err := ss.write(map[string]interface{}{
			"jsonrpc": "2.0",
			"method":  mcp.MethodProgress,
			"params": map[string]interface{}{
				"progressToken": idKey,
				"progress":      i,
				"total":         chunks,
			},
		})
		if err != nil {
			return err
		}

		select {
		case <-time.After(ss.server.cfg.StreamDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return ss.result(req.ID, textResult(fmt.Sprintf("streamed %d chunks", chunks)))
}

func textResult(text string) map[string]interface{} {
	return map[string]interface{}{
		"content": []map[string]interface{}{{"type": "text", "text": text}},
	}
}

func decodeParams(params interface{}) map[string]interface{} {
	switch v := params.(type) {
	case map[string]interface{}:
		return v
	case json.RawMessage:
		var out map[string]interface{}
		_ = json.Unmarshal(v, &out)
		return out
	default:
		return map[string]interface{}{}
	}
}

func toolCatalog() []map[string]interface{} {
	objectSchema := func(props map[string]interface{}, required []string) map[string]interface{} {
		schema := map[string]interface{}{"type": "object", "properties": props}
		if len(required) > 0 {
			schema["required"] = required
		}
		return schema
	}

	return []map[string]interface{}{
		{
			"name":        "add",
			"description": "adds two numbers",
			"inputSchema": objectSchema(map[string]interface{}{
				"a": map[string]interface{}{"type": "number"},
				"b": map[string]interface{}{"type": "number"},
			}, []string{"a", "b"}),
		},
		{
			"name":        "echo",
			"description": "echoes its input text",
			"inputSchema": objectSchema(map[string]interface{}{
				"text": map[string]interface{}{"type": "string"},
			}, nil),
		},
		{
			"name":        "slow",
			"description": "answers after a configurable delay",
			"inputSchema": objectSchema(map[string]interface{}{
				"delayMs": map[string]interface{}{"type": "number"},
			}, nil),
		},
		{
			"name": "stream",
			"inputSchema": objectSchema(map[string]interface{}{
				"chunks": map[string]interface{}{"type": "number"},
			}, nil),
		},
	}
}
