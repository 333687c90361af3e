package suite

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bc-dunia/mcpcheck/internal/config"
	"github.com/bc-dunia/mcpcheck/internal/mcp"
	"github.com/bc-dunia/mcpcheck/internal/results"
)

// LargePayloadSuite pushes an oversized argument through a tool call and
// verifies the framing layer and the server survive it.
type LargePayloadSuite struct {
	payloadBytes int
}

func NewLargePayloadSuite() *LargePayloadSuite {
	return &LargePayloadSuite{payloadBytes: 64 * 1024}
}

func (s *LargePayloadSuite) Name() string        { return "large-payload" }
func (s *LargePayloadSuite) Version() string     { return "1.0.0" }
func (s *LargePayloadSuite) Description() string { return "oversized frames round-trip intact" }
func (s *LargePayloadSuite) Tags() []string      { return []string{"core", "robustness"} }

func (s *LargePayloadSuite) Validate(cfg *config.Config) ValidationResult {
	return Valid()
}

func (s *LargePayloadSuite) Execute(ctx context.Context, tc *TestContext) results.SuiteResult {
	started := time.Now()
	rec := newCaseRecorder(s.Name(), tc)

	var tools []mcp.Tool
	rec.Run("discover", func() (map[string]interface{}, error) {
		if _, err := tc.EnsureInitialized(ctx); err != nil {
			return nil, err
		}
		listed, err := tc.Client.ListTools(ctx)
		if err != nil {
			return nil, err
		}
		tools = listed
		return map[string]interface{}{"count": len(tools)}, nil
	})

	if len(tools) == 0 {
		rec.Skip("large-call", "target exposes no tools")
		return rec.finish(s.Name(), started)
	}

	tool := pickEchoTool(tools)
	payload := strings.Repeat("x", s.payloadBytes)

	rec.Run("large-call", func() (map[string]interface{}, error) {
		statsBefore := tc.Transport.Stats()
		args := map[string]interface{}{"text": payload}

		result, err := tc.Client.CallToolTimeout(ctx, tool.Name, args, tc.InvokeTimeout())
		statsAfter := tc.Transport.Stats()
		details := map[string]interface{}{
			"tool":             tool.Name,
			"payloadBytes":     s.payloadBytes,
			"bytesTransferred": statsAfter.BytesTransferred - statsBefore.BytesTransferred,
		}
		if err != nil {
			var rpcErr *mcp.JSONRPCError
			if errors.As(err, &rpcErr) {
				// The server refused the payload but stayed up and answered.
				details["jsonrpcError"] = rpcErr.Code
				return details, nil
			}
			return details, err
		}
		if delta := statsAfter.BytesTransferred - statsBefore.BytesTransferred; delta < int64(s.payloadBytes) {
			return details, failf("transport counted %d bytes for a %d byte payload", delta, s.payloadBytes)
		}
		details["contentBlocks"] = len(result.Content)
		return details, nil
	})

	return rec.finish(s.Name(), started)
}

// pickEchoTool prefers a tool that reflects its input; any tool will do as
// a fallback since a JSON-RPC error still proves the frame arrived.
func pickEchoTool(tools []mcp.Tool) mcp.Tool {
	for _, tool := range tools {
		if strings.Contains(strings.ToLower(tool.Name), "echo") {
			return tool
		}
	}
	return tools[0]
}
