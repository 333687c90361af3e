package suite

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bc-dunia/mcpcheck/internal/client"
	"github.com/bc-dunia/mcpcheck/internal/config"
	"github.com/bc-dunia/mcpcheck/internal/mcp"
	"github.com/bc-dunia/mcpcheck/internal/results"
)

// ToolInvocationSuite calls every discovered tool once with schema-derived
// arguments. A legitimate JSON-RPC error is a pass — the tool responded,
// which is the property under test; a transport-level timeout is a failure.
type ToolInvocationSuite struct{}

func NewToolInvocationSuite() *ToolInvocationSuite { return &ToolInvocationSuite{} }

func (s *ToolInvocationSuite) Name() string        { return "tool-invocation" }
func (s *ToolInvocationSuite) Version() string     { return "1.0.0" }
func (s *ToolInvocationSuite) Description() string { return "every exposed tool answers an invocation" }
func (s *ToolInvocationSuite) Tags() []string      { return []string{"core", "tools"} }

func (s *ToolInvocationSuite) Validate(cfg *config.Config) ValidationResult {
	if cfg.Timeouts.InvokeMs <= 0 {
		return Invalid("timeouts.invokeMs must be positive")
	}
	return Valid()
}

func (s *ToolInvocationSuite) Execute(ctx context.Context, tc *TestContext) results.SuiteResult {
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
		rec.Skip("invoke", "target exposes no tools")
		return rec.finish(s.Name(), started)
	}

	for _, tool := range tools {
		tool := tool
		rec.Run("invoke:"+tool.Name, func() (map[string]interface{}, error) {
			args := deriveArguments(tool)
			details := map[string]interface{}{"arguments": args}

			result, err := tc.Client.CallToolTimeout(ctx, tool.Name, args, tc.InvokeTimeout())
			if err != nil {
				var rpcErr *mcp.JSONRPCError
				if errors.As(err, &rpcErr) {
					// The server rejected the call but answered; that is
					// conformance, not failure.
					details["jsonrpcError"] = rpcErr.Code
					return details, nil
				}
				if client.IsErrorType(err, client.ErrInvocationTimeout) {
					return details, failf("tool %q never answered: %v", tool.Name, err)
				}
				return details, err
			}
			details["contentBlocks"] = len(result.Content)
			details["isError"] = result.IsError
			return details, nil
		})
	}

	return rec.finish(s.Name(), started)
}

// deriveArguments builds a minimal argument set from the tool's input
// schema: one placeholder per required property, typed per the schema.
func deriveArguments(tool mcp.Tool) map[string]interface{} {
	args := map[string]interface{}{}
	if len(tool.InputSchema) == 0 {
		return args
	}

	var schema struct {
		Properties map[string]struct {
			Type string `json:"type"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
		return args
	}

	for _, name := range schema.Required {
		prop, ok := schema.Properties[name]
		if !ok {
			args[name] = "probe"
			continue
		}
		switch prop.Type {
		case "number", "integer":
			args[name] = 1
		case "boolean":
			args[name] = true
		case "array":
			args[name] = []interface{}{}
		case "object":
			args[name] = map[string]interface{}{}
		default:
			args[name] = "probe"
		}
	}
	return args
}
