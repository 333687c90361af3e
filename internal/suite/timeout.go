package suite

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bc-dunia/mcpcheck/internal/client"
	"github.com/bc-dunia/mcpcheck/internal/config"
	"github.com/bc-dunia/mcpcheck/internal/mcp"
	"github.com/bc-dunia/mcpcheck/internal/results"
)

// TimeoutSuite calls the first discovered tool repeatedly under the
// configured invocation deadline, recording latency variance across the
// calls, then asks a delay-capable tool to outlast a fixed 250 ms budget and
// verifies the client's timeout fires. The delay is one fixed value; it is
// not raised step by step. Skips gracefully when the target exposes no tools.
type TimeoutSuite struct{}

func NewTimeoutSuite() *TimeoutSuite { return &TimeoutSuite{} }

func (s *TimeoutSuite) Name() string        { return "timeout" }
func (s *TimeoutSuite) Version() string     { return "1.0.0" }
func (s *TimeoutSuite) Description() string { return "invocation deadlines are honoured" }
func (s *TimeoutSuite) Tags() []string      { return []string{"core", "timing"} }

const timeoutRepeatCalls = 3

func (s *TimeoutSuite) Validate(cfg *config.Config) ValidationResult {
	if cfg.Timeouts.InvokeMs <= 0 {
		return Invalid("timeouts.invokeMs must be positive")
	}
	return Valid()
}

func (s *TimeoutSuite) Execute(ctx context.Context, tc *TestContext) results.SuiteResult {
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
		rec.Skip("latency-variance", "target exposes no tools")
		rec.Skip("deadline-enforced", "target exposes no tools")
		return rec.finish(s.Name(), started)
	}

	probe := tools[0].Name
	invokeBudget := tc.InvokeTimeout()

	rec.Run("latency-variance", func() (map[string]interface{}, error) {
		latencies := make([]int64, 0, timeoutRepeatCalls)
		for i := 0; i < timeoutRepeatCalls; i++ {
			begun := time.Now()
			_, err := tc.Client.CallToolTimeout(ctx, probe, deriveArguments(tools[0]), invokeBudget)
			elapsed := time.Since(begun)
			var rpcErr *mcp.JSONRPCError
			if err != nil && !errors.As(err, &rpcErr) {
				return nil, err
			}
			if elapsed > invokeBudget+500*time.Millisecond {
				return nil, failf("call %d returned after %s, budget %s", i, elapsed, invokeBudget)
			}
			latencies = append(latencies, elapsed.Milliseconds())
		}
		min, max := latencies[0], latencies[0]
		var sum int64
		for _, l := range latencies {
			if l < min {
				min = l
			}
			if l > max {
				max = l
			}
			sum += l
		}
		return map[string]interface{}{
			"latenciesMs": latencies,
			"minMs":       min,
			"maxMs":       max,
			"meanMs":      sum / int64(len(latencies)),
			"spreadMs":    max - min,
		}, nil
	})

	// Deadline enforcement needs a tool that can be told to outlast the
	// budget.
	slow := findDelayTool(tools)
	if slow == nil {
		rec.Skip("deadline-enforced", "no delay-capable tool discovered")
		return rec.finish(s.Name(), started)
	}

	rec.Run("deadline-enforced", func() (map[string]interface{}, error) {
		shortBudget := 250 * time.Millisecond
		args := map[string]interface{}{"delayMs": shortBudget.Milliseconds() * 8}
		begun := time.Now()
		_, err := tc.Client.CallToolTimeout(ctx, slow.Name, args, shortBudget)
		elapsed := time.Since(begun)

		details := map[string]interface{}{"tool": slow.Name, "elapsedMs": elapsed.Milliseconds()}
		if err == nil {
			return details, failf("call outlasting its budget returned a result")
		}
		if !client.IsErrorType(err, client.ErrInvocationTimeout) {
			return details, err
		}
		if elapsed > shortBudget+500*time.Millisecond {
			return details, failf("timeout fired after %s, budget %s", elapsed, shortBudget)
		}
		return details, nil
	})

	return rec.finish(s.Name(), started)
}

// findDelayTool looks for a tool advertising a configurable delay.
func findDelayTool(tools []mcp.Tool) *mcp.Tool {
	for i, tool := range tools {
		name := strings.ToLower(tool.Name)
		if strings.Contains(name, "slow") || strings.Contains(name, "delay") || strings.Contains(name, "sleep") {
			return &tools[i]
		}
	}
	return nil
}
