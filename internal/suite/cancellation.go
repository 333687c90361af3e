package suite

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/bc-dunia/mcpcheck/internal/config"
	"github.com/bc-dunia/mcpcheck/internal/mcp"
	"github.com/bc-dunia/mcpcheck/internal/results"
)

// CancellationSuite starts a streaming invocation, cancels it mid-flight
// and verifies no further deltas arrive once the cancellation settles.
type CancellationSuite struct{}

func NewCancellationSuite() *CancellationSuite { return &CancellationSuite{} }

func (s *CancellationSuite) Name() string        { return "cancellation" }
func (s *CancellationSuite) Version() string     { return "1.0.0" }
func (s *CancellationSuite) Description() string { return "in-flight requests can be cancelled" }
func (s *CancellationSuite) Tags() []string      { return []string{"core", "streaming"} }

func (s *CancellationSuite) Validate(cfg *config.Config) ValidationResult {
	return Valid()
}

func (s *CancellationSuite) Execute(ctx context.Context, tc *TestContext) results.SuiteResult {
	started := time.Now()
	rec := newCaseRecorder(s.Name(), tc)

	tool, err := findStreamingTool(ctx, tc)
	if err != nil {
		rec.Run("discover", func() (map[string]interface{}, error) { return nil, err })
		return rec.finish(s.Name(), started)
	}
	if tool == "" {
		rec.Skip("cancel-stream", "no streaming-capable tool discovered")
		return rec.finish(s.Name(), started)
	}

	rec.Run("cancel-stream", func() (map[string]interface{}, error) {
		var beforeCancel, afterGrace atomic.Int64
		var cancelled atomic.Bool
		unsubscribe := tc.Client.OnNotification(func(method string, params json.RawMessage) {
			if method != mcp.MethodProgress {
				return
			}
			if cancelled.Load() {
				afterGrace.Add(1)
			} else {
				beforeCancel.Add(1)
			}
		})
		defer unsubscribe()

		requestID, err := tc.Client.CallToolAsync(ctx, tool, nil)
		if err != nil {
			return nil, err
		}

		// Let the stream produce something, then cut it off.
		time.Sleep(100 * time.Millisecond)
		if err := tc.Client.CancelRequest(ctx, requestID, "cancellation probe"); err != nil {
			return nil, err
		}

		// Grace period for in-flight deltas to drain, then a quiet window in
		// which nothing further may arrive.
		time.Sleep(200 * time.Millisecond)
		afterGrace.Store(0)
		cancelled.Store(true)
		quiet := 300 * time.Millisecond
		time.Sleep(quiet)

		details := map[string]interface{}{
			"tool":            tool,
			"deltasBeforeCut": beforeCancel.Load(),
			"deltasAfterCut":  afterGrace.Load(),
			"quietWindowMs":   quiet.Milliseconds(),
		}
		if n := afterGrace.Load(); n > 0 {
			return details, failf("%d delta(s) arrived after cancellation settled", n)
		}
		return details, nil
	})

	return rec.finish(s.Name(), started)
}
