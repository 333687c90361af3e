// Package suite defines the test-suite plugin contract, the registry the
// orchestrator resolves suites from, and the built-in conformance and chaos
// suites.
package suite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bc-dunia/mcpcheck/internal/chaos"
	"github.com/bc-dunia/mcpcheck/internal/client"
	"github.com/bc-dunia/mcpcheck/internal/config"
	"github.com/bc-dunia/mcpcheck/internal/fixtures"
	"github.com/bc-dunia/mcpcheck/internal/mcp"
	"github.com/bc-dunia/mcpcheck/internal/results"
	"github.com/bc-dunia/mcpcheck/internal/transport"
)

// TestContext is the shared per-run environment handed to every suite. The
// transport and client are owned by the orchestrator; suites must not close
// them.
type TestContext struct {
	Config    *config.Config
	Transport transport.Transport
	Client    *client.Client
	Chaos     *chaos.Controller
	Logger    *slog.Logger
	Fixtures  *fixtures.Recorder
}

// EnsureInitialized performs the MCP handshake if no suite has yet.
func (tc *TestContext) EnsureInitialized(ctx context.Context) (*mcp.InitializeResult, error) {
	if init := tc.Client.ServerInit(); init != nil {
		return init, nil
	}
	return tc.Client.Initialize(ctx, mcp.ClientInfo{}, tc.Config.Expectations.CustomCapabilities)
}

// InvokeTimeout returns the configured per-call deadline.
func (tc *TestContext) InvokeTimeout() time.Duration {
	return time.Duration(tc.Config.Timeouts.InvokeMs) * time.Millisecond
}

// ValidationResult is the outcome of a suite's configuration check.
type ValidationResult struct {
	Valid    bool
	Errors   []string
	Warnings []string
}

// Valid returns a passing validation result.
func Valid() ValidationResult {
	return ValidationResult{Valid: true}
}

// Invalid returns a failing validation result.
func Invalid(errs ...string) ValidationResult {
	return ValidationResult{Valid: false, Errors: errs}
}

// Suite is one self-contained validator and executor.
type Suite interface {
	// Name is the unique suite identifier.
	Name() string
	Version() string
	Description() string
	Tags() []string

	// Validate is a fast, pure configuration check run before Execute.
	Validate(cfg *config.Config) ValidationResult

	// Execute runs the suite's cases. Implementations must not panic
	// outward; the orchestrator additionally catches anything that escapes.
	Execute(ctx context.Context, tc *TestContext) results.SuiteResult
}

// WithSetup is implemented by suites needing a setup phase.
type WithSetup interface {
	Setup(ctx context.Context, tc *TestContext) error
}

// WithTeardown is implemented by suites needing a teardown phase.
type WithTeardown interface {
	Teardown(ctx context.Context, tc *TestContext) error
}

// caseRecorder accumulates timed case results for one suite execution.
type caseRecorder struct {
	suite string
	tc    *TestContext
	cases []results.CaseResult
}

func newCaseRecorder(suiteName string, tc *TestContext) *caseRecorder {
	return &caseRecorder{suite: suiteName, tc: tc}
}

// Run executes one probe, timing it and mapping its error to a structured
// failure.
func (r *caseRecorder) Run(name string, fn func() (map[string]interface{}, error)) {
	started := time.Now()
	details, err := fn()
	c := results.CaseResult{
		Name:       name,
		Status:     results.StatusPassed,
		DurationMs: time.Since(started).Milliseconds(),
		Details:    details,
	}
	if err != nil {
		c.Status = results.StatusFailed
		c.Error = errorInfo(err)
		if r.tc != nil && r.tc.Fixtures != nil {
			c.Error.Fixture = r.tc.Fixtures.Capture(r.suite, name, details, nil, err.Error())
		}
	}
	r.cases = append(r.cases, c)
}

// Warn records a case that passed with reservations.
func (r *caseRecorder) Warn(name string, warnings []string, details map[string]interface{}) {
	r.cases = append(r.cases, results.CaseResult{
		Name:     name,
		Status:   results.StatusWarning,
		Details:  details,
		Warnings: warnings,
	})
}

// Skip records a case that could not run meaningfully.
func (r *caseRecorder) Skip(name, reason string) {
	r.cases = append(r.cases, results.CaseResult{
		Name:    name,
		Status:  results.StatusSkipped,
		Details: map[string]interface{}{"reason": reason},
	})
}

// finish assembles the suite result with derived status.
func (r *caseRecorder) finish(name string, started time.Time) results.SuiteResult {
	suite := results.SuiteResult{
		Name:       name,
		Cases:      r.cases,
		DurationMs: time.Since(started).Milliseconds(),
	}
	suite.DeriveStatus()
	return suite
}

// errorInfo maps an error to its structured report form, preserving the
// stable type of transport and client failures.
func errorInfo(err error) *results.ErrorInfo {
	var te *transport.Error
	if errors.As(err, &te) {
		return &results.ErrorInfo{Type: string(te.Type), Message: te.Error()}
	}
	var ce *client.Error
	if errors.As(err, &ce) {
		return &results.ErrorInfo{Type: string(ce.Type), Message: ce.Error()}
	}
	var je *mcp.JSONRPCError
	if errors.As(err, &je) {
		return &results.ErrorInfo{
			Type:    "jsonrpc_error",
			Message: je.Message,
			Details: map[string]interface{}{"code": je.Code},
		}
	}
	return &results.ErrorInfo{Type: "internal_error", Message: err.Error()}
}

func failf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}
