// Package checker orchestrates a conformance run: it resolves suites,
// builds the shared test context over one transport connection, executes
// suites in order, aggregates results and streams lifecycle events to
// registered observers.
package checker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bc-dunia/mcpcheck/internal/chaos"
	"github.com/bc-dunia/mcpcheck/internal/client"
	"github.com/bc-dunia/mcpcheck/internal/config"
	"github.com/bc-dunia/mcpcheck/internal/envinfo"
	"github.com/bc-dunia/mcpcheck/internal/events"
	"github.com/bc-dunia/mcpcheck/internal/fixtures"
	"github.com/bc-dunia/mcpcheck/internal/mcp"
	"github.com/bc-dunia/mcpcheck/internal/otel"
	"github.com/bc-dunia/mcpcheck/internal/results"
	"github.com/bc-dunia/mcpcheck/internal/suite"
	"github.com/bc-dunia/mcpcheck/internal/transport"
)

// ErrorType classifies orchestration failures.
type ErrorType string

const (
	ErrTransportFactoryNotSet ErrorType = "transport_factory_not_set"
	ErrNoValidSuites          ErrorType = "no_valid_suites"
	ErrTargetUnreachable      ErrorType = "target_unreachable"
	ErrConfig                 ErrorType = "config_error"
	ErrInternal               ErrorType = "internal_error"
)

// Error is an orchestration-level failure.
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

// IsErrorType reports whether err is a checker error of the given type.
func IsErrorType(err error, t ErrorType) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Type == t
}

// EventType identifies a lifecycle event.
type EventType string

const (
	EventStart         EventType = "start"
	EventSuiteStart    EventType = "suite-start"
	EventSuiteComplete EventType = "suite-complete"
	EventComplete      EventType = "complete"
	EventError         EventType = "error"
)

// Event is one lifecycle notification. Fields beyond Type are populated per
// event kind.
type Event struct {
	Type      EventType
	Config    *config.Config
	SuiteName string
	Suite     *results.SuiteResult
	Results   *results.TestResults
	Err       error
}

// Listener receives lifecycle events in registration order.
type Listener func(Event)

// RunOptions select and shape one run.
type RunOptions struct {
	Suites      []string
	Tags        []string
	ExcludeTags []string
	FailFast    bool
	Strict      bool
}

// Checker owns one run at a time over a registry of suites.
type Checker struct {
	cfg      *config.Config
	registry *suite.Registry
	events   *events.Logger
	metrics  *otel.Metrics
	tracer   *otel.Tracer
	version  string
	runID    string

	mu        sync.Mutex
	factory   transport.Factory
	chaosCtl  *chaos.Controller
	listeners []Listener
}

// New creates a checker for the given configuration. Defaults are applied
// in place.
func New(cfg *config.Config) *Checker {
	cfg.ApplyDefaults()
	runID := uuid.NewString()
	return &Checker{
		cfg:      cfg,
		registry: suite.NewRegistry(),
		events:   events.NewLogger(runID),
		metrics:  otel.GetGlobalMetrics(),
		tracer:   otel.GetGlobalTracer(),
		version:  mcp.ClientVersion,
		runID:    runID,
	}
}

// RunID returns the unique identifier of this checker's runs.
func (c *Checker) RunID() string { return c.runID }

// SetEventLogger replaces the structured event logger; useful for quiet
// runs and tests.
func (c *Checker) SetEventLogger(l *events.Logger) {
	c.events = l
}

// SetTransportFactory installs the factory used to build the run's
// transport.
func (c *Checker) SetTransportFactory(f transport.Factory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.factory = f
}

// SetChaosController overrides the controller built from config.
func (c *Checker) SetChaosController(ctl *chaos.Controller) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chaosCtl = ctl
}

// RegisterSuite adds a suite to the registry; last registration of a name
// wins.
func (c *Checker) RegisterSuite(s suite.Suite) {
	c.registry.Register(s)
}

// RegisterBuiltins registers the full built-in battery.
func (c *Checker) RegisterBuiltins() {
	suite.RegisterBuiltins(c.registry)
}

// OnEvent registers a lifecycle listener.
func (c *Checker) OnEvent(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

func (c *Checker) emit(e Event) {
	c.mu.Lock()
	listeners := append([]Listener(nil), c.listeners...)
	c.mu.Unlock()
	for _, l := range listeners {
		l(e)
	}
}

// Run executes the selected suites and returns the aggregated results.
// Orchestration-level failures emit an error event and propagate; suite
// failures are reported, not raised.
func (c *Checker) Run(ctx context.Context, opts RunOptions) (*results.TestResults, error) {
	res, err := c.run(ctx, opts)
	if err != nil {
		c.emit(Event{Type: EventError, Err: err})
	}
	return res, err
}

func (c *Checker) run(ctx context.Context, opts RunOptions) (*results.TestResults, error) {
	startedAt := time.Now()
	c.emit(Event{Type: EventStart, Config: c.cfg})

	if err := c.cfg.Validate(); err != nil {
		return nil, &Error{Type: ErrConfig, Message: "configuration invalid", Err: err}
	}

	selected := c.selectSuites(opts)
	if len(selected) == 0 {
		return nil, &Error{Type: ErrNoValidSuites, Message: "no suites matched the selection"}
	}

	c.mu.Lock()
	factory := c.factory
	ctl := c.chaosCtl
	c.mu.Unlock()
	if factory == nil {
		return nil, &Error{Type: ErrTransportFactoryNotSet, Message: "a transport factory must be set before run"}
	}

	names := make([]string, len(selected))
	for i, s := range selected {
		names[i] = s.Name()
	}
	c.events.LogRunStarted(string(c.cfg.Target.Type), names)

	ctx, span := c.tracer.StartRun(ctx, string(c.cfg.Target.Type))
	defer span.End()

	// Every resource acquired from here on registers its release; the stack
	// unwinds on every exit path.
	cleanup := &cleanupStack{}
	defer cleanup.unwind()

	tr, err := factory.Create(c.cfg.Target.Type)
	if err != nil {
		return nil, &Error{Type: ErrInternal, Message: "transport construction failed", Err: err}
	}

	if ctl == nil && c.cfg.Chaos != nil {
		ctl = chaos.NewController(c.cfg.Chaos, c.events.Slog())
	}
	if ctl != nil {
		if err := ctl.Initialize(tr); err != nil {
			return nil, &Error{Type: ErrInternal, Message: "chaos initialization failed", Err: err}
		}
		cleanup.push(func() {
			restoreCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			ctl.Restore(restoreCtx)
		})
	}

	connectCtx, cancelConnect := context.WithTimeout(ctx, time.Duration(c.cfg.Timeouts.ConnectMs)*time.Millisecond)
	err = tr.Connect(connectCtx, &c.cfg.Target)
	cancelConnect()
	if err != nil {
		return nil, &Error{Type: ErrTargetUnreachable, Message: "connect failed", Err: err}
	}
	cleanup.push(func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), time.Duration(c.cfg.Timeouts.ShutdownMs)*time.Millisecond)
		defer cancel()
		if err := tr.Close(closeCtx); err != nil {
			// Cleanup must not mask results.
			c.events.Slog().Warn("transport close failed", "error", err)
		}
	})

	if ctl != nil {
		ctl.DuringConnection(ctx)
		if c.cfg.Chaos != nil && c.cfg.Chaos.Enable {
			c.events.LogChaosEnabled(ctl.Seed(), c.cfg.Chaos.Intensity)
		}
	}

	cli := client.New(tr, c.events.Slog(), time.Duration(c.cfg.Timeouts.InvokeMs)*time.Millisecond)

	var seed int64
	if ctl != nil {
		seed = ctl.Seed()
	}
	recorder := fixtures.NewRecorder(&c.cfg.Target, seed, c.cfg.Reporting.Redaction)

	builder := results.NewBuilder(c.version, startedAt)

	for _, s := range selected {
		c.emit(Event{Type: EventSuiteStart, SuiteName: s.Name()})
		c.events.LogSuiteStarted(s.Name())

		tc := &suite.TestContext{
			Config:    c.cfg,
			Transport: tr,
			Client:    cli,
			Chaos:     ctl,
			Logger:    c.events.ForSuite(s.Name()),
			Fixtures:  recorder,
		}

		suiteCtx, suiteSpan := c.tracer.StartSuite(ctx, s.Name())
		sr := c.runSuite(suiteCtx, s, tc, opts.Strict)
		suiteSpan.End()

		builder.AddSuite(sr)
		c.metrics.RecordSuite(ctx, sr.Name, string(sr.Status), float64(sr.DurationMs))
		for _, caseResult := range sr.Cases {
			c.metrics.RecordCase(ctx, sr.Name, string(caseResult.Status))
		}
		c.events.LogSuiteCompleted(sr.Name, string(sr.Status), sr.DurationMs, len(sr.Cases))
		c.emit(Event{Type: EventSuiteComplete, SuiteName: sr.Name, Suite: &sr})

		if opts.FailFast && sr.Status == results.StatusFailed {
			c.events.Slog().Info("fail-fast stop", "suite", sr.Name)
			break
		}
	}

	stats := tr.Stats()
	c.metrics.RecordTransport(ctx, stats.MessagesSent, stats.MessagesReceived, stats.BytesTransferred)

	if c.cfg.Reporting.IncludeFixtures == nil || *c.cfg.Reporting.IncludeFixtures {
		builder.AddFixtures(recorder.Drain())
	}

	// Release the transport and chaos state before the clock stops so
	// teardown cost is part of the run.
	cleanup.unwind()

	res := builder.Freeze(time.Now(), envinfo.Snapshot())
	c.events.LogRunCompleted(res.Summary.Total, res.Summary.Passed, res.Summary.Failed,
		res.Summary.Skipped, res.Summary.Warnings, res.Metadata.DurationMs)
	c.emit(Event{Type: EventComplete, Results: res})
	return res, nil
}

// selectSuites intersects the config selection ('all' and an empty
// selection mean every registered suite), the run options and the tag
// filters, preserving registration order. Unknown names are logged and
// skipped.
func (c *Checker) selectSuites(opts RunOptions) []suite.Suite {
	configNames := c.cfg.Suites.Names
	configIsAll := c.cfg.Suites.All || len(configNames) == 0
	if configIsAll {
		configNames = c.registry.Names()
	}

	requested := make(map[string]bool)
	for _, name := range configNames {
		requested[name] = true
	}
	if len(opts.Suites) > 0 {
		if configIsAll {
			requested = make(map[string]bool, len(opts.Suites))
			for _, name := range opts.Suites {
				requested[name] = true
			}
		} else {
			optioned := make(map[string]bool, len(opts.Suites))
			for _, name := range opts.Suites {
				optioned[name] = true
			}
			for name := range requested {
				if !optioned[name] {
					delete(requested, name)
				}
			}
		}
	}

	var selected []suite.Suite
	for _, name := range c.registry.Names() {
		if !requested[name] {
			continue
		}
		delete(requested, name)
		s, _ := c.registry.Get(name)
		if !matchesTags(s, opts.Tags, opts.ExcludeTags) {
			continue
		}
		selected = append(selected, s)
	}
	for name := range requested {
		c.events.Slog().Warn("requested suite is not registered; skipping", "suite", name)
	}
	return selected
}

func matchesTags(s suite.Suite, include, exclude []string) bool {
	tags := make(map[string]bool, len(s.Tags()))
	for _, t := range s.Tags() {
		tags[t] = true
	}
	for _, t := range exclude {
		if tags[t] {
			return false
		}
	}
	if len(include) == 0 {
		return true
	}
	for _, t := range include {
		if tags[t] {
			return true
		}
	}
	return false
}

// runSuite executes one suite with validation, optional setup and teardown
// phases and full exception containment.
func (c *Checker) runSuite(ctx context.Context, s suite.Suite, tc *suite.TestContext, strict bool) results.SuiteResult {
	started := time.Now()

	if v := s.Validate(c.cfg); !v.Valid {
		sr := results.SuiteResult{
			Name:   s.Name(),
			Status: results.StatusFailed,
			Cases: []results.CaseResult{{
				Name:   "validation",
				Status: results.StatusFailed,
				Error: &results.ErrorInfo{
					Type:    "validation_error",
					Message: fmt.Sprintf("suite configuration invalid: %v", v.Errors),
				},
			}},
			DurationMs: time.Since(started).Milliseconds(),
		}
		return sr
	}

	var setupPhase *results.PhaseResult
	if withSetup, ok := s.(suite.WithSetup); ok {
		setupStart := time.Now()
		err := c.safePhase(func() error { return withSetup.Setup(ctx, tc) })
		setupPhase = &results.PhaseResult{DurationMs: time.Since(setupStart).Milliseconds()}
		if err != nil {
			setupPhase.Error = &results.ErrorInfo{Type: "internal_error", Message: err.Error()}
			return results.SuiteResult{
				Name:       s.Name(),
				Status:     results.StatusFailed,
				Setup:      setupPhase,
				DurationMs: time.Since(started).Milliseconds(),
			}
		}
	}

	sr := c.safeExecute(ctx, s, tc)
	sr.Setup = setupPhase

	if withTeardown, ok := s.(suite.WithTeardown); ok {
		teardownStart := time.Now()
		err := c.safePhase(func() error { return withTeardown.Teardown(ctx, tc) })
		sr.Teardown = &results.PhaseResult{DurationMs: time.Since(teardownStart).Milliseconds()}
		if err != nil {
			sr.Teardown.Error = &results.ErrorInfo{Type: "internal_error", Message: err.Error()}
			if sr.Status == results.StatusPassed {
				sr.Status = results.StatusWarning
			}
		}
	}

	sr.DurationMs = time.Since(started).Milliseconds()
	if strict && sr.Status == results.StatusWarning {
		sr.Status = results.StatusFailed
	}
	return sr
}

// safeExecute contains anything a suite throws into a single failed case.
func (c *Checker) safeExecute(ctx context.Context, s suite.Suite, tc *suite.TestContext) (sr results.SuiteResult) {
	defer func() {
		if r := recover(); r != nil {
			sr = results.SuiteResult{
				Name:   s.Name(),
				Status: results.StatusFailed,
				Cases: []results.CaseResult{{
					Name:   "execute",
					Status: results.StatusFailed,
					Error: &results.ErrorInfo{
						Type:    "internal_error",
						Message: fmt.Sprintf("suite panicked: %v", r),
						Stack:   string(debug.Stack()),
					},
				}},
			}
		}
	}()
	return s.Execute(ctx, tc)
}

func (c *Checker) safePhase(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panicked: %v", r)
		}
	}()
	return fn()
}

// cleanupStack is a LIFO of release functions owned by the run frame.
type cleanupStack struct {
	mu  sync.Mutex
	fns []func()
}

func (s *cleanupStack) push(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fns = append(s.fns, fn)
}

// unwind runs the stack in reverse order, once; later calls are no-ops.
func (s *cleanupStack) unwind() {
	s.mu.Lock()
	fns := s.fns
	s.fns = nil
	s.mu.Unlock()
	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}

// ExitCode maps a run outcome to the process exit codes the CLI contract
// defines: 0 all passed, 1 failures, 2 configuration error, 3 target
// unreachable, 4 internal error.
func ExitCode(res *results.TestResults, err error) int {
	if err != nil {
		switch {
		case IsErrorType(err, ErrNoValidSuites), IsErrorType(err, ErrTransportFactoryNotSet), IsErrorType(err, ErrConfig):
			return 2
		case IsErrorType(err, ErrTargetUnreachable):
			return 3
		default:
			return 4
		}
	}
	if res == nil {
		return 0
	}
	if res.Summary.Failed > 0 {
		return 1
	}
	for _, s := range res.Suites {
		if s.Status == results.StatusFailed {
			return 1
		}
	}
	return 0
}
