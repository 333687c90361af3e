package checker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bc-dunia/mcpcheck/internal/config"
	"github.com/bc-dunia/mcpcheck/internal/events"
	"github.com/bc-dunia/mcpcheck/internal/mcp"
	"github.com/bc-dunia/mcpcheck/internal/mockserver"
	"github.com/bc-dunia/mcpcheck/internal/results"
	"github.com/bc-dunia/mcpcheck/internal/suite"
	"github.com/bc-dunia/mcpcheck/internal/transport"
)

// stubTransport satisfies the transport contract without a carrier.
type stubTransport struct {
	mu        sync.Mutex
	state     transport.State
	connected bool
	closed    bool
}

func (s *stubTransport) Connect(ctx context.Context, target *transport.Target) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = transport.StateConnected
	s.connected = true
	return nil
}

func (s *stubTransport) Send(ctx context.Context, msg mcp.Message) error { return nil }

func (s *stubTransport) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = transport.StateDisconnected
	s.closed = true
	return nil
}

func (s *stubTransport) WaitForMessage(ctx context.Context, pred func(mcp.Message) bool, timeout time.Duration) (mcp.Message, error) {
	return nil, transport.NewError(transport.ErrWaitTimeout, "stub", nil)
}

func (s *stubTransport) Subscribe(obs transport.Observer) func() { return func() {} }

func (s *stubTransport) State() transport.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *stubTransport) Stats() transport.Stats               { return transport.Stats{} }
func (s *stubTransport) SetSendHook(transport.SendHook)       {}
func (s *stubTransport) SetReceiveHook(transport.ReceiveHook) {}

type stubFactory struct {
	last *stubTransport
}

func (f *stubFactory) Create(t transport.TargetType) (transport.Transport, error) {
	f.last = &stubTransport{state: transport.StateDisconnected}
	return f.last, nil
}

func (f *stubFactory) Supports(transport.TargetType) bool { return true }

// fixedSuite returns a canned status.
type fixedSuite struct {
	name   string
	status results.Status
}

func (s *fixedSuite) Name() string        { return s.name }
func (s *fixedSuite) Version() string     { return "1.0.0" }
func (s *fixedSuite) Description() string { return "fixed outcome" }
func (s *fixedSuite) Tags() []string      { return []string{"stub"} }
func (s *fixedSuite) Validate(*config.Config) suite.ValidationResult {
	return suite.Valid()
}
func (s *fixedSuite) Execute(context.Context, *suite.TestContext) results.SuiteResult {
	return results.SuiteResult{
		Name:   s.name,
		Status: s.status,
		Cases:  []results.CaseResult{{Name: "probe", Status: caseStatus(s.status)}},
	}
}

func caseStatus(s results.Status) results.Status {
	if s == results.StatusFailed {
		return results.StatusFailed
	}
	return results.StatusPassed
}

// panicSuite explodes during Execute.
type panicSuite struct{ fixedSuite }

func (s *panicSuite) Execute(context.Context, *suite.TestContext) results.SuiteResult {
	panic("suite exploded")
}

func testConfig(names ...string) *config.Config {
	return &config.Config{
		Target: transport.Target{Type: transport.TargetStdio, Command: "stub"},
		Suites: config.SuiteSelection{Names: names},
	}
}

func quietChecker(cfg *config.Config) *Checker {
	c := New(cfg)
	c.SetEventLogger(events.Noop())
	return c
}

// TestRunWithoutFactory covers the missing-factory contract: the run fails
// with the factory error and the error event fires with the same error.
func TestRunWithoutFactory(t *testing.T) {
	c := quietChecker(testConfig("a"))
	c.RegisterSuite(&fixedSuite{name: "a", status: results.StatusPassed})

	var eventErr error
	c.OnEvent(func(e Event) {
		if e.Type == EventError {
			eventErr = e.Err
		}
	})

	_, err := c.Run(context.Background(), RunOptions{})
	if !IsErrorType(err, ErrTransportFactoryNotSet) {
		t.Fatalf("expected transport_factory_not_set, got %v", err)
	}
	if eventErr == nil || !IsErrorType(eventErr, ErrTransportFactoryNotSet) {
		t.Errorf("error event carried %v", eventErr)
	}
}

func TestRunNoValidSuites(t *testing.T) {
	c := quietChecker(testConfig("ghost"))
	c.SetTransportFactory(&stubFactory{})
	c.RegisterSuite(&fixedSuite{name: "real", status: results.StatusPassed})

	_, err := c.Run(context.Background(), RunOptions{})
	if !IsErrorType(err, ErrNoValidSuites) {
		t.Fatalf("expected no_valid_suites, got %v", err)
	}
}

// TestFailFastStopsAfterFailedSuite registers A (passed), B (failed), C
// (passed) and expects fail-fast to stop after B.
func TestFailFastStopsAfterFailedSuite(t *testing.T) {
	// No explicit selection: every registered suite runs, in order.
	c := quietChecker(testConfig())
	c.SetTransportFactory(&stubFactory{})
	c.RegisterSuite(&fixedSuite{name: "A", status: results.StatusPassed})
	c.RegisterSuite(&fixedSuite{name: "B", status: results.StatusFailed})
	c.RegisterSuite(&fixedSuite{name: "C", status: results.StatusPassed})

	res, err := c.Run(context.Background(), RunOptions{FailFast: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Suites) != 2 {
		t.Fatalf("suites run = %d, want 2", len(res.Suites))
	}
	if res.Suites[0].Name != "A" || res.Suites[1].Name != "B" {
		t.Errorf("suite order %s, %s", res.Suites[0].Name, res.Suites[1].Name)
	}
}

func TestRunAllThreeWithoutFailFast(t *testing.T) {
	c := quietChecker(testConfig("A", "B", "C"))
	c.SetTransportFactory(&stubFactory{})
	c.RegisterSuite(&fixedSuite{name: "A", status: results.StatusPassed})
	c.RegisterSuite(&fixedSuite{name: "B", status: results.StatusFailed})
	c.RegisterSuite(&fixedSuite{name: "C", status: results.StatusPassed})

	res, err := c.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Suites) != 3 {
		t.Fatalf("suites run = %d, want 3", len(res.Suites))
	}
}

func TestTransportClosedOnEveryPath(t *testing.T) {
	factory := &stubFactory{}
	c := quietChecker(testConfig("B"))
	c.SetTransportFactory(factory)
	c.RegisterSuite(&fixedSuite{name: "B", status: results.StatusFailed})

	if _, err := c.Run(context.Background(), RunOptions{FailFast: true}); err != nil {
		t.Fatal(err)
	}
	if factory.last == nil || !factory.last.closed {
		t.Error("transport not closed after fail-fast run")
	}
}

func TestPanickingSuiteBecomesFailedCase(t *testing.T) {
	c := quietChecker(testConfig("boom"))
	c.SetTransportFactory(&stubFactory{})
	c.RegisterSuite(&panicSuite{fixedSuite{name: "boom"}})

	res, err := c.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("a panicking suite must not fail the run: %v", err)
	}
	if len(res.Suites) != 1 {
		t.Fatal("suite result missing")
	}
	sr := res.Suites[0]
	if sr.Status != results.StatusFailed {
		t.Errorf("status = %s", sr.Status)
	}
	if len(sr.Cases) != 1 || sr.Cases[0].Error == nil {
		t.Fatal("expected a single failed case with error info")
	}
}

// phasedSuite has failing setup or teardown phases.
type phasedSuite struct {
	fixedSuite
	setupErr    error
	teardownErr error
}

func (s *phasedSuite) Setup(context.Context, *suite.TestContext) error    { return s.setupErr }
func (s *phasedSuite) Teardown(context.Context, *suite.TestContext) error { return s.teardownErr }

func TestFailingSetupFailsSuiteWithoutCases(t *testing.T) {
	c := quietChecker(testConfig("phased"))
	c.SetTransportFactory(&stubFactory{})
	c.RegisterSuite(&phasedSuite{
		fixedSuite: fixedSuite{name: "phased", status: results.StatusPassed},
		setupErr:   transport.NewError(transport.ErrConnect, "setup broke", nil),
	})

	res, err := c.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	sr := res.Suites[0]
	if sr.Status != results.StatusFailed {
		t.Errorf("status = %s, want failed", sr.Status)
	}
	if len(sr.Cases) != 0 {
		t.Errorf("cases ran despite failed setup: %d", len(sr.Cases))
	}
	if sr.Setup == nil || sr.Setup.Error == nil {
		t.Error("setup phase error not recorded")
	}
}

func TestFailingTeardownAddsWarning(t *testing.T) {
	c := quietChecker(testConfig("phased"))
	c.SetTransportFactory(&stubFactory{})
	c.RegisterSuite(&phasedSuite{
		fixedSuite:  fixedSuite{name: "phased", status: results.StatusPassed},
		teardownErr: transport.NewError(transport.ErrSend, "teardown broke", nil),
	})

	res, err := c.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	sr := res.Suites[0]
	if sr.Status != results.StatusWarning {
		t.Errorf("status = %s, want warning", sr.Status)
	}
	if sr.Teardown == nil || sr.Teardown.Error == nil {
		t.Error("teardown phase error not recorded")
	}
}

func TestStrictPromotesWarnings(t *testing.T) {
	c := quietChecker(testConfig("phased"))
	c.SetTransportFactory(&stubFactory{})
	c.RegisterSuite(&phasedSuite{
		fixedSuite:  fixedSuite{name: "phased", status: results.StatusPassed},
		teardownErr: transport.NewError(transport.ErrSend, "teardown broke", nil),
	})

	res, err := c.Run(context.Background(), RunOptions{Strict: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Suites[0].Status != results.StatusFailed {
		t.Errorf("strict run: status = %s, want failed", res.Suites[0].Status)
	}
}

func TestInvalidSuiteValidationSynthesizesFailure(t *testing.T) {
	c := quietChecker(testConfig("chaos-network"))
	c.SetTransportFactory(&stubFactory{})
	c.RegisterBuiltins()

	// chaos-network requires a chaos config with a seed; none is set.
	res, err := c.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	sr := res.Suites[0]
	if sr.Status != results.StatusFailed {
		t.Fatalf("status = %s, want failed", sr.Status)
	}
	if len(sr.Cases) != 1 || sr.Cases[0].Name != "validation" {
		t.Errorf("expected a single synthetic validation case, got %+v", sr.Cases)
	}
}

func TestEventSequence(t *testing.T) {
	c := quietChecker(testConfig("A"))
	c.SetTransportFactory(&stubFactory{})
	c.RegisterSuite(&fixedSuite{name: "A", status: results.StatusPassed})

	var sequence []EventType
	var mu sync.Mutex
	c.OnEvent(func(e Event) {
		mu.Lock()
		sequence = append(sequence, e.Type)
		mu.Unlock()
	})

	if _, err := c.Run(context.Background(), RunOptions{}); err != nil {
		t.Fatal(err)
	}

	want := []EventType{EventStart, EventSuiteStart, EventSuiteComplete, EventComplete}
	mu.Lock()
	defer mu.Unlock()
	if len(sequence) != len(want) {
		t.Fatalf("events %v, want %v", sequence, want)
	}
	for i := range want {
		if sequence[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, sequence[i], want[i])
		}
	}
}

func TestTagFiltering(t *testing.T) {
	reg := func() *Checker {
		c := quietChecker(testConfig("A", "B"))
		c.SetTransportFactory(&stubFactory{})
		c.RegisterSuite(&fixedSuite{name: "A", status: results.StatusPassed})
		c.RegisterSuite(&fixedSuite{name: "B", status: results.StatusPassed})
		return c
	}

	res, err := reg().Run(context.Background(), RunOptions{Tags: []string{"stub"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Suites) != 2 {
		t.Errorf("tag include matched %d suites", len(res.Suites))
	}

	if _, err := reg().Run(context.Background(), RunOptions{ExcludeTags: []string{"stub"}}); !IsErrorType(err, ErrNoValidSuites) {
		t.Errorf("excluding every suite should yield no_valid_suites, got %v", err)
	}
}

func TestSummaryMatchesSuites(t *testing.T) {
	c := quietChecker(testConfig("A", "B"))
	c.SetTransportFactory(&stubFactory{})
	c.RegisterSuite(&fixedSuite{name: "A", status: results.StatusPassed})
	c.RegisterSuite(&fixedSuite{name: "B", status: results.StatusFailed})

	res, err := c.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	s := res.Summary
	if s.Total != s.Passed+s.Failed+s.Skipped+s.Warnings {
		t.Errorf("summary does not balance: %+v", s)
	}
	if s.Total != 2 || s.Passed != 1 || s.Failed != 1 {
		t.Errorf("summary %+v", s)
	}
	if res.Metadata.CompletedAt.Before(res.Metadata.StartedAt) {
		t.Error("completedAt before startedAt")
	}
}

func TestExitCode(t *testing.T) {
	passed := &results.TestResults{}
	failed := &results.TestResults{Summary: results.Summary{Failed: 1}}

	tests := []struct {
		name string
		res  *results.TestResults
		err  error
		want int
	}{
		{"all passed", passed, nil, 0},
		{"failures", failed, nil, 1},
		{"no suites", nil, &Error{Type: ErrNoValidSuites}, 2},
		{"no factory", nil, &Error{Type: ErrTransportFactoryNotSet}, 2},
		{"unreachable", nil, &Error{Type: ErrTargetUnreachable}, 3},
		{"internal", nil, &Error{Type: ErrInternal}, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.res, tt.err); got != tt.want {
				t.Errorf("ExitCode = %d, want %d", got, tt.want)
			}
		})
	}
}

// TestRunAgainstMockTarget drives the real TCP transport against the
// bundled mock target end to end: handshake, discovery and invocation all
// pass.
func TestRunAgainstMockTarget(t *testing.T) {
	srv := mockserver.New(nil)
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	defer srv.Stop()

	cfg := &config.Config{
		Target: transport.Target{
			Type: transport.TargetTCP,
			Host: "127.0.0.1",
			Port: srv.Port(),
		},
		Suites: config.SuiteSelection{Names: []string{"handshake", "tool-discovery", "tool-invocation"}},
	}
	c := quietChecker(cfg)
	c.RegisterBuiltins()
	c.SetTransportFactory(transport.NewDefaultFactory(events.Noop().Slog(), time.Second))

	res, err := c.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Summary.Total < 1 {
		t.Fatal("expected at least one case")
	}
	if res.Summary.Failed != 0 {
		for _, s := range res.Suites {
			for _, cr := range s.Cases {
				if cr.Status == results.StatusFailed {
					t.Errorf("case %s/%s failed: %+v", s.Name, cr.Name, cr.Error)
				}
			}
		}
	}
	if res.Suites[0].Name != "handshake" || res.Suites[0].Status == results.StatusFailed {
		t.Errorf("handshake suite %s status %s", res.Suites[0].Name, res.Suites[0].Status)
	}
}
