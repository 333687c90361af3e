package suite

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/bc-dunia/mcpcheck/internal/config"
	"github.com/bc-dunia/mcpcheck/internal/mcp"
	"github.com/bc-dunia/mcpcheck/internal/results"
)

// stubSuite is a minimal suite for registry tests.
type stubSuite struct {
	name    string
	version string
	tags    []string
}

func (s *stubSuite) Name() string        { return s.name }
func (s *stubSuite) Version() string     { return s.version }
func (s *stubSuite) Description() string { return "stub" }
func (s *stubSuite) Tags() []string      { return s.tags }
func (s *stubSuite) Validate(*config.Config) ValidationResult {
	return Valid()
}
func (s *stubSuite) Execute(context.Context, *TestContext) results.SuiteResult {
	return results.SuiteResult{Name: s.name, Status: results.StatusPassed}
}

func TestRegistryOrderAndDedup(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubSuite{name: "a", version: "1"})
	r.Register(&stubSuite{name: "b", version: "1"})
	r.Register(&stubSuite{name: "a", version: "2"}) // last write wins

	names := r.Names()
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Fatalf("names = %v, want [a b]", names)
	}

	s, ok := r.Get("a")
	if !ok {
		t.Fatal("suite a missing")
	}
	if s.Version() != "2" {
		t.Errorf("last registration should win, got version %s", s.Version())
	}
	if r.Count() != 2 {
		t.Errorf("count = %d", r.Count())
	}
}

func TestRegistryIgnoresNilAndUnnamed(t *testing.T) {
	r := NewRegistry()
	r.Register(nil)
	r.Register(&stubSuite{name: ""})
	if r.Count() != 0 {
		t.Errorf("count = %d, want 0", r.Count())
	}
}

func TestRegisterBuiltinsBattery(t *testing.T) {
	r := NewRegistry()
	RegisterBuiltins(r)

	for _, name := range []string{
		"handshake", "tool-discovery", "tool-invocation", "streaming",
		"timeout", "cancellation", "large-payload",
		"chaos-network", "chaos-protocol", "chaos-timing",
	} {
		if _, ok := r.Get(name); !ok {
			t.Errorf("builtin %s not registered", name)
		}
	}
}

func TestCaseRecorderStatuses(t *testing.T) {
	rec := newCaseRecorder("s", nil)
	started := time.Now()

	rec.Run("ok", func() (map[string]interface{}, error) {
		return map[string]interface{}{"k": "v"}, nil
	})
	rec.Run("bad", func() (map[string]interface{}, error) {
		return nil, failf("it broke")
	})
	rec.Skip("skipped", "no fixture")
	rec.Warn("warned", []string{"w"}, nil)

	sr := rec.finish("s", started)
	if sr.Status != results.StatusFailed {
		t.Errorf("suite status = %s, want failed", sr.Status)
	}
	if len(sr.Cases) != 4 {
		t.Fatalf("cases = %d", len(sr.Cases))
	}

	byName := map[string]results.CaseResult{}
	for _, c := range sr.Cases {
		byName[c.Name] = c
	}
	if byName["ok"].Status != results.StatusPassed {
		t.Error("ok case should pass")
	}
	if byName["bad"].Status != results.StatusFailed || byName["bad"].Error == nil {
		t.Error("bad case should fail with error info")
	}
	if byName["skipped"].Status != results.StatusSkipped {
		t.Error("skip case")
	}
	if byName["warned"].Status != results.StatusWarning {
		t.Error("warn case")
	}
}

func TestValidateInputSchema(t *testing.T) {
	tests := []struct {
		name    string
		schema  string
		wantErr bool
	}{
		{
			name:   "object schema",
			schema: `{"type":"object","properties":{"a":{"type":"number"}}}`,
		},
		{
			name:   "ref only",
			schema: `{"$ref":"#/definitions/x","definitions":{"x":{"type":"string"}}}`,
		},
		{
			name:    "missing structure",
			schema:  `{"title":"no structure"}`,
			wantErr: true,
		},
		{
			name:    "empty",
			schema:  ``,
			wantErr: true,
		},
		{
			name:    "not an object",
			schema:  `"string"`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tool := mcp.Tool{Name: "t", InputSchema: json.RawMessage(tt.schema)}
			err := validateInputSchema(tool)
			if tt.wantErr && err == nil {
				t.Error("expected error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestDeriveArguments(t *testing.T) {
	tool := mcp.Tool{
		Name: "t",
		InputSchema: json.RawMessage(`{
			"type":"object",
			"properties":{
				"n":{"type":"number"},
				"s":{"type":"string"},
				"b":{"type":"boolean"},
				"optional":{"type":"string"}
			},
			"required":["n","s","b","ghost"]
		}`),
	}

	args := deriveArguments(tool)
	if args["n"] != 1 {
		t.Errorf("n = %v", args["n"])
	}
	if args["s"] != "probe" {
		t.Errorf("s = %v", args["s"])
	}
	if args["b"] != true {
		t.Errorf("b = %v", args["b"])
	}
	if args["ghost"] != "probe" {
		t.Errorf("required property without schema should default to a string probe, got %v", args["ghost"])
	}
	if _, ok := args["optional"]; ok {
		t.Error("optional properties must not be populated")
	}
}

func TestHandshakeValidateVersionPolicy(t *testing.T) {
	s := NewHandshakeSuite()

	for _, policy := range []string{"", "strict", "supported", "none"} {
		cfg := &config.Config{Expectations: config.Expectations{VersionPolicy: policy}}
		if v := s.Validate(cfg); !v.Valid {
			t.Errorf("policy %q rejected: %v", policy, v.Errors)
		}
	}

	cfg := &config.Config{Expectations: config.Expectations{VersionPolicy: "lenient"}}
	if v := s.Validate(cfg); v.Valid {
		t.Error("unknown versionPolicy must fail validation")
	}
}

func TestChaosSuiteValidate(t *testing.T) {
	s := NewChaosSuite("network")

	cfg := &config.Config{}
	if v := s.Validate(cfg); v.Valid {
		t.Error("chaos suite must require chaos config")
	}
}
