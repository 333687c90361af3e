package fixtures

import (
	"testing"

	"github.com/bc-dunia/mcpcheck/internal/transport"
)

func boolPtr(v bool) *bool { return &v }

func TestCaptureRecordsScenario(t *testing.T) {
	target := &transport.Target{Type: transport.TargetStdio, Command: "server"}
	r := NewRecorder(target, 12345, RedactionConfig{})

	id := r.Capture("handshake", "initialize",
		map[string]interface{}{"attempt": 1}, "serverInfo", "missing")
	if id == "" {
		t.Fatal("expected a fixture id")
	}

	fixtures := r.Drain()
	if len(fixtures) != 1 {
		t.Fatalf("expected 1 fixture, got %d", len(fixtures))
	}
	f := fixtures[0]
	if f.ID != id || f.Suite != "handshake" || f.Case != "initialize" || f.Seed != 12345 {
		t.Errorf("fixture fields %+v", f)
	}
	if f.Target["command"] != "server" {
		t.Errorf("target not captured: %v", f.Target)
	}

	if len(r.Drain()) != 0 {
		t.Error("drain should reset the recorder")
	}
}

// TestRedactionOnByDefault guards the leak-prevention default: an unset
// Enabled means redaction is active.
func TestRedactionOnByDefault(t *testing.T) {
	r := NewRecorder(nil, 0, RedactionConfig{})
	r.Capture("s", "c", map[string]interface{}{"password": "hunter2"}, nil, nil)

	f := r.Drain()[0]
	if f.Input["password"] != "[REDACTED]" {
		t.Errorf("unset redaction config must still redact, got %v", f.Input["password"])
	}
}

func TestRedactionDefaults(t *testing.T) {
	r := NewRecorder(nil, 0, RedactionConfig{Enabled: boolPtr(true)})
	r.Capture("s", "c", map[string]interface{}{
		"apiKey":   "sk-123",
		"password": "hunter2",
		"nested":   map[string]interface{}{"authToken": "abc", "plain": "ok"},
		"plain":    "ok",
	}, nil, nil)

	f := r.Drain()[0]
	if f.Input["apiKey"] != "[REDACTED]" {
		t.Errorf("apiKey = %v", f.Input["apiKey"])
	}
	if f.Input["password"] != "[REDACTED]" {
		t.Errorf("password = %v", f.Input["password"])
	}
	nested := f.Input["nested"].(map[string]interface{})
	if nested["authToken"] != "[REDACTED]" {
		t.Errorf("nested authToken = %v", nested["authToken"])
	}
	if nested["plain"] != "ok" || f.Input["plain"] != "ok" {
		t.Error("non-sensitive fields must survive")
	}
}

func TestRedactionAllowList(t *testing.T) {
	r := NewRecorder(nil, 0, RedactionConfig{
		Enabled:       boolPtr(true),
		AllowedFields: []string{"publicToken"},
	})
	r.Capture("s", "c", map[string]interface{}{"publicToken": "visible"}, nil, nil)

	f := r.Drain()[0]
	if f.Input["publicToken"] != "visible" {
		t.Errorf("allow-listed field redacted: %v", f.Input["publicToken"])
	}
}

func TestRedactionCustomPattern(t *testing.T) {
	r := NewRecorder(nil, 0, RedactionConfig{
		Enabled:  boolPtr(true),
		Patterns: []string{`(?i)^ssn$`},
	})
	r.Capture("s", "c", map[string]interface{}{"ssn": "000-00-0000"}, nil, nil)

	f := r.Drain()[0]
	if f.Input["ssn"] != "[REDACTED]" {
		t.Errorf("custom pattern not applied: %v", f.Input["ssn"])
	}
}

func TestRedactionDisabledPassesThrough(t *testing.T) {
	r := NewRecorder(nil, 0, RedactionConfig{Enabled: boolPtr(false)})
	r.Capture("s", "c", map[string]interface{}{"password": "hunter2"}, nil, nil)

	f := r.Drain()[0]
	if f.Input["password"] != "hunter2" {
		t.Error("disabled redaction must not rewrite values")
	}
}
