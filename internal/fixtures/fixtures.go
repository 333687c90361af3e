// Package fixtures captures failing scenarios — target, seed, inputs,
// expected versus actual — so a failure can be re-executed deterministically,
// and applies redaction to values leaving the process.
package fixtures

import (
	"encoding/json"
	"regexp"
	"sync"

	"github.com/google/uuid"

	"github.com/bc-dunia/mcpcheck/internal/results"
	"github.com/bc-dunia/mcpcheck/internal/transport"
)

// RedactionConfig drives field-level filtering of captured data. Enabled is
// tri-state: nil means unset and defaults to true, so data only leaves the
// process unredacted when explicitly requested.
type RedactionConfig struct {
	Enabled       *bool    `json:"enabled,omitempty"`
	AllowedFields []string `json:"allowedFields,omitempty"`
	Patterns      []string `json:"patterns,omitempty"`
}

// Recorder collects fixtures during a run.
type Recorder struct {
	mu       sync.Mutex
	fixtures []results.Fixture
	redactor *redactor
	target   map[string]interface{}
	seed     int64
}

// NewRecorder creates a recorder bound to the run's target and chaos seed.
func NewRecorder(target *transport.Target, seed int64, redaction RedactionConfig) *Recorder {
	var targetMap map[string]interface{}
	if target != nil {
		if data, err := json.Marshal(target); err == nil {
			_ = json.Unmarshal(data, &targetMap)
		}
	}
	return &Recorder{
		redactor: newRedactor(redaction),
		target:   targetMap,
		seed:     seed,
	}
}

// Capture records one failing scenario and returns its fixture id for the
// report entry.
func (r *Recorder) Capture(suite, caseName string, input map[string]interface{}, expected, actual interface{}) string {
	fixture := results.Fixture{
		ID:       uuid.NewString(),
		Suite:    suite,
		Case:     caseName,
		Seed:     r.seed,
		Target:   r.target,
		Input:    r.redactor.redactMap(input),
		Expected: r.redactor.redactValue(expected),
		Actual:   r.redactor.redactValue(actual),
	}
	r.mu.Lock()
	r.fixtures = append(r.fixtures, fixture)
	r.mu.Unlock()
	return fixture.ID
}

// Drain returns the captured fixtures and resets the recorder.
func (r *Recorder) Drain() []results.Fixture {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.fixtures
	r.fixtures = nil
	return out
}

const redactedPlaceholder = "[REDACTED]"

// defaultSensitivePatterns match field names that never leave the process
// unredacted.
var defaultSensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)password`),
	regexp.MustCompile(`(?i)secret`),
	regexp.MustCompile(`(?i)token`),
	regexp.MustCompile(`(?i)api[-_]?key`),
	regexp.MustCompile(`(?i)authorization`),
}

type redactor struct {
	enabled  bool
	allowed  map[string]bool
	patterns []*regexp.Regexp
}

func newRedactor(cfg RedactionConfig) *redactor {
	r := &redactor{
		enabled:  cfg.Enabled == nil || *cfg.Enabled,
		allowed:  make(map[string]bool, len(cfg.AllowedFields)),
		patterns: append([]*regexp.Regexp(nil), defaultSensitivePatterns...),
	}
	for _, f := range cfg.AllowedFields {
		r.allowed[f] = true
	}
	for _, p := range cfg.Patterns {
		if re, err := regexp.Compile(p); err == nil {
			r.patterns = append(r.patterns, re)
		}
	}
	return r
}

func (r *redactor) sensitive(field string) bool {
	if r.allowed[field] {
		return false
	}
	for _, re := range r.patterns {
		if re.MatchString(field) {
			return true
		}
	}
	return false
}

func (r *redactor) redactMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	if !r.enabled {
		return m
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if r.sensitive(k) {
			out[k] = redactedPlaceholder
			continue
		}
		switch child := v.(type) {
		case map[string]interface{}:
			out[k] = r.redactMap(child)
		default:
			out[k] = v
		}
	}
	return out
}

func (r *redactor) redactValue(v interface{}) interface{} {
	if !r.enabled {
		return v
	}
	if m, ok := v.(map[string]interface{}); ok {
		return r.redactMap(m)
	}
	return v
}
