// Package config defines the configuration surface the outer CLI hands to
// the core. Loading and schema-validating configuration files happens
// outside; the core consumes the parsed form.
package config

import (
	"encoding/json"
	"fmt"

	"github.com/bc-dunia/mcpcheck/internal/chaos"
	"github.com/bc-dunia/mcpcheck/internal/fixtures"
	"github.com/bc-dunia/mcpcheck/internal/transport"
)

// Config is the full run configuration.
type Config struct {
	Target       transport.Target `json:"target"`
	Expectations Expectations     `json:"expectations,omitempty"`
	Suites       SuiteSelection   `json:"suites,omitempty"`
	Timeouts     Timeouts         `json:"timeouts,omitempty"`
	Chaos        *chaos.Config    `json:"chaos,omitempty"`
	Reporting    Reporting        `json:"reporting,omitempty"`
	Parallelism  Parallelism      `json:"parallelism,omitempty"`
}

// Expectations describe what the target must advertise.
type Expectations struct {
	MinProtocolVersion string                 `json:"minProtocolVersion,omitempty"`
	VersionPolicy      string                 `json:"versionPolicy,omitempty"` // strict, supported or none
	Capabilities       []string               `json:"capabilities,omitempty"`
	Tools              []ToolExpectation      `json:"tools,omitempty"`
	Resources          []ResourceExpectation  `json:"resources,omitempty"`
	CustomCapabilities map[string]interface{} `json:"customCapabilities,omitempty"`
}

// ToolExpectation names a tool the target must expose.
type ToolExpectation struct {
	Name     string `json:"name"`
	Required bool   `json:"required,omitempty"`
}

// ResourceExpectation names a resource the target must expose.
type ResourceExpectation struct {
	URI      string `json:"uri"`
	Required bool   `json:"required,omitempty"`
}

// SuiteSelection is either the literal 'all' or an explicit list of suite
// names.
type SuiteSelection struct {
	All   bool
	Names []string
}

// DefaultSuites is what 'all' expands to.
var DefaultSuites = []string{"handshake", "tool-discovery", "tool-invocation", "streaming"}

func (s *SuiteSelection) UnmarshalJSON(data []byte) error {
	var literal string
	if err := json.Unmarshal(data, &literal); err == nil {
		if literal != "all" {
			return fmt.Errorf("suites: expected 'all' or a list, got %q", literal)
		}
		s.All = true
		s.Names = nil
		return nil
	}
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return fmt.Errorf("suites: expected 'all' or a list: %w", err)
	}
	s.All = false
	s.Names = names
	return nil
}

func (s SuiteSelection) MarshalJSON() ([]byte, error) {
	if s.All {
		return json.Marshal("all")
	}
	return json.Marshal(s.Names)
}

// Resolve expands the selection for the CLI surface, where 'all' means the
// default battery. The orchestrator resolves 'all' against its registry
// instead.
func (s SuiteSelection) Resolve() []string {
	if s.All || (len(s.Names) == 0) {
		return append([]string(nil), DefaultSuites...)
	}
	return append([]string(nil), s.Names...)
}

// Timeouts hold the run's deadlines in milliseconds.
type Timeouts struct {
	ConnectMs  int `json:"connectMs,omitempty"`
	InvokeMs   int `json:"invokeMs,omitempty"`
	ShutdownMs int `json:"shutdownMs,omitempty"`
	StreamMs   int `json:"streamMs,omitempty"`
}

// Reporting configures what leaves the process.
type Reporting struct {
	Formats         []string                 `json:"formats,omitempty"`
	OutputDir       string                   `json:"outputDir,omitempty"`
	IncludeFixtures *bool                    `json:"includeFixtures,omitempty"`
	Redaction       fixtures.RedactionConfig `json:"redaction,omitempty"`
	Telemetry       *Telemetry               `json:"telemetry,omitempty"`
}

// Telemetry selects the OTel exporter for run telemetry.
type Telemetry struct {
	Enabled  bool   `json:"enabled"`
	Exporter string `json:"exporter,omitempty"` // none, stdout, otlp-grpc, otlp-http
	Endpoint string `json:"endpoint,omitempty"`
	Insecure bool   `json:"insecure,omitempty"`
}

// Parallelism bounds concurrent work.
type Parallelism struct {
	MaxConcurrentTests       int `json:"maxConcurrentTests,omitempty"`
	MaxConcurrentConnections int `json:"maxConcurrentConnections,omitempty"`
}

// ApplyDefaults fills unset fields in place.
func (c *Config) ApplyDefaults() {
	if c.Timeouts.ConnectMs <= 0 {
		c.Timeouts.ConnectMs = DefaultConnectMs
	}
	if c.Timeouts.InvokeMs <= 0 {
		c.Timeouts.InvokeMs = DefaultInvokeMs
	}
	if c.Timeouts.ShutdownMs <= 0 {
		c.Timeouts.ShutdownMs = DefaultShutdownMs
	}
	if c.Timeouts.StreamMs <= 0 {
		c.Timeouts.StreamMs = DefaultStreamMs
	}
	if c.Reporting.OutputDir == "" {
		c.Reporting.OutputDir = DefaultOutputDir
	}
	if c.Reporting.IncludeFixtures == nil {
		v := true
		c.Reporting.IncludeFixtures = &v
	}
	if c.Reporting.Redaction.Enabled == nil {
		v := true
		c.Reporting.Redaction.Enabled = &v
	}
	if c.Parallelism.MaxConcurrentTests <= 0 {
		c.Parallelism.MaxConcurrentTests = 1
	}
	if c.Parallelism.MaxConcurrentConnections <= 0 {
		c.Parallelism.MaxConcurrentConnections = 1
	}
}

// Validate checks cross-field constraints the core relies on.
func (c *Config) Validate() error {
	if err := c.Target.Validate(); err != nil {
		return err
	}
	if c.Chaos != nil && c.Chaos.Enable && c.Chaos.Seed == 0 {
		return fmt.Errorf("chaos.seed is required when chaos is enabled; reproducibility depends on it")
	}
	if c.Chaos != nil && (c.Chaos.Intensity < 0 || c.Chaos.Intensity > 1) {
		return fmt.Errorf("chaos.intensity %v out of range [0,1]", c.Chaos.Intensity)
	}
	return nil
}
