package suite

import (
	"context"
	"fmt"
	"time"

	"github.com/bc-dunia/mcpcheck/internal/config"
	"github.com/bc-dunia/mcpcheck/internal/mcp"
	"github.com/bc-dunia/mcpcheck/internal/results"
)

// HandshakeSuite verifies the MCP initialize exchange: the handshake
// completes within the connect deadline, serverInfo is present, the
// negotiated protocol version meets expectations and every expected
// capability is advertised.
type HandshakeSuite struct{}

func NewHandshakeSuite() *HandshakeSuite { return &HandshakeSuite{} }

func (s *HandshakeSuite) Name() string        { return "handshake" }
func (s *HandshakeSuite) Version() string     { return "1.0.0" }
func (s *HandshakeSuite) Description() string { return "MCP initialize handshake conformance" }
func (s *HandshakeSuite) Tags() []string      { return []string{"core", "conformance"} }

func (s *HandshakeSuite) Validate(cfg *config.Config) ValidationResult {
	var warnings []string
	if v := cfg.Expectations.MinProtocolVersion; v != "" && !mcp.IsSupported(v) {
		warnings = append(warnings, fmt.Sprintf("minProtocolVersion %q is not a known protocol version", v))
	}
	switch cfg.Expectations.VersionPolicy {
	case "", "strict", "supported", "none":
	default:
		return Invalid(fmt.Sprintf("versionPolicy %q is not one of strict, supported, none", cfg.Expectations.VersionPolicy))
	}
	return ValidationResult{Valid: true, Warnings: warnings}
}

func (s *HandshakeSuite) Execute(ctx context.Context, tc *TestContext) results.SuiteResult {
	started := time.Now()
	rec := newCaseRecorder(s.Name(), tc)

	deadline := time.Duration(tc.Config.Timeouts.ConnectMs) * time.Millisecond
	var init *mcp.InitializeResult

	rec.Run("initialize", func() (map[string]interface{}, error) {
		initCtx, cancel := context.WithTimeout(ctx, deadline)
		defer cancel()
		begun := time.Now()
		result, err := tc.EnsureInitialized(initCtx)
		if err != nil {
			return nil, err
		}
		elapsed := time.Since(begun)
		init = result
		details := map[string]interface{}{
			"serverName":      result.ServerInfo.Name,
			"serverVersion":   result.ServerInfo.Version,
			"protocolVersion": result.ProtocolVersion,
			"durationMs":      elapsed.Milliseconds(),
		}
		if result.ServerInfo.Name == "" {
			return details, failf("serverInfo missing from initialize result")
		}
		if elapsed > deadline {
			return details, failf("handshake took %s, budget %s", elapsed, deadline)
		}
		return details, nil
	})

	rec.Run("protocol-version", func() (map[string]interface{}, error) {
		if init == nil {
			return nil, failf("handshake did not complete")
		}
		policy := mcp.ParseVersionPolicy(tc.Config.Expectations.VersionPolicy)
		details := map[string]interface{}{
			"protocolVersion": init.ProtocolVersion,
			"versionPolicy":   string(policy),
		}
		if err := mcp.ValidateNegotiation(mcp.DefaultProtocolVersion, init.ProtocolVersion, policy); err != nil {
			return details, err
		}
		if min := tc.Config.Expectations.MinProtocolVersion; min != "" {
			if mcp.CompareVersions(init.ProtocolVersion, min) < 0 {
				return details, failf("protocol version %s below required minimum %s", init.ProtocolVersion, min)
			}
		}
		return details, nil
	})

	expected := tc.Config.Expectations.Capabilities
	if len(expected) == 0 {
		rec.Skip("capabilities", "no capability expectations configured")
	} else {
		rec.Run("capabilities", func() (map[string]interface{}, error) {
			if init == nil {
				return nil, failf("handshake did not complete")
			}
			var missing []string
			for _, capName := range expected {
				if _, ok := init.Capabilities[capName]; !ok {
					missing = append(missing, capName)
				}
			}
			details := map[string]interface{}{
				"expected":   expected,
				"advertised": capabilityNames(init.Capabilities),
			}
			if len(missing) > 0 {
				return details, failf("capabilities not advertised: %v", missing)
			}
			return details, nil
		})
	}

	return rec.finish(s.Name(), started)
}

func capabilityNames(caps map[string]interface{}) []string {
	names := make([]string, 0, len(caps))
	for name := range caps {
		names = append(names, name)
	}
	return names
}
