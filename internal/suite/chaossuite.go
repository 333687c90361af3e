package suite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bc-dunia/mcpcheck/internal/config"
	"github.com/bc-dunia/mcpcheck/internal/mcp"
	"github.com/bc-dunia/mcpcheck/internal/results"
)

// ChaosSuite activates a single chaos plugin and asserts the baseline
// properties still hold under perturbation: the handshake stays valid and at
// least one probe round trip completes. Runs with a fixed seed are
// reproducible case for case.
type ChaosSuite struct {
	plugin string
}

// NewChaosSuite creates the chaos suite for one plugin name (network,
// stream, protocol or timing).
func NewChaosSuite(plugin string) *ChaosSuite {
	return &ChaosSuite{plugin: plugin}
}

func (s *ChaosSuite) Name() string    { return "chaos-" + s.plugin }
func (s *ChaosSuite) Version() string { return "1.0.0" }
func (s *ChaosSuite) Description() string {
	return fmt.Sprintf("baseline properties hold under %s chaos", s.plugin)
}
func (s *ChaosSuite) Tags() []string { return []string{"chaos", s.plugin} }

const chaosProbeRounds = 5

func (s *ChaosSuite) Validate(cfg *config.Config) ValidationResult {
	if cfg.Chaos == nil {
		return Invalid("chaos suites require a chaos configuration")
	}
	if cfg.Chaos.Seed == 0 {
		return Invalid("chaos suites require an explicit chaos.seed for reproducibility")
	}
	return Valid()
}

func (s *ChaosSuite) Execute(ctx context.Context, tc *TestContext) results.SuiteResult {
	started := time.Now()
	rec := newCaseRecorder(s.Name(), tc)

	if tc.Chaos == nil {
		rec.Skip("chaos-probes", "no chaos controller wired into this run")
		return rec.finish(s.Name(), started)
	}

	rec.Run("baseline-handshake", func() (map[string]interface{}, error) {
		init, err := tc.EnsureInitialized(ctx)
		if err != nil {
			return nil, err
		}
		if init.ServerInfo.Name == "" {
			return nil, failf("serverInfo missing under chaos")
		}
		return map[string]interface{}{"server": init.ServerInfo.Name}, nil
	})

	// Focus the pipeline on the plugin under test; everything else pauses.
	wasEnabled := tc.Chaos.IsEnabled()
	var paused []string
	for _, p := range tc.Chaos.Plugins() {
		if p.Name() != s.plugin && p.Enabled() {
			p.SetEnabled(false)
			paused = append(paused, p.Name())
		}
	}
	tc.Chaos.Enable()
	defer func() {
		for _, p := range tc.Chaos.Plugins() {
			for _, name := range paused {
				if p.Name() == name {
					p.SetEnabled(true)
				}
			}
		}
		if !wasEnabled {
			tc.Chaos.Disable()
		}
	}()

	rec.Run("probes-under-chaos", func() (map[string]interface{}, error) {
		succeeded := 0
		injectedFailures := 0
		for i := 0; i < chaosProbeRounds; i++ {
			err := tc.Client.Ping(ctx)
			if err == nil {
				succeeded++
				continue
			}
			var rpcErr *mcp.JSONRPCError
			if errors.As(err, &rpcErr) {
				// The server answered, even if with an error: the protocol
				// survived the perturbation.
				succeeded++
				continue
			}
			injectedFailures++
		}
		details := map[string]interface{}{
			"rounds":           chaosProbeRounds,
			"succeeded":        succeeded,
			"injectedFailures": injectedFailures,
			"seed":             tc.Chaos.Seed(),
		}
		if succeeded == 0 {
			return details, failf("no probe survived %s chaos; target cannot tolerate perturbation", s.plugin)
		}
		return details, nil
	})

	rec.Run("still-conformant", func() (map[string]interface{}, error) {
		tc.Chaos.Disable()
		defer tc.Chaos.Enable()
		if err := tc.Client.Ping(ctx); err != nil {
			return nil, failf("target unhealthy after chaos: %v", err)
		}
		return nil, nil
	})

	return rec.finish(s.Name(), started)
}
