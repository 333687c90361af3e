package chaos

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bc-dunia/mcpcheck/internal/mcp"
	"github.com/bc-dunia/mcpcheck/internal/transport"
)

// Controller holds the ordered plugin list and the master seed, and runs
// the send and receive pipelines; each plugin forks its own PRNG stream
// from the seed at initialization. It implements the transport hook
// interfaces, so wiring it into a transport is SetSendHook/SetReceiveHook.
type Controller struct {
	logger  *slog.Logger
	config  *Config
	seed    int64
	enabled atomic.Bool

	mu      sync.Mutex
	plugins []Plugin
}

// NewController builds a controller from config, registering one plugin per
// present sub-config in a fixed order. When chaos is enabled the seed comes
// from config; otherwise a wall-clock seed is derived and logged so even
// ad-hoc runs can be replayed.
func NewController(cfg *Config, logger *slog.Logger) *Controller {
	if cfg == nil {
		cfg = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
		logger.Info("chaos seed derived from clock", "seed", seed)
	}

	c := &Controller{
		logger: logger,
		config: cfg,
		seed:   seed,
	}

	if cfg.Network != nil {
		c.Register(NewNetworkChaos(cfg.Network))
	}
	if cfg.Stream != nil {
		c.Register(NewStreamChaos(cfg.Stream))
	}
	if cfg.Protocol != nil {
		c.Register(NewProtocolChaos(cfg.Protocol))
	}
	if cfg.Timing != nil {
		c.Register(NewTimingChaos(cfg.Timing))
	}
	return c
}

// Seed returns the effective master seed for this controller.
func (c *Controller) Seed() int64 {
	return c.seed
}

// Register appends a plugin to the pipeline. Pipeline order is registration
// order.
func (c *Controller) Register(p Plugin) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.plugins = append(c.plugins, p)
}

// Plugins returns the pipeline in order.
func (c *Controller) Plugins() []Plugin {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Plugin(nil), c.plugins...)
}

// Initialize hands every plugin its context and installs the controller as
// the transport's send and receive hook. The gate opens only if config says
// so.
func (c *Controller) Initialize(tr transport.Transport) error {
	pctx := PluginContext{
		Transport: tr,
		Config:    c.config,
		Logger:    c.logger,
		Seed:      c.seed,
		Intensity: c.config.Intensity,
	}
	for _, p := range c.Plugins() {
		if err := p.Initialize(pctx); err != nil {
			return fmt.Errorf("initialize chaos plugin %s: %w", p.Name(), err)
		}
	}
	if tr != nil {
		tr.SetSendHook(c)
		tr.SetReceiveHook(c)
	}
	if c.config.Enable {
		c.Enable()
	}
	return nil
}

func (c *Controller) Enable()         { c.enabled.Store(true) }
func (c *Controller) Disable()        { c.enabled.Store(false) }
func (c *Controller) IsEnabled() bool { return c.enabled.Load() }

// ApplySendChaos pipes the message through each plugin's BeforeSend in
// registration order. A nil message from a plugin short-circuits the
// pipeline as a drop. Duplicates concatenate across plugins. A failing
// plugin is logged and skipped — one bad plugin must not break the run —
// except for deliberate AbortError injections, which propagate.
func (c *Controller) ApplySendChaos(ctx context.Context, msg mcp.Message) (transport.SendOutcome, error) {
	if !c.enabled.Load() {
		return transport.SendOutcome{Message: msg}, nil
	}

	current := msg
	var duplicates []transport.Duplicate
	for _, p := range c.Plugins() {
		if !p.Enabled() {
			continue
		}
		result, err := c.safeBeforeSend(ctx, p, current)
		if err != nil {
			if abort, ok := err.(*AbortError); ok {
				return transport.SendOutcome{}, abort
			}
			c.logger.Warn("chaos plugin failed in BeforeSend; message continues",
				"plugin", p.Name(), "error", err)
			continue
		}
		duplicates = append(duplicates, result.Duplicates...)
		if result.Message == nil {
			return transport.SendOutcome{Message: nil, Duplicates: duplicates}, nil
		}
		current = result.Message
	}
	return transport.SendOutcome{Message: current, Duplicates: duplicates}, nil
}

// ApplyReceiveChaos pipes the message through each plugin's AfterReceive,
// fail-soft: a failing plugin leaves the message unchanged.
func (c *Controller) ApplyReceiveChaos(ctx context.Context, msg mcp.Message) mcp.Message {
	if !c.enabled.Load() {
		return msg
	}

	current := msg
	for _, p := range c.Plugins() {
		if !p.Enabled() {
			continue
		}
		next, err := c.safeAfterReceive(ctx, p, current)
		if err != nil {
			c.logger.Warn("chaos plugin failed in AfterReceive; message continues",
				"plugin", p.Name(), "error", err)
			continue
		}
		if next != nil {
			current = next
		}
	}
	return current
}

// DuringConnection runs each plugin's connection-time hook in order.
func (c *Controller) DuringConnection(ctx context.Context) {
	if !c.enabled.Load() {
		return
	}
	for _, p := range c.Plugins() {
		if !p.Enabled() {
			continue
		}
		if err := p.DuringConnection(ctx); err != nil {
			c.logger.Warn("chaos plugin failed in DuringConnection",
				"plugin", p.Name(), "error", err)
		}
	}
}

// Restore runs every plugin's Restore in parallel, logs failures without
// re-raising, and closes the gate.
func (c *Controller) Restore(ctx context.Context) {
	plugins := c.Plugins()
	var wg sync.WaitGroup
	for _, p := range plugins {
		wg.Add(1)
		go func(p Plugin) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					c.logger.Warn("chaos plugin panicked in Restore", "plugin", p.Name(), "panic", r)
				}
			}()
			if err := p.Restore(ctx); err != nil {
				c.logger.Warn("chaos plugin failed in Restore", "plugin", p.Name(), "error", err)
			}
		}(p)
	}
	wg.Wait()
	c.Disable()
}

func (c *Controller) safeBeforeSend(ctx context.Context, p Plugin, msg mcp.Message) (result SendResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = SendResult{}
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p.BeforeSend(ctx, msg)
}

func (c *Controller) safeAfterReceive(ctx context.Context, p Plugin, msg mcp.Message) (out mcp.Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p.AfterReceive(ctx, msg)
}
