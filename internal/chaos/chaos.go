// Package chaos provides a deterministic, seeded pipeline of plugins that
// perturb messages in flight: delays, drops, duplicates, reordering,
// corruption and protocol violations. All randomness flows from one seed so
// runs reproduce bit for bit.
package chaos

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/bc-dunia/mcpcheck/internal/mcp"
	drand "github.com/bc-dunia/mcpcheck/internal/rand"
	"github.com/bc-dunia/mcpcheck/internal/transport"
)

// Config selects and tunes the chaos plugins. Seed is required for
// reproducibility when Enable is true; when absent it is derived from the
// wall clock and logged. Intensity in (0, 1] multiplies every probability;
// the zero value means full intensity.
type Config struct {
	Enable    bool            `json:"enable"`
	Seed      int64           `json:"seed,omitempty"`
	Intensity float64         `json:"intensity,omitempty"`
	Network   *NetworkConfig  `json:"network,omitempty"`
	Stream    *StreamConfig   `json:"stream,omitempty"`
	Protocol  *ProtocolConfig `json:"protocol,omitempty"`
	Timing    *TimingConfig   `json:"timing,omitempty"`
}

// NetworkConfig tunes the network-level chaos plugin.
type NetworkConfig struct {
	DelayMinMs           int     `json:"delayMinMs,omitempty"`
	DelayMaxMs           int     `json:"delayMaxMs,omitempty"`
	DropProbability      float64 `json:"dropProbability,omitempty"`
	DuplicateProbability float64 `json:"duplicateProbability,omitempty"`
	ReorderProbability   float64 `json:"reorderProbability,omitempty"`
	CorruptProbability   float64 `json:"corruptProbability,omitempty"`
}

// StreamConfig tunes the stream-level chaos plugin.
type StreamConfig struct {
	ChunkJitterMs             int     `json:"chunkJitterMs,omitempty"`
	ReorderProbability        float64 `json:"reorderProbability,omitempty"`
	SplitChunkProbability     float64 `json:"splitChunkProbability,omitempty"`
	DuplicateChunkProbability float64 `json:"duplicateChunkProbability,omitempty"`
}

// ProtocolConfig tunes the protocol-violation chaos plugin.
type ProtocolConfig struct {
	InjectAbortProbability       float64 `json:"injectAbortProbability,omitempty"`
	MalformedJSONProbability     float64 `json:"malformedJsonProbability,omitempty"`
	UnexpectedMessageProbability float64 `json:"unexpectedMessageProbability,omitempty"`
	InvalidSchemaProbability     float64 `json:"invalidSchemaProbability,omitempty"`
}

// TimingConfig tunes the timing chaos plugin.
type TimingConfig struct {
	ClockSkewMinMs    int `json:"clockSkewMinMs,omitempty"`
	ClockSkewMaxMs    int `json:"clockSkewMaxMs,omitempty"`
	ProcessingDelayMs int `json:"processingDelayMs,omitempty"`
	ConnectionDelayMs int `json:"connectionDelayMs,omitempty"`
}

// PluginContext carries the collaborators a plugin receives at
// initialization. Each plugin forks a private PRNG from Seed mixed with its
// own stable tag, so plugins never share a random stream.
type PluginContext struct {
	Transport transport.Transport
	Config    *Config
	Logger    *slog.Logger
	Seed      int64
	Intensity float64
}

// SendResult is the outcome of a BeforeSend hook. A nil Message drops the
// original; Duplicates are scheduled sends of additional copies.
type SendResult struct {
	Message    mcp.Message
	Duplicates []transport.Duplicate
}

// Plugin is one chaos transformer. Hooks must be side-effect-free with
// respect to their input message and safe for concurrent invocation.
type Plugin interface {
	Name() string
	Description() string
	Enabled() bool
	SetEnabled(enabled bool)
	Initialize(pctx PluginContext) error
	BeforeSend(ctx context.Context, msg mcp.Message) (SendResult, error)
	AfterReceive(ctx context.Context, msg mcp.Message) (mcp.Message, error)
	DuringConnection(ctx context.Context) error
	Restore(ctx context.Context) error
}

// AbortError is a deliberate, simulated connection abort raised by protocol
// chaos. Unlike ordinary plugin failures it is not swallowed by the
// controller; it surfaces from the send path as a send error.
type AbortError struct {
	Plugin string
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("chaos plugin %s injected a connection abort", e.Plugin)
}

// pluginBase carries the state every plugin shares. Concrete plugins embed
// it and override the hooks they implement.
type pluginBase struct {
	name        string
	description string
	enabled     int32
	rng         *drand.Rand
	logger      *slog.Logger
	intensity   float64
}

func newPluginBase(name, description string) pluginBase {
	return pluginBase{name: name, description: description, enabled: 1}
}

func (b *pluginBase) Name() string        { return b.name }
func (b *pluginBase) Description() string { return b.description }
func (b *pluginBase) Enabled() bool       { return atomic.LoadInt32(&b.enabled) == 1 }
func (b *pluginBase) SetEnabled(enabled bool) {
	if enabled {
		atomic.StoreInt32(&b.enabled, 1)
	} else {
		atomic.StoreInt32(&b.enabled, 0)
	}
}

// init wires the shared collaborators; called from each plugin's Initialize.
func (b *pluginBase) init(pctx PluginContext) {
	master := drand.New(pctx.Seed)
	b.rng = master.Fork(b.name)
	b.logger = pctx.Logger
	if b.logger == nil {
		b.logger = slog.Default()
	}
	b.intensity = pctx.Intensity
	if b.intensity <= 0 || b.intensity > 1 {
		b.intensity = 1
	}
}

// gate scales a configured probability by the run intensity.
func (b *pluginBase) gate(p float64) float64 {
	return p * b.intensity
}

// sleep waits for d unless the context ends first.
func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// Default no-op hooks.

func (b *pluginBase) BeforeSend(ctx context.Context, msg mcp.Message) (SendResult, error) {
	return SendResult{Message: msg}, nil
}

func (b *pluginBase) AfterReceive(ctx context.Context, msg mcp.Message) (mcp.Message, error) {
	return msg, nil
}

func (b *pluginBase) DuringConnection(ctx context.Context) error { return nil }

func (b *pluginBase) Restore(ctx context.Context) error { return nil }
