package chaos

import (
	"context"
	"sync"
	"time"

	"github.com/bc-dunia/mcpcheck/internal/mcp"
	"github.com/bc-dunia/mcpcheck/internal/transport"
)

// NetworkChaos simulates an unreliable network: random delay in both
// directions, drops, duplicates, reordering and byte corruption.
//
// Corruption is defined precisely as flipping one random bit in one random
// byte of the encoded frame before write.
type NetworkChaos struct {
	pluginBase
	cfg NetworkConfig

	mu      sync.Mutex
	pending []mcp.Message // reorder hold-back buffer
}

func NewNetworkChaos(cfg *NetworkConfig) *NetworkChaos {
	return &NetworkChaos{
		pluginBase: newPluginBase("network", "delays, drops, duplicates, reorders and corrupts messages"),
		cfg:        *cfg,
	}
}

func (n *NetworkChaos) Initialize(pctx PluginContext) error {
	n.init(pctx)
	return nil
}

func (n *NetworkChaos) BeforeSend(ctx context.Context, msg mcp.Message) (SendResult, error) {
	n.delay(ctx)

	if n.rng.Bool(n.gate(n.cfg.DropProbability)) {
		n.logger.Debug("network chaos dropped message")
		return SendResult{Message: nil}, nil
	}

	var duplicates []transport.Duplicate

	// A previously held message re-enters the stream behind the current one,
	// inverting their original order.
	n.mu.Lock()
	if len(n.pending) > 0 {
		held := n.pending[0]
		n.pending = n.pending[1:]
		duplicates = append(duplicates, transport.Duplicate{Message: held, Delay: time.Millisecond})
	}
	n.mu.Unlock()

	if n.rng.Bool(n.gate(n.cfg.ReorderProbability)) {
		n.mu.Lock()
		n.pending = append(n.pending, cloneMessage(msg))
		n.mu.Unlock()
		n.logger.Debug("network chaos held message for reordering")
		return SendResult{Message: nil, Duplicates: duplicates}, nil
	}

	if n.rng.Bool(n.gate(n.cfg.DuplicateProbability)) {
		delay := time.Duration(n.rng.IntRange(10, 101)) * time.Millisecond
		duplicates = append(duplicates, transport.Duplicate{Message: cloneMessage(msg), Delay: delay})
	}

	out := msg
	if n.rng.Bool(n.gate(n.cfg.CorruptProbability)) {
		out = n.corrupt(msg)
	}

	return SendResult{Message: out, Duplicates: duplicates}, nil
}

func (n *NetworkChaos) AfterReceive(ctx context.Context, msg mcp.Message) (mcp.Message, error) {
	n.delay(ctx)
	return msg, nil
}

// Restore drains the reorder buffer; held messages are discarded and
// counted.
func (n *NetworkChaos) Restore(ctx context.Context) error {
	n.mu.Lock()
	dropped := len(n.pending)
	n.pending = nil
	n.mu.Unlock()
	if dropped > 0 {
		n.logger.Debug("network chaos discarded held messages on restore", "count", dropped)
	}
	return nil
}

func (n *NetworkChaos) delay(ctx context.Context) {
	if n.cfg.DelayMaxMs <= 0 {
		return
	}
	lo := n.cfg.DelayMinMs
	if lo < 0 {
		lo = 0
	}
	d := n.rng.IntRange(lo, n.cfg.DelayMaxMs+1)
	sleep(ctx, time.Duration(d)*time.Millisecond)
}

// corrupt flips one random bit in a copy of the encoded frame.
func (n *NetworkChaos) corrupt(msg mcp.Message) mcp.Message {
	if len(msg) == 0 {
		return msg
	}
	out := cloneMessage(msg)
	pos := n.rng.IntRange(0, len(out))
	bit := n.rng.IntRange(0, 8)
	out[pos] ^= 1 << bit
	n.logger.Debug("network chaos corrupted frame", "byte", pos, "bit", bit)
	return out
}

func cloneMessage(msg mcp.Message) mcp.Message {
	return append(mcp.Message(nil), msg...)
}
