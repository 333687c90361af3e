package chaos

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/bc-dunia/mcpcheck/internal/mcp"
	"github.com/bc-dunia/mcpcheck/internal/transport"
)

// StreamChaos perturbs streaming delivery: per-chunk jitter, reordering via
// an internal hold-back buffer, semantic chunk-split tagging and chunk
// duplication.
//
// A buffered message released out of order acquires a fresh deadline: it
// re-enters the send path as a brand-new write and the original caller has
// already returned.
type StreamChaos struct {
	pluginBase
	cfg StreamConfig

	mu      sync.Mutex
	buffer  []mcp.Message
	chunkID int64
}

func NewStreamChaos(cfg *StreamConfig) *StreamChaos {
	return &StreamChaos{
		pluginBase: newPluginBase("stream", "jitters, reorders, tags and duplicates stream chunks"),
		cfg:        *cfg,
	}
}

func (s *StreamChaos) Initialize(pctx PluginContext) error {
	s.init(pctx)
	return nil
}

func (s *StreamChaos) BeforeSend(ctx context.Context, msg mcp.Message) (SendResult, error) {
	if s.cfg.ChunkJitterMs > 0 {
		sleep(ctx, time.Duration(s.rng.IntRange(0, s.cfg.ChunkJitterMs+1))*time.Millisecond)
	}

	if s.rng.Bool(s.gate(s.cfg.ReorderProbability)) {
		return SendResult{Message: s.reorder(msg)}, nil
	}

	out := msg
	if s.rng.Bool(s.gate(s.cfg.SplitChunkProbability)) {
		out = s.tagSplit(out)
	}

	var duplicates []transport.Duplicate
	if s.rng.Bool(s.gate(s.cfg.DuplicateChunkProbability)) {
		delay := time.Duration(s.rng.IntRange(1, 50)) * time.Millisecond
		duplicates = append(duplicates, transport.Duplicate{Message: cloneMessage(out), Delay: delay})
	}

	return SendResult{Message: out, Duplicates: duplicates}, nil
}

// reorder buffers the incoming message. Once at least two messages are
// held, a coin flip decides whether to release a random buffered element in
// place of the held one; a nil return means everything stays pending.
func (s *StreamChaos) reorder(msg mcp.Message) mcp.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buffer = append(s.buffer, cloneMessage(msg))
	if len(s.buffer) >= 2 && s.rng.Bool(0.5) {
		idx := s.rng.IntRange(0, len(s.buffer))
		released := s.buffer[idx]
		s.buffer = append(s.buffer[:idx], s.buffer[idx+1:]...)
		return released
	}
	return nil
}

// tagSplit marks the message as split without altering carrier bytes; the
// split is semantic, for consumers that understand the tags.
func (s *StreamChaos) tagSplit(msg mcp.Message) mcp.Message {
	var obj map[string]interface{}
	if err := json.Unmarshal(msg, &obj); err != nil {
		return msg
	}
	s.mu.Lock()
	s.chunkID++
	id := s.chunkID
	s.mu.Unlock()

	obj["_chaos_split"] = true
	obj["_chaos_chunk_id"] = id
	obj["_chaos_total_chunks"] = s.rng.IntRange(2, 5)

	out, err := json.Marshal(obj)
	if err != nil {
		return msg
	}
	return out
}

// Restore drains the reorder buffer. Held messages are discarded; the
// stream they belonged to is over.
func (s *StreamChaos) Restore(ctx context.Context) error {
	s.mu.Lock()
	dropped := len(s.buffer)
	s.buffer = nil
	s.mu.Unlock()
	if dropped > 0 {
		s.logger.Debug("stream chaos discarded buffered chunks on restore", "count", dropped)
	}
	return nil
}

// BufferedCount reports the number of held messages; used by tests and the
// restore invariant.
func (s *StreamChaos) BufferedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}
