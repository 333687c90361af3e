package chaos

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/bc-dunia/mcpcheck/internal/mcp"
)

// timestampKeys are the field names whose values TimingChaos skews. Matching
// is case-insensitive.
var timestampKeys = map[string]bool{
	"timestamp":    true,
	"time":         true,
	"createdat":    true,
	"updatedat":    true,
	"starttime":    true,
	"endtime":      true,
	"startedat":    true,
	"completedat":  true,
	"expiresat":    true,
	"lastmodified": true,
}

// TimingChaos skews every timestamp-like field by a clock offset drawn once
// at initialization, and injects processing and connection delays.
type TimingChaos struct {
	pluginBase
	cfg     TimingConfig
	skewMs  int64
	skewDur time.Duration
}

func NewTimingChaos(cfg *TimingConfig) *TimingChaos {
	return &TimingChaos{
		pluginBase: newPluginBase("timing", "skews timestamps and injects processing delays"),
		cfg:        *cfg,
	}
}

// Initialize draws the one-shot clock skew; it stays fixed for the plugin's
// lifetime.
func (t *TimingChaos) Initialize(pctx PluginContext) error {
	t.init(pctx)
	if t.cfg.ClockSkewMaxMs > t.cfg.ClockSkewMinMs {
		t.skewMs = int64(t.rng.IntRange(t.cfg.ClockSkewMinMs, t.cfg.ClockSkewMaxMs+1))
	} else {
		t.skewMs = int64(t.cfg.ClockSkewMinMs)
	}
	t.skewDur = time.Duration(t.skewMs) * time.Millisecond
	return nil
}

func (t *TimingChaos) BeforeSend(ctx context.Context, msg mcp.Message) (SendResult, error) {
	if t.cfg.ProcessingDelayMs > 0 {
		sleep(ctx, time.Duration(t.cfg.ProcessingDelayMs)*time.Millisecond)
	}
	return SendResult{Message: t.skewTimestamps(msg)}, nil
}

func (t *TimingChaos) AfterReceive(ctx context.Context, msg mcp.Message) (mcp.Message, error) {
	return t.skewTimestamps(msg), nil
}

func (t *TimingChaos) DuringConnection(ctx context.Context) error {
	if t.cfg.ConnectionDelayMs > 0 {
		sleep(ctx, time.Duration(t.cfg.ConnectionDelayMs)*time.Millisecond)
	}
	return nil
}

// skewTimestamps walks the JSON tree and offsets timestamp-like fields,
// handling both numeric epochs and ISO-8601 strings. The input is never
// mutated.
func (t *TimingChaos) skewTimestamps(msg mcp.Message) mcp.Message {
	if t.skewMs == 0 {
		return msg
	}
	var value interface{}
	if err := json.Unmarshal(msg, &value); err != nil {
		return msg
	}
	skewed := t.walk(value, false)
	out, err := json.Marshal(skewed)
	if err != nil {
		return msg
	}
	return out
}

func (t *TimingChaos) walk(value interface{}, timestampField bool) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, child := range v {
			out[k] = t.walk(child, timestampKeys[strings.ToLower(k)])
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, child := range v {
			out[i] = t.walk(child, false)
		}
		return out
	case float64:
		if timestampField {
			return v + float64(t.skewMs)
		}
		return v
	case string:
		if timestampField {
			if parsed, err := time.Parse(time.RFC3339Nano, v); err == nil {
				return parsed.Add(t.skewDur).Format(time.RFC3339Nano)
			}
		}
		return v
	default:
		return v
	}
}
