package chaos

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/bc-dunia/mcpcheck/internal/mcp"
)

// ProtocolChaos violates the JSON-RPC contract on purpose: simulated
// connection aborts, malformed JSON, unexpected messages and schema-invalid
// envelopes.
type ProtocolChaos struct {
	pluginBase
	cfg ProtocolConfig
}

func NewProtocolChaos(cfg *ProtocolConfig) *ProtocolChaos {
	return &ProtocolChaos{
		pluginBase: newPluginBase("protocol", "injects aborts, malformed JSON and schema violations"),
		cfg:        *cfg,
	}
}

func (p *ProtocolChaos) Initialize(pctx PluginContext) error {
	p.init(pctx)
	return nil
}

func (p *ProtocolChaos) BeforeSend(ctx context.Context, msg mcp.Message) (SendResult, error) {
	if p.rng.Bool(p.gate(p.cfg.InjectAbortProbability)) {
		return SendResult{}, &AbortError{Plugin: p.name}
	}

	if p.rng.Bool(p.gate(p.cfg.MalformedJSONProbability)) {
		return SendResult{Message: p.malform(msg)}, nil
	}

	if p.rng.Bool(p.gate(p.cfg.UnexpectedMessageProbability)) {
		return SendResult{Message: p.unexpected()}, nil
	}

	if p.rng.Bool(p.gate(p.cfg.InvalidSchemaProbability)) {
		return SendResult{Message: p.invalidSchema(msg)}, nil
	}

	return SendResult{Message: msg}, nil
}

// malform produces deliberately invalid JSON from a valid payload.
func (p *ProtocolChaos) malform(msg mcp.Message) mcp.Message {
	out := cloneMessage(msg)
	switch p.rng.IntRange(0, 6) {
	case 0: // truncation
		if len(out) > 2 {
			out = out[:len(out)/2]
		}
	case 1: // missing closing brace
		out = bytes.TrimRight(out, "}")
	case 2: // double comma
		if idx := bytes.IndexByte(out, ','); idx >= 0 {
			out = append(out[:idx+1], append([]byte{','}, out[idx+1:]...)...)
		} else {
			out = append(out, ',')
		}
	case 3: // removed colon
		if idx := bytes.IndexByte(out, ':'); idx >= 0 {
			out = append(out[:idx], out[idx+1:]...)
		}
	case 4: // trailing comma
		if len(out) > 1 && out[len(out)-1] == '}' {
			out = append(out[:len(out)-1], ',', '}')
		}
	case 5: // invalid JSON value
		values := []string{"NaN", "Infinity", "-Infinity"}
		v := values[p.rng.IntRange(0, len(values))]
		out = []byte(`{"jsonrpc":"2.0","result":` + v + `}`)
	}
	p.logger.Debug("protocol chaos malformed payload", "bytes", len(out))
	return out
}

// unexpected substitutes a different, syntactically valid JSON-RPC message.
func (p *ProtocolChaos) unexpected() mcp.Message {
	candidates := []string{
		`{"jsonrpc":"1.0","id":1,"method":"ping"}`,
		`{"jsonrpc":"2.0","method":"notifications/nonexistent","params":{}}`,
		`{"jsonrpc":"2.0","id":999983,"result":{}}`,
		`{"jsonrpc":"2.0","id":999987,"error":{"code":-32000,"message":"spurious"}}`,
	}
	return mcp.Message(candidates[p.rng.IntRange(0, len(candidates))])
}

// invalidSchema mutates required JSON-RPC fields while keeping the payload
// parseable.
func (p *ProtocolChaos) invalidSchema(msg mcp.Message) mcp.Message {
	var obj map[string]interface{}
	if err := json.Unmarshal(msg, &obj); err != nil {
		return msg
	}
	switch p.rng.IntRange(0, 4) {
	case 0:
		delete(obj, "jsonrpc")
	case 1:
		obj["jsonrpc"] = 2.0
	case 2:
		obj["id"] = map[string]interface{}{"invalid": true}
	case 3:
		obj["method"] = 42
	}
	out, err := json.Marshal(obj)
	if err != nil {
		return msg
	}
	return out
}
