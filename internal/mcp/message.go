package mcp

import (
	"bytes"
	"encoding/json"
)

// Message is an opaque JSON value carried over a transport. The core never
// interprets message contents beyond the id and method fields used for
// routing.
type Message = json.RawMessage

// Envelope is the routing view of a wire message: the two fields the core
// inspects, left raw otherwise.
type Envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
}

// PeekEnvelope decodes only the routing fields of a message. A message that
// is not a JSON object yields a zero Envelope.
func PeekEnvelope(msg Message) Envelope {
	var env Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return Envelope{}
	}
	return env
}

// HasID reports whether the message carries a non-null id.
func (e Envelope) HasID() bool {
	return len(e.ID) > 0 && !bytes.Equal(e.ID, []byte("null"))
}

// IsResponse reports whether the message correlates to a request: an id is
// present and no method is.
func (e Envelope) IsResponse() bool {
	return e.HasID() && e.Method == ""
}

// IsNotification reports whether the message is a notification: a method is
// present and no id is.
func (e Envelope) IsNotification() bool {
	return e.Method != "" && !e.HasID()
}

// IDKey renders the id as a stable map key. Number and string ids with the
// same textual form collide deliberately; servers echo ids verbatim.
func (e Envelope) IDKey() string {
	if !e.HasID() {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.ID, &s); err == nil {
		return s
	}
	return string(e.ID)
}
