package mesh

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/xid"
)

// A Payload is an opaque structured value carried by an envelope. The
// middleware never interprets its contents; it only guarantees that the value
// round-trips through the codec unchanged.
type Payload struct {
	raw json.RawMessage
}

// NewPayload builds a payload from any JSON-representable value.
func NewPayload(v interface{}) (Payload, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Payload{}, fmt.Errorf("payload is not representable: %w", err)
	}

	return Payload{raw: raw}, nil
}

// MustPayload builds a payload from a value that is known to be
// JSON-representable. It panics otherwise and is intended for literals.
func MustPayload(v interface{}) Payload {
	p, err := NewPayload(v)
	if err != nil {
		panic(err)
	}

	return p
}

// RawPayload wraps already-encoded JSON bytes without copying.
func RawPayload(raw []byte) Payload {
	return Payload{raw: raw}
}

// IsEmpty reports whether the payload carries no value.
func (p Payload) IsEmpty() bool {
	return len(p.raw) == 0 || bytes.Equal(p.raw, []byte("null"))
}

// Decode unmarshals the payload into the given value.
func (p Payload) Decode(v interface{}) error {
	if p.IsEmpty() {
		return fmt.Errorf("payload is empty")
	}

	return json.Unmarshal(p.raw, v)
}

// Raw returns the encoded bytes of the payload.
func (p Payload) Raw() []byte {
	return p.raw
}

// Equal reports whether two payloads carry the same encoded value.
func (p Payload) Equal(o Payload) bool {
	if p.IsEmpty() && o.IsEmpty() {
		return true
	}

	return bytes.Equal(p.raw, o.raw)
}

// MarshalJSON encodes the payload as its underlying value.
func (p Payload) MarshalJSON() ([]byte, error) {
	if len(p.raw) == 0 {
		return []byte("null"), nil
	}

	return p.raw, nil
}

// UnmarshalJSON captures the raw encoded value.
func (p *Payload) UnmarshalJSON(data []byte) error {
	p.raw = append(p.raw[:0], data...)
	return nil
}

// An Envelope is the unit of information exchanged between nodes.
type Envelope struct {
	ID        string
	Sender    NodeID
	Receiver  NodeID // empty for broadcast
	Type      string
	Payload   Payload
	Timestamp int64 // unix milliseconds
}

// Equal reports whether two envelopes match in all fields.
func (e Envelope) Equal(o Envelope) bool {
	return e.ID == o.ID &&
		e.Sender == o.Sender &&
		e.Receiver == o.Receiver &&
		e.Type == o.Type &&
		e.Timestamp == o.Timestamp &&
		e.Payload.Equal(o.Payload)
}

// EnvelopeBuilder can build envelopes.
type EnvelopeBuilder struct {
	sender    NodeID
	receiver  NodeID
	msgType   string
	payload   Payload
	timestamp int64
}

// MakeEnvelopeBuilder creates a new EnvelopeBuilder.
func MakeEnvelopeBuilder() EnvelopeBuilder {
	return EnvelopeBuilder{}
}

// WithSender sets the sender of the envelope.
func (b EnvelopeBuilder) WithSender(id NodeID) EnvelopeBuilder {
	b.sender = id
	return b
}

// WithReceiver sets the receiver of the envelope. Leaving the receiver unset
// marks the envelope as broadcast-originated.
func (b EnvelopeBuilder) WithReceiver(id NodeID) EnvelopeBuilder {
	b.receiver = id
	return b
}

// WithType sets the application-level type tag of the envelope.
func (b EnvelopeBuilder) WithType(t string) EnvelopeBuilder {
	b.msgType = t
	return b
}

// WithPayload sets the payload of the envelope.
func (b EnvelopeBuilder) WithPayload(p Payload) EnvelopeBuilder {
	b.payload = p
	return b
}

// WithTimestamp overrides the send timestamp of the envelope.
func (b EnvelopeBuilder) WithTimestamp(millis int64) EnvelopeBuilder {
	b.timestamp = millis
	return b
}

// Build creates the envelope, assigning a fresh ID and, unless overridden,
// the current time.
func (b EnvelopeBuilder) Build() Envelope {
	ts := b.timestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}

	return Envelope{
		ID:        xid.New().String(),
		Sender:    b.sender,
		Receiver:  b.receiver,
		Type:      b.msgType,
		Payload:   b.payload,
		Timestamp: ts,
	}
}
