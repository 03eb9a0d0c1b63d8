// Package codec implements wire codecs for mesh envelopes.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/floodsim/floodnet/mesh"
)

// ErrEmptyInput reports a deserialize call with no bytes. An empty input
// always fails fast rather than producing a default envelope.
var ErrEmptyInput = errors.New("codec: empty input")

// ErrMalformed reports bytes that are truncated or structurally invalid.
var ErrMalformed = errors.New("codec: malformed input")

type wireEnvelope struct {
	ID        string          `json:"id"`
	Sender    string          `json:"sender"`
	Receiver  *string         `json:"receiver"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// A JSONCodec encodes envelopes as JSON objects. By default unknown fields
// are rejected on deserialize; lenient mode tolerates them so that nodes
// running different versions can still interoperate.
type JSONCodec struct {
	lenient bool
}

// JSONCodecBuilder can build JSON codecs.
type JSONCodecBuilder struct {
	lenient bool
}

// MakeJSONCodecBuilder creates a builder for a strict codec.
func MakeJSONCodecBuilder() JSONCodecBuilder {
	return JSONCodecBuilder{}
}

// WithLenientFields makes the codec tolerate unknown fields on deserialize.
func (b JSONCodecBuilder) WithLenientFields() JSONCodecBuilder {
	b.lenient = true
	return b
}

// Build creates the codec.
func (b JSONCodecBuilder) Build() *JSONCodec {
	return &JSONCodec{lenient: b.lenient}
}

// Serialize encodes the envelope. The encoding is deterministic for
// semantically identical envelopes; it fails only when the payload is not
// valid JSON.
func (c *JSONCodec) Serialize(e mesh.Envelope) ([]byte, error) {
	w := wireEnvelope{
		ID:        e.ID,
		Sender:    string(e.Sender),
		Type:      e.Type,
		Timestamp: e.Timestamp,
	}

	if e.Receiver != "" {
		receiver := string(e.Receiver)
		w.Receiver = &receiver
	}

	if raw := e.Payload.Raw(); len(raw) > 0 {
		if !json.Valid(raw) {
			return nil, fmt.Errorf("%w: payload is not valid JSON",
				ErrMalformed)
		}

		w.Payload = raw
	}

	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("codec: %w", err)
	}

	return data, nil
}

// Deserialize decodes one envelope from the given bytes.
func (c *JSONCodec) Deserialize(data []byte) (mesh.Envelope, error) {
	if len(data) == 0 {
		return mesh.Envelope{}, ErrEmptyInput
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	if !c.lenient {
		dec.DisallowUnknownFields()
	}

	var w wireEnvelope
	if err := dec.Decode(&w); err != nil {
		return mesh.Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if err := ensureFullyConsumed(dec); err != nil {
		return mesh.Envelope{}, err
	}

	if w.Sender == "" {
		return mesh.Envelope{}, fmt.Errorf(
			"%w: envelope has no sender", ErrMalformed)
	}

	if w.Type == "" {
		return mesh.Envelope{}, fmt.Errorf(
			"%w: envelope has no type", ErrMalformed)
	}

	e := mesh.Envelope{
		ID:        w.ID,
		Sender:    mesh.NodeID(w.Sender),
		Type:      w.Type,
		Timestamp: w.Timestamp,
	}

	if w.Receiver != nil {
		e.Receiver = mesh.NodeID(*w.Receiver)
	}

	if len(w.Payload) > 0 {
		e.Payload = mesh.RawPayload(w.Payload)
	}

	return e, nil
}

func ensureFullyConsumed(dec *json.Decoder) error {
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("%w: trailing data after envelope", ErrMalformed)
	}

	return nil
}
