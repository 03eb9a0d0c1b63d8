package mesh

// A Codec transforms envelopes to and from their wire representation.
// Serialize is deterministic for semantically identical envelopes.
// Deserialize fails on empty, truncated, or structurally invalid bytes; it
// never fabricates a default envelope.
type Codec interface {
	Serialize(e Envelope) ([]byte, error)
	Deserialize(data []byte) (Envelope, error)
}
