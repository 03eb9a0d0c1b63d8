package mesh

import "errors"

// ErrTransportClosed reports a receive or send against a released transport.
// A listen loop treats it as the signal to terminate without error.
var ErrTransportClosed = errors.New("transport closed")

// A Transport carries serialized envelopes between node endpoints. Delivery
// is best-effort and at-most-once: a datagram may be silently lost, and no
// ordering is guaranteed across senders.
type Transport interface {
	// Send transmits one datagram to the given address. Oversized payloads
	// are rejected, never truncated.
	Send(addr Address, data []byte) error

	// Receive blocks until the next datagram arrives. It returns
	// ErrTransportClosed once the transport is released.
	Receive() ([]byte, error)

	// LocalAddr returns the address this transport is bound at.
	LocalAddr() Address

	// Close releases the underlying carrier, unblocking a pending Receive.
	Close() error
}
