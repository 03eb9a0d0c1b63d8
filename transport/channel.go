package transport

import (
	"fmt"
	"sync"

	"github.com/floodsim/floodnet/mesh"
)

// A Hub connects channel-based endpoints within one process. It mimics UDP
// semantics: datagrams to an unbound address or a full endpoint inbox are
// silently lost.
type Hub struct {
	mu        sync.RWMutex
	endpoints map[string]*ChannelEndpoint
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		endpoints: make(map[string]*ChannelEndpoint),
	}
}

// Bind attaches a new endpoint at the given address. Binding an address
// twice fails, mirroring a socket bind conflict.
func (h *Hub) Bind(addr mesh.Address) (*ChannelEndpoint, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := addr.String()
	if _, taken := h.endpoints[key]; taken {
		return nil, fmt.Errorf("transport: address %s already bound", addr)
	}

	ep := &ChannelEndpoint{
		hub:   h,
		addr:  addr,
		inbox: make(chan []byte, 256),
		done:  make(chan struct{}),
	}
	h.endpoints[key] = ep

	return ep, nil
}

func (h *Hub) lookup(addr mesh.Address) (*ChannelEndpoint, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ep, ok := h.endpoints[addr.String()]
	return ep, ok
}

func (h *Hub) unbind(addr mesh.Address) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.endpoints, addr.String())
}

// A ChannelEndpoint is one node's attachment to a hub.
type ChannelEndpoint struct {
	hub       *Hub
	addr      mesh.Address
	inbox     chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// LocalAddr returns the address the endpoint is bound at.
func (e *ChannelEndpoint) LocalAddr() mesh.Address {
	return e.addr
}

// Send delivers one datagram to the endpoint bound at the given address.
// Unbound destinations and full inboxes lose the datagram silently, the
// same best-effort contract a UDP carrier gives.
func (e *ChannelEndpoint) Send(addr mesh.Address, data []byte) error {
	select {
	case <-e.done:
		return mesh.ErrTransportClosed
	default:
	}

	if len(data) > MaxDatagramSize {
		return fmt.Errorf("%w: %d bytes", ErrOversized, len(data))
	}

	dst, ok := e.hub.lookup(addr)
	if !ok {
		return nil
	}

	msg := make([]byte, len(data))
	copy(msg, data)

	select {
	case dst.inbox <- msg:
	case <-dst.done:
	default:
	}

	return nil
}

// Receive blocks until the next datagram arrives. It returns
// mesh.ErrTransportClosed once the endpoint is released.
func (e *ChannelEndpoint) Receive() ([]byte, error) {
	select {
	case <-e.done:
		return nil, mesh.ErrTransportClosed
	default:
	}

	select {
	case data := <-e.inbox:
		return data, nil
	case <-e.done:
		return nil, mesh.ErrTransportClosed
	}
}

// Close detaches the endpoint from the hub, unblocking a pending Receive.
// It is idempotent.
func (e *ChannelEndpoint) Close() error {
	e.closeOnce.Do(func() {
		close(e.done)
		e.hub.unbind(e.addr)
	})

	return nil
}
