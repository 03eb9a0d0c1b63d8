// Package transport implements wire carriers for mesh ports: a UDP socket
// binding for cross-process simulations and an in-process channel binding
// for single-process runs and tests.
package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/floodsim/floodnet/mesh"
)

// MaxDatagramSize is the largest payload one UDP datagram can carry. The
// middleware does no fragmentation, so envelope size is bounded by it.
const MaxDatagramSize = 65507

// ErrOversized reports a payload larger than one datagram.
var ErrOversized = errors.New("transport: payload exceeds datagram size")

// A UDPBinding maps one node to one local UDP socket. Send transmits one
// datagram per destination per message; delivery is best-effort.
type UDPBinding struct {
	conn      *net.UDPConn
	local     mesh.Address
	closeOnce sync.Once
	closeErr  error

	readLock sync.Mutex
	readBuf  []byte
}

// NewUDPBinding binds a socket at the given address. A bind failure is
// fatal and prevents port creation.
func NewUDPBinding(bind mesh.Address) (*UDPBinding, error) {
	laddr, err := net.ResolveUDPAddr("udp", bind.String())
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %s: %w", bind, err)
	}

	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("transport: bind %s: %w", bind, err)
	}

	actual := conn.LocalAddr().(*net.UDPAddr)

	return &UDPBinding{
		conn: conn,
		local: mesh.Address{
			Host: bind.Host,
			Port: actual.Port,
		},
		readBuf: make([]byte, MaxDatagramSize),
	}, nil
}

// LocalAddr returns the address the socket is bound at. When the binding
// was requested with port 0, the port reflects the one the kernel picked.
func (u *UDPBinding) LocalAddr() mesh.Address {
	return u.local
}

// Send transmits one datagram to the given address.
func (u *UDPBinding) Send(addr mesh.Address, data []byte) error {
	if len(data) > MaxDatagramSize {
		return fmt.Errorf("%w: %d bytes", ErrOversized, len(data))
	}

	raddr, err := net.ResolveUDPAddr("udp", addr.String())
	if err != nil {
		return fmt.Errorf("transport: resolve %s: %w", addr, err)
	}

	if _, err := u.conn.WriteToUDP(data, raddr); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return mesh.ErrTransportClosed
		}

		return fmt.Errorf("transport: send to %s: %w", addr, err)
	}

	return nil
}

// Receive blocks until the next datagram arrives and returns a copy of its
// payload. It returns mesh.ErrTransportClosed once the socket is released.
func (u *UDPBinding) Receive() ([]byte, error) {
	u.readLock.Lock()
	defer u.readLock.Unlock()

	n, _, err := u.conn.ReadFromUDP(u.readBuf)
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, mesh.ErrTransportClosed
		}

		return nil, fmt.Errorf("transport: receive: %w", err)
	}

	data := make([]byte, n)
	copy(data, u.readBuf[:n])

	return data, nil
}

// Close releases the socket, unblocking a pending Receive. It is
// idempotent.
func (u *UDPBinding) Close() error {
	u.closeOnce.Do(func() {
		u.closeErr = u.conn.Close()
	})

	return u.closeErr
}
