package mesh

import (
	"fmt"
	"net"
	"strconv"
)

// A NodeID is the stable logical identity of a simulated node. It is opaque
// to the middleware and compared by value.
type NodeID string

// A Named object can report its name.
type Named interface {
	Name() string
}

// An Address is the physical endpoint a node's transport binds to.
type Address struct {
	Host string
	Port int
}

// String formats the address in host:port form.
func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// A Resolver maps node identities to transport addresses. Implementations
// are read-only after construction. A lookup of an unknown identity reports
// false rather than failing.
type Resolver interface {
	Resolve(id NodeID) (Address, bool)
}

// A TableResolver resolves node identities from a fixed table.
type TableResolver struct {
	table map[NodeID]Address
}

// NewTableResolver creates a resolver backed by a copy of the given table.
// Entries with an empty identity or an out-of-range port are rejected.
func NewTableResolver(table map[NodeID]Address) (*TableResolver, error) {
	r := &TableResolver{
		table: make(map[NodeID]Address, len(table)),
	}

	for id, addr := range table {
		if id == "" {
			return nil, fmt.Errorf("resolver table contains an empty node id")
		}

		if addr.Port < 1 || addr.Port > 65535 {
			return nil, fmt.Errorf(
				"node %s has invalid port %d", id, addr.Port)
		}

		r.table[id] = addr
	}

	return r, nil
}

// Resolve looks up the address of a node.
func (r *TableResolver) Resolve(id NodeID) (Address, bool) {
	addr, ok := r.table[id]
	return addr, ok
}
