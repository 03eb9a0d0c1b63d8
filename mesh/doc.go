// Package mesh provides the inter-node messaging middleware of the
// leader-election simulation. Each node owns a Port that multiplexes
// bounded, policy-governed queues with a pluggable wire transport and
// envelope codec. Ports provide best-effort unicast send, fan-out
// broadcast, and asynchronous handler dispatch; the election algorithm,
// metrics collection, and visualization are built on top of this API.
package mesh
