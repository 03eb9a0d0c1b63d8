package mesh

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
)

// HookPosPortMsgSend marks when a message is accepted for transmission.
var HookPosPortMsgSend = &HookPos{Name: "Port Msg Send"}

// HookPosPortMsgRecvd marks when an inbound message arrives at the port.
var HookPosPortMsgRecvd = &HookPos{Name: "Port Msg Recv"}

// HookPosPortMsgDispatch marks when a message is handed to the handler.
var HookPosPortMsgDispatch = &HookPos{Name: "Port Msg Dispatch"}

// ErrPortClosed reports an operation against a closed port.
var ErrPortClosed = errors.New("port closed")

// ErrUnresolved reports a destination the resolver does not know.
var ErrUnresolved = errors.New("unresolved destination")

// A SendOutcome is the per-destination result of a broadcast. Broadcast is
// not atomic: some destinations may fail while others succeed.
type SendOutcome struct {
	Destination NodeID
	Err         error
}

// PortStats are the counters a port exposes for the metrics layer.
type PortStats struct {
	Sent            uint64 `json:"sent"`
	Received        uint64 `json:"received"`
	Dispatched      uint64 `json:"dispatched"`
	InboundDropped  uint64 `json:"inboundDropped"`
	OutboundDropped uint64 `json:"outboundDropped"`
	CodecFailures   uint64 `json:"codecFailures"`
	SendFailures    uint64 `json:"sendFailures"`
	InboundDepth    int    `json:"inboundDepth"`
	OutboundDepth   int    `json:"outboundDepth"`
}

// A Port is the per-node messaging endpoint. It multiplexes bounded inbound
// and outbound queues with a wire transport and a codec, and dispatches
// received envelopes to the registered handler.
type Port interface {
	Named
	Hookable

	NodeID() NodeID

	// RegisterHandler binds the callback invoked once per received
	// envelope. Re-registration replaces the prior handler. Envelopes that
	// queued before registration are still delivered.
	RegisterHandler(h Handler)

	// Send transmits one envelope to the destination, best-effort and
	// at-most-once.
	Send(dst NodeID, e Envelope) error

	// Broadcast performs an independent Send per destination and reports
	// one outcome per destination.
	Broadcast(dsts []NodeID, e Envelope) []SendOutcome

	// Stats returns a snapshot of the port's counters.
	Stats() PortStats

	// Close terminates both loops, releases the transport, and is safe to
	// call repeatedly or concurrently.
	Close() error
}

type outboundDatagram struct {
	dst  NodeID
	addr Address
	data []byte
}

type port struct {
	HookableBase

	name     string
	id       NodeID
	resolver Resolver
	codec    Codec
	trans    Transport
	logger   *log.Logger

	inQueue  *Queue[Envelope]
	outQueue *Queue[outboundDatagram]

	handler      atomic.Pointer[Handler]
	handlerBound chan struct{}
	bindOnce     sync.Once

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
	wg        sync.WaitGroup

	sent          atomic.Uint64
	received      atomic.Uint64
	dispatched    atomic.Uint64
	codecFailures atomic.Uint64
	sendFailures  atomic.Uint64
}

// PortBuilder can build ports.
type PortBuilder struct {
	id       NodeID
	resolver Resolver
	codec    Codec
	trans    Transport
	inCfg    QueueConfig
	outCfg   QueueConfig
	logger   *log.Logger
}

// MakePortBuilder creates a PortBuilder with the documented queue defaults.
func MakePortBuilder() PortBuilder {
	defaultCfg := QueueConfig{
		Capacity: 1024,
		Policy:   PolicyDropNewest,
	}

	return PortBuilder{
		inCfg:  defaultCfg,
		outCfg: defaultCfg,
	}
}

// WithNodeID sets the identity the port is bound to.
func (b PortBuilder) WithNodeID(id NodeID) PortBuilder {
	b.id = id
	return b
}

// WithResolver sets the address resolver.
func (b PortBuilder) WithResolver(r Resolver) PortBuilder {
	b.resolver = r
	return b
}

// WithCodec sets the envelope codec.
func (b PortBuilder) WithCodec(c Codec) PortBuilder {
	b.codec = c
	return b
}

// WithTransport sets the wire transport. The transport must already be
// bound; a bind failure is fatal before the port exists.
func (b PortBuilder) WithTransport(t Transport) PortBuilder {
	b.trans = t
	return b
}

// WithInboundConfig sets the inbound queue behavior.
func (b PortBuilder) WithInboundConfig(cfg QueueConfig) PortBuilder {
	b.inCfg = cfg
	return b
}

// WithOutboundConfig sets the outbound queue behavior.
func (b PortBuilder) WithOutboundConfig(cfg QueueConfig) PortBuilder {
	b.outCfg = cfg
	return b
}

// WithLogger sets the logger used for steady-state failures.
func (b PortBuilder) WithLogger(logger *log.Logger) PortBuilder {
	b.logger = logger
	return b
}

// Build creates the port and starts its listen, dispatch, and flush loops.
func (b PortBuilder) Build() (Port, error) {
	if b.id == "" {
		return nil, fmt.Errorf("port requires a node id")
	}

	if b.resolver == nil || b.codec == nil || b.trans == nil {
		return nil, fmt.Errorf(
			"port %s requires a resolver, a codec, and a transport", b.id)
	}

	name := string(b.id) + ".Port"

	inQueue, err := NewQueue[Envelope](name+".In", b.inCfg)
	if err != nil {
		return nil, err
	}

	outQueue, err := NewQueue[outboundDatagram](name+".Out", b.outCfg)
	if err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}

	p := &port{
		name:         name,
		id:           b.id,
		resolver:     b.resolver,
		codec:        b.codec,
		trans:        b.trans,
		logger:       logger,
		inQueue:      inQueue,
		outQueue:     outQueue,
		handlerBound: make(chan struct{}),
		done:         make(chan struct{}),
	}

	p.wg.Add(3)
	go p.listenLoop()
	go p.dispatchLoop()
	go p.flushLoop()

	return p, nil
}

// Name returns the name of the port.
func (p *port) Name() string {
	return p.name
}

// NodeID returns the identity the port is bound to.
func (p *port) NodeID() NodeID {
	return p.id
}

// RegisterHandler binds the handler invoked by the dispatch loop.
func (p *port) RegisterHandler(h Handler) {
	if h == nil {
		panic("handler must not be nil")
	}

	p.handler.Store(&h)
	p.bindOnce.Do(func() {
		close(p.handlerBound)
	})
}

// Send resolves the destination, serializes the envelope, and offers the
// datagram to the outbound queue under the configured overflow policy.
func (p *port) Send(dst NodeID, e Envelope) error {
	select {
	case <-p.done:
		return ErrPortClosed
	default:
	}

	if err := p.envelopeMustBeValid(e); err != nil {
		return err
	}

	addr, ok := p.resolver.Resolve(dst)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnresolved, dst)
	}

	data, err := p.codec.Serialize(e)
	if err != nil {
		p.codecFailures.Add(1)
		return fmt.Errorf("serialize for %s: %w", dst, err)
	}

	err = p.outQueue.Offer(outboundDatagram{dst: dst, addr: addr, data: data})
	if err != nil {
		if errors.Is(err, ErrQueueClosed) {
			return ErrPortClosed
		}

		return err
	}

	p.sent.Add(1)
	p.invokeHook(HookPosPortMsgSend, e)

	return nil
}

// Broadcast fans the envelope out as one independent unicast per
// destination. Partial delivery is expected; the outcomes never imply an
// all-or-nothing contract.
func (p *port) Broadcast(dsts []NodeID, e Envelope) []SendOutcome {
	e.Receiver = ""

	outcomes := make([]SendOutcome, 0, len(dsts))
	for _, dst := range dsts {
		outcomes = append(outcomes, SendOutcome{
			Destination: dst,
			Err:         p.Send(dst, e),
		})
	}

	return outcomes
}

// Stats returns a snapshot of the port's counters.
func (p *port) Stats() PortStats {
	return PortStats{
		Sent:            p.sent.Load(),
		Received:        p.received.Load(),
		Dispatched:      p.dispatched.Load(),
		InboundDropped:  p.inQueue.Dropped(),
		OutboundDropped: p.outQueue.Dropped(),
		CodecFailures:   p.codecFailures.Load(),
		SendFailures:    p.sendFailures.Load(),
		InboundDepth:    p.inQueue.Size(),
		OutboundDepth:   p.outQueue.Size(),
	}
}

// Close terminates the loops and releases the transport. It unblocks any
// caller suspended in a blocking offer or in a queue-drain wait, and
// converges to the same terminal state no matter how often it is called.
func (p *port) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		p.inQueue.Close()
		p.outQueue.Close()
		p.closeErr = p.trans.Close()
		p.wg.Wait()
	})

	return p.closeErr
}

// listenLoop reads raw bytes off the transport, deserializes them, and
// offers the envelope onto the inbound queue. It never invokes the handler
// directly: a slow handler must not stall network reads. A malformed
// datagram is logged and discarded, never fatal.
func (p *port) listenLoop() {
	defer p.wg.Done()

	for {
		data, err := p.trans.Receive()
		if err != nil {
			if errors.Is(err, ErrTransportClosed) {
				return
			}

			select {
			case <-p.done:
				return
			default:
			}

			p.logger.Printf("%s: receive failed: %v", p.name, err)
			continue
		}

		e, err := p.codec.Deserialize(data)
		if err != nil {
			p.codecFailures.Add(1)
			p.logger.Printf("%s: discarding malformed datagram: %v",
				p.name, err)
			continue
		}

		p.invokeHook(HookPosPortMsgRecvd, e)

		if err := p.inQueue.Offer(e); err != nil {
			if errors.Is(err, ErrQueueClosed) {
				return
			}

			p.logger.Printf("%s: inbound queue rejected %s: %v",
				p.name, e.ID, err)
			continue
		}

		p.received.Add(1)
	}
}

// dispatchLoop drains the inbound queue and invokes the registered handler
// once per envelope. It waits for a handler to be bound before delivering,
// so registration after messages have queued still delivers them.
func (p *port) dispatchLoop() {
	defer p.wg.Done()

	for {
		e, ok := p.inQueue.Take()
		if !ok {
			return
		}

		h := p.waitHandler()
		if h == nil {
			return
		}

		h.HandleMessage(e)
		p.dispatched.Add(1)
		p.invokeHook(HookPosPortMsgDispatch, e)
	}
}

// flushLoop drains the outbound queue onto the transport. A transient send
// failure is counted and logged; it never tears down the port.
func (p *port) flushLoop() {
	defer p.wg.Done()

	for {
		d, ok := p.outQueue.Take()
		if !ok {
			return
		}

		if err := p.trans.Send(d.addr, d.data); err != nil {
			p.sendFailures.Add(1)
			p.logger.Printf("%s: send to %s failed: %v",
				p.name, d.dst, err)
		}
	}
}

func (p *port) waitHandler() Handler {
	if h := p.handler.Load(); h != nil {
		return *h
	}

	select {
	case <-p.handlerBound:
		return *p.handler.Load()
	case <-p.done:
		return nil
	}
}

func (p *port) envelopeMustBeValid(e Envelope) error {
	if e.Sender == "" {
		return fmt.Errorf("envelope has no sender")
	}

	if e.Sender != p.id {
		return fmt.Errorf("envelope sender %s is not port owner %s",
			e.Sender, p.id)
	}

	if e.Type == "" {
		return fmt.Errorf("envelope has no type")
	}

	return nil
}

func (p *port) invokeHook(pos *HookPos, item interface{}) {
	if p.NumHooks() == 0 {
		return
	}

	p.InvokeHook(HookCtx{
		Domain: p,
		Pos:    pos,
		Item:   item,
	})
}
