package mesh_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/floodsim/floodnet/codec"
	"github.com/floodsim/floodnet/mesh"
	"github.com/floodsim/floodnet/transport"
)

// buildNode binds one port on the hub and returns it with a channel
// collecting everything its handler receives.
func buildNode(
	hub *transport.Hub,
	resolver mesh.Resolver,
	id mesh.NodeID,
	addr mesh.Address,
) (mesh.Port, chan mesh.Envelope) {
	ep, err := hub.Bind(addr)
	Expect(err).ToNot(HaveOccurred())

	port, err := mesh.MakePortBuilder().
		WithNodeID(id).
		WithResolver(resolver).
		WithCodec(codec.MakeJSONCodecBuilder().Build()).
		WithTransport(ep).
		Build()
	Expect(err).ToNot(HaveOccurred())

	received := make(chan mesh.Envelope, 16)
	port.RegisterHandler(mesh.HandlerFunc(func(e mesh.Envelope) {
		received <- e
	}))

	return port, received
}

var _ = Describe("Node-to-node messaging", func() {
	var (
		hub      *transport.Hub
		resolver *mesh.TableResolver

		addrs map[mesh.NodeID]mesh.Address
		ports []mesh.Port
	)

	BeforeEach(func() {
		hub = transport.NewHub()
		addrs = map[mesh.NodeID]mesh.Address{
			"A": {Host: "127.0.0.1", Port: 9101},
			"B": {Host: "127.0.0.1", Port: 9102},
			"C": {Host: "127.0.0.1", Port: 9103},
		}

		var err error
		resolver, err = mesh.NewTableResolver(addrs)
		Expect(err).ToNot(HaveOccurred())

		ports = nil
	})

	AfterEach(func() {
		for _, p := range ports {
			Expect(p.Close()).To(Succeed())
		}
	})

	It("should deliver a unicast envelope exactly once", func() {
		a, _ := buildNode(hub, resolver, "A", addrs["A"])
		b, bReceived := buildNode(hub, resolver, "B", addrs["B"])
		ports = append(ports, a, b)

		e := mesh.MakeEnvelopeBuilder().
			WithSender("A").
			WithReceiver("B").
			WithType("PING").
			WithPayload(MustJSONPayload(`{"hello":"world"}`)).
			Build()

		Expect(a.Send("B", e)).To(Succeed())

		var got mesh.Envelope
		Eventually(bReceived).Should(Receive(&got))
		Expect(got.Type).To(Equal("PING"))
		Expect(got.Sender).To(Equal(mesh.NodeID("A")))
		Expect(got.Receiver).To(Equal(mesh.NodeID("B")))
		Expect(got.Equal(e)).To(BeTrue())

		Consistently(bReceived).ShouldNot(Receive())
		Eventually(func() uint64 { return b.Stats().Received }).
			Should(Equal(uint64(1)))
	})

	It("should invoke each destination's handler once on broadcast", func() {
		a, _ := buildNode(hub, resolver, "A", addrs["A"])
		b, bReceived := buildNode(hub, resolver, "B", addrs["B"])
		c, cReceived := buildNode(hub, resolver, "C", addrs["C"])
		ports = append(ports, a, b, c)

		e := mesh.MakeEnvelopeBuilder().
			WithSender("A").
			WithType("CANDIDATE").
			WithPayload(MustJSONPayload(`{"round":1,"candidate":"A"}`)).
			Build()

		outcomes := a.Broadcast([]mesh.NodeID{"B", "C"}, e)
		for _, outcome := range outcomes {
			Expect(outcome.Err).ToNot(HaveOccurred())
		}

		var atB, atC mesh.Envelope
		Eventually(bReceived).Should(Receive(&atB))
		Eventually(cReceived).Should(Receive(&atC))

		Expect(atB.Receiver).To(BeEmpty())
		Expect(atC.Receiver).To(BeEmpty())
		Expect(atB.Type).To(Equal("CANDIDATE"))

		Consistently(bReceived).ShouldNot(Receive())
		Consistently(cReceived).ShouldNot(Receive())
	})

	It("should deliver sends from both directions in FIFO order per "+
		"sender", func() {
		a, aReceived := buildNode(hub, resolver, "A", addrs["A"])
		b, bReceived := buildNode(hub, resolver, "B", addrs["B"])
		ports = append(ports, a, b)

		for i := 0; i < 5; i++ {
			e := mesh.MakeEnvelopeBuilder().
				WithSender("A").
				WithReceiver("B").
				WithType("SEQ").
				WithTimestamp(int64(i + 1)).
				Build()
			Expect(a.Send("B", e)).To(Succeed())
		}

		e := mesh.MakeEnvelopeBuilder().
			WithSender("B").
			WithReceiver("A").
			WithType("ACK").
			Build()
		Expect(b.Send("A", e)).To(Succeed())

		for i := 0; i < 5; i++ {
			var got mesh.Envelope
			Eventually(bReceived).Should(Receive(&got))
			Expect(got.Timestamp).To(Equal(int64(i + 1)))
		}

		Eventually(aReceived).Should(Receive())
	})

	It("should survive a malformed datagram and deliver the next valid "+
		"one", func() {
		a, _ := buildNode(hub, resolver, "A", addrs["A"])
		b, bReceived := buildNode(hub, resolver, "B", addrs["B"])
		ports = append(ports, a, b)

		// Inject garbage directly at B's address, bypassing the codec.
		rogue, err := hub.Bind(mesh.Address{Host: "127.0.0.1", Port: 9199})
		Expect(err).ToNot(HaveOccurred())
		defer rogue.Close()

		Expect(rogue.Send(addrs["B"], []byte("not json"))).To(Succeed())

		e := mesh.MakeEnvelopeBuilder().
			WithSender("A").
			WithReceiver("B").
			WithType("PING").
			Build()
		Expect(a.Send("B", e)).To(Succeed())

		var got mesh.Envelope
		Eventually(bReceived).Should(Receive(&got))
		Expect(got.Type).To(Equal("PING"))

		Consistently(bReceived).ShouldNot(Receive())
		Eventually(func() uint64 { return b.Stats().CodecFailures }).
			Should(Equal(uint64(1)))
	})
})

// MustJSONPayload wraps a JSON literal as a payload.
func MustJSONPayload(literal string) mesh.Payload {
	return mesh.RawPayload([]byte(literal))
}
