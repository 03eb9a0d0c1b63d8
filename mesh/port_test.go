package mesh_test

import (
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	gomock "go.uber.org/mock/gomock"

	"github.com/floodsim/floodnet/mesh"
)

var _ = Describe("Port", func() {
	var (
		mockCtrl *gomock.Controller
		trans    *MockTransport
		cdc      *MockCodec
		resolver *MockResolver
		recvCh   chan []byte
		port     mesh.Port
	)

	addrB := mesh.Address{Host: "127.0.0.1", Port: 9001}

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		trans = NewMockTransport(mockCtrl)
		cdc = NewMockCodec(mockCtrl)
		resolver = NewMockResolver(mockCtrl)

		recvCh = make(chan []byte, 16)
		trans.EXPECT().
			Receive().
			DoAndReturn(func() ([]byte, error) {
				data, ok := <-recvCh
				if !ok {
					return nil, mesh.ErrTransportClosed
				}
				return data, nil
			}).
			AnyTimes()
		trans.EXPECT().
			Close().
			DoAndReturn(func() error {
				close(recvCh)
				return nil
			})

		var err error
		port, err = mesh.MakePortBuilder().
			WithNodeID("node-a").
			WithResolver(resolver).
			WithCodec(cdc).
			WithTransport(trans).
			Build()
		Expect(err).ToNot(HaveOccurred())
	})

	AfterEach(func() {
		Expect(port.Close()).To(Succeed())
		mockCtrl.Finish()
	})

	It("should refuse construction without collaborators", func() {
		_, err := mesh.MakePortBuilder().Build()
		Expect(err).To(HaveOccurred())

		_, err = mesh.MakePortBuilder().WithNodeID("node-x").Build()
		Expect(err).To(HaveOccurred())
	})

	It("should refuse construction with invalid queue config", func() {
		_, err := mesh.MakePortBuilder().
			WithNodeID("node-x").
			WithResolver(resolver).
			WithCodec(cdc).
			WithTransport(NewMockTransport(mockCtrl)).
			WithInboundConfig(mesh.QueueConfig{Capacity: -1}).
			Build()
		Expect(err).To(HaveOccurred())
	})

	It("should resolve, serialize, and transmit on send", func() {
		e := mesh.MakeEnvelopeBuilder().
			WithSender("node-a").
			WithReceiver("node-b").
			WithType("PING").
			Build()

		sent := make(chan []byte, 1)
		resolver.EXPECT().Resolve(mesh.NodeID("node-b")).Return(addrB, true)
		cdc.EXPECT().Serialize(e).Return([]byte("wire"), nil)
		trans.EXPECT().
			Send(addrB, []byte("wire")).
			DoAndReturn(func(_ mesh.Address, data []byte) error {
				sent <- data
				return nil
			})

		Expect(port.Send("node-b", e)).To(Succeed())

		Eventually(sent).Should(Receive(Equal([]byte("wire"))))
		Eventually(func() uint64 { return port.Stats().Sent }).
			Should(Equal(uint64(1)))
	})

	It("should fail to send to an unresolved destination", func() {
		resolver.EXPECT().
			Resolve(mesh.NodeID("ghost")).
			Return(mesh.Address{}, false)

		e := mesh.MakeEnvelopeBuilder().
			WithSender("node-a").
			WithType("PING").
			Build()

		err := port.Send("ghost", e)
		Expect(err).To(MatchError(mesh.ErrUnresolved))
	})

	It("should reject invalid envelopes without touching the wire", func() {
		noSender := mesh.MakeEnvelopeBuilder().WithType("PING").Build()
		Expect(port.Send("node-b", noSender)).To(HaveOccurred())

		wrongSender := mesh.MakeEnvelopeBuilder().
			WithSender("node-z").
			WithType("PING").
			Build()
		Expect(port.Send("node-b", wrongSender)).To(HaveOccurred())

		noType := mesh.MakeEnvelopeBuilder().WithSender("node-a").Build()
		Expect(port.Send("node-b", noType)).To(HaveOccurred())
	})

	It("should surface serialization failures", func() {
		resolver.EXPECT().Resolve(mesh.NodeID("node-b")).Return(addrB, true)
		cdc.EXPECT().
			Serialize(gomock.Any()).
			Return(nil, errors.New("unrepresentable"))

		e := mesh.MakeEnvelopeBuilder().
			WithSender("node-a").
			WithType("PING").
			Build()

		Expect(port.Send("node-b", e)).To(HaveOccurred())
		Expect(port.Stats().CodecFailures).To(Equal(uint64(1)))
	})

	It("should count transport failures without tearing down", func() {
		resolver.EXPECT().
			Resolve(mesh.NodeID("node-b")).
			Return(addrB, true).
			Times(2)
		cdc.EXPECT().
			Serialize(gomock.Any()).
			Return([]byte("wire"), nil).
			Times(2)

		gomock.InOrder(
			trans.EXPECT().
				Send(addrB, []byte("wire")).
				Return(errors.New("ephemeral")),
			trans.EXPECT().
				Send(addrB, []byte("wire")).
				Return(nil),
		)

		e := mesh.MakeEnvelopeBuilder().
			WithSender("node-a").
			WithType("PING").
			Build()

		Expect(port.Send("node-b", e)).To(Succeed())
		Eventually(func() uint64 { return port.Stats().SendFailures }).
			Should(Equal(uint64(1)))

		Expect(port.Send("node-b", e)).To(Succeed())
		Eventually(func() uint64 { return port.Stats().Sent }).
			Should(Equal(uint64(2)))
	})

	It("should report one outcome per broadcast destination", func() {
		resolver.EXPECT().Resolve(mesh.NodeID("node-b")).Return(addrB, true)
		resolver.EXPECT().
			Resolve(mesh.NodeID("ghost")).
			Return(mesh.Address{}, false)
		cdc.EXPECT().Serialize(gomock.Any()).Return([]byte("wire"), nil)
		trans.EXPECT().Send(addrB, []byte("wire")).Return(nil).MaxTimes(1)

		e := mesh.MakeEnvelopeBuilder().
			WithSender("node-a").
			WithType("CANDIDATE").
			Build()

		outcomes := port.Broadcast([]mesh.NodeID{"node-b", "ghost"}, e)

		Expect(outcomes).To(HaveLen(2))
		Expect(outcomes[0].Destination).To(Equal(mesh.NodeID("node-b")))
		Expect(outcomes[0].Err).ToNot(HaveOccurred())
		Expect(outcomes[1].Destination).To(Equal(mesh.NodeID("ghost")))
		Expect(outcomes[1].Err).To(MatchError(mesh.ErrUnresolved))
	})

	It("should dispatch inbound datagrams to the handler", func() {
		e := mesh.MakeEnvelopeBuilder().
			WithSender("node-b").
			WithReceiver("node-a").
			WithType("PING").
			Build()
		cdc.EXPECT().Deserialize([]byte("wire")).Return(e, nil)

		delivered := make(chan mesh.Envelope, 1)
		port.RegisterHandler(mesh.HandlerFunc(func(e mesh.Envelope) {
			delivered <- e
		}))

		recvCh <- []byte("wire")

		var got mesh.Envelope
		Eventually(delivered).Should(Receive(&got))
		Expect(got.Equal(e)).To(BeTrue())
		Eventually(func() uint64 { return port.Stats().Received }).
			Should(Equal(uint64(1)))
	})

	It("should deliver envelopes that queued before handler registration",
		func() {
			e := mesh.MakeEnvelopeBuilder().
				WithSender("node-b").
				WithType("PING").
				Build()
			cdc.EXPECT().Deserialize([]byte("wire")).Return(e, nil)

			recvCh <- []byte("wire")

			Eventually(func() uint64 { return port.Stats().Received }).
				Should(Equal(uint64(1)))

			delivered := make(chan mesh.Envelope, 1)
			port.RegisterHandler(mesh.HandlerFunc(func(e mesh.Envelope) {
				delivered <- e
			}))

			Eventually(delivered).Should(Receive())
		})

	It("should keep listening after a malformed datagram", func() {
		e := mesh.MakeEnvelopeBuilder().
			WithSender("node-b").
			WithType("PING").
			Build()

		gomock.InOrder(
			cdc.EXPECT().
				Deserialize([]byte("garbage")).
				Return(mesh.Envelope{}, errors.New("malformed")),
			cdc.EXPECT().
				Deserialize([]byte("wire")).
				Return(e, nil),
		)

		delivered := make(chan mesh.Envelope, 2)
		port.RegisterHandler(mesh.HandlerFunc(func(e mesh.Envelope) {
			delivered <- e
		}))

		recvCh <- []byte("garbage")
		recvCh <- []byte("wire")

		Eventually(delivered).Should(Receive())
		Consistently(delivered, 30*time.Millisecond).ShouldNot(Receive())
		Expect(port.Stats().CodecFailures).To(Equal(uint64(1)))
	})

	It("should replace the handler on re-registration", func() {
		e := mesh.MakeEnvelopeBuilder().
			WithSender("node-b").
			WithType("PING").
			Build()
		cdc.EXPECT().Deserialize(gomock.Any()).Return(e, nil)

		first := make(chan mesh.Envelope, 1)
		second := make(chan mesh.Envelope, 1)

		port.RegisterHandler(mesh.HandlerFunc(func(e mesh.Envelope) {
			first <- e
		}))
		port.RegisterHandler(mesh.HandlerFunc(func(e mesh.Envelope) {
			second <- e
		}))

		recvCh <- []byte("wire")

		Eventually(second).Should(Receive())
		Consistently(first, 30*time.Millisecond).ShouldNot(Receive())
	})

	It("should refuse sends after close", func() {
		Expect(port.Close()).To(Succeed())

		e := mesh.MakeEnvelopeBuilder().
			WithSender("node-a").
			WithType("PING").
			Build()

		Expect(port.Send("node-b", e)).To(MatchError(mesh.ErrPortClosed))
	})

	It("should close idempotently and concurrently", func() {
		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				Expect(port.Close()).To(Succeed())
			}()
		}
		wg.Wait()

		Expect(port.Close()).To(Succeed())
	})
})

var _ = Describe("Port under BLOCK outbound policy", func() {
	var (
		mockCtrl         *gomock.Controller
		trans            *MockTransport
		cdc              *MockCodec
		resolver         *MockResolver
		recvCh           chan []byte
		release          chan struct{}
		releaseTransport func()
		port             mesh.Port
	)

	addrB := mesh.Address{Host: "127.0.0.1", Port: 9001}

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		trans = NewMockTransport(mockCtrl)
		cdc = NewMockCodec(mockCtrl)
		resolver = NewMockResolver(mockCtrl)

		recvCh = make(chan []byte)
		release = make(chan struct{})

		var releaseOnce sync.Once
		releaseTransport = func() {
			releaseOnce.Do(func() { close(release) })
		}

		trans.EXPECT().
			Receive().
			DoAndReturn(func() ([]byte, error) {
				<-recvCh
				return nil, mesh.ErrTransportClosed
			}).
			AnyTimes()
		trans.EXPECT().
			Close().
			DoAndReturn(func() error {
				close(recvCh)
				return nil
			})

		resolver.EXPECT().Resolve(gomock.Any()).Return(addrB, true).AnyTimes()
		cdc.EXPECT().
			Serialize(gomock.Any()).
			Return([]byte("wire"), nil).
			AnyTimes()

		// The transport wedges until released, so the outbound queue
		// fills up and blocking offers become observable.
		trans.EXPECT().
			Send(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ mesh.Address, _ []byte) error {
				<-release
				return nil
			}).
			AnyTimes()

		var err error
		port, err = mesh.MakePortBuilder().
			WithNodeID("node-a").
			WithResolver(resolver).
			WithCodec(cdc).
			WithTransport(trans).
			WithOutboundConfig(mesh.QueueConfig{
				Capacity:     1,
				Policy:       mesh.PolicyBlock,
				OfferTimeout: time.Minute,
			}).
			Build()
		Expect(err).ToNot(HaveOccurred())
	})

	AfterEach(func() {
		releaseTransport()
		port.Close()
		mockCtrl.Finish()
	})

	It("should unblock a pending blocking send on close", func() {
		e := mesh.MakeEnvelopeBuilder().
			WithSender("node-a").
			WithType("PING").
			Build()

		// First send wedges in the transport, second fills the queue.
		Expect(port.Send("node-b", e)).To(Succeed())
		Eventually(func() int { return port.Stats().OutboundDepth }).
			Should(Equal(0))
		Expect(port.Send("node-b", e)).To(Succeed())

		result := make(chan error, 1)
		go func() {
			result <- port.Send("node-b", e)
		}()

		Consistently(result, 30*time.Millisecond).ShouldNot(Receive())

		closed := make(chan struct{})
		go func() {
			defer GinkgoRecover()
			port.Close()
			close(closed)
		}()

		Eventually(result, time.Second).
			Should(Receive(MatchError(mesh.ErrPortClosed)))

		releaseTransport()
		Eventually(closed, time.Second).Should(BeClosed())
	})
})
