package mesh

// A Handler is invoked once per envelope delivered to the owning node. A
// slow handler never stalls network reads; it only delays the dispatch loop
// draining the inbound queue.
type Handler interface {
	HandleMessage(e Envelope)
}

// HandlerFunc adapts a plain function into a Handler.
type HandlerFunc func(e Envelope)

// HandleMessage invokes the function.
func (f HandlerFunc) HandleMessage(e Envelope) {
	f(e)
}
