package mesh

import "log"

// MsgLogger is a hook that logs envelopes as they cross a port or queue.
type MsgLogger struct {
	Logger *log.Logger
}

// NewMsgLogger returns a new MsgLogger which will write into the logger.
func NewMsgLogger(logger *log.Logger) *MsgLogger {
	return &MsgLogger{Logger: logger}
}

// Func writes the envelope information into the logger.
func (h *MsgLogger) Func(ctx HookCtx) {
	e, ok := ctx.Item.(Envelope)
	if !ok {
		return
	}

	domain := ""
	if named, ok := ctx.Domain.(Named); ok {
		domain = named.Name()
	}

	h.Logger.Printf("%s,%s,%s,%s,%s,%s,%d\n",
		domain, ctx.Pos.Name,
		e.Sender, e.Receiver, e.Type, e.ID, e.Timestamp)
}
