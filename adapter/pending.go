package ctrader

import (
	"log/slog"

	"github.com/bjoelf/ctrader-adapter/adapter/protocol"
)

// maxPendingPerType bounds how many unclaimed responses of one payload type
// are buffered. Beyond the cap the oldest is dropped; a well-behaved broker
// never gets close.
const maxPendingPerType = 64

// pendingBuffer holds responses that arrived before anyone was waiting for
// them. Not safe for concurrent use; the correlator's lock guards it.
type pendingBuffer struct {
	byType map[protocol.PayloadType][]*protocol.Envelope
	logger *slog.Logger
}

func newPendingBuffer(logger *slog.Logger) *pendingBuffer {
	return &pendingBuffer{
		byType: make(map[protocol.PayloadType][]*protocol.Envelope),
		logger: logger,
	}
}

func (p *pendingBuffer) add(env *protocol.Envelope) {
	queue := p.byType[env.PayloadType]
	if len(queue) >= maxPendingPerType {
		p.logger.Warn("Pending response buffer full, dropping oldest",
			"function", "add",
			"payloadType", env.PayloadType.String())
		queue = queue[1:]
	}
	p.byType[env.PayloadType] = append(queue, env)
}

// take removes and returns the oldest pending envelope of the given type,
// or nil when none is buffered.
func (p *pendingBuffer) take(pt protocol.PayloadType) *protocol.Envelope {
	queue := p.byType[pt]
	if len(queue) == 0 {
		return nil
	}
	env := queue[0]
	if len(queue) == 1 {
		delete(p.byType, pt)
	} else {
		p.byType[pt] = queue[1:]
	}
	return env
}

func (p *pendingBuffer) clear() {
	p.byType = make(map[protocol.PayloadType][]*protocol.Envelope)
}
