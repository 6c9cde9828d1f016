package ctrader

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bjoelf/ctrader-adapter/adapter/protocol"
)

// correlator matches inbound responses to the requests waiting on them.
// Correlation is by payload type: each request type has at most one waiter
// at a time, which matches how the client serializes its request flows.
type correlator struct {
	logger  *slog.Logger
	mu      sync.Mutex
	waiters map[protocol.PayloadType]chan waitResult
	pending *pendingBuffer
}

type waitResult struct {
	env *protocol.Envelope
	err error
}

func newCorrelator(logger *slog.Logger) *correlator {
	return &correlator{
		logger:  logger,
		waiters: make(map[protocol.PayloadType]chan waitResult),
		pending: newPendingBuffer(logger),
	}
}

// deliver routes an inbound envelope. A matching waiter gets it directly;
// broker error responses go to whichever waiter is outstanding, since an
// error response arrives instead of the expected type. With no waiter the
// envelope is parked in the pending buffer. Returns true when a waiter
// consumed the envelope.
func (c *correlator) deliver(env *protocol.Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ch, ok := c.waiters[env.PayloadType]; ok {
		delete(c.waiters, env.PayloadType)
		ch <- waitResult{env: env}
		return true
	}

	if env.PayloadType == protocol.PayloadErrorRes || env.PayloadType == protocol.PayloadOrderErrorEvent {
		for pt, ch := range c.waiters {
			delete(c.waiters, pt)
			ch <- waitResult{env: env}
			return true
		}
	}

	c.pending.add(env)
	return false
}

// waitFor blocks until a response of the wanted type arrives, an error
// response preempts it, the timeout fires or the context is done. Buffered
// responses that arrived early are consumed first.
func (c *correlator) waitFor(ctx context.Context, pt protocol.PayloadType, timeout time.Duration) (*protocol.Envelope, error) {
	c.mu.Lock()

	if env := c.pending.take(pt); env != nil {
		c.mu.Unlock()
		return env, nil
	}
	if env := c.pending.take(protocol.PayloadErrorRes); env != nil {
		c.mu.Unlock()
		return nil, errorFromEnvelope(env)
	}

	if _, exists := c.waiters[pt]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("concurrent request for payload type %s", pt)
	}

	ch := make(chan waitResult, 1)
	c.waiters[pt] = ch
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		if res.env.PayloadType != pt {
			return nil, errorFromEnvelope(res.env)
		}
		return res.env, nil

	case <-timer.C:
		c.remove(pt, ch)
		return nil, ErrTimeout

	case <-ctx.Done():
		c.remove(pt, ch)
		return nil, ctx.Err()
	}
}

// remove unregisters a waiter after timeout or cancellation. A response that
// raced the removal is re-parked so a later request can still claim it.
func (c *correlator) remove(pt protocol.PayloadType, ch chan waitResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cur, ok := c.waiters[pt]; ok && cur == ch {
		delete(c.waiters, pt)
		return
	}
	select {
	case res := <-ch:
		if res.env != nil {
			c.pending.add(res.env)
		}
	default:
	}
}

// failAll aborts every outstanding waiter and discards the pending buffer.
// Called when the session dies; buffered responses from a dead session must
// never satisfy requests made on its replacement.
func (c *correlator) failAll(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for pt, ch := range c.waiters {
		delete(c.waiters, pt)
		ch <- waitResult{err: err}
	}
	c.pending.clear()
}

// errorFromEnvelope converts a broker error envelope into an APIError.
func errorFromEnvelope(env *protocol.Envelope) error {
	switch env.PayloadType {
	case protocol.PayloadErrorRes:
		var res protocol.ErrorRes
		if err := res.Unmarshal(env.Payload); err != nil {
			return &ProtocolError{Detail: "decoding error response", Err: err}
		}
		return &APIError{Code: res.ErrorCode, Description: res.Description}

	case protocol.PayloadOrderErrorEvent:
		var res protocol.OrderErrorEvent
		if err := res.Unmarshal(env.Payload); err != nil {
			return &ProtocolError{Detail: "decoding order error event", Err: err}
		}
		return &APIError{Code: res.ErrorCode, Description: res.Description}

	default:
		return &ProtocolError{Detail: fmt.Sprintf("unexpected response type %s", env.PayloadType)}
	}
}
