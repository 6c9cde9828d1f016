package ctrader

import (
	"errors"

	"github.com/bjoelf/ctrader-adapter/adapter/protocol"
)

// readLoop pumps frames off one session until it dies. Every session gets
// its own loop; the loop exits for good when its session is replaced or the
// client is shut down, and otherwise hands off to the reconnect supervisor.
func (c *Client) readLoop(sess *session) {
	c.logger.Debug("Reader loop started", "function", "readLoop")

	for {
		env, err := sess.readEnvelope()
		if err != nil {
			if errors.Is(err, errNoTraffic) {
				c.logger.Debug("No traffic on session within read window",
					"function", "readLoop",
					"timeout", c.cfg.ReadTimeout)
				continue
			}

			if sess.isClosed() || c.closed.Load() {
				c.logger.Debug("Reader loop stopped", "function", "readLoop")
				return
			}

			var protoErr *ProtocolError
			if errors.As(err, &protoErr) {
				c.logger.Error("Protocol violation, dropping session",
					"function", "readLoop",
					"error", err)
			} else {
				c.logger.Warn("Session read failed",
					"function", "readLoop",
					"error", err)
			}

			sess.close()
			c.corr.failAll(ErrDisconnected)
			go c.reconnectWithBackoff()
			return
		}

		c.dispatch(env)
	}
}

// dispatch routes one inbound envelope: pushes update local caches, response
// types go to the correlator, heartbeats are consumed silently.
func (c *Client) dispatch(env *protocol.Envelope) {
	switch env.PayloadType {
	case protocol.PayloadHeartbeatEvent:
		// keep-alive, nothing to do

	case protocol.PayloadSpotEvent:
		var ev protocol.SpotEvent
		if err := ev.Unmarshal(env.Payload); err != nil {
			c.logger.Warn("Malformed spot event dropped",
				"function", "dispatch",
				"error", err)
			return
		}
		c.applySpot(&ev)

	case protocol.PayloadExecutionEvent:
		var ev protocol.ExecutionEvent
		if err := ev.Unmarshal(env.Payload); err != nil {
			c.logger.Warn("Malformed execution event dropped",
				"function", "dispatch",
				"error", err)
			return
		}
		c.applyExecution(&ev)
		c.corr.deliver(env)

	case protocol.PayloadErrorRes:
		if c.corr.deliver(env) {
			return
		}
		// Unsolicited broker error. Auth-class codes count toward the
		// consecutive failure limit so a revoked token cannot keep the
		// reconnect cycle spinning.
		var res protocol.ErrorRes
		if err := res.Unmarshal(env.Payload); err != nil {
			return
		}
		c.logger.Warn("Unsolicited broker error",
			"function", "dispatch",
			"errorCode", res.ErrorCode,
			"description", res.Description)
		// Only counted mid-session. During a handshake the same frame is
		// claimed by the auth step, which does its own counting.
		if isAuthFailureCode(res.ErrorCode) && c.State() == StateAuthenticated {
			c.authFailures.Add(1)
		}

	default:
		c.corr.deliver(env)
	}
}
