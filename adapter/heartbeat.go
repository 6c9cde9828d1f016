package ctrader

import (
	"time"

	"github.com/bjoelf/ctrader-adapter/adapter/protocol"
)

// startHeartbeat launches the keep-alive loop. Started once per client on
// the first successful authentication; the loop itself survives reconnects
// and only sends while the session is authenticated.
func (c *Client) startHeartbeat() {
	c.heartbeatOnce.Do(func() {
		go c.heartbeatLoop()
	})
}

func (c *Client) heartbeatLoop() {
	ticker := time.NewTicker(c.cfg.HeartbeatPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return

		case <-ticker.C:
			if c.State() != StateAuthenticated {
				continue
			}

			hb := protocol.HeartbeatEvent{}
			if err := c.send(protocol.PayloadHeartbeatEvent, hb.Marshal()); err != nil {
				c.logger.Warn("Heartbeat write failed",
					"function", "heartbeatLoop",
					"error", err)
				// A session the heartbeat cannot write to is dead even if
				// the reader has not noticed yet.
				if sess := c.currentSession(); sess != nil && !sess.isClosed() {
					sess.close()
					c.corr.failAll(ErrDisconnected)
					go c.reconnectWithBackoff()
				}
			}
		}
	}
}
