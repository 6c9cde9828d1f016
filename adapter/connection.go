package ctrader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bjoelf/ctrader-adapter/adapter/protocol"
)

// maxAuthFailures is the consecutive credential rejections after which
// reconnecting is pointless and the client goes terminal.
const maxAuthFailures = 3

// versionHandshakeTimeout bounds the optional version exchange; brokers that
// do not answer it are still usable.
const versionHandshakeTimeout = 5 * time.Second

// waitFunc blocks until a response of the wanted type arrives. During normal
// operation the correlator backs it; during reconnection, when no reader
// loop is pumping, responses are read straight off the session.
type waitFunc func(ctx context.Context, pt protocol.PayloadType, timeout time.Duration) (*protocol.Envelope, error)

// Connect dials the broker and starts the reader loop. It does not
// authenticate; call Authenticate next.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return fmt.Errorf("client is closed")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if sess := c.currentSession(); sess != nil && !sess.isClosed() {
		return fmt.Errorf("already connected")
	}

	c.setState(StateConnecting)
	c.logger.Info("Connecting to broker",
		"function", "Connect",
		"host", c.cfg.Host,
		"environment", string(c.cfg.Environment))

	sess, err := dialBroker(&c.cfg)
	if err != nil {
		c.setState(StateDisconnected)
		return err
	}

	c.swapSession(sess)
	go c.readLoop(sess)
	return nil
}

// Authenticate runs the full handshake on the connected session: application
// auth, an optional version exchange, token acquisition and account auth.
// On success the session is ready for trading and heartbeats start.
func (c *Client) Authenticate(ctx context.Context) error {
	sess := c.currentSession()
	if sess == nil || sess.isClosed() {
		return ErrDisconnected
	}

	err := c.authHandshake(ctx, sess, c.corr.waitFor)
	if err != nil {
		sess.close()
		c.swapSession(nil)
		if c.authFailures.Load() >= maxAuthFailures {
			c.setState(StateFailed)
		} else {
			c.setState(StateDisconnected)
		}
		return err
	}

	c.startHeartbeat()
	return nil
}

// VerifyCredentials checks the application credentials against the broker on
// a throwaway connection, leaving the client's own session untouched.
func (c *Client) VerifyCredentials(ctx context.Context) error {
	sess, err := dialBroker(&c.cfg)
	if err != nil {
		return err
	}
	defer sess.close()

	req := protocol.ApplicationAuthReq{
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
	}
	if err := writeReq(sess, protocol.PayloadApplicationAuthReq, req.Marshal()); err != nil {
		return err
	}

	wait := c.syncWait(sess)
	if _, err := wait(ctx, protocol.PayloadApplicationAuthRes, c.cfg.RequestTimeout); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return &AuthError{Step: "application", Code: apiErr.Code, Reason: apiErr.Description}
		}
		return err
	}

	c.logger.Info("Application credentials verified",
		"function", "VerifyCredentials",
		"clientID", maskClientID(c.cfg.ClientID))
	return nil
}

// Disconnect closes the session and stops all background work. Safe to call
// more than once; later calls are no-ops.
func (c *Client) Disconnect() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.done)

	old := c.swapSession(nil)
	var err error
	if old != nil {
		err = old.close()
	}

	c.corr.failAll(ErrDisconnected)
	c.setState(StateDisconnected)
	c.logger.Info("Disconnected from broker", "function", "Disconnect")
	return err
}

// authHandshake drives the multi-step authentication sequence on sess. The
// wait parameter decides how responses come back, which is what lets the
// same sequence run both with and without a reader loop.
func (c *Client) authHandshake(ctx context.Context, sess *session, wait waitFunc) error {
	c.setState(StateAppAuthenticating)

	appReq := protocol.ApplicationAuthReq{
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
	}
	if err := writeReq(sess, protocol.PayloadApplicationAuthReq, appReq.Marshal()); err != nil {
		return err
	}
	if _, err := wait(ctx, protocol.PayloadApplicationAuthRes, c.cfg.RequestTimeout); err != nil {
		return c.authStepError("application", err)
	}

	c.exchangeVersion(ctx, sess, wait)

	c.setState(StateTokenAcquiring)
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}

	c.setState(StateAccountAuthenticating)
	acctReq := protocol.AccountAuthReq{
		AccountID:   c.cfg.AccountID,
		AccessToken: token,
	}
	if err := writeReq(sess, protocol.PayloadAccountAuthReq, acctReq.Marshal()); err != nil {
		return err
	}
	env, err := wait(ctx, protocol.PayloadAccountAuthRes, c.cfg.RequestTimeout)
	if err != nil {
		return c.authStepError("account", err)
	}

	var res protocol.AccountAuthRes
	if err := res.Unmarshal(env.Payload); err != nil {
		return &ProtocolError{Detail: "decoding account auth response", Err: err}
	}
	if res.AccountID != 0 && res.AccountID != c.cfg.AccountID {
		c.logger.Warn("Account auth response names a different account",
			"function", "authHandshake",
			"requested", c.cfg.AccountID,
			"confirmed", res.AccountID)
	}

	c.authFailures.Store(0)
	c.setState(StateAuthenticated)
	c.logger.Info("Session authenticated",
		"function", "authHandshake",
		"accountID", c.cfg.AccountID)
	return nil
}

// exchangeVersion asks for the broker's protocol version. Best effort: some
// brokers never answer and the short timeout keeps the handshake moving.
func (c *Client) exchangeVersion(ctx context.Context, sess *session, wait waitFunc) {
	req := protocol.VersionReq{}
	if err := writeReq(sess, protocol.PayloadVersionReq, req.Marshal()); err != nil {
		c.logger.Debug("Version request not sent", "function", "exchangeVersion", "error", err)
		return
	}

	env, err := wait(ctx, protocol.PayloadVersionRes, versionHandshakeTimeout)
	if err != nil {
		c.logger.Debug("Version handshake not answered", "function", "exchangeVersion", "error", err)
		return
	}

	var res protocol.VersionRes
	if err := res.Unmarshal(env.Payload); err != nil {
		c.logger.Debug("Malformed version response", "function", "exchangeVersion", "error", err)
		return
	}
	c.logger.Info("Broker protocol version",
		"function", "exchangeVersion",
		"version", res.Version)
}

// accessToken picks the account access token: the static demo token when
// configured, the managed OAuth token otherwise.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	if c.cfg.Environment == EnvDemo && c.cfg.AccessToken != "" {
		return c.cfg.AccessToken, nil
	}

	token, err := c.tokens.GetValidToken(ctx)
	if err != nil {
		if c.cfg.Environment == EnvDemo {
			return "", &AuthError{
				Step:   "token",
				Reason: "demo access token not configured; set DEMO_ACCESS_TOKEN or complete the authorization flow",
			}
		}
		return "", err
	}
	return token.AccessToken, nil
}

// authStepError classifies a handshake failure, counting credential
// rejections toward the terminal failure limit.
func (c *Client) authStepError(step string, err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if isAuthFailureCode(apiErr.Code) {
			n := c.authFailures.Add(1)
			c.logger.Warn("Credentials rejected by broker",
				"function", "authStepError",
				"step", step,
				"code", apiErr.Code,
				"consecutiveFailures", n)
		}
		return &AuthError{Step: step, Code: apiErr.Code, Reason: apiErr.Description}
	}
	return fmt.Errorf("%s authentication: %w", step, err)
}

// reconnectWithBackoff rebuilds the session after an unexpected drop:
// capped exponential delay, full re-authentication and subscription replay.
// Runs until success, the attempt budget runs out, or the credentials are
// rejected repeatedly.
func (c *Client) reconnectWithBackoff() {
	if c.closed.Load() || c.State() == StateFailed {
		return
	}
	if !c.reconnecting.CompareAndSwap(false, true) {
		return
	}
	defer c.reconnecting.Store(false)

	if c.authFailures.Load() >= maxAuthFailures {
		c.logger.Error("Not reconnecting, credentials already rejected repeatedly",
			"function", "reconnectWithBackoff")
		c.setState(StateFailed)
		c.corr.failAll(ErrDisconnected)
		return
	}

	c.setState(StateReconnecting)

	for attempt := 1; attempt <= c.cfg.MaxReconnectAttempts; attempt++ {
		delay := c.backoffDelay(attempt)
		c.logger.Info("Reconnect attempt scheduled",
			"function", "reconnectWithBackoff",
			"attempt", attempt,
			"maxAttempts", c.cfg.MaxReconnectAttempts,
			"delay", delay)

		select {
		case <-time.After(delay):
		case <-c.done:
			return
		}
		if c.closed.Load() {
			return
		}

		sess, err := dialBroker(&c.cfg)
		if err != nil {
			c.logger.Warn("Reconnect dial failed",
				"function", "reconnectWithBackoff",
				"attempt", attempt,
				"error", err)
			continue
		}

		wait := c.syncWait(sess)
		if err := c.authHandshake(context.Background(), sess, wait); err != nil {
			sess.close()
			if c.authFailures.Load() >= maxAuthFailures {
				c.logger.Error("Credentials rejected repeatedly, giving up",
					"function", "reconnectWithBackoff",
					"attempts", attempt)
				c.setState(StateFailed)
				return
			}
			c.logger.Warn("Reconnect handshake failed",
				"function", "reconnectWithBackoff",
				"attempt", attempt,
				"error", err)
			c.setState(StateReconnecting)
			continue
		}

		if err := c.replaySubscriptions(sess, wait); err != nil {
			sess.close()
			c.logger.Warn("Subscription replay failed",
				"function", "reconnectWithBackoff",
				"attempt", attempt,
				"error", err)
			c.setState(StateReconnecting)
			continue
		}

		old := c.swapSession(sess)
		if old != nil {
			old.close()
		}
		go c.readLoop(sess)

		c.logger.Info("Reconnected to broker",
			"function", "reconnectWithBackoff",
			"attempt", attempt)
		return
	}

	c.logger.Error("Reconnect attempts exhausted",
		"function", "reconnectWithBackoff",
		"attempts", c.cfg.MaxReconnectAttempts)
	c.setState(StateFailed)
	c.corr.failAll(ErrDisconnected)
}

// backoffDelay doubles per attempt from the base, capped at the max.
func (c *Client) backoffDelay(attempt int) time.Duration {
	delay := c.cfg.ReconnectBaseDelay << (attempt - 1)
	if delay > c.cfg.ReconnectMaxDelay || delay <= 0 {
		delay = c.cfg.ReconnectMaxDelay
	}
	return delay
}

// replaySubscriptions restores the spot subscriptions on a fresh session in
// symbol order.
func (c *Client) replaySubscriptions(sess *session, wait waitFunc) error {
	ids := c.subscribedSymbols()
	if len(ids) == 0 {
		return nil
	}

	req := protocol.SubscribeSpotsReq{
		AccountID: c.cfg.AccountID,
		SymbolIDs: ids,
	}
	if err := writeReq(sess, protocol.PayloadSubscribeSpotsReq, req.Marshal()); err != nil {
		return err
	}
	if _, err := wait(context.Background(), protocol.PayloadSubscribeSpotsRes, c.cfg.RequestTimeout); err != nil {
		return fmt.Errorf("replay subscriptions: %w", err)
	}

	c.logger.Info("Subscriptions replayed",
		"function", "replaySubscriptions",
		"symbols", ids)
	return nil
}

// syncWait reads responses straight off the session. Used while no reader
// loop is running; pushes that arrive in between are parked for later.
func (c *Client) syncWait(sess *session) waitFunc {
	return func(ctx context.Context, pt protocol.PayloadType, timeout time.Duration) (*protocol.Envelope, error) {
		deadline := time.Now().Add(timeout)
		for {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return nil, ErrTimeout
			}

			env, err := sess.readEnvelopeWithin(remaining)
			if errors.Is(err, errNoTraffic) {
				continue
			}
			if err != nil {
				return nil, err
			}

			switch env.PayloadType {
			case pt:
				return env, nil
			case protocol.PayloadHeartbeatEvent:
				continue
			case protocol.PayloadErrorRes, protocol.PayloadOrderErrorEvent:
				return nil, errorFromEnvelope(env)
			default:
				c.corr.deliver(env)
			}
		}
	}
}

// writeReq frames and sends one request with a fresh client message ID.
func writeReq(sess *session, pt protocol.PayloadType, payload []byte) error {
	return sess.writeEnvelope(&protocol.Envelope{
		PayloadType: pt,
		Payload:     payload,
		ClientMsgID: uuid.NewString(),
	})
}
