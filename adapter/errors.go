package ctrader

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the client API.
var (
	// ErrTimeout means the broker did not answer a request within the
	// response window.
	ErrTimeout = errors.New("request timed out waiting for broker response")

	// ErrDisconnected means the operation needs a live session and there
	// is none.
	ErrDisconnected = errors.New("not connected to broker")

	// ErrNoPrice means the symbol is subscribed but no quote has arrived
	// yet.
	ErrNoPrice = errors.New("no price data received yet")
)

// ConnectionError wraps transport-level failures (dial, TLS, read, write).
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AuthError reports a failed authentication step. Step is one of
// "application", "account" or "token".
type AuthError struct {
	Step   string
	Code   string
	Reason string
}

func (e *AuthError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s authentication failed: %s (%s)", e.Step, e.Reason, e.Code)
	}
	return fmt.Sprintf("%s authentication failed: %s", e.Step, e.Reason)
}

// APIError is a structured failure response from the broker.
type APIError struct {
	Code        string
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("broker error %s: %s", e.Code, e.Description)
}

// ProtocolError means the peer sent bytes the engine cannot interpret. It
// is fatal for the session that produced it.
type ProtocolError struct {
	Detail string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol violation: %s: %v", e.Detail, e.Err)
	}
	return "protocol violation: " + e.Detail
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// authFailureCodes is the closed set of broker error codes that indicate the
// session's credentials are bad. Reconnecting will not help once these
// accumulate; anything outside the set is treated as transient.
var authFailureCodes = map[string]bool{
	"CH_CLIENT_AUTH_FAILURE":       true,
	"INVALID_CLIENT_ID":            true,
	"INVALID_CLIENT_SECRET":        true,
	"CANT_ROUTE_REQUEST":           true,
	"CH_ACCESS_TOKEN_INVALID":      true,
	"CH_ACCOUNT_NOT_AUTHENTICATED": true,
	"ACCOUNT_DISABLED":             true,
}

// isAuthFailureCode reports whether a broker error code counts toward the
// consecutive authentication failure limit.
func isAuthFailureCode(code string) bool {
	return authFailureCodes[code]
}
