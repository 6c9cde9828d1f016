package ctrader

// ConnectionState tracks where the session is in its lifecycle. Transitions
// are driven by Connect, Authenticate, the reader loop and the reconnect
// supervisor.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateAppAuthenticating
	StateTokenAcquiring
	StateAccountAuthenticating
	StateAuthenticated
	StateReconnecting
	// StateFailed is terminal: the reconnect budget is exhausted or the
	// credentials were rejected repeatedly. Only a fresh Connect leaves it.
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAppAuthenticating:
		return "app_authenticating"
	case StateTokenAcquiring:
		return "token_acquiring"
	case StateAccountAuthenticating:
		return "account_authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
