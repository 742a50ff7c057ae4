package email

// State is where a session is in its lifecycle.
type State int

const (
	// StateDisconnected is a session that hasn't dialed yet.
	StateDisconnected State = iota
	// StateConnected means the transport is open but the banner hasn't
	// been read.
	StateConnected
	// StateGreeted follows the server banner and precedes EHLO.
	StateGreeted
	// StateTLSUpgraded means STARTTLS succeeded and EHLO was repeated.
	StateTLSUpgraded
	// StateAuthenticated means AUTH succeeded.
	StateAuthenticated
	// StateTransacting is set while a message's MAIL/RCPT/DATA run.
	StateTransacting
	// StateClosed ends a session that ran to completion.
	StateClosed
	// StateFailed ends a session that was cut short.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateGreeted:
		return "greeted"
	case StateTLSUpgraded:
		return "tls-upgraded"
	case StateAuthenticated:
		return "authenticated"
	case StateTransacting:
		return "transacting"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
