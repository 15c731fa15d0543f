package realtime

// State of the physical connection owned by a Manager.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// StateChange is delivered to OnStateChange subscribers on every transition.
// Attempt is the reconnection attempt about to run (Reconnecting) or the number of
// attempts spent (terminal Disconnected). Err is set when the transition was caused
// by a failure.
type StateChange struct {
	From    State
	To      State
	Attempt int
	Err     error
}
