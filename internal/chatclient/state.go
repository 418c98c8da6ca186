package chatclient

// ConnectionState is the lifecycle state of a Session.
type ConnectionState int

const (
	// StateDisconnected means no channel is open and no reconnect is scheduled.
	StateDisconnected ConnectionState = iota

	// StateConnecting means the initial handshake is in flight.
	StateConnecting

	// StateConnected means the channel is open.
	StateConnected

	// StateReconnecting means the channel dropped and a retry is scheduled or in flight.
	StateReconnecting

	// StatePermanentlyDisconnected means the reconnect budget was exhausted.
	// Only an explicit Connect or TriggerReconnect leaves this state.
	StatePermanentlyDisconnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StatePermanentlyDisconnected:
		return "permanently_disconnected"
	default:
		return "unknown"
	}
}

// StateEvent represents a state change event.
type StateEvent struct {
	OldState ConnectionState
	NewState ConnectionState
	Identity Identity
	Error    error // Optional error that caused the state change
}
