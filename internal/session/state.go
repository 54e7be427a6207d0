package session

// State is the lifecycle state of a session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateJoined
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateJoined:
		return "JOINED"
	case StateTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// transitions lists every permitted state change. TERMINATED -> DISCONNECTED
// is the only backward edge and happens when a new session is started.
var transitions = map[State][]State{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateJoined, StateTerminated},
	StateJoined:       {StateTerminated},
	StateTerminated:   {StateDisconnected},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
