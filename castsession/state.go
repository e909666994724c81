package castsession

import "fmt"

// Kind is the coordinator's session lifecycle state.
type Kind int

const (
	// Idle is the initial state and where a failed join settles.
	Idle Kind = iota
	// Connecting covers a route selection or a rejoin poll in flight.
	Connecting
	// Connected means the session SDK reported a started or resumed session.
	Connected
	// Ending is after EndCurrentSession was requested.
	Ending
	// Ended is after the session SDK reported the session gone.
	Ended
	// Failed is where a join lands before settling back to Idle.
	Failed
)

func (k Kind) String() string {
	switch k {
	case Idle:
		return "Idle"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Ending:
		return "Ending"
	case Ended:
		return "Ended"
	case Failed:
		return "Failed"
	default:
		return fmt.Sprintf("Unknown(%d)", k)
	}
}

var validTransitions = map[Kind][]Kind{
	Idle:       {Connecting, Connected, Ending},
	Connecting: {Connected, Failed, Idle},
	Connected:  {Ending, Ended, Idle},
	Ending:     {Ended},
	Ended:      {Idle, Connecting, Connected, Ending},
	Failed:     {Idle},
}

// CanTransitionTo checks if a transition from current state to next state is valid
func (k Kind) CanTransitionTo(next Kind) bool {
	for _, allowed := range validTransitions[k] {
		if allowed == next {
			return true
		}
	}
	return false
}

// AcceptsAppID reports whether the receiver app id may change in this state.
func (k Kind) AcceptsAppID() bool {
	return k == Idle || k == Ended || k == Failed
}

// EndReason explains why a session ended.
type EndReason string

const (
	ReasonStopped      EndReason = "stopped"
	ReasonDisconnected EndReason = "disconnected"
	ReasonError        EndReason = "error"
)

// SessionState is a snapshot of the coordinator's state. Err carries the
// failure that moved the coordinator out of Connecting or Ending, and stays
// set after a failed join settles to Idle.
type SessionState struct {
	Kind      Kind
	SessionID string
	DeviceID  string
	RouteID   string
	AttemptID string
	Reason    EndReason
	Err       error
}

func (s SessionState) String() string {
	switch s.Kind {
	case Connected:
		return fmt.Sprintf("Connected(%s, %s)", s.SessionID, s.DeviceID)
	case Connecting:
		return fmt.Sprintf("Connecting(%s)", s.RouteID)
	case Ended:
		return fmt.Sprintf("Ended(%s)", s.Reason)
	default:
		return s.Kind.String()
	}
}
