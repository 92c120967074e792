package directory

import "fmt"

// State is the connection-state tag of one session.
type State string

const (
	StateUnregistered State = "unregistered"
	StateRegistering  State = "registering"
	StateRegistered   State = "registered"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateClosed       State = "closed"
	StateFailed       State = "failed"
)

// Terminal reports whether no further intent may leave s without restarting
// from registration.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// InFlight reports whether s is mid-transition.
func (s State) InFlight() bool {
	return s == StateRegistering || s == StateConnecting
}

// CanTransition reports whether from -> to is a legal edge. registered tells
// whether the session still carries registration metadata, which is what lets
// a failed connect be retried without registering again.
func CanTransition(from State, registered bool, to State) bool {
	if from == to {
		return true
	}
	switch to {
	case StateClosed:
		return true
	case StateFailed:
		return !from.Terminal() && from != StateUnregistered
	case StateRegistering:
		return from == StateUnregistered || from.Terminal()
	case StateRegistered:
		return from == StateRegistering
	case StateConnecting:
		return from == StateRegistered || (from == StateFailed && registered)
	case StateConnected:
		return from == StateConnecting
	}
	return false
}

func transitionError(id string, from, to State) error {
	return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, id, from, to)
}
