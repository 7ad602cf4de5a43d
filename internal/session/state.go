package session

import "fmt"

// State is the call lifecycle position.
type State string

const (
	StateIdle         State = "idle"
	StateInitializing State = "initializing"
	StateConnecting   State = "connecting"
	StateRinging      State = "ringing"
	StateActive       State = "active"
	StateEnding       State = "ending"
	StateEnded        State = "ended"
	StateError        State = "error"
)

var stateOrder = map[State]int{
	StateIdle:         0,
	StateInitializing: 1,
	StateConnecting:   2,
	StateRinging:      3,
	StateActive:       4,
	StateEnding:       5,
	StateEnded:        6,
}

// Terminal reports whether no further transition is possible within the
// current session.
func (s State) Terminal() bool {
	return s == StateEnded
}

// CanTransition reports whether from -> to moves the lifecycle forward.
// ERROR and ENDED are reachable from every non-terminal state, and ERROR may
// only continue into ENDING or ENDED.
func CanTransition(from, to State) bool {
	if from == to || from.Terminal() {
		return false
	}
	switch to {
	case StateError:
		return from != StateEnding
	case StateEnded:
		return true
	}
	if from == StateError {
		return to == StateEnding
	}
	f, ok := stateOrder[from]
	if !ok {
		return false
	}
	t, ok := stateOrder[to]
	if !ok {
		return false
	}
	return t > f
}

// TransitionError reports a refused lifecycle move.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal session transition %s -> %s", e.From, e.To)
}
