package live

// State is the connection lifecycle of a Client.
type State string

const (
	StateDisconnected  State = "disconnected"
	StateConnecting    State = "connecting"
	StateAwaitingSetup State = "awaiting_setup_complete"
	StateOpen          State = "open"
	StateClosing       State = "closing"
	StateClosed        State = "closed"
	StateError         State = "error"
)

// Terminal states end a connection; Connect may start a new one from them.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateError
}

var transitions = map[State][]State{
	StateDisconnected:  {StateConnecting},
	StateConnecting:    {StateAwaitingSetup, StateClosing, StateClosed, StateError},
	StateAwaitingSetup: {StateOpen, StateClosing, StateClosed, StateError},
	StateOpen:          {StateClosing, StateClosed, StateError},
	StateClosing:       {StateClosed, StateError},
	StateClosed:        {StateConnecting},
	StateError:         {StateConnecting},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
