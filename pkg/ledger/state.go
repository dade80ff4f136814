package ledger

// State is the lifecycle state of one job.
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StatePaid       State = "paid"
	StateCompleted  State = "completed"
	StateError      State = "error"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether no further transition may leave s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateError || s == StateCancelled
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateProcessing, StatePaid, StateCompleted, StateError, StateCancelled:
		return true
	}
	return false
}

// next lists the states reachable from each non-terminal state.
var next = map[State][]State{
	StatePending:    {StateProcessing, StatePaid, StateCompleted, StateError, StateCancelled},
	StateProcessing: {StatePaid, StateCompleted, StateError, StateCancelled},
	StatePaid:       {StateCompleted, StateError, StateCancelled},
}

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to State) bool {
	for _, s := range next[from] {
		if s == to {
			return true
		}
	}
	return false
}
