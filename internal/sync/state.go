package sync

// State is a step of a sync run.
type State string

// States in the order a full run visits them. FAILED can follow any state.
const (
	StateDiscoverSource State = "DISCOVER_SOURCE"
	StateDiscoverTarget State = "DISCOVER_TARGET"
	StateNegotiate      State = "NEGOTIATE"
	StateDiff           State = "DIFF"
	StateFetch          State = "FETCH"
	StateRelayCheck     State = "RELAY_CHECK"
	StatePush           State = "PUSH"
	StateValidate       State = "VALIDATE"
	StateDone           State = "DONE"
	StateFailed         State = "FAILED"
)

func (s State) String() string {
	return string(s)
}

// transitions lists the states each state may move to, besides FAILED.
var transitions = map[State][]State{
	StateDiscoverSource: {StateDiscoverTarget, StateNegotiate},
	StateDiscoverTarget: {StateNegotiate},
	StateNegotiate:      {StateDiff},
	StateDiff:           {StateFetch, StatePush, StateDone},
	StateFetch:          {StateRelayCheck},
	StateRelayCheck:     {StatePush},
	StatePush:           {StateValidate},
	StateValidate:       {StateDone},
}

// canTransition reports whether from may be followed by to.
func canTransition(from, to State) bool {
	if to == StateFailed {
		return from != StateDone && from != StateFailed
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
