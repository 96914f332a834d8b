package proto

// State is the protocol state of one half of a proxied flow.
type State uint8

const (
	StateInit State = iota
	StateConnecting
	StateHandshake
	StateAuth
	StateRequesting
	StateReplyPending
	StateReplying
	StateEstablished
	StateWaiting
	StateKill
	StateDead
	StateClosing
	StateClosed

	numStates
)

var stateNames = [numStates]string{
	StateInit:         "init",
	StateConnecting:   "connecting",
	StateHandshake:    "handshake",
	StateAuth:         "auth",
	StateRequesting:   "requesting",
	StateReplyPending: "reply_pending",
	StateReplying:     "replying",
	StateEstablished:  "established",
	StateWaiting:      "waiting",
	StateKill:         "kill",
	StateDead:         "dead",
	StateClosing:      "closing",
	StateClosed:       "closed",
}

func (s State) String() string {
	if s < numStates {
		return stateNames[s]
	}
	return "unknown"
}

// Terminal reports whether s is one of the teardown states.
func (s State) Terminal() bool {
	switch s {
	case StateKill, StateDead, StateClosing, StateClosed:
		return true
	default:
		return false
	}
}

// Parsing reports whether the engine consumes client bytes in s.
func (s State) Parsing() bool {
	switch s {
	case StateHandshake, StateAuth, StateRequesting:
		return true
	default:
		return false
	}
}

// Timed reports whether a context in s runs under its negotiation timer.
func (s State) Timed() bool {
	switch s {
	case StateInit, StateConnecting, StateHandshake, StateAuth, StateRequesting,
		StateReplyPending, StateWaiting, StateReplying:
		return true
	default:
		return false
	}
}

type stateSet uint16

func setOf(states ...State) stateSet {
	var s stateSet
	for _, st := range states {
		s |= 1 << st
	}
	return s
}

func (s stateSet) has(st State) bool { return s&(1<<st) != 0 }

// teardown states are reachable from every state that is not yet closed.
var teardown = setOf(StateKill, StateDead, StateClosing, StateClosed)

var transitions = [numStates]stateSet{
	StateInit:         setOf(StateConnecting, StateHandshake) | teardown,
	StateConnecting:   setOf(StateHandshake, StateWaiting, StateEstablished) | teardown,
	StateHandshake:    setOf(StateAuth, StateRequesting, StateReplyPending) | teardown,
	StateAuth:         setOf(StateRequesting) | teardown,
	StateRequesting:   setOf(StateReplyPending) | teardown,
	StateReplyPending: setOf(StateWaiting, StateReplying) | teardown,
	StateReplying:     setOf(StateEstablished) | teardown,
	StateEstablished:  teardown,
	StateWaiting:      setOf(StateReplying, StateEstablished) | teardown,
	StateKill:         setOf(StateClosing, StateClosed),
	StateDead:         setOf(StateKill, StateClosing, StateClosed),
	StateClosing:      setOf(StateClosed),
	StateClosed:       0,
}

// CanTransition reports whether from -> to is an edge of the state graph.
// Staying in the same non-closed state is always allowed.
func CanTransition(from, to State) bool {
	if from >= numStates || to >= numStates {
		return false
	}
	if from == to {
		return from != StateClosed
	}
	return transitions[from].has(to)
}
