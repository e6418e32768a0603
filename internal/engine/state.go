package engine

import "fmt"

// State is the lifecycle state of an engine client.
type State int32

const (
	Created State = iota
	Launched
	Initialized
	Stepping
	Idle
	ShuttingDown
	Terminated
	Failed
)

var stateNames = [...]string{
	Created:      "created",
	Launched:     "launched",
	Initialized:  "initialized",
	Stepping:     "stepping",
	Idle:         "idle",
	ShuttingDown: "shutting_down",
	Terminated:   "terminated",
	Failed:       "failed",
}

func (s State) String() string {
	if int(s) >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Terminated
}

// canStep reports whether runLoopStep may be issued from s.
func (s State) canStep() bool {
	return s == Initialized || s == Idle
}
