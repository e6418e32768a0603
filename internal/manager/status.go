package manager

import (
	"fmt"
	"time"
)

// Run states reported in Status.
const (
	StateEmpty        = "empty"
	StateInitializing = "initializing"
	StateReady        = "ready"
	StateRunning      = "running"
)

// EngineStatus is one engine's view in a Status snapshot.
type EngineStatus struct {
	Name       string        `json:"name" msgpack:"name"`
	Type       string        `json:"type" msgpack:"type"`
	State      string        `json:"state" msgpack:"state"`
	EngineTime time.Duration `json:"engine_time" msgpack:"engine_time"`
	Error      string        `json:"error,omitempty" msgpack:"error,omitempty"`
}

// Status is a point-in-time snapshot of the manager.
type Status struct {
	RunID      string         `json:"run_id,omitempty" msgpack:"run_id,omitempty"`
	Simulation string         `json:"simulation,omitempty" msgpack:"simulation,omitempty"`
	State      string         `json:"state" msgpack:"state"`
	SimTime    time.Duration  `json:"sim_time" msgpack:"sim_time"`
	Ticks      uint64         `json:"ticks" msgpack:"ticks"`
	TimeStep   time.Duration  `json:"time_step" msgpack:"time_step"`
	Timeout    time.Duration  `json:"timeout" msgpack:"timeout"`
	LastError  string         `json:"last_error,omitempty" msgpack:"last_error,omitempty"`
	Engines    []EngineStatus `json:"engines,omitempty" msgpack:"engines,omitempty"`
}

func (s Status) String() string {
	return fmt.Sprintf("%s run=%s sim_time=%s ticks=%d", s.State, s.RunID, s.SimTime, s.Ticks)
}
