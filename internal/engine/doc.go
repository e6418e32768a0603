// Package engine defines the handle the orchestrator holds for one running
// simulation engine.
//
// A Client owns the engine's lifecycle state machine:
//
//	Created -> Launched -> Initialized -> Stepping <-> Idle -> ShuttingDown -> Terminated
//
// with Failed reachable from Launched, Initialized and Stepping. The wire
// protocol is abstracted behind Transport, which each transport package
// implements, so the scheduler never depends on a concrete protocol.
package engine
