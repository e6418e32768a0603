// Package app assembles the orchestrator: it loads the configuration,
// registers engine launchers, and runs a simulation either to completion or
// under a control-plane, decoupled from any specific entrypoint like a CLI.
package app
