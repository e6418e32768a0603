// Package cli builds the lockstep command tree. It validates flags, turns
// them into an app.Config and maps every failure to an ExitError carrying
// the process exit code: 2 for usage errors, 1 for failed runs.
package cli
