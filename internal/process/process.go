// Package process starts engine processes. A launch command names the
// strategy: "basic_fork" spawns the engine as a child process with its
// stdio piped to the orchestrator, "empty" assumes the engine is already
// running and starts nothing.
package process

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

// Strategy names.
const (
	BasicFork = "basic_fork"
	Empty     = "empty"
)

// StopGrace is how long Stop waits after SIGTERM before killing.
const StopGrace = 3 * time.Second

// Spec describes the process to start.
type Spec struct {
	// Engine is used for logging only.
	Engine  string
	Command string
	Args    []string
	Env     map[string]string
	Dir     string
}

// Process is a started engine. The zero value from the empty strategy has
// no stdio and stops instantly.
type Process struct {
	pid    int
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stop   func(context.Context) error
	done   chan struct{}
	err    error
}

// Pid returns the process id, or 0 when nothing was started.
func (p *Process) Pid() int { return p.pid }

// Stdio returns the engine's stdin and stdout as one stream, or nil when
// the strategy attached none.
func (p *Process) Stdio() io.ReadWriteCloser {
	if p.stdin == nil || p.stdout == nil {
		return nil
	}
	return stdio{p.stdout, p.stdin}
}

// Done is closed once the process exits.
func (p *Process) Done() <-chan struct{} { return p.done }

// ExitErr returns the exit error after Done is closed.
func (p *Process) ExitErr() error {
	<-p.done
	return p.err
}

// Stop terminates the process. Stopping an exited process is not an error.
func (p *Process) Stop(ctx context.Context) error {
	if p.stop == nil {
		return nil
	}
	return p.stop(ctx)
}

type stdio struct {
	io.ReadCloser
	w io.WriteCloser
}

func (s stdio) Write(b []byte) (int, error) { return s.w.Write(b) }

func (s stdio) Close() error {
	werr := s.w.Close()
	rerr := s.ReadCloser.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// Strategy starts processes.
type Strategy interface {
	Name() string
	Start(ctx context.Context, spec Spec) (*Process, error)
}

var (
	mu         sync.RWMutex
	strategies = map[string]Strategy{
		BasicFork: forkStrategy{},
		Empty:     emptyStrategy{},
	}
)

// Lookup returns the strategy registered under name. An empty name selects
// basic_fork.
func Lookup(name string) (Strategy, error) {
	if name == "" {
		name = BasicFork
	}
	mu.RLock()
	defer mu.RUnlock()
	s, ok := strategies[name]
	if !ok {
		return nil, fmt.Errorf("unknown launch command %q (known: %v)", name, namesLocked())
	}
	return s, nil
}

// Names lists the registered strategies.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	return namesLocked()
}

func namesLocked() []string {
	out := make([]string, 0, len(strategies))
	for n := range strategies {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

type emptyStrategy struct{}

func (emptyStrategy) Name() string { return Empty }

func (emptyStrategy) Start(context.Context, Spec) (*Process, error) {
	done := make(chan struct{})
	close(done)
	return &Process{done: done}, nil
}
