package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"syscall"
	"time"

	"github.com/vk/lockstep/internal/ctxlog"
)

type forkStrategy struct{}

func (forkStrategy) Name() string { return BasicFork }

// Start spawns the command with piped stdio. Its stderr is forwarded line
// by line to the logger in ctx.
func (forkStrategy) Start(ctx context.Context, spec Spec) (*Process, error) {
	if spec.Command == "" {
		return nil, errors.New("basic_fork: no command")
	}
	logger := ctxlog.FromContext(ctx).With("engine", spec.Engine)

	// The process must outlive ctx; Stop ends it.
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = os.Environ()
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cmd.Env = append(cmd.Env, k+"="+spec.Env[k])
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Command, err)
	}
	logger.Debug("Engine process started.", "pid", cmd.Process.Pid, "command", spec.Command)

	p := &Process{pid: cmd.Process.Pid, stdin: stdin, stdout: stdout, done: make(chan struct{})}

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			logger.Debug("Engine stderr.", "line", sc.Text())
		}
	}()
	go func() {
		<-stderrDone
		p.err = cmd.Wait()
		close(p.done)
		logger.Debug("Engine process exited.", "pid", p.pid, "error", p.err)
	}()

	p.stop = func(ctx context.Context) error {
		select {
		case <-p.done:
			return nil
		default:
		}
		_ = stdin.Close()
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			logger.Debug("SIGTERM failed; killing.", "error", err)
			_ = cmd.Process.Kill()
		}

		grace := time.NewTimer(StopGrace)
		defer grace.Stop()
		select {
		case <-p.done:
			return nil
		case <-grace.C:
		case <-ctx.Done():
		}
		logger.Warn("Engine ignored SIGTERM; killing.", "pid", p.pid)
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return err
		}
		<-p.done
		return nil
	}
	return p, nil
}
