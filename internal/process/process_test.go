package process

import (
	"bufio"
	"context"
	"os/exec"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/lockstep/internal/testutil"
)

func requireUnix(t *testing.T, bin string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs a unix userland")
	}
	if _, err := exec.LookPath(bin); err != nil {
		t.Skipf("%s not available", bin)
	}
}

func TestLookup(t *testing.T) {
	t.Parallel()

	s, err := Lookup("")
	require.NoError(t, err)
	assert.Equal(t, BasicFork, s.Name())

	s, err = Lookup(Empty)
	require.NoError(t, err)
	assert.Equal(t, Empty, s.Name())

	_, err = Lookup("mpi_spawn")
	require.ErrorContains(t, err, "unknown launch command")
	assert.Equal(t, []string{BasicFork, Empty}, Names())
}

func TestEmpty_StartsNothing(t *testing.T) {
	t.Parallel()

	p, err := emptyStrategy{}.Start(context.Background(), Spec{Engine: "ext"})
	require.NoError(t, err)
	assert.Zero(t, p.Pid())
	assert.Nil(t, p.Stdio())
	require.NoError(t, p.Stop(context.Background()))
	<-p.Done()
}

func TestFork_StdioIsPiped(t *testing.T) {
	t.Parallel()
	requireUnix(t, "cat")

	// --- Arrange ---
	ctx, _ := testutil.Context(t)
	p, err := forkStrategy{}.Start(ctx, Spec{Engine: "echo", Command: "cat"})
	require.NoError(t, err)
	require.NotZero(t, p.Pid())

	// --- Act ---
	rw := p.Stdio()
	_, err = rw.Write([]byte("{\"id\":1}\n"))
	require.NoError(t, err)
	line, err := bufio.NewReader(rw).ReadString('\n')

	// --- Assert ---
	require.NoError(t, err)
	assert.Equal(t, "{\"id\":1}\n", line)
	require.NoError(t, p.Stop(ctx))
	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatal("process still running after Stop")
	}
}

func TestFork_StopTerminatesAndPassesEnv(t *testing.T) {
	t.Parallel()
	requireUnix(t, "sh")

	ctx, logs := testutil.Context(t)
	p, err := forkStrategy{}.Start(ctx, Spec{
		Engine:  "sleeper",
		Command: "sh",
		Args:    []string{"-c", `echo "rank=$LOCKSTEP_RANK" >&2; exec sleep 30`},
		Env:     map[string]string{"LOCKSTEP_RANK": "4"},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return strings.Contains(logs.String(), "rank=4")
	}, 2*time.Second, 10*time.Millisecond)

	start := time.Now()
	require.NoError(t, p.Stop(ctx))
	assert.Less(t, time.Since(start), StopGrace, "SIGTERM should end sleep without a kill")
	require.NoError(t, p.Stop(ctx), "stopping twice is harmless")
}

func TestFork_MissingBinary(t *testing.T) {
	t.Parallel()

	_, err := forkStrategy{}.Start(context.Background(), Spec{Command: "/nonexistent/engine"})
	require.Error(t, err)
	_, err = forkStrategy{}.Start(context.Background(), Spec{})
	require.ErrorContains(t, err, "no command")
}
