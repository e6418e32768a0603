package main

import (
	"bytes"
	"context"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/lockstep/internal/device"
	"github.com/vk/lockstep/internal/engine"
	"github.com/vk/lockstep/internal/launcher"
	"github.com/vk/lockstep/internal/transport/jsonl"
	"github.com/vk/lockstep/internal/transport/rank"
)

func env(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func newCatalog(t *testing.T) *device.Catalog {
	t.Helper()
	cat, err := device.NewCatalog()
	require.NoError(t, err)
	return cat
}

// exercise drives a connected transport through a short session.
func exercise(t *testing.T, ctx context.Context, tr engine.Transport, engineName string) {
	t.Helper()
	require.NoError(t, tr.Initialize(ctx, []byte(`{"increment":2}`)))

	for i := 1; i <= 3; i++ {
		now, err := tr.RunStep(ctx, 10*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, time.Duration(i)*10*time.Millisecond, now)
	}

	counter := device.NewIdentifier("counter", device.TypeStatus, engineName)
	got, err := tr.GetDevices(ctx, []device.Identifier{counter})
	require.NoError(t, err)
	require.Len(t, got, 1)
	code, ok := got[0].Get("code")
	require.True(t, ok)
	assert.Equal(t, int64(6), code.AsInt())

	_, err = tr.GetDevices(ctx, []device.Identifier{device.NewIdentifier("missing", device.TypeStatus, engineName)})
	assert.Error(t, err)

	require.NoError(t, tr.Shutdown(ctx))
}

func TestServe_JSONLinesOnStreams(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	orchestrator, engineSide := net.Pipe()
	defer engineSide.Close()

	served := make(chan error, 1)
	go func() {
		served <- serve(ctx, "jsonl", env(map[string]string{launcher.EnvEngine: "physics"}), engineSide, engineSide)
	}()

	// --- Act ---
	client := jsonl.NewClient(ctx, orchestrator, newCatalog(t))
	exercise(t, ctx, client, "physics")

	// --- Assert ---
	select {
	case err := <-served:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("engine did not stop after shutdown")
	}
}

func TestServe_RankWorld(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	hub := rank.NewHub(ctx)
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	t.Cleanup(func() { _ = hub.Close() })

	vars := map[string]string{
		launcher.EnvEngine:  "brain",
		launcher.EnvRank:    "1",
		launcher.EnvRankURL: "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
	served := make(chan error, 1)
	go func() { served <- serve(ctx, "rank", env(vars), nil, nil) }()
	require.NoError(t, hub.WaitForRank(ctx, 1))

	// --- Act ---
	exercise(t, ctx, rank.NewClient(hub.Comm(), 1, newCatalog(t)), "brain")

	// --- Assert ---
	select {
	case err := <-served:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("engine did not stop after shutdown")
	}
}

func TestServe_ConfigurationErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	assert.ErrorContains(t, serve(ctx, "carrier-pigeon", env(nil), nil, nil), "unknown protocol")
	assert.ErrorContains(t, serve(ctx, "grpc", env(nil), nil, nil), launcher.EnvAddress)
	assert.ErrorContains(t, serve(ctx, "rank", env(map[string]string{launcher.EnvRank: "x"}), nil, nil), launcher.EnvRank)
}

func TestStubEngine_InvalidSettings(t *testing.T) {
	t.Parallel()

	e := newStubEngine(context.Background(), "physics", newCatalog(t))
	assert.Error(t, e.Initialize(context.Background(), []byte(`{not json`)))
}

func TestCommand_RejectsArguments(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	cmd := newCommand(env(nil), nil, &out, &out)
	cmd.SetArgs([]string{"extra"})
	assert.Error(t, cmd.ExecuteContext(context.Background()))
}
