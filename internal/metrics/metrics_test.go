package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/lockstep/internal/manager"
)

func TestCollector_RecordsLoopAndRequests(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	c := NewCollector("")

	// --- Act ---
	c.TickCompleted(5*time.Millisecond, nil)
	c.TickCompleted(5*time.Millisecond, nil)
	c.TickCompleted(time.Second, errors.New("step timeout"))
	c.EngineStepped("physics", time.Millisecond, nil)
	c.RequestHandled("status", time.Millisecond, nil)
	c.RequestHandled("set_running", time.Millisecond, errors.New("invalid state"))

	// --- Assert ---
	assert.Equal(t, 2.0, testutil.ToFloat64(c.ticks.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ticks.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.steps.WithLabelValues("physics", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.requests.WithLabelValues("set_running", "error")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.tickDuration))
}

func TestCollector_PublishTracksStatus(t *testing.T) {
	t.Parallel()

	c := NewCollector("lockstep")
	ctx := context.Background()

	c.Publish(ctx, manager.Status{
		State:   manager.StateRunning,
		SimTime: 1500 * time.Millisecond,
		Engines: []manager.EngineStatus{{Name: "physics", EngineTime: 1500 * time.Millisecond}},
	})
	assert.Equal(t, 1.0, testutil.ToFloat64(c.running))
	assert.Equal(t, 1.5, testutil.ToFloat64(c.simTime))
	assert.Equal(t, 1, testutil.CollectAndCount(c.engineTime))

	c.Publish(ctx, manager.Status{State: manager.StateEmpty})
	assert.Equal(t, 0.0, testutil.ToFloat64(c.running))
	assert.Equal(t, 0, testutil.CollectAndCount(c.engineTime))
}

func TestCollector_Handler(t *testing.T) {
	t.Parallel()

	c := NewCollector("lockstep")
	c.TickCompleted(time.Millisecond, nil)
	srv := httptest.NewServer(c.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body := new(strings.Builder)
	_, err = io.Copy(body, resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body.String(), `lockstep_loop_ticks_total{result="ok"} 1`)
}
