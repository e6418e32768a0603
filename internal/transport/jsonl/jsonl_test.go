package jsonl

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/lockstep/internal/device"
	"github.com/vk/lockstep/internal/testutil"
)

func newCatalog(t *testing.T) *device.Catalog {
	t.Helper()
	cat, err := device.NewCatalog()
	require.NoError(t, err)
	return cat
}

func statusDevice(t *testing.T, cat *device.Catalog, name, engine string, code int64) *device.Device {
	t.Helper()
	d, err := cat.NewDevice(device.NewIdentifier(name, device.TypeStatus, engine))
	require.NoError(t, err)
	return d.MustSet("code", device.Int(code)).
		MustSet("message", device.String("ok")).
		MustSet("payload", device.Bytes([]byte{0, 1, 2}))
}

// pair connects a client to a server that runs fake.
func pair(t *testing.T, fake *testutil.FakeEngine) (*Client, <-chan error) {
	t.Helper()
	ctx, _ := testutil.Context(t)
	clientSide, engineSide := net.Pipe()

	served := make(chan error, 1)
	go func() {
		served <- Serve(ctx, engineSide, engineSide, fake, fake.Catalog)
		_ = engineSide.Close()
	}()
	c := NewClient(ctx, clientSide, fake.Catalog)
	t.Cleanup(func() { _ = c.Close() })
	return c, served
}

func TestClient_RoundTrip(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	cat := newCatalog(t)
	fake := testutil.NewFakeEngine("physics", cat)
	out := statusDevice(t, cat, "counter", "physics", 41)
	fake.Publish(out)
	c, served := pair(t, fake)
	ctx := context.Background()

	// --- Act & Assert ---
	require.NoError(t, c.Initialize(ctx, []byte(`{"world":"empty.sdf"}`)))
	assert.JSONEq(t, `{"world":"empty.sdf"}`, string(fake.Config()))

	now, err := c.RunStep(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Millisecond, now)

	in := statusDevice(t, cat, "command", "brain", 7)
	require.NoError(t, c.SetDevices(ctx, []*device.Device{in}))
	received := fake.Received()
	require.Len(t, received, 1)
	assert.True(t, received[0][0].Equal(in), "pushed %s, engine saw %s", in, received[0][0])

	got, err := c.GetDevices(ctx, []device.Identifier{out.ID()})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Equal(out))

	require.NoError(t, c.Shutdown(ctx))
	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("server did not stop after shutdown")
	}
	assert.Equal(t, 1, fake.Shutdowns())
}

func TestClient_OpaqueValuesKeepTheirBytes(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	cat := newCatalog(t)
	fake := testutil.NewFakeEngine("brain", cat)
	c, _ := pair(t, fake)
	ctx := context.Background()

	state, err := device.Opaque([]byte(`{"expr": "a<b && c>d"}`))
	require.NoError(t, err)
	in := statusDevice(t, cat, "script", "brain", 1).MustSet("state", state)
	fake.Publish(in)

	// --- Act ---
	require.NoError(t, c.SetDevices(ctx, []*device.Device{in}))
	got, err := c.GetDevices(ctx, []device.Identifier{in.ID()})

	// --- Assert ---
	require.NoError(t, err)
	require.Len(t, got, 1)
	received := fake.Received()
	require.Len(t, received, 1)
	assert.True(t, received[0][0].Equal(in), "pushed %s, engine saw %s", in, received[0][0])
	assert.True(t, got[0].Equal(in), "published %s, pulled %s", in, got[0])
	v, _ := got[0].Get("state")
	assert.Equal(t, `{"expr":"a<b && c>d"}`, string(v.AsBytes()))
}

func TestClient_EngineErrorIsReturned(t *testing.T) {
	t.Parallel()

	fake := testutil.NewFakeEngine("physics", newCatalog(t))
	fake.StepErr = errors.New("solver diverged")
	c, _ := pair(t, fake)

	_, err := c.RunStep(context.Background(), time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "solver diverged")
}

func TestClient_ClosedStreamFailsPendingRequest(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	fake := testutil.NewFakeEngine("physics", newCatalog(t))
	fake.Gate = make(chan struct{})
	defer close(fake.Gate)
	c, _ := pair(t, fake)

	// --- Act ---
	errs := make(chan error, 1)
	go func() {
		_, err := c.RunStep(context.Background(), time.Millisecond)
		errs <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, c.Close())

	// --- Assert ---
	select {
	case err := <-errs:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("pending request was not released")
	}
	_, err := c.RunStep(context.Background(), time.Millisecond)
	require.ErrorIs(t, err, ErrClosed)
}

func TestClient_ContextCancelsWait(t *testing.T) {
	t.Parallel()

	fake := testutil.NewFakeEngine("physics", newCatalog(t))
	fake.Gate = make(chan struct{})
	defer close(fake.Gate)
	c, _ := pair(t, fake)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.RunStep(ctx, time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
