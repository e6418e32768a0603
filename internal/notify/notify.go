// Package notify publishes simulation status changes to a socket.io server.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/vk/lockstep/internal/ctxlog"
	"github.com/vk/lockstep/internal/manager"
	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"
)

// StatusEvent is the socket.io event carrying a status snapshot.
const StatusEvent = "simulation_status"

// ConnectTimeout bounds Dial when ctx has no deadline.
const ConnectTimeout = 15 * time.Second

// Publisher emits manager status snapshots. It implements manager.Notifier.
type Publisher struct {
	sid       string
	emit      func(event string, data any)
	connected func() bool
	close     func()

	mu     sync.Mutex
	closed bool
}

// Dial connects to the socket.io server at rawURL. The URL path selects the
// socket.io endpoint path, namespace the socket.io namespace.
func Dial(ctx context.Context, rawURL, namespace string) (*Publisher, error) {
	logger := ctxlog.FromContext(ctx).With("notify_url", rawURL)

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse notify URL: %w", err)
	}
	if namespace == "" {
		namespace = "/"
	}

	opts := socket.DefaultOptions()
	if parsed.Path != "" {
		opts.SetPath(parsed.Path)
	}
	opts.SetTransports(types.NewSet(transports.WebSocket))
	opts.SetReconnection(false)

	baseURL := fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host)
	io := socket.NewManager(baseURL, opts).Socket(namespace, opts)

	connected := make(chan error, 1)
	report := func(err error) {
		select {
		case connected <- err:
		default:
		}
	}
	io.Once(types.EventName("connect"), func(...any) {
		report(nil)
	})
	io.Once(types.EventName("connect_error"), func(errs ...any) {
		err := fmt.Errorf("connect_error")
		if len(errs) > 0 {
			if e, ok := errs[0].(error); ok {
				err = e
			}
		}
		report(err)
	})
	io.Connect()

	timer := time.NewTimer(ConnectTimeout)
	defer timer.Stop()
	select {
	case err := <-connected:
		if err != nil {
			io.Disconnect()
			return nil, fmt.Errorf("socket.io connection failed: %w", err)
		}
	case <-ctx.Done():
		io.Disconnect()
		return nil, fmt.Errorf("context cancelled while waiting for socket.io connection: %w", ctx.Err())
	case <-timer.C:
		io.Disconnect()
		return nil, fmt.Errorf("timed out after %s waiting for socket.io connection", ConnectTimeout)
	}

	logger.Info("Status publisher connected.", "sid", io.Id())
	return &Publisher{
		sid:       string(io.Id()),
		emit:      func(event string, data any) { io.Emit(event, data) },
		connected: io.Connected,
		close:     func() { io.Disconnect() },
	}, nil
}

// Publish emits s as a StatusEvent. Snapshots published while the socket
// is down are dropped.
func (p *Publisher) Publish(ctx context.Context, s manager.Status) {
	logger := ctxlog.FromContext(ctx).With("sid", p.sid)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || !p.connected() {
		logger.Debug("Status publisher is not connected; dropping status.", "state", s.State)
		return
	}
	data, err := payload(s)
	if err != nil {
		logger.Warn("Failed to encode status.", "error", err)
		return
	}
	p.emit(StatusEvent, data)
}

// Close disconnects the socket. It is safe to call more than once.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.close()
	return nil
}

// payload converts s to the generic JSON shape socket.io serializes.
func payload(s manager.Status) (map[string]any, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
