package launcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/vk/lockstep/internal/config"
	"github.com/vk/lockstep/internal/ctxlog"
	"github.com/vk/lockstep/internal/device"
	"github.com/vk/lockstep/internal/engine"
	"github.com/vk/lockstep/internal/process"
	"github.com/vk/lockstep/internal/transport/grpcwire"
	"github.com/vk/lockstep/internal/transport/jsonl"
	"github.com/vk/lockstep/internal/transport/rank"
)

// Built-in engine types.
const (
	TypeJSONLines = "json_lines"
	TypeGRPC      = "grpc"
	TypeRank      = "rank"
)

// ConnectTimeout bounds how long a launcher waits for a started engine to
// become reachable.
const ConnectTimeout = 10 * time.Second

// RegisterBuiltins registers the launchers for the three wire transports.
// rankListen is the rank hub address; empty picks a free loopback port.
func RegisterBuiltins(ctx context.Context, r *Registry, rankListen string) {
	for _, l := range []Launcher{&JSONLines{}, &GRPC{}, NewRank(rankListen)} {
		_ = r.Register(ctx, l)
	}
}

// start runs the engine's process strategy. On a later failure, the caller
// must stop the returned process.
func start(ctx context.Context, cfg *config.Engine, extraEnv map[string]string) (*process.Process, error) {
	strategy, err := process.Lookup(cfg.LaunchCommand)
	if err != nil {
		return nil, err
	}
	return strategy.Start(ctx, process.Spec{
		Engine:  cfg.Name,
		Command: cfg.Command,
		Args:    cfg.Args,
		Env:     processEnv(cfg, extraEnv),
	})
}

func abandon(ctx context.Context, p *process.Process, err error) (engine.Connection, error) {
	if stopErr := p.Stop(ctx); stopErr != nil {
		err = errors.Join(err, fmt.Errorf("stop process: %w", stopErr))
	}
	return engine.Connection{}, err
}

// JSONLines launches engines that speak newline-delimited JSON, either on
// the stdio of a forked process or on a TCP address.
type JSONLines struct{}

func (*JSONLines) EngineType() string { return TypeJSONLines }

func (*JSONLines) Launch(ctx context.Context, cfg *config.Engine, catalog *device.Catalog) (engine.Connection, error) {
	var extra map[string]string
	if cfg.Address != "" {
		extra = map[string]string{EnvAddress: cfg.Address}
	}
	p, err := start(ctx, cfg, extra)
	if err != nil {
		return engine.Connection{}, err
	}

	if cfg.Address == "" {
		rw := p.Stdio()
		if rw == nil {
			return abandon(ctx, p, fmt.Errorf("engine %q has neither stdio nor an address", cfg.Name))
		}
		return engine.Connection{Transport: jsonl.NewClient(ctx, rw, catalog), Process: p}, nil
	}

	conn, err := dialRetry(ctx, cfg.Address)
	if err != nil {
		return abandon(ctx, p, err)
	}
	return engine.Connection{Transport: jsonl.NewClient(ctx, conn, catalog), Process: p}, nil
}

// dialRetry connects to a TCP address, retrying while a freshly started
// engine is still binding its listener.
func dialRetry(ctx context.Context, address string) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()
	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "tcp", address)
		if err == nil {
			return conn, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("connect %s: %w", address, err)
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// GRPC launches engines serving the gRPC engine service on their address.
type GRPC struct{}

func (*GRPC) EngineType() string { return TypeGRPC }

func (*GRPC) Launch(ctx context.Context, cfg *config.Engine, _ *device.Catalog) (engine.Connection, error) {
	if cfg.Address == "" {
		return engine.Connection{}, fmt.Errorf("engine %q: the grpc transport needs an address", cfg.Name)
	}
	p, err := start(ctx, cfg, map[string]string{EnvAddress: cfg.Address})
	if err != nil {
		return engine.Connection{}, err
	}
	client, err := grpcwire.Dial(ctx, cfg.Address)
	if err != nil {
		return abandon(ctx, p, err)
	}
	return engine.Connection{Transport: client, Process: p}, nil
}

// Rank launches engines into a websocket rank world hosted by the
// orchestrator. Ranks are assigned in launch order starting at 1; engines
// started with the empty strategy must join with the rank they were given
// in the log.
type Rank struct {
	listenAddr string

	mu   sync.Mutex
	hub  *rank.Hub
	srv  *http.Server
	url  string
	next int
}

// NewRank returns a rank launcher whose hub listens on listenAddr, or on a
// free loopback port when listenAddr is empty.
func NewRank(listenAddr string) *Rank {
	if listenAddr == "" {
		listenAddr = "127.0.0.1:0"
	}
	return &Rank{listenAddr: listenAddr}
}

func (*Rank) EngineType() string { return TypeRank }

// ensureHub must be called with mu held.
func (l *Rank) ensureHub(ctx context.Context) error {
	if l.hub != nil {
		return nil
	}
	lis, err := net.Listen("tcp", l.listenAddr)
	if err != nil {
		return fmt.Errorf("rank hub: %w", err)
	}
	l.hub = rank.NewHub(ctx)
	l.srv = &http.Server{Handler: l.hub, ReadHeaderTimeout: 5 * time.Second}
	l.url = "ws://" + lis.Addr().String() + "/"
	go func() { _ = l.srv.Serve(lis) }()
	ctxlog.FromContext(ctx).Info("Rank hub listening.", "url", l.url)
	return nil
}

func (l *Rank) Launch(ctx context.Context, cfg *config.Engine, catalog *device.Catalog) (engine.Connection, error) {
	l.mu.Lock()
	if err := l.ensureHub(ctx); err != nil {
		l.mu.Unlock()
		return engine.Connection{}, err
	}
	l.next++
	r, hub, url := l.next, l.hub, l.url
	l.mu.Unlock()

	ctxlog.FromContext(ctx).Debug("Assigned rank.", "engine", cfg.Name, "rank", r)
	p, err := start(ctx, cfg, map[string]string{EnvRank: strconv.Itoa(r), EnvRankURL: url})
	if err != nil {
		return engine.Connection{}, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()
	if err := hub.WaitForRank(waitCtx, r); err != nil {
		return abandon(ctx, p, err)
	}
	return engine.Connection{Transport: rank.NewClient(hub.Comm(), r, catalog), Process: p}, nil
}

// URL returns the hub address, or "" before the first launch.
func (l *Rank) URL() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.url
}

// Close stops the hub and disconnects every rank.
func (l *Rank) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.hub == nil {
		return nil
	}
	err := errors.Join(l.hub.Close(), l.srv.Close())
	l.hub, l.srv, l.url = nil, nil, ""
	return err
}
