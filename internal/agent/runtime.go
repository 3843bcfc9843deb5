// Package agent wires the configured Services and Clients into a Mux
// backed by a cmio.Driver, and runs the multiplexer tick loop alongside
// an optional NBD export server until the process is asked to stop.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/vsock-bridge/internal/cmio"
	"github.com/tinyrange/vsock-bridge/internal/emulator"
	"github.com/tinyrange/vsock-bridge/internal/mux"
	"github.com/tinyrange/vsock-bridge/internal/nbd"
	"github.com/tinyrange/vsock-bridge/internal/services/echo"
	"github.com/tinyrange/vsock-bridge/internal/services/health"
)

// Runtime is the assembled agent: a Mux driving one CMIO channel, plus an
// optional NBD export server running as a sibling goroutine. The two
// never touch each other's state.
type Runtime struct {
	cfg    *Config
	logger *slog.Logger

	mux *mux.Mux
	nbd *nbd.Server
}

// New builds a Runtime from cfg, driving driver through an emulator
// Adapter. Unknown listener/client types are a configuration error.
func New(cfg *Config, driver cmio.Driver, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}

	adapter := emulator.NewAdapter(driver, logger.With("side", "host"))
	m := mux.New(adapter, logger)

	for _, lc := range cfg.Listeners {
		svc, err := buildListener(lc, logger)
		if err != nil {
			return nil, err
		}
		m.RegisterListener(lc.Port, svc)
	}

	for _, cc := range cfg.Clients {
		cl, err := buildClient(cc, logger)
		if err != nil {
			return nil, err
		}
		m.RegisterClient(cc.Port, cl)
	}

	r := &Runtime{cfg: cfg, logger: logger, mux: m}

	if cfg.NBD != nil {
		export := nbd.NewMemExport(int(cfg.NBD.SizeBytes))
		srv, err := nbd.NewServer(cfg.NBD.Addr, export, logger.With("side", "nbd"))
		if err != nil {
			return nil, fmt.Errorf("agent: starting NBD server: %w", err)
		}
		r.nbd = srv
	}

	return r, nil
}

func buildListener(lc ListenerConfig, logger *slog.Logger) (mux.Service, error) {
	switch lc.Type {
	case "echo":
		return echo.New(logger.With("listener_port", lc.Port)), nil
	default:
		return nil, fmt.Errorf("agent: unknown listener type %q at port %d", lc.Type, lc.Port)
	}
}

func buildClient(cc ClientConfig, logger *slog.Logger) (mux.Client, error) {
	switch cc.Type {
	case "health":
		maxRetries := cc.MaxRetries
		if maxRetries <= 0 {
			maxRetries = 3
		}
		return health.New(cc.TargetHost, maxRetries, logger.With("client_port", cc.Port)), nil
	default:
		return nil, fmt.Errorf("agent: unknown client type %q at port %d", cc.Type, cc.Port)
	}
}

// Mux exposes the assembled multiplexer. In a running Runtime it must only
// be used for introspection: Tick and InitiateConnection belong to
// runMuxLoop's goroutine, and driving them from anywhere else races with it.
func (r *Runtime) Mux() *mux.Mux { return r.mux }

// Run drives the multiplexer loop and (if configured) the NBD server
// until ctx is cancelled or either fails. There is no other shutdown
// signal.
func (r *Runtime) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return r.runMuxLoop(ctx)
	})

	if r.nbd != nil {
		g.Go(func() error {
			return r.nbd.Serve(ctx)
		})
	}

	return g.Wait()
}

// runMuxLoop owns the multiplexer exclusively: it is the only goroutine
// that ever calls Tick or InitiateConnection, preserving a single-threaded
// scheduling model for the multiplexer. Initial connection retries are
// decided here, once per iteration, rather than from a separate timer
// goroutine that would race with Tick.
func (r *Runtime) runMuxLoop(ctx context.Context) error {
	nextAttempt := make(map[uint32]time.Time, len(r.cfg.InitialConnections))
	for _, ic := range r.cfg.InitialConnections {
		nextAttempt[ic.TargetPort] = time.Time{} // zero value: attempt immediately
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		now := time.Now()
		for _, ic := range r.cfg.InitialConnections {
			if r.mux.IsPending(ic.TargetPort) || r.mux.IsEstablished(ic.TargetPort) {
				continue
			}
			if due, ok := nextAttempt[ic.TargetPort]; !ok || now.Before(due) {
				continue
			}
			if err := r.mux.InitiateConnection(ic.ClientPort, ic.TargetPort); err != nil {
				r.logger.Debug("agent: initial connection attempt failed", "client_port", ic.ClientPort, "target_port", ic.TargetPort, "error", err)
			}
			nextAttempt[ic.TargetPort] = now.Add(r.cfg.InitialHandshakeRetryInterval)
		}

		if err := r.mux.Tick(ctx); err != nil {
			return fmt.Errorf("agent: multiplexer tick: %w", err)
		}
	}
}
