// Package fleet assembles and runs the fleetd server: storage, caches,
// session managers, the job orchestrator, the REST/WS listener, and the
// background maintenance schedule.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fleetd-io/fleetd/internal/agent"
	"github.com/fleetd-io/fleetd/internal/api"
	"github.com/fleetd-io/fleetd/internal/auth"
	"github.com/fleetd-io/fleetd/internal/cache"
	"github.com/fleetd-io/fleetd/internal/client"
	"github.com/fleetd-io/fleetd/internal/config"
	"github.com/fleetd-io/fleetd/internal/events"
	"github.com/fleetd-io/fleetd/internal/jobs"
	"github.com/fleetd-io/fleetd/internal/secrets"
	"github.com/fleetd-io/fleetd/internal/store"
	"github.com/fleetd-io/fleetd/internal/terminal"
	"github.com/fleetd-io/fleetd/pkg/protocol"
)

// Fleet is a fully wired fleetd server.
type Fleet struct {
	cfg    *config.Config
	logger *slog.Logger

	store store.Store
	cache *cache.Cache
	bus   *events.Bus
	cron  *cron.Cron
	http  *http.Server
}

// New wires all components. The cache is warmed from the store before the
// listener is exposed, so the first request never sees an empty projection.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Fleet, error) {
	st, err := store.New(cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	c := cache.New()
	if err := c.Warm(ctx, st); err != nil {
		st.Close()
		return nil, fmt.Errorf("warm cache: %w", err)
	}
	logger.Info("cache warmed", "machines", c.Len())

	sec, err := secrets.New(cfg.Auth.MasterSecret)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("init secrets: %w", err)
	}

	authProvider, err := auth.NewProvider(ctx, cfg.Auth, st)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("init auth: %w", err)
	}
	if err := authProvider.Bootstrap(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("bootstrap auth: %w", err)
	}
	logger.Info("auth provider ready", "provider", authProvider.Name())

	bus := events.New()
	term := terminal.NewService(st, *cfg, logger)
	term.SetEventBus(bus)
	agents := agent.NewManager(st, c, bus, sec, term, *cfg, logger)
	orch := jobs.NewOrchestrator(st, c, bus, agents, cfg.Jobs, logger)
	agents.SetCommandSink(orch)
	clients := client.NewManager(bus, authProvider, term, agents, *cfg, logger)

	server := api.NewServer(st, c, bus, authProvider, orch, agents, clients, *cfg, logger)

	f := &Fleet{
		cfg:    cfg,
		logger: logger.With("component", "fleet"),
		store:  st,
		cache:  c,
		bus:    bus,
		cron:   cron.New(),
		http: &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           server,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	if err := f.scheduleMaintenance(); err != nil {
		st.Close()
		return nil, fmt.Errorf("schedule maintenance: %w", err)
	}
	return f, nil
}

// scheduleMaintenance registers the recurring sweeps: silent-agent offlining
// every minute, retention purges hourly.
func (f *Fleet) scheduleMaintenance() error {
	if _, err := f.cron.AddFunc("* * * * *", f.sweepSilentMachines); err != nil {
		return err
	}
	if _, err := f.cron.AddFunc("@hourly", f.purgeRetention); err != nil {
		return err
	}
	return nil
}

// sweepSilentMachines catches agents whose TCP connection died without a
// close frame: anything not seen within the offline threshold is flipped
// offline in the store, the cache, and the broadcast stream.
func (f *Fleet) sweepSilentMachines() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := time.Now().Add(-f.cfg.Heartbeat.OfflineAfter.Duration)
	ids, err := f.store.MarkSilentMachinesOffline(ctx, cutoff)
	if err != nil {
		f.logger.Error("silent machine sweep", "error", err)
		return
	}
	for _, id := range ids {
		f.cache.SetStatus(id, store.MachineOffline, time.Now())
		f.bus.PublishType(protocol.EventMachineStatusChanged, map[string]string{
			"machineId": id,
			"status":    store.MachineOffline,
		})
	}
	if len(ids) > 0 {
		f.logger.Info("silent machines marked offline", "count", len(ids))
	}
}

func (f *Fleet) purgeRetention() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if n, err := f.store.PurgeOldMetrics(ctx, time.Now().Add(-f.cfg.Storage.MetricRetention.Duration)); err != nil {
		f.logger.Error("metric purge", "error", err)
	} else if n > 0 {
		f.logger.Info("metrics purged", "rows", n)
	}

	if n, err := f.store.PurgeOldAuditEvents(ctx, time.Now().Add(-f.cfg.Storage.AuditRetention.Duration)); err != nil {
		f.logger.Error("audit purge", "error", err)
	} else if n > 0 {
		f.logger.Info("audit events purged", "rows", n)
	}
}

// Run serves until the context is canceled, then shuts down gracefully.
func (f *Fleet) Run(ctx context.Context) error {
	f.cron.Start()

	errCh := make(chan error, 1)
	go func() {
		var err error
		if f.cfg.Server.TLSCert != "" && f.cfg.Server.TLSKey != "" {
			f.logger.Info("listening", "addr", f.cfg.Server.Addr, "tls", true)
			err = f.http.ListenAndServeTLS(f.cfg.Server.TLSCert, f.cfg.Server.TLSKey)
		} else {
			f.logger.Info("listening", "addr", f.cfg.Server.Addr, "tls", false)
			err = f.http.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		f.shutdown()
		return err
	case <-ctx.Done():
		f.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := f.http.Shutdown(shutdownCtx); err != nil {
			f.logger.Warn("http shutdown", "error", err)
		}
		f.shutdown()
		return nil
	}
}

func (f *Fleet) shutdown() {
	stopCtx := f.cron.Stop()
	<-stopCtx.Done()
	f.bus.Close()
	if err := f.store.Close(); err != nil {
		f.logger.Warn("store close", "error", err)
	}
}
