package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"proctord/internal/config"
	"proctord/internal/health"
	"proctord/internal/logging"
	"proctord/internal/metrics"
	"proctord/internal/session"
	"proctord/internal/store"
	"proctord/internal/ws"
)

const (
	housekeepingInterval = time.Minute
	pruneInterval        = time.Hour
)

// daemon owns every long-lived component of a running proctord.
type daemon struct {
	cfg    *config.Config
	opts   options
	loader *config.Loader
	log    *logging.Logger
	logger *slog.Logger

	store   *store.Store
	journal *store.Journal
	metrics *metrics.ProctorMetrics
	health  *health.Checker
	manager *session.Manager
	server  *ws.Server
}

func newDaemon(cfg *config.Config, loader *config.Loader, opts options) (*daemon, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	lc, err := logging.FromSettings(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output,
		cfg.Logging.FilePath, cfg.Logging.MaxSizeMB, cfg.Logging.MaxBackups)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	log, err := logging.New(lc)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}

	d := &daemon{
		cfg:    cfg,
		opts:   opts,
		loader: loader,
		log:    log,
		logger: log.Logger,
		health: health.NewChecker(),
	}
	if err := d.setup(); err != nil {
		d.close()
		return nil, err
	}
	return d, nil
}

func (d *daemon) setup() error {
	var observers []session.Observer
	var serverOpts []ws.ServerOption

	if d.cfg.Storage.Enabled {
		st, err := store.Open(d.cfg.Storage.Path)
		if err != nil {
			return fmt.Errorf("open audit store: %w", err)
		}
		d.store = st
		d.journal = store.NewJournal(st, d.cfg.Storage.JournalBuffer, d.log.WithComponent("journal"))
		observers = append(observers, d.journal)
		serverOpts = append(serverOpts, ws.WithStore(st))

		d.health.RegisterFunc("database", true, health.DatabaseCheck(func(context.Context) error {
			return st.Ping()
		}))
		d.health.RegisterFunc("journal", false, health.JournalCheck(func() uint64 {
			return uint64(d.journal.Dropped())
		}))
		d.snapshotConfig(d.cfg, "startup")
	}

	if d.cfg.Metrics.Enabled {
		d.metrics = metrics.NewProctorMetrics(metrics.NewRegistry("proctord"))
		observers = append(observers, d.metrics)
		serverOpts = append(serverOpts, ws.WithMetrics(d.metrics))
	}

	sessCfg, err := d.cfg.ToSession()
	if err != nil {
		return fmt.Errorf("session config: %w", err)
	}
	d.manager, err = session.NewManager(sessCfg, d.log.WithComponent("session"), observers...)
	if err != nil {
		return err
	}
	d.health.RegisterFunc("sessions", false, health.SessionsCheck(d.manager.Len, 0))
	serverOpts = append(serverOpts, ws.WithHealth(d.health))

	d.server, err = ws.NewServer(d.manager, ws.OptionsFromConfig(d.cfg), d.logger, serverOpts...)
	if err != nil {
		return err
	}

	d.loader.OnChange(d.reload)
	if err := d.loader.Watch(); err != nil {
		d.logger.Warn("config hot reload disabled", "error", err)
	}
	return nil
}

// reload applies a changed config file. Transport and storage settings need
// a restart; the detection sections apply to sessions created afterwards.
func (d *daemon) reload(cfg *config.Config) {
	applyFlags(cfg, d.opts)

	sessCfg, err := cfg.ToSession()
	if err == nil {
		err = d.manager.SetConfig(sessCfg)
	}
	if err != nil {
		d.logger.Error("config reload rejected", "error", err)
		return
	}
	if cfg.Server.Addr != d.cfg.Server.Addr {
		d.logger.Warn("server.addr changed, restart to apply", "addr", cfg.Server.Addr)
	}
	d.logger.Info("config reloaded")
	d.snapshotConfig(cfg, "reload")
}

func (d *daemon) snapshotConfig(cfg *config.Config, reason string) {
	if d.store == nil {
		return
	}
	data, err := cfg.Encode()
	if err == nil {
		_, err = d.store.SaveConfigSnapshot(config.Version, data, reason)
	}
	if err != nil {
		d.logger.Warn("config snapshot failed", "reason", reason, "error", err)
	}
}

func (d *daemon) run(ctx context.Context) error {
	defer d.close()

	ln, err := net.Listen("tcp", d.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", d.cfg.Server.Addr, err)
	}

	httpServer := &http.Server{
		Handler:           d.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	go d.housekeeping(ctx)
	go d.watchConfigErrors(ctx)

	d.health.SetReady(true)
	d.logger.Info("proctord started", "version", version, "addr", ln.Addr().String())

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	}

	d.health.SetReady(false)
	d.logger.Info("shutting down")

	timeout := time.Duration(d.cfg.Server.ShutdownTimeoutSec) * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// Hijacked WebSocket connections are not tracked by Shutdown.
	d.server.Close()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn("http shutdown", "error", err)
	}
	return nil
}

// housekeeping publishes journal statistics and prunes expired audit
// trails.
func (d *daemon) housekeeping(ctx context.Context) {
	defer logging.Recover(d.logger, "housekeeping", nil)

	stats := time.NewTicker(housekeepingInterval)
	defer stats.Stop()
	prune := time.NewTicker(pruneInterval)
	defer prune.Stop()

	d.prune()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stats.C:
			if d.journal != nil && d.metrics != nil {
				d.metrics.JournalDropped.Set(d.journal.Dropped())
			}
		case <-prune.C:
			d.prune()
		}
	}
}

func (d *daemon) prune() {
	if d.store == nil || d.cfg.Storage.RetentionDays <= 0 {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -d.cfg.Storage.RetentionDays)
	n, err := d.store.PruneBefore(cutoff)
	if err != nil {
		d.logger.Error("prune audit store", "error", err)
		return
	}
	if n > 0 {
		d.logger.Info("pruned audit sessions", "count", n, "cutoff", cutoff)
	}
}

func (d *daemon) watchConfigErrors(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-d.loader.Errors():
			d.logger.Error("config reload failed", "error", err)
		}
	}
}

// close releases components in reverse dependency order. It tolerates a
// partially built daemon.
func (d *daemon) close() {
	if d.manager != nil {
		d.manager.Close()
	}
	if d.journal != nil {
		d.journal.Close()
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Warn("close audit store", "error", err)
		}
	}
	d.loader.Close()
	d.log.Close()
}
