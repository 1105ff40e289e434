package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/agentworkforce/outreachdesk/internal/config"
	"github.com/agentworkforce/outreachdesk/internal/draftsync"
	"github.com/agentworkforce/outreachdesk/internal/httpapi"
	"github.com/agentworkforce/outreachdesk/internal/logging"
	"github.com/agentworkforce/outreachdesk/internal/mirror"
	"github.com/agentworkforce/outreachdesk/internal/outbox"
	"github.com/agentworkforce/outreachdesk/internal/outreach"
	"github.com/agentworkforce/outreachdesk/internal/remote"
)

const shutdownTimeout = 10 * time.Second

type daemon struct {
	cfg       config.Config
	logger    logging.Logger
	store     remote.Store
	outbox    draftsync.Outbox
	syncers   []*draftsync.Syncer
	intervals map[string]time.Duration
	mirror    *mirror.Mirror
	handler   http.Handler
	closeOnce sync.Once
}

func newDaemon(cfg config.Config, logger logging.Logger) (*daemon, error) {
	logger = logging.OrNop(logger)
	store, err := remote.BuildStoreFromDSN(cfg.Store.DSN, cfg.Store.APIKey)
	if err != nil {
		return nil, fmt.Errorf("build store: %w", err)
	}
	switch typed := store.(type) {
	case *remote.HTTPStore:
		if cfg.Store.BearerToken != "" {
			typed.WithBearerToken(cfg.Store.BearerToken)
		}
	case *remote.MemoryStore:
		if cfg.Store.Seed {
			if _, err := outreach.SeedMemory(typed, time.Now().UTC()); err != nil {
				_ = store.Close()
				return nil, err
			}
			logger.Info(context.Background(), "memory store seeded with demo data")
		}
	}

	box, err := outbox.BuildFromDSN(cfg.Outbox.DSN)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("build outbox: %w", err)
	}

	d := &daemon{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		outbox:    box,
		intervals: map[string]time.Duration{},
	}
	for _, settings := range cfg.EnabledTables() {
		table, ok := outreach.TableByName(settings.Name)
		if !ok {
			d.close()
			return nil, fmt.Errorf("%w: unknown table %s", draftsync.ErrInvalidInput, settings.Name)
		}
		syncer, err := draftsync.NewSyncer(store, draftsync.Options{
			Table:           table,
			DebounceDelay:   cfg.Sync.DebounceDelay.Std(),
			WriteTimeout:    cfg.Sync.WriteTimeout.Std(),
			RefreshTimeout:  cfg.Sync.RefreshTimeout.Std(),
			Retry:           cfg.RetryPolicy(),
			DetectConflicts: cfg.Sync.DetectConflicts,
			Outbox:          box,
			Logger:          logger.With("table", settings.Name),
		})
		if err != nil {
			d.close()
			return nil, fmt.Errorf("syncer %s: %w", settings.Name, err)
		}
		d.syncers = append(d.syncers, syncer)
		d.intervals[settings.Name] = settings.RefreshInterval
	}

	if cfg.Mirror.Dir != "" {
		targets := make([]mirror.Target, 0, len(d.syncers))
		for _, syncer := range d.syncers {
			targets = append(targets, syncer)
		}
		m, err := mirror.New(cfg.Mirror.Dir, targets, mirror.Options{Logger: logger.With("component", "mirror")})
		if err != nil {
			d.close()
			return nil, fmt.Errorf("mirror: %w", err)
		}
		d.mirror = m
	}

	d.handler = httpapi.NewServerWithConfig(d.syncers, store, httpapi.ServerConfig{
		JWTSecret:       cfg.Auth.JWTSecret,
		RateLimitMax:    cfg.Auth.RateLimitMax,
		RateLimitWindow: cfg.Auth.RateLimitWindow.Std(),
		MaxBodyBytes:    cfg.Auth.MaxBodyBytes,
		Logger:          logger.With("component", "httpapi"),
	})
	return d, nil
}

// run restores outboxed drafts, starts the refresh loops, the mirror and the
// HTTP server, and blocks until ctx is done. A value on hangup refreshes every
// table. ready, when not nil, receives the listen address once serving.
func (d *daemon) run(ctx context.Context, hangup <-chan os.Signal, ready chan<- net.Addr) error {
	defer d.close()

	for _, syncer := range d.syncers {
		if _, err := syncer.Restore(ctx); err != nil {
			d.logger.Warn(ctx, "outbox restore failed", "table", syncer.Table().Name, "error", err)
		}
	}

	listener, err := net.Listen("tcp", d.cfg.Addr)
	if err != nil {
		return err
	}
	server := &http.Server{Handler: d.handler, ReadHeaderTimeout: 10 * time.Second}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	for _, syncer := range d.syncers {
		wg.Add(1)
		go func(syncer *draftsync.Syncer) {
			defer wg.Done()
			_ = syncer.Run(runCtx, d.intervals[syncer.Table().Name], d.cfg.Sync.RefreshJitter)
		}(syncer)
	}
	if d.mirror != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.mirror.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				d.logger.Error(runCtx, "mirror stopped", "error", err)
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(listener)
	}()
	d.logger.Info(ctx, "outreachdesk listening", "addr", listener.Addr().String(), "tables", len(d.syncers))
	if ready != nil {
		ready <- listener.Addr()
	}

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err := <-serveErr:
			if !errors.Is(err, http.ErrServerClosed) {
				runErr = err
			}
			break loop
		case <-hangup:
			d.logger.Info(ctx, "hangup received, refreshing all tables")
			d.refreshAll(ctx)
		}
	}

	d.logger.Info(context.Background(), "shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn(shutdownCtx, "http shutdown incomplete", "error", err)
	}
	cancel()
	wg.Wait()
	return runErr
}

func (d *daemon) refreshAll(ctx context.Context) {
	for _, syncer := range d.syncers {
		refreshCtx, cancel := context.WithTimeout(ctx, d.cfg.Sync.RefreshTimeout.Std())
		if err := syncer.Refresh(refreshCtx); err != nil {
			d.logger.Warn(ctx, "refresh failed", "table", syncer.Table().Name, "error", err)
		}
		cancel()
	}
}

// close stops the syncers, which moves drafts still waiting on their debounce
// timer into the outbox, then releases the outbox and store.
func (d *daemon) close() {
	d.closeOnce.Do(func() {
		for _, syncer := range d.syncers {
			_ = syncer.Close()
		}
		if d.outbox != nil {
			if err := d.outbox.Close(); err != nil {
				d.logger.Warn(context.Background(), "outbox close failed", "error", err)
			}
		}
		if err := d.store.Close(); err != nil {
			d.logger.Warn(context.Background(), "store close failed", "error", err)
		}
	})
}
