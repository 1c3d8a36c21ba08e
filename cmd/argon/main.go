package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/throw-if-null/argon/internal/broadcast"
	"github.com/throw-if-null/argon/internal/config"
	"github.com/throw-if-null/argon/internal/driver"
	"github.com/throw-if-null/argon/internal/orchestrator"
	"github.com/throw-if-null/argon/internal/paths"
	"github.com/throw-if-null/argon/internal/planner"
	"github.com/throw-if-null/argon/internal/safety"
	"github.com/throw-if-null/argon/internal/server"
	"github.com/throw-if-null/argon/internal/store"
	"github.com/throw-if-null/argon/internal/telemetry"
	"github.com/throw-if-null/argon/internal/version"
)

// Seams overridden by tests.
var (
	dotenvLoad    = config.LoadEnv
	telemetryInit = telemetry.Init
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := build(ctx)
	if err != nil {
		log.Fatalf("argon: %v", err)
	}

	srv := &http.Server{Addr: d.addr, Handler: d.handler, ReadHeaderTimeout: 10 * time.Second}
	// end open event streams so Shutdown can drain
	srv.RegisterOnShutdown(d.events.Close)

	errc := make(chan error, 1)
	go func() {
		log.Printf("%s listening on http://%s", version.String(), d.addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Printf("argon: serve: %v", err)
		}
	case <-ctx.Done():
		log.Printf("argon: shutting down")
	}

	sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Printf("argon: http shutdown: %v", err)
	}
	if err := d.shutdown(sctx); err != nil {
		log.Printf("argon: shutdown: %v", err)
	}
}

type daemon struct {
	addr     string
	handler  http.Handler
	events   *broadcast.Hub
	shutdown func(context.Context) error
}

// setup wires the daemon for the working directory and returns its HTTP
// handler and a shutdown func that stops workers and flushes telemetry.
func setup(ctx context.Context) (http.Handler, func(context.Context) error, error) {
	d, err := build(ctx)
	if err != nil {
		return nil, nil, err
	}
	return d.handler, d.shutdown, nil
}

func build(ctx context.Context) (_ *daemon, err error) {
	root, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	if err := dotenvLoad(root); err != nil {
		log.Printf("argon: %v", err)
	}

	res := config.Load(root)
	if res.ParseError != nil {
		log.Printf("argon: ignoring %s: %v", res.Path, res.ParseError)
	}
	cfg := res.Config
	if err := config.ApplyEnv(&cfg); err != nil {
		return nil, err
	}

	// closers run in reverse on failure and on shutdown
	var closers []func(context.Context) error
	closeAll := func(ctx context.Context) error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i](ctx))
		}
		return errors.Join(errs...)
	}
	defer func() {
		if err != nil {
			_ = closeAll(context.Background())
		}
	}()

	shutdownTelemetry, err := telemetryInit(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version.Version,
		OTLPEndpoint:   cfg.Telemetry.Endpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	closers = append(closers, shutdownTelemetry)

	st, closeStore, err := openStore(root, cfg.Store)
	if err != nil {
		return nil, err
	}
	closers = append(closers, func(context.Context) error { return closeStore() })

	auditPath := cfg.Safety.AuditLog
	if auditPath != "" && auditPath != "-" {
		if auditPath, err = paths.Resolve(root, auditPath); err != nil {
			return nil, fmt.Errorf("audit log path: %w", err)
		}
	}
	audit, auditCloser, err := safety.OpenAuditLog(auditPath)
	if err != nil {
		return nil, err
	}
	closers = append(closers, func(context.Context) error { return auditCloser.Close() })

	pl, closePlanner, err := planner.New(ctx, cfg.Planner)
	if err != nil {
		return nil, fmt.Errorf("planner: %w", err)
	}
	closers = append(closers, func(context.Context) error { return closePlanner() })

	sessions, err := driver.New(cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("driver: %w", err)
	}
	manual, err := sessions.Open(ctx, "manual")
	if err != nil {
		return nil, fmt.Errorf("driver: %w", err)
	}
	closers = append(closers, func(context.Context) error { return manual.Close() })

	hub := broadcast.NewHub()
	closers = append(closers, func(context.Context) error { hub.Close(); return nil })

	orch := orchestrator.New(orchestrator.Options{
		Store:    st,
		Planner:  pl,
		Driver:   manual,
		Sessions: sessions,
		Safety:   safety.New(cfg.Safety, audit),
		Events:   hub,
		Config:   cfg.Orchestrator,
	})
	closers = append(closers, orch.Close)

	log.Printf("argon: store=%s planner=%s driver=%s safety=%v", cfg.Store.Driver, cfg.Planner.Provider, cfg.Driver.Kind, cfg.Safety.Enabled)
	return &daemon{
		addr:     fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		handler:  server.NewServer(orch, hub).Handler(),
		events:   hub,
		shutdown: closeAll,
	}, nil
}

// openStore opens the configured task store. The sqlite store is reconciled
// before any worker starts: tasks left live by a previous run are failed.
func openStore(root string, cfg config.StoreConfig) (orchestrator.Store, func() error, error) {
	switch cfg.Driver {
	case "memory":
		s := store.NewMemory()
		return s, s.Close, nil
	case "", "sqlite":
		path, err := paths.Resolve(root, cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("store path: %w", err)
		}
		s, err := store.Open(path)
		if err != nil {
			return nil, nil, err
		}
		ids, err := s.ReconcileInterrupted()
		if err != nil {
			s.Close()
			return nil, nil, fmt.Errorf("reconcile: %w", err)
		}
		for _, id := range ids {
			log.Printf("argon: task %s: marked interrupted (crash recovery)", id)
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
