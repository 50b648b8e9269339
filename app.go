package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/kodiq/kodiqd/internal/chat"
	"github.com/kodiq/kodiqd/internal/config"
	"github.com/kodiq/kodiqd/internal/database"
	"github.com/kodiq/kodiqd/internal/events"
	"github.com/kodiq/kodiqd/internal/handlers"
	"github.com/kodiq/kodiqd/internal/logging"
	"github.com/kodiq/kodiqd/internal/metrics"
	"github.com/kodiq/kodiqd/internal/middleware"
	"github.com/kodiq/kodiqd/internal/sshmanager"
	"github.com/kodiq/kodiqd/internal/sshterminal"
	"github.com/kodiq/kodiqd/internal/sshtunnel"
	"github.com/kodiq/kodiqd/internal/terminal"
)

const (
	shutdownTimeout = 10 * time.Second
	drainTimeout    = 3 * time.Second
)

// App owns every engine of the daemon.
type App struct {
	Bus          *events.Bus
	Terminals    *terminal.Manager
	SSH          *sshmanager.Manager
	SSHTerminals *sshterminal.Manager
	Forwards     *sshtunnel.Manager
	Chat         *chat.Runner

	ctx    context.Context
	cancel context.CancelFunc
	log    zerolog.Logger
}

// NewApp builds the engines from cfg. The database must be initialized.
func NewApp(cfg config.Settings) *App {
	ctx, cancel := context.WithCancel(context.Background())
	bus := events.NewBus()
	conns := sshmanager.New(sshmanager.Options{
		ConnectTimeout: cfg.SSHConnectTimeout,
		TestTimeout:    cfg.SSHTestTimeout,
		ExecTimeout:    cfg.SSHExecTimeout,
		HomeTimeout:    cfg.SSHHomeTimeout,
		HealthSchedule: cfg.SSHHealthSchedule,
		Stats:          database.ConnectStats{},
	})
	a := &App{
		Bus: bus,
		Terminals: terminal.NewManager(bus, terminal.Options{
			DefaultShell:   cfg.DefaultShell,
			ScrollbackSize: cfg.ScrollbackSize,
		}),
		SSH:          conns,
		SSHTerminals: sshterminal.NewManager(conns, bus, sshterminal.Options{ScrollbackSize: cfg.ScrollbackSize}),
		Forwards:     sshtunnel.NewManager(conns, sshtunnel.Options{StopPolicy: cfg.ForwardStopPolicy}),
		Chat:         chat.NewRunner(bus, cfg.ChatCwd),
		ctx:          ctx,
		cancel:       cancel,
		log:          logging.Module("app"),
	}
	conns.OnStateChange(func(id string, _, to sshmanager.Status) {
		if to == sshmanager.StatusConnected {
			go a.autoStartForwards(id)
		}
	})
	return a
}

// autoStartForwards starts the saved auto-start rules of a profile that just
// connected. Rules with a running forward are skipped.
func (a *App) autoStartForwards(connID string) {
	saved, err := database.ListAutoStartRules(connID)
	if err != nil {
		a.log.Error().Err(err).Str("connection", logging.Sanitize(connID)).Msg("load auto-start rules")
		return
	}
	if len(saved) == 0 {
		return
	}
	rules := make([]sshtunnel.Rule, len(saved))
	for i, r := range saved {
		rules[i] = sshtunnel.Rule{ID: r.ID, LocalPort: r.LocalPort, RemoteHost: r.RemoteHost, RemotePort: r.RemotePort}
	}
	started, errs := a.Forwards.StartRules(a.ctx, connID, rules)
	a.log.Info().Str("connection", logging.Sanitize(connID)).
		Int("started", len(started)).Int("failed", len(errs)).Msg("auto-start forwards")
}

// Router builds the HTTP surface.
func (a *App) Router(metricsEnabled bool) http.Handler {
	api := &handlers.API{
		Terminals:    a.Terminals,
		SSH:          a.SSH,
		SSHTerminals: a.SSHTerminals,
		Forwards:     a.Forwards,
		Chat:         a.Chat,
		Bus:          a.Bus,
	}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger)

	r.Get("/health", handlers.HealthCheck)
	if metricsEnabled {
		r.Handle("/metrics", metrics.Handler())
	}
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequireToken)
		api.Routes(r)
	})
	r.NotFound(handlers.NotFound)
	return r
}

// Serve runs the HTTP server until ctx ends, then shuts every engine down.
func (a *App) Serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info().Str("addr", addr).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		a.Close()
		return err
	})
	return g.Wait()
}

// Close stops every session, forward and connection.
func (a *App) Close() {
	a.cancel()
	a.Chat.Stop()
	a.Terminals.CloseAll()
	a.SSHTerminals.CloseAll(drainTimeout)
	a.Forwards.CloseAll(drainTimeout)
	a.SSH.CloseAll()
	a.Bus.Close()
	a.log.Info().Msg("all sessions closed")
}
