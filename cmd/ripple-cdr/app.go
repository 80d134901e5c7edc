package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/api"
	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/cache"
	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/discovery"
	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/fetch"
	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/heading"
	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/host"
	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/identity"
	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/shared/config"
	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/shared/database"
	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/shared/events"
	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/shared/logging"
	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/write"
)

// App holds all application dependencies
type App struct {
	Config *config.Config
	Logger zerolog.Logger

	DB  *database.DB
	Bus *events.Bus

	Hosts      *host.Registry
	Sessions   *host.SessionManager
	Caches     *cache.Sessions
	Fetcher    *fetch.Fetcher
	Writer     *write.Writer
	Engine     *discovery.SyncEngine
	Dispatcher *discovery.Dispatcher
	Headings   []heading.Heading
}

// newApp wires the gateway from configuration. Postgres and KurrentDB are
// only contacted when configured.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*App, error) {
	app := &App{Config: cfg, Logger: logger}

	var identities identity.Store = identity.NewMemoryStore()
	var mappings discovery.MappingStore = discovery.NewMemoryMappings()
	if cfg.Storage.Driver == "postgres" {
		db, err := database.New(ctx, cfg.Database, logging.Component(logger, "postgres"))
		if err != nil {
			return nil, err
		}
		app.DB = db
		if _, err := database.Migrate(ctx, db.Pool, logging.Component(logger, "migrate")); err != nil {
			app.Close(ctx)
			return nil, fmt.Errorf("migration failed: %w", err)
		}
		identities = identity.NewPostgresStore(db.Pool)
		mappings = discovery.NewPostgresMappings(db.Pool)
	}

	var publisher events.Publisher = events.Nop{}
	if cfg.KurrentDB.Enabled {
		bus, err := events.NewBus(cfg.KurrentDB)
		if err != nil {
			app.Close(ctx)
			return nil, err
		}
		app.Bus = bus
		publisher = bus
		logger.Info().Str("host", cfg.KurrentDB.Host).Msg("event journal enabled")
	}

	hosts, err := host.FromConfig(cfg.Hosts, logging.Component(logger, "host"))
	if err != nil {
		app.Close(ctx)
		return nil, err
	}
	app.Hosts = hosts

	app.Sessions = host.NewSessionManager(hosts, cfg.Session.HostTTL, logging.Component(logger, "sessions"))
	app.Caches = cache.NewSessions(cfg.Session.ScopeIdleTTL)

	resolver := identity.NewResolver(identities, logging.Component(logger, "identity"))
	registry := heading.DefaultRegistry()

	app.Fetcher = fetch.New(fetch.Config{
		Sessions:         app.Sessions,
		Identities:       resolver,
		Transformers:     registry,
		Caches:           app.Caches,
		StrictPatientIDs: cfg.Session.StrictPatientIDs,
		Logger:           logging.Component(logger, "fetch"),
	})
	app.Writer = write.New(write.Config{
		Sessions:         app.Sessions,
		Identities:       resolver,
		Transformers:     registry,
		Caches:           app.Caches,
		Fetcher:          app.Fetcher,
		Events:           publisher,
		DefaultHost:      cfg.Writer.DefaultHost,
		StrictPatientIDs: cfg.Session.StrictPatientIDs,
		Logger:           logging.Component(logger, "write"),
	})

	app.Engine = discovery.NewSyncEngine(discovery.EngineConfig{
		Writer:   app.Writer,
		Mappings: mappings,
		Caches:   app.Caches,
		Events:   publisher,
		Host:     cfg.Discovery.Host,
		Logger:   logger,
	})
	if cfg.Discovery.Enabled {
		client := discovery.NewClient(cfg.Discovery.BaseURL, cfg.Discovery.Timeout, logger)
		app.Dispatcher = discovery.NewDispatcher(client, app.Engine, logger)
	}

	for _, s := range cfg.Discovery.Headings {
		h, err := heading.Parse(s)
		if err != nil {
			app.Close(ctx)
			return nil, fmt.Errorf("discovery headings: %w", err)
		}
		app.Headings = append(app.Headings, h)
	}

	return app, nil
}

// Handler builds the HTTP handler of the gateway
func (a *App) Handler() *api.Handler {
	return api.NewHandler(api.Config{
		Reader:     a.Fetcher,
		Writer:     a.Writer,
		Engine:     a.Engine,
		Dispatcher: a.Dispatcher,
		Headings:   a.Headings,
		Teardown:   a.EndSession,
		Logger:     logging.Component(a.Logger, "api"),
	})
}

// ReadyChecks lists the backing services the server depends on
func (a *App) ReadyChecks() map[string]api.ReadyCheck {
	checks := map[string]api.ReadyCheck{}
	if a.DB != nil {
		checks["postgres"] = a.DB.Health
	}
	if a.Bus != nil {
		checks["kurrentdb"] = a.Bus.Health
	}
	return checks
}

// EndSession drops everything held for one user session
func (a *App) EndSession(ctx context.Context, scope string) error {
	a.Caches.Teardown(scope)
	a.Engine.Status().Forget(scope)
	return a.Sessions.Teardown(ctx, scope)
}

// Close stops host sessions and releases every connection
func (a *App) Close(ctx context.Context) error {
	var errs error
	if a.Sessions != nil {
		errs = multierr.Append(errs, a.Sessions.Close(ctx))
	}
	if a.Hosts != nil {
		errs = multierr.Append(errs, a.Hosts.Close())
	}
	if a.Bus != nil {
		a.Bus.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
	return errs
}
