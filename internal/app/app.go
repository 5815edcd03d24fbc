// Package app provides application initialization and wiring.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/terracat/terracat/internal/adapters/catalog"
	httpAdapter "github.com/terracat/terracat/internal/adapters/http"
	"github.com/terracat/terracat/internal/adapters/metrics"
	"github.com/terracat/terracat/internal/adapters/provider"
	tlsAdapter "github.com/terracat/terracat/internal/adapters/tls"
	"github.com/terracat/terracat/internal/adapters/watcher"
	"github.com/terracat/terracat/internal/application"
	"github.com/terracat/terracat/internal/config"
	"github.com/terracat/terracat/internal/ports/output"
)

// App holds all application components.
type App struct {
	Config     *config.Config
	Logger     *slog.Logger
	Drivers    application.Drivers
	Providers  application.Providers
	Catalog    *catalog.Store
	Transforms *application.TransformRegistry
	Assets     *application.AssetService
	Data       *application.DataService
	Rectify    *application.RectifyService
	Inventory  *application.InventoryService
	Scheduler  *application.RectifyScheduler
	Health     *application.HealthService
	HTTPServer *httpAdapter.Server
	TLSServer  *tlsAdapter.Server
	Watcher    *watcher.Watcher
	Metrics    *metrics.Collector
}

// New creates and initializes a new application.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	var metricsCollector output.MetricsCollector = output.NoOpMetrics{}
	if cfg.Metrics.Enabled {
		app.Metrics = metrics.NewCollector("terracat")
		metricsCollector = app.Metrics
	}

	drivers, err := config.LoadDrivers(cfg.Drivers.Dir)
	if err != nil {
		return nil, fmt.Errorf("loading drivers: %w", err)
	}
	app.Drivers = drivers
	logger.Info("drivers loaded", "count", len(drivers), "dir", cfg.Drivers.Dir)

	providers, err := buildProviders(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing providers: %w", err)
	}
	app.Providers = providers

	store, err := catalog.Open(ctx, cfg.Catalog.Path)
	if err != nil {
		return nil, fmt.Errorf("opening catalog: %w", err)
	}
	app.Catalog = store

	app.Transforms = application.NewTransformRegistry()

	app.Assets = application.NewAssetService(
		app.Drivers,
		app.Providers,
		app.Catalog,
		metricsCollector,
		logger,
		cfg.Archive.Root,
		cfg.Archive.StageDir(),
		cfg.Fetch.Timeout,
	)

	app.Data = application.NewDataService(
		app.Drivers,
		app.Catalog,
		app.Transforms,
		metricsCollector,
		logger,
		cfg.Archive.Root,
		cfg.Archive.ScratchDir(),
	)

	app.Rectify = application.NewRectifyService(
		app.Drivers,
		app.Catalog,
		metricsCollector,
		logger,
		cfg.Archive.Root,
		cfg.Catalog.BatchSize,
	)

	app.Inventory = application.NewInventoryService(
		app.Drivers,
		app.Catalog,
		app.Assets,
		app.Data,
		logger,
		cfg.Fetch.Workers,
	)

	app.Scheduler = application.NewRectifyScheduler(app.Rectify, cfg.Rectify.Interval, logger)

	app.Health = application.NewHealthService(app.Drivers, app.Catalog)

	app.HTTPServer = httpAdapter.NewServer(
		cfg.Server,
		app.Inventory,
		app.Catalog,
		app.Drivers,
		app.Health,
		app.Scheduler,
		logger,
	)

	if cfg.Metrics.Enabled {
		app.HTTPServer.Router().Handle(cfg.Metrics.Path, metrics.Handler())
	}

	if cfg.TLS.Enabled {
		tlsServer, err := tlsAdapter.NewServer(cfg.TLS, app.HTTPServer.Router(), logger)
		if err != nil {
			return nil, fmt.Errorf("initializing TLS: %w", err)
		}
		app.TLSServer = tlsServer
	}

	if cfg.Rectify.Watch {
		roots := make([]string, 0, len(app.Drivers))
		for _, name := range app.Drivers.Names() {
			roots = append(roots, app.Drivers[name].TileRoot(cfg.Archive.Root))
		}
		w, err := watcher.New(
			watcher.Config{Roots: roots, Debounce: cfg.Rectify.Debounce},
			app.matchArchiveFile,
			app.handleArchiveEvent,
			logger,
		)
		if err != nil {
			logger.Warn("failed to initialize archive watcher", "error", err)
		} else {
			app.Watcher = w
		}
	}

	return app, nil
}

// Start starts all application components and blocks serving HTTP.
func (a *App) Start(ctx context.Context) error {
	a.Scheduler.Start(ctx)

	if a.Watcher != nil {
		if err := a.Watcher.Start(ctx); err != nil {
			a.Logger.Warn("failed to start archive watcher", "error", err)
		}
	}

	if a.Config.TLS.Enabled && a.TLSServer != nil {
		return a.TLSServer.ListenAndServe(a.Config.Server.Address())
	}
	return a.HTTPServer.Start()
}

// Shutdown gracefully shuts down all components.
func (a *App) Shutdown(ctx context.Context) error {
	a.Logger.Info("shutting down application")

	if a.Watcher != nil {
		_ = a.Watcher.Stop()
	}

	a.Scheduler.Stop()

	if err := a.HTTPServer.Shutdown(ctx); err != nil {
		a.Logger.Error("HTTP server shutdown error", "error", err)
	}

	if err := a.Catalog.Close(); err != nil {
		a.Logger.Error("catalog close error", "error", err)
	}

	return nil
}

// matchArchiveFile reports which driver claims a file appearing under
// the archive tree.
func (a *App) matchArchiveFile(path string) (string, bool) {
	base := filepath.Base(path)
	for name, spec := range a.Drivers {
		if spec.MatchesAssetName(base) {
			return name, true
		}
		if _, err := spec.ParseProductName(base); err == nil {
			return name, true
		}
	}
	return "", false
}

// handleArchiveEvent marks a driver dirty so the next scheduler pass
// reconciles it.
func (a *App) handleArchiveEvent(_ context.Context, event watcher.Event) error {
	a.Logger.Info("archive event",
		"path", event.Path,
		"driver", event.Driver,
		"operation", event.Operation.String(),
	)
	a.Scheduler.MarkDirty(event.Driver)
	return nil
}

// buildProviders constructs the configured provider adapters, each
// wrapped with a locate memoization cache.
func buildProviders(ctx context.Context, cfg *config.Config) (application.Providers, error) {
	providers := make(application.Providers, len(cfg.Providers))
	for i := range cfg.Providers {
		pc := &cfg.Providers[i]

		var (
			p   output.Provider
			err error
		)
		switch pc.Type {
		case "ftp":
			p = provider.NewFTPProvider(provider.FTPConfig{
				Name:     pc.Name,
				Address:  pc.Address,
				Username: pc.Username,
				Password: pc.Password,
				Timeout:  pc.Timeout,
				Path:     pc.Path,
				Patterns: pc.Patterns,
			})
		case "http":
			p = provider.NewHTTPIndexProvider(provider.HTTPIndexConfig{
				Name:     pc.Name,
				BaseURL:  pc.BaseURL,
				Timeout:  pc.Timeout,
				Username: pc.Username,
				Password: pc.Password,
				Path:     pc.Path,
				Patterns: pc.Patterns,
			})
		case "s3":
			p, err = provider.NewS3Provider(ctx, provider.S3Config{
				Name:            pc.Name,
				Bucket:          pc.Bucket,
				Region:          pc.Region,
				Endpoint:        pc.Endpoint,
				AccessKeyID:     pc.AccessKeyID,
				SecretAccessKey: pc.SecretAccessKey,
				Prefix:          pc.Prefix,
				Patterns:        pc.Patterns,
			})
		case "azure":
			p, err = provider.NewAzureProvider(provider.AzureConfig{
				Name:             pc.Name,
				Container:        pc.Container,
				AccountName:      pc.AccountName,
				AccountKey:       pc.AccountKey,
				ConnectionString: pc.ConnectionString,
				Prefix:           pc.Prefix,
				Patterns:         pc.Patterns,
			})
		case "url":
			p = provider.NewURLTemplateProvider(provider.URLTemplateConfig{
				Name:     pc.Name,
				Timeout:  pc.Timeout,
				Username: pc.Username,
				Password: pc.Password,
				URLs:     pc.URLs,
			})
		default:
			return nil, fmt.Errorf("provider %q: unknown type: %s", pc.Name, pc.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", pc.Name, err)
		}

		cached, err := provider.NewCachedProvider(p, cfg.Fetch.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", pc.Name, err)
		}
		providers[pc.Name] = cached
	}
	return providers, nil
}
