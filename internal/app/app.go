package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/marketpost/internal/common"
	"github.com/ternarybob/marketpost/internal/handlers"
	"github.com/ternarybob/marketpost/internal/interfaces"
	"github.com/ternarybob/marketpost/internal/locators"
	"github.com/ternarybob/marketpost/internal/metrics"
	"github.com/ternarybob/marketpost/internal/services/apireg"
	"github.com/ternarybob/marketpost/internal/services/automation"
	"github.com/ternarybob/marketpost/internal/services/blocking"
	"github.com/ternarybob/marketpost/internal/services/browser"
	"github.com/ternarybob/marketpost/internal/services/tokens"
	"github.com/ternarybob/marketpost/internal/storage"
)

// App holds all application components and dependencies
type App struct {
	Config         *common.Config
	Logger         arbor.ILogger
	StorageManager interfaces.StorageManager
	TokenBackend   *storage.TokenBackend
	Metrics        *metrics.Metrics

	// Platform tables
	Registry *locators.Registry

	// Automation services
	TokenStore   *tokens.Store
	Capture      *tokens.CaptureService
	Blocking     *blocking.Controller
	Sessions     *browser.Manager
	APIService   *apireg.Service
	Notifier     *apireg.Notifier
	Orchestrator *automation.Orchestrator

	// HTTP handlers
	WSHandler         *handlers.WebSocketHandler
	StatusHandler     *handlers.StatusHandler
	AutomationHandler *handlers.AutomationHandler
	TokenHandler      *handlers.TokenHandler
	BlockingHandler   *handlers.BlockingHandler

	launcher browser.Launcher
}

// Option adjusts the app before services are created
type Option func(*App)

// WithLauncher replaces the chromedp launcher (used by tests)
func WithLauncher(launcher browser.Launcher) Option {
	return func(a *App) {
		a.launcher = launcher
	}
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger, opts ...Option) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}
	for _, opt := range opts {
		opt(app)
	}

	if err := app.initDatabase(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	// WebSocket handler doubles as the event publisher, so it is created first
	app.WSHandler = handlers.NewWebSocketHandler(app.Logger, &app.Config.WebSocket)

	if err := app.initServices(); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	app.initHandlers()

	app.Logger.Info().
		Strs("platforms", app.Registry.Platforms()).
		Str("token_backend", app.TokenBackend.Name).
		Bool("prefer_api", app.Config.Automation.PreferAPI).
		Bool("blocking_rotation", app.Config.Blocking.Enabled).
		Msg("Application initialized")

	return app, nil
}

func (a *App) initDatabase() error {
	storageManager, err := storage.NewStorageManager(a.Logger, a.Config)
	if err != nil {
		return fmt.Errorf("failed to create storage manager: %w", err)
	}
	a.StorageManager = storageManager

	backend, err := storage.NewTokenBackend(context.Background(), a.Config, storageManager, a.Logger)
	if err != nil {
		storageManager.Close()
		return fmt.Errorf("failed to create token backend: %w", err)
	}
	a.TokenBackend = backend

	a.Logger.Debug().
		Str("storage", "badger").
		Str("path", a.Config.Storage.Badger.Path).
		Str("token_backend", backend.Name).
		Msg("Storage layer initialized")

	return nil
}

func (a *App) initServices() error {
	ctx := context.Background()

	if a.Config.Metrics.Enabled {
		a.Metrics = metrics.New()
	}

	// 1. Platform tables: built-ins, file overrides, then the enabled subset
	registry, err := locators.NewRegistry(a.Logger)
	if err != nil {
		return fmt.Errorf("failed to load locator tables: %w", err)
	}
	if _, err := registry.LoadOverrides(a.Config.Locators.Dir); err != nil {
		return err
	}
	if err := registry.Restrict(a.Config.Automation.Platforms); err != nil {
		return err
	}
	a.Registry = registry

	// 2. Token bundle store with its expiry sweeper
	lifetime := common.ParseDuration(a.Config.Tokens.Lifetime, 8*time.Hour)
	a.TokenStore = tokens.NewStore(a.TokenBackend, lifetime, a.Logger)
	if a.Config.Tokens.SweepSchedule != "" {
		if err := a.TokenStore.StartSweeper(a.Config.Tokens.SweepSchedule); err != nil {
			return err
		}
	}
	a.Capture = tokens.NewCaptureService(
		common.ParseDuration(a.Config.Automation.SettleDelay, 2*time.Second),
		lifetime,
		a.Metrics,
		a.Logger,
	)

	// 3. Blocking detection; rotation markers go to S3 only when enabled
	var rotator blocking.Rotator
	if a.Config.Blocking.Enabled {
		s3Rotator, err := blocking.NewS3Rotator(ctx, &a.Config.AWS, blocking.WithLogger(a.Logger))
		if err != nil {
			return fmt.Errorf("failed to create rotation helper: %w", err)
		}
		rotator = s3Rotator
	}
	a.Blocking = blocking.NewController(
		a.StorageManager.BlockingStateStorage(),
		rotator,
		a.Config.Blocking.Threshold,
		a.WSHandler,
		a.Metrics,
		a.Logger,
	)
	if err := a.Blocking.Load(ctx, registry.Platforms()); err != nil {
		return err
	}

	// 4. Browser sessions
	if a.launcher == nil {
		a.launcher = browser.NewChromeDPLauncher(a.Logger, common.ParseDuration(a.Config.Browser.StartupTimeout, 30*time.Second))
	}
	a.Sessions = browser.NewManager(&a.Config.Browser, a.launcher, a.Metrics, a.Logger)

	// 5. Direct API path and the inventory callback
	a.APIService = apireg.NewService(a.TokenStore,
		apireg.WithTimeout(common.ParseDuration(a.Config.API.Timeout, 10*time.Second)),
		apireg.WithRateLimit(a.Config.API.RateLimit),
		apireg.WithUserAgent(a.Config.API.UserAgent),
		apireg.WithMetrics(a.Metrics),
		apireg.WithLogger(a.Logger),
	)
	a.Notifier = apireg.NewNotifier(
		a.Config.Callback.URL,
		a.Config.Callback.Secret,
		common.ParseDuration(a.Config.Callback.Timeout, 5*time.Second),
		a.Logger,
	)

	// 6. Orchestrator with one worker per enabled platform
	a.Orchestrator = automation.NewOrchestrator(automation.Dependencies{
		Registry: registry,
		Runtime: automation.Runtime{
			Sessions:  a.Sessions,
			Capture:   a.Capture,
			Bundles:   a.TokenStore,
			Publisher: a.WSHandler,
			Metrics:   a.Metrics,
			Logger:    a.Logger,
			Options:   automation.OptionsFromConfig(&a.Config.Automation),
		},
		API:          a.APIService,
		Tokens:       a.TokenStore,
		Blocking:     a.Blocking,
		Results:      a.StorageManager.ResultStorage(),
		Notifier:     a.Notifier,
		Accounts:     a.Config.Accounts,
		PreferAPI:    a.Config.Automation.PreferAPI,
		HistoryLimit: a.Config.Automation.HistoryLimit,
	})

	return nil
}

func (a *App) initHandlers() {
	a.StatusHandler = handlers.NewStatusHandler(a.Orchestrator, a.Logger)
	a.AutomationHandler = handlers.NewAutomationHandler(a.Orchestrator, a.Orchestrator.Interventions(), a.Logger)
	a.TokenHandler = handlers.NewTokenHandler(a.TokenStore, a.Orchestrator, a.Logger)
	a.BlockingHandler = handlers.NewBlockingHandler(a.Blocking, a.Registry, a.Logger)
}

// Close stops background work and releases browsers and storage
func (a *App) Close() error {
	if a.TokenStore != nil {
		a.TokenStore.Stop()
	}

	if a.Sessions != nil {
		a.Sessions.Shutdown()
		a.Logger.Info().Msg("Browser sessions closed")
	}

	if a.WSHandler != nil {
		a.WSHandler.Close()
	}

	if a.TokenBackend != nil {
		if err := a.TokenBackend.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close token backend")
		}
	}

	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
		a.Logger.Info().Msg("Storage closed")
	}

	return nil
}
