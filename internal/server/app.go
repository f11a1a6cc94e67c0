// Package server initializes and runs the Atlas server: the credential
// store, the PKI provider, the service layer, the policy enforcement loop
// and the metrics endpoint, with signal-driven graceful shutdown.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/atlasvpn/atlas/internal/enforce"
	"github.com/atlasvpn/atlas/internal/execx"
	"github.com/atlasvpn/atlas/internal/logging"
	"github.com/atlasvpn/atlas/internal/pki"
	"github.com/atlasvpn/atlas/internal/render"
	"github.com/atlasvpn/atlas/internal/server/config"
	"github.com/atlasvpn/atlas/internal/server/repositories/repomanager"
	"github.com/atlasvpn/atlas/internal/server/services"
	"github.com/atlasvpn/atlas/internal/sysctl"
)

const shutdownTimeout = 5 * time.Second

type App struct {
	config        *config.Config
	logger        logging.Logger
	db            *sql.DB
	registry      *prometheus.Registry
	userService   *services.UserService
	configService *services.ConfigService
	controller    sysctl.Controller
	enforcer      *enforce.Enforcer
}

func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	logger := logging.NewSlogLogger(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	db, repos, err := initStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	issuer := pki.NewProvider(cfg, logger)
	renderer := render.New(render.ServerParams{
		Host:       cfg.ServerHost,
		Port:       cfg.ServerPort,
		Transport:  cfg.ServerTransport,
		PublicKey:  cfg.ServerPublicKey,
		DNS:        cfg.ClientDNS,
		AllowedIPs: cfg.ClientAllowedIPs,
	})

	runner := execx.NewRunner(cfg.ExecTimeout, logger)
	controller := sysctl.New(cfg.ServiceName, runner, logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	enforcer := enforce.New(
		repos.Users(db), repos.Configs(db), issuer,
		cfg.EnforceInterval, enforce.NewMetrics(registry), logger)

	return &App{
		config:        cfg,
		logger:        logger,
		db:            db,
		registry:      registry,
		userService:   services.NewUserService(db, repos, issuer, renderer, logger),
		configService: services.NewConfigService(db, repos, issuer, renderer, logger),
		controller:    controller,
		enforcer:      enforcer,
	}, nil
}

// initStore opens the database and runs migrations. An empty DSN selects the
// in-memory store, for database-less development environments.
func initStore(ctx context.Context, cfg *config.Config, logger logging.Logger) (*sql.DB, repomanager.RepositoryManager, error) {
	if cfg.DatabaseDSN == "" {
		logger.Warn(ctx, "no database configured, records will not survive restarts")
		return nil, repomanager.NewMemoryRepositoryManager(), nil
	}

	db, err := sql.Open("pgx", cfg.DatabaseDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("db init error: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, nil, fmt.Errorf("db ping error: %w", err)
	}

	repos := repomanager.NewPostgresRepositoryManager()
	if err := repos.RunMigrations(ctx, db); err != nil {
		return nil, nil, fmt.Errorf("db migration error: %w", err)
	}
	return db, repos, nil
}

// Users exposes the user service to operator-facing transports.
func (app *App) Users() *services.UserService { return app.userService }

// Configs exposes the config service to operator-facing transports.
func (app *App) Configs() *services.ConfigService { return app.configService }

// Service exposes the tunnel daemon controller.
func (app *App) Service() sysctl.Controller { return app.controller }

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) startMetricsServer(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(app.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: app.config.MetricsAddr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			app.logger.Error(shutdownCtx, "metrics server shutdown error", "error", err)
		}
	}()

	app.logger.Info(ctx, "metrics server started", "addr", app.config.MetricsAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		app.logger.Error(ctx, "metrics server error", "error", err)
	}
}

func (app *App) Run(ctx context.Context) {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "starting atlas server")

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.enforcer.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.startMetricsServer(ctx)
	}()

	wg.Wait()

	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error(context.Background(), "db close error", "error", err)
		}
	}
	app.logger.Info(context.Background(), "atlas server stopped")
}
