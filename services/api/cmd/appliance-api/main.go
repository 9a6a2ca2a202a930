package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"applianced/pkg/bus"
	"applianced/pkg/db"
	"applianced/pkg/telemetry"
	"applianced/internal/auth"
	"applianced/internal/boost"
	"applianced/internal/config"
	"applianced/internal/derive"
	"applianced/internal/handlers"
	"applianced/internal/ledger"
	"applianced/internal/lifecycle"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("load config")
	}

	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "appliance-api").Logger()
	if cfg.LogPretty {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	agentSecret, err := cfg.ResolveAgentSecret()
	if err != nil {
		logger.Fatal().Err(err).Msg("resolve agent secret")
	}

	catalog, extraStates, err := config.LoadCatalog(cfg.BoostConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("load boost catalog")
	}

	shutdownTelemetry, traceMW, err := telemetry.Init(ctx, "appliance-api", cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("init telemetry")
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("telemetry shutdown")
		}
	}()

	pool, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("open database")
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		logger.Fatal().Err(err).Msg("run migrations")
	}

	var eventBus *bus.Bus
	if cfg.NATSURL != "" {
		eventBus, err = bus.New(cfg.NATSURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("connect to nats")
		}
		defer eventBus.Close()
	}

	store := ledger.NewPostgres(pool)

	controller := &lifecycle.Controller{Store: store}
	if err := controller.Register(ctx, extraStates); err != nil {
		logger.Fatal().Err(err).Msg("register states")
	}

	deriver := &derive.Engine{Store: store, Baseline: catalog.Baseline.Spec()}
	booster := &boost.Engine{Store: store, Derive: deriver, Catalog: catalog}

	api := &handlers.API{
		Store:     store,
		Derive:    deriver,
		Lifecycle: controller,
		Boost:     booster,
		Auth: &auth.Authenticator{
			Store:       store,
			Tokens:      auth.NewTokenStore(cfg.TokenTTL),
			AgentSecret: agentSecret,
		},
		Bus: eventBus,
		Log: logger,
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Routes(traceMW),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("serve")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
}
