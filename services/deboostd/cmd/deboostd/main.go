package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-envconfig"

	"applianced/pkg/bus"
	"applianced/pkg/db"
	"applianced/internal/boost"
	"applianced/internal/config"
	"applianced/internal/derive"
	"applianced/internal/ledger"
	"applianced/internal/lifecycle"
	"applianced/services/deboostd"
)

type daemonConfig struct {
	DatabaseURL string        `env:"DATABASE_URL, required"`
	NATSURL     string        `env:"NATS_URL"`
	BoostConfig string        `env:"BOOST_CONFIG"`
	Interval    time.Duration `env:"POLL_INTERVAL, default=1m"`
	Past        time.Duration `env:"PAST_WINDOW, default=12h"`
	LogPretty   bool          `env:"LOG_PRETTY"`
}

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cfg daemonConfig
	if err := envconfig.Process(ctx, &cfg); err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("load config")
	}

	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "deboostd").Logger()
	if cfg.LogPretty {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	catalog, _, err := config.LoadCatalog(cfg.BoostConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("load boost catalog")
	}

	pool, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("open database")
	}
	defer pool.Close()

	var eventBus *bus.Bus
	if cfg.NATSURL != "" {
		eventBus, err = bus.New(cfg.NATSURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("connect to nats")
		}
		defer eventBus.Close()
	}

	store := ledger.NewPostgres(pool)
	deriver := &derive.Engine{Store: store, Baseline: catalog.Baseline.Spec()}

	daemon := &deboostd.Daemon{
		Store:     store,
		Boost:     &boost.Engine{Store: store, Derive: deriver, Catalog: catalog},
		Lifecycle: &lifecycle.Controller{Store: store},
		Bus:       eventBus,
		Log:       logger,
		Interval:  cfg.Interval,
		Past:      cfg.Past,
	}

	logger.Info().Dur("interval", cfg.Interval).Msg("polling for due deboosts")
	if err := daemon.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("daemon stopped")
	}
}
