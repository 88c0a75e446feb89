// Package main is the entry point for the tradecore trading engine: it
// loads configuration, boots the engine (replaying the ledger into live
// state), mounts the HTTP API and runs until signalled.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfold/tradecore/internal/config"
	"github.com/quantfold/tradecore/internal/engine"
	assetshandlers "github.com/quantfold/tradecore/internal/modules/assets/handlers"
	botshandlers "github.com/quantfold/tradecore/internal/modules/bots/handlers"
	ledgerhandlers "github.com/quantfold/tradecore/internal/modules/ledger/handlers"
	markethandlers "github.com/quantfold/tradecore/internal/modules/market/handlers"
	markethourshandlers "github.com/quantfold/tradecore/internal/modules/market_hours/handlers"
	portfoliohandlers "github.com/quantfold/tradecore/internal/modules/portfolio/handlers"
	riskhandlers "github.com/quantfold/tradecore/internal/modules/risk/handlers"
	settingshandlers "github.com/quantfold/tradecore/internal/modules/settings/handlers"
	strategieshandlers "github.com/quantfold/tradecore/internal/modules/strategies/handlers"
	"github.com/quantfold/tradecore/internal/server"
	"github.com/quantfold/tradecore/internal/version"
	"github.com/quantfold/tradecore/pkg/logger"
)

// Exit codes. A broken ledger and a missing market data source get
// distinct codes so supervisors can tell "do not restart" from
// "restart once credentials are fixed".
const (
	exitOK            = 0
	exitConfig        = 1
	exitLedgerCorrupt = 2
	exitNoUpstream    = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		errLog := zerolog.New(os.Stderr)
		errLog.Error().Err(err).Msg("Failed to load configuration")
		return exitConfig
	}
	if err := cfg.Validate(); err != nil {
		errLog := zerolog.New(os.Stderr)
		errLog.Error().Err(err).Msg("Invalid configuration")
		return exitConfig
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	log.Info().Str("version", version.Version).Str("data_dir", cfg.DataDir).
		Bool("dev_mode", cfg.DevMode).Msg("Starting tradecore")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := engine.New(ctx, cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("Failed to build engine")
		if errors.Is(err, engine.ErrNoProvider) {
			return exitNoUpstream
		}
		return exitConfig
	}

	if err := eng.Start(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to start engine")
		eng.Stop()
		if errors.Is(err, engine.ErrLedgerCorrupt) {
			return exitLedgerCorrupt
		}
		if errors.Is(err, engine.ErrNoProvider) {
			return exitNoUpstream
		}
		return exitConfig
	}

	srv := buildServer(cfg, eng, log)
	serverErr := make(chan error, 1)
	go func() { serverErr <- srv.Start() }()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}
	eng.Stop()

	log.Info().Msg("Goodbye")
	return exitOK
}

func buildServer(cfg *config.Config, eng *engine.Engine, log zerolog.Logger) *server.Server {
	deps := server.SystemDeps{
		Databases:  eng.Databases(),
		Scheduler:  eng.Scheduler(),
		Bus:        eng.Bus(),
		Aggregator: eng.Aggregator(),
		Books:      eng.Books(),
		Ledger:     eng.Ledger(),
		Bots:       eng.Bots(),
		DiskFree:   eng.Maintenance().DiskFreeGB,
	}
	if backup := eng.Backup(); backup != nil {
		deps.Backup = backup
	}

	return server.New(server.Config{
		Port:    cfg.Port,
		DevMode: cfg.DevMode,
		Log:     log,
		Bus:     eng.Bus(),
		System:  server.NewSystemHandlers(deps, log),
		Modules: []server.RouteRegistrar{
			assetshandlers.NewHandler(eng.Assets(), eng.Risk(), log),
			botshandlers.NewHandler(eng.Bots(), log),
			ledgerhandlers.NewHandler(eng.Ledger(), log),
			markethandlers.NewHandler(eng.Aggregator(), log),
			markethourshandlers.NewHandler(eng.MarketHours(), log),
			portfoliohandlers.NewHandler(eng.Portfolio(), log),
			riskhandlers.NewHandler(eng.Brake(), log),
			settingshandlers.NewHandler(eng.Settings(), log),
			strategieshandlers.NewHandler(eng.Strategies(), log),
		},
	})
}
