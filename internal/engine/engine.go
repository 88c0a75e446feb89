// Package engine assembles the trading core: databases, ledger, market
// data, indicators, evaluation, risk, books, portfolio and scheduling,
// wired into one aggregate with a replay-driven boot.
package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/quantfold/tradecore/internal/config"
	"github.com/quantfold/tradecore/internal/database"
	"github.com/quantfold/tradecore/internal/domain"
	"github.com/quantfold/tradecore/internal/evaluation"
	"github.com/quantfold/tradecore/internal/events"
	"github.com/quantfold/tradecore/internal/indicators"
	"github.com/quantfold/tradecore/internal/knowledge"
	"github.com/quantfold/tradecore/internal/market_regime"
	"github.com/quantfold/tradecore/internal/marketdata"
	"github.com/quantfold/tradecore/internal/modules/assets"
	"github.com/quantfold/tradecore/internal/modules/bots"
	"github.com/quantfold/tradecore/internal/modules/distributions"
	"github.com/quantfold/tradecore/internal/modules/ledger"
	"github.com/quantfold/tradecore/internal/modules/market_hours"
	"github.com/quantfold/tradecore/internal/modules/portfolio"
	"github.com/quantfold/tradecore/internal/modules/risk"
	"github.com/quantfold/tradecore/internal/modules/settings"
	"github.com/quantfold/tradecore/internal/modules/strategies"
	"github.com/quantfold/tradecore/internal/orderbook"
	"github.com/quantfold/tradecore/internal/reliability"
	"github.com/quantfold/tradecore/internal/scheduler"
)

// ErrLedgerCorrupt marks a failed ledger integrity check. The process
// must not trade on top of a broken journal; main exits with code 2.
var ErrLedgerCorrupt = errors.New("ledger integrity check failed")

// ErrNoProvider means no market data source could be constructed. The
// engine is useless without one; main exits with code 3.
var ErrNoProvider = errors.New("no market data provider configured")

// Engine owns every subsystem and their lifecycles.
type Engine struct {
	cfg *config.Config
	log zerolog.Logger
	bus *events.Bus

	dbs     map[string]*database.DB
	journal *ledger.Log
	history *marketdata.HistoryStore

	agg    *marketdata.Aggregator
	cache  *indicators.Cache
	regime *market_regime.Detector

	kb      *knowledge.Base
	kbStore *knowledge.Store

	catalog    *assets.Service
	portfolio  *portfolio.Store
	books      *orderbook.Manager
	settings   *settings.Service
	strategies *strategies.Service
	registry   *bots.Registry

	brake     *risk.Brake
	risk      *risk.Service
	botState  *botState
	evaluator *evaluation.Evaluator
	hours     *market_hours.Service
	dist      *distributions.Engine

	sched *scheduler.Scheduler
	cron  *scheduler.Cron
	feed  *marketFeed

	maint  *reliability.Maintenance
	backup *reliability.BackupService // nil when no bucket configured

	cancel context.CancelFunc
}

// assetSource adapts the catalog to the evaluator's by-value lookup.
type assetSource struct{ catalog *assets.Service }

func (a assetSource) BySymbol(symbol string) (domain.Asset, bool) {
	p, ok := a.catalog.GetBySymbol(symbol)
	if !ok {
		return domain.Asset{}, false
	}
	return *p, true
}

// New constructs the engine. All wiring happens here; nothing starts
// running until Start.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Engine, error) {
	e := &Engine{
		cfg: cfg,
		log: log.With().Str("component", "engine").Logger(),
		bus: events.New(log),
	}

	if err := e.openDatabases(); err != nil {
		e.closeStores()
		return nil, err
	}

	e.journal = ledger.New(e.dbs["ledger"], log)

	history, err := marketdata.NewHistoryStore(filepath.Join(cfg.DataDir, "history.db"), log)
	if err != nil {
		e.closeStores()
		return nil, fmt.Errorf("open history store: %w", err)
	}
	e.history = history

	snaps := marketdata.NewSnapshotStore(e.dbs["cache"], log)
	e.agg = marketdata.NewAggregator(e.bus, history, snaps, cfg.Providers.RateLimitRPM, log)
	if err := e.registerProviders(); err != nil {
		e.closeStores()
		return nil, err
	}

	e.cache = indicators.New(e.bus, log)
	e.regime = market_regime.NewDetector(e.cache, e.bus, log)

	e.kb = knowledge.New(log)
	e.kbStore = knowledge.NewStore(e.dbs["state"], log)

	e.catalog = assets.NewService(assets.NewRepository(e.dbs["state"], log), int64(cfg.FeeBps), log)
	e.portfolio = portfolio.NewStore(
		portfolio.NewAccountRepository(e.dbs["state"], log), e.journal, cfg.PlatformFeePct, log)
	e.books = orderbook.NewManager(e.catalog.FeeBps, func(b *orderbook.Batch) {
		e.portfolio.ApplyBatch(b)
		e.catalog.ApplyBatch(b)
	}, e.bus, log)

	e.portfolio.SetAssetLookup(e.catalog.Get)
	e.portfolio.SetHolderSink(e.catalog.AdjustHolders)
	e.catalog.SetAccountSource(e.portfolio)
	e.catalog.SetBookSource(e.books)

	e.settings = settings.NewService(settings.NewRepository(e.dbs["state"], log), e.bus, log)
	e.strategies = strategies.NewService(strategies.NewRepository(e.dbs["state"], log), e.agg, log)

	e.registry = bots.NewRegistry(bots.NewRepository(e.dbs["state"], log), e.journal, e.bus, log)
	e.registry.SetPnLSource(e.portfolio.BotDailyRealized)

	e.brake = risk.NewBrake(e.bus, log)
	e.risk = risk.NewService(
		e.brake, e.catalog, e.books, e.portfolio, e.registry, e.journal, cfg.AutoExecute, log)
	e.risk.SetHistory(e.agg)
	e.risk.SetVolatility(e.cache)
	e.risk.SetDailyPnL(e.portfolio.BotDailyRealized)

	e.botState = newBotState(e.registry, e.portfolio, e.catalog)
	e.evaluator = evaluation.New(
		e.cache, e.regime, e.botState, e.kb, e.strategies, assetSource{e.catalog}, log)

	e.hours = market_hours.NewService(log)
	e.dist = distributions.NewEngine(e.catalog, e.portfolio, e.settings, e.bus, log)

	e.sched = scheduler.New(cfg, scheduler.Deps{
		Evaluator: e.evaluator,
		Pipeline:  e.risk,
		Bots:      e.registry,
		Calendar:  e.hours,
		Assets:    e.catalog,
		Knowledge: e.kb,
		DailyPnL:  e.portfolio.DailyRealized,
		Paused:    e.settings.TradingPaused,
		Bus:       e.bus,
	}, log)
	e.cron = scheduler.NewCron(e.bus, log)
	e.feed = newMarketFeed(e.agg, e.cache, e.catalog, e.registry, e.strategies, e.bus, log)

	e.maint = reliability.NewMaintenance(e.dbs, cfg.DataDir, log)
	if cfg.Backup.Bucket != "" {
		store, err := reliability.NewS3Client(ctx, cfg.Backup, log)
		if err != nil {
			e.closeStores()
			return nil, fmt.Errorf("configure backup store: %w", err)
		}
		e.backup = reliability.NewBackupService(
			store, e.dbs, cfg.DataDir, cfg.Backup.RetentionDays, log)
	}

	// The tap sees every committed entry once, after the durable write.
	// Closed positions feed the knowledge base, bot performance, streak
	// state and protective-order cleanup.
	e.journal.Tap(e.onEntry)

	return e, nil
}

func (e *Engine) openDatabases() error {
	specs := []struct {
		name    string
		file    string
		profile database.DatabaseProfile
	}{
		{"state", "state.db", database.ProfileStandard},
		{"ledger", "ledger.db", database.ProfileLedger},
		{"cache", "cache.db", database.ProfileCache},
	}

	e.dbs = make(map[string]*database.DB, len(specs))
	for _, spec := range specs {
		db, err := database.New(database.Config{
			Path:    filepath.Join(e.cfg.DataDir, spec.file),
			Profile: spec.profile,
			Name:    spec.name,
		})
		if err != nil {
			return fmt.Errorf("open %s database: %w", spec.name, err)
		}
		if err := db.Migrate(); err != nil {
			_ = db.Close()
			return fmt.Errorf("migrate %s database: %w", spec.name, err)
		}
		e.dbs[spec.name] = db
	}
	return nil
}

// registerProviders wires market data sources from config. Dev mode
// always gets the deterministic simulated feed.
func (e *Engine) registerProviders() error {
	p := e.cfg.Providers
	registered := 0

	if e.cfg.DevMode {
		e.agg.Register(marketdata.NewSimProvider(42, 0, e.bus, e.log))
		registered++
	}
	if p.WebsocketURL != "" {
		if p.PolygonKey != "" {
			e.agg.Register(marketdata.NewWSProvider("polygon", p.WebsocketURL, p.PolygonKey, e.bus, e.log))
			registered++
		}
		if p.TwelveDataKey != "" {
			e.agg.Register(marketdata.NewWSProvider("twelvedata", p.WebsocketURL, p.TwelveDataKey, e.bus, e.log))
			registered++
		}
	}

	if registered == 0 {
		return ErrNoProvider
	}
	return nil
}

// onEntry is the ledger tap: live committed entries only, replay goes
// through rebuild instead.
func (e *Engine) onEntry(entry ledger.Entry) {
	if entry.Kind != string(events.PositionClosed) {
		return
	}
	data, err := events.DecodeData(events.PositionClosed, entry.Payload)
	if err != nil {
		e.log.Warn().Err(err).Uint64("seq", entry.Seq).Msg("Undecodable position close")
		return
	}
	d := data.(*events.PositionClosedData)

	if d.PatternKey != "" {
		e.kb.Record(d.PatternKey, d.PnLPct, entry.Seq)
	}
	if d.BotID != "" {
		e.registry.RecordClosedTrade(d.BotID, d.RealizedPnL, d.PnLPct)
	}
	e.botState.noteClosed(d.BotID, d.RealizedPnL)
	e.risk.OnPositionClosed(d.UserID, d.AssetID)
}

// Start boots the engine: integrity check, load, replay, reconcile,
// then run everything. A ledger corruption comes back wrapped in
// ErrLedgerCorrupt.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.journal.IntegrityCheck(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrLedgerCorrupt, err)
	}

	if err := e.catalog.Load(); err != nil {
		return fmt.Errorf("load asset catalog: %w", err)
	}
	if err := e.registry.Load(); err != nil {
		return fmt.Errorf("load bots: %w", err)
	}
	if err := e.portfolio.LoadAccounts(); err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}

	stats, lastSeq, err := e.kbStore.Load()
	if err != nil {
		e.log.Warn().Err(err).Msg("Knowledge snapshot unavailable, replaying from scratch")
	} else {
		e.kb.Restore(stats, lastSeq)
	}

	outcome, err := e.rebuild(ctx)
	if err != nil {
		return fmt.Errorf("ledger replay: %w", err)
	}
	e.log.Info().
		Uint64("applied", outcome.Applied).
		Uint64("last_seq", outcome.LastSeq).
		Uint64("truncated", outcome.Truncated).
		Int("orders_restored", outcome.Restored).
		Msg("Ledger replay complete")

	e.catalog.ResetHolders(e.portfolio.HolderCounts())
	if mismatches := e.portfolio.Reconcile(e.catalog.Supplies()); len(mismatches) > 0 {
		e.log.Error().Strs("assets", mismatches).Msg("Supply reconciliation mismatch")
		e.brake.Engage("reconciliation_mismatch", "startup")
	}

	e.kb.Refresh()
	e.regime.Start()

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	go func() {
		if err := e.agg.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			e.log.Error().Err(err).Msg("Aggregator stopped")
		}
	}()
	go e.feed.Run(runCtx)
	go e.sched.Run(runCtx)

	if err := e.registerJobs(); err != nil {
		cancel()
		return fmt.Errorf("register jobs: %w", err)
	}
	e.cron.Start()

	e.log.Info().Str("mode", string(e.cfg.Mode)).Bool("auto_execute", e.cfg.AutoExecute).
		Msg("Engine started")
	return nil
}

// Stop shuts everything down in reverse dependency order and persists
// the knowledge snapshot.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.cron.Stop()
	e.regime.Stop()
	e.books.Stop()

	if err := e.kbStore.Save(e.kb); err != nil {
		e.log.Error().Err(err).Msg("Failed to save knowledge snapshot")
	}

	e.closeStores()
	e.bus.Close()
	e.log.Info().Msg("Engine stopped")
}

func (e *Engine) closeStores() {
	if e.journal != nil {
		e.journal.Close()
		e.journal = nil
	}
	if e.history != nil {
		if err := e.history.Close(); err != nil {
			e.log.Warn().Err(err).Msg("Failed to close history store")
		}
		e.history = nil
	}
	for name, db := range e.dbs {
		if err := db.Close(); err != nil {
			e.log.Warn().Err(err).Str("database", name).Msg("Failed to close database")
		}
	}
	e.dbs = nil
}

// Accessors used by main to wire HTTP handlers and system status.

func (e *Engine) Bus() *events.Bus                    { return e.bus }
func (e *Engine) Databases() map[string]*database.DB  { return e.dbs }
func (e *Engine) Ledger() *ledger.Log                 { return e.journal }
func (e *Engine) Aggregator() *marketdata.Aggregator  { return e.agg }
func (e *Engine) Assets() *assets.Service             { return e.catalog }
func (e *Engine) Portfolio() *portfolio.Store         { return e.portfolio }
func (e *Engine) Books() *orderbook.Manager           { return e.books }
func (e *Engine) Settings() *settings.Service         { return e.settings }
func (e *Engine) Strategies() *strategies.Service     { return e.strategies }
func (e *Engine) Bots() *bots.Registry                { return e.registry }
func (e *Engine) Risk() *risk.Service                 { return e.risk }
func (e *Engine) Brake() *risk.Brake                  { return e.brake }
func (e *Engine) MarketHours() *market_hours.Service  { return e.hours }
func (e *Engine) Scheduler() *scheduler.Scheduler     { return e.sched }
func (e *Engine) Maintenance() *reliability.Maintenance {
	return e.maint
}

// Backup returns the backup service, nil when backups are not
// configured.
func (e *Engine) Backup() *reliability.BackupService { return e.backup }
