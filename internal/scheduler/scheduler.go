package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quantfold/tradecore/internal/config"
	"github.com/quantfold/tradecore/internal/domain"
	"github.com/quantfold/tradecore/internal/events"
	"github.com/quantfold/tradecore/internal/knowledge"
)

// Task is one unit of scheduled work: evaluate one (bot, symbol,
// timeframe) at one tick. The bot is a snapshot taken at the cycle
// boundary, so config changes never land mid-evaluation.
type Task struct {
	Bot       domain.Bot
	Symbol    string
	Timeframe domain.Timeframe
	TickTS    time.Time
}

// Evaluator produces signals for a task.
type Evaluator interface {
	Evaluate(ctx context.Context, bot *domain.Bot, symbol string, timeframe domain.Timeframe, ts time.Time) (*domain.Signal, error)
}

// Pipeline is the risk pipeline that turns signals into orders.
type Pipeline interface {
	Process(ctx context.Context, signal *domain.Signal) (*domain.Order, error)
}

// BotRegistry is the slice of the bot registry the scheduler drives.
type BotRegistry interface {
	ActiveBots() []domain.Bot
	PauseAll(reason string) int
	Resume(id string) error
	NoteEvaluation(botID string, at time.Time)
	NoteSignal(botID string, at time.Time)
	NoteMissedTicks(botID string, n int, at time.Time)
}

// Calendar answers whether an asset class is tradable at a point in time.
type Calendar interface {
	IsOpen(class domain.AssetClass, t time.Time) bool
}

// AssetLookup resolves a symbol to its asset, for the market-hours gate.
type AssetLookup interface {
	GetBySymbol(symbol string) (*domain.Asset, bool)
}

// Refresher republishes the knowledge-base snapshot. Called once per
// cycle so every task in the cycle scores against the same snapshot.
type Refresher interface {
	Refresh() *knowledge.Snapshot
}

// Stats is a point-in-time view of scheduler activity.
type Stats struct {
	Cycles      uint64    `json:"cycles"`
	Tasks       uint64    `json:"tasks"`
	MissedTicks uint64    `json:"missed_ticks"`
	Signals     uint64    `json:"signals"`
	Tripped     bool      `json:"tripped"`
	LastCycle   time.Time `json:"last_cycle"`
}

// Scheduler runs the evaluation cycle. Each cycle snapshots the active
// bots, interleaves their (symbol, timeframe) tasks round-robin so one
// wide bot cannot starve the others, and dispatches over a fixed worker
// pool. The cycle deadline equals the cadence: tasks still queued when
// it expires are dropped and counted, never carried into the next tick.
type Scheduler struct {
	interval time.Duration
	workers  int
	lossCap  decimal.Decimal

	eval     Evaluator
	pipeline Pipeline
	bots     BotRegistry
	calendar Calendar
	assets   AssetLookup
	kb       Refresher
	dailyPnL func() decimal.Decimal
	paused   func() bool
	bus      *events.Bus
	log      zerolog.Logger

	windowStart int // minute of day, -1 = unbounded
	windowEnd   int

	mu          sync.Mutex
	tripped     bool
	trippedBots []string

	cycles  atomic.Uint64
	tasks   atomic.Uint64
	missed  atomic.Uint64
	signals atomic.Uint64
	lastRun atomic.Int64
}

// Deps carries the scheduler's collaborators.
type Deps struct {
	Evaluator Evaluator
	Pipeline  Pipeline
	Bots      BotRegistry
	Calendar  Calendar
	Assets    AssetLookup
	Knowledge Refresher
	DailyPnL  func() decimal.Decimal
	Paused    func() bool
	Bus       *events.Bus
}

// New creates the scheduler from config and its collaborators.
func New(cfg *config.Config, deps Deps, log zerolog.Logger) *Scheduler {
	s := &Scheduler{
		interval: cfg.Mode.CycleInterval(),
		workers:  cfg.Workers(),
		lossCap:  cfg.DailyLossLimit,
		eval:     deps.Evaluator,
		pipeline: deps.Pipeline,
		bots:     deps.Bots,
		calendar: deps.Calendar,
		assets:   deps.Assets,
		kb:       deps.Knowledge,
		dailyPnL: deps.DailyPnL,
		paused:   deps.Paused,
		bus:      deps.Bus,
		log:      log.With().Str("component", "scheduler").Logger(),
	}
	s.windowStart, s.windowEnd = parseWindow(cfg.TradingHours)
	return s
}

// Run executes cycles at the configured cadence until ctx is cancelled.
// A cycle that overruns does not delay the next tick; its leftover
// tasks are already dropped by the deadline.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info().Dur("interval", s.interval).Int("workers", s.workers).
		Msg("Scheduler running")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.runCycle(ctx, time.Now().UTC())
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("Scheduler stopped")
			return
		case now := <-ticker.C:
			s.runCycle(ctx, now.UTC())
		}
	}
}

func (s *Scheduler) runCycle(ctx context.Context, now time.Time) {
	if ctx.Err() != nil {
		return
	}
	s.cycles.Add(1)
	s.lastRun.Store(now.UnixNano())

	if s.kb != nil {
		s.kb.Refresh()
	}
	if s.checkTrip(now) {
		return
	}
	if !s.withinWindow(now) {
		return
	}

	active := s.bots.ActiveBots()
	if len(active) == 0 {
		return
	}

	tickTS := now.Truncate(s.interval)
	tasks := interleave(active, tickTS)
	if len(tasks) == 0 {
		return
	}

	cycleCtx, cancel := context.WithDeadline(ctx, now.Add(s.interval))
	defer cancel()

	queue := make(chan Task)
	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range queue {
				s.runTask(cycleCtx, t)
			}
		}()
	}

	dispatched := 0
feed:
	for i, t := range tasks {
		select {
		case queue <- t:
			dispatched++
		case <-cycleCtx.Done():
			s.dropRemaining(tasks[i:], tickTS)
			break feed
		}
	}
	close(queue)
	wg.Wait()

	s.tasks.Add(uint64(dispatched))
	if dropped := len(tasks) - dispatched; dropped > 0 {
		s.log.Warn().Int("dropped", dropped).Int("dispatched", dispatched).
			Msg("Cycle deadline hit, tasks dropped")
	}
}

func (s *Scheduler) runTask(ctx context.Context, t Task) {
	if ctx.Err() != nil {
		return
	}
	if asset, ok := s.assets.GetBySymbol(t.Symbol); ok {
		if !s.calendar.IsOpen(asset.Class, t.TickTS) {
			return
		}
	}

	s.bots.NoteEvaluation(t.Bot.ID, t.TickTS)
	signal, err := s.eval.Evaluate(ctx, &t.Bot, t.Symbol, t.Timeframe, t.TickTS)
	if err != nil {
		s.log.Debug().Err(err).Str("bot_id", t.Bot.ID).Str("symbol", t.Symbol).
			Msg("Evaluation skipped")
		return
	}
	if signal == nil {
		return
	}

	s.bots.NoteSignal(t.Bot.ID, t.TickTS)
	s.signals.Add(1)

	// Cancellation check between evaluation and dispatch: a stopping
	// engine must not place new orders.
	if ctx.Err() != nil {
		return
	}
	if s.paused != nil && s.paused() {
		s.log.Info().Str("signal_id", signal.ID).Str("symbol", signal.Symbol).
			Msg("Signal held, trading paused")
		return
	}

	if _, err := s.pipeline.Process(ctx, signal); err != nil {
		s.log.Debug().Err(err).Str("signal_id", signal.ID).
			Str("bot_id", t.Bot.ID).Msg("Signal rejected")
	}
}

// checkTrip pauses every bot once realized daily losses reach the
// platform limit. The trip latches until Rearm at the UTC day boundary.
func (s *Scheduler) checkTrip(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tripped {
		return true
	}
	if s.dailyPnL == nil || s.lossCap.IsZero() {
		return false
	}

	pnl := s.dailyPnL()
	if pnl.GreaterThan(s.lossCap.Neg()) {
		return false
	}

	active := s.bots.ActiveBots()
	ids := make([]string, len(active))
	for i, b := range active {
		ids[i] = b.ID
	}
	paused := s.bots.PauseAll("daily_trip")
	s.tripped = true
	s.trippedBots = ids

	s.log.Error().Str("daily_pnl", pnl.String()).Str("limit", s.lossCap.String()).
		Int("bots_paused", paused).Msg("Daily loss limit tripped")
	if s.bus != nil {
		s.bus.Publish("scheduler", &events.DailyLossTrippedData{
			Loss:  pnl.Neg(),
			Limit: s.lossCap,
		})
	}
	return true
}

// Rearm clears the daily trip and resumes the bots it paused. Bots
// paused for other reasons stay paused. Runs from the midnight reset.
func (s *Scheduler) Rearm() {
	s.mu.Lock()
	bots := s.trippedBots
	wasTripped := s.tripped
	s.tripped = false
	s.trippedBots = nil
	s.mu.Unlock()

	if !wasTripped {
		return
	}
	resumed := 0
	for _, id := range bots {
		if err := s.bots.Resume(id); err != nil {
			s.log.Warn().Err(err).Str("bot_id", id).Msg("Trip re-arm could not resume bot")
			continue
		}
		resumed++
	}
	s.log.Info().Int("resumed", resumed).Msg("Daily loss trip re-armed")
}

// Tripped reports whether the daily loss trip is latched.
func (s *Scheduler) Tripped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tripped
}

func (s *Scheduler) dropRemaining(tasks []Task, at time.Time) {
	perBot := make(map[string]int)
	for _, t := range tasks {
		perBot[t.Bot.ID]++
	}
	for botID, n := range perBot {
		s.bots.NoteMissedTicks(botID, n, at)
		s.missed.Add(uint64(n))
	}
}

func (s *Scheduler) withinWindow(now time.Time) bool {
	if s.windowStart < 0 {
		return true
	}
	minute := now.Hour()*60 + now.Minute()
	if s.windowStart <= s.windowEnd {
		return minute >= s.windowStart && minute < s.windowEnd
	}
	// window wraps midnight
	return minute >= s.windowStart || minute < s.windowEnd
}

// Stats returns activity counters for the system endpoints.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Cycles:      s.cycles.Load(),
		Tasks:       s.tasks.Load(),
		MissedTicks: s.missed.Load(),
		Signals:     s.signals.Load(),
		Tripped:     s.Tripped(),
		LastCycle:   time.Unix(0, s.lastRun.Load()).UTC(),
	}
}

// interleave expands bots into tasks round-robin: the first
// (symbol, timeframe) of every bot, then the second of every bot, and
// so on. A bot covering many symbols queues behind every other bot's
// next task rather than monopolizing the front of the cycle.
func interleave(bots []domain.Bot, tickTS time.Time) []Task {
	perBot := make([][]Task, 0, len(bots))
	total := 0
	for _, b := range bots {
		list := make([]Task, 0, len(b.Config.Symbols)*len(b.Config.Timeframes))
		for _, sym := range b.Config.Symbols {
			for _, tf := range b.Config.Timeframes {
				list = append(list, Task{Bot: b, Symbol: sym, Timeframe: tf, TickTS: tickTS})
			}
		}
		perBot = append(perBot, list)
		total += len(list)
	}

	out := make([]Task, 0, total)
	for round := 0; len(out) < total; round++ {
		for _, list := range perBot {
			if round < len(list) {
				out = append(out, list[round])
			}
		}
	}
	return out
}

// parseWindow converts "HH:MM" bounds to minutes of the day. Both
// bounds empty means no window. Format is validated by config.
func parseWindow(h config.TradingHours) (int, int) {
	if h.Start == "" || h.End == "" {
		return -1, -1
	}
	start, err := time.Parse("15:04", h.Start)
	if err != nil {
		return -1, -1
	}
	end, err := time.Parse("15:04", h.End)
	if err != nil {
		return -1, -1
	}
	return start.Hour()*60 + start.Minute(), end.Hour()*60 + end.Minute()
}
