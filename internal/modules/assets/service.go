// Package assets owns the tokenized asset catalog: lookup and listing,
// trade-derived stats (price, volume, ATH/ATL), holder counts, per-asset
// fee overrides and the yield distribution schedule. The catalog is a
// read-mostly in-memory map over the state database, written through on
// change.
package assets

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quantfold/tradecore/internal/domain"
	"github.com/quantfold/tradecore/internal/orderbook"
)

// AccountSource provides the account and position lookups trade
// validation needs. The portfolio store implements it.
type AccountSource interface {
	Account(userID string) (domain.Account, bool)
	Position(userID, assetID string) (domain.Position, bool)
}

// BookSource provides order book snapshots for pricing and the asset
// detail view. The order book manager implements it.
type BookSource interface {
	Snapshot(assetID string) *orderbook.Snapshot
}

// Service is the asset catalog.
type Service struct {
	repo          *Repository
	defaultFeeBps int64
	log           zerolog.Logger

	accounts AccountSource
	books    BookSource

	mu       sync.RWMutex
	byID     map[string]*domain.Asset
	bySymbol map[string]string // upper symbol -> asset id
	volume   map[string]*volumeWindow
	dirty    map[string]bool // price marks awaiting flush
}

// NewService creates the catalog service. defaultFeeBps is the platform
// taker fee applied when an asset carries no override.
func NewService(repo *Repository, defaultFeeBps int64, log zerolog.Logger) *Service {
	return &Service{
		repo:          repo,
		defaultFeeBps: defaultFeeBps,
		log:           log.With().Str("component", "assets").Logger(),
		byID:          make(map[string]*domain.Asset),
		bySymbol:      make(map[string]string),
		volume:        make(map[string]*volumeWindow),
		dirty:         make(map[string]bool),
	}
}

// SetAccountSource wires the account lookup. Call during wiring, before
// traffic.
func (s *Service) SetAccountSource(src AccountSource) { s.accounts = src }

// SetBookSource wires the order book snapshot lookup. Call during
// wiring, before traffic.
func (s *Service) SetBookSource(src BookSource) { s.books = src }

// Load warms the catalog cache from the state database. The 24h volume
// window restarts empty; it is a trailing display stat, not accounting.
func (s *Service) Load() error {
	assets, err := s.repo.GetAll()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range assets {
		s.byID[a.ID] = a
		s.bySymbol[strings.ToUpper(a.Symbol)] = a.ID
	}
	s.log.Info().Int("assets", len(assets)).Msg("Asset catalog loaded")
	return nil
}

// Create validates and stores a new catalog entry.
func (s *Service) Create(asset *domain.Asset) error {
	if asset.ID == "" {
		asset.ID = uuid.NewString()
	}
	asset.Symbol = strings.ToUpper(strings.TrimSpace(asset.Symbol))
	if err := validateAsset(asset); err != nil {
		return err
	}
	if asset.Yield.Frequency != "" && asset.Yield.NextDistribution.IsZero() {
		asset.Yield.NextDistribution = time.Now().UTC().Add(distributionPeriod(asset.Yield.Frequency))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if id, exists := s.bySymbol[asset.Symbol]; exists && id != asset.ID {
		return domain.NewInputError(domain.CodeInvalidInput, "symbol "+asset.Symbol+" already registered")
	}
	if err := s.repo.Upsert(asset); err != nil {
		return err
	}
	cp := *asset
	s.byID[cp.ID] = &cp
	s.bySymbol[cp.Symbol] = cp.ID
	s.log.Info().Str("asset_id", cp.ID).Str("symbol", cp.Symbol).Msg("Asset registered")
	return nil
}

// Get returns a copy of one asset by id.
func (s *Service) Get(id string) (*domain.Asset, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	cp := *a
	return &cp, true
}

// GetBySymbol returns a copy of one asset by symbol.
func (s *Service) GetBySymbol(symbol string) (*domain.Asset, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.bySymbol[strings.ToUpper(strings.TrimSpace(symbol))]
	if !ok {
		return nil, false
	}
	cp := *s.byID[id]
	return &cp, true
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	Class        domain.AssetClass
	MinYield     float64 // annual rate lower bound
	MaxPrice     float64
	Jurisdiction string
	ActiveOnly   bool
}

// List returns catalog copies matching the filter, ordered by symbol.
func (s *Service) List(f Filter) []*domain.Asset {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Asset, 0, len(s.byID))
	for _, a := range s.byID {
		if f.Class != "" && a.Class != f.Class {
			continue
		}
		if f.MinYield > 0 && a.Yield.AnnualRate < f.MinYield {
			continue
		}
		if f.MaxPrice > 0 && a.Price > f.MaxPrice {
			continue
		}
		if f.Jurisdiction != "" && !strings.EqualFold(a.Jurisdiction, f.Jurisdiction) {
			continue
		}
		if f.ActiveOnly && !a.Active {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Detail is the asset page payload: the catalog entry plus current book
// depth and recent prints.
type Detail struct {
	Asset        domain.Asset           `json:"asset"`
	Bids         []orderbook.PriceLevel `json:"bids"`
	Asks         []orderbook.PriceLevel `json:"asks"`
	RecentTrades []orderbook.Trade      `json:"recent_trades"`
}

// GetDetail returns one asset with its top-of-book view. Assets that
// have not traded yet come back with empty depth.
func (s *Service) GetDetail(id string) (*Detail, error) {
	a, ok := s.Get(id)
	if !ok {
		return nil, domain.NewInputError(domain.CodeNotFound, "unknown asset "+id)
	}
	d := &Detail{Asset: *a}
	if s.books != nil {
		if snap := s.books.Snapshot(id); snap != nil {
			d.Bids = snap.Bids
			d.Asks = snap.Asks
			d.RecentTrades = snap.RecentTrades
		}
	}
	return d, nil
}

// FeeBps resolves the taker fee for an asset: its override when set,
// the platform default otherwise. Shaped to plug in as the order book
// manager's FeeResolver.
func (s *Service) FeeBps(assetID string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if a, ok := s.byID[assetID]; ok && a.FeeBpsOverride != nil {
		return int64(*a.FeeBpsOverride)
	}
	return s.defaultFeeBps
}

// ApplyBatch folds a settled fill batch into the asset's trade stats:
// last price, trailing 24h volume, ATH/ATL. Runs on the book writer
// goroutine via the batch handler, so stats stay atomic with fills.
func (s *Service) ApplyBatch(batch *orderbook.Batch) {
	if len(batch.Trades) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[batch.AssetID]
	if !ok {
		s.log.Warn().Str("asset_id", batch.AssetID).Msg("Fill batch for unknown asset")
		return
	}

	w := s.volume[a.ID]
	if w == nil {
		w = &volumeWindow{}
		s.volume[a.ID] = w
	}
	for _, t := range batch.Trades {
		a.Price = t.Price
		w.add(t.Qty*t.Price, t.Timestamp)
		if t.Price > a.ATH {
			a.ATH = t.Price
		}
		if a.ATL == 0 || t.Price < a.ATL {
			a.ATL = t.Price
		}
	}
	a.Volume24h = w.total(batch.Trades[len(batch.Trades)-1].Timestamp)
	a.UpdatedAt = time.Now().UTC()
	delete(s.dirty, a.ID)

	if err := s.repo.UpdateStats(a.ID, a.Price, a.Volume24h, a.ATH, a.ATL); err != nil {
		s.log.Error().Err(err).Str("asset_id", a.ID).Msg("Failed to persist asset stats")
	}
}

// MarkPrice updates an asset's price from a market data tick. Marks are
// memory-only until FlushStats; quote streams tick far too often for
// write-through.
func (s *Service) MarkPrice(symbol string, price float64) {
	if price <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.bySymbol[strings.ToUpper(symbol)]
	if !ok {
		return
	}
	a := s.byID[id]
	a.Price = price
	a.UpdatedAt = time.Now().UTC()
	s.dirty[id] = true
}

// FlushStats persists every price mark accumulated since the last
// flush. Run from the maintenance schedule.
func (s *Service) FlushStats() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	flushed := 0
	for id := range s.dirty {
		a := s.byID[id]
		if a == nil {
			delete(s.dirty, id)
			continue
		}
		if err := s.repo.UpdateStats(id, a.Price, a.Volume24h, a.ATH, a.ATL); err != nil {
			s.log.Error().Err(err).Str("asset_id", id).Msg("Failed to flush asset stats")
			continue
		}
		delete(s.dirty, id)
		flushed++
	}
	return flushed
}

// AdjustHolders moves an asset's holder count by delta. Shaped to plug
// in as the portfolio store's holder sink.
func (s *Service) AdjustHolders(assetID string, delta int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[assetID]
	if !ok {
		return
	}
	a.Holders += delta
	if a.Holders < 0 {
		s.log.Warn().Str("asset_id", assetID).Int("holders", a.Holders).
			Msg("Holder count went negative, clamping")
		a.Holders = 0
	}
	if err := s.repo.SetHolders(assetID, a.Holders); err != nil {
		s.log.Error().Err(err).Str("asset_id", assetID).Msg("Failed to persist holder count")
	}
}

// ResetHolders overwrites holder counts after replay rebuilds positions.
// Assets absent from the map drop to zero.
func (s *Service) ResetHolders(counts map[string]int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, a := range s.byID {
		n := counts[id]
		if a.Holders == n {
			continue
		}
		a.Holders = n
		if err := s.repo.SetHolders(id, n); err != nil {
			s.log.Error().Err(err).Str("asset_id", id).Msg("Failed to persist holder count")
		}
	}
}

// DueDistributions returns copies of every active asset whose yield
// schedule has come due.
func (s *Service) DueDistributions(now time.Time) []*domain.Asset {
	s.mu.RLock()
	defer s.mu.RUnlock()

	due := make([]*domain.Asset, 0)
	for _, a := range s.byID {
		if !a.Active || a.Yield.Frequency == "" || a.Yield.AnnualRate <= 0 {
			continue
		}
		if a.Yield.NextDistribution.IsZero() || a.Yield.NextDistribution.After(now) {
			continue
		}
		cp := *a
		due = append(due, &cp)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].Symbol < due[j].Symbol })
	return due
}

// AdvanceDistribution schedules the asset's next payout one period
// after the previous due time, keeping the cadence anchored even when
// the scan runs late.
func (s *Service) AdvanceDistribution(assetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[assetID]
	if !ok {
		return domain.NewInputError(domain.CodeNotFound, "unknown asset "+assetID)
	}
	next := a.Yield.NextDistribution.Add(distributionPeriod(a.Yield.Frequency))
	if err := s.repo.SetNextDistribution(assetID, next); err != nil {
		return err
	}
	a.Yield.NextDistribution = next
	return nil
}

// SetActive flips trading on one asset.
func (s *Service) SetActive(assetID string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[assetID]
	if !ok {
		return domain.NewInputError(domain.CodeNotFound, "unknown asset "+assetID)
	}
	if err := s.repo.SetActive(assetID, active); err != nil {
		return err
	}
	a.Active = active
	s.log.Info().Str("asset_id", assetID).Bool("active", active).Msg("Asset trading flag changed")
	return nil
}

// Symbols returns every catalog symbol, for feed subscriptions.
func (s *Service) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.bySymbol))
	for sym := range s.bySymbol {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Supplies returns total supply per asset id, the reconciliation input.
func (s *Service) Supplies() map[string]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]float64, len(s.byID))
	for id, a := range s.byID {
		out[id] = a.TotalSupply
	}
	return out
}

func validateAsset(a *domain.Asset) error {
	switch {
	case a.Symbol == "":
		return domain.NewInputError(domain.CodeInvalidInput, "asset symbol required")
	case a.Name == "":
		return domain.NewInputError(domain.CodeInvalidInput, "asset name required")
	case !validClass(a.Class):
		return domain.NewInputError(domain.CodeInvalidInput, "unknown asset class "+string(a.Class))
	case a.Price <= 0:
		return domain.NewInputError(domain.CodeInvalidInput, "asset price must be positive")
	case a.TotalSupply <= 0:
		return domain.NewInputError(domain.CodeInvalidInput, "asset total supply must be positive")
	case a.MinTrade < 0 || a.MinInvest.IsNegative():
		return domain.NewInputError(domain.CodeInvalidInput, "asset minimums cannot be negative")
	}
	if a.Yield.Frequency != "" {
		if a.Yield.Frequency.PeriodsPerYear() == 0 {
			return domain.NewInputError(domain.CodeInvalidInput,
				"unknown yield frequency "+string(a.Yield.Frequency))
		}
		if a.Yield.AnnualRate <= 0 {
			return domain.NewInputError(domain.CodeInvalidInput, "yield rate must be positive")
		}
	}
	return nil
}

func validClass(c domain.AssetClass) bool {
	switch c {
	case domain.AssetClassStock, domain.AssetClassCrypto, domain.AssetClassForex,
		domain.AssetClassCommodity, domain.AssetClassRealEstate, domain.AssetClassBond:
		return true
	}
	return false
}

func distributionPeriod(f domain.YieldFrequency) time.Duration {
	periods := f.PeriodsPerYear()
	if periods == 0 {
		return 0
	}
	year := 365 * 24 * time.Hour
	return year / time.Duration(periods)
}

// volumeWindow tracks notional traded over the trailing 24 hours in
// hourly buckets.
type volumeWindow struct {
	buckets [24]float64
	hour    time.Time // start of the bucket currently accumulating
}

func (w *volumeWindow) roll(at time.Time) {
	h := at.UTC().Truncate(time.Hour)
	if w.hour.IsZero() || h.Sub(w.hour) >= 24*time.Hour {
		w.buckets = [24]float64{}
		w.hour = h
		return
	}
	for w.hour.Before(h) {
		w.hour = w.hour.Add(time.Hour)
		w.buckets[w.hour.Hour()] = 0
	}
}

func (w *volumeWindow) add(notional float64, at time.Time) {
	w.roll(at)
	w.buckets[w.hour.Hour()] += notional
}

func (w *volumeWindow) total(at time.Time) float64 {
	w.roll(at)
	var sum float64
	for _, v := range w.buckets {
		sum += v
	}
	return sum
}
