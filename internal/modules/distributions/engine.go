// Package distributions runs periodic yield payouts. Each due asset
// pays market_cap x annual_rate / periods_per_year, split across
// holders by ownership. Non-reinvestors accrue pending yield on the
// position; reinvestors get a synthetic zero-fee buy fill at the
// current price, pushed through the same batch path real fills take so
// replay cannot tell them apart. The rounding remainder of every period
// goes to the issuer account.
package distributions

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quantfold/tradecore/internal/domain"
	"github.com/quantfold/tradecore/internal/events"
	"github.com/quantfold/tradecore/internal/modules/portfolio"
	"github.com/quantfold/tradecore/internal/orderbook"
)

// Catalog is the slice of the asset service the engine reads and
// advances.
type Catalog interface {
	DueDistributions(now time.Time) []*domain.Asset
	AdvanceDistribution(assetID string) error
}

// Holdings is the slice of the portfolio store the engine pays through.
type Holdings interface {
	HoldersOf(assetID string) []portfolio.Holder
	CreditYield(userID, assetID string, amount decimal.Decimal)
	RecordReinvestment(userID, assetID string, amount decimal.Decimal, tokens, price float64)
	CreditIssuer(userID, assetID string, amount decimal.Decimal)
	ApplyBatch(batch *orderbook.Batch)
}

// Settings supplies the platform-level distribution knobs, read fresh
// on every scan so operator changes apply to the next period.
type Settings interface {
	// MaxOwnershipPct caps any single holder's stake as a percentage of
	// total supply. Zero disables the cap.
	MaxOwnershipPct() float64
	// IssuerAccountID receives each period's rounding remainder. Empty
	// drops the remainder.
	IssuerAccountID() string
}

// Engine pays yield periods. The scheduler calls Run on its hourly scan.
type Engine struct {
	catalog  Catalog
	holdings Holdings
	settings Settings
	bus      *events.Bus
	log      zerolog.Logger
}

// NewEngine creates the distribution engine. bus may be nil in tests.
func NewEngine(catalog Catalog, holdings Holdings, settings Settings, bus *events.Bus, log zerolog.Logger) *Engine {
	return &Engine{
		catalog:  catalog,
		holdings: holdings,
		settings: settings,
		bus:      bus,
		log:      log.With().Str("component", "distributions").Logger(),
	}
}

// Run scans for due assets and pays each one's period. Returns how many
// assets paid out.
func (e *Engine) Run(ctx context.Context, now time.Time) (int, error) {
	due := e.catalog.DueDistributions(now)
	paid := 0
	for _, asset := range due {
		select {
		case <-ctx.Done():
			return paid, ctx.Err()
		default:
		}
		ok, err := e.distribute(asset, now)
		if err != nil {
			e.log.Error().Err(err).Str("asset_id", asset.ID).Str("symbol", asset.Symbol).
				Msg("Distribution failed")
			continue
		}
		if ok {
			paid++
		}
	}
	return paid, nil
}

// distribute pays one asset's period. The schedule advances before any
// money moves: a crash mid-payout under-pays the tail of the holder
// list, it never pays the same holder twice on restart.
func (e *Engine) distribute(asset *domain.Asset, now time.Time) (bool, error) {
	if asset.TotalSupply <= 0 || asset.Price <= 0 {
		e.log.Warn().Str("symbol", asset.Symbol).
			Float64("supply", asset.TotalSupply).Float64("price", asset.Price).
			Msg("Distribution skipped, no valuation")
		return false, e.catalog.AdvanceDistribution(asset.ID)
	}
	periods := asset.Yield.Frequency.PeriodsPerYear()
	if periods <= 0 {
		return false, e.catalog.AdvanceDistribution(asset.ID)
	}

	periodYield := decimal.NewFromFloat(asset.MarketCap()).
		Mul(decimal.NewFromFloat(asset.Yield.AnnualRate)).
		Div(decimal.NewFromInt(int64(periods)))
	if !periodYield.IsPositive() {
		return false, e.catalog.AdvanceDistribution(asset.ID)
	}

	if err := e.catalog.AdvanceDistribution(asset.ID); err != nil {
		return false, err
	}

	supply := decimal.NewFromFloat(asset.TotalSupply)
	holders := e.holdings.HoldersOf(asset.ID)
	distributed := decimal.Zero
	reinvestors := 0

	for _, h := range holders {
		userYield := periodYield.Mul(decimal.NewFromFloat(h.Tokens)).Div(supply)
		if !userYield.IsPositive() {
			continue
		}
		distributed = distributed.Add(userYield)
		if !h.Reinvest {
			e.holdings.CreditYield(h.UserID, asset.ID, userYield)
			continue
		}
		e.reinvest(asset, h, userYield, now)
		reinvestors++
	}

	// Ownership is at most 100%, so the remainder is never negative
	// beyond decimal division dust.
	drift := periodYield.Sub(distributed)
	if drift.IsPositive() {
		if issuer := e.settings.IssuerAccountID(); issuer != "" {
			e.holdings.CreditIssuer(issuer, asset.ID, drift)
		}
	}

	e.log.Info().
		Str("symbol", asset.Symbol).
		Str("period_yield", periodYield.StringFixed(2)).
		Int("holders", len(holders)).
		Int("reinvestors", reinvestors).
		Str("drift", drift.StringFixed(6)).
		Msg("Distribution paid")

	if e.bus != nil {
		e.bus.Publish("distributions", &events.DistributionPaidData{
			AssetID: asset.ID,
			Amount:  periodYield,
		})
	}
	return true, nil
}

// reinvest converts one holder's share into tokens at the current
// price. The ownership cap splits the share: tokens up to the cap,
// anything past it accrues as pending yield instead.
func (e *Engine) reinvest(asset *domain.Asset, h portfolio.Holder, amount decimal.Decimal, now time.Time) {
	price := asset.Price
	tokens := amount.InexactFloat64() / price

	if maxPct := e.settings.MaxOwnershipPct(); maxPct > 0 {
		headroom := maxPct/100*asset.TotalSupply - h.Tokens
		if headroom <= 0 {
			e.log.Debug().Str("user_id", h.UserID).Str("symbol", asset.Symbol).
				Msg("Ownership cap reached, yield accrues as pending")
			e.holdings.CreditYield(h.UserID, asset.ID, amount)
			return
		}
		if tokens > headroom {
			capped := decimal.NewFromFloat(headroom * price)
			rest := amount.Sub(capped)
			if rest.IsPositive() {
				e.holdings.CreditYield(h.UserID, asset.ID, rest)
			}
			amount = capped
			tokens = headroom
		}
	}

	e.holdings.RecordReinvestment(h.UserID, asset.ID, amount, tokens, price)
	e.holdings.ApplyBatch(&orderbook.Batch{
		AssetID: asset.ID,
		Fills: []domain.Fill{{
			ID:        uuid.NewString(),
			AssetID:   asset.ID,
			UserID:    h.UserID,
			Side:      domain.SideBuy,
			Qty:       tokens,
			Price:     price,
			Fee:       decimal.Zero,
			Synthetic: true,
			Timestamp: now,
		}},
	})
}
