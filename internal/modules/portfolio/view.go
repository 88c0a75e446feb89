package portfolio

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfold/tradecore/internal/domain"
)

// PositionView is one position valued at the current catalog price.
type PositionView struct {
	AssetID       string            `json:"asset_id"`
	Symbol        string            `json:"symbol"`
	Class         domain.AssetClass `json:"class"`
	Tokens        float64           `json:"tokens"`
	AvgCost       decimal.Decimal   `json:"avg_cost"`
	Price         float64           `json:"price"`
	MarketValue   decimal.Decimal   `json:"market_value"`
	UnrealizedPnL decimal.Decimal   `json:"unrealized_pnl"`
	RealizedPnL   decimal.Decimal   `json:"realized_pnl"`
	PendingYield  decimal.Decimal   `json:"pending_yield"`
	Reinvest      bool              `json:"reinvest"`
	BotID         string            `json:"bot_id,omitempty"`
	OpenedAt      time.Time         `json:"opened_at"`
}

// ClassAllocation is portfolio value grouped by asset class.
type ClassAllocation struct {
	Class domain.AssetClass `json:"class"`
	Value decimal.Decimal   `json:"value"`
	Pct   float64           `json:"pct"`
}

// YieldSummary aggregates a user's yield activity. Pending is claimable
// now; earned is lifetime accruals including reinvested amounts.
type YieldSummary struct {
	Pending    decimal.Decimal `json:"pending"`
	Earned     decimal.Decimal `json:"earned"`
	Reinvested decimal.Decimal `json:"reinvested"`
	Claimed    decimal.Decimal `json:"claimed"`
}

// View is the full portfolio payload for one user.
type View struct {
	UserID      string            `json:"user_id"`
	CashBalance decimal.Decimal   `json:"cash_balance"`
	Equity      decimal.Decimal   `json:"equity"` // cash + position market value
	RealizedPnL decimal.Decimal   `json:"realized_pnl"`
	Positions   []PositionView    `json:"positions"`
	Allocation  []ClassAllocation `json:"allocation"`
	Yield       YieldSummary      `json:"yield"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Portfolio values a user's holdings at current catalog prices. Users
// with no account and no positions report NOT_FOUND.
func (s *Store) Portfolio(userID string) (*View, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, hasAccount := s.accounts[userID]
	byAsset := s.positions[userID]
	if !hasAccount && len(byAsset) == 0 {
		return nil, domain.NewInputError(domain.CodeNotFound, "unknown user "+userID)
	}

	view := &View{
		UserID:      userID,
		CashBalance: decimal.Zero,
		RealizedPnL: s.realized[userID],
		Positions:   make([]PositionView, 0, len(byAsset)),
		Allocation:  make([]ClassAllocation, 0, 4),
		Yield: YieldSummary{
			Pending:    decimal.Zero,
			Earned:     decimal.Zero,
			Reinvested: decimal.Zero,
			Claimed:    decimal.Zero,
		},
		UpdatedAt: time.Now().UTC(),
	}
	if hasAccount {
		view.CashBalance = acct.Balance
	}
	if y, ok := s.yields[userID]; ok {
		view.Yield.Earned = y.earned
		view.Yield.Reinvested = y.reinvested
		view.Yield.Claimed = y.claimed
	}

	assetIDs := make([]string, 0, len(byAsset))
	for assetID := range byAsset {
		assetIDs = append(assetIDs, assetID)
	}
	sort.Strings(assetIDs)

	totalValue := decimal.Zero
	byClass := make(map[domain.AssetClass]decimal.Decimal)
	for _, assetID := range assetIDs {
		h := byAsset[assetID]
		pv := PositionView{
			AssetID:       assetID,
			Tokens:        h.pos.Tokens,
			AvgCost:       h.pos.AvgCost,
			MarketValue:   decimal.Zero,
			UnrealizedPnL: decimal.Zero,
			RealizedPnL:   h.pos.RealizedPnL,
			PendingYield:  h.pos.PendingYield,
			Reinvest:      h.pos.Reinvest,
			BotID:         h.pos.BotID,
			OpenedAt:      h.pos.OpenedAt,
		}
		if s.assetInfo != nil {
			if asset, ok := s.assetInfo(assetID); ok {
				pv.Symbol = asset.Symbol
				pv.Class = asset.Class
				pv.Price = asset.Price
				pv.MarketValue = h.pos.MarketValue(asset.Price)
				pv.UnrealizedPnL = h.pos.UnrealizedPnL(asset.Price)
				totalValue = totalValue.Add(pv.MarketValue)
				byClass[asset.Class] = byClass[asset.Class].Add(pv.MarketValue)
			}
		}
		view.Yield.Pending = view.Yield.Pending.Add(h.pos.PendingYield)
		view.Positions = append(view.Positions, pv)
	}

	for class, value := range byClass {
		alloc := ClassAllocation{Class: class, Value: value}
		if totalValue.IsPositive() {
			alloc.Pct = value.Div(totalValue).Mul(decimal.NewFromInt(100)).InexactFloat64()
		}
		view.Allocation = append(view.Allocation, alloc)
	}
	sort.Slice(view.Allocation, func(i, j int) bool {
		if !view.Allocation[i].Value.Equal(view.Allocation[j].Value) {
			return view.Allocation[i].Value.GreaterThan(view.Allocation[j].Value)
		}
		return view.Allocation[i].Class < view.Allocation[j].Class
	})

	view.Equity = view.CashBalance.Add(totalValue)
	return view, nil
}
