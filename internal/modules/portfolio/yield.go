package portfolio

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfold/tradecore/internal/domain"
	"github.com/quantfold/tradecore/internal/events"
)

// Holder is one user's stake in an asset at distribution time.
type Holder struct {
	UserID   string  `json:"user_id"`
	Tokens   float64 `json:"tokens"`
	Reinvest bool    `json:"reinvest"`
}

// HoldersOf returns every user currently holding the asset, sorted by
// user id so payouts land in a deterministic ledger order.
func (s *Store) HoldersOf(assetID string) []Holder {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var holders []Holder
	for userID, byAsset := range s.positions {
		h, ok := byAsset[assetID]
		if !ok || h.pos.Tokens <= tokenEpsilon {
			continue
		}
		holders = append(holders, Holder{
			UserID:   userID,
			Tokens:   h.pos.Tokens,
			Reinvest: h.pos.Reinvest,
		})
	}
	sort.Slice(holders, func(i, j int) bool { return holders[i].UserID < holders[j].UserID })
	return holders
}

// CreditYield accrues one holder's share of a yield period as pending
// yield. If the position closed between the holder scan and the credit,
// the amount pays straight to cash instead of dangling on a missing row.
func (s *Store) CreditYield(userID, assetID string, amount decimal.Decimal) {
	if !amount.IsPositive() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	d := &events.DistributionPaidData{AssetID: assetID, UserID: userID, Amount: amount}
	s.applyDistribution(d)
	s.ledger.Append(d)
}

// RecordReinvestment journals the reinvested share of a period. The
// token movement arrives separately through the synthetic fill batch,
// so this entry only carries the money trail.
func (s *Store) RecordReinvestment(userID, assetID string, amount decimal.Decimal, tokens, price float64) {
	if !amount.IsPositive() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	d := &events.DistributionPaidData{
		AssetID:    assetID,
		UserID:     userID,
		Amount:     amount,
		Reinvested: true,
		Tokens:     tokens,
		Price:      price,
	}
	s.applyDistribution(d)
	s.ledger.Append(d)
}

// CreditIssuer pays the rounding drift of a distribution period (and
// the unheld share of the float) straight to the issuer's cash. No
// position is involved, so the entry lands as an already-claimed payout.
func (s *Store) CreditIssuer(userID, assetID string, amount decimal.Decimal) {
	if userID == "" || !amount.IsPositive() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	d := &events.DistributionPaidData{AssetID: assetID, UserID: userID, Amount: amount, Drift: true}
	s.applyDistribution(d)
	s.ledger.Append(d)
}

// Claim pays out a position's pending yield to cash and journals the
// withdrawal. Nothing pending reports NO_YIELD.
func (s *Store) Claim(userID, assetID string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.holding(userID, assetID)
	if h == nil || !h.pos.PendingYield.IsPositive() {
		return decimal.Zero, domain.NewStateError(domain.CodeNoYield, "no pending yield to claim")
	}
	amount := h.pos.PendingYield
	d := &events.DistributionPaidData{AssetID: assetID, UserID: userID, Amount: amount, Claimed: true}
	s.applyDistribution(d)
	s.ledger.Append(d)
	return amount, nil
}

// SetReinvest stores the reinvestment preference for a (user, asset)
// and applies it to the live position if one is open.
func (s *Store) SetReinvest(userID, assetID string, reinvest bool) error {
	if err := s.repo.SetReinvestPref(userID, assetID, reinvest); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.prefs[userID+"/"+assetID] = reinvest
	if h := s.holding(userID, assetID); h != nil {
		h.pos.Reinvest = reinvest
		h.pos.UpdatedAt = time.Now().UTC()
	}
	return nil
}

// applyDistribution mutates state for one DistributionPaid record. The
// caller appends it to the ledger on the live path; replay hands the
// same records back through ApplyEntry. Callers hold the lock.
func (s *Store) applyDistribution(d *events.DistributionPaidData) {
	y := s.ensureYield(d.UserID)
	h := s.holding(d.UserID, d.AssetID)

	switch {
	case d.Drift:
		// Issuer remainder: cash in, no position or pending involved.
		acct := s.ensureAccount(d.UserID)
		acct.Balance = acct.Balance.Add(d.Amount)
		y.claimed = y.claimed.Add(d.Amount)
	case d.Claimed:
		// Withdrawal of already-accrued yield: earned was counted at
		// accrual time.
		acct := s.ensureAccount(d.UserID)
		acct.Balance = acct.Balance.Add(d.Amount)
		y.claimed = y.claimed.Add(d.Amount)
		if h != nil {
			h.pos.PendingYield = h.pos.PendingYield.Sub(d.Amount)
			if h.pos.PendingYield.IsNegative() {
				h.pos.PendingYield = decimal.Zero
			}
		}
	case d.Reinvested:
		y.earned = y.earned.Add(d.Amount)
		y.reinvested = y.reinvested.Add(d.Amount)
	default:
		y.earned = y.earned.Add(d.Amount)
		if h != nil {
			h.pos.PendingYield = h.pos.PendingYield.Add(d.Amount)
		} else {
			// Defensive: an accrual for a vanished row pays to cash so
			// the money cannot evaporate.
			acct := s.ensureAccount(d.UserID)
			acct.Balance = acct.Balance.Add(d.Amount)
			s.log.Warn().
				Str("user_id", d.UserID).
				Str("asset_id", d.AssetID).
				Str("amount", d.Amount.String()).
				Msg("Yield accrual without a position, paid to cash")
		}
	}
}
