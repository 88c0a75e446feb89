// Package market_hours answers "is this market open" per asset class.
// All schedules are expressed in UTC; the engine has no local timezone.
package market_hours

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfold/tradecore/internal/domain"
)

// Stock session bounds, UTC. 14:30-21:00 is the US cash session.
const (
	stockOpenMinute  = 14*60 + 30
	stockCloseMinute = 21 * 60
)

// Forex closes Friday 22:00 UTC and reopens Sunday 22:00 UTC.
const forexRolloverHour = 22

// Status describes one class's market at a point in time.
type Status struct {
	Class    domain.AssetClass `json:"class"`
	Open     bool              `json:"open"`
	OpensAt  *time.Time        `json:"opens_at,omitempty"`  // next open when closed
	ClosesAt *time.Time        `json:"closes_at,omitempty"` // next close when open
}

// Service computes market status. It is stateless; the struct exists so
// consumers hold a narrow dependency rather than free functions.
type Service struct {
	log zerolog.Logger
}

// NewService creates a market hours service.
func NewService(log zerolog.Logger) *Service {
	return &Service{log: log.With().Str("component", "market_hours").Logger()}
}

// IsOpen reports whether the market for an asset class is open at t.
//
// Stocks trade Mon-Fri 14:30-21:00 UTC. Forex trades around the clock
// from Sunday 22:00 UTC to Friday 22:00 UTC. Commodities trade Mon-Fri.
// Crypto and the platform's own tokenized classes (real estate, bonds)
// never close: their liquidity is the internal book, not an exchange.
func (s *Service) IsOpen(class domain.AssetClass, t time.Time) bool {
	t = t.UTC()
	switch class {
	case domain.AssetClassStock:
		return stockOpen(t)
	case domain.AssetClassForex:
		return forexOpen(t)
	case domain.AssetClassCommodity:
		return t.Weekday() != time.Saturday && t.Weekday() != time.Sunday
	case domain.AssetClassCrypto, domain.AssetClassRealEstate, domain.AssetClassBond:
		return true
	default:
		// Unknown classes stay tradable; the risk pipeline has its own
		// asset-state gate and a false negative here would mute bots.
		return true
	}
}

// StatusOf returns the full status for one class, including the next
// transition time.
func (s *Service) StatusOf(class domain.AssetClass, t time.Time) Status {
	t = t.UTC()
	st := Status{Class: class, Open: s.IsOpen(class, t)}
	switch class {
	case domain.AssetClassStock:
		if st.Open {
			closes := dayAtMinute(t, stockCloseMinute)
			st.ClosesAt = &closes
		} else {
			opens := nextStockOpen(t)
			st.OpensAt = &opens
		}
	case domain.AssetClassForex:
		if st.Open {
			closes := nextForexClose(t)
			st.ClosesAt = &closes
		} else {
			opens := nextForexOpen(t)
			st.OpensAt = &opens
		}
	case domain.AssetClassCommodity:
		if !st.Open {
			opens := nextWeekday(t)
			st.OpensAt = &opens
		}
		// Open commodities have no intraday close; the next transition
		// is the weekend, which the status view doesn't need to project.
	}
	return st
}

// All returns the status of every known class, in a stable order.
func (s *Service) All(t time.Time) []Status {
	classes := []domain.AssetClass{
		domain.AssetClassStock,
		domain.AssetClassCrypto,
		domain.AssetClassForex,
		domain.AssetClassCommodity,
		domain.AssetClassRealEstate,
		domain.AssetClassBond,
	}
	out := make([]Status, 0, len(classes))
	for _, c := range classes {
		out = append(out, s.StatusOf(c, t))
	}
	return out
}

func stockOpen(t time.Time) bool {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	minute := t.Hour()*60 + t.Minute()
	return minute >= stockOpenMinute && minute < stockCloseMinute
}

func forexOpen(t time.Time) bool {
	switch t.Weekday() {
	case time.Saturday:
		return false
	case time.Friday:
		return t.Hour() < forexRolloverHour
	case time.Sunday:
		return t.Hour() >= forexRolloverHour
	default:
		return true
	}
}

func dayAtMinute(t time.Time, minute int) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), minute/60, minute%60, 0, 0, time.UTC)
}

func nextStockOpen(t time.Time) time.Time {
	for d := 0; d <= 7; d++ {
		day := t.AddDate(0, 0, d)
		switch day.Weekday() {
		case time.Saturday, time.Sunday:
			continue
		}
		open := dayAtMinute(day, stockOpenMinute)
		if open.After(t) {
			return open
		}
	}
	// Unreachable: a week always contains a weekday open.
	return t
}

func nextForexOpen(t time.Time) time.Time {
	for d := 0; d <= 7; d++ {
		day := t.AddDate(0, 0, d)
		if day.Weekday() != time.Sunday {
			continue
		}
		open := dayAtMinute(day, forexRolloverHour*60)
		if open.After(t) {
			return open
		}
	}
	return t
}

func nextForexClose(t time.Time) time.Time {
	for d := 0; d <= 7; d++ {
		day := t.AddDate(0, 0, d)
		if day.Weekday() != time.Friday {
			continue
		}
		closes := dayAtMinute(day, forexRolloverHour*60)
		if closes.After(t) {
			return closes
		}
	}
	return t
}

func nextWeekday(t time.Time) time.Time {
	for d := 1; d <= 7; d++ {
		day := t.AddDate(0, 0, d)
		switch day.Weekday() {
		case time.Saturday, time.Sunday:
			continue
		}
		return time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	}
	return t
}
