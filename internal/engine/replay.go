package engine

import (
	"context"
	"sort"

	"github.com/quantfold/tradecore/internal/domain"
	"github.com/quantfold/tradecore/internal/events"
	"github.com/quantfold/tradecore/internal/modules/ledger"
)

// tokenEpsilon matches the book's smallest meaningful remainder.
const tokenEpsilon = 1e-9

// replayOutcome summarizes a boot replay.
type replayOutcome struct {
	Applied   uint64
	LastSeq   uint64
	Truncated uint64
	Restored  int // resting orders reseated into books
}

// rebuild replays the full ledger into the in-memory stores and reseats
// surviving open orders into the books. The ledger is the only durable
// truth: accounts, positions, bot counters, pattern stats and resting
// orders all come back from here.
func (e *Engine) rebuild(ctx context.Context) (replayOutcome, error) {
	open := make(map[string]*domain.Order)

	res, err := e.journal.Replay(ctx, 0, func(entry ledger.Entry) error {
		data, err := events.DecodeData(events.EventType(entry.Kind), entry.Payload)
		if err != nil {
			e.log.Warn().Err(err).Uint64("seq", entry.Seq).
				Str("kind", entry.Kind).Msg("Skipping undecodable ledger entry")
			return nil
		}

		e.portfolio.ApplyEntry(data, entry.CreatedAt)
		e.registry.ApplyEntry(data, entry.CreatedAt)

		switch d := data.(type) {
		case *events.OrderPlacedData:
			open[d.OrderID] = orderFromPlaced(d, entry)
		case *events.OrderFilledData:
			if o := open[d.OrderID]; o != nil {
				o.FilledQty = o.Qty - d.Remaining
				o.Status = domain.OrderStatusPartial
				if d.Remaining <= tokenEpsilon {
					delete(open, d.OrderID)
				}
			}
		case *events.OrderCancelledData:
			delete(open, d.OrderID)
		case *events.PositionClosedData:
			// The knowledge snapshot already covers entries up to its
			// own sequence; only newer outcomes are re-recorded.
			if d.PatternKey != "" && entry.Seq > e.kb.LastSeq() {
				e.kb.Record(d.PatternKey, d.PnLPct, entry.Seq)
			}
			e.botState.noteClosed(d.BotID, d.RealizedPnL)
		}
		return nil
	})
	if err != nil {
		return replayOutcome{}, err
	}

	e.portfolio.FinishReplay()

	survivors := restingOrders(open)
	if len(survivors) > 0 {
		if err := e.books.Restore(ctx, survivors); err != nil {
			return replayOutcome{}, err
		}
	}

	return replayOutcome{
		Applied:   res.Applied,
		LastSeq:   res.LastSeq,
		Truncated: res.Truncated,
		Restored:  len(survivors),
	}, nil
}

// restingOrders filters replay survivors down to orders a book can
// actually hold. A market order still open at replay end means the
// engine died mid-settlement; its fills are already journaled and the
// remainder cannot rest, so it is dropped.
func restingOrders(open map[string]*domain.Order) []domain.Order {
	out := make([]domain.Order, 0, len(open))
	for _, o := range open {
		if o.Type == domain.OrderTypeMarket {
			continue
		}
		if o.RemainingQty() <= tokenEpsilon {
			continue
		}
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ArrivalSeq < out[j].ArrivalSeq })
	return out
}

func orderFromPlaced(d *events.OrderPlacedData, entry ledger.Entry) *domain.Order {
	o := &domain.Order{
		ID:         d.OrderID,
		SignalID:   d.SignalID,
		UserID:     d.UserID,
		BotID:      d.BotID,
		AssetID:    d.AssetID,
		Side:       domain.Side(d.Side),
		Type:       domain.OrderType(d.OrderType),
		Qty:        d.Qty,
		LimitPrice: d.LimitPrice,
		StopPrice:  d.StopPrice,
		Status:     domain.OrderStatusOpen,
		ArrivalSeq: entry.Seq,
		CreatedAt:  entry.CreatedAt,
	}
	if d.ExpiresAt != nil {
		o.ExpiresAt = *d.ExpiresAt
	}
	return o
}
