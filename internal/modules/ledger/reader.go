package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/quantfold/tradecore/internal/domain"
	"github.com/quantfold/tradecore/internal/events"
)

// ReplayResult summarizes one startup replay pass.
type ReplayResult struct {
	Applied   uint64 // entries handed to the callback
	LastSeq   uint64 // last contiguous sequence applied
	Truncated uint64 // entries discarded past a gap, 0 when clean
}

// Replay scans entries after fromSeq in ascending order and hands each
// to fn. A sequence gap marks a partial tail: everything past the gap
// is deleted with a warning and replay stops at the last contiguous
// entry. An fn error aborts the replay and startup.
func (l *Log) Replay(ctx context.Context, fromSeq uint64, fn func(Entry) error) (ReplayResult, error) {
	result := ReplayResult{LastSeq: fromSeq}

	rows, err := l.db.QueryContext(ctx,
		`SELECT seq, kind, payload, created_at FROM ledger_entries WHERE seq > ? ORDER BY seq ASC`,
		fromSeq,
	)
	if err != nil {
		return result, domain.NewStateError(domain.CodeInternal, "ledger replay query failed: "+err.Error())
	}

	prev := fromSeq
	gapAt := uint64(0)
	var entries []Entry
	for rows.Next() {
		var e Entry
		var createdNs int64
		var payload string
		if err := rows.Scan(&e.Seq, &e.Kind, &payload, &createdNs); err != nil {
			_ = rows.Close()
			return result, domain.NewStateError(domain.CodeLedgerCorrupt, "ledger row scan failed: "+err.Error())
		}
		if e.Seq != prev+1 {
			gapAt = e.Seq
			break
		}
		e.Payload = json.RawMessage(payload)
		e.CreatedAt = time.Unix(0, createdNs).UTC()
		entries = append(entries, e)
		prev = e.Seq
	}
	closeErr := rows.Err()
	_ = rows.Close()
	if closeErr != nil {
		return result, domain.NewStateError(domain.CodeLedgerCorrupt, "ledger replay scan failed: "+closeErr.Error())
	}

	if gapAt > 0 {
		n, err := l.truncateFrom(ctx, prev)
		if err != nil {
			return result, err
		}
		result.Truncated = n
		l.log.Warn().Uint64("last_contiguous", prev).Uint64("gap_at", gapAt).
			Uint64("discarded", n).Msg("Ledger tail discarded after sequence gap")
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := fn(e); err != nil {
			return result, err
		}
		result.Applied++
		result.LastSeq = e.Seq
	}
	return result, nil
}

// truncateFrom deletes every entry past lastGood and rewinds the
// autoincrement counter so future appends keep the log gapless.
func (l *Log) truncateFrom(ctx context.Context, lastGood uint64) (uint64, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM ledger_entries WHERE seq > ?`, lastGood)
	if err != nil {
		return 0, domain.NewStateError(domain.CodeLedgerCorrupt, "ledger truncate failed: "+err.Error())
	}
	n, _ := res.RowsAffected()
	if _, err := l.db.ExecContext(ctx,
		`UPDATE sqlite_sequence SET seq = ? WHERE name = 'ledger_entries'`, lastGood); err != nil {
		return uint64(n), domain.NewStateError(domain.CodeLedgerCorrupt, "ledger sequence rewind failed: "+err.Error())
	}
	return uint64(n), nil
}

// Entries returns recent entries, newest first, optionally filtered by
// kind. limit is clamped to [1, 1000].
func (l *Log) Entries(ctx context.Context, kind string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	query := `SELECT seq, kind, payload, created_at FROM ledger_entries`
	args := []any{}
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	return l.scanEntries(ctx, query, args...)
}

// EntriesAfter returns entries with seq greater than after, ascending.
func (l *Log) EntriesAfter(ctx context.Context, after uint64, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	return l.scanEntries(ctx,
		`SELECT seq, kind, payload, created_at FROM ledger_entries WHERE seq > ? ORDER BY seq ASC LIMIT ?`,
		after, limit,
	)
}

func (l *Log) scanEntries(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.NewStateError(domain.CodeInternal, "ledger query failed: "+err.Error())
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		var e Entry
		var createdNs int64
		var payload string
		if err := rows.Scan(&e.Seq, &e.Kind, &payload, &createdNs); err != nil {
			return nil, domain.NewStateError(domain.CodeInternal, "ledger row scan failed: "+err.Error())
		}
		e.Payload = json.RawMessage(payload)
		e.CreatedAt = time.Unix(0, createdNs).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LastSeq returns the highest committed sequence, 0 for an empty log.
func (l *Log) LastSeq(ctx context.Context) (uint64, error) {
	var seq uint64
	err := l.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM ledger_entries`).Scan(&seq)
	if err != nil {
		return 0, domain.NewStateError(domain.CodeInternal, "ledger max seq failed: "+err.Error())
	}
	return seq, nil
}

// IntegrityCheck runs SQLite's integrity check. A failure is fatal: the
// engine refuses to start on a corrupt ledger.
func (l *Log) IntegrityCheck(ctx context.Context) error {
	var result string
	if err := l.db.QueryRowContext(ctx, `PRAGMA integrity_check`).Scan(&result); err != nil {
		return domain.NewFatalError(domain.CodeLedgerCorrupt, "ledger integrity check failed", err)
	}
	if result != "ok" {
		return domain.NewFatalError(domain.CodeLedgerCorrupt, "ledger integrity check reported: "+result, nil)
	}
	return nil
}

// SignalOrder is one row of the signal->order idempotency map.
type SignalOrder struct {
	SignalID  string    `json:"signal_id"`
	OrderID   string    `json:"order_id"`
	CreatedAt time.Time `json:"created_at"`
}

// ReserveSignalOrder claims a signal for an order id before matching.
// When the signal was already claimed it returns the original order id
// and true, making order execution at-most-once per signal.
func (l *Log) ReserveSignalOrder(ctx context.Context, signalID, orderID string) (string, bool, error) {
	res, err := l.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO signal_orders (signal_id, order_id, created_at) VALUES (?, ?, ?)`,
		signalID, orderID, time.Now().UTC().UnixNano(),
	)
	if err != nil {
		return "", false, domain.NewStateError(domain.CodeInternal, "signal reservation failed: "+err.Error())
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return orderID, false, nil
	}

	existing, ok, err := l.GetSignalOrder(ctx, signalID)
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, domain.NewStateError(domain.CodeInternal, "signal reservation vanished")
	}
	return existing, true, nil
}

// GetSignalOrder looks up the order already executed for a signal.
func (l *Log) GetSignalOrder(ctx context.Context, signalID string) (string, bool, error) {
	var orderID string
	err := l.db.QueryRowContext(ctx,
		`SELECT order_id FROM signal_orders WHERE signal_id = ?`, signalID).Scan(&orderID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, domain.NewStateError(domain.CodeInternal, "signal lookup failed: "+err.Error())
	}
	return orderID, true, nil
}

// SignalOrders lists recent idempotency rows for diagnostics.
func (l *Log) SignalOrders(ctx context.Context, limit int) ([]SignalOrder, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT signal_id, order_id, created_at FROM signal_orders ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, domain.NewStateError(domain.CodeInternal, "signal orders query failed: "+err.Error())
	}
	defer rows.Close()

	out := make([]SignalOrder, 0)
	for rows.Next() {
		var so SignalOrder
		var createdNs int64
		if err := rows.Scan(&so.SignalID, &so.OrderID, &createdNs); err != nil {
			return nil, domain.NewStateError(domain.CodeInternal, "signal order scan failed: "+err.Error())
		}
		so.CreatedAt = time.Unix(0, createdNs).UTC()
		out = append(out, so)
	}
	return out, rows.Err()
}

// auditedKinds is the set of event types that land in the ledger.
// Everything else is bus-only.
var auditedKinds = map[events.EventType]bool{
	events.SignalEmitted:    true,
	events.OrderPlaced:      true,
	events.OrderRejected:    true,
	events.OrderFilled:      true,
	events.OrderCancelled:   true,
	events.PositionOpened:   true,
	events.PositionClosed:   true,
	events.DistributionPaid: true,
	events.FeeCharged:       true,
	events.BotStateChanged:  true,
}

// Audited reports whether an event type belongs in the ledger.
func Audited(t events.EventType) bool { return auditedKinds[t] }

// Decode rehydrates an entry's payload into its typed event. Kinds
// outside the audited set report INVALID_INPUT; replay consumers skip
// them with a debug log.
func Decode(e Entry) (events.EventData, error) {
	t := events.EventType(e.Kind)
	if !auditedKinds[t] {
		return nil, domain.NewInputError(domain.CodeInvalidInput, "unknown ledger entry kind "+e.Kind)
	}
	data, err := events.DecodeData(t, e.Payload)
	if err != nil {
		return nil, domain.NewStateError(domain.CodeLedgerCorrupt, "ledger payload decode failed: "+err.Error())
	}
	return data, nil
}
