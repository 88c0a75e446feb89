// Package ledger is the append-only audit log every trading action
// flows through. Entries carry self-describing JSON payloads keyed by a
// gapless monotonic sequence; replaying them rebuilds positions, open
// orders, bot counters and knowledge stats after a restart.
package ledger

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfold/tradecore/internal/database"
	"github.com/quantfold/tradecore/internal/domain"
	"github.com/quantfold/tradecore/internal/events"
)

// appendQueueSize bounds the async append channel. A full queue blocks
// appenders instead of dropping: audit entries are never sacrificed to
// backpressure.
const appendQueueSize = 1024

// Entry is one committed ledger row.
type Entry struct {
	Seq       uint64          `json:"seq"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Tap observes committed entries on the writer goroutine, after the
// durable write. Taps are lossless, unlike bus subscriptions; the
// knowledge base feeds on PositionClosed entries through one.
type Tap func(Entry)

// Stats is the writer health view for the status endpoint.
type Stats struct {
	Appended uint64 `json:"appended"`
	Failed   uint64 `json:"failed"`
	Queued   int    `json:"queued"`
}

type appendResult struct {
	seq uint64
	err error
}

type appendReq struct {
	kind    string
	payload []byte
	done    chan appendResult // nil for fire-and-forget
}

// Log is the ledger: one writer goroutine owns all inserts, other
// components hand it entries through a bounded channel.
type Log struct {
	db  *database.DB
	log zerolog.Logger

	reqs chan appendReq
	quit chan struct{}
	done chan struct{}

	tapMu sync.RWMutex
	taps  []Tap

	appended atomic.Uint64
	failed   atomic.Uint64
}

// New opens the ledger over its database and starts the writer.
func New(db *database.DB, logger zerolog.Logger) *Log {
	l := &Log{
		db:   db,
		log:  logger.With().Str("component", "ledger").Logger(),
		reqs: make(chan appendReq, appendQueueSize),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

// Tap registers a post-commit observer. Register before traffic starts;
// taps run on the writer goroutine and must not block.
func (l *Log) Tap(fn Tap) {
	l.tapMu.Lock()
	defer l.tapMu.Unlock()
	l.taps = append(l.taps, fn)
}

// Append queues an entry without waiting for the write. It blocks when
// the queue is full and is dropped only if the ledger is shutting down.
func (l *Log) Append(data events.EventData) {
	req, err := l.newRequest(data, false)
	if err != nil {
		l.failed.Add(1)
		l.log.Error().Err(err).Str("kind", string(data.EventType())).Msg("Ledger payload marshal failed")
		return
	}
	select {
	case l.reqs <- req:
	case <-l.quit:
		l.failed.Add(1)
		l.log.Warn().Str("kind", req.kind).Msg("Ledger append dropped during shutdown")
	}
}

// AppendSync writes an entry and waits for the durable commit,
// returning its sequence. The risk pipeline uses it so an order is on
// disk before it reaches the matching engine.
func (l *Log) AppendSync(ctx context.Context, data events.EventData) (uint64, error) {
	req, err := l.newRequest(data, true)
	if err != nil {
		l.failed.Add(1)
		return 0, err
	}
	select {
	case l.reqs <- req:
	case <-l.quit:
		return 0, domain.NewStateError(domain.CodeInternal, "ledger is shutting down")
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	select {
	case res := <-req.done:
		return res.seq, res.err
	case <-ctx.Done():
		// The write still lands; only the caller stops waiting.
		return 0, ctx.Err()
	case <-l.done:
		return 0, domain.NewStateError(domain.CodeInternal, "ledger writer stopped")
	}
}

// Close drains queued entries and stops the writer.
func (l *Log) Close() {
	select {
	case <-l.quit:
		return
	default:
	}
	close(l.quit)
	<-l.done
	l.log.Info().Uint64("appended", l.appended.Load()).Msg("Ledger writer stopped")
}

// Stats reports writer counters.
func (l *Log) Stats() Stats {
	return Stats{
		Appended: l.appended.Load(),
		Failed:   l.failed.Load(),
		Queued:   len(l.reqs),
	}
}

func (l *Log) newRequest(data events.EventData, sync bool) (appendReq, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return appendReq{}, domain.NewInputError(domain.CodeInvalidInput, "ledger payload not serializable")
	}
	req := appendReq{kind: string(data.EventType()), payload: payload}
	if sync {
		req.done = make(chan appendResult, 1)
	}
	return req, nil
}

func (l *Log) run() {
	defer close(l.done)
	for {
		select {
		case req := <-l.reqs:
			l.write(req)
		case <-l.quit:
			for {
				select {
				case req := <-l.reqs:
					l.write(req)
				default:
					return
				}
			}
		}
	}
}

func (l *Log) write(req appendReq) {
	now := time.Now().UTC()
	res, err := l.db.Exec(
		`INSERT INTO ledger_entries (kind, payload, created_at) VALUES (?, ?, ?)`,
		req.kind, string(req.payload), now.UnixNano(),
	)
	if err != nil {
		l.failed.Add(1)
		l.log.Error().Err(err).Str("kind", req.kind).Msg("Ledger write failed")
		if req.done != nil {
			req.done <- appendResult{err: domain.NewStateError(domain.CodeInternal, "ledger write failed: "+err.Error())}
		}
		return
	}
	id, err := res.LastInsertId()
	if err != nil {
		l.failed.Add(1)
		if req.done != nil {
			req.done <- appendResult{err: domain.NewStateError(domain.CodeInternal, "ledger sequence unavailable")}
		}
		return
	}

	seq := uint64(id)
	l.appended.Add(1)

	// Taps run post-commit but before the sync ack, so a returned
	// AppendSync means every observer has already seen the entry.
	entry := Entry{Seq: seq, Kind: req.kind, Payload: req.payload, CreatedAt: now}
	l.tapMu.RLock()
	taps := l.taps
	l.tapMu.RUnlock()
	for _, tap := range taps {
		tap(entry)
	}

	if req.done != nil {
		req.done <- appendResult{seq: seq}
	}
}
