package orderbook

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfold/tradecore/internal/domain"
	"github.com/quantfold/tradecore/internal/events"
)

// Manager owns one Book per asset, created lazily. Books run their own
// writer goroutines; the manager only routes.
type Manager struct {
	fee FeeResolver
	bus *events.Bus
	log zerolog.Logger

	mu      sync.RWMutex
	books   map[string]*Book
	onBatch BatchHandler
	stopped bool
}

// Stats summarizes all books for the system status endpoint.
type Stats struct {
	Books         int `json:"books"`
	RestingOrders int `json:"resting_orders"`
	StopOrders    int `json:"stop_orders"`
}

// NewManager builds the book router. onBatch is the fill applier every
// book hands settled batches to; it may be nil when nothing downstream
// consumes them.
func NewManager(fee FeeResolver, onBatch BatchHandler, bus *events.Bus, log zerolog.Logger) *Manager {
	return &Manager{
		fee:     fee,
		bus:     bus,
		onBatch: onBatch,
		log:     log,
		books:   make(map[string]*Book),
	}
}

// Book returns the order book for an asset, creating it on first use.
func (m *Manager) Book(assetID string) *Book {
	m.mu.RLock()
	b, ok := m.books[assetID]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.books[assetID]; ok {
		return b
	}
	if m.stopped {
		return nil
	}
	b = newBook(assetID, m.fee, m.onBatch, m.bus, m.log)
	m.books[assetID] = b
	return b
}

// Submit routes an order to its asset's book.
func (m *Manager) Submit(ctx context.Context, order domain.Order) (*Batch, error) {
	if order.AssetID == "" {
		return nil, domain.NewInputError(domain.CodeInvalidInput, "order missing asset id")
	}
	b := m.Book(order.AssetID)
	if b == nil {
		return nil, domain.NewStateError(domain.CodeInternal, "order books stopped")
	}
	return b.Submit(ctx, order)
}

// Cancel removes a live order from its book.
func (m *Manager) Cancel(ctx context.Context, assetID, orderID, reason string) error {
	m.mu.RLock()
	b, ok := m.books[assetID]
	m.mu.RUnlock()
	if !ok {
		return domain.NewInputError(domain.CodeNotFound, "order "+orderID+" not on book")
	}
	return b.Cancel(ctx, orderID, reason)
}

// Order looks up a live order across one asset's book.
func (m *Manager) Order(ctx context.Context, assetID, orderID string) (domain.Order, bool) {
	m.mu.RLock()
	b, ok := m.books[assetID]
	m.mu.RUnlock()
	if !ok {
		return domain.Order{}, false
	}
	return b.Order(ctx, orderID)
}

// Snapshot returns an asset's current book view, nil when no book
// exists yet.
func (m *Manager) Snapshot(assetID string) *Snapshot {
	m.mu.RLock()
	b, ok := m.books[assetID]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	return b.Snapshot()
}

// Restore reseats replayed open orders grouped by asset.
func (m *Manager) Restore(ctx context.Context, orders []domain.Order) error {
	byAsset := make(map[string][]domain.Order)
	for _, o := range orders {
		byAsset[o.AssetID] = append(byAsset[o.AssetID], o)
	}
	assetIDs := make([]string, 0, len(byAsset))
	for id := range byAsset {
		assetIDs = append(assetIDs, id)
	}
	sort.Strings(assetIDs)
	for _, id := range assetIDs {
		b := m.Book(id)
		if b == nil {
			return domain.NewStateError(domain.CodeInternal, "order books stopped")
		}
		if err := b.Restore(ctx, byAsset[id]); err != nil {
			return err
		}
	}
	return nil
}

// SweepExpired runs the expiry sweep on every book and returns the
// total cancelled.
func (m *Manager) SweepExpired(ctx context.Context, now time.Time) int {
	m.mu.RLock()
	books := make([]*Book, 0, len(m.books))
	for _, b := range m.books {
		books = append(books, b)
	}
	m.mu.RUnlock()

	total := 0
	for _, b := range books {
		n, err := b.SweepExpired(ctx, now)
		if err != nil {
			m.log.Warn().Err(err).Str("asset_id", b.assetID).Msg("Expiry sweep failed")
			continue
		}
		total += n
	}
	if total > 0 {
		m.log.Info().Int("cancelled", total).Msg("Expired orders swept")
	}
	return total
}

// Stats aggregates live book counters.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Stats{Books: len(m.books)}
	for _, b := range m.books {
		snap := b.Snapshot()
		s.RestingOrders += snap.RestingOrders
		s.StopOrders += snap.StopOrders
	}
	return s
}

// Stop halts every book's writer goroutine.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	books := make([]*Book, 0, len(m.books))
	for _, b := range m.books {
		books = append(books, b)
	}
	m.mu.Unlock()

	for _, b := range books {
		b.Stop()
	}
	m.log.Info().Int("books", len(books)).Msg("Order books stopped")
}
