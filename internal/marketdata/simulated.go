package marketdata

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfold/tradecore/internal/domain"
	"github.com/quantfold/tradecore/internal/events"
)

// SimProvider generates random-walk quotes and candles for dev mode and
// tests. Base prices derive from the symbol name, so the same symbol always
// starts near the same level.
type SimProvider struct {
	mu         sync.Mutex
	rng        *rand.Rand
	prices     map[string]float64
	subscribed map[string]struct{}

	quotes    chan domain.Quote
	interval  time.Duration
	connected atomic.Bool

	bus *events.Bus
	log zerolog.Logger
}

// NewSimProvider creates a simulated provider. A zero interval defaults to
// 500ms between quote ticks.
func NewSimProvider(seed int64, interval time.Duration, bus *events.Bus, log zerolog.Logger) *SimProvider {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &SimProvider{
		rng:        rand.New(rand.NewSource(seed)),
		prices:     make(map[string]float64),
		subscribed: make(map[string]struct{}),
		quotes:     make(chan domain.Quote, 256),
		interval:   interval,
		bus:        bus,
		log:        log.With().Str("component", "provider").Str("provider", "simulated").Logger(),
	}
}

// Name implements Provider.
func (p *SimProvider) Name() string { return "simulated" }

// Quotes implements Provider.
func (p *SimProvider) Quotes() <-chan domain.Quote { return p.quotes }

// Connected implements Provider.
func (p *SimProvider) Connected() bool { return p.connected.Load() }

// Run ticks subscribed symbols until ctx is cancelled.
func (p *SimProvider) Run(ctx context.Context) error {
	p.connected.Store(true)
	p.emitState(true, 0, "started")
	defer func() {
		p.connected.Store(false)
		p.emitState(false, 0, "stopped")
	}()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, q := range p.tick() {
				select {
				case p.quotes <- q:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}

// Subscribe implements Provider.
func (p *SimProvider) Subscribe(_ context.Context, symbols ...string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range symbols {
		p.subscribed[strings.ToUpper(s)] = struct{}{}
	}
	return nil
}

// Unsubscribe implements Provider.
func (p *SimProvider) Unsubscribe(_ context.Context, symbols ...string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range symbols {
		delete(p.subscribed, strings.ToUpper(s))
	}
	return nil
}

// GetQuote returns a fresh simulated quote, advancing the walk one step.
func (p *SimProvider) GetQuote(_ context.Context, symbol string) (domain.Quote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.quoteLocked(strings.ToUpper(symbol)), nil
}

// GetCandles returns limit closed candles ending at the last timeframe
// boundary, generated as a bounded random walk around the base price.
func (p *SimProvider) GetCandles(_ context.Context, symbol string, timeframe domain.Timeframe, limit int) ([]domain.Candle, error) {
	if !timeframe.Valid() {
		return nil, domain.NewInputError(domain.CodeInvalidInput, "invalid timeframe "+string(timeframe))
	}
	if limit <= 0 {
		return nil, nil
	}

	symbol = strings.ToUpper(symbol)
	step := timeframe.Duration()
	end := time.Now().UTC().Truncate(step)

	p.mu.Lock()
	defer p.mu.Unlock()

	base := p.priceLocked(symbol)
	candles := make([]domain.Candle, 0, limit)
	price := base * 0.98
	for i := 0; i < limit; i++ {
		ts := end.Add(-time.Duration(limit-i) * step)
		drift := math.Sin(float64(i)/9.0) * base * 0.01
		noise := p.rng.NormFloat64() * base * 0.002
		open := price
		closePx := base + drift + noise
		high := math.Max(open, closePx) * (1 + p.rng.Float64()*0.002)
		low := math.Min(open, closePx) * (1 - p.rng.Float64()*0.002)
		candles = append(candles, domain.Candle{
			Symbol:    symbol,
			Timeframe: timeframe,
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closePx,
			Volume:    8000 + p.rng.Float64()*4000,
			Timestamp: ts,
		})
		price = closePx
	}
	return candles, nil
}

// tick advances every subscribed symbol one step.
func (p *SimProvider) tick() []domain.Quote {
	p.mu.Lock()
	defer p.mu.Unlock()

	quotes := make([]domain.Quote, 0, len(p.subscribed))
	for symbol := range p.subscribed {
		quotes = append(quotes, p.quoteLocked(symbol))
	}
	return quotes
}

func (p *SimProvider) quoteLocked(symbol string) domain.Quote {
	price := p.priceLocked(symbol)
	price += p.rng.NormFloat64() * price * 0.0005
	if price < 0.01 {
		price = 0.01
	}
	p.prices[symbol] = price

	spread := price * 0.0005
	return domain.Quote{
		Symbol:    symbol,
		Bid:       price - spread,
		Ask:       price + spread,
		Last:      price,
		Volume:    8000 + p.rng.Float64()*4000,
		Provider:  p.Name(),
		Timestamp: time.Now().UTC(),
	}
}

func (p *SimProvider) priceLocked(symbol string) float64 {
	if price, ok := p.prices[symbol]; ok {
		return price
	}
	price := basePrice(symbol)
	p.prices[symbol] = price
	return price
}

func (p *SimProvider) emitState(connected bool, attempt int, reason string) {
	if p.bus == nil {
		return
	}
	p.bus.Publish("marketdata", &events.ProviderStateChangedData{
		Provider:  p.Name(),
		Connected: connected,
		Attempt:   attempt,
		Reason:    reason,
	})
}

// basePrice maps a symbol to a stable starting price between 10 and 510.
func basePrice(symbol string) float64 {
	h := fnv.New32a()
	h.Write([]byte(strings.ToUpper(symbol)))
	return 10 + float64(h.Sum32()%50000)/100.0
}
