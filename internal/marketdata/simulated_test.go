package marketdata

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/tradecore/internal/domain"
)

func newSimForTest(t *testing.T, interval time.Duration) *SimProvider {
	t.Helper()
	log := zerolog.New(nil).Level(zerolog.Disabled)
	return NewSimProvider(42, interval, nil, log)
}

func TestSimProviderGetQuote(t *testing.T) {
	p := newSimForTest(t, 0)

	q, err := p.GetQuote(context.Background(), "aapl")
	require.NoError(t, err)

	assert.Equal(t, "AAPL", q.Symbol)
	assert.Equal(t, "simulated", q.Provider)
	assert.Greater(t, q.Last, 0.0)
	assert.Less(t, q.Bid, q.Ask, "spread must not be crossed")
	assert.False(t, q.Timestamp.IsZero())
}

func TestSimProviderBasePriceIsStable(t *testing.T) {
	a := newSimForTest(t, 0)
	b := newSimForTest(t, 0)

	qa, err := a.GetQuote(context.Background(), "AAPL")
	require.NoError(t, err)
	qb, err := b.GetQuote(context.Background(), "AAPL")
	require.NoError(t, err)

	// Same seed, same symbol: identical walk.
	assert.Equal(t, qa.Last, qb.Last)
}

func TestSimProviderGetCandles(t *testing.T) {
	p := newSimForTest(t, 0)

	candles, err := p.GetCandles(context.Background(), "AAPL", domain.Timeframe1h, 50)
	require.NoError(t, err)
	require.Len(t, candles, 50)

	step := domain.Timeframe1h.Duration()
	for i, c := range candles {
		assert.Equal(t, "AAPL", c.Symbol)
		assert.Greater(t, c.Close, 0.0)
		assert.GreaterOrEqual(t, c.High, c.Close)
		assert.LessOrEqual(t, c.Low, c.Close)
		assert.GreaterOrEqual(t, c.High, c.Open)
		assert.LessOrEqual(t, c.Low, c.Open)
		if i > 0 {
			assert.Equal(t, step, c.Timestamp.Sub(candles[i-1].Timestamp), "candles must be evenly spaced")
		}
	}

	// Series ends at a closed boundary in the past.
	last := candles[len(candles)-1]
	assert.True(t, last.Timestamp.Before(time.Now()))
}

func TestSimProviderGetCandlesRejectsBadTimeframe(t *testing.T) {
	p := newSimForTest(t, 0)

	_, err := p.GetCandles(context.Background(), "AAPL", domain.Timeframe("7m"), 10)
	require.Error(t, err)
	assert.Equal(t, domain.CodeInvalidInput, domain.CodeOf(err))
}

func TestSimProviderStreamsSubscribedSymbols(t *testing.T) {
	p := newSimForTest(t, 10*time.Millisecond)
	require.NoError(t, p.Subscribe(context.Background(), "AAPL", "MSFT"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	seen := make(map[string]int)
	deadline := time.After(2 * time.Second)
	for len(seen) < 2 {
		select {
		case q := <-p.Quotes():
			seen[q.Symbol]++
		case <-deadline:
			t.Fatalf("timed out waiting for streamed quotes, saw %v", seen)
		}
	}

	assert.Contains(t, seen, "AAPL")
	assert.Contains(t, seen, "MSFT")
	assert.True(t, p.Connected())

	require.NoError(t, p.Unsubscribe(context.Background(), "MSFT"))
}
