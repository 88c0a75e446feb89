package marketdata

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/quantfold/tradecore/internal/domain"
	"github.com/quantfold/tradecore/internal/events"
)

const (
	writeWait   = 10 * time.Second
	dialTimeout = 30 * time.Second

	// Reconnection backoff: 100ms doubling up to 30s, retrying forever.
	baseReconnectDelay   = 100 * time.Millisecond
	maxReconnectDelay    = 30 * time.Second
	maxReconnectAttempts = 10 // log level changes past this, retries continue
)

// wsOutbound is a request frame on the feed gateway protocol.
type wsOutbound struct {
	Op      string   `json:"op"`
	Key     string   `json:"key,omitempty"`
	Symbols []string `json:"symbols,omitempty"`
}

// wsInbound is a message frame from the feed gateway.
type wsInbound struct {
	Type    string  `json:"type"`
	Symbol  string  `json:"symbol"`
	Bid     float64 `json:"bid"`
	Ask     float64 `json:"ask"`
	Last    float64 `json:"last"`
	Volume  float64 `json:"volume"`
	TS      int64   `json:"ts"` // unix milliseconds
	Message string  `json:"message,omitempty"`
}

// WSProvider streams quotes from a feed gateway over WebSocket. All gateways
// speak the same frame protocol; instances differ only by name, URL and API
// key. The provider reconnects forever with exponential backoff and restores
// its subscription set after every reconnect.
type WSProvider struct {
	// Connection
	name       string
	url        string
	apiKey     string
	httpClient *http.Client // Reusable HTTP client configured for HTTP/1.1
	conn       *websocket.Conn
	connCtx    context.Context    // Connection context (cancelled on disconnect)
	cancelFunc context.CancelFunc // For cancelling the connection context
	mu         sync.RWMutex

	// Dependencies
	bus *events.Bus
	log zerolog.Logger

	// State
	connected    bool
	reconnecting bool
	stopChan     chan struct{}
	stopped      bool

	// Subscriptions (restored on reconnect)
	subMu      sync.RWMutex
	subscribed map[string]struct{}

	// Last streamed quote per symbol (thread-safe)
	cacheMu    sync.RWMutex
	lastQuotes map[string]domain.Quote

	quotes  chan domain.Quote
	dropped atomic.Uint64
}

// createHTTP1Client creates an HTTP client that forces HTTP/1.1.
// Required because edge proxies negotiate HTTP/2 via TLS ALPN, but the
// WebSocket upgrade handshake requires HTTP/1.1.
func createHTTP1Client() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSClientConfig: &tls.Config{
				NextProtos: []string{"http/1.1"},
			},
			ForceAttemptHTTP2: false,
		},
	}
}

// NewWSProvider creates a streaming provider for one feed gateway.
func NewWSProvider(name, url, apiKey string, bus *events.Bus, log zerolog.Logger) *WSProvider {
	return &WSProvider{
		name:       name,
		url:        url,
		apiKey:     apiKey,
		httpClient: createHTTP1Client(),
		bus:        bus,
		log:        log.With().Str("component", "provider").Str("provider", name).Logger(),
		subscribed: make(map[string]struct{}),
		lastQuotes: make(map[string]domain.Quote),
		quotes:     make(chan domain.Quote, 1024),
		stopChan:   make(chan struct{}),
	}
}

// Name implements Provider.
func (p *WSProvider) Name() string { return p.name }

// Quotes implements Provider.
func (p *WSProvider) Quotes() <-chan domain.Quote { return p.quotes }

// Run connects and keeps the stream alive until ctx is cancelled.
func (p *WSProvider) Run(ctx context.Context) error {
	p.log.Info().Str("url", p.url).Msg("Starting quote stream")

	if err := p.connect(1); err != nil {
		p.log.Warn().Err(err).Msg("Initial connection failed, will retry in background")
		go p.reconnectLoop()
	} else {
		p.mu.RLock()
		connCtx := p.connCtx
		p.mu.RUnlock()
		go p.readMessages(connCtx)
	}

	<-ctx.Done()
	p.stop()
	return ctx.Err()
}

// stop shuts the stream down and prevents further reconnects.
func (p *WSProvider) stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	p.log.Info().Msg("Stopping quote stream")
	close(p.stopChan)

	if err := p.disconnect(); err != nil {
		p.log.Warn().Err(err).Msg("Error closing stream connection")
	}
}

// connect dials the gateway, authenticates and restores subscriptions.
func (p *WSProvider) connect(attempt int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	dialCtx, dialCancel := context.WithTimeout(context.Background(), dialTimeout)
	defer dialCancel()

	conn, _, err := websocket.Dial(dialCtx, p.url, &websocket.DialOptions{
		HTTPClient: p.httpClient,
	})
	if err != nil {
		return fmt.Errorf("failed to dial feed gateway: %w", err)
	}

	connCtx, connCancel := context.WithCancel(context.Background())

	// Authenticate first, then restore the subscription set.
	if p.apiKey != "" {
		if err := writeFrame(connCtx, conn, wsOutbound{Op: "auth", Key: p.apiKey}); err != nil {
			connCancel()
			conn.Close(websocket.StatusNormalClosure, "auth failed")
			return fmt.Errorf("failed to authenticate: %w", err)
		}
	}

	symbols := p.subscribedSymbols()
	if len(symbols) > 0 {
		if err := writeFrame(connCtx, conn, wsOutbound{Op: "subscribe", Symbols: symbols}); err != nil {
			connCancel()
			conn.Close(websocket.StatusNormalClosure, "subscribe failed")
			return fmt.Errorf("failed to restore subscriptions: %w", err)
		}
	}

	p.conn = conn
	p.connCtx = connCtx
	p.cancelFunc = connCancel
	p.connected = true

	p.log.Info().Int("symbols", len(symbols)).Msg("Connected to feed gateway")
	p.emitState(true, attempt, "connected")
	return nil
}

// disconnect closes the connection and cancels pending reads.
func (p *WSProvider) disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil {
		return nil
	}

	if p.cancelFunc != nil {
		p.cancelFunc()
		p.cancelFunc = nil
	}

	err := p.conn.Close(websocket.StatusNormalClosure, "")
	p.conn = nil
	p.connCtx = nil
	p.connected = false

	if err != nil {
		return fmt.Errorf("error closing feed connection: %w", err)
	}
	return nil
}

// Subscribe implements Provider. Symbols stay subscribed across reconnects.
func (p *WSProvider) Subscribe(ctx context.Context, symbols ...string) error {
	added := make([]string, 0, len(symbols))
	p.subMu.Lock()
	for _, s := range symbols {
		key := strings.ToUpper(s)
		if _, ok := p.subscribed[key]; !ok {
			p.subscribed[key] = struct{}{}
			added = append(added, key)
		}
	}
	p.subMu.Unlock()

	if len(added) == 0 {
		return nil
	}

	p.mu.RLock()
	conn := p.conn
	p.mu.RUnlock()
	if conn == nil {
		// Not connected; the set is restored when the stream comes back.
		return nil
	}
	if err := writeFrame(ctx, conn, wsOutbound{Op: "subscribe", Symbols: added}); err != nil {
		return fmt.Errorf("failed to subscribe to %v: %w", added, err)
	}
	return nil
}

// Unsubscribe implements Provider.
func (p *WSProvider) Unsubscribe(ctx context.Context, symbols ...string) error {
	removed := make([]string, 0, len(symbols))
	p.subMu.Lock()
	for _, s := range symbols {
		key := strings.ToUpper(s)
		if _, ok := p.subscribed[key]; ok {
			delete(p.subscribed, key)
			removed = append(removed, key)
		}
	}
	p.subMu.Unlock()

	if len(removed) == 0 {
		return nil
	}

	p.mu.RLock()
	conn := p.conn
	p.mu.RUnlock()
	if conn == nil {
		return nil
	}
	if err := writeFrame(ctx, conn, wsOutbound{Op: "unsubscribe", Symbols: removed}); err != nil {
		return fmt.Errorf("failed to unsubscribe from %v: %w", removed, err)
	}
	return nil
}

// GetQuote returns the last streamed quote if it is still fresh. The
// gateway has no request/response endpoint, so a symbol that has not
// streamed recently is answered by another provider.
func (p *WSProvider) GetQuote(_ context.Context, symbol string) (domain.Quote, error) {
	p.cacheMu.RLock()
	q, ok := p.lastQuotes[strings.ToUpper(symbol)]
	p.cacheMu.RUnlock()

	if !ok || time.Since(q.Timestamp) > LiveQuoteTTL {
		return domain.Quote{}, domain.NewTransientError(domain.CodeNoProvider,
			fmt.Sprintf("no fresh stream quote for %s on %s", symbol, p.name), nil)
	}
	return q, nil
}

// GetCandles implements Provider. The stream gateway carries no candles.
func (p *WSProvider) GetCandles(_ context.Context, _ string, _ domain.Timeframe, _ int) ([]domain.Candle, error) {
	return nil, errCandlesUnsupported(p.name)
}

// Connected implements Provider.
func (p *WSProvider) Connected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

// Dropped returns how many streamed quotes were discarded because the
// fan-in consumer fell behind.
func (p *WSProvider) Dropped() uint64 {
	return p.dropped.Load()
}

// writeFrame marshals and sends one frame with a write timeout.
func writeFrame(ctx context.Context, conn *websocket.Conn, frame wsOutbound) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal %s frame: %w", frame.Op, err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()

	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("failed to send %s frame: %w", frame.Op, err)
	}
	return nil
}

// readMessages continuously reads frames until the connection drops.
func (p *WSProvider) readMessages(ctx context.Context) {
	defer func() {
		p.log.Info().Msg("Read loop stopped")
		p.mu.Lock()
		p.connected = false
		stopped := p.stopped
		p.mu.Unlock()
		if !stopped {
			p.emitState(false, 0, "connection lost")
			go p.reconnectLoop()
		}
	}()

	for {
		select {
		case <-p.stopChan:
			return
		case <-ctx.Done():
			p.log.Debug().Msg("Read loop context cancelled")
			return
		default:
		}

		p.mu.RLock()
		conn := p.conn
		p.mu.RUnlock()
		if conn == nil {
			p.log.Warn().Msg("Connection is nil, stopping read loop")
			return
		}

		msgType, message, err := conn.Read(ctx)
		if err != nil {
			closeStatus := websocket.CloseStatus(err)
			if closeStatus == websocket.StatusNormalClosure || closeStatus == websocket.StatusGoingAway {
				p.log.Info().Int("status", int(closeStatus)).Msg("Stream closed normally")
			} else if ctx.Err() != nil {
				p.log.Debug().Msg("Read cancelled by context")
			} else {
				p.log.Error().Err(err).Msg("Unexpected stream read error")
			}
			return
		}

		if msgType != websocket.MessageText {
			p.log.Debug().Int("type", int(msgType)).Msg("Ignoring non-text message")
			continue
		}

		if err := p.handleMessage(message); err != nil {
			p.log.Error().Err(err).Str("message", string(message)).Msg("Failed to handle stream message")
			// Continue reading despite parse errors
		}
	}
}

// handleMessage parses one inbound frame and dispatches it.
func (p *WSProvider) handleMessage(message []byte) error {
	var frame wsInbound
	if err := json.Unmarshal(message, &frame); err != nil {
		return fmt.Errorf("failed to parse frame: %w", err)
	}

	switch frame.Type {
	case "quote":
		p.handleQuote(frame)
		return nil
	case "error":
		p.log.Warn().Str("message", frame.Message).Msg("Feed gateway error frame")
		return nil
	case "subscribed", "unsubscribed", "authed":
		p.log.Debug().Str("type", frame.Type).Msg("Gateway ack")
		return nil
	default:
		p.log.Debug().Str("type", frame.Type).Msg("Ignoring unknown frame type")
		return nil
	}
}

// handleQuote converts a quote frame and forwards it to the fan-in channel.
func (p *WSProvider) handleQuote(frame wsInbound) {
	ts := time.Now().UTC()
	if frame.TS > 0 {
		ts = time.UnixMilli(frame.TS).UTC()
	}

	q := domain.Quote{
		Symbol:    strings.ToUpper(frame.Symbol),
		Bid:       frame.Bid,
		Ask:       frame.Ask,
		Last:      frame.Last,
		Volume:    frame.Volume,
		Provider:  p.name,
		Timestamp: ts,
	}

	p.cacheMu.Lock()
	p.lastQuotes[q.Symbol] = q
	p.cacheMu.Unlock()

	select {
	case p.quotes <- q:
	default:
		// Consumer is behind; dropping the oldest would reorder, so drop this one.
		if n := p.dropped.Add(1); n%1000 == 1 {
			p.log.Warn().Uint64("dropped", n).Msg("Quote fan-in channel full, dropping quotes")
		}
	}
}

// reconnectLoop retries the connection with exponential backoff until it
// succeeds or the provider is stopped.
func (p *WSProvider) reconnectLoop() {
	p.mu.Lock()
	if p.reconnecting || p.stopped {
		p.mu.Unlock()
		return
	}
	p.reconnecting = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.reconnecting = false
		p.mu.Unlock()
	}()

	attempt := 0
	for {
		select {
		case <-p.stopChan:
			p.log.Info().Msg("Reconnection loop stopped")
			return
		default:
		}

		p.mu.RLock()
		stopped := p.stopped
		p.mu.RUnlock()
		if stopped {
			return
		}

		attempt++
		delay := calculateBackoff(attempt)

		if attempt <= maxReconnectAttempts {
			p.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("Attempting to reconnect")
		} else {
			p.log.Warn().Int("attempt", attempt).Dur("delay", delay).
				Msg("Reconnection attempt (exceeded max attempts, will keep retrying)")
		}

		select {
		case <-time.After(delay):
		case <-p.stopChan:
			return
		}

		if err := p.connect(attempt); err != nil {
			p.log.Error().Err(err).Int("attempt", attempt).Msg("Reconnection failed")
			p.emitState(false, attempt, "reconnect failed")
			continue
		}

		p.log.Info().Int("attempt", attempt).Msg("Reconnected to feed gateway")

		p.mu.RLock()
		connCtx := p.connCtx
		p.mu.RUnlock()
		go p.readMessages(connCtx)
		return
	}
}

// calculateBackoff returns baseDelay * 2^(attempt-1) capped at the maximum.
func calculateBackoff(attempt int) time.Duration {
	delay := float64(baseReconnectDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxReconnectDelay) {
		delay = float64(maxReconnectDelay)
	}
	return time.Duration(delay)
}

func (p *WSProvider) subscribedSymbols() []string {
	p.subMu.RLock()
	defer p.subMu.RUnlock()
	symbols := make([]string, 0, len(p.subscribed))
	for s := range p.subscribed {
		symbols = append(symbols, s)
	}
	return symbols
}

func (p *WSProvider) emitState(connected bool, attempt int, reason string) {
	if p.bus == nil {
		return
	}
	p.bus.Publish("marketdata", &events.ProviderStateChangedData{
		Provider:  p.name,
		Connected: connected,
		Attempt:   attempt,
		Reason:    reason,
	})
}
