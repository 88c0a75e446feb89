// Package orderbook implements per-asset limit order books with
// price-time priority matching.
//
// Every book is owned by one writer goroutine consuming a command
// channel: matching takes no locks and never blocks on I/O. Readers get
// immutable snapshots behind an atomic pointer and never block the
// writer. Books for different assets run in parallel under a Manager.
package orderbook

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quantfold/tradecore/internal/domain"
	"github.com/quantfold/tradecore/internal/events"
)

// DefaultOrderTTL bounds how long a resting limit order stays on the
// book before the expiry sweep cancels it.
const DefaultOrderTTL = 7 * 24 * time.Hour

const (
	cmdBuffer     = 64
	minQty        = 1e-9 // below this a quantity counts as zero
	tradeRingCap  = 50
	snapshotDepth = 10
)

// Cancellation reasons carried on OrderCancelled records.
const (
	ReasonUser           = "user"
	ReasonExpired        = "expired"
	ReasonLiquidity      = "insufficient_liquidity"
	ReasonPositionClosed = "position_closed"
)

// Trade is one print: a match at a price for a quantity.
type Trade struct {
	Price     float64     `json:"price"`
	Qty       float64     `json:"qty"`
	Taker     domain.Side `json:"taker"`
	Timestamp time.Time   `json:"timestamp"`
}

// Cancel records an order leaving the book before completion.
type Cancel struct {
	Order  domain.Order
	Reason string
}

// Batch is everything one command settled: each fill (maker and taker
// records in match order), the final state of every touched order,
// cancellations, and trade prints. The batch handler applies it before
// the writer takes the next command, which keeps position deltas and
// asset stats atomic with the fills.
type Batch struct {
	AssetID string
	Taker   *domain.Order
	Fills   []domain.Fill
	Orders  []domain.Order
	Cancels []Cancel
	Trades  []Trade
}

// Empty reports whether the batch changed nothing worth recording.
func (b *Batch) Empty() bool {
	return len(b.Fills) == 0 && len(b.Cancels) == 0
}

// BatchHandler applies a settled batch to positions, asset stats and
// the ledger. It runs on the book's writer goroutine and must not call
// back into the book.
type BatchHandler func(*Batch)

// FeeResolver returns the taker fee in basis points for an asset.
type FeeResolver func(assetID string) int64

// PriceLevel aggregates resting quantity at one price.
type PriceLevel struct {
	Price  float64 `json:"price"`
	Qty    float64 `json:"qty"`
	Orders int     `json:"orders"`
}

// Snapshot is an immutable copy-on-write view of one book.
type Snapshot struct {
	AssetID       string       `json:"asset_id"`
	Bids          []PriceLevel `json:"bids"`
	Asks          []PriceLevel `json:"asks"`
	BestBid       float64      `json:"best_bid"`
	BestAsk       float64      `json:"best_ask"`
	LastPrice     float64      `json:"last_price"`
	RestingOrders int          `json:"resting_orders"`
	StopOrders    int          `json:"stop_orders"`
	RecentTrades  []Trade      `json:"recent_trades"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

type cmdKind int

const (
	cmdSubmit cmdKind = iota
	cmdCancel
	cmdSweep
	cmdLookup
	cmdRestore
)

type submitReply struct {
	batch *Batch
	err   error
}

type lookupReply struct {
	order domain.Order
	ok    bool
}

type bookCmd struct {
	kind    cmdKind
	order   *domain.Order
	orderID string
	reason  string
	now     time.Time
	orders  []domain.Order

	submitC chan submitReply
	errC    chan error
	lookupC chan lookupReply
	intC    chan int
}

// Book is one asset's order book. All mutation happens on the writer
// goroutine started by newBook; exported methods only exchange commands
// with it.
type Book struct {
	assetID string
	fee     FeeResolver
	bus     *events.Bus
	onBatch BatchHandler
	log     zerolog.Logger

	cmds    chan bookCmd
	stop    chan struct{}
	stopped chan struct{}

	// writer-owned state
	bids      bidQueue
	asks      askQueue
	stopsBuy  []*domain.Order
	stopsSell []*domain.Order
	orders    map[string]*domain.Order // live resting + stop orders
	arrival   uint64
	lastPrice float64
	trades    []Trade // chronological ring, capped

	snap atomic.Pointer[Snapshot]
}

func newBook(assetID string, fee FeeResolver, onBatch BatchHandler, bus *events.Bus, log zerolog.Logger) *Book {
	b := &Book{
		assetID: assetID,
		fee:     fee,
		bus:     bus,
		onBatch: onBatch,
		log:     log.With().Str("component", "orderbook").Str("asset_id", assetID).Logger(),
		cmds:    make(chan bookCmd, cmdBuffer),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
		orders:  make(map[string]*domain.Order),
	}
	b.snap.Store(&Snapshot{AssetID: assetID, UpdatedAt: time.Now().UTC()})
	go b.run()
	return b
}

func (b *Book) run() {
	defer close(b.stopped)
	for {
		select {
		case <-b.stop:
			return
		case cmd := <-b.cmds:
			b.handle(cmd)
		}
	}
}

// Stop halts the writer. Pending commands are abandoned; resting orders
// survive in the ledger and are restored on the next start.
func (b *Book) Stop() {
	close(b.stop)
	<-b.stopped
}

func (b *Book) send(ctx context.Context, cmd bookCmd) error {
	select {
	case b.cmds <- cmd:
		return nil
	case <-b.stop:
		return domain.NewStateError(domain.CodeInternal, "order book stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit places an order and returns the settled batch. A market order
// that finds no liquidity at all is rejected with
// INSUFFICIENT_LIQUIDITY; a partially filled one keeps its fills and
// has the remainder cancelled. The batch has already been applied
// through the batch handler when Submit returns; callers read it, they
// do not re-apply it.
func (b *Book) Submit(ctx context.Context, order domain.Order) (*Batch, error) {
	if err := validateOrder(&order); err != nil {
		return nil, err
	}
	reply := make(chan submitReply, 1)
	if err := b.send(ctx, bookCmd{kind: cmdSubmit, order: &order, submitC: reply}); err != nil {
		return nil, err
	}
	select {
	case r := <-reply:
		return r.batch, r.err
	case <-b.stopped:
		return nil, domain.NewStateError(domain.CodeInternal, "order book stopped")
	case <-ctx.Done():
		// The command is already queued; the writer will still settle
		// it and the ledger records the outcome.
		return nil, ctx.Err()
	}
}

// Cancel removes a resting or stop order. Orders already filled,
// cancelled or never seen report NOT_FOUND.
func (b *Book) Cancel(ctx context.Context, orderID, reason string) error {
	reply := make(chan error, 1)
	if err := b.send(ctx, bookCmd{kind: cmdCancel, orderID: orderID, reason: reason, errC: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-b.stopped:
		return domain.NewStateError(domain.CodeInternal, "order book stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SweepExpired cancels every resting order past its expiry and returns
// how many were swept.
func (b *Book) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	reply := make(chan int, 1)
	if err := b.send(ctx, bookCmd{kind: cmdSweep, now: now, intC: reply}); err != nil {
		return 0, err
	}
	select {
	case n := <-reply:
		return n, nil
	case <-b.stopped:
		return 0, domain.NewStateError(domain.CodeInternal, "order book stopped")
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Order returns a copy of a live order on the book.
func (b *Book) Order(ctx context.Context, orderID string) (domain.Order, bool) {
	reply := make(chan lookupReply, 1)
	if err := b.send(ctx, bookCmd{kind: cmdLookup, orderID: orderID, lookupC: reply}); err != nil {
		return domain.Order{}, false
	}
	select {
	case r := <-reply:
		return r.order, r.ok
	case <-b.stopped:
		return domain.Order{}, false
	case <-ctx.Done():
		return domain.Order{}, false
	}
}

// Restore reseats orders rebuilt from ledger replay without matching
// them; they were consistent when last on the book.
func (b *Book) Restore(ctx context.Context, orders []domain.Order) error {
	reply := make(chan error, 1)
	if err := b.send(ctx, bookCmd{kind: cmdRestore, orders: orders, errC: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-b.stopped:
		return domain.NewStateError(domain.CodeInternal, "order book stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the current immutable book view.
func (b *Book) Snapshot() *Snapshot {
	return b.snap.Load()
}

func validateOrder(o *domain.Order) error {
	if o.Qty <= 0 {
		return domain.NewInputError(domain.CodeInvalidInput, "order qty must be positive")
	}
	if o.Side != domain.SideBuy && o.Side != domain.SideSell {
		return domain.NewInputError(domain.CodeInvalidInput, "unknown order side "+string(o.Side))
	}
	switch o.Type {
	case domain.OrderTypeMarket:
	case domain.OrderTypeLimit:
		if o.LimitPrice == nil || *o.LimitPrice <= 0 {
			return domain.NewInputError(domain.CodeInvalidInput, "limit order requires a positive limit price")
		}
	case domain.OrderTypeStop:
		if o.StopPrice == nil || *o.StopPrice <= 0 {
			return domain.NewInputError(domain.CodeInvalidInput, "stop order requires a positive stop price")
		}
	default:
		return domain.NewInputError(domain.CodeInvalidInput, "unknown order type "+string(o.Type))
	}
	return nil
}

// matchCtx accumulates the effects of one command.
type matchCtx struct {
	batch   *Batch
	touched map[string]*domain.Order
	promos  []*domain.Order
	now     time.Time
}

func (mc *matchCtx) touch(o *domain.Order) {
	mc.touched[o.ID] = o
}

func (b *Book) newMatchCtx(taker *domain.Order) *matchCtx {
	return &matchCtx{
		batch:   &Batch{AssetID: b.assetID, Taker: taker},
		touched: make(map[string]*domain.Order),
		now:     time.Now().UTC(),
	}
}

func (b *Book) handle(cmd bookCmd) {
	switch cmd.kind {
	case cmdSubmit:
		b.handleSubmit(cmd.order, cmd.submitC)
	case cmdCancel:
		b.handleCancel(cmd.orderID, cmd.reason, cmd.errC)
	case cmdSweep:
		b.handleSweep(cmd.now, cmd.intC)
	case cmdLookup:
		o, ok := b.orders[cmd.orderID]
		if !ok {
			cmd.lookupC <- lookupReply{}
			return
		}
		cmd.lookupC <- lookupReply{order: *o, ok: true}
	case cmdRestore:
		cmd.errC <- b.handleRestore(cmd.orders)
	}
}

func (b *Book) handleSubmit(o *domain.Order, reply chan submitReply) {
	mc := b.newMatchCtx(o)

	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if _, exists := b.orders[o.ID]; exists {
		reply <- submitReply{err: domain.NewInputError(domain.CodeInvalidInput,
			"order "+o.ID+" already on book")}
		return
	}
	b.arrival++
	o.AssetID = b.assetID
	o.ArrivalSeq = b.arrival
	if o.CreatedAt.IsZero() {
		o.CreatedAt = mc.now
	}
	o.Status = domain.OrderStatusOpen

	var err error
	switch o.Type {
	case domain.OrderTypeMarket:
		err = b.execMarket(o, mc)
	case domain.OrderTypeLimit:
		if o.ExpiresAt.IsZero() {
			o.ExpiresAt = o.CreatedAt.Add(DefaultOrderTTL)
		}
		b.execLimit(o, mc)
	case domain.OrderTypeStop:
		b.execStop(o, mc)
	}
	b.drainPromotions(mc)
	b.finish(mc)
	reply <- submitReply{batch: mc.batch, err: err}
}

func (b *Book) handleCancel(orderID, reason string, reply chan error) {
	o, ok := b.orders[orderID]
	if !ok {
		reply <- domain.NewInputError(domain.CodeNotFound, "order "+orderID+" not on book")
		return
	}
	if reason == "" {
		reason = ReasonUser
	}
	mc := b.newMatchCtx(nil)
	b.remove(o, reason, mc)
	b.finish(mc)
	reply <- nil
}

func (b *Book) handleSweep(now time.Time, reply chan int) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	mc := b.newMatchCtx(nil)
	mc.now = now

	var expired []*domain.Order
	for _, o := range b.orders {
		if o.Expired(now) {
			expired = append(expired, o)
		}
	}
	// Deterministic cancel order for the ledger.
	sort.Slice(expired, func(i, j int) bool { return expired[i].ArrivalSeq < expired[j].ArrivalSeq })
	for _, o := range expired {
		b.remove(o, ReasonExpired, mc)
	}
	b.finish(mc)
	reply <- len(expired)
}

func (b *Book) handleRestore(orders []domain.Order) error {
	for i := range orders {
		o := orders[i]
		if err := validateOrder(&o); err != nil {
			return err
		}
		if o.Type == domain.OrderTypeMarket {
			return domain.NewInputError(domain.CodeInvalidInput, "market order cannot be restored")
		}
		if _, exists := b.orders[o.ID]; exists {
			continue
		}
		restored := o
		b.orders[restored.ID] = &restored
		switch restored.Type {
		case domain.OrderTypeLimit:
			b.rest(&restored)
		case domain.OrderTypeStop:
			b.restStop(&restored)
		}
		if restored.ArrivalSeq > b.arrival {
			b.arrival = restored.ArrivalSeq
		}
	}
	b.publishSnapshot()
	b.log.Info().Int("orders", len(orders)).Msg("Order book restored from replay")
	return nil
}

func (b *Book) execMarket(o *domain.Order, mc *matchCtx) error {
	b.match(o, nil, mc)
	if o.RemainingQty() <= minQty {
		return nil
	}
	if o.FilledQty <= minQty {
		o.Status = domain.OrderStatusRejected
		mc.touch(o)
		return domain.NewStateError(domain.CodeInsufficientLiquidity,
			fmt.Sprintf("no %s liquidity for %s", o.Side.Opposite(), b.assetID))
	}
	// Partial fills stand; only the remainder is rejected.
	b.cancelRemainder(o, ReasonLiquidity, mc)
	return nil
}

func (b *Book) execLimit(o *domain.Order, mc *matchCtx) {
	limit := *o.LimitPrice
	b.match(o, &limit, mc)
	if o.RemainingQty() > minQty {
		b.orders[o.ID] = o
		b.rest(o)
	}
}

func (b *Book) execStop(o *domain.Order, mc *matchCtx) {
	if b.lastPrice > 0 && stopTriggered(o, b.lastPrice) {
		b.execPromoted(o, mc)
		return
	}
	b.orders[o.ID] = o
	b.restStop(o)
	mc.touch(o)
}

// execPromoted runs a triggered stop as a market order. It has no
// caller to reject to, so an unfillable remainder is cancelled.
func (b *Book) execPromoted(o *domain.Order, mc *matchCtx) {
	b.match(o, nil, mc)
	if o.RemainingQty() > minQty {
		b.cancelRemainder(o, ReasonLiquidity, mc)
	}
}

// match consumes the opposite side of the book, best price first, FIFO
// within a level. Execution happens at the maker's limit price. A nil
// limit means market: take whatever is there.
func (b *Book) match(taker *domain.Order, limit *float64, mc *matchCtx) {
	mc.touch(taker)
	for taker.RemainingQty() > minQty {
		maker := b.peekOpposite(taker.Side)
		if maker == nil {
			return
		}
		if maker.Expired(mc.now) {
			b.popOpposite(taker.Side)
			delete(b.orders, maker.ID)
			maker.Status = domain.OrderStatusCancelled
			mc.touch(maker)
			mc.batch.Cancels = append(mc.batch.Cancels, Cancel{Order: *maker, Reason: ReasonExpired})
			continue
		}
		price := *maker.LimitPrice
		if limit != nil {
			if taker.Side == domain.SideBuy && price > *limit {
				return
			}
			if taker.Side == domain.SideSell && price < *limit {
				return
			}
		}
		qty := math.Min(taker.RemainingQty(), maker.RemainingQty())
		b.settle(taker, maker, price, qty, mc)

		if maker.RemainingQty() <= minQty {
			maker.Status = domain.OrderStatusFilled
			b.popOpposite(taker.Side)
			delete(b.orders, maker.ID)
		} else {
			maker.Status = domain.OrderStatusPartial
		}
	}
	taker.Status = domain.OrderStatusFilled
}

// settle books one match: mutates both orders, records both fill
// perspectives and the trade print, and collects newly triggered stops.
func (b *Book) settle(taker, maker *domain.Order, price, qty float64, mc *matchCtx) {
	applyFill(taker, price, qty)
	applyFill(maker, price, qty)
	if taker.RemainingQty() > minQty {
		taker.Status = domain.OrderStatusPartial
	}

	takerFill := domain.Fill{
		ID:        uuid.NewString(),
		OrderID:   taker.ID,
		AssetID:   b.assetID,
		UserID:    taker.UserID,
		Side:      taker.Side,
		Qty:       qty,
		Price:     price,
		Fee:       b.takerFee(qty * price),
		Timestamp: mc.now,
	}
	makerFill := domain.Fill{
		ID:        uuid.NewString(),
		OrderID:   maker.ID,
		AssetID:   b.assetID,
		UserID:    maker.UserID,
		Side:      maker.Side,
		Qty:       qty,
		Price:     price,
		Fee:       decimal.Zero,
		Timestamp: mc.now,
	}
	mc.batch.Fills = append(mc.batch.Fills, takerFill, makerFill)
	mc.touch(maker)

	print := Trade{Price: price, Qty: qty, Taker: taker.Side, Timestamp: mc.now}
	mc.batch.Trades = append(mc.batch.Trades, print)
	b.lastPrice = price
	b.recordTrade(print)

	// Stop promotion is checked after each fill, not once per order.
	b.collectTriggered(price, mc)
}

func applyFill(o *domain.Order, price, qty float64) {
	total := o.AvgFillPrice*o.FilledQty + price*qty
	o.FilledQty += qty
	o.AvgFillPrice = total / o.FilledQty
}

func (b *Book) takerFee(notional float64) decimal.Decimal {
	if b.fee == nil {
		return decimal.Zero
	}
	bps := b.fee(b.assetID)
	if bps <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromFloat(notional).
		Mul(decimal.NewFromInt(bps)).
		Div(decimal.NewFromInt(10000))
}

func stopTriggered(o *domain.Order, print float64) bool {
	if o.Side == domain.SideBuy {
		return print >= *o.StopPrice
	}
	return print <= *o.StopPrice
}

// collectTriggered moves stops fired by a trade print onto the
// promotion queue. Buy stops promote lowest trigger first, sell stops
// highest first, FIFO within a trigger.
func (b *Book) collectTriggered(print float64, mc *matchCtx) {
	var fired []*domain.Order

	keepBuy := b.stopsBuy[:0]
	for _, s := range b.stopsBuy {
		if print >= *s.StopPrice {
			fired = append(fired, s)
		} else {
			keepBuy = append(keepBuy, s)
		}
	}
	b.stopsBuy = keepBuy

	keepSell := b.stopsSell[:0]
	for _, s := range b.stopsSell {
		if print <= *s.StopPrice {
			fired = append(fired, s)
		} else {
			keepSell = append(keepSell, s)
		}
	}
	b.stopsSell = keepSell

	sort.Slice(fired, func(i, j int) bool {
		a, c := fired[i], fired[j]
		if a.Side != c.Side {
			return a.Side == domain.SideBuy
		}
		if *a.StopPrice != *c.StopPrice {
			if a.Side == domain.SideBuy {
				return *a.StopPrice < *c.StopPrice
			}
			return *a.StopPrice > *c.StopPrice
		}
		return a.ArrivalSeq < c.ArrivalSeq
	})
	mc.promos = append(mc.promos, fired...)
}

// drainPromotions executes queued stop promotions; their fills can
// trigger further stops, which join the same batch.
func (b *Book) drainPromotions(mc *matchCtx) {
	for len(mc.promos) > 0 {
		o := mc.promos[0]
		mc.promos = mc.promos[1:]
		delete(b.orders, o.ID)
		b.log.Debug().Str("order_id", o.ID).Float64("trigger", *o.StopPrice).
			Msg("Stop order promoted to market")
		b.execPromoted(o, mc)
	}
}

func (b *Book) rest(o *domain.Order) {
	if o.Side == domain.SideBuy {
		pushBid(&b.bids, o)
	} else {
		pushAsk(&b.asks, o)
	}
}

func (b *Book) restStop(o *domain.Order) {
	if o.Side == domain.SideBuy {
		b.stopsBuy = append(b.stopsBuy, o)
	} else {
		b.stopsSell = append(b.stopsSell, o)
	}
}

// peekOpposite returns the best live maker for a taker side, discarding
// lazily cancelled heap entries on the way.
func (b *Book) peekOpposite(taker domain.Side) *domain.Order {
	if taker == domain.SideBuy {
		for b.asks.Len() > 0 {
			top := b.asks[0]
			if live, ok := b.orders[top.ID]; ok && live == top {
				return top
			}
			popAsk(&b.asks)
		}
		return nil
	}
	for b.bids.Len() > 0 {
		top := b.bids[0]
		if live, ok := b.orders[top.ID]; ok && live == top {
			return top
		}
		popBid(&b.bids)
	}
	return nil
}

func (b *Book) popOpposite(taker domain.Side) {
	if taker == domain.SideBuy {
		popAsk(&b.asks)
		return
	}
	popBid(&b.bids)
}

// cancelRemainder cancels the unfilled part of an order the writer is
// currently holding (market remainder, promoted stop remainder).
func (b *Book) cancelRemainder(o *domain.Order, reason string, mc *matchCtx) {
	o.Status = domain.OrderStatusCancelled
	delete(b.orders, o.ID)
	mc.touch(o)
	mc.batch.Cancels = append(mc.batch.Cancels, Cancel{Order: *o, Reason: reason})
}

// remove takes a resting or stop order off the book. Heap entries are
// deleted lazily: dropping the order from the live map is enough.
func (b *Book) remove(o *domain.Order, reason string, mc *matchCtx) {
	delete(b.orders, o.ID)
	if o.Type == domain.OrderTypeStop {
		b.dropStop(o.ID)
	}
	o.Status = domain.OrderStatusCancelled
	mc.touch(o)
	mc.batch.Cancels = append(mc.batch.Cancels, Cancel{Order: *o, Reason: reason})
}

func (b *Book) dropStop(orderID string) {
	keep := b.stopsBuy[:0]
	for _, s := range b.stopsBuy {
		if s.ID != orderID {
			keep = append(keep, s)
		}
	}
	b.stopsBuy = keep

	keep = b.stopsSell[:0]
	for _, s := range b.stopsSell {
		if s.ID != orderID {
			keep = append(keep, s)
		}
	}
	b.stopsSell = keep
}

func (b *Book) recordTrade(t Trade) {
	b.trades = append(b.trades, t)
	if len(b.trades) > tradeRingCap {
		b.trades = b.trades[len(b.trades)-tradeRingCap:]
	}
}

// finish materializes the batch, hands it to the batch handler, emits
// events, and refreshes the read snapshot.
func (b *Book) finish(mc *matchCtx) {
	touched := make([]*domain.Order, 0, len(mc.touched))
	for _, o := range mc.touched {
		touched = append(touched, o)
	}
	sort.Slice(touched, func(i, j int) bool { return touched[i].ArrivalSeq < touched[j].ArrivalSeq })
	for _, o := range touched {
		mc.batch.Orders = append(mc.batch.Orders, *o)
	}
	if mc.batch.Taker != nil {
		// Detach from writer state: a rested remainder keeps mutating.
		taker := *mc.batch.Taker
		mc.batch.Taker = &taker
	}

	if !mc.batch.Empty() && b.onBatch != nil {
		b.onBatch(mc.batch)
	}
	b.publishBatch(mc)
	b.publishSnapshot()
}

func (b *Book) publishBatch(mc *matchCtx) {
	if b.bus == nil {
		return
	}
	for _, f := range mc.batch.Fills {
		var botID string
		var remaining float64
		if o, ok := mc.touched[f.OrderID]; ok {
			botID = o.BotID
			remaining = o.RemainingQty()
		}
		b.bus.Publish("orderbook", &events.OrderFilledData{
			FillID:    f.ID,
			OrderID:   f.OrderID,
			AssetID:   f.AssetID,
			UserID:    f.UserID,
			BotID:     botID,
			Side:      string(f.Side),
			Qty:       f.Qty,
			Price:     f.Price,
			Fee:       f.Fee,
			Remaining: remaining,
			Synthetic: f.Synthetic,
		})
	}
	for _, c := range mc.batch.Cancels {
		b.bus.Publish("orderbook", &events.OrderCancelledData{
			OrderID:   c.Order.ID,
			UserID:    c.Order.UserID,
			AssetID:   c.Order.AssetID,
			Reason:    c.Reason,
			FilledQty: c.Order.FilledQty,
		})
	}
}

func (b *Book) publishSnapshot() {
	now := time.Now().UTC()
	snap := &Snapshot{
		AssetID:    b.assetID,
		LastPrice:  b.lastPrice,
		StopOrders: len(b.stopsBuy) + len(b.stopsSell),
		UpdatedAt:  now,
	}

	snap.Bids = b.levels(domain.SideBuy, now)
	snap.Asks = b.levels(domain.SideSell, now)
	if len(snap.Bids) > 0 {
		snap.BestBid = snap.Bids[0].Price
	}
	if len(snap.Asks) > 0 {
		snap.BestAsk = snap.Asks[0].Price
	}
	snap.RestingOrders = len(b.orders) - snap.StopOrders

	snap.RecentTrades = make([]Trade, len(b.trades))
	for i, t := range b.trades {
		snap.RecentTrades[len(b.trades)-1-i] = t // newest first
	}

	b.snap.Store(snap)
}

// levels aggregates live resting orders into price levels, best first,
// truncated to the snapshot depth.
func (b *Book) levels(side domain.Side, now time.Time) []PriceLevel {
	var src []*domain.Order
	if side == domain.SideBuy {
		src = b.bids
	} else {
		src = b.asks
	}

	byPrice := make(map[float64]*PriceLevel)
	prices := make([]float64, 0, len(src))
	for _, o := range src {
		if live, ok := b.orders[o.ID]; !ok || live != o || o.Expired(now) {
			continue
		}
		p := *o.LimitPrice
		lvl, ok := byPrice[p]
		if !ok {
			lvl = &PriceLevel{Price: p}
			byPrice[p] = lvl
			prices = append(prices, p)
		}
		lvl.Qty += o.RemainingQty()
		lvl.Orders++
	}

	if side == domain.SideBuy {
		sort.Sort(sort.Reverse(sort.Float64Slice(prices)))
	} else {
		sort.Float64s(prices)
	}
	if len(prices) > snapshotDepth {
		prices = prices[:snapshotDepth]
	}
	out := make([]PriceLevel, 0, len(prices))
	for _, p := range prices {
		out = append(out, *byPrice[p])
	}
	return out
}
