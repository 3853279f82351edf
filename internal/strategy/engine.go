package strategy

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rishabhkeshan/o2-cli-bot/internal/nums"
	"github.com/rishabhkeshan/o2-cli-bot/internal/session"
	"github.com/rishabhkeshan/o2-cli-bot/internal/venue"
)

// MarketData is the slice of the venue client the engine reads.
type MarketData interface {
	GetTicker(ctx context.Context, marketID string) (*venue.Ticker, error)
	GetOrderBook(ctx context.Context, marketID string) (*venue.OrderBook, error)
	GetBalances(ctx context.Context, marketID string, forceRefresh bool) (venue.Balances, error)
}

// OrderManager is the slice of the order lifecycle manager the engine drives.
type OrderManager interface {
	PlaceOrder(ctx context.Context, market venue.Market, side venue.Side, typ venue.OrderType, price, quantity decimal.Decimal) (*session.Receipt, error)
	CancelOrder(ctx context.Context, marketID, orderID string) error
	CancelAllOrders(ctx context.Context, marketID string) (int, error)
	OpenOrders(marketID string) []venue.Order
}

// OrderOutcome reports one placement attempt within a cycle.
type OrderOutcome struct {
	Side            venue.Side      `json:"side"`
	Type            venue.OrderType `json:"type"`
	Price           decimal.Decimal `json:"price"`
	Quantity        decimal.Decimal `json:"quantity"`
	DisplayPrice    string          `json:"display_price"`
	DisplayQuantity string          `json:"display_quantity"`
	OrderIDs        []string        `json:"order_ids,omitempty"`
	Err             string          `json:"err,omitempty"`
}

// CycleResult is the terminal state of one decision cycle.
type CycleResult struct {
	Market     string         `json:"market"`
	Executed   bool           `json:"executed"`
	SkipReason string         `json:"skip_reason,omitempty"`
	StopLoss   bool           `json:"stop_loss,omitempty"`
	Orders     []OrderOutcome `json:"orders,omitempty"`
}

// Engine runs decision cycles. One instance serves all markets; the scheduler
// guarantees at most one RunCycle is in flight at a time.
type Engine struct {
	data   MarketData
	orders OrderManager
	basis  *BasisStore
	dryRun bool

	now     func() time.Time
	uniform func() float64 // U[0,1), swappable in tests
}

func NewEngine(data MarketData, orders OrderManager, basis *BasisStore, dryRun bool) *Engine {
	return &Engine{
		data:    data,
		orders:  orders,
		basis:   basis,
		dryRun:  dryRun,
		now:     time.Now,
		uniform: rand.Float64,
	}
}

func skip(market, format string, args ...any) *CycleResult {
	return &CycleResult{Market: market, SkipReason: fmt.Sprintf(format, args...)}
}

// RunCycle evaluates one market once. Gates run in a fixed order and any gate
// may short-circuit to a skipped result; I/O failures become skips or
// per-order failures, never panics or returned errors that would stall the
// scheduler for other markets.
func (e *Engine) RunCycle(ctx context.Context, market venue.Market, cfg Config) *CycleResult {
	basis := e.basis.Get(market.ID)

	// Session-loss cap.
	if cfg.Risk.SessionLossCap && basis.RealizedPnL.LessThan(cfg.Risk.MaxSessionLossUSD.Neg()) {
		return skip(market.ID, "session loss cap reached: realized pnl %s below -%s",
			basis.RealizedPnL, cfg.Risk.MaxSessionLossUSD)
	}

	ticker, err := e.data.GetTicker(ctx, market.ID)
	if err != nil {
		return skip(market.ID, "ticker fetch failed: %v", err)
	}
	if ticker == nil {
		return skip(market.ID, "no ticker available")
	}
	last := ticker.LastPrice

	// Stop loss is terminal: exit the position and end the cycle.
	if cfg.Risk.StopLoss && basis.AvgBuyPrice.Sign() > 0 {
		threshold := basis.AvgBuyPrice.Mul(
			decimal.NewFromInt(1).Sub(cfg.Risk.StopLossPercent.Div(decimal.NewFromInt(100))))
		if last.LessThan(threshold) {
			return e.runStopLoss(ctx, market, cfg, basis, last)
		}
	}

	// Orderbook is best-effort; only the spread gate and book-referenced
	// pricing need it.
	book, err := e.data.GetOrderBook(ctx, market.ID)
	if err != nil {
		log.Printf("[warn] orderbook fetch for %s: %v", market.ID, err)
		book = nil
	}

	if cfg.Risk.MaxSpreadPercent.Sign() > 0 && book != nil {
		eff, err := EffectiveSpread(book, e.referenceNotional(cfg))
		if err != nil {
			if errors.Is(err, ErrInsufficientDepth) {
				return skip(market.ID, "insufficient liquidity: %v", err)
			}
			return skip(market.ID, "spread gate: %v", err)
		}
		if eff.GreaterThan(cfg.Risk.MaxSpreadPercent) {
			return skip(market.ID, "spread too wide: effective %s%% > max %s%%",
				eff.StringFixed(4), cfg.Risk.MaxSpreadPercent)
		}
	}

	// Stale balances risk over-committing; always bypass the cache here.
	bals, err := e.data.GetBalances(ctx, market.ID, true)
	if err != nil {
		return skip(market.ID, "balance fetch failed: %v", err)
	}

	openBuys, openSells := e.manageOpenOrders(ctx, market, cfg)

	buyPrice, sellPrice, ok := e.computePrices(cfg, ticker, book)
	if !ok {
		return skip(market.ID, "no usable reference price")
	}

	res := &CycleResult{Market: market.ID, Executed: true}

	capPerSide := cfg.Orders.MaxOpenPerSide
	if capPerSide <= 0 || openBuys < capPerSide {
		if book != nil && cfg.Order.Type == venue.OrderTypeLimit {
			// A resting buy must not cross the ask.
			if ask, ok := bestPrice(book.Asks); ok && buyPrice.GreaterThan(ask) {
				buyPrice = ask
			}
		}
		res.Orders = append(res.Orders, e.placeSide(ctx, market, cfg, venue.SideBuy, cfg.Order.Type, buyPrice, bals))
	} else {
		log.Printf("[info] %s: buy side at cap (%d open)", market.ID, openBuys)
	}

	if capPerSide <= 0 || openSells < capPerSide {
		sellType := cfg.Order.Type
		if cfg.Orders.ProfitFloor {
			// Re-read immediately before pricing: a buy fill may have
			// landed since the cycle started.
			fresh := e.basis.Get(market.ID)
			if fresh.AvgBuyPrice.Sign() == 0 {
				res.Orders = append(res.Orders, OrderOutcome{
					Side: venue.SideSell, Type: sellType,
					Err: "cost basis unknown, refusing to sell blind",
				})
				return res
			}
			floor := fresh.AvgBuyPrice.Mul(
				decimal.NewFromInt(1).Add(cfg.Orders.TakeProfitPercent.Div(decimal.NewFromInt(100))))
			if sellPrice.LessThan(floor) {
				// Never post a sell below the floor: rest a limit at the
				// floor instead, even if the configured type is market.
				sellPrice = floor
				sellType = venue.OrderTypeLimit
			}
		}
		res.Orders = append(res.Orders, e.placeSide(ctx, market, cfg, venue.SideSell, sellType, sellPrice, bals))
	} else {
		log.Printf("[info] %s: sell side at cap (%d open)", market.ID, openSells)
	}

	return res
}

// runStopLoss cancels everything and exits the full base position at market.
func (e *Engine) runStopLoss(ctx context.Context, market venue.Market, cfg Config, basis Basis, last decimal.Decimal) *CycleResult {
	res := &CycleResult{Market: market.ID, Executed: true, StopLoss: true}
	log.Printf("[warn] %s: stop loss triggered at %s (avg buy %s, limit %s%%)",
		market.ID, last, basis.AvgBuyPrice, cfg.Risk.StopLossPercent)

	if n, err := e.orders.CancelAllOrders(ctx, market.ID); err != nil {
		log.Printf("[warn] %s: stop loss cancel-all: %v (%d cancelled)", market.ID, err, n)
	}

	bals, err := e.data.GetBalances(ctx, market.ID, true)
	if err != nil {
		res.Orders = append(res.Orders, OrderOutcome{
			Side: venue.SideSell, Type: venue.OrderTypeMarket,
			Err: fmt.Sprintf("balance fetch: %v", err),
		})
		return res
	}

	qty := nums.RoundDownToStep(bals.Base.Unlocked, market.EffectiveStep())
	notional := qty.Mul(last)
	if qty.Sign() <= 0 || notional.LessThan(e.minNotional(market, cfg)) {
		log.Printf("[info] %s: stop loss with no sellable balance (qty %s, notional %s)", market.ID, qty, notional)
		e.basis.ResetBuy(market.ID)
		return res
	}

	res.Orders = append(res.Orders,
		e.submit(ctx, market, venue.SideSell, venue.OrderTypeMarket, last, qty))
	e.basis.ResetBuy(market.ID)
	return res
}

// manageOpenOrders applies the order-timeout rule and returns per-side open
// counts for the cap gate. Timeout cancellation runs regardless of the cap.
func (e *Engine) manageOpenOrders(ctx context.Context, market venue.Market, cfg Config) (buys, sells int) {
	open := e.orders.OpenOrders(market.ID)
	var deadline time.Time
	if cfg.Risk.OrderTimeout && cfg.Risk.OrderTimeoutMinutes > 0 {
		deadline = e.now().Add(-time.Duration(cfg.Risk.OrderTimeoutMinutes) * time.Minute)
	}
	for _, o := range open {
		if !deadline.IsZero() && o.CreatedAt.Before(deadline) {
			if err := e.orders.CancelOrder(ctx, market.ID, o.ID); err != nil {
				log.Printf("[warn] %s: timeout cancel %s: %v", market.ID, o.ID, err)
			} else {
				log.Printf("[info] %s: cancelled stale order %s (age %s)",
					market.ID, o.ID, e.now().Sub(o.CreatedAt).Truncate(time.Second))
				continue
			}
		}
		switch o.Side {
		case venue.SideBuy:
			buys++
		case venue.SideSell:
			sells++
		}
	}
	return buys, sells
}

// computePrices derives buy/sell prices from the configured reference mode,
// symmetric offset, and optional per-side jitter. Book-referenced modes fall
// back to the last trade when the needed side is empty.
func (e *Engine) computePrices(cfg Config, ticker *venue.Ticker, book *venue.OrderBook) (buy, sell decimal.Decimal, ok bool) {
	ref := ticker.LastPrice
	switch cfg.Order.PriceReference {
	case RefBid:
		if book != nil {
			if p, found := bestPrice(book.Bids); found {
				ref = p
			}
		}
	case RefAsk:
		if book != nil {
			if p, found := bestPrice(book.Asks); found {
				ref = p
			}
		}
	case RefMid:
		if book != nil {
			bid, haveBid := bestPrice(book.Bids)
			ask, haveAsk := bestPrice(book.Asks)
			if haveBid && haveAsk {
				ref = bid.Add(ask).Div(decimal.NewFromInt(2))
			}
		}
	case RefLast:
	}
	if ref.Sign() <= 0 {
		return decimal.Zero, decimal.Zero, false
	}

	offset := cfg.Order.OffsetPercent.Div(decimal.NewFromInt(100))
	one := decimal.NewFromInt(1)
	buy = ref.Mul(one.Sub(offset))
	sell = ref.Mul(one.Add(offset))

	if cfg.Order.Randomize && cfg.Order.RandomRange.Sign() > 0 {
		buy = buy.Mul(e.jitterFactor(cfg.Order.RandomRange))
		sell = sell.Mul(e.jitterFactor(cfg.Order.RandomRange))
	}
	return buy, sell, true
}

// jitterFactor draws an independent multiplier in [1-range, 1+range].
func (e *Engine) jitterFactor(rng decimal.Decimal) decimal.Decimal {
	u := decimal.NewFromFloat(2*e.uniform() - 1)
	return decimal.NewFromInt(1).Add(rng.Mul(u))
}

// placeSide sizes and submits one side's order, converting any failure into
// a recorded outcome.
func (e *Engine) placeSide(ctx context.Context, market venue.Market, cfg Config, side venue.Side, typ venue.OrderType, price decimal.Decimal, bals venue.Balances) OrderOutcome {
	qty, reason := e.orderQuantity(cfg, market, side, typ, price, bals)
	if reason != "" {
		return OrderOutcome{Side: side, Type: typ, Price: price, Err: reason}
	}
	return e.submit(ctx, market, side, typ, price, qty)
}

// submit rounds to venue precision and places the order (or logs it in
// dry-run mode).
func (e *Engine) submit(ctx context.Context, market venue.Market, side venue.Side, typ venue.OrderType, price, qty decimal.Decimal) OrderOutcome {
	price = nums.RoundToTick(price, market.EffectiveTick())
	price = nums.RoundDownToDecimals(price, market.MaxPriceDecimals)
	qty = nums.RoundDownToStep(qty, market.EffectiveStep())
	qty = nums.RoundDownToDecimals(qty, market.BaseDecimals)

	out := OrderOutcome{
		Side:            side,
		Type:            typ,
		Price:           price,
		Quantity:        qty,
		DisplayPrice:    nums.FormatForDisplay(price, market.MaxPriceDecimals),
		DisplayQuantity: nums.FormatForDisplay(qty, market.BaseDecimals),
	}
	if qty.Sign() <= 0 || price.Sign() <= 0 {
		out.Err = fmt.Sprintf("degenerate order after rounding: price %s qty %s", price, qty)
		return out
	}

	if e.dryRun {
		log.Printf("[info] %s: dry-run %s %s %s @ %s", market.ID, typ, side, out.DisplayQuantity, out.DisplayPrice)
		return out
	}

	receipt, err := e.orders.PlaceOrder(ctx, market, side, typ, price, qty)
	if err != nil {
		out.Err = err.Error()
		return out
	}
	out.OrderIDs = receipt.OrderIDs
	log.Printf("[info] %s: placed %s %s %s @ %s (tx %s)", market.ID, typ, side, out.DisplayQuantity, out.DisplayPrice, receipt.TxID)
	return out
}

// slippageBuffer reserves 2% of balance for market orders only; limit
// execution price is bounded so no buffer is needed.
var slippageBuffer = decimal.NewFromFloat(0.98)

// orderQuantity sizes one order. An empty reason means the quantity is
// placeable; otherwise the reason is the skip text for this side.
func (e *Engine) orderQuantity(cfg Config, market venue.Market, side venue.Side, typ venue.OrderType, price decimal.Decimal, bals venue.Balances) (decimal.Decimal, string) {
	if price.Sign() <= 0 {
		return decimal.Zero, "non-positive price"
	}

	// Effective balance for the side, with the market-order buffer applied.
	availQuote := bals.Quote.Unlocked
	availBase := bals.Base.Unlocked
	if typ == venue.OrderTypeMarket {
		availQuote = availQuote.Mul(slippageBuffer)
		availBase = availBase.Mul(slippageBuffer)
	}

	var qty decimal.Decimal
	switch cfg.Sizing.Mode {
	case SizeFixedNotional:
		notional := cfg.Sizing.FixedNotional
		if cfg.Sizing.MaxNotional.Sign() > 0 && notional.GreaterThan(cfg.Sizing.MaxNotional) {
			notional = cfg.Sizing.MaxNotional
		}
		qty = notional.Div(price)
	case SizePercentage:
		pct := cfg.Sizing.BalancePercent.Div(decimal.NewFromInt(100))
		if side == venue.SideBuy {
			qty = availQuote.Mul(pct).Div(price)
		} else {
			qty = availBase.Mul(pct)
		}
		if cfg.Sizing.MaxNotional.Sign() > 0 {
			if maxQty := cfg.Sizing.MaxNotional.Div(price); qty.GreaterThan(maxQty) {
				qty = maxQty
			}
		}
	default:
		return decimal.Zero, fmt.Sprintf("unknown sizing mode %q", cfg.Sizing.Mode)
	}

	// Never exceed the effective balance.
	if side == venue.SideBuy {
		if maxQty := availQuote.Div(price); qty.GreaterThan(maxQty) {
			qty = maxQty
		}
	} else if qty.GreaterThan(availBase) {
		qty = availBase
	}

	notional := qty.Mul(price)
	if min := e.minNotional(market, cfg); notional.LessThan(min) {
		return decimal.Zero, fmt.Sprintf("notional %s below minimum %s", notional.StringFixed(4), min)
	}
	return qty, ""
}

// minNotional is the stricter of the venue's and the config's minimums.
func (e *Engine) minNotional(market venue.Market, cfg Config) decimal.Decimal {
	min := market.MinNotional
	if cfg.Sizing.MinNotional.GreaterThan(min) {
		min = cfg.Sizing.MinNotional
	}
	return min
}

// referenceNotional is the order size the spread gate prices against.
func (e *Engine) referenceNotional(cfg Config) decimal.Decimal {
	if cfg.Sizing.Mode == SizeFixedNotional && cfg.Sizing.FixedNotional.Sign() > 0 {
		return cfg.Sizing.FixedNotional
	}
	if cfg.Sizing.MaxNotional.Sign() > 0 {
		return cfg.Sizing.MaxNotional
	}
	if cfg.Sizing.MinNotional.Sign() > 0 {
		return cfg.Sizing.MinNotional
	}
	return decimal.NewFromInt(100)
}

func bestPrice(levels []venue.BookLevel) (decimal.Decimal, bool) {
	for _, l := range levels {
		if l.Price.Sign() > 0 {
			return l.Price, true
		}
	}
	return decimal.Zero, false
}
