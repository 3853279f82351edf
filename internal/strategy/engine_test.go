package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rishabhkeshan/o2-cli-bot/internal/orders"
	"github.com/rishabhkeshan/o2-cli-bot/internal/session"
	"github.com/rishabhkeshan/o2-cli-bot/internal/venue"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

type fakeData struct {
	ticker    *venue.Ticker
	book      *venue.OrderBook
	bals      venue.Balances
	forced    int
	tickerErr error
}

func (f *fakeData) GetTicker(ctx context.Context, marketID string) (*venue.Ticker, error) {
	return f.ticker, f.tickerErr
}

func (f *fakeData) GetOrderBook(ctx context.Context, marketID string) (*venue.OrderBook, error) {
	return f.book, nil
}

func (f *fakeData) GetBalances(ctx context.Context, marketID string, forceRefresh bool) (venue.Balances, error) {
	if forceRefresh {
		f.forced++
	}
	return f.bals, nil
}

type placement struct {
	side  venue.Side
	typ   venue.OrderType
	price decimal.Decimal
	qty   decimal.Decimal
}

type fakeOrders struct {
	placed     []placement
	cancelled  []string
	cancelAlls int
	open       []venue.Order
}

func (f *fakeOrders) PlaceOrder(ctx context.Context, market venue.Market, side venue.Side, typ venue.OrderType, price, quantity decimal.Decimal) (*session.Receipt, error) {
	f.placed = append(f.placed, placement{side: side, typ: typ, price: price, qty: quantity})
	return &session.Receipt{TxID: "tx", OrderIDs: []string{"ord-x"}}, nil
}

func (f *fakeOrders) CancelOrder(ctx context.Context, marketID, orderID string) error {
	f.cancelled = append(f.cancelled, orderID)
	return nil
}

func (f *fakeOrders) CancelAllOrders(ctx context.Context, marketID string) (int, error) {
	f.cancelAlls++
	return len(f.open), nil
}

func (f *fakeOrders) OpenOrders(marketID string) []venue.Order {
	return f.open
}

func testMarket() venue.Market {
	return venue.Market{
		ID:               "FUEL-USDC",
		BaseDecimals:     6,
		QuoteDecimals:    6,
		MaxPriceDecimals: 2,
		MinNotional:      dec("1"),
	}
}

func testConfig() Config {
	cfg := DefaultConfig("FUEL-USDC")
	cfg.Order.Type = venue.OrderTypeLimit
	cfg.Order.PriceReference = RefLast
	cfg.Order.OffsetPercent = dec("0.1")
	cfg.Order.Randomize = false
	cfg.Orders.ProfitFloor = false
	cfg.Orders.MaxOpenPerSide = 0
	cfg.Risk = Risk{}
	cfg.Sizing = Sizing{
		Mode:          SizeFixedNotional,
		FixedNotional: dec("50"),
		MinNotional:   dec("1"),
	}
	return cfg
}

func buyFill(price, qty string) orders.Fill {
	return orders.Fill{
		Market:   "FUEL-USDC",
		Side:     venue.SideBuy,
		Price:    dec(price),
		Quantity: dec(qty),
		Notional: dec(price).Mul(dec(qty)),
	}
}

func sellOutcome(t *testing.T, res *CycleResult) OrderOutcome {
	t.Helper()
	for _, o := range res.Orders {
		if o.Side == venue.SideSell {
			return o
		}
	}
	t.Fatalf("no sell outcome in %+v", res)
	return OrderOutcome{}
}

func TestRunCycle_ProfitFloorForcesRestingLimit(t *testing.T) {
	data := &fakeData{
		ticker: &venue.Ticker{LastPrice: dec("99.89")},
		bals:   venue.Balances{Quote: venue.AssetBalance{Unlocked: dec("1000")}, Base: venue.AssetBalance{Unlocked: dec("10")}},
	}
	om := &fakeOrders{}
	basis := NewBasisStore(nil)
	basis.ApplyFill(buyFill("100", "1"))

	cfg := testConfig()
	cfg.Order.Type = venue.OrderTypeMarket // floor must override even a market order
	cfg.Orders.ProfitFloor = true
	cfg.Orders.TakeProfitPercent = dec("0.02")

	e := NewEngine(data, om, basis, false)
	res := e.RunCycle(context.Background(), testMarket(), cfg)
	if !res.Executed {
		t.Fatalf("cycle skipped: %s", res.SkipReason)
	}

	// Computed sell 99.89 * 1.001 = 99.98989 sits below floor 100.02.
	out := sellOutcome(t, res)
	if out.Err != "" {
		t.Fatalf("sell failed: %s", out.Err)
	}
	if out.Type != venue.OrderTypeLimit {
		t.Fatalf("floor must force a resting limit, got %s", out.Type)
	}
	if !out.Price.Equal(dec("100.02")) {
		t.Fatalf("floor price: got %s want 100.02", out.Price)
	}
}

func TestRunCycle_ProfitFloorRefusesBlindSell(t *testing.T) {
	data := &fakeData{
		ticker: &venue.Ticker{LastPrice: dec("100")},
		bals:   venue.Balances{Quote: venue.AssetBalance{Unlocked: dec("1000")}, Base: venue.AssetBalance{Unlocked: dec("10")}},
	}
	om := &fakeOrders{}
	cfg := testConfig()
	cfg.Orders.ProfitFloor = true

	e := NewEngine(data, om, NewBasisStore(nil), false)
	res := e.RunCycle(context.Background(), testMarket(), cfg)

	out := sellOutcome(t, res)
	if out.Err == "" || out.OrderIDs != nil {
		t.Fatalf("sell with unknown cost basis must be refused: %+v", out)
	}
	for _, p := range om.placed {
		if p.side == venue.SideSell {
			t.Fatalf("sell order placed despite unknown cost basis")
		}
	}
}

func TestRunCycle_StopLossTriggers(t *testing.T) {
	data := &fakeData{
		ticker: &venue.Ticker{LastPrice: dec("94")},
		bals:   venue.Balances{Quote: venue.AssetBalance{Unlocked: dec("1000")}, Base: venue.AssetBalance{Unlocked: dec("10")}},
	}
	om := &fakeOrders{}
	basis := NewBasisStore(nil)
	basis.ApplyFill(buyFill("100", "10"))

	cfg := testConfig()
	cfg.Risk.StopLoss = true
	cfg.Risk.StopLossPercent = dec("5")

	e := NewEngine(data, om, basis, false)
	res := e.RunCycle(context.Background(), testMarket(), cfg)

	if !res.StopLoss {
		t.Fatalf("stop loss did not trigger at 94 with avg buy 100")
	}
	if om.cancelAlls != 1 {
		t.Fatalf("stop loss must cancel all open orders first")
	}
	if len(om.placed) != 1 || om.placed[0].side != venue.SideSell || om.placed[0].typ != venue.OrderTypeMarket {
		t.Fatalf("expected one market sell, got %+v", om.placed)
	}
	if !om.placed[0].qty.Equal(dec("10")) {
		t.Fatalf("stop loss must sell full base balance: got %s", om.placed[0].qty)
	}
	if b := basis.Get("FUEL-USDC"); b.AvgBuyPrice.Sign() != 0 {
		t.Fatalf("avg buy price not reset after stop loss: %s", b.AvgBuyPrice)
	}
}

func TestRunCycle_StopLossDoesNotTriggerAboveThreshold(t *testing.T) {
	data := &fakeData{
		ticker: &venue.Ticker{LastPrice: dec("96")},
		bals:   venue.Balances{Quote: venue.AssetBalance{Unlocked: dec("1000")}, Base: venue.AssetBalance{Unlocked: dec("10")}},
	}
	om := &fakeOrders{}
	basis := NewBasisStore(nil)
	basis.ApplyFill(buyFill("100", "10"))

	cfg := testConfig()
	cfg.Risk.StopLoss = true
	cfg.Risk.StopLossPercent = dec("5")

	e := NewEngine(data, om, basis, false)
	res := e.RunCycle(context.Background(), testMarket(), cfg)
	if res.StopLoss {
		t.Fatalf("stop loss must not trigger at 96 with 5%% limit")
	}
	if om.cancelAlls != 0 {
		t.Fatalf("no cancel-all expected without a stop loss")
	}
}

func TestRunCycle_SessionLossCap(t *testing.T) {
	data := &fakeData{ticker: &venue.Ticker{LastPrice: dec("100")}}
	om := &fakeOrders{}
	basis := NewBasisStore(nil)
	// A sell far below the buy basis drives realized P&L under the cap.
	basis.ApplyFill(buyFill("100", "10"))
	basis.ApplyFill(orders.Fill{
		Market: "FUEL-USDC", Side: venue.SideSell,
		Price: dec("50"), Quantity: dec("10"),
	})

	cfg := testConfig()
	cfg.Risk.SessionLossCap = true
	cfg.Risk.MaxSessionLossUSD = dec("100")

	e := NewEngine(data, om, basis, false)
	res := e.RunCycle(context.Background(), testMarket(), cfg)
	if res.Executed || res.SkipReason == "" {
		t.Fatalf("expected session-loss skip, got %+v", res)
	}
	if len(om.placed) != 0 {
		t.Fatalf("orders placed past the loss cap")
	}
}

func TestRunCycle_SpreadGateDistinguishesThinDepth(t *testing.T) {
	thin := &venue.OrderBook{
		Bids: []venue.BookLevel{{Price: dec("99"), Size: dec("0.1")}},
		Asks: []venue.BookLevel{{Price: dec("101"), Size: dec("0.1")}},
	}
	wide := &venue.OrderBook{
		Bids: []venue.BookLevel{{Price: dec("90"), Size: dec("100")}},
		Asks: []venue.BookLevel{{Price: dec("110"), Size: dec("100")}},
	}

	cfg := testConfig()
	cfg.Risk.MaxSpreadPercent = dec("1")
	cfg.Sizing.FixedNotional = dec("50")

	for _, tc := range []struct {
		name string
		book *venue.OrderBook
		want string
	}{
		{"thin depth", thin, "insufficient liquidity"},
		{"wide spread", wide, "spread too wide"},
	} {
		data := &fakeData{
			ticker: &venue.Ticker{LastPrice: dec("100")},
			book:   tc.book,
			bals:   venue.Balances{Quote: venue.AssetBalance{Unlocked: dec("1000")}},
		}
		e := NewEngine(data, &fakeOrders{}, NewBasisStore(nil), false)
		res := e.RunCycle(context.Background(), testMarket(), cfg)
		if res.Executed {
			t.Fatalf("%s: cycle not skipped", tc.name)
		}
		if got := res.SkipReason; len(got) < len(tc.want) || got[:len(tc.want)] != tc.want {
			t.Fatalf("%s: skip reason %q does not start with %q", tc.name, got, tc.want)
		}
	}
}

func TestRunCycle_BuyLimitCappedAtAsk(t *testing.T) {
	data := &fakeData{
		ticker: &venue.Ticker{LastPrice: dec("100")},
		book: &venue.OrderBook{
			Bids: []venue.BookLevel{{Price: dec("99"), Size: dec("100")}},
			Asks: []venue.BookLevel{{Price: dec("99.5"), Size: dec("100")}},
		},
		bals: venue.Balances{Quote: venue.AssetBalance{Unlocked: dec("1000")}, Base: venue.AssetBalance{Unlocked: dec("10")}},
	}
	om := &fakeOrders{}
	cfg := testConfig()
	cfg.Order.OffsetPercent = dec("-1") // negative offset pushes the buy above the ask

	e := NewEngine(data, om, NewBasisStore(nil), false)
	res := e.RunCycle(context.Background(), testMarket(), cfg)
	if !res.Executed {
		t.Fatalf("cycle skipped: %s", res.SkipReason)
	}
	for _, p := range om.placed {
		if p.side == venue.SideBuy && p.price.GreaterThan(dec("99.5")) {
			t.Fatalf("resting buy crossed the ask: %s", p.price)
		}
	}
}

func TestRunCycle_ForceRefreshesBalances(t *testing.T) {
	data := &fakeData{
		ticker: &venue.Ticker{LastPrice: dec("100")},
		bals:   venue.Balances{Quote: venue.AssetBalance{Unlocked: dec("1000")}, Base: venue.AssetBalance{Unlocked: dec("10")}},
	}
	e := NewEngine(data, &fakeOrders{}, NewBasisStore(nil), false)
	e.RunCycle(context.Background(), testMarket(), testConfig())
	if data.forced == 0 {
		t.Fatalf("decision cycle must bypass the balance cache")
	}
}

func TestRunCycle_PerSideOrderCap(t *testing.T) {
	data := &fakeData{
		ticker: &venue.Ticker{LastPrice: dec("100")},
		bals:   venue.Balances{Quote: venue.AssetBalance{Unlocked: dec("1000")}, Base: venue.AssetBalance{Unlocked: dec("10")}},
	}
	om := &fakeOrders{open: []venue.Order{
		{ID: "b1", Market: "FUEL-USDC", Side: venue.SideBuy, CreatedAt: time.Now()},
		{ID: "b2", Market: "FUEL-USDC", Side: venue.SideBuy, CreatedAt: time.Now()},
	}}
	cfg := testConfig()
	cfg.Orders.MaxOpenPerSide = 2

	e := NewEngine(data, om, NewBasisStore(nil), false)
	e.RunCycle(context.Background(), testMarket(), cfg)
	for _, p := range om.placed {
		if p.side == venue.SideBuy {
			t.Fatalf("buy placed with side already at cap")
		}
	}
	var sells int
	for _, p := range om.placed {
		if p.side == venue.SideSell {
			sells++
		}
	}
	if sells != 1 {
		t.Fatalf("sell side below cap must still place: got %d", sells)
	}
}

func TestRunCycle_OrderTimeoutCancelsStale(t *testing.T) {
	data := &fakeData{
		ticker: &venue.Ticker{LastPrice: dec("100")},
		bals:   venue.Balances{Quote: venue.AssetBalance{Unlocked: dec("1000")}, Base: venue.AssetBalance{Unlocked: dec("10")}},
	}
	om := &fakeOrders{open: []venue.Order{
		{ID: "stale", Market: "FUEL-USDC", Side: venue.SideBuy, CreatedAt: time.Now().Add(-2 * time.Hour)},
		{ID: "fresh", Market: "FUEL-USDC", Side: venue.SideBuy, CreatedAt: time.Now()},
	}}
	cfg := testConfig()
	cfg.Risk.OrderTimeout = true
	cfg.Risk.OrderTimeoutMinutes = 30

	e := NewEngine(data, om, NewBasisStore(nil), false)
	e.RunCycle(context.Background(), testMarket(), cfg)
	if len(om.cancelled) != 1 || om.cancelled[0] != "stale" {
		t.Fatalf("expected only the stale order cancelled, got %v", om.cancelled)
	}
}

func TestOrderQuantity_MarketBufferAndClamp(t *testing.T) {
	e := NewEngine(nil, nil, NewBasisStore(nil), false)
	bals := venue.Balances{
		Quote: venue.AssetBalance{Unlocked: dec("1000")},
		Base:  venue.AssetBalance{Unlocked: dec("100")},
	}
	cfg := testConfig()
	cfg.Sizing = Sizing{Mode: SizePercentage, BalancePercent: dec("100"), MinNotional: dec("1")}

	// Limit orders consume the full balance.
	qty, reason := e.orderQuantity(cfg, testMarket(), venue.SideBuy, venue.OrderTypeLimit, dec("10"), bals)
	if reason != "" {
		t.Fatalf("limit sizing rejected: %s", reason)
	}
	if !qty.Equal(dec("100")) {
		t.Fatalf("limit buy qty: got %s want 100", qty)
	}

	// Market orders reserve the 2% slippage buffer.
	qty, reason = e.orderQuantity(cfg, testMarket(), venue.SideBuy, venue.OrderTypeMarket, dec("10"), bals)
	if reason != "" {
		t.Fatalf("market sizing rejected: %s", reason)
	}
	if !qty.Equal(dec("98")) {
		t.Fatalf("market buy qty: got %s want 98", qty)
	}
}

func TestOrderQuantity_FixedNotionalClampedToBalance(t *testing.T) {
	e := NewEngine(nil, nil, NewBasisStore(nil), false)
	bals := venue.Balances{Quote: venue.AssetBalance{Unlocked: dec("20")}}
	cfg := testConfig()
	cfg.Sizing = Sizing{Mode: SizeFixedNotional, FixedNotional: dec("50"), MinNotional: dec("1")}

	qty, reason := e.orderQuantity(cfg, testMarket(), venue.SideBuy, venue.OrderTypeLimit, dec("10"), bals)
	if reason != "" {
		t.Fatalf("sizing rejected: %s", reason)
	}
	if !qty.Equal(dec("2")) {
		t.Fatalf("qty must clamp to balance: got %s want 2", qty)
	}
}

func TestOrderQuantity_RejectsBelowMinNotional(t *testing.T) {
	e := NewEngine(nil, nil, NewBasisStore(nil), false)
	bals := venue.Balances{Quote: venue.AssetBalance{Unlocked: dec("1000")}}
	cfg := testConfig()
	cfg.Sizing = Sizing{Mode: SizeFixedNotional, FixedNotional: dec("0.5"), MinNotional: dec("1")}

	_, reason := e.orderQuantity(cfg, testMarket(), venue.SideBuy, venue.OrderTypeLimit, dec("10"), bals)
	if reason == "" {
		t.Fatalf("sub-minimum notional must be rejected")
	}
}

func TestEffectiveSpread_WalksDepth(t *testing.T) {
	book := &venue.OrderBook{
		Bids: []venue.BookLevel{
			{Price: dec("100"), Size: dec("1")},
			{Price: dec("98"), Size: dec("10")},
		},
		Asks: []venue.BookLevel{
			{Price: dec("102"), Size: dec("1")},
			{Price: dec("104"), Size: dec("10")},
		},
	}
	// 200 notional needs both levels on each side, so the effective spread is
	// wider than top-of-book (102-100)/101.
	eff, err := EffectiveSpread(book, dec("200"))
	if err != nil {
		t.Fatalf("EffectiveSpread: %v", err)
	}
	top := dec("102").Sub(dec("100")).Div(dec("101")).Mul(dec("100"))
	if !eff.GreaterThan(top) {
		t.Fatalf("effective spread %s should exceed top-of-book %s", eff, top)
	}
}

func TestCostBasis_VolumeWeightedAverage(t *testing.T) {
	basis := NewBasisStore(nil)
	basis.ApplyFill(buyFill("100", "1"))
	basis.ApplyFill(buyFill("110", "1"))

	b := basis.Get("FUEL-USDC")
	if !b.AvgBuyPrice.Equal(dec("105")) {
		t.Fatalf("avg buy: got %s want 105", b.AvgBuyPrice)
	}
	if !b.BaseAcquired.Equal(dec("2")) {
		t.Fatalf("base acquired: got %s want 2", b.BaseAcquired)
	}

	basis.ApplyFill(orders.Fill{
		Market: "FUEL-USDC", Side: venue.SideSell,
		Price: dec("115"), Quantity: dec("2"),
	})
	b = basis.Get("FUEL-USDC")
	if !b.RealizedPnL.Equal(dec("20")) {
		t.Fatalf("realized pnl: got %s want 20", b.RealizedPnL)
	}
	if b.AvgBuyPrice.Sign() != 0 {
		t.Fatalf("closed position must reset avg buy, got %s", b.AvgBuyPrice)
	}
}
