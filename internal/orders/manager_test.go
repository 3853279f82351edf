package orders

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/rishabhkeshan/o2-cli-bot/internal/session"
	"github.com/rishabhkeshan/o2-cli-bot/internal/venue"
)

type fakeAPI struct {
	open   []venue.Order
	recent []venue.Order
}

func (f *fakeAPI) GetOpenOrders(ctx context.Context, marketID string) ([]venue.Order, error) {
	return f.open, nil
}

func (f *fakeAPI) GetRecentOrders(ctx context.Context, marketID string, limit int) ([]venue.Order, error) {
	return f.recent, nil
}

type fakeSubmitter struct {
	batches [][]session.Action
	orderID string
	fail    map[int]bool // batch index -> force failure
}

func (f *fakeSubmitter) Submit(ctx context.Context, actions []session.Action) (*session.Receipt, error) {
	n := len(f.batches)
	f.batches = append(f.batches, actions)
	if f.fail[n] {
		return nil, context.DeadlineExceeded
	}
	r := &session.Receipt{TxID: "tx", Nonce: uint64(n)}
	if f.orderID != "" {
		r.OrderIDs = []string{f.orderID}
	}
	return r, nil
}

func testMarket() venue.Market {
	return venue.Market{
		ID:               "FUEL-USDC",
		BaseDecimals:     9,
		QuoteDecimals:    6,
		MaxPriceDecimals: 6,
		TakerFeePpm:      500,
	}
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestPlaceOrder_WrapsInSettleBracket(t *testing.T) {
	sub := &fakeSubmitter{orderID: "ord-1"}
	m := NewManager(&fakeAPI{}, sub, []venue.Market{testMarket()}, nil)

	_, err := m.PlaceOrder(context.Background(), testMarket(), venue.SideBuy, venue.OrderTypeLimit, dec("0.042"), dec("100"))
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if len(sub.batches) != 1 {
		t.Fatalf("expected one submission, got %d", len(sub.batches))
	}
	acts := sub.batches[0]
	if len(acts) != 3 {
		t.Fatalf("expected 3 actions, got %d", len(acts))
	}
	if acts[0].Kind != session.ActionSettleBalance ||
		acts[1].Kind != session.ActionCreateOrder ||
		acts[2].Kind != session.ActionSettleBalance {
		t.Fatalf("bracket order wrong: %v %v %v", acts[0].Kind, acts[1].Kind, acts[2].Kind)
	}
	if got := m.OpenOrders("FUEL-USDC"); len(got) != 1 || got[0].ID != "ord-1" {
		t.Fatalf("open order not tracked: %+v", got)
	}
}

func TestHandleUpdate_DeduplicatesAcrossSources(t *testing.T) {
	m := NewManager(&fakeAPI{}, &fakeSubmitter{}, []venue.Market{testMarket()}, nil)
	var fills []Fill
	m.OnFill(func(f Fill) { fills = append(fills, f) })

	u := OrderUpdate{
		OrderID:        "ord-1",
		Market:         "FUEL-USDC",
		Side:           "BUY",
		Price:          dec("0.04"),
		FilledQuantity: dec("3.0"),
		Closed:         true,
	}
	m.HandleUpdate(u, "push")
	m.HandleUpdate(u, "poll") // same fill seen via the poller

	if len(fills) != 1 {
		t.Fatalf("expected 1 fill, got %d", len(fills))
	}
	if !fills[0].Quantity.Equal(dec("3.0")) {
		t.Fatalf("fill quantity: got %s want 3.0", fills[0].Quantity)
	}
}

func TestHandleUpdate_EmitsDeltasOnly(t *testing.T) {
	m := NewManager(&fakeAPI{}, &fakeSubmitter{}, []venue.Market{testMarket()}, nil)
	var fills []Fill
	m.OnFill(func(f Fill) { fills = append(fills, f) })

	m.HandleUpdate(OrderUpdate{
		OrderID: "ord-1", Market: "FUEL-USDC", Side: "SELL",
		Price: dec("0.05"), FilledQuantity: dec("3.0"), PartiallyFilled: true,
	}, "push")
	m.HandleUpdate(OrderUpdate{
		OrderID: "ord-1", Market: "FUEL-USDC", Side: "SELL",
		Price: dec("0.05"), FilledQuantity: dec("7.5"), Closed: true,
	}, "push")

	if len(fills) != 2 {
		t.Fatalf("expected 2 fills, got %d", len(fills))
	}
	if !fills[0].Quantity.Equal(dec("3.0")) || !fills[1].Quantity.Equal(dec("4.5")) {
		t.Fatalf("deltas wrong: %s then %s", fills[0].Quantity, fills[1].Quantity)
	}
	if !fills[1].Notional.Equal(dec("0.225")) {
		t.Fatalf("notional: got %s want 0.225", fills[1].Notional)
	}
	// taker fee 500 ppm on 0.225
	if !fills[1].FeeEstimate.Equal(dec("0.0001125")) {
		t.Fatalf("fee estimate: got %s", fills[1].FeeEstimate)
	}
}

func TestHandleUpdate_CancelWithFillRetiresOrder(t *testing.T) {
	sub := &fakeSubmitter{orderID: "ord-1"}
	m := NewManager(&fakeAPI{}, sub, []venue.Market{testMarket()}, nil)
	var fills []Fill
	m.OnFill(func(f Fill) { fills = append(fills, f) })

	if _, err := m.PlaceOrder(context.Background(), testMarket(), venue.SideBuy, venue.OrderTypeLimit, dec("0.04"), dec("10")); err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	// A cancel that carries a final partial fill both emits the delta and
	// stops counting the order as open.
	m.HandleUpdate(OrderUpdate{
		OrderID: "ord-1", Market: "FUEL-USDC", Side: "BUY",
		Price: dec("0.04"), FilledQuantity: dec("2"), Cancelled: true,
	}, "push")

	if len(fills) != 1 || !fills[0].Quantity.Equal(dec("2")) {
		t.Fatalf("expected one fill of 2, got %+v", fills)
	}
	if got := m.OpenOrders("FUEL-USDC"); len(got) != 0 {
		t.Fatalf("cancelled order still tracked open: %+v", got)
	}
}

func TestHandleUpdate_DropsRegression(t *testing.T) {
	m := NewManager(&fakeAPI{}, &fakeSubmitter{}, []venue.Market{testMarket()}, nil)
	var fills []Fill
	m.OnFill(func(f Fill) { fills = append(fills, f) })

	m.HandleUpdate(OrderUpdate{
		OrderID: "ord-1", Market: "FUEL-USDC", Side: "BUY",
		Price: dec("0.04"), FilledQuantity: dec("5"), PartiallyFilled: true,
	}, "push")
	// Stale poll snapshot showing an older cumulative value.
	m.HandleUpdate(OrderUpdate{
		OrderID: "ord-1", Market: "FUEL-USDC", Side: "BUY",
		Price: dec("0.04"), FilledQuantity: dec("2"), PartiallyFilled: true,
	}, "poll")

	if len(fills) != 1 {
		t.Fatalf("regression must not emit: got %d fills", len(fills))
	}
}

func TestSeed_SuppressesHistoricalFills(t *testing.T) {
	api := &fakeAPI{recent: []venue.Order{
		{ID: "ord-old", Market: "FUEL-USDC", Side: venue.SideBuy,
			Price: dec("0.04"), FilledQuantity: dec("10"), Status: venue.StatusFilled},
		{ID: "ord-open", Market: "FUEL-USDC", Side: venue.SideSell,
			Price: dec("0.05"), Quantity: dec("4"), FilledQuantity: dec("1"),
			Status: venue.StatusPartiallyFilled},
	}}
	m := NewManager(api, &fakeSubmitter{}, []venue.Market{testMarket()}, nil)
	var fills []Fill
	m.OnFill(func(f Fill) { fills = append(fills, f) })

	if err := m.Seed(context.Background()); err != nil {
		t.Fatalf("Seed: %v", err)
	}

	// Re-delivery of the already-filled order must stay silent.
	m.HandleUpdate(OrderUpdate{
		OrderID: "ord-old", Market: "FUEL-USDC", Side: "BUY",
		Price: dec("0.04"), FilledQuantity: dec("10"), Closed: true,
	}, "push")
	if len(fills) != 0 {
		t.Fatalf("seeded fill re-emitted")
	}

	// Progress past the seeded cumulative emits only the delta.
	m.HandleUpdate(OrderUpdate{
		OrderID: "ord-open", Market: "FUEL-USDC", Side: "SELL",
		Price: dec("0.05"), FilledQuantity: dec("2.5"), PartiallyFilled: true,
	}, "push")
	if len(fills) != 1 || !fills[0].Quantity.Equal(dec("1.5")) {
		t.Fatalf("expected delta 1.5, got %+v", fills)
	}
}

func TestCancelAllOrders_BatchesOfFive(t *testing.T) {
	var open []venue.Order
	for i := 0; i < 12; i++ {
		open = append(open, venue.Order{ID: string(rune('a' + i)), Market: "FUEL-USDC"})
	}
	api := &fakeAPI{open: open}
	sub := &fakeSubmitter{}
	m := NewManager(api, sub, []venue.Market{testMarket()}, nil)

	n, err := m.CancelAllOrders(context.Background(), "FUEL-USDC")
	if err != nil {
		t.Fatalf("CancelAllOrders: %v", err)
	}
	if n != 12 {
		t.Fatalf("cancelled count: got %d want 12", n)
	}
	if len(sub.batches) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(sub.batches))
	}
	for i, want := range []int{5, 5, 2} {
		if len(sub.batches[i]) != want {
			t.Fatalf("batch %d size: got %d want %d", i, len(sub.batches[i]), want)
		}
		for _, act := range sub.batches[i] {
			if act.Kind != session.ActionCancelOrder {
				t.Fatalf("batch %d holds non-cancel action %v", i, act.Kind)
			}
		}
	}
}

func TestCancelAllOrders_ContinuesPastFailedBatch(t *testing.T) {
	var open []venue.Order
	for i := 0; i < 12; i++ {
		open = append(open, venue.Order{ID: string(rune('a' + i)), Market: "FUEL-USDC"})
	}
	api := &fakeAPI{open: open}
	sub := &fakeSubmitter{fail: map[int]bool{1: true}}
	m := NewManager(api, sub, []venue.Market{testMarket()}, nil)

	n, err := m.CancelAllOrders(context.Background(), "FUEL-USDC")
	if err == nil {
		t.Fatalf("expected error from failed batch")
	}
	if n != 7 {
		t.Fatalf("cancelled count: got %d want 7", n)
	}
	if len(sub.batches) != 3 {
		t.Fatalf("failed batch must not abort the loop: got %d batches", len(sub.batches))
	}
}
