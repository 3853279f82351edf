// Package orders places and cancels orders through the session authority and
// reconciles fills from the push feed and the polling fallback into a single
// deduplicated stream of incremental fill events.
package orders

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rishabhkeshan/o2-cli-bot/internal/events"
	"github.com/rishabhkeshan/o2-cli-bot/internal/nums"
	"github.com/rishabhkeshan/o2-cli-bot/internal/session"
	"github.com/rishabhkeshan/o2-cli-bot/internal/venue"
)

// cancelBatchSize bounds how many cancel actions share one signed payload.
const cancelBatchSize = 5

// seedLookback is how many recent orders are fetched per market to seed the
// cumulative-filled map at startup.
const seedLookback = 100

// API is the slice of the venue client the manager needs.
type API interface {
	GetOpenOrders(ctx context.Context, marketID string) ([]venue.Order, error)
	GetRecentOrders(ctx context.Context, marketID string, limit int) ([]venue.Order, error)
}

// Submitter is satisfied by *session.Authority.
type Submitter interface {
	Submit(ctx context.Context, actions []session.Action) (*session.Receipt, error)
}

// Fill is one incremental fill event. Quantity is the delta against the last
// observed cumulative filled quantity, never the cumulative value itself.
type Fill struct {
	Market   string          `json:"market"`
	OrderID  string          `json:"order_id"`
	Side     venue.Side      `json:"side"`
	Quantity decimal.Decimal `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
	Notional decimal.Decimal `json:"notional"`

	// FeeEstimate is derived from the market's taker fee rate; the venue
	// does not report fees on fill events.
	FeeEstimate decimal.Decimal `json:"fee_estimate"`

	Source string    `json:"source"` // "push" | "poll" | "seed"
	At     time.Time `json:"at"`
}

// OrderUpdate is the normalized shape of an order change from either source.
type OrderUpdate struct {
	OrderID         string
	Market          string
	Side            string
	Price           decimal.Decimal
	FilledQuantity  decimal.Decimal // cumulative
	Closed          bool
	PartiallyFilled bool
	Cancelled       bool
}

// FillHandler receives fills synchronously, in detection order.
type FillHandler func(Fill)

type Manager struct {
	api       API
	submitter Submitter
	bus       *events.Bus
	markets   map[string]venue.Market

	mu sync.Mutex
	// prevFilled is the single source of truth for fill dedup: order id ->
	// last observed cumulative filled quantity. Entries survive order
	// retirement so late duplicate deliveries stay suppressed.
	prevFilled map[string]decimal.Decimal
	open       map[string]venue.Order
	onFill     FillHandler
}

func NewManager(api API, submitter Submitter, markets []venue.Market, bus *events.Bus) *Manager {
	byID := make(map[string]venue.Market, len(markets))
	for _, m := range markets {
		byID[m.ID] = m
	}
	return &Manager{
		api:        api,
		submitter:  submitter,
		bus:        bus,
		markets:    byID,
		prevFilled: make(map[string]decimal.Decimal),
		open:       make(map[string]venue.Order),
	}
}

// OnFill registers the downstream fill consumer (P&L/cost-basis accounting).
// Must be set before Seed.
func (m *Manager) OnFill(h FillHandler) {
	m.mu.Lock()
	m.onFill = h
	m.mu.Unlock()
}

// PlaceOrder submits one order wrapped in the settle-balance bracket:
// [settle, create, settle], always, in this order, so locked and unlocked
// balances reconcile atomically around the trade.
func (m *Manager) PlaceOrder(ctx context.Context, market venue.Market, side venue.Side, typ venue.OrderType, price, quantity decimal.Decimal) (*session.Receipt, error) {
	priceUnits := nums.ToUnits(price, market.MaxPriceDecimals)
	qtyUnits := nums.ToUnits(quantity, market.BaseDecimals)

	actions := []session.Action{
		session.SettleBalance(),
		session.CreateOrder(market.ID, side, typ, priceUnits, qtyUnits),
		session.SettleBalance(),
	}
	receipt, err := m.submitter.Submit(ctx, actions)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	for _, id := range receipt.OrderIDs {
		m.open[id] = venue.Order{
			ID:        id,
			Market:    market.ID,
			Side:      side,
			Type:      typ,
			Price:     price,
			Quantity:  quantity,
			Status:    venue.StatusOpen,
			CreatedAt: time.Now(),
		}
		if _, ok := m.prevFilled[id]; !ok {
			m.prevFilled[id] = decimal.Zero
		}
	}
	m.mu.Unlock()
	return receipt, nil
}

// CancelOrder cancels a single order.
func (m *Manager) CancelOrder(ctx context.Context, marketID, orderID string) error {
	_, err := m.submitter.Submit(ctx, []session.Action{session.CancelOrder(marketID, orderID)})
	if err != nil {
		return err
	}
	m.retire(orderID)
	return nil
}

// CancelAllOrders fetches the market's open orders and cancels them in
// batches of five per signed submission. Best-effort: a failed batch is
// logged and the loop continues with the remaining batches.
func (m *Manager) CancelAllOrders(ctx context.Context, marketID string) (int, error) {
	open, err := m.api.GetOpenOrders(ctx, marketID)
	if err != nil {
		return 0, err
	}
	if len(open) == 0 {
		return 0, nil
	}

	cancelled := 0
	var lastErr error
	for start := 0; start < len(open); start += cancelBatchSize {
		end := start + cancelBatchSize
		if end > len(open) {
			end = len(open)
		}
		batch := make([]session.Action, 0, end-start)
		for _, o := range open[start:end] {
			batch = append(batch, session.CancelOrder(marketID, o.ID))
		}
		if _, err := m.submitter.Submit(ctx, batch); err != nil {
			log.Printf("[warn] cancel batch %d-%d for %s failed: %v", start, end-1, marketID, err)
			lastErr = err
			continue
		}
		for _, o := range open[start:end] {
			m.retire(o.ID)
		}
		cancelled += end - start
	}
	return cancelled, lastErr
}

// OpenOrders returns a snapshot of locally tracked open orders for a market.
func (m *Manager) OpenOrders(marketID string) []venue.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []venue.Order
	for _, o := range m.open {
		if o.Market == marketID {
			out = append(out, o)
		}
	}
	return out
}

func (m *Manager) retire(orderID string) {
	m.mu.Lock()
	delete(m.open, orderID)
	m.mu.Unlock()
}

// Seed pre-populates the cumulative-filled map from each market's recent
// orders. Without this, the first update after a restart would be read as a
// brand-new fill of the entire historical filled quantity.
func (m *Manager) Seed(ctx context.Context) error {
	for id := range m.markets {
		recent, err := m.api.GetRecentOrders(ctx, id, seedLookback)
		if err != nil {
			return err
		}
		m.mu.Lock()
		for _, o := range recent {
			if o.FilledQuantity.Sign() > 0 {
				m.prevFilled[o.ID] = o.FilledQuantity
			}
			if o.Status == venue.StatusOpen || o.Status == venue.StatusPartiallyFilled {
				m.open[o.ID] = o
			}
		}
		m.mu.Unlock()
	}
	return nil
}

// HandleUpdate routes one order update (push or poll) through the dedup
// path. Both sources can report the same underlying fill; only a cumulative
// quantity strictly above the last observed value emits a fill, and the
// emitted size is the difference.
func (m *Manager) HandleUpdate(u OrderUpdate, source string) {
	if !u.Closed && !u.PartiallyFilled && !u.Cancelled {
		return
	}

	if u.Cancelled && u.FilledQuantity.Sign() <= 0 {
		m.retire(u.OrderID)
		return
	}

	side, err := venue.NormalizeSide(u.Side)
	if err != nil {
		log.Printf("[warn] order update %s: %v", u.OrderID, err)
		return
	}

	m.mu.Lock()
	prev := m.prevFilled[u.OrderID]
	delta := u.FilledQuantity.Sub(prev)
	if delta.Sign() <= 0 {
		// Duplicate or out-of-order delivery.
		m.mu.Unlock()
		if u.Closed || u.Cancelled {
			m.retire(u.OrderID)
		}
		return
	}
	m.prevFilled[u.OrderID] = u.FilledQuantity

	market := m.markets[u.Market]
	notional := u.Price.Mul(delta)
	fill := Fill{
		Market:      u.Market,
		OrderID:     u.OrderID,
		Side:        side,
		Quantity:    delta,
		Price:       u.Price,
		Notional:    notional,
		FeeEstimate: notional.Mul(decimal.NewFromInt(market.TakerFeePpm)).Div(decimal.NewFromInt(1_000_000)),
		Source:      source,
		At:          time.Now(),
	}
	handler := m.onFill
	if o, ok := m.open[u.OrderID]; ok {
		o.FilledQuantity = u.FilledQuantity
		if u.Closed || u.Cancelled {
			delete(m.open, u.OrderID)
		} else {
			o.Status = venue.StatusPartiallyFilled
			m.open[u.OrderID] = o
		}
	}
	m.mu.Unlock()

	// Synchronous delivery keeps cost-basis updates ordered ahead of the
	// next cycle step that reads them.
	if handler != nil {
		handler(fill)
	}
	if m.bus != nil {
		m.bus.Publish(events.Event{Kind: events.KindFillDetected, Market: u.Market, Payload: fill})
	}
}

// PollLoop periodically re-reads recent orders per market and feeds them
// through the same dedup path as push updates, guaranteeing fill detection
// even when the push channel is silently stalled.
func (m *Manager) PollLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for id := range m.markets {
				recent, err := m.api.GetRecentOrders(ctx, id, seedLookback)
				if err != nil {
					if ctx.Err() == nil {
						log.Printf("[warn] fill poll for %s: %v", id, err)
					}
					continue
				}
				for _, o := range recent {
					m.HandleUpdate(OrderUpdate{
						OrderID:         o.ID,
						Market:          o.Market,
						Side:            string(o.Side),
						Price:           o.Price,
						FilledQuantity:  o.FilledQuantity,
						Closed:          o.Status == venue.StatusFilled,
						PartiallyFilled: o.Status == venue.StatusPartiallyFilled,
						Cancelled:       o.Status == venue.StatusCancelled,
					}, "poll")
				}
			}
		}
	}
}
