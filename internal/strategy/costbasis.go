package strategy

import (
	"log"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/rishabhkeshan/o2-cli-bot/internal/orders"
	"github.com/rishabhkeshan/o2-cli-bot/internal/state"
	"github.com/rishabhkeshan/o2-cli-bot/internal/venue"
)

// Basis is a market's tracked cost basis.
type Basis struct {
	AvgBuyPrice  decimal.Decimal
	AvgSellPrice decimal.Decimal
	BaseAcquired decimal.Decimal
	RealizedPnL  decimal.Decimal
}

// BasisStore is the single authoritative copy of per-market cost basis.
// The fill path updates it synchronously and persists inside the same
// critical section, so a sell priced right after a buy fill always sees the
// fresh average.
type BasisStore struct {
	mu    sync.Mutex
	store *state.Store
	byMkt map[string]Basis
}

func NewBasisStore(store *state.Store) *BasisStore {
	bs := &BasisStore{store: store, byMkt: map[string]Basis{}}
	if store != nil {
		for id, ms := range store.Snapshot().Markets {
			bs.byMkt[id] = Basis{
				AvgBuyPrice:  ms.AvgBuyPrice,
				AvgSellPrice: ms.AvgSellPrice,
				BaseAcquired: ms.BaseAcquired,
				RealizedPnL:  ms.RealizedPnL,
			}
		}
	}
	return bs
}

// Get returns a market's current basis snapshot.
func (bs *BasisStore) Get(market string) Basis {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return bs.byMkt[market]
}

// ApplyFill folds one incremental fill into the market's basis. Buys move the
// volume-weighted average buy price; sells realize P&L against the current
// average buy price, net of the estimated fee.
func (bs *BasisStore) ApplyFill(f orders.Fill) {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	b := bs.byMkt[f.Market]
	switch f.Side {
	case venue.SideBuy:
		total := b.BaseAcquired.Add(f.Quantity)
		if total.Sign() > 0 {
			b.AvgBuyPrice = b.AvgBuyPrice.Mul(b.BaseAcquired).
				Add(f.Price.Mul(f.Quantity)).
				Div(total)
		}
		b.BaseAcquired = total
		b.RealizedPnL = b.RealizedPnL.Sub(f.FeeEstimate)
	case venue.SideSell:
		if b.AvgBuyPrice.Sign() > 0 {
			b.RealizedPnL = b.RealizedPnL.
				Add(f.Price.Sub(b.AvgBuyPrice).Mul(f.Quantity)).
				Sub(f.FeeEstimate)
		} else {
			b.RealizedPnL = b.RealizedPnL.Sub(f.FeeEstimate)
		}
		if b.AvgSellPrice.Sign() == 0 {
			b.AvgSellPrice = f.Price
		} else {
			b.AvgSellPrice = b.AvgSellPrice.Add(f.Price).Div(decimal.NewFromInt(2))
		}
		b.BaseAcquired = b.BaseAcquired.Sub(f.Quantity)
		if b.BaseAcquired.Sign() < 0 {
			b.BaseAcquired = decimal.Zero
		}
		if b.BaseAcquired.Sign() == 0 {
			// Position closed; the next buy starts a fresh basis.
			b.AvgBuyPrice = decimal.Zero
		}
	}
	bs.byMkt[f.Market] = b
	bs.persistLocked(f.Market, b, &f)
}

// ResetBuy clears the average buy price after a stop-loss exit.
func (bs *BasisStore) ResetBuy(market string) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	b := bs.byMkt[market]
	b.AvgBuyPrice = decimal.Zero
	b.BaseAcquired = decimal.Zero
	bs.byMkt[market] = b
	bs.persistLocked(market, b, nil)
}

func (bs *BasisStore) persistLocked(market string, b Basis, f *orders.Fill) {
	if bs.store == nil {
		return
	}
	err := bs.store.UpdateMarket(market, func(ms *state.MarketState) {
		ms.AvgBuyPrice = b.AvgBuyPrice
		ms.AvgSellPrice = b.AvgSellPrice
		ms.BaseAcquired = b.BaseAcquired
		ms.RealizedPnL = b.RealizedPnL
		if f != nil {
			ms.RecentFills = append(ms.RecentFills, state.FillRecord{
				TsMs:     f.At.UnixMilli(),
				OrderID:  f.OrderID,
				Side:     string(f.Side),
				Price:    f.Price,
				Quantity: f.Quantity,
				Notional: f.Notional,
				Fee:      f.FeeEstimate,
				Source:   f.Source,
			})
		}
	})
	if err != nil {
		log.Printf("[warn] cost basis checkpoint for %s: %v", market, err)
	}
}
