package strategy

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/rishabhkeshan/o2-cli-bot/internal/venue"
)

// ErrInsufficientDepth marks a book that cannot fill the reference notional
// on at least one side. Treated as an effectively infinite spread.
var ErrInsufficientDepth = errors.New("insufficient depth")

// EffectiveSpread walks both sides of the book and returns the spread, in
// percent, between the volume-weighted average fill prices for the given
// notional. Top-of-book spread understates cost on thin books; this is the
// number an order of refNotional would actually pay.
func EffectiveSpread(book *venue.OrderBook, refNotional decimal.Decimal) (decimal.Decimal, error) {
	if book == nil {
		return decimal.Zero, fmt.Errorf("no orderbook")
	}
	if refNotional.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("non-positive reference notional %s", refNotional)
	}

	vwapAsk, err := vwapForNotional(book.Asks, refNotional)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ask side: %w", err)
	}
	vwapBid, err := vwapForNotional(book.Bids, refNotional)
	if err != nil {
		return decimal.Zero, fmt.Errorf("bid side: %w", err)
	}

	mid := vwapAsk.Add(vwapBid).Div(decimal.NewFromInt(2))
	if mid.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("degenerate book mid %s", mid)
	}
	return vwapAsk.Sub(vwapBid).Div(mid).Mul(decimal.NewFromInt(100)), nil
}

// vwapForNotional consumes best-first levels until the target notional is
// covered and returns the volume-weighted average price paid.
func vwapForNotional(levels []venue.BookLevel, target decimal.Decimal) (decimal.Decimal, error) {
	remaining := target
	cost := decimal.Zero
	qty := decimal.Zero
	for _, lvl := range levels {
		if lvl.Price.Sign() <= 0 || lvl.Size.Sign() <= 0 {
			continue
		}
		levelNotional := lvl.Price.Mul(lvl.Size)
		take := levelNotional
		if take.GreaterThan(remaining) {
			take = remaining
		}
		cost = cost.Add(take)
		qty = qty.Add(take.Div(lvl.Price))
		remaining = remaining.Sub(take)
		if remaining.Sign() <= 0 {
			return cost.Div(qty), nil
		}
	}
	return decimal.Zero, fmt.Errorf("%w: %s notional uncovered", ErrInsufficientDepth, remaining)
}
