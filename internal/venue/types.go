package venue

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// NormalizeSide maps any upstream casing ("buy", "Buy", "BUY") onto the
// canonical two-valued enum.
func NormalizeSide(s string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY", "BID":
		return SideBuy, nil
	case "SELL", "ASK":
		return SideSell, nil
	default:
		return "", fmt.Errorf("unknown side %q", s)
	}
}

type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

type OrderStatus string

const (
	StatusOpen            OrderStatus = "OPEN"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCancelled       OrderStatus = "CANCELLED"
)

// Market is the immutable per-session descriptor for a traded pair.
type Market struct {
	ID       string `json:"id"`
	Contract string `json:"contract"`

	BaseAsset  string `json:"base_asset"`
	QuoteAsset string `json:"quote_asset"`

	BaseDecimals  int32 `json:"base_decimals"`
	QuoteDecimals int32 `json:"quote_decimals"`

	MinPriceDecimals int32 `json:"min_price_decimals"`
	MaxPriceDecimals int32 `json:"max_price_decimals"`

	// TickSize/StepSize of zero mean "derive from max precision".
	TickSize decimal.Decimal `json:"tick_size"`
	StepSize decimal.Decimal `json:"step_size"`

	MakerFeePpm int64 `json:"maker_fee_ppm"`
	TakerFeePpm int64 `json:"taker_fee_ppm"`

	MinNotional decimal.Decimal `json:"min_notional"`
}

// EffectiveTick returns the configured tick size, falling back to the step
// implied by the market's maximum price precision.
func (m Market) EffectiveTick() decimal.Decimal {
	if m.TickSize.Sign() > 0 {
		return m.TickSize
	}
	return decimal.New(1, -m.MaxPriceDecimals)
}

// EffectiveStep returns the configured step size, falling back to the step
// implied by the base asset's decimals.
func (m Market) EffectiveStep() decimal.Decimal {
	if m.StepSize.Sign() > 0 {
		return m.StepSize
	}
	return decimal.New(1, -m.BaseDecimals)
}

// LoadMarkets reads the per-session market descriptors from a JSON document.
func LoadMarkets(path string) ([]Market, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read markets file: %w", err)
	}
	var markets []Market
	if err := json.Unmarshal(b, &markets); err != nil {
		return nil, fmt.Errorf("parse markets file %s: %w", path, err)
	}
	for i, m := range markets {
		if m.ID == "" {
			return nil, fmt.Errorf("markets file %s: entry %d missing id", path, i)
		}
	}
	return markets, nil
}

type Ticker struct {
	Market     string          `json:"market"`
	LastPrice  decimal.Decimal `json:"last_price"`
	Bid        decimal.Decimal `json:"bid"`
	Ask        decimal.Decimal `json:"ask"`
	High       decimal.Decimal `json:"high"`
	Low        decimal.Decimal `json:"low"`
	BaseVolume decimal.Decimal `json:"base_volume"`
}

type BookLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// OrderBook levels are ordered best-first on each side.
type OrderBook struct {
	Market string      `json:"market"`
	Bids   []BookLevel `json:"bids"`
	Asks   []BookLevel `json:"asks"`
}

type AssetBalance struct {
	Unlocked decimal.Decimal `json:"unlocked"`
	Locked   decimal.Decimal `json:"locked"`
}

type Balances struct {
	Base  AssetBalance `json:"base"`
	Quote AssetBalance `json:"quote"`
}

type Order struct {
	ID             string          `json:"id"`
	Market         string          `json:"market"`
	Side           Side            `json:"side"`
	Type           OrderType       `json:"type"`
	Price          decimal.Decimal `json:"price"`
	Quantity       decimal.Decimal `json:"quantity"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	Status         OrderStatus     `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
}

// SubmitResponse is the venue's acknowledgment of a signed transaction.
type SubmitResponse struct {
	TxID   string `json:"tx_id"`
	Orders []struct {
		OrderID string `json:"order_id"`
	} `json:"orders,omitempty"`
}

// APIError preserves the raw response body: submission failures embed
// chain-level nonce events and database-nonce hints in the error text, and
// the session layer parses them out of Body.
type APIError struct {
	Status int
	Method string
	Path   string
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("venue %s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}
