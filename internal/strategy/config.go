// Package strategy decides, once per scheduled cycle, whether and at what
// price and size to place orders for a market.
package strategy

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rishabhkeshan/o2-cli-bot/internal/venue"
)

// PriceReference selects the reference price used by the cycle.
type PriceReference string

const (
	RefMid  PriceReference = "mid"
	RefBid  PriceReference = "bid"
	RefAsk  PriceReference = "ask"
	RefLast PriceReference = "last"
)

// SizingMode selects how order size is derived from balance.
type SizingMode string

const (
	SizeFixedNotional SizingMode = "fixed"
	SizePercentage    SizingMode = "percentage"
)

type OrderConfig struct {
	Type           venue.OrderType
	PriceReference PriceReference
	OffsetPercent  decimal.Decimal
	Randomize      bool
	RandomRange    decimal.Decimal // uniform multiplicative jitter half-width
}

type Sizing struct {
	Mode           SizingMode
	FixedNotional  decimal.Decimal
	BalancePercent decimal.Decimal
	MinNotional    decimal.Decimal
	MaxNotional    decimal.Decimal
}

type OrderMgmt struct {
	MaxOpenPerSide    int
	ProfitFloor       bool
	TakeProfitPercent decimal.Decimal
}

type Risk struct {
	StopLoss        bool
	StopLossPercent decimal.Decimal

	OrderTimeout        bool
	OrderTimeoutMinutes int

	SessionLossCap    bool
	MaxSessionLossUSD decimal.Decimal

	// MaxSpreadPercent gates the cycle on the effective spread for the
	// reference order size; zero disables the gate.
	MaxSpreadPercent decimal.Decimal
}

type Timing struct {
	CycleIntervalMin time.Duration
	CycleIntervalMax time.Duration
}

// Config is the per-market strategy document, fully resolved against
// defaults.
type Config struct {
	Market string
	Active bool
	Order  OrderConfig
	Sizing Sizing
	Orders OrderMgmt
	Risk   Risk
	Timing Timing
}

func DefaultConfig(market string) Config {
	return Config{
		Market: market,
		Active: true,
		Order: OrderConfig{
			Type:           venue.OrderTypeLimit,
			PriceReference: RefMid,
			OffsetPercent:  decimal.NewFromFloat(0.1),
			Randomize:      false,
			RandomRange:    decimal.NewFromFloat(0.0005),
		},
		Sizing: Sizing{
			Mode:          SizeFixedNotional,
			FixedNotional: decimal.NewFromInt(50),
			MinNotional:   decimal.NewFromInt(1),
			MaxNotional:   decimal.NewFromInt(500),
		},
		Orders: OrderMgmt{
			MaxOpenPerSide:    3,
			ProfitFloor:       true,
			TakeProfitPercent: decimal.NewFromFloat(0.2),
		},
		Risk: Risk{
			StopLoss:            false,
			StopLossPercent:     decimal.NewFromInt(5),
			OrderTimeout:        false,
			OrderTimeoutMinutes: 30,
			SessionLossCap:      false,
			MaxSessionLossUSD:   decimal.NewFromInt(100),
			MaxSpreadPercent:    decimal.Zero,
		},
		Timing: Timing{
			CycleIntervalMin: 30 * time.Second,
			CycleIntervalMax: 90 * time.Second,
		},
	}
}

// patch mirrors Config with pointer fields so absent JSON keys are
// distinguishable from zero values. Merging is total: every field either
// takes the patch value or keeps the default.
type patch struct {
	Active *bool `json:"active"`
	Order  *struct {
		Type           *string          `json:"type"`
		PriceReference *string          `json:"price_reference"`
		OffsetPercent  *decimal.Decimal `json:"offset_percent"`
		Randomize      *bool            `json:"randomize"`
		RandomRange    *decimal.Decimal `json:"random_range"`
	} `json:"order"`
	Sizing *struct {
		Mode           *string          `json:"mode"`
		FixedNotional  *decimal.Decimal `json:"fixed_notional"`
		BalancePercent *decimal.Decimal `json:"balance_percent"`
		MinNotional    *decimal.Decimal `json:"min_notional"`
		MaxNotional    *decimal.Decimal `json:"max_notional"`
	} `json:"sizing"`
	Orders *struct {
		MaxOpenPerSide    *int             `json:"max_open_per_side"`
		ProfitFloor       *bool            `json:"profit_floor"`
		TakeProfitPercent *decimal.Decimal `json:"take_profit_percent"`
	} `json:"orders"`
	Risk *struct {
		StopLoss            *bool            `json:"stop_loss"`
		StopLossPercent     *decimal.Decimal `json:"stop_loss_percent"`
		OrderTimeout        *bool            `json:"order_timeout"`
		OrderTimeoutMinutes *int             `json:"order_timeout_minutes"`
		SessionLossCap      *bool            `json:"session_loss_cap"`
		MaxSessionLossUSD   *decimal.Decimal `json:"max_session_loss_usd"`
		MaxSpreadPercent    *decimal.Decimal `json:"max_spread_percent"`
	} `json:"risk"`
	Timing *struct {
		CycleIntervalMinMs *int64 `json:"cycle_interval_min_ms"`
		CycleIntervalMaxMs *int64 `json:"cycle_interval_max_ms"`
	} `json:"timing"`
}

func (c *Config) apply(p patch) error {
	if p.Active != nil {
		c.Active = *p.Active
	}
	if p.Order != nil {
		if p.Order.Type != nil {
			switch venue.OrderType(*p.Order.Type) {
			case venue.OrderTypeLimit, venue.OrderTypeMarket:
				c.Order.Type = venue.OrderType(*p.Order.Type)
			default:
				return fmt.Errorf("unknown order type %q", *p.Order.Type)
			}
		}
		if p.Order.PriceReference != nil {
			switch PriceReference(*p.Order.PriceReference) {
			case RefMid, RefBid, RefAsk, RefLast:
				c.Order.PriceReference = PriceReference(*p.Order.PriceReference)
			default:
				return fmt.Errorf("unknown price reference %q", *p.Order.PriceReference)
			}
		}
		if p.Order.OffsetPercent != nil {
			c.Order.OffsetPercent = *p.Order.OffsetPercent
		}
		if p.Order.Randomize != nil {
			c.Order.Randomize = *p.Order.Randomize
		}
		if p.Order.RandomRange != nil {
			c.Order.RandomRange = *p.Order.RandomRange
		}
	}
	if p.Sizing != nil {
		if p.Sizing.Mode != nil {
			switch SizingMode(*p.Sizing.Mode) {
			case SizeFixedNotional, SizePercentage:
				c.Sizing.Mode = SizingMode(*p.Sizing.Mode)
			default:
				return fmt.Errorf("unknown sizing mode %q", *p.Sizing.Mode)
			}
		}
		if p.Sizing.FixedNotional != nil {
			c.Sizing.FixedNotional = *p.Sizing.FixedNotional
		}
		if p.Sizing.BalancePercent != nil {
			c.Sizing.BalancePercent = *p.Sizing.BalancePercent
		}
		if p.Sizing.MinNotional != nil {
			c.Sizing.MinNotional = *p.Sizing.MinNotional
		}
		if p.Sizing.MaxNotional != nil {
			c.Sizing.MaxNotional = *p.Sizing.MaxNotional
		}
	}
	if p.Orders != nil {
		if p.Orders.MaxOpenPerSide != nil {
			c.Orders.MaxOpenPerSide = *p.Orders.MaxOpenPerSide
		}
		if p.Orders.ProfitFloor != nil {
			c.Orders.ProfitFloor = *p.Orders.ProfitFloor
		}
		if p.Orders.TakeProfitPercent != nil {
			c.Orders.TakeProfitPercent = *p.Orders.TakeProfitPercent
		}
	}
	if p.Risk != nil {
		if p.Risk.StopLoss != nil {
			c.Risk.StopLoss = *p.Risk.StopLoss
		}
		if p.Risk.StopLossPercent != nil {
			c.Risk.StopLossPercent = *p.Risk.StopLossPercent
		}
		if p.Risk.OrderTimeout != nil {
			c.Risk.OrderTimeout = *p.Risk.OrderTimeout
		}
		if p.Risk.OrderTimeoutMinutes != nil {
			c.Risk.OrderTimeoutMinutes = *p.Risk.OrderTimeoutMinutes
		}
		if p.Risk.SessionLossCap != nil {
			c.Risk.SessionLossCap = *p.Risk.SessionLossCap
		}
		if p.Risk.MaxSessionLossUSD != nil {
			c.Risk.MaxSessionLossUSD = *p.Risk.MaxSessionLossUSD
		}
		if p.Risk.MaxSpreadPercent != nil {
			c.Risk.MaxSpreadPercent = *p.Risk.MaxSpreadPercent
		}
	}
	if p.Timing != nil {
		if p.Timing.CycleIntervalMinMs != nil {
			c.Timing.CycleIntervalMin = time.Duration(*p.Timing.CycleIntervalMinMs) * time.Millisecond
		}
		if p.Timing.CycleIntervalMaxMs != nil {
			c.Timing.CycleIntervalMax = time.Duration(*p.Timing.CycleIntervalMaxMs) * time.Millisecond
		}
	}
	if c.Timing.CycleIntervalMax < c.Timing.CycleIntervalMin {
		return fmt.Errorf("cycle interval max %s below min %s", c.Timing.CycleIntervalMax, c.Timing.CycleIntervalMin)
	}
	return nil
}

// ParseConfig resolves one market's partial JSON document against defaults.
func ParseConfig(market string, raw json.RawMessage) (Config, error) {
	cfg := DefaultConfig(market)
	if len(raw) == 0 {
		return cfg, nil
	}
	var p patch
	if err := json.Unmarshal(raw, &p); err != nil {
		return Config{}, fmt.Errorf("strategy config for %s: %w", market, err)
	}
	if err := cfg.apply(p); err != nil {
		return Config{}, fmt.Errorf("strategy config for %s: %w", market, err)
	}
	return cfg, nil
}

// LoadConfigs reads a JSON document of market id to partial strategy config.
func LoadConfigs(path string) (map[string]Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read strategy configs: %w", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("parse strategy configs %s: %w", path, err)
	}
	out := make(map[string]Config, len(raw))
	for market, doc := range raw {
		cfg, err := ParseConfig(market, doc)
		if err != nil {
			return nil, err
		}
		out[market] = cfg
	}
	return out, nil
}
