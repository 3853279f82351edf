package strategy

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/rishabhkeshan/o2-cli-bot/internal/venue"
)

func TestParseConfig_PartialDocumentMergesAgainstDefaults(t *testing.T) {
	raw := json.RawMessage(`{
		"order": {"type": "MARKET", "offset_percent": 0.25},
		"risk": {"stop_loss": true},
		"timing": {"cycle_interval_min_ms": 5000, "cycle_interval_max_ms": 15000}
	}`)
	cfg, err := ParseConfig("FUEL-USDC", raw)
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}

	if cfg.Order.Type != venue.OrderTypeMarket {
		t.Fatalf("order type not overridden: %s", cfg.Order.Type)
	}
	if !cfg.Order.OffsetPercent.Equal(dec("0.25")) {
		t.Fatalf("offset not overridden: %s", cfg.Order.OffsetPercent)
	}
	if !cfg.Risk.StopLoss {
		t.Fatalf("stop loss not overridden")
	}
	if cfg.Timing.CycleIntervalMin != 5*time.Second || cfg.Timing.CycleIntervalMax != 15*time.Second {
		t.Fatalf("timing not overridden: %+v", cfg.Timing)
	}

	// Untouched sections keep their defaults.
	def := DefaultConfig("FUEL-USDC")
	if cfg.Order.PriceReference != def.Order.PriceReference {
		t.Fatalf("price reference default lost: %s", cfg.Order.PriceReference)
	}
	if cfg.Sizing.Mode != def.Sizing.Mode || !cfg.Sizing.FixedNotional.Equal(def.Sizing.FixedNotional) {
		t.Fatalf("sizing defaults lost: %+v", cfg.Sizing)
	}
	if !cfg.Risk.StopLossPercent.Equal(def.Risk.StopLossPercent) {
		t.Fatalf("stop loss percent default lost: %s", cfg.Risk.StopLossPercent)
	}
	if cfg.Active != def.Active {
		t.Fatalf("active default lost")
	}
}

func TestParseConfig_EmptyDocumentIsAllDefaults(t *testing.T) {
	cfg, err := ParseConfig("FUEL-USDC", nil)
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	def := DefaultConfig("FUEL-USDC")
	if cfg.Order.Type != def.Order.Type || cfg.Timing != def.Timing {
		t.Fatalf("empty document must yield defaults: %+v", cfg)
	}
}

func TestParseConfig_RejectsUnknownEnums(t *testing.T) {
	if _, err := ParseConfig("m", json.RawMessage(`{"order": {"type": "STOP"}}`)); err == nil {
		t.Fatalf("unknown order type accepted")
	}
	if _, err := ParseConfig("m", json.RawMessage(`{"order": {"price_reference": "vwap"}}`)); err == nil {
		t.Fatalf("unknown price reference accepted")
	}
	if _, err := ParseConfig("m", json.RawMessage(`{"sizing": {"mode": "martingale"}}`)); err == nil {
		t.Fatalf("unknown sizing mode accepted")
	}
}

func TestParseConfig_RejectsInvertedInterval(t *testing.T) {
	raw := json.RawMessage(`{"timing": {"cycle_interval_min_ms": 10000, "cycle_interval_max_ms": 1000}}`)
	if _, err := ParseConfig("m", raw); err == nil {
		t.Fatalf("max below min accepted")
	}
}
