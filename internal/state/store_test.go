package state

import (
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
)

func TestStore_RoundTripsThroughFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")

	s, err := Open(path, "acct-1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.SetNonce(7); err != nil {
		t.Fatalf("SetNonce: %v", err)
	}
	if err := s.UpdateMarket("FUEL-USDC", func(ms *MarketState) {
		ms.AvgBuyPrice = decimal.RequireFromString("0.042")
		ms.RecentFills = append(ms.RecentFills, FillRecord{TsMs: 1, OrderID: "o1", Side: "BUY"})
	}); err != nil {
		t.Fatalf("UpdateMarket: %v", err)
	}
	if err := s.SetSession(SessionRecord{SessionAddress: "0xabc", TradeAccountID: "acct-1", Contracts: []string{"c1"}, ExpiresAt: 99}); err != nil {
		t.Fatalf("SetSession: %v", err)
	}

	s2, err := Open(path, "acct-1")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got := s2.Nonce(); got != 7 {
		t.Fatalf("nonce mismatch: got %d", got)
	}
	ms := s2.Market("FUEL-USDC")
	if !ms.AvgBuyPrice.Equal(decimal.RequireFromString("0.042")) {
		t.Fatalf("avg buy mismatch: %s", ms.AvgBuyPrice)
	}
	if len(ms.RecentFills) != 1 || ms.RecentFills[0].OrderID != "o1" {
		t.Fatalf("fills mismatch: %#v", ms.RecentFills)
	}
	sess := s2.Session()
	if sess == nil || sess.SessionAddress != "0xabc" || sess.ExpiresAt != 99 {
		t.Fatalf("session mismatch: %#v", sess)
	}
}

func TestOpen_MissingFileIsFreshStart(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "nope.json"), "acct-1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if s.Nonce() != 0 {
		t.Fatalf("expected zero nonce")
	}
	if s.Session() != nil {
		t.Fatalf("expected no session")
	}
}

func TestOpen_RejectsForeignAccount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	s, err := Open(path, "acct-1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.SetNonce(1); err != nil {
		t.Fatalf("SetNonce: %v", err)
	}
	if _, err := Open(path, "acct-2"); err == nil {
		t.Fatalf("expected account mismatch error")
	}
}

func TestUpdateMarket_BoundsFillHistory(t *testing.T) {
	s, err := Open("", "acct-1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	err = s.UpdateMarket("m", func(ms *MarketState) {
		for i := 0; i < MaxRecentFills+10; i++ {
			ms.RecentFills = append(ms.RecentFills, FillRecord{TsMs: int64(i)})
		}
	})
	if err != nil {
		t.Fatalf("UpdateMarket: %v", err)
	}
	ms := s.Market("m")
	if len(ms.RecentFills) != MaxRecentFills {
		t.Fatalf("history not bounded: %d", len(ms.RecentFills))
	}
	if ms.RecentFills[0].TsMs != 10 {
		t.Fatalf("kept wrong window: first=%d", ms.RecentFills[0].TsMs)
	}
}

func TestSnapshot_IsACopy(t *testing.T) {
	s, err := Open("", "acct-1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = s.UpdateMarket("m", func(ms *MarketState) {
		ms.RecentFills = []FillRecord{{OrderID: "o1"}}
	})
	snap := s.Snapshot()
	snap.Markets["m"].RecentFills[0] = FillRecord{OrderID: "mutated"}
	if got := s.Market("m").RecentFills[0].OrderID; got != "o1" {
		t.Fatalf("snapshot aliased store state: %s", got)
	}
}
