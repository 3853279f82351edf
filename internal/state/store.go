// Package state persists what the engine needs to survive a restart: the
// account nonce, per-market cost basis with recent fill history, and the
// session metadata. The session signing key itself lives in a separate
// keystore file (see keys.go).
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/shopspring/decimal"
)

// MaxRecentFills bounds the per-market fill history kept in the checkpoint.
const MaxRecentFills = 50

type FillRecord struct {
	TsMs     int64           `json:"ts_ms"`
	OrderID  string          `json:"order_id"`
	Side     string          `json:"side"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Notional decimal.Decimal `json:"notional"`
	Fee      decimal.Decimal `json:"fee"`
	Source   string          `json:"source,omitempty"`
}

type MarketState struct {
	AvgBuyPrice  decimal.Decimal `json:"avg_buy_price"`
	AvgSellPrice decimal.Decimal `json:"avg_sell_price"`
	BaseAcquired decimal.Decimal `json:"base_acquired"`
	RealizedPnL  decimal.Decimal `json:"realized_pnl"`
	RecentFills  []FillRecord    `json:"recent_fills,omitempty"`
}

type SessionRecord struct {
	SessionAddress string   `json:"session_address"`
	TradeAccountID string   `json:"trade_account_id"`
	OwnerAddress   string   `json:"owner_address"`
	Contracts      []string `json:"contracts"`
	CreatedAt      int64    `json:"created_at"`
	ExpiresAt      int64    `json:"expires_at"`
}

type Checkpoint struct {
	AccountID string                 `json:"account_id"`
	Nonce     uint64                 `json:"nonce"`
	Markets   map[string]MarketState `json:"markets,omitempty"`
	Session   *SessionRecord         `json:"session,omitempty"`
}

// Store is the single writer for the checkpoint file. All mutations go
// through it and are flushed atomically (temp file + rename).
type Store struct {
	mu   sync.Mutex
	path string
	ckpt Checkpoint
}

// Open loads the checkpoint at path, or starts fresh if none exists.
// An empty path yields an in-memory store that never touches disk.
func Open(path, accountID string) (*Store, error) {
	s := &Store{path: path, ckpt: Checkpoint{AccountID: accountID, Markets: map[string]MarketState{}}}
	if path == "" {
		return s, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, err
	}

	var ckpt Checkpoint
	if err := json.Unmarshal(b, &ckpt); err != nil {
		return nil, fmt.Errorf("parse checkpoint %s: %w", path, err)
	}
	if ckpt.AccountID != "" && accountID != "" && ckpt.AccountID != accountID {
		return nil, fmt.Errorf("checkpoint %s belongs to account %s, not %s", path, ckpt.AccountID, accountID)
	}
	if ckpt.Markets == nil {
		ckpt.Markets = map[string]MarketState{}
	}
	ckpt.AccountID = accountID
	s.ckpt = ckpt
	return s, nil
}

// Snapshot returns a deep copy of the current checkpoint.
func (s *Store) Snapshot() Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyLocked()
}

func (s *Store) copyLocked() Checkpoint {
	out := s.ckpt
	out.Markets = make(map[string]MarketState, len(s.ckpt.Markets))
	for k, v := range s.ckpt.Markets {
		v.RecentFills = append([]FillRecord(nil), v.RecentFills...)
		out.Markets[k] = v
	}
	if s.ckpt.Session != nil {
		sess := *s.ckpt.Session
		sess.Contracts = append([]string(nil), s.ckpt.Session.Contracts...)
		out.Session = &sess
	}
	return out
}

// Nonce returns the last persisted nonce.
func (s *Store) Nonce() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ckpt.Nonce
}

// SetNonce records and flushes the new nonce value.
func (s *Store) SetNonce(n uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ckpt.Nonce = n
	return s.saveLocked()
}

// Market returns a copy of a market's persisted state.
func (s *Store) Market(id string) MarketState {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms := s.ckpt.Markets[id]
	ms.RecentFills = append([]FillRecord(nil), ms.RecentFills...)
	return ms
}

// UpdateMarket applies fn to a market's state and flushes before returning,
// so the next reader observes the mutation only after it is durable.
func (s *Store) UpdateMarket(id string, fn func(*MarketState)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms := s.ckpt.Markets[id]
	fn(&ms)
	if n := len(ms.RecentFills); n > MaxRecentFills {
		ms.RecentFills = append([]FillRecord(nil), ms.RecentFills[n-MaxRecentFills:]...)
	}
	s.ckpt.Markets[id] = ms
	return s.saveLocked()
}

// SetSession records and flushes the session metadata.
func (s *Store) SetSession(rec SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ckpt.Session = &rec
	return s.saveLocked()
}

// Session returns the persisted session metadata, if any.
func (s *Store) Session() *SessionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ckpt.Session == nil {
		return nil
	}
	sess := *s.ckpt.Session
	sess.Contracts = append([]string(nil), s.ckpt.Session.Contracts...)
	return &sess
}

func (s *Store) saveLocked() error {
	if s.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}

	b, err := json.MarshalIndent(s.ckpt, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
