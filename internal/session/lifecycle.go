package session

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/rishabhkeshan/o2-cli-bot/internal/state"
)

// Session lifecycle: Uninitialized -> Active -> Renewing -> Active | Invalid.
//
// Creation is the one place the long-lived owner key signs anything; every
// trading submission afterwards uses the short-lived session key.

type sessionAuthPayload struct {
	SessionID      string   `json:"session_id"`
	AccountID      string   `json:"account_id"`
	OwnerAddress   string   `json:"owner_address"`
	SessionAddress string   `json:"session_address"`
	Contracts      []string `json:"contracts"`
	CreatedAt      int64    `json:"created_at"`
	ExpiresAt      int64    `json:"expires_at"`
	Signature      string   `json:"signature"`
}

func sessionDigest(accountID string, owner, sessionAddr common.Address, contracts []string, createdAt, expiresAt int64) []byte {
	buf := make([]byte, 0, 128)
	buf = appendBytes(buf, []byte(accountID))
	buf = append(buf, owner.Bytes()...)
	buf = append(buf, sessionAddr.Bytes()...)
	var ts [16]byte
	binary.BigEndian.PutUint64(ts[:8], uint64(createdAt))
	binary.BigEndian.PutUint64(ts[8:], uint64(expiresAt))
	buf = append(buf, ts[:]...)
	for _, c := range contracts {
		buf = appendBytes(buf, []byte(c))
	}
	return crypto.Keccak256(buf)
}

// ensureSession restores a persisted, unexpired session or creates a fresh
// one authorized against the configured contract set.
func (a *Authority) ensureSession(ctx context.Context) error {
	if a.cfg.Store != nil && a.cfg.KeyPath != "" {
		if rec := a.cfg.Store.Session(); rec != nil && rec.ExpiresAt > a.now().Unix() {
			key, err := state.LoadSessionKey(a.cfg.KeyPath, a.cfg.KeyPassphrase)
			if err != nil {
				log.Printf("[warn] session key restore failed, creating fresh session: %v", err)
			} else if key != nil && crypto.PubkeyToAddress(key.PublicKey).Hex() == rec.SessionAddress {
				a.mu.Lock()
				a.sessionKey = key
				a.info = Info{
					SessionAddress: common.HexToAddress(rec.SessionAddress),
					TradeAccountID: rec.TradeAccountID,
					OwnerAddress:   common.HexToAddress(rec.OwnerAddress),
					Contracts:      append([]string(nil), rec.Contracts...),
					CreatedAt:      rec.CreatedAt,
					ExpiresAt:      rec.ExpiresAt,
				}
				a.mu.Unlock()
				log.Printf("[session] restored session %s (expires %s)",
					rec.SessionAddress, time.Unix(rec.ExpiresAt, 0).UTC().Format(time.RFC3339))
				return nil
			}
		}
	}
	return a.createSession(ctx, a.cfg.Contracts)
}

// createSession generates a fresh keypair and submits an owner-signed
// authorization naming the trade account and every contract to be traded.
func (a *Authority) createSession(ctx context.Context, contracts []string) error {
	if a.cfg.OwnerKey == nil {
		return fmt.Errorf("owner key required to create a session")
	}
	if len(contracts) == 0 {
		return fmt.Errorf("no contracts to authorize")
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return fmt.Errorf("generate session key: %w", err)
	}

	ownerAddr := crypto.PubkeyToAddress(a.cfg.OwnerKey.PublicKey)
	sessionAddr := crypto.PubkeyToAddress(key.PublicKey)
	createdAt := a.now().Unix()
	expiresAt := a.now().Add(a.cfg.Lifetime).Unix()

	dg := sessionDigest(a.cfg.AccountID, ownerAddr, sessionAddr, contracts, createdAt, expiresAt)
	sig, err := crypto.Sign(dg, a.cfg.OwnerKey)
	if err != nil {
		return fmt.Errorf("sign session authorization: %w", err)
	}
	sig[64] += 27

	payload, err := json.Marshal(sessionAuthPayload{
		SessionID:      uuid.NewString(),
		AccountID:      a.cfg.AccountID,
		OwnerAddress:   ownerAddr.Hex(),
		SessionAddress: sessionAddr.Hex(),
		Contracts:      contracts,
		CreatedAt:      createdAt,
		ExpiresAt:      expiresAt,
		Signature:      fmt.Sprintf("0x%x", sig),
	})
	if err != nil {
		return fmt.Errorf("encode session authorization: %w", err)
	}

	if err := a.transport.CreateSession(ctx, payload); err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	a.mu.Lock()
	a.sessionKey = key
	a.info = Info{
		SessionAddress: sessionAddr,
		TradeAccountID: a.cfg.AccountID,
		OwnerAddress:   ownerAddr,
		Contracts:      append([]string(nil), contracts...),
		CreatedAt:      createdAt,
		ExpiresAt:      expiresAt,
	}
	a.mu.Unlock()

	a.persistSession(contracts, createdAt, expiresAt, ownerAddr, sessionAddr)
	log.Printf("[session] created session %s for %d contract(s), expires %s",
		sessionAddr.Hex(), len(contracts), time.Unix(expiresAt, 0).UTC().Format(time.RFC3339))
	return nil
}

func (a *Authority) persistSession(contracts []string, createdAt, expiresAt int64, ownerAddr, sessionAddr common.Address) {
	if a.cfg.Store == nil {
		return
	}
	rec := state.SessionRecord{
		SessionAddress: sessionAddr.Hex(),
		TradeAccountID: a.cfg.AccountID,
		OwnerAddress:   ownerAddr.Hex(),
		Contracts:      append([]string(nil), contracts...),
		CreatedAt:      createdAt,
		ExpiresAt:      expiresAt,
	}
	if err := a.cfg.Store.SetSession(rec); err != nil {
		log.Printf("[warn] session checkpoint failed: %v", err)
	}
	a.mu.RLock()
	pk := a.sessionKey
	a.mu.RUnlock()
	if a.cfg.KeyPath != "" && pk != nil {
		if err := state.SaveSessionKey(a.cfg.KeyPath, pk, a.cfg.KeyPassphrase); err != nil {
			log.Printf("[warn] session key save failed: %v", err)
		}
	}
}

// expiryLoop proactively renews the session when less than 10% of the
// configured lifetime remains, or immediately once expired.
func (a *Authority) expiryLoop(ctx context.Context) {
	defer a.wg.Done()
	t := time.NewTicker(a.cfg.CheckInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			info := a.Info()
			remaining := time.Unix(info.ExpiresAt, 0).Sub(a.now())
			if remaining > a.cfg.Lifetime/10 {
				continue
			}
			log.Printf("[session] renewing (remaining=%s)", remaining.Truncate(time.Second))
			// Renewal reuses the previously-recorded contract set.
			if err := a.createSession(ctx, info.Contracts); err != nil {
				a.signalInvalid(fmt.Errorf("session renewal: %w", err))
			}
		}
	}
}
