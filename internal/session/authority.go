// Package session owns everything that touches the account's signing
// authority: the session keypair, the per-account nonce, and the single
// serialized queue every submission funnels through.
package session

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/rishabhkeshan/o2-cli-bot/internal/events"
	"github.com/rishabhkeshan/o2-cli-bot/internal/state"
	"github.com/rishabhkeshan/o2-cli-bot/internal/venue"
)

// Transport is the slice of the venue API the authority needs.
type Transport interface {
	SubmitTransaction(ctx context.Context, payload []byte) (*venue.SubmitResponse, error)
	GetAccountNonce(ctx context.Context, accountID string) (uint64, error)
	CreateSession(ctx context.Context, payload []byte) error
}

// Info describes the authenticated session.
type Info struct {
	SessionAddress common.Address
	TradeAccountID string
	OwnerAddress   common.Address
	Contracts      []string
	CreatedAt      int64
	ExpiresAt      int64
}

// Receipt is the outcome of one signed submission.
type Receipt struct {
	TxID     string
	OrderIDs []string
	Nonce    uint64
}

// ErrSessionInvalid marks failures that require session renewal, not retry.
var ErrSessionInvalid = errors.New("session invalid")

type Config struct {
	AccountID string
	OwnerKey  *ecdsa.PrivateKey
	Transport Transport

	// Store and Bus may be nil (no persistence / no listeners).
	Store *state.Store
	Bus   *events.Bus

	// KeyPath is where the encrypted session key lives; empty disables
	// key persistence.
	KeyPath       string
	KeyPassphrase string

	// Contracts the session is authorized against on first creation.
	Contracts []string

	Lifetime      time.Duration // session validity; default 24h
	CheckInterval time.Duration // expiry check cadence; default 60s
	QueueSize     int           // pending submission bound; default 64
}

type submitResult struct {
	receipt *Receipt
	err     error
}

type submitJob struct {
	ctx     context.Context
	actions []Action
	reply   chan submitResult
}

// Authority serializes all signed submissions for one trade account.
//
// The nonce is owned by the worker goroutine: no job begins signing until the
// previous job's nonce outcome (success, recovered-and-retried, or final
// failure) is known.
type Authority struct {
	cfg       Config
	transport Transport

	jobs chan *submitJob
	wg   sync.WaitGroup

	mu         sync.RWMutex
	sessionKey *ecdsa.PrivateKey
	info       Info

	// nonce is the next value to sign with. Touched only by the worker
	// after Start.
	nonce uint64

	// nonceCh feeds the persister goroutine; one slot, newest value wins.
	nonceCh chan uint64

	now func() time.Time
}

func New(cfg Config) (*Authority, error) {
	if cfg.AccountID == "" {
		return nil, fmt.Errorf("account id required")
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport required")
	}
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = 24 * time.Hour
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 60 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	return &Authority{
		cfg:       cfg,
		transport: cfg.Transport,
		jobs:      make(chan *submitJob, cfg.QueueSize),
		nonceCh:   make(chan uint64, 1),
		now:       time.Now,
	}, nil
}

// Start restores or creates the session, synchronizes the nonce, and launches
// the submission worker plus the expiry checker.
func (a *Authority) Start(ctx context.Context) error {
	if err := a.ensureSession(ctx); err != nil {
		return err
	}

	a.nonce = a.bootNonce(ctx)
	log.Printf("[session] account=%s session=%s nonce=%d expires=%s",
		a.cfg.AccountID, a.SessionAddress().Hex(), a.nonce,
		time.Unix(a.Info().ExpiresAt, 0).UTC().Format(time.RFC3339))

	a.wg.Add(2)
	go a.worker(ctx)
	go a.expiryLoop(ctx)
	if a.cfg.Store != nil {
		a.wg.Add(1)
		go a.noncePersister(ctx)
	}
	return nil
}

// Wait blocks until the worker goroutines exit (after ctx cancellation).
func (a *Authority) Wait() {
	a.wg.Wait()
}

func (a *Authority) Info() Info {
	a.mu.RLock()
	defer a.mu.RUnlock()
	info := a.info
	info.Contracts = append([]string(nil), a.info.Contracts...)
	return info
}

func (a *Authority) SessionAddress() common.Address {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.info.SessionAddress
}

// bootNonce reconciles the persisted nonce with the venue's view. The venue
// is authoritative when reachable; the checkpoint covers offline starts.
func (a *Authority) bootNonce(ctx context.Context) uint64 {
	var stored uint64
	if a.cfg.Store != nil {
		stored = a.cfg.Store.Nonce()
	}
	qctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	remote, err := a.transport.GetAccountNonce(qctx, a.cfg.AccountID)
	if err != nil {
		log.Printf("[warn] nonce query failed, using checkpoint value %d: %v", stored, err)
		return stored
	}
	if remote < stored {
		log.Printf("[warn] venue nonce %d behind checkpoint %d; trusting venue", remote, stored)
	}
	return remote
}

// Submit enqueues one signed submission and blocks until every
// earlier-enqueued submission has fully resolved and this one completes.
// Each call consumes exactly one nonce on the venue.
func (a *Authority) Submit(ctx context.Context, actions []Action) (*Receipt, error) {
	if len(actions) == 0 {
		return nil, fmt.Errorf("no actions")
	}
	job := &submitJob{ctx: ctx, actions: actions, reply: make(chan submitResult, 1)}

	select {
	case a.jobs <- job:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-job.reply:
		return res.receipt, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *Authority) worker(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			a.drain(ctx.Err())
			return
		case job := <-a.jobs:
			receipt, err := a.process(job)
			job.reply <- submitResult{receipt: receipt, err: err}
		}
	}
}

func (a *Authority) drain(cause error) {
	for {
		select {
		case job := <-a.jobs:
			job.reply <- submitResult{err: fmt.Errorf("authority stopped: %w", cause)}
		default:
			return
		}
	}
}

// process performs one submission with at most one nonce-corrected retry.
func (a *Authority) process(job *submitJob) (*Receipt, error) {
	receipt, err := a.submitOnce(job.ctx, job.actions)
	if err == nil {
		return receipt, nil
	}

	// A locally detected invalid session never reached the venue; there is
	// no nonce to recover.
	if errors.Is(err, ErrSessionInvalid) {
		a.signalInvalid(err)
		return nil, err
	}

	body := errorBody(err)

	// Nonce recovery runs on every failure: even a rejection that will not
	// be retried may have consumed a nonce on-chain.
	if recovered, ok := a.recoverNonce(job.ctx, body); ok {
		a.nonce = recovered
		a.persistNonce()
	}

	if isInvalidSession(body) {
		a.signalInvalid(err)
		return nil, fmt.Errorf("%w: %v", ErrSessionInvalid, err)
	}

	if !isNonceConflict(body) {
		return nil, err
	}

	// Exactly one retry with the corrected nonce, executed inline so it
	// stays ahead of everything enqueued after the retry decision.
	receipt, err2 := a.submitOnce(job.ctx, job.actions)
	if err2 == nil {
		return receipt, nil
	}
	if errors.Is(err2, ErrSessionInvalid) {
		a.signalInvalid(err2)
		return nil, err2
	}
	if recovered, ok := a.recoverNonce(job.ctx, errorBody(err2)); ok {
		a.nonce = recovered
		a.persistNonce()
	}
	if isInvalidSession(errorBody(err2)) {
		a.signalInvalid(err2)
		return nil, fmt.Errorf("%w: %v", ErrSessionInvalid, err2)
	}
	return nil, fmt.Errorf("submission failed after nonce retry: %w", err2)
}

func (a *Authority) submitOnce(ctx context.Context, actions []Action) (*Receipt, error) {
	nonce := a.nonce

	a.mu.RLock()
	key := a.sessionKey
	sessionAddr := a.info.SessionAddress
	a.mu.RUnlock()
	if key == nil {
		return nil, fmt.Errorf("%w: no session key", ErrSessionInvalid)
	}

	dg, err := digest(a.cfg.AccountID, nonce, actions)
	if err != nil {
		return nil, fmt.Errorf("encode actions: %w", err)
	}
	sig, err := crypto.Sign(dg, key)
	if err != nil {
		return nil, fmt.Errorf("sign submission: %w", err)
	}
	sig[64] += 27

	payload, err := encodePayload(a.cfg.AccountID, sessionAddr.Hex(), nonce, actions, sig)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	resp, err := a.transport.SubmitTransaction(ctx, payload)
	if err != nil {
		return nil, err
	}

	a.nonce = nonce + 1
	a.persistNonce()

	receipt := &Receipt{TxID: resp.TxID, Nonce: nonce}
	for _, o := range resp.Orders {
		receipt.OrderIDs = append(receipt.OrderIDs, o.OrderID)
	}
	return receipt, nil
}

// recoverNonce resolves the next nonce after a failed submission, in priority
// order: chain-recorded increment event, database hint, explicit query.
func (a *Authority) recoverNonce(ctx context.Context, body string) (uint64, bool) {
	if n, ok := parseChainNonce(body); ok {
		return n, true
	}
	if n, ok := parseDBNonce(body); ok {
		return n, true
	}
	qctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	n, err := a.transport.GetAccountNonce(qctx, a.cfg.AccountID)
	if err != nil {
		log.Printf("[warn] nonce recovery query failed: %v", err)
		return 0, false
	}
	return n, true
}

// persistNonce hands the current nonce to the persister without blocking the
// queue. The one-slot channel drops superseded values, and the single writer
// keeps checkpoints ordered so a restart never reads a stale nonce over a
// newer one. Only the worker goroutine sends.
func (a *Authority) persistNonce() {
	if a.cfg.Store == nil {
		return
	}
	select {
	case <-a.nonceCh:
	default:
	}
	a.nonceCh <- a.nonce
}

func (a *Authority) noncePersister(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			// Flush the last value so the final nonce survives shutdown.
			select {
			case n := <-a.nonceCh:
				a.writeNonce(n)
			default:
			}
			return
		case n := <-a.nonceCh:
			a.writeNonce(n)
		}
	}
}

func (a *Authority) writeNonce(n uint64) {
	if err := a.cfg.Store.SetNonce(n); err != nil {
		log.Printf("[warn] nonce checkpoint failed: %v", err)
	}
}

func (a *Authority) signalInvalid(cause error) {
	log.Printf("[warn] session invalid: %v", cause)
	if a.cfg.Bus != nil {
		a.cfg.Bus.Publish(events.Event{Kind: events.KindSessionInvalid, Payload: cause})
	}
}

func errorBody(err error) string {
	var apiErr *venue.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Body
	}
	return err.Error()
}
