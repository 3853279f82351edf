// Package feed streams order and balance updates over the venue WebSocket.
// Delivery is best-effort: the polling fallback in the orders package covers
// anything this channel drops or misses during reconnects.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const DefaultPingInterval = 5 * time.Second

const (
	ChannelOrders   = "orders"
	ChannelBalances = "balances"
)

type Subscription struct {
	Channel string `json:"channel"`
	Market  string `json:"market,omitempty"`
	Account string `json:"account,omitempty"`
}

type subscribeRequest struct {
	Action        string         `json:"action"`
	Subscriptions []Subscription `json:"subscriptions"`
}

// Message is the venue's push envelope. Payload stays raw so callers can
// decode per channel.
type Message struct {
	Channel   string          `json:"channel"`
	Market    string          `json:"market,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// OrderEvent is the payload on the orders channel. FilledQuantity is
// cumulative for the order's lifetime.
type OrderEvent struct {
	OrderID         string `json:"order_id"`
	Market          string `json:"market"`
	Side            string `json:"side"`
	Price           string `json:"price"`
	FilledQuantity  string `json:"filled_quantity"`
	Status          string `json:"status"`
	Closed          bool   `json:"closed"`
	PartiallyFilled bool   `json:"partially_filled"`
}

// BalanceEvent is the payload on the balances channel.
type BalanceEvent struct {
	Market string `json:"market"`
	Asset  string `json:"asset"`
}

type Options struct {
	PingInterval time.Duration

	BackoffMin time.Duration
	BackoffMax time.Duration

	OutBuffer int
}

func (o Options) withDefaults() Options {
	if o.PingInterval <= 0 {
		o.PingInterval = DefaultPingInterval
	}
	if o.BackoffMin <= 0 {
		o.BackoffMin = 500 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 15 * time.Second
	}
	if o.OutBuffer <= 0 {
		o.OutBuffer = 256
	}
	return o
}

// Start connects to the venue WebSocket and emits decoded messages until ctx
// is cancelled, reconnecting with jittered exponential backoff in between.
func Start(ctx context.Context, url string, subs []Subscription, opts Options) (<-chan Message, <-chan error) {
	opts = opts.withDefaults()

	out := make(chan Message, opts.OutBuffer)
	errs := make(chan error, 16)

	go func() {
		defer close(out)
		defer close(errs)

		backoff := opts.BackoffMin
		for {
			if ctx.Err() != nil {
				return
			}

			conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
			if err != nil {
				emitErrNonBlocking(errs, fmt.Errorf("feed dial: %w", err))
				sleepWithJitter(ctx, backoff)
				backoff = nextBackoff(backoff, opts.BackoffMax)
				continue
			}

			backoff = opts.BackoffMin

			if err := runSession(ctx, conn, subs, opts.PingInterval, out, errs); err != nil && ctx.Err() == nil {
				emitErrNonBlocking(errs, err)
			}

			_ = conn.Close()
			if ctx.Err() != nil {
				return
			}
			sleepWithJitter(ctx, backoff)
			backoff = nextBackoff(backoff, opts.BackoffMax)
		}
	}()

	return out, errs
}

func runSession(
	ctx context.Context,
	conn *websocket.Conn,
	subs []Subscription,
	pingInterval time.Duration,
	out chan<- Message,
	errs chan<- error,
) error {
	if conn == nil {
		return fmt.Errorf("feed session: nil conn")
	}

	req := subscribeRequest{Action: "subscribe", Subscriptions: subs}
	reqBytes, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("feed subscribe marshal: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, reqBytes); err != nil {
		return fmt.Errorf("feed subscribe write: %w", err)
	}

	var writeMu sync.Mutex
	stop := make(chan struct{})
	var stopOnce sync.Once
	stopAll := func() { stopOnce.Do(func() { close(stop) }) }

	go func() {
		defer stopAll()
		t := time.NewTicker(pingInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-t.C:
				writeMu.Lock()
				_ = conn.SetWriteDeadline(time.Now().Add(3 * time.Second))
				werr := conn.WriteMessage(websocket.TextMessage, []byte("ping"))
				writeMu.Unlock()
				if werr != nil {
					emitErrNonBlocking(errs, fmt.Errorf("feed ping: %w", werr))
					_ = conn.Close()
					return
				}
			}
		}
	}()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		typ, msg, err := conn.ReadMessage()
		if err != nil {
			stopAll()
			// Expected during shutdown.
			if errors.Is(err, websocket.ErrCloseSent) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("feed read: %w", err)
		}

		if typ != websocket.TextMessage && typ != websocket.BinaryMessage {
			continue
		}

		if len(msg) == 0 {
			continue
		}
		if string(msg) == "pong" || string(msg) == "ping" {
			continue
		}

		var m Message
		if err := json.Unmarshal(msg, &m); err != nil {
			emitErrNonBlocking(errs, fmt.Errorf("feed json decode: %w", err))
			continue
		}

		select {
		case out <- m:
		default:
		}
	}
}

func emitErrNonBlocking(ch chan<- error, err error) {
	if err == nil {
		return
	}
	select {
	case ch <- err:
	default:
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

func sleepWithJitter(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	j := int64(d) / 7
	if j > 0 {
		d = time.Duration(int64(d) + rand.Int64N(2*j+1) - j)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
