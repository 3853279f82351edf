package engine

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/rishabhkeshan/o2-cli-bot/internal/events"
	"github.com/rishabhkeshan/o2-cli-bot/internal/feed"
	"github.com/rishabhkeshan/o2-cli-bot/internal/jsonl"
	"github.com/rishabhkeshan/o2-cli-bot/internal/nums"
	"github.com/rishabhkeshan/o2-cli-bot/internal/orders"
	"github.com/rishabhkeshan/o2-cli-bot/internal/strategy"
	"github.com/rishabhkeshan/o2-cli-bot/internal/venue"
)

const defaultPollInterval = 5 * time.Second

type Config struct {
	AccountID  string
	Markets    []venue.Market
	Strategies map[string]strategy.Config

	Client   *venue.Client
	Orders   *orders.Manager
	Strategy *strategy.Engine
	Bus      *events.Bus
	TradeLog *jsonl.Writer

	// FeedURL empty disables the push channel; polling still covers fills.
	FeedURL      string
	PollInterval time.Duration
}

// Engine is the top-level run loop: one scheduler, one decision cycle at a
// time, fills flowing in from the push feed and the poller.
type Engine struct {
	cfg       Config
	sched     *Scheduler
	marketsBy map[string]venue.Market
}

func New(cfg Config) *Engine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	byID := make(map[string]venue.Market, len(cfg.Markets))
	for _, m := range cfg.Markets {
		byID[m.ID] = m
	}
	return &Engine{
		cfg:       cfg,
		sched:     NewScheduler(cfg.Strategies),
		marketsBy: byID,
	}
}

// Run blocks until ctx is cancelled, then performs the ordered shutdown:
// no new cycles, best-effort cancel of open orders, then teardown.
func (e *Engine) Run(ctx context.Context) error {
	e.cfg.Bus.Publish(events.Event{Kind: events.KindStarted})

	if err := e.cfg.Orders.Seed(ctx); err != nil {
		return err
	}

	// Feed and poller stop on their own sub-context so the shutdown path can
	// still submit cancels after the loops are torn down.
	ioCtx, stopIO := context.WithCancel(context.Background())
	defer stopIO()

	go e.cfg.Orders.PollLoop(ioCtx, e.cfg.PollInterval)
	if e.cfg.FeedURL != "" {
		go e.consumeFeed(ioCtx)
	}

	e.runLoop(ctx)

	// Scheduler has stopped; cancel whatever is still resting on the book.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for id := range e.marketsBy {
		if n, err := e.cfg.Orders.CancelAllOrders(shutdownCtx, id); err != nil {
			log.Printf("[warn] shutdown cancel-all for %s: %v", id, err)
		} else if n > 0 {
			log.Printf("[info] shutdown cancelled %d open order(s) on %s", n, id)
		}
	}

	stopIO()
	e.cfg.Bus.Publish(events.Event{Kind: events.KindStopped})
	return nil
}

func (e *Engine) runLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		market, wait, ok := e.sched.Due()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}

		e.runCycle(ctx, market)
		e.sched.Reschedule(market)
	}
}

// runCycle executes one market's cycle; a failure is recorded and the market
// is rescheduled normally so other markets are unaffected.
func (e *Engine) runCycle(ctx context.Context, marketID string) {
	m, ok := e.marketsBy[marketID]
	if !ok {
		log.Printf("[warn] scheduler selected unknown market %s", marketID)
		return
	}
	cfg := e.cfg.Strategies[marketID]

	res := e.cfg.Strategy.RunCycle(ctx, m, cfg)
	if res.SkipReason != "" {
		log.Printf("[info] %s: cycle skipped: %s", marketID, res.SkipReason)
	}
	for _, o := range res.Orders {
		if o.Err != "" {
			log.Printf("[warn] %s: %s %s failed: %s", marketID, o.Type, o.Side, o.Err)
			e.cfg.Bus.Publish(events.Event{Kind: events.KindError, Market: marketID, Payload: o.Err})
		}
	}

	e.cfg.Bus.Publish(events.Event{Kind: events.KindCycleCompleted, Market: marketID, Payload: res})
	if err := e.cfg.TradeLog.Write(map[string]any{
		"ts":     time.Now().UTC().Format(time.RFC3339Nano),
		"type":   "cycle",
		"market": marketID,
		"result": res,
	}); err != nil {
		log.Printf("[warn] trade log write: %v", err)
	}
}

// consumeFeed routes push messages into the fill dedup path and the balance
// cache invalidation hook.
func (e *Engine) consumeFeed(ctx context.Context) {
	subs := make([]feed.Subscription, 0, len(e.marketsBy)+1)
	for id := range e.marketsBy {
		subs = append(subs, feed.Subscription{Channel: feed.ChannelOrders, Market: id, Account: e.cfg.AccountID})
	}
	subs = append(subs, feed.Subscription{Channel: feed.ChannelBalances, Account: e.cfg.AccountID})

	msgs, errs := feed.Start(ctx, e.cfg.FeedURL, subs, feed.Options{})
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errs:
			if !ok {
				return
			}
			log.Printf("[warn] feed: %v", err)
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			e.handleFeedMessage(msg)
		}
	}
}

func (e *Engine) handleFeedMessage(msg feed.Message) {
	switch msg.Channel {
	case feed.ChannelOrders:
		var ev feed.OrderEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			log.Printf("[warn] feed order event decode: %v", err)
			return
		}
		price, err := nums.ParseDecimal(ev.Price)
		if err != nil {
			log.Printf("[warn] feed order event price %q: %v", ev.Price, err)
			return
		}
		filled, err := nums.ParseDecimal(ev.FilledQuantity)
		if err != nil {
			log.Printf("[warn] feed order event filled %q: %v", ev.FilledQuantity, err)
			return
		}
		e.cfg.Orders.HandleUpdate(orders.OrderUpdate{
			OrderID:         ev.OrderID,
			Market:          ev.Market,
			Side:            ev.Side,
			Price:           price,
			FilledQuantity:  filled,
			Closed:          ev.Closed,
			PartiallyFilled: ev.PartiallyFilled,
			Cancelled:       ev.Status == string(venue.StatusCancelled),
		}, "push")
	case feed.ChannelBalances:
		var ev feed.BalanceEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			log.Printf("[warn] feed balance event decode: %v", err)
			return
		}
		if ev.Market != "" {
			e.cfg.Client.InvalidateBalances(ev.Market)
		}
	}
}
