package main

import (
	"context"
	"crypto/ecdsa"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/rishabhkeshan/o2-cli-bot/internal/dotenv"
	"github.com/rishabhkeshan/o2-cli-bot/internal/engine"
	"github.com/rishabhkeshan/o2-cli-bot/internal/events"
	"github.com/rishabhkeshan/o2-cli-bot/internal/jsonl"
	"github.com/rishabhkeshan/o2-cli-bot/internal/orders"
	"github.com/rishabhkeshan/o2-cli-bot/internal/session"
	"github.com/rishabhkeshan/o2-cli-bot/internal/state"
	"github.com/rishabhkeshan/o2-cli-bot/internal/strategy"
	"github.com/rishabhkeshan/o2-cli-bot/internal/venue"
)

type args struct {
	host      string
	feedURL   string
	accountID string

	ownerKeyHex    string
	marketsFile    string
	strategiesFile string

	checkpointFile string
	sessionKeyFile string
	sessionKeyPass string
	sessionHours   uint

	pollInterval  time.Duration
	enableTrading bool
	outFile       string
}

const defaultTradesOutFile = "./out/trades.jsonl"

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := dotenv.Load(); err != nil {
		log.Printf("[warn] %v", err)
	}

	parsed, err := parseArgs()
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}

	markets, err := venue.LoadMarkets(parsed.marketsFile)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}
	strategies, err := strategy.LoadConfigs(parsed.strategiesFile)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}
	for id := range strategies {
		found := false
		for _, m := range markets {
			if m.ID == id {
				found = true
				break
			}
		}
		if !found {
			log.Fatalf("[fatal] strategy configured for unknown market %q", id)
		}
	}

	ownerKey, err := parsePrivateKey(parsed.ownerKeyHex)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}

	store, err := state.Open(parsed.checkpointFile, parsed.accountID)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}

	tradeLog, err := jsonl.Open(parsed.outFile)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}
	if tradeLog != nil {
		log.Printf("[cfg] trade log: %s (JSONL)", parsed.outFile)
		defer func() {
			if err := tradeLog.Close(); err != nil {
				log.Printf("[warn] trade log close: %v", err)
			}
		}()
	}

	log.Printf("[cfg] venue: %s", parsed.host)
	log.Printf("[cfg] account: %s", parsed.accountID)
	log.Printf("[cfg] markets: %d configured, %d with strategies", len(markets), len(strategies))
	log.Printf("[cfg] dry-run: %v", !parsed.enableTrading)

	client, err := venue.NewClient(parsed.host, markets)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}
	bus := events.NewBus()
	defer bus.Close()

	contracts := make([]string, 0, len(markets))
	seen := map[string]bool{}
	for _, m := range markets {
		if m.Contract != "" && !seen[m.Contract] {
			contracts = append(contracts, m.Contract)
			seen[m.Contract] = true
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		log.Printf("Shutting down...")
		cancel()
	}()

	authority, err := session.New(session.Config{
		AccountID:     parsed.accountID,
		OwnerKey:      ownerKey,
		Transport:     client,
		Store:         store,
		Bus:           bus,
		KeyPath:       parsed.sessionKeyFile,
		KeyPassphrase: parsed.sessionKeyPass,
		Contracts:     contracts,
		Lifetime:      time.Duration(parsed.sessionHours) * time.Hour,
	})
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}

	// The authority outlives the run context so shutdown can still sign the
	// best-effort cancel-all submissions.
	authCtx, authCancel := context.WithCancel(context.Background())
	defer authCancel()
	if err := authority.Start(authCtx); err != nil {
		log.Fatalf("[fatal] session start: %v", err)
	}

	manager := orders.NewManager(client, authority, markets, bus)
	basis := strategy.NewBasisStore(store)
	manager.OnFill(basis.ApplyFill)

	eng := engine.New(engine.Config{
		AccountID:    parsed.accountID,
		Markets:      markets,
		Strategies:   strategies,
		Client:       client,
		Orders:       manager,
		Strategy:     strategy.NewEngine(client, manager, basis, !parsed.enableTrading),
		Bus:          bus,
		TradeLog:     tradeLog,
		FeedURL:      parsed.feedURL,
		PollInterval: parsed.pollInterval,
	})

	go logEvents(bus.Subscribe(128))

	if err := eng.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("[fatal] %v", err)
	}
	authCancel()
	authority.Wait()
	log.Printf("Stopped.")
}

// logEvents mirrors bus traffic to the console so no failure is silent.
func logEvents(ch <-chan events.Event) {
	for ev := range ch {
		switch ev.Kind {
		case events.KindSessionInvalid:
			log.Printf("[warn] session invalid: %v", ev.Payload)
		case events.KindFillDetected:
			if f, ok := ev.Payload.(orders.Fill); ok {
				log.Printf("[info] fill %s %s %s @ %s (%s, source=%s)",
					f.Market, f.Side, f.Quantity, f.Price, f.Notional, f.Source)
			}
		}
	}
}

func parseArgs() (args, error) {
	var a args

	flag.StringVar(&a.host, "venue-url", "", "Venue REST base URL (or VENUE_URL env)")
	flag.StringVar(&a.feedURL, "feed-url", "", "Venue WebSocket URL (or VENUE_WS_URL env; empty = poll only)")
	flag.StringVar(&a.accountID, "account", "", "Trade account id (or TRADE_ACCOUNT_ID env)")
	flag.StringVar(&a.ownerKeyHex, "owner-key", "", "Owner private key hex 0x... (or OWNER_PRIVATE_KEY env)")
	flag.StringVar(&a.marketsFile, "markets", "./markets.json", "Market descriptors file")
	flag.StringVar(&a.strategiesFile, "strategies", "./strategies.json", "Per-market strategy config file")
	flag.StringVar(&a.checkpointFile, "checkpoint", "./out/checkpoint.json", "State checkpoint file (empty = in-memory)")
	flag.StringVar(&a.sessionKeyFile, "session-key", "./out/session-key.json", "Encrypted session key file (empty = never persisted)")
	flag.UintVar(&a.sessionHours, "session-hours", 24, "Session key lifetime in hours")
	flag.DurationVar(&a.pollInterval, "fill-poll", 5*time.Second, "Fill polling interval")
	flag.BoolVar(&a.enableTrading, "enable-trading", false, "Actually place orders (default: dry-run)")
	flag.StringVar(&a.outFile, "out", defaultTradesOutFile, "Trade log JSONL file (empty = disabled)")
	flag.Parse()

	if a.host == "" {
		a.host = strings.TrimSpace(os.Getenv("VENUE_URL"))
	}
	if a.host == "" {
		return args{}, fmt.Errorf("venue url required (-venue-url or VENUE_URL)")
	}
	if a.feedURL == "" {
		a.feedURL = strings.TrimSpace(os.Getenv("VENUE_WS_URL"))
	}
	if a.accountID == "" {
		a.accountID = strings.TrimSpace(os.Getenv("TRADE_ACCOUNT_ID"))
	}
	if a.accountID == "" {
		return args{}, fmt.Errorf("trade account id required (-account or TRADE_ACCOUNT_ID)")
	}
	if a.ownerKeyHex == "" {
		a.ownerKeyHex = strings.TrimSpace(os.Getenv("OWNER_PRIVATE_KEY"))
	}
	if a.ownerKeyHex == "" {
		return args{}, fmt.Errorf("owner key required (-owner-key or OWNER_PRIVATE_KEY)")
	}
	a.sessionKeyPass = os.Getenv("SESSION_KEY_PASSPHRASE")
	if a.sessionKeyFile != "" && a.sessionKeyPass == "" {
		return args{}, fmt.Errorf("SESSION_KEY_PASSPHRASE required when the session key is persisted")
	}

	if !a.enableTrading {
		if env := strings.TrimSpace(os.Getenv("ENABLE_TRADING")); env != "" {
			v, err := strconv.ParseBool(env)
			if err != nil {
				return args{}, fmt.Errorf("invalid ENABLE_TRADING %q: %w", env, err)
			}
			a.enableTrading = v
		}
	}
	return a, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if trimmed == "" {
		return nil, fmt.Errorf("empty private key")
	}
	pk, err := crypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return pk, nil
}
