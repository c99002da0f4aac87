package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"ibbroker/internal/app"
	"ibbroker/internal/config"
	"ibbroker/internal/engine"
	"ibbroker/internal/util"
)

// ibkr-smoke connects straight to the configured gateway, without the HTTP
// layer, and runs one read of each kind. It never places orders.
func main() {
	symbol := flag.String("symbol", "AAPL", "underlying to quote")
	chainRows := flag.Int("chain", 4, "option chain rows to quote")
	timeout := flag.Duration("timeout", 30*time.Second, "overall deadline")
	flag.Parse()

	cfgPath := "config/ibkr-broker.yaml"
	if p := os.Getenv("IBKR_BROKER_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	logger := util.NewLogger(cfg.Logging.Level, true)

	a, err := app.New(cfg, logger)
	if err != nil {
		log.Fatalf("wiring gateway: %v", err)
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	failed := 0
	step := func(name string, fn func() error) {
		start := time.Now()
		if err := fn(); err != nil {
			failed++
			fmt.Printf("FAIL %-14s %v\n", name, err)
			return
		}
		fmt.Printf("ok   %-14s %s\n", name, time.Since(start).Round(time.Millisecond))
	}

	eng := a.Engine
	step("connect", func() error { return a.Session.EnsureConnected(ctx) })
	step("quote", func() error {
		q, err := eng.Quote(ctx, engine.QuoteRequest{Symbol: *symbol})
		if err == nil {
			fmt.Printf("     %s last=%s bid=%s ask=%s\n", q.Symbol, fmtPrice(q.Last), fmtPrice(q.Bid), fmtPrice(q.Ask))
		}
		return err
	})

	var contracts []engine.OptionContractRequest
	step("option chain", func() error {
		items, err := eng.OptionChain(ctx, engine.OptionChainRequest{Symbol: *symbol})
		if err != nil {
			return err
		}
		fmt.Printf("     %d contracts\n", len(items))
		// Quote a few rows from the middle of the listing, near the money.
		start := max(0, len(items)/2-*chainRows/2)
		for i := start; i < len(items) && i < start+*chainRows; i++ {
			it := items[i]
			contracts = append(contracts, engine.OptionContractRequest{
				Symbol: it.Symbol, Expiry: it.Expiry, Strike: it.Strike, Right: string(it.Right), Exchange: it.Exchange,
			})
		}
		return nil
	})
	step("option quotes", func() error {
		quotes, err := eng.OptionQuotes(ctx, contracts)
		for _, q := range quotes {
			fmt.Printf("     %s %s %g%s bid=%s ask=%s iv=%s\n",
				q.Symbol, q.Expiry, q.Strike, q.Right, fmtPrice(q.Bid), fmtPrice(q.Ask), fmtPrice(q.IV))
		}
		return err
	})
	step("positions", func() error {
		positions, err := eng.Positions(ctx)
		if err == nil {
			fmt.Printf("     %d positions\n", len(positions))
		}
		return err
	})
	step("account", func() error {
		s, err := eng.Account(ctx)
		if err == nil {
			fmt.Printf("     %s cash=%.2f equity=%.2f\n", s.AccountID, s.Cash, s.Equity)
		}
		return err
	})

	if failed > 0 {
		fmt.Printf("%d check(s) failed\n", failed)
		a.Close()
		os.Exit(1)
	}
}

func fmtPrice(p *float64) string {
	if p == nil {
		return "-"
	}
	return fmt.Sprintf("%.4g", *p)
}
