package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"ibbroker/pkg/ibbroker"
)

const version = "1.0.0"

// Styles.
var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	okStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	errStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	gainStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	lossStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: ibkr-cli [-url URL] <command> [args]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  version                  Print the CLI version\n")
	fmt.Fprintf(os.Stderr, "  status                   Show service and gateway status\n")
	fmt.Fprintf(os.Stderr, "  quote SYMBOL             Show an equity quote\n")
	fmt.Fprintf(os.Stderr, "  chain SYMBOL [RIGHT] [EXPIRY]\n")
	fmt.Fprintf(os.Stderr, "                           List option contracts\n")
	fmt.Fprintf(os.Stderr, "  positions                List positions\n")
	fmt.Fprintf(os.Stderr, "  account                  Show the account summary\n")
	fmt.Fprintf(os.Stderr, "\nThe service URL defaults to $IBKR_BROKER_URL or http://localhost:8000.\n")
}

func main() {
	defaultURL := "http://localhost:8000"
	if u := os.Getenv("IBKR_BROKER_URL"); u != "" {
		defaultURL = u
	}
	baseURL := flag.String("url", defaultURL, "ibkr-broker service URL")
	timeout := flag.Duration("timeout", 30*time.Second, "request timeout")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	c := ibbroker.NewClient(*baseURL)

	var err error
	switch args[0] {
	case "version":
		fmt.Printf("ibkr-cli %s\n", version)
	case "status":
		err = status(ctx, c)
	case "quote":
		if len(args) < 2 {
			err = errors.New("quote: symbol required")
			break
		}
		err = quote(ctx, c, args[1])
	case "chain":
		if len(args) < 2 {
			err = errors.New("chain: symbol required")
			break
		}
		req := ibbroker.OptionChainRequest{Symbol: args[1]}
		if len(args) > 2 {
			req.Right = args[2]
		}
		if len(args) > 3 {
			req.Expiry = args[3]
		}
		err = chain(ctx, c, req)
	case "positions":
		err = positions(ctx, c)
	case "account":
		err = account(ctx, c)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, errStyle.Render("error:"), err)
		os.Exit(1)
	}
}

func status(ctx context.Context, c *ibbroker.Client) error {
	h, err := c.Health(ctx)
	if err != nil {
		return err
	}
	state := errStyle.Render("disconnected")
	if h.Connected {
		state = okStyle.Render("connected")
	}
	fmt.Printf("%s %s  gateway: %s\n", headerStyle.Render(h.Service), dimStyle.Render(h.Version), state)
	return nil
}

func quote(ctx context.Context, c *ibbroker.Client, symbol string) error {
	q, err := c.Quote(ctx, ibbroker.QuoteRequest{Symbol: symbol})
	if err != nil {
		return err
	}
	fmt.Printf("%s  last %s  bid %s  ask %s  %s\n",
		headerStyle.Render(q.Symbol), price(q.Last), price(q.Bid), price(q.Ask),
		dimStyle.Render(time.UnixMilli(q.Timestamp).Format("15:04:05")))
	return nil
}

func chain(ctx context.Context, c *ibbroker.Client, req ibbroker.OptionChainRequest) error {
	items, err := c.OptionChain(ctx, req)
	if err != nil {
		return err
	}
	fmt.Println(headerStyle.Render(fmt.Sprintf("%-8s %-10s %10s %-5s %5s %-8s", "SYMBOL", "EXPIRY", "STRIKE", "RIGHT", "MULT", "EXCH")))
	for _, it := range items {
		fmt.Printf("%-8s %-10s %10s %-5s %5d %-8s\n",
			it.Symbol, it.Expiry, strconv.FormatFloat(it.Strike, 'f', -1, 64), it.Right, it.Multiplier, it.Exchange)
	}
	fmt.Println(dimStyle.Render(fmt.Sprintf("%d contracts", len(items))))
	return nil
}

func positions(ctx context.Context, c *ibbroker.Client) error {
	list, err := c.Positions(ctx)
	if err != nil {
		return err
	}
	fmt.Println(headerStyle.Render(fmt.Sprintf("%-8s %-4s %10s %12s  %s", "SYMBOL", "TYPE", "QTY", "AVG PRICE", "CONTRACT")))
	for _, p := range list {
		qty := fmt.Sprintf("%10g", p.Quantity)
		if p.Quantity < 0 {
			qty = lossStyle.Render(qty)
		} else {
			qty = gainStyle.Render(qty)
		}
		detail := ""
		if p.AssetType == "OPT" && p.Strike != nil {
			detail = fmt.Sprintf("%s %g%s", p.Expiry, *p.Strike, p.Right)
		}
		fmt.Printf("%-8s %-4s %s %12.4f  %s\n", p.Symbol, p.AssetType, qty, p.AvgPrice, detail)
	}
	return nil
}

func account(ctx context.Context, c *ibbroker.Client) error {
	a, err := c.Account(ctx)
	if err != nil {
		return err
	}
	rows := [][2]string{
		{"Account", a.AccountID},
		{"Cash", money(&a.Cash)},
		{"Equity", money(&a.Equity)},
		{"Buying power", money(a.BuyingPower)},
		{"Excess liquidity", money(a.ExcessLiquidity)},
	}
	for _, r := range rows {
		fmt.Printf("%s %s\n", headerStyle.Render(fmt.Sprintf("%-17s", r[0])), r[1])
	}
	return nil
}

func price(p *float64) string {
	if p == nil {
		return dimStyle.Render("-")
	}
	return strconv.FormatFloat(*p, 'f', -1, 64)
}

func money(p *float64) string {
	if p == nil {
		return dimStyle.Render("-")
	}
	s := strconv.FormatFloat(*p, 'f', 2, 64)
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")

	whole, frac, _ := strings.Cut(s, ".")
	var b strings.Builder
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	out := b.String() + "." + frac
	if neg {
		return "-" + out
	}
	return out
}
