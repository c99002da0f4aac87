package engine

import (
	"context"
	"math"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"ibbroker/internal/broker"
	"ibbroker/internal/contract"
	"ibbroker/internal/domain"
)

// genericTickGreeks requests option Greeks and open interest.
const genericTickGreeks = "106"

// MaxChainRows caps the option chain listing.
const MaxChainRows = 5000

// strikeTolerance is the match tolerance of the strike filter.
const strikeTolerance = 1e-9

// QuoteRequest asks for an equity quote.
type QuoteRequest struct {
	Symbol   string
	Exchange string
	Currency string
}

// Quote subscribes to the equity, waits for its first tick and returns the
// latest prices. Prices that are not positive are reported as absent.
func (e *Engine) Quote(ctx context.Context, req QuoteRequest) (domain.Quote, error) {
	if strings.TrimSpace(req.Symbol) == "" {
		return domain.Quote{}, domain.Errorf(domain.ErrValidation, "symbol is required")
	}
	ct := contract.Stock(req.Symbol, req.Exchange, req.Currency)

	var snap domain.TickSnapshot
	err := e.run(ctx, func(ctx context.Context, c broker.Client) error {
		t, err := c.ReqMktData(ctx, ct, "")
		if err != nil {
			return err
		}
		defer c.CancelMktData(t)

		if err := waitTicks(ctx, e.waits.Quote, t); err != nil {
			return err
		}
		snap = t.Snapshot()
		return nil
	})
	if err != nil {
		return domain.Quote{}, err
	}

	return domain.Quote{
		Symbol:    req.Symbol,
		Last:      price(snap.Last),
		Bid:       price(snap.Bid),
		Ask:       price(snap.Ask),
		Timestamp: e.timestamp(),
	}, nil
}

// OptionContractRequest identifies one option for a batch quote. Expiry is
// ISO.
type OptionContractRequest struct {
	Symbol   string
	Expiry   string
	Strike   float64
	Right    string
	Exchange string
}

// OptionQuotes subscribes to every contract, waits once for the whole batch
// and reads all snapshots. One failing contract fails the batch.
func (e *Engine) OptionQuotes(ctx context.Context, reqs []OptionContractRequest) ([]domain.OptionQuote, error) {
	out := make([]domain.OptionQuote, 0, len(reqs))
	if len(reqs) == 0 {
		return out, nil
	}

	contracts := make([]domain.Contract, len(reqs))
	for i, r := range reqs {
		ct, err := contract.Option(contract.OptionSpec{
			Symbol:   r.Symbol,
			Expiry:   r.Expiry,
			Strike:   r.Strike,
			Right:    r.Right,
			Exchange: r.Exchange,
		})
		if err != nil {
			return nil, err
		}
		contracts[i] = ct
	}

	snaps := make([]domain.TickSnapshot, len(contracts))
	err := e.run(ctx, func(ctx context.Context, c broker.Client) error {
		tickers := make([]*broker.Ticker, len(contracts))
		defer func() {
			live := make([]*broker.Ticker, 0, len(tickers))
			for _, t := range tickers {
				if t != nil {
					live = append(live, t)
				}
			}
			c.CancelMktData(live...)
		}()

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.workers)
		for i, ct := range contracts {
			i, ct := i, ct
			g.Go(func() error {
				t, err := c.ReqMktData(gctx, ct, genericTickGreeks)
				if err != nil {
					return err
				}
				tickers[i] = t
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		if err := waitTicks(ctx, e.waits.OptionBatch, tickers...); err != nil {
			return err
		}
		for i, t := range tickers {
			snaps[i] = t.Snapshot()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	ts := e.timestamp()
	for i, r := range reqs {
		out = append(out, optionQuote(r, contracts[i].Right, snaps[i], ts))
	}
	return out, nil
}

func optionQuote(r OptionContractRequest, right domain.Right, s domain.TickSnapshot, ts int64) domain.OptionQuote {
	q := domain.OptionQuote{
		Symbol:       r.Symbol,
		Expiry:       r.Expiry,
		Strike:       r.Strike,
		Right:        right,
		Bid:          price(s.Bid),
		Ask:          price(s.Ask),
		Last:         price(s.Last),
		Volume:       count(s.Volume),
		OpenInterest: count(s.OpenInterest),
		Timestamp:    ts,
	}
	if q.Bid != nil && q.Ask != nil {
		mid := (*q.Bid + *q.Ask) / 2
		q.Mid = &mid
	}
	if g := s.Greeks; g != nil {
		q.IV = greek(g.ImpliedVol)
		q.Delta = greek(g.Delta)
		q.Gamma = greek(g.Gamma)
		q.Vega = greek(g.Vega)
		q.Theta = greek(g.Theta)
	}
	return q
}

// ---------------------------------------------------------------------------
// Option chain
// ---------------------------------------------------------------------------

// OptionChainRequest lists an underlying's options. Right, Strike and Expiry
// (ISO) are optional filters.
type OptionChainRequest struct {
	Symbol   string
	Exchange string
	Currency string
	Right    string
	Strike   *float64
	Expiry   string
}

// ChainFilter narrows an option chain expansion.
type ChainFilter struct {
	Expiry string // ISO; empty means any
	Strike float64
	Rights []domain.Right
}

// OptionChain resolves the underlying, fetches its option parameter sets and
// expands them into at most MaxChainRows contracts.
func (e *Engine) OptionChain(ctx context.Context, req OptionChainRequest) ([]domain.OptionChainItem, error) {
	if strings.TrimSpace(req.Symbol) == "" {
		return nil, domain.Errorf(domain.ErrValidation, "symbol is required")
	}
	filter := ChainFilter{Expiry: strings.TrimSpace(req.Expiry)}
	if req.Strike != nil {
		filter.Strike = *req.Strike
	}
	if strings.TrimSpace(req.Right) != "" {
		r, err := contract.NormalizeRight(req.Right)
		if err != nil {
			return nil, err
		}
		filter.Rights = []domain.Right{r}
	}

	underlying := contract.Stock(req.Symbol, req.Exchange, req.Currency)

	var params []domain.OptionParams
	err := e.run(ctx, func(ctx context.Context, c broker.Client) error {
		details, err := c.ContractDetails(ctx, underlying)
		if err != nil {
			return err
		}
		if len(details) == 0 {
			return domain.Errorf(domain.ErrNotFound, "Underlying %s not found", req.Symbol)
		}
		params, err = c.SecDefOptParams(ctx, details[0].Contract)
		if err != nil {
			return err
		}
		if len(params) == 0 {
			return domain.Errorf(domain.ErrNotFound, "No option parameters found")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	exchange := strings.TrimSpace(req.Exchange)
	if exchange == "" {
		exchange = contract.DefaultExchange
	}
	return ExpandChain(req.Symbol, exchange, params, filter), nil
}

// ExpandChain lists expiry x strike x right for every parameter set, in
// sorted expiry and strike order, applying the filter and truncating to
// MaxChainRows.
func ExpandChain(symbol, exchange string, params []domain.OptionParams, f ChainFilter) []domain.OptionChainItem {
	rights := f.Rights
	if len(rights) == 0 {
		rights = []domain.Right{domain.RightCall, domain.RightPut}
	}

	out := make([]domain.OptionChainItem, 0)
	for _, p := range params {
		expiries := append([]string(nil), p.Expirations...)
		sort.Strings(expiries)
		strikes := append([]float64(nil), p.Strikes...)
		sort.Float64s(strikes)
		multiplier := contract.ParseMultiplier(p.Multiplier)

		for _, exp := range expiries {
			iso := contract.ToISOExpiry(exp)
			if f.Expiry != "" && f.Expiry != iso {
				continue
			}
			for _, k := range strikes {
				if f.Strike != 0 && math.Abs(k-f.Strike) > strikeTolerance {
					continue
				}
				for _, r := range rights {
					if len(out) == MaxChainRows {
						return out
					}
					out = append(out, domain.OptionChainItem{
						Symbol:     symbol,
						Expiry:     iso,
						Strike:     k,
						Right:      r,
						Multiplier: multiplier,
						Exchange:   exchange,
					})
				}
			}
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Tick value rules
// ---------------------------------------------------------------------------

// price reports a tick price, or nil when it is not positive.
func price(f float64) *float64 {
	if f <= 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

// greek reports a model value, or nil when it is zero or not a number.
func greek(f float64) *float64 {
	if f == 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

// count reports a size, or nil when it is not positive.
func count(f float64) *int64 {
	if f <= 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	n := int64(f)
	return &n
}
