package engine

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	"ibbroker/internal/broker"
	"ibbroker/internal/contract"
	"ibbroker/internal/domain"
)

// Positions reads the current positions. Option rows carry an ISO expiry,
// the strike and the right. Market price and unrealized P&L are not looked
// up and stay null.
func (e *Engine) Positions(ctx context.Context) ([]domain.Position, error) {
	var rows []domain.RawPosition
	err := e.run(ctx, func(ctx context.Context, c broker.Client) error {
		ctx, cancel := context.WithTimeout(ctx, e.waits.Positions)
		defer cancel()
		var err error
		rows, err = c.Positions(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([]domain.Position, 0, len(rows))
	for _, r := range rows {
		out = append(out, toPosition(r))
	}
	return out, nil
}

func toPosition(r domain.RawPosition) domain.Position {
	ct := r.Contract
	symbol := ct.Symbol
	if symbol == "" {
		symbol = ct.LocalSymbol
	}
	p := domain.Position{
		Symbol:    symbol,
		AssetType: strings.ToUpper(string(ct.SecType)),
		Quantity:  r.Quantity,
		AvgPrice:  r.AvgCost,
	}
	if ct.SecType == domain.SecTypeOption {
		strike := ct.Strike
		p.Expiry = contract.ToISOExpiry(ct.Expiry)
		p.Strike = &strike
		p.Right = ct.Right
	}
	return p
}

// accountTags are the account values the summary is built from.
var accountTags = map[string]bool{
	domain.TagTotalCashValue:  true,
	domain.TagNetLiquidation:  true,
	domain.TagBuyingPower:     true,
	domain.TagExcessLiquidity: true,
}

// Account reads the account values and pivots them into a summary.
func (e *Engine) Account(ctx context.Context) (domain.AccountSummary, error) {
	var rows []domain.AccountValue
	err := e.run(ctx, func(ctx context.Context, c broker.Client) error {
		ctx, cancel := context.WithTimeout(ctx, e.waits.Positions)
		defer cancel()
		var err error
		rows, err = c.AccountValues(ctx)
		return err
	})
	if err != nil {
		return domain.AccountSummary{}, err
	}
	return PivotAccount(rows)
}

// PivotAccount keeps the summary tags, takes the account of the first kept
// row and reads that account's values. Unparseable values count as zero;
// buying power and excess liquidity are null when zero.
func PivotAccount(rows []domain.AccountValue) (domain.AccountSummary, error) {
	type key struct{ tag, account string }

	values := make(map[key]string)
	account := ""
	for _, r := range rows {
		if !accountTags[r.Tag] {
			continue
		}
		if account == "" {
			account = r.Account
		}
		values[key{r.Tag, r.Account}] = r.Value
	}
	if len(values) == 0 {
		return domain.AccountSummary{}, domain.Errorf(domain.ErrNoData, "No account data available")
	}

	get := func(tag string) float64 {
		d, err := decimal.NewFromString(strings.TrimSpace(values[key{tag, account}]))
		if err != nil {
			return 0
		}
		return d.InexactFloat64()
	}
	optional := func(tag string) *float64 {
		if v := get(tag); v != 0 {
			return &v
		}
		return nil
	}

	return domain.AccountSummary{
		AccountID:       account,
		Cash:            get(domain.TagTotalCashValue),
		Equity:          get(domain.TagNetLiquidation),
		BuyingPower:     optional(domain.TagBuyingPower),
		ExcessLiquidity: optional(domain.TagExcessLiquidity),
	}, nil
}
