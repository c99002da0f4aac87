// Package contract maps request fields onto gateway contract descriptors.
// Everything here is pure: no I/O and no shared state.
package contract

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"ibbroker/internal/domain"
)

const (
	DefaultExchange   = "SMART"
	DefaultCurrency   = "USD"
	DefaultMultiplier = 100

	isoLayout     = "2006-01-02"
	compactLayout = "20060102"
)

// ToCompactExpiry converts an ISO date (YYYY-MM-DD) into the gateway's
// YYYYMMDD form. The date must exist on the calendar.
func ToCompactExpiry(iso string) (string, error) {
	t, err := time.Parse(isoLayout, strings.TrimSpace(iso))
	if err != nil {
		return "", domain.Errorf(domain.ErrValidation, "invalid expiry %q: want YYYY-MM-DD", iso)
	}
	return t.Format(compactLayout), nil
}

// ToISOExpiry converts a YYYYMMDD expiry into YYYY-MM-DD. Values that are
// not eight characters long (monthly contract codes, empty strings) are
// returned unchanged.
func ToISOExpiry(compact string) string {
	if len(compact) != 8 {
		return compact
	}
	return compact[:4] + "-" + compact[4:6] + "-" + compact[6:]
}

// NormalizeRight maps C, P, CALL and PUT (any case) onto a Right.
func NormalizeRight(r string) (domain.Right, error) {
	switch strings.ToUpper(strings.TrimSpace(r)) {
	case "C", "CALL":
		return domain.RightCall, nil
	case "P", "PUT":
		return domain.RightPut, nil
	default:
		return "", domain.Errorf(domain.ErrValidation, "invalid right %q: want C or P", r)
	}
}

// Stock builds an equity contract, defaulting exchange and currency.
func Stock(symbol, exchange, currency string) domain.Contract {
	return domain.Contract{
		SecType:  domain.SecTypeStock,
		Symbol:   strings.ToUpper(strings.TrimSpace(symbol)),
		Exchange: orDefault(exchange, DefaultExchange),
		Currency: orDefault(currency, DefaultCurrency),
	}
}

// OptionSpec carries the raw option fields of a request. Expiry is ISO.
type OptionSpec struct {
	Symbol     string
	Expiry     string
	Strike     float64
	Right      string
	Multiplier int
	Exchange   string
	Currency   string
}

// Option builds an option contract. Expiry, strike and right are required.
func Option(spec OptionSpec) (domain.Contract, error) {
	if strings.TrimSpace(spec.Symbol) == "" {
		return domain.Contract{}, domain.Errorf(domain.ErrValidation, "symbol is required")
	}
	if strings.TrimSpace(spec.Expiry) == "" {
		return domain.Contract{}, domain.Errorf(domain.ErrValidation, "option expiry is required")
	}
	if strings.TrimSpace(spec.Right) == "" {
		return domain.Contract{}, domain.Errorf(domain.ErrValidation, "option right is required")
	}
	if spec.Strike <= 0 {
		return domain.Contract{}, domain.Errorf(domain.ErrValidation, "option strike must be positive")
	}

	expiry, err := ToCompactExpiry(spec.Expiry)
	if err != nil {
		return domain.Contract{}, err
	}
	right, err := NormalizeRight(spec.Right)
	if err != nil {
		return domain.Contract{}, err
	}

	mult := spec.Multiplier
	if mult <= 0 {
		mult = DefaultMultiplier
	}

	return domain.Contract{
		SecType:    domain.SecTypeOption,
		Symbol:     strings.ToUpper(strings.TrimSpace(spec.Symbol)),
		Exchange:   orDefault(spec.Exchange, DefaultExchange),
		Currency:   orDefault(spec.Currency, DefaultCurrency),
		Expiry:     expiry,
		Strike:     spec.Strike,
		Right:      right,
		Multiplier: decimal.NewFromInt(int64(mult)).String(),
	}, nil
}

// ForOrder builds the contract an order trades from its instrument variant.
func ForOrder(symbol string, inst domain.Instrument) (domain.Contract, error) {
	switch leg := inst.(type) {
	case nil:
		return Stock(symbol, "", ""), nil
	case domain.Equity:
		return Stock(symbol, leg.Exchange, leg.Currency), nil
	case domain.OptionLeg:
		return Option(OptionSpec{
			Symbol:     symbol,
			Expiry:     leg.Expiry,
			Strike:     leg.Strike,
			Right:      string(leg.Right),
			Multiplier: leg.Multiplier,
			Exchange:   leg.Exchange,
		})
	default:
		return domain.Contract{}, domain.Errorf(domain.ErrValidation, "unsupported instrument %T", inst)
	}
}

// ParseMultiplier reads a gateway multiplier string, falling back to the
// default when it is not a whole number.
func ParseMultiplier(s string) int {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil || !d.IsInteger() || !d.IsPositive() {
		return DefaultMultiplier
	}
	return int(d.IntPart())
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v != "" {
		return strings.ToUpper(v)
	}
	return def
}
