package api

import (
	"ibbroker/internal/engine"
)

// HealthJSON is the GET / response.
type HealthJSON struct {
	Service   string `json:"service"`
	Version   string `json:"version"`
	Connected bool   `json:"connected"`
}

// QuoteRequestJSON is the POST /quote body.
type QuoteRequestJSON struct {
	Symbol   string `json:"symbol"`
	Exchange string `json:"exchange,omitempty"`
	Currency string `json:"currency,omitempty"`
}

// OptionChainRequestJSON is the POST /optionChain body. Expiry is YYYY-MM-DD.
type OptionChainRequestJSON struct {
	Symbol   string   `json:"symbol"`
	Exchange string   `json:"exchange,omitempty"`
	Currency string   `json:"currency,omitempty"`
	Right    string   `json:"right,omitempty"`
	Strike   *float64 `json:"strike,omitempty"`
	Expiry   string   `json:"expiry,omitempty"`
}

// OptionContractJSON identifies one option in a batch quote request.
type OptionContractJSON struct {
	Symbol   string  `json:"symbol"`
	Expiry   string  `json:"expiry"`
	Strike   float64 `json:"strike"`
	Right    string  `json:"right"`
	Exchange string  `json:"exchange,omitempty"`
}

// OptionQuotesRequestJSON is the POST /options/quotes body.
type OptionQuotesRequestJSON struct {
	Contracts []OptionContractJSON `json:"contracts"`
}

// OptionLegJSON is the option payload of an OPT order.
type OptionLegJSON struct {
	Expiry     string  `json:"expiry"`
	Strike     float64 `json:"strike"`
	Right      string  `json:"right"`
	Multiplier float64 `json:"multiplier,omitempty"`
	Exchange   string  `json:"exchange,omitempty"`
}

// PlaceOrderRequestJSON is the POST /placeOrder body.
type PlaceOrderRequestJSON struct {
	Symbol     string         `json:"symbol"`
	AssetType  string         `json:"assetType,omitempty"`
	Quantity   float64        `json:"quantity"`
	Side       string         `json:"side"`
	OrderType  string         `json:"orderType"`
	LimitPrice *float64       `json:"limitPrice,omitempty"`
	StopPrice  *float64       `json:"stopPrice,omitempty"`
	TIF        string         `json:"tif,omitempty"`
	Option     *OptionLegJSON `json:"option,omitempty"`
}

// ErrorJSON is the body of every non-2xx response.
type ErrorJSON struct {
	Error string `json:"error"`
}

func (r QuoteRequestJSON) toEngine() engine.QuoteRequest {
	return engine.QuoteRequest{Symbol: r.Symbol, Exchange: r.Exchange, Currency: r.Currency}
}

func (r OptionChainRequestJSON) toEngine() engine.OptionChainRequest {
	return engine.OptionChainRequest{
		Symbol:   r.Symbol,
		Exchange: r.Exchange,
		Currency: r.Currency,
		Right:    r.Right,
		Strike:   r.Strike,
		Expiry:   r.Expiry,
	}
}

func (r OptionQuotesRequestJSON) toEngine() []engine.OptionContractRequest {
	out := make([]engine.OptionContractRequest, 0, len(r.Contracts))
	for _, c := range r.Contracts {
		out = append(out, engine.OptionContractRequest{
			Symbol:   c.Symbol,
			Expiry:   c.Expiry,
			Strike:   c.Strike,
			Right:    c.Right,
			Exchange: c.Exchange,
		})
	}
	return out
}

func (r PlaceOrderRequestJSON) toEngine() engine.PlaceOrderInput {
	in := engine.PlaceOrderInput{
		Symbol:     r.Symbol,
		AssetType:  r.AssetType,
		Quantity:   r.Quantity,
		Side:       r.Side,
		OrderType:  r.OrderType,
		LimitPrice: r.LimitPrice,
		StopPrice:  r.StopPrice,
		TIF:        r.TIF,
	}
	if r.Option != nil {
		in.Option = &engine.OptionLegInput{
			Expiry:     r.Option.Expiry,
			Strike:     r.Option.Strike,
			Right:      r.Option.Right,
			Multiplier: int(r.Option.Multiplier),
			Exchange:   r.Option.Exchange,
		}
	}
	return in
}
