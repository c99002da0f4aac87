// Package domain defines the transient request/response entities exchanged
// between the HTTP surface, the engine and the gateway client. Nothing in
// this package is persisted.
package domain

import (
	"strconv"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Enumerations
// ---------------------------------------------------------------------------

// SecType identifies the kind of instrument a Contract describes.
type SecType string

const (
	SecTypeStock  SecType = "STK"
	SecTypeOption SecType = "OPT"
)

// Right is the option right, always stored as a single uppercase letter.
type Right string

const (
	RightCall Right = "C"
	RightPut  Right = "P"
)

// Side is the order action.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType is the order type accepted by the HTTP surface.
type OrderType string

const (
	OrderTypeMarket    OrderType = "MKT"
	OrderTypeLimit     OrderType = "LMT"
	OrderTypeStop      OrderType = "STP"
	OrderTypeStopLimit OrderType = "STP_LMT"
)

// TimeInForce is the order validity policy.
type TimeInForce string

const (
	TIFDay TimeInForce = "DAY"
	TIFGTC TimeInForce = "GTC"
	TIFIOC TimeInForce = "IOC"
	TIFFOK TimeInForce = "FOK"
)

// MarketDataType selects live or delayed market data on the gateway.
type MarketDataType int

const (
	MarketDataRealtime      MarketDataType = 1
	MarketDataFrozen        MarketDataType = 2
	MarketDataDelayed       MarketDataType = 3
	MarketDataDelayedFrozen MarketDataType = 4
)

// String returns the display name used in connection logs.
func (m MarketDataType) String() string {
	switch m {
	case MarketDataRealtime:
		return "Real-time"
	case MarketDataFrozen:
		return "Frozen"
	case MarketDataDelayed:
		return "Delayed"
	case MarketDataDelayedFrozen:
		return "Delayed-Frozen"
	default:
		return "Unknown"
	}
}

// Valid reports whether m is one of the modes the gateway understands.
func (m MarketDataType) Valid() bool {
	return m >= MarketDataRealtime && m <= MarketDataDelayedFrozen
}

// ---------------------------------------------------------------------------
// Contracts
// ---------------------------------------------------------------------------

// Contract describes a tradable instrument in the gateway's terms. Expiry is
// kept in the compact YYYYMMDD form; the HTTP surface only ever sees ISO
// dates.
type Contract struct {
	ConID        int64
	SecType      SecType
	Symbol       string
	LocalSymbol  string
	Exchange     string
	Currency     string
	Expiry       string
	Strike       float64
	Right        Right
	Multiplier   string
	TradingClass string
}

// Key identifies a contract for subscription bookkeeping.
func (c Contract) Key() string {
	var b strings.Builder
	b.WriteString(string(c.SecType))
	b.WriteByte(':')
	b.WriteString(c.Symbol)
	if c.SecType == SecTypeOption {
		b.WriteByte(':')
		b.WriteString(c.Expiry)
		b.WriteByte(':')
		b.WriteString(string(c.Right))
		b.WriteByte(':')
		b.WriteString(formatStrike(c.Strike))
	}
	return b.String()
}

func formatStrike(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// ContractDetails is the gateway's resolved description of a contract.
type ContractDetails struct {
	Contract  Contract
	LongName  string
	ValidExch string
}

// OptionParams is one option parameter set (per exchange and trading class)
// for an underlying.
type OptionParams struct {
	Exchange     string
	TradingClass string
	Multiplier   string
	Expirations  []string // YYYYMMDD
	Strikes      []float64
}

// OptionChainItem is one row of an expanded option chain.
type OptionChainItem struct {
	Symbol     string  `json:"symbol"`
	Expiry     string  `json:"expiry"`
	Strike     float64 `json:"strike"`
	Right      Right   `json:"right"`
	Multiplier int     `json:"multiplier"`
	Exchange   string  `json:"exchange"`
}

// ---------------------------------------------------------------------------
// Market data
// ---------------------------------------------------------------------------

// Greeks are the model option sensitivities reported with option ticks.
type Greeks struct {
	ImpliedVol float64
	Delta      float64
	Gamma      float64
	Vega       float64
	Theta      float64
}

// TickSnapshot is a point-in-time copy of a ticker's fields. Zero or NaN
// means the gateway has not reported the field.
type TickSnapshot struct {
	Bid          float64
	Ask          float64
	Last         float64
	Volume       float64
	OpenInterest float64
	Greeks       *Greeks
	Time         time.Time
}

// Quote is an equity quote. Absent prices are nil, never zero.
type Quote struct {
	Symbol    string   `json:"symbol"`
	Last      *float64 `json:"last"`
	Bid       *float64 `json:"bid"`
	Ask       *float64 `json:"ask"`
	Timestamp int64    `json:"timestamp"`
}

// OptionQuote is a quote plus Greeks for one option contract.
type OptionQuote struct {
	Symbol       string   `json:"symbol"`
	Expiry       string   `json:"expiry"`
	Strike       float64  `json:"strike"`
	Right        Right    `json:"right"`
	Bid          *float64 `json:"bid"`
	Ask          *float64 `json:"ask"`
	Mid          *float64 `json:"mid"`
	Last         *float64 `json:"last"`
	IV           *float64 `json:"iv"`
	Delta        *float64 `json:"delta"`
	Gamma        *float64 `json:"gamma"`
	Vega         *float64 `json:"vega"`
	Theta        *float64 `json:"theta"`
	Volume       *int64   `json:"volume"`
	OpenInterest *int64   `json:"openInterest"`
	Timestamp    int64    `json:"timestamp"`
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

// Instrument is the tagged variant an order trades: Equity or OptionLeg.
type Instrument interface {
	isInstrument()
}

// Equity trades the underlying stock on the default routing.
type Equity struct {
	Exchange string
	Currency string
}

// OptionLeg trades a single listed option. Expiry is ISO (YYYY-MM-DD).
type OptionLeg struct {
	Expiry     string
	Strike     float64
	Right      Right
	Multiplier int
	Exchange   string
}

func (Equity) isInstrument()    {}
func (OptionLeg) isInstrument() {}

// OrderRequest is a validated single-order instruction.
type OrderRequest struct {
	Symbol     string
	Instrument Instrument
	Quantity   float64
	Side       Side
	Type       OrderType
	LimitPrice *float64
	StopPrice  *float64
	TIF        TimeInForce
}

// Order is the order descriptor handed to the gateway.
type Order struct {
	Action        Side
	TotalQuantity float64
	OrderType     OrderType
	LmtPrice      *float64
	AuxPrice      *float64
	TIF           TimeInForce
}

// OrderResult is the broker-assigned identifier and current status.
type OrderResult struct {
	OrderID int64  `json:"orderId"`
	Status  string `json:"status"`
}

// ---------------------------------------------------------------------------
// Positions and account
// ---------------------------------------------------------------------------

// RawPosition is a position row as reported by the gateway.
type RawPosition struct {
	Account  string
	Contract Contract
	Quantity float64
	AvgCost  float64
}

// Position is one held instrument. MarketPrice and UnrealizedPnl are only
// set when a quote is attached, which the reader never does.
type Position struct {
	Symbol        string   `json:"symbol"`
	AssetType     string   `json:"assetType"`
	Quantity      float64  `json:"quantity"`
	AvgPrice      float64  `json:"avgPrice"`
	MarketPrice   *float64 `json:"marketPrice"`
	UnrealizedPnl *float64 `json:"unrealizedPnl"`
	Expiry        string   `json:"expiry,omitempty"`
	Strike        *float64 `json:"strike,omitempty"`
	Right         Right    `json:"right,omitempty"`
}

// AccountValue is one tagged account value row.
type AccountValue struct {
	Tag      string
	Value    string
	Currency string
	Account  string
}

// Account value tags pivoted into AccountSummary.
const (
	TagTotalCashValue  = "TotalCashValue"
	TagNetLiquidation  = "NetLiquidation"
	TagBuyingPower     = "BuyingPower"
	TagExcessLiquidity = "ExcessLiquidity"
)

// AccountSummary is the pivoted view of the account value rows.
type AccountSummary struct {
	AccountID       string   `json:"accountId"`
	Cash            float64  `json:"cash"`
	Equity          float64  `json:"equity"`
	BuyingPower     *float64 `json:"buyingPower"`
	ExcessLiquidity *float64 `json:"excessLiquidity"`
}
