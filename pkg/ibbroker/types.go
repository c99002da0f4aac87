package ibbroker

// Health is the service status reported by GET /.
type Health struct {
	Service   string `json:"service"`
	Version   string `json:"version"`
	Connected bool   `json:"connected"`
}

// QuoteRequest asks for an equity quote. Exchange and currency default to
// SMART and USD on the server.
type QuoteRequest struct {
	Symbol   string `json:"symbol"`
	Exchange string `json:"exchange,omitempty"`
	Currency string `json:"currency,omitempty"`
}

// Quote is an equity quote. Absent prices are nil.
type Quote struct {
	Symbol    string   `json:"symbol"`
	Last      *float64 `json:"last"`
	Bid       *float64 `json:"bid"`
	Ask       *float64 `json:"ask"`
	Timestamp int64    `json:"timestamp"`
}

// OptionChainRequest lists an underlying's options. Right, Strike and Expiry
// (YYYY-MM-DD) filter the listing.
type OptionChainRequest struct {
	Symbol   string   `json:"symbol"`
	Exchange string   `json:"exchange,omitempty"`
	Currency string   `json:"currency,omitempty"`
	Right    string   `json:"right,omitempty"`
	Strike   *float64 `json:"strike,omitempty"`
	Expiry   string   `json:"expiry,omitempty"`
}

// OptionChainItem is one listed option.
type OptionChainItem struct {
	Symbol     string  `json:"symbol"`
	Expiry     string  `json:"expiry"`
	Strike     float64 `json:"strike"`
	Right      string  `json:"right"`
	Multiplier int     `json:"multiplier"`
	Exchange   string  `json:"exchange"`
}

// OptionContract identifies one option for a batch quote.
type OptionContract struct {
	Symbol   string  `json:"symbol"`
	Expiry   string  `json:"expiry"`
	Strike   float64 `json:"strike"`
	Right    string  `json:"right"`
	Exchange string  `json:"exchange,omitempty"`
}

// OptionQuote is a quote plus Greeks for one option.
type OptionQuote struct {
	Symbol       string   `json:"symbol"`
	Expiry       string   `json:"expiry"`
	Strike       float64  `json:"strike"`
	Right        string   `json:"right"`
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

// OptionLeg is the option payload of an OPT order.
type OptionLeg struct {
	Expiry     string  `json:"expiry"`
	Strike     float64 `json:"strike"`
	Right      string  `json:"right"`
	Multiplier int     `json:"multiplier,omitempty"`
	Exchange   string  `json:"exchange,omitempty"`
}

// OrderRequest is a single order.
type OrderRequest struct {
	Symbol     string     `json:"symbol"`
	AssetType  string     `json:"assetType,omitempty"`
	Quantity   float64    `json:"quantity"`
	Side       string     `json:"side"`
	OrderType  string     `json:"orderType"`
	LimitPrice *float64   `json:"limitPrice,omitempty"`
	StopPrice  *float64   `json:"stopPrice,omitempty"`
	TIF        string     `json:"tif,omitempty"`
	Option     *OptionLeg `json:"option,omitempty"`
}

// OrderResult is the broker-assigned order id and its status.
type OrderResult struct {
	OrderID int64  `json:"orderId"`
	Status  string `json:"status"`
}

// Position is one held instrument.
type Position struct {
	Symbol        string   `json:"symbol"`
	AssetType     string   `json:"assetType"`
	Quantity      float64  `json:"quantity"`
	AvgPrice      float64  `json:"avgPrice"`
	MarketPrice   *float64 `json:"marketPrice"`
	UnrealizedPnl *float64 `json:"unrealizedPnl"`
	Expiry        string   `json:"expiry,omitempty"`
	Strike        *float64 `json:"strike,omitempty"`
	Right         string   `json:"right,omitempty"`
}

// Account is the account summary.
type Account struct {
	AccountID       string   `json:"accountId"`
	Cash            float64  `json:"cash"`
	Equity          float64  `json:"equity"`
	BuyingPower     *float64 `json:"buyingPower"`
	ExcessLiquidity *float64 `json:"excessLiquidity"`
}
