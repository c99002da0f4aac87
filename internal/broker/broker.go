// Package broker defines the gateway Client interface, the event primitives
// it reports through (Ticker, Trade), the Session that owns the single
// gateway connection, and the Client Portal and simulator backends.
package broker

import (
	"context"

	"ibbroker/internal/domain"
)

// ConnectParams identifies the gateway endpoint and the API client slot.
type ConnectParams struct {
	Host     string
	Port     int
	ClientID int
}

// Client abstracts the broker's native gateway API. Implementations must be
// safe for concurrent use once connected.
type Client interface {
	// Name returns the backend identifier (e.g. "cpapi", "simulator").
	Name() string

	// Connect performs the handshake. It fails with domain.ErrConnection when
	// the gateway refuses the client id or is unreachable.
	Connect(ctx context.Context, p ConnectParams) error

	// Disconnect tears down the connection. It is safe to call when not
	// connected.
	Disconnect() error

	// IsConnected reports the backend's own view of the connection.
	IsConnected() bool

	// SetMarketDataType selects live, frozen or delayed market data.
	SetMarketDataType(ctx context.Context, t domain.MarketDataType) error

	// ManagedAccounts lists the accounts reachable through the connection.
	ManagedAccounts(ctx context.Context) ([]string, error)

	// ContractDetails resolves a partially specified contract.
	ContractDetails(ctx context.Context, c domain.Contract) ([]domain.ContractDetails, error)

	// SecDefOptParams returns the option parameter sets for a resolved
	// underlying (ConID must be set).
	SecDefOptParams(ctx context.Context, underlying domain.Contract) ([]domain.OptionParams, error)

	// ReqMktData subscribes to ticks for a contract. genericTicks is a comma
	// separated list of extra tick types ("106" adds option Greeks and open
	// interest).
	ReqMktData(ctx context.Context, c domain.Contract, genericTicks string) (*Ticker, error)

	// CancelMktData ends subscriptions started by ReqMktData.
	CancelMktData(tickers ...*Ticker)

	// PlaceOrder submits an order and returns its live Trade handle.
	PlaceOrder(ctx context.Context, c domain.Contract, o domain.Order) (*Trade, error)

	// Positions returns the current position rows of every managed account.
	Positions(ctx context.Context) ([]domain.RawPosition, error)

	// AccountValues returns the tagged account value rows.
	AccountValues(ctx context.Context) ([]domain.AccountValue, error)

	// Keepalive pings the gateway so an idle session is not dropped.
	Keepalive(ctx context.Context) error
}
