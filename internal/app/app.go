// Package app wires a configured gateway client, session and engine. It is
// shared by the service and the smoke checker.
package app

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"ibbroker/internal/broker"
	"ibbroker/internal/config"
	"ibbroker/internal/domain"
	"ibbroker/internal/engine"
)

// App holds the wired components.
type App struct {
	Client  broker.Client
	Session *broker.Session
	Engine  *engine.Engine
}

// New builds the gateway client selected by cfg.Gateway.Kind, an unconnected
// session around it and the engine.
func New(cfg *config.Config, logger zerolog.Logger) (*App, error) {
	client, err := NewGatewayClient(cfg.Gateway, logger)
	if err != nil {
		return nil, err
	}

	session := broker.NewSession(client, SessionConfig(cfg.Gateway), logger)
	eng := engine.New(session, EngineConfig(cfg), logger)
	return &App{Client: client, Session: session, Engine: eng}, nil
}

// Close disconnects the session.
func (a *App) Close() error {
	return a.Session.Close()
}

// NewGatewayClient returns the backend for g.Kind.
func NewGatewayClient(g config.Gateway, logger zerolog.Logger) (broker.Client, error) {
	switch g.Kind {
	case config.GatewaySimulator:
		return broker.NewDemoSimulator(), nil
	case config.GatewayCPAPI:
		c, err := broker.NewCPAPIClient(broker.CPAPIConfig{
			BaseURL:            g.CPAPIURL(),
			AccountID:          g.AccountID,
			InsecureSkipVerify: g.InsecureSkipVerify,
			RequestsPerMin:     g.RequestsPerMin,
			ConfirmWarnings:    g.ConfirmWarnings,
		}, logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown gateway kind %q", g.Kind)
	}
}

// SessionConfig maps the gateway settings onto the session.
func SessionConfig(g config.Gateway) broker.SessionConfig {
	return broker.SessionConfig{
		Params: broker.ConnectParams{
			Host:     g.Host,
			Port:     g.Port,
			ClientID: g.ClientID,
		},
		MarketDataType: domain.MarketDataType(g.MarketDataType),
		ConnectTimeout: g.ConnectTimeout(),
		Keepalive:      g.Keepalive(),
	}
}

// EngineConfig maps the wait bounds, pool size and risk limits.
func EngineConfig(cfg *config.Config) engine.Config {
	md := cfg.MarketData
	return engine.Config{
		Waits: engine.Waits{
			Quote:       ms(md.QuoteWaitMs),
			OptionBatch: ms(md.OptionBatchWaitMs),
			OrderAck:    ms(md.OrderAckWaitMs),
			Positions:   ms(md.PositionsWaitMs),
		},
		Workers:     md.Workers,
		MaxQuantity: cfg.Risk.MaxQuantity,
		MaxNotional: cfg.Risk.MaxNotional,
	}
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
