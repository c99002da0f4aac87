// Package engine implements the broker operations exposed over HTTP: quotes,
// option chains and option quotes, order placement, positions and the
// account summary. Every gateway call goes through the shared Session and a
// bounded worker Pool.
package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"ibbroker/internal/broker"
)

// Waits bounds how long an operation waits for asynchronous gateway events.
// A wait ends early as soon as the awaited event arrives.
type Waits struct {
	Quote       time.Duration // first tick of an equity quote
	OptionBatch time.Duration // first ticks of a batch of option quotes
	OrderAck    time.Duration // first status report of a new order
	Positions   time.Duration // position and account value replies
}

// DefaultWaits returns the stock wait bounds.
func DefaultWaits() Waits {
	return Waits{
		Quote:       500 * time.Millisecond,
		OptionBatch: 2 * time.Second,
		OrderAck:    300 * time.Millisecond,
		Positions:   5 * time.Second,
	}
}

// Config wires an Engine.
type Config struct {
	Waits       Waits
	Workers     int
	MaxQuantity float64 // 0 disables
	MaxNotional float64 // 0 disables
}

// Engine runs broker operations against the gateway session.
type Engine struct {
	session *broker.Session
	pool    *Pool
	risk    *RiskManager
	waits   Waits
	workers int
	now     func() time.Time
	log     zerolog.Logger
}

// New creates an Engine around an (unconnected) session.
func New(session *broker.Session, cfg Config, logger zerolog.Logger) *Engine {
	def := DefaultWaits()
	if cfg.Waits.Quote <= 0 {
		cfg.Waits.Quote = def.Quote
	}
	if cfg.Waits.OptionBatch <= 0 {
		cfg.Waits.OptionBatch = def.OptionBatch
	}
	if cfg.Waits.OrderAck <= 0 {
		cfg.Waits.OrderAck = def.OrderAck
	}
	if cfg.Waits.Positions <= 0 {
		cfg.Waits.Positions = def.Positions
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}

	return &Engine{
		session: session,
		pool:    NewPool(cfg.Workers),
		risk:    NewRiskManager(cfg.MaxQuantity, cfg.MaxNotional),
		waits:   cfg.Waits,
		workers: cfg.Workers,
		now:     time.Now,
		log:     logger.With().Str("component", "engine").Logger(),
	}
}

// SetClock replaces the time source used for response timestamps.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Connected reports the session state without triggering a connect.
func (e *Engine) Connected() bool {
	return e.session.Connected()
}

// run connects if needed, then executes fn on a pool worker.
func (e *Engine) run(ctx context.Context, fn func(ctx context.Context, c broker.Client) error) error {
	if err := e.session.EnsureConnected(ctx); err != nil {
		return err
	}
	client := e.session.Client()
	return e.pool.Run(ctx, func(ctx context.Context) error {
		return fn(ctx, client)
	})
}

func (e *Engine) timestamp() int64 {
	return e.now().UnixMilli()
}
