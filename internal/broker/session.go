package broker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"ibbroker/internal/domain"
)

// DefaultConnectTimeout bounds the gateway handshake.
const DefaultConnectTimeout = 10 * time.Second

// SessionConfig holds the connection parameters read at process start.
type SessionConfig struct {
	Params         ConnectParams
	MarketDataType domain.MarketDataType
	ConnectTimeout time.Duration
	Keepalive      time.Duration // 0 disables
}

// Session owns the single process-wide gateway connection. It is created
// unconnected and connects lazily on the first EnsureConnected call.
type Session struct {
	client Client
	cfg    SessionConfig
	log    zerolog.Logger

	connected atomic.Bool
	attempts  atomic.Int64

	mu    sync.Mutex
	group singleflight.Group

	stopKeepalive context.CancelFunc
	wg            sync.WaitGroup
}

// NewSession wires a session around client. Nothing is dialled until
// EnsureConnected is called.
func NewSession(client Client, cfg SessionConfig, logger zerolog.Logger) *Session {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if !cfg.MarketDataType.Valid() {
		cfg.MarketDataType = domain.MarketDataDelayed
	}
	return &Session{
		client: client,
		cfg:    cfg,
		log:    logger.With().Str("component", "session").Logger(),
	}
}

// Client returns the gateway client the session manages.
func (s *Session) Client() Client {
	return s.client
}

// Connected reports whether the handshake has completed and the backend
// still considers itself connected. It never triggers a connect.
func (s *Session) Connected() bool {
	return s.connected.Load() && s.client.IsConnected()
}

// Attempts returns the number of handshakes started so far.
func (s *Session) Attempts() int64 {
	return s.attempts.Load()
}

// EnsureConnected connects if needed. Concurrent callers share a single
// attempt and all observe its result. ctx only bounds how long this caller
// waits; the shared attempt itself is bounded by ConnectTimeout.
func (s *Session) EnsureConnected(ctx context.Context) error {
	if s.connected.Load() && s.client.IsConnected() {
		return nil
	}

	ch := s.group.DoChan("connect", func() (any, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.connected.Load() && s.client.IsConnected() {
			return nil, nil
		}
		return nil, s.connect()
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// connect runs the handshake on its own goroutine so a hung gateway cannot
// hold the caller past ConnectTimeout. Must be called with s.mu held.
func (s *Session) connect() error {
	s.connected.Store(false)
	s.attempts.Add(1)

	p := s.cfg.Params
	s.log.Info().
		Str("host", p.Host).
		Int("port", p.Port).
		Int("client_id", p.ClientID).
		Msg("connecting to gateway")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ConnectTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		err := s.client.Connect(ctx, p)
		if err == nil {
			err = s.client.SetMarketDataType(ctx, s.cfg.MarketDataType)
		}
		done <- err
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = domain.Errorf(domain.ErrConnection, "connect to %s:%d timed out after %s", p.Host, p.Port, s.cfg.ConnectTimeout)
	}
	if err != nil {
		_ = s.client.Disconnect()
		if !errors.Is(err, domain.ErrConnection) {
			err = domain.Errorf(domain.ErrConnection, "connect to %s:%d: %v", p.Host, p.Port, err)
		}
		s.log.Error().Err(err).Msg("gateway connect failed")
		return err
	}

	s.connected.Store(true)
	s.log.Info().
		Str("market_data", s.cfg.MarketDataType.String()).
		Int("market_data_type", int(s.cfg.MarketDataType)).
		Str("backend", s.client.Name()).
		Msg("connected to gateway")

	s.startKeepalive()
	return nil
}

// startKeepalive launches the keepalive loop once per connection. Must be
// called with s.mu held.
func (s *Session) startKeepalive() {
	if s.cfg.Keepalive <= 0 {
		return
	}
	if s.stopKeepalive != nil {
		s.stopKeepalive()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.stopKeepalive = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.Keepalive)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.client.Keepalive(ctx); err != nil {
					if ctx.Err() != nil {
						return
					}
					// Next request reconnects lazily.
					s.connected.Store(false)
					s.log.Warn().Err(err).Msg("gateway keepalive failed")
					return
				}
			}
		}
	}()
}

// Close stops the keepalive loop and disconnects if connected.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.stopKeepalive != nil {
		s.stopKeepalive()
		s.stopKeepalive = nil
	}
	wasConnected := s.connected.Swap(false)
	s.mu.Unlock()

	s.wg.Wait()

	if !wasConnected && !s.client.IsConnected() {
		return nil
	}
	s.log.Info().Msg("disconnecting from gateway")
	return s.client.Disconnect()
}
