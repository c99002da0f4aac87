package broker

import (
	"context"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"ibbroker/internal/domain"
)

// Compile-time interface check.
var _ Client = (*Simulator)(nil)

// Simulator is an in-memory gateway for paper runs and tests. Quotes,
// underlyings, positions and account values are seeded up front; ticks are
// delivered TickDelay after a subscription starts and orders walk through
// PreSubmitted to Submitted (market orders to Filled) after the same delay.
type Simulator struct {
	mu           sync.Mutex
	connected    bool
	mdType       domain.MarketDataType
	tickDelay    time.Duration
	connectDelay time.Duration
	synthesize   bool

	accounts    []string
	quotes      map[string]domain.TickSnapshot
	underlyings map[string]simUnderlying
	positions   []domain.RawPosition
	values      []domain.AccountValue
	busyIDs     map[int]bool
	failures    map[string]error

	nextOrderID int64
	trades      []*Trade
	subs        map[*Ticker]struct{}

	connects atomic.Int64
}

type simUnderlying struct {
	details domain.ContractDetails
	params  []domain.OptionParams
}

// Simulator operations that FailOn can target.
const (
	SimOpConnect   = "connect"
	SimOpDetails   = "details"
	SimOpOptParams = "optparams"
	SimOpMktData   = "mktdata"
	SimOpOrder     = "order"
	SimOpPositions = "positions"
	SimOpAccount   = "account"
	SimOpKeepalive = "keepalive"
)

// NewSimulator returns an empty simulator with one paper account.
func NewSimulator() *Simulator {
	return &Simulator{
		mdType:      domain.MarketDataDelayed,
		tickDelay:   10 * time.Millisecond,
		accounts:    []string{"DU0000000"},
		quotes:      make(map[string]domain.TickSnapshot),
		underlyings: make(map[string]simUnderlying),
		busyIDs:     make(map[int]bool),
		failures:    make(map[string]error),
		nextOrderID: 1,
		subs:        make(map[*Ticker]struct{}),
	}
}

// ---------------------------------------------------------------------------
// Seeding
// ---------------------------------------------------------------------------

// SetTickDelay sets how long after a subscription the first tick arrives.
// A negative delay means ticks never arrive.
func (s *Simulator) SetTickDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickDelay = d
}

// SetConnectDelay makes the handshake take d.
func (s *Simulator) SetConnectDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectDelay = d
}

// SetAccounts replaces the managed account list.
func (s *Simulator) SetAccounts(accounts ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts = append([]string(nil), accounts...)
}

// SetQuote seeds the ticks delivered for a contract.
func (s *Simulator) SetQuote(c domain.Contract, snap domain.TickSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes[c.Key()] = snap
}

// AddUnderlying registers an equity and its option parameter sets.
func (s *Simulator) AddUnderlying(symbol string, conID int64, params ...domain.OptionParams) {
	s.mu.Lock()
	defer s.mu.Unlock()
	symbol = strings.ToUpper(symbol)
	s.underlyings[symbol] = simUnderlying{
		details: domain.ContractDetails{
			Contract: domain.Contract{
				ConID:    conID,
				SecType:  domain.SecTypeStock,
				Symbol:   symbol,
				Exchange: "SMART",
				Currency: "USD",
			},
			LongName:  symbol,
			ValidExch: "SMART",
		},
		params: params,
	}
}

// SetPositions replaces the position rows.
func (s *Simulator) SetPositions(rows ...domain.RawPosition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions = append([]domain.RawPosition(nil), rows...)
}

// SetAccountValues replaces the account value rows.
func (s *Simulator) SetAccountValues(rows ...domain.AccountValue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = append([]domain.AccountValue(nil), rows...)
}

// ReserveClientID marks a client id as held by another session.
func (s *Simulator) ReserveClientID(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busyIDs[id] = true
}

// FailOn makes the named operation return err until cleared with a nil err.
func (s *Simulator) FailOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

// ---------------------------------------------------------------------------
// Inspection
// ---------------------------------------------------------------------------

// Connects returns how many handshakes were started.
func (s *Simulator) Connects() int64 {
	return s.connects.Load()
}

// MarketDataType returns the last mode requested.
func (s *Simulator) MarketDataType() domain.MarketDataType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mdType
}

// Trades returns every order placed so far.
func (s *Simulator) Trades() []*Trade {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Trade(nil), s.trades...)
}

// ActiveSubscriptions returns the number of open market data subscriptions.
func (s *Simulator) ActiveSubscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Name returns "simulator".
func (s *Simulator) Name() string {
	return "simulator"
}

// Connect simulates the handshake, honouring the connect delay and reserved
// client ids.
func (s *Simulator) Connect(ctx context.Context, p ConnectParams) error {
	s.connects.Add(1)

	s.mu.Lock()
	delay := s.connectDelay
	failure := s.failures[SimOpConnect]
	busy := s.busyIDs[p.ClientID]
	s.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	if failure != nil {
		return failure
	}
	if busy {
		return domain.Errorf(domain.ErrConnection, "client id %d already in use", p.ClientID)
	}

	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	return nil
}

// Disconnect drops the connection and all subscriptions.
func (s *Simulator) Disconnect() error {
	s.mu.Lock()
	s.connected = false
	subs := s.subs
	s.subs = make(map[*Ticker]struct{})
	s.mu.Unlock()

	for t := range subs {
		t.cancel()
	}
	return nil
}

// IsConnected reports the connection flag.
func (s *Simulator) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// SetMarketDataType records the requested mode.
func (s *Simulator) SetMarketDataType(_ context.Context, t domain.MarketDataType) error {
	if !t.Valid() {
		return domain.Errorf(domain.ErrValidation, "invalid market data type %d", int(t))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return domain.Errorf(domain.ErrConnection, "not connected")
	}
	s.mdType = t
	return nil
}

// ManagedAccounts lists the seeded accounts.
func (s *Simulator) ManagedAccounts(_ context.Context) ([]string, error) {
	if err := s.check(""); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.accounts...), nil
}

// ContractDetails resolves seeded underlyings. Options resolve to
// themselves when their underlying is known.
func (s *Simulator) ContractDetails(_ context.Context, c domain.Contract) ([]domain.ContractDetails, error) {
	if err := s.check(SimOpDetails); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.underlyings[strings.ToUpper(c.Symbol)]
	if !ok {
		return nil, nil
	}
	if c.SecType == domain.SecTypeOption {
		return []domain.ContractDetails{{Contract: c, LongName: u.details.LongName, ValidExch: c.Exchange}}, nil
	}
	d := u.details
	if c.Exchange != "" {
		d.Contract.Exchange = c.Exchange
	}
	if c.Currency != "" {
		d.Contract.Currency = c.Currency
	}
	return []domain.ContractDetails{d}, nil
}

// SecDefOptParams returns the parameter sets seeded for the underlying.
func (s *Simulator) SecDefOptParams(_ context.Context, underlying domain.Contract) ([]domain.OptionParams, error) {
	if err := s.check(SimOpOptParams); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.underlyings {
		if u.details.Contract.ConID != underlying.ConID {
			continue
		}
		out := make([]domain.OptionParams, len(u.params))
		for i, p := range u.params {
			p.Expirations = append([]string(nil), p.Expirations...)
			p.Strikes = append([]float64(nil), p.Strikes...)
			out[i] = p
		}
		return out, nil
	}
	return nil, nil
}

// ReqMktData schedules the seeded ticks for delivery after the tick delay.
// Open interest is only delivered when the generic tick list asks for it.
func (s *Simulator) ReqMktData(_ context.Context, c domain.Contract, genericTicks string) (*Ticker, error) {
	if err := s.check(SimOpMktData); err != nil {
		return nil, err
	}

	t := NewTicker(c, genericTicks)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.subs[t] = struct{}{}
	snap, ok := s.quotes[c.Key()]
	if !ok && s.synthesize {
		snap, ok = s.synthesizeLocked(c)
	}
	if !ok || s.tickDelay < 0 {
		return t, nil
	}
	if !strings.Contains(genericTicks, genericTickGreeks) {
		snap.OpenInterest = 0
	}

	timer := time.AfterFunc(s.tickDelay, func() {
		t.Update(func(dst *domain.TickSnapshot) {
			dst.Bid, dst.Ask, dst.Last = snap.Bid, snap.Ask, snap.Last
			dst.Volume, dst.OpenInterest = snap.Volume, snap.OpenInterest
			if snap.Greeks != nil {
				g := *snap.Greeks
				dst.Greeks = &g
			}
		})
	})
	t.stop = func() { timer.Stop() }
	return t, nil
}

// CancelMktData ends the subscriptions.
func (s *Simulator) CancelMktData(tickers ...*Ticker) {
	for _, t := range tickers {
		if t == nil {
			continue
		}
		s.mu.Lock()
		delete(s.subs, t)
		s.mu.Unlock()
		t.cancel()
	}
}

// PlaceOrder assigns the next order id and schedules status updates.
func (s *Simulator) PlaceOrder(_ context.Context, c domain.Contract, o domain.Order) (*Trade, error) {
	if err := s.check(SimOpOrder); err != nil {
		return nil, err
	}

	s.mu.Lock()
	id := s.nextOrderID
	s.nextOrderID++
	trade := NewTrade(id, c, o)
	s.trades = append(s.trades, trade)
	delay := s.tickDelay
	s.mu.Unlock()

	if delay >= 0 {
		time.AfterFunc(delay, func() {
			trade.SetStatus("PreSubmitted")
			if o.OrderType == domain.OrderTypeMarket {
				trade.SetStatus("Filled")
				return
			}
			trade.SetStatus("Submitted")
		})
	}
	return trade, nil
}

// Positions returns the seeded position rows.
func (s *Simulator) Positions(_ context.Context) ([]domain.RawPosition, error) {
	if err := s.check(SimOpPositions); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.RawPosition(nil), s.positions...), nil
}

// AccountValues returns the seeded account value rows.
func (s *Simulator) AccountValues(_ context.Context) ([]domain.AccountValue, error) {
	if err := s.check(SimOpAccount); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.AccountValue(nil), s.values...), nil
}

// Keepalive fails once the simulator is disconnected.
func (s *Simulator) Keepalive(_ context.Context) error {
	return s.check(SimOpKeepalive)
}

func (s *Simulator) check(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return domain.Errorf(domain.ErrConnection, "not connected")
	}
	if err := s.failures[op]; op != "" && err != nil {
		return err
	}
	return nil
}

// ---------------------------------------------------------------------------
// Demo data
// ---------------------------------------------------------------------------

// NewDemoSimulator returns a simulator seeded with a few liquid names, a
// short option chain, positions and account values. Options without a
// seeded quote are priced off the underlying's last price.
func NewDemoSimulator() *Simulator {
	s := NewSimulator()
	s.synthesize = true
	s.tickDelay = 50 * time.Millisecond

	for _, q := range []struct {
		symbol         string
		conID          int64
		bid, ask, last float64
	}{
		{"AAPL", 265598, 189.95, 190.05, 190.00},
		{"MSFT", 272093, 414.80, 415.10, 415.00},
		{"SPY", 756733, 519.98, 520.02, 520.00},
	} {
		s.SetQuote(domain.Contract{SecType: domain.SecTypeStock, Symbol: q.symbol},
			domain.TickSnapshot{Bid: q.bid, Ask: q.ask, Last: q.last, Volume: 1_250_000})
		s.AddUnderlying(q.symbol, q.conID, domain.OptionParams{
			Exchange:     "SMART",
			TradingClass: q.symbol,
			Multiplier:   "100",
			Expirations:  demoExpirations(time.Now(), 3),
			Strikes:      demoStrikes(q.last),
		})
	}

	s.SetPositions(
		domain.RawPosition{
			Account:  "DU0000000",
			Contract: domain.Contract{SecType: domain.SecTypeStock, Symbol: "AAPL", Currency: "USD"},
			Quantity: 100,
			AvgCost:  172.35,
		},
		domain.RawPosition{
			Account: "DU0000000",
			Contract: domain.Contract{
				SecType: domain.SecTypeOption, Symbol: "SPY", Currency: "USD",
				Expiry: demoExpirations(time.Now(), 1)[0], Strike: 500, Right: domain.RightPut, Multiplier: "100",
			},
			Quantity: -2,
			AvgCost:  312.4,
		},
	)
	s.SetAccountValues(
		domain.AccountValue{Tag: domain.TagTotalCashValue, Value: "25000.00", Currency: "USD", Account: "DU0000000"},
		domain.AccountValue{Tag: domain.TagNetLiquidation, Value: "43624.80", Currency: "USD", Account: "DU0000000"},
		domain.AccountValue{Tag: domain.TagBuyingPower, Value: "100000.00", Currency: "USD", Account: "DU0000000"},
		domain.AccountValue{Tag: domain.TagExcessLiquidity, Value: "41200.00", Currency: "USD", Account: "DU0000000"},
	)
	return s
}

// synthesizeLocked prices an unseeded option at intrinsic value plus a
// flat time value. Must be called with s.mu held.
func (s *Simulator) synthesizeLocked(c domain.Contract) (domain.TickSnapshot, bool) {
	if c.SecType != domain.SecTypeOption {
		return domain.TickSnapshot{}, false
	}
	under, ok := s.quotes[domain.Contract{SecType: domain.SecTypeStock, Symbol: c.Symbol}.Key()]
	if !ok || under.Last <= 0 {
		return domain.TickSnapshot{}, false
	}

	intrinsic := under.Last - c.Strike
	delta := 0.5 + math.Max(-0.45, math.Min(0.45, intrinsic/under.Last*5))
	if c.Right == domain.RightPut {
		intrinsic = -intrinsic
		delta -= 1
	}
	mid := math.Max(intrinsic, 0) + 1.25
	return domain.TickSnapshot{
		Bid:          math.Round((mid-0.05)*100) / 100,
		Ask:          math.Round((mid+0.05)*100) / 100,
		Last:         math.Round(mid*100) / 100,
		Volume:       420,
		OpenInterest: 3150,
		Greeks: &domain.Greeks{
			ImpliedVol: 0.24,
			Delta:      delta,
			Gamma:      0.021,
			Vega:       0.18,
			Theta:      -0.07,
		},
	}, true
}

// demoExpirations returns the next n Friday expiries in YYYYMMDD form.
func demoExpirations(from time.Time, n int) []string {
	d := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	for d.Weekday() != time.Friday {
		d = d.AddDate(0, 0, 1)
	}
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, d.AddDate(0, 0, 7*i).Format("20060102"))
	}
	return out
}

// demoStrikes returns eleven strikes around price in steps of 5.
func demoStrikes(price float64) []float64 {
	center := math.Round(price/5) * 5
	out := make([]float64, 0, 11)
	for i := -5; i <= 5; i++ {
		out = append(out, center+float64(i)*5)
	}
	return out
}
