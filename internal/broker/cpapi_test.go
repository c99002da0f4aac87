package broker

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ibbroker/internal/domain"
)

// fakeGateway emulates the Client Portal endpoints the backend uses.
type fakeGateway struct {
	mu          sync.Mutex
	competing   bool
	authCalls   int
	snapshots   int
	maxConIDs   int
	seen        map[string]int
	searches    int
	infos       int
	unsubscribe int
	orderBodies []map[string]any
	replies     int
	prompt      bool
}

func (g *fakeGateway) handler() http.Handler {
	mux := http.NewServeMux()
	write := func(w http.ResponseWriter, body string) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, body)
	}

	mux.HandleFunc("/v1/api/iserver/auth/status", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		g.authCalls++
		competing := g.competing
		g.mu.Unlock()
		if competing {
			write(w, `{"authenticated":true,"competing":true,"connected":true}`)
			return
		}
		write(w, `{"authenticated":true,"competing":false,"connected":true}`)
	})
	mux.HandleFunc("/v1/api/iserver/accounts", func(w http.ResponseWriter, r *http.Request) {
		write(w, `{"accounts":["DU111","DU222"],"selectedAccount":"DU222"}`)
	})
	mux.HandleFunc("/v1/api/portfolio/accounts", func(w http.ResponseWriter, r *http.Request) {
		write(w, `[{"id":"DU111"},{"id":"DU222"}]`)
	})
	mux.HandleFunc("/v1/api/tickle", func(w http.ResponseWriter, r *http.Request) {
		write(w, `{"session":"abc","iserver":{"authStatus":{"authenticated":true,"competing":false}}}`)
	})
	mux.HandleFunc("/v1/api/iserver/secdef/search", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		g.searches++
		g.mu.Unlock()
		if r.URL.Query().Get("symbol") != "AAPL" {
			write(w, `[]`)
			return
		}
		write(w, `[{"conid":"265598","companyName":"APPLE INC","symbol":"AAPL","description":"NASDAQ",
			"sections":[{"secType":"STK"},{"secType":"OPT","months":"JAN25;FEB25","exchange":"SMART;CBOE"}]}]`)
	})
	mux.HandleFunc("/v1/api/iserver/secdef/strikes", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("month") {
		case "JAN25":
			write(w, `{"call":[145,150,155],"put":[145,150,155,160]}`)
		default:
			write(w, `{"call":[150],"put":[150]}`)
		}
	})
	mux.HandleFunc("/v1/api/iserver/secdef/info", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		g.infos++
		g.mu.Unlock()
		q := r.URL.Query()
		strike, right := q.Get("strike"), q.Get("right")
		switch q.Get("month") {
		case "JAN25":
			rows := `{"conid":111,"symbol":"AAPL","strike":` + strike + `,"right":"` + right + `","maturityDate":"20250110","multiplier":"100","tradingClass":"AAPL"},
				{"conid":112,"symbol":"AAPL","strike":` + strike + `,"right":"` + right + `","maturityDate":"20250117","multiplier":"100","tradingClass":"AAPL"}`
			if strike == "160" {
				// Only the widest strike lists the early weekly.
				rows += `,{"conid":113,"symbol":"AAPL","strike":160,"right":"` + right + `","maturityDate":"20250103","multiplier":"100","tradingClass":"AAPL"}`
			}
			write(w, "["+rows+"]")
		default:
			write(w, `[{"conid":121,"symbol":"AAPL","strike":150,"right":"C","maturityDate":"20250221","multiplier":"100","tradingClass":"AAPL"}]`)
		}
	})
	mux.HandleFunc("/v1/api/iserver/marketdata/snapshot", func(w http.ResponseWriter, r *http.Request) {
		ids := strings.Split(r.URL.Query().Get("conids"), ",")
		g.mu.Lock()
		g.snapshots++
		g.maxConIDs = max(g.maxConIDs, len(ids))
		if g.seen == nil {
			g.seen = make(map[string]int)
		}
		var rows []string
		for _, id := range ids {
			g.seen[id]++
			if g.seen[id] == 1 {
				// The first call for a conid only opens the stream.
				rows = append(rows, `{"conid":`+id+`}`)
				continue
			}
			rows = append(rows, `{"conid":`+id+`,"31":"C150.00","84":"149.90","86":"150.10","7762":"1.2M",
				"7308":"0.512","7309":"0.03","7310":"-0.08","7311":"0.21","7633":"25.0%","7638":"1,234"}`)
		}
		g.mu.Unlock()
		write(w, "["+strings.Join(rows, ",")+"]")
	})
	mux.HandleFunc("/v1/api/iserver/marketdata/unsubscribe", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		g.unsubscribe++
		g.mu.Unlock()
		write(w, `{"success":true}`)
	})
	mux.HandleFunc("/v1/api/iserver/account/DU222/orders", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		g.mu.Lock()
		g.orderBodies = append(g.orderBodies, body)
		prompt := g.prompt
		g.mu.Unlock()
		if prompt {
			write(w, `[{"id":"reply-1","message":["You are about to submit a price cap order."]}]`)
			return
		}
		write(w, `[{"order_id":"987","order_status":"Submitted"}]`)
	})
	mux.HandleFunc("/v1/api/iserver/reply/reply-1", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		g.replies++
		g.mu.Unlock()
		write(w, `[{"order_id":"988","order_status":"PreSubmitted"}]`)
	})
	mux.HandleFunc("/v1/api/portfolio/DU111/positions/0", func(w http.ResponseWriter, r *http.Request) {
		write(w, `[{"conid":265598,"ticker":"AAPL","contractDesc":"AAPL","assetClass":"STK","position":100,"avgCost":172.35,"currency":"USD"}]`)
	})
	mux.HandleFunc("/v1/api/portfolio/DU222/positions/0", func(w http.ResponseWriter, r *http.Request) {
		write(w, `[{"conid":111,"ticker":"AAPL","contractDesc":"AAPL JAN2025 150 C","assetClass":"OPT","position":-2,"avgCost":312.4,
			"expiry":"20250117","strike":"150","putOrCall":"C","multiplier":"100"}]`)
	})
	mux.HandleFunc("/v1/api/portfolio/DU222/summary", func(w http.ResponseWriter, r *http.Request) {
		write(w, `{"totalcashvalue":{"amount":1000.5,"currency":"USD","isNull":false},
			"netliquidation":{"amount":5000,"currency":"USD","isNull":false},
			"buyingpower":{"amount":0,"currency":"USD","isNull":true},
			"availablefunds":{"amount":800,"currency":"USD","isNull":false}}`)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		// Unknown pages of positions are empty; everything else is a 404.
		if strings.Contains(r.URL.Path, "/positions/") {
			write(w, `[]`)
			return
		}
		w.WriteHeader(http.StatusNotFound)
		write(w, `{"error":"no route"}`)
	})
	return mux
}

func newCPAPITest(t *testing.T, g *fakeGateway, confirm bool) *CPAPIClient {
	t.Helper()
	srv := httptest.NewServer(g.handler())
	t.Cleanup(srv.Close)

	c, err := NewCPAPIClient(CPAPIConfig{
		BaseURL:         srv.URL + "/v1/api",
		ConfirmWarnings: confirm,
		PollInterval:    5 * time.Millisecond,
	}, nopLogger())
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background(), ConnectParams{ClientID: 19}))
	return c
}

func TestCPAPIConnect(t *testing.T) {
	c := newCPAPITest(t, &fakeGateway{}, true)

	assert.True(t, c.IsConnected())
	accounts, err := c.ManagedAccounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"DU111", "DU222"}, accounts)
	assert.Equal(t, "DU222", c.account())

	require.NoError(t, c.SetMarketDataType(context.Background(), domain.MarketDataDelayedFrozen))
	assert.NoError(t, c.Keepalive(context.Background()))

	require.NoError(t, c.Disconnect())
	assert.False(t, c.IsConnected())
}

func TestCPAPIConnectCompeting(t *testing.T) {
	g := &fakeGateway{competing: true}
	srv := httptest.NewServer(g.handler())
	defer srv.Close()

	c, err := NewCPAPIClient(CPAPIConfig{BaseURL: srv.URL + "/v1/api"}, nopLogger())
	require.NoError(t, err)

	err = c.Connect(context.Background(), ConnectParams{ClientID: 19})
	assert.ErrorIs(t, err, domain.ErrConnection)
	assert.Contains(t, err.Error(), "client id 19 already in use")
	g.mu.Lock()
	assert.Equal(t, 1, g.authCalls, "a competing session must not be retried")
	g.mu.Unlock()
	assert.False(t, c.IsConnected())
}

func TestCPAPIContractDetails(t *testing.T) {
	c := newCPAPITest(t, &fakeGateway{}, true)
	ctx := context.Background()

	details, err := c.ContractDetails(ctx, domain.Contract{SecType: domain.SecTypeStock, Symbol: "AAPL", Exchange: "SMART", Currency: "USD"})
	require.NoError(t, err)
	require.Len(t, details, 1)
	assert.Equal(t, int64(265598), details[0].Contract.ConID)
	assert.Equal(t, "APPLE INC", details[0].LongName)

	none, err := c.ContractDetails(ctx, domain.Contract{SecType: domain.SecTypeStock, Symbol: "ZZZZ"})
	require.NoError(t, err)
	assert.Empty(t, none)

	opt, err := c.ContractDetails(ctx, domain.Contract{
		SecType: domain.SecTypeOption, Symbol: "AAPL", Expiry: "20250117", Strike: 150, Right: domain.RightCall,
	})
	require.NoError(t, err)
	require.Len(t, opt, 1)
	assert.Equal(t, int64(112), opt[0].Contract.ConID)
	assert.Equal(t, "100", opt[0].Contract.Multiplier)
}

func TestCPAPISecDefOptParams(t *testing.T) {
	c := newCPAPITest(t, &fakeGateway{}, true)

	params, err := c.SecDefOptParams(context.Background(), domain.Contract{ConID: 265598, Symbol: "AAPL", SecType: domain.SecTypeStock})
	require.NoError(t, err)
	require.Len(t, params, 2)

	assert.Equal(t, []string{"20250103", "20250110", "20250117"}, params[0].Expirations,
		"expirations are collected across the strike range")
	assert.Equal(t, []float64{145, 150, 155, 160}, params[0].Strikes)
	assert.Equal(t, "100", params[0].Multiplier)
	assert.Equal(t, "AAPL", params[0].TradingClass)

	assert.Equal(t, []string{"20250221"}, params[1].Expirations)
}

func TestCPAPIMarketData(t *testing.T) {
	g := &fakeGateway{}
	c := newCPAPITest(t, g, true)

	ct := domain.Contract{ConID: 112, SecType: domain.SecTypeOption, Symbol: "AAPL", Expiry: "20250117", Strike: 150, Right: domain.RightCall}
	tk, err := c.ReqMktData(context.Background(), ct, genericTickGreeks)
	require.NoError(t, err)

	select {
	case <-tk.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("snapshot never populated")
	}
	c.CancelMktData(tk)
	c.CancelMktData(tk)

	snap := tk.Snapshot()
	assert.Equal(t, 150.0, snap.Last)
	assert.Equal(t, 149.9, snap.Bid)
	assert.Equal(t, 150.1, snap.Ask)
	assert.InDelta(t, 1.2e6, snap.Volume, 1e-6)
	assert.Equal(t, 1234.0, snap.OpenInterest)
	require.NotNil(t, snap.Greeks)
	assert.InDelta(t, 0.25, snap.Greeks.ImpliedVol, 1e-9)
	assert.Equal(t, 0.512, snap.Greeks.Delta)
	assert.Equal(t, -0.08, snap.Greeks.Theta)

	assert.Eventually(t, func() bool {
		g.mu.Lock()
		defer g.mu.Unlock()
		return g.unsubscribe == 1
	}, time.Second, 5*time.Millisecond)
}

func TestCPAPISharedSnapshotPoller(t *testing.T) {
	g := &fakeGateway{}
	c := newCPAPITest(t, g, true)

	var tickers []*Ticker
	for _, id := range []int64{111, 112, 121} {
		ct := domain.Contract{ConID: id, SecType: domain.SecTypeOption, Symbol: "AAPL"}
		tk, err := c.ReqMktData(context.Background(), ct, genericTickGreeks)
		require.NoError(t, err)
		tickers = append(tickers, tk)
	}
	// A second subscriber to a conid shares its stream.
	dup, err := c.ReqMktData(context.Background(), tickers[0].Contract, "")
	require.NoError(t, err)

	for _, tk := range append(tickers, dup) {
		select {
		case <-tk.Ready():
		case <-time.After(2 * time.Second):
			t.Fatalf("conid %d never populated", tk.Contract.ConID)
		}
	}

	// Ready tickers are no longer polled.
	g.mu.Lock()
	polled := g.snapshots
	g.mu.Unlock()
	time.Sleep(50 * time.Millisecond)
	g.mu.Lock()
	assert.Equal(t, polled, g.snapshots)
	assert.Equal(t, 3, g.maxConIDs)
	g.mu.Unlock()

	// conid 111 is still held by the second subscriber.
	c.CancelMktData(tickers...)
	assert.Eventually(t, func() bool {
		g.mu.Lock()
		defer g.mu.Unlock()
		return g.unsubscribe == 2
	}, time.Second, 5*time.Millisecond)

	c.CancelMktData(dup)
	assert.Eventually(t, func() bool {
		g.mu.Lock()
		defer g.mu.Unlock()
		return g.unsubscribe == 3
	}, time.Second, 5*time.Millisecond)
}

func TestCPAPIContractLookupsAreShared(t *testing.T) {
	g := &fakeGateway{}
	c := newCPAPITest(t, g, true)

	opt := domain.Contract{SecType: domain.SecTypeOption, Symbol: "AAPL", Expiry: "20250117", Strike: 150, Right: domain.RightCall}
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			details, err := c.ContractDetails(context.Background(), opt)
			assert.NoError(t, err)
			assert.Len(t, details, 1)
		}()
	}
	wg.Wait()

	g.mu.Lock()
	defer g.mu.Unlock()
	assert.Equal(t, 1, g.searches)
	assert.Equal(t, 1, g.infos)
}

func TestParseCPNumber(t *testing.T) {
	tests := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"150.25", 150.25, true},
		{"C150.25", 150.25, true},
		{"H12.5", 12.5, true},
		{"1,234", 1234, true},
		{"1.5K", 1500, true},
		{"2M", 2e6, true},
		{"31.2%", 31.2, true},
		{"-0.08", -0.08, true},
		{"", 0, false},
		{"N/A", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseCPNumber(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.InDelta(t, tt.want, got, 1e-9, tt.in)
	}
}

func TestCPAPIPlaceOrder(t *testing.T) {
	g := &fakeGateway{}
	c := newCPAPITest(t, g, true)
	limit := 150.5

	trade, err := c.PlaceOrder(context.Background(),
		domain.Contract{ConID: 265598, SecType: domain.SecTypeStock, Symbol: "AAPL"},
		domain.Order{Action: domain.SideBuy, TotalQuantity: 10, OrderType: domain.OrderTypeLimit, LmtPrice: &limit, TIF: domain.TIFGTC})
	require.NoError(t, err)
	assert.Equal(t, int64(987), trade.OrderID)
	assert.Equal(t, "Submitted", trade.Status())

	g.mu.Lock()
	defer g.mu.Unlock()
	require.Len(t, g.orderBodies, 1)
	order := g.orderBodies[0]["orders"].([]any)[0].(map[string]any)
	assert.Equal(t, "LMT", order["orderType"])
	assert.Equal(t, 150.5, order["price"])
	assert.Equal(t, "GTC", order["tif"])
	assert.Equal(t, "DU222", order["acctId"])
	assert.NotEmpty(t, order["cOID"])
	assert.NotContains(t, order, "auxPrice")
}

func TestCPAPIPlaceOrderConfirmsWarnings(t *testing.T) {
	g := &fakeGateway{prompt: true}
	c := newCPAPITest(t, g, true)
	stop := 140.0

	trade, err := c.PlaceOrder(context.Background(),
		domain.Contract{ConID: 265598, SecType: domain.SecTypeStock, Symbol: "AAPL"},
		domain.Order{Action: domain.SideSell, TotalQuantity: 5, OrderType: domain.OrderTypeStop, AuxPrice: &stop})
	require.NoError(t, err)
	assert.Equal(t, int64(988), trade.OrderID)
	assert.Equal(t, "PreSubmitted", trade.Status())

	g.mu.Lock()
	defer g.mu.Unlock()
	assert.Equal(t, 1, g.replies)
}

func TestCPAPIPlaceOrderUnconfirmedWarning(t *testing.T) {
	g := &fakeGateway{prompt: true}
	c := newCPAPITest(t, g, false)

	_, err := c.PlaceOrder(context.Background(),
		domain.Contract{ConID: 265598, SecType: domain.SecTypeStock, Symbol: "AAPL"},
		domain.Order{Action: domain.SideBuy, TotalQuantity: 1, OrderType: domain.OrderTypeMarket})
	assert.ErrorIs(t, err, domain.ErrUpstream)
	assert.Contains(t, err.Error(), "price cap")

	g.mu.Lock()
	defer g.mu.Unlock()
	assert.Zero(t, g.replies)
}

func TestCPAPIPositions(t *testing.T) {
	c := newCPAPITest(t, &fakeGateway{}, true)

	rows, err := c.Positions(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, "DU111", rows[0].Account)
	assert.Equal(t, domain.SecTypeStock, rows[0].Contract.SecType)
	assert.Equal(t, 100.0, rows[0].Quantity)

	opt := rows[1]
	assert.Equal(t, domain.SecTypeOption, opt.Contract.SecType)
	assert.Equal(t, "20250117", opt.Contract.Expiry)
	assert.Equal(t, 150.0, opt.Contract.Strike)
	assert.Equal(t, domain.RightCall, opt.Contract.Right)
	assert.Equal(t, -2.0, opt.Quantity)
}

func TestCPAPIAccountValues(t *testing.T) {
	c := newCPAPITest(t, &fakeGateway{}, true)

	rows, err := c.AccountValues(context.Background())
	require.NoError(t, err)

	got := make(map[string]string)
	for _, r := range rows {
		assert.Equal(t, "DU222", r.Account)
		got[r.Tag] = r.Value
	}
	assert.Equal(t, map[string]string{
		domain.TagTotalCashValue: "1000.5",
		domain.TagNetLiquidation: "5000",
	}, got)
}

func TestCPAPIUpstreamError(t *testing.T) {
	c := newCPAPITest(t, &fakeGateway{}, true)

	_, err := c.do(context.Background(), http.MethodGet, "/iserver/unknown", nil)
	assert.ErrorIs(t, err, domain.ErrUpstream)
	assert.Contains(t, err.Error(), "no route")
}
