package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ibbroker/internal/broker"
	"ibbroker/internal/domain"
	"ibbroker/internal/engine"
)

// stubBroker lets a test script individual engine results.
type stubBroker struct {
	connected    bool
	quote        func(engine.QuoteRequest) (domain.Quote, error)
	chain        func(engine.OptionChainRequest) ([]domain.OptionChainItem, error)
	optionQuotes func([]engine.OptionContractRequest) ([]domain.OptionQuote, error)
	placeOrder   func(engine.PlaceOrderInput) (domain.OrderResult, error)
	positions    func() ([]domain.Position, error)
	account      func() (domain.AccountSummary, error)
}

func (b *stubBroker) Connected() bool { return b.connected }

func (b *stubBroker) Quote(_ context.Context, req engine.QuoteRequest) (domain.Quote, error) {
	return b.quote(req)
}

func (b *stubBroker) OptionChain(_ context.Context, req engine.OptionChainRequest) ([]domain.OptionChainItem, error) {
	return b.chain(req)
}

func (b *stubBroker) OptionQuotes(_ context.Context, reqs []engine.OptionContractRequest) ([]domain.OptionQuote, error) {
	return b.optionQuotes(reqs)
}

func (b *stubBroker) PlaceOrder(_ context.Context, in engine.PlaceOrderInput) (domain.OrderResult, error) {
	return b.placeOrder(in)
}

func (b *stubBroker) Positions(_ context.Context) ([]domain.Position, error) {
	return b.positions()
}

func (b *stubBroker) Account(_ context.Context) (domain.AccountSummary, error) {
	return b.account()
}

func newTestServer(b Broker) *httptest.Server {
	srv := NewServer(Config{Addr: "127.0.0.1:0"}, b, zerolog.Nop())
	return httptest.NewServer(srv.Handler())
}

// newSimServer wires a real engine over a simulator.
func newSimServer(t *testing.T, sim *broker.Simulator) *httptest.Server {
	t.Helper()
	session := broker.NewSession(sim, broker.SessionConfig{
		Params:         broker.ConnectParams{Host: "127.0.0.1", Port: 7497, ClientID: 19},
		MarketDataType: domain.MarketDataDelayed,
	}, zerolog.Nop())
	t.Cleanup(func() { _ = session.Close() })

	eng := engine.New(session, engine.Config{Waits: engine.Waits{
		Quote:       time.Second,
		OptionBatch: 200 * time.Millisecond,
		OrderAck:    time.Second,
		Positions:   time.Second,
	}}, zerolog.Nop())

	ts := newTestServer(eng)
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func errorMessage(t *testing.T, body []byte) string {
	t.Helper()
	var e ErrorJSON
	require.NoError(t, json.Unmarshal(body, &e))
	return e.Error
}

// ---------------------------------------------------------------------------
// End to end over the simulator
// ---------------------------------------------------------------------------

func TestHealthDoesNotConnect(t *testing.T) {
	sim := broker.NewSimulator()
	ts := newSimServer(t, sim)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"service":"IBKR Broker Service","version":"1.0.0","connected":false}`, string(body))
	assert.Equal(t, int64(0), sim.Connects())
}

func TestQuoteEndpoint(t *testing.T) {
	sim := broker.NewSimulator()
	sim.SetQuote(domain.Contract{SecType: domain.SecTypeStock, Symbol: "AAPL"},
		domain.TickSnapshot{Last: 150.0, Bid: 149.9, Ask: 150.1})
	ts := newSimServer(t, sim)

	before := time.Now().UnixMilli()
	resp, body := doJSON(t, http.MethodPost, ts.URL+"/quote", `{"symbol":"AAPL"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var q domain.Quote
	require.NoError(t, json.Unmarshal(body, &q))
	assert.Equal(t, "AAPL", q.Symbol)
	require.NotNil(t, q.Last)
	assert.Equal(t, 150.0, *q.Last)
	assert.Equal(t, 149.9, *q.Bid)
	assert.Equal(t, 150.1, *q.Ask)
	assert.GreaterOrEqual(t, q.Timestamp, before)

	// Health now reports the shared connection.
	_, body = doJSON(t, http.MethodGet, ts.URL+"/", "")
	assert.Contains(t, string(body), `"connected":true`)
}

func TestQuoteEndpointNullPrices(t *testing.T) {
	sim := broker.NewSimulator()
	sim.SetQuote(domain.Contract{SecType: domain.SecTypeStock, Symbol: "XYZ"},
		domain.TickSnapshot{Last: 0, Bid: -1, Ask: 3})
	ts := newSimServer(t, sim)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/quote", `{"symbol":"XYZ"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(body, &raw))
	assert.Nil(t, raw["last"])
	assert.Nil(t, raw["bid"])
	assert.Contains(t, raw, "last", "absent prices are serialized as null")
	assert.Equal(t, 3.0, raw["ask"])
}

func TestOptionChainEndpoint(t *testing.T) {
	sim := broker.NewSimulator()
	sim.AddUnderlying("SPY", 756733, domain.OptionParams{
		Exchange: "SMART", TradingClass: "SPY", Multiplier: "100",
		Expirations: []string{"20250117", "20250221"},
		Strikes:     []float64{500, 510},
	})
	ts := newSimServer(t, sim)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/optionChain", `{"symbol":"SPY","right":"C"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var items []domain.OptionChainItem
	require.NoError(t, json.Unmarshal(body, &items))
	require.Len(t, items, 4)
	assert.Equal(t, domain.OptionChainItem{
		Symbol: "SPY", Expiry: "2025-01-17", Strike: 500, Right: "C", Multiplier: 100, Exchange: "SMART",
	}, items[0])

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/optionChain", `{"symbol":"NOPE"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Underlying NOPE not found", errorMessage(t, body))
}

func TestOptionQuotesEndpoint(t *testing.T) {
	sim := broker.NewSimulator()
	sim.SetQuote(domain.Contract{
		SecType: domain.SecTypeOption, Symbol: "AAPL", Expiry: "20250117", Strike: 190, Right: domain.RightCall,
	}, domain.TickSnapshot{Bid: 2, Ask: 2.2, Last: 2.1, OpenInterest: 900, Greeks: &domain.Greeks{Delta: 0.5, ImpliedVol: 0.3}})
	ts := newSimServer(t, sim)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/options/quotes",
		`{"contracts":[{"symbol":"AAPL","expiry":"2025-01-17","strike":190,"right":"C"}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var quotes []domain.OptionQuote
	require.NoError(t, json.Unmarshal(body, &quotes))
	require.Len(t, quotes, 1)
	require.NotNil(t, quotes[0].Mid)
	assert.InDelta(t, 2.1, *quotes[0].Mid, 1e-9)
	require.NotNil(t, quotes[0].OpenInterest)
	assert.Equal(t, int64(900), *quotes[0].OpenInterest)
	assert.Nil(t, quotes[0].Gamma)

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/options/quotes", `{"contracts":[]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, string(body))

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/options/quotes",
		`{"contracts":[{"symbol":"AAPL","expiry":"17/01/2025","strike":190,"right":"C"}]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPlaceOrderEndpoint(t *testing.T) {
	sim := broker.NewSimulator()
	ts := newSimServer(t, sim)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/placeOrder",
		`{"symbol":"AAPL","quantity":10,"side":"buy","orderType":"LMT","limitPrice":189.5}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var res domain.OrderResult
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, int64(1), res.OrderID)
	assert.NotEmpty(t, res.Status)
}

func TestPlaceOrderEndpointValidation(t *testing.T) {
	sim := broker.NewSimulator()
	ts := newSimServer(t, sim)

	tests := []struct {
		name string
		body string
		msg  string
	}{
		{"lmt without price", `{"symbol":"AAPL","quantity":1,"side":"BUY","orderType":"LMT"}`, "limitPrice required for LMT"},
		{"opt without option", `{"symbol":"AAPL","assetType":"OPT","quantity":1,"side":"BUY","orderType":"MKT"}`, "Option details required for OPT"},
		{"bad side", `{"symbol":"AAPL","quantity":1,"side":"SHORT","orderType":"MKT"}`, "Invalid side: SHORT"},
		{"bad type", `{"symbol":"AAPL","quantity":1,"side":"BUY","orderType":"MOC"}`, "Unsupported orderType: MOC"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := doJSON(t, http.MethodPost, ts.URL+"/placeOrder", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, tt.msg, errorMessage(t, body))
		})
	}
	assert.Empty(t, sim.Trades())
}

func TestPositionsAndAccountEndpoints(t *testing.T) {
	sim := broker.NewSimulator()
	sim.SetPositions(domain.RawPosition{
		Account: "DU1",
		Contract: domain.Contract{
			SecType: domain.SecTypeOption, Symbol: "SPY", Expiry: "20250117", Strike: 500, Right: domain.RightPut,
		},
		Quantity: -2, AvgCost: 312.4,
	})
	sim.SetAccountValues(
		domain.AccountValue{Tag: domain.TagTotalCashValue, Value: "1000", Account: "acct1"},
		domain.AccountValue{Tag: domain.TagNetLiquidation, Value: "5000", Account: "acct1"},
	)
	ts := newSimServer(t, sim)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/positions", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.JSONEq(t, `[{"symbol":"SPY","assetType":"OPT","quantity":-2,"avgPrice":312.4,
		"marketPrice":null,"unrealizedPnl":null,"expiry":"2025-01-17","strike":500,"right":"P"}]`, string(body))

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/account", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.JSONEq(t, `{"accountId":"acct1","cash":1000,"equity":5000,"buyingPower":null,"excessLiquidity":null}`, string(body))
}

func TestAccountEndpointNoData(t *testing.T) {
	ts := newSimServer(t, broker.NewSimulator())

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/account", "")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "No account data available", errorMessage(t, body))
}

// ---------------------------------------------------------------------------
// Error mapping
// ---------------------------------------------------------------------------

func TestErrorResponse(t *testing.T) {
	tests := []struct {
		name   string
		op     string
		err    error
		status int
		msg    string
	}{
		{"validation", opOrder, domain.Errorf(domain.ErrValidation, "Invalid side: X"), 400, "Invalid side: X"},
		{"rejected", opOrder, domain.Errorf(domain.ErrRejected, "quantity 11 exceeds max_quantity 10"), 403, "quantity 11 exceeds max_quantity 10"},
		{"not found", opOptionChain, domain.Errorf(domain.ErrNotFound, "No option parameters found"), 404, "No option parameters found"},
		{"no data", opAccount, domain.Errorf(domain.ErrNoData, "No account data available"), 500, "No account data available"},
		{"connection", opQuote, domain.Errorf(domain.ErrConnection, "connect to 127.0.0.1:7497 timed out after 10s"), 500, "Quote failed: connect to 127.0.0.1:7497 timed out after 10s"},
		{"unknown", opPositions, errors.New("socket closed"), 500, "Positions failed: socket closed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, msg := errorResponse(tt.op, tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.msg, msg)
		})
	}
}

func TestUpstreamFailureIsPrefixed(t *testing.T) {
	ts := newTestServer(&stubBroker{
		quote: func(engine.QuoteRequest) (domain.Quote, error) {
			return domain.Quote{}, domain.Errorf(domain.ErrUpstream, "market data farm down")
		},
	})
	defer ts.Close()

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/quote", `{"symbol":"AAPL"}`)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "Quote failed: market data farm down", errorMessage(t, body))
}

func TestMalformedBody(t *testing.T) {
	called := false
	ts := newTestServer(&stubBroker{
		placeOrder: func(engine.PlaceOrderInput) (domain.OrderResult, error) {
			called = true
			return domain.OrderResult{}, nil
		},
	})
	defer ts.Close()

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/placeOrder", `{"symbol":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, errorMessage(t, body), "invalid request body")
	assert.False(t, called)
}

func TestRequestMapping(t *testing.T) {
	var got engine.PlaceOrderInput
	ts := newTestServer(&stubBroker{
		placeOrder: func(in engine.PlaceOrderInput) (domain.OrderResult, error) {
			got = in
			return domain.OrderResult{OrderID: 7, Status: "PreSubmitted"}, nil
		},
	})
	defer ts.Close()

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/placeOrder", `{
		"symbol":"AAPL","assetType":"OPT","quantity":2,"side":"SELL","orderType":"STP_LMT",
		"limitPrice":1.5,"stopPrice":1.6,"tif":"GTC","unknown":true,
		"option":{"expiry":"2025-01-17","strike":190,"right":"P","multiplier":100}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"orderId":7,"status":"PreSubmitted"}`, string(body))

	assert.Equal(t, "OPT", got.AssetType)
	require.NotNil(t, got.StopPrice)
	assert.Equal(t, 1.6, *got.StopPrice)
	require.NotNil(t, got.Option)
	assert.Equal(t, engine.OptionLegInput{Expiry: "2025-01-17", Strike: 190, Right: "P", Multiplier: 100}, *got.Option)
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(&stubBroker{})
	defer ts.Close()

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/quote", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://dashboard.local")
	req.Header.Set("Access-Control-Request-Method", "POST")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.NotEmpty(t, resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "POST")
}

func TestServeShutsDownOnCancel(t *testing.T) {
	srv := NewServer(Config{}, &stubBroker{connected: true}, zerolog.Nop())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestAccessLogAtInfoLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.InfoLevel)
	srv := NewServer(Config{}, &stubBroker{connected: true}, logger)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line), buf.String())
	assert.Equal(t, "info", line["level"])
	assert.Equal(t, "HTTP request", line["message"])
	assert.Equal(t, "api", line["component"])
	assert.Equal(t, "GET", line["method"])
	assert.Equal(t, "/", line["path"])
	assert.EqualValues(t, http.StatusOK, line["status"])
	assert.NotEmpty(t, line["request_id"])
}

func TestWriteJSONLogsEncodeFailure(t *testing.T) {
	var buf bytes.Buffer
	srv := NewServer(Config{}, &stubBroker{}, zerolog.New(&buf))

	rec := httptest.NewRecorder()
	srv.writeJSON(rec, http.StatusOK, math.NaN())

	assert.Contains(t, buf.String(), `"component":"api"`)
	assert.Contains(t, buf.String(), "encoding JSON response")
}
