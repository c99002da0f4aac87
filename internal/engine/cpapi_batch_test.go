package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ibbroker/internal/broker"
	"ibbroker/internal/domain"
)

// portalGateway emulates the Client Portal endpoints an option batch needs.
// A conid's first snapshot request only opens its stream.
type portalGateway struct {
	mu          sync.Mutex
	seen        map[string]int
	snapshots   int
	searches    int
	infos       int
	unsubscribe int
}

func (g *portalGateway) handler() http.Handler {
	mux := http.NewServeMux()
	write := func(w http.ResponseWriter, body string) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, body)
	}

	mux.HandleFunc("/v1/api/iserver/auth/status", func(w http.ResponseWriter, r *http.Request) {
		write(w, `{"authenticated":true,"competing":false,"connected":true}`)
	})
	mux.HandleFunc("/v1/api/iserver/accounts", func(w http.ResponseWriter, r *http.Request) {
		write(w, `{"accounts":["DU1"],"selectedAccount":"DU1"}`)
	})
	mux.HandleFunc("/v1/api/portfolio/accounts", func(w http.ResponseWriter, r *http.Request) {
		write(w, `[{"id":"DU1"}]`)
	})
	mux.HandleFunc("/v1/api/iserver/secdef/search", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		g.searches++
		g.mu.Unlock()
		write(w, `[{"conid":"265598","symbol":"AAPL","companyName":"APPLE INC",
			"sections":[{"secType":"OPT","months":"JAN25"}]}]`)
	})
	mux.HandleFunc("/v1/api/iserver/secdef/info", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		g.infos++
		g.mu.Unlock()
		q := r.URL.Query()
		strike, _ := strconv.ParseFloat(q.Get("strike"), 64)
		conid := int64(strike) * 10
		if q.Get("right") == "P" {
			conid++
		}
		write(w, fmt.Sprintf(`[{"conid":%d,"symbol":"AAPL","strike":%s,"right":%q,"maturityDate":"20250117","multiplier":"100","tradingClass":"AAPL"}]`,
			conid, q.Get("strike"), q.Get("right")))
	})
	mux.HandleFunc("/v1/api/iserver/marketdata/snapshot", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		g.snapshots++
		var rows []string
		for _, id := range strings.Split(r.URL.Query().Get("conids"), ",") {
			g.seen[id]++
			if g.seen[id] == 1 {
				rows = append(rows, `{"conid":`+id+`}`)
				continue
			}
			rows = append(rows, `{"conid":`+id+`,"31":"2.20","84":"2.10","86":"2.30","7308":"0.5","7633":"30%"}`)
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
	return mux
}

func newPortalEngine(t *testing.T, g *portalGateway) *Engine {
	t.Helper()
	srv := httptest.NewServer(g.handler())
	t.Cleanup(srv.Close)

	// Stock pacing and poll interval of the service.
	client, err := broker.NewCPAPIClient(broker.CPAPIConfig{
		BaseURL:        srv.URL + "/v1/api",
		RequestsPerMin: 600,
	}, zerolog.Nop())
	require.NoError(t, err)

	session := broker.NewSession(client, broker.SessionConfig{
		Params:         broker.ConnectParams{Host: "127.0.0.1", Port: 5000, ClientID: 19},
		MarketDataType: domain.MarketDataDelayed,
		ConnectTimeout: 5 * time.Second,
	}, zerolog.Nop())
	t.Cleanup(func() { _ = session.Close() })

	return New(session, Config{Waits: DefaultWaits(), Workers: 8}, zerolog.Nop())
}

func TestOptionQuotesBatchOverClientPortal(t *testing.T) {
	g := &portalGateway{seen: make(map[string]int)}
	e := newPortalEngine(t, g)

	var reqs []OptionContractRequest
	for k := 100; k < 175; k += 5 {
		for _, right := range []string{"C", "P"} {
			reqs = append(reqs, OptionContractRequest{Symbol: "AAPL", Expiry: "2025-01-17", Strike: float64(k), Right: right})
		}
	}
	require.Len(t, reqs, 30)

	start := time.Now()
	quotes, err := e.OptionQuotes(context.Background(), reqs)
	elapsed := time.Since(start)
	require.NoError(t, err)
	require.Len(t, quotes, 30)

	for _, q := range quotes {
		require.NotNil(t, q.Bid, "strike %g %s", q.Strike, q.Right)
		assert.Equal(t, 2.1, *q.Bid)
		require.NotNil(t, q.Delta)
	}

	// 31 paced lookups plus one shared settle wait.
	assert.Less(t, elapsed, 8*time.Second)

	g.mu.Lock()
	assert.Equal(t, 1, g.searches, "concurrent lookups share one symbol search")
	assert.Equal(t, 30, g.infos)
	assert.Less(t, g.snapshots, 40, "one snapshot request serves the whole batch")
	g.mu.Unlock()

	assert.Eventually(t, func() bool {
		g.mu.Lock()
		defer g.mu.Unlock()
		return g.unsubscribe == 30
	}, 5*time.Second, 20*time.Millisecond)
}

func TestOptionQuotesReusesContractLookups(t *testing.T) {
	g := &portalGateway{seen: make(map[string]int)}
	e := newPortalEngine(t, g)

	req := []OptionContractRequest{{Symbol: "AAPL", Expiry: "2025-01-17", Strike: 150, Right: "C"}}
	for i := 0; i < 2; i++ {
		quotes, err := e.OptionQuotes(context.Background(), req)
		require.NoError(t, err)
		require.NotNil(t, quotes[0].Bid)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	assert.Equal(t, 1, g.searches)
	assert.Equal(t, 1, g.infos)
}
