package broker

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"ibbroker/internal/domain"
)

// cpMonth converts a YYYYMMDD expiry into the gateway's month code (JAN25).
func cpMonth(compact string) (string, error) {
	t, err := time.Parse("20060102", compact)
	if err != nil {
		return "", domain.Errorf(domain.ErrValidation, "invalid expiry %q", compact)
	}
	return strings.ToUpper(t.Format("Jan06")), nil
}

// lookupTTL bounds how long resolved contract lookups are reused.
const lookupTTL = 10 * time.Minute

// lookupCache keeps non-empty lookup results for a fixed time.
type lookupCache[V any] struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]lookupEntry[V]
}

type lookupEntry[V any] struct {
	val V
	at  time.Time
}

func newLookupCache[V any](ttl time.Duration) *lookupCache[V] {
	return &lookupCache[V]{ttl: ttl, entries: make(map[string]lookupEntry[V])}
}

func (lc *lookupCache[V]) get(key string) (V, bool) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	e, ok := lc.entries[key]
	if !ok || time.Since(e.at) > lc.ttl {
		var zero V
		return zero, false
	}
	return e.val, true
}

func (lc *lookupCache[V]) put(key string, v V) {
	lc.mu.Lock()
	lc.entries[key] = lookupEntry[V]{val: v, at: time.Now()}
	lc.mu.Unlock()
}

// searchHit is one /iserver/secdef/search result.
type searchHit struct {
	conID    int64
	symbol   string
	name     string
	exchange string
	months   []string // option months, when the underlying lists options
}

func (c *CPAPIClient) search(ctx context.Context, symbol string) ([]searchHit, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("secType", "STK")
	body, err := c.do(ctx, http.MethodGet, "/iserver/secdef/search?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var hits []searchHit
	for _, r := range gjson.ParseBytes(body).Array() {
		conID, err := strconv.ParseInt(r.Get("conid").String(), 10, 64)
		if err != nil || conID <= 0 {
			continue
		}
		if !strings.EqualFold(r.Get("symbol").String(), symbol) {
			continue
		}
		hit := searchHit{
			conID:    conID,
			symbol:   strings.ToUpper(r.Get("symbol").String()),
			name:     r.Get("companyName").String(),
			exchange: r.Get("description").String(),
		}
		for _, s := range r.Get("sections").Array() {
			if s.Get("secType").String() != string(domain.SecTypeOption) {
				continue
			}
			for _, m := range strings.Split(s.Get("months").String(), ";") {
				if m = strings.TrimSpace(m); m != "" {
					hit.months = append(hit.months, m)
				}
			}
		}
		hits = append(hits, hit)
	}
	if len(hits) > 0 {
		c.searches.put(strings.ToUpper(symbol), hits)
	}
	return hits, nil
}

// cachedSearch is search for callers that only need conids. Concurrent
// lookups of one symbol share a single request.
func (c *CPAPIClient) cachedSearch(ctx context.Context, symbol string) ([]searchHit, error) {
	key := strings.ToUpper(symbol)
	if hits, ok := c.searches.get(key); ok {
		return hits, nil
	}
	v, err, _ := c.lookups.Do("search:"+key, func() (any, error) {
		return c.search(ctx, symbol)
	})
	if err != nil {
		return nil, err
	}
	return v.([]searchHit), nil
}

// cachedOptionInfo is optionInfo shared by concurrent callers.
func (c *CPAPIClient) cachedOptionInfo(ctx context.Context, underlying int64, month string, strike float64, right domain.Right) ([]domain.Contract, error) {
	key := fmt.Sprintf("%d|%s|%s|%s", underlying, month, strconv.FormatFloat(strike, 'f', -1, 64), right)
	if infos, ok := c.infos.get(key); ok {
		return infos, nil
	}
	v, err, _ := c.lookups.Do("info:"+key, func() (any, error) {
		infos, err := c.optionInfo(ctx, underlying, month, strike, right)
		if err == nil && len(infos) > 0 {
			c.infos.put(key, infos)
		}
		return infos, err
	})
	if err != nil {
		return nil, err
	}
	return v.([]domain.Contract), nil
}

// ContractDetails resolves equities through symbol search and options
// through the option definition lookup of their underlying.
func (c *CPAPIClient) ContractDetails(ctx context.Context, ct domain.Contract) ([]domain.ContractDetails, error) {
	if err := c.requireConnected(); err != nil {
		return nil, err
	}
	hits, err := c.cachedSearch(ctx, ct.Symbol)
	if err != nil {
		return nil, err
	}

	if ct.SecType != domain.SecTypeOption {
		out := make([]domain.ContractDetails, 0, len(hits))
		for _, h := range hits {
			resolved := ct
			resolved.ConID = h.conID
			resolved.SecType = domain.SecTypeStock
			out = append(out, domain.ContractDetails{
				Contract:  resolved,
				LongName:  h.name,
				ValidExch: h.exchange,
			})
		}
		return out, nil
	}

	if len(hits) == 0 {
		return nil, nil
	}
	month, err := cpMonth(ct.Expiry)
	if err != nil {
		return nil, err
	}
	infos, err := c.cachedOptionInfo(ctx, hits[0].conID, month, ct.Strike, ct.Right)
	if err != nil {
		return nil, err
	}

	var out []domain.ContractDetails
	for _, info := range infos {
		if info.Expiry != ct.Expiry {
			continue
		}
		if ct.Right != "" && info.Right != ct.Right {
			continue
		}
		if ct.TradingClass != "" && info.TradingClass != ct.TradingClass {
			continue
		}
		resolved := ct
		resolved.ConID = info.ConID
		resolved.Multiplier = info.Multiplier
		resolved.TradingClass = info.TradingClass
		out = append(out, domain.ContractDetails{Contract: resolved, ValidExch: info.Exchange})
	}
	return out, nil
}

func (c *CPAPIClient) optionInfo(ctx context.Context, underlying int64, month string, strike float64, right domain.Right) ([]domain.Contract, error) {
	q := url.Values{}
	q.Set("conid", strconv.FormatInt(underlying, 10))
	q.Set("sectype", string(domain.SecTypeOption))
	q.Set("month", month)
	q.Set("strike", strconv.FormatFloat(strike, 'f', -1, 64))
	q.Set("right", string(right))
	body, err := c.do(ctx, http.MethodGet, "/iserver/secdef/info?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var out []domain.Contract
	for _, r := range gjson.ParseBytes(body).Array() {
		out = append(out, domain.Contract{
			ConID:        r.Get("conid").Int(),
			SecType:      domain.SecTypeOption,
			Symbol:       r.Get("symbol").String(),
			Exchange:     r.Get("exchange").String(),
			Expiry:       r.Get("maturityDate").String(),
			Strike:       r.Get("strike").Float(),
			Right:        domain.Right(r.Get("right").String()),
			Multiplier:   r.Get("multiplier").String(),
			TradingClass: r.Get("tradingClass").String(),
		})
	}
	return out, nil
}

// SecDefOptParams builds one parameter set per listed option month: the
// month's strikes plus the union of the expirations listed at its lowest,
// middle and highest strikes. Months are fetched concurrently.
func (c *CPAPIClient) SecDefOptParams(ctx context.Context, underlying domain.Contract) ([]domain.OptionParams, error) {
	if err := c.requireConnected(); err != nil {
		return nil, err
	}
	hits, err := c.search(ctx, underlying.Symbol)
	if err != nil {
		return nil, err
	}

	var months []string
	for _, h := range hits {
		if h.conID == underlying.ConID || underlying.ConID == 0 {
			months = h.months
			break
		}
	}
	if len(months) == 0 {
		return nil, nil
	}

	var (
		mu  sync.Mutex
		out []domain.OptionParams
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, month := range months {
		month := month
		g.Go(func() error {
			p, ok, err := c.monthParams(gctx, underlying.ConID, month)
			if err != nil || !ok {
				return err
			}
			mu.Lock()
			out = append(out, p)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		return firstOr(out[i].Expirations) < firstOr(out[j].Expirations)
	})
	return out, nil
}

func (c *CPAPIClient) monthParams(ctx context.Context, conID int64, month string) (domain.OptionParams, bool, error) {
	q := url.Values{}
	q.Set("conid", strconv.FormatInt(conID, 10))
	q.Set("sectype", string(domain.SecTypeOption))
	q.Set("month", month)
	body, err := c.do(ctx, http.MethodGet, "/iserver/secdef/strikes?"+q.Encode(), nil)
	if err != nil {
		return domain.OptionParams{}, false, fmt.Errorf("strikes for %s: %w", month, err)
	}

	seen := make(map[float64]struct{})
	var strikes []float64
	for _, side := range []string{"call", "put"} {
		for _, s := range gjson.GetBytes(body, side).Array() {
			k := s.Float()
			if _, dup := seen[k]; dup || k <= 0 {
				continue
			}
			seen[k] = struct{}{}
			strikes = append(strikes, k)
		}
	}
	if len(strikes) == 0 {
		return domain.OptionParams{}, false, nil
	}
	sort.Float64s(strikes)

	// Weeklies list fewer strikes than the monthly, so one strike can miss
	// expirations of the month.
	p := domain.OptionParams{Exchange: "SMART", Strikes: strikes}
	expirySeen := make(map[string]struct{})
	for _, k := range sampleStrikes(strikes) {
		infos, err := c.cachedOptionInfo(ctx, conID, month, k, domain.RightCall)
		if err != nil {
			return domain.OptionParams{}, false, fmt.Errorf("expirations for %s: %w", month, err)
		}
		for _, info := range infos {
			if p.TradingClass == "" {
				p.TradingClass = info.TradingClass
				p.Multiplier = info.Multiplier
			}
			if _, dup := expirySeen[info.Expiry]; dup || info.Expiry == "" {
				continue
			}
			expirySeen[info.Expiry] = struct{}{}
			p.Expirations = append(p.Expirations, info.Expiry)
		}
	}
	sort.Strings(p.Expirations)
	return p, len(p.Expirations) > 0, nil
}

// sampleStrikes returns the lowest, middle and highest of the sorted strikes
// without repeats.
func sampleStrikes(strikes []float64) []float64 {
	out := []float64{strikes[len(strikes)/2]}
	for _, k := range []float64{strikes[0], strikes[len(strikes)-1]} {
		if k != out[0] && (len(out) == 1 || k != out[1]) {
			out = append(out, k)
		}
	}
	return out
}

func firstOr(s []string) string {
	if len(s) == 0 {
		return ""
	}
	return s[0]
}
