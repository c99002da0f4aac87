package broker

import (
	"context"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"ibbroker/internal/domain"
)

// Client Portal snapshot field ids.
const (
	fieldLast         = "31"
	fieldBid          = "84"
	fieldAsk          = "86"
	fieldVolume       = "7762"
	fieldDelta        = "7308"
	fieldGamma        = "7309"
	fieldTheta        = "7310"
	fieldVega         = "7311"
	fieldImpliedVol   = "7633"
	fieldOpenInterest = "7638"
)

// genericTickGreeks is the generic tick list that adds option Greeks and
// open interest to a subscription.
const genericTickGreeks = "106"

// snapshotBatch caps the conids of one snapshot request.
const snapshotBatch = 100

var (
	priceFields  = []string{fieldLast, fieldBid, fieldAsk, fieldVolume}
	greeksFields = []string{fieldDelta, fieldGamma, fieldTheta, fieldVega, fieldImpliedVol, fieldOpenInterest}
)

func wantsGreeks(t *Ticker) bool {
	return t.Contract.SecType == domain.SecTypeOption || strings.Contains(t.GenericTicks, genericTickGreeks)
}

// ReqMktData registers the contract with the shared snapshot poller. The
// first snapshot that names a conid only opens the gateway's stream, so the
// ticker stays empty until a later poll returns populated fields.
func (c *CPAPIClient) ReqMktData(ctx context.Context, ct domain.Contract, genericTicks string) (*Ticker, error) {
	if err := c.requireConnected(); err != nil {
		return nil, err
	}
	if ct.ConID == 0 {
		details, err := c.ContractDetails(ctx, ct)
		if err != nil {
			return nil, err
		}
		if len(details) == 0 {
			return nil, domain.Errorf(domain.ErrNotFound, "no contract found for %s", ct.Key())
		}
		ct = details[0].Contract
	}

	t := NewTicker(ct, genericTicks)

	c.mdMu.Lock()
	set := c.subs[ct.ConID]
	if set == nil {
		set = make(map[*Ticker]struct{})
		c.subs[ct.ConID] = set
	}
	set[t] = struct{}{}
	start := !c.polling
	c.polling = true
	c.mdMu.Unlock()

	if start {
		go c.pollSnapshots()
	}
	return t, nil
}

// pollSnapshots requests every conid that still has a ticker waiting for its
// first tick in one snapshot call per interval. It exits once nothing is
// subscribed.
func (c *CPAPIClient) pollSnapshots() {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		conIDs, fields, ok := c.pendingConIDs()
		if !ok {
			return
		}
		for len(conIDs) > 0 {
			n := min(len(conIDs), snapshotBatch)
			c.pollBatch(conIDs[:n], fields)
			conIDs = conIDs[n:]
		}
		<-ticker.C
	}
}

// pendingConIDs lists the conids whose tickers are not ready yet, and the
// fields they need. ok is false, and the poller marked stopped, when there
// are no subscriptions left.
func (c *CPAPIClient) pendingConIDs() (conIDs []int64, fields string, ok bool) {
	c.mdMu.Lock()
	defer c.mdMu.Unlock()

	if len(c.subs) == 0 {
		c.polling = false
		return nil, "", false
	}

	greeks := false
	for id, set := range c.subs {
		waiting := false
		for t := range set {
			if t.isReady() {
				continue
			}
			waiting = true
			greeks = greeks || wantsGreeks(t)
		}
		if waiting {
			conIDs = append(conIDs, id)
		}
	}
	sort.Slice(conIDs, func(i, j int) bool { return conIDs[i] < conIDs[j] })

	f := priceFields
	if greeks {
		f = append(append([]string(nil), priceFields...), greeksFields...)
	}
	return conIDs, strings.Join(f, ","), true
}

func (c *CPAPIClient) pollBatch(conIDs []int64, fields string) {
	ids := make([]string, len(conIDs))
	for i, id := range conIDs {
		ids[i] = strconv.FormatInt(id, 10)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
	defer cancel()
	body, err := c.do(ctx, http.MethodGet,
		"/iserver/marketdata/snapshot?conids="+strings.Join(ids, ",")+"&fields="+fields, nil)
	if err != nil {
		c.log.Debug().Err(err).Int("conids", len(conIDs)).Msg("snapshot poll failed")
		return
	}

	for _, row := range gjson.ParseBytes(body).Array() {
		id := row.Get("conid").Int()
		c.mdMu.Lock()
		tickers := make([]*Ticker, 0, len(c.subs[id]))
		for t := range c.subs[id] {
			tickers = append(tickers, t)
		}
		c.mdMu.Unlock()

		for _, t := range tickers {
			applySnapshot(t, row)
		}
	}
}

func applySnapshot(t *Ticker, row gjson.Result) {
	if !row.Exists() {
		return
	}
	get := func(field string) (float64, bool) {
		return parseCPNumber(row.Get(field).String())
	}

	populated := false
	for _, f := range []string{fieldLast, fieldBid, fieldAsk, fieldDelta} {
		if _, ok := get(f); ok {
			populated = true
			break
		}
	}
	if !populated {
		return
	}

	t.Update(func(s *domain.TickSnapshot) {
		if v, ok := get(fieldLast); ok {
			s.Last = v
		}
		if v, ok := get(fieldBid); ok {
			s.Bid = v
		}
		if v, ok := get(fieldAsk); ok {
			s.Ask = v
		}
		if v, ok := get(fieldVolume); ok {
			s.Volume = v
		}
		if v, ok := get(fieldOpenInterest); ok {
			s.OpenInterest = v
		}

		delta, hasDelta := get(fieldDelta)
		iv, hasIV := get(fieldImpliedVol)
		if hasDelta || hasIV {
			g := domain.Greeks{Delta: delta}
			if hasIV {
				g.ImpliedVol = iv / 100 // reported as a percentage
			}
			g.Gamma, _ = get(fieldGamma)
			g.Theta, _ = get(fieldTheta)
			g.Vega, _ = get(fieldVega)
			s.Greeks = &g
		}
	})
}

// parseCPNumber reads a snapshot value. Values may carry a status prefix
// (C for a prior close, H for halted), thousands separators, a K/M/B
// magnitude suffix or a trailing percent sign.
func parseCPNumber(raw string) (float64, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, false
	}
	s = strings.TrimLeft(s, "CH")
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSuffix(s, "%")

	mult := 1.0
	switch {
	case strings.HasSuffix(s, "K"):
		mult, s = 1e3, strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		mult, s = 1e6, strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "B"):
		mult, s = 1e9, strings.TrimSuffix(s, "B")
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) {
		return 0, false
	}
	return f * mult, true
}

// CancelMktData drops the tickers from the poller. Conids nobody else
// subscribes to are released on the gateway in one background pass.
func (c *CPAPIClient) CancelMktData(tickers ...*Ticker) {
	var release []int64
	c.mdMu.Lock()
	for _, t := range tickers {
		if t == nil {
			continue
		}
		id := t.Contract.ConID
		set, ok := c.subs[id]
		if !ok {
			continue
		}
		if _, ok := set[t]; !ok {
			continue
		}
		delete(set, t)
		if len(set) == 0 {
			delete(c.subs, id)
			release = append(release, id)
		}
	}
	c.mdMu.Unlock()

	if len(release) > 0 {
		go c.unsubscribe(release)
	}
}

func (c *CPAPIClient) unsubscribe(conIDs []int64) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
	defer cancel()
	for _, id := range conIDs {
		payload := map[string]int64{"conid": id}
		if _, err := c.do(ctx, http.MethodPost, "/iserver/marketdata/unsubscribe", payload); err != nil {
			c.log.Debug().Err(err).Int64("conid", id).Msg("unsubscribe failed")
			if ctx.Err() != nil {
				return
			}
		}
	}
}
