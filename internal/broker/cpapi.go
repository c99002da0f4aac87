package broker

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"

	"ibbroker/internal/domain"
	"ibbroker/internal/util"
)

// Compile-time interface check.
var _ Client = (*CPAPIClient)(nil)

// CPAPIConfig configures the Client Portal Gateway backend.
type CPAPIConfig struct {
	BaseURL            string // e.g. https://127.0.0.1:5000/v1/api
	AccountID          string // optional; defaults to the gateway's selected account
	InsecureSkipVerify bool   // the gateway ships a self-signed certificate
	RequestsPerMin     int
	ConfirmWarnings    bool // answer order precaution prompts with confirmed=true; off by default
	PollInterval       time.Duration
	Timeout            time.Duration
}

// CPAPIClient implements Client on top of the Interactive Brokers Client
// Portal Gateway REST API. The gateway must already be authenticated through
// its browser login.
type CPAPIClient struct {
	baseURL    *url.URL
	httpClient *http.Client
	limiter    *util.RateLimiter
	cfg        CPAPIConfig
	log        zerolog.Logger

	mu        sync.RWMutex
	connected bool
	accounts  []string
	accountID string
	mdType    domain.MarketDataType

	// Market-data subscriptions by conid, served by one shared poller.
	mdMu    sync.Mutex
	subs    map[int64]map[*Ticker]struct{}
	polling bool

	// Contract lookups shared by concurrent callers and kept for lookupTTL.
	lookups  singleflight.Group
	searches *lookupCache[[]searchHit]
	infos    *lookupCache[[]domain.Contract]
}

// NewCPAPIClient builds a Client Portal backend. No request is made until
// Connect.
func NewCPAPIClient(cfg CPAPIConfig, logger zerolog.Logger) (*CPAPIClient, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, fmt.Errorf("cpapi: base url is required")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("cpapi: parsing base url: %w", err)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402
	}

	return &CPAPIClient{
		baseURL: parsed,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		limiter:  util.NewRateLimiter(cfg.RequestsPerMin, 10),
		cfg:      cfg,
		log:      logger.With().Str("component", "cpapi").Logger(),
		mdType:   domain.MarketDataDelayed,
		subs:     make(map[int64]map[*Ticker]struct{}),
		searches: newLookupCache[[]searchHit](lookupTTL),
		infos:    newLookupCache[[]domain.Contract](lookupTTL),
	}, nil
}

// SetHTTPClient replaces the HTTP client (tests).
func (c *CPAPIClient) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// Name returns "cpapi".
func (c *CPAPIClient) Name() string {
	return "cpapi"
}

// Connect checks the gateway's brokerage session and selects the trading
// account. The Client Portal has no client id slots; a competing session is
// reported the way a duplicate client id is.
func (c *CPAPIClient) Connect(ctx context.Context, p ConnectParams) error {
	err := util.Retry(ctx, 3, 500*time.Millisecond, 2*time.Second, func(ctx context.Context) error {
		body, err := c.do(ctx, http.MethodPost, "/iserver/auth/status", nil)
		if err != nil {
			return err
		}
		if gjson.GetBytes(body, "competing").Bool() {
			return util.Permanent(domain.Errorf(domain.ErrConnection, "client id %d already in use: a competing session holds the gateway", p.ClientID))
		}
		if !gjson.GetBytes(body, "authenticated").Bool() {
			return domain.Errorf(domain.ErrConnection, "gateway session is not authenticated")
		}
		return nil
	})
	if err != nil {
		return err
	}

	body, err := c.do(ctx, http.MethodGet, "/iserver/accounts", nil)
	if err != nil {
		return err
	}
	var accounts []string
	for _, a := range gjson.GetBytes(body, "accounts").Array() {
		accounts = append(accounts, a.String())
	}
	selected := c.cfg.AccountID
	if selected == "" {
		selected = gjson.GetBytes(body, "selectedAccount").String()
	}
	if selected == "" && len(accounts) > 0 {
		selected = accounts[0]
	}
	if selected == "" {
		return domain.Errorf(domain.ErrConnection, "gateway reports no trading accounts")
	}

	// The portfolio endpoints answer only after the account list was read.
	if _, err := c.do(ctx, http.MethodGet, "/portfolio/accounts", nil); err != nil {
		return err
	}

	c.mu.Lock()
	c.connected = true
	c.accounts = accounts
	c.accountID = selected
	c.mu.Unlock()

	c.log.Debug().Str("account", selected).Int("accounts", len(accounts)).Msg("gateway session ready")
	return nil
}

// Disconnect forgets the session. The gateway's brokerage login is left in
// place so other tools sharing it are not logged out.
func (c *CPAPIClient) Disconnect() error {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	return nil
}

// IsConnected reports whether Connect has succeeded.
func (c *CPAPIClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// SetMarketDataType records the requested mode. The Client Portal serves
// whatever the account's subscriptions allow and has no per-session switch.
func (c *CPAPIClient) SetMarketDataType(_ context.Context, t domain.MarketDataType) error {
	if !t.Valid() {
		return domain.Errorf(domain.ErrValidation, "invalid market data type %d", int(t))
	}
	c.mu.Lock()
	c.mdType = t
	c.mu.Unlock()
	return nil
}

// ManagedAccounts returns the accounts listed at connect time.
func (c *CPAPIClient) ManagedAccounts(_ context.Context) ([]string, error) {
	if err := c.requireConnected(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.accounts...), nil
}

// Keepalive tickles the gateway and fails if the brokerage session dropped.
func (c *CPAPIClient) Keepalive(ctx context.Context) error {
	body, err := c.do(ctx, http.MethodPost, "/tickle", nil)
	if err != nil {
		return err
	}
	auth := gjson.GetBytes(body, "iserver.authStatus")
	if auth.Exists() && !auth.Get("authenticated").Bool() {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		return domain.Errorf(domain.ErrConnection, "gateway session is no longer authenticated")
	}
	return nil
}

func (c *CPAPIClient) requireConnected() error {
	if !c.IsConnected() {
		return domain.Errorf(domain.ErrConnection, "not connected to gateway")
	}
	return nil
}

func (c *CPAPIClient) account() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accountID
}

// do performs one paced request and returns the raw body of a 2xx response.
func (c *CPAPIClient) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	endpoint := c.resolve(path)

	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", "ibkr-broker")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, domain.Errorf(domain.ErrUpstream, "%s %s: %v", method, endpoint.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, domain.Errorf(domain.ErrUpstream, "reading %s: %v", endpoint.Path, err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		return nil, domain.Errorf(domain.ErrConnection, "gateway session is not authenticated")
	}
	if resp.StatusCode >= 300 {
		msg := gjson.GetBytes(data, "error").String()
		if msg == "" {
			msg = strings.TrimSpace(string(data))
		}
		if msg == "" {
			msg = resp.Status
		}
		return nil, domain.Errorf(domain.ErrUpstream, "gateway %s %s: %s", method, endpoint.Path, msg)
	}
	return data, nil
}

func (c *CPAPIClient) resolve(path string) *url.URL {
	query := ""
	if i := strings.Index(path, "?"); i >= 0 {
		query = path[i+1:]
		path = path[:i]
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u := *c.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawPath = ""
	u.RawQuery = query
	u.Fragment = ""
	return &u
}
