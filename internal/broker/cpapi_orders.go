package broker

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"ibbroker/internal/domain"
)

// maxReplies bounds the precaution prompts answered for one order.
const maxReplies = 5

// positionsPageLimit bounds pagination of the portfolio endpoint.
const positionsPageLimit = 20

type cpOrder struct {
	AcctID    string   `json:"acctId"`
	ConID     int64    `json:"conid"`
	COID      string   `json:"cOID"`
	OrderType string   `json:"orderType"`
	Side      string   `json:"side"`
	Quantity  float64  `json:"quantity"`
	TIF       string   `json:"tif"`
	Price     *float64 `json:"price,omitempty"`
	AuxPrice  *float64 `json:"auxPrice,omitempty"`
}

func toCPOrder(account string, ct domain.Contract, o domain.Order) (cpOrder, error) {
	out := cpOrder{
		AcctID:   account,
		ConID:    ct.ConID,
		COID:     uuid.NewString(),
		Side:     string(o.Action),
		Quantity: o.TotalQuantity,
		TIF:      string(o.TIF),
	}
	switch o.OrderType {
	case domain.OrderTypeMarket:
		out.OrderType = "MKT"
	case domain.OrderTypeLimit:
		out.OrderType = "LMT"
		out.Price = o.LmtPrice
	case domain.OrderTypeStop:
		out.OrderType = "STP"
		out.Price = o.AuxPrice
	case domain.OrderTypeStopLimit:
		out.OrderType = "STOP_LIMIT"
		out.Price = o.LmtPrice
		out.AuxPrice = o.AuxPrice
	default:
		return cpOrder{}, domain.Errorf(domain.ErrValidation, "Unsupported orderType: %s", o.OrderType)
	}
	if out.TIF == "" {
		out.TIF = string(domain.TIFDay)
	}
	return out, nil
}

// PlaceOrder submits one order, answering precaution prompts when configured
// to. The returned trade carries the status from the submission reply.
func (c *CPAPIClient) PlaceOrder(ctx context.Context, ct domain.Contract, o domain.Order) (*Trade, error) {
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

	account := c.account()
	order, err := toCPOrder(account, ct, o)
	if err != nil {
		return nil, err
	}

	body, err := c.do(ctx, http.MethodPost, "/iserver/account/"+account+"/orders",
		map[string]any{"orders": []cpOrder{order}})
	if err != nil {
		return nil, err
	}

	for i := 0; ; i++ {
		reply := gjson.ParseBytes(body).Get("0")
		if id := reply.Get("order_id"); id.Exists() {
			orderID, err := strconv.ParseInt(id.String(), 10, 64)
			if err != nil {
				return nil, domain.Errorf(domain.ErrUpstream, "unexpected order id %q", id.String())
			}
			trade := NewTrade(orderID, ct, o)
			trade.SetStatus(normalizeCPStatus(reply.Get("order_status").String()))
			return trade, nil
		}

		promptID := reply.Get("id").String()
		if promptID == "" {
			msg := gjson.GetBytes(body, "error").String()
			if msg == "" {
				msg = strings.TrimSpace(string(body))
			}
			return nil, domain.Errorf(domain.ErrUpstream, "order not accepted: %s", msg)
		}
		warning := joinMessages(reply.Get("message"))
		if !c.cfg.ConfirmWarnings || i >= maxReplies {
			return nil, domain.Errorf(domain.ErrUpstream, "order needs confirmation: %s", warning)
		}
		c.log.Warn().Str("prompt", promptID).Str("message", warning).Msg("confirming order warning")

		body, err = c.do(ctx, http.MethodPost, "/iserver/reply/"+promptID, map[string]bool{"confirmed": true})
		if err != nil {
			return nil, err
		}
	}
}

func joinMessages(r gjson.Result) string {
	if !r.IsArray() {
		return r.String()
	}
	parts := make([]string, 0, len(r.Array()))
	for _, m := range r.Array() {
		parts = append(parts, m.String())
	}
	return strings.Join(parts, "; ")
}

// normalizeCPStatus maps Client Portal spellings onto the gateway status
// names the service reports.
func normalizeCPStatus(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return ""
	case "presubmitted":
		return "PreSubmitted"
	case "submitted":
		return "Submitted"
	case "filled":
		return "Filled"
	case "cancelled":
		return "Cancelled"
	case "pendingsubmit":
		return "PendingSubmit"
	case "pendingcancel":
		return "PendingCancel"
	case "inactive":
		return "Inactive"
	default:
		return s
	}
}

// Positions pages through the portfolio of every managed account.
func (c *CPAPIClient) Positions(ctx context.Context) ([]domain.RawPosition, error) {
	if err := c.requireConnected(); err != nil {
		return nil, err
	}
	accounts, _ := c.ManagedAccounts(ctx)
	if len(accounts) == 0 {
		accounts = []string{c.account()}
	}

	var out []domain.RawPosition
	for _, acct := range accounts {
		for page := 0; page < positionsPageLimit; page++ {
			body, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/portfolio/%s/positions/%d", acct, page), nil)
			if err != nil {
				return nil, err
			}
			rows := gjson.ParseBytes(body).Array()
			if len(rows) == 0 {
				break
			}
			for _, r := range rows {
				out = append(out, cpPosition(acct, r))
			}
		}
	}
	return out, nil
}

func cpPosition(acct string, r gjson.Result) domain.RawPosition {
	ct := domain.Contract{
		ConID:       r.Get("conid").Int(),
		SecType:     domain.SecType(strings.ToUpper(r.Get("assetClass").String())),
		Symbol:      r.Get("ticker").String(),
		LocalSymbol: r.Get("contractDesc").String(),
		Exchange:    r.Get("listingExchange").String(),
		Currency:    r.Get("currency").String(),
	}
	if ct.Symbol == "" {
		ct.Symbol = ct.LocalSymbol
	}
	if ct.SecType == domain.SecTypeOption {
		ct.Expiry = r.Get("expiry").String()
		ct.Strike = r.Get("strike").Float()
		ct.Right = domain.Right(strings.ToUpper(r.Get("putOrCall").String()))
		ct.Multiplier = r.Get("multiplier").String()
	}
	return domain.RawPosition{
		Account:  acct,
		Contract: ct,
		Quantity: r.Get("position").Float(),
		AvgCost:  r.Get("avgCost").Float(),
	}
}

// summaryTags maps the portfolio summary's lowercase keys back onto account
// value tags.
var summaryTags = map[string]string{
	"totalcashvalue":  domain.TagTotalCashValue,
	"netliquidation":  domain.TagNetLiquidation,
	"buyingpower":     domain.TagBuyingPower,
	"excessliquidity": domain.TagExcessLiquidity,
}

// AccountValues reads the portfolio summary of the selected account.
func (c *CPAPIClient) AccountValues(ctx context.Context) ([]domain.AccountValue, error) {
	if err := c.requireConnected(); err != nil {
		return nil, err
	}
	acct := c.account()
	body, err := c.do(ctx, http.MethodGet, "/portfolio/"+acct+"/summary", nil)
	if err != nil {
		return nil, err
	}

	var out []domain.AccountValue
	gjson.ParseBytes(body).ForEach(func(key, v gjson.Result) bool {
		tag, ok := summaryTags[key.String()]
		if !ok || v.Get("isNull").Bool() {
			return true
		}
		amount := v.Get("amount")
		if !amount.Exists() {
			return true
		}
		out = append(out, domain.AccountValue{
			Tag:      tag,
			Value:    amount.String(),
			Currency: v.Get("currency").String(),
			Account:  acct,
		})
		return true
	})
	return out, nil
}
