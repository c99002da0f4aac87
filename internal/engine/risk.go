package engine

import (
	"github.com/shopspring/decimal"

	"ibbroker/internal/contract"
	"ibbroker/internal/domain"
)

// RiskManager enforces the optional pre-trade limits: a maximum order
// quantity and a maximum notional for priced orders.
type RiskManager struct {
	maxQuantity decimal.Decimal
	maxNotional decimal.Decimal
}

// NewRiskManager creates a RiskManager. A zero limit is disabled.
func NewRiskManager(maxQuantity, maxNotional float64) *RiskManager {
	return &RiskManager{
		maxQuantity: decimal.NewFromFloat(maxQuantity),
		maxNotional: decimal.NewFromFloat(maxNotional),
	}
}

// CheckOrder rejects an order that breaks a configured limit. Notional is
// quantity x limit price (stop price for stop orders) x the contract
// multiplier for options; market orders carry no price and are only checked
// on quantity.
func (rm *RiskManager) CheckOrder(req domain.OrderRequest, ct domain.Contract) error {
	qty := decimal.NewFromFloat(req.Quantity)
	if rm.maxQuantity.IsPositive() && qty.GreaterThan(rm.maxQuantity) {
		return domain.Errorf(domain.ErrRejected, "quantity %s exceeds max_quantity %s", qty, rm.maxQuantity)
	}

	if !rm.maxNotional.IsPositive() {
		return nil
	}
	px := req.LimitPrice
	if px == nil {
		px = req.StopPrice
	}
	if px == nil {
		return nil
	}

	notional := qty.Mul(decimal.NewFromFloat(*px))
	if ct.SecType == domain.SecTypeOption {
		notional = notional.Mul(decimal.NewFromInt(int64(contract.ParseMultiplier(ct.Multiplier))))
	}
	if notional.GreaterThan(rm.maxNotional) {
		return domain.Errorf(domain.ErrRejected, "notional %s exceeds max_notional %s",
			notional.StringFixed(2), rm.maxNotional.StringFixed(2))
	}
	return nil
}
