package engine

import (
	"context"
	"math"
	"strings"

	"ibbroker/internal/broker"
	"ibbroker/internal/contract"
	"ibbroker/internal/domain"
)

// defaultOrderStatus is reported when the gateway has not acknowledged the
// order within the ack wait.
const defaultOrderStatus = "Submitted"

// PlaceOrderInput is an order as received from a caller, before validation.
type PlaceOrderInput struct {
	Symbol     string
	AssetType  string // STK (default) or OPT
	Quantity   float64
	Side       string
	OrderType  string
	LimitPrice *float64
	StopPrice  *float64
	TIF        string
	Option     *OptionLegInput
}

// OptionLegInput carries the option fields of an OPT order. Expiry is ISO.
type OptionLegInput struct {
	Expiry     string
	Strike     float64
	Right      string
	Multiplier int
	Exchange   string
}

// ValidateOrder checks the order's shape and resolves it into an
// OrderRequest. Side, asset type and option leg are checked before the order
// type and its prices.
func ValidateOrder(in PlaceOrderInput) (domain.OrderRequest, error) {
	req := domain.OrderRequest{
		Symbol:     strings.TrimSpace(in.Symbol),
		Quantity:   in.Quantity,
		LimitPrice: in.LimitPrice,
		StopPrice:  in.StopPrice,
	}
	if req.Symbol == "" {
		return domain.OrderRequest{}, domain.Errorf(domain.ErrValidation, "symbol is required")
	}

	switch side := domain.Side(strings.ToUpper(strings.TrimSpace(in.Side))); side {
	case domain.SideBuy, domain.SideSell:
		req.Side = side
	default:
		return domain.OrderRequest{}, domain.Errorf(domain.ErrValidation, "Invalid side: %s", in.Side)
	}

	if in.Quantity <= 0 || math.IsNaN(in.Quantity) || math.IsInf(in.Quantity, 0) {
		return domain.OrderRequest{}, domain.Errorf(domain.ErrValidation, "quantity must be positive")
	}

	switch domain.SecType(strings.ToUpper(strings.TrimSpace(in.AssetType))) {
	case "", domain.SecTypeStock:
		req.Instrument = domain.Equity{}
	case domain.SecTypeOption:
		if in.Option == nil {
			return domain.OrderRequest{}, domain.Errorf(domain.ErrValidation, "Option details required for OPT")
		}
		right, err := contract.NormalizeRight(in.Option.Right)
		if err != nil {
			return domain.OrderRequest{}, err
		}
		if _, err := contract.ToCompactExpiry(in.Option.Expiry); err != nil {
			return domain.OrderRequest{}, err
		}
		if in.Option.Strike <= 0 {
			return domain.OrderRequest{}, domain.Errorf(domain.ErrValidation, "option strike must be positive")
		}
		req.Instrument = domain.OptionLeg{
			Expiry:     strings.TrimSpace(in.Option.Expiry),
			Strike:     in.Option.Strike,
			Right:      right,
			Multiplier: in.Option.Multiplier,
			Exchange:   in.Option.Exchange,
		}
	default:
		return domain.OrderRequest{}, domain.Errorf(domain.ErrValidation, "Unsupported assetType: %s", in.AssetType)
	}

	switch ot := domain.OrderType(strings.ToUpper(strings.TrimSpace(in.OrderType))); ot {
	case domain.OrderTypeMarket:
		req.Type = ot
	case domain.OrderTypeLimit:
		if in.LimitPrice == nil {
			return domain.OrderRequest{}, domain.Errorf(domain.ErrValidation, "limitPrice required for LMT")
		}
		req.Type = ot
	case domain.OrderTypeStop:
		if in.StopPrice == nil {
			return domain.OrderRequest{}, domain.Errorf(domain.ErrValidation, "stopPrice required for STP")
		}
		req.Type = ot
	case domain.OrderTypeStopLimit:
		if in.StopPrice == nil || in.LimitPrice == nil {
			return domain.OrderRequest{}, domain.Errorf(domain.ErrValidation, "stopPrice and limitPrice required for STP_LMT")
		}
		req.Type = ot
	default:
		return domain.OrderRequest{}, domain.Errorf(domain.ErrValidation, "Unsupported orderType: %s", in.OrderType)
	}

	switch tif := domain.TimeInForce(strings.ToUpper(strings.TrimSpace(in.TIF))); tif {
	case "":
		req.TIF = domain.TIFDay
	case domain.TIFDay, domain.TIFGTC, domain.TIFIOC, domain.TIFFOK:
		req.TIF = tif
	default:
		return domain.OrderRequest{}, domain.Errorf(domain.ErrValidation, "Unsupported tif: %s", in.TIF)
	}

	return req, nil
}

// BuildOrder maps a validated request onto the gateway order descriptor.
// Stop prices travel as the auxiliary price.
func BuildOrder(req domain.OrderRequest) domain.Order {
	o := domain.Order{
		Action:        req.Side,
		TotalQuantity: req.Quantity,
		OrderType:     req.Type,
		TIF:           req.TIF,
	}
	switch req.Type {
	case domain.OrderTypeLimit:
		o.LmtPrice = req.LimitPrice
	case domain.OrderTypeStop:
		o.AuxPrice = req.StopPrice
	case domain.OrderTypeStopLimit:
		o.LmtPrice = req.LimitPrice
		o.AuxPrice = req.StopPrice
	}
	return o
}

// PlaceOrder validates and submits one order, then waits briefly for the
// gateway's first status. Submission is never retried, and it is detached
// from ctx so a caller that goes away cannot abort an order in flight.
func (e *Engine) PlaceOrder(ctx context.Context, in PlaceOrderInput) (domain.OrderResult, error) {
	req, err := ValidateOrder(in)
	if err != nil {
		return domain.OrderResult{}, err
	}
	ct, err := contract.ForOrder(req.Symbol, req.Instrument)
	if err != nil {
		return domain.OrderResult{}, err
	}
	if err := e.risk.CheckOrder(req, ct); err != nil {
		return domain.OrderResult{}, err
	}
	order := BuildOrder(req)

	var result domain.OrderResult
	err = e.run(ctx, func(ctx context.Context, c broker.Client) error {
		trade, err := c.PlaceOrder(context.WithoutCancel(ctx), ct, order)
		if err != nil {
			return err
		}

		status := waitStatus(ctx, e.waits.OrderAck, trade)
		if status == "" {
			status = defaultOrderStatus
		}
		id := trade.OrderID
		if id == 0 {
			id = -1
		}
		result = domain.OrderResult{OrderID: id, Status: status}
		return nil
	})
	if err != nil {
		return domain.OrderResult{}, err
	}

	e.log.Info().
		Int64("order_id", result.OrderID).
		Str("side", string(req.Side)).
		Float64("quantity", req.Quantity).
		Str("symbol", req.Symbol).
		Str("type", string(req.Type)).
		Str("status", result.Status).
		Msg("order placed")
	return result, nil
}
