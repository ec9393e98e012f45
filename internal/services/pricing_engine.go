package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/aurelia-jewels/api/internal/domain"
)

const (
	// defaultTaxRateBasisPoints is the standard 10% tax applied to the
	// discounted subtotal when no rate is configured.
	defaultTaxRateBasisPoints = 1000
)

var (
	// ErrCartPricingInvalidInput signals bad request data such as negative prices or quantities.
	ErrCartPricingInvalidInput = errors.New("cart pricing: invalid input")
)

// CartPricingEngine derives cart totals from items, the applied coupon, and
// the shipping cost. Totals are a pure function of those inputs; the engine
// never mutates the cart it is given.
type CartPricingEngine struct {
	taxRateBasisPoints int64
	now                func() time.Time
	logger             func(context.Context, string, map[string]any)
}

// CartPricingEngineDeps configures the pricing engine.
type CartPricingEngineDeps struct {
	TaxRateBasisPoints int64
	Now                func() time.Time
	Logger             func(context.Context, string, map[string]any)
}

// NewCartPricingEngine constructs a pricing engine.
func NewCartPricingEngine(deps CartPricingEngineDeps) (*CartPricingEngine, error) {
	rate := deps.TaxRateBasisPoints
	if rate == 0 {
		rate = defaultTaxRateBasisPoints
	}
	if rate < 0 || rate > 10000 {
		return nil, fmt.Errorf("cart pricing engine: tax rate %d out of range", rate)
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &CartPricingEngine{
		taxRateBasisPoints: rate,
		now: func() time.Time {
			return now().UTC()
		},
		logger: logger,
	}, nil
}

// PriceCartCommand carries the cart state to be priced.
type PriceCartCommand struct {
	Cart Cart
}

// PriceCartResult returns the derived totals with a per-line breakdown.
type PriceCartResult struct {
	Totals    CartTotals
	Breakdown PricingBreakdown
}

// Calculate computes the cart totals:
//
//	subtotal   = sum(unitPrice * quantity)
//	discount   = coupon discount, capped at subtotal
//	tax        = rate * (subtotal - discount)
//	total      = subtotal - discount + shipping + tax, floored at zero
//	totalItems = sum(quantity)
func (e *CartPricingEngine) Calculate(ctx context.Context, cmd PriceCartCommand) (PriceCartResult, error) {
	cart := cmd.Cart

	if cart.ShippingCost < 0 {
		return PriceCartResult{}, fmt.Errorf("%w: shipping cost cannot be negative", ErrCartPricingInvalidInput)
	}

	currency := strings.ToUpper(strings.TrimSpace(cart.Currency))

	itemBreakdowns := make([]ItemPricingBreakdown, 0, len(cart.Items))
	var subtotal int64
	totalItems := 0

	for _, item := range cart.Items {
		if item.Quantity <= 0 {
			return PriceCartResult{}, fmt.Errorf("%w: item %s quantity must be positive", ErrCartPricingInvalidInput, item.ProductID)
		}
		if item.UnitPrice < 0 {
			return PriceCartResult{}, fmt.Errorf("%w: item %s unit price cannot be negative", ErrCartPricingInvalidInput, item.ProductID)
		}

		quantity := int64(item.Quantity)
		if item.UnitPrice > 0 && item.UnitPrice > math.MaxInt64/quantity {
			return PriceCartResult{}, fmt.Errorf("%w: item %s subtotal overflow", ErrCartPricingInvalidInput, item.ProductID)
		}
		lineSubtotal := item.UnitPrice * quantity

		if lineSubtotal > 0 && subtotal > math.MaxInt64-lineSubtotal {
			return PriceCartResult{}, fmt.Errorf("%w: cart subtotal overflow", ErrCartPricingInvalidInput)
		}
		subtotal += lineSubtotal
		totalItems += item.Quantity

		itemBreakdowns = append(itemBreakdowns, ItemPricingBreakdown{
			ProductID: item.ProductID,
			Currency:  currency,
			Subtotal:  lineSubtotal,
			Quantity:  item.Quantity,
		})
	}

	discount, discountBreakdowns := e.applyCoupon(ctx, cart.AppliedCoupon, subtotal)

	taxable := subtotal - discount
	if taxable < 0 {
		taxable = 0
	}
	tax := roundHalfUp(taxable*e.taxRateBasisPoints, 10000)

	total := subtotal - discount + cart.ShippingCost + tax
	if total < 0 {
		total = 0
	}

	totals := CartTotals{
		Subtotal:   subtotal,
		Discount:   discount,
		Tax:        tax,
		Shipping:   cart.ShippingCost,
		Total:      total,
		TotalItems: totalItems,
	}

	breakdown := PricingBreakdown{
		Currency:  currency,
		Subtotal:  subtotal,
		Discount:  discount,
		Tax:       tax,
		Shipping:  cart.ShippingCost,
		Total:     total,
		Items:     itemBreakdowns,
		Discounts: discountBreakdowns,
		Metadata:  map[string]any{"taxableAmount": taxable, "totalItems": totalItems},
	}

	return PriceCartResult{Totals: totals, Breakdown: breakdown}, nil
}

func (e *CartPricingEngine) applyCoupon(ctx context.Context, coupon *Coupon, subtotal int64) (int64, []DiscountBreakdown) {
	if coupon == nil {
		return 0, nil
	}

	var discount int64
	switch coupon.Type {
	case domain.CouponPercentage:
		value := coupon.Value
		if value < 0 {
			value = 0
		}
		if value > 100 {
			value = 100
		}
		discount = roundHalfUp(subtotal*value, 100)
	case domain.CouponFixed:
		discount = coupon.Value
		if discount < 0 {
			discount = 0
		}
	default:
		e.logger(ctx, "pricing.coupon.unknown_type", map[string]any{
			"code": coupon.Code,
			"type": string(coupon.Type),
		})
		return 0, nil
	}

	if discount > subtotal {
		e.logger(ctx, "pricing.discount_clamped", map[string]any{
			"code":     coupon.Code,
			"subtotal": subtotal,
			"discount": discount,
		})
		discount = subtotal
	}

	breakdown := DiscountBreakdown{
		Type:        string(coupon.Type),
		Code:        coupon.Code,
		Description: coupon.Description,
		Amount:      discount,
	}
	return discount, []DiscountBreakdown{breakdown}
}

func roundHalfUp(numerator, denominator int64) int64 {
	if denominator <= 0 {
		return 0
	}
	if numerator < 0 {
		return -((-numerator + denominator/2) / denominator)
	}
	return (numerator + denominator/2) / denominator
}
