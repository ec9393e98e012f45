package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aurelia-jewels/api/internal/payments"
)

var (
	// ErrCheckoutInvalidInput indicates the caller supplied invalid input parameters.
	ErrCheckoutInvalidInput = errors.New("checkout: invalid input")
	// ErrCheckoutUnavailable indicates checkout dependencies are currently unavailable.
	ErrCheckoutUnavailable = errors.New("checkout: unavailable")
	// ErrCheckoutCartNotReady indicates the cart is missing required data for checkout.
	ErrCheckoutCartNotReady = errors.New("checkout: cart not ready")
	// ErrCheckoutPaymentFailed indicates the PSP order could not be created.
	ErrCheckoutPaymentFailed = errors.New("checkout: payment failed")
	// ErrCheckoutOrderNotFound indicates no order matches the provider reference.
	ErrCheckoutOrderNotFound = errors.New("checkout: order not found")
)

// checkoutPaymentManager abstracts payments.Manager for easier testing.
type checkoutPaymentManager interface {
	CreateOrder(ctx context.Context, paymentCtx payments.PaymentContext, req payments.OrderRequest) (payments.ProviderOrder, error)
}

// CheckoutServiceDeps wires the dependencies required by the checkout service.
type CheckoutServiceDeps struct {
	Carts    CartService
	Orders   OrderService
	Payments checkoutPaymentManager
	// SignatureSecret verifies the client-reported payment signature. For
	// Razorpay this is the key secret.
	SignatureSecret string
	Clock           func() time.Time
	Logger          func(ctx context.Context, event string, fields map[string]any)
}

type checkoutService struct {
	carts    CartService
	orders   OrderService
	payments checkoutPaymentManager
	secret   string
	now      func() time.Time
	logger   func(ctx context.Context, event string, fields map[string]any)
}

// NewCheckoutService constructs a CheckoutService validating required dependencies.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	if deps.Carts == nil {
		return nil, errors.New("checkout service: cart service is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("checkout service: order service is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("checkout service: payment manager is required")
	}
	if strings.TrimSpace(deps.SignatureSecret) == "" {
		return nil, errors.New("checkout service: signature secret is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &checkoutService{
		carts:    deps.Carts,
		orders:   deps.Orders,
		payments: deps.Payments,
		secret:   deps.SignatureSecret,
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// CreateSession creates the PSP order first and only then freezes the internal
// order, so an internal order always references a live provider order.
func (s *checkoutService) CreateSession(ctx context.Context, cmd CreateCheckoutSessionCommand) (CheckoutSessionResult, error) {
	if s == nil || s.carts == nil || s.payments == nil {
		return CheckoutSessionResult{}, ErrCheckoutUnavailable
	}

	ownerID := strings.TrimSpace(cmd.OwnerID)
	if ownerID == "" {
		return CheckoutSessionResult{}, ErrCheckoutInvalidInput
	}

	cart, err := s.carts.GetOrCreateCart(ctx, ownerID)
	if err != nil {
		return CheckoutSessionResult{}, s.translateCartError(err)
	}
	if len(cart.Items) == 0 {
		return CheckoutSessionResult{}, fmt.Errorf("%w: cart is empty", ErrCheckoutCartNotReady)
	}
	if cart.Totals == nil || cart.Totals.Total <= 0 {
		return CheckoutSessionResult{}, fmt.Errorf("%w: cart total must be positive", ErrCheckoutCartNotReady)
	}

	currency := strings.ToUpper(strings.TrimSpace(cart.Currency))
	receipt := s.receiptFor(cart)
	idempotencyKey := checkoutIdempotencyKey(cmd.PreferredProvider, cart)

	providerOrder, err := s.payments.CreateOrder(ctx, payments.PaymentContext{
		PreferredProvider: strings.TrimSpace(cmd.PreferredProvider),
		Currency:          currency,
	}, payments.OrderRequest{
		Amount:         cart.Totals.Total,
		Currency:       currency,
		Receipt:        receipt,
		Notes:          checkoutNotes(cmd.Notes, ownerID, cart.ID),
		IdempotencyKey: idempotencyKey,
		SuccessURL:     strings.TrimSpace(cmd.SuccessURL),
		CancelURL:      strings.TrimSpace(cmd.CancelURL),
		Items:          buildCheckoutLineItems(cart),
	})
	if err != nil {
		if errors.Is(err, payments.ErrUnsupportedProvider) {
			return CheckoutSessionResult{}, fmt.Errorf("%w: %v", ErrCheckoutInvalidInput, err)
		}
		s.logger(ctx, "checkout.provider_order_failed", map[string]any{
			"ownerID":  ownerID,
			"provider": cmd.PreferredProvider,
			"error":    err.Error(),
		})
		return CheckoutSessionResult{}, ErrCheckoutPaymentFailed
	}

	order, err := s.orders.CreateFromCart(ctx, CreateOrderFromCartCommand{
		Cart:            cart,
		Provider:        providerOrder.Provider,
		ProviderOrderID: providerOrder.ID,
		Receipt:         receipt,
		Notes:           cmd.Notes,
	})
	if err != nil {
		s.logger(ctx, "checkout.order_persist_failed", map[string]any{
			"ownerID":         ownerID,
			"providerOrderID": providerOrder.ID,
			"error":           err.Error(),
		})
		if errors.Is(err, ErrOrderInvalidInput) {
			return CheckoutSessionResult{}, fmt.Errorf("%w: %v", ErrCheckoutInvalidInput, err)
		}
		return CheckoutSessionResult{}, ErrCheckoutUnavailable
	}

	s.logger(ctx, "checkout.session.created", map[string]any{
		"ownerID":         ownerID,
		"orderID":         order.ID,
		"provider":        providerOrder.Provider,
		"providerOrderID": providerOrder.ID,
		"amount":          cart.Totals.Total,
	})

	return CheckoutSessionResult{
		Order:           order,
		ProviderOrderID: providerOrder.ID,
		Provider:        providerOrder.Provider,
		Amount:          cart.Totals.Total,
		Currency:        currency,
		RedirectURL:     providerOrder.RedirectURL,
		ClientSecret:    providerOrder.ClientSecret,
	}, nil
}

// VerifyPayment checks the client-reported signature against the provider
// order and payment identifiers. A mismatch is a negative result, not an
// error: the order stays pending and the webhook remains the source of truth.
func (s *checkoutService) VerifyPayment(ctx context.Context, cmd VerifyPaymentCommand) (VerifyPaymentResult, error) {
	if s == nil || s.orders == nil {
		return VerifyPaymentResult{}, ErrCheckoutUnavailable
	}

	providerOrderID := strings.TrimSpace(cmd.ProviderOrderID)
	paymentID := strings.TrimSpace(cmd.PaymentID)
	signature := strings.TrimSpace(cmd.Signature)
	if providerOrderID == "" || paymentID == "" || signature == "" {
		return VerifyPaymentResult{}, fmt.Errorf("%w: provider order id, payment id, and signature are required", ErrCheckoutInvalidInput)
	}

	order, err := s.orders.GetOrderByProviderOrderID(ctx, providerOrderID)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			return VerifyPaymentResult{}, ErrCheckoutOrderNotFound
		}
		return VerifyPaymentResult{}, ErrCheckoutUnavailable
	}

	if owner := strings.TrimSpace(cmd.OwnerID); owner != "" && order.OwnerID != owner {
		return VerifyPaymentResult{}, ErrCheckoutOrderNotFound
	}

	if !payments.VerifyPaymentSignature(providerOrderID, paymentID, signature, s.secret) {
		s.logger(ctx, "checkout.signature_mismatch", map[string]any{
			"orderID":         order.ID,
			"providerOrderID": providerOrderID,
			"paymentID":       paymentID,
		})
		return VerifyPaymentResult{Verified: false, Order: order}, nil
	}

	confirmed, err := s.orders.ConfirmPayment(ctx, ConfirmPaymentCommand{
		OrderID:        order.ID,
		PaymentID:      paymentID,
		AmountCaptured: order.Totals.Total,
	})
	if err != nil {
		if errors.Is(err, ErrOrderConflict) || errors.Is(err, ErrOrderInvalidState) {
			return VerifyPaymentResult{}, fmt.Errorf("%w: %v", ErrCheckoutInvalidInput, err)
		}
		return VerifyPaymentResult{}, ErrCheckoutUnavailable
	}

	s.clearCartAfterPurchase(ctx, confirmed.OwnerID)

	return VerifyPaymentResult{Verified: true, Order: confirmed}, nil
}

// clearCartAfterPurchase empties the owner's cart once payment is verified.
// The order already holds its own snapshot, so a failure here only leaves a
// stale cart behind.
func (s *checkoutService) clearCartAfterPurchase(ctx context.Context, ownerID string) {
	if s.carts == nil {
		return
	}
	if _, err := s.carts.ClearCart(ctx, ownerID); err != nil {
		s.logger(ctx, "checkout.cart_clear_failed", map[string]any{
			"ownerID": ownerID,
			"error":   err.Error(),
		})
	}
}

func (s *checkoutService) receiptFor(cart Cart) string {
	base := fmt.Sprintf("%s|%d", cart.OwnerID, s.now().UnixNano())
	sum := sha256.Sum256([]byte(base))
	return "rcpt_" + hex.EncodeToString(sum[:8])
}

func (s *checkoutService) translateCartError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrCartInvalidInput):
		return ErrCheckoutInvalidInput
	case errors.Is(err, ErrCartNotFound):
		return ErrCheckoutCartNotReady
	default:
		return ErrCheckoutUnavailable
	}
}

// checkoutIdempotencyKey derives a stable key from the cart revision so a
// retried session request reuses the same provider order.
func checkoutIdempotencyKey(provider string, cart Cart) string {
	base := fmt.Sprintf("%s|%s|%s|%d",
		strings.ToLower(strings.TrimSpace(provider)),
		cart.ID,
		cart.UpdatedAt.UTC().Format(time.RFC3339Nano),
		cart.Totals.Total,
	)
	sum := sha256.Sum256([]byte(base))
	return hex.EncodeToString(sum[:])
}

func checkoutNotes(notes map[string]string, ownerID, cartID string) map[string]string {
	merged := map[string]string{
		"owner_id": ownerID,
		"cart_id":  cartID,
	}
	for k, v := range notes {
		if strings.TrimSpace(k) == "" || strings.TrimSpace(v) == "" {
			continue
		}
		merged[k] = v
	}
	return merged
}

func buildCheckoutLineItems(cart Cart) []payments.OrderLineItem {
	items := make([]payments.OrderLineItem, 0, len(cart.Items))
	var itemTotal int64
	for _, item := range cart.Items {
		if item.Quantity <= 0 || item.UnitPrice <= 0 {
			continue
		}
		name := strings.TrimSpace(item.Name)
		if name == "" {
			name = item.ProductID
		}
		items = append(items, payments.OrderLineItem{
			Name:     name,
			SKU:      strings.TrimSpace(item.ProductID),
			Quantity: int64(item.Quantity),
			Amount:   item.UnitPrice,
			Currency: strings.ToUpper(strings.TrimSpace(cart.Currency)),
		})
		itemTotal += item.UnitPrice * int64(item.Quantity)
	}

	// Discounts, tax, and shipping skew the sum away from the line items, in
	// which case a single aggregate line keeps the provider total exact.
	if cart.Totals != nil && itemTotal != cart.Totals.Total {
		return []payments.OrderLineItem{{
			Name:     "Order",
			Quantity: 1,
			Amount:   cart.Totals.Total,
			Currency: strings.ToUpper(strings.TrimSpace(cart.Currency)),
		}}
	}
	return items
}
