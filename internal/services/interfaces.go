package services

import (
	"context"
	"time"

	domain "github.com/aurelia-jewels/api/internal/domain"
	"github.com/aurelia-jewels/api/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination           = domain.Pagination
	SortOrder            = domain.SortOrder
	Cart                 = domain.Cart
	CartItem             = domain.CartItem
	CartTotals           = domain.CartTotals
	Coupon               = domain.Coupon
	CouponType           = domain.CouponType
	PricingBreakdown     = domain.PricingBreakdown
	ItemPricingBreakdown = domain.ItemPricingBreakdown
	DiscountBreakdown    = domain.DiscountBreakdown
	Order                = domain.Order
	OrderStatus          = domain.OrderStatus
	OrderLineItem        = domain.OrderLineItem
	OrderPayment         = domain.OrderPayment
	PaymentStatus        = domain.PaymentStatus
	WebhookEvent         = domain.WebhookEvent
	SystemHealthReport   = domain.SystemHealthReport
)

// CartService manages mutable cart state. Every transition recomputes totals
// through the pricing engine before persisting.
type CartService interface {
	GetOrCreateCart(ctx context.Context, ownerID string) (Cart, error)
	ReplaceCart(ctx context.Context, cmd ReplaceCartCommand) (Cart, error)
	AddItem(ctx context.Context, cmd AddCartItemCommand) (Cart, error)
	RemoveItem(ctx context.Context, cmd RemoveCartItemCommand) (Cart, error)
	UpdateQuantity(ctx context.Context, cmd UpdateCartQuantityCommand) (Cart, error)
	ApplyCoupon(ctx context.Context, cmd CartCouponCommand) (Cart, error)
	RemoveCoupon(ctx context.Context, ownerID string) (Cart, error)
	UpdateShipping(ctx context.Context, cmd UpdateShippingCommand) (Cart, error)
	ClearCart(ctx context.Context, ownerID string) (Cart, error)
}

// CouponService validates coupon codes against cart state.
type CouponService interface {
	Validate(ctx context.Context, cmd ValidateCouponCommand) (CouponValidationResult, error)
}

// CheckoutService coordinates PSP order creation and client payment verification.
type CheckoutService interface {
	CreateSession(ctx context.Context, cmd CreateCheckoutSessionCommand) (CheckoutSessionResult, error)
	VerifyPayment(ctx context.Context, cmd VerifyPaymentCommand) (VerifyPaymentResult, error)
}

// OrderService encapsulates order reads and lifecycle transitions.
type OrderService interface {
	GetOrder(ctx context.Context, orderID string) (Order, error)
	GetOrderByProviderOrderID(ctx context.Context, providerOrderID string) (Order, error)
	ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error)
	CreateFromCart(ctx context.Context, cmd CreateOrderFromCartCommand) (Order, error)
	TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error)
	Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error)
	ConfirmPayment(ctx context.Context, cmd ConfirmPaymentCommand) (Order, error)
	FailPayment(ctx context.Context, cmd FailPaymentCommand) (Order, error)
	RecordRefund(ctx context.Context, cmd RecordRefundCommand) (Order, error)
}

// PaymentService handles idempotent PSP webhook processing and refunds.
type PaymentService interface {
	HandleWebhookEvent(ctx context.Context, cmd WebhookEventCommand) error
	Refund(ctx context.Context, cmd RefundPaymentCommand) (Order, error)
	ReconcilePayment(ctx context.Context, orderID string) (Order, error)
}

// CartSyncStore mirrors cart state to a secondary store after each write.
// Implementations are best-effort; failures are reported but never block the
// primary write.
type CartSyncStore interface {
	SaveCartSnapshot(ctx context.Context, cart Cart) error
}

// SystemService aggregates utility endpoints (health checks).
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// Command and DTO definitions ------------------------------------------------

type AddCartItemCommand struct {
	OwnerID         string
	ProductID       string
	Name            string
	Image           string
	UnitPrice       int64
	Quantity        int
	MaxQuantity     int
	SelectedOptions map[string]string
	Currency        string
}

// ReplaceCartLine is one line of a client-supplied cart snapshot.
type ReplaceCartLine struct {
	ProductID       string
	Name            string
	Image           string
	UnitPrice       int64
	Quantity        int
	MaxQuantity     int
	SelectedOptions map[string]string
}

// ReplaceCartCommand swaps the whole cart state for the owner in one write.
// The client reducer is authoritative; the server revalidates the coupon and
// reprices before persisting.
type ReplaceCartCommand struct {
	OwnerID      string
	Currency     string
	Items        []ReplaceCartLine
	CouponCode   string
	ShippingCost int64
}

type RemoveCartItemCommand struct {
	OwnerID         string
	ProductID       string
	SelectedOptions map[string]string
}

type UpdateCartQuantityCommand struct {
	OwnerID         string
	ProductID       string
	SelectedOptions map[string]string
	Quantity        int
}

type CartCouponCommand struct {
	OwnerID string
	Code    string
}

type UpdateShippingCommand struct {
	OwnerID      string
	ShippingCost int64
}

type ValidateCouponCommand struct {
	Code      string
	CartTotal int64
}

// CouponValidationResult reports whether a code may be applied. Message holds
// a customer-safe reason when Valid is false.
type CouponValidationResult struct {
	Valid   bool
	Coupon  *Coupon
	Message string
}

type CreateCheckoutSessionCommand struct {
	OwnerID           string
	PreferredProvider string
	SuccessURL        string
	CancelURL         string
	Notes             map[string]string
}

// CheckoutSessionResult pairs the created internal order with the PSP order
// reference the storefront hands to the payment widget.
type CheckoutSessionResult struct {
	Order           Order
	ProviderOrderID string
	Provider        string
	Amount          int64
	Currency        string
	RedirectURL     string
	ClientSecret    string
}

type VerifyPaymentCommand struct {
	OwnerID         string
	ProviderOrderID string
	PaymentID       string
	Signature       string
}

// VerifyPaymentResult reports the verification outcome. A signature mismatch
// yields Verified=false with the order left pending rather than an error.
type VerifyPaymentResult struct {
	Verified bool
	Order    Order
}

type OrderListFilter = repositories.OrderListFilter

type CreateOrderFromCartCommand struct {
	Cart            Cart
	Provider        string
	ProviderOrderID string
	Receipt         string
	Notes           map[string]string
}

type OrderStatusTransitionCommand struct {
	OrderID      string
	TargetStatus OrderStatus
	ActorID      string
	Reason       string
}

type CancelOrderCommand struct {
	OrderID string
	ActorID string
	Reason  string
}

type ConfirmPaymentCommand struct {
	OrderID        string
	PaymentID      string
	AmountCaptured int64
	CapturedAt     *time.Time
}

type FailPaymentCommand struct {
	OrderID   string
	PaymentID string
	Reason    string
}

type RecordRefundCommand struct {
	OrderID        string
	AmountRefunded int64
	RefundedAt     *time.Time
}

type WebhookEventCommand struct {
	Provider  string
	EventID   string
	EventType string
	Payload   map[string]any
	RawBody   []byte
}

type RefundPaymentCommand struct {
	OrderID string
	Amount  *int64
	Reason  string
	ActorID string
}
