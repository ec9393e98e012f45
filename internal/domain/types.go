package domain

import (
	"strings"
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// SortOrder indicates ascending or descending ordering for list queries.
type SortOrder string

const (
	// SortAsc sorts results in ascending order.
	SortAsc SortOrder = "asc"
	// SortDesc sorts results in descending order.
	SortDesc SortOrder = "desc"
)

// RangeQuery represents inclusive range filters for numeric or timestamp fields.
type RangeQuery[T comparable] struct {
	From *T
	To   *T
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// CouponType enumerates the supported discount strategies.
type CouponType string

const (
	// CouponPercentage applies a percentage of the cart subtotal.
	CouponPercentage CouponType = "percentage"
	// CouponFixed applies a fixed amount, capped at the cart subtotal.
	CouponFixed CouponType = "fixed"
)

// Coupon describes a discount code and its eligibility constraints.
type Coupon struct {
	Code         string
	Type         CouponType
	Value        int64
	Description  string
	Active       bool
	MinCartTotal int64
	MaxUses      int
	Uses         int
	StartsAt     *time.Time
	EndsAt       *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CartItem stores a single product line within a cart. Two entries describe
// the same line iff their product ID and selected options match.
type CartItem struct {
	ProductID       string
	Name            string
	Image           string
	UnitPrice       int64
	Quantity        int
	MaxQuantity     int
	SelectedOptions map[string]string
	AddedAt         time.Time
	UpdatedAt       *time.Time
}

// SameLine reports whether two items share an identity key, meaning the same
// product and the same option selection. Option maps are compared by value,
// independent of key order.
func (i CartItem) SameLine(other CartItem) bool {
	if !strings.EqualFold(strings.TrimSpace(i.ProductID), strings.TrimSpace(other.ProductID)) {
		return false
	}
	return OptionsEqual(i.SelectedOptions, other.SelectedOptions)
}

// OptionsEqual compares two option maps by value. Nil and empty maps are
// considered equal.
func OptionsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if other, ok := b[k]; !ok || other != v {
			return false
		}
	}
	return true
}

// Cart aggregates the mutable shopping cart state for an owner.
type Cart struct {
	ID            string
	OwnerID       string
	Currency      string
	Items         []CartItem
	AppliedCoupon *Coupon
	ShippingCost  int64
	Totals        *CartTotals
	Metadata      map[string]any
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CartTotals summarises the derived monetary state of a cart. It is always a
// pure function of (items, coupon, shipping cost) and is recomputed on every
// transition rather than mutated in place.
type CartTotals struct {
	Subtotal   int64
	Discount   int64
	Tax        int64
	Shipping   int64
	Total      int64
	TotalItems int
}

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusPending indicates the order awaits payment confirmation.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusConfirmed indicates payment has been verified.
	OrderStatusConfirmed OrderStatus = "confirmed"
	// OrderStatusProcessing indicates the order is being prepared.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusShipped indicates the order has left the warehouse.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered indicates the order reached the customer.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled indicates the order was cancelled before confirmation.
	OrderStatusCancelled OrderStatus = "cancelled"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:    {OrderStatusConfirmed, OrderStatusCancelled},
	OrderStatusConfirmed:  {OrderStatusProcessing},
	OrderStatusProcessing: {OrderStatusShipped},
	OrderStatusShipped:    {OrderStatusDelivered},
}

// CanTransitionTo reports whether the lifecycle permits moving to next.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// PaymentStatus enumerates the payment sub-states of an order.
type PaymentStatus string

const (
	// PaymentStatusPending indicates no capture has been reported yet.
	PaymentStatusPending PaymentStatus = "pending"
	// PaymentStatusCompleted indicates the provider captured the payment.
	PaymentStatusCompleted PaymentStatus = "completed"
	// PaymentStatusFailed indicates the provider reported a terminal failure.
	PaymentStatusFailed PaymentStatus = "failed"
	// PaymentStatusRefunded indicates the captured amount was fully refunded.
	PaymentStatusRefunded PaymentStatus = "refunded"
)

// OrderLineItem is the immutable snapshot of a cart line frozen at checkout.
type OrderLineItem struct {
	ProductID       string
	Name            string
	Image           string
	UnitPrice       int64
	Quantity        int
	SelectedOptions map[string]string
	LineTotal       int64
}

// OrderPayment records the provider-side payment identity and state for an order.
type OrderPayment struct {
	Provider        string
	ProviderOrderID string
	PaymentID       string
	Status          PaymentStatus
	AmountCaptured  int64
	AmountRefunded  int64
	FailureReason   string
	CapturedAt      *time.Time
	RefundedAt      *time.Time
}

// Order is the internal order record. Money fields are frozen at creation;
// later price or cart changes never affect an existing order.
type Order struct {
	ID          string
	OwnerID     string
	Currency    string
	Receipt     string
	Items       []OrderLineItem
	Totals      CartTotals
	CouponCode  string
	Status      OrderStatus
	Payment     OrderPayment
	Notes       map[string]string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ConfirmedAt *time.Time
	CancelledAt *time.Time
}

// WebhookEvent persists a provider callback for dedupe and audit.
type WebhookEvent struct {
	ID          string
	Provider    string
	EventID     string
	EventType   string
	Payload     map[string]any
	ReceivedAt  time.Time
	ProcessedAt *time.Time
}
