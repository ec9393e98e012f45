package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/aurelia-jewels/api/internal/domain"
	"github.com/aurelia-jewels/api/internal/repositories"
)

const (
	orderEventCreated          = "order.created"
	orderEventStatusChanged    = "order.status.changed"
	orderEventPaymentConfirmed = "order.payment.confirmed"
	orderEventPaymentFailed    = "order.payment.failed"
	orderEventRefundRecorded   = "order.refund.recorded"

	orderIDPrefix = "ord_"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidState indicates an invalid status transition was attempted.
	ErrOrderInvalidState = errors.New("order: invalid status transition")
	// ErrOrderConflict indicates optimistic concurrency conflicts or duplicates.
	ErrOrderConflict = errors.New("order: conflict")
)

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderEvent captures metadata for emitted order domain events.
type OrderEvent struct {
	Type           string
	OrderID        string
	OwnerID        string
	PreviousStatus string
	CurrentStatus  string
	ActorID        string
	OccurredAt     time.Time
	Metadata       map[string]any
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders      repositories.OrderRepository
	Coupons     repositories.CouponRepository
	UnitOfWork  repositories.UnitOfWork
	Clock       func() time.Time
	IDGenerator func() string
	Events      OrderEventPublisher
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders     repositories.OrderRepository
	coupons    repositories.CouponRepository
	unitOfWork repositories.UnitOfWork
	clock      func() time.Time
	newID      func() string
	events     OrderEventPublisher
	logger     func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		orders:     deps.Orders,
		coupons:    deps.Coupons,
		unitOfWork: unit,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		events: deps.Events,
		logger: logger,
	}, nil
}

// CreateFromCart freezes the priced cart into a pending order. The order keeps
// its own copy of line items and totals so later cart or price changes never
// affect it.
func (s *orderService) CreateFromCart(ctx context.Context, cmd CreateOrderFromCartCommand) (Order, error) {
	cart := cmd.Cart
	if len(cart.Items) == 0 {
		return Order{}, fmt.Errorf("%w: cart must contain at least one item", ErrOrderInvalidInput)
	}
	ownerID := strings.TrimSpace(cart.OwnerID)
	if ownerID == "" {
		return Order{}, fmt.Errorf("%w: cart owner id is required", ErrOrderInvalidInput)
	}
	currency := strings.ToUpper(strings.TrimSpace(cart.Currency))
	if currency == "" {
		return Order{}, fmt.Errorf("%w: cart currency is required", ErrOrderInvalidInput)
	}
	if cart.Totals == nil {
		return Order{}, fmt.Errorf("%w: cart totals must be computed before checkout", ErrOrderInvalidInput)
	}
	provider := strings.ToLower(strings.TrimSpace(cmd.Provider))
	if provider == "" {
		return Order{}, fmt.Errorf("%w: payment provider is required", ErrOrderInvalidInput)
	}

	now := s.now()

	order := domain.Order{
		ID:       orderIDPrefix + s.newID(),
		OwnerID:  ownerID,
		Currency: currency,
		Receipt:  strings.TrimSpace(cmd.Receipt),
		Items:    buildOrderLineItems(cart.Items),
		Totals:   *cart.Totals,
		Status:   domain.OrderStatusPending,
		Payment: domain.OrderPayment{
			Provider:        provider,
			ProviderOrderID: strings.TrimSpace(cmd.ProviderOrderID),
			Status:          domain.PaymentStatusPending,
		},
		Notes:     cloneNotes(cmd.Notes),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if cart.AppliedCoupon != nil {
		order.CouponCode = cart.AppliedCoupon.Code
	}

	if err := s.orders.Insert(ctx, order); err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	s.publishEvent(ctx, OrderEvent{
		Type:          orderEventCreated,
		OrderID:       order.ID,
		OwnerID:       order.OwnerID,
		CurrentStatus: string(order.Status),
		OccurredAt:    now,
		Metadata: map[string]any{
			"provider": provider,
			"total":    order.Totals.Total,
			"currency": currency,
		},
	})

	return order, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID string) (Order, error) {
	id := strings.TrimSpace(orderID)
	if id == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, id)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

func (s *orderService) GetOrderByProviderOrderID(ctx context.Context, providerOrderID string) (Order, error) {
	ref := strings.TrimSpace(providerOrderID)
	if ref == "" {
		return Order{}, fmt.Errorf("%w: provider order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByProviderOrderID(ctx, ref)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error) {
	page, err := s.orders.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[Order]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

// TransitionStatus applies an explicit lifecycle transition. Requesting the
// current status is a no-op.
func (s *orderService) TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error) {
	id := strings.TrimSpace(cmd.OrderID)
	if id == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	target := domain.OrderStatus(strings.ToLower(strings.TrimSpace(string(cmd.TargetStatus))))
	if target == "" {
		return Order{}, fmt.Errorf("%w: target status is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, id)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	if order.Status == target {
		return order, nil
	}
	if !order.Status.CanTransitionTo(target) {
		return Order{}, fmt.Errorf("%w: %s to %s", ErrOrderInvalidState, order.Status, target)
	}

	now := s.now()
	previous := order.Status
	order.Status = target
	order.UpdatedAt = now
	s.stampStatusTimestamps(&order, target, now)

	if err := s.orders.Update(ctx, order); err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	s.publishEvent(ctx, OrderEvent{
		Type:           orderEventStatusChanged,
		OrderID:        order.ID,
		OwnerID:        order.OwnerID,
		PreviousStatus: string(previous),
		CurrentStatus:  string(target),
		ActorID:        strings.TrimSpace(cmd.ActorID),
		OccurredAt:     now,
		Metadata:       transitionMetadata(cmd.Reason),
	})

	return order, nil
}

// Cancel moves a pending order to cancelled. Orders past confirmation cannot
// be cancelled through this path.
func (s *orderService) Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error) {
	return s.TransitionStatus(ctx, OrderStatusTransitionCommand{
		OrderID:      cmd.OrderID,
		TargetStatus: domain.OrderStatusCancelled,
		ActorID:      cmd.ActorID,
		Reason:       cmd.Reason,
	})
}

// ConfirmPayment marks the payment captured and the order confirmed. Repeating
// the confirmation for the same payment is a no-op and publishes nothing.
func (s *orderService) ConfirmPayment(ctx context.Context, cmd ConfirmPaymentCommand) (Order, error) {
	id := strings.TrimSpace(cmd.OrderID)
	if id == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	paymentID := strings.TrimSpace(cmd.PaymentID)
	if paymentID == "" {
		return Order{}, fmt.Errorf("%w: payment id is required", ErrOrderInvalidInput)
	}
	if cmd.AmountCaptured < 0 {
		return Order{}, fmt.Errorf("%w: captured amount must be non-negative", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, id)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	if order.Payment.Status == domain.PaymentStatusCompleted {
		if order.Payment.PaymentID != paymentID {
			return Order{}, fmt.Errorf("%w: order already captured payment %s", ErrOrderConflict, order.Payment.PaymentID)
		}
		return order, nil
	}
	if order.Status != domain.OrderStatusPending {
		return Order{}, fmt.Errorf("%w: cannot confirm payment for %s order", ErrOrderInvalidState, order.Status)
	}

	now := s.now()
	capturedAt := now
	if cmd.CapturedAt != nil && !cmd.CapturedAt.IsZero() {
		capturedAt = cmd.CapturedAt.UTC()
	}
	amount := cmd.AmountCaptured
	if amount == 0 {
		amount = order.Totals.Total
	}

	previous := order.Status
	order.Payment.PaymentID = paymentID
	order.Payment.Status = domain.PaymentStatusCompleted
	order.Payment.AmountCaptured = amount
	order.Payment.CapturedAt = &capturedAt
	order.Payment.FailureReason = ""
	order.Status = domain.OrderStatusConfirmed
	order.ConfirmedAt = &now
	order.UpdatedAt = now

	if err := s.orders.Update(ctx, order); err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	s.consumeCoupon(ctx, order)

	s.publishEvent(ctx, OrderEvent{
		Type:           orderEventPaymentConfirmed,
		OrderID:        order.ID,
		OwnerID:        order.OwnerID,
		PreviousStatus: string(previous),
		CurrentStatus:  string(order.Status),
		OccurredAt:     now,
		Metadata: map[string]any{
			"paymentId": paymentID,
			"amount":    amount,
		},
	})

	return order, nil
}

// FailPayment records a terminal provider failure. The order stays pending so
// the customer can retry with a fresh payment.
func (s *orderService) FailPayment(ctx context.Context, cmd FailPaymentCommand) (Order, error) {
	id := strings.TrimSpace(cmd.OrderID)
	if id == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, id)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	if order.Payment.Status == domain.PaymentStatusCompleted {
		return Order{}, fmt.Errorf("%w: cannot fail a captured payment", ErrOrderInvalidState)
	}

	now := s.now()
	order.Payment.Status = domain.PaymentStatusFailed
	order.Payment.FailureReason = strings.TrimSpace(cmd.Reason)
	if paymentID := strings.TrimSpace(cmd.PaymentID); paymentID != "" {
		order.Payment.PaymentID = paymentID
	}
	order.UpdatedAt = now

	if err := s.orders.Update(ctx, order); err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	s.publishEvent(ctx, OrderEvent{
		Type:          orderEventPaymentFailed,
		OrderID:       order.ID,
		OwnerID:       order.OwnerID,
		CurrentStatus: string(order.Status),
		OccurredAt:    now,
		Metadata: map[string]any{
			"reason": order.Payment.FailureReason,
		},
	})

	return order, nil
}

// RecordRefund accumulates refunded amounts. The payment flips to refunded
// once the running total covers the captured amount.
func (s *orderService) RecordRefund(ctx context.Context, cmd RecordRefundCommand) (Order, error) {
	id := strings.TrimSpace(cmd.OrderID)
	if id == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if cmd.AmountRefunded <= 0 {
		return Order{}, fmt.Errorf("%w: refund amount must be positive", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, id)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	if order.Payment.Status != domain.PaymentStatusCompleted && order.Payment.Status != domain.PaymentStatusRefunded {
		return Order{}, fmt.Errorf("%w: cannot refund a payment in state %s", ErrOrderInvalidState, order.Payment.Status)
	}

	captured := order.Payment.AmountCaptured
	refunded := order.Payment.AmountRefunded + cmd.AmountRefunded
	if refunded > captured {
		return Order{}, fmt.Errorf("%w: refund exceeds captured amount", ErrOrderInvalidInput)
	}

	now := s.now()
	refundedAt := now
	if cmd.RefundedAt != nil && !cmd.RefundedAt.IsZero() {
		refundedAt = cmd.RefundedAt.UTC()
	}

	order.Payment.AmountRefunded = refunded
	if refunded >= captured {
		order.Payment.Status = domain.PaymentStatusRefunded
		order.Payment.RefundedAt = &refundedAt
	}
	order.UpdatedAt = now

	if err := s.orders.Update(ctx, order); err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	s.publishEvent(ctx, OrderEvent{
		Type:          orderEventRefundRecorded,
		OrderID:       order.ID,
		OwnerID:       order.OwnerID,
		CurrentStatus: string(order.Status),
		OccurredAt:    now,
		Metadata: map[string]any{
			"amountRefunded": cmd.AmountRefunded,
			"totalRefunded":  refunded,
		},
	})

	return order, nil
}

// consumeCoupon bumps the usage counter after a successful capture. Counter
// failures are logged and never unwind the confirmation.
func (s *orderService) consumeCoupon(ctx context.Context, order domain.Order) {
	if s.coupons == nil || strings.TrimSpace(order.CouponCode) == "" {
		return
	}
	if _, err := s.coupons.IncrementUsage(ctx, order.CouponCode, s.now()); err != nil {
		s.logger(ctx, "order.coupon_usage_failed", map[string]any{
			"orderID": order.ID,
			"code":    order.CouponCode,
			"error":   err.Error(),
		})
	}
}

func (s *orderService) stampStatusTimestamps(order *domain.Order, status domain.OrderStatus, now time.Time) {
	switch status {
	case domain.OrderStatusConfirmed:
		if order.ConfirmedAt == nil {
			order.ConfirmedAt = &now
		}
	case domain.OrderStatusCancelled:
		if order.CancelledAt == nil {
			order.CancelledAt = &now
		}
	}
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("order: repository unavailable: %w", err)
		}
	}

	return err
}

func (s *orderService) now() time.Time {
	return s.clock()
}

func (s *orderService) publishEvent(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":   event.Type,
			"order":  event.OrderID,
			"error":  err.Error(),
			"status": event.CurrentStatus,
		})
	}
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

func buildOrderLineItems(items []domain.CartItem) []domain.OrderLineItem {
	lines := make([]domain.OrderLineItem, 0, len(items))
	for _, item := range items {
		lines = append(lines, domain.OrderLineItem{
			ProductID:       strings.TrimSpace(item.ProductID),
			Name:            strings.TrimSpace(item.Name),
			Image:           strings.TrimSpace(item.Image),
			UnitPrice:       item.UnitPrice,
			Quantity:        item.Quantity,
			SelectedOptions: cloneOptions(item.SelectedOptions),
			LineTotal:       item.UnitPrice * int64(item.Quantity),
		})
	}
	return lines
}

func cloneNotes(notes map[string]string) map[string]string {
	if len(notes) == 0 {
		return nil
	}
	return maps.Clone(notes)
}

func transitionMetadata(reason string) map[string]any {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil
	}
	return map[string]any{"reason": reason}
}
