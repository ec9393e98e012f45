package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/aurelia-jewels/api/internal/domain"
	"github.com/aurelia-jewels/api/internal/payments"
	"github.com/aurelia-jewels/api/internal/repositories"
)

const (
	webhookEventPaymentCaptured = "payment.captured"
	webhookEventPaymentFailed   = "payment.failed"
	webhookEventRefundCreated   = "refund.created"
	webhookEventRefundProcessed = "refund.processed"
)

var (
	// ErrPaymentInvalidInput signals malformed webhook or refund requests.
	ErrPaymentInvalidInput = errors.New("payment: invalid input")
	// ErrPaymentOrderNotFound indicates the referenced order does not exist.
	ErrPaymentOrderNotFound = errors.New("payment: order not found")
	// ErrPaymentUnavailable indicates a provider or storage failure.
	ErrPaymentUnavailable = errors.New("payment: unavailable")
	// ErrPaymentNotRefundable indicates the payment state does not allow a refund.
	ErrPaymentNotRefundable = errors.New("payment: not refundable")
)

// paymentProviderGateway abstracts payments.Manager for refunds and lookups.
type paymentProviderGateway interface {
	Refund(ctx context.Context, paymentCtx payments.PaymentContext, req payments.RefundRequest) (payments.RefundDetails, error)
	LookupPayment(ctx context.Context, paymentCtx payments.PaymentContext, req payments.LookupRequest) (payments.PaymentDetails, error)
}

// PaymentServiceDeps wires webhook storage, the order lifecycle, and the
// provider gateway.
type PaymentServiceDeps struct {
	WebhookEvents repositories.WebhookEventRepository
	Orders        OrderService
	Gateway       paymentProviderGateway
	Clock         func() time.Time
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type paymentService struct {
	events  repositories.WebhookEventRepository
	orders  OrderService
	gateway paymentProviderGateway
	now     func() time.Time
	logger  func(ctx context.Context, event string, fields map[string]any)
}

// NewPaymentService constructs a PaymentService.
func NewPaymentService(deps PaymentServiceDeps) (PaymentService, error) {
	if deps.WebhookEvents == nil {
		return nil, errors.New("payment service: webhook event repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("payment service: order service is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &paymentService{
		events:  deps.WebhookEvents,
		orders:  deps.Orders,
		gateway: deps.Gateway,
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// HandleWebhookEvent applies a provider callback at most once. Redelivered
// events short-circuit on the stored (provider, event id) pair when the first
// delivery completed; a redelivery of an event that was stored but never
// processed is dispatched again. Unknown event types are acknowledged without
// side effects so the provider stops retrying them.
func (s *paymentService) HandleWebhookEvent(ctx context.Context, cmd WebhookEventCommand) error {
	provider := strings.ToLower(strings.TrimSpace(cmd.Provider))
	eventID := strings.TrimSpace(cmd.EventID)
	eventType := strings.ToLower(strings.TrimSpace(cmd.EventType))
	if provider == "" || eventID == "" {
		return fmt.Errorf("%w: provider and event id are required", ErrPaymentInvalidInput)
	}

	stored, err := s.events.Insert(ctx, domain.WebhookEvent{
		Provider:   provider,
		EventID:    eventID,
		EventType:  eventType,
		Payload:    cmd.Payload,
		ReceivedAt: s.now(),
	})
	if err != nil {
		if !isRepoConflict(err) {
			return fmt.Errorf("%w: %v", ErrPaymentUnavailable, err)
		}

		// Redelivery. The stored record decides whether the earlier
		// delivery finished: a missing ProcessedAt means dispatch failed
		// after the insert, so the retry must run it again.
		existing, findErr := s.events.FindByProviderEvent(ctx, provider, eventID)
		if findErr != nil {
			return fmt.Errorf("%w: %v", ErrPaymentUnavailable, findErr)
		}
		if existing.ProcessedAt != nil {
			s.logger(ctx, "payments.webhook.duplicate", map[string]any{
				"provider": provider,
				"eventID":  eventID,
				"type":     eventType,
			})
			return nil
		}
		s.logger(ctx, "payments.webhook.redelivery", map[string]any{
			"provider": provider,
			"eventID":  eventID,
			"type":     eventType,
		})
		stored = existing
	}

	if err := s.dispatchWebhookEvent(ctx, provider, eventType, cmd.Payload); err != nil {
		return err
	}

	if err := s.events.MarkProcessed(ctx, stored.ID, s.now()); err != nil {
		s.logger(ctx, "payments.webhook.mark_processed_failed", map[string]any{
			"provider": provider,
			"eventID":  eventID,
			"error":    err.Error(),
		})
	}
	return nil
}

func (s *paymentService) dispatchWebhookEvent(ctx context.Context, provider, eventType string, payload map[string]any) error {
	switch eventType {
	case webhookEventPaymentCaptured:
		return s.applyCapture(ctx, payload)
	case webhookEventPaymentFailed:
		return s.applyFailure(ctx, payload)
	case webhookEventRefundCreated, webhookEventRefundProcessed:
		return s.applyRefund(ctx, payload)
	default:
		s.logger(ctx, "payments.webhook.ignored", map[string]any{
			"provider": provider,
			"type":     eventType,
		})
		return nil
	}
}

func (s *paymentService) applyCapture(ctx context.Context, payload map[string]any) error {
	entity := paymentEntity(payload)
	providerOrderID := entityString(entity, "order_id")
	paymentID := entityString(entity, "id")
	if providerOrderID == "" || paymentID == "" {
		return fmt.Errorf("%w: capture payload missing order or payment id", ErrPaymentInvalidInput)
	}

	order, err := s.orders.GetOrderByProviderOrderID(ctx, providerOrderID)
	if err != nil {
		return s.translateOrderError(err)
	}

	capturedAt := s.now()
	_, err = s.orders.ConfirmPayment(ctx, ConfirmPaymentCommand{
		OrderID:        order.ID,
		PaymentID:      paymentID,
		AmountCaptured: entityInt64(entity, "amount"),
		CapturedAt:     &capturedAt,
	})
	return s.translateOrderError(err)
}

func (s *paymentService) applyFailure(ctx context.Context, payload map[string]any) error {
	entity := paymentEntity(payload)
	providerOrderID := entityString(entity, "order_id")
	if providerOrderID == "" {
		return fmt.Errorf("%w: failure payload missing order id", ErrPaymentInvalidInput)
	}

	order, err := s.orders.GetOrderByProviderOrderID(ctx, providerOrderID)
	if err != nil {
		return s.translateOrderError(err)
	}

	reason := entityString(entity, "error_description")
	if reason == "" {
		reason = entityString(entity, "error_code")
	}

	_, err = s.orders.FailPayment(ctx, FailPaymentCommand{
		OrderID:   order.ID,
		PaymentID: entityString(entity, "id"),
		Reason:    reason,
	})
	if errors.Is(err, ErrOrderInvalidState) {
		// A capture already landed for this order; the late failure is stale.
		s.logger(ctx, "payments.webhook.stale_failure", map[string]any{
			"orderID": order.ID,
		})
		return nil
	}
	return s.translateOrderError(err)
}

func (s *paymentService) applyRefund(ctx context.Context, payload map[string]any) error {
	entity := refundEntity(payload)
	paymentID := entityString(entity, "payment_id")
	amount := entityInt64(entity, "amount")
	if paymentID == "" || amount <= 0 {
		return fmt.Errorf("%w: refund payload missing payment id or amount", ErrPaymentInvalidInput)
	}

	providerOrderID := entityString(paymentEntity(payload), "order_id")
	if providerOrderID == "" {
		providerOrderID = entityString(entity, "order_id")
	}
	if providerOrderID == "" {
		return fmt.Errorf("%w: refund payload missing order id", ErrPaymentInvalidInput)
	}

	order, err := s.orders.GetOrderByProviderOrderID(ctx, providerOrderID)
	if err != nil {
		return s.translateOrderError(err)
	}

	refundedAt := s.now()
	_, err = s.orders.RecordRefund(ctx, RecordRefundCommand{
		OrderID:        order.ID,
		AmountRefunded: amount,
		RefundedAt:     &refundedAt,
	})
	return s.translateOrderError(err)
}

// Refund pushes a refund to the provider and records the result on the order.
// A nil amount refunds whatever remains captured.
func (s *paymentService) Refund(ctx context.Context, cmd RefundPaymentCommand) (Order, error) {
	if s.gateway == nil {
		return Order{}, ErrPaymentUnavailable
	}
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrPaymentInvalidInput)
	}

	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return Order{}, s.translateOrderError(err)
	}
	if order.Payment.Status != domain.PaymentStatusCompleted {
		return Order{}, fmt.Errorf("%w: payment state is %s", ErrPaymentNotRefundable, order.Payment.Status)
	}
	if order.Payment.PaymentID == "" {
		return Order{}, fmt.Errorf("%w: order has no captured payment id", ErrPaymentNotRefundable)
	}

	remaining := order.Payment.AmountCaptured - order.Payment.AmountRefunded
	if remaining <= 0 {
		return Order{}, fmt.Errorf("%w: nothing left to refund", ErrPaymentNotRefundable)
	}
	if cmd.Amount != nil {
		if *cmd.Amount <= 0 {
			return Order{}, fmt.Errorf("%w: refund amount must be positive", ErrPaymentInvalidInput)
		}
		if *cmd.Amount > remaining {
			return Order{}, fmt.Errorf("%w: refund exceeds remaining captured amount", ErrPaymentInvalidInput)
		}
	}

	details, err := s.gateway.Refund(ctx, payments.PaymentContext{
		PreferredProvider: order.Payment.Provider,
		Currency:          order.Currency,
	}, payments.RefundRequest{
		PaymentID: order.Payment.PaymentID,
		Amount:    cmd.Amount,
		Reason:    strings.TrimSpace(cmd.Reason),
	})
	if err != nil {
		s.logger(ctx, "payments.refund.failed", map[string]any{
			"orderID":   order.ID,
			"paymentID": order.Payment.PaymentID,
			"error":     err.Error(),
		})
		return Order{}, ErrPaymentUnavailable
	}

	refundedAt := s.now()
	updated, err := s.orders.RecordRefund(ctx, RecordRefundCommand{
		OrderID:        order.ID,
		AmountRefunded: details.Amount,
		RefundedAt:     &refundedAt,
	})
	if err != nil {
		return Order{}, s.translateOrderError(err)
	}

	s.logger(ctx, "payments.refund.recorded", map[string]any{
		"orderID":  updated.ID,
		"refundID": details.ID,
		"amount":   details.Amount,
		"actorID":  strings.TrimSpace(cmd.ActorID),
	})
	return updated, nil
}

// ReconcilePayment pulls the provider's view of the payment and realigns the
// order with it. Pending provider states leave the order untouched.
func (s *paymentService) ReconcilePayment(ctx context.Context, orderID string) (Order, error) {
	if s.gateway == nil {
		return Order{}, ErrPaymentUnavailable
	}
	id := strings.TrimSpace(orderID)
	if id == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrPaymentInvalidInput)
	}

	order, err := s.orders.GetOrder(ctx, id)
	if err != nil {
		return Order{}, s.translateOrderError(err)
	}
	if order.Payment.PaymentID == "" {
		return Order{}, fmt.Errorf("%w: order has no payment to reconcile", ErrPaymentInvalidInput)
	}

	details, err := s.gateway.LookupPayment(ctx, payments.PaymentContext{
		PreferredProvider: order.Payment.Provider,
		Currency:          order.Currency,
	}, payments.LookupRequest{PaymentID: order.Payment.PaymentID})
	if err != nil {
		s.logger(ctx, "payments.reconcile.lookup_failed", map[string]any{
			"orderID":   order.ID,
			"paymentID": order.Payment.PaymentID,
			"error":     err.Error(),
		})
		return Order{}, ErrPaymentUnavailable
	}

	switch details.Status {
	case payments.StatusCaptured:
		updated, err := s.orders.ConfirmPayment(ctx, ConfirmPaymentCommand{
			OrderID:        order.ID,
			PaymentID:      details.PaymentID,
			AmountCaptured: details.Amount,
			CapturedAt:     details.CapturedAt,
		})
		return updated, s.translateOrderError(err)
	case payments.StatusFailed:
		updated, err := s.orders.FailPayment(ctx, FailPaymentCommand{
			OrderID:   order.ID,
			PaymentID: details.PaymentID,
			Reason:    "provider reported failure",
		})
		return updated, s.translateOrderError(err)
	case payments.StatusRefunded:
		delta := details.AmountRefunded - order.Payment.AmountRefunded
		if delta <= 0 {
			return order, nil
		}
		if order.Payment.Status == domain.PaymentStatusPending {
			// Capture never reached us; record it before the refund.
			if _, err := s.orders.ConfirmPayment(ctx, ConfirmPaymentCommand{
				OrderID:        order.ID,
				PaymentID:      details.PaymentID,
				AmountCaptured: details.Amount,
				CapturedAt:     details.CapturedAt,
			}); err != nil {
				return Order{}, s.translateOrderError(err)
			}
		}
		refundedAt := s.now()
		updated, err := s.orders.RecordRefund(ctx, RecordRefundCommand{
			OrderID:        order.ID,
			AmountRefunded: delta,
			RefundedAt:     &refundedAt,
		})
		return updated, s.translateOrderError(err)
	default:
		return order, nil
	}
}

func (s *paymentService) translateOrderError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrOrderNotFound):
		return fmt.Errorf("%w: %v", ErrPaymentOrderNotFound, err)
	case errors.Is(err, ErrOrderInvalidInput), errors.Is(err, ErrOrderInvalidState), errors.Is(err, ErrOrderConflict):
		return fmt.Errorf("%w: %v", ErrPaymentInvalidInput, err)
	default:
		return fmt.Errorf("%w: %v", ErrPaymentUnavailable, err)
	}
}

// paymentEntity digs the payment entity out of a Razorpay-shaped payload,
// falling back to the payload itself for flat test fixtures.
func paymentEntity(payload map[string]any) map[string]any {
	return lookupEntity(payload, "payment")
}

func refundEntity(payload map[string]any) map[string]any {
	return lookupEntity(payload, "refund")
}

func lookupEntity(payload map[string]any, kind string) map[string]any {
	if payload == nil {
		return nil
	}
	inner, ok := payload["payload"].(map[string]any)
	if !ok {
		return payload
	}
	wrapper, ok := inner[kind].(map[string]any)
	if !ok {
		return payload
	}
	if entity, ok := wrapper["entity"].(map[string]any); ok {
		return entity
	}
	return wrapper
}

func entityString(entity map[string]any, key string) string {
	if entity == nil {
		return ""
	}
	value, ok := entity[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(value)
}

func entityInt64(entity map[string]any, key string) int64 {
	if entity == nil {
		return 0
	}
	switch v := entity[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}
