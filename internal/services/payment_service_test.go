package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	domain "github.com/aurelia-jewels/api/internal/domain"
	"github.com/aurelia-jewels/api/internal/payments"
)

type fakeWebhookEventRepository struct {
	events    map[string]domain.WebhookEvent
	processed []string
	insertErr error
}

func newFakeWebhookEventRepository() *fakeWebhookEventRepository {
	return &fakeWebhookEventRepository{events: map[string]domain.WebhookEvent{}}
}

func (f *fakeWebhookEventRepository) Insert(_ context.Context, event domain.WebhookEvent) (domain.WebhookEvent, error) {
	if f.insertErr != nil {
		return domain.WebhookEvent{}, f.insertErr
	}
	id := fmt.Sprintf("%s_%s", event.Provider, event.EventID)
	if _, exists := f.events[id]; exists {
		return domain.WebhookEvent{}, &repositoryErrorStub{conflict: true}
	}
	event.ID = id
	f.events[id] = event
	return event, nil
}

func (f *fakeWebhookEventRepository) MarkProcessed(_ context.Context, eventID string, processedAt time.Time) error {
	event, ok := f.events[eventID]
	if !ok {
		return &repositoryErrorStub{notFound: true}
	}
	event.ProcessedAt = &processedAt
	f.events[eventID] = event
	f.processed = append(f.processed, eventID)
	return nil
}

func (f *fakeWebhookEventRepository) FindByProviderEvent(_ context.Context, provider, providerEventID string) (domain.WebhookEvent, error) {
	event, ok := f.events[fmt.Sprintf("%s_%s", provider, providerEventID)]
	if !ok {
		return domain.WebhookEvent{}, &repositoryErrorStub{notFound: true}
	}
	return event, nil
}

type fakePaymentGateway struct {
	refund     payments.RefundDetails
	refundErr  error
	lastRefund payments.RefundRequest
	lookup     payments.PaymentDetails
	lookupErr  error
}

func (f *fakePaymentGateway) Refund(_ context.Context, _ payments.PaymentContext, req payments.RefundRequest) (payments.RefundDetails, error) {
	f.lastRefund = req
	if f.refundErr != nil {
		return payments.RefundDetails{}, f.refundErr
	}
	return f.refund, nil
}

func (f *fakePaymentGateway) LookupPayment(_ context.Context, _ payments.PaymentContext, _ payments.LookupRequest) (payments.PaymentDetails, error) {
	if f.lookupErr != nil {
		return payments.PaymentDetails{}, f.lookupErr
	}
	return f.lookup, nil
}

type paymentServiceFixture struct {
	service PaymentService
	events  *fakeWebhookEventRepository
	gateway *fakePaymentGateway
	orders  *orderServiceFixture
}

func newPaymentServiceFixture(t *testing.T) *paymentServiceFixture {
	t.Helper()

	events := newFakeWebhookEventRepository()
	gateway := &fakePaymentGateway{}
	ordersFx := newOrderServiceFixture(t)

	svc, err := NewPaymentService(PaymentServiceDeps{
		WebhookEvents: events,
		Orders:        ordersFx.service,
		Gateway:       gateway,
		Clock:         func() time.Time { return time.Date(2025, time.May, 5, 12, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("NewPaymentService returned error: %v", err)
	}
	return &paymentServiceFixture{service: svc, events: events, gateway: gateway, orders: ordersFx}
}

func (fx *paymentServiceFixture) createPendingOrder(t *testing.T, providerOrderID string) Order {
	t.Helper()
	order, err := fx.orders.service.CreateFromCart(context.Background(), CreateOrderFromCartCommand{
		Cart:            pricedTestCart("user-1"),
		Provider:        "razorpay",
		ProviderOrderID: providerOrderID,
	})
	if err != nil {
		t.Fatalf("CreateFromCart returned error: %v", err)
	}
	return order
}

func capturePayload(providerOrderID, paymentID string, amount int64) map[string]any {
	return map[string]any{
		"payload": map[string]any{
			"payment": map[string]any{
				"entity": map[string]any{
					"id":       paymentID,
					"order_id": providerOrderID,
					"amount":   float64(amount),
					"status":   "captured",
				},
			},
		},
	}
}

func TestPaymentServiceHandlesCaptureWebhook(t *testing.T) {
	fx := newPaymentServiceFixture(t)
	order := fx.createPendingOrder(t, "order_rzp1")

	err := fx.service.HandleWebhookEvent(context.Background(), WebhookEventCommand{
		Provider:  "razorpay",
		EventID:   "evt_1",
		EventType: "payment.captured",
		Payload:   capturePayload("order_rzp1", "pay_1", 30199),
	})
	if err != nil {
		t.Fatalf("HandleWebhookEvent returned error: %v", err)
	}

	stored := fx.orders.orders.orders[order.ID]
	if stored.Status != domain.OrderStatusConfirmed {
		t.Fatalf("expected confirmed order, got %s", stored.Status)
	}
	if stored.Payment.PaymentID != "pay_1" || stored.Payment.AmountCaptured != 30199 {
		t.Fatalf("unexpected payment state: %+v", stored.Payment)
	}
	if len(fx.events.processed) != 1 {
		t.Fatalf("expected event marked processed, got %v", fx.events.processed)
	}
}

func TestPaymentServiceWebhookDedupe(t *testing.T) {
	fx := newPaymentServiceFixture(t)
	fx.createPendingOrder(t, "order_rzp1")

	cmd := WebhookEventCommand{
		Provider:  "razorpay",
		EventID:   "evt_1",
		EventType: "payment.captured",
		Payload:   capturePayload("order_rzp1", "pay_1", 30199),
	}

	if err := fx.service.HandleWebhookEvent(context.Background(), cmd); err != nil {
		t.Fatalf("first delivery returned error: %v", err)
	}
	if err := fx.service.HandleWebhookEvent(context.Background(), cmd); err != nil {
		t.Fatalf("redelivery returned error: %v", err)
	}

	var confirmations int
	for _, event := range fx.orders.publisher.events {
		if event.Type == orderEventPaymentConfirmed {
			confirmations++
		}
	}
	if confirmations != 1 {
		t.Fatalf("expected one confirmation despite redelivery, got %d", confirmations)
	}
	if len(fx.events.processed) != 1 {
		t.Fatalf("expected one processed mark, got %d", len(fx.events.processed))
	}
}

func TestPaymentServiceRedeliveryAfterDispatchFailure(t *testing.T) {
	fx := newPaymentServiceFixture(t)
	order := fx.createPendingOrder(t, "order_rzp1")

	cmd := WebhookEventCommand{
		Provider:  "razorpay",
		EventID:   "evt_1",
		EventType: "payment.captured",
		Payload:   capturePayload("order_rzp1", "pay_1", 30199),
	}

	fx.orders.orders.updateErr = &repositoryErrorStub{}
	if err := fx.service.HandleWebhookEvent(context.Background(), cmd); err == nil {
		t.Fatal("expected error while the order store is failing")
	}
	if len(fx.events.processed) != 0 {
		t.Fatalf("failed dispatch must not mark the event processed, got %d marks", len(fx.events.processed))
	}

	fx.orders.orders.updateErr = nil
	if err := fx.service.HandleWebhookEvent(context.Background(), cmd); err != nil {
		t.Fatalf("redelivery returned error: %v", err)
	}

	stored := fx.orders.orders.orders[order.ID]
	if stored.Status != domain.OrderStatusConfirmed {
		t.Fatalf("expected confirmed order after redelivery, got %s", stored.Status)
	}
	if stored.Payment.Status != domain.PaymentStatusCompleted {
		t.Fatalf("expected completed payment, got %s", stored.Payment.Status)
	}
	if len(fx.events.processed) != 1 {
		t.Fatalf("expected one processed mark, got %d", len(fx.events.processed))
	}

	var confirmations int
	for _, event := range fx.orders.publisher.events {
		if event.Type == orderEventPaymentConfirmed {
			confirmations++
		}
	}
	if confirmations != 1 {
		t.Fatalf("expected exactly one confirmation event, got %d", confirmations)
	}
}

func TestPaymentServiceHandlesFailureWebhook(t *testing.T) {
	fx := newPaymentServiceFixture(t)
	order := fx.createPendingOrder(t, "order_rzp1")

	err := fx.service.HandleWebhookEvent(context.Background(), WebhookEventCommand{
		Provider:  "razorpay",
		EventID:   "evt_f1",
		EventType: "payment.failed",
		Payload: map[string]any{
			"payload": map[string]any{
				"payment": map[string]any{
					"entity": map[string]any{
						"id":                "pay_bad",
						"order_id":          "order_rzp1",
						"error_description": "card declined",
					},
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("HandleWebhookEvent returned error: %v", err)
	}

	stored := fx.orders.orders.orders[order.ID]
	if stored.Payment.Status != domain.PaymentStatusFailed {
		t.Fatalf("expected failed payment, got %s", stored.Payment.Status)
	}
	if stored.Payment.FailureReason != "card declined" {
		t.Fatalf("unexpected failure reason %q", stored.Payment.FailureReason)
	}
	if stored.Status != domain.OrderStatusPending {
		t.Fatalf("expected order to stay pending, got %s", stored.Status)
	}
}

func TestPaymentServiceStaleFailureAfterCapture(t *testing.T) {
	fx := newPaymentServiceFixture(t)
	fx.createPendingOrder(t, "order_rzp1")

	if err := fx.service.HandleWebhookEvent(context.Background(), WebhookEventCommand{
		Provider:  "razorpay",
		EventID:   "evt_1",
		EventType: "payment.captured",
		Payload:   capturePayload("order_rzp1", "pay_1", 30199),
	}); err != nil {
		t.Fatalf("capture delivery returned error: %v", err)
	}

	// The late failure event is acknowledged without flipping the payment.
	if err := fx.service.HandleWebhookEvent(context.Background(), WebhookEventCommand{
		Provider:  "razorpay",
		EventID:   "evt_2",
		EventType: "payment.failed",
		Payload:   capturePayload("order_rzp1", "pay_1", 30199),
	}); err != nil {
		t.Fatalf("stale failure returned error: %v", err)
	}

	for _, order := range fx.orders.orders.orders {
		if order.Payment.Status != domain.PaymentStatusCompleted {
			t.Fatalf("expected payment to stay completed, got %s", order.Payment.Status)
		}
	}
}

func TestPaymentServiceHandlesRefundWebhook(t *testing.T) {
	fx := newPaymentServiceFixture(t)
	order := fx.createPendingOrder(t, "order_rzp1")

	if err := fx.service.HandleWebhookEvent(context.Background(), WebhookEventCommand{
		Provider:  "razorpay",
		EventID:   "evt_1",
		EventType: "payment.captured",
		Payload:   capturePayload("order_rzp1", "pay_1", 30199),
	}); err != nil {
		t.Fatalf("capture delivery returned error: %v", err)
	}

	err := fx.service.HandleWebhookEvent(context.Background(), WebhookEventCommand{
		Provider:  "razorpay",
		EventID:   "evt_r1",
		EventType: "refund.processed",
		Payload: map[string]any{
			"payload": map[string]any{
				"refund": map[string]any{
					"entity": map[string]any{
						"id":         "rfnd_1",
						"payment_id": "pay_1",
						"order_id":   "order_rzp1",
						"amount":     float64(30199),
					},
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("refund delivery returned error: %v", err)
	}

	stored := fx.orders.orders.orders[order.ID]
	if stored.Payment.Status != domain.PaymentStatusRefunded {
		t.Fatalf("expected refunded payment, got %s", stored.Payment.Status)
	}
	if stored.Payment.AmountRefunded != 30199 {
		t.Fatalf("expected refunded 30199, got %d", stored.Payment.AmountRefunded)
	}
}

func TestPaymentServiceIgnoresUnknownEventTypes(t *testing.T) {
	fx := newPaymentServiceFixture(t)

	err := fx.service.HandleWebhookEvent(context.Background(), WebhookEventCommand{
		Provider:  "razorpay",
		EventID:   "evt_x",
		EventType: "invoice.generated",
		Payload:   map[string]any{},
	})
	if err != nil {
		t.Fatalf("expected unknown event type to be acknowledged, got %v", err)
	}
	if len(fx.events.processed) != 1 {
		t.Fatal("expected unknown event to be stored and marked processed")
	}
}

func TestPaymentServiceWebhookValidation(t *testing.T) {
	fx := newPaymentServiceFixture(t)

	if err := fx.service.HandleWebhookEvent(context.Background(), WebhookEventCommand{EventID: "evt"}); !errors.Is(err, ErrPaymentInvalidInput) {
		t.Fatalf("expected ErrPaymentInvalidInput for missing provider, got %v", err)
	}
	if err := fx.service.HandleWebhookEvent(context.Background(), WebhookEventCommand{Provider: "razorpay"}); !errors.Is(err, ErrPaymentInvalidInput) {
		t.Fatalf("expected ErrPaymentInvalidInput for missing event id, got %v", err)
	}
}

func TestPaymentServiceRefund(t *testing.T) {
	fx := newPaymentServiceFixture(t)
	order := fx.createPendingOrder(t, "order_rzp1")

	if _, err := fx.orders.service.ConfirmPayment(context.Background(), ConfirmPaymentCommand{
		OrderID:        order.ID,
		PaymentID:      "pay_1",
		AmountCaptured: 30199,
	}); err != nil {
		t.Fatalf("ConfirmPayment returned error: %v", err)
	}

	amount := int64(10000)
	fx.gateway.refund = payments.RefundDetails{ID: "rfnd_1", PaymentID: "pay_1", Amount: 10000, Status: payments.StatusRefunded}

	updated, err := fx.service.Refund(context.Background(), RefundPaymentCommand{
		OrderID: order.ID,
		Amount:  &amount,
		Reason:  "requested_by_customer",
	})
	if err != nil {
		t.Fatalf("Refund returned error: %v", err)
	}
	if updated.Payment.AmountRefunded != 10000 {
		t.Fatalf("expected refunded 10000, got %d", updated.Payment.AmountRefunded)
	}
	if updated.Payment.Status != domain.PaymentStatusCompleted {
		t.Fatalf("expected partial refund to keep completed, got %s", updated.Payment.Status)
	}
	if fx.gateway.lastRefund.PaymentID != "pay_1" {
		t.Fatalf("expected gateway refund for pay_1, got %+v", fx.gateway.lastRefund)
	}
}

func TestPaymentServiceRefundGuards(t *testing.T) {
	fx := newPaymentServiceFixture(t)
	order := fx.createPendingOrder(t, "order_rzp1")

	if _, err := fx.service.Refund(context.Background(), RefundPaymentCommand{OrderID: order.ID}); !errors.Is(err, ErrPaymentNotRefundable) {
		t.Fatalf("expected ErrPaymentNotRefundable for uncaptured payment, got %v", err)
	}

	if _, err := fx.orders.service.ConfirmPayment(context.Background(), ConfirmPaymentCommand{
		OrderID:        order.ID,
		PaymentID:      "pay_1",
		AmountCaptured: 30199,
	}); err != nil {
		t.Fatalf("ConfirmPayment returned error: %v", err)
	}

	tooMuch := int64(40000)
	if _, err := fx.service.Refund(context.Background(), RefundPaymentCommand{OrderID: order.ID, Amount: &tooMuch}); !errors.Is(err, ErrPaymentInvalidInput) {
		t.Fatalf("expected ErrPaymentInvalidInput for over-refund, got %v", err)
	}

	fx.gateway.refundErr = errors.New("gateway down")
	if _, err := fx.service.Refund(context.Background(), RefundPaymentCommand{OrderID: order.ID}); !errors.Is(err, ErrPaymentUnavailable) {
		t.Fatalf("expected ErrPaymentUnavailable, got %v", err)
	}
}

func TestPaymentServiceReconcileCaptured(t *testing.T) {
	fx := newPaymentServiceFixture(t)
	order := fx.createPendingOrder(t, "order_rzp1")

	// Give the order a payment id without capturing, as if verification
	// recorded the id but the capture state was lost.
	stored := fx.orders.orders.orders[order.ID]
	stored.Payment.PaymentID = "pay_1"
	fx.orders.orders.orders[order.ID] = stored

	capturedAt := time.Date(2025, time.May, 5, 11, 0, 0, 0, time.UTC)
	fx.gateway.lookup = payments.PaymentDetails{
		Provider:   "razorpay",
		PaymentID:  "pay_1",
		Status:     payments.StatusCaptured,
		Amount:     30199,
		Captured:   true,
		CapturedAt: &capturedAt,
	}

	updated, err := fx.service.ReconcilePayment(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("ReconcilePayment returned error: %v", err)
	}
	if updated.Status != domain.OrderStatusConfirmed {
		t.Fatalf("expected confirmed order, got %s", updated.Status)
	}
	if updated.Payment.AmountCaptured != 30199 {
		t.Fatalf("expected captured 30199, got %d", updated.Payment.AmountCaptured)
	}
}

func TestPaymentServiceReconcilePendingLeavesOrderAlone(t *testing.T) {
	fx := newPaymentServiceFixture(t)
	order := fx.createPendingOrder(t, "order_rzp1")

	stored := fx.orders.orders.orders[order.ID]
	stored.Payment.PaymentID = "pay_1"
	fx.orders.orders.orders[order.ID] = stored

	fx.gateway.lookup = payments.PaymentDetails{PaymentID: "pay_1", Status: payments.StatusPending}

	updated, err := fx.service.ReconcilePayment(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("ReconcilePayment returned error: %v", err)
	}
	if updated.Status != domain.OrderStatusPending {
		t.Fatalf("expected pending order, got %s", updated.Status)
	}
	if updated.Payment.Status != domain.PaymentStatusPending {
		t.Fatalf("expected pending payment, got %s", updated.Payment.Status)
	}
}

func TestPaymentServiceReconcileRefunded(t *testing.T) {
	fx := newPaymentServiceFixture(t)
	order := fx.createPendingOrder(t, "order_rzp1")

	if _, err := fx.orders.service.ConfirmPayment(context.Background(), ConfirmPaymentCommand{
		OrderID:        order.ID,
		PaymentID:      "pay_1",
		AmountCaptured: 30199,
	}); err != nil {
		t.Fatalf("ConfirmPayment returned error: %v", err)
	}

	fx.gateway.lookup = payments.PaymentDetails{
		PaymentID:      "pay_1",
		Status:         payments.StatusRefunded,
		Amount:         30199,
		AmountRefunded: 30199,
		Captured:       true,
	}

	updated, err := fx.service.ReconcilePayment(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("ReconcilePayment returned error: %v", err)
	}
	if updated.Payment.Status != domain.PaymentStatusRefunded {
		t.Fatalf("expected refunded payment, got %s", updated.Payment.Status)
	}
	if updated.Payment.AmountRefunded != 30199 {
		t.Fatalf("expected refunded 30199, got %d", updated.Payment.AmountRefunded)
	}
}

func TestPaymentServiceReconcileRequiresPaymentID(t *testing.T) {
	fx := newPaymentServiceFixture(t)
	order := fx.createPendingOrder(t, "order_rzp1")

	if _, err := fx.service.ReconcilePayment(context.Background(), order.ID); !errors.Is(err, ErrPaymentInvalidInput) {
		t.Fatalf("expected ErrPaymentInvalidInput without payment id, got %v", err)
	}
}
