package payments

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeRazorpayOrders struct {
	lastData    map[string]interface{}
	lastHeaders map[string]string
	response    map[string]interface{}
	err         error
}

func (f *fakeRazorpayOrders) Create(data map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error) {
	f.lastData = data
	f.lastHeaders = extraHeaders
	return f.response, f.err
}

type fakeRazorpayPayments struct {
	lastRefundID     string
	lastRefundAmount int
	fetchResponse    map[string]interface{}
	refundResponse   map[string]interface{}
	fetchErr         error
	refundErr        error
}

func (f *fakeRazorpayPayments) Fetch(paymentID string, queryParams map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error) {
	return f.fetchResponse, f.fetchErr
}

func (f *fakeRazorpayPayments) Refund(paymentID string, amount int, data map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error) {
	f.lastRefundID = paymentID
	f.lastRefundAmount = amount
	return f.refundResponse, f.refundErr
}

func newTestRazorpayProvider(t *testing.T, orders *fakeRazorpayOrders, payments *fakeRazorpayPayments) *RazorpayProvider {
	t.Helper()
	provider, err := NewRazorpayProvider(RazorpayProviderConfig{
		Clients: &razorpayClients{orders: orders, payments: payments},
		Clock: func() time.Time {
			return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
		},
	})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	return provider
}

func TestRazorpayCreateOrder(t *testing.T) {
	orders := &fakeRazorpayOrders{response: map[string]interface{}{
		"id":       "order_Nxy123",
		"amount":   float64(14999),
		"currency": "INR",
		"receipt":  "receipt_1",
		"status":   "created",
	}}
	provider := newTestRazorpayProvider(t, orders, &fakeRazorpayPayments{})

	order, err := provider.CreateOrder(context.Background(), OrderRequest{
		Amount:         14999,
		Currency:       "inr",
		Receipt:        "receipt_1",
		Notes:          map[string]string{"orderId": "ord_internal"},
		IdempotencyKey: "abc123",
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	if order.ID != "order_Nxy123" {
		t.Fatalf("unexpected order id %q", order.ID)
	}
	if order.Amount != 14999 {
		t.Fatalf("expected amount 14999, got %d", order.Amount)
	}
	if order.Currency != "INR" {
		t.Fatalf("expected currency INR, got %q", order.Currency)
	}
	if got := orders.lastData["amount"]; got != int64(14999) {
		t.Fatalf("unexpected request amount %v", got)
	}
	if got := orders.lastData["payment_capture"]; got != 1 {
		t.Fatalf("expected auto capture flag, got %v", got)
	}
	if got := orders.lastData["currency"]; got != "INR" {
		t.Fatalf("expected uppercased currency, got %v", got)
	}
	if orders.lastHeaders["X-Razorpay-Idempotency"] != "abc123" {
		t.Fatalf("expected idempotency header, got %v", orders.lastHeaders)
	}
}

func TestRazorpayCreateOrderRejectsNonPositiveAmount(t *testing.T) {
	provider := newTestRazorpayProvider(t, &fakeRazorpayOrders{}, &fakeRazorpayPayments{})
	if _, err := provider.CreateOrder(context.Background(), OrderRequest{Amount: 0, Currency: "INR"}); err == nil {
		t.Fatalf("expected error for zero amount")
	}
}

func TestRazorpayCreateOrderWrapsAPIError(t *testing.T) {
	apiErr := errors.New("gateway unavailable")
	provider := newTestRazorpayProvider(t, &fakeRazorpayOrders{err: apiErr}, &fakeRazorpayPayments{})
	_, err := provider.CreateOrder(context.Background(), OrderRequest{Amount: 500, Currency: "INR"})
	if !errors.Is(err, apiErr) {
		t.Fatalf("expected wrapped api error, got %v", err)
	}
}

func TestRazorpayPartialRefund(t *testing.T) {
	payments := &fakeRazorpayPayments{refundResponse: map[string]interface{}{
		"id":         "rfnd_1",
		"payment_id": "pay_1",
		"amount":     float64(5000),
		"status":     "processed",
	}}
	provider := newTestRazorpayProvider(t, &fakeRazorpayOrders{}, payments)

	amount := int64(5000)
	refund, err := provider.Refund(context.Background(), RefundRequest{PaymentID: "pay_1", Amount: &amount})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if payments.lastRefundAmount != 5000 {
		t.Fatalf("expected refund of 5000, got %d", payments.lastRefundAmount)
	}
	if refund.Status != StatusRefunded {
		t.Fatalf("expected refunded status, got %q", refund.Status)
	}
	if refund.PaymentID != "pay_1" {
		t.Fatalf("unexpected payment id %q", refund.PaymentID)
	}
}

func TestRazorpayFullRefundUsesRemainingCapturedAmount(t *testing.T) {
	payments := &fakeRazorpayPayments{
		fetchResponse: map[string]interface{}{
			"id":              "pay_1",
			"order_id":        "order_1",
			"status":          "captured",
			"amount":          float64(14999),
			"amount_refunded": float64(4999),
			"currency":        "INR",
		},
		refundResponse: map[string]interface{}{
			"id":         "rfnd_2",
			"payment_id": "pay_1",
			"amount":     float64(10000),
			"status":     "pending",
		},
	}
	provider := newTestRazorpayProvider(t, &fakeRazorpayOrders{}, payments)

	refund, err := provider.Refund(context.Background(), RefundRequest{PaymentID: "pay_1"})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if payments.lastRefundAmount != 10000 {
		t.Fatalf("expected remaining 10000 refunded, got %d", payments.lastRefundAmount)
	}
	if refund.Status != StatusPending {
		t.Fatalf("expected pending refund status, got %q", refund.Status)
	}
}

func TestRazorpayFullRefundFailsWhenNothingRemains(t *testing.T) {
	payments := &fakeRazorpayPayments{
		fetchResponse: map[string]interface{}{
			"id":              "pay_1",
			"status":          "refunded",
			"amount":          float64(14999),
			"amount_refunded": float64(14999),
		},
	}
	provider := newTestRazorpayProvider(t, &fakeRazorpayOrders{}, payments)

	if _, err := provider.Refund(context.Background(), RefundRequest{PaymentID: "pay_1"}); err == nil {
		t.Fatalf("expected error when nothing remains to refund")
	}
}

func TestRazorpayLookupPaymentStatusMapping(t *testing.T) {
	cases := []struct {
		name         string
		body         map[string]interface{}
		wantStatus   Status
		wantCaptured bool
	}{
		{
			name: "captured",
			body: map[string]interface{}{
				"id": "pay_1", "order_id": "order_1", "status": "captured",
				"amount": float64(14999), "currency": "INR", "created_at": float64(1700000000),
			},
			wantStatus:   StatusCaptured,
			wantCaptured: true,
		},
		{
			name:       "authorized stays pending",
			body:       map[string]interface{}{"id": "pay_2", "status": "authorized", "amount": float64(100)},
			wantStatus: StatusPending,
		},
		{
			name:       "failed",
			body:       map[string]interface{}{"id": "pay_3", "status": "failed", "amount": float64(100)},
			wantStatus: StatusFailed,
		},
		{
			name: "fully refunded",
			body: map[string]interface{}{
				"id": "pay_4", "status": "captured",
				"amount": float64(100), "amount_refunded": float64(100),
			},
			wantStatus:   StatusRefunded,
			wantCaptured: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			provider := newTestRazorpayProvider(t, &fakeRazorpayOrders{}, &fakeRazorpayPayments{fetchResponse: tc.body})
			details, err := provider.LookupPayment(context.Background(), LookupRequest{PaymentID: "pay_x"})
			if err != nil {
				t.Fatalf("lookup: %v", err)
			}
			if details.Status != tc.wantStatus {
				t.Fatalf("expected status %q, got %q", tc.wantStatus, details.Status)
			}
			if details.Captured != tc.wantCaptured {
				t.Fatalf("expected captured=%v, got %v", tc.wantCaptured, details.Captured)
			}
			if details.Provider != "razorpay" {
				t.Fatalf("unexpected provider %q", details.Provider)
			}
		})
	}
}

func TestNewRazorpayProviderRequiresCredentials(t *testing.T) {
	if _, err := NewRazorpayProvider(RazorpayProviderConfig{}); err == nil {
		t.Fatalf("expected error when credentials missing")
	}
}
