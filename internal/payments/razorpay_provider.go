package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	rzpsdk "github.com/razorpay/razorpay-go"
)

// RazorpayLogger defines the logging contract for Razorpay provider operations.
type RazorpayLogger func(ctx context.Context, event string, fields map[string]any)

type razorpayOrderAPI interface {
	Create(data map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
}

type razorpayPaymentAPI interface {
	Fetch(paymentID string, queryParams map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
	Refund(paymentID string, amount int, data map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
}

type razorpayClients struct {
	orders   razorpayOrderAPI
	payments razorpayPaymentAPI
}

// RazorpayProviderConfig configures the RazorpayProvider.
type RazorpayProviderConfig struct {
	KeyID     string
	KeySecret string
	Logger    RazorpayLogger
	Clock     func() time.Time
	Clients   *razorpayClients
}

// RazorpayProvider implements the Provider interface using Razorpay APIs.
type RazorpayProvider struct {
	api    razorpayClients
	clock  func() time.Time
	logger RazorpayLogger
}

// NewRazorpayProvider constructs a Razorpay Provider using the given configuration.
func NewRazorpayProvider(cfg RazorpayProviderConfig) (*RazorpayProvider, error) {
	keyID := strings.TrimSpace(cfg.KeyID)
	keySecret := strings.TrimSpace(cfg.KeySecret)
	if (keyID == "" || keySecret == "") && cfg.Clients == nil {
		return nil, errors.New("razorpay: key id and key secret are required")
	}

	var clients razorpayClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		sdk := rzpsdk.NewClient(keyID, keySecret)
		clients = razorpayClients{
			orders:   sdk.Order,
			payments: sdk.Payment,
		}
	}

	if clients.orders == nil || clients.payments == nil {
		return nil, errors.New("razorpay: incomplete client configuration")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &RazorpayProvider{
		api: clients,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// CreateOrder creates a Razorpay order with auto-capture enabled. The request
// amount is in minor units (paise); the returned order id is required for the
// hosted checkout and for later signature verification.
func (p *RazorpayProvider) CreateOrder(ctx context.Context, req OrderRequest) (ProviderOrder, error) {
	if p == nil {
		return ProviderOrder{}, errors.New("razorpay: provider is nil")
	}
	if req.Amount <= 0 {
		return ProviderOrder{}, fmt.Errorf("razorpay: create order: amount must be positive, got %d", req.Amount)
	}

	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = "INR"
	}

	data := map[string]interface{}{
		"amount":          req.Amount,
		"currency":        currency,
		"receipt":         req.Receipt,
		"payment_capture": 1,
	}
	if len(req.Notes) > 0 {
		notes := make(map[string]interface{}, len(req.Notes))
		for k, v := range req.Notes {
			notes[k] = v
		}
		data["notes"] = notes
	}

	var headers map[string]string
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		headers = map[string]string{"X-Razorpay-Idempotency": key}
	}

	body, err := p.api.orders.Create(data, headers)
	if err != nil {
		return ProviderOrder{}, fmt.Errorf("razorpay: create order: %w", err)
	}

	order := ProviderOrder{
		ID:       stringField(body, "id"),
		Provider: "razorpay",
		Amount:   int64Field(body, "amount"),
		Currency: strings.ToUpper(stringField(body, "currency")),
		Receipt:  stringField(body, "receipt"),
		Raw:      body,
	}
	if order.ID == "" {
		return ProviderOrder{}, errors.New("razorpay: create order: response missing order id")
	}

	p.logger(ctx, "payments.razorpay.order.created", map[string]any{
		"orderId":  order.ID,
		"amount":   order.Amount,
		"currency": order.Currency,
		"receipt":  order.Receipt,
	})

	return order, nil
}

// Refund refunds a captured payment. A nil amount refunds whatever remains
// captured on the payment; a set amount issues a partial refund in minor units.
func (p *RazorpayProvider) Refund(ctx context.Context, req RefundRequest) (RefundDetails, error) {
	if p == nil {
		return RefundDetails{}, errors.New("razorpay: provider is nil")
	}
	paymentID := strings.TrimSpace(req.PaymentID)
	if paymentID == "" {
		return RefundDetails{}, errors.New("razorpay: refund: payment id is required")
	}

	amount := int64(0)
	if req.Amount != nil {
		amount = *req.Amount
		if amount <= 0 {
			return RefundDetails{}, fmt.Errorf("razorpay: refund: amount must be positive, got %d", amount)
		}
	} else {
		details, err := p.LookupPayment(ctx, LookupRequest{PaymentID: paymentID})
		if err != nil {
			return RefundDetails{}, err
		}
		amount = details.Amount - details.AmountRefunded
		if amount <= 0 {
			return RefundDetails{}, fmt.Errorf("razorpay: refund: nothing left to refund on payment %s", paymentID)
		}
	}

	data := map[string]interface{}{}
	if len(req.Notes) > 0 {
		notes := make(map[string]interface{}, len(req.Notes))
		for k, v := range req.Notes {
			notes[k] = v
		}
		data["notes"] = notes
	}

	var headers map[string]string
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		headers = map[string]string{"X-Razorpay-Idempotency": key}
	}

	body, err := p.api.payments.Refund(paymentID, int(amount), data, headers)
	if err != nil {
		return RefundDetails{}, fmt.Errorf("razorpay: refund payment: %w", err)
	}

	details := RefundDetails{
		ID:        stringField(body, "id"),
		PaymentID: stringField(body, "payment_id"),
		Amount:    int64Field(body, "amount"),
		Status:    razorpayRefundStatus(stringField(body, "status")),
		Raw:       body,
	}
	if details.PaymentID == "" {
		details.PaymentID = paymentID
	}

	p.logger(ctx, "payments.razorpay.refund.created", map[string]any{
		"refundId":  details.ID,
		"paymentId": details.PaymentID,
		"amount":    details.Amount,
	})

	return details, nil
}

// LookupPayment retrieves a Razorpay payment for out-of-band reconciliation.
func (p *RazorpayProvider) LookupPayment(ctx context.Context, req LookupRequest) (PaymentDetails, error) {
	if p == nil {
		return PaymentDetails{}, errors.New("razorpay: provider is nil")
	}
	paymentID := strings.TrimSpace(req.PaymentID)
	if paymentID == "" {
		return PaymentDetails{}, errors.New("razorpay: lookup: payment id is required")
	}

	body, err := p.api.payments.Fetch(paymentID, nil, nil)
	if err != nil {
		return PaymentDetails{}, fmt.Errorf("razorpay: fetch payment: %w", err)
	}

	return razorpayPaymentDetails(p.clock(), body), nil
}

func razorpayPaymentDetails(now time.Time, body map[string]interface{}) PaymentDetails {
	details := PaymentDetails{
		Provider:        "razorpay",
		PaymentID:       stringField(body, "id"),
		ProviderOrderID: stringField(body, "order_id"),
		Amount:          int64Field(body, "amount"),
		AmountRefunded:  int64Field(body, "amount_refunded"),
		Currency:        strings.ToUpper(stringField(body, "currency")),
		Raw:             body,
	}

	switch strings.ToLower(stringField(body, "status")) {
	case "captured":
		details.Status = StatusCaptured
		details.Captured = true
	case "refunded":
		details.Status = StatusRefunded
		details.Captured = true
	case "failed":
		details.Status = StatusFailed
	default:
		// created / authorized: capture has not been reported yet.
		details.Status = StatusPending
	}

	if details.Captured {
		capturedAt := now
		if created := int64Field(body, "created_at"); created > 0 {
			capturedAt = time.Unix(created, 0).UTC()
		}
		details.CapturedAt = &capturedAt
	}
	if details.Amount > 0 && details.AmountRefunded >= details.Amount {
		details.Status = StatusRefunded
	}

	return details
}

func razorpayRefundStatus(status string) Status {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "processed":
		return StatusRefunded
	case "failed":
		return StatusFailed
	default:
		return StatusPending
	}
}

func stringField(body map[string]interface{}, key string) string {
	if body == nil {
		return ""
	}
	if value, ok := body[key].(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

func int64Field(body map[string]interface{}, key string) int64 {
	if body == nil {
		return 0
	}
	switch value := body[key].(type) {
	case int64:
		return value
	case int:
		return int64(value)
	case float64:
		return int64(value)
	}
	return 0
}
