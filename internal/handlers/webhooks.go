package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/aurelia-jewels/api/internal/payments"
	"github.com/aurelia-jewels/api/internal/platform/httpx"
	"github.com/aurelia-jewels/api/internal/services"
)

const maxWebhookBodySize = 256 * 1024

const (
	razorpaySignatureHeader = "X-Razorpay-Signature"
	razorpayEventIDHeader   = "X-Razorpay-Event-Id"
	stripeSignatureHeader   = "Stripe-Signature"
)

// WebhookHandlers receives asynchronous provider callbacks. Signatures are
// verified over the exact raw body before the payload is parsed; an invalid
// signature never reaches the payment service.
type WebhookHandlers struct {
	payments       services.PaymentService
	razorpaySecret string
	stripeSecret   string
	logger         func(ctx context.Context, event string, fields map[string]any)
}

// WebhookHandlerOption customises webhook handler construction.
type WebhookHandlerOption func(*WebhookHandlers)

// WithRazorpayWebhookSecret sets the shared secret for Razorpay callbacks.
func WithRazorpayWebhookSecret(secret string) WebhookHandlerOption {
	return func(h *WebhookHandlers) {
		h.razorpaySecret = strings.TrimSpace(secret)
	}
}

// WithStripeWebhookSecret sets the endpoint secret for Stripe callbacks.
func WithStripeWebhookSecret(secret string) WebhookHandlerOption {
	return func(h *WebhookHandlers) {
		h.stripeSecret = strings.TrimSpace(secret)
	}
}

// WithWebhookLogger sets the structured logging callback.
func WithWebhookLogger(logger func(ctx context.Context, event string, fields map[string]any)) WebhookHandlerOption {
	return func(h *WebhookHandlers) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewWebhookHandlers constructs the webhook endpoints.
func NewWebhookHandlers(paymentService services.PaymentService, opts ...WebhookHandlerOption) *WebhookHandlers {
	h := &WebhookHandlers{
		payments: paymentService,
		logger:   func(context.Context, string, map[string]any) {},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes wires the /webhooks endpoints onto the provided router.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/razorpay", h.handleRazorpay)
	r.Post("/stripe", h.handleStripe)
}

type webhookAckResponse struct {
	Received bool `json:"received"`
}

func (h *WebhookHandlers) handleRazorpay(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil || h.razorpaySecret == "" {
		httpx.WriteError(ctx, w, httpx.NewError("webhooks_unavailable", "webhook processing is unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := readRawBody(r, maxWebhookBodySize)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	signature := r.Header.Get(razorpaySignatureHeader)
	if !payments.VerifyWebhookSignature(body, signature, h.razorpaySecret) {
		h.logger(ctx, "webhooks.razorpay.bad_signature", map[string]any{
			"eventID": r.Header.Get(razorpayEventIDHeader),
		})
		httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature verification failed", http.StatusUnauthorized))
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "webhook body must be valid JSON", http.StatusBadRequest))
		return
	}

	eventID := strings.TrimSpace(r.Header.Get(razorpayEventIDHeader))
	if eventID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "missing "+razorpayEventIDHeader+" header", http.StatusBadRequest))
		return
	}
	eventType, _ := payload["event"].(string)

	err = h.payments.HandleWebhookEvent(ctx, services.WebhookEventCommand{
		Provider:  "razorpay",
		EventID:   eventID,
		EventType: strings.TrimSpace(eventType),
		Payload:   payload,
		RawBody:   body,
	})
	if err != nil {
		h.writeWebhookError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, webhookAckResponse{Received: true})
}

func (h *WebhookHandlers) handleStripe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil || h.stripeSecret == "" {
		httpx.WriteError(ctx, w, httpx.NewError("webhooks_unavailable", "webhook processing is unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := readRawBody(r, maxWebhookBodySize)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	event, err := webhook.ConstructEventWithOptions(body, r.Header.Get(stripeSignatureHeader), h.stripeSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		h.logger(ctx, "webhooks.stripe.bad_signature", map[string]any{"error": err.Error()})
		httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature verification failed", http.StatusUnauthorized))
		return
	}

	var object map[string]any
	if len(event.Data.Raw) > 0 {
		if err := json.Unmarshal(event.Data.Raw, &object); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "webhook body must be valid JSON", http.StatusBadRequest))
			return
		}
	}

	eventType, payload := translateStripeEvent(string(event.Type), object)

	err = h.payments.HandleWebhookEvent(ctx, services.WebhookEventCommand{
		Provider:  "stripe",
		EventID:   event.ID,
		EventType: eventType,
		Payload:   payload,
		RawBody:   body,
	})
	if err != nil {
		h.writeWebhookError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, webhookAckResponse{Received: true})
}

// translateStripeEvent maps Stripe event types onto the internal payment event
// vocabulary. The checkout session id is the provider order reference, so the
// session object is reshaped to the flat entity the payment service reads.
// Unmapped types pass through unchanged and are stored then ignored.
func translateStripeEvent(eventType string, object map[string]any) (string, map[string]any) {
	switch eventType {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		return "payment.captured", map[string]any{
			"order_id": stringField(object, "id"),
			"id":       stringField(object, "payment_intent"),
			"amount":   object["amount_total"],
		}
	case "checkout.session.async_payment_failed":
		return "payment.failed", map[string]any{
			"order_id":          stringField(object, "id"),
			"id":                stringField(object, "payment_intent"),
			"error_description": "asynchronous payment failed",
		}
	default:
		return eventType, object
	}
}

func stringField(object map[string]any, key string) string {
	if object == nil {
		return ""
	}
	value, _ := object[key].(string)
	return strings.TrimSpace(value)
}

func (h *WebhookHandlers) writeWebhookError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrPaymentInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrPaymentOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found for webhook event", http.StatusNotFound))
	default:
		// Signal the provider to retry later.
		httpx.WriteError(ctx, w, httpx.NewError("webhook_error", "failed to process webhook event", http.StatusInternalServerError))
	}
}

// readRawBody reads the request body without the trimming rules applied to
// JSON API endpoints; signature verification needs the exact bytes.
func readRawBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, errEmptyBody
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errEmptyBody
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}
