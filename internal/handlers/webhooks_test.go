package handlers

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aurelia-jewels/api/internal/services"
)

type recordingPaymentService struct {
	err    error
	events []services.WebhookEventCommand
}

func (s *recordingPaymentService) HandleWebhookEvent(_ context.Context, cmd services.WebhookEventCommand) error {
	s.events = append(s.events, cmd)
	return s.err
}

func (s *recordingPaymentService) Refund(_ context.Context, _ services.RefundPaymentCommand) (services.Order, error) {
	return services.Order{}, s.err
}

func (s *recordingPaymentService) ReconcilePayment(_ context.Context, _ string) (services.Order, error) {
	return services.Order{}, s.err
}

var _ services.PaymentService = (*recordingPaymentService)(nil)

func newWebhookRouter(svc services.PaymentService, opts ...WebhookHandlerOption) chi.Router {
	r := chi.NewRouter()
	NewWebhookHandlers(svc, opts...).Routes(r)
	return r
}

func razorpaySignatureFor(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func stripeSignatureFor(body []byte, secret string, at time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", at.Unix(), body)
	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func TestWebhookHandlersRazorpayCaptured(t *testing.T) {
	svc := &recordingPaymentService{}
	router := newWebhookRouter(svc, WithRazorpayWebhookSecret("whsec-razorpay"))

	body := []byte(`{"event":"payment.captured","payload":{"payment":{"entity":{"id":"pay_777","order_id":"order_rzp123","amount":33498}}}}`)
	req := httptest.NewRequest(http.MethodPost, "/razorpay", bytes.NewReader(body))
	req.Header.Set(razorpaySignatureHeader, razorpaySignatureFor(body, "whsec-razorpay"))
	req.Header.Set(razorpayEventIDHeader, "evt_rzp_1")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(svc.events) != 1 {
		t.Fatalf("expected one dispatched event, got %d", len(svc.events))
	}
	cmd := svc.events[0]
	if cmd.Provider != "razorpay" || cmd.EventID != "evt_rzp_1" {
		t.Fatalf("unexpected event identity: %+v", cmd)
	}
	if cmd.EventType != "payment.captured" {
		t.Fatalf("expected payment.captured, got %q", cmd.EventType)
	}
	if !bytes.Equal(cmd.RawBody, body) {
		t.Fatal("expected raw body forwarded unmodified")
	}
}

func TestWebhookHandlersRazorpayBadSignature(t *testing.T) {
	svc := &recordingPaymentService{}
	router := newWebhookRouter(svc, WithRazorpayWebhookSecret("whsec-razorpay"))

	body := []byte(`{"event":"payment.captured"}`)
	req := httptest.NewRequest(http.MethodPost, "/razorpay", bytes.NewReader(body))
	req.Header.Set(razorpaySignatureHeader, razorpaySignatureFor(body, "wrong-secret"))
	req.Header.Set(razorpayEventIDHeader, "evt_rzp_2")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if len(svc.events) != 0 {
		t.Fatal("payment service must not see unverified events")
	}
}

func TestWebhookHandlersRazorpayMissingEventID(t *testing.T) {
	svc := &recordingPaymentService{}
	router := newWebhookRouter(svc, WithRazorpayWebhookSecret("whsec-razorpay"))

	body := []byte(`{"event":"payment.captured"}`)
	req := httptest.NewRequest(http.MethodPost, "/razorpay", bytes.NewReader(body))
	req.Header.Set(razorpaySignatureHeader, razorpaySignatureFor(body, "whsec-razorpay"))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without event id, got %d", rr.Code)
	}
	if len(svc.events) != 0 {
		t.Fatal("expected no dispatch without an event id")
	}
}

func TestWebhookHandlersRazorpayProcessingError(t *testing.T) {
	svc := &recordingPaymentService{err: services.ErrPaymentUnavailable}
	router := newWebhookRouter(svc, WithRazorpayWebhookSecret("whsec-razorpay"))

	body := []byte(`{"event":"refund.processed"}`)
	req := httptest.NewRequest(http.MethodPost, "/razorpay", bytes.NewReader(body))
	req.Header.Set(razorpaySignatureHeader, razorpaySignatureFor(body, "whsec-razorpay"))
	req.Header.Set(razorpayEventIDHeader, "evt_rzp_3")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 so the provider retries, got %d", rr.Code)
	}
}

func TestWebhookHandlersRazorpayUnconfigured(t *testing.T) {
	router := newWebhookRouter(&recordingPaymentService{})

	req := httptest.NewRequest(http.MethodPost, "/razorpay", bytes.NewReader([]byte(`{}`)))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a secret, got %d", rr.Code)
	}
}

func TestWebhookHandlersStripeSessionCompleted(t *testing.T) {
	svc := &recordingPaymentService{}
	router := newWebhookRouter(svc, WithStripeWebhookSecret("whsec-stripe"))

	body := []byte(`{"id":"evt_stripe_1","type":"checkout.session.completed","data":{"object":{"id":"cs_test_42","payment_intent":"pi_42","amount_total":33498}}}`)
	req := httptest.NewRequest(http.MethodPost, "/stripe", bytes.NewReader(body))
	req.Header.Set(stripeSignatureHeader, stripeSignatureFor(body, "whsec-stripe", time.Now()))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(svc.events) != 1 {
		t.Fatalf("expected one dispatched event, got %d", len(svc.events))
	}
	cmd := svc.events[0]
	if cmd.Provider != "stripe" || cmd.EventID != "evt_stripe_1" {
		t.Fatalf("unexpected event identity: %+v", cmd)
	}
	if cmd.EventType != "payment.captured" {
		t.Fatalf("expected session completion mapped to payment.captured, got %q", cmd.EventType)
	}
	if cmd.Payload["order_id"] != "cs_test_42" || cmd.Payload["id"] != "pi_42" {
		t.Fatalf("expected session reshaped to flat entity, got %+v", cmd.Payload)
	}
}

func TestWebhookHandlersStripeBadSignature(t *testing.T) {
	svc := &recordingPaymentService{}
	router := newWebhookRouter(svc, WithStripeWebhookSecret("whsec-stripe"))

	body := []byte(`{"id":"evt_stripe_2","type":"checkout.session.completed","data":{"object":{}}}`)
	req := httptest.NewRequest(http.MethodPost, "/stripe", bytes.NewReader(body))
	req.Header.Set(stripeSignatureHeader, stripeSignatureFor(body, "wrong-secret", time.Now()))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if len(svc.events) != 0 {
		t.Fatal("payment service must not see unverified events")
	}
}

func TestWebhookHandlersStripeUnmappedTypePassesThrough(t *testing.T) {
	svc := &recordingPaymentService{}
	router := newWebhookRouter(svc, WithStripeWebhookSecret("whsec-stripe"))

	body := []byte(`{"id":"evt_stripe_3","type":"charge.updated","data":{"object":{"id":"ch_9"}}}`)
	req := httptest.NewRequest(http.MethodPost, "/stripe", bytes.NewReader(body))
	req.Header.Set(stripeSignatureHeader, stripeSignatureFor(body, "whsec-stripe", time.Now()))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected unmapped events acknowledged, got %d", rr.Code)
	}
	if len(svc.events) != 1 || svc.events[0].EventType != "charge.updated" {
		t.Fatalf("expected original event type preserved, got %+v", svc.events)
	}
}

func TestTranslateStripeEventFailure(t *testing.T) {
	eventType, payload := translateStripeEvent("checkout.session.async_payment_failed", map[string]any{
		"id":             "cs_test_7",
		"payment_intent": "pi_7",
	})
	if eventType != "payment.failed" {
		t.Fatalf("expected payment.failed, got %q", eventType)
	}
	if payload["order_id"] != "cs_test_7" || payload["id"] != "pi_7" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}
