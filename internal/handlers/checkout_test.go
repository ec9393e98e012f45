package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/aurelia-jewels/api/internal/domain"
	"github.com/aurelia-jewels/api/internal/services"
)

type stubCheckoutService struct {
	session     services.CheckoutSessionResult
	sessionErr  error
	verify      services.VerifyPaymentResult
	verifyErr   error
	lastSession services.CreateCheckoutSessionCommand
	lastVerify  services.VerifyPaymentCommand
}

func (s *stubCheckoutService) CreateSession(_ context.Context, cmd services.CreateCheckoutSessionCommand) (services.CheckoutSessionResult, error) {
	s.lastSession = cmd
	if s.sessionErr != nil {
		return services.CheckoutSessionResult{}, s.sessionErr
	}
	return s.session, nil
}

func (s *stubCheckoutService) VerifyPayment(_ context.Context, cmd services.VerifyPaymentCommand) (services.VerifyPaymentResult, error) {
	s.lastVerify = cmd
	if s.verifyErr != nil {
		return services.VerifyPaymentResult{}, s.verifyErr
	}
	return s.verify, nil
}

var _ services.CheckoutService = (*stubCheckoutService)(nil)

func newCheckoutRouter(svc services.CheckoutService, opts ...CheckoutHandlerOption) chi.Router {
	r := chi.NewRouter()
	NewCheckoutHandlers(nil, svc, opts...).Routes(r)
	return r
}

func testPendingOrder() services.Order {
	return services.Order{
		ID:       "order-100",
		OwnerID:  "user-1",
		Currency: "INR",
		Receipt:  "rcpt-100",
		Status:   domain.OrderStatusPending,
		Items: []services.OrderLineItem{
			{ProductID: "ring-aurora", Name: "Aurora Ring", UnitPrice: 14999, Quantity: 2, LineTotal: 29998},
		},
		Totals: services.CartTotals{
			Subtotal:   29998,
			Tax:        3000,
			Shipping:   500,
			Total:      33498,
			TotalItems: 2,
		},
		Payment: services.OrderPayment{
			Provider:        "razorpay",
			ProviderOrderID: "order_rzp123",
			Status:          domain.PaymentStatusPending,
		},
	}
}

func TestCheckoutHandlersCreateSession(t *testing.T) {
	svc := &stubCheckoutService{
		session: services.CheckoutSessionResult{
			Order:           testPendingOrder(),
			ProviderOrderID: "order_rzp123",
			Provider:        "razorpay",
			Amount:          33498,
			Currency:        "INR",
		},
	}
	router := newCheckoutRouter(svc)

	body := `{"provider": "razorpay", "successUrl": "https://shop.example/thanks", "notes": {"gift": "true"}}`
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authenticatedRequest(http.MethodPost, "/session", body))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp checkoutSessionResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.OrderID != "order-100" || resp.ProviderOrderID != "order_rzp123" {
		t.Fatalf("unexpected session response: %+v", resp)
	}
	if resp.Amount != 33498 || resp.Currency != "INR" {
		t.Fatalf("expected amount and currency echoed, got %+v", resp)
	}
	if svc.lastSession.OwnerID != "user-1" {
		t.Fatalf("expected owner from identity, got %q", svc.lastSession.OwnerID)
	}
	if svc.lastSession.PreferredProvider != "razorpay" {
		t.Fatalf("expected provider forwarded, got %q", svc.lastSession.PreferredProvider)
	}
	if svc.lastSession.Notes["gift"] != "true" {
		t.Fatalf("expected notes forwarded, got %+v", svc.lastSession.Notes)
	}
}

func TestCheckoutHandlersCreateSessionRequiresAuth(t *testing.T) {
	router := newCheckoutRouter(&stubCheckoutService{})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/session", strings.NewReader(`{}`))
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without identity, got %d", rr.Code)
	}
}

func TestCheckoutHandlersVerifyPaymentMismatch(t *testing.T) {
	svc := &stubCheckoutService{
		verify: services.VerifyPaymentResult{Verified: false, Order: testPendingOrder()},
	}
	router := newCheckoutRouter(svc)

	body := `{"providerOrderId": "order_rzp123", "paymentId": "pay_555", "signature": "deadbeef"}`
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authenticatedRequest(http.MethodPost, "/verify", body))

	if rr.Code != http.StatusOK {
		t.Fatalf("signature mismatch must not be a server error, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp verifyPaymentResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Verified {
		t.Fatal("expected verified=false")
	}
	if resp.Order.Status != string(domain.OrderStatusPending) {
		t.Fatalf("expected order left pending, got %q", resp.Order.Status)
	}
	if svc.lastVerify.PaymentID != "pay_555" || svc.lastVerify.Signature != "deadbeef" {
		t.Fatalf("expected verify command forwarded, got %+v", svc.lastVerify)
	}
}

func TestCheckoutHandlersVerifyPaymentSuccess(t *testing.T) {
	confirmed := testPendingOrder()
	confirmed.Status = domain.OrderStatusConfirmed
	confirmed.Payment.Status = domain.PaymentStatusCompleted
	confirmed.Payment.PaymentID = "pay_555"
	svc := &stubCheckoutService{
		verify: services.VerifyPaymentResult{Verified: true, Order: confirmed},
	}
	router := newCheckoutRouter(svc)

	body := `{"providerOrderId": "order_rzp123", "paymentId": "pay_555", "signature": "a1b2"}`
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authenticatedRequest(http.MethodPost, "/verify", body))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var resp verifyPaymentResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if !resp.Verified {
		t.Fatal("expected verified=true")
	}
	if resp.Order.Payment.PaymentID != "pay_555" {
		t.Fatalf("expected payment id on order, got %+v", resp.Order.Payment)
	}
}

func TestCheckoutHandlersErrorMapping(t *testing.T) {
	cases := map[string]struct {
		err    error
		status int
	}{
		"invalid input":  {err: services.ErrCheckoutInvalidInput, status: http.StatusBadRequest},
		"cart not ready": {err: services.ErrCheckoutCartNotReady, status: http.StatusConflict},
		"provider down":  {err: services.ErrCheckoutPaymentFailed, status: http.StatusBadGateway},
		"unavailable":    {err: services.ErrCheckoutUnavailable, status: http.StatusServiceUnavailable},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			router := newCheckoutRouter(&stubCheckoutService{sessionErr: tc.err})
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, authenticatedRequest(http.MethodPost, "/session", `{}`))
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rr.Code, rr.Body.String())
			}
		})
	}
}

func TestCheckoutHandlersRateLimitsSessions(t *testing.T) {
	svc := &stubCheckoutService{
		session: services.CheckoutSessionResult{Order: testPendingOrder(), Provider: "razorpay"},
	}
	router := newCheckoutRouter(svc, WithCheckoutRateLimiter(1, time.Minute))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authenticatedRequest(http.MethodPost, "/session", `{}`))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected first attempt to pass, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, authenticatedRequest(http.MethodPost, "/session", `{}`))
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 on second attempt, got %d", rr.Code)
	}
}
