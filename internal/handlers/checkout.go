package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aurelia-jewels/api/internal/platform/auth"
	"github.com/aurelia-jewels/api/internal/platform/httpx"
	"github.com/aurelia-jewels/api/internal/platform/textutil"
	"github.com/aurelia-jewels/api/internal/services"
)

const maxCheckoutBodySize = 8 * 1024

// CheckoutHandlers exposes checkout session creation and client-side payment
// verification for authenticated users.
type CheckoutHandlers struct {
	authn    *auth.Authenticator
	checkout services.CheckoutService
	limiter  rateLimiter
}

// CheckoutHandlerOption customises checkout handler construction.
type CheckoutHandlerOption func(*CheckoutHandlers)

// WithCheckoutRateLimiter throttles session creation per authenticated user.
func WithCheckoutRateLimiter(limit int, window time.Duration) CheckoutHandlerOption {
	return func(h *CheckoutHandlers) {
		h.limiter = newSimpleRateLimiter(limit, window, nil)
	}
}

// NewCheckoutHandlers constructs checkout handlers guarded by bearer authentication.
func NewCheckoutHandlers(authn *auth.Authenticator, checkout services.CheckoutService, opts ...CheckoutHandlerOption) *CheckoutHandlers {
	h := &CheckoutHandlers{
		authn:    authn,
		checkout: checkout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers checkout endpoints under the provided router.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireAuth())
	}
	r.Post("/session", h.createSession)
	r.Post("/verify", h.verifyPayment)
}

type checkoutSessionRequest struct {
	Provider   string            `json:"provider"`
	SuccessURL string            `json:"successUrl"`
	CancelURL  string            `json:"cancelUrl"`
	Notes      map[string]string `json:"notes"`
}

type checkoutSessionResponse struct {
	OrderID         string `json:"orderId"`
	ProviderOrderID string `json:"providerOrderId"`
	Provider        string `json:"provider"`
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
	URL             string `json:"url,omitempty"`
	ClientSecret    string `json:"clientSecret,omitempty"`
}

type verifyPaymentRequest struct {
	ProviderOrderID string `json:"providerOrderId"`
	PaymentID       string `json:"paymentId"`
	Signature       string `json:"signature"`
}

type verifyPaymentResponse struct {
	Verified bool         `json:"verified"`
	Order    orderPayload `json:"order"`
}

func (h *CheckoutHandlers) createSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner, ok := h.requireOwner(ctx, w)
	if !ok {
		return
	}
	if h.limiter != nil && !h.limiter.Allow(owner) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many checkout attempts; slow down", http.StatusTooManyRequests))
		return
	}

	var req checkoutSessionRequest
	if !decodeJSONBody(ctx, w, r, maxCheckoutBodySize, &req) {
		return
	}

	result, err := h.checkout.CreateSession(ctx, services.CreateCheckoutSessionCommand{
		OwnerID:           owner,
		PreferredProvider: strings.TrimSpace(req.Provider),
		SuccessURL:        strings.TrimSpace(req.SuccessURL),
		CancelURL:         strings.TrimSpace(req.CancelURL),
		Notes:             textutil.NormalizeStringMap(req.Notes),
	})
	if err != nil {
		h.writeCheckoutError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, checkoutSessionResponse{
		OrderID:         result.Order.ID,
		ProviderOrderID: result.ProviderOrderID,
		Provider:        result.Provider,
		Amount:          result.Amount,
		Currency:        result.Currency,
		URL:             result.RedirectURL,
		ClientSecret:    result.ClientSecret,
	})
}

// verifyPayment checks the client redirect signature. A mismatch is a normal
// outcome for the client to render, not a server failure, so it responds 200
// with verified=false and the order left pending.
func (h *CheckoutHandlers) verifyPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner, ok := h.requireOwner(ctx, w)
	if !ok {
		return
	}

	var req verifyPaymentRequest
	if !decodeJSONBody(ctx, w, r, maxCheckoutBodySize, &req) {
		return
	}

	result, err := h.checkout.VerifyPayment(ctx, services.VerifyPaymentCommand{
		OwnerID:         owner,
		ProviderOrderID: strings.TrimSpace(req.ProviderOrderID),
		PaymentID:       strings.TrimSpace(req.PaymentID),
		Signature:       strings.TrimSpace(req.Signature),
	})
	if err != nil {
		h.writeCheckoutError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, verifyPaymentResponse{
		Verified: result.Verified,
		Order:    buildOrderPayload(result.Order),
	})
}

func (h *CheckoutHandlers) requireOwner(ctx context.Context, w http.ResponseWriter) (string, bool) {
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service is unavailable", http.StatusServiceUnavailable))
		return "", false
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return "", false
	}
	return strings.TrimSpace(identity.UID), true
}

func (h *CheckoutHandlers) writeCheckoutError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrCheckoutInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCheckoutCartNotReady):
		httpx.WriteError(ctx, w, httpx.NewError("cart_not_ready", "cart is not ready for checkout", http.StatusConflict))
	case errors.Is(err, services.ErrCheckoutOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrCheckoutPaymentFailed):
		httpx.WriteError(ctx, w, httpx.NewError("payment_failed", "payment could not be initiated", http.StatusBadGateway))
	case errors.Is(err, services.ErrCheckoutUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service is unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("checkout_error", "failed to process checkout request", http.StatusInternalServerError))
	}
}
