package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aurelia-jewels/api/internal/platform/httpx"
	"github.com/aurelia-jewels/api/internal/services"
)

const maxCouponBodySize = 4 * 1024

// CouponHandlers exposes coupon validation for the storefront. The endpoint is
// unauthenticated so the cart UI can validate before sign-in; a per-IP rate
// limit keeps code enumeration noisy and slow.
type CouponHandlers struct {
	coupons services.CouponService
	limiter rateLimiter
}

// CouponHandlerOption customises coupon handler construction.
type CouponHandlerOption func(*CouponHandlers)

// WithCouponRateLimiter throttles validation attempts per client IP.
func WithCouponRateLimiter(limit int, window time.Duration) CouponHandlerOption {
	return func(h *CouponHandlers) {
		h.limiter = newSimpleRateLimiter(limit, window, nil)
	}
}

// NewCouponHandlers constructs the coupon validation handlers.
func NewCouponHandlers(coupons services.CouponService, opts ...CouponHandlerOption) *CouponHandlers {
	h := &CouponHandlers{coupons: coupons}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes wires the /coupons endpoints onto the provided router.
func (h *CouponHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/validate", h.validate)
}

type validateCouponRequest struct {
	Code      string `json:"code"`
	CartTotal int64  `json:"cartTotal"`
}

type validateCouponResponse struct {
	Valid   bool               `json:"valid"`
	Coupon  *cartCouponPayload `json:"coupon,omitempty"`
	Message string             `json:"message,omitempty"`
}

func (h *CouponHandlers) validate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.coupons == nil {
		httpx.WriteError(ctx, w, httpx.NewError("coupon_service_unavailable", "coupon service is unavailable", http.StatusServiceUnavailable))
		return
	}
	if h.limiter != nil && !h.limiter.Allow(r.RemoteAddr) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many validation attempts; slow down", http.StatusTooManyRequests))
		return
	}

	var req validateCouponRequest
	if !decodeJSONBody(ctx, w, r, maxCouponBodySize, &req) {
		return
	}

	result, err := h.coupons.Validate(ctx, services.ValidateCouponCommand{
		Code:      strings.TrimSpace(req.Code),
		CartTotal: req.CartTotal,
	})
	if err != nil {
		h.writeCouponError(ctx, w, err)
		return
	}

	resp := validateCouponResponse{Valid: result.Valid, Message: result.Message}
	if result.Valid && result.Coupon != nil {
		resp.Coupon = &cartCouponPayload{
			Code:        result.Coupon.Code,
			Type:        string(result.Coupon.Type),
			Value:       result.Coupon.Value,
			Description: result.Coupon.Description,
		}
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (h *CouponHandlers) writeCouponError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrCouponInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCouponUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("coupon_service_unavailable", "coupon service is unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("coupon_error", "failed to validate coupon", http.StatusInternalServerError))
	}
}
