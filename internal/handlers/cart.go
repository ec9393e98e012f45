package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aurelia-jewels/api/internal/platform/auth"
	"github.com/aurelia-jewels/api/internal/platform/httpx"
	"github.com/aurelia-jewels/api/internal/platform/textutil"
	"github.com/aurelia-jewels/api/internal/services"
)

const maxCartBodySize = 32 * 1024

var (
	errBodyTooLarge = errors.New("request body too large")
	errEmptyBody    = errors.New("request body is required")
)

// CartHandlers exposes the authenticated cart endpoints for the current user.
type CartHandlers struct {
	authn   *auth.Authenticator
	carts   services.CartService
	limiter rateLimiter
}

// CartHandlerOption customises cart handler construction.
type CartHandlerOption func(*CartHandlers)

// WithCartRateLimiter throttles cart writes per authenticated user.
func WithCartRateLimiter(limit int, window time.Duration) CartHandlerOption {
	return func(h *CartHandlers) {
		h.limiter = newSimpleRateLimiter(limit, window, nil)
	}
}

// NewCartHandlers constructs handlers enforcing bearer authentication before
// invoking the cart service.
func NewCartHandlers(authn *auth.Authenticator, carts services.CartService, opts ...CartHandlerOption) *CartHandlers {
	h := &CartHandlers{
		authn: authn,
		carts: carts,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes wires the /cart endpoints onto the provided router.
func (h *CartHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireAuth())
	}
	r.Get("/", h.getCart)
	r.Put("/", h.putCart)
	r.Delete("/", h.clearCart)
	r.Post("/items", h.addItem)
	r.Patch("/items", h.updateQuantity)
	r.Delete("/items", h.removeItem)
	r.Post("/coupon", h.applyCoupon)
	r.Delete("/coupon", h.removeCoupon)
	r.Put("/shipping", h.updateShipping)
}

func (h *CartHandlers) getCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner, ok := h.requireOwner(ctx, w)
	if !ok {
		return
	}

	cart, err := h.carts.GetOrCreateCart(ctx, owner)
	if err != nil {
		h.writeCartError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, cartResponse{Cart: buildCartPayload(cart)})
}

func (h *CartHandlers) putCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner, ok := h.requireOwner(ctx, w)
	if !ok {
		return
	}
	if !h.allow(ctx, w, owner) {
		return
	}

	var req cartSnapshotRequest
	if !decodeJSONBody(ctx, w, r, maxCartBodySize, &req) {
		return
	}

	cmd := services.ReplaceCartCommand{
		OwnerID:      owner,
		Currency:     strings.TrimSpace(req.Currency),
		ShippingCost: req.ShippingCost,
	}
	if req.AppliedCoupon != nil {
		cmd.CouponCode = strings.TrimSpace(req.AppliedCoupon.Code)
	}
	for _, item := range req.Items {
		quantity := 0
		if item.Quantity != nil {
			quantity = *item.Quantity
		}
		cmd.Items = append(cmd.Items, services.ReplaceCartLine{
			ProductID:       strings.TrimSpace(item.ProductID),
			Name:            strings.TrimSpace(item.Name),
			Image:           strings.TrimSpace(item.Image),
			UnitPrice:       item.UnitPrice,
			Quantity:        quantity,
			MaxQuantity:     item.MaxQuantity,
			SelectedOptions: textutil.NormalizeStringMap(item.SelectedOptions),
		})
	}

	cart, err := h.carts.ReplaceCart(ctx, cmd)
	if err != nil {
		h.writeCartError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, cartResponse{Cart: buildCartPayload(cart)})
}

func (h *CartHandlers) addItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner, ok := h.requireOwner(ctx, w)
	if !ok {
		return
	}
	if !h.allow(ctx, w, owner) {
		return
	}

	var req cartItemRequest
	if !decodeJSONBody(ctx, w, r, maxCartBodySize, &req) {
		return
	}
	quantity := 1
	if req.Quantity != nil {
		quantity = *req.Quantity
	}

	cart, err := h.carts.AddItem(ctx, services.AddCartItemCommand{
		OwnerID:         owner,
		ProductID:       strings.TrimSpace(req.ProductID),
		Name:            strings.TrimSpace(req.Name),
		Image:           strings.TrimSpace(req.Image),
		UnitPrice:       req.UnitPrice,
		Quantity:        quantity,
		MaxQuantity:     req.MaxQuantity,
		SelectedOptions: textutil.NormalizeStringMap(req.SelectedOptions),
		Currency:        strings.TrimSpace(req.Currency),
	})
	if err != nil {
		h.writeCartError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, cartResponse{Cart: buildCartPayload(cart)})
}

func (h *CartHandlers) updateQuantity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner, ok := h.requireOwner(ctx, w)
	if !ok {
		return
	}

	var req cartQuantityRequest
	if !decodeJSONBody(ctx, w, r, maxCartBodySize, &req) {
		return
	}
	if req.Quantity == nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "quantity is required", http.StatusBadRequest))
		return
	}

	cart, err := h.carts.UpdateQuantity(ctx, services.UpdateCartQuantityCommand{
		OwnerID:         owner,
		ProductID:       strings.TrimSpace(req.ProductID),
		SelectedOptions: textutil.NormalizeStringMap(req.SelectedOptions),
		Quantity:        *req.Quantity,
	})
	if err != nil {
		h.writeCartError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, cartResponse{Cart: buildCartPayload(cart)})
}

func (h *CartHandlers) removeItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner, ok := h.requireOwner(ctx, w)
	if !ok {
		return
	}

	var req cartLineKeyRequest
	if !decodeJSONBody(ctx, w, r, maxCartBodySize, &req) {
		return
	}

	cart, err := h.carts.RemoveItem(ctx, services.RemoveCartItemCommand{
		OwnerID:         owner,
		ProductID:       strings.TrimSpace(req.ProductID),
		SelectedOptions: textutil.NormalizeStringMap(req.SelectedOptions),
	})
	if err != nil {
		h.writeCartError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, cartResponse{Cart: buildCartPayload(cart)})
}

func (h *CartHandlers) applyCoupon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner, ok := h.requireOwner(ctx, w)
	if !ok {
		return
	}

	var req cartCouponRequest
	if !decodeJSONBody(ctx, w, r, maxCartBodySize, &req) {
		return
	}

	cart, err := h.carts.ApplyCoupon(ctx, services.CartCouponCommand{
		OwnerID: owner,
		Code:    strings.TrimSpace(req.Code),
	})
	if err != nil {
		h.writeCartError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, cartResponse{Cart: buildCartPayload(cart)})
}

func (h *CartHandlers) removeCoupon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner, ok := h.requireOwner(ctx, w)
	if !ok {
		return
	}

	cart, err := h.carts.RemoveCoupon(ctx, owner)
	if err != nil {
		h.writeCartError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, cartResponse{Cart: buildCartPayload(cart)})
}

func (h *CartHandlers) updateShipping(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner, ok := h.requireOwner(ctx, w)
	if !ok {
		return
	}

	var req cartShippingRequest
	if !decodeJSONBody(ctx, w, r, maxCartBodySize, &req) {
		return
	}

	cart, err := h.carts.UpdateShipping(ctx, services.UpdateShippingCommand{
		OwnerID:      owner,
		ShippingCost: req.ShippingCost,
	})
	if err != nil {
		h.writeCartError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, cartResponse{Cart: buildCartPayload(cart)})
}

func (h *CartHandlers) clearCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner, ok := h.requireOwner(ctx, w)
	if !ok {
		return
	}

	cart, err := h.carts.ClearCart(ctx, owner)
	if err != nil {
		h.writeCartError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, cartResponse{Cart: buildCartPayload(cart)})
}

func (h *CartHandlers) requireOwner(ctx context.Context, w http.ResponseWriter) (string, bool) {
	if h.carts == nil {
		httpx.WriteError(ctx, w, httpx.NewError("cart_service_unavailable", "cart service is unavailable", http.StatusServiceUnavailable))
		return "", false
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return "", false
	}
	return strings.TrimSpace(identity.UID), true
}

func (h *CartHandlers) allow(ctx context.Context, w http.ResponseWriter, owner string) bool {
	if h.limiter == nil || h.limiter.Allow(owner) {
		return true
	}
	httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many cart updates; slow down", http.StatusTooManyRequests))
	return false
}

func (h *CartHandlers) writeCartError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrCartInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCartNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("cart_line_not_found", "cart line not found", http.StatusNotFound))
	case errors.Is(err, services.ErrCartConflict):
		httpx.WriteError(ctx, w, httpx.NewError("cart_conflict", "cart has been modified; refresh and retry", http.StatusConflict))
	case errors.Is(err, services.ErrCartUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("cart_service_unavailable", "cart service is unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("cart_error", "failed to process cart request", http.StatusInternalServerError))
	}
}

// Wire payloads ---------------------------------------------------------------

type cartResponse struct {
	Cart cartPayload `json:"cart"`
}

type cartPayload struct {
	ID            string             `json:"id"`
	OwnerID       string             `json:"ownerId"`
	Currency      string             `json:"currency"`
	Items         []cartItemPayload  `json:"items"`
	AppliedCoupon *cartCouponPayload `json:"appliedCoupon,omitempty"`
	ShippingCost  int64              `json:"shippingCost"`
	Totals        *cartTotalsPayload `json:"totals,omitempty"`
	UpdatedAt     string             `json:"updatedAt,omitempty"`
}

type cartItemPayload struct {
	ProductID       string            `json:"productId"`
	Name            string            `json:"name,omitempty"`
	Image           string            `json:"image,omitempty"`
	UnitPrice       int64             `json:"unitPrice"`
	Quantity        int               `json:"quantity"`
	MaxQuantity     int               `json:"maxQuantity,omitempty"`
	SelectedOptions map[string]string `json:"selectedOptions,omitempty"`
	AddedAt         string            `json:"addedAt,omitempty"`
	UpdatedAt       string            `json:"updatedAt,omitempty"`
}

type cartCouponPayload struct {
	Code        string `json:"code"`
	Type        string `json:"type"`
	Value       int64  `json:"value"`
	Description string `json:"description,omitempty"`
}

type cartTotalsPayload struct {
	Subtotal   int64 `json:"subtotal"`
	Discount   int64 `json:"discount"`
	Tax        int64 `json:"tax"`
	Shipping   int64 `json:"shipping"`
	Total      int64 `json:"total"`
	TotalItems int   `json:"totalItems"`
}

type cartSnapshotRequest struct {
	Currency      string             `json:"currency"`
	Items         []cartItemRequest  `json:"items"`
	AppliedCoupon *cartCouponRequest `json:"appliedCoupon"`
	ShippingCost  int64              `json:"shippingCost"`
}

type cartItemRequest struct {
	ProductID       string            `json:"productId"`
	Name            string            `json:"name"`
	Image           string            `json:"image"`
	UnitPrice       int64             `json:"unitPrice"`
	Quantity        *int              `json:"quantity"`
	MaxQuantity     int               `json:"maxQuantity"`
	SelectedOptions map[string]string `json:"selectedOptions"`
	Currency        string            `json:"currency"`
}

type cartQuantityRequest struct {
	ProductID       string            `json:"productId"`
	SelectedOptions map[string]string `json:"selectedOptions"`
	Quantity        *int              `json:"quantity"`
}

type cartLineKeyRequest struct {
	ProductID       string            `json:"productId"`
	SelectedOptions map[string]string `json:"selectedOptions"`
}

type cartCouponRequest struct {
	Code string `json:"code"`
}

type cartShippingRequest struct {
	ShippingCost int64 `json:"shippingCost"`
}

func buildCartPayload(cart services.Cart) cartPayload {
	payload := cartPayload{
		ID:           strings.TrimSpace(cart.ID),
		OwnerID:      strings.TrimSpace(cart.OwnerID),
		Currency:     strings.ToUpper(strings.TrimSpace(cart.Currency)),
		Items:        buildCartItems(cart.Items),
		ShippingCost: cart.ShippingCost,
	}
	if cart.AppliedCoupon != nil {
		payload.AppliedCoupon = &cartCouponPayload{
			Code:        cart.AppliedCoupon.Code,
			Type:        string(cart.AppliedCoupon.Type),
			Value:       cart.AppliedCoupon.Value,
			Description: cart.AppliedCoupon.Description,
		}
	}
	if cart.Totals != nil {
		payload.Totals = &cartTotalsPayload{
			Subtotal:   cart.Totals.Subtotal,
			Discount:   cart.Totals.Discount,
			Tax:        cart.Totals.Tax,
			Shipping:   cart.Totals.Shipping,
			Total:      cart.Totals.Total,
			TotalItems: cart.Totals.TotalItems,
		}
	}
	if !cart.UpdatedAt.IsZero() {
		payload.UpdatedAt = formatTime(cart.UpdatedAt)
	}
	return payload
}

func buildCartItems(items []services.CartItem) []cartItemPayload {
	payload := make([]cartItemPayload, 0, len(items))
	for _, item := range items {
		entry := cartItemPayload{
			ProductID:       strings.TrimSpace(item.ProductID),
			Name:            item.Name,
			Image:           item.Image,
			UnitPrice:       item.UnitPrice,
			Quantity:        item.Quantity,
			MaxQuantity:     item.MaxQuantity,
			SelectedOptions: item.SelectedOptions,
		}
		if !item.AddedAt.IsZero() {
			entry.AddedAt = formatTime(item.AddedAt)
		}
		if item.UpdatedAt != nil && !item.UpdatedAt.IsZero() {
			entry.UpdatedAt = formatTime(*item.UpdatedAt)
		}
		payload = append(payload, entry)
	}
	return payload
}

// Shared helpers --------------------------------------------------------------

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, errEmptyBody
	}
	if limit <= 0 {
		limit = maxCartBodySize
	}
	reader := io.LimitReader(r.Body, limit+1)
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errEmptyBody
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}

// decodeJSONBody reads and decodes the request body, writing the error
// response itself on failure.
func decodeJSONBody(ctx context.Context, w http.ResponseWriter, r *http.Request, limit int64, dst any) bool {
	body, err := readLimitedBody(r, limit)
	if err != nil {
		switch {
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		}
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return false
	}
	return true
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
