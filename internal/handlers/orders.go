package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/aurelia-jewels/api/internal/platform/auth"
	"github.com/aurelia-jewels/api/internal/platform/httpx"
	"github.com/aurelia-jewels/api/internal/platform/pagination"
	"github.com/aurelia-jewels/api/internal/services"
)

const maxOrderBodySize = 8 * 1024

// OrderHandlers exposes order reads for customers and lifecycle operations for
// staff. Customers only ever see their own orders.
type OrderHandlers struct {
	authn    *auth.Authenticator
	orders   services.OrderService
	payments services.PaymentService
}

// NewOrderHandlers constructs the order endpoints.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, payments services.PaymentService) *OrderHandlers {
	return &OrderHandlers{
		authn:    authn,
		orders:   orders,
		payments: payments,
	}
}

// Routes wires the /orders endpoints onto the provided router.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireAuth())
	}
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
	r.Post("/{orderID}/cancel", h.cancelOrder)
	r.Post("/{orderID}/status", h.transitionStatus)
	r.Post("/{orderID}/refund", h.refundOrder)
	r.Post("/{orderID}/reconcile", h.reconcileOrder)
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(ctx, w)
	if !ok {
		return
	}

	params, err := pagination.FromRequest(r, pagination.Options{
		DefaultPageSize: 20,
		MaxPageSize:     100,
		AllowedFilterFields: map[string][]pagination.Operator{
			"status":  {pagination.OperatorEqual},
			"ownerId": {pagination.OperatorEqual},
		},
	})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	filter := services.OrderListFilter{OwnerID: identity.UID}
	filter.Pagination.PageSize = params.PageSize
	filter.Pagination.PageToken = params.PageToken
	for _, f := range params.Filters {
		switch f.Field {
		case "status":
			filter.Status = append(filter.Status, strings.TrimSpace(f.Value))
		case "ownerId":
			// Only staff can read another customer's orders.
			if !isStaff(identity) {
				httpx.WriteError(ctx, w, httpx.NewError("forbidden", "ownerId filter requires staff access", http.StatusForbidden))
				return
			}
			filter.OwnerID = strings.TrimSpace(f.Value)
		}
	}

	page, err := h.orders.ListOrders(ctx, filter)
	if err != nil {
		h.writeOrderError(ctx, w, err)
		return
	}

	items := make([]orderPayload, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, buildOrderPayload(order))
	}
	writeJSONResponse(w, http.StatusOK, orderListResponse{
		Orders:        items,
		NextPageToken: page.NextPageToken,
	})
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(ctx, w)
	if !ok {
		return
	}

	order, ok := h.loadOwnedOrder(ctx, w, r, identity)
	if !ok {
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(ctx, w)
	if !ok {
		return
	}

	order, ok := h.loadOwnedOrder(ctx, w, r, identity)
	if !ok {
		return
	}

	var req cancelOrderRequest
	if r.ContentLength > 0 {
		if !decodeJSONBody(ctx, w, r, maxOrderBodySize, &req) {
			return
		}
	}

	cancelled, err := h.orders.Cancel(ctx, services.CancelOrderCommand{
		OrderID: order.ID,
		ActorID: identity.UID,
		Reason:  strings.TrimSpace(req.Reason),
	})
	if err != nil {
		h.writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(cancelled)})
}

type orderStatusRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

func (h *OrderHandlers) transitionStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireStaff(ctx, w)
	if !ok {
		return
	}

	var req orderStatusRequest
	if !decodeJSONBody(ctx, w, r, maxOrderBodySize, &req) {
		return
	}
	status := strings.TrimSpace(req.Status)
	if status == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.TransitionStatus(ctx, services.OrderStatusTransitionCommand{
		OrderID:      chi.URLParam(r, "orderID"),
		TargetStatus: services.OrderStatus(status),
		ActorID:      identity.UID,
		Reason:       strings.TrimSpace(req.Reason),
	})
	if err != nil {
		h.writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

type refundOrderRequest struct {
	Amount *int64 `json:"amount"`
	Reason string `json:"reason"`
}

func (h *OrderHandlers) refundOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireStaff(ctx, w)
	if !ok {
		return
	}
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service is unavailable", http.StatusServiceUnavailable))
		return
	}

	var req refundOrderRequest
	if r.ContentLength > 0 {
		if !decodeJSONBody(ctx, w, r, maxOrderBodySize, &req) {
			return
		}
	}

	order, err := h.payments.Refund(ctx, services.RefundPaymentCommand{
		OrderID: chi.URLParam(r, "orderID"),
		Amount:  req.Amount,
		Reason:  strings.TrimSpace(req.Reason),
		ActorID: identity.UID,
	})
	if err != nil {
		h.writePaymentError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

// reconcileOrder re-reads the payment state from the provider for orders stuck
// pending after a missed webhook or an abandoned redirect.
func (h *OrderHandlers) reconcileOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := h.requireStaff(ctx, w); !ok {
		return
	}
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service is unavailable", http.StatusServiceUnavailable))
		return
	}

	order, err := h.payments.ReconcilePayment(ctx, chi.URLParam(r, "orderID"))
	if err != nil {
		h.writePaymentError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) requireIdentity(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service is unavailable", http.StatusServiceUnavailable))
		return nil, false
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

func (h *OrderHandlers) requireStaff(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	identity, ok := h.requireIdentity(ctx, w)
	if !ok {
		return nil, false
	}
	if !isStaff(identity) {
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "staff access required", http.StatusForbidden))
		return nil, false
	}
	return identity, true
}

// loadOwnedOrder fetches the order and enforces that non-staff callers only
// access their own orders. Foreign orders read as not found to avoid leaking
// order id existence.
func (h *OrderHandlers) loadOwnedOrder(ctx context.Context, w http.ResponseWriter, r *http.Request, identity *auth.Identity) (services.Order, bool) {
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return services.Order{}, false
	}

	order, err := h.orders.GetOrder(ctx, orderID)
	if err != nil {
		h.writeOrderError(ctx, w, err)
		return services.Order{}, false
	}
	if order.OwnerID != identity.UID && !isStaff(identity) {
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
		return services.Order{}, false
	}
	return order, true
}

func isStaff(identity *auth.Identity) bool {
	return identity != nil && identity.HasAnyRole(auth.RoleStaff, auth.RoleAdmin)
}

func (h *OrderHandlers) writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("order_invalid_state", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", "order was modified concurrently; retry", http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}

func (h *OrderHandlers) writePaymentError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrPaymentInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrPaymentOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrPaymentNotRefundable):
		httpx.WriteError(ctx, w, httpx.NewError("payment_not_refundable", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrPaymentUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment provider is unavailable", http.StatusBadGateway))
	default:
		h.writeOrderError(ctx, w, err)
	}
}

// Wire payloads ---------------------------------------------------------------

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderListResponse struct {
	Orders        []orderPayload `json:"orders"`
	NextPageToken string         `json:"nextPageToken,omitempty"`
}

type orderPayload struct {
	ID          string              `json:"id"`
	OwnerID     string              `json:"ownerId"`
	Currency    string              `json:"currency"`
	Receipt     string              `json:"receipt,omitempty"`
	Status      string              `json:"status"`
	Items       []orderItemPayload  `json:"items"`
	Totals      cartTotalsPayload   `json:"totals"`
	CouponCode  string              `json:"couponCode,omitempty"`
	Payment     orderPaymentPayload `json:"payment"`
	Notes       map[string]string   `json:"notes,omitempty"`
	CreatedAt   string              `json:"createdAt,omitempty"`
	UpdatedAt   string              `json:"updatedAt,omitempty"`
	ConfirmedAt string              `json:"confirmedAt,omitempty"`
	CancelledAt string              `json:"cancelledAt,omitempty"`
}

type orderItemPayload struct {
	ProductID       string            `json:"productId"`
	Name            string            `json:"name,omitempty"`
	Image           string            `json:"image,omitempty"`
	UnitPrice       int64             `json:"unitPrice"`
	Quantity        int               `json:"quantity"`
	SelectedOptions map[string]string `json:"selectedOptions,omitempty"`
	LineTotal       int64             `json:"lineTotal"`
}

type orderPaymentPayload struct {
	Provider        string `json:"provider,omitempty"`
	ProviderOrderID string `json:"providerOrderId,omitempty"`
	PaymentID       string `json:"paymentId,omitempty"`
	Status          string `json:"status"`
	AmountCaptured  int64  `json:"amountCaptured"`
	AmountRefunded  int64  `json:"amountRefunded"`
	FailureReason   string `json:"failureReason,omitempty"`
	CapturedAt      string `json:"capturedAt,omitempty"`
	RefundedAt      string `json:"refundedAt,omitempty"`
}

func buildOrderPayload(order services.Order) orderPayload {
	payload := orderPayload{
		ID:         order.ID,
		OwnerID:    order.OwnerID,
		Currency:   strings.ToUpper(strings.TrimSpace(order.Currency)),
		Receipt:    order.Receipt,
		Status:     string(order.Status),
		Items:      buildOrderItems(order.Items),
		CouponCode: order.CouponCode,
		Notes:      order.Notes,
		Totals: cartTotalsPayload{
			Subtotal:   order.Totals.Subtotal,
			Discount:   order.Totals.Discount,
			Tax:        order.Totals.Tax,
			Shipping:   order.Totals.Shipping,
			Total:      order.Totals.Total,
			TotalItems: order.Totals.TotalItems,
		},
		Payment: orderPaymentPayload{
			Provider:        order.Payment.Provider,
			ProviderOrderID: order.Payment.ProviderOrderID,
			PaymentID:       order.Payment.PaymentID,
			Status:          string(order.Payment.Status),
			AmountCaptured:  order.Payment.AmountCaptured,
			AmountRefunded:  order.Payment.AmountRefunded,
			FailureReason:   order.Payment.FailureReason,
		},
	}
	if order.Payment.CapturedAt != nil {
		payload.Payment.CapturedAt = formatTime(*order.Payment.CapturedAt)
	}
	if order.Payment.RefundedAt != nil {
		payload.Payment.RefundedAt = formatTime(*order.Payment.RefundedAt)
	}
	if !order.CreatedAt.IsZero() {
		payload.CreatedAt = formatTime(order.CreatedAt)
	}
	if !order.UpdatedAt.IsZero() {
		payload.UpdatedAt = formatTime(order.UpdatedAt)
	}
	if order.ConfirmedAt != nil {
		payload.ConfirmedAt = formatTime(*order.ConfirmedAt)
	}
	if order.CancelledAt != nil {
		payload.CancelledAt = formatTime(*order.CancelledAt)
	}
	return payload
}

func buildOrderItems(items []services.OrderLineItem) []orderItemPayload {
	payload := make([]orderItemPayload, 0, len(items))
	for _, item := range items {
		payload = append(payload, orderItemPayload{
			ProductID:       item.ProductID,
			Name:            item.Name,
			Image:           item.Image,
			UnitPrice:       item.UnitPrice,
			Quantity:        item.Quantity,
			SelectedOptions: item.SelectedOptions,
			LineTotal:       item.LineTotal,
		})
	}
	return payload
}
