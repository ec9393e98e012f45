package firestore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/aurelia-jewels/api/internal/domain"
	pfirestore "github.com/aurelia-jewels/api/internal/platform/firestore"
	"github.com/aurelia-jewels/api/internal/repositories"
)

const orderCollection = "orders"

// OrderRepository persists order documents within Firestore.
type OrderRepository struct {
	base     *pfirestore.BaseRepository[orderDocument]
	provider *pfirestore.Provider
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[orderDocument](provider, orderCollection, nil, nil)
	return &OrderRepository{
		base:     base,
		provider: provider,
	}, nil
}

// Insert creates the order document, failing when the identifier is taken.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if r == nil || r.base == nil {
		return errors.New("order repository not initialised")
	}
	orderID := strings.TrimSpace(order.ID)
	if orderID == "" {
		return errors.New("order repository: order id is required")
	}

	ref, err := r.base.DocumentRef(ctx, orderID)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, encodeOrder(order)); err != nil {
		return pfirestore.WrapError("firestore.orders.insert", err)
	}
	return nil
}

// Update replaces the order document.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order) error {
	if r == nil || r.base == nil {
		return errors.New("order repository not initialised")
	}
	orderID := strings.TrimSpace(order.ID)
	if orderID == "" {
		return errors.New("order repository: order id is required")
	}
	if _, err := r.base.Set(ctx, orderID, encodeOrder(order)); err != nil {
		return err
	}
	return nil
}

// FindByID loads an order.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	id := strings.TrimSpace(orderID)
	if id == "" {
		return domain.Order{}, errors.New("order repository: order id is required")
	}
	doc, err := r.base.Get(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	return decodeOrder(doc.ID, doc.Data), nil
}

// FindByProviderOrderID resolves an order through the PSP order reference
// recorded at checkout. Webhook handlers use this to correlate callbacks.
func (r *OrderRepository) FindByProviderOrderID(ctx context.Context, providerOrderID string) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	ref := strings.TrimSpace(providerOrderID)
	if ref == "" {
		return domain.Order{}, errors.New("order repository: provider order id is required")
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("payment.providerOrderId", "==", ref).Limit(1)
	})
	if err != nil {
		return domain.Order{}, err
	}
	if len(docs) == 0 {
		return domain.Order{}, pfirestore.WrapError("firestore.orders.find_by_provider_order", status.Errorf(codes.NotFound, "order with provider order id %s not found", ref))
	}
	return decodeOrder(docs[0].ID, docs[0].Data), nil
}

// List returns orders matching the filter, newest first.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.Order]{}, errors.New("order repository not initialised")
	}

	limit := filter.Pagination.PageSize
	if limit < 0 {
		limit = 0
	}
	fetchLimit := limit
	if limit > 0 {
		fetchLimit = limit + 1
	}

	var startAfter []any
	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		tokenTime, tokenID, err := decodeOrderListToken(token)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, fmt.Errorf("order repository: invalid page token: %w", err)
		}
		startAfter = []any{tokenTime, tokenID}
	}

	statusFilters := normaliseOrderStatuses(filter.Status)

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		if owner := strings.TrimSpace(filter.OwnerID); owner != "" {
			q = q.Where("ownerId", "==", owner)
		}
		if len(statusFilters) == 1 {
			q = q.Where("status", "==", statusFilters[0])
		} else if len(statusFilters) > 1 {
			// Firestore in clause supports up to 10 values.
			if len(statusFilters) > 10 {
				statusFilters = statusFilters[:10]
			}
			q = q.Where("status", "in", statusFilters)
		}
		if filter.DateRange.From != nil {
			q = q.Where("createdAt", ">=", filter.DateRange.From.UTC())
		}
		if filter.DateRange.To != nil {
			q = q.Where("createdAt", "<=", filter.DateRange.To.UTC())
		}

		q = q.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if len(startAfter) == 2 {
			q = q.StartAfter(startAfter...)
		}
		if fetchLimit > 0 {
			q = q.Limit(fetchLimit)
		}
		return q
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	valueDocs := docs
	nextToken := ""
	if limit > 0 && len(valueDocs) == fetchLimit {
		last := valueDocs[len(valueDocs)-1]
		tokenTime := last.Data.CreatedAt
		if tokenTime.IsZero() {
			tokenTime = last.UpdateTime
		}
		nextToken = encodeOrderListToken(tokenTime, last.ID)
		valueDocs = valueDocs[:len(valueDocs)-1]
	}

	items := make([]domain.Order, 0, len(valueDocs))
	for _, doc := range valueDocs {
		items = append(items, decodeOrder(doc.ID, doc.Data))
	}

	return domain.CursorPage[domain.Order]{
		Items:         items,
		NextPageToken: nextToken,
	}, nil
}

func normaliseOrderStatuses(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		status := strings.ToLower(strings.TrimSpace(value))
		if status == "" {
			continue
		}
		if _, ok := seen[status]; ok {
			continue
		}
		seen[status] = struct{}{}
		out = append(out, status)
	}
	return out
}

func encodeOrderListToken(createdAt time.Time, docID string) string {
	payload := fmt.Sprintf("%s|%s", createdAt.UTC().Format(time.RFC3339Nano), docID)
	return base64.RawURLEncoding.EncodeToString([]byte(payload))
}

func decodeOrderListToken(token string) (time.Time, string, error) {
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return time.Time{}, "", err
	}
	parts := strings.SplitN(string(data), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", errors.New("invalid token structure")
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", err
	}
	return ts.UTC(), parts[1], nil
}

func encodeOrder(order domain.Order) orderDocument {
	doc := orderDocument{
		OwnerID:    strings.TrimSpace(order.OwnerID),
		Currency:   strings.ToUpper(strings.TrimSpace(order.Currency)),
		Receipt:    strings.TrimSpace(order.Receipt),
		CouponCode: strings.ToUpper(strings.TrimSpace(order.CouponCode)),
		Status:     string(order.Status),
		Notes:      cloneStringMap(order.Notes),
		Totals: orderTotalsDocument{
			Subtotal:   order.Totals.Subtotal,
			Discount:   order.Totals.Discount,
			Tax:        order.Totals.Tax,
			Shipping:   order.Totals.Shipping,
			Total:      order.Totals.Total,
			TotalItems: order.Totals.TotalItems,
		},
		Payment: orderPaymentDocument{
			Provider:        strings.TrimSpace(order.Payment.Provider),
			ProviderOrderID: strings.TrimSpace(order.Payment.ProviderOrderID),
			PaymentID:       strings.TrimSpace(order.Payment.PaymentID),
			Status:          string(order.Payment.Status),
			AmountCaptured:  order.Payment.AmountCaptured,
			AmountRefunded:  order.Payment.AmountRefunded,
			FailureReason:   strings.TrimSpace(order.Payment.FailureReason),
		},
		CreatedAt: order.CreatedAt.UTC(),
		UpdatedAt: order.UpdatedAt.UTC(),
	}
	if order.Payment.CapturedAt != nil {
		t := order.Payment.CapturedAt.UTC()
		doc.Payment.CapturedAt = &t
	}
	if order.Payment.RefundedAt != nil {
		t := order.Payment.RefundedAt.UTC()
		doc.Payment.RefundedAt = &t
	}
	if order.ConfirmedAt != nil {
		t := order.ConfirmedAt.UTC()
		doc.ConfirmedAt = &t
	}
	if order.CancelledAt != nil {
		t := order.CancelledAt.UTC()
		doc.CancelledAt = &t
	}
	for _, item := range order.Items {
		doc.Items = append(doc.Items, orderItemDocument{
			ProductID:       strings.TrimSpace(item.ProductID),
			Name:            item.Name,
			Image:           item.Image,
			UnitPrice:       item.UnitPrice,
			Quantity:        item.Quantity,
			SelectedOptions: cloneStringMap(item.SelectedOptions),
			LineTotal:       item.LineTotal,
		})
	}
	return doc
}

func decodeOrder(id string, doc orderDocument) domain.Order {
	order := domain.Order{
		ID:         id,
		OwnerID:    doc.OwnerID,
		Currency:   doc.Currency,
		Receipt:    doc.Receipt,
		CouponCode: doc.CouponCode,
		Status:     domain.OrderStatus(doc.Status),
		Notes:      cloneStringMap(doc.Notes),
		Totals: domain.CartTotals{
			Subtotal:   doc.Totals.Subtotal,
			Discount:   doc.Totals.Discount,
			Tax:        doc.Totals.Tax,
			Shipping:   doc.Totals.Shipping,
			Total:      doc.Totals.Total,
			TotalItems: doc.Totals.TotalItems,
		},
		Payment: domain.OrderPayment{
			Provider:        doc.Payment.Provider,
			ProviderOrderID: doc.Payment.ProviderOrderID,
			PaymentID:       doc.Payment.PaymentID,
			Status:          domain.PaymentStatus(doc.Payment.Status),
			AmountCaptured:  doc.Payment.AmountCaptured,
			AmountRefunded:  doc.Payment.AmountRefunded,
			FailureReason:   doc.Payment.FailureReason,
		},
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}
	if doc.Payment.CapturedAt != nil {
		t := *doc.Payment.CapturedAt
		order.Payment.CapturedAt = &t
	}
	if doc.Payment.RefundedAt != nil {
		t := *doc.Payment.RefundedAt
		order.Payment.RefundedAt = &t
	}
	if doc.ConfirmedAt != nil {
		t := *doc.ConfirmedAt
		order.ConfirmedAt = &t
	}
	if doc.CancelledAt != nil {
		t := *doc.CancelledAt
		order.CancelledAt = &t
	}
	for _, item := range doc.Items {
		order.Items = append(order.Items, domain.OrderLineItem{
			ProductID:       item.ProductID,
			Name:            item.Name,
			Image:           item.Image,
			UnitPrice:       item.UnitPrice,
			Quantity:        item.Quantity,
			SelectedOptions: cloneStringMap(item.SelectedOptions),
			LineTotal:       item.LineTotal,
		})
	}
	return order
}

type orderDocument struct {
	OwnerID     string               `firestore:"ownerId"`
	Currency    string               `firestore:"currency"`
	Receipt     string               `firestore:"receipt,omitempty"`
	Items       []orderItemDocument  `firestore:"items,omitempty"`
	Totals      orderTotalsDocument  `firestore:"totals"`
	CouponCode  string               `firestore:"couponCode,omitempty"`
	Status      string               `firestore:"status"`
	Payment     orderPaymentDocument `firestore:"payment"`
	Notes       map[string]string    `firestore:"notes,omitempty"`
	CreatedAt   time.Time            `firestore:"createdAt"`
	UpdatedAt   time.Time            `firestore:"updatedAt"`
	ConfirmedAt *time.Time           `firestore:"confirmedAt,omitempty"`
	CancelledAt *time.Time           `firestore:"cancelledAt,omitempty"`
}

type orderItemDocument struct {
	ProductID       string            `firestore:"productId"`
	Name            string            `firestore:"name,omitempty"`
	Image           string            `firestore:"image,omitempty"`
	UnitPrice       int64             `firestore:"unitPrice"`
	Quantity        int               `firestore:"quantity"`
	SelectedOptions map[string]string `firestore:"selectedOptions,omitempty"`
	LineTotal       int64             `firestore:"lineTotal"`
}

type orderTotalsDocument struct {
	Subtotal   int64 `firestore:"subtotal"`
	Discount   int64 `firestore:"discount"`
	Tax        int64 `firestore:"tax"`
	Shipping   int64 `firestore:"shipping"`
	Total      int64 `firestore:"total"`
	TotalItems int   `firestore:"totalItems"`
}

type orderPaymentDocument struct {
	Provider        string     `firestore:"provider,omitempty"`
	ProviderOrderID string     `firestore:"providerOrderId,omitempty"`
	PaymentID       string     `firestore:"paymentId,omitempty"`
	Status          string     `firestore:"status"`
	AmountCaptured  int64      `firestore:"amountCaptured"`
	AmountRefunded  int64      `firestore:"amountRefunded"`
	FailureReason   string     `firestore:"failureReason,omitempty"`
	CapturedAt      *time.Time `firestore:"capturedAt,omitempty"`
	RefundedAt      *time.Time `firestore:"refundedAt,omitempty"`
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)
