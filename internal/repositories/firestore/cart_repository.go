package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/aurelia-jewels/api/internal/domain"
	pfirestore "github.com/aurelia-jewels/api/internal/platform/firestore"
	"github.com/aurelia-jewels/api/internal/repositories"
)

const (
	cartCollection = "carts"
)

// CartRepository persists carts within Firestore, one document per owner.
type CartRepository struct {
	base     *pfirestore.BaseRepository[cartDocument]
	provider *pfirestore.Provider
}

// NewCartRepository constructs a Firestore-backed cart repository.
func NewCartRepository(provider *pfirestore.Provider) (*CartRepository, error) {
	if provider == nil {
		return nil, errors.New("cart repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[cartDocument](provider, cartCollection, nil, nil)
	return &CartRepository{
		base:     base,
		provider: provider,
	}, nil
}

// UpsertCart persists the full cart state using the owner ID as document
// identifier. When expectedUpdate is set the write carries a last-update
// precondition so concurrent writers surface as conflicts.
func (r *CartRepository) UpsertCart(ctx context.Context, cart domain.Cart, expectedUpdate *time.Time) (domain.Cart, error) {
	if r == nil || r.base == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}

	ownerID := strings.TrimSpace(firstCartID(cart))
	if ownerID == "" {
		return domain.Cart{}, errors.New("cart repository: owner id is required")
	}

	now := time.Now().UTC()
	if !cart.UpdatedAt.IsZero() {
		now = cart.UpdatedAt.UTC()
	}
	createdAt := cart.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = now
	}

	doc := cartDocument{
		Currency:     strings.ToUpper(strings.TrimSpace(cart.Currency)),
		Items:        encodeCartItems(cart.Items),
		ShippingCost: cart.ShippingCost,
		Metadata:     cloneAnyMap(cart.Metadata),
		CreatedAt:    createdAt,
		UpdatedAt:    now,
	}
	if cart.AppliedCoupon != nil {
		doc.Coupon = encodeCoupon(*cart.AppliedCoupon)
	}
	if cart.Totals != nil {
		doc.Totals = &cartTotalsDocument{
			Subtotal:   cart.Totals.Subtotal,
			Discount:   cart.Totals.Discount,
			Tax:        cart.Totals.Tax,
			Shipping:   cart.Totals.Shipping,
			Total:      cart.Totals.Total,
			TotalItems: cart.Totals.TotalItems,
		}
	}

	if expectedUpdate == nil || expectedUpdate.IsZero() {
		result, err := r.base.Set(ctx, ownerID, doc)
		if err != nil {
			return domain.Cart{}, err
		}
		return savedCart(cart, ownerID, doc, result.UpdateTime), nil
	}

	updates := []firestore.Update{
		{Path: "currency", Value: doc.Currency},
		{Path: "shippingCost", Value: doc.ShippingCost},
		{Path: "updatedAt", Value: doc.UpdatedAt},
	}
	if len(doc.Items) == 0 {
		updates = append(updates, firestore.Update{Path: "items", Value: firestore.Delete})
	} else {
		updates = append(updates, firestore.Update{Path: "items", Value: doc.Items})
	}
	if doc.Coupon == nil {
		updates = append(updates, firestore.Update{Path: "coupon", Value: firestore.Delete})
	} else {
		updates = append(updates, firestore.Update{Path: "coupon", Value: doc.Coupon})
	}
	if doc.Totals == nil {
		updates = append(updates, firestore.Update{Path: "totals", Value: firestore.Delete})
	} else {
		updates = append(updates, firestore.Update{Path: "totals", Value: doc.Totals})
	}
	if len(doc.Metadata) == 0 {
		updates = append(updates, firestore.Update{Path: "metadata", Value: firestore.Delete})
	} else {
		updates = append(updates, firestore.Update{Path: "metadata", Value: doc.Metadata})
	}

	result, err := r.base.Update(ctx, ownerID, updates, firestore.LastUpdateTime(expectedUpdate.UTC()))
	if err != nil {
		return domain.Cart{}, err
	}
	return savedCart(cart, ownerID, doc, result.UpdateTime), nil
}

func savedCart(cart domain.Cart, ownerID string, doc cartDocument, updateTime time.Time) domain.Cart {
	saved := cloneCart(cart)
	saved.ID = ownerID
	saved.OwnerID = ownerID
	saved.Currency = doc.Currency
	saved.CreatedAt = doc.CreatedAt
	saved.UpdatedAt = updateTime
	return saved
}

// GetCart loads the cart for the given owner ID.
func (r *CartRepository) GetCart(ctx context.Context, ownerID string) (domain.Cart, error) {
	if r == nil || r.base == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}
	owner := strings.TrimSpace(ownerID)
	if owner == "" {
		return domain.Cart{}, errors.New("cart repository: owner id is required")
	}

	doc, err := r.base.Get(ctx, owner)
	if err != nil {
		return domain.Cart{}, err
	}

	cart := domain.Cart{
		ID:           doc.ID,
		OwnerID:      doc.ID,
		Currency:     strings.ToUpper(strings.TrimSpace(doc.Data.Currency)),
		Items:        decodeCartItems(doc.Data.Items),
		ShippingCost: doc.Data.ShippingCost,
		Metadata:     cloneAnyMap(doc.Data.Metadata),
		UpdatedAt: func() time.Time {
			if !doc.UpdateTime.IsZero() {
				return doc.UpdateTime
			}
			return doc.Data.UpdatedAt
		}(),
		CreatedAt: func() time.Time {
			if !doc.Data.CreatedAt.IsZero() {
				return doc.Data.CreatedAt
			}
			return doc.UpdateTime
		}(),
	}

	if doc.Data.Coupon != nil {
		coupon := decodeCoupon(*doc.Data.Coupon)
		cart.AppliedCoupon = &coupon
	}
	if doc.Data.Totals != nil {
		cart.Totals = &domain.CartTotals{
			Subtotal:   doc.Data.Totals.Subtotal,
			Discount:   doc.Data.Totals.Discount,
			Tax:        doc.Data.Totals.Tax,
			Shipping:   doc.Data.Totals.Shipping,
			Total:      doc.Data.Totals.Total,
			TotalItems: doc.Data.Totals.TotalItems,
		}
	}

	return cart, nil
}

// DeleteCart removes the cart document for the owner.
func (r *CartRepository) DeleteCart(ctx context.Context, ownerID string) error {
	if r == nil || r.base == nil {
		return errors.New("cart repository not initialised")
	}
	owner := strings.TrimSpace(ownerID)
	if owner == "" {
		return errors.New("cart repository: owner id is required")
	}
	ref, err := r.base.DocumentRef(ctx, owner)
	if err != nil {
		return err
	}
	if _, err := ref.Delete(ctx); err != nil {
		return pfirestore.WrapError("firestore.carts.delete", err)
	}
	return nil
}

func firstCartID(cart domain.Cart) string {
	if strings.TrimSpace(cart.ID) != "" {
		return strings.TrimSpace(cart.ID)
	}
	return strings.TrimSpace(cart.OwnerID)
}

func cloneCart(cart domain.Cart) domain.Cart {
	dup := cart
	if cart.Items != nil {
		dup.Items = make([]domain.CartItem, len(cart.Items))
		copy(dup.Items, cart.Items)
	}
	if cart.Metadata != nil {
		dup.Metadata = cloneAnyMap(cart.Metadata)
	}
	return dup
}

func cloneAnyMap(values map[string]any) map[string]any {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]any, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}

func cloneStringMap(values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]string, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}

func encodeCartItems(items []domain.CartItem) []cartItemDocument {
	if len(items) == 0 {
		return nil
	}
	out := make([]cartItemDocument, 0, len(items))
	for _, item := range items {
		doc := cartItemDocument{
			ProductID:       strings.TrimSpace(item.ProductID),
			Name:            item.Name,
			Image:           item.Image,
			UnitPrice:       item.UnitPrice,
			Quantity:        item.Quantity,
			MaxQuantity:     item.MaxQuantity,
			SelectedOptions: cloneStringMap(item.SelectedOptions),
			AddedAt:         item.AddedAt.UTC(),
		}
		if item.UpdatedAt != nil {
			t := item.UpdatedAt.UTC()
			doc.UpdatedAt = &t
		}
		out = append(out, doc)
	}
	return out
}

func decodeCartItems(docs []cartItemDocument) []domain.CartItem {
	items := make([]domain.CartItem, 0, len(docs))
	for _, doc := range docs {
		item := domain.CartItem{
			ProductID:       doc.ProductID,
			Name:            doc.Name,
			Image:           doc.Image,
			UnitPrice:       doc.UnitPrice,
			Quantity:        doc.Quantity,
			MaxQuantity:     doc.MaxQuantity,
			SelectedOptions: cloneStringMap(doc.SelectedOptions),
			AddedAt:         doc.AddedAt,
		}
		if doc.UpdatedAt != nil {
			t := *doc.UpdatedAt
			item.UpdatedAt = &t
		}
		items = append(items, item)
	}
	return items
}

type cartDocument struct {
	Currency     string              `firestore:"currency"`
	Items        []cartItemDocument  `firestore:"items,omitempty"`
	Coupon       *couponDocument     `firestore:"coupon,omitempty"`
	ShippingCost int64               `firestore:"shippingCost"`
	Totals       *cartTotalsDocument `firestore:"totals,omitempty"`
	Metadata     map[string]any      `firestore:"metadata,omitempty"`
	CreatedAt    time.Time           `firestore:"createdAt"`
	UpdatedAt    time.Time           `firestore:"updatedAt"`
}

type cartItemDocument struct {
	ProductID       string            `firestore:"productId"`
	Name            string            `firestore:"name,omitempty"`
	Image           string            `firestore:"image,omitempty"`
	UnitPrice       int64             `firestore:"unitPrice"`
	Quantity        int               `firestore:"quantity"`
	MaxQuantity     int               `firestore:"maxQuantity,omitempty"`
	SelectedOptions map[string]string `firestore:"selectedOptions,omitempty"`
	AddedAt         time.Time         `firestore:"addedAt"`
	UpdatedAt       *time.Time        `firestore:"updatedAt,omitempty"`
}

type cartTotalsDocument struct {
	Subtotal   int64 `firestore:"subtotal"`
	Discount   int64 `firestore:"discount"`
	Tax        int64 `firestore:"tax"`
	Shipping   int64 `firestore:"shipping"`
	Total      int64 `firestore:"total"`
	TotalItems int   `firestore:"totalItems"`
}

var _ repositories.CartRepository = (*CartRepository)(nil)
