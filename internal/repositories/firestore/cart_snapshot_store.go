package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/aurelia-jewels/api/internal/domain"
	pfirestore "github.com/aurelia-jewels/api/internal/platform/firestore"
)

const cartSnapshotCollection = "cart_snapshots"

// CartSnapshotStore mirrors cart state into a secondary collection after each
// write. The mirror feeds storefront session recovery and reporting; it is
// written best-effort and never read back by the cart service itself.
type CartSnapshotStore struct {
	base *pfirestore.BaseRepository[cartSnapshotDocument]
}

// NewCartSnapshotStore constructs a Firestore-backed snapshot mirror.
func NewCartSnapshotStore(provider *pfirestore.Provider) (*CartSnapshotStore, error) {
	if provider == nil {
		return nil, errors.New("cart snapshot store requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[cartSnapshotDocument](provider, cartSnapshotCollection, nil, nil)
	return &CartSnapshotStore{base: base}, nil
}

// SaveCartSnapshot overwrites the mirror document for the cart's owner.
func (s *CartSnapshotStore) SaveCartSnapshot(ctx context.Context, cart domain.Cart) error {
	if s == nil || s.base == nil {
		return errors.New("cart snapshot store not initialised")
	}
	ownerID := strings.TrimSpace(firstCartID(cart))
	if ownerID == "" {
		return errors.New("cart snapshot store: owner id is required")
	}

	doc := cartSnapshotDocument{
		Currency:     strings.ToUpper(strings.TrimSpace(cart.Currency)),
		Items:        encodeCartItems(cart.Items),
		ShippingCost: cart.ShippingCost,
		UpdatedAt:    cart.UpdatedAt.UTC(),
		MirroredAt:   time.Now().UTC(),
	}
	if cart.AppliedCoupon != nil {
		doc.CouponCode = strings.ToUpper(strings.TrimSpace(cart.AppliedCoupon.Code))
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

	if _, err := s.base.Set(ctx, ownerID, doc); err != nil {
		return err
	}
	return nil
}

type cartSnapshotDocument struct {
	Currency     string              `firestore:"currency"`
	Items        []cartItemDocument  `firestore:"items,omitempty"`
	CouponCode   string              `firestore:"couponCode,omitempty"`
	ShippingCost int64               `firestore:"shippingCost"`
	Totals       *cartTotalsDocument `firestore:"totals,omitempty"`
	UpdatedAt    time.Time           `firestore:"updatedAt"`
	MirroredAt   time.Time           `firestore:"mirroredAt"`
}
