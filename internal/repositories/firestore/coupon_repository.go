package firestore

import (
	"context"
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

const couponCollection = "coupons"

// CouponRepository implements repositories.CouponRepository backed by Firestore.
// Coupon codes are stored uppercased as document identifiers.
type CouponRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[couponDocument]
}

// NewCouponRepository constructs a Firestore-backed coupon repository.
func NewCouponRepository(provider *pfirestore.Provider) (*CouponRepository, error) {
	if provider == nil {
		return nil, errors.New("coupon repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[couponDocument](provider, couponCollection, nil, nil)
	return &CouponRepository{
		provider: provider,
		base:     base,
	}, nil
}

// FindByCode loads a coupon by its (case-insensitive) code.
func (r *CouponRepository) FindByCode(ctx context.Context, code string) (domain.Coupon, error) {
	if r == nil || r.base == nil {
		return domain.Coupon{}, errors.New("coupon repository not initialised")
	}
	id := couponDocID(code)
	if id == "" {
		return domain.Coupon{}, errors.New("coupon repository: code is required")
	}
	doc, err := r.base.Get(ctx, id)
	if err != nil {
		return domain.Coupon{}, err
	}
	coupon := decodeCoupon(doc.Data)
	coupon.Code = doc.ID
	return coupon, nil
}

// Upsert stores the coupon definition.
func (r *CouponRepository) Upsert(ctx context.Context, coupon domain.Coupon) (domain.Coupon, error) {
	if r == nil || r.base == nil {
		return domain.Coupon{}, errors.New("coupon repository not initialised")
	}
	id := couponDocID(coupon.Code)
	if id == "" {
		return domain.Coupon{}, errors.New("coupon repository: code is required")
	}

	now := time.Now().UTC()
	if coupon.CreatedAt.IsZero() {
		coupon.CreatedAt = now
	}
	coupon.UpdatedAt = now
	coupon.Code = id

	doc := encodeCoupon(coupon)
	if _, err := r.base.Set(ctx, id, *doc); err != nil {
		return domain.Coupon{}, err
	}
	return coupon, nil
}

// IncrementUsage atomically bumps the usage counter, failing when the coupon
// has already reached its usage limit.
func (r *CouponRepository) IncrementUsage(ctx context.Context, code string, now time.Time) (domain.Coupon, error) {
	if r == nil || r.provider == nil {
		return domain.Coupon{}, errors.New("coupon repository not initialised")
	}
	id := couponDocID(code)
	if id == "" {
		return domain.Coupon{}, repositories.NewCouponError(repositories.CouponErrorUnknown, "code is required", nil)
	}

	var updated domain.Coupon
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.base.DocumentRef(ctx, id)
		if err != nil {
			return err
		}

		snapshot, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return repositories.NewCouponError(repositories.CouponErrorNotFound, fmt.Sprintf("coupon %s not found", id), nil)
		}
		if err != nil {
			return err
		}

		var doc couponDocument
		if err := snapshot.DataTo(&doc); err != nil {
			return fmt.Errorf("firestore coupons decode %s: %w", id, err)
		}

		if !doc.Active {
			return repositories.NewCouponError(repositories.CouponErrorInactive, fmt.Sprintf("coupon %s is inactive", id), nil)
		}
		if doc.MaxUses > 0 && doc.Uses >= doc.MaxUses {
			return repositories.NewCouponError(repositories.CouponErrorExhausted, fmt.Sprintf("coupon %s reached its usage limit", id), nil)
		}

		doc.Uses++
		doc.UpdatedAt = now.UTC()
		if err := tx.Set(ref, doc, firestore.MergeAll); err != nil {
			return err
		}

		updated = decodeCoupon(doc)
		updated.Code = id
		return nil
	})
	if err != nil {
		var couponErr *repositories.CouponError
		if errors.As(err, &couponErr) {
			return domain.Coupon{}, couponErr
		}
		return domain.Coupon{}, pfirestore.WrapError("coupons.increment_usage", err)
	}
	return updated, nil
}

// List returns coupons, optionally restricted to active ones.
func (r *CouponRepository) List(ctx context.Context, filter repositories.CouponListFilter) (domain.CursorPage[domain.Coupon], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.Coupon]{}, errors.New("coupon repository not initialised")
	}

	pageSize := filter.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}

	docs, err := r.base.Query(ctx, func(query firestore.Query) firestore.Query {
		q := query.OrderBy(firestore.DocumentID, firestore.Asc)
		if filter.ActiveOnly {
			q = q.Where("active", "==", true)
		}
		if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
			q = q.StartAfter(token)
		}
		return q.Limit(pageSize + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.Coupon]{}, err
	}

	page := domain.CursorPage[domain.Coupon]{Items: make([]domain.Coupon, 0, len(docs))}
	for i, doc := range docs {
		if i == pageSize {
			page.NextPageToken = docs[i-1].ID
			break
		}
		coupon := decodeCoupon(doc.Data)
		coupon.Code = doc.ID
		page.Items = append(page.Items, coupon)
	}
	return page, nil
}

func couponDocID(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func encodeCoupon(coupon domain.Coupon) *couponDocument {
	doc := &couponDocument{
		Code:         couponDocID(coupon.Code),
		Type:         string(coupon.Type),
		Value:        coupon.Value,
		Description:  strings.TrimSpace(coupon.Description),
		Active:       coupon.Active,
		MinCartTotal: coupon.MinCartTotal,
		MaxUses:      coupon.MaxUses,
		Uses:         coupon.Uses,
		CreatedAt:    coupon.CreatedAt.UTC(),
		UpdatedAt:    coupon.UpdatedAt.UTC(),
	}
	if coupon.StartsAt != nil {
		t := coupon.StartsAt.UTC()
		doc.StartsAt = &t
	}
	if coupon.EndsAt != nil {
		t := coupon.EndsAt.UTC()
		doc.EndsAt = &t
	}
	return doc
}

func decodeCoupon(doc couponDocument) domain.Coupon {
	coupon := domain.Coupon{
		Code:         doc.Code,
		Type:         domain.CouponType(doc.Type),
		Value:        doc.Value,
		Description:  doc.Description,
		Active:       doc.Active,
		MinCartTotal: doc.MinCartTotal,
		MaxUses:      doc.MaxUses,
		Uses:         doc.Uses,
		CreatedAt:    doc.CreatedAt,
		UpdatedAt:    doc.UpdatedAt,
	}
	if doc.StartsAt != nil {
		t := *doc.StartsAt
		coupon.StartsAt = &t
	}
	if doc.EndsAt != nil {
		t := *doc.EndsAt
		coupon.EndsAt = &t
	}
	return coupon
}

type couponDocument struct {
	Code         string     `firestore:"code,omitempty"`
	Type         string     `firestore:"type"`
	Value        int64      `firestore:"value"`
	Description  string     `firestore:"description,omitempty"`
	Active       bool       `firestore:"active"`
	MinCartTotal int64      `firestore:"minCartTotal,omitempty"`
	MaxUses      int        `firestore:"maxUses,omitempty"`
	Uses         int        `firestore:"uses"`
	StartsAt     *time.Time `firestore:"startsAt,omitempty"`
	EndsAt       *time.Time `firestore:"endsAt,omitempty"`
	CreatedAt    time.Time  `firestore:"createdAt"`
	UpdatedAt    time.Time  `firestore:"updatedAt"`
}

var _ repositories.CouponRepository = (*CouponRepository)(nil)
