package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aurelia-jewels/api/internal/domain"
	"github.com/aurelia-jewels/api/internal/repositories"
)

var (
	// ErrCouponInvalidInput signals malformed validation requests.
	ErrCouponInvalidInput = errors.New("coupon: invalid input")
	// ErrCouponUnavailable signals a storage failure while looking up the code.
	ErrCouponUnavailable = errors.New("coupon: unavailable")
)

// couponService validates coupon codes against current cart state. Business
// rejections (expired, exhausted, below minimum) are reported through the
// result, not as errors.
type couponService struct {
	coupons repositories.CouponRepository
	clock   func() time.Time
	logger  func(context.Context, string, map[string]any)
}

// CouponServiceDeps wires the coupon service dependencies.
type CouponServiceDeps struct {
	Coupons repositories.CouponRepository
	Clock   func() time.Time
	Logger  func(context.Context, string, map[string]any)
}

// NewCouponService constructs a CouponService backed by the coupon repository.
func NewCouponService(deps CouponServiceDeps) (CouponService, error) {
	if deps.Coupons == nil {
		return nil, errors.New("coupon service requires a coupon repository")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &couponService{
		coupons: deps.Coupons,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

func (s *couponService) Validate(ctx context.Context, cmd ValidateCouponCommand) (CouponValidationResult, error) {
	code := strings.ToUpper(strings.TrimSpace(cmd.Code))
	if code == "" {
		return CouponValidationResult{}, fmt.Errorf("%w: code is required", ErrCouponInvalidInput)
	}
	if cmd.CartTotal < 0 {
		return CouponValidationResult{}, fmt.Errorf("%w: cart total cannot be negative", ErrCouponInvalidInput)
	}

	coupon, err := s.coupons.FindByCode(ctx, code)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return invalidCoupon(code, "coupon not found"), nil
		}
		return CouponValidationResult{}, fmt.Errorf("%w: %v", ErrCouponUnavailable, err)
	}

	now := s.clock()
	if reason, ok := couponRejectionReason(coupon, cmd.CartTotal, now); !ok {
		s.logger(ctx, "coupon.rejected", map[string]any{
			"code":   code,
			"reason": reason,
		})
		return invalidCoupon(code, reason), nil
	}

	return CouponValidationResult{Valid: true, Coupon: &coupon}, nil
}

// couponRejectionReason reports why a coupon may not be applied right now.
// ok is true when the coupon is usable.
func couponRejectionReason(coupon domain.Coupon, cartTotal int64, now time.Time) (string, bool) {
	if !coupon.Active {
		return "coupon is not active", false
	}
	if coupon.StartsAt != nil && now.Before(*coupon.StartsAt) {
		return "coupon is not active yet", false
	}
	if coupon.EndsAt != nil && now.After(*coupon.EndsAt) {
		return "coupon has expired", false
	}
	if coupon.MaxUses > 0 && coupon.Uses >= coupon.MaxUses {
		return "coupon usage limit reached", false
	}
	if coupon.MinCartTotal > 0 && cartTotal < coupon.MinCartTotal {
		return fmt.Sprintf("cart total below minimum of %d", coupon.MinCartTotal), false
	}
	return "", true
}

func invalidCoupon(code, message string) CouponValidationResult {
	return CouponValidationResult{Valid: false, Message: fmt.Sprintf("%s: %s", code, message)}
}
