package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/aurelia-jewels/api/internal/domain"
)

type repositoryErrorStub struct {
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e *repositoryErrorStub) Error() string       { return "repository error" }
func (e *repositoryErrorStub) IsNotFound() bool    { return e.notFound }
func (e *repositoryErrorStub) IsConflict() bool    { return e.conflict }
func (e *repositoryErrorStub) IsUnavailable() bool { return e.unavailable }

type fakeCartRepository struct {
	carts      map[string]domain.Cart
	getErr     error
	upsertErr  error
	lastUpsert *time.Time
}

func newFakeCartRepository() *fakeCartRepository {
	return &fakeCartRepository{carts: map[string]domain.Cart{}}
}

func (f *fakeCartRepository) GetCart(_ context.Context, ownerID string) (domain.Cart, error) {
	if f.getErr != nil {
		return domain.Cart{}, f.getErr
	}
	cart, ok := f.carts[ownerID]
	if !ok {
		return domain.Cart{}, &repositoryErrorStub{notFound: true}
	}
	return cart, nil
}

func (f *fakeCartRepository) UpsertCart(_ context.Context, cart domain.Cart, expectedUpdate *time.Time) (domain.Cart, error) {
	if f.upsertErr != nil {
		return domain.Cart{}, f.upsertErr
	}
	f.lastUpsert = expectedUpdate
	f.carts[cart.OwnerID] = cart
	return cart, nil
}

func (f *fakeCartRepository) DeleteCart(_ context.Context, ownerID string) error {
	delete(f.carts, ownerID)
	return nil
}

type stubCouponService struct {
	result  CouponValidationResult
	err     error
	lastCmd ValidateCouponCommand
}

func (s *stubCouponService) Validate(_ context.Context, cmd ValidateCouponCommand) (CouponValidationResult, error) {
	s.lastCmd = cmd
	if s.err != nil {
		return CouponValidationResult{}, s.err
	}
	return s.result, nil
}

type recordingSyncStore struct {
	saved chan domain.Cart
	err   error
}

func newRecordingSyncStore() *recordingSyncStore {
	return &recordingSyncStore{saved: make(chan domain.Cart, 8)}
}

func (r *recordingSyncStore) SaveCartSnapshot(_ context.Context, cart domain.Cart) error {
	r.saved <- cart
	return r.err
}

type cartServiceFixture struct {
	service CartService
	repo    *fakeCartRepository
	coupons *stubCouponService
	sync    *recordingSyncStore
}

func newCartServiceFixture(t *testing.T) *cartServiceFixture {
	t.Helper()

	repo := newFakeCartRepository()
	coupons := &stubCouponService{}
	sync := newRecordingSyncStore()
	pricer := newTestPricingEngine(t)

	svc, err := NewCartService(CartServiceDeps{
		Repository:      repo,
		Pricer:          pricer,
		Coupons:         coupons,
		SyncStore:       sync,
		Clock:           func() time.Time { return time.Date(2025, time.April, 1, 10, 0, 0, 0, time.UTC) },
		DefaultCurrency: "INR",
	})
	if err != nil {
		t.Fatalf("NewCartService returned error: %v", err)
	}
	return &cartServiceFixture{service: svc, repo: repo, coupons: coupons, sync: sync}
}

func (f *cartServiceFixture) waitForSync(t *testing.T) domain.Cart {
	t.Helper()
	select {
	case cart := <-f.sync.saved:
		return cart
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cart sync")
		return domain.Cart{}
	}
}

func TestCartServiceGetOrCreateCartCreatesEmptyCart(t *testing.T) {
	fx := newCartServiceFixture(t)

	cart, err := fx.service.GetOrCreateCart(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("GetOrCreateCart returned error: %v", err)
	}
	if cart.OwnerID != "user-1" {
		t.Fatalf("expected owner user-1, got %q", cart.OwnerID)
	}
	if cart.Currency != "INR" {
		t.Fatalf("expected default currency INR, got %q", cart.Currency)
	}
	if len(cart.Items) != 0 {
		t.Fatalf("expected empty cart, got %d items", len(cart.Items))
	}
	if cart.Totals == nil || cart.Totals.Total != 0 {
		t.Fatalf("expected zero totals, got %+v", cart.Totals)
	}
	if _, ok := fx.repo.carts["user-1"]; !ok {
		t.Fatal("expected cart to be persisted")
	}
}

func TestCartServiceAddItemMergesMatchingLines(t *testing.T) {
	fx := newCartServiceFixture(t)
	options := map[string]string{"size": "7", "metal": "gold"}

	if _, err := fx.service.AddItem(context.Background(), AddCartItemCommand{
		OwnerID:         "user-1",
		ProductID:       "ring-aurora",
		Name:            "Aurora Ring",
		UnitPrice:       14999,
		Quantity:        1,
		SelectedOptions: options,
	}); err != nil {
		t.Fatalf("first AddItem returned error: %v", err)
	}

	cart, err := fx.service.AddItem(context.Background(), AddCartItemCommand{
		OwnerID:         "user-1",
		ProductID:       "RING-AURORA",
		Name:            "Aurora Ring",
		UnitPrice:       14999,
		Quantity:        2,
		SelectedOptions: map[string]string{"metal": "gold", "size": "7"},
	})
	if err != nil {
		t.Fatalf("second AddItem returned error: %v", err)
	}

	if len(cart.Items) != 1 {
		t.Fatalf("expected merged single line, got %d", len(cart.Items))
	}
	if cart.Items[0].Quantity != 3 {
		t.Fatalf("expected quantity 3, got %d", cart.Items[0].Quantity)
	}
	if cart.Totals.Subtotal != 44997 {
		t.Fatalf("expected subtotal 44997, got %d", cart.Totals.Subtotal)
	}
}

func TestCartServiceAddItemKeepsDistinctOptionLines(t *testing.T) {
	fx := newCartServiceFixture(t)

	if _, err := fx.service.AddItem(context.Background(), AddCartItemCommand{
		OwnerID:         "user-1",
		ProductID:       "ring-aurora",
		UnitPrice:       14999,
		Quantity:        1,
		SelectedOptions: map[string]string{"size": "6"},
	}); err != nil {
		t.Fatalf("AddItem returned error: %v", err)
	}

	cart, err := fx.service.AddItem(context.Background(), AddCartItemCommand{
		OwnerID:         "user-1",
		ProductID:       "ring-aurora",
		UnitPrice:       14999,
		Quantity:        1,
		SelectedOptions: map[string]string{"size": "7"},
	})
	if err != nil {
		t.Fatalf("AddItem returned error: %v", err)
	}
	if len(cart.Items) != 2 {
		t.Fatalf("expected 2 distinct lines, got %d", len(cart.Items))
	}
}

func TestCartServiceAddItemClampsToMaxQuantity(t *testing.T) {
	fx := newCartServiceFixture(t)

	if _, err := fx.service.AddItem(context.Background(), AddCartItemCommand{
		OwnerID:     "user-1",
		ProductID:   "pendant-lyra",
		UnitPrice:   4999,
		Quantity:    2,
		MaxQuantity: 3,
	}); err != nil {
		t.Fatalf("AddItem returned error: %v", err)
	}

	cart, err := fx.service.AddItem(context.Background(), AddCartItemCommand{
		OwnerID:     "user-1",
		ProductID:   "pendant-lyra",
		UnitPrice:   4999,
		Quantity:    5,
		MaxQuantity: 3,
	})
	if err != nil {
		t.Fatalf("AddItem returned error: %v", err)
	}
	if cart.Items[0].Quantity != 3 {
		t.Fatalf("expected quantity clamped to 3, got %d", cart.Items[0].Quantity)
	}
}

func TestCartServiceAddItemValidation(t *testing.T) {
	fx := newCartServiceFixture(t)

	cases := map[string]AddCartItemCommand{
		"missing owner":    {ProductID: "p", UnitPrice: 100, Quantity: 1},
		"missing product":  {OwnerID: "user-1", UnitPrice: 100, Quantity: 1},
		"zero quantity":    {OwnerID: "user-1", ProductID: "p", UnitPrice: 100},
		"negative price":   {OwnerID: "user-1", ProductID: "p", UnitPrice: -5, Quantity: 1},
		"invalid currency": {OwnerID: "user-1", ProductID: "p", UnitPrice: 100, Quantity: 1, Currency: "RUPEES"},
		"negative max qty": {OwnerID: "user-1", ProductID: "p", UnitPrice: 100, Quantity: 1, MaxQuantity: -1},
	}

	for name, cmd := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := fx.service.AddItem(context.Background(), cmd); !errors.Is(err, ErrCartInvalidInput) {
				t.Fatalf("expected ErrCartInvalidInput, got %v", err)
			}
		})
	}
}

func TestCartServiceUpdateQuantityZeroRemovesLine(t *testing.T) {
	fx := newCartServiceFixture(t)

	if _, err := fx.service.AddItem(context.Background(), AddCartItemCommand{
		OwnerID:   "user-1",
		ProductID: "ring-aurora",
		UnitPrice: 14999,
		Quantity:  2,
	}); err != nil {
		t.Fatalf("AddItem returned error: %v", err)
	}

	cart, err := fx.service.UpdateQuantity(context.Background(), UpdateCartQuantityCommand{
		OwnerID:   "user-1",
		ProductID: "ring-aurora",
		Quantity:  0,
	})
	if err != nil {
		t.Fatalf("UpdateQuantity returned error: %v", err)
	}
	if len(cart.Items) != 0 {
		t.Fatalf("expected empty cart after zero quantity, got %d items", len(cart.Items))
	}
	if cart.Totals.Total != 0 {
		t.Fatalf("expected zero total, got %d", cart.Totals.Total)
	}
}

func TestCartServiceUpdateQuantityUnknownLine(t *testing.T) {
	fx := newCartServiceFixture(t)

	_, err := fx.service.UpdateQuantity(context.Background(), UpdateCartQuantityCommand{
		OwnerID:   "user-1",
		ProductID: "missing",
		Quantity:  1,
	})
	if !errors.Is(err, ErrCartNotFound) {
		t.Fatalf("expected ErrCartNotFound, got %v", err)
	}
}

func TestCartServiceRemoveItem(t *testing.T) {
	fx := newCartServiceFixture(t)

	if _, err := fx.service.AddItem(context.Background(), AddCartItemCommand{
		OwnerID:         "user-1",
		ProductID:       "ring-aurora",
		UnitPrice:       14999,
		Quantity:        1,
		SelectedOptions: map[string]string{"size": "7"},
	}); err != nil {
		t.Fatalf("AddItem returned error: %v", err)
	}

	cart, err := fx.service.RemoveItem(context.Background(), RemoveCartItemCommand{
		OwnerID:         "user-1",
		ProductID:       "ring-aurora",
		SelectedOptions: map[string]string{"size": "7"},
	})
	if err != nil {
		t.Fatalf("RemoveItem returned error: %v", err)
	}
	if len(cart.Items) != 0 {
		t.Fatalf("expected empty cart, got %d items", len(cart.Items))
	}
}

func TestCartServiceApplyCouponRecomputesTotals(t *testing.T) {
	fx := newCartServiceFixture(t)
	fx.coupons.result = CouponValidationResult{
		Valid:  true,
		Coupon: &Coupon{Code: "WELCOME10", Type: domain.CouponPercentage, Value: 10, Active: true},
	}

	if _, err := fx.service.AddItem(context.Background(), AddCartItemCommand{
		OwnerID:   "user-1",
		ProductID: "ring-aurora",
		UnitPrice: 10000,
		Quantity:  1,
	}); err != nil {
		t.Fatalf("AddItem returned error: %v", err)
	}

	cart, err := fx.service.ApplyCoupon(context.Background(), CartCouponCommand{OwnerID: "user-1", Code: "welcome10"})
	if err != nil {
		t.Fatalf("ApplyCoupon returned error: %v", err)
	}
	if cart.AppliedCoupon == nil || cart.AppliedCoupon.Code != "WELCOME10" {
		t.Fatalf("expected WELCOME10 applied, got %+v", cart.AppliedCoupon)
	}
	if cart.Totals.Discount != 1000 {
		t.Fatalf("expected discount 1000, got %d", cart.Totals.Discount)
	}
	if fx.coupons.lastCmd.CartTotal != 10000 {
		t.Fatalf("expected validation against subtotal 10000, got %d", fx.coupons.lastCmd.CartTotal)
	}
}

func TestCartServiceApplyCouponRejection(t *testing.T) {
	fx := newCartServiceFixture(t)
	fx.coupons.result = CouponValidationResult{Valid: false, Message: "EXPIRED: coupon has expired"}

	_, err := fx.service.ApplyCoupon(context.Background(), CartCouponCommand{OwnerID: "user-1", Code: "EXPIRED"})
	if !errors.Is(err, ErrCartInvalidInput) {
		t.Fatalf("expected ErrCartInvalidInput, got %v", err)
	}
}

func TestCartServiceRemoveCoupon(t *testing.T) {
	fx := newCartServiceFixture(t)
	fx.coupons.result = CouponValidationResult{
		Valid:  true,
		Coupon: &Coupon{Code: "WELCOME10", Type: domain.CouponPercentage, Value: 10, Active: true},
	}

	if _, err := fx.service.AddItem(context.Background(), AddCartItemCommand{
		OwnerID:   "user-1",
		ProductID: "ring-aurora",
		UnitPrice: 10000,
		Quantity:  1,
	}); err != nil {
		t.Fatalf("AddItem returned error: %v", err)
	}
	if _, err := fx.service.ApplyCoupon(context.Background(), CartCouponCommand{OwnerID: "user-1", Code: "WELCOME10"}); err != nil {
		t.Fatalf("ApplyCoupon returned error: %v", err)
	}

	cart, err := fx.service.RemoveCoupon(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("RemoveCoupon returned error: %v", err)
	}
	if cart.AppliedCoupon != nil {
		t.Fatalf("expected coupon removed, got %+v", cart.AppliedCoupon)
	}
	if cart.Totals.Discount != 0 {
		t.Fatalf("expected zero discount, got %d", cart.Totals.Discount)
	}
}

func TestCartServiceUpdateShipping(t *testing.T) {
	fx := newCartServiceFixture(t)

	if _, err := fx.service.AddItem(context.Background(), AddCartItemCommand{
		OwnerID:   "user-1",
		ProductID: "ring-aurora",
		UnitPrice: 10000,
		Quantity:  1,
	}); err != nil {
		t.Fatalf("AddItem returned error: %v", err)
	}

	cart, err := fx.service.UpdateShipping(context.Background(), UpdateShippingCommand{OwnerID: "user-1", ShippingCost: 750})
	if err != nil {
		t.Fatalf("UpdateShipping returned error: %v", err)
	}
	if cart.ShippingCost != 750 {
		t.Fatalf("expected shipping 750, got %d", cart.ShippingCost)
	}
	// 10000 + tax 1000 + shipping 750.
	if cart.Totals.Total != 11750 {
		t.Fatalf("expected total 11750, got %d", cart.Totals.Total)
	}

	if _, err := fx.service.UpdateShipping(context.Background(), UpdateShippingCommand{OwnerID: "user-1", ShippingCost: -1}); !errors.Is(err, ErrCartInvalidInput) {
		t.Fatalf("expected ErrCartInvalidInput for negative shipping, got %v", err)
	}
}

func TestCartServiceClearCart(t *testing.T) {
	fx := newCartServiceFixture(t)
	fx.coupons.result = CouponValidationResult{
		Valid:  true,
		Coupon: &Coupon{Code: "WELCOME10", Type: domain.CouponPercentage, Value: 10, Active: true},
	}

	if _, err := fx.service.AddItem(context.Background(), AddCartItemCommand{
		OwnerID:   "user-1",
		ProductID: "ring-aurora",
		UnitPrice: 10000,
		Quantity:  2,
	}); err != nil {
		t.Fatalf("AddItem returned error: %v", err)
	}
	if _, err := fx.service.ApplyCoupon(context.Background(), CartCouponCommand{OwnerID: "user-1", Code: "WELCOME10"}); err != nil {
		t.Fatalf("ApplyCoupon returned error: %v", err)
	}

	cart, err := fx.service.ClearCart(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("ClearCart returned error: %v", err)
	}
	if len(cart.Items) != 0 || cart.AppliedCoupon != nil || cart.ShippingCost != 0 {
		t.Fatalf("expected cleared cart, got %+v", cart)
	}
	if cart.Totals.Total != 0 {
		t.Fatalf("expected zero total, got %d", cart.Totals.Total)
	}
}

func TestCartServiceReplaceCartUpsertsSnapshot(t *testing.T) {
	fx := newCartServiceFixture(t)
	fx.coupons.result = CouponValidationResult{
		Valid:  true,
		Coupon: &Coupon{Code: "WELCOME10", Type: domain.CouponPercentage, Value: 10, Active: true},
	}

	if _, err := fx.service.AddItem(context.Background(), AddCartItemCommand{
		OwnerID:   "user-1",
		ProductID: "old-line",
		UnitPrice: 100,
		Quantity:  1,
	}); err != nil {
		t.Fatalf("AddItem returned error: %v", err)
	}

	cart, err := fx.service.ReplaceCart(context.Background(), ReplaceCartCommand{
		OwnerID: "user-1",
		Items: []ReplaceCartLine{
			{ProductID: "ring-aurora", UnitPrice: 10000, Quantity: 1, SelectedOptions: map[string]string{"size": "7"}},
			{ProductID: "RING-AURORA", UnitPrice: 10000, Quantity: 2, SelectedOptions: map[string]string{"size": "7"}},
			{ProductID: "pendant-lyra", UnitPrice: 4999, Quantity: 0},
		},
		CouponCode:   "welcome10",
		ShippingCost: 500,
	})
	if err != nil {
		t.Fatalf("ReplaceCart returned error: %v", err)
	}

	if len(cart.Items) != 1 {
		t.Fatalf("expected old lines replaced and duplicates merged, got %d lines", len(cart.Items))
	}
	if cart.Items[0].ProductID != "ring-aurora" || cart.Items[0].Quantity != 3 {
		t.Fatalf("expected merged ring-aurora x3, got %+v", cart.Items[0])
	}
	if cart.AppliedCoupon == nil || cart.AppliedCoupon.Code != "WELCOME10" {
		t.Fatalf("expected coupon reattached, got %+v", cart.AppliedCoupon)
	}
	if cart.ShippingCost != 500 {
		t.Fatalf("expected shipping 500, got %d", cart.ShippingCost)
	}
	if fx.coupons.lastCmd.CartTotal != 30000 {
		t.Fatalf("expected coupon validated against subtotal 30000, got %d", fx.coupons.lastCmd.CartTotal)
	}
}

func TestCartServiceReplaceCartDropsRejectedCoupon(t *testing.T) {
	fx := newCartServiceFixture(t)
	fx.coupons.result = CouponValidationResult{Valid: false, Message: "coupon has expired"}

	cart, err := fx.service.ReplaceCart(context.Background(), ReplaceCartCommand{
		OwnerID:    "user-1",
		Items:      []ReplaceCartLine{{ProductID: "ring-aurora", UnitPrice: 10000, Quantity: 1}},
		CouponCode: "EXPIRED",
	})
	if err != nil {
		t.Fatalf("ReplaceCart returned error: %v", err)
	}
	if cart.AppliedCoupon != nil {
		t.Fatalf("expected rejected coupon dropped, got %+v", cart.AppliedCoupon)
	}
	if cart.Totals.Discount != 0 {
		t.Fatalf("expected no discount, got %d", cart.Totals.Discount)
	}
}

func TestCartServiceReplaceCartValidation(t *testing.T) {
	fx := newCartServiceFixture(t)

	cases := map[string]ReplaceCartCommand{
		"missing owner":     {Items: []ReplaceCartLine{{ProductID: "p", UnitPrice: 100, Quantity: 1}}},
		"missing product":   {OwnerID: "user-1", Items: []ReplaceCartLine{{UnitPrice: 100, Quantity: 1}}},
		"negative price":    {OwnerID: "user-1", Items: []ReplaceCartLine{{ProductID: "p", UnitPrice: -1, Quantity: 1}}},
		"negative shipping": {OwnerID: "user-1", ShippingCost: -10},
		"invalid currency":  {OwnerID: "user-1", Currency: "RUPEES"},
	}

	for name, cmd := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := fx.service.ReplaceCart(context.Background(), cmd); !errors.Is(err, ErrCartInvalidInput) {
				t.Fatalf("expected ErrCartInvalidInput, got %v", err)
			}
		})
	}
}

func TestCartServiceMirrorsSnapshotsOffRequestPath(t *testing.T) {
	fx := newCartServiceFixture(t)

	if _, err := fx.service.AddItem(context.Background(), AddCartItemCommand{
		OwnerID:   "user-1",
		ProductID: "ring-aurora",
		UnitPrice: 14999,
		Quantity:  1,
	}); err != nil {
		t.Fatalf("AddItem returned error: %v", err)
	}

	mirrored := fx.waitForSync(t)
	if mirrored.OwnerID != "user-1" {
		t.Fatalf("expected mirrored cart for user-1, got %q", mirrored.OwnerID)
	}
	if len(mirrored.Items) != 1 {
		t.Fatalf("expected mirrored item, got %d", len(mirrored.Items))
	}
}

func TestCartServiceUsesOptimisticLockOnExistingCart(t *testing.T) {
	fx := newCartServiceFixture(t)

	if _, err := fx.service.AddItem(context.Background(), AddCartItemCommand{
		OwnerID:   "user-1",
		ProductID: "ring-aurora",
		UnitPrice: 14999,
		Quantity:  1,
	}); err != nil {
		t.Fatalf("AddItem returned error: %v", err)
	}
	if fx.repo.lastUpsert != nil {
		t.Fatalf("expected no lock on first write, got %v", fx.repo.lastUpsert)
	}

	if _, err := fx.service.AddItem(context.Background(), AddCartItemCommand{
		OwnerID:   "user-1",
		ProductID: "pendant-lyra",
		UnitPrice: 4999,
		Quantity:  1,
	}); err != nil {
		t.Fatalf("AddItem returned error: %v", err)
	}
	if fx.repo.lastUpsert == nil {
		t.Fatal("expected optimistic lock timestamp on existing cart")
	}
}

func TestCartServiceTranslatesRepositoryConflict(t *testing.T) {
	fx := newCartServiceFixture(t)
	fx.repo.carts["user-1"] = domain.Cart{
		ID:        "user-1",
		OwnerID:   "user-1",
		Currency:  "INR",
		UpdatedAt: time.Date(2025, time.April, 1, 9, 0, 0, 0, time.UTC),
	}
	fx.repo.upsertErr = &repositoryErrorStub{conflict: true}

	_, err := fx.service.AddItem(context.Background(), AddCartItemCommand{
		OwnerID:   "user-1",
		ProductID: "ring-aurora",
		UnitPrice: 14999,
		Quantity:  1,
	})
	if !errors.Is(err, ErrCartConflict) {
		t.Fatalf("expected ErrCartConflict, got %v", err)
	}
}
