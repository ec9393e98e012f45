package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/aurelia-jewels/api/internal/domain"
	"github.com/aurelia-jewels/api/internal/repositories"
)

var (
	errCartRepositoryRequired = errors.New("cart service: repository is required")
	errCartPricerRequired     = errors.New("cart service: pricer is required")
)

// ErrCartInvalidInput indicates the caller supplied invalid input.
var ErrCartInvalidInput = errors.New("cart service: invalid input")

// ErrCartUnavailable indicates the cart service cannot fulfil the request due to missing dependencies or backend issues.
var ErrCartUnavailable = errors.New("cart service: unavailable")

// ErrCartNotFound indicates the requested cart or cart line does not exist.
var ErrCartNotFound = errors.New("cart service: not found")

// ErrCartConflict indicates the cart could not be updated due to concurrent modifications.
var ErrCartConflict = errors.New("cart service: conflict")

// CartPricer defines the dependency capable of calculating cart totals.
type CartPricer interface {
	Calculate(ctx context.Context, cmd PriceCartCommand) (PriceCartResult, error)
}

// CartServiceDeps wires the repository, pricing, and coupon dependencies for cart operations.
type CartServiceDeps struct {
	Repository      repositories.CartRepository
	Pricer          CartPricer
	Coupons         CouponService
	SyncStore       CartSyncStore
	Clock           func() time.Time
	DefaultCurrency string
	Logger          func(context.Context, string, map[string]any)
}

type cartService struct {
	repo     repositories.CartRepository
	pricer   CartPricer
	coupons  CouponService
	sync     CartSyncStore
	now      func() time.Time
	currency string
	logger   func(context.Context, string, map[string]any)
}

// NewCartService constructs a CartService enforcing dependency validation.
func NewCartService(deps CartServiceDeps) (CartService, error) {
	if deps.Repository == nil {
		return nil, errCartRepositoryRequired
	}
	if deps.Pricer == nil {
		return nil, errCartPricerRequired
	}

	defaultCurrency := strings.ToUpper(strings.TrimSpace(deps.DefaultCurrency))
	if defaultCurrency == "" {
		defaultCurrency = "INR"
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	service := &cartService{
		repo:     deps.Repository,
		pricer:   deps.Pricer,
		coupons:  deps.Coupons,
		sync:     deps.SyncStore,
		now:      func() time.Time { return clock().UTC() },
		currency: defaultCurrency,
		logger:   logger,
	}
	return service, nil
}

// GetOrCreateCart loads the active cart for the owner, creating an empty cart when absent.
func (s *cartService) GetOrCreateCart(ctx context.Context, ownerID string) (Cart, error) {
	if s == nil || s.repo == nil {
		return Cart{}, ErrCartUnavailable
	}

	owner := strings.TrimSpace(ownerID)
	if owner == "" {
		return Cart{}, ErrCartInvalidInput
	}

	cart, err := s.repo.GetCart(ctx, owner)
	if err != nil {
		if !isRepoNotFound(err) {
			return Cart{}, s.translateRepoError(err)
		}
		saved, err := s.repo.UpsertCart(ctx, s.newCart(owner), nil)
		if err != nil {
			return Cart{}, s.translateRepoError(err)
		}
		cart = saved
	}

	cart = s.normaliseCart(cart, owner)
	return s.priceCart(ctx, cart)
}

// ReplaceCart overwrites the cart with the client-supplied snapshot. The
// applied coupon is revalidated server-side; a code that no longer validates
// is dropped from the snapshot rather than failing the sync.
func (s *cartService) ReplaceCart(ctx context.Context, cmd ReplaceCartCommand) (Cart, error) {
	if s == nil || s.repo == nil {
		return Cart{}, ErrCartUnavailable
	}

	owner := strings.TrimSpace(cmd.OwnerID)
	if owner == "" {
		return Cart{}, ErrCartInvalidInput
	}
	if cmd.ShippingCost < 0 {
		return Cart{}, fmt.Errorf("%w: shipping cost must be non-negative", ErrCartInvalidInput)
	}
	currency := strings.ToUpper(strings.TrimSpace(cmd.Currency))
	if currency != "" {
		if err := validateCurrencyCode(currency); err != nil {
			return Cart{}, err
		}
	}

	items, err := s.normaliseSnapshotLines(cmd.Items)
	if err != nil {
		return Cart{}, err
	}
	code := strings.ToUpper(strings.TrimSpace(cmd.CouponCode))

	return s.mutateCart(ctx, owner, func(cart *domain.Cart) error {
		if currency != "" {
			cart.Currency = currency
		}
		cart.Items = items
		cart.ShippingCost = cmd.ShippingCost
		cart.AppliedCoupon = nil
		if code == "" {
			return nil
		}
		if s.coupons == nil {
			s.logger(ctx, "cart.sync_coupon_rejected", map[string]any{
				"ownerID": owner,
				"code":    code,
				"reason":  "coupon validation unavailable",
			})
			return nil
		}
		validation, err := s.coupons.Validate(ctx, ValidateCouponCommand{Code: code, CartTotal: cartSubtotal(items)})
		if err != nil || !validation.Valid || validation.Coupon == nil {
			reason := "coupon no longer valid"
			if err != nil {
				reason = err.Error()
			} else if validation.Message != "" {
				reason = validation.Message
			}
			s.logger(ctx, "cart.sync_coupon_rejected", map[string]any{
				"ownerID": owner,
				"code":    code,
				"reason":  reason,
			})
			return nil
		}
		coupon := *validation.Coupon
		cart.AppliedCoupon = &coupon
		return nil
	})
}

// normaliseSnapshotLines validates and merges the uploaded lines. Lines with a
// non-positive quantity are dropped, matching the reducer's remove-on-zero rule.
func (s *cartService) normaliseSnapshotLines(lines []ReplaceCartLine) ([]domain.CartItem, error) {
	items := make([]domain.CartItem, 0, len(lines))
	now := s.now()
	for _, line := range lines {
		productID := strings.TrimSpace(line.ProductID)
		if productID == "" {
			return nil, fmt.Errorf("%w: every item needs a product id", ErrCartInvalidInput)
		}
		if line.UnitPrice < 0 {
			return nil, fmt.Errorf("%w: unit price must be non-negative", ErrCartInvalidInput)
		}
		if line.MaxQuantity < 0 {
			return nil, fmt.Errorf("%w: max quantity must be non-negative", ErrCartInvalidInput)
		}
		if line.Quantity <= 0 {
			continue
		}

		incoming := domain.CartItem{
			ProductID:       productID,
			Name:            strings.TrimSpace(line.Name),
			Image:           strings.TrimSpace(line.Image),
			UnitPrice:       line.UnitPrice,
			Quantity:        line.Quantity,
			MaxQuantity:     line.MaxQuantity,
			SelectedOptions: cloneOptions(line.SelectedOptions),
			AddedAt:         now,
		}

		merged := false
		for i := range items {
			if !items[i].SameLine(incoming) {
				continue
			}
			items[i].Quantity = clampQuantity(items[i].Quantity+incoming.Quantity, items[i].MaxQuantity)
			merged = true
			break
		}
		if !merged {
			incoming.Quantity = clampQuantity(incoming.Quantity, incoming.MaxQuantity)
			items = append(items, incoming)
		}
	}
	return items, nil
}

// AddItem adds the product to the cart, merging into an existing line when the
// product and selected options match.
func (s *cartService) AddItem(ctx context.Context, cmd AddCartItemCommand) (Cart, error) {
	if s == nil || s.repo == nil {
		return Cart{}, ErrCartUnavailable
	}

	owner := strings.TrimSpace(cmd.OwnerID)
	if owner == "" {
		return Cart{}, ErrCartInvalidInput
	}
	productID := strings.TrimSpace(cmd.ProductID)
	if productID == "" {
		return Cart{}, fmt.Errorf("%w: product id is required", ErrCartInvalidInput)
	}
	if cmd.Quantity <= 0 {
		return Cart{}, fmt.Errorf("%w: quantity must be greater than zero", ErrCartInvalidInput)
	}
	if cmd.UnitPrice < 0 {
		return Cart{}, fmt.Errorf("%w: unit price must be non-negative", ErrCartInvalidInput)
	}
	if cmd.MaxQuantity < 0 {
		return Cart{}, fmt.Errorf("%w: max quantity must be non-negative", ErrCartInvalidInput)
	}

	currency := strings.ToUpper(strings.TrimSpace(cmd.Currency))
	if currency != "" {
		if err := validateCurrencyCode(currency); err != nil {
			return Cart{}, err
		}
	}

	return s.mutateCart(ctx, owner, func(cart *domain.Cart) error {
		if currency != "" && len(cart.Items) > 0 && !strings.EqualFold(cart.Currency, currency) {
			return fmt.Errorf("%w: item currency must match cart currency", ErrCartInvalidInput)
		}
		if currency != "" {
			cart.Currency = currency
		}

		now := s.now()
		incoming := domain.CartItem{
			ProductID:       productID,
			Name:            strings.TrimSpace(cmd.Name),
			Image:           strings.TrimSpace(cmd.Image),
			UnitPrice:       cmd.UnitPrice,
			Quantity:        cmd.Quantity,
			MaxQuantity:     cmd.MaxQuantity,
			SelectedOptions: cloneOptions(cmd.SelectedOptions),
			AddedAt:         now,
		}

		for i := range cart.Items {
			if !cart.Items[i].SameLine(incoming) {
				continue
			}
			merged := cart.Items[i].Quantity + cmd.Quantity
			merged = clampQuantity(merged, cart.Items[i].MaxQuantity)
			cart.Items[i].Quantity = merged
			cart.Items[i].UnitPrice = cmd.UnitPrice
			ts := now
			cart.Items[i].UpdatedAt = &ts
			return nil
		}

		incoming.Quantity = clampQuantity(incoming.Quantity, incoming.MaxQuantity)
		cart.Items = append(cart.Items, incoming)
		return nil
	})
}

// RemoveItem deletes a cart line identified by product and options.
func (s *cartService) RemoveItem(ctx context.Context, cmd RemoveCartItemCommand) (Cart, error) {
	if s == nil || s.repo == nil {
		return Cart{}, ErrCartUnavailable
	}

	owner := strings.TrimSpace(cmd.OwnerID)
	if owner == "" {
		return Cart{}, ErrCartInvalidInput
	}
	productID := strings.TrimSpace(cmd.ProductID)
	if productID == "" {
		return Cart{}, fmt.Errorf("%w: product id is required", ErrCartInvalidInput)
	}

	return s.mutateCart(ctx, owner, func(cart *domain.Cart) error {
		idx := indexOfCartLine(cart.Items, productID, cmd.SelectedOptions)
		if idx < 0 {
			return ErrCartNotFound
		}
		cart.Items = append(cart.Items[:idx], cart.Items[idx+1:]...)
		return nil
	})
}

// UpdateQuantity sets the quantity of an existing line. Zero removes the line.
func (s *cartService) UpdateQuantity(ctx context.Context, cmd UpdateCartQuantityCommand) (Cart, error) {
	if s == nil || s.repo == nil {
		return Cart{}, ErrCartUnavailable
	}

	owner := strings.TrimSpace(cmd.OwnerID)
	if owner == "" {
		return Cart{}, ErrCartInvalidInput
	}
	productID := strings.TrimSpace(cmd.ProductID)
	if productID == "" {
		return Cart{}, fmt.Errorf("%w: product id is required", ErrCartInvalidInput)
	}
	if cmd.Quantity < 0 {
		return Cart{}, fmt.Errorf("%w: quantity must be non-negative", ErrCartInvalidInput)
	}

	return s.mutateCart(ctx, owner, func(cart *domain.Cart) error {
		idx := indexOfCartLine(cart.Items, productID, cmd.SelectedOptions)
		if idx < 0 {
			return ErrCartNotFound
		}
		if cmd.Quantity == 0 {
			cart.Items = append(cart.Items[:idx], cart.Items[idx+1:]...)
			return nil
		}
		cart.Items[idx].Quantity = clampQuantity(cmd.Quantity, cart.Items[idx].MaxQuantity)
		ts := s.now()
		cart.Items[idx].UpdatedAt = &ts
		return nil
	})
}

// ApplyCoupon validates the code against the current subtotal and attaches the
// coupon snapshot to the cart.
func (s *cartService) ApplyCoupon(ctx context.Context, cmd CartCouponCommand) (Cart, error) {
	if s == nil || s.repo == nil {
		return Cart{}, ErrCartUnavailable
	}
	if s.coupons == nil {
		return Cart{}, ErrCartUnavailable
	}

	owner := strings.TrimSpace(cmd.OwnerID)
	if owner == "" {
		return Cart{}, ErrCartInvalidInput
	}
	code := strings.ToUpper(strings.TrimSpace(cmd.Code))
	if code == "" {
		return Cart{}, fmt.Errorf("%w: coupon code is required", ErrCartInvalidInput)
	}

	return s.mutateCart(ctx, owner, func(cart *domain.Cart) error {
		subtotal := cartSubtotal(cart.Items)
		validation, err := s.coupons.Validate(ctx, ValidateCouponCommand{Code: code, CartTotal: subtotal})
		if err != nil {
			if errors.Is(err, ErrCouponInvalidInput) {
				return fmt.Errorf("%w: %v", ErrCartInvalidInput, err)
			}
			return ErrCartUnavailable
		}
		if !validation.Valid {
			return fmt.Errorf("%w: %s", ErrCartInvalidInput, validation.Message)
		}
		coupon := *validation.Coupon
		cart.AppliedCoupon = &coupon
		return nil
	})
}

// RemoveCoupon detaches any applied coupon.
func (s *cartService) RemoveCoupon(ctx context.Context, ownerID string) (Cart, error) {
	if s == nil || s.repo == nil {
		return Cart{}, ErrCartUnavailable
	}

	owner := strings.TrimSpace(ownerID)
	if owner == "" {
		return Cart{}, ErrCartInvalidInput
	}

	return s.mutateCart(ctx, owner, func(cart *domain.Cart) error {
		cart.AppliedCoupon = nil
		return nil
	})
}

// UpdateShipping sets the shipping cost applied at checkout.
func (s *cartService) UpdateShipping(ctx context.Context, cmd UpdateShippingCommand) (Cart, error) {
	if s == nil || s.repo == nil {
		return Cart{}, ErrCartUnavailable
	}

	owner := strings.TrimSpace(cmd.OwnerID)
	if owner == "" {
		return Cart{}, ErrCartInvalidInput
	}
	if cmd.ShippingCost < 0 {
		return Cart{}, fmt.Errorf("%w: shipping cost must be non-negative", ErrCartInvalidInput)
	}

	return s.mutateCart(ctx, owner, func(cart *domain.Cart) error {
		cart.ShippingCost = cmd.ShippingCost
		return nil
	})
}

// ClearCart removes all lines, the coupon, and the shipping cost, keeping the
// cart document so the owner's currency preference survives.
func (s *cartService) ClearCart(ctx context.Context, ownerID string) (Cart, error) {
	if s == nil || s.repo == nil {
		return Cart{}, ErrCartUnavailable
	}

	owner := strings.TrimSpace(ownerID)
	if owner == "" {
		return Cart{}, ErrCartInvalidInput
	}

	return s.mutateCart(ctx, owner, func(cart *domain.Cart) error {
		cart.Items = []domain.CartItem{}
		cart.AppliedCoupon = nil
		cart.ShippingCost = 0
		return nil
	})
}

// mutateCart loads the cart, applies mutate, reprices, and persists with the
// loaded revision as the optimistic lock. Missing carts start from an empty one.
func (s *cartService) mutateCart(ctx context.Context, owner string, mutate func(*domain.Cart) error) (Cart, error) {
	cart, err := s.repo.GetCart(ctx, owner)
	exists := true
	if err != nil {
		if !isRepoNotFound(err) {
			return Cart{}, s.translateRepoError(err)
		}
		cart = s.newCart(owner)
		exists = false
	}
	cart = s.normaliseCart(cart, owner)
	previousUpdatedAt := cart.UpdatedAt

	if err := mutate(&cart); err != nil {
		return Cart{}, err
	}

	result, err := s.pricer.Calculate(ctx, PriceCartCommand{Cart: cart})
	if err != nil {
		s.logger(ctx, "cart.pricing_failed", map[string]any{
			"ownerID": owner,
			"error":   err.Error(),
		})
		return Cart{}, translatePricingError(err)
	}
	totals := result.Totals
	cart.Totals = &totals
	cart.UpdatedAt = s.now()

	var expected *time.Time
	if exists && !previousUpdatedAt.IsZero() {
		ts := previousUpdatedAt.UTC()
		expected = &ts
	}

	saved, err := s.repo.UpsertCart(ctx, cart, expected)
	if err != nil {
		return Cart{}, s.translateRepoError(err)
	}
	saved = s.normaliseCart(saved, owner)

	s.mirrorCart(ctx, saved)
	return saved, nil
}

// mirrorCart pushes a best-effort snapshot to the sync store. The mirror runs
// off the request path; failures are logged and never surface to the caller.
func (s *cartService) mirrorCart(ctx context.Context, cart domain.Cart) {
	if s.sync == nil {
		return
	}
	detached := context.WithoutCancel(ctx)
	go func() {
		syncCtx, cancel := context.WithTimeout(detached, 5*time.Second)
		defer cancel()
		if err := s.sync.SaveCartSnapshot(syncCtx, cart); err != nil {
			s.logger(syncCtx, "cart.sync_failed", map[string]any{
				"ownerID": cart.OwnerID,
				"error":   err.Error(),
			})
		}
	}()
}

func (s *cartService) priceCart(ctx context.Context, cart domain.Cart) (Cart, error) {
	result, err := s.pricer.Calculate(ctx, PriceCartCommand{Cart: cart})
	if err != nil {
		s.logger(ctx, "cart.pricing_failed", map[string]any{
			"ownerID": cart.OwnerID,
			"error":   err.Error(),
		})
		return Cart{}, translatePricingError(err)
	}
	totals := result.Totals
	cart.Totals = &totals
	return cart, nil
}

func (s *cartService) newCart(ownerID string) domain.Cart {
	now := s.now()
	return domain.Cart{
		ID:        ownerID,
		OwnerID:   ownerID,
		Currency:  s.currency,
		Items:     []domain.CartItem{},
		Metadata:  map[string]any{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (s *cartService) normaliseCart(cart domain.Cart, ownerID string) domain.Cart {
	if cart.ID = strings.TrimSpace(cart.ID); cart.ID == "" {
		cart.ID = ownerID
	}
	cart.OwnerID = strings.TrimSpace(firstNonEmpty(cart.OwnerID, ownerID))
	cart.Currency = strings.ToUpper(strings.TrimSpace(firstNonEmpty(cart.Currency, s.currency)))
	if cart.Items == nil {
		cart.Items = []domain.CartItem{}
	}
	if cart.Metadata == nil {
		cart.Metadata = map[string]any{}
	}
	if cart.CreatedAt.IsZero() {
		cart.CreatedAt = s.now()
	}
	if cart.UpdatedAt.IsZero() {
		cart.UpdatedAt = s.now()
	}
	return cart
}

func (s *cartService) translateRepoError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return ErrCartNotFound
		case repoErr.IsConflict():
			return ErrCartConflict
		case repoErr.IsUnavailable():
			return ErrCartUnavailable
		}
	}
	return ErrCartUnavailable
}

func translatePricingError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrCartPricingInvalidInput) {
		return ErrCartInvalidInput
	}
	return ErrCartUnavailable
}

func validateCurrencyCode(code string) error {
	if len(code) != 3 {
		return fmt.Errorf("%w: currency must be a 3-letter ISO code", ErrCartInvalidInput)
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return fmt.Errorf("%w: currency must be a 3-letter ISO code", ErrCartInvalidInput)
		}
	}
	return nil
}

func clampQuantity(quantity, maxQuantity int) int {
	if maxQuantity > 0 && quantity > maxQuantity {
		return maxQuantity
	}
	return quantity
}

func cartSubtotal(items []domain.CartItem) int64 {
	var subtotal int64
	for _, item := range items {
		if item.Quantity <= 0 || item.UnitPrice <= 0 {
			continue
		}
		subtotal += item.UnitPrice * int64(item.Quantity)
	}
	return subtotal
}

func indexOfCartLine(items []domain.CartItem, productID string, options map[string]string) int {
	probe := domain.CartItem{ProductID: productID, SelectedOptions: options}
	for i, item := range items {
		if item.SameLine(probe) {
			return i
		}
	}
	return -1
}

func cloneOptions(options map[string]string) map[string]string {
	if len(options) == 0 {
		return nil
	}
	out := make(map[string]string, len(options))
	for k, v := range options {
		out[k] = strings.TrimSpace(v)
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func isRepoNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		return repoErr.IsNotFound()
	}
	return false
}

func isRepoConflict(err error) bool {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		return repoErr.IsConflict()
	}
	return false
}
