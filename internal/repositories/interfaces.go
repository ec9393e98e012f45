package repositories

import (
	"context"
	"time"

	domain "github.com/aurelia-jewels/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Carts() CartRepository
	Coupons() CouponRepository
	Orders() OrderRepository
	WebhookEvents() WebhookEventRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// CartRepository owns cart persistence with optimistic locking guarantees.
// Carts are keyed by owner ID; one active cart per owner.
type CartRepository interface {
	UpsertCart(ctx context.Context, cart domain.Cart, expectedUpdate *time.Time) (domain.Cart, error)
	GetCart(ctx context.Context, ownerID string) (domain.Cart, error)
	DeleteCart(ctx context.Context, ownerID string) error
}

// CouponRepository maintains coupon definitions and usage counters.
type CouponRepository interface {
	FindByCode(ctx context.Context, code string) (domain.Coupon, error)
	Upsert(ctx context.Context, coupon domain.Coupon) (domain.Coupon, error)
	IncrementUsage(ctx context.Context, code string, now time.Time) (domain.Coupon, error)
	List(ctx context.Context, filter CouponListFilter) (domain.CursorPage[domain.Coupon], error)
}

// OrderRepository persists order documents and provides lookups for the
// checkout and reconciliation flows.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	Update(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	FindByProviderOrderID(ctx context.Context, providerOrderID string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
}

// WebhookEventRepository records provider callbacks so retried deliveries
// apply at most once. Insert must fail with a conflict RepositoryError when
// the (provider, event id) pair was already stored.
type WebhookEventRepository interface {
	Insert(ctx context.Context, event domain.WebhookEvent) (domain.WebhookEvent, error)
	MarkProcessed(ctx context.Context, eventID string, processedAt time.Time) error
	FindByProviderEvent(ctx context.Context, provider string, providerEventID string) (domain.WebhookEvent, error)
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// Filter DTOs shared across repositories ------------------------------------

type CouponListFilter struct {
	ActiveOnly bool
	Pagination domain.Pagination
}

type OrderListFilter struct {
	OwnerID    string
	Status     []string
	DateRange  domain.RangeQuery[time.Time]
	Pagination domain.Pagination
}
