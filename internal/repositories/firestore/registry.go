package firestore

import (
	"context"
	"errors"

	firestoresdk "cloud.google.com/go/firestore"

	pfirestore "github.com/aurelia-jewels/api/internal/platform/firestore"
	"github.com/aurelia-jewels/api/internal/repositories"
)

// Registry bundles the Firestore repository implementations behind the
// repositories.Registry contract.
type Registry struct {
	provider *pfirestore.Provider

	carts         *CartRepository
	coupons       *CouponRepository
	orders        *OrderRepository
	webhookEvents *WebhookEventRepository
	health        repositories.HealthRepository
}

// RegistryOption customises registry construction.
type RegistryOption func(*Registry)

// WithHealthRepository injects the dependency health repository exposed via
// Health(). The checks themselves are assembled by the caller because they
// reach beyond Firestore.
func WithHealthRepository(health repositories.HealthRepository) RegistryOption {
	return func(r *Registry) {
		r.health = health
	}
}

// NewRegistry constructs all Firestore repositories on a shared provider.
func NewRegistry(provider *pfirestore.Provider, opts ...RegistryOption) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("registry requires firestore provider")
	}

	carts, err := NewCartRepository(provider)
	if err != nil {
		return nil, err
	}
	coupons, err := NewCouponRepository(provider)
	if err != nil {
		return nil, err
	}
	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, err
	}
	webhookEvents, err := NewWebhookEventRepository(provider)
	if err != nil {
		return nil, err
	}

	reg := &Registry{
		provider:      provider,
		carts:         carts,
		coupons:       coupons,
		orders:        orders,
		webhookEvents: webhookEvents,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(reg)
		}
	}
	return reg, nil
}

func (r *Registry) Carts() repositories.CartRepository { return r.carts }

func (r *Registry) Coupons() repositories.CouponRepository { return r.coupons }

func (r *Registry) Orders() repositories.OrderRepository { return r.orders }

func (r *Registry) WebhookEvents() repositories.WebhookEventRepository { return r.webhookEvents }

func (r *Registry) Health() repositories.HealthRepository { return r.health }

// RunInTx executes fn within a Firestore transaction boundary.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if r == nil || r.provider == nil {
		return errors.New("registry not initialised")
	}
	return r.provider.RunTransaction(ctx, func(txCtx context.Context, _ *firestoresdk.Transaction) error {
		return fn(txCtx)
	})
}

// Close releases the underlying Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close(ctx)
}

var _ repositories.Registry = (*Registry)(nil)
