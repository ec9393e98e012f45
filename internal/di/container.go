package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aurelia-jewels/api/internal/payments"
	"github.com/aurelia-jewels/api/internal/platform/config"
	"github.com/aurelia-jewels/api/internal/repositories"
	"github.com/aurelia-jewels/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Coupons  services.CouponService
	Cart     services.CartService
	Orders   services.OrderService
	Checkout services.CheckoutService
	Payments services.PaymentService
	System   services.SystemService
}

// Dependencies carries collaborators that live outside the repository layer:
// the payment gateway, the optional order event publisher, and the cart
// snapshot mirror.
type Dependencies struct {
	PaymentManager *payments.Manager
	OrderEvents    services.OrderEventPublisher
	CartSync       services.CartSyncStore
	Build          services.BuildInfo
	Clock          func() time.Time
	Logger         func(ctx context.Context, event string, fields map[string]any)
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// NewContainer constructs the runtime dependencies. Production wiring provides the
// Firestore-backed registry, while tests can supply in-memory registries.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, deps Dependencies) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}

	svc, err := buildServices(ctx, cfg, reg, deps)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close releases resources such as repository clients, background workers, or caches.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(_ context.Context, cfg config.Config, reg repositories.Registry, deps Dependencies) (Services, error) {
	var svc Services

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	couponRepo := reg.Coupons()
	if couponRepo == nil {
		return Services{}, errors.New("coupon repository is required")
	}
	couponSvc, err := services.NewCouponService(services.CouponServiceDeps{
		Coupons: couponRepo,
		Clock:   clock,
		Logger:  logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build coupon service: %w", err)
	}
	svc.Coupons = couponSvc

	pricer, err := services.NewCartPricingEngine(services.CartPricingEngineDeps{
		TaxRateBasisPoints: cfg.Pricing.TaxRateBasisPoints,
		Now:                clock,
		Logger:             logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build pricing engine: %w", err)
	}

	cartRepo := reg.Carts()
	if cartRepo == nil {
		return Services{}, errors.New("cart repository is required")
	}
	cartSvc, err := services.NewCartService(services.CartServiceDeps{
		Repository:      cartRepo,
		Pricer:          pricer,
		Coupons:         couponSvc,
		SyncStore:       deps.CartSync,
		Clock:           clock,
		DefaultCurrency: cfg.Pricing.Currency,
		Logger:          logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build cart service: %w", err)
	}
	svc.Cart = cartSvc

	orderRepo := reg.Orders()
	if orderRepo == nil {
		return Services{}, errors.New("order repository is required")
	}
	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:     orderRepo,
		Coupons:    couponRepo,
		UnitOfWork: reg,
		Clock:      clock,
		Events:     deps.OrderEvents,
		Logger:     logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orderSvc

	if deps.PaymentManager != nil {
		checkoutSvc, err := services.NewCheckoutService(services.CheckoutServiceDeps{
			Carts:           cartSvc,
			Orders:          orderSvc,
			Payments:        deps.PaymentManager,
			SignatureSecret: cfg.Payments.RazorpayKeySecret,
			Clock:           clock,
			Logger:          logger,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build checkout service: %w", err)
		}
		svc.Checkout = checkoutSvc
	}

	webhookRepo := reg.WebhookEvents()
	if webhookRepo == nil {
		return Services{}, errors.New("webhook event repository is required")
	}
	paymentDeps := services.PaymentServiceDeps{
		WebhookEvents: webhookRepo,
		Orders:        orderSvc,
		Clock:         clock,
		Logger:        logger,
	}
	if deps.PaymentManager != nil {
		paymentDeps.Gateway = deps.PaymentManager
	}
	paymentSvc, err := services.NewPaymentService(paymentDeps)
	if err != nil {
		return Services{}, fmt.Errorf("build payment service: %w", err)
	}
	svc.Payments = paymentSvc

	if healthRepo := reg.Health(); healthRepo != nil {
		systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: healthRepo,
			Clock:            clock,
			Build:            deps.Build,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = systemSvc
	}

	return svc, nil
}
