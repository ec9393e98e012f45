package payments

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Status enumerates the normalised payment states shared across providers.
type Status string

const (
	// StatusPending indicates the payment is awaiting customer action or PSP confirmation.
	StatusPending Status = "pending"
	// StatusCaptured indicates the PSP reports the payment as successfully captured.
	StatusCaptured Status = "captured"
	// StatusFailed indicates the PSP reports a failure and no further action is possible.
	StatusFailed Status = "failed"
	// StatusRefunded indicates the payment has been fully refunded.
	StatusRefunded Status = "refunded"
)

// ErrUnsupportedProvider is returned when the manager cannot locate a provider.
var ErrUnsupportedProvider = errors.New("payments: unsupported provider")

// MinorUnits converts a major-unit amount to the provider's smallest currency
// subdivision (e.g. rupees to paise), rounding half away from zero.
func MinorUnits(major float64) int64 {
	return int64(math.Round(major * 100))
}

// OrderLineItem describes a single line item attached to a provider order.
type OrderLineItem struct {
	Name     string
	SKU      string
	Quantity int64
	Amount   int64
	Currency string
}

// OrderRequest captures the payload required to create a provider-side order
// or checkout session. Amount is expressed in minor units. Callers holding a
// major-unit amount set AmountMajor instead and leave Amount zero; the
// manager converts it before the provider sees the request.
type OrderRequest struct {
	Amount         int64
	AmountMajor    float64
	Currency       string
	Receipt        string
	Notes          map[string]string
	IdempotencyKey string
	SuccessURL     string
	CancelURL      string
	Items          []OrderLineItem
}

// ProviderOrder represents the PSP order returned to the caller. It is
// created once per checkout attempt and immutable after creation.
type ProviderOrder struct {
	ID           string
	Provider     string
	Amount       int64
	Currency     string
	Receipt      string
	RedirectURL  string
	ClientSecret string
	ExpiresAt    time.Time
	Raw          map[string]any
}

// RefundRequest defines a PSP refund attempt. A nil Amount requests a full refund.
type RefundRequest struct {
	PaymentID      string
	Amount         *int64
	Reason         string
	IdempotencyKey string
	Notes          map[string]string
}

// RefundDetails normalises the provider refund response.
type RefundDetails struct {
	ID        string
	PaymentID string
	Amount    int64
	Status    Status
	Raw       map[string]any
}

// LookupRequest identifies a provider payment for reconciliation.
type LookupRequest struct {
	PaymentID string
}

// PaymentDetails normalises PSP specific payment fields for storage.
type PaymentDetails struct {
	Provider        string
	PaymentID       string
	ProviderOrderID string
	Status          Status
	Amount          int64
	AmountRefunded  int64
	Currency        string
	Captured        bool
	CapturedAt      *time.Time
	Raw             map[string]any
}

// Provider defines the contract for PSP adapters to implement.
type Provider interface {
	CreateOrder(ctx context.Context, req OrderRequest) (ProviderOrder, error)
	Refund(ctx context.Context, req RefundRequest) (RefundDetails, error)
	LookupPayment(ctx context.Context, req LookupRequest) (PaymentDetails, error)
}

// Manager coordinates provider selection and exposes the aggregated interface.
type Manager struct {
	providers       map[string]Provider
	defaultProvider string
	currencyRoutes  map[string]string
}

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager)

// WithDefaultProvider overrides the default provider for currencies without explicit routing.
func WithDefaultProvider(provider string) ManagerOption {
	return func(m *Manager) {
		m.defaultProvider = provider
	}
}

// WithCurrencyRoutes configures static currency to provider mappings.
func WithCurrencyRoutes(routes map[string]string) ManagerOption {
	return func(m *Manager) {
		if len(routes) == 0 {
			return
		}
		if m.currencyRoutes == nil {
			m.currencyRoutes = make(map[string]string, len(routes))
		}
		for k, v := range routes {
			m.currencyRoutes[strings.ToUpper(strings.TrimSpace(k))] = strings.TrimSpace(v)
		}
	}
}

// NewManager constructs a Manager over the supplied providers.
func NewManager(providers map[string]Provider, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	copyMap := make(map[string]Provider, len(providers))
	for k, v := range providers {
		key := strings.TrimSpace(strings.ToLower(k))
		if key == "" || v == nil {
			return nil, fmt.Errorf("payments: invalid provider registration for key %q", k)
		}
		copyMap[key] = v
	}
	m := &Manager{
		providers: copyMap,
	}
	if _, ok := copyMap["razorpay"]; ok {
		m.defaultProvider = "razorpay"
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// PaymentContext defines the hints available when selecting a provider.
type PaymentContext struct {
	PreferredProvider string
	Currency          string
	Metadata          map[string]string
}

func (m *Manager) resolveProvider(ctx PaymentContext) (string, Provider, error) {
	if m == nil {
		return "", nil, errors.New("payments: manager is nil")
	}
	if len(m.providers) == 0 {
		return "", nil, errors.New("payments: no providers registered")
	}
	if provider := strings.TrimSpace(strings.ToLower(ctx.PreferredProvider)); provider != "" {
		if p, ok := m.providers[provider]; ok {
			return provider, p, nil
		}
	}
	currency := strings.ToUpper(strings.TrimSpace(ctx.Currency))
	if currency != "" && m.currencyRoutes != nil {
		if providerKey, ok := m.currencyRoutes[currency]; ok {
			provider := strings.TrimSpace(strings.ToLower(providerKey))
			if p, ok := m.providers[provider]; ok {
				return provider, p, nil
			}
		}
	}
	if def := strings.TrimSpace(strings.ToLower(m.defaultProvider)); def != "" {
		if p, ok := m.providers[def]; ok {
			return def, p, nil
		}
	}
	if len(m.providers) == 1 {
		for key, p := range m.providers {
			return key, p, nil
		}
	}
	return "", nil, ErrUnsupportedProvider
}

// CreateOrder delegates to the resolved provider, converting a major-unit
// amount to minor units first.
func (m *Manager) CreateOrder(ctx context.Context, paymentCtx PaymentContext, req OrderRequest) (ProviderOrder, error) {
	key, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return ProviderOrder{}, err
	}
	if req.Amount == 0 && req.AmountMajor != 0 {
		req.Amount = MinorUnits(req.AmountMajor)
	}
	order, err := provider.CreateOrder(ctx, req)
	if err != nil {
		return ProviderOrder{}, err
	}
	order.Provider = key
	return order, nil
}

// Refund delegates to the resolved provider.
func (m *Manager) Refund(ctx context.Context, paymentCtx PaymentContext, req RefundRequest) (RefundDetails, error) {
	_, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return RefundDetails{}, err
	}
	return provider.Refund(ctx, req)
}

// LookupPayment delegates to the resolved provider.
func (m *Manager) LookupPayment(ctx context.Context, paymentCtx PaymentContext, req LookupRequest) (PaymentDetails, error) {
	_, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return PaymentDetails{}, err
	}
	return provider.LookupPayment(ctx, req)
}
