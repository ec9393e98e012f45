package payments

import (
	"context"
	"errors"
	"testing"
)

type fakeProvider struct {
	lastOp       string
	lastOrderReq OrderRequest
	order        ProviderOrder
	refund       RefundDetails
	payment      PaymentDetails
	err          error
}

func (f *fakeProvider) CreateOrder(ctx context.Context, req OrderRequest) (ProviderOrder, error) {
	f.lastOp = "create"
	f.lastOrderReq = req
	return f.order, f.err
}

func (f *fakeProvider) Refund(ctx context.Context, req RefundRequest) (RefundDetails, error) {
	f.lastOp = "refund"
	return f.refund, f.err
}

func (f *fakeProvider) LookupPayment(ctx context.Context, req LookupRequest) (PaymentDetails, error) {
	f.lastOp = "lookup"
	return f.payment, f.err
}

func TestManagerCreateOrderUsesPreferredProvider(t *testing.T) {
	ctx := context.Background()
	razorpay := &fakeProvider{order: ProviderOrder{ID: "order_rzp"}}
	stripe := &fakeProvider{order: ProviderOrder{ID: "sess_stripe"}}

	mgr, err := NewManager(map[string]Provider{
		"razorpay": razorpay,
		"stripe":   stripe,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	order, err := mgr.CreateOrder(ctx, PaymentContext{PreferredProvider: "stripe"}, OrderRequest{Amount: 14999, Currency: "USD"})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	if order.Provider != "stripe" {
		t.Fatalf("expected provider 'stripe', got %q", order.Provider)
	}
	if stripe.lastOp != "create" {
		t.Fatalf("expected stripe provider to handle call")
	}
	if razorpay.lastOp != "" {
		t.Fatalf("expected razorpay provider to remain unused")
	}
}

func TestManagerRoutesByCurrency(t *testing.T) {
	ctx := context.Background()
	razorpay := &fakeProvider{order: ProviderOrder{ID: "order_rzp"}}
	stripe := &fakeProvider{order: ProviderOrder{ID: "sess_stripe"}}

	mgr, err := NewManager(
		map[string]Provider{
			"razorpay": razorpay,
			"stripe":   stripe,
		},
		WithCurrencyRoutes(map[string]string{"USD": "stripe"}),
	)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	order, err := mgr.CreateOrder(ctx, PaymentContext{Currency: "usd"}, OrderRequest{Amount: 14999, Currency: "USD"})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if order.Provider != "stripe" {
		t.Fatalf("expected provider 'stripe', got %q", order.Provider)
	}
	if stripe.lastOp != "create" {
		t.Fatalf("expected stripe provider to handle call")
	}
}

func TestManagerDefaultsToRazorpay(t *testing.T) {
	ctx := context.Background()
	razorpay := &fakeProvider{order: ProviderOrder{ID: "order_rzp"}}
	stripe := &fakeProvider{order: ProviderOrder{ID: "sess_stripe"}}

	mgr, err := NewManager(map[string]Provider{
		"razorpay": razorpay,
		"stripe":   stripe,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	order, err := mgr.CreateOrder(ctx, PaymentContext{}, OrderRequest{Amount: 14999, Currency: "INR"})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if order.Provider != "razorpay" {
		t.Fatalf("expected provider 'razorpay', got %q", order.Provider)
	}
}

func TestManagerFallsBackToSingleProvider(t *testing.T) {
	ctx := context.Background()
	stripe := &fakeProvider{payment: PaymentDetails{Provider: "stripe"}}

	mgr, err := NewManager(map[string]Provider{"stripe": stripe})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	details, err := mgr.LookupPayment(ctx, PaymentContext{}, LookupRequest{PaymentID: "pi_123"})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if stripe.lastOp != "lookup" {
		t.Fatalf("expected lookup to invoke single registered provider")
	}
	if details.Provider != "stripe" {
		t.Fatalf("unexpected provider in details: %q", details.Provider)
	}
}

func TestManagerUnsupportedProvider(t *testing.T) {
	ctx := context.Background()
	mgr, err := NewManager(map[string]Provider{"stripe": &fakeProvider{}, "paypal": &fakeProvider{}}, WithDefaultProvider(""))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	_, err = mgr.CreateOrder(ctx, PaymentContext{PreferredProvider: "unknown"}, OrderRequest{Amount: 100, Currency: "USD"})
	if !errors.Is(err, ErrUnsupportedProvider) {
		t.Fatalf("expected ErrUnsupportedProvider, got %v", err)
	}
}

func TestNewManagerValidatesProviders(t *testing.T) {
	if _, err := NewManager(map[string]Provider{"bad": nil}); err == nil {
		t.Fatalf("expected error for nil provider")
	}
	if _, err := NewManager(nil); err == nil {
		t.Fatalf("expected error when providers empty")
	}
}

func TestManagerCreateOrderConvertsMajorUnits(t *testing.T) {
	ctx := context.Background()
	razorpay := &fakeProvider{order: ProviderOrder{ID: "order_rzp"}}

	mgr, err := NewManager(map[string]Provider{"razorpay": razorpay})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	if _, err := mgr.CreateOrder(ctx, PaymentContext{}, OrderRequest{AmountMajor: 149.99, Currency: "INR", Receipt: "receipt_1"}); err != nil {
		t.Fatalf("create order: %v", err)
	}
	if razorpay.lastOrderReq.Amount != 14999 {
		t.Fatalf("expected provider to receive 14999 paise, got %d", razorpay.lastOrderReq.Amount)
	}

	if _, err := mgr.CreateOrder(ctx, PaymentContext{}, OrderRequest{Amount: 16499, Currency: "INR"}); err != nil {
		t.Fatalf("create order: %v", err)
	}
	if razorpay.lastOrderReq.Amount != 16499 {
		t.Fatalf("expected minor-unit amount to pass through unchanged, got %d", razorpay.lastOrderReq.Amount)
	}
}

func TestMinorUnits(t *testing.T) {
	cases := []struct {
		major float64
		want  int64
	}{
		{149.99, 14999},
		{0.01, 1},
		{100, 10000},
		{2.675, 268},
		{0, 0},
	}
	for _, tc := range cases {
		if got := MinorUnits(tc.major); got != tc.want {
			t.Fatalf("MinorUnits(%v) = %d, want %d", tc.major, got, tc.want)
		}
	}
}
