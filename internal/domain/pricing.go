package domain

// PricingBreakdown captures the aggregated monetary results of pricing a cart,
// including the per-line and per-discount detail the storefront renders.
type PricingBreakdown struct {
	Currency  string
	Subtotal  int64
	Discount  int64
	Tax       int64
	Shipping  int64
	Total     int64
	Items     []ItemPricingBreakdown
	Discounts []DiscountBreakdown
	Metadata  map[string]any
}

// ItemPricingBreakdown stores the per-line pricing outputs after running the engine.
type ItemPricingBreakdown struct {
	ProductID string
	Currency  string
	Subtotal  int64
	Discount  int64
	Quantity  int
}

// DiscountBreakdown lists an individual discount adjustment applied to the cart.
type DiscountBreakdown struct {
	Type        string
	Code        string
	Description string
	Amount      int64
}
