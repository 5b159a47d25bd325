package venue

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/mExOms/execution/pkg/types"
)

// Adapter is the boundary to one execution venue. Implementations are
// expected to push VenueSample updates to the profile store after each
// interaction; the core never polls a venue for health.
type Adapter interface {
	// Name returns the venue identifier.
	Name() string

	// Quote estimates price, available size and fee for an order of the
	// given size.
	Quote(ctx context.Context, symbol string, side types.OrderSide, quantity decimal.Decimal) (types.Quote, error)

	// SubmitChildOrder dispatches a child order and returns the venue's
	// order id.
	SubmitChildOrder(ctx context.Context, child *types.ChildOrder) (string, error)

	// GetFill returns the fill for a child order, or false while the
	// order is still pending.
	GetFill(ctx context.Context, childOrderID string) (types.Fill, bool, error)
}
