// Package exchange defines the upstream exchange API capability and the
// pooled, TTL-bounded client handles the margin guard borrows per user.
package exchange

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/bitguard/marginguard/pkg/models"
)

// TradeSpec describes a new trade submission.
type TradeSpec struct {
	Symbol   string          `json:"symbol"`
	Side     models.PositionSide `json:"side"`
	Quantity decimal.Decimal `json:"quantity"`
	Leverage decimal.Decimal `json:"leverage"`
	Price    *decimal.Decimal `json:"price,omitempty"` // nil for market orders
}

// Client is the opaque exchange API capability. All calls may fail on
// transport or auth; callers own retry policy.
type Client interface {
	GetRunningPositions(ctx context.Context) ([]models.Position, error)
	GetIndexPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	ClosePosition(ctx context.Context, tradeID string) error
	ReducePosition(ctx context.Context, symbol string, side models.PositionSide, amount decimal.Decimal) error
	AddMargin(ctx context.Context, tradeID string, amount decimal.Decimal) error
	CreateTrade(ctx context.Context, spec TradeSpec) (string, error)
	UpdateTakeProfit(ctx context.Context, tradeID string, price decimal.Decimal) error
	UpdateStopLoss(ctx context.Context, tradeID string, price decimal.Decimal) error
}

// Factory builds an authenticated client for a credential triple.
type Factory func(creds models.Credentials) (Client, error)
