// Package exchange defines the adapter seam between the grid engine and
// a derivatives venue. The engine only ever talks to this interface.
package exchange

import "context"

// Subscription is a cancellation handle for a push stream. Stopping it
// closes the associated channel; a stopped bot can no longer be driven
// by a stale subscription.
type Subscription interface {
	Stop()
}

type Adapter interface {
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetMarginMode(ctx context.Context, symbol string, isolated bool) error

	GetBalance(ctx context.Context) (Balance, error)
	GetPosition(ctx context.Context, symbol string) ([]Position, error)
	GetPositions(ctx context.Context) ([]Position, error)

	CreateOrder(ctx context.Context, req OrderRequest) (Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	CancelAllOrders(ctx context.Context, symbol string) error
	GetOpenOrders(ctx context.Context, symbol string) ([]Order, error)

	GetTicker(ctx context.Context, symbol string) (Ticker, error)
	GetFundingRate(ctx context.Context, symbol string) (FundingRate, error)
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)

	SubscribePrice(ctx context.Context, symbol string, out chan<- float64) (Subscription, error)
	SubscribePosition(ctx context.Context, symbol string, out chan<- Position) (Subscription, error)
}
