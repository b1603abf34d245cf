// Package exec wraps adapter order calls with retry and idempotency.
// Ticks can outrun order confirmations; keying placements by client
// order ID guarantees a replayed request never creates a second order.
package exec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"perp-grid-bot/internal/exchange"
	"perp-grid-bot/internal/state"

	"go.uber.org/zap"
)

const (
	retryAttempts    = 5
	retryBaseBackoff = 200 * time.Millisecond
)

type Executor struct {
	adapter exchange.Adapter
	store   state.Store
	log     *zap.Logger

	mu    sync.Mutex
	cache map[string]string
}

func New(adapter exchange.Adapter, store state.Store, log *zap.Logger) *Executor {
	return &Executor{
		adapter: adapter,
		store:   store,
		log:     log,
		cache:   make(map[string]string),
	}
}

// PlaceOrder submits an order with retry. When the request carries a
// client order ID, the resulting exchange order ID is cached and
// persisted so a duplicate submission returns the original order.
func (e *Executor) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (string, error) {
	if req.ClientOrderID == "" {
		return e.placeWithRetry(ctx, req)
	}
	cacheKey := "cloid:" + req.ClientOrderID
	e.mu.Lock()
	if oid, ok := e.cache[cacheKey]; ok {
		e.mu.Unlock()
		return oid, nil
	}
	e.mu.Unlock()
	if e.store != nil {
		if raw, ok, err := e.store.Get(ctx, cacheKey); err != nil {
			return "", err
		} else if ok {
			oid := string(raw)
			e.mu.Lock()
			e.cache[cacheKey] = oid
			e.mu.Unlock()
			return oid, nil
		}
	}
	orderID, err := e.placeWithRetry(ctx, req)
	if err != nil {
		return "", err
	}
	if e.store != nil {
		if err := e.store.Set(ctx, cacheKey, []byte(orderID)); err != nil {
			e.log.Warn("failed to persist order id", zap.Error(err))
		}
	}
	e.mu.Lock()
	e.cache[cacheKey] = orderID
	e.mu.Unlock()
	return orderID, nil
}

func (e *Executor) CancelOrder(ctx context.Context, symbol, orderID string) error {
	return e.retry(ctx, func() error {
		return e.adapter.CancelOrder(ctx, symbol, orderID)
	})
}

func (e *Executor) CancelAllOrders(ctx context.Context, symbol string) error {
	return e.retry(ctx, func() error {
		return e.adapter.CancelAllOrders(ctx, symbol)
	})
}

func (e *Executor) placeWithRetry(ctx context.Context, req exchange.OrderRequest) (string, error) {
	var orderID string
	err := e.retry(ctx, func() error {
		order, err := e.adapter.CreateOrder(ctx, req)
		if err != nil {
			return err
		}
		orderID = order.OrderID
		return nil
	})
	if err != nil {
		return "", err
	}
	if orderID == "" {
		return "", errors.New("empty order id")
	}
	return orderID, nil
}

func (e *Executor) retry(ctx context.Context, fn func() error) error {
	backoff := retryBaseBackoff
	for attempt := 0; attempt < retryAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if attempt == retryAttempts-1 {
			return fmt.Errorf("retry failed: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return nil
}
