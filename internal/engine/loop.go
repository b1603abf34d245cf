package engine

import (
	"context"
	"fmt"
	"time"

	"perp-grid-bot/internal/exchange"
	"perp-grid-bot/internal/grid"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// run is the single owner of all mutable engine state. Every event
// source funnels through this select; nothing else reads or writes
// levels, stats or the position mirror.
func (e *Engine) run(ctx context.Context) {
	defer close(e.done)
	defer close(e.events)

	riskTicker := time.NewTicker(e.cfg.RiskCheckInterval)
	defer riskTicker.Stop()
	fundingTicker := time.NewTicker(e.cfg.FundingCheckInterval)
	defer fundingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.shutdown(ctx, false)
			return
		case ackCh := <-e.stopCh:
			e.shutdown(ctx, false)
			close(ackCh)
			return
		case ackCh := <-e.emergencyCh:
			e.emergencyStop(ctx)
			close(ackCh)
			return
		case price := <-e.prices:
			e.onPrice(ctx, price)
		case pos := <-e.positionsCh:
			e.onPosition(ctx, pos)
		case ack := <-e.acks:
			e.onCounterAck(ctx, ack)
		case <-riskTicker.C:
			e.requestEquity(ctx)
		case sample := <-e.equityCh:
			if e.onEquity(ctx, sample) {
				return
			}
		case <-fundingTicker.C:
			e.requestFunding(ctx)
		case sample := <-e.fundingCh:
			e.onFunding(ctx, sample)
		}
	}
}

// onPrice handles one tick: fills in ascending level order, then the
// trailing check.
func (e *Engine) onPrice(ctx context.Context, price float64) {
	if price <= 0 {
		return
	}
	e.lastPrice = price
	e.metrics.CurrentPrice.Set(price)
	e.emit(Event{Type: EventPriceUpdate, Price: price})

	filled := false
	for i := range e.levels {
		level := &e.levels[i]
		if level.State != grid.StateOrderPlaced {
			continue
		}
		if !crossed(level, price) {
			continue
		}
		pnl := e.fillPnl(price)
		if err := level.MarkFilled(time.Now(), pnl); err != nil {
			e.emitError("level state corrupt", err)
			continue
		}
		e.stats.recordFill(pnl)
		e.metrics.GridFills.Inc()
		e.metrics.RealizedPnl.Set(e.stats.RealizedPnl)
		levelCopy := *level
		e.emit(Event{Type: EventGridFilled, Price: price, Level: &levelCopy, Profit: pnl})
		e.requestCounterOrder(ctx, level)
		filled = true
	}
	if filled {
		e.persistSnapshot(ctx)
	}
	e.maybeTrail(ctx, price)
}

func crossed(level *grid.Level, price float64) bool {
	if level.Side == exchange.Buy {
		return price <= level.Price
	}
	return price >= level.Price
}

// fillPnl is the realized profit of one grid fill:
// (spacing / price) x leverage x (investment / gridCount).
func (e *Engine) fillPnl(price float64) float64 {
	spacing := grid.Spacing(e.gridRange, e.cfg.GridCount)
	return (spacing / price) * float64(e.cfg.Leverage) *
		(e.cfg.InvestmentAmount / float64(e.cfg.GridCount))
}

// requestCounterOrder submits the opposite-side order for a filled
// level off the loop goroutine. The level stays Filled until the
// adapter acknowledges; a level with a request in flight is never
// re-submitted.
func (e *Engine) requestCounterOrder(ctx context.Context, level *grid.Level) {
	if e.pending[level.ID] {
		return
	}
	e.pending[level.ID] = true
	req := exchange.OrderRequest{
		Symbol:        e.cfg.Symbol,
		Side:          level.Side.Opposite(),
		PositionSide:  level.PositionSide,
		Type:          exchange.Limit,
		Quantity:      level.Quantity,
		Price:         level.Price,
		ClientOrderID: uuid.NewString(),
	}
	gen := e.gen
	levelID := level.ID
	go func() {
		orderID, err := e.executor.PlaceOrder(ctx, req)
		select {
		case e.acks <- counterAck{gen: gen, levelID: levelID, orderID: orderID, err: err}:
		case <-ctx.Done():
		}
	}()
}

// onCounterAck advances a Filled level through CounterOrderPlaced back
// to OrderPlaced with the side flipped. Acks from before a trail
// rebuild refer to levels that no longer exist and are dropped.
func (e *Engine) onCounterAck(ctx context.Context, ack counterAck) {
	if ack.gen != e.gen {
		// A placement racing a trail can land after the rebuild's
		// cancel-all; reap it so no orphan order stays live.
		if ack.err == nil && ack.orderID != "" {
			symbol := e.cfg.Symbol
			orderID := ack.orderID
			go func() {
				if err := e.executor.CancelOrder(ctx, symbol, orderID); err != nil {
					e.log.Warn("stale counter order cancel failed",
						zap.String("order_id", orderID), zap.Error(err))
				}
			}()
		}
		return
	}
	delete(e.pending, ack.levelID)
	if ack.levelID < 0 || ack.levelID >= len(e.levels) {
		return
	}
	level := &e.levels[ack.levelID]
	if ack.err != nil {
		e.metrics.OrdersFailed.Inc()
		e.emitError(fmt.Sprintf("counter order for level %d failed; leg inactive until next rebuild", level.ID), ack.err)
		return
	}
	if err := level.MarkCountered(ack.orderID); err != nil {
		e.emitError("level state corrupt", err)
		return
	}
	if err := level.Flip(); err != nil {
		e.emitError("level state corrupt", err)
		return
	}
	e.metrics.OrdersPlaced.Inc()
	e.persistSnapshot(ctx)
}

func (e *Engine) onPosition(ctx context.Context, pos exchange.Position) {
	e.position = &pos
	e.stats.UnrealizedPnl = pos.UnrealizedPnl
	posCopy := pos
	e.emit(Event{Type: EventPositionUpdate, Position: &posCopy})
	e.checkLiquidation(ctx, pos)
	e.checkPositionSize(pos)
}

// shutdown cancels all open orders and stops the subscriptions.
// Positions are left open. The cancel call runs on a detached context
// so a cancelled run context cannot strand open orders.
func (e *Engine) shutdown(ctx context.Context, emergency bool) {
	for _, sub := range e.subs {
		sub.Stop()
	}
	ctx, cancelTimeout := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancelTimeout()
	if err := e.executor.CancelAllOrders(ctx, e.cfg.Symbol); err != nil {
		e.emitError("cancel all on stop failed", err)
	}
	if emergency {
		e.halted.Store(true)
	}
	e.persistSnapshot(ctx)
	if e.droppedEvents > 0 {
		e.log.Warn("host observer lagged", zap.Uint64("dropped_events", e.droppedEvents))
	}
	e.emit(Event{Type: EventStopped})
	if e.cancel != nil {
		e.cancel()
	}
}
