package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"perp-grid-bot/internal/exchange"
	"perp-grid-bot/internal/timescale"

	"go.uber.org/zap"
)

// requestEquity kicks off a balance read off the loop goroutine; the
// result comes back through equityCh so the drawdown math runs inside
// the single owner.
func (e *Engine) requestEquity(ctx context.Context) {
	go func() {
		balance, err := e.adapter.GetBalance(ctx)
		sample := equitySample{equity: balance.Total, err: err}
		select {
		case e.equityCh <- sample:
		case <-ctx.Done():
		}
	}()
}

// onEquity runs the drawdown guard. Returns true when the breach
// escalated to an emergency stop and the loop must exit.
func (e *Engine) onEquity(ctx context.Context, sample equitySample) bool {
	if sample.err != nil {
		e.emitError("equity read failed", sample.err)
		return false
	}
	equity := sample.equity
	if equity > e.peakEquity {
		e.peakEquity = equity
	}
	if e.peakEquity > 0 {
		e.stats.CurrentDrawdown = (e.peakEquity - equity) / e.peakEquity * 100
	}
	if e.stats.CurrentDrawdown > e.stats.MaxDrawdown {
		e.stats.MaxDrawdown = e.stats.CurrentDrawdown
	}
	e.stats.updateAPY(e.initialEquity, e.startTime)
	e.metrics.CurrentDrawdown.Set(e.stats.CurrentDrawdown)

	if e.tsdb != nil {
		openOrders := 0
		for _, l := range e.levels {
			if l.OrderID != "" {
				openOrders++
			}
		}
		e.tsdb.EnqueueEquity(timescale.EquitySample{
			Time:            time.Now(),
			Symbol:          e.cfg.Symbol,
			Equity:          equity,
			PeakEquity:      e.peakEquity,
			RealizedPnl:     e.stats.RealizedPnl,
			UnrealizedPnl:   e.stats.UnrealizedPnl,
			CurrentDrawdown: e.stats.CurrentDrawdown,
			MaxDrawdown:     e.stats.MaxDrawdown,
			APY:             e.stats.APY,
			Price:           e.lastPrice,
			OpenOrders:      openOrders,
		})
	}

	if e.stats.CurrentDrawdown > e.cfg.Risk.MaxDrawdownPercent {
		e.log.Warn("drawdown limit exceeded",
			zap.Float64("drawdown_pct", e.stats.CurrentDrawdown),
			zap.Float64("limit_pct", e.cfg.Risk.MaxDrawdownPercent),
		)
		e.emit(Event{
			Type:    EventWarning,
			Message: fmt.Sprintf("drawdown %.1f%% exceeds limit %.1f%%: emergency stop", e.stats.CurrentDrawdown, e.cfg.Risk.MaxDrawdownPercent),
			Err:     ErrRiskLimit,
		})
		e.emergencyStop(ctx)
		return true
	}
	return false
}

// checkLiquidation enforces the liquidation buffer on every position
// update. The guard fires once per breach; it re-arms only after the
// distance recovers past 1.5x the buffer, so a position hovering at
// the threshold is not halved repeatedly.
func (e *Engine) checkLiquidation(ctx context.Context, pos exchange.Position) {
	if pos.MarkPrice <= 0 || pos.LiquidationPrice <= 0 || pos.Size <= 0 {
		return
	}
	distance := math.Abs(pos.MarkPrice-pos.LiquidationPrice) / pos.MarkPrice * 100
	buffer := e.cfg.Risk.LiquidationBufferPercent
	if distance >= buffer*liqRearmFactor {
		e.liqGuardArmed = true
	}
	if distance >= buffer || !e.liqGuardArmed {
		return
	}
	e.liqGuardArmed = false
	e.metrics.LiquidationGuards.Inc()
	posCopy := pos
	e.emit(Event{Type: EventLiquidationRisk, Position: &posCopy, LiqDistance: distance, Err: ErrRiskLimit})
	e.emitWarning(fmt.Sprintf("liquidation distance %.1f%% under buffer %.1f%%, reducing position by half",
		distance, buffer))

	req := exchange.OrderRequest{
		Symbol:       pos.Symbol,
		Side:         closeSide(pos.Side),
		PositionSide: pos.Side,
		Type:         exchange.Market,
		Quantity:     pos.Size / 2,
		ReduceOnly:   true,
	}
	go func() {
		if _, err := e.executor.PlaceOrder(ctx, req); err != nil {
			e.log.Error("protective reduce order failed", errField(err))
		}
	}()
}

func (e *Engine) checkPositionSize(pos exchange.Position) {
	max := e.cfg.Risk.MaxPositionSize
	if max <= 0 || pos.Size <= max {
		return
	}
	e.emitWarning(fmt.Sprintf("position size %.4f exceeds configured limit %.4f", pos.Size, max))
}

// emergencyStop cancels everything, closes every position reduce-only
// and leaves the engine halted. Terminal: a halted instance never
// restarts.
func (e *Engine) emergencyStop(ctx context.Context) {
	e.metrics.EmergencyStops.Inc()
	ctx, cancelTimeout := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancelTimeout()

	if err := e.executor.CancelAllOrders(ctx, e.cfg.Symbol); err != nil {
		e.emitError("cancel all on emergency stop failed", err)
	}
	positions, err := e.adapter.GetPositions(ctx)
	if err != nil {
		e.emitError("position read on emergency stop failed", err)
	}
	for _, pos := range positions {
		if pos.Size <= 0 {
			continue
		}
		_, err := e.executor.PlaceOrder(ctx, exchange.OrderRequest{
			Symbol:       pos.Symbol,
			Side:         closeSide(pos.Side),
			PositionSide: pos.Side,
			Type:         exchange.Market,
			Quantity:     pos.Size,
			ReduceOnly:   true,
		})
		if err != nil {
			e.emitError(fmt.Sprintf("close %s position on emergency stop failed", pos.Symbol), err)
		}
	}
	e.shutdown(ctx, true)
}

func closeSide(side exchange.PositionSide) exchange.Side {
	if side == exchange.Long {
		return exchange.Sell
	}
	return exchange.Buy
}
