package engine

import (
	"context"
	"fmt"

	"perp-grid-bot/internal/config"
	"perp-grid-bot/internal/grid"

	"go.uber.org/zap"
)

// maybeTrail shifts and rebuilds the grid when price closes in on a
// configured bound. A trail is always a full reset: cancel everything,
// rebuild against the shifted range, re-place. In-flight counter acks
// are invalidated by bumping the generation counter.
func (e *Engine) maybeTrail(ctx context.Context, price float64) {
	if !e.cfg.Trailing.Enabled || e.halted.Load() {
		return
	}
	direction := trailDirection(e.cfg.Trailing, e.gridRange, price)
	if direction == "" {
		return
	}
	shift := e.gridRange.Width() * trailShiftFactor
	if direction == config.TrailDown {
		shift = -shift
	}
	newRange := config.PriceRange{
		Lower: e.gridRange.Lower + shift,
		Upper: e.gridRange.Upper + shift,
	}
	// Validate the shifted grid before touching live orders. Repeated
	// down-trails can push the lower bound through zero; that must not
	// strand the engine between cancelled orders and stale levels.
	cfg := e.cfg
	cfg.PriceRange = newRange
	levels, gridRange, err := grid.Build(cfg, price)
	if err != nil {
		e.emitWarning(fmt.Sprintf("trail %s skipped, shifted range invalid: %v", direction, err))
		return
	}
	e.log.Info("trailing grid",
		zap.String("direction", string(direction)),
		zap.Float64("lower", newRange.Lower),
		zap.Float64("upper", newRange.Upper),
	)

	if err := e.executor.CancelAllOrders(ctx, e.cfg.Symbol); err != nil {
		e.emitError("cancel all before trail failed", err)
		return
	}
	e.gen++
	e.pending = make(map[int]bool)

	e.cfg = cfg
	e.levels = levels
	e.gridRange = gridRange
	e.placeGridOrders(ctx, price)
	e.persistSnapshot(ctx)

	e.metrics.GridTrails.Inc()
	e.emit(Event{Type: EventGridTrailed, Price: price, TrailDirection: direction, NewRange: gridRange})
	e.emitLog(fmt.Sprintf("grid trailed %s to [%.2f, %.2f]", direction, gridRange.Lower, gridRange.Upper))
}

// trailDirection reports which bound the price is crowding, honoring
// the configured direction filter. Empty string means no trail.
func trailDirection(cfg config.TrailingConfig, r config.PriceRange, price float64) config.TrailDirection {
	trigger := cfg.TriggerPercent
	if trigger <= 0 {
		return ""
	}
	upOK := cfg.Direction == config.TrailUp || cfg.Direction == config.TrailBoth
	downOK := cfg.Direction == config.TrailDown || cfg.Direction == config.TrailBoth
	if upOK && r.Upper > 0 {
		if (r.Upper-price)/r.Upper*100 <= trigger && price <= r.Upper {
			return config.TrailUp
		}
	}
	if downOK && r.Lower > 0 {
		if (price-r.Lower)/r.Lower*100 <= trigger && price >= r.Lower {
			return config.TrailDown
		}
	}
	return ""
}
