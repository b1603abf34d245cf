// Package grid builds the level set the engine trades against.
package grid

import (
	"perp-grid-bot/internal/config"
	"perp-grid-bot/internal/exchange"
)

const recenterMarginPct = 0.05

// Recenter shifts a range (keeping its width) so currentPrice falls
// inside it with a 5% margin from the violated bound. A range that
// already contains the price is returned unchanged.
func Recenter(r config.PriceRange, currentPrice float64) config.PriceRange {
	if currentPrice >= r.Lower && currentPrice <= r.Upper {
		return r
	}
	width := r.Width()
	margin := width * recenterMarginPct
	if currentPrice < r.Lower {
		return config.PriceRange{Lower: currentPrice - margin, Upper: currentPrice - margin + width}
	}
	return config.PriceRange{Lower: currentPrice + margin - width, Upper: currentPrice + margin}
}

// Build validates the config and generates gridCount+1 evenly spaced
// levels across the (possibly recentered) range. Quantity per level is
// (investment x leverage / gridCount) / price so the total notional
// approximates investment x leverage.
func Build(cfg config.GridConfig, currentPrice float64) ([]Level, config.PriceRange, error) {
	if err := config.Validate(&cfg); err != nil {
		return nil, config.PriceRange{}, err
	}
	r := Recenter(cfg.PriceRange, currentPrice)
	spacing := r.Width() / float64(cfg.GridCount)
	notionalPerLevel := cfg.InvestmentAmount * float64(cfg.Leverage) / float64(cfg.GridCount)

	levels := make([]Level, 0, cfg.GridCount+1)
	for i := 0; i <= cfg.GridCount; i++ {
		price := r.Lower + spacing*float64(i)
		side, posSide := assignSides(cfg.GridType, price, currentPrice)
		levels = append(levels, Level{
			ID:           i,
			Price:        price,
			Side:         side,
			PositionSide: posSide,
			Quantity:     notionalPerLevel / price,
			State:        StateIdle,
		})
	}
	return levels, r, nil
}

// assignSides implements the grid-type leg table: long grids buy below
// and exit above, short grids mirror that, neutral grids straddle the
// price with independent long and short legs.
func assignSides(gt config.GridType, levelPrice, currentPrice float64) (exchange.Side, exchange.PositionSide) {
	below := levelPrice < currentPrice
	switch gt {
	case config.GridLong:
		if below {
			return exchange.Buy, exchange.Long
		}
		return exchange.Sell, exchange.Long
	case config.GridShort:
		if below {
			return exchange.Buy, exchange.Short
		}
		return exchange.Sell, exchange.Short
	default: // neutral
		if below {
			return exchange.Buy, exchange.Long
		}
		return exchange.Sell, exchange.Short
	}
}

// Spacing is the distance between adjacent levels.
func Spacing(r config.PriceRange, gridCount int) float64 {
	return r.Width() / float64(gridCount)
}
