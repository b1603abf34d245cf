package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"perp-grid-bot/internal/timescale"
)

func (e *Engine) requestFunding(ctx context.Context) {
	go func() {
		funding, err := e.adapter.GetFundingRate(ctx, e.cfg.Symbol)
		select {
		case e.fundingCh <- fundingSample{funding: funding, err: err}:
		case <-ctx.Done():
		}
	}()
}

// onFunding accrues funding cost by periodic sampling. This is an
// approximation of true settlement, not an accounting-grade ledger.
func (e *Engine) onFunding(ctx context.Context, sample fundingSample) {
	if sample.err != nil {
		e.emitError("funding rate read failed", sample.err)
		return
	}
	funding := sample.funding
	ratePct := math.Abs(funding.Rate) * 100
	if ratePct > e.cfg.Risk.FundingRateThreshold {
		e.emitWarning(fmt.Sprintf("funding rate %.4f%% above threshold %.4f%%",
			ratePct, e.cfg.Risk.FundingRateThreshold))
	}

	accrued := 0.0
	if e.position != nil && e.position.Size > 0 {
		accrued = math.Abs(e.position.Size * funding.Rate * e.position.MarkPrice)
		e.stats.FundingPaid += accrued
		e.metrics.FundingPaid.Set(e.stats.FundingPaid)
	}
	fundingCopy := funding
	e.emit(Event{Type: EventFundingUpdate, Funding: &fundingCopy, TotalFundingPaid: e.stats.FundingPaid})

	if e.tsdb != nil {
		size, mark := 0.0, 0.0
		if e.position != nil {
			size, mark = e.position.Size, e.position.MarkPrice
		}
		e.tsdb.EnqueueFunding(timescale.FundingSample{
			Time:         time.Now(),
			Symbol:       e.cfg.Symbol,
			Rate:         funding.Rate,
			PositionSize: size,
			MarkPrice:    mark,
			AccruedCost:  accrued,
			TotalPaid:    e.stats.FundingPaid,
		})
	}
}
