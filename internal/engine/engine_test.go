package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"perp-grid-bot/internal/config"
	"perp-grid-bot/internal/exchange"
	"perp-grid-bot/internal/exec"
	"perp-grid-bot/internal/grid"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSub struct{}

func (fakeSub) Stop() {}

// fakeAdapter records every mutating call in order so tests can assert
// cancel-before-replace sequencing.
type fakeAdapter struct {
	mu        sync.Mutex
	ops       []string
	orders    []exchange.OrderRequest
	cancelled []string
	positions []exchange.Position
	balance   exchange.Balance
	ticker    exchange.Ticker
	funding   exchange.FundingRate
	nextID    int
}

func (f *fakeAdapter) SetLeverage(context.Context, string, int) error { return nil }

func (f *fakeAdapter) SetMarginMode(context.Context, string, bool) error { return nil }

func (f *fakeAdapter) GetBalance(context.Context) (exchange.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance, nil
}

func (f *fakeAdapter) GetPosition(_ context.Context, symbol string) ([]exchange.Position, error) {
	return f.GetPositions(context.Background())
}

func (f *fakeAdapter) GetPositions(context.Context) ([]exchange.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]exchange.Position(nil), f.positions...), nil
}

func (f *fakeAdapter) CreateOrder(_ context.Context, req exchange.OrderRequest) (exchange.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.ops = append(f.ops, "create")
	f.orders = append(f.orders, req)
	return exchange.Order{OrderID: fmt.Sprintf("oid-%d", f.nextID)}, nil
}

func (f *fakeAdapter) CancelOrder(_ context.Context, _ string, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "cancel")
	f.cancelled = append(f.cancelled, orderID)
	return nil
}

func (f *fakeAdapter) CancelAllOrders(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "cancelAll")
	return nil
}

func (f *fakeAdapter) GetOpenOrders(context.Context, string) ([]exchange.Order, error) {
	return nil, nil
}

func (f *fakeAdapter) GetTicker(context.Context, string) (exchange.Ticker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ticker, nil
}

func (f *fakeAdapter) GetFundingRate(context.Context, string) (exchange.FundingRate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.funding, nil
}

func (f *fakeAdapter) GetKlines(context.Context, string, string, int) ([]exchange.Candle, error) {
	return nil, nil
}

func (f *fakeAdapter) SubscribePrice(context.Context, string, chan<- float64) (exchange.Subscription, error) {
	return fakeSub{}, nil
}

func (f *fakeAdapter) SubscribePosition(context.Context, string, chan<- exchange.Position) (exchange.Subscription, error) {
	return fakeSub{}, nil
}

func (f *fakeAdapter) orderCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.orders)
}

func (f *fakeAdapter) lastOrder() exchange.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.orders[len(f.orders)-1]
}

func (f *fakeAdapter) opSequence() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

func (f *fakeAdapter) cancelledOrders() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...)
}

func (f *fakeAdapter) cancelAllCount() int {
	n := 0
	for _, op := range f.opSequence() {
		if op == "cancelAll" {
			n++
		}
	}
	return n
}

func testGridConfig() config.GridConfig {
	cfg := config.GridConfig{
		Symbol:           "BTCUSDT",
		Leverage:         5,
		GridType:         config.GridNeutral,
		PriceRange:       config.PriceRange{Lower: 90000, Upper: 110000},
		GridCount:        50,
		InvestmentAmount: 1000,
		MarginMode:       config.MarginIsolated,
	}
	config.ApplyGridDefaults(&cfg)
	return cfg
}

// newTestEngine builds an engine with its grid already constructed and
// every level resting, without going through Start.
func newTestEngine(t *testing.T, cfg config.GridConfig, fake *fakeAdapter, price float64) *Engine {
	t.Helper()
	e := New(cfg, Deps{
		Adapter:  fake,
		Executor: exec.New(fake, nil, zap.NewNop()),
		Log:      zap.NewNop(),
	})
	levels, gridRange, err := grid.Build(cfg, price)
	require.NoError(t, err)
	e.levels = levels
	e.gridRange = gridRange
	e.lastPrice = price
	return e
}

func drainEvents(e *Engine) []Event {
	var out []Event
	for {
		select {
		case ev := <-e.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func placeAllLevels(t *testing.T, e *Engine) {
	t.Helper()
	for i := range e.levels {
		require.NoError(t, e.levels[i].MarkPlaced(fmt.Sprintf("seed-%d", i)))
	}
}

func TestFillProfitExample(t *testing.T) {
	// Range [90000,110000], 50 levels, 5x, $1000: spacing $400 and a
	// fill near $100000 pays (400/100000) x 5 x (1000/50) = $0.40.
	e := newTestEngine(t, testGridConfig(), &fakeAdapter{}, 100000)
	assert.InDelta(t, 0.40, e.fillPnl(100000), 1e-12)
}

func TestPriceTickFillsCrossedLevel(t *testing.T) {
	fake := &fakeAdapter{}
	e := newTestEngine(t, testGridConfig(), fake, 100000)
	placeAllLevels(t, e)
	ctx := context.Background()

	e.onPrice(ctx, 99600)

	assert.Equal(t, 1, e.stats.TotalTrades)
	assert.Equal(t, 1, e.stats.WinningTrades)
	assert.InDelta(t, e.fillPnl(99600), e.stats.RealizedPnl, 1e-12)

	var filled *grid.Level
	for i := range e.levels {
		if e.levels[i].State == grid.StateFilled {
			require.Nil(t, filled, "more than one level filled")
			filled = &e.levels[i]
		}
	}
	require.NotNil(t, filled)
	assert.Equal(t, 99600.0, filled.Price)
}

func TestSameTickTwiceDoesNotDoubleFill(t *testing.T) {
	fake := &fakeAdapter{}
	e := newTestEngine(t, testGridConfig(), fake, 100000)
	placeAllLevels(t, e)
	ctx := context.Background()

	e.onPrice(ctx, 99600)
	e.onPrice(ctx, 99600)

	assert.Equal(t, 1, e.stats.TotalTrades, "replayed tick filled the level again")
}

func TestPlaceGridOrdersSkipsLevelNearPrice(t *testing.T) {
	fake := &fakeAdapter{}
	e := newTestEngine(t, testGridConfig(), fake, 100000)
	ctx := context.Background()

	// 99950 is within 0.1% of the 100000 level; that leg stays idle so
	// its order cannot fill the instant it rests.
	e.placeGridOrders(ctx, 99950)

	assert.Equal(t, len(e.levels)-1, fake.orderCount())
	for i := range e.levels {
		level := &e.levels[i]
		if level.Price == 100000 {
			assert.Equal(t, grid.StateIdle, level.State)
			assert.Empty(t, level.OrderID)
			continue
		}
		assert.Equal(t, grid.StateOrderPlaced, level.State, "level %d at %.0f", level.ID, level.Price)
	}
}

func TestCounterAckFlipsLevel(t *testing.T) {
	fake := &fakeAdapter{}
	e := newTestEngine(t, testGridConfig(), fake, 100000)
	placeAllLevels(t, e)
	ctx := context.Background()

	e.onPrice(ctx, 99600)

	var ack counterAck
	select {
	case ack = <-e.acks:
	case <-time.After(2 * time.Second):
		t.Fatal("no counter ack")
	}
	require.NoError(t, ack.err)

	level := &e.levels[ack.levelID]
	require.Equal(t, grid.StateFilled, level.State)
	require.Equal(t, exchange.Buy, level.Side)

	e.onCounterAck(ctx, ack)
	assert.Equal(t, grid.StateOrderPlaced, level.State)
	assert.Equal(t, exchange.Sell, level.Side, "side did not flip")
	assert.Equal(t, ack.orderID, level.OrderID)
	assert.False(t, e.pending[ack.levelID])

	// Counter order rests at the same price with the opposite side.
	counter := fake.lastOrder()
	assert.Equal(t, exchange.Sell, counter.Side)
	assert.Equal(t, level.Price, counter.Price)
	assert.Equal(t, exchange.Limit, counter.Type)
}

func TestCounterFailureLeavesLevelFilled(t *testing.T) {
	e := newTestEngine(t, testGridConfig(), &fakeAdapter{}, 100000)
	placeAllLevels(t, e)
	ctx := context.Background()

	level := &e.levels[24] // 99600
	require.NoError(t, level.MarkFilled(time.Now(), 0.4))
	e.pending[level.ID] = true

	e.onCounterAck(ctx, counterAck{gen: e.gen, levelID: level.ID, err: errors.New("rejected")})

	assert.Equal(t, grid.StateFilled, level.State)
	assert.False(t, e.pending[level.ID])
}

func TestStaleGenerationAckIgnoredAndReaped(t *testing.T) {
	fake := &fakeAdapter{}
	e := newTestEngine(t, testGridConfig(), fake, 100000)
	placeAllLevels(t, e)
	ctx := context.Background()

	level := &e.levels[24]
	require.NoError(t, level.MarkFilled(time.Now(), 0.4))
	e.gen++

	e.onCounterAck(ctx, counterAck{gen: e.gen - 1, levelID: level.ID, orderID: "stale"})
	assert.Equal(t, grid.StateFilled, level.State)
	assert.Empty(t, level.OrderID)

	// The placement beat the rebuild's cancel-all to the venue; the
	// dropped ack must trigger a targeted cancel of that order.
	require.Eventually(t, func() bool {
		for _, id := range fake.cancelledOrders() {
			if id == "stale" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLiquidationGuardFiresOncePerBreach(t *testing.T) {
	fake := &fakeAdapter{}
	cfg := testGridConfig()
	cfg.Risk.LiquidationBufferPercent = 10
	e := newTestEngine(t, cfg, fake, 100000)
	ctx := context.Background()

	// markPrice=100, liquidationPrice=92: distance 8% < 10% buffer.
	breach := exchange.Position{
		Symbol: "BTCUSDT", Side: exchange.Long, Size: 10,
		MarkPrice: 100, LiquidationPrice: 92,
	}
	e.checkLiquidation(ctx, breach)
	require.Eventually(t, func() bool { return fake.orderCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	reduce := fake.lastOrder()
	assert.Equal(t, exchange.Market, reduce.Type)
	assert.True(t, reduce.ReduceOnly)
	assert.Equal(t, exchange.Sell, reduce.Side)
	assert.InDelta(t, 5.0, reduce.Quantity, 1e-12, "reduce must target half the position")

	// Same breach again: the guard stays disarmed.
	e.checkLiquidation(ctx, breach)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, fake.orderCount())

	// A recovery short of 1.5x the buffer does not re-arm.
	e.checkLiquidation(ctx, exchange.Position{
		Symbol: "BTCUSDT", Side: exchange.Long, Size: 10,
		MarkPrice: 100, LiquidationPrice: 88, // 12%
	})
	e.checkLiquidation(ctx, breach)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, fake.orderCount())

	// Past 15% the guard re-arms and the next breach fires again.
	e.checkLiquidation(ctx, exchange.Position{
		Symbol: "BTCUSDT", Side: exchange.Long, Size: 10,
		MarkPrice: 100, LiquidationPrice: 84, // 16%
	})
	e.checkLiquidation(ctx, breach)
	require.Eventually(t, func() bool { return fake.orderCount() == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestDrawdownGuardEmergencyStops(t *testing.T) {
	fake := &fakeAdapter{
		positions: []exchange.Position{{
			Symbol: "BTCUSDT", Side: exchange.Long, Size: 2, MarkPrice: 100000,
		}},
	}
	cfg := testGridConfig()
	cfg.Risk.MaxDrawdownPercent = 15
	e := newTestEngine(t, cfg, fake, 100000)
	e.initialEquity = 1000
	ctx := context.Background()

	for _, equity := range []float64{1000, 1100, 1050} {
		require.False(t, e.onEquity(ctx, equitySample{equity: equity}))
	}
	assert.InDelta(t, 1100.0, e.peakEquity, 1e-9)
	assert.InDelta(t, (1100.0-1050.0)/1100.0*100, e.stats.CurrentDrawdown, 1e-9)

	require.True(t, e.onEquity(ctx, equitySample{equity: 800}), "27.3 percent drawdown must halt the engine")

	assert.True(t, e.halted.Load())
	assert.InDelta(t, 300.0/1100.0*100, e.stats.MaxDrawdown, 1e-9)
	assert.GreaterOrEqual(t, fake.cancelAllCount(), 1, "open orders not cancelled")

	require.Equal(t, 1, fake.orderCount(), "position not closed")
	closeOrder := fake.lastOrder()
	assert.Equal(t, exchange.Market, closeOrder.Type)
	assert.True(t, closeOrder.ReduceOnly)
	assert.Equal(t, exchange.Sell, closeOrder.Side)
	assert.InDelta(t, 2.0, closeOrder.Quantity, 1e-12)

	// The cancel precedes the close.
	ops := fake.opSequence()
	require.NotEmpty(t, ops)
	assert.Equal(t, "cancelAll", ops[0])
}

func TestTrailingUpRebuildsShiftedGrid(t *testing.T) {
	fake := &fakeAdapter{}
	cfg := testGridConfig()
	cfg.GridCount = 10
	cfg.PriceRange = config.PriceRange{Lower: 100, Upper: 200}
	cfg.Trailing = config.TrailingConfig{
		Enabled:        true,
		Direction:      config.TrailUp,
		TriggerPercent: 5,
	}
	e := newTestEngine(t, cfg, fake, 150)
	ctx := context.Background()

	// Within 5% of the upper bound: shift by 10% of the width.
	e.onPrice(ctx, 195)

	assert.InDelta(t, 110.0, e.gridRange.Lower, 1e-9)
	assert.InDelta(t, 210.0, e.gridRange.Upper, 1e-9)
	assert.Len(t, e.levels, cfg.GridCount+1)
	assert.Equal(t, 1, e.gen, "in-flight acks not invalidated")

	ops := fake.opSequence()
	require.NotEmpty(t, ops)
	assert.Equal(t, "cancelAll", ops[0], "orders must be cancelled before the rebuild")
	assert.Equal(t, cfg.GridCount+1, fake.orderCount(), "full re-place expected")
	for i := range e.levels {
		assert.Equal(t, grid.StateOrderPlaced, e.levels[i].State)
	}

	trailed := false
	for _, ev := range drainEvents(e) {
		if ev.Type == EventGridTrailed {
			trailed = true
			assert.Equal(t, config.TrailUp, ev.TrailDirection)
			assert.InDelta(t, 110.0, ev.NewRange.Lower, 1e-9)
		}
	}
	assert.True(t, trailed, "no gridTrailed event")
}

func TestTrailRejectedForInvalidShiftKeepsGridIntact(t *testing.T) {
	fake := &fakeAdapter{}
	cfg := testGridConfig()
	cfg.GridCount = 8
	cfg.PriceRange = config.PriceRange{Lower: 1, Upper: 25}
	cfg.InvestmentAmount = 10
	cfg.Trailing = config.TrailingConfig{
		Enabled:        true,
		Direction:      config.TrailDown,
		TriggerPercent: 5,
	}
	e := newTestEngine(t, cfg, fake, 13)
	placeAllLevels(t, e)
	ctx := context.Background()

	// Shifting down by 10% of the width (2.4) would push the lower
	// bound negative. The trail must be refused before any cancel, or
	// the engine books fills against orders that no longer exist.
	e.maybeTrail(ctx, 1.02)

	assert.Equal(t, 0, fake.cancelAllCount(), "live orders cancelled for a rejected trail")
	assert.Equal(t, 0, e.gen)
	assert.InDelta(t, 1.0, e.gridRange.Lower, 1e-9)
	assert.InDelta(t, 1.0, e.cfg.PriceRange.Lower, 1e-9, "config range out of step with grid range")
	for i := range e.levels {
		assert.Equal(t, grid.StateOrderPlaced, e.levels[i].State)
	}

	// Buy legs at 4, 7 and 10 are still live and fill normally.
	e.onPrice(ctx, 1.02)
	assert.Equal(t, 3, e.stats.TotalTrades)

	warned := false
	for _, ev := range drainEvents(e) {
		if ev.Type == EventWarning {
			warned = true
		}
	}
	assert.True(t, warned, "rejected trail must surface a warning")
}

func TestTrailingRespectsDirectionFilter(t *testing.T) {
	r := config.PriceRange{Lower: 100, Upper: 200}
	up := config.TrailingConfig{Enabled: true, Direction: config.TrailUp, TriggerPercent: 5}
	down := config.TrailingConfig{Enabled: true, Direction: config.TrailDown, TriggerPercent: 5}
	both := config.TrailingConfig{Enabled: true, Direction: config.TrailBoth, TriggerPercent: 5}

	assert.Equal(t, config.TrailUp, trailDirection(up, r, 195))
	assert.Equal(t, config.TrailDirection(""), trailDirection(up, r, 101))
	assert.Equal(t, config.TrailDown, trailDirection(down, r, 101))
	assert.Equal(t, config.TrailDirection(""), trailDirection(down, r, 195))
	assert.Equal(t, config.TrailUp, trailDirection(both, r, 195))
	assert.Equal(t, config.TrailDown, trailDirection(both, r, 101))
	assert.Equal(t, config.TrailDirection(""), trailDirection(both, r, 150))
}

func TestFundingAccrual(t *testing.T) {
	fake := &fakeAdapter{}
	cfg := testGridConfig()
	cfg.Risk.FundingRateThreshold = 0.1
	e := newTestEngine(t, cfg, fake, 100000)
	ctx := context.Background()

	e.position = &exchange.Position{Symbol: "BTCUSDT", Size: 0.5, MarkPrice: 100000}
	e.onFunding(ctx, fundingSample{funding: exchange.FundingRate{Symbol: "BTCUSDT", Rate: 0.0001}})

	// |0.5 x 0.0001 x 100000| = 5.
	assert.InDelta(t, 5.0, e.stats.FundingPaid, 1e-9)

	// Negative rates accrue as cost too.
	e.onFunding(ctx, fundingSample{funding: exchange.FundingRate{Symbol: "BTCUSDT", Rate: -0.0001}})
	assert.InDelta(t, 10.0, e.stats.FundingPaid, 1e-9)

	// No position means no accrual.
	e.position = nil
	e.onFunding(ctx, fundingSample{funding: exchange.FundingRate{Symbol: "BTCUSDT", Rate: 0.0001}})
	assert.InDelta(t, 10.0, e.stats.FundingPaid, 1e-9)
}

func TestFundingThresholdWarning(t *testing.T) {
	fake := &fakeAdapter{}
	cfg := testGridConfig()
	cfg.Risk.FundingRateThreshold = 0.1
	e := newTestEngine(t, cfg, fake, 100000)
	ctx := context.Background()

	// 0.2% rate crosses the 0.1% threshold.
	e.onFunding(ctx, fundingSample{funding: exchange.FundingRate{Symbol: "BTCUSDT", Rate: 0.002}})

	sawWarning := false
	for _, ev := range drainEvents(e) {
		if ev.Type == EventWarning {
			sawWarning = true
		}
	}
	assert.True(t, sawWarning, "no warning above funding threshold")
}

func TestStatsAPYInformational(t *testing.T) {
	var s GridStats
	s.RealizedPnl = 10
	start := time.Now().Add(-24 * time.Hour)
	s.updateAPY(1000, start)
	// 1% over one day annualizes to ~365%.
	assert.InDelta(t, 365.0, s.APY, 1.0)
}

func TestStatsRecordFill(t *testing.T) {
	var s GridStats
	s.recordFill(0.4)
	s.recordFill(-0.1)
	s.recordFill(0.4)
	assert.Equal(t, 3, s.TotalTrades)
	assert.Equal(t, 2, s.WinningTrades)
	assert.Equal(t, 1, s.LosingTrades)
	assert.InDelta(t, 0.7, s.RealizedPnl, 1e-12)
}

func TestHaltedEngineRefusesStart(t *testing.T) {
	e := newTestEngine(t, testGridConfig(), &fakeAdapter{}, 100000)
	e.halted.Store(true)
	err := e.Start(context.Background())
	assert.ErrorIs(t, err, ErrHalted)
}
