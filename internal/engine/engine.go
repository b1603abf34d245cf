// Package engine runs one grid bot instance: a single goroutine owns
// all mutable state and consumes price ticks, position updates, timer
// ticks and order acknowledgments from channels. Hosts observe through
// a buffered event channel and never touch engine state directly.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"perp-grid-bot/internal/config"
	"perp-grid-bot/internal/exchange"
	"perp-grid-bot/internal/exec"
	"perp-grid-bot/internal/grid"
	"perp-grid-bot/internal/metrics"
	"perp-grid-bot/internal/optimizer"
	"perp-grid-bot/internal/state"
	"perp-grid-bot/internal/timescale"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrRiskLimit marks protective actions triggered by a breached risk
// limit, as opposed to plain adapter failures.
var ErrRiskLimit = errors.New("risk limit exceeded")

// ErrHalted is returned when starting an instance that went through an
// emergency stop. A halted instance is terminal; build a new one.
var ErrHalted = errors.New("engine halted")

const (
	// Levels this close to the current price are skipped at placement
	// time to avoid an instant self-fill.
	selfFillSkipPct = 0.001

	// The liquidation guard re-arms only after the distance recovers
	// past this multiple of the buffer.
	liqRearmFactor = 1.5

	trailShiftFactor = 0.1

	aiCandleInterval = "1d"
	eventBuffer      = 128
	channelBuffer    = 64
)

type counterAck struct {
	gen     int
	levelID int
	orderID string
	err     error
}

type equitySample struct {
	equity float64
	err    error
}

type fundingSample struct {
	funding exchange.FundingRate
	err     error
}

type Engine struct {
	cfg      config.GridConfig
	adapter  exchange.Adapter
	executor *exec.Executor
	store    state.Store
	metrics  *metrics.Metrics
	tsdb     *timescale.Writer
	log      *zap.Logger

	events chan Event

	prices      chan float64
	positionsCh chan exchange.Position
	acks        chan counterAck
	equityCh    chan equitySample
	fundingCh   chan fundingSample
	stopCh      chan chan struct{}
	emergencyCh chan chan struct{}

	// Everything below is owned by the run loop (plus Start before the
	// loop exists).
	levels    []grid.Level
	gridRange config.PriceRange
	stats     GridStats
	lastPrice float64
	position  *exchange.Position

	initialEquity float64
	peakEquity    float64
	startTime     time.Time

	gen           int
	pending       map[int]bool
	liqGuardArmed bool
	droppedEvents uint64

	// Written by the run goroutine on emergency stop, read by hosts
	// probing Start after a halt.
	halted atomic.Bool

	subs   []exchange.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

type Deps struct {
	Adapter   exchange.Adapter
	Executor  *exec.Executor
	Store     state.Store
	Metrics   *metrics.Metrics
	Timescale *timescale.Writer
	Log       *zap.Logger
}

func New(cfg config.GridConfig, deps Deps) *Engine {
	m := deps.Metrics
	if m == nil {
		m = metrics.NewNoop()
	}
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		cfg:      cfg,
		adapter:  deps.Adapter,
		executor: deps.Executor,
		store:    deps.Store,
		metrics:  m,
		tsdb:     deps.Timescale,
		log:      log,

		events:      make(chan Event, eventBuffer),
		prices:      make(chan float64, channelBuffer),
		positionsCh: make(chan exchange.Position, channelBuffer),
		acks:        make(chan counterAck, channelBuffer),
		equityCh:    make(chan equitySample, 1),
		fundingCh:   make(chan fundingSample, 1),
		stopCh:      make(chan chan struct{}),
		emergencyCh: make(chan chan struct{}),

		pending:       make(map[int]bool),
		liqGuardArmed: true,
		done:          make(chan struct{}),
	}
}

// Events is the host observer channel. It is closed when the engine
// stops.
func (e *Engine) Events() <-chan Event { return e.events }

// Start validates nothing itself: the config was validated at load
// time, before any adapter call. It tunes parameters, configures the
// account, builds and places the grid, then hands ownership of all
// state to the run loop.
func (e *Engine) Start(ctx context.Context) error {
	if e.halted.Load() {
		return ErrHalted
	}
	e.startTime = time.Now()

	if e.cfg.AI.IsEnabled() {
		e.tuneParameters(ctx)
	}
	if err := e.adapter.SetLeverage(ctx, e.cfg.Symbol, e.cfg.Leverage); err != nil {
		return fmt.Errorf("set leverage: %w", err)
	}
	isolated := e.cfg.MarginMode == config.MarginIsolated
	if err := e.adapter.SetMarginMode(ctx, e.cfg.Symbol, isolated); err != nil {
		return fmt.Errorf("set margin mode: %w", err)
	}
	balance, err := e.adapter.GetBalance(ctx)
	if err != nil {
		return fmt.Errorf("get balance: %w", err)
	}
	e.initialEquity = balance.Total
	e.peakEquity = balance.Total

	ticker, err := e.adapter.GetTicker(ctx, e.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("get ticker: %w", err)
	}
	e.lastPrice = ticker.Price

	e.restoreStats(ctx)

	levels, gridRange, err := grid.Build(e.cfg, ticker.Price)
	if err != nil {
		return err
	}
	e.levels = levels
	e.gridRange = gridRange
	e.placeGridOrders(ctx, ticker.Price)
	e.persistSnapshot(ctx)
	e.emit(Event{Type: EventInitialized, Price: ticker.Price})

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	priceSub, err := e.adapter.SubscribePrice(runCtx, e.cfg.Symbol, e.prices)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe price: %w", err)
	}
	posSub, err := e.adapter.SubscribePosition(runCtx, e.cfg.Symbol, e.positionsCh)
	if err != nil {
		priceSub.Stop()
		cancel()
		return fmt.Errorf("subscribe position: %w", err)
	}
	e.subs = []exchange.Subscription{priceSub, posSub}

	go e.run(runCtx)
	e.emit(Event{Type: EventStarted, Price: ticker.Price})
	return nil
}

// tuneParameters adjusts leverage, range and grid count from candle
// history. Thin history means low confidence and a silent skip; a
// failed candle fetch is logged and skipped the same way.
func (e *Engine) tuneParameters(ctx context.Context) {
	lookback := e.cfg.AI.LookbackDays
	if lookback <= 0 {
		lookback = 30
	}
	candles, err := e.adapter.GetKlines(ctx, e.cfg.Symbol, aiCandleInterval, lookback)
	if err != nil {
		e.log.Warn("candle fetch for tuning failed", zap.Error(err))
		return
	}
	if e.cfg.AI.AdjustLeverage {
		suggestion := optimizer.OptimalLeverage(candles, e.cfg.Leverage)
		if suggestion.Confidence > optimizer.MinConfidence {
			e.emitLog(fmt.Sprintf("tuned leverage %dx -> %dx (vol %.2f, confidence %.2f)",
				e.cfg.Leverage, suggestion.Leverage, suggestion.Volatility, suggestion.Confidence))
			e.cfg.Leverage = suggestion.Leverage
		}
	}
	if e.cfg.AI.AdjustGridSpacing {
		ticker, err := e.adapter.GetTicker(ctx, e.cfg.Symbol)
		if err != nil {
			e.log.Warn("ticker fetch for tuning failed", zap.Error(err))
			return
		}
		r := optimizer.OptimalRange(candles, ticker.Price)
		if r.Width() > 0 {
			e.cfg.PriceRange = r
		}
		atr := optimizer.ATR(candles, 14)
		if atr > 0 {
			count := optimizer.OptimalGridCount(r.Width(), atr, e.cfg.InvestmentAmount, e.cfg.Leverage)
			e.emitLog(fmt.Sprintf("tuned grid: range [%.2f, %.2f], %d levels (ATR %.2f)",
				r.Lower, r.Upper, count, atr))
			e.cfg.GridCount = count
		}
	}
}

// placeGridOrders submits one limit order per idle level, skipping
// levels within 0.1% of the current price. A failed placement leaves
// its level Idle and emits an error; the bot keeps running.
func (e *Engine) placeGridOrders(ctx context.Context, currentPrice float64) {
	for i := range e.levels {
		level := &e.levels[i]
		if level.State != grid.StateIdle {
			continue
		}
		if math.Abs(level.Price-currentPrice)/currentPrice <= selfFillSkipPct {
			continue
		}
		orderID, err := e.executor.PlaceOrder(ctx, exchange.OrderRequest{
			Symbol:        e.cfg.Symbol,
			Side:          level.Side,
			PositionSide:  level.PositionSide,
			Type:          exchange.Limit,
			Quantity:      level.Quantity,
			Price:         level.Price,
			ClientOrderID: uuid.NewString(),
		})
		if err != nil {
			e.metrics.OrdersFailed.Inc()
			e.emitError(fmt.Sprintf("place level %d at %.4f failed", level.ID, level.Price), err)
			continue
		}
		if err := level.MarkPlaced(orderID); err != nil {
			e.emitError("level state corrupt", err)
			continue
		}
		e.metrics.OrdersPlaced.Inc()
	}
}

func (e *Engine) restoreStats(ctx context.Context) {
	snapshot, ok, err := state.LoadEngineSnapshot(ctx, e.store)
	if err != nil {
		e.log.Warn("snapshot load failed", zap.Error(err))
		return
	}
	if !ok || snapshot.Symbol != e.cfg.Symbol || snapshot.Halted {
		return
	}
	e.stats = GridStats{
		TotalTrades:   snapshot.Stats.TotalTrades,
		WinningTrades: snapshot.Stats.WinningTrades,
		LosingTrades:  snapshot.Stats.LosingTrades,
		RealizedPnl:   snapshot.Stats.RealizedPnl,
		FundingPaid:   snapshot.Stats.FundingPaid,
		MaxDrawdown:   snapshot.Stats.MaxDrawdown,
	}
	e.log.Info("restored stats from snapshot",
		zap.Int("trades", e.stats.TotalTrades),
		zap.Float64("realized_pnl", e.stats.RealizedPnl),
	)
}

func (e *Engine) persistSnapshot(ctx context.Context) {
	if e.store == nil {
		return
	}
	levels := make([]state.LevelSnapshot, 0, len(e.levels))
	for _, l := range e.levels {
		levels = append(levels, state.LevelSnapshot{
			ID:           l.ID,
			Price:        l.Price,
			Side:         string(l.Side),
			PositionSide: string(l.PositionSide),
			Quantity:     l.Quantity,
			State:        string(l.State),
			OrderID:      l.OrderID,
		})
	}
	snapshot := state.EngineSnapshot{
		Symbol:     e.cfg.Symbol,
		RangeLower: e.gridRange.Lower,
		RangeUpper: e.gridRange.Upper,
		GridCount:  e.cfg.GridCount,
		Levels:     levels,
		Stats: state.StatsSnapshot{
			TotalTrades:     e.stats.TotalTrades,
			WinningTrades:   e.stats.WinningTrades,
			LosingTrades:    e.stats.LosingTrades,
			RealizedPnl:     e.stats.RealizedPnl,
			UnrealizedPnl:   e.stats.UnrealizedPnl,
			FundingPaid:     e.stats.FundingPaid,
			MaxDrawdown:     e.stats.MaxDrawdown,
			CurrentDrawdown: e.stats.CurrentDrawdown,
			APY:             e.stats.APY,
		},
		Halted:    e.halted.Load(),
		UpdatedAt: time.Now(),
	}
	if err := state.SaveEngineSnapshot(ctx, e.store, snapshot); err != nil {
		e.log.Warn("snapshot save failed", zap.Error(err))
	}
}

// Stop cancels all open orders and halts tick processing. Positions
// stay open.
func (e *Engine) Stop(ctx context.Context) error {
	ackCh := make(chan struct{})
	select {
	case e.stopCh <- ackCh:
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ackCh:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// EmergencyStop additionally closes all positions with reduce-only
// market orders and leaves the engine in its terminal halted state.
func (e *Engine) EmergencyStop(ctx context.Context) error {
	ackCh := make(chan struct{})
	select {
	case e.emergencyCh <- ackCh:
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ackCh:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func errField(err error) zap.Field { return zap.Error(err) }
