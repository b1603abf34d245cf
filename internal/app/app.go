// Package app wires the bot together: store, adapter, executor,
// metrics, optional timescale writer and the grid engine, plus the
// event pump that renders engine events into the log.
package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"perp-grid-bot/internal/config"
	"perp-grid-bot/internal/engine"
	"perp-grid-bot/internal/exchange"
	"perp-grid-bot/internal/exec"
	"perp-grid-bot/internal/metrics"
	"perp-grid-bot/internal/state/sqlite"
	"perp-grid-bot/internal/timescale"

	"go.uber.org/zap"
)

type App struct {
	cfg      *config.Config
	log      *zap.Logger
	store    *sqlite.Store
	adapter  *exchange.Binance
	executor *exec.Executor
	metrics  *metrics.Metrics
	prom     *metrics.Prometheus
	tsdb     *timescale.Writer
	engine   *engine.Engine
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}

	apiKey := strings.TrimSpace(os.Getenv("BINANCE_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("BINANCE_API_KEY is required")
	}
	secretKey := strings.TrimSpace(os.Getenv("BINANCE_SECRET_KEY"))
	if secretKey == "" {
		return nil, errors.New("BINANCE_SECRET_KEY is required")
	}
	adapter := exchange.NewBinance(apiKey, secretKey,
		cfg.Exchange.RESTURL, cfg.Exchange.WSURL,
		cfg.Exchange.WSReconnectDelay, cfg.Exchange.WSPingInterval, log)

	executor := exec.New(adapter, store, log)

	m := metrics.NewNoop()
	var prom *metrics.Prometheus
	if cfg.Metrics.Enabled {
		prom = metrics.NewPrometheus()
		m = prom.Metrics
	}

	tsdb, err := timescale.New(cfg.Timescale, log)
	if err != nil {
		return nil, err
	}

	eng := engine.New(cfg.Grid, engine.Deps{
		Adapter:   adapter,
		Executor:  executor,
		Store:     store,
		Metrics:   m,
		Timescale: tsdb,
		Log:       log,
	})
	return &App{
		cfg:      cfg,
		log:      log,
		store:    store,
		adapter:  adapter,
		executor: executor,
		metrics:  m,
		prom:     prom,
		tsdb:     tsdb,
		engine:   eng,
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()

	if a.tsdb != nil {
		a.tsdb.Start(ctx)
		defer a.tsdb.Close()
	}
	if a.prom != nil {
		a.serveMetrics(ctx)
	}

	if err := a.engine.Start(ctx); err != nil {
		return err
	}
	a.log.Info("engine started",
		zap.String("symbol", a.cfg.Grid.Symbol),
		zap.Int("leverage", a.cfg.Grid.Leverage),
		zap.String("grid_type", string(a.cfg.Grid.GridType)),
		zap.Int("grid_count", a.cfg.Grid.GridCount),
	)

	for {
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			err := a.engine.Stop(stopCtx)
			cancel()
			if err != nil {
				a.log.Error("engine stop failed", zap.Error(err))
			}
			a.drainEvents()
			return ctx.Err()
		case ev, ok := <-a.engine.Events():
			if !ok {
				return nil
			}
			a.renderEvent(ev)
		}
	}
}

func (a *App) serveMetrics(ctx context.Context) {
	server := &http.Server{Addr: a.cfg.Metrics.ListenAddr, Handler: a.prom.Handler()}
	go func() {
		a.log.Info("metrics listener up", zap.String("addr", a.cfg.Metrics.ListenAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.log.Error("metrics listener failed", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		closeCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = server.Shutdown(closeCtx)
	}()
}

func (a *App) drainEvents() {
	for ev := range a.engine.Events() {
		a.renderEvent(ev)
	}
}

func (a *App) renderEvent(ev engine.Event) {
	switch ev.Type {
	case engine.EventGridFilled:
		a.log.Info("grid fill",
			zap.Int("level", ev.Level.ID),
			zap.Float64("price", ev.Level.Price),
			zap.Float64("profit", ev.Profit),
			zap.Float64("realized_pnl", ev.Stats.RealizedPnl),
			zap.Int("trades", ev.Stats.TotalTrades),
		)
	case engine.EventGridTrailed:
		a.log.Info("grid trailed",
			zap.String("direction", string(ev.TrailDirection)),
			zap.Float64("lower", ev.NewRange.Lower),
			zap.Float64("upper", ev.NewRange.Upper),
		)
	case engine.EventLiquidationRisk:
		a.log.Warn("liquidation risk",
			zap.Float64("distance_pct", ev.LiqDistance),
			zap.Float64("mark", ev.Position.MarkPrice),
			zap.Float64("liq", ev.Position.LiquidationPrice),
		)
	case engine.EventFundingUpdate:
		a.log.Info("funding update",
			zap.Float64("rate", ev.Funding.Rate),
			zap.Float64("total_paid", ev.TotalFundingPaid),
		)
	case engine.EventWarning:
		a.log.Warn(ev.Message)
	case engine.EventError:
		a.log.Error(ev.Message, zap.Error(ev.Err))
	case engine.EventStopped:
		a.log.Info("engine stopped",
			zap.Float64("realized_pnl", ev.Stats.RealizedPnl),
			zap.Int("trades", ev.Stats.TotalTrades),
			zap.Float64("max_drawdown_pct", ev.Stats.MaxDrawdown),
		)
	case engine.EventPriceUpdate, engine.EventPositionUpdate:
		// High frequency; surfaced through metrics instead.
	default:
		if ev.Message != "" {
			a.log.Info(ev.Message)
		}
	}
}
