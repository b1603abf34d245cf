// Package timescale streams observability samples into TimescaleDB.
// Samples are best-effort: a full queue drops rather than blocking the
// engine loop. This is not an accounting ledger.
package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"perp-grid-bot/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

type EquitySample struct {
	Time            time.Time
	Symbol          string
	Equity          float64
	PeakEquity      float64
	RealizedPnl     float64
	UnrealizedPnl   float64
	CurrentDrawdown float64
	MaxDrawdown     float64
	APY             float64
	Price           float64
	OpenOrders      int
}

type FundingSample struct {
	Time         time.Time
	Symbol       string
	Rate         float64
	PositionSize float64
	MarkPrice    float64
	AccruedCost  float64
	TotalPaid    float64
}

type Writer struct {
	db      *sql.DB
	log     *zap.Logger
	schema  string
	equity  chan EquitySample
	funding chan FundingSample

	started     atomic.Bool
	dropEquity  atomic.Uint64
	dropFunding atomic.Uint64
}

func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	writer := &Writer{
		db:      db,
		log:     log,
		schema:  schema,
		equity:  make(chan EquitySample, queueSize),
		funding: make(chan FundingSample, queueSize),
	}
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) EnqueueEquity(sample EquitySample) {
	if w == nil {
		return
	}
	select {
	case w.equity <- sample:
	default:
		if w.dropEquity.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale equity queue full")
		}
	}
}

func (w *Writer) EnqueueFunding(sample FundingSample) {
	if w == nil {
		return
	}
	select {
	case w.funding <- sample:
	default:
		if w.dropFunding.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale funding queue full")
		}
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sample := <-w.equity:
			w.writeEquity(ctx, sample)
		case sample := <-w.funding:
			w.writeFunding(ctx, sample)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		symbol TEXT NOT NULL,
		equity DOUBLE PRECISION NOT NULL,
		peak_equity DOUBLE PRECISION NOT NULL,
		realized_pnl DOUBLE PRECISION NOT NULL,
		unrealized_pnl DOUBLE PRECISION NOT NULL,
		current_drawdown DOUBLE PRECISION NOT NULL,
		max_drawdown DOUBLE PRECISION NOT NULL,
		apy DOUBLE PRECISION NOT NULL,
		price DOUBLE PRECISION NOT NULL,
		open_orders INTEGER NOT NULL
	)`, w.table("equity_samples"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		symbol TEXT NOT NULL,
		rate DOUBLE PRECISION NOT NULL,
		position_size DOUBLE PRECISION NOT NULL,
		mark_price DOUBLE PRECISION NOT NULL,
		accrued_cost DOUBLE PRECISION NOT NULL,
		total_paid DOUBLE PRECISION NOT NULL
	)`, w.table("funding_samples"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if w.log != nil {
			w.log.Warn("timescale extension ensure failed", zap.Error(err))
		}
		return nil
	}
	for _, table := range []string{"equity_samples", "funding_samples"} {
		if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(table))); err != nil && w.log != nil {
			w.log.Warn("timescale hypertable create failed", zap.String("table", table), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) writeEquity(ctx context.Context, sample EquitySample) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, symbol, equity, peak_equity, realized_pnl, unrealized_pnl,
		current_drawdown, max_drawdown, apy, price, open_orders
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`, w.table("equity_samples"))
	if _, err := w.db.ExecContext(ctx, query,
		sample.Time,
		sample.Symbol,
		sample.Equity,
		sample.PeakEquity,
		sample.RealizedPnl,
		sample.UnrealizedPnl,
		sample.CurrentDrawdown,
		sample.MaxDrawdown,
		sample.APY,
		sample.Price,
		sample.OpenOrders,
	); err != nil && w.log != nil {
		w.log.Warn("timescale equity insert failed", zap.Error(err))
	}
}

func (w *Writer) writeFunding(ctx context.Context, sample FundingSample) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, symbol, rate, position_size, mark_price, accrued_cost, total_paid
	) VALUES ($1,$2,$3,$4,$5,$6,$7)`, w.table("funding_samples"))
	if _, err := w.db.ExecContext(ctx, query,
		sample.Time,
		sample.Symbol,
		sample.Rate,
		sample.PositionSize,
		sample.MarkPrice,
		sample.AccruedCost,
		sample.TotalPaid,
	); err != nil && w.log != nil {
		w.log.Warn("timescale funding insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
