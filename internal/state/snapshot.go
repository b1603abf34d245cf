package state

import (
	"context"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

const EngineSnapshotKey = "engine:last_snapshot"

// LevelSnapshot is the persisted shape of one grid level. The encoding
// is msgpack: snapshots are written on every state change, so they stay
// compact.
type LevelSnapshot struct {
	ID           int     `msgpack:"id"`
	Price        float64 `msgpack:"price"`
	Side         string  `msgpack:"side"`
	PositionSide string  `msgpack:"position_side"`
	Quantity     float64 `msgpack:"quantity"`
	State        string  `msgpack:"state"`
	OrderID      string  `msgpack:"order_id,omitempty"`
}

type StatsSnapshot struct {
	TotalTrades     int     `msgpack:"total_trades"`
	WinningTrades   int     `msgpack:"winning_trades"`
	LosingTrades    int     `msgpack:"losing_trades"`
	RealizedPnl     float64 `msgpack:"realized_pnl"`
	UnrealizedPnl   float64 `msgpack:"unrealized_pnl"`
	FundingPaid     float64 `msgpack:"funding_paid"`
	MaxDrawdown     float64 `msgpack:"max_drawdown"`
	CurrentDrawdown float64 `msgpack:"current_drawdown"`
	APY             float64 `msgpack:"apy"`
}

type EngineSnapshot struct {
	Symbol     string          `msgpack:"symbol"`
	RangeLower float64         `msgpack:"range_lower"`
	RangeUpper float64         `msgpack:"range_upper"`
	GridCount  int             `msgpack:"grid_count"`
	Levels     []LevelSnapshot `msgpack:"levels"`
	Stats      StatsSnapshot   `msgpack:"stats"`
	Halted     bool            `msgpack:"halted"`
	UpdatedAt  time.Time       `msgpack:"updated_at"`
}

func LoadEngineSnapshot(ctx context.Context, store Store) (EngineSnapshot, bool, error) {
	if store == nil {
		return EngineSnapshot{}, false, nil
	}
	raw, ok, err := store.Get(ctx, EngineSnapshotKey)
	if err != nil || !ok || len(raw) == 0 {
		return EngineSnapshot{}, false, err
	}
	var snapshot EngineSnapshot
	if err := msgpack.Unmarshal(raw, &snapshot); err != nil {
		return EngineSnapshot{}, false, err
	}
	return snapshot, true, nil
}

func SaveEngineSnapshot(ctx context.Context, store Store, snapshot EngineSnapshot) error {
	if store == nil {
		return nil
	}
	payload, err := msgpack.Marshal(snapshot)
	if err != nil {
		return err
	}
	return store.Set(ctx, EngineSnapshotKey, payload)
}
