package grid

import (
	"fmt"
	"time"

	"perp-grid-bot/internal/exchange"
)

type LevelState string

const (
	StateIdle               LevelState = "IDLE"
	StateOrderPlaced        LevelState = "ORDER_PLACED"
	StateFilled             LevelState = "FILLED"
	StateCounterOrderPlaced LevelState = "COUNTER_ORDER_PLACED"
)

// Level is a single grid price point. It alternates between buy and
// sell as price oscillates through it. Levels are owned exclusively by
// the engine loop; nothing else mutates them.
type Level struct {
	ID           int
	Price        float64
	Side         exchange.Side
	PositionSide exchange.PositionSide
	Quantity     float64

	State    LevelState
	OrderID  string
	FillTime time.Time
	Pnl      float64
}

// Transition advances a level through its lifecycle:
//
//	Idle -> OrderPlaced -> Filled -> CounterOrderPlaced -> OrderPlaced (loop)
//
// Any other edge is rejected so a bug cannot silently corrupt a level.
func (l *Level) Transition(next LevelState) error {
	if !validTransition(l.State, next) {
		return fmt.Errorf("level %d: invalid transition %s -> %s", l.ID, l.State, next)
	}
	l.State = next
	return nil
}

func validTransition(from, to LevelState) bool {
	switch from {
	case StateIdle:
		return to == StateOrderPlaced
	case StateOrderPlaced:
		return to == StateFilled
	case StateFilled:
		return to == StateCounterOrderPlaced
	case StateCounterOrderPlaced:
		return to == StateOrderPlaced
	}
	return false
}

// MarkPlaced records an acknowledged resting order.
func (l *Level) MarkPlaced(orderID string) error {
	if err := l.Transition(StateOrderPlaced); err != nil {
		return err
	}
	l.OrderID = orderID
	return nil
}

// MarkFilled records a detected fill and its realized profit.
func (l *Level) MarkFilled(at time.Time, pnl float64) error {
	if err := l.Transition(StateFilled); err != nil {
		return err
	}
	l.FillTime = at
	l.Pnl = pnl
	l.OrderID = ""
	return nil
}

// MarkCountered records the acknowledged counter order. The subsequent
// Flip resets the level to OrderPlaced with the opposite side, which is
// how a level perpetually toggles direction.
func (l *Level) MarkCountered(orderID string) error {
	if err := l.Transition(StateCounterOrderPlaced); err != nil {
		return err
	}
	l.OrderID = orderID
	return nil
}

// Flip completes the fill cycle: the counter order becomes the level's
// new resting order with the side reversed.
func (l *Level) Flip() error {
	if err := l.Transition(StateOrderPlaced); err != nil {
		return err
	}
	l.Side = l.Side.Opposite()
	return nil
}
