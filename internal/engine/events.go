package engine

import (
	"time"

	"perp-grid-bot/internal/config"
	"perp-grid-bot/internal/exchange"
	"perp-grid-bot/internal/grid"
)

type EventType string

const (
	EventInitialized     EventType = "initialized"
	EventStarted         EventType = "started"
	EventStopped         EventType = "stopped"
	EventLog             EventType = "log"
	EventWarning         EventType = "warning"
	EventError           EventType = "error"
	EventGridFilled      EventType = "gridFilled"
	EventPositionUpdate  EventType = "positionUpdate"
	EventPriceUpdate     EventType = "priceUpdate"
	EventLiquidationRisk EventType = "liquidationRisk"
	EventFundingUpdate   EventType = "fundingUpdate"
	EventGridTrailed     EventType = "gridTrailed"
)

// Event is the host-facing notification. Fields beyond Type/Time are
// populated per event kind; Stats rides along on everything that
// changes it.
type Event struct {
	Type    EventType
	Time    time.Time
	Message string
	Err     error

	Price  float64
	Level  *grid.Level
	Profit float64
	Stats  GridStats

	Position    *exchange.Position
	LiqDistance float64

	Funding          *exchange.FundingRate
	TotalFundingPaid float64

	TrailDirection config.TrailDirection
	NewRange       config.PriceRange
}

// emit never blocks the engine loop. A host that stops draining loses
// events, not the bot.
func (e *Engine) emit(ev Event) {
	ev.Time = time.Now()
	ev.Stats = e.stats
	select {
	case e.events <- ev:
	default:
		e.droppedEvents++
	}
}

func (e *Engine) emitError(msg string, err error) {
	e.log.Error(msg, errField(err))
	e.emit(Event{Type: EventError, Message: msg, Err: err})
}

func (e *Engine) emitWarning(msg string) {
	e.log.Warn(msg)
	e.emit(Event{Type: EventWarning, Message: msg})
}

func (e *Engine) emitLog(msg string) {
	e.log.Info(msg)
	e.emit(Event{Type: EventLog, Message: msg})
}
