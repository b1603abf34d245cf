package exchange

import "time"

type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

type PositionSide string

const (
	Long  PositionSide = "LONG"
	Short PositionSide = "SHORT"
)

type OrderType string

const (
	Limit  OrderType = "LIMIT"
	Market OrderType = "MARKET"
)

type Balance struct {
	Available float64
	Total     float64
}

// Position mirrors the exchange's view; the engine never owns it and
// only updates its copy from push updates.
type Position struct {
	Symbol           string
	Side             PositionSide
	Size             float64
	EntryPrice       float64
	MarkPrice        float64
	UnrealizedPnl    float64
	MarginRatio      float64
	LiquidationPrice float64
	Leverage         int
}

type FundingRate struct {
	Symbol          string
	Rate            float64
	FundingTime     time.Time
	NextFundingTime time.Time
}

type Ticker struct {
	Symbol string
	Price  float64
	Volume float64
}

type Candle struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

type OrderRequest struct {
	Symbol        string
	Side          Side
	PositionSide  PositionSide
	Type          OrderType
	Quantity      float64
	Price         float64
	ReduceOnly    bool
	ClientOrderID string
}

type Order struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          Side
	PositionSide  PositionSide
	Type          OrderType
	Quantity      float64
	Price         float64
	ReduceOnly    bool
	Status        string
}
