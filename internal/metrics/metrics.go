package metrics

type Counter interface {
	Inc()
}

type Gauge interface {
	Set(v float64)
}

type Metrics struct {
	OrdersPlaced      Counter
	OrdersFailed      Counter
	GridFills         Counter
	GridTrails        Counter
	LiquidationGuards Counter
	EmergencyStops    Counter

	RealizedPnl     Gauge
	CurrentDrawdown Gauge
	FundingPaid     Gauge
	CurrentPrice    Gauge
}

type noopCounter struct{}

func (noopCounter) Inc() {}

type noopGauge struct{}

func (noopGauge) Set(float64) {}

func NewNoop() *Metrics {
	c := noopCounter{}
	g := noopGauge{}
	return &Metrics{
		OrdersPlaced:      c,
		OrdersFailed:      c,
		GridFills:         c,
		GridTrails:        c,
		LiquidationGuards: c,
		EmergencyStops:    c,
		RealizedPnl:       g,
		CurrentDrawdown:   g,
		FundingPaid:       g,
		CurrentPrice:      g,
	}
}
