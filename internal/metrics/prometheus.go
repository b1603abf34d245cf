package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "perp_grid_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type promGauge struct {
	gauge prometheus.Gauge
}

func (p promGauge) Set(v float64) {
	p.gauge.Set(v)
}

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()

	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      name,
			Help:      help,
		})
		registry.MustRegister(c)
		return c
	}
	gauge := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: promNamespace,
			Name:      name,
			Help:      help,
		})
		registry.MustRegister(g)
		return g
	}

	m := &Metrics{
		OrdersPlaced:      promCounter{counter("orders_placed_total", "Total number of grid orders placed.")},
		OrdersFailed:      promCounter{counter("orders_failed_total", "Total number of order placement failures.")},
		GridFills:         promCounter{counter("grid_fills_total", "Total number of grid level fills.")},
		GridTrails:        promCounter{counter("grid_trails_total", "Total number of grid range trails.")},
		LiquidationGuards: promCounter{counter("liquidation_guards_total", "Total number of liquidation guard activations.")},
		EmergencyStops:    promCounter{counter("emergency_stops_total", "Total number of emergency stops.")},
		RealizedPnl:       promGauge{gauge("realized_pnl_usd", "Cumulative realized grid profit in USD.")},
		CurrentDrawdown:   promGauge{gauge("current_drawdown_percent", "Current drawdown from peak equity in percent.")},
		FundingPaid:       promGauge{gauge("funding_paid_usd", "Approximate cumulative funding cost in USD.")},
		CurrentPrice:      promGauge{gauge("current_price", "Last observed mark price.")},
	}

	return &Prometheus{Metrics: m, registry: registry}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
