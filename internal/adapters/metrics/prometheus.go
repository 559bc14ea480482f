// Package metrics provides the Prometheus implementation of ports.Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/alejandrodnm/dutchclear/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultNamespace = "dutchclear"

// Prometheus holds every collector of the service. Each instance owns its
// registry so tests never collide on the global one.
type Prometheus struct {
	registry *prometheus.Registry

	// Monitor metrics
	MonitorCycles   *prometheus.CounterVec
	SkippedTicks    prometheus.Counter
	MonitorDuration prometheus.Histogram
	LastCycle       prometheus.Gauge

	// Tracker metrics
	PaymentPolls      *prometheus.CounterVec
	PaymentsConfirmed prometheus.Counter

	// Ledger metrics
	Expired prometheus.Counter

	// Settlement metrics
	SettlementRuns *prometheus.CounterVec
	Transfers      *prometheus.CounterVec
}

// New creates the collectors under namespace ("" = dutchclear), registered
// together with the Go and process collectors.
func New(namespace string) *Prometheus {
	if namespace == "" {
		namespace = defaultNamespace
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Prometheus{
		registry: reg,

		MonitorCycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "cycles_total",
			Help:      "Monitor cycles by result",
		}, []string{"result"}),
		SkippedTicks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "skipped_ticks_total",
			Help:      "Ticks dropped because the previous cycle was still running",
		}),
		MonitorDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "cycle_duration_seconds",
			Help:      "Monitor cycle duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		}),
		LastCycle: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "last_successful_cycle_timestamp",
			Help:      "Unix timestamp of the last successful monitor cycle",
		}),

		PaymentPolls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tracker",
			Name:      "polls_total",
			Help:      "Indexer polls by kind (address|status) and result",
		}, []string{"kind", "result"}),
		PaymentsConfirmed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tracker",
			Name:      "payments_confirmed_total",
			Help:      "Bids moved from pending to confirmed",
		}),

		Expired: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "auctions_expired_total",
			Help:      "Auctions closed because their end time passed",
		}),

		SettlementRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "runs_total",
			Help:      "Finished settlement runs by final state",
		}, []string{"state"}),
		Transfers: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "transfers_total",
			Help:      "Transfer outcomes by result",
		}, []string{"result"}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

// Registry exposes the registry for tests and extra collectors.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

func (p *Prometheus) MonitorCycle(ok bool, duration time.Duration) {
	p.MonitorCycles.WithLabelValues(result(ok)).Inc()
	p.MonitorDuration.Observe(duration.Seconds())
	if ok {
		p.LastCycle.SetToCurrentTime()
	}
}

func (p *Prometheus) MonitorSkipped() {
	p.SkippedTicks.Inc()
}

func (p *Prometheus) PaymentPoll(kind string, ok bool) {
	p.PaymentPolls.WithLabelValues(kind, result(ok)).Inc()
}

func (p *Prometheus) PaymentConfirmed() {
	p.PaymentsConfirmed.Inc()
}

func (p *Prometheus) AuctionsExpired(n int) {
	p.Expired.Add(float64(n))
}

func (p *Prometheus) SettlementRun(state domain.RunState) {
	p.SettlementRuns.WithLabelValues(string(state)).Inc()
}

func (p *Prometheus) TransferOutcome(ok bool) {
	p.Transfers.WithLabelValues(result(ok)).Inc()
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
