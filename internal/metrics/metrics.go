// Package metrics mirrors broadcast activity into Prometheus collectors on a
// private registry.
package metrics

import (
	"net/http"

	"cheersbot/internal/broadcast"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cheersbot"

// Collector implements broadcast.Metrics.
type Collector struct {
	reg *prometheus.Registry

	outcomes   *prometheus.CounterVec
	fires      *prometheus.CounterVec
	busy       *prometheus.CounterVec
	starvation prometheus.Counter
	inFlight   prometheus.Gauge
	info       *prometheus.GaugeVec
}

func New(version string) *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outcomes_total",
			Help:      "Broadcast outcomes by result and trigger.",
		}, []string{"result", "trigger"}),
		fires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fires_total",
			Help:      "Trigger fires dispatched, by action.",
		}, []string{"action"}),
		busy: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "busy_total",
			Help:      "Fires refused because the tenant already had a lifecycle in flight.",
		}, []string{"action"}),
		starvation: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "starvation_total",
			Help:      "Leases force-released after exceeding the lease ceiling.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "lifecycles_in_flight",
			Help:      "Tenants currently holding a lease.",
		}),
		info: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information.",
		}, []string{"version"}),
	}
	c.reg.MustRegister(
		c.outcomes, c.fires, c.busy, c.starvation, c.inFlight, c.info,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	c.info.WithLabelValues(version).Set(1)
	return c
}

func (c *Collector) ObserveOutcome(o broadcast.PlaybackOutcome) {
	c.outcomes.WithLabelValues(string(o.Result), string(o.Trigger)).Inc()
}

func (c *Collector) ObserveFire(a broadcast.Action) { c.fires.WithLabelValues(string(a)).Inc() }
func (c *Collector) ObserveBusy(a broadcast.Action) { c.busy.WithLabelValues(string(a)).Inc() }
func (c *Collector) ObserveStarvation()             { c.starvation.Inc() }
func (c *Collector) SetInFlight(n int)              { c.inFlight.Set(float64(n)) }

// Registry exposes the private registry, e.g. for tests.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}
