// Package metrics exports registry, state and bus activity to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	promcollect "github.com/prometheus/client_golang/prometheus/collectors"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"

	"home-registry/internal/events"
)

const namespace = "home_registry"

// Recorder holds the Prometheus collectors. A nil *Recorder is valid and
// records nothing.
type Recorder struct {
	reg           *prom.Registry
	once          sync.Once
	busEvents     *prom.CounterVec
	stateUpdates  *prom.CounterVec
	httpRequests  *prom.CounterVec
	httpDuration  *prom.HistogramVec
	inventoryOnce sync.Once
}

// NewRecorder creates and registers the collectors on reg. A nil reg gets
// a fresh registry.
func NewRecorder(reg *prom.Registry) *Recorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	r := &Recorder{reg: reg}
	r.once.Do(func() {
		r.busEvents = prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "bus_events_total",
			Help:      "Events published on the notification bus by topic kind",
		}, []string{"kind"})
		r.stateUpdates = prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "state_updates_total",
			Help:      "Device state update attempts by outcome",
		}, []string{"outcome"})
		r.httpRequests = prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route pattern and status code",
		}, []string{"route", "code"})
		r.httpDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route pattern",
			Buckets:   prom.DefBuckets,
		}, []string{"route"})
		reg.MustRegister(r.busEvents, r.stateUpdates, r.httpRequests, r.httpDuration)
		reg.MustRegister(promcollect.NewGoCollector(), promcollect.NewProcessCollector(promcollect.ProcessCollectorOpts{}))
	})
	return r
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prom.Registry {
	if r == nil {
		return nil
	}
	return r.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// WatchBus counts every event published on bus. Returns an unsubscribe
// function.
func (r *Recorder) WatchBus(bus *events.Bus) func() {
	if r == nil {
		return func() {}
	}
	return bus.SubscribeAll(func(e events.Event) {
		kind, _, ok := events.SplitTopic(e.Topic)
		if !ok {
			kind = e.Topic
		}
		r.busEvents.WithLabelValues(kind).Inc()
	})
}

// ObserveStateUpdate counts a state update attempt.
func (r *Recorder) ObserveStateUpdate(outcome string) {
	if r == nil || r.stateUpdates == nil {
		return
	}
	r.stateUpdates.WithLabelValues(outcome).Inc()
}

// ObserveHTTP records one served request.
func (r *Recorder) ObserveHTTP(route string, code int, d time.Duration) {
	if r == nil || r.httpRequests == nil {
		return
	}
	r.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(d.Seconds())
}

// TrackInventory exports the number of registered devices and rooms,
// computed at scrape time. Only the first call has an effect.
func (r *Recorder) TrackInventory(devices, rooms func() (int, error)) {
	if r == nil {
		return
	}
	r.inventoryOnce.Do(func() {
		gauge := func(name, help string, count func() (int, error)) prom.GaugeFunc {
			return prom.NewGaugeFunc(prom.GaugeOpts{Namespace: namespace, Name: name, Help: help}, func() float64 {
				n, err := count()
				if err != nil {
					return 0
				}
				return float64(n)
			})
		}
		r.reg.MustRegister(
			gauge("devices", "Registered devices", devices),
			gauge("rooms", "Registered rooms", rooms),
		)
	})
}
