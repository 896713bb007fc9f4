// Package metrics exposes Prometheus collectors for popup exchanges and emulator dispatch.
package metrics

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "crossapp"

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	exchanges        *prometheus.CounterVec
	exchangeDuration *prometheus.HistogramVec
	upgrades         *prometheus.CounterVec
	dispatch         *prometheus.CounterVec
	limited          prometheus.Counter
}

func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "popup_exchanges_total",
			Help:      "Finished popup exchanges by kind and outcome.",
		}, []string{"kind", "outcome"}),
		exchangeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "popup_exchange_duration_seconds",
			Help:      "Wall time from window open to resolution.",
			Buckets:   []float64{1, 2.5, 5, 10, 20, 30, 60, 120},
		}, []string{"kind"}),
		upgrades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "popup_broadcast_upgrades_total",
			Help:      "Exchanges that switched to the broadcast channel.",
		}, []string{"kind"}),
		dispatch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Emulator requests by dispatch route and result.",
		}, []string{"route", "result"}),
		limited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridge_rate_limited_total",
			Help:      "Bridge requests rejected by the rate limiter.",
		}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{m.exchanges, m.exchangeDuration, m.upgrades, m.dispatch, m.limited} {
			if err := reg.Register(c); err != nil {
				return nil, errors.Wrap(err, "register collector")
			}
		}
	}
	return m, nil
}

func (m *Metrics) ExchangeFinished(kind, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.exchanges.WithLabelValues(kind, outcome).Inc()
	m.exchangeDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

func (m *Metrics) ExchangeUpgraded(kind string) {
	if m == nil {
		return
	}
	m.upgrades.WithLabelValues(kind).Inc()
}

// Dispatched counts one emulator request.
func (m *Metrics) Dispatched(route string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.dispatch.WithLabelValues(route, result).Inc()
}

func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.limited.Inc()
}
