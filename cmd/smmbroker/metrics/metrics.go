package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	depositDecisions *prometheus.CounterVec
	ordersPlaced     prometheus.Counter
	orderFailures    *prometheus.CounterVec
	bonusClaims      prometheus.Counter
	referralBonuses  prometheus.Counter
	providerErrors   *prometheus.CounterVec
	statusRefreshes  *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		depositDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "smmbroker_deposit_decisions_total", Help: "Deposits decided by the admin"},
			[]string{"decision"},
		),
		ordersPlaced: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "smmbroker_orders_placed_total", Help: "Orders accepted by the provider and charged"},
		),
		orderFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "smmbroker_order_failures_total", Help: "Order confirmations that did not result in a charged order"},
			[]string{"reason"},
		),
		bonusClaims: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "smmbroker_bonus_claims_total", Help: "Daily bonuses credited"},
		),
		referralBonuses: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "smmbroker_referral_bonuses_total", Help: "Referral bonuses credited"},
		),
		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "smmbroker_provider_errors_total", Help: "Failed provider calls"},
			[]string{"action"},
		),
		statusRefreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "smmbroker_status_refreshes_total", Help: "Order status polls by outcome"},
			[]string{"outcome"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "smmbroker_http_requests_total", Help: "Total number of HTTP requests"},
			[]string{"method", "route", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "smmbroker_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
	m.registry.MustRegister(
		m.depositDecisions,
		m.ordersPlaced,
		m.orderFailures,
		m.bonusClaims,
		m.referralBonuses,
		m.providerErrors,
		m.statusRefreshes,
		m.httpRequests,
		m.httpDuration,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) DepositDecided(decision string) {
	if m == nil {
		return
	}
	m.depositDecisions.WithLabelValues(decision).Inc()
}

func (m *Metrics) OrderPlaced() {
	if m == nil {
		return
	}
	m.ordersPlaced.Inc()
}

func (m *Metrics) OrderFailed(reason string) {
	if m == nil {
		return
	}
	m.orderFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) BonusClaimed() {
	if m == nil {
		return
	}
	m.bonusClaims.Inc()
}

func (m *Metrics) ReferralBonusPaid() {
	if m == nil {
		return
	}
	m.referralBonuses.Inc()
}

func (m *Metrics) ProviderError(action string) {
	if m == nil {
		return
	}
	m.providerErrors.WithLabelValues(action).Inc()
}

func (m *Metrics) StatusRefreshed(outcome string) {
	if m == nil {
		return
	}
	m.statusRefreshes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
