package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oshokin/fabric-provisioner/internal/errkind"
)

const namespace = "fabric_provisioner"

// OutcomeOK labels successful operations.
const OutcomeOK = "ok"

// Metrics gathers store, builder, upgrade and RPC metrics on a private registry.
// All methods are safe on a nil receiver, so callers may run without metrics.
type Metrics struct {
	registry *prometheus.Registry

	storeOps     *prometheus.CounterVec
	storeLatency *prometheus.HistogramVec
	leaseBusy    *prometheus.CounterVec
	leasesHeld   prometheus.Gauge

	packageConflicts   prometheus.Counter
	settingsViolations prometheus.Counter
	upgrades           *prometheus.CounterVec

	rpcRequests *prometheus.CounterVec
	rpcLatency  *prometheus.HistogramVec

	startTime time.Time
	upTime    prometheus.Gauge
}

// New returns Metrics with every collector registered.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		storeOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Content store operations by operation and outcome.",
		}, []string{"op", "outcome"}),
		storeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "operation_seconds",
			Help:      "Content store operation latency.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"op"}),
		leaseBusy: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "lease_busy_total",
			Help:      "Operations rejected because another writer held the transfer marker.",
		}, []string{"op"}),
		leasesHeld: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "leases_held",
			Help:      "Transfer markers currently held by this process.",
		}),
		packageConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "builder",
			Name:      "package_conflicts_total",
			Help:      "Packages whose content diverged under an unchanged version.",
		}),
		settingsViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upgrade",
			Name:      "settings_violations_total",
			Help:      "Static settings changes rejected by the upgrade validator.",
		}),
		upgrades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upgrade",
			Name:      "runs_total",
			Help:      "Fabric upgrades by outcome.",
		}, []string{"outcome"}),
		rpcRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "grpc",
			Name:      "requests_total",
			Help:      "Provisioning RPCs by method and status code.",
		}, []string{"method", "code"}),
		rpcLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "grpc",
			Name:      "request_seconds",
			Help:      "Provisioning RPC latency.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"method"}),
		startTime: time.Now(),
		upTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "up_time_seconds",
			Help:      "Time since the process started.",
		}),
	}

	m.registry.MustRegister(
		m.storeOps,
		m.storeLatency,
		m.leaseBusy,
		m.leasesHeld,
		m.packageConflicts,
		m.settingsViolations,
		m.upgrades,
		m.rpcRequests,
		m.rpcLatency,
		m.upTime,
	)

	return m
}

// Registry exposes the underlying registry, e.g. for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}

	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}

	inner := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.upTime.Set(time.Since(m.startTime).Truncate(10 * time.Millisecond).Seconds())
		inner.ServeHTTP(w, r)
	})
}

// ObserveStoreOp records one store operation started at start.
func (m *Metrics) ObserveStoreOp(op string, start time.Time, err error) {
	if m == nil {
		return
	}

	m.storeOps.WithLabelValues(op, Outcome(err)).Inc()
	m.storeLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// LeaseBusy counts an operation rejected by a held marker.
func (m *Metrics) LeaseBusy(op string) {
	if m == nil {
		return
	}

	m.leaseBusy.WithLabelValues(op).Inc()
}

// LeaseAcquired and LeaseReleased track markers held by this process.
func (m *Metrics) LeaseAcquired() {
	if m == nil {
		return
	}

	m.leasesHeld.Inc()
}

// LeaseReleased is the counterpart of LeaseAcquired.
func (m *Metrics) LeaseReleased() {
	if m == nil {
		return
	}

	m.leasesHeld.Dec()
}

// PackageConflicts adds n detected package conflicts.
func (m *Metrics) PackageConflicts(n int) {
	if m == nil || n <= 0 {
		return
	}

	m.packageConflicts.Add(float64(n))
}

// SettingsViolations adds n rejected static settings changes.
func (m *Metrics) SettingsViolations(n int) {
	if m == nil || n <= 0 {
		return
	}

	m.settingsViolations.Add(float64(n))
}

// ObserveUpgrade records the outcome of one upgrade attempt.
func (m *Metrics) ObserveUpgrade(err error) {
	if m == nil {
		return
	}

	m.upgrades.WithLabelValues(Outcome(err)).Inc()
}

// ObserveRPC records one RPC started at start.
func (m *Metrics) ObserveRPC(method, code string, start time.Time) {
	if m == nil {
		return
	}

	m.rpcRequests.WithLabelValues(method, code).Inc()
	m.rpcLatency.WithLabelValues(method).Observe(time.Since(start).Seconds())
}

// Outcome is the label value for err: "ok" or the error kind, e.g. "not_found".
func Outcome(err error) string {
	if err == nil {
		return OutcomeOK
	}

	return strings.ReplaceAll(errkind.KindOf(err).String(), " ", "_")
}
