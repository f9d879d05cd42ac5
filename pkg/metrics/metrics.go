package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// acquisition results
const (
	ResultSuccess  = "success"
	ResultConflict = "conflict"
	ResultError    = "error"
)

// circuit phase values for the gauge
const (
	PhaseClosed   = "closed"
	PhaseHalfOpen = "half_open"
	PhaseOpen     = "open"
)

// Metrics is built once per process and handed to the selector, the batch
// acquirer, the fsm and the compensator. Tests build their own against a
// fresh registry.
type Metrics struct {
	// acquisitions by backend and result
	AcquireTotal *prometheus.CounterVec
	// releases by backend and result
	ReleaseTotal *prometheus.CounterVec
	// conflicts by kind (single, batch)
	ConflictTotal *prometheus.CounterVec
	// batch acquisitions by result
	BatchTotal *prometheus.CounterVec
	// rollback scripts that failed after a partial batch, by kind (mismatch, error)
	RollbackFailureTotal *prometheus.CounterVec

	// time between hold and release, by how the hold ended (paid, released)
	HeldDuration *prometheus.HistogramVec
	// time between hold and successful payment, by the backend that held the lock
	LockToPaymentDuration *prometheus.HistogramVec
	// reserve attempts by result
	ReservationTotal *prometheus.CounterVec

	// per-call backend latency by backend and op
	BackendLatency *prometheus.HistogramVec
	// 0 closed, 1 half open, 2 open
	CircuitPhase prometheus.Gauge
	// circuit transitions by from/to phase
	ModeSwitchTotal *prometheus.CounterVec

	// keys/rows reclaimed by the compensator, by store
	CompensatorDeletedTotal *prometheus.CounterVec
	// sweeps by result
	CompensatorRunsTotal *prometheus.CounterVec

	// availability notifications by result (sent, dropped, failed)
	NotificationsTotal *prometheus.CounterVec

	// derived 0-100 score
	HealthScore prometheus.Gauge
	// always 1 while running
	Up prometheus.Gauge

	mu  sync.Mutex
	agg aggregate
}

type aggregate struct {
	acquireSuccess uint64
	acquireError   uint64
	conflicts      uint64
	reserveSuccess uint64
	reserveFailure uint64
	latencySum     time.Duration
	latencyCount   uint64
	phase          string
	phaseSince     time.Time
	// when the circuit last left closed; zero while closed
	degradedSince   time.Time
	rollbackFailure uint64
}

// New registers every collector with reg. A nil reg uses a private registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	m := &Metrics{
		AcquireTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "seatlock_acquire_total",
			Help: "lock acquisitions by backend and result",
		}, []string{"backend", "result"}),
		ReleaseTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "seatlock_release_total",
			Help: "lock releases by backend and result",
		}, []string{"backend", "result"}),
		ConflictTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "seatlock_conflict_total",
			Help: "acquisitions refused because another owner holds the resource",
		}, []string{"kind"}),
		BatchTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "seatlock_batch_total",
			Help: "batch acquisitions by result",
		}, []string{"result"}),
		RollbackFailureTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "seatlock_batch_rollback_failure_total",
			Help: "batch rollbacks that failed and were left to TTL expiry",
		}, []string{"kind"}),
		HeldDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "seatlock_lock_held_seconds",
			Help:    "time a booking held its lock",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~34m
		}, []string{"outcome"}),
		LockToPaymentDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "seatlock_lock_to_payment_seconds",
			Help:    "time from hold to completed payment",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"backend"}),
		ReservationTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "seatlock_reservation_total",
			Help: "reservations by result",
		}, []string{"result"}),
		BackendLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "seatlock_backend_latency_seconds",
			Help:    "latency of lock backend calls",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
		}, []string{"backend", "op"}),
		CircuitPhase: f.NewGauge(prometheus.GaugeOpts{
			Name: "seatlock_circuit_phase",
			Help: "circuit breaker phase (0 closed, 1 half open, 2 open)",
		}),
		ModeSwitchTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "seatlock_mode_switch_total",
			Help: "circuit breaker transitions",
		}, []string{"from", "to"}),
		CompensatorDeletedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "seatlock_compensator_deleted_total",
			Help: "orphaned locks reclaimed by the compensator",
		}, []string{"store"}),
		CompensatorRunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "seatlock_compensator_runs_total",
			Help: "compensator sweeps by result",
		}, []string{"result"}),
		NotificationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "seatlock_availability_notifications_total",
			Help: "availability change notifications by result",
		}, []string{"result"}),
		HealthScore: f.NewGauge(prometheus.GaugeOpts{
			Name: "seatlock_health_score",
			Help: "derived health score from 0 to 100",
		}),
		Up: f.NewGauge(prometheus.GaugeOpts{
			Name: "seatlock_up",
			Help: "whether the service is up (always 1 when running)",
		}),
	}

	m.Up.Set(1)
	m.agg.phase = PhaseClosed
	m.HealthScore.Set(100)
	return m
}

func (m *Metrics) ObserveAcquire(backend, result string) {
	m.AcquireTotal.WithLabelValues(backend, result).Inc()

	m.mu.Lock()
	switch result {
	case ResultSuccess:
		m.agg.acquireSuccess++
	case ResultConflict:
		m.agg.conflicts++
	default:
		m.agg.acquireError++
	}
	m.mu.Unlock()

	if result == ResultConflict {
		m.ConflictTotal.WithLabelValues("single").Inc()
	}
}

func (m *Metrics) ObserveRelease(backend, result string) {
	m.ReleaseTotal.WithLabelValues(backend, result).Inc()
}

func (m *Metrics) ObserveBatch(result string) {
	m.BatchTotal.WithLabelValues(result).Inc()
	if result == ResultConflict {
		m.ConflictTotal.WithLabelValues("batch").Inc()
	}
}

func (m *Metrics) ObserveRollbackFailure(kind string) {
	m.RollbackFailureTotal.WithLabelValues(kind).Inc()
	m.mu.Lock()
	m.agg.rollbackFailure++
	m.mu.Unlock()
}

func (m *Metrics) ObserveReservation(ok bool) {
	result := ResultSuccess
	m.mu.Lock()
	if ok {
		m.agg.reserveSuccess++
	} else {
		m.agg.reserveFailure++
		result = ResultError
	}
	m.mu.Unlock()
	m.ReservationTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveHeld(outcome string, d time.Duration) {
	m.HeldDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) ObserveLockToPayment(backend string, d time.Duration) {
	m.LockToPaymentDuration.WithLabelValues(backend).Observe(d.Seconds())
}

func (m *Metrics) ObserveBackendLatency(backend, op string, d time.Duration) {
	m.BackendLatency.WithLabelValues(backend, op).Observe(d.Seconds())
	m.mu.Lock()
	m.agg.latencySum += d
	m.agg.latencyCount++
	m.mu.Unlock()
}

// SetCircuitPhase records the phase the selector moved to.
func (m *Metrics) SetCircuitPhase(from, to string, at time.Time) {
	switch to {
	case PhaseOpen:
		m.CircuitPhase.Set(2)
	case PhaseHalfOpen:
		m.CircuitPhase.Set(1)
	default:
		m.CircuitPhase.Set(0)
	}
	if from != "" && from != to {
		m.ModeSwitchTotal.WithLabelValues(from, to).Inc()
	}

	m.mu.Lock()
	if m.agg.phase != to || m.agg.phaseSince.IsZero() {
		m.agg.phaseSince = at
	}
	switch {
	case to == PhaseClosed:
		m.agg.degradedSince = time.Time{}
	case m.agg.degradedSince.IsZero():
		m.agg.degradedSince = at
	}
	m.agg.phase = to
	m.mu.Unlock()
}

func (m *Metrics) ObserveCompensatorRun(ok bool) {
	result := ResultSuccess
	if !ok {
		result = ResultError
	}
	m.CompensatorRunsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveCompensator(store string, deleted int64) {
	if deleted > 0 {
		m.CompensatorDeletedTotal.WithLabelValues(store).Add(float64(deleted))
	}
}

func (m *Metrics) ObserveNotification(result string) {
	m.NotificationsTotal.WithLabelValues(result).Inc()
}

// Reset zeroes every counter, histogram and aggregate. The circuit phase and
// the gauges that mirror live state are kept.
func (m *Metrics) Reset() {
	m.AcquireTotal.Reset()
	m.ReleaseTotal.Reset()
	m.ConflictTotal.Reset()
	m.BatchTotal.Reset()
	m.RollbackFailureTotal.Reset()
	m.HeldDuration.Reset()
	m.LockToPaymentDuration.Reset()
	m.ReservationTotal.Reset()
	m.BackendLatency.Reset()
	m.ModeSwitchTotal.Reset()
	m.CompensatorDeletedTotal.Reset()
	m.CompensatorRunsTotal.Reset()
	m.NotificationsTotal.Reset()

	m.mu.Lock()
	m.agg = aggregate{
		phase:         m.agg.phase,
		phaseSince:    m.agg.phaseSince,
		degradedSince: m.agg.degradedSince,
	}
	m.mu.Unlock()

	m.HealthScore.Set(100)
}
