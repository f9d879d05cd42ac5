package metrics

import (
	"fmt"
	"time"
)

type Snapshot struct {
	AcquireSuccess    uint64        `json:"acquire_success"`
	AcquireError      uint64        `json:"acquire_error"`
	Conflicts         uint64        `json:"conflicts"`
	ReserveSuccess    uint64        `json:"reserve_success"`
	ReserveFailure    uint64        `json:"reserve_failure"`
	RollbackFailures  uint64        `json:"rollback_failures"`
	AvgBackendLatency time.Duration `json:"avg_backend_latency"`
	CircuitPhase      string        `json:"circuit_phase"`
	CircuitPhaseSince time.Time     `json:"circuit_phase_since"`
	// set while the circuit is anywhere but closed
	DegradedSince   time.Time `json:"degraded_since,omitzero"`
	SuccessRate     float64   `json:"success_rate"`
	ReservationRate float64   `json:"reservation_rate"`
	HealthScore     int       `json:"health_score"`
}

// latency above this costs health score points
const slowBackend = 250 * time.Millisecond

func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	a := m.agg
	m.mu.Unlock()

	s := Snapshot{
		AcquireSuccess:    a.acquireSuccess,
		AcquireError:      a.acquireError,
		Conflicts:         a.conflicts,
		ReserveSuccess:    a.reserveSuccess,
		ReserveFailure:    a.reserveFailure,
		RollbackFailures:  a.rollbackFailure,
		CircuitPhase:      a.phase,
		CircuitPhaseSince: a.phaseSince,
		DegradedSince:     a.degradedSince,
		SuccessRate:       1,
		ReservationRate:   1,
	}
	if a.latencyCount > 0 {
		s.AvgBackendLatency = a.latencySum / time.Duration(a.latencyCount)
	}
	// conflicts are a normal answer, not a failure of the system
	if total := a.acquireSuccess + a.acquireError; total > 0 {
		s.SuccessRate = float64(a.acquireSuccess) / float64(total)
	}
	if total := a.reserveSuccess + a.reserveFailure; total > 0 {
		s.ReservationRate = float64(a.reserveSuccess) / float64(total)
	}
	s.HealthScore = score(s)

	m.HealthScore.Set(float64(s.HealthScore))
	return s
}

func score(s Snapshot) int {
	v := 100.0

	switch s.CircuitPhase {
	case PhaseOpen:
		v -= 30
	case PhaseHalfOpen:
		v -= 15
	}
	v -= (1 - s.SuccessRate) * 40
	v -= (1 - s.ReservationRate) * 20
	if s.AvgBackendLatency > slowBackend {
		v -= 10
	}
	if s.RollbackFailures > 0 {
		v -= 5
	}

	if v < 0 {
		v = 0
	}
	return int(v + 0.5)
}

func (m *Metrics) HealthScoreValue() int {
	return m.Snapshot().HealthScore
}

type Thresholds struct {
	// alert when the circuit has been out of closed (fallback mode) longer than
	// this, however often it moved between open and half open
	MaxFallback time.Duration
	// alert when acquisition success rate drops below this
	MinSuccessRate float64
	// alert when reservation success rate drops below this
	MinReservationRate float64
	MinHealthScore     int
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxFallback:        5 * time.Minute,
		MinSuccessRate:     0.95,
		MinReservationRate: 0.9,
		MinHealthScore:     60,
	}
}

type Alert struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// Evaluate checks the alert predicates against the current snapshot.
func (m *Metrics) Evaluate(now time.Time, th Thresholds) []Alert {
	s := m.Snapshot()

	var alerts []Alert
	if s.CircuitPhase != PhaseClosed && th.MaxFallback > 0 && !s.DegradedSince.IsZero() {
		if d := now.Sub(s.DegradedSince); d > th.MaxFallback {
			alerts = append(alerts, Alert{
				Name:    "fallback_mode_prolonged",
				Message: fmt.Sprintf("serving from fallback backend for %s", d.Round(time.Second)),
			})
		}
	}
	if s.SuccessRate < th.MinSuccessRate {
		alerts = append(alerts, Alert{
			Name:    "acquire_success_rate_low",
			Message: fmt.Sprintf("acquire success rate %.2f below %.2f", s.SuccessRate, th.MinSuccessRate),
		})
	}
	if s.ReservationRate < th.MinReservationRate {
		alerts = append(alerts, Alert{
			Name:    "reservation_success_rate_low",
			Message: fmt.Sprintf("reservation success rate %.2f below %.2f", s.ReservationRate, th.MinReservationRate),
		})
	}
	if s.HealthScore < th.MinHealthScore {
		alerts = append(alerts, Alert{
			Name:    "health_score_low",
			Message: fmt.Sprintf("health score %d below %d", s.HealthScore, th.MinHealthScore),
		})
	}
	return alerts
}
