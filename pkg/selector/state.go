package selector

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pixperk/seatlock/pkg/metrics"
	"github.com/pixperk/seatlock/pkg/storage"
)

type Phase string

const (
	Closed   Phase = metrics.PhaseClosed
	HalfOpen Phase = metrics.PhaseHalfOpen
	Open     Phase = metrics.PhaseOpen
)

// State is the persisted circuit blob. Every coordinator instance reads it
// at least once per probe interval.
type State struct {
	Phase               Phase     `json:"phase"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	SlowProbes          int       `json:"slow_probes"`
	TrialSuccesses      int       `json:"trial_successes"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
	LastFailureAt       time.Time `json:"last_failure_at,omitempty"`
	LastSuccessAt       time.Time `json:"last_success_at,omitempty"`
	Reason              string    `json:"reason,omitempty"`
	UpdatedAt           time.Time `json:"updated_at"`

	// row revision this state was read at or written as; kept in its own column
	Revision int64 `json:"-"`
}

// StateStore keeps one named circuit row in circuit_state.
type StateStore struct {
	db   *storage.DB
	name string
}

func NewStateStore(db *storage.DB, name string) *StateStore {
	if name == "" {
		name = "primary"
	}
	return &StateStore{db: db, name: name}
}

// Load returns false when no state has been saved yet.
func (s *StateStore) Load(ctx context.Context) (State, bool, error) {
	var (
		raw string
		rev int64
	)
	err := s.db.QueryRowContext(ctx,
		s.db.Rebind(`SELECT state, revision FROM circuit_state WHERE name = ?`), s.name).Scan(&raw, &rev)
	if errors.Is(err, sql.ErrNoRows) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, fmt.Errorf("load circuit state: %w", err)
	}

	var st State
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return State{}, false, fmt.Errorf("decode circuit state: %w", err)
	}
	st.Revision = rev
	return st, true, nil
}

// Save writes st as revision st.Revision+1, but only while the stored row is
// still at st.Revision. It returns false when another writer got there first.
func (s *StateStore) Save(ctx context.Context, st State) (bool, error) {
	raw, err := json.Marshal(st)
	if err != nil {
		return false, fmt.Errorf("encode circuit state: %w", err)
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
INSERT INTO circuit_state (name, state, revision, updated_at_ms) VALUES (?, ?, ?, ?)
ON CONFLICT (name) DO UPDATE SET
  state = excluded.state, revision = excluded.revision, updated_at_ms = excluded.updated_at_ms
WHERE circuit_state.revision = ?`),
		s.name, string(raw), st.Revision+1, storage.ToMillis(st.UpdatedAt), st.Revision)
	if err != nil {
		return false, fmt.Errorf("save circuit state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("save circuit state: %w", err)
	}
	return n == 1, nil
}
