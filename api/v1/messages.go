package seatlockv1

import "time"

type Empty struct{}

// Booking is the wire form of a booking context. Clients hold it between
// calls and send it back unchanged.
type Booking struct {
	ResourceID     string    `json:"resource_id"`
	VenueID        string    `json:"venue_id,omitempty"`
	UserID         string    `json:"user_id"`
	SessionID      string    `json:"session_id,omitempty"`
	State          string    `json:"state"`
	Version        uint64    `json:"version,omitempty"`
	Backend        string    `json:"backend,omitempty"`
	LockAcquiredAt time.Time `json:"lock_acquired_at,omitzero"`
	LockExpiresAt  time.Time `json:"lock_expires_at,omitzero"`
	ReservedAt     time.Time `json:"reserved_at,omitzero"`
	PaymentRef     string    `json:"payment_ref,omitempty"`
	UpdatedAt      time.Time `json:"updated_at,omitzero"`
}

type SelectRequest struct {
	ResourceID string `json:"resource_id"`
	UserID     string `json:"user_id"`
	SessionID  string `json:"session_id,omitempty"`
}

type BookingRequest struct {
	Booking Booking `json:"booking"`
}

type ReserveRequest struct {
	Booking    Booking `json:"booking"`
	PaymentRef string  `json:"payment_ref"`
}

type BookingResponse struct {
	Booking Booking `json:"booking"`
}

type CanSelectRequest struct {
	ResourceID string `json:"resource_id"`
	UserID     string `json:"user_id"`
	SessionID  string `json:"session_id,omitempty"`
}

type CanSelectResponse struct {
	CanSelect    bool   `json:"can_select"`
	Reason       string `json:"reason,omitempty"`
	CurrentOwner string `json:"current_owner,omitempty"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
}

type StatusRequest struct {
	ResourceID string `json:"resource_id"`
}

type StatusResponse struct {
	ResourceID     string    `json:"resource_id"`
	Locked         bool      `json:"locked"`
	Owner          string    `json:"owner,omitempty"`
	Version        uint64    `json:"version,omitempty"`
	ExpiresAt      time.Time `json:"expires_at,omitzero"`
	RemainingTTLMs int64     `json:"remaining_ttl_ms,omitempty"`
	Backend        string    `json:"backend,omitempty"`
}

type Lock struct {
	ResourceID string    `json:"resource_id"`
	Version    uint64    `json:"version"`
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Backend    string    `json:"backend"`
}

type AcquireBatchRequest struct {
	ResourceIDs []string `json:"resource_ids"`
	Owner       string   `json:"owner"`
	TTLMs       int64    `json:"ttl_ms"`
}

type AcquireBatchResponse struct {
	Locks []Lock `json:"locks"`
}

type ReleaseBatchRequest struct {
	ResourceIDs []string `json:"resource_ids"`
	Owner       string   `json:"owner"`
}

type ForceReleaseRequest struct {
	ResourceID string `json:"resource_id"`
	AdminToken string `json:"admin_token"`
}

type ForceReleaseResponse struct {
	Existed bool `json:"existed"`
}

type AdminRequest struct {
	AdminToken string `json:"admin_token"`
}

type AdminBookingRequest struct {
	AdminToken string  `json:"admin_token"`
	Booking    Booking `json:"booking"`
}

type SweepResponse struct {
	Scanned        int   `json:"scanned"`
	Deleted        int   `json:"deleted"`
	FallbackPurged int64 `json:"fallback_purged"`
	FallbackHeld   int64 `json:"fallback_held"`
	DurationMs     int64 `json:"duration_ms"`
}

type CircuitResponse struct {
	Backend             string    `json:"backend"`
	Phase               string    `json:"phase"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenedAt            time.Time `json:"opened_at,omitzero"`
	Reason              string    `json:"reason,omitempty"`
	UpdatedAt           time.Time `json:"updated_at,omitzero"`
	HealthScore         int       `json:"health_score"`
}
