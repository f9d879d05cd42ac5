package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/xid"
)

// which store is serving lock traffic
type BackendKind string

const (
	BackendPrimary  BackendKind = "primary"
	BackendFallback BackendKind = "fallback"
)

// LockValue is what a backend stores for a held resource.
// Encoded as "<version>:<nonce>:<owner>". The owner goes last so an owner
// token may itself contain ':'. The nonce is unique per acquisition so a
// compare-and-delete can never match a later grant to the same owner.
type LockValue struct {
	Version uint64
	Nonce   string
	Owner   string
}

// builds a value with a fresh nonce
func NewLockValue(version uint64, owner string) LockValue {
	return LockValue{
		Version: version,
		Nonce:   xid.New().String(),
		Owner:   owner,
	}
}

func (v LockValue) String() string {
	return strconv.FormatUint(v.Version, 10) + ":" + v.Nonce + ":" + v.Owner
}

func (v LockValue) Validate() error {
	if v.Version == 0 {
		return fmt.Errorf("%w: zero version", ErrInvalidValue)
	}
	if v.Nonce == "" || strings.Contains(v.Nonce, ":") {
		return fmt.Errorf("%w: bad nonce %q", ErrInvalidValue, v.Nonce)
	}
	if v.Owner == "" {
		return fmt.Errorf("%w: empty owner", ErrInvalidValue)
	}
	return nil
}

// parses the encoded form produced by String
func ParseLockValue(s string) (LockValue, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return LockValue{}, fmt.Errorf("%w: %q", ErrInvalidValue, s)
	}

	version, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return LockValue{}, fmt.Errorf("%w: version %q", ErrInvalidValue, parts[0])
	}

	v := LockValue{Version: version, Nonce: parts[1], Owner: parts[2]}
	if err := v.Validate(); err != nil {
		return LockValue{}, err
	}
	return v, nil
}

// a granted claim on one resource
// expiresAt - acquiredAt is always the requested TTL
type Lock struct {
	ResourceID string
	Version    uint64 // fencing token
	Owner      string
	Nonce      string
	AcquiredAt time.Time
	ExpiresAt  time.Time
	Backend    BackendKind
}

// an entry at or past its expiry is logically absent
func (l *Lock) IsExpired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

func (l *Lock) Value() LockValue {
	return LockValue{Version: l.Version, Nonce: l.Nonce, Owner: l.Owner}
}

type AcquireRequest struct {
	ResourceID string
	Owner      string
	TTL        time.Duration
}

func (r AcquireRequest) Validate() error {
	if r.ResourceID == "" || r.Owner == "" {
		return fmt.Errorf("%w: resource id and owner are required", ErrInvalidRequest)
	}
	if r.TTL <= 0 {
		return ErrInvalidTTL
	}
	return nil
}

// returned by a successful acquire or extend
type LockResult struct {
	Lock    Lock
	Backend BackendKind
}

// point-in-time view of a resource
type LockStatus struct {
	ResourceID   string
	Locked       bool
	Owner        string
	Version      uint64
	ExpiresAt    time.Time
	RemainingTTL time.Duration
	Backend      BackendKind
}
