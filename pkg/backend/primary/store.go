// Package primary is the low-latency lock backend: one redis key per
// resource, set-if-absent with a millisecond TTL, owner-checked deletes in
// server-side scripts.
package primary

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pixperk/seatlock/pkg/types"
	"github.com/redis/go-redis/v9"
)

const DefaultPrefix = "seatlock:lock:"

// Store is the raw key/value surface. It knows nothing about versions or
// circuit state.
type Store struct {
	client redis.UniversalClient
	prefix string
}

func NewStore(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) Client() redis.UniversalClient { return s.client }

func (s *Store) Prefix() string { return s.prefix }

func (s *Store) Key(resourceID string) string { return s.prefix + resourceID }

func (s *Store) ResourceID(key string) string { return strings.TrimPrefix(key, s.prefix) }

// conditional set; false means someone else holds the key
func (s *Store) TrySet(ctx context.Context, key string, value types.LockValue, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, types.ErrInvalidTTL
	}
	if err := value.Validate(); err != nil {
		return false, err
	}

	ok, err := s.client.SetNX(ctx, key, value.String(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("set %s: %w", key, err)
	}
	return ok, nil
}

// deletes key only when it still holds exactly expected
func (s *Store) CompareAndDelete(ctx context.Context, key string, expected types.LockValue) (bool, error) {
	n, err := compareAndDeleteScript.Run(ctx, s.client, []string{key}, expected.String()).Int64()
	if err != nil {
		return false, fmt.Errorf("compare-and-delete %s: %w", key, err)
	}
	return n == 1, nil
}

// returns nil when the key is absent
func (s *Store) Get(ctx context.Context, key string) (*types.LockValue, error) {
	raw, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}

	v, err := types.ParseLockValue(raw)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// Holders returns the current value of every id that has a key. A key whose
// value does not parse still counts as held.
func (s *Store) Holders(ctx context.Context, resourceIDs []string) (map[string]types.LockValue, error) {
	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(resourceIDs))
	for i, id := range resourceIDs {
		cmds[i] = pipe.Get(ctx, s.Key(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get holders: %w", err)
	}

	held := make(map[string]types.LockValue)
	for i, cmd := range cmds {
		raw, err := cmd.Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get %s: %w", s.Key(resourceIDs[i]), err)
		}
		v, _ := types.ParseLockValue(raw)
		held[resourceIDs[i]] = v
	}
	return held, nil
}

// value and remaining TTL read in one round trip
func (s *Store) GetWithTTL(ctx context.Context, key string) (*types.LockValue, time.Duration, error) {
	pipe := s.client.Pipeline()
	getCmd := pipe.Get(ctx, key)
	ttlCmd := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, 0, fmt.Errorf("get %s: %w", key, err)
	}

	raw, err := getCmd.Result()
	if errors.Is(err, redis.Nil) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("get %s: %w", key, err)
	}

	v, err := types.ParseLockValue(raw)
	if err != nil {
		return nil, 0, err
	}

	ttl, err := ttlCmd.Result()
	if err != nil {
		return nil, 0, fmt.Errorf("pttl %s: %w", key, err)
	}
	return &v, ttl, nil
}

type ownedOutcome int

const (
	outcomeOtherOwner ownedOutcome = -1
	outcomeAbsent     ownedOutcome = 0
	outcomeDone       ownedOutcome = 1
)

func (s *Store) releaseOwned(ctx context.Context, key, owner string) (ownedOutcome, error) {
	n, err := releaseOwnedScript.Run(ctx, s.client, []string{key}, owner).Int64()
	if err != nil {
		return 0, fmt.Errorf("release %s: %w", key, err)
	}
	return ownedOutcome(n), nil
}

func (s *Store) extendOwned(ctx context.Context, key, owner string, ttl time.Duration) (ownedOutcome, error) {
	n, err := extendOwnedScript.Run(ctx, s.client, []string{key}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("extend %s: %w", key, err)
	}
	return ownedOutcome(n), nil
}

// one key of a pipelined batch set
type Entry struct {
	Key   string
	Value types.LockValue
	TTL   time.Duration
}

type SetOutcome int

const (
	// the key is ours
	SetApplied SetOutcome = iota
	// another owner already holds the key
	SetHeld
	// transport failed; the key may or may not have been written
	SetUnknown
)

// TrySetMany pipelines one set-if-absent per entry. The returned slice lines
// up with entries; err is set when any command failed in transport.
func (s *Store) TrySetMany(ctx context.Context, entries []Entry) ([]SetOutcome, error) {
	pipe := s.client.Pipeline()
	cmds := make([]*redis.BoolCmd, len(entries))
	for i, e := range entries {
		if e.TTL <= 0 {
			return nil, types.ErrInvalidTTL
		}
		cmds[i] = pipe.SetNX(ctx, e.Key, e.Value.String(), e.TTL)
	}

	_, execErr := pipe.Exec(ctx)

	outcomes := make([]SetOutcome, len(entries))
	var firstErr error
	for i, cmd := range cmds {
		ok, err := cmd.Result()
		switch {
		case err != nil:
			outcomes[i] = SetUnknown
			if firstErr == nil {
				firstErr = err
			}
		case ok:
			outcomes[i] = SetApplied
		default:
			outcomes[i] = SetHeld
		}
	}
	if firstErr == nil && execErr != nil {
		firstErr = execErr
	}
	if firstErr != nil {
		return outcomes, fmt.Errorf("pipelined set: %w", firstErr)
	}
	return outcomes, nil
}

// CompareAndDeleteMany undoes keys set by this caller in one script.
// keys and values must pair up; a mismatch is a defect and nothing is deleted.
func (s *Store) CompareAndDeleteMany(ctx context.Context, keys, values []string) (int, error) {
	if len(keys) != len(values) {
		return 0, fmt.Errorf("%w: %d keys, %d values", types.ErrRollbackMismatch, len(keys), len(values))
	}
	if len(keys) == 0 {
		return 0, nil
	}

	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}

	n, err := rollbackScript.Run(ctx, s.client, keys, args...).Int64()
	if err != nil {
		if strings.Contains(err.Error(), "ROLLBACK_MISMATCH") {
			return 0, fmt.Errorf("%w: %v", types.ErrRollbackMismatch, err)
		}
		return 0, fmt.Errorf("rollback: %w", err)
	}
	return int(n), nil
}

// unconditional delete for administrative release
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Del(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("del %s: %w", key, err)
	}
	return n > 0, nil
}

// one page of keys under the lock prefix
func (s *Store) ScanPage(ctx context.Context, cursor uint64, count int64) ([]string, uint64, error) {
	keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", count).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("scan: %w", err)
	}
	return keys, next, nil
}

// remaining TTL per key; -1 no expiry, -2 missing (redis semantics)
func (s *Store) TTLs(ctx context.Context, keys []string) ([]time.Duration, error) {
	pipe := s.client.Pipeline()
	cmds := make([]*redis.DurationCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.PTTL(ctx, k)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("pttl: %w", err)
	}

	out := make([]time.Duration, len(keys))
	for i, cmd := range cmds {
		out[i] = cmd.Val()
	}
	return out, nil
}

// deletes key if its TTL is spent or missing, re-checked atomically
func (s *Store) DeleteIfLapsed(ctx context.Context, key string) (bool, error) {
	n, err := deleteIfLapsedScript.Run(ctx, s.client, []string{key}).Int64()
	if err != nil {
		return false, fmt.Errorf("delete lapsed %s: %w", key, err)
	}
	return n == 1, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
