// Package session holds the per-call state that must survive between
// webhook invocations but not between days: the slots a caller has already
// declined, and the short-lived booking locks that serialize writes for the
// same (practitioner, start) slot across concurrent calls.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/covehealth/voicebook-platform/internal/catalog"
)

const (
	// rejectedTTL outlives any plausible single call so a caller who hangs
	// up and rings back within the window is not re-offered declined slots.
	rejectedTTL = 30 * time.Minute

	// lockTTL covers the worst-case PMS booking round trip. Locks are never
	// renewed; expiry is the failure recovery path.
	lockTTL = 2 * time.Minute
)

// ErrLockHeld is returned when another session holds the booking lock for
// the requested slot.
var ErrLockHeld = errors.New("session: booking lock held by another session")

// releaseScript deletes a lock only when the caller still owns it, so a
// session that outlived its lock cannot release a successor's.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Store keeps session state in Redis.
type Store struct {
	redis  *redis.Client
	tracer trace.Tracer
}

// NewStore creates the session store.
func NewStore(rdb *redis.Client, tracer trace.Tracer) *Store {
	if rdb == nil {
		panic("session: redis client cannot be nil")
	}
	if tracer == nil {
		tracer = otel.Tracer("voicebook.internal.session")
	}
	return &Store{redis: rdb, tracer: tracer}
}

func rejectedKey(sessionID string) string {
	return fmt.Sprintf("rejected_slots:%s", sessionID)
}

func lockKey(practitionerID catalog.PractitionerID, start time.Time) string {
	return fmt.Sprintf("booking_lock:%s:%s", practitionerID, start.UTC().Format(time.RFC3339))
}

// RejectSlots records slots the caller declined, refreshing the window.
// Keys are built with catalog.SlotKey.
func (s *Store) RejectSlots(ctx context.Context, sessionID string, slotKeys ...string) error {
	if len(slotKeys) == 0 {
		return nil
	}
	ctx, span := s.tracer.Start(ctx, "session.reject_slots")
	defer span.End()

	members := make([]interface{}, len(slotKeys))
	for i, k := range slotKeys {
		members[i] = k
	}
	if err := s.redis.SAdd(ctx, rejectedKey(sessionID), members...).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("session: failed to record rejected slots: %w", err)
	}
	if err := s.redis.Expire(ctx, rejectedKey(sessionID), rejectedTTL).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("session: failed to set rejected slots expiry: %w", err)
	}
	return nil
}

// RejectedSlots returns every slot key the session has declined.
func (s *Store) RejectedSlots(ctx context.Context, sessionID string) (map[string]struct{}, error) {
	ctx, span := s.tracer.Start(ctx, "session.rejected_slots")
	defer span.End()

	members, err := s.redis.SMembers(ctx, rejectedKey(sessionID)).Result()
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("session: failed to load rejected slots: %w", err)
	}
	out := make(map[string]struct{}, len(members))
	for _, m := range members {
		out[m] = struct{}{}
	}
	return out, nil
}

// ClearRejectedSlots forgets the session's declined slots, called after a
// successful booking or when the caller changes search criteria.
func (s *Store) ClearRejectedSlots(ctx context.Context, sessionID string) error {
	ctx, span := s.tracer.Start(ctx, "session.clear_rejected_slots")
	defer span.End()

	if err := s.redis.Del(ctx, rejectedKey(sessionID)).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("session: failed to clear rejected slots: %w", err)
	}
	return nil
}

// AcquireLock takes the booking lock for a (practitioner, start) slot on
// behalf of a session. Re-acquiring a lock the same session already holds
// succeeds. Returns ErrLockHeld when another session owns it.
func (s *Store) AcquireLock(ctx context.Context, practitionerID catalog.PractitionerID, start time.Time, sessionID string) error {
	ctx, span := s.tracer.Start(ctx, "session.acquire_lock")
	defer span.End()

	key := lockKey(practitionerID, start)
	ok, err := s.redis.SetNX(ctx, key, sessionID, lockTTL).Result()
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("session: failed to acquire booking lock: %w", err)
	}
	if ok {
		return nil
	}

	holder, err := s.redis.Get(ctx, key).Result()
	if err != nil && err != redis.Nil {
		span.RecordError(err)
		return fmt.Errorf("session: failed to inspect booking lock: %w", err)
	}
	if holder == sessionID {
		return nil
	}
	return ErrLockHeld
}

// ReleaseLock releases the booking lock if this session still holds it.
// Releasing a lock that expired or was never held is not an error.
func (s *Store) ReleaseLock(ctx context.Context, practitionerID catalog.PractitionerID, start time.Time, sessionID string) error {
	ctx, span := s.tracer.Start(ctx, "session.release_lock")
	defer span.End()

	if err := releaseScript.Run(ctx, s.redis, []string{lockKey(practitionerID, start)}, sessionID).Err(); err != nil && err != redis.Nil {
		span.RecordError(err)
		return fmt.Errorf("session: failed to release booking lock: %w", err)
	}
	return nil
}
