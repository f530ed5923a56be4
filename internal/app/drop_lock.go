/**
 * @description
 * This file implements the short-lived exclusive lock taken around a drop
 * while a single claim attempt is evaluated. Acquiring the lock is an
 * atomic check-and-set keyed by drop ID; the lock auto-releases after its
 * TTL so a crashed holder cannot leave the drop stuck mid-race.
 *
 * Each acquisition is stamped with a unique lease ID, and release is a
 * compare-and-delete on that lease ID. A holder whose lease already
 * expired (and was possibly re-acquired by someone else) therefore cannot
 * release the new holder's lock.
 *
 * @dependencies
 * - github.com/google/uuid: Lease ID generation.
 * - github.com/redis/go-redis/v9: SET NX PX and the release script.
 */

package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// LockLease identifies one successful lock acquisition.
type LockLease struct {
	DropID     uuid.UUID
	ClaimantID uuid.UUID
	LeaseID    string
	AcquiredAt time.Time
	TTL        time.Duration
}

// DropLocker serializes claim evaluation per drop. Acquire returns
// (nil, false, nil) when another claimant currently holds the lock; an
// error means the lock store could not be reached and the caller must
// fail the attempt closed.
type DropLocker interface {
	Acquire(ctx context.Context, dropID, claimantID uuid.UUID) (*LockLease, bool, error)
	Release(ctx context.Context, lease *LockLease) error
}

// releaseScript deletes the lock key only when it still holds our lease ID.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisDropLocker is the Redis-backed locker used across service instances.
type RedisDropLocker struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewRedisDropLocker creates a locker whose leases expire after ttl.
func NewRedisDropLocker(client *redis.Client, keyPrefix string, ttl time.Duration) *RedisDropLocker {
	return &RedisDropLocker{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

func (l *RedisDropLocker) key(dropID uuid.UUID) string {
	return fmt.Sprintf("%s:lock:drop:%s", l.keyPrefix, dropID)
}

// Acquire attempts the atomic check-and-set for the drop's lock.
func (l *RedisDropLocker) Acquire(ctx context.Context, dropID, claimantID uuid.UUID) (*LockLease, bool, error) {
	lease := &LockLease{
		DropID:     dropID,
		ClaimantID: claimantID,
		LeaseID:    uuid.NewString(),
		AcquiredAt: time.Now(),
		TTL:        l.ttl,
	}
	ok, err := l.client.SetNX(ctx, l.key(dropID), lease.LeaseID, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("drop lock acquire failed: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	return lease, true, nil
}

// Release deletes the lock if the lease is still the current holder. An
// already-expired lease is not an error.
func (l *RedisDropLocker) Release(ctx context.Context, lease *LockLease) error {
	if lease == nil {
		return nil
	}
	if err := releaseScript.Run(ctx, l.client, []string{l.key(lease.DropID)}, lease.LeaseID).Err(); err != nil {
		return fmt.Errorf("drop lock release failed: %w", err)
	}
	return nil
}

// MemoryDropLocker is a process-local locker with the same lease semantics
// as the Redis implementation, for single-instance deployments and tests.
type MemoryDropLocker struct {
	mu    sync.Mutex
	ttl   time.Duration
	locks map[uuid.UUID]memoryLock
	now   func() time.Time
}

type memoryLock struct {
	leaseID   string
	expiresAt time.Time
}

// NewMemoryDropLocker creates an in-process locker.
func NewMemoryDropLocker(ttl time.Duration) *MemoryDropLocker {
	return &MemoryDropLocker{
		ttl:   ttl,
		locks: make(map[uuid.UUID]memoryLock),
		now:   time.Now,
	}
}

// Acquire takes the drop's lock if it is free or its current lease expired.
func (l *MemoryDropLocker) Acquire(_ context.Context, dropID, claimantID uuid.UUID) (*LockLease, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if held, ok := l.locks[dropID]; ok && now.Before(held.expiresAt) {
		return nil, false, nil
	}

	lease := &LockLease{
		DropID:     dropID,
		ClaimantID: claimantID,
		LeaseID:    uuid.NewString(),
		AcquiredAt: now,
		TTL:        l.ttl,
	}
	l.locks[dropID] = memoryLock{leaseID: lease.LeaseID, expiresAt: now.Add(l.ttl)}
	return lease, true, nil
}

// Release frees the lock if the lease still holds it.
func (l *MemoryDropLocker) Release(_ context.Context, lease *LockLease) error {
	if lease == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if held, ok := l.locks[lease.DropID]; ok && held.leaseID == lease.LeaseID {
		delete(l.locks, lease.DropID)
	}
	return nil
}
