package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/stagee/engine/pkg/types"
)

// AcquireLock claims the per-asset exclusive lock for ownerTag. A live
// lock held by someone else returns ErrBusy; re-acquiring your own lock
// refreshes it; an expired lock is overwritten. At most one live row per
// (tenant, asset) ever exists because the key is the pair itself.
func (s *BoltStore) AcquireLock(tenantID, assetID, ownerTag string, ttl time.Duration) (*types.AssetLock, error) {
	var lock *types.AssetLock
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		key := lockKey(tenantID, assetID)
		now := time.Now()

		if data := b.Get(key); data != nil {
			var existing types.AssetLock
			if err := json.Unmarshal(data, &existing); err != nil {
				return fmt.Errorf("failed to decode lock %s: %w", key, err)
			}
			if existing.Live(now) && existing.OwnerTag != ownerTag {
				return fmt.Errorf("asset %s/%s held by %s: %w", tenantID, assetID, existing.OwnerTag, ErrBusy)
			}
		}

		lock = &types.AssetLock{
			ID:              uuid.New().String(),
			TenantID:        tenantID,
			AssetID:         assetID,
			OwnerTag:        ownerTag,
			TTL:             ttl,
			AcquiredAt:      now,
			ExpiresAt:       now.Add(ttl),
			LastHeartbeatAt: now,
		}
		data, err := json.Marshal(lock)
		if err != nil {
			return fmt.Errorf("failed to encode lock: %w", err)
		}
		return b.Put(key, data)
	})
	if err != nil {
		return nil, err
	}
	return lock, nil
}

// HeartbeatLock refreshes expires_at for a lock the caller still owns.
// A missing, foreign, or expired lock is ErrStale; the caller must stop
// relying on its exclusivity.
func (s *BoltStore) HeartbeatLock(tenantID, assetID, ownerTag string) (*types.AssetLock, error) {
	var lock types.AssetLock
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		key := lockKey(tenantID, assetID)
		data := b.Get(key)
		if data == nil {
			return fmt.Errorf("lock %s/%s: %w", tenantID, assetID, ErrStale)
		}
		if err := json.Unmarshal(data, &lock); err != nil {
			return fmt.Errorf("failed to decode lock: %w", err)
		}
		now := time.Now()
		if lock.OwnerTag != ownerTag || !lock.Live(now) {
			return fmt.Errorf("lock %s/%s: %w", tenantID, assetID, ErrStale)
		}
		lock.ExpiresAt = now.Add(lock.TTL)
		lock.LastHeartbeatAt = now
		data, err := json.Marshal(&lock)
		if err != nil {
			return fmt.Errorf("failed to encode lock: %w", err)
		}
		return b.Put(key, data)
	})
	if err != nil {
		return nil, err
	}
	return &lock, nil
}

// ReleaseLock drops the caller's lock. Releasing a lock you no longer own
// (expired and re-acquired, or reaped) returns ErrStale, which release
// paths treat as non-fatal.
func (s *BoltStore) ReleaseLock(tenantID, assetID, ownerTag string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		key := lockKey(tenantID, assetID)
		data := b.Get(key)
		if data == nil {
			return fmt.Errorf("lock %s/%s: %w", tenantID, assetID, ErrStale)
		}
		var lock types.AssetLock
		if err := json.Unmarshal(data, &lock); err != nil {
			return fmt.Errorf("failed to decode lock: %w", err)
		}
		if lock.OwnerTag != ownerTag {
			return fmt.Errorf("lock %s/%s owned by %s: %w", tenantID, assetID, lock.OwnerTag, ErrStale)
		}
		return b.Delete(key)
	})
}

func (s *BoltStore) ListLocks() ([]*types.AssetLock, error) {
	var locks []*types.AssetLock
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLocks).ForEach(func(k, v []byte) error {
			var lock types.AssetLock
			if err := json.Unmarshal(v, &lock); err != nil {
				return err
			}
			locks = append(locks, &lock)
			return nil
		})
	})
	return locks, err
}

// ForceReleaseLock deletes a lock by its ID regardless of liveness and
// records an AUDIT event on the owning execution. Operator override for a
// wedged worker; the worker's next heartbeat on the lock fails ErrStale.
func (s *BoltStore) ForceReleaseLock(lockID, actorID string) (*types.AssetLock, error) {
	var released *types.AssetLock
	var staged []*types.Event
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		var key []byte
		err := b.ForEach(func(k, v []byte) error {
			var lock types.AssetLock
			if err := json.Unmarshal(v, &lock); err != nil {
				return err
			}
			if lock.ID == lockID {
				released = &lock
				key = append([]byte(nil), k...)
			}
			return nil
		})
		if err != nil {
			return err
		}
		if released == nil {
			return fmt.Errorf("lock %s: %w", lockID, ErrNotFound)
		}
		if err := b.Delete(key); err != nil {
			return err
		}

		execID := ExecutionFromOwnerTag(released.OwnerTag)
		if execID == "" {
			return nil
		}
		exec, err := s.getExecutionTx(tx, execID)
		if err != nil {
			return nil // owner execution pruned; nothing to audit against
		}
		ev := &types.Event{
			Kind:    types.EventAudit,
			ActorID: actorID,
			Reason:  "asset lock force released",
			Payload: map[string]string{
				"lock_id":   released.ID,
				"asset_id":  released.AssetID,
				"owner_tag": released.OwnerTag,
			},
		}
		if err := s.appendEventTx(tx, exec, ev); err != nil {
			return err
		}
		if err := s.putExecutionTx(tx, exec); err != nil {
			return err
		}
		staged = append(staged, ev)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(staged...)
	return released, nil
}

// ReapExpiredLocks deletes every lock that is no longer live and records
// an audit event on the owning execution. It never touches a live lock,
// however suspicious the owner looks: the lease is the source of truth.
func (s *BoltStore) ReapExpiredLocks(now time.Time) ([]*types.AssetLock, error) {
	var reaped []*types.AssetLock
	var staged []*types.Event
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		var doomed []*types.AssetLock
		err := b.ForEach(func(k, v []byte) error {
			var lock types.AssetLock
			if err := json.Unmarshal(v, &lock); err != nil {
				return err
			}
			if !lock.Live(now) {
				doomed = append(doomed, &lock)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, lock := range doomed {
			if err := b.Delete(lockKey(lock.TenantID, lock.AssetID)); err != nil {
				return err
			}
			reaped = append(reaped, lock)

			execID := ExecutionFromOwnerTag(lock.OwnerTag)
			if execID == "" {
				continue
			}
			exec, err := s.getExecutionTx(tx, execID)
			if err != nil {
				continue // owner execution pruned; nothing to audit against
			}
			ev := &types.Event{
				Kind:   types.EventAudit,
				Reason: "stale asset lock reaped",
				Payload: map[string]string{
					"asset_id":   lock.AssetID,
					"owner_tag":  lock.OwnerTag,
					"expired_at": lock.ExpiresAt.Format(time.RFC3339),
				},
			}
			if err := s.appendEventTx(tx, exec, ev); err != nil {
				return err
			}
			if err := s.putExecutionTx(tx, exec); err != nil {
				return err
			}
			staged = append(staged, ev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(staged...)
	return reaped, nil
}

// OwnerTag builds the canonical lock owner identity: the execution that
// needs the asset and the worker acting for it.
func OwnerTag(executionID, workerID string) string {
	return executionID + ":" + workerID
}

// ExecutionFromOwnerTag extracts the execution ID from an owner tag.
func ExecutionFromOwnerTag(tag string) string {
	id, _, ok := strings.Cut(tag, ":")
	if !ok {
		return ""
	}
	return id
}
