package sync

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/gestorhub/erp-sync/internal/config"
	apperrors "github.com/gestorhub/erp-sync/internal/errors"
	"github.com/gestorhub/erp-sync/internal/models"
)

const lockKey = "erp:sync:lock"

// LockManager grants mutual exclusion for "one sync job running at a time".
// When a Redis client is available the lock lives in Redis under a single
// key with a TTL, so a crashed holder self-expires and a second process
// cannot start concurrently. Without Redis it degrades to a process-local
// map guarded by a mutex, with a background sweep standing in for the TTL.
type LockManager struct {
	redis   *redis.Client
	timeout time.Duration
	logger  *logrus.Logger

	mu    sync.Mutex
	locks map[string]*models.SyncLock

	sweepInterval time.Duration
	stopCh        chan struct{}
	stopOnce      sync.Once
}

// NewLockManager creates a lock manager. redisClient may be nil, in which
// case only the in-memory fallback is used.
func NewLockManager(redisClient *redis.Client, cfg *config.SyncConfig, logger *logrus.Logger) *LockManager {
	sweepInterval := cfg.LockSweepInterval
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}

	m := &LockManager{
		redis:         redisClient,
		timeout:       cfg.LockTimeout,
		logger:        logger,
		locks:         make(map[string]*models.SyncLock),
		sweepInterval: sweepInterval,
		stopCh:        make(chan struct{}),
	}

	go m.sweepLoop()

	return m
}

// Acquire attempts to take the global sync lock. On success it returns the
// lock id the caller must later release. On denial it returns a
// SyncInProgressError naming the current holder.
func (m *LockManager) Acquire(ctx context.Context, holder models.Holder, jobType string) (string, error) {
	lock := &models.SyncLock{
		ID:          uuid.New().String(),
		HolderID:    holder.UserID,
		HolderEmail: holder.Email,
		JobType:     jobType,
		Status:      models.LockStatusRunning,
		StartedAt:   time.Now().UTC(),
	}

	if m.redis != nil {
		lockID, err := m.acquireRedis(ctx, lock)
		if err == nil || apperrors.IsConflict(err) {
			return lockID, err
		}
		m.logger.WithError(err).Warn("Redis lock acquisition failed, falling back to in-memory lock")
	}

	return m.acquireMemory(lock)
}

func (m *LockManager) acquireRedis(ctx context.Context, lock *models.SyncLock) (string, error) {
	payload, err := json.Marshal(lock)
	if err != nil {
		return "", err
	}

	ok, err := m.redis.SetNX(ctx, lockKey, payload, m.timeout).Result()
	if err != nil {
		return "", err
	}
	if ok {
		m.logger.WithFields(logrus.Fields{
			"lock_id":  lock.ID,
			"job_type": lock.JobType,
			"holder":   lock.HolderEmail,
		}).Info("Acquired sync lock")
		return lock.ID, nil
	}

	current, err := m.currentRedis(ctx)
	if err != nil || current == nil {
		// Holder expired between SetNX and GET; report a generic conflict.
		return "", apperrors.NewSyncInProgressError("unknown", "unknown", time.Now().UTC())
	}
	return "", apperrors.NewSyncInProgressError(current.HolderEmail, current.JobType, current.StartedAt)
}

func (m *LockManager) acquireMemory(lock *models.SyncLock) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Re-check emptiness under the mutex to close the check-then-set race.
	for _, existing := range m.locks {
		if existing.Status == models.LockStatusRunning {
			return "", apperrors.NewSyncInProgressError(existing.HolderEmail, existing.JobType, existing.StartedAt)
		}
	}

	m.locks[lock.ID] = lock
	m.logger.WithFields(logrus.Fields{
		"lock_id":  lock.ID,
		"job_type": lock.JobType,
		"holder":   lock.HolderEmail,
	}).Info("Acquired sync lock (in-memory)")
	return lock.ID, nil
}

// Release releases the lock identified by lockID, recording the outcome
// status. Releasing an unknown id returns false rather than an error so
// concurrent error paths can double-release safely.
func (m *LockManager) Release(ctx context.Context, lockID, status string) bool {
	released := false

	if m.redis != nil {
		current, err := m.currentRedis(ctx)
		if err != nil {
			m.logger.WithError(err).Warn("Failed to read sync lock for release")
		} else if current != nil && current.ID == lockID {
			if err := m.redis.Del(ctx, lockKey).Err(); err != nil {
				m.logger.WithError(err).Warn("Failed to delete sync lock")
			} else {
				released = true
			}
		}
	}

	m.mu.Lock()
	if _, ok := m.locks[lockID]; ok {
		delete(m.locks, lockID)
		released = true
	}
	m.mu.Unlock()

	if released {
		m.logger.WithFields(logrus.Fields{
			"lock_id": lockID,
			"status":  status,
		}).Info("Released sync lock")
	}
	return released
}

// IsRunning reports whether a sync lock is currently held.
func (m *LockManager) IsRunning(ctx context.Context) bool {
	return m.Current(ctx) != nil
}

// Current returns the active lock, or nil when no sync is running.
func (m *LockManager) Current(ctx context.Context) *models.SyncLock {
	if m.redis != nil {
		current, err := m.currentRedis(ctx)
		if err != nil {
			m.logger.WithError(err).Warn("Failed to read sync lock from Redis")
		} else if current != nil {
			return current
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, lock := range m.locks {
		if lock.Status == models.LockStatusRunning {
			return lock
		}
	}
	return nil
}

func (m *LockManager) currentRedis(ctx context.Context) (*models.SyncLock, error) {
	payload, err := m.redis.Get(ctx, lockKey).Result()
	if err == redis.Nil {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	var lock models.SyncLock
	if err := json.Unmarshal([]byte(payload), &lock); err != nil {
		return nil, err
	}
	return &lock, nil
}

// Stop terminates the background sweep goroutine.
func (m *LockManager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
}

// sweepLoop removes in-memory locks older than the lock timeout. Redis
// enforces its own TTL; the in-memory path has no expiry mechanism, so a
// crashlooping holder would otherwise wedge the system until restart.
func (m *LockManager) sweepLoop() {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweepExpired()
		}
	}
}

func (m *LockManager) sweepExpired() {
	cutoff := time.Now().UTC().Add(-m.timeout)

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, lock := range m.locks {
		if lock.StartedAt.Before(cutoff) {
			delete(m.locks, id)
			m.logger.WithFields(logrus.Fields{
				"lock_id":  id,
				"holder":   lock.HolderEmail,
				"job_type": lock.JobType,
			}).Warn("Removed expired sync lock")
		}
	}
}
