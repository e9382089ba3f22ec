package sync

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gestorhub/erp-sync/internal/config"
	apperrors "github.com/gestorhub/erp-sync/internal/errors"
	"github.com/gestorhub/erp-sync/internal/models"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testConfig() *config.SyncConfig {
	cfg := config.DefaultSyncConfig()
	cfg.PageDelay = 0
	cfg.StorageBackoff = time.Millisecond
	cfg.LockSweepInterval = 10 * time.Millisecond
	return cfg
}

func TestLockManager_MutualExclusion(t *testing.T) {
	manager := NewLockManager(nil, testConfig(), testLogger())
	defer manager.Stop()
	ctx := context.Background()

	const acquirers = 16
	var wg sync.WaitGroup
	results := make(chan string, acquirers)

	for i := 0; i < acquirers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lockID, err := manager.Acquire(ctx, models.Holder{UserID: "u1", Email: "ops@example.com"}, models.SyncTypeQuick)
			if err == nil {
				results <- lockID
			}
		}()
	}
	wg.Wait()
	close(results)

	var granted []string
	for lockID := range results {
		granted = append(granted, lockID)
	}
	require.Len(t, granted, 1, "exactly one acquirer must win")

	assert.True(t, manager.IsRunning(ctx))
	assert.True(t, manager.Release(ctx, granted[0], models.LockStatusCompleted))
	assert.False(t, manager.IsRunning(ctx))
}

func TestLockManager_DenialNamesHolder(t *testing.T) {
	manager := NewLockManager(nil, testConfig(), testLogger())
	defer manager.Stop()
	ctx := context.Background()

	_, err := manager.Acquire(ctx, models.Holder{UserID: "u1", Email: "alice@example.com"}, models.SyncTypeComplete)
	require.NoError(t, err)

	_, err = manager.Acquire(ctx, models.Holder{UserID: "u2", Email: "bob@example.com"}, models.SyncTypeQuick)
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))
	assert.Contains(t, err.Error(), "alice@example.com")
	assert.Contains(t, err.Error(), models.SyncTypeComplete)
}

func TestLockManager_DoubleReleaseReturnsFalse(t *testing.T) {
	manager := NewLockManager(nil, testConfig(), testLogger())
	defer manager.Stop()
	ctx := context.Background()

	lockID, err := manager.Acquire(ctx, models.Holder{Email: "ops@example.com"}, models.SyncTypeQuick)
	require.NoError(t, err)

	assert.True(t, manager.Release(ctx, lockID, models.LockStatusCompleted))
	assert.False(t, manager.Release(ctx, lockID, models.LockStatusCompleted))
	assert.False(t, manager.Release(ctx, "no-such-lock", models.LockStatusFailed))
}

func TestLockManager_SweepRemovesExpiredLocks(t *testing.T) {
	cfg := testConfig()
	cfg.LockTimeout = 20 * time.Millisecond
	cfg.LockSweepInterval = 5 * time.Millisecond

	manager := NewLockManager(nil, cfg, testLogger())
	defer manager.Stop()
	ctx := context.Background()

	_, err := manager.Acquire(ctx, models.Holder{Email: "ops@example.com"}, models.SyncTypeQuick)
	require.NoError(t, err)
	require.True(t, manager.IsRunning(ctx))

	require.Eventually(t, func() bool {
		return !manager.IsRunning(ctx)
	}, time.Second, 5*time.Millisecond, "expired lock should be swept")

	// The slot is free again after the sweep.
	_, err = manager.Acquire(ctx, models.Holder{Email: "carol@example.com"}, models.SyncTypeQuick)
	assert.NoError(t, err)
}
