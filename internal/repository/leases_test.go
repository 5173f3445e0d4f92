package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// openShared opens two repositories on one SQLite file, standing in for
// two replicas on one database.
func openShared(t *testing.T) (*SQLRepository, *SQLRepository) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "kestrel-lease-*.db")
	require.NoError(t, err)
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() {
		os.Remove(tmpPath)
		os.Remove(tmpPath + "-wal")
		os.Remove(tmpPath + "-shm")
	})

	cfg := domain.RepositoryConfig{Driver: "sqlite", SQLitePath: tmpPath}
	a, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	b, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return a, b
}

func TestSessionLeasesAcrossConnections(t *testing.T) {
	a, b := openShared(t)
	ctx := context.Background()

	ok, err := a.AcquireLease(ctx, "s-1", "replica-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	t.Run("held lease excludes other holders", func(t *testing.T) {
		ok, err := b.AcquireLease(ctx, "s-1", "replica-b", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		held, err := b.LeaseHeld(ctx, "s-1")
		require.NoError(t, err)
		assert.True(t, held)
	})

	t.Run("other sessions are independent", func(t *testing.T) {
		ok, err := b.AcquireLease(ctx, "s-2", "replica-b", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
		require.NoError(t, b.ReleaseLease(ctx, "s-2", "replica-b"))
	})

	t.Run("only the holder renews or releases", func(t *testing.T) {
		assert.ErrorIs(t, b.RenewLease(ctx, "s-1", "replica-b", time.Minute), domain.ErrNotFound)
		require.NoError(t, b.ReleaseLease(ctx, "s-1", "replica-b"))
		held, err := a.LeaseHeld(ctx, "s-1")
		require.NoError(t, err)
		assert.True(t, held)

		require.NoError(t, a.RenewLease(ctx, "s-1", "replica-a", time.Minute))
		require.NoError(t, a.ReleaseLease(ctx, "s-1", "replica-a"))
		held, err = b.LeaseHeld(ctx, "s-1")
		require.NoError(t, err)
		assert.False(t, held)
	})

	t.Run("expired lease is taken over", func(t *testing.T) {
		ok, err := a.AcquireLease(ctx, "s-3", "replica-a", 20*time.Millisecond)
		require.NoError(t, err)
		require.True(t, ok)

		assert.Eventually(t, func() bool {
			ok, err := b.AcquireLease(ctx, "s-3", "replica-b", time.Minute)
			return err == nil && ok
		}, 2*time.Second, 10*time.Millisecond)
		assert.ErrorIs(t, a.RenewLease(ctx, "s-3", "replica-a", time.Minute), domain.ErrNotFound)
	})
}
