package locks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisLocker(client, "test:"), mr
}

func TestRedisLocker_ExclusiveUntilReleased(t *testing.T) {
	t.Parallel()

	locker, mr := newRedisLocker(t)
	ctx := context.Background()

	lock, err := locker.TryAcquire(ctx, "reconciler", time.Minute)
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:reconciler"))

	_, err = locker.TryAcquire(ctx, "reconciler", time.Minute)
	assert.ErrorIs(t, err, ErrNotAcquired)

	require.NoError(t, lock.Release(ctx))
	assert.False(t, mr.Exists("test:reconciler"))

	again, err := locker.TryAcquire(ctx, "reconciler", time.Minute)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestRedisLocker_ExpiredLockIsNotReleasedByOldHolder(t *testing.T) {
	t.Parallel()

	locker, mr := newRedisLocker(t)
	ctx := context.Background()

	stale, err := locker.TryAcquire(ctx, "reconciler", time.Second)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	current, err := locker.TryAcquire(ctx, "reconciler", time.Minute)
	require.NoError(t, err)

	assert.ErrorIs(t, stale.Release(ctx), ErrNotHeld)
	assert.True(t, mr.Exists("test:reconciler"), "new holder keeps the lock")
	require.NoError(t, current.Release(ctx))
}

func TestRedisLocker_BackendError(t *testing.T) {
	t.Parallel()

	locker, mr := newRedisLocker(t)
	mr.Close()

	_, err := locker.TryAcquire(context.Background(), "reconciler", time.Minute)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotAcquired)
}

func TestAdvisoryLocker(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		setup   func(mock sqlmock.Sqlmock)
		wantErr error
		release bool
	}{
		{
			name: "acquired and released",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`SELECT pg_try_advisory_lock`).
					WithArgs("reconciler").
					WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
				mock.ExpectQuery(`SELECT pg_advisory_unlock`).
					WithArgs("reconciler").
					WillReturnRows(sqlmock.NewRows([]string{"pg_advisory_unlock"}).AddRow(true))
			},
			release: true,
		},
		{
			name: "held elsewhere",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`SELECT pg_try_advisory_lock`).
					WithArgs("reconciler").
					WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))
			},
			wantErr: ErrNotAcquired,
		},
		{
			name: "query error",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`SELECT pg_try_advisory_lock`).
					WithArgs("reconciler").
					WillReturnError(errors.New("connection reset"))
			},
			wantErr: errors.New("failed to acquire lock reconciler"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			sqlDB, mock, err := sqlmock.New()
			require.NoError(t, err)
			defer sqlDB.Close()
			tt.setup(mock)

			lock, err := NewAdvisoryLocker(sqlDB).TryAcquire(context.Background(), "reconciler", time.Minute)
			switch {
			case tt.wantErr == nil:
				require.NoError(t, err)
			case errors.Is(tt.wantErr, ErrNotAcquired):
				assert.ErrorIs(t, err, ErrNotAcquired)
			default:
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr.Error())
			}

			if tt.release {
				require.NoError(t, lock.Release(context.Background()))
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}
