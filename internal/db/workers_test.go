package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertWorker(t *testing.T) {
	t.Parallel()

	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	host := "10.0.0.5"
	port := 8080
	mock.ExpectQuery(`INSERT INTO crawler_workers[\s\S]*ON CONFLICT \(worker_identifier\) DO UPDATE`).
		WithArgs("new-id", "crawler-a", "Crawler A", "10.0.0.5", 8080, "http", `{"cpu":4}`).
		WillReturnRows(workerRows(workerValues("existing-id", "crawler-a", WorkerOnlineIdle, nil)))

	w, err := UpsertWorker(context.Background(), sqlDB, &Worker{
		ID:         "new-id",
		Identifier: "crawler-a",
		Name:       "Crawler A",
		Host:       &host,
		Port:       &port,
		SystemInfo: json.RawMessage(`{"cpu":4}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "existing-id", w.ID, "conflicting rows keep their id")
	assert.Equal(t, WorkerOnlineIdle, w.Status)
	assert.Nil(t, w.CurrentSiteID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetWorkerByIdentifier_NotFound(t *testing.T) {
	t.Parallel()

	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	mock.ExpectQuery(`FROM crawler_workers WHERE worker_identifier = \$1 FOR UPDATE`).
		WithArgs("ghost").
		WillReturnRows(workerRows())

	_, err = GetWorkerByIdentifierForUpdate(context.Background(), sqlDB, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTouchHeartbeat(t *testing.T) {
	t.Parallel()

	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	columns := append(append([]string{}, workerColumnNames...), "previous_status")
	values := append(workerValues("worker-1", "crawler-a", WorkerOnlineIdle, nil), string(WorkerOffline))

	mock.ExpectQuery(`WITH prev AS[\s\S]*UPDATE crawler_workers w`).
		WithArgs("crawler-a", `{"load":0.5}`).
		WillReturnRows(sqlmock.NewRows(columns).AddRow(values...))

	w, previous, err := TouchHeartbeat(context.Background(), sqlDB, "crawler-a", json.RawMessage(`{"load":0.5}`))
	require.NoError(t, err)
	assert.Equal(t, WorkerOffline, previous)
	assert.Equal(t, WorkerOnlineIdle, w.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTouchHeartbeat_UnknownWorker(t *testing.T) {
	t.Parallel()

	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	mock.ExpectQuery(`WITH prev AS`).
		WithArgs("ghost", "{}").
		WillReturnRows(sqlmock.NewRows(append(append([]string{}, workerColumnNames...), "previous_status")))

	_, _, err = TouchHeartbeat(context.Background(), sqlDB, "ghost", nil)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLockFreeWorkers_SkipsAdvisoryLocked(t *testing.T) {
	t.Parallel()

	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`WHERE status = 'online_idle'\s+AND current_site_id IS NULL\s+ORDER BY last_heartbeat_at ASC NULLS FIRST, created_at ASC FOR UPDATE SKIP LOCKED`).
		WillReturnRows(workerRows(
			workerValues("worker-1", "crawler-a", WorkerOnlineIdle, nil),
			workerValues("worker-2", "crawler-b", WorkerOnlineIdle, nil),
			workerValues("worker-3", "crawler-c", WorkerOnlineIdle, nil),
		))
	mock.ExpectQuery(`SELECT pg_try_advisory_xact_lock`).WithArgs("worker-1").
		WillReturnRows(sqlmock.NewRows([]string{"locked"}).AddRow(true))
	mock.ExpectQuery(`SELECT pg_try_advisory_xact_lock`).WithArgs("worker-2").
		WillReturnRows(sqlmock.NewRows([]string{"locked"}).AddRow(false))
	mock.ExpectQuery(`SELECT pg_try_advisory_xact_lock`).WithArgs("worker-3").
		WillReturnRows(sqlmock.NewRows([]string{"locked"}).AddRow(true))
	mock.ExpectCommit()

	var free []Worker
	err = NewDbQueue(sqlDB).Execute(context.Background(), func(tx *sql.Tx) error {
		var err error
		free, err = LockFreeWorkers(context.Background(), tx, 0)
		return err
	})
	require.NoError(t, err)
	require.Len(t, free, 2)
	assert.Equal(t, "worker-1", free[0].ID)
	assert.Equal(t, "worker-3", free[1].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLockFreeWorkers_LimitAppliedAfterAdvisoryFilter(t *testing.T) {
	t.Parallel()

	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	mock.ExpectQuery(`created_at ASC\s+FOR UPDATE SKIP LOCKED`).
		WillReturnRows(workerRows(
			workerValues("worker-1", "crawler-a", WorkerOnlineIdle, nil),
			workerValues("worker-2", "crawler-b", WorkerOnlineIdle, nil),
			workerValues("worker-3", "crawler-c", WorkerOnlineIdle, nil),
		))
	mock.ExpectQuery(`SELECT pg_try_advisory_xact_lock`).WithArgs("worker-1").
		WillReturnRows(sqlmock.NewRows([]string{"locked"}).AddRow(false))
	mock.ExpectQuery(`SELECT pg_try_advisory_xact_lock`).WithArgs("worker-2").
		WillReturnRows(sqlmock.NewRows([]string{"locked"}).AddRow(true))

	// worker-1 is contended, so worker-2 fills the single slot and worker-3 is never tried
	free, err := LockFreeWorkers(context.Background(), sqlDB, 1)
	require.NoError(t, err)
	require.Len(t, free, 1)
	assert.Equal(t, "worker-2", free[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLockStaleWorkers(t *testing.T) {
	t.Parallel()

	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	cutoff := testTime.Add(-5 * time.Minute)
	mock.ExpectQuery(`status IN \('online_idle', 'online_busy'\)[\s\S]*last_heartbeat_at < \$1`).
		WithArgs(cutoff).
		WillReturnRows(workerRows(workerValues("worker-1", "crawler-a", WorkerOnlineBusy, "site-1")))

	stale, err := LockStaleWorkers(context.Background(), sqlDB, cutoff)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.True(t, stale[0].Holds("site-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWorkerHelpers(t *testing.T) {
	t.Parallel()

	w := &Worker{Status: WorkerOnlineIdle}
	w.Occupy("site-1")
	assert.Equal(t, WorkerOnlineBusy, w.Status)
	assert.True(t, w.Holds("site-1"))
	assert.False(t, w.Holds("site-2"))

	w.Release()
	assert.Equal(t, WorkerOnlineIdle, w.Status)
	assert.Nil(t, w.CurrentSiteID)
}

func TestWorkerEndpoint(t *testing.T) {
	t.Parallel()

	host := "crawler.internal"
	ipv6 := "::1"
	port := 9000

	tests := []struct {
		name   string
		worker Worker
		want   string
	}{
		{name: "http", worker: Worker{Host: &host, Port: &port, Protocol: "http"}, want: "http://crawler.internal:9000"},
		{name: "wss maps to https", worker: Worker{Host: &host, Port: &port, Protocol: "wss"}, want: "https://crawler.internal:9000"},
		{name: "default protocol", worker: Worker{Host: &host, Port: &port}, want: "http://crawler.internal:9000"},
		{name: "ipv6", worker: Worker{Host: &ipv6, Port: &port, Protocol: "https"}, want: "https://[::1]:9000"},
		{name: "missing port", worker: Worker{Host: &host}, want: ""},
		{name: "missing host", worker: Worker{Port: &port}, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.worker.Endpoint())
		})
	}
}

func TestLockWorker(t *testing.T) {
	t.Parallel()

	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	mock.ExpectExec(`SELECT pg_advisory_xact_lock\(hashtext\('crawler_worker:' \|\| \$1\)\)`).
		WithArgs("worker-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, LockWorker(context.Background(), sqlDB, "worker-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
