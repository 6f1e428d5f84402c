package coordinator

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/Harvey-AU/crawl-coordinator/internal/db"
	"github.com/Harvey-AU/crawl-coordinator/internal/notifications"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister_NewWorker(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, defaultCatalog())
	mock := h.mock

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM crawler_workers WHERE worker_identifier = \$1$`).
		WithArgs("crawler-a").
		WillReturnRows(sqlmock.NewRows(workerColumnNames))
	mock.ExpectQuery(`INSERT INTO crawler_workers`).
		WithArgs(sqlmock.AnyArg(), "crawler-a", "crawler-a", "10.0.0.5", 8080, "http", `{"cpu":4}`).
		WillReturnRows(workerRow("worker-1", "crawler-a", db.WorkerOnlineIdle, nil))
	mock.ExpectCommit()

	w, err := h.coord.Register(context.Background(), Registration{
		Identifier: "crawler-a",
		Transport:  &TransportInfo{Host: "10.0.0.5", Port: 8080, Protocol: "HTTP"},
		SystemInfo: json.RawMessage(`{"cpu":4}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "worker-1", w.ID)
	assert.Equal(t, "http://10.0.0.5:8080", w.Endpoint())

	events := h.events.all()
	require.Len(t, events, 1)
	assert.Equal(t, notifications.EventWorkerChanged, events[0].Type)
	assert.Equal(t, string(db.WorkerOffline), events[0].PreviousStatus)
	assert.Equal(t, string(db.WorkerOnlineIdle), events[0].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRegister_RequeuesSitesOfRestartedWorker(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, defaultCatalog())
	mock := h.mock

	mock.ExpectBegin()
	expectLockWorker(mock, "worker-1", "crawler-a", db.WorkerOnlineBusy, "site-1")
	mock.ExpectQuery(`WHERE assigned_worker_id = \$1\s+AND status IN`).
		WithArgs("worker-1").
		WillReturnRows(sqlmock.NewRows(siteColumnNames).
			AddRow(siteValues("site-1", "http://one.example.com", db.SiteProcessing, db.PriorityNormal, db.TaskTypeCrawl, "worker-1")...).
			AddRow(siteValues("site-2", "http://two.example.com", db.SitePendingSubmission, db.PriorityNormal, db.TaskTypeCrawl, "worker-1")...))
	expectUpdateSite(mock)
	expectUpdateSite(mock)
	mock.ExpectQuery(`INSERT INTO crawler_workers`).
		WithArgs("worker-1", "crawler-a", "crawler-a", nil, nil, "http", "{}").
		WillReturnRows(workerRow("worker-1", "crawler-a", db.WorkerOnlineIdle, nil))
	mock.ExpectCommit()

	_, err := h.coord.Register(context.Background(), Registration{Identifier: "crawler-a"})
	require.NoError(t, err)

	var siteEvents, workerEvents int
	for _, e := range h.events.all() {
		switch e.Type {
		case notifications.EventSiteChanged:
			siteEvents++
			assert.Equal(t, string(db.SitePendingAssignment), e.Status)
			assert.Empty(t, e.WorkerID)
		case notifications.EventWorkerChanged:
			workerEvents++
			assert.Equal(t, string(db.WorkerOnlineBusy), e.PreviousStatus)
		}
	}
	assert.Equal(t, 2, siteEvents)
	assert.Equal(t, 1, workerEvents)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRegister_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		reg   Registration
		field string
	}{
		{name: "empty identifier", reg: Registration{}, field: "worker_identifier"},
		{name: "identifier with spaces", reg: Registration{Identifier: "crawler a"}, field: "worker_identifier"},
		{name: "identifier too long", reg: Registration{Identifier: strings.Repeat("a", 256)}, field: "worker_identifier"},
		{name: "bad protocol", reg: Registration{Identifier: "crawler-a", Transport: &TransportInfo{Protocol: "ftp"}}, field: "transport_info.protocol"},
		{name: "bad port", reg: Registration{Identifier: "crawler-a", Transport: &TransportInfo{Port: 70000}}, field: "transport_info.port"},
		{name: "system info array", reg: Registration{Identifier: "crawler-a", SystemInfo: json.RawMessage(`[1]`)}, field: "system_info"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, Config{}, defaultCatalog())
			_, err := h.coord.Register(context.Background(), tt.reg)

			var v *ValidationError
			require.ErrorAs(t, err, &v)
			assert.Contains(t, v.Fields, tt.field)
		})
	}
}

func TestHeartbeat(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, defaultCatalog())
	mock := h.mock

	columns := append(append([]string{}, workerColumnNames...), "previous_status")
	values := append(workerValues("worker-1", "crawler-a", db.WorkerOnlineIdle, nil), string(db.WorkerOffline))
	mock.ExpectQuery(`WITH prev AS`).
		WithArgs("crawler-a", `{"load":0.5}`).
		WillReturnRows(sqlmock.NewRows(columns).AddRow(values...))

	w, err := h.coord.Heartbeat(context.Background(), "crawler-a", json.RawMessage(`{"load":0.5}`))
	require.NoError(t, err)
	assert.Equal(t, db.WorkerOnlineIdle, w.Status)

	events := h.events.all()
	require.Len(t, events, 1, "offline to idle is a status change")
	assert.Equal(t, string(db.WorkerOffline), events[0].PreviousStatus)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHeartbeat_UnknownWorker(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, defaultCatalog())
	h.mock.ExpectQuery(`WITH prev AS`).
		WithArgs("ghost", "{}").
		WillReturnRows(sqlmock.NewRows(append(append([]string{}, workerColumnNames...), "previous_status")))

	_, err := h.coord.Heartbeat(context.Background(), "ghost", nil)
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "ghost", nf.Key)
	assert.Empty(t, h.events.all())
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestRelease_IdleWorkerIsNoop(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, defaultCatalog())
	mock := h.mock

	mock.ExpectBegin()
	expectLockWorker(mock, "worker-1", "crawler-a", db.WorkerOnlineIdle, nil)
	mock.ExpectQuery(`WHERE assigned_worker_id = \$1\s+AND status IN`).
		WithArgs("worker-1").
		WillReturnRows(sqlmock.NewRows(siteColumnNames))
	mock.ExpectCommit()

	w, err := h.coord.Release(context.Background(), "crawler-a")
	require.NoError(t, err)
	assert.Equal(t, db.WorkerOnlineIdle, w.Status)
	assert.Empty(t, h.events.all())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReapStaleWorkers(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{HeartbeatTimeout: time.Minute}, defaultCatalog())
	mock := h.mock

	mock.ExpectBegin()
	mock.ExpectQuery(`WHERE status IN \('online_idle', 'online_busy'\)`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(workerColumnNames).
			AddRow(workerValues("worker-1", "crawler-a", db.WorkerOnlineBusy, "site-1")...).
			AddRow(workerValues("worker-2", "crawler-b", db.WorkerOnlineIdle, nil)...))
	mock.ExpectQuery(`SELECT pg_try_advisory_xact_lock`).
		WithArgs("worker-1").
		WillReturnRows(sqlmock.NewRows([]string{"locked"}).AddRow(true))
	mock.ExpectQuery(`WHERE assigned_worker_id = \$1\s+AND status IN`).
		WithArgs("worker-1").
		WillReturnRows(siteRow("site-1", "http://example.com", db.SiteSubmitted, db.PriorityNormal, db.TaskTypeCrawl, "worker-1"))
	expectUpdateSite(mock)
	expectUpdateWorker(mock)
	// crawler-b is mid-transaction elsewhere and is left for the next sweep
	mock.ExpectQuery(`SELECT pg_try_advisory_xact_lock`).
		WithArgs("worker-2").
		WillReturnRows(sqlmock.NewRows([]string{"locked"}).AddRow(false))
	mock.ExpectCommit()

	n, err := h.coord.ReapStaleWorkers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var workerEvent *notifications.ChangeEvent
	for _, e := range h.events.all() {
		if e.Type == notifications.EventWorkerChanged {
			workerEvent = &e
		}
	}
	require.NotNil(t, workerEvent)
	assert.Equal(t, string(db.WorkerOffline), workerEvent.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReapStaleWorkers_Disabled(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{HeartbeatTimeout: 0}, defaultCatalog())
	n, err := h.coord.ReapStaleWorkers(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}
