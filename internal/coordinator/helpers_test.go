package coordinator

import (
	"context"
	"database/sql/driver"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/Harvey-AU/crawl-coordinator/internal/db"
	"github.com/Harvey-AU/crawl-coordinator/internal/notifications"
	"github.com/stretchr/testify/require"
)

var (
	siteColumnNames = []string{
		"id", "url", "status", "priority", "task_type", "assigned_worker_id", "max_depth", "parameters",
		"existence_status", "last_existence_check_at", "dispatch_id", "last_submitted_at",
		"last_response", "last_activity_at", "created_at", "updated_at",
	}
	workerColumnNames = []string{
		"id", "worker_identifier", "name", "host", "port", "protocol", "status", "current_site_id",
		"last_heartbeat_at", "system_info", "created_at", "updated_at",
	}
	testTime = time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)
)

type fakeCatalog map[string]*db.TaskType

func (f fakeCatalog) GetTaskType(_ context.Context, slug string) (*db.TaskType, error) {
	if tt, ok := f[slug]; ok {
		return tt, nil
	}
	return nil, db.ErrNotFound
}

func defaultCatalog() fakeCatalog {
	catalog := fakeCatalog{}
	for _, tt := range db.DefaultTaskTypes() {
		catalog[tt.Slug] = &tt
	}
	return catalog
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []notifications.ChangeEvent
}

func (p *recordingPublisher) Publish(_ context.Context, event notifications.ChangeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) all() []notifications.ChangeEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]notifications.ChangeEvent(nil), p.events...)
}

type recordingNotifier struct {
	mu          sync.Mutex
	completions []notifications.Completion
}

func (n *recordingNotifier) Enqueue(c notifications.Completion) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completions = append(n.completions, c)
	return true
}

func (n *recordingNotifier) all() []notifications.Completion {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notifications.Completion(nil), n.completions...)
}

type harness struct {
	coord    *Coordinator
	mock     sqlmock.Sqlmock
	events   *recordingPublisher
	notifier *recordingNotifier
}

func newHarness(t *testing.T, cfg Config, catalog fakeCatalog, opts ...Option) *harness {
	t.Helper()

	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	store := db.NewDbQueue(sqlDB).WithRetryConfig(db.TxRetryConfig{MaxAttempts: 1})
	h := &harness{
		mock:     mock,
		events:   &recordingPublisher{},
		notifier: &recordingNotifier{},
	}
	opts = append([]Option{WithEvents(h.events), WithNotifier(h.notifier)}, opts...)
	h.coord = New(store, catalog, cfg, opts...)
	return h
}

func siteRow(id, url string, status db.SiteStatus, priority db.Priority, taskType string, workerID any) *sqlmock.Rows {
	return sqlmock.NewRows(siteColumnNames).AddRow(siteValues(id, url, status, priority, taskType, workerID)...)
}

func siteValues(id, url string, status db.SiteStatus, priority db.Priority, taskType string, workerID any) []driver.Value {
	return []driver.Value{
		id, url, string(status), string(priority), taskType, workerID, nil, []byte(`{}`),
		nil, nil, nil, nil,
		nil, nil, testTime, testTime,
	}
}

func workerRow(id, identifier string, status db.WorkerStatus, currentSiteID any) *sqlmock.Rows {
	return sqlmock.NewRows(workerColumnNames).AddRow(workerValues(id, identifier, status, currentSiteID)...)
}

func workerValues(id, identifier string, status db.WorkerStatus, currentSiteID any) []driver.Value {
	return []driver.Value{
		id, identifier, identifier, "10.0.0.5", int64(8080), "http", string(status), currentSiteID,
		testTime, []byte(`{}`), testTime, testTime,
	}
}

func updatedAt() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"updated_at"}).AddRow(testTime)
}

// expectLockWorker mirrors lockWorker: lookup by identifier, advisory lock, row lock
func expectLockWorker(mock sqlmock.Sqlmock, id, identifier string, status db.WorkerStatus, currentSiteID any) {
	mock.ExpectQuery(`FROM crawler_workers WHERE worker_identifier = \$1$`).
		WithArgs(identifier).
		WillReturnRows(workerRow(id, identifier, status, currentSiteID))
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).
		WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`FROM crawler_workers WHERE id = \$1 FOR UPDATE`).
		WithArgs(id).
		WillReturnRows(workerRow(id, identifier, status, currentSiteID))
}

func expectSiteForUpdate(mock sqlmock.Sqlmock, rows *sqlmock.Rows, id string) {
	mock.ExpectQuery(`FROM sites WHERE id = \$1 FOR UPDATE`).
		WithArgs(id).
		WillReturnRows(rows)
}

func expectUpdateSite(mock sqlmock.Sqlmock) {
	mock.ExpectQuery(`UPDATE sites`).WillReturnRows(updatedAt())
}

func expectUpdateWorker(mock sqlmock.Sqlmock) {
	mock.ExpectQuery(`UPDATE crawler_workers`).WillReturnRows(updatedAt())
}
