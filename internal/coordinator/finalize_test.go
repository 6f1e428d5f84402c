package coordinator

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/Harvey-AU/crawl-coordinator/internal/db"
	"github.com/Harvey-AU/crawl-coordinator/internal/notifications"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func crawlReport(outcome string) Report {
	return Report{
		WorkerIdentifier: "crawler-a",
		SiteID:           "site-1",
		TaskType:         db.TaskTypeCrawl,
		Outcome:          outcome,
		Details:          json.RawMessage(`{"pages":12}`),
	}
}

func TestFinalize_TerminalOutcomes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		outcome string
		status  db.SiteStatus
	}{
		{OutcomeCompletedSuccessfully, db.SiteCompleted},
		{OutcomeFailedDuringCrawl, db.SiteFailedProcessing},
		{OutcomeErrorBeforeStart, db.SiteFailedProcessing},
	}

	for _, tt := range tests {
		t.Run(tt.outcome, func(t *testing.T) {
			t.Parallel()

			callback := "https://hooks.example.com/crawl"
			catalog := defaultCatalog()
			crawl := *catalog[db.TaskTypeCrawl]
			crawl.CallbackURL = &callback
			catalog[db.TaskTypeCrawl] = &crawl

			h := newHarness(t, Config{}, catalog)
			mock := h.mock

			mock.ExpectBegin()
			expectLockWorker(mock, "worker-1", "crawler-a", db.WorkerOnlineBusy, "site-1")
			expectSiteForUpdate(mock,
				siteRow("site-1", "http://example.com", db.SiteProcessing, db.PriorityNormal, db.TaskTypeCrawl, "worker-1"), "site-1")
			expectUpdateSite(mock)
			expectUpdateWorker(mock)
			mock.ExpectCommit()

			result, err := h.coord.Finalize(context.Background(), crawlReport(tt.outcome))
			require.NoError(t, err)
			require.True(t, result.Applied)
			assert.Equal(t, tt.status, result.Site.Status)
			assert.Nil(t, result.Site.AssignedWorkerID)
			assert.Nil(t, result.Site.ExistenceStatus, "terminal types do not record existence")

			events := h.events.all()
			require.Len(t, events, 2)
			assert.Equal(t, notifications.EventSiteChanged, events[0].Type)
			assert.Equal(t, string(tt.status), events[0].Status)
			assert.Equal(t, notifications.EventWorkerChanged, events[1].Type)
			assert.Equal(t, string(db.WorkerOnlineIdle), events[1].Status)

			completions := h.notifier.all()
			require.Len(t, completions, 1)
			assert.Equal(t, "site-1", completions[0].SiteID)
			assert.Equal(t, tt.outcome, completions[0].Outcome)
			assert.Equal(t, "crawler-a", completions[0].WorkerIdentifier)
			assert.Equal(t, callback, completions[0].CallbackURL)
			assert.JSONEq(t, `{"pages":12}`, string(completions[0].Details))
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestFinalize_DuplicateReportIsNoop(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, defaultCatalog())
	mock := h.mock

	mock.ExpectBegin()
	expectLockWorker(mock, "worker-1", "crawler-a", db.WorkerOnlineIdle, nil)
	expectSiteForUpdate(mock,
		siteRow("site-1", "http://example.com", db.SiteCompleted, db.PriorityNormal, db.TaskTypeCrawl, nil), "site-1")
	mock.ExpectRollback()

	result, err := h.coord.Finalize(context.Background(), crawlReport(OutcomeCompletedSuccessfully))
	require.NoError(t, err)
	assert.False(t, result.Applied)
	assert.NotEmpty(t, result.Reason)
	assert.Empty(t, h.events.all())
	assert.Empty(t, h.notifier.all())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFinalize_CheckExistenceLoopsBack(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, defaultCatalog())
	mock := h.mock

	mock.ExpectBegin()
	expectLockWorker(mock, "worker-1", "crawler-a", db.WorkerOnlineBusy, "site-1")
	expectSiteForUpdate(mock,
		siteRow("site-1", "http://example.com", db.SiteSubmitted, db.PriorityNormal, db.TaskTypeCheckExistence, "worker-1"), "site-1")
	expectUpdateSite(mock)
	expectUpdateWorker(mock)
	mock.ExpectCommit()

	result, err := h.coord.Finalize(context.Background(), Report{
		WorkerIdentifier: "crawler-a",
		SiteID:           "site-1",
		TaskType:         db.TaskTypeCheckExistence,
		Outcome:          OutcomeExists,
	})
	require.NoError(t, err)
	require.True(t, result.Applied)

	site := result.Site
	assert.Equal(t, db.SitePendingAssignment, site.Status)
	assert.Nil(t, site.AssignedWorkerID)
	require.NotNil(t, site.ExistenceStatus)
	assert.Equal(t, OutcomeExists, *site.ExistenceStatus)
	assert.NotNil(t, site.LastExistenceCheckAt)
	require.NotNil(t, site.LastResponse)
	assert.Equal(t, "check_existence outcome: exists", *site.LastResponse)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFinalize_BacklogSiteLeavesWorkerBusy(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, defaultCatalog())
	mock := h.mock

	mock.ExpectBegin()
	expectLockWorker(mock, "worker-1", "crawler-a", db.WorkerOnlineBusy, "site-other")
	expectSiteForUpdate(mock,
		siteRow("site-1", "http://example.com", db.SiteSubmitted, db.PriorityNormal, db.TaskTypeCrawl, "worker-1"), "site-1")
	expectUpdateSite(mock)
	mock.ExpectCommit()

	result, err := h.coord.Finalize(context.Background(), crawlReport(OutcomeCompletedSuccessfully))
	require.NoError(t, err)
	assert.True(t, result.Applied)

	events := h.events.all()
	require.Len(t, events, 1, "worker keeps its current site")
	assert.Equal(t, notifications.EventSiteChanged, events[0].Type)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFinalize_TrustsWorkerOnBindingMismatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, defaultCatalog())
	mock := h.mock

	// The worker still holds the site but the site was requeued underneath it
	mock.ExpectBegin()
	expectLockWorker(mock, "worker-1", "crawler-a", db.WorkerOnlineBusy, "site-1")
	expectSiteForUpdate(mock,
		siteRow("site-1", "http://example.com", db.SitePendingAssignment, db.PriorityNormal, db.TaskTypeCrawl, nil), "site-1")
	expectUpdateSite(mock)
	expectUpdateWorker(mock)
	mock.ExpectCommit()

	result, err := h.coord.Finalize(context.Background(), crawlReport(OutcomeCompletedSuccessfully))
	require.NoError(t, err)
	require.True(t, result.Applied)
	assert.Equal(t, db.SiteCompleted, result.Site.Status)

	var statuses []string
	for _, e := range h.events.all() {
		if e.Type == notifications.EventSiteChanged {
			statuses = append(statuses, e.PreviousStatus+">"+e.Status)
		}
	}
	assert.Equal(t, []string{"pending_assignment>submitted", "submitted>completed"}, statuses)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFinalize_ReleasesWorkerOfFinishedSite(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, defaultCatalog())
	mock := h.mock

	mock.ExpectBegin()
	expectLockWorker(mock, "worker-1", "crawler-a", db.WorkerOnlineBusy, "site-1")
	expectSiteForUpdate(mock,
		siteRow("site-1", "http://example.com", db.SiteCompleted, db.PriorityNormal, db.TaskTypeCrawl, nil), "site-1")
	expectUpdateWorker(mock)
	mock.ExpectCommit()

	result, err := h.coord.Finalize(context.Background(), crawlReport(OutcomeCompletedSuccessfully))
	require.NoError(t, err)
	assert.False(t, result.Applied)
	assert.Equal(t, "site already finalized, worker released", result.Reason)
	assert.Empty(t, h.notifier.all())

	events := h.events.all()
	require.Len(t, events, 1)
	assert.Equal(t, notifications.EventWorkerChanged, events[0].Type)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFinalize_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		report Report
		field  string
	}{
		{
			name:   "missing site",
			report: Report{WorkerIdentifier: "crawler-a", TaskType: db.TaskTypeCrawl, Outcome: OutcomeExists},
			field:  "site_id",
		},
		{
			name:   "bad details",
			report: Report{WorkerIdentifier: "crawler-a", SiteID: "site-1", TaskType: db.TaskTypeCrawl, Outcome: OutcomeCompletedSuccessfully, Details: json.RawMessage(`{`)},
			field:  "details",
		},
		{
			name:   "existence outcome on a crawl",
			report: Report{WorkerIdentifier: "crawler-a", SiteID: "site-1", TaskType: db.TaskTypeCrawl, Outcome: OutcomeExists},
			field:  "outcome",
		},
		{
			name:   "crawl outcome on an existence check",
			report: Report{WorkerIdentifier: "crawler-a", SiteID: "site-1", TaskType: db.TaskTypeCheckExistence, Outcome: OutcomeCompletedSuccessfully},
			field:  "outcome",
		},
		{
			name:   "unknown task type",
			report: Report{WorkerIdentifier: "crawler-a", SiteID: "site-1", TaskType: "screenshot", Outcome: OutcomeExists},
			field:  "task_type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, Config{}, defaultCatalog())
			_, err := h.coord.Finalize(context.Background(), tt.report)

			var v *ValidationError
			require.ErrorAs(t, err, &v)
			assert.Contains(t, v.Fields, tt.field)
			assert.NoError(t, h.mock.ExpectationsWereMet())
		})
	}
}

func TestFinalize_TaskTypeMismatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, defaultCatalog())
	mock := h.mock

	mock.ExpectBegin()
	expectLockWorker(mock, "worker-1", "crawler-a", db.WorkerOnlineBusy, "site-1")
	expectSiteForUpdate(mock,
		siteRow("site-1", "http://example.com", db.SiteSubmitted, db.PriorityNormal, db.TaskTypeSitemapCrawl, "worker-1"), "site-1")
	mock.ExpectRollback()

	_, err := h.coord.Finalize(context.Background(), crawlReport(OutcomeCompletedSuccessfully))
	var v *ValidationError
	require.ErrorAs(t, err, &v)
	assert.Contains(t, v.Fields, "task_type")
	assert.NoError(t, mock.ExpectationsWereMet())
}
