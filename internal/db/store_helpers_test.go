package db

import (
	"database/sql/driver"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
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

func siteValues(id, url string, status SiteStatus, priority Priority, taskType string, workerID any) []driver.Value {
	return []driver.Value{
		id, url, string(status), string(priority), taskType, workerID, nil, []byte(`{}`),
		nil, nil, nil, nil,
		nil, nil, testTime, testTime,
	}
}

func siteRows(values ...[]driver.Value) *sqlmock.Rows {
	rows := sqlmock.NewRows(siteColumnNames)
	for _, v := range values {
		rows.AddRow(v...)
	}
	return rows
}

func workerValues(id, identifier string, status WorkerStatus, currentSiteID any) []driver.Value {
	return []driver.Value{
		id, identifier, identifier, "10.0.0.5", int64(8080), "http", string(status), currentSiteID,
		testTime, []byte(`{"cpu":4}`), testTime, testTime,
	}
}

func workerRows(values ...[]driver.Value) *sqlmock.Rows {
	rows := sqlmock.NewRows(workerColumnNames)
	for _, v := range values {
		rows.AddRow(v...)
	}
	return rows
}
