package db

import (
	"context"
	"time"
)

var coordinatorTables = []string{"crawler_workers", "sites", "task_types"}

// HealthCheck contains database health information
type HealthCheck struct {
	Connected     bool          `json:"connected"`
	Latency       time.Duration `json:"latency_ms"`
	MissingTables []string      `json:"missing_tables,omitempty"`
	QueueDepth    int           `json:"queue_depth"`
	OnlineWorkers int           `json:"online_workers"`
	Error         string        `json:"error,omitempty"`
}

// Healthy reports whether the database is reachable and the schema is in place
func (h HealthCheck) Healthy() bool {
	return h.Connected && len(h.MissingTables) == 0 && h.Error == ""
}

// CheckHealth pings the database, confirms the coordinator tables exist and
// reports queue depth and online worker count.
func (db *DB) CheckHealth(ctx context.Context) HealthCheck {
	var result HealthCheck

	startTime := time.Now()
	err := db.client.PingContext(ctx)
	result.Latency = time.Since(startTime)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Connected = true

	for _, table := range coordinatorTables {
		var regclass *string
		if err := db.client.QueryRowContext(ctx, `SELECT to_regclass($1)::text`, table).Scan(&regclass); err != nil {
			result.Error = "Connected but failed to inspect schema: " + err.Error()
			return result
		}
		if regclass == nil {
			result.MissingTables = append(result.MissingTables, table)
		}
	}
	if len(result.MissingTables) > 0 {
		return result
	}

	err = db.client.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM sites WHERE status = 'pending_assignment'),
			(SELECT COUNT(*) FROM crawler_workers WHERE status <> 'offline')
	`).Scan(&result.QueueDepth, &result.OnlineWorkers)
	if err != nil {
		result.Error = "Connected but failed to read queue stats: " + err.Error()
	}

	return result
}
