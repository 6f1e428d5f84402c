package coordinator

import (
	"context"
	"errors"
	"strings"

	"github.com/Harvey-AU/crawl-coordinator/internal/db"
)

// Outcomes reported by workers for terminal task types
const (
	OutcomeCompletedSuccessfully = "completed_successfully"
	OutcomeFailedDuringCrawl     = "failed_during_crawl"
	OutcomeErrorBeforeStart      = "error_before_start"
)

// Outcomes reported by workers for non-terminal task types
const (
	OutcomeExists   = "exists"
	OutcomeNotFound = "not_found"
	OutcomeError    = "error"
)

var terminalOutcomes = map[string]db.SiteStatus{
	OutcomeCompletedSuccessfully: db.SiteCompleted,
	OutcomeFailedDuringCrawl:     db.SiteFailedProcessing,
	OutcomeErrorBeforeStart:      db.SiteFailedProcessing,
}

var nonTerminalOutcomes = map[string]bool{
	OutcomeExists:   true,
	OutcomeNotFound: true,
	OutcomeError:    true,
}

// outcomeStatus maps a reported outcome to the Site's next status
func outcomeStatus(tt *db.TaskType, outcome string) (db.SiteStatus, bool) {
	if tt.IsTerminal {
		status, ok := terminalOutcomes[outcome]
		return status, ok
	}
	if nonTerminalOutcomes[outcome] {
		return db.SitePendingAssignment, true
	}
	return "", false
}

func allowedOutcomes(tt *db.TaskType) string {
	if tt.IsTerminal {
		return strings.Join([]string{OutcomeCompletedSuccessfully, OutcomeFailedDuringCrawl, OutcomeErrorBeforeStart}, ", ")
	}
	return strings.Join([]string{OutcomeExists, OutcomeNotFound, OutcomeError}, ", ")
}

// taskType resolves a slug. Unknown slugs are a ValidationError on the given field.
func (c *Coordinator) taskType(ctx context.Context, slug, field string) (*db.TaskType, error) {
	if slug == "" {
		return nil, NewValidationError(field, "is required")
	}
	tt, err := c.catalog.GetTaskType(ctx, slug)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, NewValidationError(field, "unknown task type "+slug)
		}
		return nil, err
	}
	return tt, nil
}

// activeTaskType resolves a slug that must be assignable
func (c *Coordinator) activeTaskType(ctx context.Context, slug, field string) (*db.TaskType, error) {
	tt, err := c.taskType(ctx, slug, field)
	if err != nil {
		return nil, err
	}
	if !tt.IsActive {
		return nil, NewValidationError(field, "task type "+slug+" is not active")
	}
	return tt, nil
}
