package db

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var taskTypeColumnNames = []string{
	"id", "slug", "name", "description", "is_active", "is_terminal", "callback_url",
	"required_fields", "created_at", "updated_at",
}

func taskTypeRow(slug string, active bool) *sqlmock.Rows {
	return sqlmock.NewRows(taskTypeColumnNames).
		AddRow(1, slug, "Crawl", "", active, true, nil, []byte(`{}`), testTime, testTime)
}

func TestGetTaskType_CachedUntilUpdated(t *testing.T) {
	t.Parallel()

	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	database := NewWithClient(sqlDB)
	ctx := context.Background()

	mock.ExpectQuery(`FROM task_types WHERE slug = \$1`).
		WithArgs(TaskTypeCrawl).
		WillReturnRows(taskTypeRow(TaskTypeCrawl, true))

	first, err := database.GetTaskType(ctx, TaskTypeCrawl)
	require.NoError(t, err)
	assert.True(t, first.IsActive)

	// Second read is served from the cache; sqlmock fails on an unexpected query
	second, err := database.GetTaskType(ctx, TaskTypeCrawl)
	require.NoError(t, err)
	assert.Same(t, first, second)

	mock.ExpectExec(`UPDATE task_types SET is_active`).
		WithArgs(TaskTypeCrawl, false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, database.SetTaskTypeActive(ctx, TaskTypeCrawl, false))

	mock.ExpectQuery(`FROM task_types WHERE slug = \$1`).
		WithArgs(TaskTypeCrawl).
		WillReturnRows(taskTypeRow(TaskTypeCrawl, false))

	third, err := database.GetTaskType(ctx, TaskTypeCrawl)
	require.NoError(t, err)
	assert.False(t, third.IsActive)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTaskType_NotFound(t *testing.T) {
	t.Parallel()

	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	mock.ExpectQuery(`FROM task_types WHERE slug = \$1`).
		WithArgs("screenshot").
		WillReturnRows(sqlmock.NewRows(taskTypeColumnNames))

	_, err = NewWithClient(sqlDB).GetTaskType(context.Background(), "screenshot")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetTaskTypeCallback_UnknownSlug(t *testing.T) {
	t.Parallel()

	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	callback := "https://hooks.example.com/crawl"
	mock.ExpectExec(`UPDATE task_types SET callback_url`).
		WithArgs("screenshot", callback).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = NewWithClient(sqlDB).SetTaskTypeCallback(context.Background(), "screenshot", &callback)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
