package mocks

import (
	"context"

	"github.com/Harvey-AU/crawl-coordinator/internal/db"
	"github.com/stretchr/testify/mock"
)

// MockStore is a mock implementation of api.Inspector
type MockStore struct {
	mock.Mock
}

// ListSites mocks listing Sites
func (m *MockStore) ListSites(ctx context.Context, filter db.SiteFilter) ([]db.Site, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]db.Site), args.Error(1)
}

// GetSite mocks loading one Site
func (m *MockStore) GetSite(ctx context.Context, id string) (*db.Site, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*db.Site), args.Error(1)
}

// ListWorkers mocks listing workers
func (m *MockStore) ListWorkers(ctx context.Context) ([]db.Worker, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]db.Worker), args.Error(1)
}

// ListTaskTypes mocks reading the task type catalog
func (m *MockStore) ListTaskTypes(ctx context.Context) ([]db.TaskType, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]db.TaskType), args.Error(1)
}

// SetTaskTypeActive mocks enabling or disabling a task type
func (m *MockStore) SetTaskTypeActive(ctx context.Context, slug string, active bool) error {
	args := m.Called(ctx, slug, active)
	return args.Error(0)
}

// SetTaskTypeCallback mocks changing a task type's callback
func (m *MockStore) SetTaskTypeCallback(ctx context.Context, slug string, callbackURL *string) error {
	args := m.Called(ctx, slug, callbackURL)
	return args.Error(0)
}

// CheckHealth mocks the database health probe
func (m *MockStore) CheckHealth(ctx context.Context) db.HealthCheck {
	args := m.Called(ctx)
	return args.Get(0).(db.HealthCheck)
}
