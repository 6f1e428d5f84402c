package mocks

import (
	"context"
	"encoding/json"

	"github.com/Harvey-AU/crawl-coordinator/internal/coordinator"
	"github.com/Harvey-AU/crawl-coordinator/internal/db"
	"github.com/stretchr/testify/mock"
)

// MockCoordinator is a mock implementation of api.CoordinatorService
type MockCoordinator struct {
	mock.Mock
}

// Register mocks worker registration
func (m *MockCoordinator) Register(ctx context.Context, reg coordinator.Registration) (*db.Worker, error) {
	args := m.Called(ctx, reg)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*db.Worker), args.Error(1)
}

// Heartbeat mocks a worker heartbeat
func (m *MockCoordinator) Heartbeat(ctx context.Context, identifier string, systemInfo json.RawMessage) (*db.Worker, error) {
	args := m.Called(ctx, identifier, systemInfo)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*db.Worker), args.Error(1)
}

// Release mocks releasing a worker
func (m *MockCoordinator) Release(ctx context.Context, identifier string) (*db.Worker, error) {
	args := m.Called(ctx, identifier)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*db.Worker), args.Error(1)
}

// PullTask mocks a worker pulling its next task
func (m *MockCoordinator) PullTask(ctx context.Context, taskType, identifier string) (*coordinator.Task, error) {
	args := m.Called(ctx, taskType, identifier)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*coordinator.Task), args.Error(1)
}

// MarkProcessing mocks the task-started report
func (m *MockCoordinator) MarkProcessing(ctx context.Context, siteID, identifier string) (*db.Site, error) {
	args := m.Called(ctx, siteID, identifier)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*db.Site), args.Error(1)
}

// Finalize mocks a completion report
func (m *MockCoordinator) Finalize(ctx context.Context, report coordinator.Report) (*coordinator.FinalizeResult, error) {
	args := m.Called(ctx, report)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*coordinator.FinalizeResult), args.Error(1)
}

// Intake mocks Site submission
func (m *MockCoordinator) Intake(ctx context.Context, req coordinator.IntakeRequest) (*coordinator.IntakeResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*coordinator.IntakeResult), args.Error(1)
}

// RemoveSite mocks Site deletion
func (m *MockCoordinator) RemoveSite(ctx context.Context, siteID string) error {
	args := m.Called(ctx, siteID)
	return args.Error(0)
}

// MockReconciler records sweep requests
type MockReconciler struct {
	mock.Mock
}

// Trigger mocks requesting a reconciler sweep
func (m *MockReconciler) Trigger() {
	m.Called()
}
