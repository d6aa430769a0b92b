package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/dukex/callflow/pkg/models"
)

// MockPersistence is a mock implementation of persistence.Persistence interface.
type MockPersistence struct {
	mock.Mock
}

func (m *MockPersistence) Workflow(ctx context.Context, id string, version int) (*models.WorkflowGraph, error) {
	args := m.Called(ctx, id, version)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.WorkflowGraph), args.Error(1)
}

func (m *MockPersistence) SaveWorkflow(ctx context.Context, graph *models.WorkflowGraph) error {
	args := m.Called(ctx, graph)

	return args.Error(0)
}

func (m *MockPersistence) WorkflowVersions(ctx context.Context, id string) ([]int, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]int), args.Error(1)
}

func (m *MockPersistence) RoutingRules(ctx context.Context, hospitalID, intentKey string) ([]models.RoutingRule, error) {
	args := m.Called(ctx, hospitalID, intentKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]models.RoutingRule), args.Error(1)
}

func (m *MockPersistence) SaveRoutingRules(ctx context.Context, hospitalID, intentKey string, rules []models.RoutingRule) error {
	args := m.Called(ctx, hospitalID, intentKey, rules)

	return args.Error(0)
}

func (m *MockPersistence) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockPersistence) Close(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

// MockCallLogRepository is a mock implementation of
// persistence.CallLogRepository interface.
type MockCallLogRepository struct {
	mock.Mock
}

func (m *MockCallLogRepository) SaveCall(ctx context.Context, info models.CallInfo) error {
	args := m.Called(ctx, info)

	return args.Error(0)
}

func (m *MockCallLogRepository) Call(ctx context.Context, callID string) (*models.CallInfo, error) {
	args := m.Called(ctx, callID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.CallInfo), args.Error(1)
}

func (m *MockCallLogRepository) AppendEvent(ctx context.Context, callID string, event models.CallEvent) error {
	args := m.Called(ctx, callID, event)

	return args.Error(0)
}

func (m *MockCallLogRepository) Events(ctx context.Context, callID string) ([]models.CallEvent, error) {
	args := m.Called(ctx, callID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]models.CallEvent), args.Error(1)
}

func (m *MockCallLogRepository) SaveHandoff(ctx context.Context, payload models.HandoffPayload) (bool, error) {
	args := m.Called(ctx, payload)

	return args.Bool(0), args.Error(1)
}

func (m *MockCallLogRepository) Handoff(ctx context.Context, callID string) (*models.HandoffPayload, error) {
	args := m.Called(ctx, callID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.HandoffPayload), args.Error(1)
}

func (m *MockCallLogRepository) Close(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}
