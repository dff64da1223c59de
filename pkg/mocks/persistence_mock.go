package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/dukex/flowtree/pkg/models"
	"github.com/dukex/flowtree/pkg/persistence"
)

// MockFlowRepository is a mock implementation of persistence.FlowRepository interface.
type MockFlowRepository struct {
	mock.Mock
}

func (m *MockFlowRepository) Get(ctx context.Context, id string) (*models.Flow, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Flow), args.Error(1)
}

func (m *MockFlowRepository) List(ctx context.Context, filter models.FlowFilter) ([]*models.Flow, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.Flow), args.Error(1)
}

func (m *MockFlowRepository) Insert(ctx context.Context, flow *models.Flow) error {
	args := m.Called(ctx, flow)

	return args.Error(0)
}

func (m *MockFlowRepository) Update(ctx context.Context, id string, patch models.FlowPatch) (*models.Flow, error) {
	args := m.Called(ctx, id, patch)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Flow), args.Error(1)
}

func (m *MockFlowRepository) Upsert(ctx context.Context, flow *models.Flow) error {
	args := m.Called(ctx, flow)

	return args.Error(0)
}

func (m *MockFlowRepository) DeleteOne(ctx context.Context, id string) error {
	args := m.Called(ctx, id)

	return args.Error(0)
}

func (m *MockFlowRepository) Descendants(ctx context.Context, id string) ([]*models.Flow, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.Flow), args.Error(1)
}

func (m *MockFlowRepository) Ancestors(ctx context.Context, id string) ([]*models.Flow, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.Flow), args.Error(1)
}

// MockTemplateRepository is a mock implementation of persistence.TemplateRepository interface.
type MockTemplateRepository struct {
	mock.Mock
}

func (m *MockTemplateRepository) Get(ctx context.Context, id string) (*models.NestedFlowTemplate, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.NestedFlowTemplate), args.Error(1)
}

func (m *MockTemplateRepository) List(ctx context.Context, filter models.TemplateFilter) ([]*models.NestedFlowTemplate, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.NestedFlowTemplate), args.Error(1)
}

func (m *MockTemplateRepository) Upsert(ctx context.Context, template *models.NestedFlowTemplate) error {
	args := m.Called(ctx, template)

	return args.Error(0)
}

func (m *MockTemplateRepository) IncrementUsage(ctx context.Context, id string) error {
	args := m.Called(ctx, id)

	return args.Error(0)
}

// MockPersistence is a mock implementation of persistence.Persistence interface.
// Atomic runs the callback directly against the mock and is not transactional
// unless configured otherwise.
type MockPersistence struct {
	mock.Mock

	flowRepo      *MockFlowRepository
	templateRepo  *MockTemplateRepository
	transactional bool
}

// NewMockPersistence creates a new mock persistence with fresh repository mocks.
func NewMockPersistence() *MockPersistence {
	return &MockPersistence{
		flowRepo:     &MockFlowRepository{},
		templateRepo: &MockTemplateRepository{},
	}
}

// GetMockFlowRepository returns the underlying mock flow repository for setting up expectations.
func (m *MockPersistence) GetMockFlowRepository() *MockFlowRepository {
	return m.flowRepo
}

// GetMockTemplateRepository returns the underlying mock template repository for setting up expectations.
func (m *MockPersistence) GetMockTemplateRepository() *MockTemplateRepository {
	return m.templateRepo
}

// SetTransactional controls the value reported by Transactional.
func (m *MockPersistence) SetTransactional(transactional bool) {
	m.transactional = transactional
}

func (m *MockPersistence) FlowRepository() persistence.FlowRepository {
	return m.flowRepo
}

func (m *MockPersistence) TemplateRepository() persistence.TemplateRepository {
	return m.templateRepo
}

func (m *MockPersistence) Atomic(ctx context.Context, fn func(ctx context.Context, tx persistence.Persistence) error) error {
	return fn(ctx, m)
}

func (m *MockPersistence) Transactional() bool {
	return m.transactional
}

func (m *MockPersistence) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockPersistence) Close(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}
