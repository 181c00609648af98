package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"dms/internal/model"
	"dms/internal/repository"
)

type MockDocumentRepository struct {
	mock.Mock
}

func (m *MockDocumentRepository) Create(ctx context.Context, doc *model.Document, evt model.DomainEvent) (*model.Document, error) {
	args := m.Called(ctx, doc, evt)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Document), args.Error(1)
}

func (m *MockDocumentRepository) FindByID(ctx context.Context, id string) (*model.Document, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Document), args.Error(1)
}

func (m *MockDocumentRepository) List(ctx context.Context, q repository.ListQuery) (*repository.PageResult[model.Document], error) {
	args := m.Called(ctx, q)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*repository.PageResult[model.Document]), args.Error(1)
}

func (m *MockDocumentRepository) Update(ctx context.Context, doc *model.Document, expectedRevision int64, evt model.DomainEvent) (*model.Document, error) {
	args := m.Called(ctx, doc, expectedRevision, evt)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Document), args.Error(1)
}

func (m *MockDocumentRepository) Delete(ctx context.Context, id string, expectedRevision int64, evt model.DomainEvent) error {
	args := m.Called(ctx, id, expectedRevision, evt)
	return args.Error(0)
}
