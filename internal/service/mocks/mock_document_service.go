package mocks

import (
	"context"
	"io"
	"time"

	"github.com/stretchr/testify/mock"

	"dms/internal/model"
	"dms/internal/service"
)

type MockDocumentService struct {
	mock.Mock
}

var _ service.DocumentService = (*MockDocumentService)(nil)

func (m *MockDocumentService) Create(ctx context.Context, in service.CreateInput) (*model.Document, error) {
	args := m.Called(ctx, in)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Document), args.Error(1)
}

func (m *MockDocumentService) Get(ctx context.Context, id string) (*model.Document, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Document), args.Error(1)
}

func (m *MockDocumentService) Open(ctx context.Context, id string) (*model.Document, io.ReadCloser, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, nil, args.Error(2)
	}
	rc, _ := args.Get(1).(io.ReadCloser)
	return args.Get(0).(*model.Document), rc, args.Error(2)
}

func (m *MockDocumentService) PresignContent(ctx context.Context, id string, expiry time.Duration) (*service.Link, error) {
	args := m.Called(ctx, id, expiry)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.Link), args.Error(1)
}

func (m *MockDocumentService) List(ctx context.Context, in service.ListInput) (*service.DocumentListResult, error) {
	args := m.Called(ctx, in)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.DocumentListResult), args.Error(1)
}

func (m *MockDocumentService) Update(ctx context.Context, id string, in service.UpdateInput) (*model.Document, error) {
	args := m.Called(ctx, id, in)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Document), args.Error(1)
}

func (m *MockDocumentService) Delete(ctx context.Context, id string, revision int64) error {
	args := m.Called(ctx, id, revision)
	return args.Error(0)
}
