package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"dms/internal/model"
	"dms/internal/repository"
)

type MockOutboxRepository struct {
	mock.Mock
}

func (m *MockOutboxRepository) Pending(ctx context.Context, q repository.PendingQuery) ([]model.OutboxEntry, error) {
	args := m.Called(ctx, q)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.OutboxEntry), args.Error(1)
}

func (m *MockOutboxRepository) MarkPublished(ctx context.Context, seq int64, at time.Time) error {
	args := m.Called(ctx, seq, at)
	return args.Error(0)
}

func (m *MockOutboxRepository) MarkFailed(ctx context.Context, seq int64, cause string) error {
	args := m.Called(ctx, seq, cause)
	return args.Error(0)
}
