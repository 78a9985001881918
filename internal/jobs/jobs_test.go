package jobs

import (
	"context"
	"errors"
	"testing"

	"gearhouse-backend/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type MockEngine struct {
	mock.Mock
}

func (m *MockEngine) SweepExpired(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockEngine) FlagOverdue(ctx context.Context, limit int) (int, error) {
	args := m.Called(ctx, limit)
	return args.Int(0), args.Error(1)
}

func (m *MockEngine) RetryPending(ctx context.Context, limit int) (int, error) {
	args := m.Called(ctx, limit)
	return args.Int(0), args.Error(1)
}

func (m *MockEngine) ProcessOnce(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func newRunner(m *MockEngine) *JobRunner {
	cfg := &config.Config{Engine: config.EngineConfig{SettlementRetryLimit: 25}}
	return NewJobRunner(&Services{Verification: m, Transactions: m, Settlements: m, Outbox: m}, cfg)
}

func TestJobRunner_RunAll(t *testing.T) {
	m := new(MockEngine)
	m.On("SweepExpired", mock.Anything).Return(int64(2), nil)
	m.On("FlagOverdue", mock.Anything, overdueBatch).Return(1, nil)
	m.On("RetryPending", mock.Anything, 25).Return(0, errors.New("ledger unavailable"))
	m.On("ProcessOnce", mock.Anything).Return(3, nil)

	newRunner(m).RunAll()
	m.AssertExpectations(t)
}

func TestJobRunner_RecoversFromPanic(t *testing.T) {
	m := new(MockEngine)
	m.On("SweepExpired", mock.Anything).Panic("boom")
	m.On("FlagOverdue", mock.Anything, overdueBatch).Return(0, nil)

	runner := newRunner(m)
	assert.NotPanics(t, runner.ExpireVerificationLinks)
	runner.FlagOverdueTransactions()
	m.AssertCalled(t, "FlagOverdue", mock.Anything, overdueBatch)
}
