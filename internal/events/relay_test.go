package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"gearhouse-backend/internal/config"
	"gearhouse-backend/internal/domain"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockOutboxRepository struct {
	mock.Mock
}

func (m *MockOutboxRepository) FetchUnpublished(ctx context.Context, limit, maxAttempts int) ([]domain.OutboxMessage, error) {
	args := m.Called(ctx, limit, maxAttempts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.OutboxMessage), args.Error(1)
}

func (m *MockOutboxRepository) MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error {
	args := m.Called(ctx, id, at)
	return args.Error(0)
}

func (m *MockOutboxRepository) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	args := m.Called(ctx, id, errMsg)
	return args.Error(0)
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, msg domain.OutboxMessage) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *MockPublisher) Close() error {
	return m.Called().Error(0)
}

func message(typ domain.NotificationType) domain.OutboxMessage {
	return domain.OutboxMessage{
		ID:            uuid.New(),
		Type:          typ,
		TransactionID: uuid.New(),
		OrgID:         uuid.New(),
		Payload:       json.RawMessage(`{"late_days":1}`),
		CreatedAt:     time.Date(2027, 1, 5, 9, 0, 0, 0, time.UTC),
	}
}

func TestRelay_ProcessOnce(t *testing.T) {
	now := time.Date(2027, 1, 5, 10, 0, 0, 0, time.UTC)

	t.Run("PublishesAndMarks", func(t *testing.T) {
		repo := new(MockOutboxRepository)
		pub := new(MockPublisher)
		a, b := message(domain.NotifyCheckout), message(domain.NotifyLateReturn)
		repo.On("FetchUnpublished", mock.Anything, 50, 5).Return([]domain.OutboxMessage{a, b}, nil)
		pub.On("Publish", mock.Anything, a).Return(nil)
		pub.On("Publish", mock.Anything, b).Return(nil)
		repo.On("MarkPublished", mock.Anything, a.ID, now).Return(nil)
		repo.On("MarkPublished", mock.Anything, b.ID, now).Return(nil)

		relay := NewRelay(repo, pub, 50, 5)
		relay.now = func() time.Time { return now }
		n, err := relay.ProcessOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		repo.AssertExpectations(t)
		pub.AssertExpectations(t)
	})

	t.Run("FailureIsRecorded", func(t *testing.T) {
		repo := new(MockOutboxRepository)
		pub := new(MockPublisher)
		a, b := message(domain.NotifyCheckin), message(domain.NotifyDamageFound)
		repo.On("FetchUnpublished", mock.Anything, 50, 5).Return([]domain.OutboxMessage{a, b}, nil)
		pub.On("Publish", mock.Anything, a).Return(errors.New("broker down"))
		pub.On("Publish", mock.Anything, b).Return(nil)
		repo.On("MarkFailed", mock.Anything, a.ID, "broker down").Return(nil)
		repo.On("MarkPublished", mock.Anything, b.ID, now).Return(nil)

		relay := NewRelay(repo, pub, 50, 5)
		relay.now = func() time.Time { return now }
		n, err := relay.ProcessOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		repo.AssertNotCalled(t, "MarkPublished", mock.Anything, a.ID, mock.Anything)
		repo.AssertExpectations(t)
	})

	t.Run("FetchError", func(t *testing.T) {
		repo := new(MockOutboxRepository)
		repo.On("FetchUnpublished", mock.Anything, 10, 3).Return(nil, errors.New("db gone"))

		_, err := NewRelay(repo, new(MockPublisher), 10, 3).ProcessOnce(context.Background())
		assert.Error(t, err)
	})
}

func TestRelay_Run(t *testing.T) {
	repo := new(MockOutboxRepository)
	repo.On("FetchUnpublished", mock.Anything, 10, 3).Return([]domain.OutboxMessage{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewRelay(repo, new(MockPublisher), 10, 3).Run(ctx, time.Millisecond)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
	assert.GreaterOrEqual(t, len(repo.Calls), 2)
}

func TestEncode(t *testing.T) {
	msg := message(domain.NotifyLateReturn)
	raw, err := encode(msg)
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, msg.ID, env.ID)
	assert.Equal(t, domain.NotifyLateReturn, env.Type)
	assert.JSONEq(t, `{"late_days":1}`, string(env.Payload))

	msg.Payload = nil
	raw, err = encode(msg)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"payload":{}`)
}

func TestNewPublisher(t *testing.T) {
	pub, err := NewPublisher(config.EventsConfig{Broker: config.BrokerLog})
	require.NoError(t, err)
	assert.IsType(t, &LogPublisher{}, pub)
	assert.NoError(t, pub.Publish(context.Background(), message(domain.NotifyCheckout)))

	_, err = NewPublisher(config.EventsConfig{Broker: config.BrokerKafka})
	assert.Error(t, err)

	_, err = NewPublisher(config.EventsConfig{Broker: "carrier-pigeon"})
	assert.Error(t, err)
}
