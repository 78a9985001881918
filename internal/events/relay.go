package events

import (
	"context"
	"fmt"
	"time"

	"gearhouse-backend/internal/config"
	"gearhouse-backend/internal/logger"
	"gearhouse-backend/internal/repository"
)

// NewPublisher builds the publisher selected by the events config.
func NewPublisher(cfg config.EventsConfig) (Publisher, error) {
	switch cfg.Broker {
	case config.BrokerKafka:
		return NewKafkaPublisher(cfg.KafkaBrokers, cfg.Topic)
	case config.BrokerRabbitMQ:
		return NewRabbitMQPublisher(cfg.RabbitMQURL, cfg.Exchange)
	case config.BrokerLog, "":
		return NewLogPublisher(), nil
	default:
		return nil, fmt.Errorf("unsupported event broker: %s", cfg.Broker)
	}
}

// Relay moves outbox messages to the publisher. A message is marked
// published only after the broker accepted it; failures are recorded and
// retried on the next pass until maxAttempts.
type Relay struct {
	outbox      repository.OutboxRepository
	publisher   Publisher
	batchSize   int
	maxAttempts int
	now         func() time.Time
}

func NewRelay(outbox repository.OutboxRepository, publisher Publisher, batchSize, maxAttempts int) *Relay {
	return &Relay{
		outbox:      outbox,
		publisher:   publisher,
		batchSize:   batchSize,
		maxAttempts: maxAttempts,
		now:         time.Now,
	}
}

// ProcessOnce publishes one batch and returns how many messages were sent.
func (r *Relay) ProcessOnce(ctx context.Context) (int, error) {
	msgs, err := r.outbox.FetchUnpublished(ctx, r.batchSize, r.maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch outbox: %w", err)
	}

	sent := 0
	for _, msg := range msgs {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		if err := r.publisher.Publish(ctx, msg); err != nil {
			logger.Warn("Failed to publish notification", "id", msg.ID, "type", msg.Type, "attempt", msg.Attempts+1, "error", err)
			if markErr := r.outbox.MarkFailed(ctx, msg.ID, err.Error()); markErr != nil {
				logger.Error("Failed to record publish failure", "id", msg.ID, "error", markErr)
			}
			if msg.Attempts+1 >= r.maxAttempts {
				logger.Error("Notification exhausted publish attempts", "id", msg.ID, "type", msg.Type, "transactionID", msg.TransactionID)
			}
			continue
		}
		if err := r.outbox.MarkPublished(ctx, msg.ID, r.now()); err != nil {
			// The broker has it; a repeat on the next pass is deduplicated downstream.
			logger.Error("Failed to mark notification published", "id", msg.ID, "error", err)
			continue
		}
		sent++
	}
	return sent, nil
}

// Run processes batches every interval until ctx is done.
func (r *Relay) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if n, err := r.ProcessOnce(ctx); err != nil {
			logger.Error("Outbox relay pass failed", "error", err)
		} else if n > 0 {
			logger.Debug("Outbox relay pass", "published", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
