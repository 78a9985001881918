package jobs

import (
	"context"

	"gearhouse-backend/internal/config"
	"gearhouse-backend/internal/logger"
)

// JobRunner coordinates all scheduled jobs
type JobRunner struct {
	services *Services
	config   *config.Config
}

type LinkSweeper interface {
	SweepExpired(ctx context.Context) (int64, error)
}

type OverdueFlagger interface {
	FlagOverdue(ctx context.Context, limit int) (int, error)
}

type SettlementRetrier interface {
	RetryPending(ctx context.Context, limit int) (int, error)
}

type OutboxProcessor interface {
	ProcessOnce(ctx context.Context) (int, error)
}

// Services holds all service dependencies needed by jobs
type Services struct {
	Verification LinkSweeper
	Transactions OverdueFlagger
	Settlements  SettlementRetrier
	Outbox       OutboxProcessor
}

// NewJobRunner creates a new job runner with all dependencies
func NewJobRunner(services *Services, cfg *config.Config) *JobRunner {
	return &JobRunner{
		services: services,
		config:   cfg,
	}
}

// Config returns the configuration the jobs were built with
func (jr *JobRunner) Config() *config.Config {
	return jr.config
}

// runWithRecovery wraps job execution with panic recovery
func (jr *JobRunner) runWithRecovery(jobName string, jobFunc func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Job panicked", "job", jobName, "panic", r)
		}
	}()

	logger.Debug("Starting job", "job", jobName)
	jobFunc()
	logger.Debug("Job completed", "job", jobName)
}

// RunAll runs every job once (for manual execution)
func (jr *JobRunner) RunAll() {
	jr.ExpireVerificationLinks()
	jr.FlagOverdueTransactions()
	jr.RetryPendingSettlements()
	jr.PublishOutbox()
}
