package jobs

import (
	"context"

	"gearhouse-backend/internal/logger"
)

// overdueBatch bounds one overdue pass; the next run picks up the rest.
const overdueBatch = 500

// ExpireVerificationLinks marks async receiver sessions whose link expired
// before completion.
func (jr *JobRunner) ExpireVerificationLinks() {
	jr.runWithRecovery("ExpireVerificationLinks", func() {
		n, err := jr.services.Verification.SweepExpired(context.Background())
		if err != nil {
			logger.Error("Failed to expire verification links", "error", err)
			return
		}
		if n > 0 {
			logger.Info("Expired verification links", "count", n)
		}
	})
}

// FlagOverdueTransactions flags checked-out transactions past their end
// plus grace and enqueues one late-return notification each.
func (jr *JobRunner) FlagOverdueTransactions() {
	jr.runWithRecovery("FlagOverdueTransactions", func() {
		n, err := jr.services.Transactions.FlagOverdue(context.Background(), overdueBatch)
		if err != nil {
			logger.Error("Failed to flag overdue transactions", "error", err)
			return
		}
		if n > 0 {
			logger.Info("Flagged overdue transactions", "count", n)
		}
	})
}

// RetryPendingSettlements re-posts settlements the ledger did not accept.
func (jr *JobRunner) RetryPendingSettlements() {
	jr.runWithRecovery("RetryPendingSettlements", func() {
		n, err := jr.services.Settlements.RetryPending(context.Background(), jr.config.Engine.SettlementRetryLimit)
		if err != nil {
			logger.Warn("Settlement retry stopped early", "posted", n, "error", err)
			return
		}
		if n > 0 {
			logger.Info("Posted pending settlements", "count", n)
		}
	})
}

// PublishOutbox relays one batch of notifications to the broker.
func (jr *JobRunner) PublishOutbox() {
	jr.runWithRecovery("PublishOutbox", func() {
		n, err := jr.services.Outbox.ProcessOnce(context.Background())
		if err != nil {
			logger.Error("Failed to publish outbox", "error", err)
			return
		}
		if n > 0 {
			logger.Info("Published notifications", "count", n)
		}
	})
}
