package ledger

import (
	"context"

	"gearhouse-backend/internal/domain"
	"gearhouse-backend/internal/logger"
)

// LoggingClient accepts every entry and only logs it. Used when no ledger
// URL is configured.
type LoggingClient struct{}

func NewLoggingClient() *LoggingClient {
	return &LoggingClient{}
}

func (LoggingClient) Post(ctx context.Context, entry domain.LedgerEntry) (string, error) {
	logger.InfoContext(ctx, "Ledger entry (not posted)",
		"sourceType", entry.SourceType,
		"sourceID", entry.SourceID,
		"orgID", entry.OrgID,
		"amount", entry.Amount.StringFixed(2),
	)
	return "log-" + entry.SourceID, nil
}
