// Package ledger posts settlement entries to the external financial ledger.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"gearhouse-backend/internal/config"
	"gearhouse-backend/internal/domain"
	"gearhouse-backend/internal/logger"

	"github.com/sony/gobreaker"
)

const entriesPath = "/v1/entries"

// Client is an HTTP ledger client. Every attempt runs through a circuit
// breaker; transient failures are retried with jittered exponential backoff.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	maxRetries int
	baseDelay  time.Duration
}

// rejectedError is a non-retryable answer from the ledger. It does not
// count against the breaker.
type rejectedError struct {
	status int
	body   string
}

func (e *rejectedError) Error() string {
	return fmt.Sprintf("ledger rejected entry: status %d: %s", e.status, e.body)
}

type postResponse struct {
	ID string `json:"id"`
}

func NewClient(cfg config.LedgerConfig) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
		maxRetries: cfg.MaxRetries,
		baseDelay:  time.Duration(cfg.RetryBaseDelayMilli) * time.Millisecond,
	}
	maxFailures := cfg.BreakerMaxFailures
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "ledger",
		Timeout: time.Duration(cfg.BreakerOpenSeconds) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		IsSuccessful: func(err error) bool {
			var rejected *rejectedError
			return err == nil || errors.As(err, &rejected)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return c
}

// Post sends the entry and returns the ledger's reference for it. A
// duplicate (same source type and id) returns the reference of the entry
// already recorded.
func (c *Client) Post(ctx context.Context, entry domain.LedgerEntry) (string, error) {
	logger.ExternalServiceCall("ledger", "Post", "sourceID", entry.SourceID)
	body, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("failed to encode ledger entry: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepWithContext(ctx, fullJitter(exponential(c.baseDelay, attempt-1))); err != nil {
				break
			}
		}

		out, err := c.breaker.Execute(func() (interface{}, error) {
			return c.send(ctx, entry, body)
		})
		if err == nil {
			ref := out.(string)
			logger.ExternalServiceResult("ledger", "Post", nil, "sourceID", entry.SourceID, "ref", ref)
			return ref, nil
		}
		lastErr = err

		var rejected *rejectedError
		if errors.As(err, &rejected) || errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			break
		}
		logger.Debug("Ledger post attempt failed", "sourceID", entry.SourceID, "attempt", attempt+1, "error", err)
	}

	if ctx.Err() != nil && lastErr == nil {
		lastErr = ctx.Err()
	}
	logger.ExternalServiceResult("ledger", "Post", lastErr, "sourceID", entry.SourceID)
	return "", fmt.Errorf("%w: %v", domain.ErrLedgerUnavailable, lastErr)
}

func (c *Client) send(ctx context.Context, entry domain.LedgerEntry, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+entriesPath, bytes.NewReader(body))
	if err != nil {
		return "", &rejectedError{status: 0, body: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", entry.SourceType+":"+entry.SourceID)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode == http.StatusOK, resp.StatusCode == http.StatusCreated, resp.StatusCode == http.StatusConflict:
		var out postResponse
		if err := json.Unmarshal(raw, &out); err != nil || out.ID == "" {
			return "", fmt.Errorf("ledger returned status %d without an entry id", resp.StatusCode)
		}
		return out.ID, nil
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return "", fmt.Errorf("ledger returned status %d", resp.StatusCode)
	default:
		return "", &rejectedError{status: resp.StatusCode, body: strings.TrimSpace(string(raw))}
	}
}
