// Package marketplace reads cross-organization listings from the
// marketplace listing service.
package marketplace

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"gearhouse-backend/internal/config"
	"gearhouse-backend/internal/domain"
	"gearhouse-backend/internal/logger"

	"github.com/google/uuid"
)

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(cfg config.MarketplaceConfig) *Client {
	return &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		httpClient: &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
	}
}

// GetListing fetches one listing. Unknown listings map to domain.ErrNotFound.
func (c *Client) GetListing(ctx context.Context, id uuid.UUID) (*domain.Listing, error) {
	logger.ExternalServiceCall("marketplace", "GetListing", "listingID", id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/listings/"+id.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.ExternalServiceResult("marketplace", "GetListing", err, "listingID", id)
		return nil, fmt.Errorf("marketplace request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		logger.ExternalServiceResult("marketplace", "GetListing", domain.ErrNotFound, "listingID", id)
		return nil, domain.ErrNotFound
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		err := fmt.Errorf("marketplace returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		logger.ExternalServiceResult("marketplace", "GetListing", err, "listingID", id)
		return nil, err
	}

	var listing domain.Listing
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return nil, fmt.Errorf("failed to decode listing: %w", err)
	}
	logger.ExternalServiceResult("marketplace", "GetListing", nil, "listingID", id)
	return &listing, nil
}
