package marketplace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gearhouse-backend/internal/domain"
	"gearhouse-backend/internal/logger"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "gearhouse:listing:"

// Provider is the listing lookup the cache decorates.
type Provider interface {
	GetListing(ctx context.Context, id uuid.UUID) (*domain.Listing, error)
}

// CachedProvider keeps listings in Redis for a fixed TTL. Redis failures
// fall through to the wrapped provider.
type CachedProvider struct {
	next   Provider
	client *redis.Client
	ttl    time.Duration
}

func NewCachedProvider(next Provider, client *redis.Client, ttl time.Duration) *CachedProvider {
	return &CachedProvider{next: next, client: client, ttl: ttl}
}

// Connect initializes a Redis client from URL or host:port input.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (p *CachedProvider) GetListing(ctx context.Context, id uuid.UUID) (*domain.Listing, error) {
	key := keyPrefix + id.String()

	raw, err := p.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var listing domain.Listing
		if err := json.Unmarshal(raw, &listing); err == nil {
			return &listing, nil
		}
		logger.Warn("Discarding undecodable cached listing", "listingID", id)
	case !errors.Is(err, redis.Nil):
		logger.Warn("Listing cache read failed", "listingID", id, "error", err)
	}

	listing, err := p.next.GetListing(ctx, id)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(listing); err == nil {
		if err := p.client.Set(ctx, key, data, p.ttl).Err(); err != nil {
			logger.Warn("Listing cache write failed", "listingID", id, "error", err)
		}
	}
	return listing, nil
}

// Invalidate drops a cached listing.
func (p *CachedProvider) Invalidate(ctx context.Context, id uuid.UUID) error {
	return p.client.Del(ctx, keyPrefix+id.String()).Err()
}
