// Package app wires the store, collaborators and services from config.
package app

import (
	"context"
	"fmt"
	"time"

	"gearhouse-backend/internal/config"
	"gearhouse-backend/internal/events"
	"gearhouse-backend/internal/ledger"
	"gearhouse-backend/internal/logger"
	"gearhouse-backend/internal/marketplace"
	"gearhouse-backend/internal/repository/sqlstore"
	"gearhouse-backend/internal/security"
	"gearhouse-backend/internal/service"

	"github.com/redis/go-redis/v9"
)

type App struct {
	Config *config.Config
	Store  *sqlstore.Store
	Tokens security.TokenManager
	Relay  *events.Relay

	Catalog      service.CatalogService
	Availability service.AvailabilityService
	Policies     service.PolicyService
	Transactions service.TransactionService
	Verification service.VerificationService
	Settlements  service.SettlementService
	Extensions   service.ExtensionService

	publisher events.Publisher
	redis     *redis.Client
}

// Build opens the store and constructs every service. Close releases what
// Build opened.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	dialect, err := sqlstore.ParseDialect(cfg.Database.Driver)
	if err != nil {
		return nil, err
	}
	dsn := cfg.GetDatabaseConnectionString()
	if cfg.Database.AutoMigrate {
		logger.Info("Applying database migrations", "driver", dialect.String())
		if err := sqlstore.Migrate(dialect, dsn); err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}
	db, err := sqlstore.Open(ctx, dialect, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	a := &App{Config: cfg, Store: sqlstore.NewStore(db, dialect)}
	logger.Info("Database connection established", "driver", dialect.String())

	a.Tokens = security.NewTokenManager(cfg.JWT.Secret, cfg.JWT.Issuer, time.Duration(cfg.JWT.AccessTokenExpiry)*time.Minute, nil)

	var ledgerClient service.LedgerClient
	if cfg.Ledger.URL == "" {
		logger.Warn("No ledger URL configured, settlements are only logged")
		ledgerClient = ledger.NewLoggingClient()
	} else {
		ledgerClient = ledger.NewClient(cfg.Ledger)
	}

	var listings service.ListingProvider
	if cfg.Marketplace.URL != "" {
		client := marketplace.NewClient(cfg.Marketplace)
		listings = client
		if cfg.Redis.URL != "" {
			rdb, err := marketplace.Connect(ctx, cfg.Redis.URL)
			if err != nil {
				a.Close()
				return nil, err
			}
			a.redis = rdb
			listings = marketplace.NewCachedProvider(client, rdb, time.Duration(cfg.Marketplace.CacheTTLSeconds)*time.Second)
		}
	}

	a.publisher, err = events.NewPublisher(cfg.Events)
	if err != nil {
		a.Close()
		return nil, err
	}

	store := a.Store
	a.Catalog = service.NewCatalogService(store.AssetRepository, store.KitRepository, nil)
	a.Policies = service.NewPolicyService(store.PolicyRepository, nil)
	a.Availability = service.NewAvailabilityService(a.Catalog, store.TransactionRepository, listings)
	a.Settlements = service.NewSettlementService(store.SettlementRepository, store.TransactionRepository, store.IncidentRepository, ledgerClient, nil)
	a.Transactions = service.NewTransactionService(store.TransactionRepository, store.VerificationRepository, store.IncidentRepository,
		a.Catalog, a.Policies, a.Settlements, listings, nil)
	a.Verification = service.NewVerificationService(store.VerificationRepository, store.TransactionRepository, a.Catalog, a.Policies, a.Tokens, nil)
	a.Extensions = service.NewExtensionService(store.ExtensionRepository, store.TransactionRepository, a.Policies, nil)
	a.Relay = events.NewRelay(store.OutboxRepository, a.publisher, cfg.Engine.OutboxBatchSize, cfg.Engine.OutboxMaxAttempts)
	return a, nil
}

// StartRelay drains the outbox in the background every
// engine.relay_interval_seconds until ctx is done. The returned channel is
// closed once the relay has stopped; it is closed immediately when the
// interval is not set.
func (a *App) StartRelay(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	interval := time.Duration(a.Config.Engine.RelayIntervalSeconds) * time.Second
	if interval <= 0 {
		close(done)
		return done
	}
	logger.Info("Starting in-process outbox relay", "interval", interval.String())
	go func() {
		defer close(done)
		a.Relay.Run(ctx, interval)
	}()
	return done
}

func (a *App) Close() {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			logger.Warn("Failed to close event publisher", "error", err)
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			logger.Warn("Failed to close database", "error", err)
		}
	}
}
