package service

import (
	"context"
	"fmt"

	"gearhouse-backend/internal/domain"
	"gearhouse-backend/internal/repository"

	"github.com/google/uuid"
)

type availabilityService struct {
	catalog  CatalogService
	txnRepo  repository.TransactionRepository
	listings ListingProvider
}

// NewAvailabilityService answers read-only availability questions. The
// authoritative check runs again inside TransactionRepository.Reserve.
func NewAvailabilityService(catalog CatalogService, txnRepo repository.TransactionRepository, listings ListingProvider) AvailabilityService {
	return &availabilityService{
		catalog:  catalog,
		txnRepo:  txnRepo,
		listings: listings,
	}
}

func (s *availabilityService) CheckAvailability(ctx context.Context, ref domain.AssetRef, iv domain.Interval) (*domain.Availability, error) {
	if err := iv.Validate(); err != nil {
		return nil, err
	}
	unit, err := s.catalog.ResolveUnit(ctx, ref)
	if err != nil {
		return nil, err
	}
	return s.check(ctx, unit, iv, uuid.Nil)
}

func (s *availabilityService) CheckListingAvailability(ctx context.Context, listingID uuid.UUID, iv domain.Interval) (*domain.Availability, error) {
	if err := iv.Validate(); err != nil {
		return nil, err
	}
	listing, err := getListing(ctx, s.listings, listingID)
	if err != nil {
		return nil, err
	}
	unit, err := s.catalog.ResolveUnit(ctx, listing.Target)
	if err != nil {
		return nil, err
	}
	avail, err := s.check(ctx, unit, iv, uuid.Nil)
	if err != nil {
		return nil, err
	}
	avail.Blackouts = listing.BlackoutsOverlapping(iv)
	avail.Available = avail.Available && len(avail.Blackouts) == 0
	return avail, nil
}

func (s *availabilityService) check(ctx context.Context, unit *domain.Unit, iv domain.Interval, exclude uuid.UUID) (*domain.Availability, error) {
	conflicts, err := s.txnRepo.FindConflicts(ctx, unit.HeldIDs, iv, exclude)
	if err != nil {
		return nil, err
	}
	if conflicts == nil {
		conflicts = []domain.TransactionRef{}
	}
	return &domain.Availability{Available: len(conflicts) == 0, Conflicts: conflicts}, nil
}

func getListing(ctx context.Context, listings ListingProvider, id uuid.UUID) (*domain.Listing, error) {
	if listings == nil {
		return nil, domain.Invalidf("marketplace listings are not configured")
	}
	listing, err := listings.GetListing(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", id, err)
	}
	return listing, nil
}
