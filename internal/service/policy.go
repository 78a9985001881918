package service

import (
	"context"
	"errors"

	"gearhouse-backend/internal/domain"
	"gearhouse-backend/internal/logger"
	"gearhouse-backend/internal/repository"

	"github.com/google/uuid"
)

type policyService struct {
	policyRepo repository.PolicyRepository
	now        Clock
}

func NewPolicyService(policyRepo repository.PolicyRepository, clock Clock) PolicyService {
	return &policyService{policyRepo: policyRepo, now: clockOrNow(clock)}
}

// GetPolicy returns the stored settings, or the defaults for organizations
// that never saved any.
func (s *policyService) GetPolicy(ctx context.Context, orgID uuid.UUID) (*domain.OrgPolicy, error) {
	p, err := s.policyRepo.Get(ctx, orgID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.DefaultOrgPolicy(orgID), nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// UpdatePolicy replaces the organization's settings. Transactions already
// reserved keep the snapshot they were reserved with.
func (s *policyService) UpdatePolicy(ctx context.Context, actor domain.Actor, p *domain.OrgPolicy) error {
	logger.EnterMethod("policyService.UpdatePolicy", "orgID", actor.OrgID, "userID", actor.UserID)
	if !actor.Role.IsAdmin() {
		logger.ExitMethodWithError("policyService.UpdatePolicy", domain.ErrForbidden)
		return domain.ErrForbidden
	}
	p.OrgID = actor.OrgID
	if err := p.Validate(); err != nil {
		logger.ExitMethodWithError("policyService.UpdatePolicy", err)
		return err
	}
	p.UpdatedAt = s.now().UTC()
	if err := s.policyRepo.Upsert(ctx, p); err != nil {
		logger.ExitMethodWithError("policyService.UpdatePolicy", err)
		return err
	}
	logger.ExitMethod("policyService.UpdatePolicy", "orgID", p.OrgID)
	return nil
}
