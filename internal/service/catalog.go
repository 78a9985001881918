package service

import (
	"context"
	"errors"
	"fmt"

	"gearhouse-backend/internal/domain"
	"gearhouse-backend/internal/logger"
	"gearhouse-backend/internal/repository"

	"github.com/google/uuid"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

func normalizePage(page, pageSize int32) (int32, int32) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return page, pageSize
}

type catalogService struct {
	assetRepo repository.AssetRepository
	kitRepo   repository.KitRepository
	now       Clock
}

func NewCatalogService(assetRepo repository.AssetRepository, kitRepo repository.KitRepository, clock Clock) CatalogService {
	return &catalogService{
		assetRepo: assetRepo,
		kitRepo:   kitRepo,
		now:       clockOrNow(clock),
	}
}

func (s *catalogService) CreateAsset(ctx context.Context, actor domain.Actor, a *domain.Asset) error {
	logger.EnterMethod("catalogService.CreateAsset", "orgID", actor.OrgID, "name", a.Name)

	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.OrgID = actor.OrgID
	if err := a.ValidateShape(); err != nil {
		logger.ExitMethodWithError("catalogService.CreateAsset", err)
		return err
	}
	if a.ParentAssetID != nil {
		parent, err := s.assetRepo.GetByID(ctx, *a.ParentAssetID)
		if err != nil {
			logger.ExitMethodWithError("catalogService.CreateAsset", err, "parentID", *a.ParentAssetID)
			return err
		}
		if err := a.ValidateParent(parent); err != nil {
			logger.ExitMethodWithError("catalogService.CreateAsset", err)
			return err
		}
	}

	now := s.now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	if err := s.assetRepo.Create(ctx, a); err != nil {
		logger.ExitMethodWithError("catalogService.CreateAsset", err)
		return err
	}
	logger.ExitMethod("catalogService.CreateAsset", "assetID", a.ID)
	return nil
}

func (s *catalogService) GetAsset(ctx context.Context, actor domain.Actor, id uuid.UUID) (*domain.Asset, error) {
	a, err := s.assetRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.OrgID != actor.OrgID {
		return nil, fmt.Errorf("asset %s: %w", id, domain.ErrNotFound)
	}
	return a, nil
}

func (s *catalogService) ListAssets(ctx context.Context, actor domain.Actor, page, pageSize int32) ([]domain.Asset, int32, error) {
	page, pageSize = normalizePage(page, pageSize)
	return s.assetRepo.ListByOrg(ctx, actor.OrgID, page, pageSize)
}

func (s *catalogService) ListAccessories(ctx context.Context, actor domain.Actor, assetID uuid.UUID) ([]domain.Asset, error) {
	if _, err := s.GetAsset(ctx, actor, assetID); err != nil {
		return nil, err
	}
	return s.assetRepo.ListAccessories(ctx, assetID)
}

func (s *catalogService) CreateKitTemplate(ctx context.Context, actor domain.Actor, tmpl *domain.KitTemplate) error {
	if tmpl.Name == "" {
		return domain.Invalidf("kit template name is required")
	}
	if len(tmpl.Items) == 0 {
		return domain.Invalidf("kit template needs at least one item")
	}
	if tmpl.ID == uuid.Nil {
		tmpl.ID = uuid.New()
	}
	tmpl.OrgID = actor.OrgID
	for i := range tmpl.Items {
		tmpl.Items[i].Position = i
	}
	tmpl.CreatedAt = s.now().UTC()
	return s.kitRepo.CreateTemplate(ctx, tmpl)
}

// InstantiateKit binds concrete assets to a template. A component may be an
// accessory only when its host package is part of the same kit.
func (s *catalogService) InstantiateKit(ctx context.Context, actor domain.Actor, kit *domain.KitInstance) error {
	logger.EnterMethod("catalogService.InstantiateKit", "templateID", kit.TemplateID)

	tmpl, err := s.kitRepo.GetTemplate(ctx, kit.TemplateID)
	if err != nil {
		logger.ExitMethodWithError("catalogService.InstantiateKit", err)
		return err
	}
	if tmpl.OrgID != actor.OrgID {
		return fmt.Errorf("kit template %s: %w", kit.TemplateID, domain.ErrNotFound)
	}
	kit.OrgID = actor.OrgID
	if err := kit.Validate(tmpl); err != nil {
		logger.ExitMethodWithError("catalogService.InstantiateKit", err)
		return err
	}

	inKit := make(map[uuid.UUID]bool, len(kit.ComponentAssetIDs))
	for _, id := range kit.ComponentAssetIDs {
		inKit[id] = true
	}
	for _, id := range kit.ComponentAssetIDs {
		a, err := s.assetRepo.GetByID(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Invalidf("component asset %s does not exist", id)
		}
		if err != nil {
			return err
		}
		if a.OrgID != kit.OrgID {
			return domain.Invalidf("component asset %s belongs to another organization", id)
		}
		if a.ParentAssetID != nil && !inKit[*a.ParentAssetID] {
			return domain.Invalidf("component asset %s is an accessory of package %s", id, *a.ParentAssetID)
		}
	}

	if kit.ID == uuid.Nil {
		kit.ID = uuid.New()
	}
	kit.CreatedAt = s.now().UTC()
	if err := s.kitRepo.CreateInstance(ctx, kit); err != nil {
		logger.ExitMethodWithError("catalogService.InstantiateKit", err)
		return err
	}
	logger.ExitMethod("catalogService.InstantiateKit", "kitID", kit.ID)
	return nil
}

func (s *catalogService) GetKitInstance(ctx context.Context, actor domain.Actor, id uuid.UUID) (*domain.KitInstance, error) {
	kit, err := s.kitRepo.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	if kit.OrgID != actor.OrgID {
		return nil, fmt.Errorf("kit instance %s: %w", id, domain.ErrNotFound)
	}
	return kit, nil
}

func (s *catalogService) ResolveUnit(ctx context.Context, ref domain.AssetRef) (*domain.Unit, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	if ref.Kind == domain.AssetKindKit {
		return s.resolveKit(ctx, ref)
	}

	a, err := s.assetRepo.GetByID(ctx, ref.ID)
	if err != nil {
		return nil, err
	}
	unit := &domain.Unit{Ref: ref, OrgID: a.OrgID, IsPackage: a.IsEquipmentPackage}
	members, err := s.withAccessories(ctx, a)
	if err != nil {
		return nil, err
	}
	unit.HeldIDs = members
	unit.Components = members
	return unit, nil
}

// resolveKit holds the kit instance itself plus every component, so a
// component rented on its own blocks the kit and the other way around.
func (s *catalogService) resolveKit(ctx context.Context, ref domain.AssetRef) (*domain.Unit, error) {
	kit, err := s.kitRepo.GetInstance(ctx, ref.ID)
	if err != nil {
		return nil, err
	}
	unit := &domain.Unit{Ref: ref, OrgID: kit.OrgID, HeldIDs: []uuid.UUID{kit.ID}}
	seen := map[uuid.UUID]bool{kit.ID: true}
	for _, id := range kit.ComponentAssetIDs {
		a, err := s.assetRepo.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		members, err := s.withAccessories(ctx, a)
		if err != nil {
			return nil, err
		}
		for _, m := range members {
			if seen[m] {
				continue
			}
			seen[m] = true
			unit.HeldIDs = append(unit.HeldIDs, m)
			unit.Components = append(unit.Components, m)
		}
	}
	return unit, nil
}

func (s *catalogService) withAccessories(ctx context.Context, a *domain.Asset) ([]uuid.UUID, error) {
	ids := []uuid.UUID{a.ID}
	if !a.IsEquipmentPackage {
		return ids, nil
	}
	accessories, err := s.assetRepo.ListAccessories(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	for _, acc := range accessories {
		ids = append(ids, acc.ID)
	}
	return ids, nil
}
