package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"gearhouse-backend/internal/domain"
	"gearhouse-backend/internal/logger"
	"gearhouse-backend/internal/repository"

	"github.com/google/uuid"
)

type assetRepository struct {
	*conn
}

func NewAssetRepository(c *conn) repository.AssetRepository {
	return &assetRepository{conn: c}
}

const assetColumns = `id, org_id, name, serial_number, is_equipment_package, parent_asset_id, home_location, created_at, updated_at`

func (r *assetRepository) Create(ctx context.Context, a *domain.Asset) error {
	query := `INSERT INTO assets (` + assetColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	logger.DatabaseCall("assets.create", query, "asset_id", a.ID)
	_, err := r.exec(ctx, r.db, query,
		a.ID, a.OrgID, a.Name, a.SerialNumber, a.IsEquipmentPackage, a.ParentAssetID, a.HomeLocation,
		a.CreatedAt.UTC(), a.UpdatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Invalidf("asset %s already exists", a.ID)
		}
		return fmt.Errorf("failed to create asset: %w", err)
	}
	return nil
}

func (r *assetRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Asset, error) {
	query := `SELECT ` + assetColumns + ` FROM assets WHERE id = ?`
	a, err := scanAsset(r.queryRow(ctx, r.db, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("asset %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get asset: %w", err)
	}
	return a, nil
}

func (r *assetRepository) ListByOrg(ctx context.Context, orgID uuid.UUID, page, pageSize int32) ([]domain.Asset, int32, error) {
	var count int32
	if err := r.queryRow(ctx, r.db, `SELECT count(*) FROM assets WHERE org_id = ?`, orgID).Scan(&count); err != nil {
		return nil, 0, fmt.Errorf("failed to count assets: %w", err)
	}

	offset := (page - 1) * pageSize
	query := `SELECT ` + assetColumns + ` FROM assets WHERE org_id = ? ORDER BY created_at, id LIMIT ? OFFSET ?`
	rows, err := r.query(ctx, r.db, query, orgID, pageSize, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list assets: %w", err)
	}
	defer rows.Close()

	assets, err := collectAssets(rows)
	if err != nil {
		return nil, 0, err
	}
	return assets, count, nil
}

func (r *assetRepository) ListAccessories(ctx context.Context, parentID uuid.UUID) ([]domain.Asset, error) {
	query := `SELECT ` + assetColumns + ` FROM assets WHERE parent_asset_id = ? ORDER BY created_at, id`
	rows, err := r.query(ctx, r.db, query, parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list accessories: %w", err)
	}
	defer rows.Close()
	return collectAssets(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAsset(row rowScanner) (*domain.Asset, error) {
	var (
		a      domain.Asset
		parent uuid.NullUUID
	)
	if err := row.Scan(&a.ID, &a.OrgID, &a.Name, &a.SerialNumber, &a.IsEquipmentPackage, &parent, &a.HomeLocation, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.ParentAssetID = uuidPtr(parent)
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return &a, nil
}

func collectAssets(rows *sql.Rows) ([]domain.Asset, error) {
	var out []domain.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan asset: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}
