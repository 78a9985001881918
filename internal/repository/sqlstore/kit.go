package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"gearhouse-backend/internal/domain"
	"gearhouse-backend/internal/repository"

	"github.com/google/uuid"
)

type kitRepository struct {
	*conn
}

func NewKitRepository(c *conn) repository.KitRepository {
	return &kitRepository{conn: c}
}

func (r *kitRepository) CreateTemplate(ctx context.Context, tmpl *domain.KitTemplate) error {
	items, err := json.Marshal(tmpl.Items)
	if err != nil {
		return fmt.Errorf("encode kit template items: %w", err)
	}
	query := `INSERT INTO kit_templates (id, org_id, name, items, created_at) VALUES (?, ?, ?, ?, ?)`
	if _, err := r.exec(ctx, r.db, query, tmpl.ID, tmpl.OrgID, tmpl.Name, string(items), tmpl.CreatedAt.UTC()); err != nil {
		return fmt.Errorf("failed to create kit template: %w", err)
	}
	return nil
}

func (r *kitRepository) GetTemplate(ctx context.Context, id uuid.UUID) (*domain.KitTemplate, error) {
	var (
		tmpl  domain.KitTemplate
		items string
	)
	query := `SELECT id, org_id, name, items, created_at FROM kit_templates WHERE id = ?`
	err := r.queryRow(ctx, r.db, query, id).Scan(&tmpl.ID, &tmpl.OrgID, &tmpl.Name, &items, &tmpl.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("kit template %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get kit template: %w", err)
	}
	if err := json.Unmarshal([]byte(items), &tmpl.Items); err != nil {
		return nil, fmt.Errorf("decode kit template items: %w", err)
	}
	tmpl.CreatedAt = tmpl.CreatedAt.UTC()
	return &tmpl, nil
}

// CreateInstance writes the instance and its ordered components together.
func (r *kitRepository) CreateInstance(ctx context.Context, kit *domain.KitInstance) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		query := `INSERT INTO kit_instances (id, template_id, org_id, name, created_at) VALUES (?, ?, ?, ?, ?)`
		if _, err := r.exec(ctx, tx, query, kit.ID, kit.TemplateID, kit.OrgID, kit.Name, kit.CreatedAt.UTC()); err != nil {
			return fmt.Errorf("failed to create kit instance: %w", err)
		}
		for pos, assetID := range kit.ComponentAssetIDs {
			if _, err := r.exec(ctx, tx, `INSERT INTO kit_components (kit_id, asset_id, position) VALUES (?, ?, ?)`, kit.ID, assetID, pos); err != nil {
				if isUniqueViolation(err) {
					return domain.Invalidf("component %s listed twice", assetID)
				}
				return fmt.Errorf("failed to add kit component: %w", err)
			}
		}
		return nil
	})
}

func (r *kitRepository) GetInstance(ctx context.Context, id uuid.UUID) (*domain.KitInstance, error) {
	var kit domain.KitInstance
	query := `SELECT id, template_id, org_id, name, created_at FROM kit_instances WHERE id = ?`
	err := r.queryRow(ctx, r.db, query, id).Scan(&kit.ID, &kit.TemplateID, &kit.OrgID, &kit.Name, &kit.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("kit instance %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get kit instance: %w", err)
	}
	kit.CreatedAt = kit.CreatedAt.UTC()

	rows, err := r.query(ctx, r.db, `SELECT asset_id FROM kit_components WHERE kit_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list kit components: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var assetID uuid.UUID
		if err := rows.Scan(&assetID); err != nil {
			return nil, fmt.Errorf("failed to scan kit component: %w", err)
		}
		kit.ComponentAssetIDs = append(kit.ComponentAssetIDs, assetID)
	}
	return &kit, rows.Err()
}
