package domain

import (
	"time"

	"github.com/google/uuid"
)

type KitTemplateItem struct {
	Position    int    `json:"position"`
	Description string `json:"description"`
}

type KitTemplate struct {
	ID        uuid.UUID         `json:"id"`
	OrgID     uuid.UUID         `json:"org_id"`
	Name      string            `json:"name"`
	Items     []KitTemplateItem `json:"items"`
	CreatedAt time.Time         `json:"created_at"`
}

// KitInstance is a concrete, checkable-out bundle instantiated from a
// template. Its availability is the intersection of its components'.
type KitInstance struct {
	ID                uuid.UUID   `json:"id"`
	TemplateID        uuid.UUID   `json:"template_id"`
	OrgID             uuid.UUID   `json:"org_id"`
	Name              string      `json:"name"`
	ComponentAssetIDs []uuid.UUID `json:"component_asset_ids"`
	CreatedAt         time.Time   `json:"created_at"`
}

func (k *KitInstance) Validate(tmpl *KitTemplate) error {
	if k.Name == "" {
		return Invalidf("kit instance name is required")
	}
	if tmpl.OrgID != k.OrgID {
		return Invalidf("kit template belongs to another organization")
	}
	if len(k.ComponentAssetIDs) != len(tmpl.Items) {
		return Invalidf("kit template %s expects %d components, got %d", tmpl.ID, len(tmpl.Items), len(k.ComponentAssetIDs))
	}
	seen := make(map[uuid.UUID]bool, len(k.ComponentAssetIDs))
	for _, id := range k.ComponentAssetIDs {
		if seen[id] {
			return Invalidf("component %s listed twice", id)
		}
		seen[id] = true
	}
	return nil
}
