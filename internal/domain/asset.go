package domain

import (
	"time"

	"github.com/google/uuid"
)

type Asset struct {
	ID                 uuid.UUID  `json:"id"`
	OrgID              uuid.UUID  `json:"org_id"`
	Name               string     `json:"name"`
	SerialNumber       string     `json:"serial_number,omitempty"`
	IsEquipmentPackage bool       `json:"is_equipment_package"`
	ParentAssetID      *uuid.UUID `json:"parent_asset_id,omitempty"`
	HomeLocation       string     `json:"home_location,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// IsAccessory reports whether the asset is linked to a host package.
func (a *Asset) IsAccessory() bool {
	return a.ParentAssetID != nil
}

// ValidateShape checks the invariants that do not need the parent row:
// an accessory cannot itself be an equipment package.
func (a *Asset) ValidateShape() error {
	if a.Name == "" {
		return Invalidf("asset name is required")
	}
	if a.OrgID == uuid.Nil {
		return Invalidf("asset organization is required")
	}
	if a.ParentAssetID != nil {
		if a.IsEquipmentPackage {
			return Invalidf("an accessory cannot be an equipment package")
		}
		if *a.ParentAssetID == a.ID {
			return Invalidf("asset cannot be its own parent")
		}
	}
	return nil
}

// ValidateParent checks the host relationship: same org, the host is a
// package and is not itself an accessory (depth 1 only).
func (a *Asset) ValidateParent(parent *Asset) error {
	if parent.OrgID != a.OrgID {
		return Invalidf("parent asset belongs to another organization")
	}
	if !parent.IsEquipmentPackage {
		return Invalidf("parent asset %s is not an equipment package", parent.ID)
	}
	if parent.ParentAssetID != nil {
		return Invalidf("parent asset %s is itself an accessory", parent.ID)
	}
	return nil
}

type AssetKind string

const (
	AssetKindAsset AssetKind = "asset"
	AssetKindKit   AssetKind = "kit"
)

func (k AssetKind) Valid() bool {
	return k == AssetKindAsset || k == AssetKindKit
}

// AssetRef points at the rentable thing a transaction is about: a
// standalone asset (possibly a package) or a kit instance.
type AssetRef struct {
	Kind AssetKind `json:"kind"`
	ID   uuid.UUID `json:"id"`
}

func (r AssetRef) Validate() error {
	if !r.Kind.Valid() {
		return Invalidf("unknown asset kind %q", r.Kind)
	}
	if r.ID == uuid.Nil {
		return Invalidf("asset reference id is required")
	}
	return nil
}

// Unit is an AssetRef resolved against the catalog.
type Unit struct {
	Ref   AssetRef  `json:"ref"`
	OrgID uuid.UUID `json:"org_id"`
	// HeldIDs are the ids that receive reservation windows.
	HeldIDs []uuid.UUID `json:"held_ids"`
	// Components are the individually verifiable assets under the unit.
	Components []uuid.UUID `json:"components"`
	IsPackage  bool        `json:"is_package"`
}

// VerificationItems returns the items a gate must confirm under the
// given granularity.
func (u *Unit) VerificationItems(kit, pkg VerificationGranularity) []uuid.UUID {
	granularity := pkg
	if u.Ref.Kind == AssetKindKit {
		granularity = kit
	}
	if u.Ref.Kind == AssetKindAsset && !u.IsPackage {
		return []uuid.UUID{u.Ref.ID}
	}
	if granularity == GranularityKitOnly {
		return []uuid.UUID{u.Ref.ID}
	}
	out := make([]uuid.UUID, len(u.Components))
	copy(out, u.Components)
	return out
}
