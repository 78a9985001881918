package http

import (
	"net/http"

	"gearhouse-backend/internal/domain"

	"github.com/google/uuid"
)

type createAssetRequest struct {
	Name               string `json:"name" validate:"required,max=200"`
	SerialNumber       string `json:"serial_number" validate:"max=100"`
	IsEquipmentPackage bool   `json:"is_equipment_package"`
	ParentAssetID      string `json:"parent_asset_id" validate:"omitempty,uuid"`
	HomeLocation       string `json:"home_location" validate:"max=200"`
}

type listAssetsResponse struct {
	Assets []domain.Asset `json:"assets"`
	Total  int32          `json:"total"`
}

type kitTemplateItemRequest struct {
	Description string `json:"description" validate:"required,max=200"`
}

type createKitTemplateRequest struct {
	Name  string                   `json:"name" validate:"required,max=200"`
	Items []kitTemplateItemRequest `json:"items" validate:"required,min=1,dive"`
}

type instantiateKitRequest struct {
	Name              string   `json:"name" validate:"required,max=200"`
	ComponentAssetIDs []string `json:"component_asset_ids" validate:"required,min=1,dive,uuid"`
}

func (h *Handler) CreateAsset(w http.ResponseWriter, r *http.Request) {
	var req createAssetRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	parent, err := optionalID("parent_asset_id", req.ParentAssetID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	asset := &domain.Asset{
		Name:               req.Name,
		SerialNumber:       req.SerialNumber,
		IsEquipmentPackage: req.IsEquipmentPackage,
		ParentAssetID:      parent,
		HomeLocation:       req.HomeLocation,
	}
	if err := h.svc.Catalog.CreateAsset(r.Context(), actor(r), asset); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, asset)
}

func (h *Handler) ListAssets(w http.ResponseWriter, r *http.Request) {
	page, pageSize, err := pageQuery(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	assets, total, err := h.svc.Catalog.ListAssets(r.Context(), actor(r), page, pageSize)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if assets == nil {
		assets = []domain.Asset{}
	}
	writeJSON(w, http.StatusOK, listAssetsResponse{Assets: assets, Total: total})
}

func (h *Handler) GetAsset(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	asset, err := h.svc.Catalog.GetAsset(r.Context(), actor(r), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, asset)
}

func (h *Handler) ListAccessories(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	accessories, err := h.svc.Catalog.ListAccessories(r.Context(), actor(r), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if accessories == nil {
		accessories = []domain.Asset{}
	}
	writeJSON(w, http.StatusOK, accessories)
}

func (h *Handler) AssetAvailability(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	// Resolve through the caller first so other organizations see not found.
	if _, err := h.svc.Catalog.GetAsset(r.Context(), actor(r), id); err != nil {
		writeError(w, r, err)
		return
	}
	h.availability(w, r, domain.AssetRef{Kind: domain.AssetKindAsset, ID: id})
}

func (h *Handler) KitAvailability(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if _, err := h.svc.Catalog.GetKitInstance(r.Context(), actor(r), id); err != nil {
		writeError(w, r, err)
		return
	}
	h.availability(w, r, domain.AssetRef{Kind: domain.AssetKindKit, ID: id})
}

func (h *Handler) availability(w http.ResponseWriter, r *http.Request, ref domain.AssetRef) {
	iv, err := intervalQuery(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	avail, err := h.svc.Availability.CheckAvailability(r.Context(), ref, iv)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, avail)
}

// ListingAvailability is readable by any organization; listings are public
// marketplace offers.
func (h *Handler) ListingAvailability(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	iv, err := intervalQuery(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	avail, err := h.svc.Availability.CheckListingAvailability(r.Context(), id, iv)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, avail)
}

func (h *Handler) CreateKitTemplate(w http.ResponseWriter, r *http.Request) {
	var req createKitTemplateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	tmpl := &domain.KitTemplate{Name: req.Name}
	for _, item := range req.Items {
		tmpl.Items = append(tmpl.Items, domain.KitTemplateItem{Description: item.Description})
	}
	if err := h.svc.Catalog.CreateKitTemplate(r.Context(), actor(r), tmpl); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tmpl)
}

func (h *Handler) InstantiateKit(w http.ResponseWriter, r *http.Request) {
	templateID, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req instantiateKitRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	kit := &domain.KitInstance{TemplateID: templateID, Name: req.Name}
	for _, raw := range req.ComponentAssetIDs {
		kit.ComponentAssetIDs = append(kit.ComponentAssetIDs, uuid.MustParse(raw))
	}
	if err := h.svc.Catalog.InstantiateKit(r.Context(), actor(r), kit); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, kit)
}

func (h *Handler) GetKit(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	kit, err := h.svc.Catalog.GetKitInstance(r.Context(), actor(r), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, kit)
}

func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	policy, err := h.svc.Policies.GetPolicy(r.Context(), actor(r).OrgID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, policy)
}

// UpdatePolicy takes the full policy document; the service validates the
// enums and numbers.
func (h *Handler) UpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var policy domain.OrgPolicy
	if err := decode(r, &policy); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.svc.Policies.UpdatePolicy(r.Context(), actor(r), &policy); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, &policy)
}
