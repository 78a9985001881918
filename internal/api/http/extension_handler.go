package http

import (
	"net/http"
	"time"

	"gearhouse-backend/internal/domain"
)

type requestExtensionRequest struct {
	NewEnd time.Time `json:"new_end" validate:"required"`
}

type denyExtensionRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

func (h *Handler) RequestExtension(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req requestExtensionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	ext, err := h.svc.Extensions.RequestExtension(r.Context(), actor(r), id, req.NewEnd)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ext)
}

func (h *Handler) ListExtensions(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	exts, err := h.svc.Extensions.ListExtensions(r.Context(), actor(r), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if exts == nil {
		exts = []domain.Extension{}
	}
	writeJSON(w, http.StatusOK, exts)
}

func (h *Handler) ApproveExtension(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	ext, err := h.svc.Extensions.ApproveExtension(r.Context(), actor(r), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ext)
}

func (h *Handler) DenyExtension(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req denyExtensionRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
	}
	ext, err := h.svc.Extensions.DenyExtension(r.Context(), actor(r), id, req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ext)
}
