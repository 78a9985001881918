package http

import (
	"net/http"
	"time"

	"gearhouse-backend/internal/domain"
	"gearhouse-backend/internal/service"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

type startSessionRequest struct {
	Gate string `json:"gate" validate:"required,oneof=checkout_sender checkout_receiver checkin"`
}

type itemRequest struct {
	ItemID string `json:"item_id" validate:"required,uuid"`
	Method string `json:"method" validate:"required,oneof=scan checkoff"`
}

type recordItemsRequest struct {
	Items []itemRequest `json:"items" validate:"required,min=1,dive"`
}

type completeSessionRequest struct {
	SignatureURL string `json:"signature_url" validate:"omitempty,url"`
}

type submitLinkRequest struct {
	Items        []itemRequest `json:"items" validate:"dive"`
	SignatureURL string        `json:"signature_url" validate:"omitempty,url"`
	SubmittedBy  string        `json:"submitted_by" validate:"max=200"`
}

type issueLinkResponse struct {
	Session   *domain.VerificationSession `json:"session"`
	Token     string                      `json:"token"`
	Path      string                      `json:"path"`
	ExpiresAt *time.Time                  `json:"expires_at,omitempty"`
}

func toConfirmations(items []itemRequest) []service.ItemConfirmation {
	out := make([]service.ItemConfirmation, 0, len(items))
	for _, item := range items {
		// Already validated as uuid.
		out = append(out, service.ItemConfirmation{ItemID: uuid.MustParse(item.ItemID), Method: domain.ItemMethod(item.Method)})
	}
	return out
}

func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req startSessionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	session, err := h.svc.Verification.StartSession(r.Context(), actor(r), id, domain.Gate(req.Gate))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	sessions, err := h.svc.Verification.ListSessions(r.Context(), actor(r), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []domain.VerificationSession{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (h *Handler) IssueLink(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	session, token, err := h.svc.Verification.IssueLink(r.Context(), actor(r), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, issueLinkResponse{
		Session:   session,
		Token:     token,
		Path:      "/api/v1/verification-links/" + token,
		ExpiresAt: session.TokenExpiresAt,
	})
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	session, err := h.svc.Verification.GetSession(r.Context(), actor(r), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *Handler) RecordItems(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req recordItemsRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	session, err := h.svc.Verification.RecordItems(r.Context(), actor(r), id, toConfirmations(req.Items))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *Handler) CompleteSession(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req completeSessionRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
	}
	session, err := h.svc.Verification.Complete(r.Context(), actor(r), id, req.SignatureURL)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// DescribeLink lets the receiver see what they are asked to confirm.
func (h *Handler) DescribeLink(w http.ResponseWriter, r *http.Request) {
	session, err := h.svc.Verification.DescribeLink(r.Context(), mux.Vars(r)["token"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *Handler) SubmitLink(w http.ResponseWriter, r *http.Request) {
	var req submitLinkRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	session, err := h.svc.Verification.SubmitLink(r.Context(), mux.Vars(r)["token"], service.LinkSubmission{
		Items:        toConfirmations(req.Items),
		SignatureURL: req.SignatureURL,
		SubmittedBy:  req.SubmittedBy,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}
