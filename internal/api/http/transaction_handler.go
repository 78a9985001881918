package http

import (
	"net/http"
	"time"

	"gearhouse-backend/internal/domain"
	"gearhouse-backend/internal/service"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type assetRefRequest struct {
	Kind string `json:"kind" validate:"required,oneof=asset kit"`
	ID   string `json:"id" validate:"required,uuid"`
}

type counterpartyRequest struct {
	TeamMemberID string `json:"team_member_id" validate:"omitempty,uuid"`
	ClientOrgID  string `json:"client_org_id" validate:"omitempty,uuid"`
	ContactID    string `json:"contact_id" validate:"omitempty,uuid"`
}

type createTransactionRequest struct {
	Target          assetRefRequest     `json:"target" validate:"required"`
	Counterparty    counterpartyRequest `json:"counterparty"`
	CustodianID     string              `json:"custodian_id" validate:"omitempty,uuid"`
	Start           time.Time           `json:"start" validate:"required"`
	End             time.Time           `json:"end" validate:"required,gtfield=Start"`
	ListingID       string              `json:"listing_id" validate:"omitempty,uuid"`
	DailyRate       decimal.Decimal     `json:"daily_rate" validate:"nonneg_decimal"`
	DiscountPercent decimal.Decimal     `json:"discount_percent" validate:"nonneg_decimal"`
	// Reserve books the window in the same step; otherwise the
	// transaction stays pending until approved.
	Reserve bool `json:"reserve"`
}

type transitionRequest struct {
	Location string `json:"location" validate:"max=200"`
	Force    bool   `json:"force"`
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

type incidentRequest struct {
	AssetID      string          `json:"asset_id" validate:"required,uuid"`
	Stage        string          `json:"reported_stage" validate:"required,oneof=checkout in_use checkin"`
	Description  string          `json:"description" validate:"required,max=2000"`
	CostEstimate decimal.Decimal `json:"cost_estimate" validate:"nonneg_decimal"`
}

type listTransactionsResponse struct {
	Transactions []domain.Transaction `json:"transactions"`
	Total        int32                `json:"total"`
}

type closeResponse struct {
	Transaction *domain.Transaction      `json:"transaction"`
	Settlement  *domain.SettlementRecord `json:"settlement"`
}

func (req createTransactionRequest) toService() (service.CreateTransactionRequest, error) {
	out := service.CreateTransactionRequest{
		Target:          domain.AssetRef{Kind: domain.AssetKind(req.Target.Kind)},
		Start:           req.Start,
		End:             req.End,
		DailyRate:       req.DailyRate,
		DiscountPercent: req.DiscountPercent,
	}
	var err error
	if out.Target.ID, err = parseID("target.id", req.Target.ID); err != nil {
		return out, err
	}
	if out.Counterparty.TeamMemberID, err = optionalID("team_member_id", req.Counterparty.TeamMemberID); err != nil {
		return out, err
	}
	if out.Counterparty.ClientOrgID, err = optionalID("client_org_id", req.Counterparty.ClientOrgID); err != nil {
		return out, err
	}
	if out.Counterparty.ContactID, err = optionalID("contact_id", req.Counterparty.ContactID); err != nil {
		return out, err
	}
	if req.CustodianID != "" {
		if out.CustodianID, err = parseID("custodian_id", req.CustodianID); err != nil {
			return out, err
		}
	}
	if out.ListingID, err = optionalID("listing_id", req.ListingID); err != nil {
		return out, err
	}
	return out, nil
}

func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req createTransactionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	in, err := req.toService()
	if err != nil {
		writeError(w, r, err)
		return
	}

	var txn *domain.Transaction
	if req.Reserve {
		txn, err = h.svc.Transactions.RequestReservation(r.Context(), actor(r), in)
	} else {
		txn, err = h.svc.Transactions.Create(r.Context(), actor(r), in)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, txn)
}

func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	page, pageSize, err := pageQuery(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	txns, total, err := h.svc.Transactions.List(r.Context(), actor(r), r.URL.Query().Get("status"), page, pageSize)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if txns == nil {
		txns = []domain.Transaction{}
	}
	writeJSON(w, http.StatusOK, listTransactionsResponse{Transactions: txns, Total: total})
}

func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	txn, err := h.svc.Transactions.Get(r.Context(), actor(r), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

func (h *Handler) TransactionHistory(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	events, err := h.svc.Transactions.History(r.Context(), actor(r), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if events == nil {
		events = []domain.TransactionEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) Reserve(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	txn, err := h.svc.Transactions.Reserve(r.Context(), actor(r), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

type transitionFunc func(r *http.Request, id uuid.UUID, opts service.TransitionOptions) (*domain.Transaction, error)

func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(r *http.Request, id uuid.UUID, opts service.TransitionOptions) (*domain.Transaction, error) {
		return h.svc.Transactions.Checkout(r.Context(), actor(r), id, opts)
	})
}

func (h *Handler) Checkin(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(r *http.Request, id uuid.UUID, opts service.TransitionOptions) (*domain.Transaction, error) {
		return h.svc.Transactions.Checkin(r.Context(), actor(r), id, opts)
	})
}

// transition handles the gated moves, whose body is optional.
func (h *Handler) transition(w http.ResponseWriter, r *http.Request, fn transitionFunc) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req transitionRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
	}
	txn, err := fn(r, id, service.TransitionOptions{Location: req.Location, Force: req.Force})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

func (h *Handler) Close(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	txn, rec, err := h.svc.Transactions.Close(r.Context(), actor(r), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, closeResponse{Transaction: txn, Settlement: rec})
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req cancelRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
	}
	txn, err := h.svc.Transactions.Cancel(r.Context(), actor(r), id, req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

func (h *Handler) ReportIncident(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req incidentRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	assetID, err := parseID("asset_id", req.AssetID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	incident, err := h.svc.Transactions.ReportIncident(r.Context(), actor(r), id, service.IncidentRequest{
		AssetID:      assetID,
		Stage:        domain.IncidentStage(req.Stage),
		Description:  req.Description,
		CostEstimate: req.CostEstimate,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, incident)
}

func (h *Handler) GetSettlement(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	rec, err := h.svc.Settlements.GetSettlement(r.Context(), actor(r), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
