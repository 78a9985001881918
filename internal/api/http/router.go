// Package http exposes the Gear House engine as a JSON API.
package http

import (
	"net/http"

	"gearhouse-backend/internal/domain"
	"gearhouse-backend/internal/security"
	"gearhouse-backend/internal/service"

	"github.com/gorilla/mux"
)

// Services are the engine operations the API serves.
type Services struct {
	Catalog      service.CatalogService
	Availability service.AvailabilityService
	Policies     service.PolicyService
	Transactions service.TransactionService
	Verification service.VerificationService
	Settlements  service.SettlementService
	Extensions   service.ExtensionService
}

type Handler struct {
	svc Services
}

func NewHandler(svc Services) *Handler {
	return &Handler{svc: svc}
}

// NewRouter registers every route behind the logging and auth middleware.
func NewRouter(svc Services, tm security.TokenManager) *mux.Router {
	h := NewHandler(svc)
	router := mux.NewRouter()
	router.Use(LoggingMiddleware, NewAuthMiddleware(tm).Handler)

	router.HandleFunc("/healthz", h.Health).Methods("GET")

	api := router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/assets", h.CreateAsset).Methods("POST")
	api.HandleFunc("/assets", h.ListAssets).Methods("GET")
	api.HandleFunc("/assets/{id}", h.GetAsset).Methods("GET")
	api.HandleFunc("/assets/{id}/accessories", h.ListAccessories).Methods("GET")
	api.HandleFunc("/assets/{id}/availability", h.AssetAvailability).Methods("GET")
	api.HandleFunc("/kit-templates", h.CreateKitTemplate).Methods("POST")
	api.HandleFunc("/kit-templates/{id}/instances", h.InstantiateKit).Methods("POST")
	api.HandleFunc("/kits/{id}", h.GetKit).Methods("GET")
	api.HandleFunc("/kits/{id}/availability", h.KitAvailability).Methods("GET")
	api.HandleFunc("/listings/{id}/availability", h.ListingAvailability).Methods("GET")

	api.HandleFunc("/policy", h.GetPolicy).Methods("GET")
	api.HandleFunc("/policy", h.UpdatePolicy).Methods("PUT")

	api.HandleFunc("/transactions", h.CreateTransaction).Methods("POST")
	api.HandleFunc("/transactions", h.ListTransactions).Methods("GET")
	api.HandleFunc("/transactions/{id}", h.GetTransaction).Methods("GET")
	api.HandleFunc("/transactions/{id}/history", h.TransactionHistory).Methods("GET")
	api.HandleFunc("/transactions/{id}/reserve", h.Reserve).Methods("POST")
	api.HandleFunc("/transactions/{id}/checkout", h.Checkout).Methods("POST")
	api.HandleFunc("/transactions/{id}/checkin", h.Checkin).Methods("POST")
	api.HandleFunc("/transactions/{id}/close", h.Close).Methods("POST")
	api.HandleFunc("/transactions/{id}/cancel", h.Cancel).Methods("POST")
	api.HandleFunc("/transactions/{id}/incidents", h.ReportIncident).Methods("POST")
	api.HandleFunc("/transactions/{id}/settlement", h.GetSettlement).Methods("GET")
	api.HandleFunc("/transactions/{id}/extensions", h.RequestExtension).Methods("POST")
	api.HandleFunc("/transactions/{id}/extensions", h.ListExtensions).Methods("GET")
	api.HandleFunc("/transactions/{id}/sessions", h.StartSession).Methods("POST")
	api.HandleFunc("/transactions/{id}/sessions", h.ListSessions).Methods("GET")
	api.HandleFunc("/transactions/{id}/receiver-link", h.IssueLink).Methods("POST")

	api.HandleFunc("/sessions/{id}", h.GetSession).Methods("GET")
	api.HandleFunc("/sessions/{id}/items", h.RecordItems).Methods("POST")
	api.HandleFunc("/sessions/{id}/complete", h.CompleteSession).Methods("POST")

	api.HandleFunc("/extensions/{id}/approve", h.ApproveExtension).Methods("POST")
	api.HandleFunc("/extensions/{id}/deny", h.DenyExtension).Methods("POST")

	api.HandleFunc("/verification-links/{token}", h.DescribeLink).Methods("GET")
	api.HandleFunc("/verification-links/{token}", h.SubmitLink).Methods("POST")

	return router
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// actor returns the authenticated caller. Only reachable behind
// AuthMiddleware, so a missing actor is a wiring bug.
func actor(r *http.Request) domain.Actor {
	a, _ := ActorFromContext(r.Context())
	return a
}
