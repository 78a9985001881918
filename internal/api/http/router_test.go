package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"gearhouse-backend/internal/domain"
	"gearhouse-backend/internal/ledger"
	"gearhouse-backend/internal/repository/sqlstore"
	"gearhouse-backend/internal/security"
	"gearhouse-backend/internal/service"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type apiFixture struct {
	router *mux.Router
	tokens security.TokenManager
	admin  string
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gearhouse.db")
	require.NoError(t, sqlstore.Migrate(sqlstore.SQLite, path))
	db, err := sqlstore.Open(context.Background(), sqlstore.SQLite, path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store := sqlstore.NewStore(db, sqlstore.SQLite)

	tokens := security.NewTokenManager(testSecret, "gearhouse", time.Hour, nil)
	catalog := service.NewCatalogService(store.AssetRepository, store.KitRepository, nil)
	policies := service.NewPolicyService(store.PolicyRepository, nil)
	settlements := service.NewSettlementService(store.SettlementRepository, store.TransactionRepository, store.IncidentRepository, ledger.NewLoggingClient(), nil)
	svc := Services{
		Catalog:      catalog,
		Availability: service.NewAvailabilityService(catalog, store.TransactionRepository, nil),
		Policies:     policies,
		Transactions: service.NewTransactionService(store.TransactionRepository, store.VerificationRepository, store.IncidentRepository,
			catalog, policies, settlements, nil, nil),
		Verification: service.NewVerificationService(store.VerificationRepository, store.TransactionRepository, catalog, policies, tokens, nil),
		Settlements:  settlements,
		Extensions:   service.NewExtensionService(store.ExtensionRepository, store.TransactionRepository, policies, nil),
	}

	f := &apiFixture{router: NewRouter(svc, tokens), tokens: tokens}
	f.admin = f.token(t, domain.Actor{UserID: uuid.New(), OrgID: uuid.New(), Role: domain.RoleAdmin})
	return f
}

func (f *apiFixture) token(t *testing.T, a domain.Actor) string {
	t.Helper()
	tok, err := f.tokens.GenerateAccessToken(a)
	require.NoError(t, err)
	return tok
}

func (f *apiFixture) do(method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

// call performs the request, asserts the status and decodes the body into out.
func (f *apiFixture) call(t *testing.T, method, path, token string, body any, status int, out any) {
	t.Helper()
	rec := f.do(method, path, token, body)
	require.Equal(t, status, rec.Code, rec.Body.String())
	if out != nil {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
}

// relaxPolicy turns off every verification gate for the caller's org.
func (f *apiFixture) relaxPolicy(t *testing.T, token string) {
	t.Helper()
	var policy map[string]any
	f.call(t, "GET", "/api/v1/policy", token, nil, http.StatusOK, &policy)
	policy["checkout"] = map[string]any{"required": false, "method": "scan_or_checkoff"}
	policy["checkin"] = map[string]any{"required": false, "method": "scan_or_checkoff"}
	policy["late_fee_per_day"] = "15"
	f.call(t, "PUT", "/api/v1/policy", token, policy, http.StatusOK, nil)
}

func (f *apiFixture) createAsset(t *testing.T, token, name string) domain.Asset {
	t.Helper()
	var asset domain.Asset
	f.call(t, "POST", "/api/v1/assets", token, map[string]any{"name": name}, http.StatusCreated, &asset)
	return asset
}

func booking(assetID uuid.UUID, start, end time.Time) map[string]any {
	return map[string]any{
		"target":       map[string]any{"kind": "asset", "id": assetID.String()},
		"counterparty": map[string]any{"team_member_id": uuid.NewString()},
		"start":        start,
		"end":          end,
		"daily_rate":   "40",
		"reserve":      true,
	}
}

func TestRouter_Auth(t *testing.T) {
	f := newAPIFixture(t)

	t.Run("HealthIsPublic", func(t *testing.T) {
		rec := f.do("GET", "/healthz", "", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	})

	t.Run("MissingToken", func(t *testing.T) {
		rec := f.do("GET", "/api/v1/assets", "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("BadToken", func(t *testing.T) {
		rec := f.do("GET", "/api/v1/assets", "not-a-jwt", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("LinkTokenIsNotAnAccessToken", func(t *testing.T) {
		link, err := f.tokens.GenerateLinkToken(uuid.New(), uuid.New(), time.Now().Add(time.Hour))
		require.NoError(t, err)
		rec := f.do("GET", "/api/v1/assets", link, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestRouter_TransactionLifecycle(t *testing.T) {
	f := newAPIFixture(t)
	f.relaxPolicy(t, f.admin)
	asset := f.createAsset(t, f.admin, "Cinema camera")
	start := time.Date(2030, 3, 1, 9, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 2)

	var txn domain.Transaction
	f.call(t, "POST", "/api/v1/transactions", f.admin, booking(asset.ID, start, end), http.StatusCreated, &txn)
	assert.Equal(t, domain.StatusReserved, txn.Status)
	txnPath := "/api/v1/transactions/" + txn.ID.String()

	t.Run("OverlapConflicts", func(t *testing.T) {
		var resp struct {
			Code   string                `json:"code"`
			Detail domain.ConflictError `json:"detail"`
		}
		f.call(t, "POST", "/api/v1/transactions", f.admin, booking(asset.ID, start.AddDate(0, 0, 1), end.AddDate(0, 0, 1)), http.StatusConflict, &resp)
		assert.Equal(t, "conflict", resp.Code)
		require.Len(t, resp.Detail.Conflicts, 1)
		assert.Equal(t, txn.ID, resp.Detail.Conflicts[0].TransactionID)
	})

	t.Run("Availability", func(t *testing.T) {
		var avail domain.Availability
		q := fmt.Sprintf("?start=%s&end=%s", end.Format(time.RFC3339), end.AddDate(0, 0, 1).Format(time.RFC3339))
		f.call(t, "GET", "/api/v1/assets/"+asset.ID.String()+"/availability"+q, f.admin, nil, http.StatusOK, &avail)
		assert.True(t, avail.Available)

		q = fmt.Sprintf("?start=%s&end=%s", start.Format(time.RFC3339), end.Format(time.RFC3339))
		f.call(t, "GET", "/api/v1/assets/"+asset.ID.String()+"/availability"+q, f.admin, nil, http.StatusOK, &avail)
		assert.False(t, avail.Available)

		rec := f.do("GET", "/api/v1/assets/"+asset.ID.String()+"/availability?start=yesterday", f.admin, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("CloseBeforeCheckin", func(t *testing.T) {
		var resp ErrorResponse
		f.call(t, "POST", txnPath+"/close", f.admin, nil, http.StatusConflict, &resp)
		assert.Equal(t, "invalid_transition", resp.Code)
	})

	t.Run("CheckoutCheckinClose", func(t *testing.T) {
		f.call(t, "POST", txnPath+"/checkout", f.admin, map[string]any{"location": "Stage 4"}, http.StatusOK, &txn)
		assert.Equal(t, domain.StatusCheckedOut, txn.Status)
		assert.Equal(t, "Stage 4", txn.LocationOut)

		f.call(t, "POST", txnPath+"/checkin", f.admin, nil, http.StatusOK, &txn)
		assert.Equal(t, domain.StatusCheckedIn, txn.Status)

		var closed closeResponse
		f.call(t, "POST", txnPath+"/close", f.admin, nil, http.StatusOK, &closed)
		assert.Equal(t, domain.StatusClosed, closed.Transaction.Status)
		assert.Equal(t, domain.SettlementPosted, closed.Settlement.Status)
		assert.Equal(t, "80.00", closed.Settlement.RentalCharge.StringFixed(2))
		assert.Equal(t, "log-"+txn.ID.String(), closed.Settlement.LedgerRef)

		var rec domain.SettlementRecord
		f.call(t, "GET", txnPath+"/settlement", f.admin, nil, http.StatusOK, &rec)
		assert.Equal(t, closed.Settlement.LedgerRef, rec.LedgerRef)
	})

	t.Run("History", func(t *testing.T) {
		var events []domain.TransactionEvent
		f.call(t, "GET", txnPath+"/history", f.admin, nil, http.StatusOK, &events)
		var types []domain.EventType
		for _, e := range events {
			types = append(types, e.Type)
		}
		assert.Equal(t, []domain.EventType{"created", "reserved", "checked_out", "checked_in", "closed"}, types)
	})

	t.Run("OtherOrgSeesNothing", func(t *testing.T) {
		outsider := f.token(t, domain.Actor{UserID: uuid.New(), OrgID: uuid.New(), Role: domain.RoleOwner})
		rec := f.do("GET", txnPath, outsider, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("ListByStatus", func(t *testing.T) {
		var list listTransactionsResponse
		f.call(t, "GET", "/api/v1/transactions?status=closed", f.admin, nil, http.StatusOK, &list)
		assert.Equal(t, int32(1), list.Total)

		rec := f.do("GET", "/api/v1/transactions?status=lost", f.admin, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestRouter_Validation(t *testing.T) {
	f := newAPIFixture(t)

	cases := []struct {
		name   string
		method string
		path   string
		body   any
	}{
		{"MissingName", "POST", "/api/v1/assets", map[string]any{"serial_number": "X1"}},
		{"UnknownField", "POST", "/api/v1/assets", map[string]any{"name": "Lens", "colour": "red"}},
		{"BadParent", "POST", "/api/v1/assets", map[string]any{"name": "Lens", "parent_asset_id": "nope"}},
		{"EndBeforeStart", "POST", "/api/v1/transactions", map[string]any{
			"target": map[string]any{"kind": "asset", "id": uuid.NewString()},
			"start":  time.Date(2030, 1, 2, 0, 0, 0, 0, time.UTC),
			"end":    time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
		}},
		{"BadKind", "POST", "/api/v1/transactions", map[string]any{
			"target": map[string]any{"kind": "vehicle", "id": uuid.NewString()},
			"start":  time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
			"end":    time.Date(2030, 1, 2, 0, 0, 0, 0, time.UTC),
		}},
		{"NegativeRate", "POST", "/api/v1/transactions", map[string]any{
			"target":     map[string]any{"kind": "asset", "id": uuid.NewString()},
			"start":      time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
			"end":        time.Date(2030, 1, 2, 0, 0, 0, 0, time.UTC),
			"daily_rate": "-1",
		}},
		{"BadGate", "POST", "/api/v1/transactions/" + uuid.NewString() + "/sessions", map[string]any{"gate": "front_door"}},
		{"BadPathID", "GET", "/api/v1/transactions/not-a-uuid", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var resp ErrorResponse
			f.call(t, tc.method, tc.path, f.admin, tc.body, http.StatusBadRequest, &resp)
			assert.Equal(t, "invalid_input", resp.Code)
		})
	}
}

func TestRouter_ReceiverLink(t *testing.T) {
	f := newAPIFixture(t)
	var policy map[string]any
	f.call(t, "GET", "/api/v1/policy", f.admin, nil, http.StatusOK, &policy)
	policy["checkout"] = map[string]any{"required": false, "method": "scan_or_checkoff"}
	policy["receiver"] = map[string]any{"required": true, "method": "scan_or_checkoff", "timing": "async_link"}
	f.call(t, "PUT", "/api/v1/policy", f.admin, policy, http.StatusOK, nil)

	asset := f.createAsset(t, f.admin, "Drone")
	start := time.Now().UTC().Add(24 * time.Hour).Truncate(time.Second)
	var txn domain.Transaction
	f.call(t, "POST", "/api/v1/transactions", f.admin, booking(asset.ID, start, start.Add(48*time.Hour)), http.StatusCreated, &txn)

	var link issueLinkResponse
	f.call(t, "POST", "/api/v1/transactions/"+txn.ID.String()+"/receiver-link", f.admin, nil, http.StatusCreated, &link)
	require.NotEmpty(t, link.Token)
	require.NotNil(t, link.ExpiresAt)

	t.Run("DescribeWithoutLogin", func(t *testing.T) {
		var session domain.VerificationSession
		f.call(t, "GET", link.Path, "", nil, http.StatusOK, &session)
		assert.Equal(t, []uuid.UUID{asset.ID}, session.ItemsToVerify)
	})

	t.Run("TamperedToken", func(t *testing.T) {
		rec := f.do("GET", link.Path+"x", "", nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("SubmitOnce", func(t *testing.T) {
		body := map[string]any{
			"items":        []map[string]any{{"item_id": asset.ID.String(), "method": "checkoff"}},
			"submitted_by": "grip@client.example",
		}
		var session domain.VerificationSession
		f.call(t, "POST", link.Path, "", body, http.StatusOK, &session)
		assert.Equal(t, domain.SessionCompleted, session.Status)

		var resp ErrorResponse
		f.call(t, "POST", link.Path, "", body, http.StatusGone, &resp)
		assert.Equal(t, "link_expired", resp.Code)
	})

	t.Run("Sessions", func(t *testing.T) {
		var sessions []domain.VerificationSession
		f.call(t, "GET", "/api/v1/transactions/"+txn.ID.String()+"/sessions", f.admin, nil, http.StatusOK, &sessions)
		assert.Len(t, sessions, 1)
	})
}

func TestRouter_Extensions(t *testing.T) {
	f := newAPIFixture(t)
	asset := f.createAsset(t, f.admin, "Jib arm")
	start := time.Date(2030, 5, 1, 0, 0, 0, 0, time.UTC)
	var txn domain.Transaction
	f.call(t, "POST", "/api/v1/transactions", f.admin, booking(asset.ID, start, start.AddDate(0, 0, 1)), http.StatusCreated, &txn)

	var ext domain.Extension
	f.call(t, "POST", "/api/v1/transactions/"+txn.ID.String()+"/extensions", f.admin,
		map[string]any{"new_end": start.AddDate(0, 0, 3)}, http.StatusCreated, &ext)
	assert.Equal(t, domain.ExtensionPending, ext.Status)

	f.call(t, "POST", "/api/v1/extensions/"+ext.ID.String()+"/approve", f.admin, nil, http.StatusOK, &ext)
	assert.Equal(t, domain.ExtensionApproved, ext.Status)

	var resp ErrorResponse
	f.call(t, "POST", "/api/v1/extensions/"+ext.ID.String()+"/deny", f.admin, map[string]any{"reason": "late"}, http.StatusConflict, &resp)
	assert.Equal(t, "stale_state", resp.Code)

	var list []domain.Extension
	f.call(t, "GET", "/api/v1/transactions/"+txn.ID.String()+"/extensions", f.admin, nil, http.StatusOK, &list)
	assert.Len(t, list, 1)
}

func TestWriteError(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{&domain.ConflictError{Conflicts: []domain.TransactionRef{{TransactionID: uuid.New()}}}, http.StatusConflict, "conflict"},
		{&domain.PolicyViolation{Gate: domain.GateCheckin, Reason: "incomplete"}, http.StatusUnprocessableEntity, "policy_violation"},
		{&domain.InvalidTransitionError{From: domain.StatusClosed, To: domain.StatusCheckedOut}, http.StatusConflict, "invalid_transition"},
		{fmt.Errorf("save: %w", domain.ErrStaleState), http.StatusConflict, "stale_state"},
		{&domain.ExpiredLinkError{Used: true}, http.StatusGone, "link_expired"},
		{domain.ErrNotFound, http.StatusNotFound, "not_found"},
		{domain.ErrForbidden, http.StatusForbidden, "forbidden"},
		{domain.Invalidf("bad"), http.StatusBadRequest, "invalid_input"},
		{fmt.Errorf("%w: timeout", domain.ErrLedgerUnavailable), http.StatusServiceUnavailable, "ledger_unavailable"},
		{errors.New("disk full"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeError(rec, httptest.NewRequest("GET", "/", nil), tc.err)
			assert.Equal(t, tc.status, rec.Code)

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tc.code, resp.Code)
		})
	}
}
