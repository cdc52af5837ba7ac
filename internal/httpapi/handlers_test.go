package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"tillpoint/internal/cache"
	"tillpoint/internal/domain"
	"tillpoint/internal/engine"
	"tillpoint/internal/rates"
	"tillpoint/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real engine so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded()
	eng := engine.New(repo, nil)
	converter := rates.NewConverter(repo, cache.NoopSnapshotCache{}, time.Minute, nil)
	auth := NewAuthManager("test-secret-key", time.Hour, repo)

	return New(eng, converter, auth, "*", nil)
}

func loginToken(t *testing.T, handler http.Handler, username string, password string) string {
	t.Helper()

	payload, _ := json.Marshal(map[string]string{"username": username, "password": password})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("login failed: %d (body: %s)", rec.Code, rec.Body.String())
	}

	var body domain.LoginResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode login body: %v", err)
	}
	if body.AccessToken == "" {
		t.Fatalf("empty access token")
	}
	return body.AccessToken
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestSettleRequiresAuth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sales/settle", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestSettleAndReplay(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginToken(t, handler, "cashier", "cashier123")

	payload, _ := json.Marshal(domain.SaleRequest{
		Items:         []domain.SaleItemRequest{{ProductID: "prod-bread-01", Quantity: 2}},
		PaymentMethod: "cash",
		Currency:      "USD",
		ClientRef:     "http-ref-1",
	})

	post := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/sales/settle", bytes.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	first := post()
	if first.Code != http.StatusCreated {
		t.Fatalf("first settle: expected 201, got %d (body: %s)", first.Code, first.Body.String())
	}
	var firstResult domain.SettleResult
	if err := json.NewDecoder(first.Body).Decode(&firstResult); err != nil {
		t.Fatalf("decode first result: %v", err)
	}
	if firstResult.AlreadySettled {
		t.Fatalf("first settle flagged as replay")
	}

	second := post()
	if second.Code != http.StatusOK {
		t.Fatalf("replay: expected 200, got %d (body: %s)", second.Code, second.Body.String())
	}
	var secondResult domain.SettleResult
	if err := json.NewDecoder(second.Body).Decode(&secondResult); err != nil {
		t.Fatalf("decode second result: %v", err)
	}
	if !secondResult.AlreadySettled {
		t.Fatalf("replay not flagged")
	}
	if secondResult.Sale.ID != firstResult.Sale.ID {
		t.Fatalf("replay returned different sale id")
	}
}

func TestSettleInsufficientStockReturnsConflictWithCode(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginToken(t, handler, "cashier", "cashier123")

	payload, _ := json.Marshal(domain.SaleRequest{
		Items:         []domain.SaleItemRequest{{ProductID: "prod-bread-01", Quantity: 10000}},
		PaymentMethod: "cash",
		Currency:      "USD",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sales/settle", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["code"] != "insufficient_stock" {
		t.Fatalf("expected code insufficient_stock, got %v", body["code"])
	}
}

func TestSaleLookupByClientRef(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginToken(t, handler, "cashier", "cashier123")

	payload, _ := json.Marshal(domain.SaleRequest{
		Items:         []domain.SaleItemRequest{{ProductID: "prod-sugar-01", Quantity: 1}},
		PaymentMethod: "card",
		Currency:      "USD",
		ClientRef:     "lookup-ref",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sales/settle", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("settle failed: %d", rec.Code)
	}

	lookup := httptest.NewRequest(http.MethodGet, "/api/v1/sales/client-ref/lookup-ref", nil)
	lookup.Header.Set("Authorization", "Bearer "+token)
	lookupRec := httptest.NewRecorder()
	handler.ServeHTTP(lookupRec, lookup)

	if lookupRec.Code != http.StatusOK {
		t.Fatalf("lookup: expected 200, got %d (body: %s)", lookupRec.Code, lookupRec.Body.String())
	}

	missing := httptest.NewRequest(http.MethodGet, "/api/v1/sales/client-ref/never-settled", nil)
	missing.Header.Set("Authorization", "Bearer "+token)
	missingRec := httptest.NewRecorder()
	handler.ServeHTTP(missingRec, missing)

	if missingRec.Code != http.StatusNotFound {
		t.Fatalf("missing lookup: expected 404, got %d", missingRec.Code)
	}
}

func TestRatesEndpoint(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginToken(t, handler, "cashier", "cashier123")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/rates", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var snapshot domain.ExchangeRateSnapshot
	if err := json.NewDecoder(rec.Body).Decode(&snapshot); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snapshot.Base != domain.BaseCurrency {
		t.Fatalf("base = %s, want %s", snapshot.Base, domain.BaseCurrency)
	}
	if _, ok := snapshot.Rates["ZWL"]; !ok {
		t.Fatalf("seeded ZWL rate missing from snapshot")
	}
}

func TestRateUpsertRequiresAdmin(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginToken(t, handler, "cashier", "cashier123")

	payload := []byte(`{"code":"ZAR","rate":"19.05"}`)
	req := httptest.NewRequest(http.MethodPut, "/api/v1/rates", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for cashier, got %d", rec.Code)
	}

	adminToken := loginToken(t, handler, "admin", "admin123")
	adminReq := httptest.NewRequest(http.MethodPut, "/api/v1/rates", bytes.NewReader(payload))
	adminReq.Header.Set("Content-Type", "application/json")
	adminReq.Header.Set("Authorization", "Bearer "+adminToken)
	adminRec := httptest.NewRecorder()
	handler.ServeHTTP(adminRec, adminReq)

	if adminRec.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin, got %d (body: %s)", adminRec.Code, adminRec.Body.String())
	}
}

func TestSummaryRequiresAdmin(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginToken(t, handler, "cashier", "cashier123")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/reports/summary", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for cashier, got %d", rec.Code)
	}
}
