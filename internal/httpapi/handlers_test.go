package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"warungpos/backend/internal/cache"
	"warungpos/backend/internal/domain"
	"warungpos/backend/internal/ranking"
	"warungpos/backend/internal/service"
	"warungpos/backend/internal/store/memory"
)

const testManagerPIN = "739154"

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded()
	ranker := ranking.NewEngine(repo, cache.NoopRankingCache{}, time.Second)
	svc := service.New(repo, ranker, 100)
	auth := NewAuthManager("test-secret-key", time.Hour, testManagerPIN, repo)

	return New(svc, auth, "*", t.TempDir())
}

type authedRequest struct {
	api   *API
	token string
	csrf  string
}

func newAuthedRequest(t *testing.T, api *API, username, password string) *authedRequest {
	t.Helper()
	return &authedRequest{
		api:   api,
		token: login(t, api, username, password),
		csrf:  fetchCSRFToken(t, api),
	}
}

func (a *authedRequest) do(t *testing.T, method, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()

	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.token)
	req.Header.Set("X-CSRF-Token", a.csrf)
	rec := httptest.NewRecorder()
	a.api.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestSalesRequireBearerToken(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sales", nil)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestSaleLifecycleOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	cashier := newAuthedRequest(t, api, "cashier", "cashier123")

	rec := cashier.do(t, http.MethodPost, "/api/v1/sales", domain.CreateSaleRequest{
		Items:         []domain.CartLine{{ProductID: 1, Qty: 2}},
		Payment:       10000,
		PaymentMethod: domain.PaymentCash,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create sale: expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	var receipt domain.Receipt
	if err := json.NewDecoder(rec.Body).Decode(&receipt); err != nil {
		t.Fatalf("decode receipt: %v", err)
	}
	if receipt.Total != 7000 || receipt.ChangeAmount != 3000 {
		t.Fatalf("unexpected receipt %+v", receipt)
	}

	rec = cashier.do(t, http.MethodGet, fmt.Sprintf("/api/v1/sales/%d", receipt.SaleID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get sale: expected 200, got %d", rec.Code)
	}

	rec = cashier.do(t, http.MethodPost, fmt.Sprintf("/api/v1/sales/%d/finalize", receipt.SaleID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("finalize: expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}

	// A finalized sale is locked for plain revision.
	rec = cashier.do(t, http.MethodPut, fmt.Sprintf("/api/v1/sales/%d", receipt.SaleID), domain.ReviseSaleRequest{
		Items:         []domain.CartLine{{ProductID: 1, Qty: 1}},
		Payment:       5000,
		PaymentMethod: domain.PaymentCash,
	})
	if rec.Code != http.StatusLocked {
		t.Fatalf("revise finalized: expected 423, got %d (%s)", rec.Code, rec.Body.String())
	}

	// Manager override with the right PIN goes through.
	rec = cashier.do(t, http.MethodPut, fmt.Sprintf("/api/v1/sales/%d", receipt.SaleID), domain.ReviseSaleRequest{
		Items:              []domain.CartLine{{ProductID: 1, Qty: 1}},
		Payment:            5000,
		PaymentMethod:      domain.PaymentCash,
		AllowFinalizedEdit: true,
		ManagerPIN:         testManagerPIN,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("override revise: expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestReviseOverrideRejectsBadPIN(t *testing.T) {
	api := newTestAPI(t)
	cashier := newAuthedRequest(t, api, "cashier", "cashier123")

	rec := cashier.do(t, http.MethodPut, "/api/v1/sales/1", domain.ReviseSaleRequest{
		Items:              []domain.CartLine{{ProductID: 1, Qty: 1}},
		Payment:            5000,
		PaymentMethod:      domain.PaymentCash,
		AllowFinalizedEdit: true,
		ManagerPIN:         "000000",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for bad pin, got %d", rec.Code)
	}
}

func TestReverseSaleRequiresManagerPINHeader(t *testing.T) {
	api := newTestAPI(t)
	cashier := newAuthedRequest(t, api, "cashier", "cashier123")

	rec := cashier.do(t, http.MethodPost, "/api/v1/sales", domain.CreateSaleRequest{
		Items:         []domain.CartLine{{ProductID: 2, Qty: 1}},
		Payment:       30000,
		PaymentMethod: domain.PaymentQRIS,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create sale: expected 201, got %d", rec.Code)
	}
	var receipt domain.Receipt
	_ = json.NewDecoder(rec.Body).Decode(&receipt)

	// Without the PIN header the reversal is refused.
	req := httptest.NewRequest(http.MethodDelete, fmt.Sprintf("/api/v1/sales/%d", receipt.SaleID), nil)
	req.Header.Set("Authorization", "Bearer "+cashier.token)
	req.Header.Set("X-CSRF-Token", cashier.csrf)
	noPin := httptest.NewRecorder()
	api.Handler().ServeHTTP(noPin, req)
	if noPin.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without pin, got %d", noPin.Code)
	}

	req = httptest.NewRequest(http.MethodDelete, fmt.Sprintf("/api/v1/sales/%d", receipt.SaleID), nil)
	req.Header.Set("Authorization", "Bearer "+cashier.token)
	req.Header.Set("X-CSRF-Token", cashier.csrf)
	req.Header.Set("X-Manager-PIN", testManagerPIN)
	withPin := httptest.NewRecorder()
	api.Handler().ServeHTTP(withPin, req)
	if withPin.Code != http.StatusOK {
		t.Fatalf("expected 200 with pin, got %d (%s)", withPin.Code, withPin.Body.String())
	}
}

func TestCreateSaleErrorMapping(t *testing.T) {
	api := newTestAPI(t)
	cashier := newAuthedRequest(t, api, "cashier", "cashier123")

	cases := []struct {
		name   string
		req    domain.CreateSaleRequest
		status int
	}{
		{
			name: "payment short",
			req: domain.CreateSaleRequest{
				Items:         []domain.CartLine{{ProductID: 1, Qty: 2}},
				Payment:       1000,
				PaymentMethod: domain.PaymentCash,
			},
			status: http.StatusBadRequest,
		},
		{
			name: "unknown product",
			req: domain.CreateSaleRequest{
				Items:         []domain.CartLine{{ProductID: 999, Qty: 1}},
				Payment:       5000,
				PaymentMethod: domain.PaymentCash,
			},
			status: http.StatusNotFound,
		},
		{
			name: "insufficient stock",
			req: domain.CreateSaleRequest{
				Items:         []domain.CartLine{{ProductID: 10, Qty: 500}},
				Payment:       99999999,
				PaymentMethod: domain.PaymentCash,
			},
			status: http.StatusConflict,
		},
		{
			name: "bad payment method",
			req: domain.CreateSaleRequest{
				Items:         []domain.CartLine{{ProductID: 1, Qty: 1}},
				Payment:       5000,
				PaymentMethod: "card",
			},
			status: http.StatusBadRequest,
		},
	}
	for _, tc := range cases {
		rec := cashier.do(t, http.MethodPost, "/api/v1/sales", tc.req)
		if rec.Code != tc.status {
			t.Fatalf("%s: expected %d, got %d (%s)", tc.name, tc.status, rec.Code, rec.Body.String())
		}
	}
}

func TestUnclassifiedErrorsGetMaskedAs500(t *testing.T) {
	driverErr := errors.New("database disk image is malformed")
	status := statusFor(driverErr)
	if status != http.StatusInternalServerError {
		t.Fatalf("expected 500 for unclassified error, got %d", status)
	}

	rec := httptest.NewRecorder()
	writeError(rec, status, driverErr)
	body := rec.Body.String()
	if !strings.Contains(body, "internal server error") {
		t.Fatalf("expected masked message, got %q", body)
	}
	if strings.Contains(body, "malformed") {
		t.Fatalf("driver detail leaked to client: %q", body)
	}
}

func TestSalesReportEndpoint(t *testing.T) {
	api := newTestAPI(t)
	cashier := newAuthedRequest(t, api, "cashier", "cashier123")

	for i := 0; i < 3; i++ {
		rec := cashier.do(t, http.MethodPost, "/api/v1/sales", domain.CreateSaleRequest{
			Items:         []domain.CartLine{{ProductID: 1, Qty: 1}},
			Payment:       5000,
			PaymentMethod: domain.PaymentCash,
		})
		if rec.Code != http.StatusCreated {
			t.Fatalf("sale %d failed: %d", i, rec.Code)
		}
	}

	rec := cashier.do(t, http.MethodGet, "/api/v1/sales?filter=daily&limit=2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var report domain.SalesReport
	if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if len(report.Sales) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(report.Sales))
	}
	if report.Summary.TransactionCount != 3 {
		t.Fatalf("expected summary over 3 transactions, got %d", report.Summary.TransactionCount)
	}

	rec = cashier.do(t, http.MethodGet, "/api/v1/sales?filter=weekly", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad filter, got %d", rec.Code)
	}
}

func TestSalesExportIsAdminOnly(t *testing.T) {
	api := newTestAPI(t)

	cashier := newAuthedRequest(t, api, "cashier", "cashier123")
	rec := cashier.do(t, http.MethodGet, "/api/v1/sales/export", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for cashier, got %d", rec.Code)
	}

	admin := newAuthedRequest(t, api, "admin", "admin123")
	rec = admin.do(t, http.MethodGet, "/api/v1/sales/export?filter=daily", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Fatalf("expected csv content type, got %q", ct)
	}
	if !strings.HasPrefix(rec.Body.String(), "invoice_no,") {
		t.Fatalf("expected csv header row, got %q", rec.Body.String())
	}
}

func TestInvoiceEndpointRendersHTML(t *testing.T) {
	api := newTestAPI(t)
	cashier := newAuthedRequest(t, api, "cashier", "cashier123")

	rec := cashier.do(t, http.MethodPost, "/api/v1/sales", domain.CreateSaleRequest{
		Items:         []domain.CartLine{{ProductID: 1, Qty: 1}},
		Payment:       5000,
		PaymentMethod: domain.PaymentCash,
	})
	var receipt domain.Receipt
	_ = json.NewDecoder(rec.Body).Decode(&receipt)

	rec = cashier.do(t, http.MethodGet, fmt.Sprintf("/api/v1/sales/%d/invoice", receipt.SaleID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("expected html content type, got %q", ct)
	}
	if !strings.Contains(rec.Body.String(), receipt.InvoiceNo) {
		t.Fatalf("expected invoice number in rendered page")
	}
}

func TestRankingsEndpoint(t *testing.T) {
	api := newTestAPI(t)
	cashier := newAuthedRequest(t, api, "cashier", "cashier123")

	rec := cashier.do(t, http.MethodPost, "/api/v1/sales", domain.CreateSaleRequest{
		Items:         []domain.CartLine{{ProductID: 5, Qty: 4}},
		Payment:       20000,
		PaymentMethod: domain.PaymentCash,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create sale: %d", rec.Code)
	}

	rec = cashier.do(t, http.MethodGet, "/api/v1/rankings?window=daily&limit=4", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var body struct {
		Rankings []domain.RankingEntry `json:"rankings"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode rankings: %v", err)
	}
	// The seeded catalog fills the grid; the only seller today leads it.
	if len(body.Rankings) != 4 || body.Rankings[0].ProductID != 5 {
		t.Fatalf("unexpected rankings %+v", body.Rankings)
	}

	rec = cashier.do(t, http.MethodGet, "/api/v1/rankings?window=quarterly", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad window, got %d", rec.Code)
	}
}

func TestUserManagementIsAdminOnly(t *testing.T) {
	api := newTestAPI(t)

	cashier := newAuthedRequest(t, api, "cashier", "cashier123")
	rec := cashier.do(t, http.MethodGet, "/api/v1/users", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for cashier, got %d", rec.Code)
	}

	admin := newAuthedRequest(t, api, "admin", "admin123")
	rec = admin.do(t, http.MethodPost, "/api/v1/users", domain.UserCreateRequest{
		Username: "budi", DisplayName: "Budi", Password: "rahasia1", Role: domain.RoleCashier,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}

	rec = admin.do(t, http.MethodDelete, "/api/v1/users/budi", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestDecodeJSONRejectsUnknownFields(t *testing.T) {
	api := newTestAPI(t)
	cashier := newAuthedRequest(t, api, "cashier", "cashier123")

	rec := cashier.do(t, http.MethodPost, "/api/v1/sales", map[string]any{
		"items":          []map[string]any{{"product_id": 1, "qty": 1}},
		"payment":        5000,
		"payment_method": "cash",
		"surprise":       true,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", rec.Code)
	}
}

func TestBackupUnsupportedOnMemoryStore(t *testing.T) {
	api := newTestAPI(t)
	admin := newAuthedRequest(t, api, "admin", "admin123")

	rec := admin.do(t, http.MethodPost, "/api/v1/backup", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 when store has no backup support, got %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestSettingsUpdateIsAdminOnly(t *testing.T) {
	api := newTestAPI(t)

	cashier := newAuthedRequest(t, api, "cashier", "cashier123")
	rec := cashier.do(t, http.MethodPut, "/api/v1/settings", domain.Settings{StoreName: "Toko Baru"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for cashier, got %d (%s)", rec.Code, rec.Body.String())
	}

	admin := newAuthedRequest(t, api, "admin", "admin123")
	rec = admin.do(t, http.MethodPut, "/api/v1/settings", domain.Settings{StoreName: "Toko Baru"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}

	rec = cashier.do(t, http.MethodGet, "/api/v1/settings", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Toko Baru") {
		t.Fatalf("expected updated store name, got %s", rec.Body.String())
	}
}
