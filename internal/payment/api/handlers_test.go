package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"salonpay/internal/audit"
	"salonpay/internal/certificate"
	"salonpay/internal/common/database"
	"salonpay/internal/common/middleware"
	"salonpay/internal/common/money"
	"salonpay/internal/payment"
)

type fixedDirectory struct {
	appts map[string]*payment.Appointment
}

func (d *fixedDirectory) Lookup(_ context.Context, tenantID, appointmentID string) (*payment.Appointment, error) {
	appt, ok := d.appts[appointmentID]
	if !ok || appt.TenantID != tenantID {
		return nil, database.ErrNotFound
	}
	return appt, nil
}

type stubProcessor struct{}

func (stubProcessor) CreateIntent(_ context.Context, req payment.IntentRequest) (*payment.Intent, error) {
	return &payment.Intent{ExternalID: fmt.Sprintf("pi_%s", req.PaymentID), ClientSecret: "cs_test"}, nil
}

func (stubProcessor) Confirm(context.Context, string) (payment.OutcomeHint, error) {
	return payment.HintPending, nil
}

func (stubProcessor) Refund(context.Context, string, money.Money, string) error { return nil }

func newTestServer(t *testing.T) (*httptest.Server, *certificate.MemoryStore) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	certs := certificate.NewMemoryStore()
	recorder := audit.NewRecorder(audit.NewMemoryStore(), logger)
	dir := &fixedDirectory{appts: map[string]*payment.Appointment{
		"apt-1": {
			ID:          "apt-1",
			TenantID:    "t1",
			ClientID:    "cl-1",
			AmountBasis: money.New(6000, money.USD),
		},
	}}

	service := payment.NewService(
		payment.NewMemoryStore(),
		certificate.NewLedger(certs, logger),
		stubProcessor{},
		dir,
		recorder,
		nil,
		logger,
	)

	handler := NewHandler(service, recorder)
	root := middleware.TenantExtractor(handler.Routes())
	srv := httptest.NewServer(root)
	t.Cleanup(srv.Close)
	return srv, certs
}

func doJSON(t *testing.T, srv *httptest.Server, method, path, tenantID, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if tenantID != "" {
		req.Header.Set("X-Tenant-ID", tenantID)
	}
	if method == http.MethodPost && strings.HasSuffix(path, "/payments") {
		req.Header.Set("Idempotency-Key", "key-"+path)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &decoded))
	}
	return resp, decoded
}

func TestCreatePayment_Success(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := doJSON(t, srv, http.MethodPost, "/payments", "t1",
		`{"appointment_id":"apt-1","amount_minor":6000,"currency":"USD","method":"CARD"}`)

	require.Equal(t, http.StatusCreated, resp.StatusCode)
	data := body["data"].(map[string]any)
	require.Equal(t, "PENDING", data["status"])
	require.NotEmpty(t, data["id"])
}

func TestCreatePayment_SourcePolicyConflict(t *testing.T) {
	srv, certs := newTestServer(t)

	now := time.Now().UTC()
	certs.Put(&certificate.Certificate{
		Code:      "GC-100",
		TenantID:  "t1",
		ClientID:  "cl-1",
		Balance:   money.New(5000, money.USD),
		Original:  money.New(5000, money.USD),
		CreatedAt: now,
		UpdatedAt: now,
	})

	resp, body := doJSON(t, srv, http.MethodPost, "/payments", "t1",
		`{"appointment_id":"apt-1","amount_minor":6000,"currency":"USD","method":"CARD"}`)

	require.Equal(t, http.StatusConflict, resp.StatusCode)
	errBody := body["error"].(map[string]any)
	require.Equal(t, "SOURCE_POLICY_VIOLATION", errBody["code"])
	require.Equal(t, "GC-100", errBody["details"].(map[string]any)["certificate_code"])
}

func TestCreatePayment_RequiresTenant(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, _ := doJSON(t, srv, http.MethodPost, "/payments", "",
		`{"appointment_id":"apt-1","amount_minor":6000,"currency":"USD","method":"CARD"}`)

	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreatePayment_UnknownAppointment(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, _ := doJSON(t, srv, http.MethodPost, "/payments", "t1",
		`{"appointment_id":"apt-missing","amount_minor":6000,"currency":"USD","method":"CARD"}`)

	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreatePayment_ValidationFailure(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := doJSON(t, srv, http.MethodPost, "/payments", "t1",
		`{"appointment_id":"apt-1","amount_minor":6000,"currency":"USD","method":"WIRE"}`)

	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	errBody := body["error"].(map[string]any)
	require.Equal(t, "VALIDATION_ERROR", errBody["code"])
}

func TestGetPayment_NotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, _ := doJSON(t, srv, http.MethodGet, "/payments/PAY-missing", "t1", "")

	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetPaymentAudit_ReturnsTrail(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := doJSON(t, srv, http.MethodPost, "/payments", "t1",
		`{"appointment_id":"apt-1","amount_minor":6000,"currency":"USD","method":"CARD"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := body["data"].(map[string]any)["id"].(string)

	resp, body = doJSON(t, srv, http.MethodGet, "/payments/"+id+"/audit", "t1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	entries := body["data"].([]any)
	require.NotEmpty(t, entries)
	first := entries[0].(map[string]any)
	require.Equal(t, "source_selected", first["action"])
}

func TestListAudit_RejectsBadRange(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, _ := doJSON(t, srv, http.MethodGet, "/audit?from=yesterday", "t1", "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
