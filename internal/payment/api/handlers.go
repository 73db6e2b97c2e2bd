// Package api exposes the payment service over HTTP.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"salonpay/internal/audit"
	"salonpay/internal/certificate"
	"salonpay/internal/common/api"
	"salonpay/internal/common/database"
	"salonpay/internal/common/middleware"
	"salonpay/internal/common/money"
	"salonpay/internal/payment"
)

// Handler handles payment HTTP requests.
type Handler struct {
	service  *payment.Service
	recorder *audit.Recorder
}

// NewHandler creates a new payment handler.
func NewHandler(service *payment.Service, recorder *audit.Recorder) *Handler {
	return &Handler{service: service, recorder: recorder}
}

// Routes returns the payment routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/payments", h.CreatePayment)
	r.Get("/payments/{id}", h.GetPayment)
	r.Get("/payments/{id}/audit", h.GetPaymentAudit)
	r.Post("/payments/{id}/refund", h.RefundPayment)

	r.Get("/audit", h.ListAudit)

	return r
}

// CreatePaymentRequest is the API request for charging an appointment.
type CreatePaymentRequest struct {
	AppointmentID string `json:"appointment_id" validate:"required,max=100"`
	AmountMinor   int64  `json:"amount_minor" validate:"required,gt=0"`
	Currency      string `json:"currency" validate:"required,len=3"`
	Method        string `json:"method" validate:"required,oneof=BALANCE CARD CASH OTHER"`
	CardOverride  bool   `json:"card_override"`
}

// CreatePayment handles POST /payments.
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	if tenantID == "" {
		api.BadRequest(w, "tenant ID required")
		return
	}

	var req CreatePaymentRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	svcReq := payment.ChargeRequest{
		TenantID:             tenantID,
		AppointmentID:        req.AppointmentID,
		Amount:               money.New(req.AmountMinor, money.Currency(req.Currency)),
		Method:               payment.Method(req.Method),
		ExplicitCardOverride: req.CardOverride,
		IdempotencyKey:       r.Header.Get("Idempotency-Key"),
	}

	p, err := h.service.Charge(r.Context(), svcReq)
	if err != nil {
		h.writeChargeError(w, err)
		return
	}

	api.WriteData(w, http.StatusCreated, p)
}

func (h *Handler) writeChargeError(w http.ResponseWriter, err error) {
	var policyErr *payment.SourcePolicyError
	var procErr *payment.ProcessorError

	switch {
	case errors.As(err, &policyErr):
		api.WriteErrorWithDetails(w, http.StatusConflict, api.ErrCodeSourcePolicy,
			"certificate balance must be spent before the card", map[string]string{
				"certificate_code":  policyErr.CertificateCode,
				"available_balance": policyErr.Available.String(),
			})
	case errors.Is(err, payment.ErrAppointmentPaid):
		api.Conflict(w, "appointment already has a payment")
	case errors.Is(err, certificate.ErrInsufficientBalance):
		api.WriteError(w, http.StatusConflict, api.ErrCodeInsufficientBalance, err.Error())
	case errors.Is(err, certificate.ErrExpired):
		api.WriteError(w, http.StatusConflict, api.ErrCodeCertificateExpired, err.Error())
	case errors.As(err, &procErr):
		api.WriteError(w, http.StatusBadGateway, api.ErrCodeProcessorRejected, procErr.Message)
	case errors.Is(err, payment.ErrValidation):
		api.WriteError(w, http.StatusUnprocessableEntity, api.ErrCodeValidation, err.Error())
	case database.IsNotFound(err):
		api.NotFound(w, "appointment not found")
	default:
		api.InternalError(w, "failed to process payment")
	}
}

// GetPayment handles GET /payments/{id}.
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	if tenantID == "" {
		api.BadRequest(w, "tenant ID required")
		return
	}

	id := chi.URLParam(r, "id")
	if id == "" {
		api.BadRequest(w, "payment ID required")
		return
	}

	p, err := h.service.Get(r.Context(), tenantID, id)
	if err != nil {
		if database.IsNotFound(err) {
			api.NotFound(w, "payment not found")
			return
		}
		api.InternalError(w, "failed to get payment")
		return
	}

	api.WriteData(w, http.StatusOK, p)
}

// GetPaymentAudit handles GET /payments/{id}/audit.
func (h *Handler) GetPaymentAudit(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	if tenantID == "" {
		api.BadRequest(w, "tenant ID required")
		return
	}

	id := chi.URLParam(r, "id")
	if id == "" {
		api.BadRequest(w, "payment ID required")
		return
	}

	// Scope check before exposing the trail.
	if _, err := h.service.Get(r.Context(), tenantID, id); err != nil {
		if database.IsNotFound(err) {
			api.NotFound(w, "payment not found")
			return
		}
		api.InternalError(w, "failed to get payment")
		return
	}

	entries, err := h.recorder.ListByPayment(r.Context(), id)
	if err != nil {
		api.InternalError(w, "failed to list audit entries")
		return
	}

	api.WriteData(w, http.StatusOK, entries)
}

// RefundPaymentRequest is the API request for refunding a payment.
type RefundPaymentRequest struct {
	Reason string `json:"reason" validate:"required,max=255"`
}

// RefundPayment handles POST /payments/{id}/refund.
func (h *Handler) RefundPayment(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	if tenantID == "" {
		api.BadRequest(w, "tenant ID required")
		return
	}

	id := chi.URLParam(r, "id")
	if id == "" {
		api.BadRequest(w, "payment ID required")
		return
	}

	var req RefundPaymentRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	p, err := h.service.RequestRefund(r.Context(), tenantID, id, req.Reason)
	if err != nil {
		var procErr *payment.ProcessorError
		switch {
		case database.IsNotFound(err):
			api.NotFound(w, "payment not found")
		case errors.Is(err, payment.ErrValidation):
			api.WriteError(w, http.StatusUnprocessableEntity, api.ErrCodeValidation, err.Error())
		case errors.As(err, &procErr):
			api.WriteError(w, http.StatusBadGateway, api.ErrCodeProcessorRejected, procErr.Message)
		default:
			api.InternalError(w, "failed to refund payment")
		}
		return
	}

	api.WriteData(w, http.StatusOK, p)
}

// ListAudit handles GET /audit with a from/to window.
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	if tenantID == "" {
		api.BadRequest(w, "tenant ID required")
		return
	}

	from, to, err := parseRange(r)
	if err != nil {
		api.BadRequest(w, err.Error())
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			api.BadRequest(w, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	entries, err := h.recorder.ListByRange(r.Context(), from, to, limit)
	if err != nil {
		api.InternalError(w, "failed to list audit entries")
		return
	}

	api.WriteData(w, http.StatusOK, entries)
}

func parseRange(r *http.Request) (time.Time, time.Time, error) {
	now := time.Now().UTC()
	from := now.Add(-24 * time.Hour)
	to := now

	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, errors.New("from must be RFC3339")
		}
		from = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, errors.New("to must be RFC3339")
		}
		to = t
	}
	if to.Before(from) {
		return time.Time{}, time.Time{}, errors.New("to must not precede from")
	}
	return from, to, nil
}
