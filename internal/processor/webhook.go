package processor

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
)

// SignatureHeader carries the hex-encoded HMAC-SHA256 of the raw body.
const SignatureHeader = "X-Processor-Signature"

// WebhookEvent is the structure of processor webhook callbacks.
type WebhookEvent struct {
	EventID    string          `json:"event_id"`
	Type       string          `json:"type"` // charge.succeeded, charge.failed, charge.refunded
	ExternalID string          `json:"external_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  string          `json:"timestamp"`
}

// WebhookOutcome is the parsed payload of a terminal webhook event. PaymentID
// is echoed back from the intent metadata and resolves charges whose intent
// creation timed out before an external id was recorded.
type WebhookOutcome struct {
	PaymentID    string `json:"payment_id,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	AmountMinor  int64  `json:"amount,omitempty"`
	Currency     string `json:"currency,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// EventHandler reconciles a verified webhook event against payment state.
type EventHandler interface {
	Handle(ctx context.Context, event WebhookEvent) error
}

// WebhookHandler handles processor webhook callbacks. Events with a missing
// or invalid signature are rejected before any state is touched.
type WebhookHandler struct {
	secret  []byte
	handler EventHandler
	logger  *slog.Logger
}

// NewWebhookHandler creates a new processor webhook handler.
func NewWebhookHandler(secret string, handler EventHandler, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		secret:  []byte(secret),
		handler: handler,
		logger:  logger,
	}
}

// ServeHTTP handles incoming processor webhook requests.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.Error("failed to read webhook body", "error", err)
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if !h.verifySignature(body, r.Header.Get(SignatureHeader)) {
		h.logger.Warn("webhook signature verification failed",
			"remote_addr", r.RemoteAddr,
		)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var event WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		h.logger.Error("failed to parse webhook payload", "error", err)
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if event.EventID == "" || event.ExternalID == "" {
		http.Error(w, "missing event_id or external_id", http.StatusBadRequest)
		return
	}

	h.logger.Info("received processor webhook",
		"event_id", event.EventID,
		"type", event.Type,
		"external_id", event.ExternalID,
	)

	if err := h.handler.Handle(r.Context(), event); err != nil {
		h.logger.Error("webhook reconciliation failed",
			"event_id", event.EventID,
			"error", err,
		)
		// Non-2xx makes the processor redeliver. Handling is idempotent, so
		// redelivery is safe.
		http.Error(w, "reconciliation failed", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

func (h *WebhookHandler) verifySignature(body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	return hmac.Equal(provided, mac.Sum(nil))
}

// Sign computes the signature for a webhook body. Exported for tests and for
// local gateway simulators.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
