// Package processor talks to the external card processor gateway.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"salonpay/internal/common/money"
	"salonpay/internal/payment"
)

// Gateway subjects.
const (
	SubjectCreateIntent = "processor.intent.create"
	SubjectIntentStatus = "processor.intent.status"
	SubjectRefund       = "processor.refund"
)

// Config holds processor configuration.
type Config struct {
	MerchantID     string        `envconfig:"PROCESSOR_MERCHANT_ID" required:"true"`
	RequestTimeout time.Duration `envconfig:"PROCESSOR_TIMEOUT" default:"15s"`
	MaxRetries     int           `envconfig:"PROCESSOR_MAX_RETRIES" default:"2"`
	// Charges below this are rejected rather than creating a near-zero intent.
	MinChargeMinor int64  `envconfig:"PROCESSOR_MIN_CHARGE_MINOR" default:"100"`
	WebhookSecret  string `envconfig:"PROCESSOR_WEBHOOK_SECRET" required:"true"`
}

// Orchestrator implements payment.ChargeProcessor over NATS request-reply.
type Orchestrator struct {
	config Config
	nc     *nats.Conn
	logger *slog.Logger
}

// NewOrchestrator creates a new charge orchestrator.
func NewOrchestrator(cfg Config, nc *nats.Conn, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		config: cfg,
		nc:     nc,
		logger: logger,
	}
}

type createIntentRequest struct {
	MerchantID     string            `json:"merchantId"`
	Amount         int64             `json:"amount"`
	Currency       string            `json:"currency"`
	IdempotencyKey string            `json:"idempotencyKey"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

type createIntentResponse struct {
	Success      bool   `json:"success"`
	ExternalID   string `json:"externalId"`
	ClientSecret string `json:"clientSecret"`
	ErrorCode    string `json:"errorCode,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// CreateIntent creates a charge intent with the processor. The idempotency
// key is derived from the payment id, so a retried request cannot create a
// duplicate charge.
func (o *Orchestrator) CreateIntent(ctx context.Context, req payment.IntentRequest) (*payment.Intent, error) {
	if req.Amount.AmountMinor < o.config.MinChargeMinor {
		return nil, &payment.ProcessorError{
			Code:    "AMOUNT_BELOW_MINIMUM",
			Message: fmt.Sprintf("amount %d is below the minimum chargeable %d", req.Amount.AmountMinor, o.config.MinChargeMinor),
		}
	}

	gwReq := createIntentRequest{
		MerchantID:     o.config.MerchantID,
		Amount:         req.Amount.AmountMinor,
		Currency:       string(req.Amount.Currency),
		IdempotencyKey: fmt.Sprintf("charge-%s", req.PaymentID),
		Metadata: map[string]string{
			"payment_id":     req.PaymentID,
			"appointment_id": req.AppointmentID,
			"client_id":      req.ClientID,
			"tenant_id":      req.TenantID,
		},
	}
	data, err := json.Marshal(gwReq)
	if err != nil {
		return nil, fmt.Errorf("marshaling intent request: %w", err)
	}

	o.logger.Info("creating charge intent",
		"payment_id", req.PaymentID,
		"amount", req.Amount.AmountMinor,
	)

	msg, err := o.request(ctx, SubjectCreateIntent, data)
	if err != nil {
		return nil, err
	}

	var resp createIntentResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("unmarshaling intent response: %w", err)
	}
	if !resp.Success {
		return nil, &payment.ProcessorError{Code: resp.ErrorCode, Message: resp.ErrorMessage}
	}

	o.logger.Info("charge intent created",
		"payment_id", req.PaymentID,
		"external_id", resp.ExternalID,
	)

	return &payment.Intent{
		ExternalID:   resp.ExternalID,
		ClientSecret: resp.ClientSecret,
	}, nil
}

// Confirm is a best-effort synchronous peek at an intent's outcome.
func (o *Orchestrator) Confirm(ctx context.Context, externalID string) (payment.OutcomeHint, error) {
	data, _ := json.Marshal(map[string]string{"externalId": externalID})

	msg, err := o.request(ctx, SubjectIntentStatus, data)
	if err != nil {
		return payment.HintUnknown, err
	}

	var resp struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return payment.HintUnknown, fmt.Errorf("unmarshaling status response: %w", err)
	}

	switch resp.Status {
	case "succeeded":
		return payment.HintSucceeded, nil
	case "failed":
		return payment.HintFailed, nil
	case "pending", "requires_action":
		return payment.HintPending, nil
	default:
		return payment.HintUnknown, nil
	}
}

// Refund asks the processor to refund a captured charge. The terminal refund
// transition still arrives through the webhook.
func (o *Orchestrator) Refund(ctx context.Context, externalID string, amount money.Money, reason string) error {
	data, err := json.Marshal(map[string]any{
		"externalId": externalID,
		"amount":     amount.AmountMinor,
		"currency":   string(amount.Currency),
		"reason":     reason,
	})
	if err != nil {
		return fmt.Errorf("marshaling refund request: %w", err)
	}

	msg, err := o.request(ctx, SubjectRefund, data)
	if err != nil {
		return err
	}

	var resp struct {
		Success      bool   `json:"success"`
		ErrorCode    string `json:"errorCode,omitempty"`
		ErrorMessage string `json:"errorMessage,omitempty"`
	}
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return fmt.Errorf("unmarshaling refund response: %w", err)
	}
	if !resp.Success {
		return &payment.ProcessorError{Code: resp.ErrorCode, Message: resp.ErrorMessage}
	}

	o.logger.Info("refund requested", "external_id", externalID, "amount", amount.AmountMinor)
	return nil
}

// request sends a bounded-timeout request to the gateway with a small number
// of retries on transient transport failures. A timeout is surfaced as
// payment.ErrOutcomeUndetermined, never as a failure proof.
func (o *Orchestrator) request(ctx context.Context, subject string, data []byte) (*nats.Msg, error) {
	var lastErr error
	for attempt := 0; attempt <= o.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", payment.ErrOutcomeUndetermined, ctx.Err())
			case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
			}
		}

		reqCtx, cancel := context.WithTimeout(ctx, o.config.RequestTimeout)
		msg, err := o.nc.RequestWithContext(reqCtx, subject, data)
		cancel()
		if err == nil {
			return msg, nil
		}

		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
			return nil, fmt.Errorf("%w: request to %s timed out", payment.ErrOutcomeUndetermined, subject)
		}
		if !errors.Is(err, nats.ErrNoResponders) && !errors.Is(err, nats.ErrConnectionClosed) {
			return nil, &payment.ProcessorError{Code: "TRANSPORT_ERROR", Message: err.Error()}
		}

		lastErr = err
		o.logger.Warn("processor request failed, retrying",
			"subject", subject,
			"attempt", attempt+1,
			"error", err,
		)
	}

	return nil, &payment.ProcessorError{
		Code:    "PROCESSOR_UNAVAILABLE",
		Message: fmt.Sprintf("after %d attempts: %v", o.config.MaxRetries+1, lastErr),
	}
}
