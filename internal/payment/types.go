// Package payment resolves appointment charges across balance and card sources.
package payment

import (
	"errors"
	"time"

	"salonpay/internal/common/money"
)

// Method is the payment method declared by the caller.
type Method string

const (
	MethodBalance Method = "BALANCE"
	MethodCard    Method = "CARD"
	MethodCash    Method = "CASH"
	MethodOther   Method = "OTHER"
)

// KnownMethod reports whether m is part of the declared taxonomy.
func KnownMethod(m Method) bool {
	switch m {
	case MethodBalance, MethodCard, MethodCash, MethodOther:
		return true
	}
	return false
}

// Status is the payment lifecycle state. Transitions are monotonic and
// one-directional: PENDING -> COMPLETED | FAILED, COMPLETED -> REFUNDED.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusRefunded  Status = "REFUNDED"
)

// Payment represents one charge obligation for one appointment. Exactly one
// payment exists per appointment; the amount is immutable once set.
type Payment struct {
	ID             string      `json:"id"`
	TenantID       string      `json:"tenant_id"`
	AppointmentID  string      `json:"appointment_id"`
	ClientID       string      `json:"client_id"`
	Amount         money.Money `json:"amount"`
	Method         Method      `json:"method"`
	Status         Status      `json:"status"`
	ProcessorRef   string      `json:"processor_ref,omitempty"`
	IdempotencyKey string      `json:"idempotency_key"`

	// Split between sources for combined charges.
	BalanceUsed     money.Money `json:"balance_used"`
	CardCharged     money.Money `json:"card_charged"`
	CertificateCode string      `json:"certificate_code,omitempty"`

	FailureCode    string            `json:"failure_code,omitempty"`
	FailureMessage string            `json:"failure_message,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	RefundedAt  *time.Time `json:"refunded_at,omitempty"`
}

// NewPayment creates a payment in PENDING.
func NewPayment(id, tenantID, appointmentID, clientID string, amount money.Money, method Method, idempotencyKey string) (*Payment, error) {
	if id == "" {
		return nil, errors.New("id is required")
	}
	if tenantID == "" {
		return nil, errors.New("tenant_id is required")
	}
	if appointmentID == "" {
		return nil, errors.New("appointment_id is required")
	}
	if !amount.IsPositive() {
		return nil, errors.New("amount must be positive")
	}
	if idempotencyKey == "" {
		return nil, errors.New("idempotency_key is required")
	}

	now := time.Now().UTC()
	return &Payment{
		ID:             id,
		TenantID:       tenantID,
		AppointmentID:  appointmentID,
		ClientID:       clientID,
		Amount:         amount,
		Method:         method,
		Status:         StatusPending,
		IdempotencyKey: idempotencyKey,
		BalanceUsed:    money.Zero(amount.Currency),
		CardCharged:    money.Zero(amount.Currency),
		Metadata:       make(map[string]string),
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// MarkCompleted transitions the payment to COMPLETED.
func (p *Payment) MarkCompleted() error {
	if p.Status != StatusPending {
		return errors.New("can only complete pending payments")
	}
	now := time.Now().UTC()
	p.Status = StatusCompleted
	p.CompletedAt = &now
	p.UpdatedAt = now
	return nil
}

// MarkFailed transitions the payment to FAILED.
func (p *Payment) MarkFailed(code, message string) error {
	if p.Status != StatusPending {
		return errors.New("can only fail pending payments")
	}
	p.Status = StatusFailed
	p.FailureCode = code
	p.FailureMessage = message
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkRefunded transitions the payment to REFUNDED.
func (p *Payment) MarkRefunded() error {
	if p.Status != StatusCompleted {
		return errors.New("can only refund completed payments")
	}
	now := time.Now().UTC()
	p.Status = StatusRefunded
	p.RefundedAt = &now
	p.UpdatedAt = now
	return nil
}

// IsTerminal reports whether the payment has reached a terminal state.
// REFUNDED is terminal; COMPLETED may still transition to REFUNDED.
func (p *Payment) IsTerminal() bool {
	return p.Status == StatusCompleted || p.Status == StatusFailed || p.Status == StatusRefunded
}

// HasCardLeg reports whether a card charge was initiated for this payment.
func (p *Payment) HasCardLeg() bool {
	return p.ProcessorRef != ""
}
