package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"salonpay/internal/common/database"
	"salonpay/internal/common/money"
)

const paymentColumns = `
	id, tenant_id, appointment_id, client_id, amount_minor, currency, method,
	status, processor_ref, idempotency_key, balance_minor, card_minor,
	certificate_code, failure_code, failure_message, metadata,
	created_at, updated_at, completed_at, refunded_at
`

// PostgresStore persists payments in Postgres.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore creates a new payment store.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Create inserts a new payment.
func (s *PostgresStore) Create(ctx context.Context, p *Payment) error {
	metadata, err := json.Marshal(p.Metadata)
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}

	query := `
		INSERT INTO payments (` + paymentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`

	_, err = s.db.Exec(ctx, query,
		p.ID, p.TenantID, p.AppointmentID, p.ClientID,
		p.Amount.AmountMinor, p.Amount.Currency, p.Method,
		p.Status, nullable(p.ProcessorRef), p.IdempotencyKey,
		p.BalanceUsed.AmountMinor, p.CardCharged.AmountMinor,
		nullable(p.CertificateCode), nullable(p.FailureCode), nullable(p.FailureMessage), metadata,
		p.CreatedAt, p.UpdatedAt, p.CompletedAt, p.RefundedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("payment for appointment %s: %w", p.AppointmentID, database.ErrAlreadyExists)
		}
		return fmt.Errorf("inserting payment: %w", err)
	}
	return nil
}

// Get retrieves a payment by ID.
func (s *PostgresStore) Get(ctx context.Context, tenantID, id string) (*Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE tenant_id = $1 AND id = $2`
	return scanPayment(s.db.QueryRow(ctx, query, tenantID, id))
}

// GetByAppointment retrieves the payment for an appointment.
func (s *PostgresStore) GetByAppointment(ctx context.Context, tenantID, appointmentID string) (*Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE tenant_id = $1 AND appointment_id = $2`
	return scanPayment(s.db.QueryRow(ctx, query, tenantID, appointmentID))
}

// GetByIdempotencyKey retrieves a payment by its idempotency key.
func (s *PostgresStore) GetByIdempotencyKey(ctx context.Context, tenantID, key string) (*Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE tenant_id = $1 AND idempotency_key = $2`
	return scanPayment(s.db.QueryRow(ctx, query, tenantID, key))
}

// GetByProcessorRef retrieves a payment by the processor's external ID.
func (s *PostgresStore) GetByProcessorRef(ctx context.Context, processorRef string) (*Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE processor_ref = $1`
	return scanPayment(s.db.QueryRow(ctx, query, processorRef))
}

// GetByID retrieves a payment without a tenant scope. Webhook reconciliation
// resolves payments this way when the processor ref was never recorded.
func (s *PostgresStore) GetByID(ctx context.Context, id string) (*Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`
	return scanPayment(s.db.QueryRow(ctx, query, id))
}

// Update persists payment mutations. The amount columns are deliberately not
// part of the update: the amount is immutable once set.
func (s *PostgresStore) Update(ctx context.Context, p *Payment) error {
	metadata, err := json.Marshal(p.Metadata)
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}

	query := `
		UPDATE payments
		SET status = $1, processor_ref = $2, balance_minor = $3, card_minor = $4,
		    certificate_code = $5, failure_code = $6, failure_message = $7,
		    metadata = $8, updated_at = $9, completed_at = $10, refunded_at = $11
		WHERE tenant_id = $12 AND id = $13
	`

	tag, err := s.db.Exec(ctx, query,
		p.Status, nullable(p.ProcessorRef), p.BalanceUsed.AmountMinor, p.CardCharged.AmountMinor,
		nullable(p.CertificateCode), nullable(p.FailureCode), nullable(p.FailureMessage),
		metadata, time.Now().UTC(), p.CompletedAt, p.RefundedAt,
		p.TenantID, p.ID,
	)
	if err != nil {
		return fmt.Errorf("updating payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return database.ErrNotFound
	}
	return nil
}

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	var amount, balanceUsed, cardCharged int64
	var currency string
	var processorRef, certCode, failureCode, failureMsg *string
	var metadata []byte

	err := row.Scan(
		&p.ID, &p.TenantID, &p.AppointmentID, &p.ClientID,
		&amount, &currency, &p.Method,
		&p.Status, &processorRef, &p.IdempotencyKey,
		&balanceUsed, &cardCharged,
		&certCode, &failureCode, &failureMsg, &metadata,
		&p.CreatedAt, &p.UpdatedAt, &p.CompletedAt, &p.RefundedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning payment: %w", err)
	}

	cur := money.Currency(currency)
	p.Amount = money.New(amount, cur)
	p.BalanceUsed = money.New(balanceUsed, cur)
	p.CardCharged = money.New(cardCharged, cur)
	if processorRef != nil {
		p.ProcessorRef = *processorRef
	}
	if certCode != nil {
		p.CertificateCode = *certCode
	}
	if failureCode != nil {
		p.FailureCode = *failureCode
	}
	if failureMsg != nil {
		p.FailureMessage = *failureMsg
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &p.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshaling metadata: %w", err)
		}
	}
	if p.Metadata == nil {
		p.Metadata = make(map[string]string)
	}

	return &p, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
