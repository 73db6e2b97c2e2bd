package certificate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"salonpay/internal/common/database"
	"salonpay/internal/common/money"
)

// PostgresStore persists certificates in Postgres.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore creates a new certificate store.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Create inserts a new certificate (sold out-of-band).
func (s *PostgresStore) Create(ctx context.Context, cert *Certificate) error {
	query := `
		INSERT INTO certificates (
			code, tenant_id, client_id, balance_minor, original_minor, currency,
			expires_at, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := s.db.Exec(ctx, query,
		cert.Code, cert.TenantID, cert.ClientID,
		cert.Balance.AmountMinor, cert.Original.AmountMinor, cert.Balance.Currency,
		cert.ExpiresAt, cert.Version, cert.CreatedAt, cert.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("certificate %s: %w", cert.Code, database.ErrAlreadyExists)
		}
		return fmt.Errorf("creating certificate: %w", err)
	}
	return nil
}

// Get retrieves a certificate by code.
func (s *PostgresStore) Get(ctx context.Context, tenantID, code string) (*Certificate, error) {
	query := `
		SELECT code, tenant_id, client_id, balance_minor, original_minor, currency,
		       expires_at, version, created_at, updated_at
		FROM certificates
		WHERE tenant_id = $1 AND code = $2
	`

	return scanCertificate(s.db.QueryRow(ctx, query, tenantID, code))
}

// ListByClient retrieves all certificates held by a client.
func (s *PostgresStore) ListByClient(ctx context.Context, tenantID, clientID string) ([]*Certificate, error) {
	query := `
		SELECT code, tenant_id, client_id, balance_minor, original_minor, currency,
		       expires_at, version, created_at, updated_at
		FROM certificates
		WHERE tenant_id = $1 AND client_id = $2
		ORDER BY created_at
	`

	rows, err := s.db.Query(ctx, query, tenantID, clientID)
	if err != nil {
		return nil, fmt.Errorf("listing certificates: %w", err)
	}
	defer rows.Close()

	var certs []*Certificate
	for rows.Next() {
		cert, err := scanCertificate(rows)
		if err != nil {
			return nil, err
		}
		certs = append(certs, cert)
	}
	return certs, rows.Err()
}

// SetBalance writes the balance conditioned on the version read.
func (s *PostgresStore) SetBalance(ctx context.Context, tenantID, code string, newBalance int64, expectedVersion int64) error {
	query := `
		UPDATE certificates
		SET balance_minor = $1, version = version + 1, updated_at = $2
		WHERE tenant_id = $3 AND code = $4 AND version = $5
	`

	tag, err := s.db.Exec(ctx, query, newBalance, time.Now().UTC(), tenantID, code, expectedVersion)
	if err != nil {
		return fmt.Errorf("updating certificate balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a missing row from a stale version.
		if _, err := s.Get(ctx, tenantID, code); err != nil {
			return err
		}
		return fmt.Errorf("certificate %s: %w", code, ErrVersionConflict)
	}
	return nil
}

func scanCertificate(row pgx.Row) (*Certificate, error) {
	var c Certificate
	var balance, original int64
	var currency string

	err := row.Scan(
		&c.Code, &c.TenantID, &c.ClientID, &balance, &original, &currency,
		&c.ExpiresAt, &c.Version, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning certificate: %w", err)
	}

	c.Balance = money.New(balance, money.Currency(currency))
	c.Original = money.New(original, money.Currency(currency))
	return &c, nil
}
