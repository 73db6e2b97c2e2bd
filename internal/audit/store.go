package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"salonpay/internal/common/database"
)

// PostgresStore persists audit entries in Postgres.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore creates a new audit store.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Append inserts an entry. No UPDATE or DELETE statement exists in this package.
func (s *PostgresStore) Append(ctx context.Context, entry *Entry) error {
	detail, err := json.Marshal(entry.Detail)
	if err != nil {
		return fmt.Errorf("marshaling detail: %w", err)
	}

	query := `
		INSERT INTO audit_entries (id, payment_id, action, detail, seq, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err = s.db.Exec(ctx, query,
		entry.ID, entry.PaymentID, entry.Action, detail, entry.Seq, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

// ListByPayment returns entries for a payment in creation order.
func (s *PostgresStore) ListByPayment(ctx context.Context, paymentID string) ([]*Entry, error) {
	query := `
		SELECT id, payment_id, action, detail, seq, created_at
		FROM audit_entries
		WHERE payment_id = $1
		ORDER BY created_at, seq
	`

	rows, err := s.db.Query(ctx, query, paymentID)
	if err != nil {
		return nil, fmt.Errorf("listing audit entries: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// ListByRange returns entries in a time range in creation order.
func (s *PostgresStore) ListByRange(ctx context.Context, from, to time.Time, limit int) ([]*Entry, error) {
	query := `
		SELECT id, payment_id, action, detail, seq, created_at
		FROM audit_entries
		WHERE created_at >= $1 AND created_at <= $2
		ORDER BY created_at, seq
		LIMIT $3
	`

	rows, err := s.db.Query(ctx, query, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("listing audit entries: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

func scanEntries(rows pgx.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		var e Entry
		var detail []byte
		if err := rows.Scan(&e.ID, &e.PaymentID, &e.Action, &detail, &e.Seq, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &e.Detail); err != nil {
				return nil, fmt.Errorf("unmarshaling detail: %w", err)
			}
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
