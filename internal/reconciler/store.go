package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"salonpay/internal/common/database"
	"salonpay/internal/processor"
)

// PostgresProcessedStore records applied event ids in the processed_events
// table.
type PostgresProcessedStore struct {
	db *database.DB
}

// NewPostgresProcessedStore creates a Postgres-backed processed-event store.
func NewPostgresProcessedStore(db *database.DB) *PostgresProcessedStore {
	return &PostgresProcessedStore{db: db}
}

func (s *PostgresProcessedStore) MarkProcessed(ctx context.Context, event processor.WebhookEvent) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO processed_events (event_id, external_id, event_type, received_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (event_id) DO NOTHING
	`, event.EventID, event.ExternalID, event.Type, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("marking event processed: %w", err)
	}
	return nil
}

func (s *PostgresProcessedStore) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM processed_events WHERE event_id = $1)
	`, eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking processed event: %w", err)
	}
	return exists, nil
}

// MemoryProcessedStore is an in-memory ProcessedStore for tests.
type MemoryProcessedStore struct {
	mu   sync.RWMutex
	seen map[string]bool
}

// NewMemoryProcessedStore creates an in-memory processed-event store.
func NewMemoryProcessedStore() *MemoryProcessedStore {
	return &MemoryProcessedStore{seen: make(map[string]bool)}
}

func (s *MemoryProcessedStore) MarkProcessed(_ context.Context, event processor.WebhookEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen[event.EventID] = true
	return nil
}

func (s *MemoryProcessedStore) IsProcessed(_ context.Context, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seen[eventID], nil
}
