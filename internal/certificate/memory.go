package certificate

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used in tests and local development.
type MemoryStore struct {
	mu    sync.Mutex
	certs map[string]*Certificate
}

// NewMemoryStore creates an empty in-memory certificate store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{certs: make(map[string]*Certificate)}
}

func (s *MemoryStore) key(tenantID, code string) string {
	return tenantID + "/" + code
}

// Put inserts or replaces a certificate.
func (s *MemoryStore) Put(cert *Certificate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *cert
	s.certs[s.key(cert.TenantID, cert.Code)] = &cp
}

// Get retrieves a certificate by code.
func (s *MemoryStore) Get(ctx context.Context, tenantID, code string) (*Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cert, ok := s.certs[s.key(tenantID, code)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *cert
	return &cp, nil
}

// ListByClient retrieves all certificates held by a client.
func (s *MemoryStore) ListByClient(ctx context.Context, tenantID, clientID string) ([]*Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var certs []*Certificate
	for _, cert := range s.certs {
		if cert.TenantID == tenantID && cert.ClientID == clientID {
			cp := *cert
			certs = append(certs, &cp)
		}
	}
	return certs, nil
}

// SetBalance writes the balance conditioned on the version read.
func (s *MemoryStore) SetBalance(ctx context.Context, tenantID, code string, newBalance int64, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cert, ok := s.certs[s.key(tenantID, code)]
	if !ok {
		return ErrNotFound
	}
	if cert.Version != expectedVersion {
		return fmt.Errorf("certificate %s: %w", code, ErrVersionConflict)
	}

	cert.Balance.AmountMinor = newBalance
	cert.Version++
	cert.UpdatedAt = time.Now().UTC()
	return nil
}
