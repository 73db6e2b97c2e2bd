package payment

import (
	"context"
	"sync"

	"salonpay/internal/common/database"
)

// MemoryStore is an in-memory Store used in tests and local development.
type MemoryStore struct {
	mu       sync.Mutex
	payments map[string]*Payment
}

// NewMemoryStore creates an empty in-memory payment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{payments: make(map[string]*Payment)}
}

func clonePayment(p *Payment) *Payment {
	cp := *p
	cp.Metadata = make(map[string]string, len(p.Metadata))
	for k, v := range p.Metadata {
		cp.Metadata[k] = v
	}
	return &cp
}

// Create inserts a new payment.
func (s *MemoryStore) Create(ctx context.Context, p *Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.payments {
		if existing.TenantID != p.TenantID {
			continue
		}
		if existing.AppointmentID == p.AppointmentID || existing.IdempotencyKey == p.IdempotencyKey {
			return database.ErrAlreadyExists
		}
	}
	s.payments[p.ID] = clonePayment(p)
	return nil
}

// Get retrieves a payment by ID.
func (s *MemoryStore) Get(ctx context.Context, tenantID, id string) (*Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[id]
	if !ok || p.TenantID != tenantID {
		return nil, database.ErrNotFound
	}
	return clonePayment(p), nil
}

// GetByAppointment retrieves the payment for an appointment.
func (s *MemoryStore) GetByAppointment(ctx context.Context, tenantID, appointmentID string) (*Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.payments {
		if p.TenantID == tenantID && p.AppointmentID == appointmentID {
			return clonePayment(p), nil
		}
	}
	return nil, database.ErrNotFound
}

// GetByIdempotencyKey retrieves a payment by its idempotency key.
func (s *MemoryStore) GetByIdempotencyKey(ctx context.Context, tenantID, key string) (*Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.payments {
		if p.TenantID == tenantID && p.IdempotencyKey == key {
			return clonePayment(p), nil
		}
	}
	return nil, database.ErrNotFound
}

// GetByProcessorRef retrieves a payment by the processor's external ID.
func (s *MemoryStore) GetByProcessorRef(ctx context.Context, processorRef string) (*Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.payments {
		if p.ProcessorRef == processorRef && processorRef != "" {
			return clonePayment(p), nil
		}
	}
	return nil, database.ErrNotFound
}

// GetByID retrieves a payment without a tenant scope.
func (s *MemoryStore) GetByID(ctx context.Context, id string) (*Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return clonePayment(p), nil
}

// Update persists payment mutations.
func (s *MemoryStore) Update(ctx context.Context, p *Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.payments[p.ID]; !ok {
		return database.ErrNotFound
	}
	s.payments[p.ID] = clonePayment(p)
	return nil
}
