// Package reconciler applies processor webhook events to payment state
// exactly once.
package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"salonpay/internal/common/money"
	"salonpay/internal/processor"
)

// PaymentReconciler is the slice of the payment service the reconciler
// drives. Each method is idempotent with respect to terminal states. The
// payment id from the event payload backs up the external-id lookup for
// charges whose intent creation timed out.
type PaymentReconciler interface {
	CompleteFromProcessor(ctx context.Context, externalID, paymentID, eventID string) error
	FailFromProcessor(ctx context.Context, externalID, paymentID, eventID, code, message string) error
	RefundFromProcessor(ctx context.Context, externalID, paymentID, eventID string, amount money.Money, reason string) error
}

// Dedup is a fast first-line duplicate filter with a bounded reservation
// window. Reserve returns false when the event id has already been claimed.
type Dedup interface {
	Reserve(ctx context.Context, eventID string) (bool, error)
	Release(ctx context.Context, eventID string) error
}

// ProcessedStore durably records events that have been fully applied.
type ProcessedStore interface {
	MarkProcessed(ctx context.Context, event processor.WebhookEvent) error
	IsProcessed(ctx context.Context, eventID string) (bool, error)
}

// Reconciler verifies, deduplicates, and serializes webhook events before
// handing them to the payment service.
type Reconciler struct {
	payments  PaymentReconciler
	dedup     Dedup
	processed ProcessedStore
	logger    *slog.Logger

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	sync.Mutex
	refs int
}

// New creates a new webhook reconciler.
func New(payments PaymentReconciler, dedup Dedup, processed ProcessedStore, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		payments:  payments,
		dedup:     dedup,
		processed: processed,
		logger:    logger,
		locks:     make(map[string]*entryLock),
	}
}

// Handle applies a verified webhook event. Duplicate event ids are dropped;
// events for the same charge are applied one at a time.
func (r *Reconciler) Handle(ctx context.Context, event processor.WebhookEvent) error {
	// Durable check first so redelivery after a crash is still a no-op.
	done, err := r.processed.IsProcessed(ctx, event.EventID)
	if err != nil {
		return fmt.Errorf("checking processed events: %w", err)
	}
	if done {
		r.logger.Info("duplicate webhook event dropped", "event_id", event.EventID)
		return nil
	}

	claimed, err := r.dedup.Reserve(ctx, event.EventID)
	if err != nil {
		return fmt.Errorf("reserving event: %w", err)
	}
	if !claimed {
		r.logger.Info("webhook event already in flight", "event_id", event.EventID)
		return nil
	}

	unlock := r.lock(event.ExternalID)
	defer unlock()

	if err := r.apply(ctx, event); err != nil {
		// Free the reservation so the processor's redelivery can retry.
		if relErr := r.dedup.Release(ctx, event.EventID); relErr != nil {
			r.logger.Error("failed to release event reservation",
				"event_id", event.EventID,
				"error", relErr,
			)
		}
		return err
	}

	if err := r.processed.MarkProcessed(ctx, event); err != nil {
		return fmt.Errorf("marking event processed: %w", err)
	}
	return nil
}

func (r *Reconciler) apply(ctx context.Context, event processor.WebhookEvent) error {
	var outcome processor.WebhookOutcome
	if len(event.Payload) > 0 {
		if err := json.Unmarshal(event.Payload, &outcome); err != nil {
			return fmt.Errorf("parsing event payload: %w", err)
		}
	}

	switch event.Type {
	case "charge.succeeded":
		return r.payments.CompleteFromProcessor(ctx, event.ExternalID, outcome.PaymentID, event.EventID)
	case "charge.failed":
		return r.payments.FailFromProcessor(ctx, event.ExternalID, outcome.PaymentID, event.EventID, outcome.ErrorCode, outcome.ErrorMessage)
	case "charge.refunded":
		amount := money.Money{
			AmountMinor: outcome.AmountMinor,
			Currency:    money.Currency(outcome.Currency),
		}
		return r.payments.RefundFromProcessor(ctx, event.ExternalID, outcome.PaymentID, event.EventID, amount, outcome.Reason)
	default:
		r.logger.Warn("unknown webhook event type ignored",
			"event_id", event.EventID,
			"type", event.Type,
		)
		return nil
	}
}

// lock serializes handling per charge. Entries are reference counted so the
// map does not grow without bound.
func (r *Reconciler) lock(externalID string) func() {
	r.mu.Lock()
	l, ok := r.locks[externalID]
	if !ok {
		l = &entryLock{}
		r.locks[externalID] = l
	}
	l.refs++
	r.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		r.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, externalID)
		}
		r.mu.Unlock()
	}
}
