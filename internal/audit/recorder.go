// Package audit provides the append-only record of payment decisions.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

// Action tags come from a closed taxonomy; every branch of payment processing
// that changes state appends exactly one of these.
type Action string

const (
	ActionSourceSelected        Action = "source_selected"
	ActionBalanceRedeemed       Action = "balance_redeemed"
	ActionChargeInitiated       Action = "charge_initiated"
	ActionChargeSucceeded       Action = "charge_succeeded"
	ActionChargeFailed          Action = "charge_failed"
	ActionChargeRefunded        Action = "charge_refunded"
	ActionRolledBack            Action = "rolled_back"
	ActionRefunded              Action = "refunded"
	ActionRejected              Action = "rejected"
	ActionDuplicateEventIgnored Action = "duplicate_event_ignored"
	ActionAnomalyDetected       Action = "anomaly_detected"
)

// Entry is one immutable fact about a payment. Entries are never updated or
// deleted; readers order them by creation time, then by sequence to break ties.
type Entry struct {
	ID        string         `json:"id"`
	PaymentID string         `json:"payment_id"`
	Action    Action         `json:"action"`
	Detail    map[string]any `json:"detail,omitempty"`
	Seq       int64          `json:"seq"`
	CreatedAt time.Time      `json:"created_at"`
}

// Store persists audit entries. There is deliberately no update or delete.
type Store interface {
	Append(ctx context.Context, entry *Entry) error
	ListByPayment(ctx context.Context, paymentID string) ([]*Entry, error)
	ListByRange(ctx context.Context, from, to time.Time, limit int) ([]*Entry, error)
}

// Recorder appends audit entries with a process-monotonic sequence number.
type Recorder struct {
	store  Store
	logger *slog.Logger
	seq    atomic.Int64
}

// NewRecorder creates a new audit recorder.
func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	return &Recorder{store: store, logger: logger}
}

// Append records one fact about a payment.
func (r *Recorder) Append(ctx context.Context, paymentID string, action Action, detail map[string]any) (*Entry, error) {
	entry := &Entry{
		ID:        fmt.Sprintf("AUD-%s", ulid.Make().String()),
		PaymentID: paymentID,
		Action:    action,
		Detail:    detail,
		Seq:       r.seq.Add(1),
		CreatedAt: time.Now().UTC(),
	}

	if err := r.store.Append(ctx, entry); err != nil {
		return nil, fmt.Errorf("appending audit entry: %w", err)
	}

	r.logger.Info("audit",
		"payment_id", paymentID,
		"action", action,
		"entry_id", entry.ID,
	)
	return entry, nil
}

// ListByPayment returns all entries for a payment, ordered ascending by
// creation time then sequence.
func (r *Recorder) ListByPayment(ctx context.Context, paymentID string) ([]*Entry, error) {
	return r.store.ListByPayment(ctx, paymentID)
}

// ListByRange returns entries in a time range for the operator audit view.
func (r *Recorder) ListByRange(ctx context.Context, from, to time.Time, limit int) ([]*Entry, error) {
	return r.store.ListByRange(ctx, from, to, limit)
}
