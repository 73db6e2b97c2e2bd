package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"salonpay/internal/common/money"
	"salonpay/internal/processor"
)

type call struct {
	kind       string
	externalID string
	paymentID  string
	eventID    string
}

type recordingPayments struct {
	mu    sync.Mutex
	calls []call
	err   error
}

func (p *recordingPayments) record(kind, externalID, paymentID, eventID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.calls = append(p.calls, call{kind: kind, externalID: externalID, paymentID: paymentID, eventID: eventID})
	return nil
}

func (p *recordingPayments) CompleteFromProcessor(_ context.Context, externalID, paymentID, eventID string) error {
	return p.record("complete", externalID, paymentID, eventID)
}

func (p *recordingPayments) FailFromProcessor(_ context.Context, externalID, paymentID, eventID, _, _ string) error {
	return p.record("fail", externalID, paymentID, eventID)
}

func (p *recordingPayments) RefundFromProcessor(_ context.Context, externalID, paymentID, eventID string, _ money.Money, _ string) error {
	return p.record("refund", externalID, paymentID, eventID)
}

func newTestReconciler(payments *recordingPayments) *Reconciler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(payments, NewMemoryDedup(), NewMemoryProcessedStore(), logger)
}

func event(id, eventType, externalID string) processor.WebhookEvent {
	return processor.WebhookEvent{
		EventID:    id,
		Type:       eventType,
		ExternalID: externalID,
	}
}

func TestReconciler_DispatchesByEventType(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		eventType string
		want      string
	}{
		{eventType: "charge.succeeded", want: "complete"},
		{eventType: "charge.failed", want: "fail"},
		{eventType: "charge.refunded", want: "refund"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.eventType, func(t *testing.T) {
			payments := &recordingPayments{}
			r := newTestReconciler(payments)

			require.NoError(t, r.Handle(ctx, event("evt-1", tt.eventType, "pi_1")))
			require.Len(t, payments.calls, 1)
			require.Equal(t, tt.want, payments.calls[0].kind)
			require.Equal(t, "pi_1", payments.calls[0].externalID)
		})
	}
}

func TestReconciler_DuplicateEventAppliedOnce(t *testing.T) {
	ctx := context.Background()
	payments := &recordingPayments{}
	r := newTestReconciler(payments)

	ev := event("evt-1", "charge.succeeded", "pi_1")
	require.NoError(t, r.Handle(ctx, ev))
	require.NoError(t, r.Handle(ctx, ev))
	require.NoError(t, r.Handle(ctx, ev))

	require.Len(t, payments.calls, 1)
}

func TestReconciler_FailedApplyReleasesReservation(t *testing.T) {
	ctx := context.Background()
	payments := &recordingPayments{err: errors.New("store unavailable")}
	r := newTestReconciler(payments)

	ev := event("evt-1", "charge.succeeded", "pi_1")
	require.Error(t, r.Handle(ctx, ev))

	// Redelivery succeeds once the fault clears.
	payments.err = nil
	require.NoError(t, r.Handle(ctx, ev))
	require.Len(t, payments.calls, 1)
}

func TestReconciler_RefundPayloadCarriesAmountAndReason(t *testing.T) {
	ctx := context.Background()

	var got money.Money
	var gotReason string
	payments := &capturingRefund{got: &got, gotReason: &gotReason}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := New(payments, NewMemoryDedup(), NewMemoryProcessedStore(), logger)

	payload, err := json.Marshal(processor.WebhookOutcome{
		AmountMinor: 7000,
		Currency:    "USD",
		Reason:      "client cancelled",
	})
	require.NoError(t, err)

	ev := processor.WebhookEvent{
		EventID:    "evt-1",
		Type:       "charge.refunded",
		ExternalID: "pi_1",
		Payload:    payload,
	}
	require.NoError(t, r.Handle(ctx, ev))
	require.Equal(t, int64(7000), got.AmountMinor)
	require.Equal(t, money.USD, got.Currency)
	require.Equal(t, "client cancelled", gotReason)
}

type capturingRefund struct {
	got       *money.Money
	gotReason *string
}

func (c *capturingRefund) CompleteFromProcessor(context.Context, string, string, string) error {
	return nil
}

func (c *capturingRefund) FailFromProcessor(context.Context, string, string, string, string, string) error {
	return nil
}

func (c *capturingRefund) RefundFromProcessor(_ context.Context, _, _, _ string, amount money.Money, reason string) error {
	*c.got = amount
	*c.gotReason = reason
	return nil
}

func TestReconciler_ForwardsPaymentIDFromPayload(t *testing.T) {
	ctx := context.Background()
	payments := &recordingPayments{}
	r := newTestReconciler(payments)

	payload, err := json.Marshal(processor.WebhookOutcome{PaymentID: "PAY-1"})
	require.NoError(t, err)

	require.NoError(t, r.Handle(ctx, processor.WebhookEvent{
		EventID:    "evt-1",
		Type:       "charge.succeeded",
		ExternalID: "pi_1",
		Payload:    payload,
	}))
	require.Len(t, payments.calls, 1)
	require.Equal(t, "PAY-1", payments.calls[0].paymentID)
}

func TestReconciler_UnknownEventTypeIgnored(t *testing.T) {
	ctx := context.Background()
	payments := &recordingPayments{}
	r := newTestReconciler(payments)

	require.NoError(t, r.Handle(ctx, event("evt-1", "charge.disputed", "pi_1")))
	require.Empty(t, payments.calls)
}

func TestReconciler_ConcurrentEventsForSameChargeSerialize(t *testing.T) {
	ctx := context.Background()
	payments := &recordingPayments{}
	r := newTestReconciler(payments)

	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			ev := processor.WebhookEvent{
				EventID:    "evt-" + string(rune('a'+i)),
				Type:       "charge.succeeded",
				ExternalID: "pi_1",
			}
			_ = r.Handle(ctx, ev)
		}()
	}
	wg.Wait()

	// Distinct event ids all apply; each exactly once.
	require.Len(t, payments.calls, n)
	seen := make(map[string]bool)
	for _, c := range payments.calls {
		require.False(t, seen[c.eventID])
		seen[c.eventID] = true
	}
}
