package payment

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"salonpay/internal/audit"
	"salonpay/internal/certificate"
	"salonpay/internal/common/money"
)

func TestCoordinator_RestoresRedeemedBalance(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	payments := NewMemoryStore()
	certs := certificate.NewMemoryStore()
	recorder := audit.NewRecorder(audit.NewMemoryStore(), logger)
	ledger := certificate.NewLedger(certs, logger)
	coordinator := NewCoordinator(payments, ledger, recorder, logger)

	now := time.Now().UTC()
	certs.Put(&certificate.Certificate{
		Code:      "GC-100",
		TenantID:  "t1",
		ClientID:  "cl-1",
		Balance:   money.New(2000, money.USD),
		Original:  money.New(5000, money.USD),
		CreatedAt: now,
		UpdatedAt: now,
	})

	p, err := NewPayment("PAY-1", "t1", "apt-1", "cl-1", money.New(10000, money.USD), MethodBalance, "key-1")
	require.NoError(t, err)
	p.BalanceUsed = money.New(3000, money.USD)
	p.CertificateCode = "GC-100"
	require.NoError(t, payments.Create(ctx, p))

	_, err = recorder.Append(ctx, p.ID, audit.ActionBalanceRedeemed, map[string]any{
		"certificate_code": "GC-100",
		"amount_minor":     int64(3000),
	})
	require.NoError(t, err)

	require.NoError(t, coordinator.Rollback(ctx, "t1", p.ID, "charge declined"))

	cert, err := certs.Get(ctx, "t1", "GC-100")
	require.NoError(t, err)
	require.Equal(t, int64(5000), cert.Balance.AmountMinor)

	rolled, err := payments.Get(ctx, "t1", p.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, rolled.Status)
	require.Equal(t, "ROLLED_BACK", rolled.FailureCode)
	require.Equal(t, "charge declined", rolled.Metadata["rollback_reason"])

	entries, err := recorder.ListByPayment(ctx, p.ID)
	require.NoError(t, err)
	last := entries[len(entries)-1]
	require.Equal(t, audit.ActionRolledBack, last.Action)
	require.Len(t, last.Detail["compensations"], 1)
}

func TestCoordinator_FloatDetailFromJSONRoundTrip(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	payments := NewMemoryStore()
	certs := certificate.NewMemoryStore()
	recorder := audit.NewRecorder(audit.NewMemoryStore(), logger)
	coordinator := NewCoordinator(payments, certificate.NewLedger(certs, logger), recorder, logger)

	now := time.Now().UTC()
	certs.Put(&certificate.Certificate{
		Code:      "GC-100",
		TenantID:  "t1",
		ClientID:  "cl-1",
		Balance:   money.New(0, money.USD),
		Original:  money.New(3000, money.USD),
		CreatedAt: now,
		UpdatedAt: now,
	})

	p, err := NewPayment("PAY-1", "t1", "apt-1", "cl-1", money.New(3000, money.USD), MethodBalance, "key-1")
	require.NoError(t, err)
	require.NoError(t, payments.Create(ctx, p))

	// Detail values read back from jsonb arrive as float64.
	_, err = recorder.Append(ctx, p.ID, audit.ActionBalanceRedeemed, map[string]any{
		"certificate_code": "GC-100",
		"amount_minor":     float64(3000),
	})
	require.NoError(t, err)

	require.NoError(t, coordinator.Rollback(ctx, "t1", p.ID, "charge declined"))

	cert, err := certs.Get(ctx, "t1", "GC-100")
	require.NoError(t, err)
	require.Equal(t, int64(3000), cert.Balance.AmountMinor)
}

func TestCoordinator_RejectsTerminalPayments(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	payments := NewMemoryStore()
	certs := certificate.NewMemoryStore()
	recorder := audit.NewRecorder(audit.NewMemoryStore(), logger)
	coordinator := NewCoordinator(payments, certificate.NewLedger(certs, logger), recorder, logger)

	p, err := NewPayment("PAY-1", "t1", "apt-1", "cl-1", money.New(3000, money.USD), MethodCard, "key-1")
	require.NoError(t, err)
	require.NoError(t, p.MarkCompleted())
	require.NoError(t, payments.Create(ctx, p))

	require.Error(t, coordinator.Rollback(ctx, "t1", p.ID, "too late"))

	unchanged, err := payments.Get(ctx, "t1", p.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, unchanged.Status)
}
