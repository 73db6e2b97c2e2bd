package certificate

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"salonpay/internal/common/money"
)

func testLedger(t *testing.T) (*Ledger, *MemoryStore) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := NewMemoryStore()
	return NewLedger(store, logger), store
}

func putCert(store *MemoryStore, code string, balance, original int64, expiresAt *time.Time) {
	now := time.Now().UTC()
	store.Put(&Certificate{
		Code:      code,
		TenantID:  "t1",
		ClientID:  "cl-1",
		Balance:   money.New(balance, money.USD),
		Original:  money.New(original, money.USD),
		ExpiresAt: expiresAt,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

func TestLedger_RedeemThenRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	ledger, store := testLedger(t)
	putCert(store, "GC-100", 10000, 10000, nil)

	remaining, err := ledger.Redeem(ctx, "t1", "GC-100", money.New(6000, money.USD))
	require.NoError(t, err)
	require.Equal(t, int64(4000), remaining.AmountMinor)

	require.NoError(t, ledger.Restore(ctx, "t1", "GC-100", money.New(6000, money.USD)))

	cert, err := store.Get(ctx, "t1", "GC-100")
	require.NoError(t, err)
	require.Equal(t, int64(10000), cert.Balance.AmountMinor)
}

func TestLedger_RedeemFailures(t *testing.T) {
	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	tests := []struct {
		name    string
		setup   func(store *MemoryStore)
		code    string
		amount  int64
		wantErr error
	}{
		{
			name:    "unknown certificate",
			setup:   func(store *MemoryStore) {},
			code:    "GC-missing",
			amount:  100,
			wantErr: ErrNotFound,
		},
		{
			name: "expired certificate",
			setup: func(store *MemoryStore) {
				putCert(store, "GC-old", 10000, 10000, &past)
			},
			code:    "GC-old",
			amount:  100,
			wantErr: ErrExpired,
		},
		{
			name: "insufficient balance",
			setup: func(store *MemoryStore) {
				putCert(store, "GC-low", 500, 10000, nil)
			},
			code:    "GC-low",
			amount:  600,
			wantErr: ErrInsufficientBalance,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			ledger, store := testLedger(t)
			tt.setup(store)

			_, err := ledger.Redeem(ctx, "t1", tt.code, money.New(tt.amount, money.USD))
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestLedger_RestoreCappedAtOriginal(t *testing.T) {
	ctx := context.Background()
	ledger, store := testLedger(t)
	putCert(store, "GC-100", 8000, 10000, nil)

	// Restoring more than was ever taken cannot mint balance.
	require.NoError(t, ledger.Restore(ctx, "t1", "GC-100", money.New(5000, money.USD)))

	cert, err := store.Get(ctx, "t1", "GC-100")
	require.NoError(t, err)
	require.Equal(t, int64(10000), cert.Balance.AmountMinor)

	// Repeating the restore after a partial failure is harmless.
	require.NoError(t, ledger.Restore(ctx, "t1", "GC-100", money.New(5000, money.USD)))
	cert, err = store.Get(ctx, "t1", "GC-100")
	require.NoError(t, err)
	require.Equal(t, int64(10000), cert.Balance.AmountMinor)
}

func TestLedger_ConcurrentRedemptionsNeverOverspend(t *testing.T) {
	ctx := context.Background()
	ledger, store := testLedger(t)
	putCert(store, "GC-100", 10000, 10000, nil)

	const workers = 20
	const each = 1000 // only 10 of 20 can win

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ledger.Redeem(ctx, "t1", "GC-100", money.New(each, money.USD)); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	cert, err := store.Get(ctx, "t1", "GC-100")
	require.NoError(t, err)
	require.False(t, cert.Balance.IsNegative())
	require.Equal(t, int64(10000)-int64(succeeded)*each, cert.Balance.AmountMinor)
	require.LessOrEqual(t, succeeded, 10)
}

func TestLedger_UsableForClientPrefersNearestExpiry(t *testing.T) {
	ctx := context.Background()
	ledger, store := testLedger(t)

	soon := time.Now().UTC().Add(24 * time.Hour)
	later := time.Now().UTC().Add(30 * 24 * time.Hour)
	past := time.Now().UTC().Add(-time.Hour)

	putCert(store, "GC-later", 5000, 5000, &later)
	putCert(store, "GC-soon", 5000, 5000, &soon)
	putCert(store, "GC-expired", 5000, 5000, &past)

	cert, err := ledger.UsableForClient(ctx, "t1", "cl-1")
	require.NoError(t, err)
	require.NotNil(t, cert)
	require.Equal(t, "GC-soon", cert.Code)
}

func TestLedger_UsableForClientSkipsDrained(t *testing.T) {
	ctx := context.Background()
	ledger, store := testLedger(t)
	putCert(store, "GC-empty", 0, 5000, nil)

	cert, err := ledger.UsableForClient(ctx, "t1", "cl-1")
	require.NoError(t, err)
	require.Nil(t, cert)
}
