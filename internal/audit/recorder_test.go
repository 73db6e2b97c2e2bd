package audit

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testRecorder(t *testing.T) (*Recorder, *MemoryStore) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := NewMemoryStore()
	return NewRecorder(store, logger), store
}

func TestRecorder_AppendAssignsMonotonicSequence(t *testing.T) {
	ctx := context.Background()
	recorder, _ := testRecorder(t)

	first, err := recorder.Append(ctx, "PAY-1", ActionSourceSelected, map[string]any{"method": "BALANCE"})
	require.NoError(t, err)
	second, err := recorder.Append(ctx, "PAY-1", ActionBalanceRedeemed, nil)
	require.NoError(t, err)

	require.NotEmpty(t, first.ID)
	require.NotEqual(t, first.ID, second.ID)
	require.Greater(t, second.Seq, first.Seq)
	require.False(t, second.CreatedAt.Before(first.CreatedAt))
}

func TestRecorder_ListByPaymentOrdersByTimeThenSeq(t *testing.T) {
	ctx := context.Background()
	recorder, store := testRecorder(t)

	// Entries written in the same instant are disambiguated by sequence.
	now := time.Now().UTC().Truncate(time.Second)
	for i, action := range []Action{ActionSourceSelected, ActionBalanceRedeemed, ActionChargeSucceeded} {
		require.NoError(t, store.Append(ctx, &Entry{
			ID:        string(rune('a' + i)),
			PaymentID: "PAY-1",
			Action:    action,
			Seq:       int64(i + 1),
			CreatedAt: now,
		}))
	}

	entries, err := recorder.ListByPayment(ctx, "PAY-1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, ActionSourceSelected, entries[0].Action)
	require.Equal(t, ActionBalanceRedeemed, entries[1].Action)
	require.Equal(t, ActionChargeSucceeded, entries[2].Action)
}

func TestRecorder_ListByRangeWindowAndLimit(t *testing.T) {
	ctx := context.Background()
	recorder, store := testRecorder(t)

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Append(ctx, &Entry{
			ID:        string(rune('a' + i)),
			PaymentID: "PAY-1",
			Action:    ActionSourceSelected,
			Seq:       int64(i + 1),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	entries, err := recorder.ListByRange(ctx, base, base.Add(2*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	entries, err = recorder.ListByRange(ctx, base, base.Add(time.Hour), 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, int64(1), entries[0].Seq)
}

func TestRecorder_ConcurrentAppendsKeepDistinctSequences(t *testing.T) {
	ctx := context.Background()
	recorder, _ := testRecorder(t)

	const n = 50
	var wg sync.WaitGroup
	seqs := make(chan int64, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entry, err := recorder.Append(ctx, "PAY-1", ActionChargeInitiated, nil)
			if err == nil {
				seqs <- entry.Seq
			}
		}()
	}
	wg.Wait()
	close(seqs)

	seen := make(map[int64]bool)
	for s := range seqs {
		require.False(t, seen[s], "sequence %d assigned twice", s)
		seen[s] = true
	}
	require.Len(t, seen, n)
}
