package certificate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"salonpay/internal/common/money"
)

// Store persists certificates. Balance writes are compare-and-swap on the
// certificate's version so concurrent redemptions of the same code cannot
// over-spend it.
type Store interface {
	Get(ctx context.Context, tenantID, code string) (*Certificate, error)
	ListByClient(ctx context.Context, tenantID, clientID string) ([]*Certificate, error)
	// SetBalance writes newBalance iff the stored version equals expectedVersion,
	// bumping the version. Returns ErrVersionConflict on a stale read and
	// ErrNotFound when the certificate does not exist.
	SetBalance(ctx context.Context, tenantID, code string, newBalance int64, expectedVersion int64) error
}

// Ledger applies redemptions and restores against certificate balances.
type Ledger struct {
	store      Store
	logger     *slog.Logger
	maxRetries int
}

// NewLedger creates a new balance ledger.
func NewLedger(store Store, logger *slog.Logger) *Ledger {
	return &Ledger{
		store:      store,
		logger:     logger,
		maxRetries: 3,
	}
}

// Redeem atomically decrements the certificate balance by amount and returns
// the remaining balance. The write is retried a bounded number of times on
// version conflicts before surfacing ErrVersionConflict.
func (l *Ledger) Redeem(ctx context.Context, tenantID, code string, amount money.Money) (money.Money, error) {
	if !amount.IsPositive() {
		return money.Money{}, fmt.Errorf("redemption amount must be positive, got %s", amount)
	}

	var lastErr error
	for attempt := 0; attempt <= l.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return money.Money{}, ctx.Err()
			case <-time.After(time.Duration(attempt*10) * time.Millisecond):
			}
		}

		cert, err := l.store.Get(ctx, tenantID, code)
		if err != nil {
			return money.Money{}, err
		}

		if cert.Expired(time.Now().UTC()) {
			return money.Money{}, fmt.Errorf("certificate %s: %w", code, ErrExpired)
		}

		remaining, err := cert.Balance.Sub(amount)
		if err != nil {
			return money.Money{}, err
		}
		if remaining.IsNegative() {
			return money.Money{}, fmt.Errorf("certificate %s has %s, need %s: %w",
				code, cert.Balance, amount, ErrInsufficientBalance)
		}

		err = l.store.SetBalance(ctx, tenantID, code, remaining.AmountMinor, cert.Version)
		if err == nil {
			l.logger.Info("certificate redeemed",
				"code", code,
				"amount", amount.AmountMinor,
				"remaining", remaining.AmountMinor,
			)
			return remaining, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return money.Money{}, err
		}
		lastErr = err
	}

	return money.Money{}, fmt.Errorf("redeem %s after %d attempts: %w", code, l.maxRetries+1, lastErr)
}

// Restore is the exact inverse of Redeem, used when a later step of a
// multi-source payment fails. The restored balance is capped at the
// certificate's original amount, which makes the call safe to repeat after a
// partial failure.
func (l *Ledger) Restore(ctx context.Context, tenantID, code string, amount money.Money) error {
	if !amount.IsPositive() {
		return fmt.Errorf("restore amount must be positive, got %s", amount)
	}

	var lastErr error
	for attempt := 0; attempt <= l.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt*10) * time.Millisecond):
			}
		}

		cert, err := l.store.Get(ctx, tenantID, code)
		if err != nil {
			return err
		}

		restored, err := cert.Balance.Add(amount)
		if err != nil {
			return err
		}
		capped, err := money.Min(restored, cert.Original)
		if err != nil {
			return err
		}

		err = l.store.SetBalance(ctx, tenantID, code, capped.AmountMinor, cert.Version)
		if err == nil {
			l.logger.Info("certificate restored",
				"code", code,
				"amount", amount.AmountMinor,
				"balance", capped.AmountMinor,
			)
			return nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("restore %s after %d attempts: %w", code, l.maxRetries+1, lastErr)
}

// UsableForClient returns the client's first usable certificate, or nil when
// none exists. Certificates closer to expiry are preferred.
func (l *Ledger) UsableForClient(ctx context.Context, tenantID, clientID string) (*Certificate, error) {
	certs, err := l.store.ListByClient(ctx, tenantID, clientID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var best *Certificate
	for _, cert := range certs {
		if !cert.Usable(now) {
			continue
		}
		if best == nil {
			best = cert
			continue
		}
		if cert.ExpiresAt != nil && (best.ExpiresAt == nil || cert.ExpiresAt.Before(*best.ExpiresAt)) {
			best = cert
		}
	}
	return best, nil
}
