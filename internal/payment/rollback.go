package payment

import (
	"context"
	"fmt"
	"log/slog"

	"salonpay/internal/audit"
	"salonpay/internal/common/money"
)

// Coordinator undoes the already-applied effects of a partially processed
// payment. It reads the payment's audit entries to find what was applied,
// compensates in reverse order of application, and records a single
// rolled_back entry naming the reason and the compensations performed.
//
// Effects that are still in flight (a created but unconfirmed card intent)
// are deliberately left alone; the webhook reconciler resolves them later.
type Coordinator struct {
	store    Store
	ledger   BalanceLedger
	recorder *audit.Recorder
	logger   *slog.Logger
}

// NewCoordinator creates a new rollback coordinator.
func NewCoordinator(store Store, ledger BalanceLedger, recorder *audit.Recorder, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:    store,
		ledger:   ledger,
		recorder: recorder,
		logger:   logger,
	}
}

// Rollback compensates all applied effects of the payment and finishes it
// FAILED.
func (c *Coordinator) Rollback(ctx context.Context, tenantID, paymentID, reason string) error {
	p, err := c.store.Get(ctx, tenantID, paymentID)
	if err != nil {
		return fmt.Errorf("loading payment for rollback: %w", err)
	}
	if p.Status != StatusPending {
		return fmt.Errorf("payment %s is %s, nothing to roll back", paymentID, p.Status)
	}

	entries, err := c.recorder.ListByPayment(ctx, paymentID)
	if err != nil {
		return fmt.Errorf("loading audit entries for rollback: %w", err)
	}

	compensations := make([]string, 0, 2)

	// Walk applied effects newest-first so compensation runs in reverse
	// order of application.
	for i := len(entries) - 1; i >= 0; i-- {
		entry := entries[i]
		if entry.Action != audit.ActionBalanceRedeemed {
			continue
		}
		code, amount, ok := redemptionFromDetail(entry.Detail, p.Amount.Currency)
		if !ok {
			c.logger.Error("balance_redeemed entry missing detail, skipping compensation",
				"payment_id", paymentID,
				"entry_id", entry.ID,
			)
			continue
		}
		if err := c.ledger.Restore(ctx, tenantID, code, amount); err != nil {
			return fmt.Errorf("restoring certificate %s: %w", code, err)
		}
		compensations = append(compensations, fmt.Sprintf("restored %d to certificate %s", amount.AmountMinor, code))
	}

	if err := p.MarkFailed("ROLLED_BACK", reason); err != nil {
		return err
	}
	p.Metadata["rollback_reason"] = reason
	if err := c.store.Update(ctx, p); err != nil {
		return fmt.Errorf("persisting rollback: %w", err)
	}

	if _, err := c.recorder.Append(ctx, paymentID, audit.ActionRolledBack, map[string]any{
		"reason":        reason,
		"compensations": compensations,
	}); err != nil {
		return err
	}

	c.logger.Info("payment rolled back",
		"payment_id", paymentID,
		"reason", reason,
		"compensations", len(compensations),
	)
	return nil
}

func redemptionFromDetail(detail map[string]any, currency money.Currency) (string, money.Money, bool) {
	code, ok := detail["certificate_code"].(string)
	if !ok || code == "" {
		return "", money.Money{}, false
	}

	var minor int64
	switch v := detail["amount_minor"].(type) {
	case int64:
		minor = v
	case float64:
		// JSON round-trips numeric detail as float64.
		minor = int64(v)
	default:
		return "", money.Money{}, false
	}
	if minor <= 0 {
		return "", money.Money{}, false
	}
	return code, money.New(minor, currency), true
}
