package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"salonpay/internal/audit"
	"salonpay/internal/certificate"
	"salonpay/internal/common/database"
	"salonpay/internal/common/events"
	"salonpay/internal/common/money"
)

// Store persists payments.
type Store interface {
	Create(ctx context.Context, p *Payment) error
	Get(ctx context.Context, tenantID, id string) (*Payment, error)
	GetByAppointment(ctx context.Context, tenantID, appointmentID string) (*Payment, error)
	GetByIdempotencyKey(ctx context.Context, tenantID, key string) (*Payment, error)
	GetByProcessorRef(ctx context.Context, processorRef string) (*Payment, error)
	GetByID(ctx context.Context, id string) (*Payment, error)
	Update(ctx context.Context, p *Payment) error
}

// BalanceLedger applies and reverses certificate redemptions.
type BalanceLedger interface {
	UsableForClient(ctx context.Context, tenantID, clientID string) (*certificate.Certificate, error)
	Redeem(ctx context.Context, tenantID, code string, amount money.Money) (money.Money, error)
	Restore(ctx context.Context, tenantID, code string, amount money.Money) error
}

// IntentRequest asks the processor to create a charge intent.
type IntentRequest struct {
	PaymentID     string
	TenantID      string
	AppointmentID string
	ClientID      string
	Amount        money.Money
}

// Intent is the processor's handle for an asynchronous card charge.
type Intent struct {
	ExternalID   string
	ClientSecret string
}

// OutcomeHint is a best-effort synchronous peek at a charge outcome. The
// authoritative outcome always arrives through the webhook reconciler.
type OutcomeHint string

const (
	HintPending   OutcomeHint = "pending"
	HintSucceeded OutcomeHint = "succeeded"
	HintFailed    OutcomeHint = "failed"
	HintUnknown   OutcomeHint = "unknown"
)

// ChargeProcessor talks to the external card processor.
type ChargeProcessor interface {
	CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error)
	Confirm(ctx context.Context, externalID string) (OutcomeHint, error)
	Refund(ctx context.Context, externalID string, amount money.Money, reason string) error
}

// Appointment is the read-only view fetched from the appointment collaborator.
type Appointment struct {
	ID          string
	TenantID    string
	ClientID    string
	AmountBasis money.Money
}

// Directory looks up appointments and their paying clients.
type Directory interface {
	Lookup(ctx context.Context, tenantID, appointmentID string) (*Appointment, error)
}

// Service is the payment resolver: it applies source-priority policy,
// sequences ledger and processor calls, and drives the payment state machine.
type Service struct {
	store     Store
	ledger    BalanceLedger
	processor ChargeProcessor
	directory Directory
	recorder  *audit.Recorder
	rollback  *Coordinator
	publisher events.EventPublisher
	logger    *slog.Logger
}

// NewService creates a new payment resolver.
func NewService(
	store Store,
	ledger BalanceLedger,
	processor ChargeProcessor,
	directory Directory,
	recorder *audit.Recorder,
	publisher events.EventPublisher,
	logger *slog.Logger,
) *Service {
	s := &Service{
		store:     store,
		ledger:    ledger,
		processor: processor,
		directory: directory,
		recorder:  recorder,
		publisher: publisher,
		logger:    logger,
	}
	s.rollback = NewCoordinator(store, ledger, recorder, logger)
	return s
}

// Rollback exposes the rollback coordinator for the reconciler.
func (s *Service) Rollback() *Coordinator {
	return s.rollback
}

// ChargeRequest is the request to resolve a payment for an appointment.
type ChargeRequest struct {
	TenantID             string
	AppointmentID        string
	Amount               money.Money
	Method               Method
	ExplicitCardOverride bool
	IdempotencyKey       string
}

// Charge resolves one payment for one appointment.
//
// If a usable certificate exists for the paying client and the requested
// method is not CARD, the certificate is applied first up to its balance. Any
// remainder goes to card only when the caller set the explicit override; a
// card is never silently charged while a usable balance exists.
func (s *Service) Charge(ctx context.Context, req ChargeRequest) (*Payment, error) {
	if err := validateCharge(req); err != nil {
		return nil, err
	}

	// Repeated calls with the same idempotency key return the existing payment.
	if existing, err := s.store.GetByIdempotencyKey(ctx, req.TenantID, req.IdempotencyKey); err == nil && existing != nil {
		s.logger.Info("returning existing payment for idempotency key",
			"payment_id", existing.ID,
			"idempotency_key", req.IdempotencyKey,
		)
		return existing, nil
	}

	appt, err := s.directory.Lookup(ctx, req.TenantID, req.AppointmentID)
	if err != nil {
		return nil, fmt.Errorf("appointment lookup: %w", err)
	}
	if appt.AmountBasis.IsPositive() && !appt.AmountBasis.Equal(req.Amount) {
		return nil, fmt.Errorf("%w: amount %s does not match appointment basis %s",
			ErrValidation, req.Amount, appt.AmountBasis)
	}

	if existing, err := s.store.GetByAppointment(ctx, req.TenantID, req.AppointmentID); err == nil && existing != nil {
		return nil, fmt.Errorf("appointment %s: %w", req.AppointmentID, ErrAppointmentPaid)
	}

	cert, err := s.ledger.UsableForClient(ctx, req.TenantID, appt.ClientID)
	if err != nil {
		return nil, fmt.Errorf("certificate lookup: %w", err)
	}

	balanceUse, cardUse, err := s.applySourcePolicy(req, cert)
	if err != nil {
		// Policy violations happen before any side effect; nothing to undo.
		s.logger.Info("charge rejected by source policy",
			"appointment_id", req.AppointmentID,
			"method", req.Method,
			"error", err,
		)
		return nil, err
	}

	p, err := NewPayment(
		fmt.Sprintf("PAY-%s", ulid.Make().String()),
		req.TenantID, req.AppointmentID, appt.ClientID,
		req.Amount, req.Method, req.IdempotencyKey,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	p.BalanceUsed = balanceUse
	p.CardCharged = cardUse
	if cert != nil && balanceUse.IsPositive() {
		p.CertificateCode = cert.Code
	}

	if err := s.store.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("creating payment: %w", err)
	}

	sourceDetail := map[string]any{
		"method":        string(req.Method),
		"balance_minor": balanceUse.AmountMinor,
		"card_minor":    cardUse.AmountMinor,
	}
	if p.CertificateCode != "" {
		sourceDetail["certificate_code"] = p.CertificateCode
	}
	if _, err := s.recorder.Append(ctx, p.ID, audit.ActionSourceSelected, sourceDetail); err != nil {
		return nil, err
	}

	if balanceUse.IsPositive() {
		remaining, err := s.ledger.Redeem(ctx, req.TenantID, cert.Code, balanceUse)
		if err != nil {
			failErr := s.transition(ctx, p,
				func(p *Payment) error { return p.MarkFailed("BALANCE_REDEMPTION_FAILED", err.Error()) },
				audit.ActionRolledBack,
				map[string]any{"reason": err.Error(), "compensations": []string{}},
			)
			if failErr != nil {
				s.logger.Error("failed to record payment failure", "payment_id", p.ID, "error", failErr)
			}
			return nil, fmt.Errorf("redeeming certificate %s: %w", cert.Code, err)
		}
		if _, err := s.recorder.Append(ctx, p.ID, audit.ActionBalanceRedeemed, map[string]any{
			"certificate_code": cert.Code,
			"amount_minor":     balanceUse.AmountMinor,
			"remaining_minor":  remaining.AmountMinor,
		}); err != nil {
			// The coordinator derives compensations from this very entry, so
			// the redemption has to be undone directly.
			if rerr := s.ledger.Restore(ctx, req.TenantID, cert.Code, balanceUse); rerr != nil {
				s.logger.Error("failed to restore redemption after audit failure",
					"payment_id", p.ID,
					"certificate_code", cert.Code,
					"error", rerr,
				)
			}
			if failErr := s.transition(ctx, p,
				func(p *Payment) error { return p.MarkFailed("AUDIT_APPEND_FAILED", err.Error()) },
				audit.ActionRolledBack,
				map[string]any{"reason": err.Error(), "compensations": []string{"balance_restored"}},
			); failErr != nil {
				s.logger.Error("failed to record payment failure", "payment_id", p.ID, "error", failErr)
			}
			return nil, err
		}
	}

	if cardUse.IsPositive() && req.Method != MethodCash && req.Method != MethodOther {
		return s.initiateCardLeg(ctx, p, cardUse)
	}

	// Balance (and/or out-of-band cash) covered everything.
	completeDetail := map[string]any{"source": "balance"}
	if req.Method == MethodCash || req.Method == MethodOther {
		completeDetail["source"] = "balance+offline"
		completeDetail["offline_minor"] = cardUse.AmountMinor
	}
	if err := s.transition(ctx, p,
		func(p *Payment) error { return p.MarkCompleted() },
		audit.ActionChargeSucceeded, completeDetail,
	); err != nil {
		return nil, err
	}
	s.publishCompleted(ctx, p)

	return p, nil
}

// applySourcePolicy splits the charge between certificate balance and card.
func (s *Service) applySourcePolicy(req ChargeRequest, cert *certificate.Certificate) (balanceUse, cardUse money.Money, err error) {
	zero := money.Zero(req.Amount.Currency)

	if cert == nil {
		if req.Method == MethodBalance {
			return zero, zero, fmt.Errorf("%w: no usable certificate for client", ErrValidation)
		}
		return zero, req.Amount, nil
	}

	// A CARD request with a usable certificate needs the explicit override;
	// with it, the card alone carries the charge.
	if req.Method == MethodCard {
		if !req.ExplicitCardOverride {
			return zero, zero, &SourcePolicyError{
				CertificateCode: cert.Code,
				Available:       cert.Balance,
			}
		}
		return zero, req.Amount, nil
	}

	balanceUse, err = money.Min(cert.Balance, req.Amount)
	if err != nil {
		return zero, zero, err
	}
	cardUse = req.Amount.MustSub(balanceUse)

	cardAllowed := req.ExplicitCardOverride || req.Method == MethodCash || req.Method == MethodOther
	if cardUse.IsPositive() && !cardAllowed {
		return zero, zero, &SourcePolicyError{
			CertificateCode: cert.Code,
			Available:       cert.Balance,
		}
	}
	return balanceUse, cardUse, nil
}

// initiateCardLeg creates the processor charge intent for the card portion.
func (s *Service) initiateCardLeg(ctx context.Context, p *Payment, amount money.Money) (*Payment, error) {
	intent, err := s.processor.CreateIntent(ctx, IntentRequest{
		PaymentID:     p.ID,
		TenantID:      p.TenantID,
		AppointmentID: p.AppointmentID,
		ClientID:      p.ClientID,
		Amount:        amount,
	})

	if errors.Is(err, ErrOutcomeUndetermined) {
		// A timeout is not a failure proof. Leave the payment PENDING; the
		// webhook reconciler is the single source of truth for its outcome.
		if _, aerr := s.recorder.Append(ctx, p.ID, audit.ActionChargeInitiated, map[string]any{
			"amount_minor": amount.AmountMinor,
			"outcome":      "undetermined",
		}); aerr != nil {
			s.logger.Error("failed to record undetermined charge", "payment_id", p.ID, "error", aerr)
		}
		s.logger.Warn("processor outcome undetermined, awaiting webhook", "payment_id", p.ID)
		return p, nil
	}
	if err != nil {
		if rbErr := s.rollback.Rollback(ctx, p.TenantID, p.ID, fmt.Sprintf("charge intent rejected: %v", err)); rbErr != nil {
			s.logger.Error("rollback failed", "payment_id", p.ID, "error", rbErr)
		}
		return nil, err
	}

	p.ProcessorRef = intent.ExternalID
	p.Metadata["client_secret"] = intent.ClientSecret
	if err := s.store.Update(ctx, p); err != nil {
		return nil, fmt.Errorf("recording processor ref: %w", err)
	}
	if _, err := s.recorder.Append(ctx, p.ID, audit.ActionChargeInitiated, map[string]any{
		"external_id":  intent.ExternalID,
		"amount_minor": amount.AmountMinor,
	}); err != nil {
		return nil, err
	}

	// Best-effort peek; never authoritative.
	if hint, err := s.processor.Confirm(ctx, intent.ExternalID); err == nil && hint != HintPending {
		s.logger.Info("charge outcome hint", "payment_id", p.ID, "hint", hint)
	}

	return p, nil
}

// Get retrieves a payment.
func (s *Service) Get(ctx context.Context, tenantID, id string) (*Payment, error) {
	return s.store.Get(ctx, tenantID, id)
}

// RequestRefund starts a refund for a completed payment. A card leg is
// refunded through the processor and confirmed by webhook; a balance-only
// payment restores the certificate and transitions immediately.
func (s *Service) RequestRefund(ctx context.Context, tenantID, paymentID, reason string) (*Payment, error) {
	p, err := s.store.Get(ctx, tenantID, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusCompleted {
		return nil, fmt.Errorf("%w: payment %s is %s, only COMPLETED payments can be refunded",
			ErrValidation, paymentID, p.Status)
	}

	if p.HasCardLeg() {
		if err := s.processor.Refund(ctx, p.ProcessorRef, p.CardCharged, reason); err != nil {
			return nil, err
		}
		if _, err := s.recorder.Append(ctx, p.ID, audit.ActionRefunded, map[string]any{
			"stage":        "requested",
			"amount_minor": p.CardCharged.AmountMinor,
			"reason":       reason,
		}); err != nil {
			return nil, err
		}
		// The status transition happens when the charge_refunded event lands.
		return p, nil
	}

	if p.BalanceUsed.IsPositive() && p.CertificateCode != "" {
		if err := s.ledger.Restore(ctx, tenantID, p.CertificateCode, p.BalanceUsed); err != nil {
			return nil, fmt.Errorf("restoring certificate %s: %w", p.CertificateCode, err)
		}
	}
	if err := s.transition(ctx, p,
		func(p *Payment) error { return p.MarkRefunded() },
		audit.ActionRefunded,
		map[string]any{"amount_minor": p.Amount.AmountMinor, "reason": reason},
	); err != nil {
		return nil, err
	}
	s.publishEvent(ctx, events.EventPaymentRefunded, p, events.PaymentRefundedData{
		PaymentID:   p.ID,
		AmountMinor: p.Amount.AmountMinor,
		Currency:    string(p.Amount.Currency),
		Reason:      reason,
	})
	return p, nil
}

// resolveFromEvent finds the payment a processor event refers to. A charge
// whose intent creation timed out never had its external id recorded, so the
// processor ref lookup falls back to the payment id echoed from the intent
// metadata; the ref is attached so later events resolve directly.
func (s *Service) resolveFromEvent(ctx context.Context, externalID, paymentID string) (*Payment, error) {
	p, err := s.store.GetByProcessorRef(ctx, externalID)
	if err == nil {
		return p, nil
	}
	if !database.IsNotFound(err) || paymentID == "" {
		return nil, err
	}

	p, err = s.store.GetByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	p.ProcessorRef = externalID
	if err := s.store.Update(ctx, p); err != nil {
		return nil, fmt.Errorf("attaching processor ref: %w", err)
	}
	s.logger.Info("attached processor ref from webhook event",
		"payment_id", p.ID,
		"external_id", externalID,
	)
	return p, nil
}

// CompleteFromProcessor applies a charge_succeeded outcome from the webhook
// reconciler.
func (s *Service) CompleteFromProcessor(ctx context.Context, externalID, paymentID, eventID string) error {
	p, err := s.resolveFromEvent(ctx, externalID, paymentID)
	if err != nil {
		return err
	}

	switch p.Status {
	case StatusCompleted, StatusRefunded:
		_, err := s.recorder.Append(ctx, p.ID, audit.ActionDuplicateEventIgnored, map[string]any{
			"event_id": eventID,
			"type":     "charge_succeeded",
		})
		return err
	case StatusFailed:
		// A charge that eventually succeeded for a payment already rolled
		// back: never silently dropped, flagged for manual refund.
		return s.recordAnomaly(ctx, p, eventID, "charge_succeeded", true)
	}

	if err := s.transition(ctx, p,
		func(p *Payment) error { return p.MarkCompleted() },
		audit.ActionChargeSucceeded,
		map[string]any{"event_id": eventID, "external_id": externalID},
	); err != nil {
		return err
	}
	s.publishCompleted(ctx, p)
	return nil
}

// FailFromProcessor applies a charge_failed outcome from the webhook
// reconciler, compensating any balance leg already redeemed.
func (s *Service) FailFromProcessor(ctx context.Context, externalID, paymentID, eventID, code, message string) error {
	p, err := s.resolveFromEvent(ctx, externalID, paymentID)
	if err != nil {
		return err
	}

	switch p.Status {
	case StatusFailed:
		_, err := s.recorder.Append(ctx, p.ID, audit.ActionDuplicateEventIgnored, map[string]any{
			"event_id": eventID,
			"type":     "charge_failed",
		})
		return err
	case StatusCompleted, StatusRefunded:
		// Out-of-order delivery: a failed event after success is an anomaly,
		// not something to blindly apply.
		return s.recordAnomaly(ctx, p, eventID, "charge_failed", false)
	}

	if _, err := s.recorder.Append(ctx, p.ID, audit.ActionChargeFailed, map[string]any{
		"event_id":     eventID,
		"external_id":  externalID,
		"decline_code": code,
		"message":      message,
	}); err != nil {
		return err
	}

	if err := s.rollback.Rollback(ctx, p.TenantID, p.ID, fmt.Sprintf("charge declined: %s", code)); err != nil {
		return err
	}
	s.publishEvent(ctx, events.EventPaymentFailed, p, events.PaymentFailedData{
		PaymentID:     p.ID,
		AppointmentID: p.AppointmentID,
		FailureCode:   code,
		FailureReason: message,
	})
	return nil
}

// RefundFromProcessor applies a charge_refunded outcome from the webhook
// reconciler.
func (s *Service) RefundFromProcessor(ctx context.Context, externalID, paymentID, eventID string, amount money.Money, reason string) error {
	p, err := s.resolveFromEvent(ctx, externalID, paymentID)
	if err != nil {
		return err
	}

	switch p.Status {
	case StatusRefunded:
		_, err := s.recorder.Append(ctx, p.ID, audit.ActionDuplicateEventIgnored, map[string]any{
			"event_id": eventID,
			"type":     "charge_refunded",
		})
		return err
	case StatusPending, StatusFailed:
		return s.recordAnomaly(ctx, p, eventID, "charge_refunded", false)
	}

	// Restore the balance leg alongside the card refund so the whole payment
	// is made whole.
	if p.BalanceUsed.IsPositive() && p.CertificateCode != "" {
		if err := s.ledger.Restore(ctx, p.TenantID, p.CertificateCode, p.BalanceUsed); err != nil {
			return fmt.Errorf("restoring certificate %s: %w", p.CertificateCode, err)
		}
	}

	if err := s.transition(ctx, p,
		func(p *Payment) error { return p.MarkRefunded() },
		audit.ActionChargeRefunded,
		map[string]any{
			"event_id":     eventID,
			"amount_minor": amount.AmountMinor,
			"reason":       reason,
		},
	); err != nil {
		return err
	}
	s.publishEvent(ctx, events.EventPaymentRefunded, p, events.PaymentRefundedData{
		PaymentID:   p.ID,
		AmountMinor: amount.AmountMinor,
		Currency:    string(amount.Currency),
		Reason:      reason,
	})
	return nil
}

func (s *Service) recordAnomaly(ctx context.Context, p *Payment, eventID, eventType string, manualRefund bool) error {
	s.logger.Warn("processor event contradicts payment state",
		"payment_id", p.ID,
		"status", p.Status,
		"event_id", eventID,
		"event_type", eventType,
	)
	if _, err := s.recorder.Append(ctx, p.ID, audit.ActionAnomalyDetected, map[string]any{
		"event_id":               eventID,
		"event_type":             eventType,
		"status_at_delivery":     string(p.Status),
		"manual_refund_required": manualRefund,
	}); err != nil {
		return err
	}
	if manualRefund {
		p.Metadata["manual_refund_required"] = "true"
		if err := s.store.Update(ctx, p); err != nil {
			return err
		}
	}
	s.publishEvent(ctx, events.EventPaymentAnomaly, p, events.PaymentAnomalyData{
		PaymentID:            p.ID,
		EventID:              eventID,
		EventType:            eventType,
		CurrentStatus:        string(p.Status),
		ManualRefundRequired: manualRefund,
	})
	return nil
}

// transition applies a status change and its audit entry together. No call
// site writes payment status around this helper.
func (s *Service) transition(ctx context.Context, p *Payment, change func(*Payment) error, action audit.Action, detail map[string]any) error {
	if err := change(p); err != nil {
		return err
	}
	if err := s.store.Update(ctx, p); err != nil {
		return fmt.Errorf("persisting status %s: %w", p.Status, err)
	}
	if _, err := s.recorder.Append(ctx, p.ID, action, detail); err != nil {
		return err
	}
	return nil
}

func (s *Service) publishCompleted(ctx context.Context, p *Payment) {
	completedAt := time.Now().UTC()
	if p.CompletedAt != nil {
		completedAt = *p.CompletedAt
	}
	s.publishEvent(ctx, events.EventPaymentCompleted, p, events.PaymentCompletedData{
		PaymentID:     p.ID,
		AppointmentID: p.AppointmentID,
		ClientID:      p.ClientID,
		AmountMinor:   p.Amount.AmountMinor,
		Currency:      string(p.Amount.Currency),
		BalanceMinor:  p.BalanceUsed.AmountMinor,
		CardMinor:     p.CardCharged.AmountMinor,
		CompletedAt:   completedAt,
	})
}

// publishEvent is fire-and-forget: notification delivery failure never rolls
// back a payment.
func (s *Service) publishEvent(ctx context.Context, eventType string, p *Payment, data any) {
	if s.publisher == nil {
		return
	}
	event, err := events.NewEvent(eventType, p.TenantID, "payment", p.ID, data)
	if err != nil {
		s.logger.Error("failed to build event", "type", eventType, "error", err)
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Error("failed to publish event", "type", eventType, "payment_id", p.ID, "error", err)
	}
}

func validateCharge(req ChargeRequest) error {
	if req.TenantID == "" {
		return fmt.Errorf("%w: tenant_id is required", ErrValidation)
	}
	if req.AppointmentID == "" {
		return fmt.Errorf("%w: appointment_id is required", ErrValidation)
	}
	if !req.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if !KnownMethod(req.Method) {
		return fmt.Errorf("%w: unknown method %q", ErrValidation, req.Method)
	}
	if req.IdempotencyKey == "" {
		return fmt.Errorf("%w: idempotency_key is required", ErrValidation)
	}
	return nil
}
