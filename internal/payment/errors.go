package payment

import (
	"errors"
	"fmt"

	"salonpay/internal/common/money"
)

// Sentinel errors returned by the resolver.
var (
	ErrValidation          = errors.New("validation error")
	ErrAppointmentPaid     = errors.New("appointment already has a payment")
	ErrSourcePolicy        = errors.New("source policy violation")
	ErrProcessorRejected   = errors.New("processor rejected charge")
	ErrOutcomeUndetermined = errors.New("processor outcome undetermined")
)

// SourcePolicyError is returned when a card charge was attempted while a
// usable certificate existed and no explicit override was supplied. It names
// the certificate the caller should use.
type SourcePolicyError struct {
	CertificateCode string
	Available       money.Money
}

func (e *SourcePolicyError) Error() string {
	return fmt.Sprintf("usable certificate %s with %s must be applied first (or set explicit card override)",
		e.CertificateCode, e.Available)
}

// Is makes errors.Is(err, ErrSourcePolicy) work.
func (e *SourcePolicyError) Is(target error) bool {
	return target == ErrSourcePolicy
}

// ProcessorError carries the processor's synchronous rejection detail.
type ProcessorError struct {
	Code    string
	Message string
}

func (e *ProcessorError) Error() string {
	return fmt.Sprintf("processor rejected: %s (%s)", e.Message, e.Code)
}

// Is makes errors.Is(err, ErrProcessorRejected) work.
func (e *ProcessorError) Is(target error) bool {
	return target == ErrProcessorRejected
}
