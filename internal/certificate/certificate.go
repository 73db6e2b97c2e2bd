// Package certificate owns gift-certificate balances and their redemption rules.
package certificate

import (
	"errors"
	"time"

	"salonpay/internal/common/money"
)

// Redemption errors.
var (
	ErrNotFound            = errors.New("certificate not found")
	ErrExpired             = errors.New("certificate expired")
	ErrInsufficientBalance = errors.New("insufficient certificate balance")
	ErrVersionConflict     = errors.New("concurrent redemption conflict")
)

// Certificate is a redeemable store-of-value unit identified by a unique code.
type Certificate struct {
	Code      string      `json:"code"`
	TenantID  string      `json:"tenant_id"`
	ClientID  string      `json:"client_id"`
	Balance   money.Money `json:"balance"`
	Original  money.Money `json:"original"`
	ExpiresAt *time.Time  `json:"expires_at,omitempty"`

	// Version implements optimistic concurrency: every balance write is
	// conditioned on the version read, and bumps it.
	Version int64 `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Expired reports whether the certificate has passed its expiry.
func (c *Certificate) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

// Usable reports whether the certificate can cover any part of a charge.
func (c *Certificate) Usable(now time.Time) bool {
	return !c.Expired(now) && c.Balance.IsPositive()
}
