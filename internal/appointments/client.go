// Package appointments is the client for the appointment directory service.
package appointments

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"salonpay/internal/common/database"
	"salonpay/internal/common/money"
	"salonpay/internal/payment"
)

// Config holds appointment directory configuration.
type Config struct {
	BaseURL string        `envconfig:"APPOINTMENTS_BASE_URL" required:"true"`
	Timeout time.Duration `envconfig:"APPOINTMENTS_TIMEOUT" default:"5s"`
}

// Client implements payment.Directory against the appointment service's
// HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a new appointment directory client.
func NewClient(cfg Config) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: cfg.Timeout},
	}
}

type appointmentResponse struct {
	Data struct {
		ID          string `json:"id"`
		TenantID    string `json:"tenant_id"`
		ClientID    string `json:"client_id"`
		AmountMinor int64  `json:"amount_minor"`
		Currency    string `json:"currency"`
	} `json:"data"`
}

// Lookup fetches an appointment and its paying client.
func (c *Client) Lookup(ctx context.Context, tenantID, appointmentID string) (*payment.Appointment, error) {
	u := fmt.Sprintf("%s/api/v1/appointments/%s", c.baseURL, url.PathEscape(appointmentID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building appointment request: %w", err)
	}
	req.Header.Set("X-Tenant-ID", tenantID)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching appointment %s: %w", appointmentID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("appointment %s: %w", appointmentID, database.ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("appointment service returned %d for %s", resp.StatusCode, appointmentID)
	}

	var body appointmentResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding appointment response: %w", err)
	}

	return &payment.Appointment{
		ID:       body.Data.ID,
		TenantID: body.Data.TenantID,
		ClientID: body.Data.ClientID,
		AmountBasis: money.Money{
			AmountMinor: body.Data.AmountMinor,
			Currency:    money.Currency(body.Data.Currency),
		},
	}, nil
}

// Static is a fixed in-memory Directory for tests and local development.
type Static struct {
	Appointments map[string]*payment.Appointment
}

// Lookup returns the configured appointment or ErrNotFound.
func (s *Static) Lookup(_ context.Context, tenantID, appointmentID string) (*payment.Appointment, error) {
	appt, ok := s.Appointments[appointmentID]
	if !ok || appt.TenantID != tenantID {
		return nil, fmt.Errorf("appointment %s: %w", appointmentID, database.ErrNotFound)
	}
	return appt, nil
}
