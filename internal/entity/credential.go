package entity

import "time"

const PlaceholderTokenPrefix = "DEV-PLACEHOLDER-"

// Credential is replaced wholesale on refresh, never mutated.
type Credential struct {
	Token       string    `json:"-"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Placeholder bool      `json:"placeholder"`
}

// UsableAt reports whether the credential may still be handed to the wire
// layer at now, keeping margin before the expiry.
func (c Credential) UsableAt(now time.Time, margin time.Duration) bool {
	if c.Token == "" {
		return false
	}
	return now.Before(c.ExpiresAt.Add(-margin))
}

// Masked returns a log-safe prefix of the token.
func (c Credential) Masked() string {
	if c.Placeholder {
		return c.Token
	}
	if len(c.Token) <= 8 {
		return "***"
	}
	return c.Token[:8] + "***"
}

type CredentialStatus struct {
	HasCredential bool      `json:"has_credential"`
	MaskedToken   string    `json:"masked_token,omitempty"`
	IssuedAt      time.Time `json:"issued_at,omitempty"`
	ExpiresAt     time.Time `json:"expires_at,omitempty"`
	HoursElapsed  float64   `json:"hours_elapsed"`
	Placeholder   bool      `json:"placeholder"`
}
