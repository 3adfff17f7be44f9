package dto

import "time"

// RegisterAccountRequest is used for first sign-in. Email falls back to the token's email claim.
type RegisterAccountRequest struct {
	Email string `json:"email" validate:"omitempty,email"`
}

type AccountResponse struct {
	AccountID string    `json:"account_id"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	Tier      string    `json:"tier"`
	Created   bool      `json:"created"`
	NextReset time.Time `json:"next_reset"`
}

// QuotaStatusResponse reports "unlimited" in requests_remaining and monthly_limit for admins.
type QuotaStatusResponse struct {
	Tier              string     `json:"tier"`
	IsActive          bool       `json:"is_active"`
	RequestsRemaining any        `json:"requests_remaining"`
	MonthlyLimit      any        `json:"monthly_limit"`
	NextResetDate     *time.Time `json:"next_reset_date"`
	DaysUntilReset    *int       `json:"days_until_reset"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
	LastRequestAt     *time.Time `json:"last_request_at,omitempty"`
}
