package dto

import "time"

type ErrorResponse struct {
	Error          string     `json:"error"`
	Message        string     `json:"message,omitempty"`
	NextResetDate  *time.Time `json:"next_reset_date,omitempty"`
	DaysUntilReset *int       `json:"days_until_reset,omitempty"`
	UpgradeLink    string     `json:"upgrade_link,omitempty"`
	Refunded       *bool      `json:"refunded,omitempty"`
}
