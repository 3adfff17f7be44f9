package dto

import "time"

type GrantTierRequest struct {
	AccountID string `json:"account_id" validate:"required"`
	Tier      string `json:"tier" validate:"required,oneof=BASE MID TOP base mid top"`
}

type TaskResponse struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule,omitempty"`
	Next     time.Time `json:"next,omitempty"`
	Status   string    `json:"status,omitempty"`
}
