package model

import "time"

// Interpretation is a persisted result of a metered completion.
type Interpretation struct {
	ID               string    `db:"id" json:"id"`
	AccountID        string    `db:"account_id" json:"account_id"`
	Tier             Tier      `db:"tier" json:"tier"`
	Model            string    `db:"model" json:"model"`
	Input            string    `db:"input" json:"input"`
	Output           string    `db:"output" json:"output"`
	Summary          string    `db:"summary" json:"summary"`
	PromptTokens     int       `db:"prompt_tokens" json:"prompt_tokens"`
	CompletionTokens int       `db:"completion_tokens" json:"completion_tokens"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}

// QuotaExhaustedNotice is published when a debit brings an account's counter to zero.
type QuotaExhaustedNotice struct {
	AccountID   string    `json:"account_id"`
	Email       string    `json:"email"`
	Tier        Tier      `json:"tier"`
	NextReset   time.Time `json:"next_reset"`
	UpgradeLink string    `json:"upgrade_link,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}
