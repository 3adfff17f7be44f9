package model

import "time"

type Role string

const (
	RoleStandard Role = "STANDARD"
	RoleAdmin    Role = "ADMIN"
)

type Tier string

const (
	TierBase Tier = "BASE"
	TierMid  Tier = "MID"
	TierTop  Tier = "TOP"
)

// NeverExpires is the expiresAt value of accounts that have no paid period running.
var NeverExpires = time.Date(9999, time.December, 31, 0, 0, 0, 0, time.UTC)

// Account is the identity row a ledger entry belongs to.
type Account struct {
	AccountID          string    `db:"account_id" json:"account_id"`
	Email              string    `db:"email" json:"email"`
	Role               Role      `db:"role" json:"role"`
	BillingCustomerRef *string   `db:"billing_customer_ref" json:"billing_customer_ref,omitempty"`
	CreatedAt          time.Time `db:"created_at" json:"created_at"`
}

// QuotaRecord is one account's ledger row joined with the account's role and billing link.
type QuotaRecord struct {
	AccountID          string     `db:"account_id" json:"account_id"`
	Email              string     `db:"email" json:"email"`
	Role               Role       `db:"role" json:"role"`
	BillingCustomerRef *string    `db:"billing_customer_ref" json:"billing_customer_ref,omitempty"`
	Tier               Tier       `db:"tier" json:"tier"`
	IsActive           bool       `db:"is_active" json:"is_active"`
	StartedAt          time.Time  `db:"started_at" json:"started_at"`
	ExpiresAt          time.Time  `db:"expires_at" json:"expires_at"`
	NextReset          time.Time  `db:"next_reset" json:"next_reset"`
	RequestsRemaining  int        `db:"requests_remaining" json:"requests_remaining"`
	LastRequestAt      *time.Time `db:"last_request_at" json:"last_request_at,omitempty"`
	LastResetAt        *time.Time `db:"last_reset_at" json:"last_reset_at,omitempty"`
	UpdatedAt          time.Time  `db:"updated_at" json:"updated_at"`
}

func (r QuotaRecord) IsAdmin() bool {
	return r.Role == RoleAdmin
}

// TierChange is the full set of fields written by a tier change.
type TierChange struct {
	Tier      Tier
	Quota     int
	IsActive  bool
	StartedAt time.Time
	ExpiresAt time.Time
	NextReset time.Time
}
