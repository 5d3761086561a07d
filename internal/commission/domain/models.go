package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type EntryType string

const (
	EntryTypeCommission EntryType = "commission"
	EntryTypeAdjustment EntryType = "adjustment"
)

type EntryStatus string

const (
	StatusPending   EntryStatus = "pending"
	StatusAvailable EntryStatus = "available"
	StatusPaid      EntryStatus = "paid"
	StatusCanceled  EntryStatus = "canceled"
	StatusReversed  EntryStatus = "reversed"
)

var (
	ErrSelfReferral     = errors.New("self_referral")
	ErrInvalidEvent     = errors.New("invalid_event")
	ErrEntryNotFound    = errors.New("entry_not_found")
	ErrUnknownAffiliate = errors.New("unknown_affiliate")
	ErrInvalidPageToken = errors.New("invalid_page_token")
)

// CommissionEntry is one immutable row of the ledger. Rows are only ever
// appended or status-transitioned; amounts never change after insert.
type CommissionEntry struct {
	ID              snowflake.ID  `gorm:"column:id;primaryKey" json:"id"`
	AccountID       snowflake.ID  `gorm:"column:account_id" json:"account_id"`
	EntryType       EntryType     `gorm:"column:entry_type" json:"entry_type"`
	Status          EntryStatus   `gorm:"column:status" json:"status"`
	Currency        string        `gorm:"column:currency" json:"currency"`
	AmountCents     int64         `gorm:"column:amount_cents" json:"amount_cents"`
	InvoiceID       string        `gorm:"column:invoice_id" json:"invoice_id"`
	SubscriptionID  string        `gorm:"column:subscription_id" json:"subscription_id,omitempty"`
	BuyerUserID     string        `gorm:"column:buyer_user_id" json:"buyer_user_id,omitempty"`
	AvailableAt     *time.Time    `gorm:"column:available_at" json:"available_at,omitempty"`
	MaturedAt       *time.Time    `gorm:"column:matured_at" json:"matured_at,omitempty"`
	PayoutRequestID *snowflake.ID `gorm:"column:payout_request_id" json:"payout_request_id,omitempty"`
	TransferID      string        `gorm:"column:transfer_id" json:"transfer_id,omitempty"`
	Note            string        `gorm:"column:note" json:"note,omitempty"`
	CreatedAt       time.Time     `gorm:"column:created_at" json:"created_at"`
	UpdatedAt       time.Time     `gorm:"column:updated_at" json:"updated_at"`
}

func (CommissionEntry) TableName() string { return "commission_entries" }

// InvoicePaidEvent is the normalized gateway notification for a settled
// invoice. PaidCents is the gross amount the buyer paid.
type InvoicePaidEvent struct {
	EventID         string    `json:"event_id"`
	InvoiceID       string    `json:"invoice_id"`
	SubscriptionID  string    `json:"subscription_id,omitempty"`
	AffiliateUserID string    `json:"affiliate_user_id"`
	BuyerUserID     string    `json:"buyer_user_id"`
	Currency        string    `json:"currency"`
	PaidCents       int64     `json:"paid_cents"`
	IsFirstPayment  bool      `json:"is_first_payment,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// AccrualResult reports what a single InvoicePaid event produced.
type AccrualResult struct {
	Accrued     bool               `json:"accrued"`
	Duplicate   bool               `json:"duplicate"`
	Entries     []*CommissionEntry `json:"entries,omitempty"`
	TotalCents  int64              `json:"total_cents"`
	AvailableAt *time.Time         `json:"available_at,omitempty"`
}

type ListFilter struct {
	AccountID snowflake.ID
	InvoiceID string
	Status    EntryStatus
	Currency  string
	Limit     int
	// BeforeID pages newest-first: only entries with id < BeforeID match.
	BeforeID snowflake.ID
}

type Service interface {
	// Accrue applies an InvoicePaid event exactly once. Redelivered events
	// return a result with Duplicate=true and no new entries.
	Accrue(ctx context.Context, ev InvoicePaidEvent) (*AccrualResult, error)
	List(ctx context.Context, filter ListFilter) ([]*CommissionEntry, error)
}

type Repository interface {
	Insert(ctx context.Context, tx *gorm.DB, entry *CommissionEntry) error
	List(ctx context.Context, tx *gorm.DB, filter ListFilter) ([]*CommissionEntry, error)
}
