package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	commissiondomain "github.com/smallbiznis/commissary/internal/commission/domain"
	"gorm.io/gorm"
)

var ErrInvalidEvent = errors.New("invalid_event")

// InvoiceRefundedEvent carries the gateway's CUMULATIVE refunded total for
// the invoice. The engine derives the newly refunded slice itself, which is
// what makes redelivery and reordering safe.
type InvoiceRefundedEvent struct {
	EventID                string    `json:"event_id"`
	InvoiceID              string    `json:"invoice_id"`
	RefundedPaidCentsTotal int64     `json:"refunded_paid_cents_total"`
	OccurredAt             time.Time `json:"occurred_at"`
}

type Outcome string

const (
	// OutcomeApplied means a new refund slice changed the ledger.
	OutcomeApplied Outcome = "applied"
	// OutcomeDuplicate means the cumulative total had already been reached.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeUnknownInvoice means no commission exists for the invoice yet.
	// Progress is NOT advanced, so a later accrual plus a redelivered refund
	// still reconciles.
	OutcomeUnknownInvoice Outcome = "unknown_invoice"
	// OutcomeLostRace means another worker advanced the progress first.
	OutcomeLostRace Outcome = "lost_race"
)

type Result struct {
	Outcome            Outcome `json:"outcome"`
	AppliedCents       int64   `json:"applied_cents"`
	CanceledEntries    int     `json:"canceled_entries"`
	ReversedCents      int64   `json:"reversed_cents"`
	DebtIncreasedCents int64   `json:"debt_increased_cents"`
}

type Service interface {
	// ProcessRefund reconciles one cumulative refund notification. Calling
	// it any number of times with the same event is a no-op after the first.
	ProcessRefund(ctx context.Context, ev InvoiceRefundedEvent) (*Result, error)
}

type Repository interface {
	// InitProgress inserts the zero progress row if none exists.
	InitProgress(ctx context.Context, tx *gorm.DB, invoiceID string, now time.Time) error
	GetProgress(ctx context.Context, tx *gorm.DB, invoiceID string) (int64, error)
	// AdvanceProgress moves the recorded total from prior to next only if it
	// is still at prior. Returns false when a concurrent worker won.
	AdvanceProgress(ctx context.Context, tx *gorm.DB, invoiceID string, prior, next int64, now time.Time) (bool, error)
	ListEntriesByInvoice(ctx context.Context, tx *gorm.DB, invoiceID string) ([]*commissiondomain.CommissionEntry, error)
	// TransitionEntry flips an entry's status only when it still holds the
	// expected one.
	TransitionEntry(ctx context.Context, tx *gorm.DB, entryID snowflake.ID, from, to commissiondomain.EntryStatus, now time.Time) (bool, error)
	// SumReversals returns the already reversed commission amount for the
	// invoice, as a positive number.
	SumReversals(ctx context.Context, tx *gorm.DB, invoiceID string) (int64, error)
}
