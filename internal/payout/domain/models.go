package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type RequestStatus string

const (
	StatusRequested RequestStatus = "requested"
	StatusPaid      RequestStatus = "paid"
	StatusFailed    RequestStatus = "failed"
)

var (
	ErrRequestNotFound       = errors.New("payout_request_not_found")
	ErrDestinationUnverified = errors.New("payout_destination_unverified")
	ErrGatewayTransferFailed = errors.New("gateway_transfer_failed")
	// ErrPayoutPending means an open request already exists for the currency;
	// callers retry that request instead of opening another.
	ErrPayoutPending   = errors.New("payout_pending")
	ErrAlreadyPaid     = errors.New("payout_already_paid")
	ErrNothingToPayout = errors.New("nothing_to_payout")
)

// InsufficientBalanceError is a precondition failure carrying the shortfall,
// so the caller can tell the affiliate how far they are from the threshold.
type InsufficientBalanceError struct {
	Currency       string
	BalanceCents   int64
	RequiredCents  int64
	ShortfallCents int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient_balance: %s balance %d below minimum %d (short %d)",
		e.Currency, e.BalanceCents, e.RequiredCents, e.ShortfallCents)
}

// PayoutRequest is the durable retry unit for one transfer attempt. The
// idempotency key is fixed at creation and reused on every retry, so a
// timed-out gateway call can never double-transfer.
type PayoutRequest struct {
	ID             snowflake.ID  `gorm:"column:id;primaryKey" json:"id"`
	AccountID      snowflake.ID  `gorm:"column:account_id" json:"account_id"`
	Currency       string        `gorm:"column:currency" json:"currency"`
	AmountCents    int64         `gorm:"column:amount_cents" json:"amount_cents"`
	IdempotencyKey string        `gorm:"column:idempotency_key" json:"idempotency_key"`
	Status         RequestStatus `gorm:"column:status" json:"status"`
	TransferID     string        `gorm:"column:transfer_id" json:"transfer_id,omitempty"`
	FailureReason  string        `gorm:"column:failure_reason" json:"failure_reason,omitempty"`
	CreatedAt      time.Time     `gorm:"column:created_at" json:"created_at"`
	UpdatedAt      time.Time     `gorm:"column:updated_at" json:"updated_at"`
}

func (PayoutRequest) TableName() string { return "payout_requests" }

type TransferRequest struct {
	IdempotencyKey  string
	DestinationID   string
	Currency        string
	AmountCents     int64
	Description     string
	AffiliateUserID string
}

type TransferResult struct {
	TransferID string
}

type DestinationStatus struct {
	Verified bool
}

// Gateway is the external payout rail. Calls use bounded timeouts; a timeout
// does not imply failure, which is why every transfer carries the request's
// idempotency key.
type Gateway interface {
	CreateTransfer(ctx context.Context, req TransferRequest) (*TransferResult, error)
	GetPayoutDestinationStatus(ctx context.Context, destinationID string) (*DestinationStatus, error)
}

type Service interface {
	// RequestPayout opens a request for the whole available balance of one
	// currency and dispatches the transfer. A gateway failure leaves the
	// request in failed state for RetryPayout; it is never auto-retried.
	RequestPayout(ctx context.Context, userID, currency string) (*PayoutRequest, error)
	// RetryPayout re-validates the destination and re-attempts a failed (or
	// still-requested, e.g. after a crash) request with its original key.
	RetryPayout(ctx context.Context, requestID snowflake.ID) (*PayoutRequest, error)
	Get(ctx context.Context, requestID snowflake.ID) (*PayoutRequest, error)
}

type Repository interface {
	Insert(ctx context.Context, tx *gorm.DB, req *PayoutRequest) error
	FindByID(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*PayoutRequest, error)
	// FindOpen returns the requested/failed request for the account+currency,
	// if any. At most one can be open at a time.
	FindOpen(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, currency string) (*PayoutRequest, error)
	// AttachAvailableEntries stamps the request id onto all unattached
	// available entries and returns their total.
	AttachAvailableEntries(ctx context.Context, tx *gorm.DB, requestID, accountID snowflake.ID, currency string, now time.Time) (int64, error)
	// SumAttachedAvailable totals the attached entries that are still
	// available. Retries compare it to the frozen request amount: a refund may
	// have canceled entries since the request was opened.
	SumAttachedAvailable(ctx context.Context, tx *gorm.DB, requestID snowflake.ID) (int64, error)
	// MarkEntriesPaid flips the attached entries to paid with the transfer id.
	MarkEntriesPaid(ctx context.Context, tx *gorm.DB, requestID snowflake.ID, transferID string, now time.Time) (int64, error)
	MarkRequestPaid(ctx context.Context, tx *gorm.DB, requestID snowflake.ID, transferID string, now time.Time) error
	MarkRequestFailed(ctx context.Context, tx *gorm.DB, requestID snowflake.ID, reason string, now time.Time) error
}
