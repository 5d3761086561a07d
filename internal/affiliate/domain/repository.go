package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// BalanceDelta is one cache adjustment, applied in the same transaction as
// the entry-status change that justifies it.
type BalanceDelta struct {
	RowID        snowflake.ID // used when the (account, currency) row is created
	AccountID    snowflake.ID
	Currency     string
	BalanceCents int64
	DebtCents    int64
}

type Repository interface {
	InsertAccount(ctx context.Context, db *gorm.DB, account *Account) error
	FindAccountByUserID(ctx context.Context, db *gorm.DB, userID string) (*Account, error)
	FindAccountByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Account, error)
	FindBalance(ctx context.Context, db *gorm.DB, accountID snowflake.ID, currency string) (*Balance, error)
	ListBalances(ctx context.Context, db *gorm.DB, accountID snowflake.ID) ([]Balance, error)
	// ApplyDelta upserts the balance row and adds the delta. Never exposed
	// outside the engine's own services.
	ApplyDelta(ctx context.Context, tx *gorm.DB, delta BalanceDelta, now time.Time) error
	// SumAvailable replays the entry log for one currency: available entries
	// minus amounts already moved out at payout time.
	SumAvailable(ctx context.Context, db *gorm.DB, accountID snowflake.ID, currency string) (int64, error)
	NextMaturation(ctx context.Context, db *gorm.DB, accountID snowflake.ID, currency string) (*time.Time, error)
}
