package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/commissary/internal/affiliate/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertAccount(ctx context.Context, db *gorm.DB, account *domain.Account) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO affiliate_accounts (id, user_id, payout_account_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		account.ID,
		account.UserID,
		account.PayoutAccountID,
		account.CreatedAt,
		account.UpdatedAt,
	).Error
}

func (r *repo) FindAccountByUserID(ctx context.Context, db *gorm.DB, userID string) (*domain.Account, error) {
	var item domain.Account
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, payout_account_id, created_at, updated_at
		 FROM affiliate_accounts
		 WHERE user_id = ?
		 LIMIT 1`,
		userID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindAccountByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Account, error) {
	var item domain.Account
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, payout_account_id, created_at, updated_at
		 FROM affiliate_accounts
		 WHERE id = ?
		 LIMIT 1`,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindBalance(ctx context.Context, db *gorm.DB, accountID snowflake.ID, currency string) (*domain.Balance, error) {
	var item domain.Balance
	err := db.WithContext(ctx).Raw(
		`SELECT id, account_id, currency, balance_cents, debt_cents, updated_at
		 FROM affiliate_balances
		 WHERE account_id = ? AND currency = ?
		 LIMIT 1`,
		accountID,
		currency,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) ListBalances(ctx context.Context, db *gorm.DB, accountID snowflake.ID) ([]domain.Balance, error) {
	var items []domain.Balance
	err := db.WithContext(ctx).Raw(
		`SELECT id, account_id, currency, balance_cents, debt_cents, updated_at
		 FROM affiliate_balances
		 WHERE account_id = ?
		 ORDER BY currency`,
		accountID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ApplyDelta(ctx context.Context, tx *gorm.DB, delta domain.BalanceDelta, now time.Time) error {
	return tx.WithContext(ctx).Exec(
		`INSERT INTO affiliate_balances (id, account_id, currency, balance_cents, debt_cents, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (account_id, currency) DO UPDATE SET
			balance_cents = affiliate_balances.balance_cents + excluded.balance_cents,
			debt_cents = affiliate_balances.debt_cents + excluded.debt_cents,
			updated_at = excluded.updated_at`,
		delta.RowID,
		delta.AccountID,
		delta.Currency,
		delta.BalanceCents,
		delta.DebtCents,
		now,
	).Error
}

func (r *repo) SumAvailable(ctx context.Context, db *gorm.DB, accountID snowflake.ID, currency string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(amount_cents), 0)
		 FROM commission_entries
		 WHERE account_id = ? AND currency = ? AND status = ?`,
		accountID,
		currency,
		"available",
	).Scan(&total).Error
	if err != nil {
		return 0, err
	}
	return total, nil
}

func (r *repo) NextMaturation(ctx context.Context, db *gorm.DB, accountID snowflake.ID, currency string) (*time.Time, error) {
	var row struct {
		AvailableAt *time.Time
	}
	err := db.WithContext(ctx).Raw(
		`SELECT MIN(available_at) AS available_at
		 FROM commission_entries
		 WHERE account_id = ? AND currency = ? AND status = ?`,
		accountID,
		currency,
		"pending",
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	return row.AvailableAt, nil
}
