package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	commissiondomain "github.com/smallbiznis/commissary/internal/commission/domain"
	"github.com/smallbiznis/commissary/internal/payout/domain"
	"gorm.io/gorm"
)

type repo struct {
	db *gorm.DB
}

func Provide(db *gorm.DB) domain.Repository {
	return &repo{db: db}
}

func (r *repo) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *repo) Insert(ctx context.Context, tx *gorm.DB, req *domain.PayoutRequest) error {
	return r.conn(tx).WithContext(ctx).Create(req).Error
}

func (r *repo) FindByID(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*domain.PayoutRequest, error) {
	var req domain.PayoutRequest
	err := r.conn(tx).WithContext(ctx).
		Raw(`SELECT * FROM payout_requests WHERE id = ?`, id).
		Scan(&req).Error
	if err != nil {
		return nil, err
	}
	if req.ID == 0 {
		return nil, nil
	}
	return &req, nil
}

func (r *repo) FindOpen(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, currency string) (*domain.PayoutRequest, error) {
	var req domain.PayoutRequest
	err := r.conn(tx).WithContext(ctx).
		Raw(`SELECT * FROM payout_requests
		     WHERE account_id = ? AND currency = ? AND status IN (?, ?)
		     ORDER BY id DESC LIMIT 1`,
			accountID, currency, domain.StatusRequested, domain.StatusFailed).
		Scan(&req).Error
	if err != nil {
		return nil, err
	}
	if req.ID == 0 {
		return nil, nil
	}
	return &req, nil
}

func (r *repo) AttachAvailableEntries(ctx context.Context, tx *gorm.DB, requestID, accountID snowflake.ID, currency string, now time.Time) (int64, error) {
	err := r.conn(tx).WithContext(ctx).Exec(
		`UPDATE commission_entries
		 SET payout_request_id = ?, updated_at = ?
		 WHERE account_id = ? AND currency = ? AND status = ? AND payout_request_id IS NULL`,
		requestID, now, accountID, currency, commissiondomain.StatusAvailable,
	).Error
	if err != nil {
		return 0, err
	}
	return r.SumAttachedAvailable(ctx, tx, requestID)
}

func (r *repo) SumAttachedAvailable(ctx context.Context, tx *gorm.DB, requestID snowflake.ID) (int64, error) {
	var total int64
	err := r.conn(tx).WithContext(ctx).
		Raw(`SELECT COALESCE(SUM(amount_cents), 0) FROM commission_entries
		     WHERE payout_request_id = ? AND status = ?`,
			requestID, commissiondomain.StatusAvailable).
		Scan(&total).Error
	return total, err
}

func (r *repo) MarkEntriesPaid(ctx context.Context, tx *gorm.DB, requestID snowflake.ID, transferID string, now time.Time) (int64, error) {
	res := r.conn(tx).WithContext(ctx).Exec(
		`UPDATE commission_entries
		 SET status = ?, transfer_id = ?, updated_at = ?
		 WHERE payout_request_id = ? AND status = ?`,
		commissiondomain.StatusPaid, transferID, now, requestID, commissiondomain.StatusAvailable,
	)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (r *repo) MarkRequestPaid(ctx context.Context, tx *gorm.DB, requestID snowflake.ID, transferID string, now time.Time) error {
	return r.conn(tx).WithContext(ctx).Exec(
		`UPDATE payout_requests
		 SET status = ?, transfer_id = ?, failure_reason = '', updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		domain.StatusPaid, transferID, now, requestID, domain.StatusRequested, domain.StatusFailed,
	).Error
}

func (r *repo) MarkRequestFailed(ctx context.Context, tx *gorm.DB, requestID snowflake.ID, reason string, now time.Time) error {
	return r.conn(tx).WithContext(ctx).Exec(
		`UPDATE payout_requests
		 SET status = ?, failure_reason = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		domain.StatusFailed, reason, now, requestID, domain.StatusRequested,
	).Error
}
