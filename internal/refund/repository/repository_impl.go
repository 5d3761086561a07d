package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	commissiondomain "github.com/smallbiznis/commissary/internal/commission/domain"
	"github.com/smallbiznis/commissary/internal/refund/domain"
	"github.com/smallbiznis/commissary/pkg/db"
	"gorm.io/gorm"
)

type repo struct {
	db *gorm.DB
}

func Provide(gdb *gorm.DB) domain.Repository {
	return &repo{db: gdb}
}

func (r *repo) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *repo) InitProgress(ctx context.Context, tx *gorm.DB, invoiceID string, now time.Time) error {
	err := r.conn(tx).WithContext(ctx).Exec(
		`INSERT INTO refund_progress (invoice_id, refunded_paid_cents_total, updated_at)
		 VALUES (?, 0, ?)
		 ON CONFLICT (invoice_id) DO NOTHING`,
		invoiceID, now,
	).Error
	if err != nil && db.IsDuplicateKeyErr(err) {
		return nil
	}
	return err
}

func (r *repo) GetProgress(ctx context.Context, tx *gorm.DB, invoiceID string) (int64, error) {
	var total int64
	err := r.conn(tx).WithContext(ctx).
		Raw(`SELECT refunded_paid_cents_total FROM refund_progress WHERE invoice_id = ?`, invoiceID).
		Scan(&total).Error
	return total, err
}

func (r *repo) AdvanceProgress(ctx context.Context, tx *gorm.DB, invoiceID string, prior, next int64, now time.Time) (bool, error) {
	res := r.conn(tx).WithContext(ctx).Exec(
		`UPDATE refund_progress
		 SET refunded_paid_cents_total = ?, updated_at = ?
		 WHERE invoice_id = ? AND refunded_paid_cents_total = ?`,
		next, now, invoiceID, prior,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ListEntriesByInvoice(ctx context.Context, tx *gorm.DB, invoiceID string) ([]*commissiondomain.CommissionEntry, error) {
	var entries []*commissiondomain.CommissionEntry
	err := r.conn(tx).WithContext(ctx).
		Raw(`SELECT * FROM commission_entries WHERE invoice_id = ? ORDER BY id ASC`, invoiceID).
		Scan(&entries).Error
	return entries, err
}

func (r *repo) TransitionEntry(ctx context.Context, tx *gorm.DB, entryID snowflake.ID, from, to commissiondomain.EntryStatus, now time.Time) (bool, error) {
	res := r.conn(tx).WithContext(ctx).Exec(
		`UPDATE commission_entries SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, now, entryID, from,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) SumReversals(ctx context.Context, tx *gorm.DB, invoiceID string) (int64, error) {
	var total int64
	err := r.conn(tx).WithContext(ctx).
		Raw(`SELECT COALESCE(SUM(-amount_cents), 0) FROM commission_entries
		     WHERE invoice_id = ? AND entry_type = ? AND status = ?`,
			invoiceID, commissiondomain.EntryTypeAdjustment, commissiondomain.StatusReversed).
		Scan(&total).Error
	return total, err
}
