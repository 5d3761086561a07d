package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/smallbiznis/commissary/internal/commission/domain"
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

func (r *repo) Insert(ctx context.Context, tx *gorm.DB, entry *domain.CommissionEntry) error {
	return r.conn(tx).WithContext(ctx).Create(entry).Error
}

func (r *repo) List(ctx context.Context, tx *gorm.DB, filter domain.ListFilter) ([]*domain.CommissionEntry, error) {
	if filter.AccountID == 0 && filter.InvoiceID == "" {
		return nil, errors.New("account_id or invoice_id required")
	}

	var (
		sb   strings.Builder
		args []any
	)
	sb.WriteString(`SELECT * FROM commission_entries WHERE 1=1`)
	if filter.AccountID != 0 {
		sb.WriteString(` AND account_id = ?`)
		args = append(args, filter.AccountID)
	}
	if filter.InvoiceID != "" {
		sb.WriteString(` AND invoice_id = ?`)
		args = append(args, filter.InvoiceID)
	}
	if filter.Status != "" {
		sb.WriteString(` AND status = ?`)
		args = append(args, filter.Status)
	}
	if filter.Currency != "" {
		sb.WriteString(` AND currency = ?`)
		args = append(args, filter.Currency)
	}
	if filter.BeforeID != 0 {
		sb.WriteString(` AND id < ?`)
		args = append(args, filter.BeforeID)
	}
	sb.WriteString(` ORDER BY id DESC`)

	limit := filter.Limit
	if limit <= 0 || limit > 250 {
		limit = 50
	}
	sb.WriteString(` LIMIT ?`)
	args = append(args, limit)

	var entries []*domain.CommissionEntry
	if err := r.conn(tx).WithContext(ctx).Raw(sb.String(), args...).Scan(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}
