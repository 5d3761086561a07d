package scheduler

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	affiliatedomain "github.com/smallbiznis/commissary/internal/affiliate/domain"
	commissiondomain "github.com/smallbiznis/commissary/internal/commission/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// MaturationResult reports one maturation pass.
type MaturationResult struct {
	MaturedAccounts int              `json:"matured_accounts"`
	MaturedEntries  int              `json:"matured_entries"`
	Totals          map[string]int64 `json:"totals"`
}

type dueEntry struct {
	ID          snowflake.ID
	AccountID   snowflake.ID
	Currency    string
	AmountCents int64
}

// MatureCommissionsJob promotes due pending entries to available and credits
// the balance cache in the same transaction.
func (s *Scheduler) MatureCommissionsJob(ctx context.Context) error {
	_, err := s.MatureBatch(ctx, s.cfg.BatchSize)
	return err
}

// MatureBatch processes at most limit due entries. Rows are claimed with
// SKIP LOCKED so concurrent scheduler instances divide the work instead of
// blocking on it; the status guard on the update makes a double-claim a
// no-op rather than a double-credit.
func (s *Scheduler) MatureBatch(ctx context.Context, limit int) (*MaturationResult, error) {
	if limit <= 0 {
		limit = s.cfg.BatchSize
	}
	now := s.clock.Now()
	result := &MaturationResult{Totals: map[string]int64{}}
	counts := map[string]int64{}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var due []dueEntry
		err := tx.WithContext(ctx).Raw(
			`SELECT id, account_id, currency, amount_cents
			 FROM commission_entries
			 WHERE status = ? AND available_at <= ?
			 ORDER BY id
			 FOR UPDATE SKIP LOCKED
			 LIMIT ?`,
			commissiondomain.StatusPending, now, limit,
		).Scan(&due).Error
		if err != nil {
			return err
		}
		if len(due) == 0 {
			return nil
		}

		type bucket struct {
			accountID snowflake.ID
			currency  string
		}
		sums := map[bucket]int64{}
		for _, entry := range due {
			res := tx.WithContext(ctx).Exec(
				`UPDATE commission_entries
				 SET status = ?, matured_at = ?, updated_at = ?
				 WHERE id = ? AND status = ?`,
				commissiondomain.StatusAvailable, now, now,
				entry.ID, commissiondomain.StatusPending,
			)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				continue
			}
			sums[bucket{entry.AccountID, entry.Currency}] += entry.AmountCents
			result.MaturedEntries++
			result.Totals[entry.Currency] += entry.AmountCents
			counts[entry.Currency]++
		}

		accounts := map[snowflake.ID]struct{}{}
		for b, cents := range sums {
			if err := s.balances.ApplyDelta(ctx, tx, affiliatedomain.BalanceDelta{
				RowID:        s.genID.Generate(),
				AccountID:    b.accountID,
				Currency:     b.currency,
				BalanceCents: cents,
			}, now); err != nil {
				return err
			}
			accounts[b.accountID] = struct{}{}
		}
		result.MaturedAccounts = len(accounts)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.MaturedEntries > 0 {
		for currency, n := range counts {
			s.metrics.RecordMaturation(ctx, currency, n)
		}
		s.log.Info("commissions matured",
			zap.Int("entries", result.MaturedEntries),
			zap.Int("accounts", result.MaturedAccounts),
			zap.Any("totals", result.Totals),
		)
	}
	return result, nil
}

// ClaimSweepJob looks for invoice claims old enough that their ledger entry
// should exist but does not. Accrual writes the claim and the entry in one
// transaction, so a gap means either a legitimately zero-amount commission
// or a bug worth a human look; the sweep only reports, it never repairs.
func (s *Scheduler) ClaimSweepJob(ctx context.Context) error {
	cutoff := s.clock.Now().Add(-s.cfg.ClaimSweepThreshold)

	var gaps []struct {
		InvoiceID string
		CreatedAt time.Time
	}
	err := s.db.WithContext(ctx).Raw(
		`SELECT c.invoice_id, c.created_at
		 FROM invoice_claims c
		 WHERE c.created_at <= ?
		   AND NOT EXISTS (
		     SELECT 1 FROM commission_entries e WHERE e.invoice_id = c.invoice_id
		   )
		 ORDER BY c.created_at
		 LIMIT ?`,
		cutoff, s.cfg.BatchSize,
	).Scan(&gaps).Error
	if err != nil {
		return err
	}
	if len(gaps) == 0 {
		return nil
	}

	s.metrics.RecordClaimGap(ctx, int64(len(gaps)))
	for _, gap := range gaps {
		s.log.Warn("invoice claim without ledger entry",
			zap.String("invoice_id", gap.InvoiceID),
			zap.Time("claimed_at", gap.CreatedAt),
		)
	}
	return nil
}
