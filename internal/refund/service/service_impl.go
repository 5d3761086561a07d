package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	affiliatedomain "github.com/smallbiznis/commissary/internal/affiliate/domain"
	"github.com/smallbiznis/commissary/internal/clock"
	commissiondomain "github.com/smallbiznis/commissary/internal/commission/domain"
	"github.com/smallbiznis/commissary/internal/observability/metrics"
	"github.com/smallbiznis/commissary/internal/refund/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Repo     domain.Repository
	Entries  commissiondomain.Repository
	Balances affiliatedomain.Repository
	Metrics  *metrics.Metrics `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	repo     domain.Repository
	entries  commissiondomain.Repository
	balances affiliatedomain.Repository
	metrics  *metrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("refund.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		repo:     p.Repo,
		entries:  p.Entries,
		balances: p.Balances,
		metrics:  p.Metrics,
	}
}

// ProcessRefund reconciles one cumulative refund notification against the
// ledger. The gateway reports "this much of the invoice has been refunded so
// far"; the engine compares that against its own recorded progress and only
// the new slice changes anything. Redelivered or reordered notifications fall
// out as zero-slices.
func (s *Service) ProcessRefund(ctx context.Context, ev domain.InvoiceRefundedEvent) (*domain.Result, error) {
	invoiceID := strings.TrimSpace(ev.InvoiceID)
	if invoiceID == "" || ev.RefundedPaidCentsTotal <= 0 {
		return nil, domain.ErrInvalidEvent
	}

	result := &domain.Result{}
	var currency string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entries, err := s.repo.ListEntriesByInvoice(ctx, tx, invoiceID)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			// No commission accrued yet. Progress stays untouched so the
			// gateway's next redelivery, after the accrual lands, applies.
			result.Outcome = domain.OutcomeUnknownInvoice
			return nil
		}
		currency = entries[0].Currency

		now := s.clock.Now()
		if err := s.repo.InitProgress(ctx, tx, invoiceID, now); err != nil {
			return err
		}
		prior, err := s.repo.GetProgress(ctx, tx, invoiceID)
		if err != nil {
			return err
		}
		delta := ev.RefundedPaidCentsTotal - prior
		if delta <= 0 {
			result.Outcome = domain.OutcomeDuplicate
			return nil
		}
		advanced, err := s.repo.AdvanceProgress(ctx, tx, invoiceID, prior, ev.RefundedPaidCentsTotal, now)
		if err != nil {
			return err
		}
		if !advanced {
			result.Outcome = domain.OutcomeLostRace
			return nil
		}

		// Any refund, partial or full, kills not-yet-paid entries outright.
		// The affiliate keeps nothing from a disputed sale until it settles.
		var paidCents int64
		for _, entry := range entries {
			switch entry.Status {
			case commissiondomain.StatusPending:
				ok, err := s.repo.TransitionEntry(ctx, tx, entry.ID, commissiondomain.StatusPending, commissiondomain.StatusCanceled, now)
				if err != nil {
					return err
				}
				if ok {
					result.CanceledEntries++
				}
			case commissiondomain.StatusAvailable:
				ok, err := s.repo.TransitionEntry(ctx, tx, entry.ID, commissiondomain.StatusAvailable, commissiondomain.StatusCanceled, now)
				if err != nil {
					return err
				}
				if ok {
					result.CanceledEntries++
					if err := s.balances.ApplyDelta(ctx, tx, affiliatedomain.BalanceDelta{
						RowID:        s.genID.Generate(),
						AccountID:    entry.AccountID,
						Currency:     entry.Currency,
						BalanceCents: -entry.AmountCents,
					}, now); err != nil {
						return err
					}
				}
			case commissiondomain.StatusPaid:
				paidCents += entry.AmountCents
			}
		}

		if paidCents > 0 {
			if err := s.reverseAlreadyPaid(ctx, tx, entries[0], delta, paidCents, result, now); err != nil {
				return err
			}
		}

		result.AppliedCents = delta
		result.Outcome = domain.OutcomeApplied
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordRefund(ctx, currency, string(result.Outcome))
	switch result.Outcome {
	case domain.OutcomeUnknownInvoice:
		s.log.Warn("refund for unknown invoice dropped", zap.String("invoice_id", invoiceID))
	case domain.OutcomeDuplicate, domain.OutcomeLostRace:
		s.metrics.RecordDuplicateEvent(ctx, "invoice_refunded")
		s.log.Info("refund already reconciled",
			zap.String("invoice_id", invoiceID),
			zap.Int64("cumulative_cents", ev.RefundedPaidCentsTotal),
		)
	default:
		s.log.Info("refund applied",
			zap.String("invoice_id", invoiceID),
			zap.Int64("applied_cents", result.AppliedCents),
			zap.Int("canceled_entries", result.CanceledEntries),
			zap.Int64("reversed_cents", result.ReversedCents),
		)
	}
	return result, nil
}

// reverseAlreadyPaid claws back commission that already left through a
// payout. The paid entries stay paid; a negative adjustment records the
// reversal and the amount lands on the affiliate's debt, to be offset against
// future earnings. Cumulative reversals are capped at what was actually paid.
func (s *Service) reverseAlreadyPaid(
	ctx context.Context,
	tx *gorm.DB,
	anchor *commissiondomain.CommissionEntry,
	refundDeltaCents, paidCents int64,
	result *domain.Result,
	now time.Time,
) error {
	reversal := refundDeltaCents
	alreadyReversed, err := s.repo.SumReversals(ctx, tx, anchor.InvoiceID)
	if err != nil {
		return err
	}
	// Claw back at most what was actually paid, across all partial refunds.
	if remaining := paidCents - alreadyReversed; reversal > remaining {
		reversal = remaining
	}
	if reversal <= 0 {
		return nil
	}

	entry := &commissiondomain.CommissionEntry{
		ID:             s.genID.Generate(),
		AccountID:      anchor.AccountID,
		EntryType:      commissiondomain.EntryTypeAdjustment,
		Status:         commissiondomain.StatusReversed,
		Currency:       anchor.Currency,
		AmountCents:    -reversal,
		InvoiceID:      anchor.InvoiceID,
		SubscriptionID: anchor.SubscriptionID,
		BuyerUserID:    anchor.BuyerUserID,
		Note:           "refund_reversal",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.entries.Insert(ctx, tx, entry); err != nil {
		return err
	}
	if err := s.balances.ApplyDelta(ctx, tx, affiliatedomain.BalanceDelta{
		RowID:     s.genID.Generate(),
		AccountID: anchor.AccountID,
		Currency:  anchor.Currency,
		DebtCents: reversal,
	}, now); err != nil {
		return err
	}
	result.ReversedCents = reversal
	result.DebtIncreasedCents = reversal
	return nil
}
