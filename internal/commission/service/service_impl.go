package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	affiliatedomain "github.com/smallbiznis/commissary/internal/affiliate/domain"
	"github.com/smallbiznis/commissary/internal/claim"
	"github.com/smallbiznis/commissary/internal/clock"
	"github.com/smallbiznis/commissary/internal/commission/domain"
	"github.com/smallbiznis/commissary/internal/config"
	"github.com/smallbiznis/commissary/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Repo    domain.Repository
	Gate    *claim.Gate
	Affil   affiliatedomain.Repository
	Policy  *config.PolicyHolder
	Metrics *metrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	repo    domain.Repository
	gate    *claim.Gate
	affil   affiliatedomain.Repository
	policy  *config.PolicyHolder
	metrics *metrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("commission.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		repo:    p.Repo,
		gate:    p.Gate,
		affil:   p.Affil,
		policy:  p.Policy,
		metrics: p.Metrics,
	}
}

// Accrue applies one InvoicePaid event. The invoice claim and every written
// entry commit in a single transaction, so a crash mid-way leaves either
// nothing or everything; a redelivered event loses the claim insert and
// becomes a no-op.
func (s *Service) Accrue(ctx context.Context, ev domain.InvoicePaidEvent) (*domain.AccrualResult, error) {
	invoiceID := strings.TrimSpace(ev.InvoiceID)
	affiliateUserID := strings.TrimSpace(ev.AffiliateUserID)
	if invoiceID == "" || affiliateUserID == "" || ev.PaidCents <= 0 {
		return nil, domain.ErrInvalidEvent
	}
	ev.InvoiceID = invoiceID
	ev.AffiliateUserID = affiliateUserID
	currency, err := affiliatedomain.NormalizeCurrency(ev.Currency)
	if err != nil {
		return nil, err
	}
	// Buying through your own link earns nothing, and does not burn the
	// invoice claim either.
	if ev.BuyerUserID != "" && ev.BuyerUserID == affiliateUserID {
		s.log.Warn("self referral rejected",
			zap.String("invoice_id", invoiceID),
			zap.String("user_id", affiliateUserID),
		)
		return nil, domain.ErrSelfReferral
	}

	account, err := s.affil.FindAccountByUserID(ctx, s.db, affiliateUserID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, domain.ErrUnknownAffiliate
	}

	pol := s.policy.Get()
	occurredAt := ev.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = s.clock.Now()
	}
	availableAt := occurredAt.UTC().Add(time.Duration(pol.HoldDays) * 24 * time.Hour)

	result := &domain.AccrualResult{}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		claimed, err := s.gate.ClaimInvoice(ctx, tx, invoiceID, affiliateUserID)
		if err != nil {
			return err
		}
		if !claimed {
			result.Duplicate = true
			return nil
		}

		now := s.clock.Now()
		commissionCents := ev.PaidCents * int64(pol.RateBps) / 10000
		if commissionCents > 0 {
			entry := &domain.CommissionEntry{
				ID:             s.genID.Generate(),
				AccountID:      account.ID,
				EntryType:      domain.EntryTypeCommission,
				Status:         domain.StatusPending,
				Currency:       currency,
				AmountCents:    commissionCents,
				InvoiceID:      invoiceID,
				SubscriptionID: ev.SubscriptionID,
				BuyerUserID:    ev.BuyerUserID,
				AvailableAt:    &availableAt,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if err := s.repo.Insert(ctx, tx, entry); err != nil {
				return err
			}
			result.Entries = append(result.Entries, entry)
			result.TotalCents += commissionCents
		}

		bonus, err := s.firstPaymentBonus(ctx, tx, ev, account.ID, currency, availableAt, pol, now)
		if err != nil {
			return err
		}
		if bonus != nil {
			result.Entries = append(result.Entries, bonus)
			result.TotalCents += bonus.AmountCents
		}

		result.Accrued = len(result.Entries) > 0
		if result.Accrued {
			result.AvailableAt = &availableAt
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Duplicate {
		s.metrics.RecordDuplicateEvent(ctx, "invoice_paid")
		s.log.Info("duplicate invoice event dropped", zap.String("invoice_id", invoiceID))
		return result, nil
	}
	for _, entry := range result.Entries {
		s.metrics.RecordAccrual(ctx, entry.Currency, string(entry.EntryType))
	}
	s.log.Info("commission accrued",
		zap.String("invoice_id", invoiceID),
		zap.String("user_id", affiliateUserID),
		zap.String("currency", currency),
		zap.Int64("total_cents", result.TotalCents),
		zap.Int("entries", len(result.Entries)),
	)
	return result, nil
}

// firstPaymentBonus grants the one-time subscription bonus when the gateway
// flags the invoice as the subscription's first settled payment. The
// subscription claim makes the grant single-shot even if the gateway flags
// more than one invoice.
func (s *Service) firstPaymentBonus(
	ctx context.Context,
	tx *gorm.DB,
	ev domain.InvoicePaidEvent,
	accountID snowflake.ID,
	currency string,
	availableAt time.Time,
	pol config.CommissionPolicy,
	now time.Time,
) (*domain.CommissionEntry, error) {
	if !ev.IsFirstPayment || ev.SubscriptionID == "" || pol.FirstPaymentBonusBps <= 0 {
		return nil, nil
	}
	bonusCents := ev.PaidCents * int64(pol.FirstPaymentBonusBps) / 10000
	if bonusCents <= 0 {
		return nil, nil
	}
	claimed, err := s.gate.ClaimSubscriptionFirstPayment(ctx, tx, ev.SubscriptionID, ev.AffiliateUserID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, nil
	}
	entry := &domain.CommissionEntry{
		ID:             s.genID.Generate(),
		AccountID:      accountID,
		EntryType:      domain.EntryTypeAdjustment,
		Status:         domain.StatusPending,
		Currency:       currency,
		AmountCents:    bonusCents,
		InvoiceID:      ev.InvoiceID,
		SubscriptionID: ev.SubscriptionID,
		BuyerUserID:    ev.BuyerUserID,
		AvailableAt:    &availableAt,
		Note:           "first_payment_bonus",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.Insert(ctx, tx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *Service) List(ctx context.Context, filter domain.ListFilter) ([]*domain.CommissionEntry, error) {
	if filter.Currency != "" {
		currency, err := affiliatedomain.NormalizeCurrency(filter.Currency)
		if err != nil {
			return nil, err
		}
		filter.Currency = currency
	}
	return s.repo.List(ctx, s.db, filter)
}
