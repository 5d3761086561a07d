package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	affiliatedomain "github.com/smallbiznis/commissary/internal/affiliate/domain"
	"github.com/smallbiznis/commissary/internal/clock"
	"github.com/smallbiznis/commissary/internal/config"
	"github.com/smallbiznis/commissary/internal/lock"
	"github.com/smallbiznis/commissary/internal/observability/metrics"
	"github.com/smallbiznis/commissary/internal/payout/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const dispatchLockTTL = 30 * time.Second

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Repo     domain.Repository
	Gateway  domain.Gateway
	Accounts affiliatedomain.Repository
	Policy   *config.PolicyHolder
	Locker   *lock.Locker     `optional:"true"`
	Metrics  *metrics.Metrics `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	repo     domain.Repository
	gateway  domain.Gateway
	accounts affiliatedomain.Repository
	policy   *config.PolicyHolder
	locker   *lock.Locker
	metrics  *metrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("payout.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		repo:     p.Repo,
		gateway:  p.Gateway,
		accounts: p.Accounts,
		policy:   p.Policy,
		locker:   p.Locker,
		metrics:  p.Metrics,
	}
}

// RequestPayout opens a payout request covering the whole available balance
// for one currency and dispatches the transfer. If an open (requested or
// failed) request already exists it is never duplicated; the caller is
// pointed at RetryPayout instead.
func (s *Service) RequestPayout(ctx context.Context, userID, currency string) (*domain.PayoutRequest, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, affiliatedomain.ErrInvalidUser
	}
	cur, err := affiliatedomain.NormalizeCurrency(currency)
	if err != nil {
		return nil, err
	}
	account, err := s.accounts.FindAccountByUserID(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, affiliatedomain.ErrAccountNotFound
	}

	lockKey := fmt.Sprintf("payout:%s:%s", account.ID, cur)
	token, ok, err := s.locker.TryLock(ctx, lockKey, dispatchLockTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrPayoutPending
	}
	defer func() { _ = s.locker.Release(ctx, lockKey, token) }()

	if open, err := s.repo.FindOpen(ctx, s.db, account.ID, cur); err != nil {
		return nil, err
	} else if open != nil {
		return open, domain.ErrPayoutPending
	}

	if err := s.checkDestination(ctx, account); err != nil {
		return nil, err
	}

	balance, err := s.accounts.FindBalance(ctx, s.db, account.ID, cur)
	if err != nil {
		return nil, err
	}
	var balanceCents int64
	if balance != nil {
		balanceCents = balance.BalanceCents
	}
	minCents := s.policy.Get().MinRedemption(cur)
	if balanceCents < minCents {
		return nil, &domain.InsufficientBalanceError{
			Currency:       cur,
			BalanceCents:   balanceCents,
			RequiredCents:  minCents,
			ShortfallCents: minCents - balanceCents,
		}
	}

	now := s.clock.Now()
	request := &domain.PayoutRequest{
		ID:        s.genID.Generate(),
		AccountID: account.ID,
		Currency:  cur,
		Status:    domain.StatusRequested,
		CreatedAt: now,
		UpdatedAt: now,
	}
	// Fixed at creation; every retry reuses it so the rail can dedupe.
	request.IdempotencyKey = fmt.Sprintf("payout-%s-%s", request.ID, userID)

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.Insert(ctx, tx, request); err != nil {
			return err
		}
		total, err := s.repo.AttachAvailableEntries(ctx, tx, request.ID, account.ID, cur, now)
		if err != nil {
			return err
		}
		if total <= 0 {
			return domain.ErrNothingToPayout
		}
		request.AmountCents = total
		return tx.Exec(`UPDATE payout_requests SET amount_cents = ? WHERE id = ?`, total, request.ID).Error
	})
	if err != nil {
		return nil, err
	}

	return s.dispatch(ctx, request, userID)
}

// RetryPayout is the human-in-the-loop recovery path after a gateway
// failure. It re-validates the destination and re-sends the transfer with
// the request's original idempotency key.
func (s *Service) RetryPayout(ctx context.Context, requestID snowflake.ID) (*domain.PayoutRequest, error) {
	request, err := s.repo.FindByID(ctx, s.db, requestID)
	if err != nil {
		return nil, err
	}
	if request == nil {
		return nil, domain.ErrRequestNotFound
	}
	if request.Status == domain.StatusPaid {
		return request, domain.ErrAlreadyPaid
	}

	account, err := s.accounts.FindAccountByID(ctx, s.db, request.AccountID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, affiliatedomain.ErrAccountNotFound
	}
	if err := s.checkDestination(ctx, account); err != nil {
		return nil, err
	}

	// A refund may have canceled attached entries since the request was
	// opened. Re-sum them so the retry wires only what is still owed.
	attached, err := s.repo.SumAttachedAvailable(ctx, s.db, request.ID)
	if err != nil {
		return nil, err
	}
	if attached <= 0 {
		return nil, domain.ErrNothingToPayout
	}
	if attached != request.AmountCents {
		s.log.Warn("payout request shrunk on retry",
			zap.String("request_id", request.ID.String()),
			zap.Int64("requested_cents", request.AmountCents),
			zap.Int64("attached_cents", attached),
		)
		err := s.db.WithContext(ctx).Exec(
			`UPDATE payout_requests SET amount_cents = ?, updated_at = ? WHERE id = ?`,
			attached, s.clock.Now(), request.ID,
		).Error
		if err != nil {
			return nil, err
		}
		request.AmountCents = attached
	}

	return s.dispatch(ctx, request, account.UserID)
}

func (s *Service) Get(ctx context.Context, requestID snowflake.ID) (*domain.PayoutRequest, error) {
	request, err := s.repo.FindByID(ctx, s.db, requestID)
	if err != nil {
		return nil, err
	}
	if request == nil {
		return nil, domain.ErrRequestNotFound
	}
	return request, nil
}

func (s *Service) checkDestination(ctx context.Context, account *affiliatedomain.Account) error {
	if strings.TrimSpace(account.PayoutAccountID) == "" {
		return domain.ErrDestinationUnverified
	}
	status, err := s.gateway.GetPayoutDestinationStatus(ctx, account.PayoutAccountID)
	if err != nil {
		return err
	}
	if !status.Verified {
		return domain.ErrDestinationUnverified
	}
	return nil
}

// dispatch sends the transfer and settles the request. A gateway error marks
// the request failed and surfaces the error; nothing retries automatically,
// a timeout might still have gone through on the rail's side.
func (s *Service) dispatch(ctx context.Context, request *domain.PayoutRequest, userID string) (*domain.PayoutRequest, error) {
	account, err := s.accounts.FindAccountByID(ctx, s.db, request.AccountID)
	if err != nil {
		return nil, err
	}

	result, err := s.gateway.CreateTransfer(ctx, domain.TransferRequest{
		IdempotencyKey:  request.IdempotencyKey,
		DestinationID:   account.PayoutAccountID,
		Currency:        request.Currency,
		AmountCents:     request.AmountCents,
		Description:     fmt.Sprintf("affiliate commission payout %s", request.ID),
		AffiliateUserID: userID,
	})
	now := s.clock.Now()
	if err != nil {
		if markErr := s.repo.MarkRequestFailed(ctx, s.db, request.ID, err.Error(), now); markErr != nil {
			s.log.Error("failed to record payout failure",
				zap.String("request_id", request.ID.String()),
				zap.Error(markErr),
			)
		}
		s.metrics.RecordPayout(ctx, request.Currency, "failed")
		s.log.Error("payout transfer failed",
			zap.String("request_id", request.ID.String()),
			zap.String("currency", request.Currency),
			zap.Int64("amount_cents", request.AmountCents),
			zap.Error(err),
		)
		request.Status = domain.StatusFailed
		request.FailureReason = err.Error()
		return request, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.repo.MarkEntriesPaid(ctx, tx, request.ID, result.TransferID, now); err != nil {
			return err
		}
		if err := s.repo.MarkRequestPaid(ctx, tx, request.ID, result.TransferID, now); err != nil {
			return err
		}
		return s.accounts.ApplyDelta(ctx, tx, affiliatedomain.BalanceDelta{
			RowID:        s.genID.Generate(),
			AccountID:    request.AccountID,
			Currency:     request.Currency,
			BalanceCents: -request.AmountCents,
		}, now)
	})
	if err != nil {
		return nil, err
	}

	request.Status = domain.StatusPaid
	request.TransferID = result.TransferID
	s.metrics.RecordPayout(ctx, request.Currency, "paid")
	s.log.Info("payout dispatched",
		zap.String("request_id", request.ID.String()),
		zap.String("transfer_id", result.TransferID),
		zap.String("currency", request.Currency),
		zap.Int64("amount_cents", request.AmountCents),
	)
	return request, nil
}
