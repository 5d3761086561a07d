package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/commissary/internal/affiliate/domain"
	"github.com/smallbiznis/commissary/internal/clock"
	"github.com/smallbiznis/commissary/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Repo   domain.Repository
	Policy *config.PolicyHolder
}

type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	genID  *snowflake.Node
	clock  clock.Clock
	repo   domain.Repository
	policy *config.PolicyHolder
}

func NewService(p Params) domain.Service {
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("affiliate.service"),
		genID:  p.GenID,
		clock:  p.Clock,
		repo:   p.Repo,
		policy: p.Policy,
	}
}

func (s *Service) Register(ctx context.Context, req domain.RegisterAccountRequest) (domain.Account, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return domain.Account{}, domain.ErrInvalidUser
	}

	existing, err := s.repo.FindAccountByUserID(ctx, s.db, userID)
	if err != nil {
		return domain.Account{}, err
	}
	if existing != nil {
		return domain.Account{}, domain.ErrAccountExists
	}

	now := s.clock.Now()
	account := domain.Account{
		ID:              s.genID.Generate(),
		UserID:          userID,
		PayoutAccountID: strings.TrimSpace(req.PayoutAccountID),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.repo.InsertAccount(ctx, s.db, &account); err != nil {
		return domain.Account{}, err
	}
	s.log.Info("affiliate account registered", zap.String("user_id", userID))
	return account, nil
}

func (s *Service) GetByUserID(ctx context.Context, userID string) (domain.Account, error) {
	account, err := s.repo.FindAccountByUserID(ctx, s.db, strings.TrimSpace(userID))
	if err != nil {
		return domain.Account{}, err
	}
	if account == nil {
		return domain.Account{}, domain.ErrAccountNotFound
	}
	return *account, nil
}

func (s *Service) GetBalance(ctx context.Context, userID, currency string) (int64, error) {
	currency, err := domain.NormalizeCurrency(currency)
	if err != nil {
		return 0, err
	}
	account, err := s.GetByUserID(ctx, userID)
	if err != nil {
		return 0, err
	}
	balance, err := s.repo.FindBalance(ctx, s.db, account.ID, currency)
	if err != nil {
		return 0, err
	}
	if balance == nil {
		return 0, nil
	}
	return balance.BalanceCents, nil
}

func (s *Service) Summary(ctx context.Context, userID string) ([]domain.CurrencySummary, error) {
	account, err := s.GetByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	balances, err := s.repo.ListBalances(ctx, s.db, account.ID)
	if err != nil {
		return nil, err
	}

	policy := s.policy.Get()
	summaries := make([]domain.CurrencySummary, 0, len(balances))
	for _, balance := range balances {
		next, err := s.repo.NextMaturation(ctx, s.db, account.ID, balance.Currency)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, domain.CurrencySummary{
			Currency:           balance.Currency,
			BalanceCents:       balance.BalanceCents,
			DebtCents:          balance.DebtCents,
			MinRedemptionCents: policy.MinRedemption(balance.Currency),
			NextMaturationAt:   next,
		})
	}
	return summaries, nil
}

func (s *Service) ReplayBalance(ctx context.Context, userID, currency string) (int64, error) {
	currency, err := domain.NormalizeCurrency(currency)
	if err != nil {
		return 0, err
	}
	account, err := s.GetByUserID(ctx, userID)
	if err != nil {
		return 0, err
	}

	replayed, err := s.repo.SumAvailable(ctx, s.db, account.ID, currency)
	if err != nil {
		return 0, err
	}

	cached, err := s.repo.FindBalance(ctx, s.db, account.ID, currency)
	if err != nil {
		return 0, err
	}
	var cachedCents int64
	if cached != nil {
		cachedCents = cached.BalanceCents
	}
	if cachedCents != replayed {
		s.log.Warn("balance cache diverges from entry log",
			zap.String("user_id", userID),
			zap.String("currency", currency),
			zap.Int64("cached_cents", cachedCents),
			zap.Int64("replayed_cents", replayed),
		)
	}
	return replayed, nil
}
