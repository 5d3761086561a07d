package domain

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Account is the affiliate's ledger root. Balances and debt are cached per
// currency in affiliate_balances rows and must always be re-derivable by
// replaying the commission entry log.
type Account struct {
	ID              snowflake.ID `json:"id" gorm:"primaryKey"`
	UserID          string       `json:"user_id" gorm:"type:text;not null;uniqueIndex:ux_affiliate_accounts_user"`
	PayoutAccountID string       `json:"payout_account_id" gorm:"type:text;not null;default:''"`
	CreatedAt       time.Time    `json:"created_at" gorm:"not null"`
	UpdatedAt       time.Time    `json:"updated_at" gorm:"not null"`
}

func (Account) TableName() string { return "affiliate_accounts" }

// Balance is the cached spendable balance and outstanding debt for one
// currency. Mutated only in the same transaction as the entry-status change
// that justifies the delta.
type Balance struct {
	ID           snowflake.ID `json:"id" gorm:"primaryKey"`
	AccountID    snowflake.ID `json:"account_id" gorm:"not null;index"`
	Currency     string       `json:"currency" gorm:"type:text;not null"`
	BalanceCents int64        `json:"balance_cents" gorm:"not null;default:0"`
	DebtCents    int64        `json:"debt_cents" gorm:"not null;default:0"`
	UpdatedAt    time.Time    `json:"updated_at" gorm:"not null"`
}

func (Balance) TableName() string { return "affiliate_balances" }

// CurrencySummary is the admin-facing view of one currency bucket.
type CurrencySummary struct {
	Currency           string     `json:"currency"`
	BalanceCents       int64      `json:"balance_cents"`
	DebtCents          int64      `json:"debt_cents"`
	MinRedemptionCents int64      `json:"min_redemption_cents"`
	NextMaturationAt   *time.Time `json:"next_maturation_at,omitempty"`
}

type RegisterAccountRequest struct {
	UserID          string
	PayoutAccountID string
}

type Service interface {
	Register(ctx context.Context, req RegisterAccountRequest) (Account, error)
	GetByUserID(ctx context.Context, userID string) (Account, error)
	// GetBalance returns the cached spendable balance for one currency.
	GetBalance(ctx context.Context, userID, currency string) (int64, error)
	// Summary returns all currency buckets with thresholds and the next
	// maturation timestamp.
	Summary(ctx context.Context, userID string) ([]CurrencySummary, error)
	// ReplayBalance recomputes a currency balance from the entry log. The
	// replay is the authority for audits; a mismatch against the cache means
	// the cache needs repair.
	ReplayBalance(ctx context.Context, userID, currency string) (int64, error)
}

var (
	ErrAccountNotFound = errors.New("account_not_found")
	ErrAccountExists   = errors.New("account_exists")
	ErrInvalidUser     = errors.New("invalid_user")
	ErrInvalidCurrency = errors.New("invalid_currency")
)

var currencyPattern = regexp.MustCompile(`^[a-z]{3}$`)

// NormalizeCurrency lowercases a currency code and rejects anything that is
// not a three-letter ISO code. Legacy callers sent mixed-case or garbage
// values; the core fails loudly instead of coercing.
func NormalizeCurrency(raw string) (string, error) {
	currency := strings.ToLower(strings.TrimSpace(raw))
	if !currencyPattern.MatchString(currency) {
		return "", ErrInvalidCurrency
	}
	return currency, nil
}
