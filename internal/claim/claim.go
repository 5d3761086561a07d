// Package claim is the idempotency gate: single-use markers whose uniqueness
// is enforced entirely by the store's unique index. Under two racing identical
// claims exactly one insert succeeds; there is no application-level locking
// and no retry.
package claim

import (
	"context"

	"github.com/smallbiznis/commissary/internal/clock"
	"github.com/smallbiznis/commissary/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Gate struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
}

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
}

func NewGate(p Params) *Gate {
	c := p.Clock
	if c == nil {
		c = clock.NewSystemClock()
	}
	return &Gate{
		db:    p.DB,
		log:   p.Log.Named("claim.gate"),
		clock: c,
	}
}

// ClaimInvoice marks an invoice as processed. Returns false when the invoice
// was already claimed; callers treat that as "already handled", not an error.
func (g *Gate) ClaimInvoice(ctx context.Context, tx *gorm.DB, invoiceID, affiliateUserID string) (bool, error) {
	return g.claim(ctx, tx,
		`INSERT INTO invoice_claims (invoice_id, affiliate_user_id, created_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (invoice_id) DO NOTHING`,
		invoiceID, affiliateUserID,
	)
}

// ClaimSubscriptionFirstPayment marks a subscription's first-payment bonus as
// granted. Returns false when the subscription already had one.
func (g *Gate) ClaimSubscriptionFirstPayment(ctx context.Context, tx *gorm.DB, subscriptionID, affiliateUserID string) (bool, error) {
	return g.claim(ctx, tx,
		`INSERT INTO subscription_claims (subscription_id, affiliate_user_id, created_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (subscription_id) DO NOTHING`,
		subscriptionID, affiliateUserID,
	)
}

func (g *Gate) claim(ctx context.Context, tx *gorm.DB, query, key, affiliateUserID string) (bool, error) {
	if tx == nil {
		tx = g.db
	}
	res := tx.WithContext(ctx).Exec(query, key, affiliateUserID, g.clock.Now())
	if res.Error != nil {
		// Some dialects surface the conflict instead of swallowing it.
		if db.IsDuplicateKeyErr(res.Error) {
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

var Module = fx.Module("claim.gate",
	fx.Provide(NewGate),
)
