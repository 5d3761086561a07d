package service_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	affiliatedomain "github.com/smallbiznis/commissary/internal/affiliate/domain"
	affiliaterepo "github.com/smallbiznis/commissary/internal/affiliate/repository"
	"github.com/smallbiznis/commissary/internal/claim"
	"github.com/smallbiznis/commissary/internal/clock"
	commissiondomain "github.com/smallbiznis/commissary/internal/commission/domain"
	commissionrepo "github.com/smallbiznis/commissary/internal/commission/repository"
	commissionservice "github.com/smallbiznis/commissary/internal/commission/service"
	"github.com/smallbiznis/commissary/internal/config"
	refunddomain "github.com/smallbiznis/commissary/internal/refund/domain"
	refundrepo "github.com/smallbiznis/commissary/internal/refund/repository"
	refundservice "github.com/smallbiznis/commissary/internal/refund/service"
	webhookdomain "github.com/smallbiznis/commissary/internal/webhook/domain"
	webhookservice "github.com/smallbiznis/commissary/internal/webhook/service"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testSecret = "whsec_test"

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	schema := []string{
		`CREATE TABLE affiliate_accounts (
			id BIGINT PRIMARY KEY,
			user_id TEXT NOT NULL,
			payout_account_id TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE UNIQUE INDEX ux_affiliate_accounts_user ON affiliate_accounts(user_id)`,
		`CREATE TABLE affiliate_balances (
			id BIGINT PRIMARY KEY,
			account_id BIGINT NOT NULL,
			currency TEXT NOT NULL,
			balance_cents BIGINT NOT NULL DEFAULT 0,
			debt_cents BIGINT NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE UNIQUE INDEX ux_affiliate_balances_account_currency ON affiliate_balances(account_id, currency)`,
		`CREATE TABLE commission_entries (
			id BIGINT PRIMARY KEY,
			account_id BIGINT NOT NULL,
			entry_type TEXT NOT NULL,
			status TEXT NOT NULL,
			currency TEXT NOT NULL,
			amount_cents BIGINT NOT NULL,
			invoice_id TEXT NOT NULL DEFAULT '',
			subscription_id TEXT NOT NULL DEFAULT '',
			buyer_user_id TEXT NOT NULL DEFAULT '',
			available_at DATETIME,
			matured_at DATETIME,
			payout_request_id BIGINT,
			transfer_id TEXT NOT NULL DEFAULT '',
			note TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE invoice_claims (
			invoice_id TEXT PRIMARY KEY,
			affiliate_user_id TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE subscription_claims (
			subscription_id TEXT PRIMARY KEY,
			affiliate_user_id TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE refund_progress (
			invoice_id TEXT PRIMARY KEY,
			refunded_paid_cents_total BIGINT NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE webhook_events (
			id BIGINT PRIMARY KEY,
			event_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			received_at DATETIME NOT NULL,
			processed_at DATETIME
		)`,
		`CREATE UNIQUE INDEX ux_webhook_events_event ON webhook_events(event_id)`,
	}
	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return db
}

type fixture struct {
	db          *gorm.DB
	node        *snowflake.Node
	svc         webhookdomain.Service
	fc          *clock.FakeClock
	commissions commissiondomain.Service
	refunds     refunddomain.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := setupTestDB(t)
	node, err := snowflake.NewNode(5)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	fc := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	policy := config.NewStaticPolicyHolder(config.DefaultCommissionPolicy())
	gate := claim.NewGate(claim.Params{DB: db, Log: zap.NewNop(), Clock: fc})

	commissionSvc := commissionservice.NewService(commissionservice.Params{
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  node,
		Clock:  fc,
		Repo:   commissionrepo.Provide(db),
		Gate:   gate,
		Affil:  affiliaterepo.Provide(),
		Policy: policy,
	})
	refundSvc := refundservice.NewService(refundservice.Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    fc,
		Repo:     refundrepo.Provide(db),
		Entries:  commissionrepo.Provide(db),
		Balances: affiliaterepo.Provide(),
	})
	svc := webhookservice.NewService(webhookservice.Params{
		DB:          db,
		Log:         zap.NewNop(),
		GenID:       node,
		Clock:       fc,
		Config:      &config.Config{WebhookSecret: testSecret},
		Commissions: commissionSvc,
		Refunds:     refundSvc,
	})
	return &fixture{db: db, node: node, svc: svc, fc: fc, commissions: commissionSvc, refunds: refundSvc}
}

func (f *fixture) registerAccount(t *testing.T, userID string) {
	t.Helper()
	now := f.fc.Now()
	err := f.db.Create(&affiliatedomain.Account{
		ID:        f.node.Generate(),
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}).Error
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
}

func (f *fixture) sign(payload []byte) http.Header {
	ts := strconv.FormatInt(f.fc.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte(ts + "." + string(payload)))
	headers := http.Header{}
	headers.Set("X-Commissary-Signature", fmt.Sprintf("t=%s,v1=%s", ts, hex.EncodeToString(mac.Sum(nil))))
	return headers
}

func TestHandleEventRejectsBadSignature(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	payload := []byte(`{"id":"evt-1","type":"invoice.paid","data":{}}`)
	headers := http.Header{}
	headers.Set("X-Commissary-Signature", "t=1,v1=deadbeef")

	_, err := f.svc.HandleEvent(ctx, payload, headers)
	if !errors.Is(err, webhookdomain.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestHandleEventInvoicePaidAccrues(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.registerAccount(t, "aff-1")

	payload := []byte(`{
		"id": "evt-1",
		"type": "invoice.paid",
		"data": {
			"invoice_id": "inv-100",
			"affiliate_user_id": "aff-1",
			"buyer_user_id": "buyer-1",
			"currency": "usd",
			"paid_cents": 10000
		}
	}`)

	receipt, err := f.svc.HandleEvent(ctx, payload, f.sign(payload))
	if err != nil {
		t.Fatalf("handle event: %v", err)
	}
	if !receipt.Handled || receipt.Duplicate {
		t.Fatalf("expected handled receipt, got %+v", receipt)
	}

	var cents int64
	err = f.db.Raw(`SELECT amount_cents FROM commission_entries WHERE invoice_id = 'inv-100'`).Scan(&cents).Error
	if err != nil {
		t.Fatalf("read entry: %v", err)
	}
	if cents != 1000 {
		t.Fatalf("expected 1000 cents accrued, got %d", cents)
	}

	var processed int64
	err = f.db.Raw(`SELECT COUNT(*) FROM webhook_events WHERE event_id = 'evt-1' AND processed_at IS NOT NULL`).Scan(&processed).Error
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	if processed != 1 {
		t.Fatalf("event not journaled as processed")
	}
}

func TestHandleEventDuplicateDeliverySwallowed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.registerAccount(t, "aff-1")

	payload := []byte(`{
		"id": "evt-1",
		"type": "invoice.paid",
		"data": {
			"invoice_id": "inv-100",
			"affiliate_user_id": "aff-1",
			"currency": "usd",
			"paid_cents": 10000
		}
	}`)

	if _, err := f.svc.HandleEvent(ctx, payload, f.sign(payload)); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	receipt, err := f.svc.HandleEvent(ctx, payload, f.sign(payload))
	if err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if !receipt.Duplicate {
		t.Fatalf("expected duplicate receipt, got %+v", receipt)
	}

	var count int64
	if err := f.db.Raw(`SELECT COUNT(*) FROM commission_entries`).Scan(&count).Error; err != nil {
		t.Fatalf("count entries: %v", err)
	}
	if count != 1 {
		t.Fatalf("duplicate delivery accrued again: %d entries", count)
	}
}

// flakyCommissions fails the first Accrue calls, then defers to the real
// service, modeling a transient downstream outage during routing.
type flakyCommissions struct {
	inner    commissiondomain.Service
	failures int
}

func (f *flakyCommissions) Accrue(ctx context.Context, ev commissiondomain.InvoicePaidEvent) (*commissiondomain.AccrualResult, error) {
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("ledger unavailable")
	}
	return f.inner.Accrue(ctx, ev)
}

func (f *flakyCommissions) List(ctx context.Context, filter commissiondomain.ListFilter) ([]*commissiondomain.CommissionEntry, error) {
	return f.inner.List(ctx, filter)
}

func TestHandleEventRedeliveryAfterRoutingFailureStillAccrues(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.registerAccount(t, "aff-1")

	flaky := &flakyCommissions{inner: f.commissions, failures: 1}
	svc := webhookservice.NewService(webhookservice.Params{
		DB:          f.db,
		Log:         zap.NewNop(),
		GenID:       f.node,
		Clock:       f.fc,
		Config:      &config.Config{WebhookSecret: testSecret},
		Commissions: flaky,
		Refunds:     f.refunds,
	})

	payload := []byte(`{
		"id": "evt-1",
		"type": "invoice.paid",
		"data": {
			"invoice_id": "inv-100",
			"affiliate_user_id": "aff-1",
			"currency": "usd",
			"paid_cents": 10000
		}
	}`)

	if _, err := svc.HandleEvent(ctx, payload, f.sign(payload)); err == nil {
		t.Fatalf("expected first delivery to fail downstream")
	}

	// The journal row exists but was never stamped processed, so the
	// redelivery must route again rather than be swallowed as a duplicate.
	receipt, err := svc.HandleEvent(ctx, payload, f.sign(payload))
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if receipt.Duplicate || !receipt.Handled {
		t.Fatalf("redelivery must accrue, got %+v", receipt)
	}

	var count int64
	if err := f.db.Raw(`SELECT COUNT(*) FROM commission_entries WHERE invoice_id = 'inv-100'`).Scan(&count).Error; err != nil {
		t.Fatalf("count entries: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly 1 entry after redelivery, got %d", count)
	}

	var processed int64
	if err := f.db.Raw(`SELECT COUNT(*) FROM webhook_events WHERE event_id = 'evt-1' AND processed_at IS NOT NULL`).Scan(&processed).Error; err != nil {
		t.Fatalf("read journal: %v", err)
	}
	if processed != 1 {
		t.Fatalf("redelivery must stamp the journal processed")
	}
}

func TestHandleEventSelfReferralAcknowledged(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.registerAccount(t, "aff-1")

	payload := []byte(`{
		"id": "evt-self",
		"type": "invoice.paid",
		"data": {
			"invoice_id": "inv-self",
			"affiliate_user_id": "aff-1",
			"buyer_user_id": "aff-1",
			"currency": "usd",
			"paid_cents": 10000
		}
	}`)

	receipt, err := f.svc.HandleEvent(ctx, payload, f.sign(payload))
	if err != nil {
		t.Fatalf("self referral must be acknowledged, got %v", err)
	}
	if receipt.Dropped != "self_referral" || receipt.Handled {
		t.Fatalf("expected dropped self_referral receipt, got %+v", receipt)
	}
}

func TestHandleEventInvoiceRefundedRouted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.registerAccount(t, "aff-1")

	paid := []byte(`{
		"id": "evt-1",
		"type": "invoice.paid",
		"data": {
			"invoice_id": "inv-100",
			"affiliate_user_id": "aff-1",
			"currency": "usd",
			"paid_cents": 10000
		}
	}`)
	if _, err := f.svc.HandleEvent(ctx, paid, f.sign(paid)); err != nil {
		t.Fatalf("paid event: %v", err)
	}

	refunded := []byte(`{
		"id": "evt-2",
		"type": "invoice.refunded",
		"data": {
			"invoice_id": "inv-100",
			"refunded_paid_cents_total": 10000
		}
	}`)
	receipt, err := f.svc.HandleEvent(ctx, refunded, f.sign(refunded))
	if err != nil {
		t.Fatalf("refund event: %v", err)
	}
	if !receipt.Handled {
		t.Fatalf("expected refund handled, got %+v", receipt)
	}

	var status string
	err = f.db.Raw(`SELECT status FROM commission_entries WHERE invoice_id = 'inv-100'`).Scan(&status).Error
	if err != nil {
		t.Fatalf("read entry: %v", err)
	}
	if status != "canceled" {
		t.Fatalf("expected canceled after refund, got %s", status)
	}
}

func TestHandleEventUnknownTypeAcknowledged(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	payload := []byte(`{"id":"evt-x","type":"customer.created","data":{}}`)
	receipt, err := f.svc.HandleEvent(ctx, payload, f.sign(payload))
	if err != nil {
		t.Fatalf("unknown type must be acknowledged, got %v", err)
	}
	if receipt.Handled {
		t.Fatalf("unknown type must not be handled")
	}
}
