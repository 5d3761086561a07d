package e2e

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	affiliaterepo "github.com/smallbiznis/commissary/internal/affiliate/repository"
	affiliateservice "github.com/smallbiznis/commissary/internal/affiliate/service"
	"github.com/smallbiznis/commissary/internal/claim"
	"github.com/smallbiznis/commissary/internal/clock"
	commissionrepo "github.com/smallbiznis/commissary/internal/commission/repository"
	commissionservice "github.com/smallbiznis/commissary/internal/commission/service"
	"github.com/smallbiznis/commissary/internal/config"
	payoutdomain "github.com/smallbiznis/commissary/internal/payout/domain"
	payoutrepo "github.com/smallbiznis/commissary/internal/payout/repository"
	payoutservice "github.com/smallbiznis/commissary/internal/payout/service"
	refundrepo "github.com/smallbiznis/commissary/internal/refund/repository"
	refundservice "github.com/smallbiznis/commissary/internal/refund/service"
	"github.com/smallbiznis/commissary/internal/scheduler"
	"github.com/smallbiznis/commissary/internal/server"
	webhookservice "github.com/smallbiznis/commissary/internal/webhook/service"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const webhookSecret = "whsec_e2e"

var schema = []string{
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
	`CREATE TABLE payout_requests (
		id BIGINT PRIMARY KEY,
		account_id BIGINT NOT NULL,
		currency TEXT NOT NULL,
		amount_cents BIGINT NOT NULL,
		idempotency_key TEXT NOT NULL,
		transfer_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		failure_reason TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_payout_requests_key ON payout_requests(idempotency_key)`,
}

type fakeGateway struct {
	transferSeq int
	keys        []string
}

func (g *fakeGateway) CreateTransfer(ctx context.Context, req payoutdomain.TransferRequest) (*payoutdomain.TransferResult, error) {
	g.keys = append(g.keys, req.IdempotencyKey)
	g.transferSeq++
	return &payoutdomain.TransferResult{TransferID: fmt.Sprintf("tr_%d", g.transferSeq)}, nil
}

func (g *fakeGateway) GetPayoutDestinationStatus(ctx context.Context, destinationID string) (*payoutdomain.DestinationStatus, error) {
	return &payoutdomain.DestinationStatus{Verified: true}, nil
}

type env struct {
	db      *gorm.DB
	fc      *clock.FakeClock
	gateway *fakeGateway
	http    *httptest.Server
}

func setupEnv(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	stripForUpdate := func(d *gorm.DB) {
		sql := d.Statement.SQL.String()
		if strings.Contains(sql, "FOR UPDATE") {
			newSQL := strings.ReplaceAll(sql, "FOR UPDATE SKIP LOCKED", "")
			newSQL = strings.ReplaceAll(newSQL, "FOR UPDATE", "")
			d.Statement.SQL.Reset()
			d.Statement.SQL.WriteString(newSQL)
		}
	}
	db.Callback().Query().Before("gorm:query").Register("sqlite_skip_locked", stripForUpdate)
	db.Callback().Row().Before("gorm:row").Register("sqlite_skip_locked_row", stripForUpdate)
	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}

	node, err := snowflake.NewNode(7)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	log := zap.NewNop()
	fc := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	policy := config.NewStaticPolicyHolder(config.DefaultCommissionPolicy())
	gateway := &fakeGateway{}

	affiliateRepo := affiliaterepo.Provide()
	affiliateSvc := affiliateservice.NewService(affiliateservice.Params{
		DB: db, Log: log, GenID: node, Clock: fc, Repo: affiliateRepo, Policy: policy,
	})
	commissionSvc := commissionservice.NewService(commissionservice.Params{
		DB: db, Log: log, GenID: node, Clock: fc,
		Repo:   commissionrepo.Provide(db),
		Gate:   claim.NewGate(claim.Params{DB: db, Log: log, Clock: fc}),
		Affil:  affiliateRepo,
		Policy: policy,
	})
	refundSvc := refundservice.NewService(refundservice.Params{
		DB: db, Log: log, GenID: node, Clock: fc,
		Repo:     refundrepo.Provide(db),
		Entries:  commissionrepo.Provide(db),
		Balances: affiliateRepo,
	})
	payoutSvc := payoutservice.NewService(payoutservice.Params{
		DB: db, Log: log, GenID: node, Clock: fc,
		Repo:     payoutrepo.Provide(db),
		Gateway:  gateway,
		Accounts: affiliateRepo,
		Policy:   policy,
	})
	webhookSvc := webhookservice.NewService(webhookservice.Params{
		DB: db, Log: log, GenID: node, Clock: fc,
		Config:      &config.Config{WebhookSecret: webhookSecret},
		Commissions: commissionSvc,
		Refunds:     refundSvc,
	})
	sched, err := scheduler.New(scheduler.Params{
		DB: db, Log: log, GenID: node, Clock: fc,
		Balances: affiliateRepo,
		Config:   scheduler.Config{BatchSize: 100, ClaimSweepThreshold: time.Hour},
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	engine := server.NewEngine(log)
	server.NewServer(server.ServerParams{
		Gin:           engine,
		AffiliateSvc:  affiliateSvc,
		CommissionSvc: commissionSvc,
		PayoutSvc:     payoutSvc,
		WebhookSvc:    webhookSvc,
		Scheduler:     sched,
	})

	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)
	return &env{db: db, fc: fc, gateway: gateway, http: srv}
}

func (e *env) postJSON(t *testing.T, path string, body any) (int, map[string]any) {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(e.http.URL+path, "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return decode(t, resp)
}

func (e *env) getJSON(t *testing.T, path string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(e.http.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return decode(t, resp)
}

// deliver posts a signed gateway event the way the payment provider would.
func (e *env) deliver(t *testing.T, payload string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.http.URL+"/v1/webhooks/payments", strings.NewReader(payload))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	ts := strconv.FormatInt(e.fc.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	mac.Write([]byte(ts + "." + payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Commissary-Signature", fmt.Sprintf("t=%s,v1=%s", ts, hex.EncodeToString(mac.Sum(nil))))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("deliver webhook: %v", err)
	}
	return decode(t, resp)
}

func decode(t *testing.T, resp *http.Response) (int, map[string]any) {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp.StatusCode, body
}

// Full commission lifecycle over the HTTP surface: accrue from a signed
// invoice.paid delivery, mature after the hold period, pay out, then absorb a
// full refund of the already-paid invoice as debt.
func TestCommissionLifecycle(t *testing.T) {
	e := setupEnv(t)

	code, _ := e.postJSON(t, "/v1/admin/affiliates", map[string]any{
		"user_id":           "aff-1",
		"payout_account_id": "dest-1",
	})
	if code != http.StatusCreated {
		t.Fatalf("register affiliate: status %d", code)
	}

	code, receipt := e.deliver(t, `{
		"id": "evt-1",
		"type": "invoice.paid",
		"data": {
			"invoice_id": "inv-100",
			"affiliate_user_id": "aff-1",
			"buyer_user_id": "buyer-1",
			"currency": "usd",
			"paid_cents": 60000
		}
	}`)
	if code != http.StatusOK || receipt["handled"] != true {
		t.Fatalf("invoice.paid delivery: status %d, receipt %v", code, receipt)
	}

	// Still in the hold period: nothing spendable yet.
	code, body := e.getJSON(t, "/v1/admin/affiliates/aff-1/balance?currency=usd")
	if code != http.StatusOK || body["balance_cents"].(float64) != 0 {
		t.Fatalf("balance during hold: status %d, body %v", code, body)
	}

	e.fc.Advance(8 * 24 * time.Hour)
	code, matured := e.postJSON(t, "/v1/admin/maturation/run", nil)
	if code != http.StatusOK || matured["matured_entries"].(float64) != 1 {
		t.Fatalf("maturation: status %d, body %v", code, matured)
	}

	_, body = e.getJSON(t, "/v1/admin/affiliates/aff-1/balance?currency=usd")
	if body["balance_cents"].(float64) != 6000 {
		t.Fatalf("balance after maturation: %v", body)
	}

	code, payout := e.postJSON(t, "/v1/admin/affiliates/aff-1/payouts", map[string]any{"currency": "usd"})
	if code != http.StatusOK {
		t.Fatalf("payout: status %d, body %v", code, payout)
	}
	if payout["status"] != "paid" || payout["amount_cents"].(float64) != 6000 {
		t.Fatalf("unexpected payout: %v", payout)
	}
	if payout["transfer_id"] != "tr_1" {
		t.Fatalf("unexpected transfer id: %v", payout["transfer_id"])
	}

	_, body = e.getJSON(t, "/v1/admin/affiliates/aff-1/balance?currency=usd")
	if body["balance_cents"].(float64) != 0 {
		t.Fatalf("balance after payout: %v", body)
	}

	// Full refund of the already-paid invoice: the commission cannot be
	// clawed back from the ledger, so it becomes debt.
	code, receipt = e.deliver(t, `{
		"id": "evt-2",
		"type": "invoice.refunded",
		"data": {
			"invoice_id": "inv-100",
			"refunded_paid_cents_total": 60000
		}
	}`)
	if code != http.StatusOK || receipt["handled"] != true {
		t.Fatalf("refund delivery: status %d, receipt %v", code, receipt)
	}

	_, body = e.getJSON(t, "/v1/admin/affiliates/aff-1/summary")
	currencies := body["currencies"].([]any)
	if len(currencies) != 1 {
		t.Fatalf("expected one currency bucket, got %v", body)
	}
	usd := currencies[0].(map[string]any)
	if usd["balance_cents"].(float64) != 0 || usd["debt_cents"].(float64) != 6000 {
		t.Fatalf("expected 0 balance and 6000 debt, got %v", usd)
	}

	// Redelivering both events must change nothing.
	_, receipt = e.deliver(t, `{
		"id": "evt-1",
		"type": "invoice.paid",
		"data": {
			"invoice_id": "inv-100",
			"affiliate_user_id": "aff-1",
			"currency": "usd",
			"paid_cents": 60000
		}
	}`)
	if receipt["duplicate"] != true {
		t.Fatalf("expected duplicate receipt, got %v", receipt)
	}
	_, receipt = e.deliver(t, `{
		"id": "evt-2",
		"type": "invoice.refunded",
		"data": {
			"invoice_id": "inv-100",
			"refunded_paid_cents_total": 60000
		}
	}`)
	if receipt["duplicate"] != true {
		t.Fatalf("expected duplicate refund receipt, got %v", receipt)
	}

	// The cached balance still matches a replay of the entry log.
	_, body = e.getJSON(t, "/v1/admin/affiliates/aff-1/balance?currency=usd")
	if body["balance_cents"].(float64) != 0 {
		t.Fatalf("balance after redelivery: %v", body)
	}
	code, body = e.postJSON(t, "/v1/admin/affiliates/aff-1/balance/replay?currency=usd", nil)
	if code != http.StatusOK || body["replayed_cents"].(float64) != 0 {
		t.Fatalf("replay: status %d, body %v", code, body)
	}

	if len(e.gateway.keys) != 1 {
		t.Fatalf("expected exactly one transfer, saw keys %v", e.gateway.keys)
	}
}

func TestWebhookRejectsUnsignedDelivery(t *testing.T) {
	e := setupEnv(t)

	resp, err := http.Post(e.http.URL+"/v1/webhooks/payments", "application/json",
		strings.NewReader(`{"id":"evt-1","type":"invoice.paid","data":{}}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestPayoutBelowMinimumOverHTTP(t *testing.T) {
	e := setupEnv(t)

	code, _ := e.postJSON(t, "/v1/admin/affiliates", map[string]any{
		"user_id":           "aff-1",
		"payout_account_id": "dest-1",
	})
	if code != http.StatusCreated {
		t.Fatalf("register affiliate: status %d", code)
	}
	e.deliver(t, `{
		"id": "evt-1",
		"type": "invoice.paid",
		"data": {
			"invoice_id": "inv-1",
			"affiliate_user_id": "aff-1",
			"currency": "usd",
			"paid_cents": 10000
		}
	}`)
	e.fc.Advance(8 * 24 * time.Hour)
	e.postJSON(t, "/v1/admin/maturation/run", nil)

	code, body := e.postJSON(t, "/v1/admin/affiliates/aff-1/payouts", map[string]any{"currency": "usd"})
	if code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %v", code, body)
	}
	payload := body["error"].(map[string]any)
	if payload["shortfall_cents"].(float64) != 4000 {
		t.Fatalf("expected shortfall 4000, got %v", body)
	}
}
