package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	commissiondomain "github.com/smallbiznis/commissary/internal/commission/domain"
	"github.com/smallbiznis/commissary/internal/clock"
	"github.com/smallbiznis/commissary/internal/config"
	"github.com/smallbiznis/commissary/internal/observability/metrics"
	refunddomain "github.com/smallbiznis/commissary/internal/refund/domain"
	"github.com/smallbiznis/commissary/internal/webhook/domain"
	"github.com/smallbiznis/commissary/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// signatureTolerance bounds how stale a signed timestamp may be.
const signatureTolerance = 5 * time.Minute

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Config      *config.Config
	Commissions commissiondomain.Service
	Refunds     refunddomain.Service
	Metrics     *metrics.Metrics `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	secret      string
	commissions commissiondomain.Service
	refunds     refunddomain.Service
	metrics     *metrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("webhook.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		secret:      strings.TrimSpace(p.Config.WebhookSecret),
		commissions: p.Commissions,
		refunds:     p.Refunds,
		metrics:     p.Metrics,
	}
}

type eventEnvelope struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// HandleEvent verifies the delivery, journals it, and routes it. At-least-once
// delivery means duplicates are normal traffic here: they are acknowledged as
// success so the gateway stops retrying, never surfaced as errors.
func (s *Service) HandleEvent(ctx context.Context, payload []byte, headers http.Header) (*domain.Receipt, error) {
	if err := s.verify(payload, headers); err != nil {
		return nil, err
	}

	var envelope eventEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	eventID := strings.TrimSpace(envelope.ID)
	eventType := strings.TrimSpace(envelope.Type)
	if eventID == "" || eventType == "" {
		return nil, domain.ErrInvalidEvent
	}

	receipt := &domain.Receipt{EventID: eventID, EventType: eventType}

	state, err := s.journal(ctx, eventID, eventType, payload)
	if err != nil {
		return nil, err
	}
	switch state {
	case journalDuplicateProcessed:
		receipt.Duplicate = true
		s.metrics.RecordDuplicateEvent(ctx, "webhook")
		s.log.Info("duplicate webhook delivery acknowledged", zap.String("event_id", eventID))
		return receipt, nil
	case journalDuplicateUnrouted:
		// The journal row exists but routing never finished: the previous
		// delivery died downstream. Route again; the ledger gates make a
		// second pass harmless.
		s.log.Info("redelivery of unfinished webhook event re-routed", zap.String("event_id", eventID))
	}

	switch eventType {
	case domain.EventTypeInvoicePaid:
		err = s.handleInvoicePaid(ctx, envelope, receipt)
	case domain.EventTypeInvoiceRefunded:
		err = s.handleInvoiceRefunded(ctx, envelope, receipt)
	default:
		// Unknown types are journaled and acknowledged; the gateway sends
		// the full event catalogue regardless of what we subscribe to.
		s.log.Debug("webhook event ignored", zap.String("event_type", eventType))
	}
	if err != nil {
		return nil, err
	}

	if err := s.markProcessed(ctx, eventID); err != nil {
		s.log.Warn("failed to stamp webhook event processed",
			zap.String("event_id", eventID),
			zap.Error(err),
		)
	}
	return receipt, nil
}

func (s *Service) handleInvoicePaid(ctx context.Context, envelope eventEnvelope, receipt *domain.Receipt) error {
	var ev commissiondomain.InvoicePaidEvent
	if err := json.Unmarshal(envelope.Data, &ev); err != nil {
		return domain.ErrInvalidPayload
	}
	ev.EventID = envelope.ID

	result, err := s.commissions.Accrue(ctx, ev)
	switch {
	case err == nil:
		receipt.Handled = result.Accrued
		receipt.Duplicate = result.Duplicate
		return nil
	case errors.Is(err, commissiondomain.ErrSelfReferral):
		// Permanent condition: acknowledging stops the redelivery loop.
		receipt.Dropped = "self_referral"
		return nil
	case errors.Is(err, commissiondomain.ErrUnknownAffiliate):
		// Orphaned event; logged and dropped, never retried.
		s.log.Warn("invoice paid for unknown affiliate dropped",
			zap.String("invoice_id", ev.InvoiceID),
			zap.String("user_id", ev.AffiliateUserID),
		)
		receipt.Dropped = "unknown_affiliate"
		return nil
	default:
		return err
	}
}

func (s *Service) handleInvoiceRefunded(ctx context.Context, envelope eventEnvelope, receipt *domain.Receipt) error {
	var ev refunddomain.InvoiceRefundedEvent
	if err := json.Unmarshal(envelope.Data, &ev); err != nil {
		return domain.ErrInvalidPayload
	}
	ev.EventID = envelope.ID

	result, err := s.refunds.ProcessRefund(ctx, ev)
	if err != nil {
		return err
	}
	switch result.Outcome {
	case refunddomain.OutcomeApplied:
		receipt.Handled = true
	case refunddomain.OutcomeDuplicate, refunddomain.OutcomeLostRace:
		receipt.Duplicate = true
	case refunddomain.OutcomeUnknownInvoice:
		receipt.Dropped = "unknown_invoice"
	}
	return nil
}

type journalState int

const (
	journalInserted journalState = iota
	journalDuplicateProcessed
	journalDuplicateUnrouted
)

// journal records the delivery once. The processed_at stamp is what makes a
// later delivery of the same event id safe to drop: a conflict without the
// stamp means routing never finished and the event must go through again.
func (s *Service) journal(ctx context.Context, eventID, eventType string, payload []byte) (journalState, error) {
	record := &domain.EventRecord{
		ID:         s.genID.Generate(),
		EventID:    eventID,
		EventType:  eventType,
		Payload:    datatypes.JSON(payload),
		ReceivedAt: s.clock.Now(),
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "event_id"}}, DoNothing: true}).
		Create(record)
	if res.Error != nil && !db.IsDuplicateKeyErr(res.Error) {
		return 0, res.Error
	}
	if res.Error == nil && res.RowsAffected > 0 {
		return journalInserted, nil
	}

	var existing domain.EventRecord
	if err := s.db.WithContext(ctx).Where("event_id = ?", eventID).Take(&existing).Error; err != nil {
		return 0, err
	}
	if existing.ProcessedAt == nil {
		return journalDuplicateUnrouted, nil
	}
	return journalDuplicateProcessed, nil
}

func (s *Service) markProcessed(ctx context.Context, eventID string) error {
	return s.db.WithContext(ctx).Exec(
		`UPDATE webhook_events SET processed_at = ? WHERE event_id = ?`,
		s.clock.Now(), eventID,
	).Error
}

// verify checks the HMAC signature header, shaped "t=<unix>,v1=<hex>", over
// "<t>.<body>". Comparing against every v1 value tolerates secret rotation.
func (s *Service) verify(payload []byte, headers http.Header) error {
	if s.secret == "" {
		return nil
	}
	sigHeader := strings.TrimSpace(headers.Get("X-Commissary-Signature"))
	if sigHeader == "" {
		return domain.ErrInvalidSignature
	}

	var (
		timestamp  string
		signatures []string
	)
	for _, part := range strings.Split(sigHeader, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			timestamp = kv[1]
		case "v1":
			signatures = append(signatures, kv[1])
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return domain.ErrInvalidSignature
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return domain.ErrInvalidSignature
	}
	if age := s.clock.Now().Sub(time.Unix(ts, 0)); age > signatureTolerance || age < -signatureTolerance {
		return domain.ErrInvalidSignature
	}

	signed := fmt.Sprintf("%s.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(s.secret))
	_, _ = mac.Write([]byte(signed))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}
	return domain.ErrInvalidSignature
}
