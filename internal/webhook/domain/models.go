package domain

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

var (
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrInvalidPayload   = errors.New("invalid_payload")
	ErrInvalidEvent     = errors.New("invalid_event")
)

const (
	EventTypeInvoicePaid     = "invoice.paid"
	EventTypeInvoiceRefunded = "invoice.refunded"
)

// EventRecord journals every accepted delivery. The unique event id makes
// redeliveries visible without relying on the downstream idempotency gates.
type EventRecord struct {
	ID          snowflake.ID   `gorm:"column:id;primaryKey" json:"id"`
	EventID     string         `gorm:"column:event_id" json:"event_id"`
	EventType   string         `gorm:"column:event_type" json:"event_type"`
	Payload     datatypes.JSON `gorm:"column:payload" json:"payload"`
	ReceivedAt  time.Time      `gorm:"column:received_at" json:"received_at"`
	ProcessedAt *time.Time     `gorm:"column:processed_at" json:"processed_at,omitempty"`
}

func (EventRecord) TableName() string { return "webhook_events" }

// Receipt is the success-shaped response for a delivery: duplicates and
// dropped events acknowledge with Handled=false so the gateway stops
// redelivering.
type Receipt struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	Handled   bool   `json:"handled"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Dropped   string `json:"dropped,omitempty"`
}

type Service interface {
	// HandleEvent verifies, journals, and dispatches one gateway delivery.
	HandleEvent(ctx context.Context, payload []byte, headers http.Header) (*Receipt, error)
}
