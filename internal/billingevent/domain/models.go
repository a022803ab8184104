package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// EventType names the billing facts the engine publishes for downstream
// alerting and webhook delivery.
type EventType string

const (
	EventUsageThresholdCrossed EventType = "usage_threshold.crossed"
	EventTrueUpApplied         EventType = "commitment.true_up_applied"
	EventInvoiceGenerated      EventType = "invoice.generated"
	EventWalletDepleted        EventType = "wallet.depleted"
)

// BillingEvent captures outbox events for billing workflows. Delivery is a
// downstream concern; this table only records that the fact occurred.
type BillingEvent struct {
	ID          snowflake.ID      `gorm:"primaryKey"`
	EventType   EventType         `gorm:"type:text;not null;index"`
	Payload     datatypes.JSONMap `gorm:"type:jsonb;not null"`
	DedupeKey   *string           `gorm:"type:text;uniqueIndex:ux_billing_event_dedupe"`
	Published   bool              `gorm:"not null;default:false"`
	PublishedAt *time.Time        `gorm:""`
	CreatedAt   time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (BillingEvent) TableName() string { return "billing_events" }
