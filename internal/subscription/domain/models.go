// Package domain contains persistence models for subscriptions.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

var (
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
	ErrInvalidSubscription  = errors.New("invalid_subscription")
	ErrInvalidTargetStatus  = errors.New("invalid_target_status")
	ErrInvalidTransition    = errors.New("invalid_status_transition")
	ErrInvalidPlan          = errors.New("invalid_plan")
	ErrNotActive            = errors.New("subscription_not_active")
	ErrSamePlan             = errors.New("plan_change_to_same_plan")
)

// SubscriptionStatus represents lifecycle states for a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusPending    SubscriptionStatus = "PENDING"
	SubscriptionStatusActive     SubscriptionStatus = "ACTIVE"
	SubscriptionStatusPaused     SubscriptionStatus = "PAUSED"
	SubscriptionStatusCanceled   SubscriptionStatus = "CANCELED"
	SubscriptionStatusTerminated SubscriptionStatus = "TERMINATED"
)

// BillingTime selects how period boundaries are anchored.
type BillingTime string

const (
	// BillingTimeAnniversary anchors periods to the subscription start date.
	BillingTimeAnniversary BillingTime = "ANNIVERSARY"
	// BillingTimeCalendar anchors periods to calendar boundaries.
	BillingTimeCalendar BillingTime = "CALENDAR"
)

// Subscription captures a customer's billing agreement with one plan.
type Subscription struct {
	ID         snowflake.ID       `gorm:"primaryKey"`
	CustomerID snowflake.ID       `gorm:"not null;index"`
	PlanID     snowflake.ID       `gorm:"not null;index"`
	Status     SubscriptionStatus `gorm:"type:text;not null"`

	// PreviousPlanID and DowngradedAt are set when a plan change is
	// recorded; the change applies from DowngradedAt within the period
	// containing it.
	PreviousPlanID *snowflake.ID `gorm:"index"`
	DowngradedAt   *time.Time

	PayInAdvance bool        `gorm:"not null;default:false"`
	BillingTime  BillingTime `gorm:"type:text;not null;default:'ANNIVERSARY'"`

	StartAt      time.Time `gorm:"not null"`
	TrialEndsAt  *time.Time
	ActivatedAt  *time.Time
	PausedAt     *time.Time
	ResumedAt    *time.Time
	CanceledAt   *time.Time
	TerminatedAt *time.Time

	Metadata  datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// InTrial reports whether the subscription is still inside its trial at t.
func (s Subscription) InTrial(t time.Time) bool {
	return s.TrialEndsAt != nil && t.Before(*s.TrialEndsAt)
}

// PlanChangedWithin reports whether a recorded plan change falls inside
// [start, end).
func (s Subscription) PlanChangedWithin(start, end time.Time) bool {
	if s.PreviousPlanID == nil || s.DowngradedAt == nil {
		return false
	}
	return !s.DowngradedAt.Before(start) && s.DowngradedAt.Before(end)
}
