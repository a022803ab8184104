// Package domain contains persistence models for plans and their charges.
package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// ChargeModel selects the pricing algorithm applied to a metric's usage.
// The set is closed; the charge calculator dispatches exhaustively over it.
type ChargeModel string

const (
	ChargeModelStandard            ChargeModel = "STANDARD"
	ChargeModelGraduated           ChargeModel = "GRADUATED"
	ChargeModelVolume              ChargeModel = "VOLUME"
	ChargeModelPackage             ChargeModel = "PACKAGE"
	ChargeModelPercentage          ChargeModel = "PERCENTAGE"
	ChargeModelGraduatedPercentage ChargeModel = "GRADUATED_PERCENTAGE"
	ChargeModelCustom              ChargeModel = "CUSTOM"
	ChargeModelDynamic             ChargeModel = "DYNAMIC"
)

type BillingInterval string

const (
	IntervalWeekly    BillingInterval = "WEEKLY"
	IntervalMonthly   BillingInterval = "MONTHLY"
	IntervalQuarterly BillingInterval = "QUARTERLY"
	IntervalYearly    BillingInterval = "YEARLY"
)

var (
	ErrInvalidInterval    = errors.New("invalid_billing_interval")
	ErrInvalidChargeModel = errors.New("invalid_charge_model")
	ErrInvalidBaseAmount  = errors.New("invalid_base_amount")
	ErrInvalidCurrency    = errors.New("invalid_currency")
	ErrPlanNotFound       = errors.New("plan_not_found")
)

// Plan is a billable offering: a recurring base price plus usage charges.
// Plans are immutable once a subscription bills against them; changes apply
// prospectively through new plan versions.
type Plan struct {
	ID                     snowflake.ID    `gorm:"primaryKey"`
	OrgID                  snowflake.ID    `gorm:"not null;index;uniqueIndex:ux_plan_org_code,priority:1"`
	Code                   string          `gorm:"type:text;not null;uniqueIndex:ux_plan_org_code,priority:2"`
	Name                   string          `gorm:"type:text"`
	BaseAmountCents        int64           `gorm:"not null;default:0"`
	Currency               string          `gorm:"type:text;not null"`
	Interval               BillingInterval `gorm:"type:text;not null"`
	TrialDays              int             `gorm:"not null;default:0"`
	MinimumCommitmentCents *int64          `gorm:""`
	CreatedAt              time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt              time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`

	Charges    []Charge         `gorm:"-"`
	Thresholds []UsageThreshold `gorm:"-"`
}

// TableName sets the database table name.
func (Plan) TableName() string { return "plans" }

// Charge prices one billable metric under one plan. Properties is the
// model-specific configuration blob; its shape is validated against the
// declared charge model before any fee is computed.
type Charge struct {
	ID               snowflake.ID   `gorm:"primaryKey"`
	OrgID            snowflake.ID   `gorm:"not null;index"`
	PlanID           snowflake.ID   `gorm:"not null;index"`
	BillableMetricID snowflake.ID   `gorm:"not null;index"`
	MetricCode       string         `gorm:"type:text;not null"`
	Model            ChargeModel    `gorm:"type:text;not null"`
	Properties       datatypes.JSON `gorm:"type:jsonb;not null"`
	Position         int            `gorm:"not null;default:0"`
	CreatedAt        time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt        time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Charge) TableName() string { return "charges" }

// UsageThreshold marks a cumulative usage-fee amount that, once crossed
// within a period, raises a notification event. Recurring thresholds fire on
// every multiple of the amount.
type UsageThreshold struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	OrgID       snowflake.ID `gorm:"not null;index"`
	PlanID      snowflake.ID `gorm:"not null;index"`
	AmountCents int64        `gorm:"not null"`
	Recurring   bool         `gorm:"not null;default:false"`
	CreatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UsageThreshold) TableName() string { return "usage_thresholds" }

// Validate checks the structural invariants the billing engine relies on
// before pricing anything against the plan.
func (p Plan) Validate() error {
	if p.BaseAmountCents < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidBaseAmount, p.BaseAmountCents)
	}
	if len(p.Currency) != 3 {
		return fmt.Errorf("%w: %q", ErrInvalidCurrency, p.Currency)
	}
	if !ValidInterval(p.Interval) {
		return fmt.Errorf("%w: %q", ErrInvalidInterval, p.Interval)
	}
	for _, charge := range p.Charges {
		if !ValidChargeModel(charge.Model) {
			return fmt.Errorf("%w: %q on metric %s", ErrInvalidChargeModel, charge.Model, charge.MetricCode)
		}
	}
	return nil
}

// ValidInterval reports whether the interval is one of the closed set.
func ValidInterval(interval BillingInterval) bool {
	switch interval {
	case IntervalWeekly, IntervalMonthly, IntervalQuarterly, IntervalYearly:
		return true
	default:
		return false
	}
}

// ValidChargeModel reports whether the model is one of the closed set.
func ValidChargeModel(model ChargeModel) bool {
	switch model {
	case ChargeModelStandard, ChargeModelGraduated, ChargeModelVolume,
		ChargeModelPackage, ChargeModelPercentage, ChargeModelGraduatedPercentage,
		ChargeModelCustom, ChargeModelDynamic:
		return true
	default:
		return false
	}
}

// NextPeriodEnd advances a period start by one billing interval.
func NextPeriodEnd(start time.Time, interval BillingInterval) (time.Time, error) {
	switch interval {
	case IntervalWeekly:
		return start.AddDate(0, 0, 7), nil
	case IntervalMonthly:
		return start.AddDate(0, 1, 0), nil
	case IntervalQuarterly:
		return start.AddDate(0, 3, 0), nil
	case IntervalYearly:
		return start.AddDate(1, 0, 0), nil
	default:
		return time.Time{}, ErrInvalidInterval
	}
}
