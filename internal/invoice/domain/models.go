// Package domain contains persistence models for invoicing.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

var (
	ErrInvoiceNotFound       = errors.New("invoice_not_found")
	ErrInvoiceNotDraft       = errors.New("invoice_not_draft")
	ErrInvoiceNotFinalized   = errors.New("invoice_not_finalized")
	ErrPeriodAlreadyInvoiced = errors.New("period_already_invoiced")
)

// InvoiceStatus represents invoice lifecycle states.
type InvoiceStatus string

const (
	InvoiceStatusDraft     InvoiceStatus = "DRAFT"
	InvoiceStatusFinalized InvoiceStatus = "FINALIZED"
	InvoiceStatusPaid      InvoiceStatus = "PAID"
	InvoiceStatusVoided    InvoiceStatus = "VOIDED"
)

// FeeType classifies an invoice line item.
type FeeType string

const (
	FeeTypeCharge       FeeType = "charge"
	FeeTypeSubscription FeeType = "subscription"
	FeeTypeAddOn        FeeType = "add_on"
	FeeTypeCredit       FeeType = "credit"
	FeeTypeCommitment   FeeType = "commitment"
)

// Invoice represents one billing period's collected fees and totals.
// Exactly one invoice exists per (subscription, period start); once
// finalized its fees are frozen and corrections become credit-note fees.
type Invoice struct {
	ID             snowflake.ID  `gorm:"primaryKey"`
	SubscriptionID snowflake.ID  `gorm:"not null;index;uniqueIndex:ux_invoice_sub_period,priority:1"`
	CustomerID     snowflake.ID  `gorm:"not null;index"`
	Status         InvoiceStatus `gorm:"type:text;not null;default:'DRAFT'"`
	Currency       string        `gorm:"type:text;not null"`

	PeriodStart time.Time `gorm:"not null;uniqueIndex:ux_invoice_sub_period,priority:2"`
	PeriodEnd   time.Time `gorm:"not null"`

	// FeesAmountCents + TaxAmountCents - CreditsAppliedCents = TotalCents.
	FeesAmountCents     int64 `gorm:"not null;default:0"`
	TaxAmountCents      int64 `gorm:"not null;default:0"`
	CreditsAppliedCents int64 `gorm:"not null;default:0"`
	TotalCents          int64 `gorm:"not null;default:0"`

	IssuedAt    *time.Time
	FinalizedAt *time.Time
	PaidAt      *time.Time
	VoidedAt    *time.Time

	Metadata  datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`

	Fees []Fee `gorm:"-"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }

// Fee is one priced line item on an invoice.
type Fee struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	InvoiceID snowflake.ID `gorm:"not null;index"`
	Type      FeeType      `gorm:"type:text;not null"`

	// ChargeID and CommitmentCents reference the originating charge or
	// commitment when applicable.
	ChargeID   *snowflake.ID `gorm:"index"`
	MetricCode *string       `gorm:"type:text"`

	Description string `gorm:"type:text"`
	Units       float64

	AmountCents int64  `gorm:"not null"`
	TaxCents    int64  `gorm:"not null;default:0"`
	TotalCents  int64  `gorm:"not null"`
	Currency    string `gorm:"type:text;not null"`

	// PeriodStart/PeriodEnd are the sub-interval this fee covers; they
	// differ from the invoice period when a plan change split it.
	PeriodStart time.Time `gorm:"not null"`
	PeriodEnd   time.Time `gorm:"not null"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Fee) TableName() string { return "fees" }
