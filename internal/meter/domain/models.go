// Package domain contains persistence models for billable metrics.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// AggregationKind determines how raw events roll up into a usage total.
type AggregationKind string

const (
	AggregationCount       AggregationKind = "COUNT"
	AggregationSum         AggregationKind = "SUM"
	AggregationMax         AggregationKind = "MAX"
	AggregationUniqueCount AggregationKind = "UNIQUE_COUNT"
	AggregationLatest      AggregationKind = "LATEST"
)

var (
	ErrInvalidCode        = errors.New("invalid_metric_code")
	ErrInvalidAggregation = errors.New("invalid_aggregation_kind")
	ErrMissingFieldName   = errors.New("missing_field_name")
)

// BillableMetric describes one measurable dimension of usage. A metric is
// immutable once a charge with recorded usage references it.
type BillableMetric struct {
	ID          snowflake.ID      `gorm:"primaryKey"`
	OrgID       snowflake.ID      `gorm:"not null;index;uniqueIndex:ux_metric_org_code,priority:1"`
	Code        string            `gorm:"type:text;not null;uniqueIndex:ux_metric_org_code,priority:2"`
	Name        string            `gorm:"type:text"`
	Aggregation AggregationKind   `gorm:"type:text;not null"`
	FieldName   *string           `gorm:"type:text"`
	Filters     datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt   time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt   time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (BillableMetric) TableName() string { return "billable_metrics" }

// Validate checks structural invariants before a metric is referenced.
func (m BillableMetric) Validate() error {
	if m.Code == "" {
		return ErrInvalidCode
	}
	switch m.Aggregation {
	case AggregationCount:
	case AggregationSum, AggregationMax, AggregationUniqueCount, AggregationLatest:
		// These aggregations read a value out of each event.
		if m.FieldName == nil || *m.FieldName == "" {
			return ErrMissingFieldName
		}
	default:
		return ErrInvalidAggregation
	}
	return nil
}
