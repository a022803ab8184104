// Package domain defines the aggregated-usage inputs handed to the billing
// engine. Aggregation itself happens upstream; these records are read-only
// here.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// AggregatedUsage is the rolled-up usage for one (subscription, metric,
// period) triple. Units carries the aggregation result for unit-priced
// models; ContributingAmountCents carries the per-transaction amounts needed
// by percentage models; PrecomputedAmountCents carries the upstream-priced
// total for custom/dynamic models.
type AggregatedUsage struct {
	SubscriptionID   snowflake.ID
	BillableMetricID snowflake.ID
	MetricCode       string
	PeriodStart      time.Time
	PeriodEnd        time.Time

	Units                   float64
	ContributingAmountCents []int64
	PrecomputedAmountCents  *int64
}
