package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBillableMetricValidate(t *testing.T) {
	field := "amount"

	assert.NoError(t, BillableMetric{Code: "api_calls", Aggregation: AggregationCount}.Validate())
	assert.NoError(t, BillableMetric{Code: "txn_amount", Aggregation: AggregationSum, FieldName: &field}.Validate())

	assert.ErrorIs(t, BillableMetric{Aggregation: AggregationCount}.Validate(), ErrInvalidCode)
	assert.ErrorIs(t, BillableMetric{Code: "x", Aggregation: AggregationSum}.Validate(), ErrMissingFieldName)
	assert.ErrorIs(t, BillableMetric{Code: "x", Aggregation: AggregationKind("AVG")}.Validate(), ErrInvalidAggregation)
}
