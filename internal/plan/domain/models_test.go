package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextPeriodEnd(t *testing.T) {
	start := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)

	end, err := NextPeriodEnd(start, IntervalWeekly)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 7, 0, 0, 0, 0, time.UTC), end)

	// AddDate normalizes Jan 31 + 1 month to Mar 3 in a non-leap year and
	// Mar 2 in a leap year; 2026 is not a leap year.
	end, err = NextPeriodEnd(start, IntervalMonthly)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC), end)

	end, err = NextPeriodEnd(start, IntervalQuarterly)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), end)

	end, err = NextPeriodEnd(start, IntervalYearly)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2027, 1, 31, 0, 0, 0, 0, time.UTC), end)

	_, err = NextPeriodEnd(start, BillingInterval("DAILY"))
	assert.ErrorIs(t, err, ErrInvalidInterval)
}

func TestValidInterval(t *testing.T) {
	assert.True(t, ValidInterval(IntervalMonthly))
	assert.False(t, ValidInterval(BillingInterval("DAILY")))
}

func TestValidChargeModel(t *testing.T) {
	assert.True(t, ValidChargeModel(ChargeModelGraduatedPercentage))
	assert.False(t, ValidChargeModel(ChargeModel("FLAT")))
}
