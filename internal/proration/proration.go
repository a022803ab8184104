// Package proration computes time-weighted billing adjustments for
// mid-period plan changes. Calculations are day-based on UTC calendar days.
package proration

import (
	"errors"
	"fmt"
	"time"

	"github.com/tallyhq/tally/internal/money"
)

var (
	ErrInvalidPeriod           = errors.New("invalid_billing_period")
	ErrEffectiveDateOutOfRange = errors.New("effective_date_out_of_range")
)

// Period is the half-open interval [Start, End) of one billing cycle.
type Period struct {
	Start time.Time
	End   time.Time
}

func (p Period) Validate() error {
	if !p.End.After(p.Start) {
		return fmt.Errorf("%w: [%s, %s)", ErrInvalidPeriod,
			p.Start.Format(time.RFC3339), p.End.Format(time.RFC3339))
	}
	return nil
}

// TotalDays counts whole UTC days covered by the period.
func (p Period) TotalDays() int {
	return daysBetween(p.Start, p.End)
}

// Contains reports whether t falls inside the half-open interval.
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// Split cuts a period at effectiveDate into the old-plan and new-plan
// sub-intervals. The effective date must fall inside the period.
func Split(p Period, effectiveDate time.Time) (old Period, current Period, err error) {
	if err := p.Validate(); err != nil {
		return Period{}, Period{}, err
	}
	if !p.Contains(effectiveDate) {
		return Period{}, Period{}, fmt.Errorf("%w: %s outside [%s, %s)",
			ErrEffectiveDateOutOfRange,
			effectiveDate.Format(time.RFC3339),
			p.Start.Format(time.RFC3339),
			p.End.Format(time.RFC3339))
	}
	old = Period{Start: p.Start, End: effectiveDate}
	current = Period{Start: effectiveDate, End: p.End}
	return old, current, nil
}

// Result is the credit/charge pair produced by a plan change.
type Result struct {
	TotalDays     int
	DaysRemaining int

	// CreditAmount is the unused portion of the old plan already paid.
	CreditAmount money.Money
	// ChargeAmount is the new plan's cost for the remaining days.
	ChargeAmount money.Money
	// NetAmount is ChargeAmount minus CreditAmount. Positive means the
	// customer owes more, negative means the customer is credited.
	NetAmount money.Money
}

// Prorate computes the credit/charge pair for switching from the old plan's
// base amount to the new plan's for the remainder of the period.
//
// When the switch lands on the period's final day (zero whole days remain),
// chargeRemainder selects the policy: false produces a zero result and the
// new plan takes effect on the next cycle; true charges the full new-plan
// base for the remainder.
func Prorate(
	period Period,
	effectiveDate time.Time,
	oldPlanBase money.Money,
	newPlanBase money.Money,
	chargeRemainder bool,
) (Result, error) {
	if err := period.Validate(); err != nil {
		return Result{}, err
	}
	if oldPlanBase.Currency != newPlanBase.Currency {
		return Result{}, fmt.Errorf("%w: %s vs %s", money.ErrCurrencyMismatch,
			oldPlanBase.Currency, newPlanBase.Currency)
	}
	if !period.Contains(effectiveDate) {
		return Result{}, fmt.Errorf("%w: %s outside [%s, %s)",
			ErrEffectiveDateOutOfRange,
			effectiveDate.Format(time.RFC3339),
			period.Start.Format(time.RFC3339),
			period.End.Format(time.RFC3339))
	}

	totalDays := period.TotalDays()
	if totalDays <= 0 {
		return Result{}, fmt.Errorf("%w: zero-day period", ErrInvalidPeriod)
	}
	daysRemaining := daysBetween(effectiveDate, period.End)

	currency := oldPlanBase.Currency
	res := Result{
		TotalDays:     totalDays,
		DaysRemaining: daysRemaining,
		CreditAmount:  money.Zero(currency),
		ChargeAmount:  money.Zero(currency),
		NetAmount:     money.Zero(currency),
	}

	if daysRemaining == 0 {
		if chargeRemainder {
			res.ChargeAmount = newPlanBase
			res.NetAmount = newPlanBase
		}
		return res, nil
	}

	credit, err := weight(oldPlanBase.AmountCents, daysRemaining, totalDays)
	if err != nil {
		return Result{}, err
	}
	charge, err := weight(newPlanBase.AmountCents, daysRemaining, totalDays)
	if err != nil {
		return Result{}, err
	}

	res.CreditAmount = money.New(credit, currency)
	res.ChargeAmount = money.New(charge, currency)
	res.NetAmount = money.New(charge-credit, currency)
	return res, nil
}

// weight computes round(amount * days / totalDays) in decimal form, rounding
// half-up only at the end.
func weight(amountCents int64, days, totalDays int) (int64, error) {
	ratio, err := money.DecimalFromInt64(int64(days)).
		Div(money.DecimalFromInt64(int64(totalDays)))
	if err != nil {
		return 0, err
	}
	return money.DecimalFromInt64(amountCents).Mul(ratio).RoundHalfUp()
}

// daysBetween counts whole UTC days from a to b, truncating both to
// midnight first so intra-day timestamps do not shift the count.
func daysBetween(a, b time.Time) int {
	a = a.UTC().Truncate(24 * time.Hour)
	b = b.UTC().Truncate(24 * time.Hour)
	return int(b.Sub(a).Hours() / 24)
}
