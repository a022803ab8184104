package charge

import (
	"fmt"

	"github.com/tallyhq/tally/internal/money"
	plandomain "github.com/tallyhq/tally/internal/plan/domain"
	usagedomain "github.com/tallyhq/tally/internal/usage/domain"
)

// ComputeFee prices aggregated usage under one charge. Dispatch over the
// charge model is exhaustive; an unknown model is an error, never a zero fee.
// All intermediate math runs on decimals and is rounded half-up once.
func ComputeFee(
	model plandomain.ChargeModel,
	rawProperties []byte,
	usage usagedomain.AggregatedUsage,
	currency string,
) (money.Money, error) {
	props, err := ParseProperties(model, rawProperties)
	if err != nil {
		return money.Money{}, err
	}
	if usage.Units < 0 {
		return money.Money{}, fmt.Errorf("%w: %v units for metric %s", ErrNegativeUnits, usage.Units, usage.MetricCode)
	}

	var cents int64
	switch model {
	case plandomain.ChargeModelStandard:
		cents, err = computeStandard(props, usage.Units)
	case plandomain.ChargeModelGraduated:
		cents, err = computeGraduated(props.Tiers, usage.Units)
	case plandomain.ChargeModelVolume:
		cents, err = computeVolume(props.Tiers, usage.Units)
	case plandomain.ChargeModelPackage:
		cents, err = computePackage(props, usage.Units)
	case plandomain.ChargeModelPercentage:
		cents, err = computePercentage(props, usage.ContributingAmountCents)
	case plandomain.ChargeModelGraduatedPercentage:
		cents, err = computeGraduatedPercentage(props.Tiers, usage.ContributingAmountCents)
	case plandomain.ChargeModelCustom, plandomain.ChargeModelDynamic:
		cents, err = computePrecomputed(props, usage)
	default:
		return money.Money{}, fmt.Errorf("%w: %s", ErrUnknownChargeModel, model)
	}
	if err != nil {
		return money.Money{}, err
	}
	return money.New(cents, currency), nil
}

func computeStandard(props Properties, units float64) (int64, error) {
	billable := units - props.FreeUnits
	if billable <= 0 {
		return 0, nil
	}
	rate, err := money.NewDecimal(props.UnitRate)
	if err != nil {
		return 0, err
	}
	qty, err := money.DecimalFromFloat(billable)
	if err != nil {
		return 0, err
	}
	return qty.Mul(rate).RoundHalfUp()
}

// computeGraduated consumes units tier by tier from the lowest band. Each
// tier contributes consumed*rate plus its flat fee when any units land in it.
func computeGraduated(tiers []Tier, units float64) (int64, error) {
	total := money.DecimalFromInt64(0)
	remaining, err := money.DecimalFromFloat(units)
	if err != nil {
		return 0, err
	}

	for _, tier := range tiers {
		if remaining.IsZero() || remaining.IsNegative() {
			break
		}
		rate, err := money.NewDecimal(tier.Rate)
		if err != nil {
			return 0, err
		}

		consumed := remaining
		if tier.ToValue != nil {
			width, err := money.DecimalFromFloat(*tier.ToValue - tier.FromValue)
			if err != nil {
				return 0, err
			}
			consumed = remaining.Min(width)
		}

		total = total.Add(consumed.Mul(rate))
		total = total.Add(money.DecimalFromInt64(tier.FlatAmountCents))
		remaining = remaining.Sub(consumed)
	}

	if !remaining.IsZero() && !remaining.IsNegative() {
		return 0, fmt.Errorf("%w: %v units above final tier", ErrNoTierCovers, units)
	}
	return total.RoundHalfUp()
}

// computeVolume prices all units at the single tier containing the total.
// Upper bounds are inclusive so the fee is continuous with the graduated
// model at tier boundaries.
func computeVolume(tiers []Tier, units float64) (int64, error) {
	for _, tier := range tiers {
		if units < tier.FromValue {
			continue
		}
		if tier.ToValue != nil && units > *tier.ToValue {
			continue
		}
		rate, err := money.NewDecimal(tier.Rate)
		if err != nil {
			return 0, err
		}
		qty, err := money.DecimalFromFloat(units)
		if err != nil {
			return 0, err
		}
		return qty.Mul(rate).Add(money.DecimalFromInt64(tier.FlatAmountCents)).RoundHalfUp()
	}
	return 0, fmt.Errorf("%w: %v units", ErrNoTierCovers, units)
}

func computePackage(props Properties, units float64) (int64, error) {
	billable := units - props.FreeUnits
	if billable <= 0 {
		return 0, nil
	}
	qty, err := money.DecimalFromFloat(billable)
	if err != nil {
		return 0, err
	}
	size, err := money.DecimalFromFloat(props.PackageSize)
	if err != nil {
		return 0, err
	}
	ratio, err := qty.Div(size)
	if err != nil {
		return 0, err
	}
	packages, err := ratio.Ceil()
	if err != nil {
		return 0, err
	}
	return packages * props.PackageAmountCents, nil
}

// computePercentage prices each contributing transaction as
// amount*rate + fixed fee, clamped to the optional per-transaction floor and
// cap. The per-transaction values stay decimal; rounding happens once on the
// accumulated total.
func computePercentage(props Properties, contributions []int64) (int64, error) {
	rate, err := money.NewDecimal(props.Rate)
	if err != nil {
		return 0, err
	}

	total := money.DecimalFromInt64(0)
	for _, amountCents := range contributions {
		perTxn := money.DecimalFromInt64(amountCents).Mul(rate).
			Add(money.DecimalFromInt64(props.FixedAmountCents))
		if props.PerTransactionMinCents != nil {
			perTxn = perTxn.Max(money.DecimalFromInt64(*props.PerTransactionMinCents))
		}
		if props.PerTransactionMaxCents != nil {
			perTxn = perTxn.Min(money.DecimalFromInt64(*props.PerTransactionMaxCents))
		}
		total = total.Add(perTxn)
	}
	return total.RoundHalfUp()
}

// computeGraduatedPercentage applies graduated mechanics over cumulative
// contributing amount: tier bounds are cents of volume, tier rates are
// percentage multipliers.
func computeGraduatedPercentage(tiers []Tier, contributions []int64) (int64, error) {
	var volumeCents int64
	for _, amountCents := range contributions {
		volumeCents += amountCents
	}

	total := money.DecimalFromInt64(0)
	remaining := money.DecimalFromInt64(volumeCents)

	for _, tier := range tiers {
		if remaining.IsZero() || remaining.IsNegative() {
			break
		}
		rate, err := money.NewDecimal(tier.Rate)
		if err != nil {
			return 0, err
		}

		consumed := remaining
		if tier.ToValue != nil {
			width, err := money.DecimalFromFloat(*tier.ToValue - tier.FromValue)
			if err != nil {
				return 0, err
			}
			consumed = remaining.Min(width)
		}

		total = total.Add(consumed.Mul(rate))
		total = total.Add(money.DecimalFromInt64(tier.FlatAmountCents))
		remaining = remaining.Sub(consumed)
	}

	if !remaining.IsZero() && !remaining.IsNegative() {
		return 0, fmt.Errorf("%w: %d cents of volume above final tier", ErrNoTierCovers, volumeCents)
	}
	return total.RoundHalfUp()
}

// computePrecomputed sums the amount already priced upstream (custom and
// dynamic models) and applies the configured surcharge.
func computePrecomputed(props Properties, usage usagedomain.AggregatedUsage) (int64, error) {
	if usage.PrecomputedAmountCents == nil {
		return 0, fmt.Errorf("%w: metric %s", ErrMissingPrecomputedAmount, usage.MetricCode)
	}
	return *usage.PrecomputedAmountCents + props.SurchargeCents, nil
}
