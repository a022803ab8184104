// Package charge computes fee amounts from charge-model configuration and
// aggregated usage. Calculators here are pure: no clocks, no storage, no
// knowledge of subscriptions.
package charge

import (
	"encoding/json"
	"errors"
	"fmt"

	plandomain "github.com/tallyhq/tally/internal/plan/domain"
	"github.com/tallyhq/tally/internal/money"
)

var (
	ErrInvalidProperties        = errors.New("invalid_charge_properties")
	ErrTierGap                  = errors.New("charge_tier_gap")
	ErrNoTierCovers             = errors.New("no_tier_covers_usage")
	ErrMissingPrecomputedAmount = errors.New("missing_precomputed_amount")
	ErrNegativeUnits            = errors.New("negative_usage_units")
	ErrUnknownChargeModel       = errors.New("unknown_charge_model")
)

// Tier is one pricing band. For unit-keyed models (graduated, volume) the
// bounds are unit counts; for graduated_percentage they are cumulative
// contributing amounts in cents. ToValue nil means unbounded.
type Tier struct {
	FromValue       float64  `json:"from_value"`
	ToValue         *float64 `json:"to_value"`
	Rate            string   `json:"rate"`
	FlatAmountCents int64    `json:"flat_amount_cents"`
}

// Properties is the union of model-specific configuration. ParseProperties
// rejects any shape that is not structurally valid for the declared model;
// an invalid shape is a hard input error, never a silent default.
type Properties struct {
	// standard
	UnitRate  string  `json:"unit_rate"`
	FreeUnits float64 `json:"free_units"`

	// graduated / volume / graduated_percentage
	Tiers []Tier `json:"tiers"`

	// package
	PackageSize        float64 `json:"package_size"`
	PackageAmountCents int64   `json:"package_amount_cents"`

	// percentage / graduated_percentage. Rate is a decimal multiplier
	// ("0.015" bills 1.5% of the contributing amount).
	Rate                   string `json:"rate"`
	FixedAmountCents       int64  `json:"fixed_amount_cents"`
	PerTransactionMinCents *int64 `json:"per_transaction_min_cents"`
	PerTransactionMaxCents *int64 `json:"per_transaction_max_cents"`

	// custom / dynamic
	SurchargeCents int64 `json:"surcharge_cents"`
}

// ParseProperties decodes and validates raw charge properties for the given
// model.
func ParseProperties(model plandomain.ChargeModel, raw []byte) (Properties, error) {
	var props Properties
	if len(raw) == 0 {
		return Properties{}, fmt.Errorf("%w: empty properties for model %s", ErrInvalidProperties, model)
	}
	if err := json.Unmarshal(raw, &props); err != nil {
		return Properties{}, fmt.Errorf("%w: %v", ErrInvalidProperties, err)
	}
	if err := props.validate(model); err != nil {
		return Properties{}, err
	}
	return props, nil
}

func (p Properties) validate(model plandomain.ChargeModel) error {
	switch model {
	case plandomain.ChargeModelStandard:
		if _, err := money.NewDecimal(p.UnitRate); err != nil {
			return fmt.Errorf("%w: standard unit_rate: %v", ErrInvalidProperties, err)
		}
		if p.FreeUnits < 0 {
			return fmt.Errorf("%w: negative free_units", ErrInvalidProperties)
		}
		return nil

	case plandomain.ChargeModelGraduated, plandomain.ChargeModelVolume:
		return validateTiers(p.Tiers)

	case plandomain.ChargeModelPackage:
		if p.PackageSize <= 0 {
			return fmt.Errorf("%w: package_size must be positive", ErrInvalidProperties)
		}
		if p.PackageAmountCents < 0 {
			return fmt.Errorf("%w: negative package_amount_cents", ErrInvalidProperties)
		}
		if p.FreeUnits < 0 {
			return fmt.Errorf("%w: negative free_units", ErrInvalidProperties)
		}
		return nil

	case plandomain.ChargeModelPercentage:
		if _, err := money.NewDecimal(p.Rate); err != nil {
			return fmt.Errorf("%w: percentage rate: %v", ErrInvalidProperties, err)
		}
		if p.PerTransactionMinCents != nil && p.PerTransactionMaxCents != nil &&
			*p.PerTransactionMinCents > *p.PerTransactionMaxCents {
			return fmt.Errorf("%w: per-transaction floor above cap", ErrInvalidProperties)
		}
		return nil

	case plandomain.ChargeModelGraduatedPercentage:
		return validateTiers(p.Tiers)

	case plandomain.ChargeModelCustom, plandomain.ChargeModelDynamic:
		if p.SurchargeCents < 0 {
			return fmt.Errorf("%w: negative surcharge_cents", ErrInvalidProperties)
		}
		return nil

	default:
		return fmt.Errorf("%w: %s", ErrUnknownChargeModel, model)
	}
}

// validateTiers enforces ordered, contiguous coverage from zero with no
// gaps. A hole in tier configuration must never silently produce free usage.
func validateTiers(tiers []Tier) error {
	if len(tiers) == 0 {
		return fmt.Errorf("%w: no tiers configured", ErrInvalidProperties)
	}
	if tiers[0].FromValue != 0 {
		return fmt.Errorf("%w: first tier starts at %v, want 0", ErrTierGap, tiers[0].FromValue)
	}
	for i, tier := range tiers {
		if _, err := money.NewDecimal(tier.Rate); err != nil {
			return fmt.Errorf("%w: tier %d rate: %v", ErrInvalidProperties, i, err)
		}
		if tier.FlatAmountCents < 0 {
			return fmt.Errorf("%w: tier %d negative flat_amount_cents", ErrInvalidProperties, i)
		}
		last := i == len(tiers)-1
		if tier.ToValue == nil {
			if !last {
				return fmt.Errorf("%w: unbounded tier %d before final tier", ErrInvalidProperties, i)
			}
			continue
		}
		if *tier.ToValue <= tier.FromValue {
			return fmt.Errorf("%w: tier %d empty range [%v,%v]", ErrInvalidProperties, i, tier.FromValue, *tier.ToValue)
		}
		if !last && tiers[i+1].FromValue != *tier.ToValue {
			return fmt.Errorf("%w: tier %d ends at %v but tier %d starts at %v",
				ErrTierGap, i, *tier.ToValue, i+1, tiers[i+1].FromValue)
		}
	}
	return nil
}
