// Package commitment evaluates minimum-spend commitments at period close.
package commitment

import (
	"errors"
	"fmt"

	"github.com/tallyhq/tally/internal/money"
)

var ErrNegativeCommitment = errors.New("negative_commitment_amount")

// TrueUp is the shortfall between a plan's minimum commitment and the
// period's usage fees.
type TrueUp struct {
	CommitmentCents int64
	UsageFeeCents   int64
	Amount          money.Money
}

// Evaluate compares the period's usage-fee total (base subscription fees
// excluded) against the minimum commitment. It returns a true-up for the
// shortfall, or nil when usage met the commitment.
func Evaluate(usageFeeTotal money.Money, commitmentCents int64) (*TrueUp, error) {
	if commitmentCents < 0 {
		return nil, fmt.Errorf("%w: %d", ErrNegativeCommitment, commitmentCents)
	}
	if usageFeeTotal.AmountCents >= commitmentCents {
		return nil, nil
	}
	return &TrueUp{
		CommitmentCents: commitmentCents,
		UsageFeeCents:   usageFeeTotal.AmountCents,
		Amount:          money.New(commitmentCents-usageFeeTotal.AmountCents, usageFeeTotal.Currency),
	}, nil
}
