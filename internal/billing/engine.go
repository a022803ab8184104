// Package billing orchestrates fee computation, commitment evaluation,
// proration, and wallet credit application into invoices.
package billing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tallyhq/tally/internal/billingevent"
	billingeventdomain "github.com/tallyhq/tally/internal/billingevent/domain"
	"github.com/tallyhq/tally/internal/charge"
	"github.com/tallyhq/tally/internal/clock"
	"github.com/tallyhq/tally/internal/commitment"
	"github.com/tallyhq/tally/internal/config"
	invoicedomain "github.com/tallyhq/tally/internal/invoice/domain"
	"github.com/tallyhq/tally/internal/money"
	obsmetrics "github.com/tallyhq/tally/internal/observability/metrics"
	plandomain "github.com/tallyhq/tally/internal/plan/domain"
	"github.com/tallyhq/tally/internal/proration"
	subscriptiondomain "github.com/tallyhq/tally/internal/subscription/domain"
	usagedomain "github.com/tallyhq/tally/internal/usage/domain"
	walletdomain "github.com/tallyhq/tally/internal/wallet/domain"
	"github.com/tallyhq/tally/pkg/db"
)

var (
	ErrMissingSubscription = errors.New("missing_subscription_snapshot")
	ErrMissingPlan         = errors.New("missing_plan_snapshot")
	ErrMissingPreviousPlan = errors.New("missing_previous_plan_snapshot")
	ErrNoChargeForMetric   = errors.New("no_charge_for_metric")
	ErrUsageOutsidePeriod  = errors.New("usage_outside_period")
)

// GenerateInvoiceRequest carries all inputs for one billing run, already
// materialized by the calling orchestrator: immutable plan snapshots as of
// the period, aggregated usage, and the externally computed tax total.
type GenerateInvoiceRequest struct {
	Subscription *subscriptiondomain.Subscription
	Period       proration.Period

	// Plan is the plan active at period end. PreviousPlan is required when
	// the subscription records a plan change inside the period; usage and
	// base fees are then split at the change date.
	Plan         *plandomain.Plan
	PreviousPlan *plandomain.Plan

	Usage          []usagedomain.AggregatedUsage
	TaxAmountCents int64
}

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Billing    *config.BillingConfigHolder
	WalletSvc  walletdomain.Service
	Outbox     *billingevent.Outbox
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

// Engine turns billing-period inputs into persisted invoices. The pure
// calculators it composes are stateless; all shared state is touched inside
// one transaction per run.
type Engine struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	billing    *config.BillingConfigHolder
	walletSvc  walletdomain.Service
	outbox     *billingevent.Outbox
	obsMetrics *obsmetrics.Metrics
}

func NewEngine(p Params) *Engine {
	return &Engine{
		db:         p.DB,
		log:        p.Log.Named("billing.engine"),
		genID:      p.GenID,
		clock:      p.Clock,
		billing:    p.Billing,
		walletSvc:  p.WalletSvc,
		outbox:     p.Outbox,
		obsMetrics: p.ObsMetrics,
	}
}

// GenerateInvoice runs one billing period end to end. Re-running against a
// draft replaces it deterministically; re-running against a finalized period
// fails with ErrPeriodAlreadyInvoiced. Transient storage contention is
// retried a bounded number of times with backoff.
func (e *Engine) GenerateInvoice(ctx context.Context, req GenerateInvoiceRequest) (*invoicedomain.Invoice, error) {
	start := time.Now()
	maxRetries := e.billing.Get().MaxConflictRetries
	if maxRetries < 1 {
		maxRetries = 1
	}

	var invoice *invoicedomain.Invoice
	var err error
	for attempt := 1; ; attempt++ {
		invoice, err = e.generateOnce(ctx, req)
		if err == nil || !db.IsRetryableTxnErr(err) || attempt >= maxRetries {
			break
		}
		backoff := time.Duration(attempt) * 25 * time.Millisecond
		e.log.Warn("retrying invoice generation after storage conflict",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		time.Sleep(backoff)
	}

	status := "generated"
	switch {
	case errors.Is(err, invoicedomain.ErrPeriodAlreadyInvoiced):
		status = "conflict"
	case err != nil:
		status = "error"
	}
	if e.obsMetrics != nil {
		e.obsMetrics.RecordInvoiceRun(status, time.Since(start))
	}
	return invoice, err
}

func (e *Engine) generateOnce(ctx context.Context, req GenerateInvoiceRequest) (*invoicedomain.Invoice, error) {
	if err := e.validate(req); err != nil {
		return nil, err
	}
	sub := req.Subscription

	var invoice *invoicedomain.Invoice
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := db.ApplyLockTimeout(tx, e.billing.Get().LockTimeoutSeconds); err != nil {
			return err
		}
		if err := e.clearDraft(ctx, tx, sub.ID, req.Period); err != nil {
			return err
		}

		invoiceID := e.genID.Generate()
		computed, err := e.buildFees(invoiceID, req)
		if err != nil {
			return err
		}

		preWalletCents := computed.feeTotalCents + req.TaxAmountCents
		application, err := e.walletSvc.ApplyCredits(
			ctx, tx, sub.CustomerID,
			money.New(preWalletCents, req.Plan.Currency),
			&invoiceID,
		)
		if err != nil {
			return err
		}

		now := e.clock.Now()
		record := &invoicedomain.Invoice{
			ID:                  invoiceID,
			SubscriptionID:      sub.ID,
			CustomerID:          sub.CustomerID,
			Status:              invoicedomain.InvoiceStatusDraft,
			Currency:            req.Plan.Currency,
			PeriodStart:         req.Period.Start,
			PeriodEnd:           req.Period.End,
			FeesAmountCents:     computed.feeTotalCents,
			TaxAmountCents:      req.TaxAmountCents,
			CreditsAppliedCents: application.AppliedCents,
			TotalCents:          preWalletCents - application.AppliedCents,
			CreatedAt:           now,
			UpdatedAt:           now,
		}

		if application.AppliedCents > 0 {
			computed.fees = append(computed.fees, invoicedomain.Fee{
				ID:          e.genID.Generate(),
				InvoiceID:   invoiceID,
				Type:        invoicedomain.FeeTypeCredit,
				Description: "prepaid credits applied",
				AmountCents: -application.AppliedCents,
				TotalCents:  -application.AppliedCents,
				Currency:    req.Plan.Currency,
				PeriodStart: req.Period.Start,
				PeriodEnd:   req.Period.End,
				CreatedAt:   now,
			})
		}

		inserted, err := e.insertInvoice(ctx, tx, record)
		if err != nil {
			return err
		}
		if !inserted {
			// A concurrent writer invoiced this period between our draft
			// check and the insert.
			return fmt.Errorf("%w: subscription %s period %s",
				invoicedomain.ErrPeriodAlreadyInvoiced,
				sub.ID, req.Period.Start.Format(time.RFC3339))
		}
		for i := range computed.fees {
			computed.fees[i].CreatedAt = now
			if err := tx.Create(&computed.fees[i]).Error; err != nil {
				return err
			}
		}

		if err := e.publishEvents(ctx, tx, record, computed, application.DepletedWalletIDs); err != nil {
			return err
		}

		record.Fees = computed.fees
		invoice = record
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("invoice generated",
		zap.String("invoice_id", invoice.ID.String()),
		zap.String("subscription_id", sub.ID.String()),
		zap.Int64("total_cents", invoice.TotalCents),
		zap.Int64("credits_applied_cents", invoice.CreditsAppliedCents),
	)
	return invoice, nil
}

func (e *Engine) validate(req GenerateInvoiceRequest) error {
	if req.Subscription == nil {
		return ErrMissingSubscription
	}
	if req.Plan == nil {
		return ErrMissingPlan
	}
	if err := req.Plan.Validate(); err != nil {
		return err
	}
	if err := req.Period.Validate(); err != nil {
		return err
	}
	if req.Subscription.PlanChangedWithin(req.Period.Start, req.Period.End) && req.PreviousPlan == nil {
		return ErrMissingPreviousPlan
	}
	if req.PreviousPlan != nil {
		if err := req.PreviousPlan.Validate(); err != nil {
			return err
		}
	}
	for _, usage := range req.Usage {
		if usage.PeriodStart.Before(req.Period.Start) || usage.PeriodEnd.After(req.Period.End) {
			return fmt.Errorf("%w: metric %s [%s, %s)", ErrUsageOutsidePeriod,
				usage.MetricCode,
				usage.PeriodStart.Format(time.RFC3339),
				usage.PeriodEnd.Format(time.RFC3339))
		}
	}
	return nil
}

// clearDraft resets the period for regeneration. A finalized period is
// append-only and never regenerated.
func (e *Engine) clearDraft(ctx context.Context, tx *gorm.DB, subscriptionID snowflake.ID, period proration.Period) error {
	var existing invoicedomain.Invoice
	lockStart := time.Now()
	err := tx.WithContext(ctx).Raw(
		`SELECT * FROM invoices
		 WHERE subscription_id = ? AND period_start = ?
		 FOR UPDATE`,
		subscriptionID, period.Start,
	).Scan(&existing).Error
	if e.obsMetrics != nil {
		e.obsMetrics.ObserveLockWait("invoices", time.Since(lockStart))
	}
	if err != nil {
		return err
	}
	if existing.ID == 0 {
		return nil
	}
	if existing.Status != invoicedomain.InvoiceStatusDraft {
		return fmt.Errorf("%w: invoice %s is %s",
			invoicedomain.ErrPeriodAlreadyInvoiced, existing.ID, existing.Status)
	}

	if err := e.walletSvc.VoidInvoiceTransactions(ctx, tx, existing.ID); err != nil {
		return err
	}
	if err := tx.Exec(`DELETE FROM fees WHERE invoice_id = ?`, existing.ID).Error; err != nil {
		return err
	}
	return tx.Exec(`DELETE FROM invoices WHERE id = ?`, existing.ID).Error
}

type computedFees struct {
	fees          []invoicedomain.Fee
	feeTotalCents int64
	usageFeeCents int64
	trueUp        *commitment.TrueUp
	thresholds    []plandomain.UsageThreshold
}

// buildFees runs the pure calculators: usage fees per charge (split across
// the plan change when one occurred), base subscription fees with proration,
// and the commitment true-up.
func (e *Engine) buildFees(invoiceID snowflake.ID, req GenerateInvoiceRequest) (*computedFees, error) {
	sub := req.Subscription
	currency := req.Plan.Currency
	out := &computedFees{}

	changed := sub.PlanChangedWithin(req.Period.Start, req.Period.End)
	var effectiveDate time.Time
	if changed {
		effectiveDate = *sub.DowngradedAt
	}

	// Usage fees. Each aggregated record is priced under the plan active
	// for its sub-interval.
	usage := append([]usagedomain.AggregatedUsage(nil), req.Usage...)
	sort.SliceStable(usage, func(i, j int) bool {
		if !usage[i].PeriodStart.Equal(usage[j].PeriodStart) {
			return usage[i].PeriodStart.Before(usage[j].PeriodStart)
		}
		return usage[i].MetricCode < usage[j].MetricCode
	})
	for _, record := range usage {
		plan := req.Plan
		if changed && !record.PeriodEnd.After(effectiveDate) {
			plan = req.PreviousPlan
		}
		planCharge, err := findCharge(plan, record.MetricCode)
		if err != nil {
			return nil, err
		}

		fee, err := charge.ComputeFee(planCharge.Model, []byte(planCharge.Properties), record, currency)
		if err != nil {
			return nil, fmt.Errorf("charge %s metric %s: %w", planCharge.ID, record.MetricCode, err)
		}
		if e.obsMetrics != nil {
			e.obsMetrics.RecordFeeComputed(string(planCharge.Model))
		}

		chargeID := planCharge.ID
		metricCode := record.MetricCode
		out.fees = append(out.fees, invoicedomain.Fee{
			ID:          e.genID.Generate(),
			InvoiceID:   invoiceID,
			Type:        invoicedomain.FeeTypeCharge,
			ChargeID:    &chargeID,
			MetricCode:  &metricCode,
			Description: fmt.Sprintf("%s usage", record.MetricCode),
			Units:       record.Units,
			AmountCents: fee.AmountCents,
			TotalCents:  fee.AmountCents,
			Currency:    currency,
			PeriodStart: record.PeriodStart,
			PeriodEnd:   record.PeriodEnd,
		})
		out.usageFeeCents += fee.AmountCents
	}

	// Commitment true-up against the plan active at period close.
	if req.Plan.MinimumCommitmentCents != nil {
		trueUp, err := commitment.Evaluate(
			money.New(out.usageFeeCents, currency),
			*req.Plan.MinimumCommitmentCents,
		)
		if err != nil {
			return nil, err
		}
		if trueUp != nil {
			out.trueUp = trueUp
			out.fees = append(out.fees, invoicedomain.Fee{
				ID:          e.genID.Generate(),
				InvoiceID:   invoiceID,
				Type:        invoicedomain.FeeTypeCommitment,
				Description: "minimum commitment true-up",
				AmountCents: trueUp.Amount.AmountCents,
				TotalCents:  trueUp.Amount.AmountCents,
				Currency:    currency,
				PeriodStart: req.Period.Start,
				PeriodEnd:   req.Period.End,
			})
			if e.obsMetrics != nil {
				e.obsMetrics.RecordTrueUp()
			}
		}
	}

	baseFees, err := e.buildBaseFees(invoiceID, req, changed, effectiveDate)
	if err != nil {
		return nil, err
	}
	out.fees = append(out.fees, baseFees...)

	for _, fee := range out.fees {
		out.feeTotalCents += fee.AmountCents
	}
	out.thresholds = req.Plan.Thresholds
	return out, nil
}

// buildBaseFees assembles the subscription base fee(s). A period fully
// inside the trial bills no base fee; a plan change splits the base into
// day-weighted old and new portions.
func (e *Engine) buildBaseFees(invoiceID snowflake.ID, req GenerateInvoiceRequest, changed bool, effectiveDate time.Time) ([]invoicedomain.Fee, error) {
	sub := req.Subscription
	currency := req.Plan.Currency

	if sub.TrialEndsAt != nil && !sub.TrialEndsAt.Before(req.Period.End) {
		return []invoicedomain.Fee{{
			ID:          e.genID.Generate(),
			InvoiceID:   invoiceID,
			Type:        invoicedomain.FeeTypeSubscription,
			Description: "subscription (trial)",
			AmountCents: 0,
			TotalCents:  0,
			Currency:    currency,
			PeriodStart: req.Period.Start,
			PeriodEnd:   req.Period.End,
		}}, nil
	}

	if !changed {
		return []invoicedomain.Fee{{
			ID:          e.genID.Generate(),
			InvoiceID:   invoiceID,
			Type:        invoicedomain.FeeTypeSubscription,
			Description: "subscription",
			AmountCents: req.Plan.BaseAmountCents,
			TotalCents:  req.Plan.BaseAmountCents,
			Currency:    currency,
			PeriodStart: req.Period.Start,
			PeriodEnd:   req.Period.End,
		}}, nil
	}

	prorated, err := proration.Prorate(
		req.Period, effectiveDate,
		money.New(req.PreviousPlan.BaseAmountCents, currency),
		money.New(req.Plan.BaseAmountCents, currency),
		e.billing.Get().SameDaySwitchChargesRemainder,
	)
	if err != nil {
		return nil, err
	}

	// The old plan bills its base minus the unused-days credit; the new
	// plan bills the day-weighted remainder.
	oldPortion := req.PreviousPlan.BaseAmountCents - prorated.CreditAmount.AmountCents
	fees := []invoicedomain.Fee{{
		ID:          e.genID.Generate(),
		InvoiceID:   invoiceID,
		Type:        invoicedomain.FeeTypeSubscription,
		Description: "subscription (until plan change)",
		AmountCents: oldPortion,
		TotalCents:  oldPortion,
		Currency:    currency,
		PeriodStart: req.Period.Start,
		PeriodEnd:   effectiveDate,
	}}
	fees = append(fees, invoicedomain.Fee{
		ID:          e.genID.Generate(),
		InvoiceID:   invoiceID,
		Type:        invoicedomain.FeeTypeSubscription,
		Description: "subscription (after plan change)",
		AmountCents: prorated.ChargeAmount.AmountCents,
		TotalCents:  prorated.ChargeAmount.AmountCents,
		Currency:    currency,
		PeriodStart: effectiveDate,
		PeriodEnd:   req.Period.End,
	})
	return fees, nil
}

func (e *Engine) publishEvents(ctx context.Context, tx *gorm.DB, invoice *invoicedomain.Invoice, computed *computedFees, depletedWallets []snowflake.ID) error {
	if e.outbox == nil {
		return nil
	}
	periodKey := invoice.SubscriptionID.String() + ":" + invoice.PeriodStart.UTC().Format(time.RFC3339)

	if computed.trueUp != nil {
		err := e.outbox.PublishTx(ctx, tx, billingevent.Event{
			Type: billingeventdomain.EventTrueUpApplied,
			Payload: map[string]any{
				"invoice_id":       invoice.ID.String(),
				"subscription_id":  invoice.SubscriptionID.String(),
				"commitment_cents": computed.trueUp.CommitmentCents,
				"usage_fee_cents":  computed.trueUp.UsageFeeCents,
				"true_up_cents":    computed.trueUp.Amount.AmountCents,
			},
			DedupeKey: "true_up:" + periodKey,
		})
		if err != nil {
			return err
		}
	}

	for _, threshold := range computed.thresholds {
		if threshold.AmountCents <= 0 || computed.usageFeeCents < threshold.AmountCents {
			continue
		}
		crossings := int64(1)
		if threshold.Recurring {
			crossings = computed.usageFeeCents / threshold.AmountCents
		}
		err := e.outbox.PublishTx(ctx, tx, billingevent.Event{
			Type: billingeventdomain.EventUsageThresholdCrossed,
			Payload: map[string]any{
				"invoice_id":      invoice.ID.String(),
				"subscription_id": invoice.SubscriptionID.String(),
				"threshold_id":    threshold.ID.String(),
				"threshold_cents": threshold.AmountCents,
				"usage_fee_cents": computed.usageFeeCents,
				"crossings":       crossings,
			},
			DedupeKey: fmt.Sprintf("threshold:%s:%s", threshold.ID, periodKey),
		})
		if err != nil {
			return err
		}
	}

	for _, walletID := range depletedWallets {
		err := e.outbox.PublishTx(ctx, tx, billingevent.Event{
			Type: billingeventdomain.EventWalletDepleted,
			Payload: map[string]any{
				"wallet_id":   walletID.String(),
				"invoice_id":  invoice.ID.String(),
				"customer_id": invoice.CustomerID.String(),
			},
			DedupeKey: fmt.Sprintf("wallet_depleted:%s:%s", walletID, periodKey),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) insertInvoice(ctx context.Context, tx *gorm.DB, invoice *invoicedomain.Invoice) (bool, error) {
	result := tx.WithContext(ctx).Exec(
		`INSERT INTO invoices (
			id, subscription_id, customer_id, status, currency,
			period_start, period_end,
			fees_amount_cents, tax_amount_cents, credits_applied_cents, total_cents,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) `+
			db.InsertIgnoreClause(tx.Dialector.Name(), "subscription_id, period_start"),
		invoice.ID,
		invoice.SubscriptionID,
		invoice.CustomerID,
		invoice.Status,
		invoice.Currency,
		invoice.PeriodStart,
		invoice.PeriodEnd,
		invoice.FeesAmountCents,
		invoice.TaxAmountCents,
		invoice.CreditsAppliedCents,
		invoice.TotalCents,
		invoice.CreatedAt,
		invoice.UpdatedAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func findCharge(plan *plandomain.Plan, metricCode string) (*plandomain.Charge, error) {
	for i := range plan.Charges {
		if plan.Charges[i].MetricCode == metricCode {
			return &plan.Charges[i], nil
		}
	}
	return nil, fmt.Errorf("%w: metric %s under plan %s", ErrNoChargeForMetric, metricCode, plan.ID)
}
