package service

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tallyhq/tally/internal/clock"
	"github.com/tallyhq/tally/internal/config"
	plandomain "github.com/tallyhq/tally/internal/plan/domain"
	subscriptiondomain "github.com/tallyhq/tally/internal/subscription/domain"
)

func setupSubscriptionDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	// SQLite support hack: remove FOR UPDATE clauses
	stripLock := func(d *gorm.DB) {
		sql := d.Statement.SQL.String()
		if strings.Contains(sql, "FOR UPDATE") {
			d.Statement.SQL.Reset()
			d.Statement.SQL.WriteString(strings.ReplaceAll(sql, "FOR UPDATE", ""))
		}
	}
	require.NoError(t, db.Callback().Query().Before("gorm:query").Register("sqlite_skip_locked", stripLock))
	require.NoError(t, db.Callback().Row().Before("gorm:row").Register("sqlite_skip_locked_row", stripLock))

	require.NoError(t, db.AutoMigrate(
		&plandomain.Plan{},
		&subscriptiondomain.Subscription{},
	))
	return db
}

func newSubscriptionService(t *testing.T, db *gorm.DB) (*Service, *snowflake.Node, *clock.FakeClock) {
	t.Helper()
	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	svc := NewService(Params{
		DB:      db,
		Log:     zap.NewNop(),
		GenID:   node,
		Clock:   fake,
		Billing: config.NewStaticBillingConfig(config.DefaultBillingConfig()),
	}).(*Service)
	return svc, node, fake
}

func seedPlan(t *testing.T, db *gorm.DB, node *snowflake.Node, baseCents int64, trialDays int) *plandomain.Plan {
	t.Helper()
	plan := &plandomain.Plan{
		ID:              node.Generate(),
		OrgID:           node.Generate(),
		Code:            fmt.Sprintf("plan-%d", baseCents),
		BaseAmountCents: baseCents,
		Currency:        "USD",
		Interval:        plandomain.IntervalMonthly,
		TrialDays:       trialDays,
	}
	require.NoError(t, db.Create(plan).Error)
	return plan
}

func TestCreate_SetsTrialEnd(t *testing.T) {
	db := setupSubscriptionDB(t)
	svc, node, fake := newSubscriptionService(t, db)
	ctx := context.Background()
	plan := seedPlan(t, db, node, 4900, 14)

	sub, err := svc.Create(ctx, subscriptiondomain.CreateSubscriptionRequest{
		CustomerID: node.Generate(),
		PlanID:     plan.ID,
	})
	require.NoError(t, err)

	assert.Equal(t, subscriptiondomain.SubscriptionStatusPending, sub.Status)
	assert.Equal(t, subscriptiondomain.BillingTimeAnniversary, sub.BillingTime)
	require.NotNil(t, sub.TrialEndsAt)
	assert.Equal(t, fake.Now().AddDate(0, 0, 14), *sub.TrialEndsAt)
	assert.True(t, sub.InTrial(fake.Now().AddDate(0, 0, 7)))
	assert.False(t, sub.InTrial(fake.Now().AddDate(0, 0, 14)))
}

func TestCreate_UnknownPlan(t *testing.T) {
	db := setupSubscriptionDB(t)
	svc, node, _ := newSubscriptionService(t, db)

	_, err := svc.Create(context.Background(), subscriptiondomain.CreateSubscriptionRequest{
		CustomerID: node.Generate(),
		PlanID:     node.Generate(),
	})
	assert.ErrorIs(t, err, plandomain.ErrPlanNotFound)
}

func TestTransition_Lifecycle(t *testing.T) {
	db := setupSubscriptionDB(t)
	svc, node, _ := newSubscriptionService(t, db)
	ctx := context.Background()
	plan := seedPlan(t, db, node, 4900, 0)

	sub, err := svc.Create(ctx, subscriptiondomain.CreateSubscriptionRequest{
		CustomerID: node.Generate(),
		PlanID:     plan.ID,
	})
	require.NoError(t, err)

	require.NoError(t, svc.Transition(ctx, sub.ID, subscriptiondomain.SubscriptionStatusActive))
	require.NoError(t, svc.Transition(ctx, sub.ID, subscriptiondomain.SubscriptionStatusPaused))
	require.NoError(t, svc.Transition(ctx, sub.ID, subscriptiondomain.SubscriptionStatusActive))
	require.NoError(t, svc.Transition(ctx, sub.ID, subscriptiondomain.SubscriptionStatusCanceled))

	final, err := svc.GetByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusCanceled, final.Status)
	assert.NotNil(t, final.ActivatedAt)
	assert.NotNil(t, final.PausedAt)
	assert.NotNil(t, final.ResumedAt)
	assert.NotNil(t, final.CanceledAt)
}

func TestTransition_RejectsInvalidEdges(t *testing.T) {
	db := setupSubscriptionDB(t)
	svc, node, _ := newSubscriptionService(t, db)
	ctx := context.Background()
	plan := seedPlan(t, db, node, 4900, 0)

	sub, err := svc.Create(ctx, subscriptiondomain.CreateSubscriptionRequest{
		CustomerID: node.Generate(),
		PlanID:     plan.ID,
	})
	require.NoError(t, err)

	// pending cannot pause or cancel.
	err = svc.Transition(ctx, sub.ID, subscriptiondomain.SubscriptionStatusPaused)
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidTransition)
	err = svc.Transition(ctx, sub.ID, subscriptiondomain.SubscriptionStatusCanceled)
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidTransition)

	// canceled is terminal.
	require.NoError(t, svc.Transition(ctx, sub.ID, subscriptiondomain.SubscriptionStatusActive))
	require.NoError(t, svc.Transition(ctx, sub.ID, subscriptiondomain.SubscriptionStatusCanceled))
	err = svc.Transition(ctx, sub.ID, subscriptiondomain.SubscriptionStatusActive)
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidTransition)

	err = svc.Transition(ctx, sub.ID, subscriptiondomain.SubscriptionStatus("BOGUS"))
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidTargetStatus)
}

func TestChangePlan(t *testing.T) {
	db := setupSubscriptionDB(t)
	svc, node, fake := newSubscriptionService(t, db)
	ctx := context.Background()
	oldPlan := seedPlan(t, db, node, 4900, 0)
	newPlan := seedPlan(t, db, node, 9900, 0)

	sub, err := svc.Create(ctx, subscriptiondomain.CreateSubscriptionRequest{
		CustomerID: node.Generate(),
		PlanID:     oldPlan.ID,
	})
	require.NoError(t, err)
	require.NoError(t, svc.Transition(ctx, sub.ID, subscriptiondomain.SubscriptionStatusActive))

	effective := fake.Now().AddDate(0, 0, 14)
	require.NoError(t, svc.ChangePlan(ctx, sub.ID, newPlan.ID, effective))

	updated, err := svc.GetByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, newPlan.ID, updated.PlanID)
	require.NotNil(t, updated.PreviousPlanID)
	assert.Equal(t, oldPlan.ID, *updated.PreviousPlanID)
	require.NotNil(t, updated.DowngradedAt)
	assert.True(t, updated.DowngradedAt.Equal(effective))

	periodStart := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	periodEnd := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	assert.True(t, updated.PlanChangedWithin(periodStart, periodEnd))
	assert.False(t, updated.PlanChangedWithin(periodEnd, periodEnd.AddDate(0, 1, 0)))
}

func TestChangePlan_Guards(t *testing.T) {
	db := setupSubscriptionDB(t)
	svc, node, fake := newSubscriptionService(t, db)
	ctx := context.Background()
	plan := seedPlan(t, db, node, 4900, 0)

	sub, err := svc.Create(ctx, subscriptiondomain.CreateSubscriptionRequest{
		CustomerID: node.Generate(),
		PlanID:     plan.ID,
	})
	require.NoError(t, err)

	// not active yet
	other := seedPlan(t, db, node, 9900, 0)
	err = svc.ChangePlan(ctx, sub.ID, other.ID, fake.Now())
	assert.ErrorIs(t, err, subscriptiondomain.ErrNotActive)

	require.NoError(t, svc.Transition(ctx, sub.ID, subscriptiondomain.SubscriptionStatusActive))

	err = svc.ChangePlan(ctx, sub.ID, plan.ID, fake.Now())
	assert.ErrorIs(t, err, subscriptiondomain.ErrSamePlan)

	err = svc.ChangePlan(ctx, sub.ID, node.Generate(), fake.Now())
	assert.ErrorIs(t, err, plandomain.ErrPlanNotFound)
}
