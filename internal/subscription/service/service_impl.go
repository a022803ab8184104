package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tallyhq/tally/internal/clock"
	"github.com/tallyhq/tally/internal/config"
	plandomain "github.com/tallyhq/tally/internal/plan/domain"
	subscriptiondomain "github.com/tallyhq/tally/internal/subscription/domain"
	"github.com/tallyhq/tally/pkg/db"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Billing *config.BillingConfigHolder
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	billing *config.BillingConfigHolder
}

func NewService(p Params) subscriptiondomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("subscription.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		billing: p.Billing,
	}
}

func (s *Service) Create(ctx context.Context, req subscriptiondomain.CreateSubscriptionRequest) (*subscriptiondomain.Subscription, error) {
	if req.CustomerID == 0 {
		return nil, subscriptiondomain.ErrInvalidSubscription
	}

	var plan plandomain.Plan
	err := s.db.WithContext(ctx).Where("id = ?", req.PlanID).First(&plan).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, plandomain.ErrPlanNotFound
	}
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	startAt := req.StartAt
	if startAt.IsZero() {
		startAt = now
	}
	billingTime := req.BillingTime
	if billingTime == "" {
		billingTime = subscriptiondomain.BillingTimeAnniversary
	}

	subscription := &subscriptiondomain.Subscription{
		ID:           s.genID.Generate(),
		CustomerID:   req.CustomerID,
		PlanID:       plan.ID,
		Status:       subscriptiondomain.SubscriptionStatusPending,
		PayInAdvance: req.PayInAdvance,
		BillingTime:  billingTime,
		StartAt:      startAt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if plan.TrialDays > 0 {
		trialEnd := startAt.AddDate(0, 0, plan.TrialDays)
		subscription.TrialEndsAt = &trialEnd
	}

	if err := s.db.WithContext(ctx).Create(subscription).Error; err != nil {
		return nil, err
	}
	s.log.Info("subscription created",
		zap.String("subscription_id", subscription.ID.String()),
		zap.String("plan_id", plan.ID.String()),
	)
	return subscription, nil
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&subscription).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &subscription, nil
}

func (s *Service) Transition(ctx context.Context, id snowflake.ID, target subscriptiondomain.SubscriptionStatus) error {
	if !isValidStatus(target) {
		return subscriptiondomain.ErrInvalidTargetStatus
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		subscription, err := s.findForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if subscription.Status == target {
			return nil
		}
		if !isTransitionAllowed(subscription.Status, target) {
			return subscriptiondomain.ErrInvalidTransition
		}

		now := s.clock.Now()
		switch target {
		case subscriptiondomain.SubscriptionStatusActive:
			if subscription.Status == subscriptiondomain.SubscriptionStatusPending {
				if subscription.ActivatedAt == nil {
					subscription.ActivatedAt = &now
				}
			}
			if subscription.Status == subscriptiondomain.SubscriptionStatusPaused {
				subscription.ResumedAt = &now
			}
		case subscriptiondomain.SubscriptionStatusPaused:
			subscription.PausedAt = &now
		case subscriptiondomain.SubscriptionStatusCanceled:
			subscription.CanceledAt = &now
		case subscriptiondomain.SubscriptionStatusTerminated:
			subscription.TerminatedAt = &now
		default:
			return subscriptiondomain.ErrInvalidTargetStatus
		}

		subscription.Status = target
		subscription.UpdatedAt = now
		return tx.Save(subscription).Error
	})
}

func (s *Service) ChangePlan(ctx context.Context, id snowflake.ID, newPlanID snowflake.ID, effectiveAt time.Time) error {
	var newPlan plandomain.Plan
	err := s.db.WithContext(ctx).Where("id = ?", newPlanID).First(&newPlan).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return plandomain.ErrPlanNotFound
	}
	if err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		subscription, err := s.findForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if subscription.Status != subscriptiondomain.SubscriptionStatusActive {
			return subscriptiondomain.ErrNotActive
		}
		if subscription.PlanID == newPlanID {
			return subscriptiondomain.ErrSamePlan
		}

		now := s.clock.Now()
		if effectiveAt.IsZero() {
			effectiveAt = now
		}
		previous := subscription.PlanID
		return tx.Exec(
			`UPDATE subscriptions
			 SET plan_id = ?, previous_plan_id = ?, downgraded_at = ?, updated_at = ?
			 WHERE id = ?`,
			newPlanID, previous, effectiveAt, now, id,
		).Error
	})
}

func (s *Service) findForUpdate(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	if err := db.ApplyLockTimeout(tx, s.billing.Get().LockTimeoutSeconds); err != nil {
		return nil, err
	}
	var subscription subscriptiondomain.Subscription
	err := tx.WithContext(ctx).Raw(
		`SELECT * FROM subscriptions WHERE id = ? FOR UPDATE`,
		id,
	).Scan(&subscription).Error
	if err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	return &subscription, nil
}

func isValidStatus(status subscriptiondomain.SubscriptionStatus) bool {
	switch status {
	case subscriptiondomain.SubscriptionStatusPending,
		subscriptiondomain.SubscriptionStatusActive,
		subscriptiondomain.SubscriptionStatusPaused,
		subscriptiondomain.SubscriptionStatusCanceled,
		subscriptiondomain.SubscriptionStatusTerminated:
		return true
	default:
		return false
	}
}

func isTransitionAllowed(current, target subscriptiondomain.SubscriptionStatus) bool {
	switch current {
	case subscriptiondomain.SubscriptionStatusPending:
		return target == subscriptiondomain.SubscriptionStatusActive
	case subscriptiondomain.SubscriptionStatusActive:
		return target == subscriptiondomain.SubscriptionStatusPaused ||
			target == subscriptiondomain.SubscriptionStatusCanceled ||
			target == subscriptiondomain.SubscriptionStatusTerminated
	case subscriptiondomain.SubscriptionStatusPaused:
		return target == subscriptiondomain.SubscriptionStatusActive ||
			target == subscriptiondomain.SubscriptionStatusCanceled ||
			target == subscriptiondomain.SubscriptionStatusTerminated
	default:
		return false
	}
}
