package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

type CreateSubscriptionRequest struct {
	CustomerID   snowflake.ID
	PlanID       snowflake.ID
	StartAt      time.Time
	PayInAdvance bool
	BillingTime  BillingTime
}

type Service interface {
	Create(ctx context.Context, req CreateSubscriptionRequest) (*Subscription, error)
	GetByID(ctx context.Context, id snowflake.ID) (*Subscription, error)

	// Transition moves the subscription through its lifecycle. Allowed
	// edges: pending->active, active<->paused, active->canceled,
	// paused->canceled, active->terminated, paused->terminated.
	Transition(ctx context.Context, id snowflake.ID, target SubscriptionStatus) error

	// ChangePlan swaps the subscription onto a new plan effective at the
	// given instant, recording the previous plan for period splitting.
	ChangePlan(ctx context.Context, id snowflake.ID, newPlanID snowflake.ID, effectiveAt time.Time) error
}
