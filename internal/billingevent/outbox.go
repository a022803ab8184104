// Package billingevent persists billing facts to a transactional outbox.
package billingevent

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/tallyhq/tally/internal/billingevent/domain"
	"github.com/tallyhq/tally/pkg/db"
)

// Event is one fact to publish.
type Event struct {
	Type      domain.EventType
	Payload   map[string]any
	DedupeKey string
}

type Params struct {
	fx.In

	Log   *zap.Logger
	GenID *snowflake.Node
}

// Outbox writes events inside the caller's transaction so they commit with
// the state change that produced them. Duplicate dedupe keys are dropped.
type Outbox struct {
	log   *zap.Logger
	genID *snowflake.Node
}

func NewOutbox(p Params) *Outbox {
	return &Outbox{
		log:   p.Log.Named("billingevent.outbox"),
		genID: p.GenID,
	}
}

func (o *Outbox) PublishTx(ctx context.Context, tx *gorm.DB, event Event) error {
	record := domain.BillingEvent{
		ID:        o.genID.Generate(),
		EventType: event.Type,
		Payload:   datatypes.JSONMap(event.Payload),
	}
	if event.DedupeKey != "" {
		record.DedupeKey = &event.DedupeKey
	}

	err := tx.WithContext(ctx).Create(&record).Error
	if err != nil && db.IsDuplicateKeyErr(err) {
		o.log.Debug("dropped duplicate billing event",
			zap.String("event_type", string(event.Type)),
			zap.String("dedupe_key", event.DedupeKey),
		)
		return nil
	}
	return err
}
