package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tallyhq/tally/internal/billingevent"
	billingeventdomain "github.com/tallyhq/tally/internal/billingevent/domain"
	"github.com/tallyhq/tally/internal/clock"
	"github.com/tallyhq/tally/internal/config"
	invoicedomain "github.com/tallyhq/tally/internal/invoice/domain"
	"github.com/tallyhq/tally/pkg/db"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Clock   clock.Clock
	Billing *config.BillingConfigHolder
	Outbox  *billingevent.Outbox `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	clock   clock.Clock
	billing *config.BillingConfigHolder
	outbox  *billingevent.Outbox
}

func NewService(p Params) invoicedomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("invoice.service"),
		clock:   p.Clock,
		billing: p.Billing,
		outbox:  p.Outbox,
	}
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (*invoicedomain.Invoice, error) {
	var invoice invoicedomain.Invoice
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&invoice).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, invoicedomain.ErrInvoiceNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).
		Where("invoice_id = ?", id).
		Order("created_at ASC, id ASC").
		Find(&invoice.Fees).Error; err != nil {
		return nil, err
	}
	return &invoice, nil
}

func (s *Service) Finalize(ctx context.Context, id snowflake.ID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoice, err := s.loadForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if invoice.Status != invoicedomain.InvoiceStatusDraft {
			return invoicedomain.ErrInvoiceNotDraft
		}

		now := s.clock.Now()
		if err := tx.WithContext(ctx).Exec(
			`UPDATE invoices
			 SET status = ?, finalized_at = ?, issued_at = ?, updated_at = ?
			 WHERE id = ?`,
			invoicedomain.InvoiceStatusFinalized, now, now, now, id,
		).Error; err != nil {
			return err
		}

		s.log.Info("invoice finalized",
			zap.String("invoice_id", id.String()),
			zap.Int64("total_cents", invoice.TotalCents),
		)
		if s.outbox != nil {
			return s.outbox.PublishTx(ctx, tx, billingevent.Event{
				Type: billingeventdomain.EventInvoiceGenerated,
				Payload: map[string]any{
					"invoice_id":      id.String(),
					"subscription_id": invoice.SubscriptionID.String(),
					"total_cents":     invoice.TotalCents,
					"currency":        invoice.Currency,
				},
				DedupeKey: "invoice_finalized:" + id.String(),
			})
		}
		return nil
	})
}

func (s *Service) Void(ctx context.Context, id snowflake.ID, reason string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoice, err := s.loadForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if invoice.Status != invoicedomain.InvoiceStatusFinalized {
			return invoicedomain.ErrInvoiceNotFinalized
		}

		now := s.clock.Now()
		if err := tx.WithContext(ctx).Exec(
			`UPDATE invoices
			 SET status = ?, voided_at = ?, updated_at = ?
			 WHERE id = ?`,
			invoicedomain.InvoiceStatusVoided, now, now, id,
		).Error; err != nil {
			return err
		}

		fields := []zap.Field{zap.String("invoice_id", id.String())}
		if reason = strings.TrimSpace(reason); reason != "" {
			fields = append(fields, zap.String("reason", reason))
		}
		s.log.Info("invoice voided", fields...)
		return nil
	})
}

func (s *Service) MarkPaid(ctx context.Context, id snowflake.ID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoice, err := s.loadForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if invoice.Status != invoicedomain.InvoiceStatusFinalized {
			return invoicedomain.ErrInvoiceNotFinalized
		}

		now := s.clock.Now()
		return tx.WithContext(ctx).Exec(
			`UPDATE invoices
			 SET status = ?, paid_at = ?, updated_at = ?
			 WHERE id = ?`,
			invoicedomain.InvoiceStatusPaid, now, now, id,
		).Error
	})
}

func (s *Service) loadForUpdate(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*invoicedomain.Invoice, error) {
	if err := db.ApplyLockTimeout(tx, s.billing.Get().LockTimeoutSeconds); err != nil {
		return nil, err
	}
	var invoice invoicedomain.Invoice
	err := tx.WithContext(ctx).Raw(
		`SELECT * FROM invoices WHERE id = ? FOR UPDATE`,
		id,
	).Scan(&invoice).Error
	if err != nil {
		return nil, err
	}
	if invoice.ID == 0 {
		return nil, invoicedomain.ErrInvoiceNotFound
	}
	return &invoice, nil
}
