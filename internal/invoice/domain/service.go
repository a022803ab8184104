package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	GetByID(ctx context.Context, id snowflake.ID) (*Invoice, error)

	// Finalize freezes a draft invoice. Finalized fee amounts never change.
	Finalize(ctx context.Context, id snowflake.ID) error

	// Void cancels a finalized invoice; the period can then be re-billed
	// through a fresh invoice.
	Void(ctx context.Context, id snowflake.ID, reason string) error

	// MarkPaid records settlement of a finalized invoice.
	MarkPaid(ctx context.Context, id snowflake.ID) error
}
