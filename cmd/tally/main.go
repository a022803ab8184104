package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/tallyhq/tally/internal/billing"
	"github.com/tallyhq/tally/internal/billingevent"
	"github.com/tallyhq/tally/internal/clock"
	"github.com/tallyhq/tally/internal/config"
	"github.com/tallyhq/tally/internal/customer"
	"github.com/tallyhq/tally/internal/invoice"
	"github.com/tallyhq/tally/internal/logger"
	"github.com/tallyhq/tally/internal/migration"
	"github.com/tallyhq/tally/internal/observability/metrics"
	"github.com/tallyhq/tally/internal/subscription"
	"github.com/tallyhq/tally/internal/wallet"
	"github.com/tallyhq/tally/pkg/db"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		logger.Module,
		metrics.Module,
		fx.Provide(newSnowflakeNode),
		db.Module,
		clock.Module,
		migration.Module,

		// Billing domains
		customer.Module,
		subscription.Module,
		wallet.Module,
		invoice.Module,
		billingevent.Module,
		billing.Module,

		fx.Invoke(func(log *zap.Logger, _ *billing.Engine) {
			log.Info("billing engine ready")
		}),
	)
	app.Run()
}

func newSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}
