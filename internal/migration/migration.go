// Package migration creates the billing schema on startup so local and
// self-hosted deployments work out of the box.
package migration

import (
	"gorm.io/gorm"

	billingeventdomain "github.com/tallyhq/tally/internal/billingevent/domain"
	customerdomain "github.com/tallyhq/tally/internal/customer/domain"
	invoicedomain "github.com/tallyhq/tally/internal/invoice/domain"
	meterdomain "github.com/tallyhq/tally/internal/meter/domain"
	plandomain "github.com/tallyhq/tally/internal/plan/domain"
	subscriptiondomain "github.com/tallyhq/tally/internal/subscription/domain"
	walletdomain "github.com/tallyhq/tally/internal/wallet/domain"
)

// RunMigrations brings the schema up to date for every billing table.
func RunMigrations(conn *gorm.DB) error {
	return conn.AutoMigrate(
		&customerdomain.Customer{},
		&meterdomain.BillableMetric{},
		&plandomain.Plan{},
		&plandomain.Charge{},
		&plandomain.UsageThreshold{},
		&subscriptiondomain.Subscription{},
		&invoicedomain.Invoice{},
		&invoicedomain.Fee{},
		&walletdomain.Wallet{},
		&walletdomain.WalletTransaction{},
		&billingeventdomain.BillingEvent{},
	)
}
