package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	"github.com/tallyhq/tally/internal/money"
)

// CreditApplication is the outcome of funding an amount owed from a
// customer's wallets.
type CreditApplication struct {
	// AppliedCents is the total minor-unit value debited across wallets.
	AppliedCents int64
	// ResidualOwed is what remains after all eligible wallets ran dry.
	ResidualOwed money.Money
	Transactions []WalletTransaction
	// DepletedWalletIDs lists wallets whose balance this application drained
	// to zero, in debit order.
	DepletedWalletIDs []snowflake.ID
}

// DepletionForecast projects when a wallet runs out of credits based on
// trailing consumption.
type DepletionForecast struct {
	WalletID             snowflake.ID
	BalanceCredits       money.Decimal
	AvgDailyCents        money.Decimal
	DaysRemaining        *float64
	ProjectedDepletionAt *time.Time
}

type Service interface {
	CreateWallet(ctx context.Context, wallet *Wallet) error
	GetWallet(ctx context.Context, walletID snowflake.ID) (*Wallet, error)
	Terminate(ctx context.Context, walletID snowflake.ID) error

	// Deposit grants credits to a wallet as an inbound transaction.
	Deposit(ctx context.Context, walletID snowflake.ID, credits money.Decimal, source TransactionSource) (*WalletTransaction, error)

	// ApplyCredits debits the customer's eligible wallets in priority order
	// until amountOwed is covered or the wallets run dry. It runs inside the
	// caller's transaction so the debits commit or roll back with the
	// invoice that triggered them.
	ApplyCredits(ctx context.Context, tx *gorm.DB, customerID snowflake.ID, amountOwed money.Money, invoiceID *snowflake.ID) (*CreditApplication, error)

	// VoidInvoiceTransactions voids the outbound transactions linked to an
	// invoice and refreshes the affected balance projections. Used when a
	// draft invoice is regenerated so its earlier debits do not double-count.
	VoidInvoiceTransactions(ctx context.Context, tx *gorm.DB, invoiceID snowflake.ID) error

	// Transfer moves credits between two wallets as an atomic
	// outbound/inbound pair.
	Transfer(ctx context.Context, fromID, toID snowflake.ID, credits money.Decimal) error

	// Forecast projects the wallet's depletion date from trailing outbound
	// consumption.
	Forecast(ctx context.Context, walletID snowflake.ID, now time.Time) (*DepletionForecast, error)

	// RecomputeBalance rebuilds the cached balance projection from the
	// transaction ledger and reports drift against the stored value.
	RecomputeBalance(ctx context.Context, walletID snowflake.ID) (money.Decimal, error)
}
