package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/tallyhq/tally/internal/money"
)

var (
	ErrWalletNotFound      = errors.New("wallet_not_found")
	ErrWalletTerminated    = errors.New("wallet_terminated")
	ErrWalletExpired       = errors.New("wallet_expired")
	ErrInvalidCustomer     = errors.New("invalid_customer")
	ErrInvalidRateAmount   = errors.New("invalid_rate_amount")
	ErrInvalidCreditAmount = errors.New("invalid_credit_amount")
	ErrInsufficientCredits = errors.New("insufficient_credits")
	ErrSameWalletTransfer  = errors.New("same_wallet_transfer")
	ErrNegativeAmountOwed  = errors.New("negative_amount_owed")
)

// WalletStatus is the wallet lifecycle state.
type WalletStatus string

const (
	WalletStatusActive     WalletStatus = "active"
	WalletStatusTerminated WalletStatus = "terminated"
)

// TransactionType is the ledger direction of a wallet transaction.
type TransactionType string

const (
	TransactionTypeInbound  TransactionType = "inbound"
	TransactionTypeOutbound TransactionType = "outbound"
)

// TransactionSource records what produced a wallet transaction.
type TransactionSource string

const (
	SourceManual    TransactionSource = "manual"
	SourceInterval  TransactionSource = "interval"
	SourceThreshold TransactionSource = "threshold"
	SourceTransfer  TransactionSource = "transfer"
	SourceInvoice   TransactionSource = "invoice"
)

// TransactionStatus is the settlement state of a wallet transaction.
type TransactionStatus string

const (
	TransactionStatusSettled TransactionStatus = "settled"
	TransactionStatusVoided  TransactionStatus = "voided"
)

// Wallet is a prepaid credit balance. CreditsBalance is a cached projection
// of the transaction ledger, never the source of truth; it is recomputed
// from the signed transaction sum whenever the ledger changes.
type Wallet struct {
	ID              snowflake.ID `gorm:"primaryKey"`
	CustomerID      snowflake.ID `gorm:"not null;index"`
	Name            string       `gorm:"type:text"`
	Currency        string       `gorm:"type:text;not null"`
	RateAmountCents int64        `gorm:"not null"`
	Priority        int          `gorm:"not null;default:0"`
	Status          WalletStatus `gorm:"type:text;not null;default:'active'"`
	CreditsBalance  string       `gorm:"type:text;not null;default:'0'"`
	ExpirationAt    *time.Time
	CreatedAt       time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Wallet) TableName() string { return "wallets" }

// Balance parses the cached credit balance projection.
func (w Wallet) Balance() (money.Decimal, error) {
	return money.NewDecimal(w.CreditsBalance)
}

// Eligible reports whether the wallet may fund an invoice in the given
// currency at the given instant.
func (w Wallet) Eligible(currency string, now time.Time) bool {
	if w.Status != WalletStatusActive {
		return false
	}
	if w.Currency != currency {
		return false
	}
	if w.ExpirationAt != nil && !w.ExpirationAt.After(now) {
		return false
	}
	return true
}

// WalletTransaction is an immutable ledger entry. CreditAmount is always
// positive; TransactionType carries the sign.
type WalletTransaction struct {
	ID           snowflake.ID      `gorm:"primaryKey"`
	WalletID     snowflake.ID      `gorm:"not null;index"`
	Type         TransactionType   `gorm:"type:text;not null"`
	CreditAmount string            `gorm:"type:text;not null"`
	AmountCents  int64             `gorm:"not null"`
	Source       TransactionSource `gorm:"type:text;not null"`
	Status       TransactionStatus `gorm:"type:text;not null;default:'settled'"`
	// TransferID links the outbound and inbound halves of a transfer.
	TransferID *snowflake.ID `gorm:"index"`
	InvoiceID  *snowflake.ID `gorm:"index"`
	CreatedAt  time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (WalletTransaction) TableName() string { return "wallet_transactions" }

// Credits parses the transaction's credit amount.
func (t WalletTransaction) Credits() (money.Decimal, error) {
	return money.NewDecimal(t.CreditAmount)
}
