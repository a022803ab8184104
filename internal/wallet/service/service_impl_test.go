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
	"github.com/tallyhq/tally/internal/money"
	walletdomain "github.com/tallyhq/tally/internal/wallet/domain"
)

func setupWalletDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	// SQLite support hack: remove FOR UPDATE clauses
	stripLock := func(d *gorm.DB) {
		sql := d.Statement.SQL.String()
		if strings.Contains(sql, "FOR UPDATE") {
			newSQL := strings.ReplaceAll(sql, "FOR UPDATE SKIP LOCKED", "")
			newSQL = strings.ReplaceAll(newSQL, "FOR UPDATE", "")
			d.Statement.SQL.Reset()
			d.Statement.SQL.WriteString(newSQL)
		}
	}
	require.NoError(t, db.Callback().Query().Before("gorm:query").Register("sqlite_skip_locked", stripLock))
	require.NoError(t, db.Callback().Row().Before("gorm:row").Register("sqlite_skip_locked_row", stripLock))

	require.NoError(t, db.AutoMigrate(
		&walletdomain.Wallet{},
		&walletdomain.WalletTransaction{},
	))
	return db
}

func newWalletService(t *testing.T, db *gorm.DB, now time.Time) (*Service, *snowflake.Node, *clock.FakeClock) {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fake := clock.NewFakeClock(now)
	svc := NewService(Params{
		DB:      db,
		Log:     zap.NewNop(),
		GenID:   node,
		Clock:   fake,
		Billing: config.NewStaticBillingConfig(config.DefaultBillingConfig()),
	}).(*Service)
	return svc, node, fake
}

func seedWallet(t *testing.T, svc *Service, customerID snowflake.ID, priority int, rateCents int64) *walletdomain.Wallet {
	t.Helper()
	wallet := &walletdomain.Wallet{
		CustomerID:      customerID,
		Currency:        "USD",
		RateAmountCents: rateCents,
		Priority:        priority,
	}
	require.NoError(t, svc.CreateWallet(context.Background(), wallet))
	return wallet
}

func mustDecimal(t *testing.T, s string) money.Decimal {
	t.Helper()
	d, err := money.NewDecimal(s)
	require.NoError(t, err)
	return d
}

func TestApplyCredits_PriorityOrder(t *testing.T) {
	// Wallet at priority 1 is empty, priority 2 holds 100 credits at
	// 50 cents/credit; 3000 cents owed drains 60 credits from wallet 2.
	db := setupWalletDB(t)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	svc, node, _ := newWalletService(t, db, now)
	ctx := context.Background()

	customerID := node.Generate()
	first := seedWallet(t, svc, customerID, 1, 50)
	second := seedWallet(t, svc, customerID, 2, 50)
	_, err := svc.Deposit(ctx, second.ID, mustDecimal(t, "100"), walletdomain.SourceManual)
	require.NoError(t, err)

	var result *walletdomain.CreditApplication
	err = db.Transaction(func(tx *gorm.DB) error {
		var applyErr error
		result, applyErr = svc.ApplyCredits(ctx, tx, customerID, money.New(3000, "USD"), nil)
		return applyErr
	})
	require.NoError(t, err)

	assert.Equal(t, int64(0), result.ResidualOwed.AmountCents)
	assert.Equal(t, int64(3000), result.AppliedCents)
	require.Len(t, result.Transactions, 1)
	assert.Equal(t, second.ID, result.Transactions[0].WalletID)
	assert.Equal(t, "60", result.Transactions[0].CreditAmount)
	assert.Equal(t, int64(3000), result.Transactions[0].AmountCents)

	updatedFirst, err := svc.GetWallet(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "0", updatedFirst.CreditsBalance)

	updatedSecond, err := svc.GetWallet(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, "40", updatedSecond.CreditsBalance)
}

func TestApplyCredits_SpansMultipleWallets(t *testing.T) {
	db := setupWalletDB(t)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	svc, node, _ := newWalletService(t, db, now)
	ctx := context.Background()

	customerID := node.Generate()
	first := seedWallet(t, svc, customerID, 1, 100)
	second := seedWallet(t, svc, customerID, 2, 100)
	_, err := svc.Deposit(ctx, first.ID, mustDecimal(t, "10"), walletdomain.SourceManual)
	require.NoError(t, err)
	_, err = svc.Deposit(ctx, second.ID, mustDecimal(t, "50"), walletdomain.SourceManual)
	require.NoError(t, err)

	var result *walletdomain.CreditApplication
	err = db.Transaction(func(tx *gorm.DB) error {
		var applyErr error
		result, applyErr = svc.ApplyCredits(ctx, tx, customerID, money.New(2500, "USD"), nil)
		return applyErr
	})
	require.NoError(t, err)

	// 1000 cents from wallet 1, 1500 from wallet 2.
	assert.Equal(t, int64(0), result.ResidualOwed.AmountCents)
	require.Len(t, result.Transactions, 2)
	assert.Equal(t, first.ID, result.Transactions[0].WalletID)
	assert.Equal(t, int64(1000), result.Transactions[0].AmountCents)
	assert.Equal(t, second.ID, result.Transactions[1].WalletID)
	assert.Equal(t, int64(1500), result.Transactions[1].AmountCents)

	updatedSecond, err := svc.GetWallet(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, "35", updatedSecond.CreditsBalance)
}

func TestApplyCredits_ResidualWhenDrained(t *testing.T) {
	db := setupWalletDB(t)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	svc, node, _ := newWalletService(t, db, now)
	ctx := context.Background()

	customerID := node.Generate()
	wallet := seedWallet(t, svc, customerID, 1, 100)
	_, err := svc.Deposit(ctx, wallet.ID, mustDecimal(t, "10"), walletdomain.SourceManual)
	require.NoError(t, err)

	var result *walletdomain.CreditApplication
	err = db.Transaction(func(tx *gorm.DB) error {
		var applyErr error
		result, applyErr = svc.ApplyCredits(ctx, tx, customerID, money.New(2500, "USD"), nil)
		return applyErr
	})
	require.NoError(t, err)

	assert.Equal(t, int64(1500), result.ResidualOwed.AmountCents)
	assert.Equal(t, int64(1000), result.AppliedCents)
	assert.Equal(t, []snowflake.ID{wallet.ID}, result.DepletedWalletIDs)

	updated, err := svc.GetWallet(ctx, wallet.ID)
	require.NoError(t, err)
	assert.Equal(t, "0", updated.CreditsBalance)
}

func TestApplyCredits_ReportsOnlyDrainedWallets(t *testing.T) {
	// 4000 cents owed drains the first wallet (3000) and leaves the
	// second with credits; only the drained wallet is reported depleted.
	db := setupWalletDB(t)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	svc, node, _ := newWalletService(t, db, now)
	ctx := context.Background()

	customerID := node.Generate()
	first := seedWallet(t, svc, customerID, 1, 100)
	second := seedWallet(t, svc, customerID, 2, 100)
	_, err := svc.Deposit(ctx, first.ID, mustDecimal(t, "30"), walletdomain.SourceManual)
	require.NoError(t, err)
	_, err = svc.Deposit(ctx, second.ID, mustDecimal(t, "100"), walletdomain.SourceManual)
	require.NoError(t, err)

	var result *walletdomain.CreditApplication
	err = db.Transaction(func(tx *gorm.DB) error {
		var applyErr error
		result, applyErr = svc.ApplyCredits(ctx, tx, customerID, money.New(4000, "USD"), nil)
		return applyErr
	})
	require.NoError(t, err)

	assert.Equal(t, int64(4000), result.AppliedCents)
	assert.Equal(t, []snowflake.ID{first.ID}, result.DepletedWalletIDs)
}

func TestDeposit_ExpiredWallet(t *testing.T) {
	db := setupWalletDB(t)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	svc, node, _ := newWalletService(t, db, now)
	ctx := context.Background()

	wallet := seedWallet(t, svc, node.Generate(), 1, 100)
	past := now.Add(-time.Hour)
	require.NoError(t, db.Exec(`UPDATE wallets SET expiration_at = ? WHERE id = ?`, past, wallet.ID).Error)

	_, err := svc.Deposit(ctx, wallet.ID, mustDecimal(t, "10"), walletdomain.SourceManual)
	assert.ErrorIs(t, err, walletdomain.ErrWalletExpired)
}

func TestApplyCredits_SkipsIneligibleWallets(t *testing.T) {
	db := setupWalletDB(t)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	svc, node, _ := newWalletService(t, db, now)
	ctx := context.Background()

	customerID := node.Generate()

	terminated := seedWallet(t, svc, customerID, 1, 100)
	_, err := svc.Deposit(ctx, terminated.ID, mustDecimal(t, "100"), walletdomain.SourceManual)
	require.NoError(t, err)
	require.NoError(t, svc.Terminate(ctx, terminated.ID))

	expired := seedWallet(t, svc, customerID, 2, 100)
	_, err = svc.Deposit(ctx, expired.ID, mustDecimal(t, "100"), walletdomain.SourceManual)
	require.NoError(t, err)
	past := now.Add(-time.Hour)
	require.NoError(t, db.Exec(`UPDATE wallets SET expiration_at = ? WHERE id = ?`, past, expired.ID).Error)

	foreign := &walletdomain.Wallet{
		CustomerID:      customerID,
		Currency:        "EUR",
		RateAmountCents: 100,
		Priority:        3,
	}
	require.NoError(t, svc.CreateWallet(ctx, foreign))
	_, err = svc.Deposit(ctx, foreign.ID, mustDecimal(t, "100"), walletdomain.SourceManual)
	require.NoError(t, err)

	live := seedWallet(t, svc, customerID, 4, 100)
	_, err = svc.Deposit(ctx, live.ID, mustDecimal(t, "5"), walletdomain.SourceManual)
	require.NoError(t, err)

	var result *walletdomain.CreditApplication
	err = db.Transaction(func(tx *gorm.DB) error {
		var applyErr error
		result, applyErr = svc.ApplyCredits(ctx, tx, customerID, money.New(2000, "USD"), nil)
		return applyErr
	})
	require.NoError(t, err)

	require.Len(t, result.Transactions, 1)
	assert.Equal(t, live.ID, result.Transactions[0].WalletID)
	assert.Equal(t, int64(500), result.AppliedCents)
	assert.Equal(t, int64(1500), result.ResidualOwed.AmountCents)
}

func TestApplyCredits_ZeroOwedIsNoop(t *testing.T) {
	db := setupWalletDB(t)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	svc, node, _ := newWalletService(t, db, now)
	ctx := context.Background()

	customerID := node.Generate()
	wallet := seedWallet(t, svc, customerID, 1, 100)
	_, err := svc.Deposit(ctx, wallet.ID, mustDecimal(t, "10"), walletdomain.SourceManual)
	require.NoError(t, err)

	err = db.Transaction(func(tx *gorm.DB) error {
		result, applyErr := svc.ApplyCredits(ctx, tx, customerID, money.Zero("USD"), nil)
		if applyErr != nil {
			return applyErr
		}
		assert.Empty(t, result.Transactions)
		assert.Equal(t, int64(0), result.AppliedCents)
		return nil
	})
	require.NoError(t, err)
}

func TestBalanceMatchesLedger(t *testing.T) {
	// The cached balance projection must always equal the signed sum of
	// settled transactions.
	db := setupWalletDB(t)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	svc, node, _ := newWalletService(t, db, now)
	ctx := context.Background()

	customerID := node.Generate()
	wallet := seedWallet(t, svc, customerID, 1, 25)

	_, err := svc.Deposit(ctx, wallet.ID, mustDecimal(t, "100"), walletdomain.SourceManual)
	require.NoError(t, err)
	_, err = svc.Deposit(ctx, wallet.ID, mustDecimal(t, "2.5"), walletdomain.SourceInterval)
	require.NoError(t, err)

	err = db.Transaction(func(tx *gorm.DB) error {
		_, applyErr := svc.ApplyCredits(ctx, tx, customerID, money.New(500, "USD"), nil)
		return applyErr
	})
	require.NoError(t, err)

	var txns []walletdomain.WalletTransaction
	require.NoError(t, db.Where("wallet_id = ?", wallet.ID).Find(&txns).Error)
	ledger := money.DecimalFromInt64(0)
	for _, txn := range txns {
		credits, err := txn.Credits()
		require.NoError(t, err)
		if txn.Type == walletdomain.TransactionTypeInbound {
			ledger = ledger.Add(credits)
		} else {
			ledger = ledger.Sub(credits)
		}
	}

	updated, err := svc.GetWallet(ctx, wallet.ID)
	require.NoError(t, err)
	cached, err := updated.Balance()
	require.NoError(t, err)
	assert.Equal(t, 0, cached.Cmp(ledger), "cached %s vs ledger %s", cached.String(), ledger.String())

	recomputed, err := svc.RecomputeBalance(ctx, wallet.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, recomputed.Cmp(ledger))
}

func TestTransfer(t *testing.T) {
	db := setupWalletDB(t)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	svc, node, _ := newWalletService(t, db, now)
	ctx := context.Background()

	customerID := node.Generate()
	from := seedWallet(t, svc, customerID, 1, 100)
	to := seedWallet(t, svc, customerID, 2, 100)
	_, err := svc.Deposit(ctx, from.ID, mustDecimal(t, "80"), walletdomain.SourceManual)
	require.NoError(t, err)

	require.NoError(t, svc.Transfer(ctx, from.ID, to.ID, mustDecimal(t, "30")))

	updatedFrom, err := svc.GetWallet(ctx, from.ID)
	require.NoError(t, err)
	assert.Equal(t, "50", updatedFrom.CreditsBalance)
	updatedTo, err := svc.GetWallet(ctx, to.ID)
	require.NoError(t, err)
	assert.Equal(t, "30", updatedTo.CreditsBalance)

	// Both halves share a transfer id.
	var txns []walletdomain.WalletTransaction
	require.NoError(t, db.Where("source = ?", walletdomain.SourceTransfer).Find(&txns).Error)
	require.Len(t, txns, 2)
	require.NotNil(t, txns[0].TransferID)
	require.NotNil(t, txns[1].TransferID)
	assert.Equal(t, *txns[0].TransferID, *txns[1].TransferID)
}

func TestTransfer_InsufficientCredits(t *testing.T) {
	db := setupWalletDB(t)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	svc, node, _ := newWalletService(t, db, now)
	ctx := context.Background()

	customerID := node.Generate()
	from := seedWallet(t, svc, customerID, 1, 100)
	to := seedWallet(t, svc, customerID, 2, 100)
	_, err := svc.Deposit(ctx, from.ID, mustDecimal(t, "10"), walletdomain.SourceManual)
	require.NoError(t, err)

	err = svc.Transfer(ctx, from.ID, to.ID, mustDecimal(t, "30"))
	assert.ErrorIs(t, err, walletdomain.ErrInsufficientCredits)

	// Neither side changed.
	updatedFrom, err := svc.GetWallet(ctx, from.ID)
	require.NoError(t, err)
	assert.Equal(t, "10", updatedFrom.CreditsBalance)
	updatedTo, err := svc.GetWallet(ctx, to.ID)
	require.NoError(t, err)
	assert.Equal(t, "0", updatedTo.CreditsBalance)
}

func TestTransfer_SameWallet(t *testing.T) {
	db := setupWalletDB(t)
	svc, node, _ := newWalletService(t, db, time.Now())
	id := node.Generate()
	err := svc.Transfer(context.Background(), id, id, mustDecimal(t, "1"))
	assert.ErrorIs(t, err, walletdomain.ErrSameWalletTransfer)
}

func TestDeposit_RejectsNonPositive(t *testing.T) {
	db := setupWalletDB(t)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	svc, node, _ := newWalletService(t, db, now)
	ctx := context.Background()

	wallet := seedWallet(t, svc, node.Generate(), 1, 100)

	_, err := svc.Deposit(ctx, wallet.ID, money.DecimalFromInt64(0), walletdomain.SourceManual)
	assert.ErrorIs(t, err, walletdomain.ErrInvalidCreditAmount)
	_, err = svc.Deposit(ctx, wallet.ID, money.DecimalFromInt64(-5), walletdomain.SourceManual)
	assert.ErrorIs(t, err, walletdomain.ErrInvalidCreditAmount)
}

func TestForecast(t *testing.T) {
	db := setupWalletDB(t)
	now := time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC)
	svc, node, fake := newWalletService(t, db, now.AddDate(0, 0, -20))
	ctx := context.Background()

	customerID := node.Generate()
	wallet := seedWallet(t, svc, customerID, 1, 100)
	_, err := svc.Deposit(ctx, wallet.ID, mustDecimal(t, "90"), walletdomain.SourceManual)
	require.NoError(t, err)

	// 3000 cents consumed inside the trailing window.
	err = db.Transaction(func(tx *gorm.DB) error {
		_, applyErr := svc.ApplyCredits(ctx, tx, customerID, money.New(3000, "USD"), nil)
		return applyErr
	})
	require.NoError(t, err)
	fake.Advance(20 * 24 * time.Hour)

	forecast, err := svc.Forecast(ctx, wallet.ID, now)
	require.NoError(t, err)
	require.NotNil(t, forecast.DaysRemaining)

	// 6000 cents left at 100 cents/day avg (3000 over 30 days).
	assert.InDelta(t, 60, *forecast.DaysRemaining, 0.01)
	require.NotNil(t, forecast.ProjectedDepletionAt)
	assert.WithinDuration(t, now.AddDate(0, 0, 60), *forecast.ProjectedDepletionAt, time.Hour)
}

func TestForecast_NoConsumption(t *testing.T) {
	db := setupWalletDB(t)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	svc, node, _ := newWalletService(t, db, now)
	ctx := context.Background()

	wallet := seedWallet(t, svc, node.Generate(), 1, 100)
	_, err := svc.Deposit(ctx, wallet.ID, mustDecimal(t, "10"), walletdomain.SourceManual)
	require.NoError(t, err)

	forecast, err := svc.Forecast(ctx, wallet.ID, now)
	require.NoError(t, err)
	assert.Nil(t, forecast.DaysRemaining)
	assert.Nil(t, forecast.ProjectedDepletionAt)
}
