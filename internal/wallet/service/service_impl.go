package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tallyhq/tally/internal/clock"
	"github.com/tallyhq/tally/internal/config"
	"github.com/tallyhq/tally/internal/money"
	obsmetrics "github.com/tallyhq/tally/internal/observability/metrics"
	walletdomain "github.com/tallyhq/tally/internal/wallet/domain"
	"github.com/tallyhq/tally/pkg/db"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Billing    *config.BillingConfigHolder
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	billing    *config.BillingConfigHolder
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) walletdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("wallet.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		billing:    p.Billing,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) CreateWallet(ctx context.Context, wallet *walletdomain.Wallet) error {
	if wallet.CustomerID == 0 {
		return walletdomain.ErrInvalidCustomer
	}
	if wallet.RateAmountCents <= 0 {
		return walletdomain.ErrInvalidRateAmount
	}
	if wallet.ID == 0 {
		wallet.ID = s.genID.Generate()
	}
	if wallet.Status == "" {
		wallet.Status = walletdomain.WalletStatusActive
	}
	if wallet.CreditsBalance == "" {
		wallet.CreditsBalance = "0"
	}
	now := s.clock.Now()
	wallet.CreatedAt = now
	wallet.UpdatedAt = now
	return s.db.WithContext(ctx).Create(wallet).Error
}

func (s *Service) GetWallet(ctx context.Context, walletID snowflake.ID) (*walletdomain.Wallet, error) {
	var wallet walletdomain.Wallet
	err := s.db.WithContext(ctx).
		Where("id = ?", walletID).
		First(&wallet).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, walletdomain.ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	return &wallet, nil
}

func (s *Service) Terminate(ctx context.Context, walletID snowflake.ID) error {
	result := s.db.WithContext(ctx).Exec(
		`UPDATE wallets SET status = ?, updated_at = ? WHERE id = ?`,
		walletdomain.WalletStatusTerminated, s.clock.Now(), walletID,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return walletdomain.ErrWalletNotFound
	}
	return nil
}

// Deposit grants credits as an inbound ledger entry and refreshes the
// cached balance projection.
func (s *Service) Deposit(
	ctx context.Context,
	walletID snowflake.ID,
	credits money.Decimal,
	source walletdomain.TransactionSource,
) (*walletdomain.WalletTransaction, error) {
	if credits.IsZero() || credits.IsNegative() {
		return nil, fmt.Errorf("%w: %s", walletdomain.ErrInvalidCreditAmount, credits.String())
	}

	var txn *walletdomain.WalletTransaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := db.ApplyLockTimeout(tx, s.billing.Get().LockTimeoutSeconds); err != nil {
			return err
		}
		wallet, err := s.lockWallet(ctx, tx, walletID)
		if err != nil {
			return err
		}
		if wallet.Status != walletdomain.WalletStatusActive {
			return walletdomain.ErrWalletTerminated
		}
		if wallet.ExpirationAt != nil && !wallet.ExpirationAt.After(s.clock.Now()) {
			return walletdomain.ErrWalletExpired
		}

		amountCents, err := credits.Mul(money.DecimalFromInt64(wallet.RateAmountCents)).RoundHalfUp()
		if err != nil {
			return err
		}
		txn = &walletdomain.WalletTransaction{
			ID:           s.genID.Generate(),
			WalletID:     walletID,
			Type:         walletdomain.TransactionTypeInbound,
			CreditAmount: credits.String(),
			AmountCents:  amountCents,
			Source:       source,
			Status:       walletdomain.TransactionStatusSettled,
			CreatedAt:    s.clock.Now(),
		}
		if err := tx.Create(txn).Error; err != nil {
			return err
		}
		return s.refreshBalance(ctx, tx, walletID)
	})
	if err != nil {
		return nil, err
	}
	if s.obsMetrics != nil {
		s.obsMetrics.RecordWalletTransaction(string(txn.Type), string(txn.Source))
	}
	return txn, nil
}

// ApplyCredits walks the customer's eligible wallets in ascending priority,
// oldest first within a priority, debiting each until the amount owed is
// covered. Debits are debit-then-check: the balance is re-read under a row
// lock inside the caller's transaction, so concurrent invoices cannot
// overdraw a wallet.
func (s *Service) ApplyCredits(
	ctx context.Context,
	tx *gorm.DB,
	customerID snowflake.ID,
	amountOwed money.Money,
	invoiceID *snowflake.ID,
) (*walletdomain.CreditApplication, error) {
	if amountOwed.AmountCents < 0 {
		return nil, fmt.Errorf("%w: %d", walletdomain.ErrNegativeAmountOwed, amountOwed.AmountCents)
	}

	result := &walletdomain.CreditApplication{
		ResidualOwed: amountOwed,
	}
	if amountOwed.AmountCents == 0 {
		return result, nil
	}

	now := s.clock.Now()
	wallets, err := s.lockCustomerWallets(ctx, tx, customerID)
	if err != nil {
		return nil, err
	}

	owed := amountOwed.AmountCents
	for _, wallet := range wallets {
		if owed == 0 {
			break
		}
		if !wallet.Eligible(amountOwed.Currency, now) {
			continue
		}

		balance, err := wallet.Balance()
		if err != nil {
			return nil, fmt.Errorf("wallet %s balance: %w", wallet.ID, err)
		}
		if balance.IsZero() || balance.IsNegative() {
			continue
		}

		rate := money.DecimalFromInt64(wallet.RateAmountCents)
		availableCents, err := balance.Mul(rate).RoundHalfUp()
		if err != nil {
			return nil, err
		}
		if availableCents <= 0 {
			continue
		}

		debitCents := owed
		if availableCents < debitCents {
			debitCents = availableCents
		}
		debitCredits, err := money.DecimalFromInt64(debitCents).Div(rate)
		if err != nil {
			return nil, err
		}
		// Draining the wallet must zero the balance exactly even when the
		// rate does not divide the debit evenly.
		drained := debitCents == availableCents
		if drained {
			debitCredits = balance
		}

		txn := walletdomain.WalletTransaction{
			ID:           s.genID.Generate(),
			WalletID:     wallet.ID,
			Type:         walletdomain.TransactionTypeOutbound,
			CreditAmount: debitCredits.String(),
			AmountCents:  debitCents,
			Source:       walletdomain.SourceInvoice,
			Status:       walletdomain.TransactionStatusSettled,
			InvoiceID:    invoiceID,
			CreatedAt:    now,
		}
		if err := tx.Create(&txn).Error; err != nil {
			return nil, err
		}
		if err := s.refreshBalance(ctx, tx, wallet.ID); err != nil {
			return nil, err
		}

		result.Transactions = append(result.Transactions, txn)
		result.AppliedCents += debitCents
		owed -= debitCents
		if drained {
			result.DepletedWalletIDs = append(result.DepletedWalletIDs, wallet.ID)
		}

		s.log.Debug("applied wallet credits",
			zap.String("wallet_id", wallet.ID.String()),
			zap.Int64("debit_cents", debitCents),
			zap.Int64("remaining_owed", owed),
		)
	}

	result.ResidualOwed = money.New(owed, amountOwed.Currency)
	if s.obsMetrics != nil {
		s.obsMetrics.RecordCreditsApplied(result.AppliedCents)
		for _, txn := range result.Transactions {
			s.obsMetrics.RecordWalletTransaction(string(txn.Type), string(txn.Source))
		}
	}
	return result, nil
}

// VoidInvoiceTransactions voids every settled transaction tied to the
// invoice and rebuilds the balance projections of the wallets touched.
func (s *Service) VoidInvoiceTransactions(ctx context.Context, tx *gorm.DB, invoiceID snowflake.ID) error {
	var txns []walletdomain.WalletTransaction
	err := tx.WithContext(ctx).
		Where("invoice_id = ? AND status = ?", invoiceID, walletdomain.TransactionStatusSettled).
		Find(&txns).Error
	if err != nil {
		return err
	}
	if len(txns) == 0 {
		return nil
	}

	if err := tx.WithContext(ctx).Exec(
		`UPDATE wallet_transactions SET status = ? WHERE invoice_id = ? AND status = ?`,
		walletdomain.TransactionStatusVoided, invoiceID, walletdomain.TransactionStatusSettled,
	).Error; err != nil {
		return err
	}

	seen := map[snowflake.ID]bool{}
	for _, txn := range txns {
		if seen[txn.WalletID] {
			continue
		}
		seen[txn.WalletID] = true
		if err := s.refreshBalance(ctx, tx, txn.WalletID); err != nil {
			return err
		}
	}
	return nil
}

// Transfer moves credits between wallets as a paired outbound/inbound
// ledger entry. Both rows commit or neither does.
func (s *Service) Transfer(ctx context.Context, fromID, toID snowflake.ID, credits money.Decimal) error {
	if fromID == toID {
		return walletdomain.ErrSameWalletTransfer
	}
	if credits.IsZero() || credits.IsNegative() {
		return fmt.Errorf("%w: %s", walletdomain.ErrInvalidCreditAmount, credits.String())
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := db.ApplyLockTimeout(tx, s.billing.Get().LockTimeoutSeconds); err != nil {
			return err
		}
		// Lock in id order so concurrent opposing transfers cannot deadlock.
		first, second := fromID, toID
		if second < first {
			first, second = second, first
		}
		locked := map[snowflake.ID]*walletdomain.Wallet{}
		for _, id := range []snowflake.ID{first, second} {
			wallet, err := s.lockWallet(ctx, tx, id)
			if err != nil {
				return err
			}
			locked[id] = wallet
		}
		from, to := locked[fromID], locked[toID]

		now := s.clock.Now()
		if !from.Eligible(from.Currency, now) {
			return walletdomain.ErrWalletTerminated
		}
		if to.Status != walletdomain.WalletStatusActive {
			return walletdomain.ErrWalletTerminated
		}

		balance, err := from.Balance()
		if err != nil {
			return err
		}
		if balance.Cmp(credits) < 0 {
			return fmt.Errorf("%w: wallet %s has %s, needs %s",
				walletdomain.ErrInsufficientCredits, from.ID, balance.String(), credits.String())
		}

		outCents, err := credits.Mul(money.DecimalFromInt64(from.RateAmountCents)).RoundHalfUp()
		if err != nil {
			return err
		}
		inCents, err := credits.Mul(money.DecimalFromInt64(to.RateAmountCents)).RoundHalfUp()
		if err != nil {
			return err
		}

		transferID := s.genID.Generate()
		pair := []walletdomain.WalletTransaction{
			{
				ID:           s.genID.Generate(),
				WalletID:     from.ID,
				Type:         walletdomain.TransactionTypeOutbound,
				CreditAmount: credits.String(),
				AmountCents:  outCents,
				Source:       walletdomain.SourceTransfer,
				Status:       walletdomain.TransactionStatusSettled,
				TransferID:   &transferID,
				CreatedAt:    now,
			},
			{
				ID:           s.genID.Generate(),
				WalletID:     to.ID,
				Type:         walletdomain.TransactionTypeInbound,
				CreditAmount: credits.String(),
				AmountCents:  inCents,
				Source:       walletdomain.SourceTransfer,
				Status:       walletdomain.TransactionStatusSettled,
				TransferID:   &transferID,
				CreatedAt:    now,
			},
		}
		for i := range pair {
			if err := tx.Create(&pair[i]).Error; err != nil {
				return err
			}
		}
		if err := s.refreshBalance(ctx, tx, from.ID); err != nil {
			return err
		}
		return s.refreshBalance(ctx, tx, to.ID)
	})
	if err != nil {
		return err
	}
	if s.obsMetrics != nil {
		s.obsMetrics.RecordWalletTransaction(string(walletdomain.TransactionTypeOutbound), string(walletdomain.SourceTransfer))
		s.obsMetrics.RecordWalletTransaction(string(walletdomain.TransactionTypeInbound), string(walletdomain.SourceTransfer))
	}
	return nil
}

// Forecast projects the depletion date from mean daily outbound consumption
// over the configured trailing window. A wallet with no consumption in the
// window never depletes and yields nil DaysRemaining.
func (s *Service) Forecast(ctx context.Context, walletID snowflake.ID, now time.Time) (*walletdomain.DepletionForecast, error) {
	wallet, err := s.GetWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	balance, err := wallet.Balance()
	if err != nil {
		return nil, err
	}

	windowDays := s.billing.Get().WalletForecastWindowDays
	if windowDays <= 0 {
		windowDays = 30
	}
	windowStart := now.AddDate(0, 0, -windowDays)

	var consumedCents int64
	err = s.db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(amount_cents), 0)
		 FROM wallet_transactions
		 WHERE wallet_id = ?
		   AND type = ?
		   AND status = ?
		   AND created_at >= ?`,
		walletID,
		walletdomain.TransactionTypeOutbound,
		walletdomain.TransactionStatusSettled,
		windowStart,
	).Scan(&consumedCents).Error
	if err != nil {
		return nil, err
	}

	forecast := &walletdomain.DepletionForecast{
		WalletID:       walletID,
		BalanceCredits: balance,
		AvgDailyCents:  money.DecimalFromInt64(0),
	}
	if consumedCents <= 0 {
		return forecast, nil
	}

	avgDaily, err := money.DecimalFromInt64(consumedCents).
		Div(money.DecimalFromInt64(int64(windowDays)))
	if err != nil {
		return nil, err
	}
	forecast.AvgDailyCents = avgDaily

	balanceCents := balance.Mul(money.DecimalFromInt64(wallet.RateAmountCents))
	ratio, err := balanceCents.Div(avgDaily)
	if err != nil {
		return nil, err
	}
	daysRemaining, err := ratio.Float64()
	if err != nil {
		return nil, err
	}
	depletionAt := now.Add(time.Duration(daysRemaining * 24 * float64(time.Hour)))

	forecast.DaysRemaining = &daysRemaining
	forecast.ProjectedDepletionAt = &depletionAt
	return forecast, nil
}

// RecomputeBalance rebuilds the cached projection from the ledger inside
// its own transaction and returns the recomputed balance.
func (s *Service) RecomputeBalance(ctx context.Context, walletID snowflake.ID) (money.Decimal, error) {
	var balance money.Decimal
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := db.ApplyLockTimeout(tx, s.billing.Get().LockTimeoutSeconds); err != nil {
			return err
		}
		if _, err := s.lockWallet(ctx, tx, walletID); err != nil {
			return err
		}
		var err error
		balance, err = s.ledgerBalance(ctx, tx, walletID)
		if err != nil {
			return err
		}
		return tx.Exec(
			`UPDATE wallets SET credits_balance = ?, updated_at = ? WHERE id = ?`,
			balance.String(), s.clock.Now(), walletID,
		).Error
	})
	return balance, err
}

func (s *Service) lockWallet(ctx context.Context, tx *gorm.DB, walletID snowflake.ID) (*walletdomain.Wallet, error) {
	var wallet walletdomain.Wallet
	lockStart := time.Now()
	err := tx.WithContext(ctx).Raw(
		`SELECT * FROM wallets WHERE id = ? FOR UPDATE`,
		walletID,
	).Scan(&wallet).Error
	if s.obsMetrics != nil {
		s.obsMetrics.ObserveLockWait("wallets", time.Since(lockStart))
	}
	if err != nil {
		return nil, err
	}
	if wallet.ID == 0 {
		return nil, walletdomain.ErrWalletNotFound
	}
	return &wallet, nil
}

func (s *Service) lockCustomerWallets(ctx context.Context, tx *gorm.DB, customerID snowflake.ID) ([]walletdomain.Wallet, error) {
	var wallets []walletdomain.Wallet
	lockStart := time.Now()
	err := tx.WithContext(ctx).Raw(
		`SELECT * FROM wallets
		 WHERE customer_id = ?
		 ORDER BY priority ASC, created_at ASC, id ASC
		 FOR UPDATE`,
		customerID,
	).Scan(&wallets).Error
	if s.obsMetrics != nil {
		s.obsMetrics.ObserveLockWait("wallets", time.Since(lockStart))
	}
	if err != nil {
		return nil, err
	}
	return wallets, nil
}

// ledgerBalance computes the signed sum of settled transactions. Sums run in
// decimal form in Go because credit amounts are stored as decimal strings.
func (s *Service) ledgerBalance(ctx context.Context, tx *gorm.DB, walletID snowflake.ID) (money.Decimal, error) {
	var txns []walletdomain.WalletTransaction
	err := tx.WithContext(ctx).
		Where("wallet_id = ? AND status = ?", walletID, walletdomain.TransactionStatusSettled).
		Order("created_at ASC, id ASC").
		Find(&txns).Error
	if err != nil {
		return money.Decimal{}, err
	}

	balance := money.DecimalFromInt64(0)
	for _, txn := range txns {
		credits, err := txn.Credits()
		if err != nil {
			return money.Decimal{}, fmt.Errorf("transaction %s: %w", txn.ID, err)
		}
		switch txn.Type {
		case walletdomain.TransactionTypeInbound:
			balance = balance.Add(credits)
		case walletdomain.TransactionTypeOutbound:
			balance = balance.Sub(credits)
		}
	}
	return balance, nil
}

func (s *Service) refreshBalance(ctx context.Context, tx *gorm.DB, walletID snowflake.ID) error {
	balance, err := s.ledgerBalance(ctx, tx, walletID)
	if err != nil {
		return err
	}
	return tx.Exec(
		`UPDATE wallets SET credits_balance = ?, updated_at = ? WHERE id = ?`,
		balance.String(), s.clock.Now(), walletID,
	).Error
}
