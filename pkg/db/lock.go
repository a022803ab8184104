package db

import (
	"fmt"

	"gorm.io/gorm"
)

// LockTimeoutClause returns the statement that bounds row-lock acquisition
// for the current transaction on the given dialect, or "" when the dialect
// has no transaction-scoped lock timeout.
func LockTimeoutClause(dialect string, seconds int) string {
	if seconds <= 0 {
		return ""
	}
	switch dialect {
	case "postgres":
		return fmt.Sprintf("SET LOCAL lock_timeout = '%ds'", seconds)
	case "mysql":
		return fmt.Sprintf("SET innodb_lock_wait_timeout = %d", seconds)
	default:
		// SQLite serializes writers; its busy timeout is a DSN concern.
		return ""
	}
}

// InsertIgnoreClause returns the dialect's suffix for an idempotent insert:
// the statement reports zero rows affected when a row with the same unique
// key already exists. Postgres and sqlite name the conflict columns; mysql
// resolves against the unique index implicitly.
func InsertIgnoreClause(dialect, conflictColumns string) string {
	if dialect == "mysql" {
		return "ON DUPLICATE KEY UPDATE id = id"
	}
	return fmt.Sprintf("ON CONFLICT (%s) DO NOTHING", conflictColumns)
}

// ApplyLockTimeout bounds how long FOR UPDATE reads in tx wait on row locks.
// A lock that cannot be acquired in time fails the transaction with an error
// IsRetryableTxnErr classifies, so callers retry or surface it as fatal.
func ApplyLockTimeout(tx *gorm.DB, seconds int) error {
	clause := LockTimeoutClause(tx.Dialector.Name(), seconds)
	if clause == "" {
		return nil
	}
	return tx.Exec(clause).Error
}
