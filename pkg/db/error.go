package db

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

// IsDuplicateKeyErr reports whether err is a unique-constraint violation on
// any supported dialect. The billing engine relies on this to distinguish a
// double-invoice attempt from other storage failures.
func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	// PostgreSQL (error code 23505)
	if strings.Contains(err.Error(), "duplicate key value violates unique constraint") {
		return true
	}

	// MySQL (error code 1062)
	if strings.Contains(err.Error(), "Error 1062") {
		return true
	}

	// SQLite (error code 2067)
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return true
	}

	return false
}

// IsRetryableTxnErr reports whether err is transient storage contention worth
// a bounded retry: deadlocks, serialization failures, lock timeouts. Unique
// violations are never retryable; a double-invoice must surface as fatal.
func IsRetryableTxnErr(err error) bool {
	if err == nil || IsDuplicateKeyErr(err) {
		return false
	}

	msg := err.Error()

	// PostgreSQL 40001 serialization_failure, 40P01 deadlock_detected,
	// 55P03 lock_not_available
	for _, code := range []string{"40001", "40P01", "55P03"} {
		if strings.Contains(msg, "SQLSTATE "+code) {
			return true
		}
	}
	if strings.Contains(msg, "deadlock detected") ||
		strings.Contains(msg, "could not serialize access") ||
		strings.Contains(msg, "canceling statement due to lock timeout") {
		return true
	}

	// MySQL 1213 deadlock, 1205 lock wait timeout
	if strings.Contains(msg, "Error 1213") || strings.Contains(msg, "Error 1205") {
		return true
	}

	// SQLite
	if strings.Contains(msg, "database is locked") {
		return true
	}

	return false
}
