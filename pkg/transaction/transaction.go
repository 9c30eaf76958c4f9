package transaction

import (
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
)

// ErrContention is returned once the retry budget for an atomic unit is
// exhausted. It is distinct from business-rule failures: the caller may
// safely retry the whole operation.
var ErrContention = errors.New("transaction aborted after repeated contention")

const (
	maxAttempts = 3
	retryDelay  = 25 * time.Millisecond
)

// WithRetry runs fn inside a database transaction. The transaction commits
// only if fn returns nil; any error rolls back every write made by fn.
// Transient store contention (a concurrent writer holding the lock) is
// retried up to maxAttempts before surfacing ErrContention. Business errors
// returned by fn are never retried.
func WithRetry(db *gorm.DB, fn func(tx *gorm.DB) error) error {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = db.Transaction(fn)
		if err == nil || !isTransient(err) {
			return err
		}
		time.Sleep(retryDelay * time.Duration(attempt))
	}
	return ErrContention
}

// isTransient reports whether err is a lock-contention error from the
// underlying store rather than a business failure.
func isTransient(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}
