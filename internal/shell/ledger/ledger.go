// Package ledger provides the durable record of which container/image is
// currently authoritative on this host, used for rollback and idempotence.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/slipway-sh/slipway/internal/core/deploy"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrNoActiveRecord is returned when the ledger holds no active record
	// (fresh host, nothing deployed yet).
	ErrNoActiveRecord = errors.New("no active deployment record")

	// ErrNoPreviousRecord is returned when the ledger holds no previous record.
	ErrNoPreviousRecord = errors.New("no previous deployment record")

	// ErrLedgerCorrupt is returned when durable state is unreadable or
	// inconsistent. Fatal: requires operator intervention.
	ErrLedgerCorrupt = errors.New("ledger state is corrupt")

	// ErrConnectionFailed is returned when the ledger store cannot be opened.
	ErrConnectionFailed = errors.New("ledger connection failed")

	// ErrMigrationFailed is returned when schema migration fails.
	ErrMigrationFailed = errors.New("ledger migration failed")
)

// LedgerError wraps errors with operation context.
type LedgerError struct {
	Op      string
	Message string
	Err     error
}

func (e *LedgerError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *LedgerError) Unwrap() error {
	return e.Err
}

// NewLedgerError creates a new LedgerError.
func NewLedgerError(op, message string, err error) *LedgerError {
	return &LedgerError{Op: op, Message: message, Err: err}
}

// =============================================================================
// Ledger Interface
// =============================================================================

// Ledger is the single-writer durable store of deployment records: exactly
// one active record and at most one previous record. Only the orchestrator
// writes to it, inside its single-flight lock.
type Ledger interface {
	// ReadActive returns the active record, or ErrNoActiveRecord.
	ReadActive(ctx context.Context) (deploy.Record, error)

	// ReadPrevious returns the previous record, or ErrNoPreviousRecord.
	ReadPrevious(ctx context.Context) (deploy.Record, error)

	// Commit atomically replaces both slots: the write succeeds fully or
	// not at all. previous may be nil when there is nothing to retain.
	Commit(ctx context.Context, active deploy.Record, previous *deploy.Record) error

	Close() error
}
