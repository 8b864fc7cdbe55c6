package repository

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/septivank/meter-sync/internal/syncerr"
)

// SQLSTATE codes the sync path reacts to
const (
	codeLockNotAvailable     = "55P03"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeUniqueViolation      = "23505"
	codeAdminShutdown        = "57P01"
	codeCrashShutdown        = "57P02"
	codeCannotConnectNow     = "57P03"
	classConnection          = "08"
	classInsufficientRes     = "53"
	classDataException       = "22"
)

// Classify maps driver errors onto the sync error taxonomy. Errors that are
// not database failures are returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, syncerr.ErrConflictBusy) || errors.Is(err, syncerr.ErrStorageUnavailable) || errors.Is(err, syncerr.ErrValidation) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == codeLockNotAvailable,
			pgErr.Code == codeSerializationFailure,
			pgErr.Code == codeDeadlockDetected,
			// Another writer got there first; a fresh attempt sees its row
			pgErr.Code == codeUniqueViolation:
			return fmt.Errorf("%w: %w", syncerr.ErrConflictBusy, err)
		case pgErr.Code == codeAdminShutdown,
			pgErr.Code == codeCrashShutdown,
			pgErr.Code == codeCannotConnectNow,
			strings.HasPrefix(pgErr.Code, classConnection),
			strings.HasPrefix(pgErr.Code, classInsufficientRes):
			return fmt.Errorf("%w: %w", syncerr.ErrStorageUnavailable, err)
		case strings.HasPrefix(pgErr.Code, classDataException):
			// The row can never be stored, retrying does not help
			return fmt.Errorf("%w: %w", syncerr.ErrValidation, err)
		}
		return err
	}

	var connectErr *pgconn.ConnectError
	var netErr net.Error
	if errors.As(err, &connectErr) || errors.As(err, &netErr) || pgconn.SafeToRetry(err) {
		return fmt.Errorf("%w: %w", syncerr.ErrStorageUnavailable, err)
	}
	return err
}
