package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ietf-svn-conversion/mailarch/consts"
)

// mapStoreError classifies a pgx error for the ingestion path. Connection
// and timeout failures become ErrStoreUnavailable so callers know the
// whole message must be retried later; everything else passes through
// wrapped.
func mapStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w: %w", op, consts.ErrStoreUnavailable, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 = connection exception, 57 = operator intervention
		// (shutdown), 53 = insufficient resources.
		switch pgErr.Code[:2] {
		case "08", "57", "53":
			return fmt.Errorf("%s: %w: %w", op, consts.ErrStoreUnavailable, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	if pgconn.SafeToRetry(err) {
		return fmt.Errorf("%s: %w: %w", op, consts.ErrStoreUnavailable, err)
	}

	return fmt.Errorf("%s: %w", op, err)
}

// uniqueConstraint returns the violated constraint name for a unique
// violation, or "" if err is not one.
func uniqueConstraint(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return pgErr.ConstraintName
	}
	return ""
}
