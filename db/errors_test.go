package db

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/ietf-svn-conversion/mailarch/consts"
)

func pgError(code, constraint string) error {
	return &pgconn.PgError{Code: code, ConstraintName: constraint}
}

func TestUniqueConstraint(t *testing.T) {
	assert.Equal(t, "messages_identity_key",
		uniqueConstraint(pgError("23505", "messages_identity_key")))
	assert.Equal(t, "messages_thread_position_key",
		uniqueConstraint(fmt.Errorf("insert: %w", pgError("23505", "messages_thread_position_key"))))

	// Non-unique violations and non-pg errors classify as nothing.
	assert.Empty(t, uniqueConstraint(pgError("23503", "attachments_message_id_fkey")))
	assert.Empty(t, uniqueConstraint(errors.New("connection refused")))
	assert.Empty(t, uniqueConstraint(nil))
}

func TestMapStoreErrorRetryableClasses(t *testing.T) {
	for _, code := range []string{"08006", "57P01", "53300"} {
		err := mapStoreError("op", pgError(code, ""))
		assert.ErrorIs(t, err, consts.ErrStoreUnavailable, "code %s", code)
	}

	assert.ErrorIs(t, mapStoreError("op", context.DeadlineExceeded), consts.ErrStoreUnavailable)

	// Constraint violations are not connection trouble.
	err := mapStoreError("op", pgError("23505", "messages_identity_key"))
	assert.NotErrorIs(t, err, consts.ErrStoreUnavailable)
}
