package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/berserksystems/instrumentality/internal/store"
)

// ErrInvalidInvite is returned when a referral code is unknown or already
// consumed.
var ErrInvalidInvite = errors.New("invalid invite code")

// ErrNameTaken is returned when registering with a name that already exists.
var ErrNameTaken = errors.New("name taken")

// FindByKeyDigest resolves a credential digest to an operator, or nil.
func FindByKeyDigest(ctx context.Context, q store.Querier, digest string) (*Operator, error) {
	const query = `
	SELECT uuid, name, hashed_key, admin, banned, created_at
	FROM users WHERE hashed_key = ?
	`
	return scanOperator(q.QueryRowContext(ctx, query, digest))
}

// FindByUUID resolves an operator uuid, or nil.
func FindByUUID(ctx context.Context, q store.Querier, uuid string) (*Operator, error) {
	const query = `
	SELECT uuid, name, hashed_key, admin, banned, created_at
	FROM users WHERE uuid = ?
	`
	return scanOperator(q.QueryRowContext(ctx, query, uuid))
}

func scanOperator(row *sql.Row) (*Operator, error) {
	var op Operator
	var createdAt int64
	err := row.Scan(&op.UUID, &op.Name, &op.HashedKey, &op.Admin, &op.Banned, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan operator: %w", err)
	}
	op.CreatedAt = time.Unix(0, createdAt).UTC()
	return &op, nil
}

// NameTaken reports whether an operator already holds the name. Registration
// checks this first so a taken name is reported ahead of a bad invite.
func NameTaken(ctx context.Context, q store.Querier, name string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM users WHERE name = ?`, name).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("name taken: %w", err)
	}
	return true, nil
}

// Insert persists an operator.
func Insert(ctx context.Context, q store.Querier, op Operator) error {
	const query = `
	INSERT INTO users (uuid, name, hashed_key, admin, banned, created_at)
	VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := q.ExecContext(ctx, query,
		op.UUID, op.Name, op.HashedKey, op.Admin, op.Banned, op.CreatedAt.UnixNano())
	if err != nil {
		if isUniqueViolation(err) {
			return ErrNameTaken
		}
		return fmt.Errorf("insert operator: %w", err)
	}
	return nil
}

// RotateKey replaces the operator's credential digest. Returns the stored
// digest's row count mismatch as an error.
func RotateKey(ctx context.Context, q store.Querier, uuid, newDigest string) error {
	res, err := q.ExecContext(ctx,
		`UPDATE users SET hashed_key = ? WHERE uuid = ?`, newDigest, uuid)
	if err != nil {
		return fmt.Errorf("rotate key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("rotate key: operator %s not found", uuid)
	}
	return nil
}

// CountOperators reports how many operators exist; used for the fresh-install
// root bootstrap.
func CountOperators(ctx context.Context, q store.Querier) (int, error) {
	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count operators: %w", err)
	}
	return n, nil
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite surfaces SQLITE_CONSTRAINT_UNIQUE in the error
	// string; there is no exported sentinel to test against.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
