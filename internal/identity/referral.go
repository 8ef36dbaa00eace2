package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/berserksystems/instrumentality/internal/store"
)

// Referral is a single-use invite binding a future registration to its
// issuer. Only the code's digest is stored.
type Referral struct {
	CreatedBy  string    `json:"created_by"`
	CreatedAt  time.Time `json:"created_at"`
	HashedCode string    `json:"hashed_code"`
	Used       bool      `json:"used"`
	UsedBy     *string   `json:"used_by"`
}

// CreateReferral mints a referral issued by the given operator and returns
// the plaintext invite code exactly once.
func CreateReferral(ctx context.Context, q store.Querier, createdBy string) (string, error) {
	code, digest := NewInviteCode()
	const query = `
	INSERT INTO referrals (hashed_code, created_by, created_at, used, used_by)
	VALUES (?, ?, ?, 0, NULL)
	`
	if _, err := q.ExecContext(ctx, query, digest, createdBy, time.Now().UTC().UnixNano()); err != nil {
		return "", fmt.Errorf("insert referral: %w", err)
	}
	return code, nil
}

// consumeReferral marks an unused referral as used by the given operator.
// The single UPDATE with the used = 0 predicate makes consumption atomic.
func consumeReferral(ctx context.Context, q store.Querier, code, usedBy string) error {
	res, err := q.ExecContext(ctx,
		`UPDATE referrals SET used = 1, used_by = ? WHERE hashed_code = ? AND used = 0`,
		usedBy, HashKey(code))
	if err != nil {
		return fmt.Errorf("consume referral: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return ErrInvalidInvite
	}
	return nil
}

// Register creates an operator from a referral code. The referral is consumed
// atomically with the operator's creation; callers supply the transaction.
func Register(ctx context.Context, tx store.Querier, code, name string) (Operator, string, error) {
	op, key := New(name)
	if err := consumeReferral(ctx, tx, code, op.UUID); err != nil {
		return Operator{}, "", err
	}
	if err := Insert(ctx, tx, op); err != nil {
		return Operator{}, "", err
	}
	return op, key, nil
}
