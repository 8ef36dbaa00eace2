// Package identity holds operators, their credentials and the single-use
// referral codes that gate registration. Credentials are never stored;
// only their SHA-256 digests are.
package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Operator is a registered actor authorized to submit data and manage
// subjects. Records are attributed to the operator's uuid.
type Operator struct {
	UUID      string    `json:"uuid"`
	Name      string    `json:"name"`
	HashedKey string    `json:"hashed_key"`
	Admin     bool      `json:"admin"`
	Banned    bool      `json:"banned"`
	CreatedAt time.Time `json:"created_at"`
}

// New creates an operator with a fresh uuid and key. The plaintext key is
// returned exactly once; only its digest is kept on the operator.
func New(name string) (Operator, string) {
	key, digest := NewKey()
	return Operator{
		UUID:      uuid.NewString(),
		Name:      name,
		HashedKey: digest,
		Admin:     false,
		Banned:    false,
		CreatedAt: time.Now().UTC(),
	}, key
}

// NewAdmin creates an operator with the administrator flag set.
func NewAdmin(name string) (Operator, string) {
	op, key := New(name)
	op.Admin = true
	return op, key
}

// NewKey returns a fresh operator key (32 random bytes as 64 uppercase hex
// characters) and its digest.
func NewKey() (key, digest string) {
	return newRandom(32)
}

// NewInviteCode returns a fresh invite code (64 random bytes as 128 uppercase
// hex characters) and its digest.
func NewInviteCode() (code, digest string) {
	return newRandom(64)
}

// HashKey computes the stored digest of a credential: SHA-256 of the
// credential bytes as uppercase hexadecimal.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return fmt.Sprintf("%X", sum)
}

func newRandom(length int) (plain, digest string) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failure means the platform is broken; nothing
		// sensible can continue.
		panic(fmt.Sprintf("identity: read random bytes: %v", err))
	}
	plain = fmt.Sprintf("%X", buf)
	return plain, HashKey(plain)
}
