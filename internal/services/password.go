package services

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/semaphore"
)

// PasswordCost is the bcrypt work factor for stored credentials.
const PasswordCost = 12

// PasswordHasher hashes and verifies passwords with bcrypt, bounding the
// number of hashes computed at once so login bursts cannot starve the
// rest of the server.
type PasswordHasher struct {
	sem  *semaphore.Weighted
	cost int

	dummyOnce sync.Once
	dummy     []byte
}

// NewPasswordHasher returns a hasher allowing up to concurrency parallel
// bcrypt operations at the given cost. Non-positive values fall back to 1
// and PasswordCost.
func NewPasswordHasher(concurrency, cost int) *PasswordHasher {
	if concurrency < 1 {
		concurrency = 1
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = PasswordCost
	}
	return &PasswordHasher{
		sem:  semaphore.NewWeighted(int64(concurrency)),
		cost: cost,
	}
}

// HashPassword returns the bcrypt hash of plain.
func (h *PasswordHasher) HashPassword(ctx context.Context, plain string) (string, error) {
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer h.sem.Release(1)

	hashed, err := bcrypt.GenerateFromPassword([]byte(plain), h.cost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// ComparePasswords reports whether plain matches hash. The error is only
// non-nil when the context ends before a slot is available or the hash is
// malformed.
func (h *PasswordHasher) ComparePasswords(ctx context.Context, plain, hash string) (bool, error) {
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return false, err
	}
	defer h.sem.Release(1)

	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, err
	}
}

// burn spends one comparison's worth of work so that lookups for unknown
// or inactive users take as long as a real password check.
func (h *PasswordHasher) burn(ctx context.Context, plain string) {
	h.dummyOnce.Do(func() {
		h.dummy, _ = bcrypt.GenerateFromPassword([]byte("not-a-real-password"), h.cost)
	})
	_, _ = h.ComparePasswords(ctx, plain, string(h.dummy))
}
