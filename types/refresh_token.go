package types

import "time"

// RefreshToken is a persisted, single-use session credential.
//
// A row is created on login or refresh, deleted when exchanged or revoked,
// and left inert once ExpiresAt has passed.
type RefreshToken struct {
	// ID is the surrogate key of the row.
	ID int64 `json:"-" db:"id"`

	// Token is the opaque random value handed to the client.
	Token string `json:"-" db:"token"`

	// UserID is the owner of the session.
	UserID int `json:"userId" db:"user_id"`

	// ExpiresAt is the instant after which the token is rejected.
	ExpiresAt time.Time `json:"expiresAt" db:"expires_at"`

	// CreatedAt is the issuance time.
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// Expired reports whether the token is past its expiry at the given instant.
func (t RefreshToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}
