package types

import "time"

// Roles recognized by the collections floor.
const (
	RoleAdmin      = "admin"
	RoleManager    = "manager"
	RoleSupervisor = "supervisor"
	RoleAgent      = "agent"
)

// User represents a CRM operator account.
// It contains identity, role, credential and audit metadata.
type User struct {
	// ID is the unique identifier of the user.
	ID int `json:"id" db:"id"`

	// Email is the login identifier. Lookups are case-sensitive.
	Email string `json:"email" db:"email"`

	// FirstName is the user's given name.
	FirstName string `json:"firstName" db:"first_name"`

	// LastName is the user's family name.
	LastName string `json:"lastName" db:"last_name"`

	// Role indicates the user's authorization level
	// (e.g., "admin", "manager", "supervisor", "agent").
	Role string `json:"role" db:"role"`

	// PasswordHash stores the bcrypt hash of the user's password.
	// This field is never exposed in API responses.
	PasswordHash string `json:"-" db:"password_hash"`

	// IsActive reports whether the account may sign in.
	// Deactivated users are refused at login, refresh and token validation.
	IsActive bool `json:"isActive" db:"is_active"`

	// LastLoginAt is the time of the most recent successful login, if any.
	LastLoginAt *time.Time `json:"lastLoginAt,omitempty" db:"last_login_at"`

	// CreatedAt is the timestamp when the user account was created.
	CreatedAt time.Time `json:"createdAt" db:"created_at"`

	// UpdatedAt is the timestamp of the most recent update to the user account.
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// Sanitized returns a copy of the user with the password hash cleared.
func (u User) Sanitized() User {
	u.PasswordHash = ""
	return u
}

// Principal is the authenticated caller attached to a request context.
type Principal struct {
	ID    int    `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// HasRole reports whether the principal holds any of the given roles.
func (p Principal) HasRole(roles ...string) bool {
	for _, role := range roles {
		if p.Role == role {
			return true
		}
	}
	return false
}
