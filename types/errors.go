package types

import "errors"

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidCredentials covers unknown email, wrong password and inactive account.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrAccountDisabled is returned when a token owner has been deactivated.
	ErrAccountDisabled = errors.New("account disabled")

	// ErrInvalidOrExpiredToken is returned for unknown, consumed or expired tokens.
	ErrInvalidOrExpiredToken = errors.New("invalid or expired token")

	// ErrDuplicateAccount is returned when an account number is already taken.
	ErrDuplicateAccount = errors.New("account number already exists")

	// ErrUnsupportedFormat is returned for uploads that are not CSV, XLS or XLSX.
	ErrUnsupportedFormat = errors.New("unsupported file format")

	// ErrUnreadableFile is returned when an upload cannot be parsed at all.
	ErrUnreadableFile = errors.New("unreadable file")
)
