// Package common defines shared constants and sentinel errors used across
// the service layers of gatekeeper. Callers should use errors.Is to match
// these values.
package common

import (
	"errors"
	"fmt"
)

var (
	// Repository-level errors.
	ErrorNotFound      = errors.New("not found")
	ErrorAlreadyExists = errors.New("already exists")

	// Service-level errors.
	ErrorInternal     = errors.New("internal error")
	ErrorValidation   = errors.New("validation error")
	ErrorUnauthorized = errors.New("unauthorized")
	ErrorForbidden    = errors.New("forbidden")

	// ErrorLocked is returned while an account is temporarily locked after
	// repeated failed logins. It never carries the remaining attempt count.
	ErrorLocked = errors.New("account temporarily locked")

	// ErrInvalidCredentials is the single failure returned by login for both
	// unknown identifiers and wrong passwords.
	ErrInvalidCredentials = fmt.Errorf("%w: invalid credentials", ErrorUnauthorized)

	// Auth errors (invalid, malformed, consumed or revoked token).
	ErrInvalidToken = fmt.Errorf("%w: invalid token", ErrorUnauthorized)

	// Token lifecycle errors.
	ErrTokenExpired = errors.New("token expired")
)
