package models

import "time"

// EphemeralKind selects which single-use token pair of fields on User is
// addressed.
type EphemeralKind string

const (
	KindEmailVerification EphemeralKind = "email_verification"
	KindPasswordReset     EphemeralKind = "password_reset"
)

// ConsumeEffect is applied in the same atomic update that clears a consumed
// ephemeral token.
type ConsumeEffect struct {
	MarkEmailVerified bool
	// NewPasswordHash, when set, replaces the hash, bumps the token epoch and
	// clears any lockout.
	NewPasswordHash *string
}

// EphemeralToken returns the stored digest and expiry for kind.
func (u *User) EphemeralToken(kind EphemeralKind) (*string, *time.Time) {
	switch kind {
	case KindEmailVerification:
		return u.EmailVerificationToken, u.EmailVerificationExpires
	case KindPasswordReset:
		return u.PasswordResetToken, u.PasswordResetExpires
	}
	return nil, nil
}

// SetEphemeralToken stores digest and expiry for kind; nil values clear them.
func (u *User) SetEphemeralToken(kind EphemeralKind, digest *string, expires *time.Time) {
	switch kind {
	case KindEmailVerification:
		u.EmailVerificationToken, u.EmailVerificationExpires = digest, expires
	case KindPasswordReset:
		u.PasswordResetToken, u.PasswordResetExpires = digest, expires
	}
}

// Apply mutates u the way the store applies effect on consumption.
func (e ConsumeEffect) Apply(u *User) {
	if e.MarkEmailVerified {
		u.IsEmailVerified = true
	}
	if e.NewPasswordHash != nil {
		h := *e.NewPasswordHash
		u.PasswordHash = &h
		u.TokenEpoch++
		u.FailedLoginCount = 0
		u.LockedUntil = nil
	}
}
