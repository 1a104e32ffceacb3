// Package models defines the server-side entities persisted by the
// credential store and the values exchanged between services.
package models

import (
	"strings"
	"time"
)

// Role is the flat authorization role carried in access tokens.
type Role string

const (
	RoleUser      Role = "user"
	RolePremium   Role = "premium"
	RoleAdmin     Role = "admin"
	RoleModerator Role = "moderator"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RolePremium, RoleAdmin, RoleModerator:
		return true
	}
	return false
}

// Plan values carried in access tokens.
const (
	PlanFree    = "free"
	PlanPremium = "premium"
)

// User is one identity record. Every access and refresh token embeds the
// TokenEpoch that was current when it was minted; bumping the epoch is the
// only way tokens are revoked in bulk.
type User struct {
	ID           string  `bson:"_id"`
	UserName     string  `bson:"username"`
	Email        string  `bson:"email"`
	PasswordHash *string `bson:"password_hash,omitempty"`
	Role         Role    `bson:"role"`

	TokenEpoch int64 `bson:"token_epoch"`

	FailedLoginCount int        `bson:"failed_login_count"`
	LockedUntil      *time.Time `bson:"locked_until,omitempty"`

	OAuthProvider   *string `bson:"oauth_provider,omitempty"`
	OAuthIdentifier *string `bson:"oauth_identifier,omitempty"`

	// Verification and reset fields hold digests, never raw tokens.
	EmailVerificationToken   *string    `bson:"email_verification_token,omitempty"`
	EmailVerificationExpires *time.Time `bson:"email_verification_expires,omitempty"`
	PasswordResetToken       *string    `bson:"password_reset_token,omitempty"`
	PasswordResetExpires     *time.Time `bson:"password_reset_expires,omitempty"`

	IsEmailVerified bool       `bson:"is_email_verified"`
	IsActive        bool       `bson:"is_active"`
	LastLogin       *time.Time `bson:"last_login,omitempty"`
	CreatedAt       time.Time  `bson:"created_at"`
	UpdatedAt       time.Time  `bson:"updated_at"`
}

// Plan derives the subscription plan claim from the role.
func (u *User) Plan() string {
	if u.Role == RolePremium {
		return PlanPremium
	}
	return PlanFree
}

// HasPassword is false for OAuth-only accounts.
func (u *User) HasPassword() bool {
	return u.PasswordHash != nil && *u.PasswordHash != ""
}

// IsLocked reports whether password verification is currently refused.
func (u *User) IsLocked(now time.Time) bool {
	return u.LockedUntil != nil && u.LockedUntil.After(now)
}

// NormalizeEmail trims and lower-cases an address before it is stored or
// looked up.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NormalizeUserName trims and lower-cases a username.
func NormalizeUserName(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// Clone returns a deep copy so callers never share pointer fields with a
// stored record.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	c.PasswordHash = cloneString(u.PasswordHash)
	c.OAuthProvider = cloneString(u.OAuthProvider)
	c.OAuthIdentifier = cloneString(u.OAuthIdentifier)
	c.EmailVerificationToken = cloneString(u.EmailVerificationToken)
	c.PasswordResetToken = cloneString(u.PasswordResetToken)
	c.LockedUntil = cloneTime(u.LockedUntil)
	c.EmailVerificationExpires = cloneTime(u.EmailVerificationExpires)
	c.PasswordResetExpires = cloneTime(u.PasswordResetExpires)
	c.LastLogin = cloneTime(u.LastLogin)
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
