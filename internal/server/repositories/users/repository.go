// Package users is the credential store. Every method that changes shared
// per-user state (counters, epoch, single-use tokens) does so in one atomic
// backend operation; callers never read-modify-write.
package users

import (
	"context"
	"time"

	"github.com/dmitrijs2005/gatekeeper/internal/server/models"
)

type Repository interface {
	// Create inserts a new record. Unique violations on username, email or
	// the OAuth pair return common.ErrorAlreadyExists.
	Create(ctx context.Context, user *models.User) (*models.User, error)

	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	GetByUserName(ctx context.Context, username string) (*models.User, error)
	GetByOAuth(ctx context.Context, provider, externalID string) (*models.User, error)

	// RecordFailedLogin increments the failure counter under policy and
	// returns the resulting state.
	RecordFailedLogin(ctx context.Context, id string, policy models.LockoutPolicy, now time.Time) (models.LockoutState, error)

	// RecordLoginSuccess clears the counter and lock and stamps last login,
	// but only while the account is active and not locked at now. It returns
	// the live token epoch, common.ErrorLocked if a lock is in effect, or
	// common.ErrorNotFound if the record is gone or deactivated.
	RecordLoginSuccess(ctx context.Context, id string, now time.Time) (int64, error)

	// TouchLastLogin stamps last login without touching lockout state.
	TouchLastLogin(ctx context.Context, id string, now time.Time) (int64, error)

	IncrementTokenEpoch(ctx context.Context, id string) (int64, error)

	// UpdatePassword replaces the hash and bumps the epoch together.
	UpdatePassword(ctx context.Context, id, hash string) (int64, error)

	SetEphemeralToken(ctx context.Context, id string, kind models.EphemeralKind, digest string, expires time.Time) error

	// ConsumeEphemeralToken matches an unexpired digest on an active record,
	// clears it and applies effect in the same operation. A second call with
	// the same digest returns common.ErrInvalidToken.
	ConsumeEphemeralToken(ctx context.Context, kind models.EphemeralKind, digest string, now time.Time, effect models.ConsumeEffect) (*models.User, error)

	// LinkOAuth attaches a provider identity to an active record and marks
	// its email verified.
	LinkOAuth(ctx context.Context, id, provider, externalID string) (*models.User, error)

	// UpdateProfile sets username and email; emailChanged clears the
	// verified flag and any pending verification token.
	UpdateProfile(ctx context.Context, id, username, email string, emailChanged bool) (*models.User, error)

	// Deactivate renames the record to the tombstone identifiers, unlinks
	// OAuth, drops pending tokens, disables it and bumps the epoch.
	Deactivate(ctx context.Context, id, tombstoneUserName, tombstoneEmail string) (int64, error)
}
