package users

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/gatekeeper/internal/common"
	"github.com/dmitrijs2005/gatekeeper/internal/server/models"
	"github.com/google/uuid"
)

// MemoryRepository keeps records in a map guarded by one mutex. Every
// method holds the lock for its whole read-modify-write, which gives the
// same atomicity the SQL statements give.
type MemoryRepository struct {
	mu    sync.Mutex
	users map[string]*models.User
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{users: make(map[string]*models.User)}
}

// conflict reports the first unique key of u already held by another record.
func (r *MemoryRepository) conflict(u *models.User) error {
	for _, other := range r.users {
		if other.ID == u.ID {
			continue
		}
		switch {
		case other.UserName == u.UserName:
			return fmt.Errorf("%w: username", common.ErrorAlreadyExists)
		case other.Email == u.Email:
			return fmt.Errorf("%w: email", common.ErrorAlreadyExists)
		case u.OAuthProvider != nil && other.OAuthProvider != nil && u.OAuthIdentifier != nil && other.OAuthIdentifier != nil &&
			*other.OAuthProvider == *u.OAuthProvider && *other.OAuthIdentifier == *u.OAuthIdentifier:
			return fmt.Errorf("%w: oauth identity", common.ErrorAlreadyExists)
		}
	}
	return nil
}

func (r *MemoryRepository) Create(ctx context.Context, user *models.User) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u := user.Clone()
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if _, ok := r.users[u.ID]; ok {
		return nil, fmt.Errorf("%w: id", common.ErrorAlreadyExists)
	}
	if err := r.conflict(u); err != nil {
		return nil, err
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	u.UpdatedAt = u.CreatedAt

	r.users[u.ID] = u
	user.ID, user.CreatedAt, user.UpdatedAt = u.ID, u.CreatedAt, u.UpdatedAt
	return u.Clone(), nil
}

func (r *MemoryRepository) find(match func(*models.User) bool) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, u := range r.users {
		if match(u) {
			return u.Clone(), nil
		}
	}
	return nil, common.ErrorNotFound
}

func (r *MemoryRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	return r.find(func(u *models.User) bool { return u.ID == id })
}

func (r *MemoryRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	return r.find(func(u *models.User) bool { return u.Email == email })
}

func (r *MemoryRepository) GetByUserName(ctx context.Context, username string) (*models.User, error) {
	return r.find(func(u *models.User) bool { return u.UserName == username })
}

func (r *MemoryRepository) GetByOAuth(ctx context.Context, provider, externalID string) (*models.User, error) {
	return r.find(func(u *models.User) bool {
		return u.OAuthProvider != nil && u.OAuthIdentifier != nil &&
			*u.OAuthProvider == provider && *u.OAuthIdentifier == externalID
	})
}

// update runs fn on the stored record under the lock. activeOnly skips
// deactivated records as if they were missing.
func (r *MemoryRepository) update(id string, activeOnly bool, fn func(u *models.User) error) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[id]
	if !ok || (activeOnly && !u.IsActive) {
		return nil, common.ErrorNotFound
	}

	next := u.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if err := r.conflict(next); err != nil {
		return nil, err
	}
	r.users[id] = next
	return next.Clone(), nil
}

func (r *MemoryRepository) RecordFailedLogin(ctx context.Context, id string, policy models.LockoutPolicy, now time.Time) (models.LockoutState, error) {
	var st models.LockoutState
	_, err := r.update(id, false, func(u *models.User) error {
		st = policy.NextFailure(models.LockoutState{FailedLoginCount: u.FailedLoginCount, LockedUntil: u.LockedUntil}, now)
		u.FailedLoginCount, u.LockedUntil = st.FailedLoginCount, st.LockedUntil
		u.UpdatedAt = now
		return nil
	})
	return st, err
}

func (r *MemoryRepository) RecordLoginSuccess(ctx context.Context, id string, now time.Time) (int64, error) {
	u, err := r.update(id, true, func(u *models.User) error {
		if u.IsLocked(now) {
			return common.ErrorLocked
		}
		u.FailedLoginCount, u.LockedUntil = 0, nil
		t := now
		u.LastLogin, u.UpdatedAt = &t, now
		return nil
	})
	if err != nil {
		return 0, err
	}
	return u.TokenEpoch, nil
}

func (r *MemoryRepository) TouchLastLogin(ctx context.Context, id string, now time.Time) (int64, error) {
	u, err := r.update(id, true, func(u *models.User) error {
		t := now
		u.LastLogin, u.UpdatedAt = &t, now
		return nil
	})
	if err != nil {
		return 0, err
	}
	return u.TokenEpoch, nil
}

func (r *MemoryRepository) IncrementTokenEpoch(ctx context.Context, id string) (int64, error) {
	u, err := r.update(id, false, func(u *models.User) error {
		u.TokenEpoch++
		u.UpdatedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return u.TokenEpoch, nil
}

func (r *MemoryRepository) UpdatePassword(ctx context.Context, id, hash string) (int64, error) {
	u, err := r.update(id, true, func(u *models.User) error {
		h := hash
		u.PasswordHash = &h
		u.TokenEpoch++
		u.UpdatedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return u.TokenEpoch, nil
}

func validKind(kind models.EphemeralKind) error {
	if kind != models.KindEmailVerification && kind != models.KindPasswordReset {
		return fmt.Errorf("%w: unknown token kind %q", common.ErrorValidation, kind)
	}
	return nil
}

func (r *MemoryRepository) SetEphemeralToken(ctx context.Context, id string, kind models.EphemeralKind, digest string, expires time.Time) error {
	if err := validKind(kind); err != nil {
		return err
	}
	_, err := r.update(id, true, func(u *models.User) error {
		d, e := digest, expires
		u.SetEphemeralToken(kind, &d, &e)
		u.UpdatedAt = time.Now().UTC()
		return nil
	})
	return err
}

func (r *MemoryRepository) ConsumeEphemeralToken(ctx context.Context, kind models.EphemeralKind, digest string, now time.Time, effect models.ConsumeEffect) (*models.User, error) {
	if err := validKind(kind); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for id, u := range r.users {
		token, expires := u.EphemeralToken(kind)
		if token == nil || *token != digest || !u.IsActive {
			continue
		}
		if expires == nil || !expires.After(now) {
			return nil, common.ErrInvalidToken
		}

		next := u.Clone()
		next.SetEphemeralToken(kind, nil, nil)
		effect.Apply(next)
		next.UpdatedAt = now
		r.users[id] = next
		return next.Clone(), nil
	}
	return nil, common.ErrInvalidToken
}

func (r *MemoryRepository) LinkOAuth(ctx context.Context, id, provider, externalID string) (*models.User, error) {
	return r.update(id, true, func(u *models.User) error {
		p, e := provider, externalID
		u.OAuthProvider, u.OAuthIdentifier = &p, &e
		u.IsEmailVerified = true
		u.UpdatedAt = time.Now().UTC()
		return nil
	})
}

func (r *MemoryRepository) UpdateProfile(ctx context.Context, id, username, email string, emailChanged bool) (*models.User, error) {
	return r.update(id, true, func(u *models.User) error {
		u.UserName, u.Email = username, email
		if emailChanged {
			u.IsEmailVerified = false
			u.SetEphemeralToken(models.KindEmailVerification, nil, nil)
		}
		u.UpdatedAt = time.Now().UTC()
		return nil
	})
}

func (r *MemoryRepository) Deactivate(ctx context.Context, id, tombstoneUserName, tombstoneEmail string) (int64, error) {
	u, err := r.update(id, true, func(u *models.User) error {
		u.UserName, u.Email = tombstoneUserName, tombstoneEmail
		u.IsActive = false
		u.TokenEpoch++
		u.OAuthProvider, u.OAuthIdentifier = nil, nil
		u.SetEphemeralToken(models.KindEmailVerification, nil, nil)
		u.SetEphemeralToken(models.KindPasswordReset, nil, nil)
		u.UpdatedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return u.TokenEpoch, nil
}
