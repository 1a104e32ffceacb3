// Package services contains the server-side business logic: the lockout
// guard, single-use token issuer, OAuth identity resolver and the session
// controller that orchestrates them.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/gatekeeper/internal/common"
	"github.com/dmitrijs2005/gatekeeper/internal/logging"
	"github.com/dmitrijs2005/gatekeeper/internal/server/auth"
	"github.com/dmitrijs2005/gatekeeper/internal/server/models"
	"github.com/dmitrijs2005/gatekeeper/internal/server/notify"
	"github.com/dmitrijs2005/gatekeeper/internal/server/repositories/users"
)

// Login outcome labels.
const (
	outcomeSuccess            = "success"
	outcomeInvalidCredentials = "invalid_credentials"
	outcomeLocked             = "locked"
	outcomeError              = "error"
)

const tombstoneDomain = "deleted.invalid"

type SessionDeps struct {
	Users     users.Repository
	Tokens    *auth.TokenService
	Hasher    *auth.Hasher
	Lockout   *LockoutGuard
	Ephemeral *EphemeralIssuer
	Resolver  *IdentityResolver
	Notifier  notify.Notifier
	Metrics   Metrics
	Logger    logging.Logger
}

// SessionService implements the session lifecycle. It keeps no session state
// of its own: a token is valid while its embedded epoch equals the live
// record's epoch, and every revocation is an epoch increment in the store.
type SessionService struct {
	repo      users.Repository
	tokens    *auth.TokenService
	hasher    *auth.Hasher
	lockout   *LockoutGuard
	ephemeral *EphemeralIssuer
	resolver  *IdentityResolver
	notifier  notify.Notifier
	metrics   Metrics
	logger    logging.Logger
	now       func() time.Time
}

func NewSessionService(d SessionDeps) *SessionService {
	if d.Metrics == nil {
		d.Metrics = nopMetrics{}
	}
	if d.Logger == nil {
		d.Logger = logging.Nop{}
	}
	if d.Notifier == nil {
		d.Notifier = notify.NewLogNotifier(d.Logger)
	}
	return &SessionService{
		repo:      d.Users,
		tokens:    d.Tokens,
		hasher:    d.Hasher,
		lockout:   d.Lockout,
		ephemeral: d.Ephemeral,
		resolver:  d.Resolver,
		notifier:  d.Notifier,
		metrics:   d.Metrics,
		logger:    d.Logger.With("module", "session"),
		now:       time.Now,
	}
}

// Register creates a password account, starts email verification and opens
// a session at epoch 0.
func (s *SessionService) Register(ctx context.Context, username, email, password string) (*models.AuthResult, error) {
	username = models.NormalizeUserName(username)
	email = models.NormalizeEmail(email)
	if err := validateUserName(username); err != nil {
		return nil, err
	}
	if err := validateEmail(email); err != nil {
		return nil, err
	}
	if err := validatePassword(password); err != nil {
		return nil, err
	}

	hash, err := s.hasher.HashPassword(password)
	if err != nil {
		return nil, s.fail(ctx, "hash password", err)
	}

	u, err := s.repo.Create(ctx, &models.User{
		UserName:     username,
		Email:        email,
		PasswordHash: &hash,
		Role:         models.RoleUser,
		IsActive:     true,
	})
	if err != nil {
		if errors.Is(err, common.ErrorAlreadyExists) {
			return nil, fmt.Errorf("%w: username or email already registered", common.ErrorAlreadyExists)
		}
		return nil, s.fail(ctx, "create user", err)
	}
	s.logger.Info(ctx, "user registered", "user_id", u.ID)

	// The account exists now; a lost verification mail can be re-requested.
	if err := s.sendToken(ctx, u, models.KindEmailVerification); err != nil {
		s.logger.Warn(ctx, "verification hand-off failed", "user_id", u.ID, "error", err)
	}

	return s.issue(ctx, u, "register")
}

// Login authenticates by email (identifier contains "@") or username.
// Unknown accounts and wrong passwords fail with the same error after the
// same amount of hashing work.
func (s *SessionService) Login(ctx context.Context, identifier, password string) (*models.AuthResult, error) {
	u, err := s.findByIdentifier(ctx, identifier)
	if err != nil {
		if !errors.Is(err, common.ErrorNotFound) {
			s.metrics.LoginAttempt("password", outcomeError)
			return nil, s.fail(ctx, "load user", err)
		}
		u = nil
	}
	if u == nil || !u.IsActive || !u.HasPassword() {
		s.hasher.DummyCheck(password)
		s.metrics.LoginAttempt("password", outcomeInvalidCredentials)
		return nil, common.ErrInvalidCredentials
	}

	now := s.now()
	if err := s.lockout.Check(u, now); err != nil {
		s.metrics.LoginAttempt("password", outcomeLocked)
		return nil, err
	}

	if !s.hasher.CheckPassword(*u.PasswordHash, password) {
		st, err := s.lockout.RegisterFailure(ctx, u, now)
		if err != nil {
			return nil, s.fail(ctx, "record failed login", err)
		}
		if st.Locked(now) {
			s.logger.Warn(ctx, "account locked", "user_id", u.ID, "until", st.LockedUntil)
		}
		s.metrics.LoginAttempt("password", outcomeInvalidCredentials)
		return nil, common.ErrInvalidCredentials
	}

	epoch, err := s.lockout.RegisterSuccess(ctx, u, now)
	if err != nil {
		if errors.Is(err, common.ErrorLocked) {
			s.metrics.LoginAttempt("password", outcomeLocked)
			return nil, common.ErrorLocked
		}
		if errors.Is(err, common.ErrorNotFound) {
			// deactivated after the lookup
			s.metrics.LoginAttempt("password", outcomeInvalidCredentials)
			return nil, common.ErrInvalidCredentials
		}
		return nil, s.fail(ctx, "record login", err)
	}
	u.TokenEpoch = epoch
	u.FailedLoginCount, u.LockedUntil, u.LastLogin = 0, nil, &now

	s.metrics.LoginAttempt("password", outcomeSuccess)
	return s.issue(ctx, u, "login")
}

func (s *SessionService) findByIdentifier(ctx context.Context, identifier string) (*models.User, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, common.ErrorNotFound
	}
	if strings.Contains(identifier, "@") {
		return s.repo.GetByEmail(ctx, models.NormalizeEmail(identifier))
	}
	return s.repo.GetByUserName(ctx, models.NormalizeUserName(identifier))
}

// Refresh exchanges a valid refresh token for a new pair. The presented
// refresh token stays valid until it expires or the epoch moves.
func (s *SessionService) Refresh(ctx context.Context, refreshToken string) (*models.TokenPair, error) {
	claims, err := s.tokens.VerifyRefresh(refreshToken)
	if err != nil {
		return nil, err
	}

	u, err := s.liveUser(ctx, claims.UserID, claims.TokenEpoch)
	if err != nil {
		return nil, err
	}

	pair, err := s.tokens.Issue(u)
	if err != nil {
		return nil, s.fail(ctx, "issue tokens", err)
	}
	s.metrics.TokensIssued("refresh")
	return pair, nil
}

// Authenticate resolves a bearer access token to its live, active user.
func (s *SessionService) Authenticate(ctx context.Context, accessToken string) (*models.User, error) {
	claims, err := s.tokens.VerifyAccess(accessToken)
	if err != nil {
		return nil, err
	}
	return s.liveUser(ctx, claims.UserID, claims.TokenEpoch)
}

// liveUser loads the record a token points at and checks the epoch binding.
func (s *SessionService) liveUser(ctx context.Context, userID string, epoch int64) (*models.User, error) {
	u, err := s.repo.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil, common.ErrInvalidToken
		}
		return nil, s.fail(ctx, "load user", err)
	}
	if err := checkEpoch(u, epoch); err != nil {
		return nil, err
	}
	return u, nil
}

func checkEpoch(u *models.User, epoch int64) error {
	if !u.IsActive || u.TokenEpoch != epoch {
		return common.ErrInvalidToken
	}
	return nil
}

// Logout revokes every outstanding token of the user.
func (s *SessionService) Logout(ctx context.Context, userID string) error {
	if _, err := s.repo.IncrementTokenEpoch(ctx, userID); err != nil {
		return s.fail(ctx, "logout", err)
	}
	s.metrics.EpochBumped("logout")
	s.logger.Info(ctx, "user logged out everywhere", "user_id", userID)
	return nil
}

// ForceLogout lets an active admin revoke another user's sessions.
func (s *SessionService) ForceLogout(ctx context.Context, adminID, userID string) error {
	admin, err := s.repo.GetByID(ctx, adminID)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return common.ErrorForbidden
		}
		return s.fail(ctx, "load admin", err)
	}
	if !admin.IsActive || admin.Role != models.RoleAdmin {
		return common.ErrorForbidden
	}

	if _, err := s.repo.IncrementTokenEpoch(ctx, userID); err != nil {
		return s.fail(ctx, "force logout", err)
	}
	s.metrics.EpochBumped("admin")
	s.logger.Info(ctx, "sessions revoked by admin", "user_id", userID, "admin_id", adminID)
	return nil
}

func (s *SessionService) VerifyEmail(ctx context.Context, token string) (*models.User, error) {
	u, err := s.ephemeral.Consume(ctx, token, models.KindEmailVerification, models.ConsumeEffect{MarkEmailVerified: true})
	if err != nil {
		return nil, s.fail(ctx, "verify email", err)
	}
	s.logger.Info(ctx, "email verified", "user_id", u.ID)
	return u, nil
}

// ResendVerification replaces the outstanding verification token.
func (s *SessionService) ResendVerification(ctx context.Context, userID string) error {
	u, err := s.repo.GetByID(ctx, userID)
	if err != nil {
		return s.fail(ctx, "load user", err)
	}
	if !u.IsActive {
		return common.ErrorNotFound
	}
	if u.IsEmailVerified {
		return fmt.Errorf("%w: email already verified", common.ErrorValidation)
	}
	if err := s.sendToken(ctx, u, models.KindEmailVerification); err != nil {
		return s.fail(ctx, "resend verification", err)
	}
	return nil
}

// RequestPasswordReset always succeeds for well-formed input so the response
// does not reveal whether the address is registered.
func (s *SessionService) RequestPasswordReset(ctx context.Context, email string) error {
	email = models.NormalizeEmail(email)
	if err := validateEmail(email); err != nil {
		return err
	}

	u, err := s.repo.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil
		}
		return s.fail(ctx, "load user", err)
	}
	if !u.IsActive || !u.HasPassword() {
		s.logger.Debug(ctx, "password reset skipped", "user_id", u.ID)
		return nil
	}

	if err := s.sendToken(ctx, u, models.KindPasswordReset); err != nil {
		s.logger.Error(ctx, "password reset hand-off failed", "user_id", u.ID, "error", err)
	}
	return nil
}

// ResetPassword consumes a reset token, replacing the password, revoking all
// sessions and clearing any lockout in one store operation.
func (s *SessionService) ResetPassword(ctx context.Context, token, newPassword string) error {
	if err := validatePassword(newPassword); err != nil {
		return err
	}
	hash, err := s.hasher.HashPassword(newPassword)
	if err != nil {
		return s.fail(ctx, "hash password", err)
	}

	u, err := s.ephemeral.Consume(ctx, token, models.KindPasswordReset, models.ConsumeEffect{NewPasswordHash: &hash})
	if err != nil {
		return s.fail(ctx, "reset password", err)
	}
	s.metrics.EpochBumped("password_reset")
	s.logger.Info(ctx, "password reset", "user_id", u.ID)
	return nil
}

// ChangePassword rotates the password of an authenticated user. Every other
// session is revoked; the returned pair carries the new epoch.
func (s *SessionService) ChangePassword(ctx context.Context, userID, current, newPassword string) (*models.TokenPair, error) {
	if err := validatePassword(newPassword); err != nil {
		return nil, err
	}

	u, err := s.activeUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !u.HasPassword() {
		return nil, fmt.Errorf("%w: account has no password, use password reset", common.ErrorValidation)
	}
	if !s.hasher.CheckPassword(*u.PasswordHash, current) {
		return nil, common.ErrInvalidCredentials
	}

	hash, err := s.hasher.HashPassword(newPassword)
	if err != nil {
		return nil, s.fail(ctx, "hash password", err)
	}
	epoch, err := s.repo.UpdatePassword(ctx, u.ID, hash)
	if err != nil {
		return nil, s.fail(ctx, "update password", err)
	}
	s.metrics.EpochBumped("password_change")
	s.logger.Info(ctx, "password changed", "user_id", u.ID)

	u.TokenEpoch = epoch
	pair, err := s.tokens.Issue(u)
	if err != nil {
		return nil, s.fail(ctx, "issue tokens", err)
	}
	s.metrics.TokensIssued("password_change")
	return pair, nil
}

// UpdateProfile changes username and/or email; empty values keep the current
// one. A new email must be verified again.
func (s *SessionService) UpdateProfile(ctx context.Context, userID, username, email string) (*models.User, error) {
	u, err := s.activeUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	username = models.NormalizeUserName(username)
	if username == "" {
		username = u.UserName
	} else if err := validateUserName(username); err != nil {
		return nil, err
	}
	email = models.NormalizeEmail(email)
	if email == "" {
		email = u.Email
	} else if err := validateEmail(email); err != nil {
		return nil, err
	}
	emailChanged := email != u.Email

	updated, err := s.repo.UpdateProfile(ctx, u.ID, username, email, emailChanged)
	if err != nil {
		if errors.Is(err, common.ErrorAlreadyExists) {
			return nil, fmt.Errorf("%w: username or email already registered", common.ErrorAlreadyExists)
		}
		return nil, s.fail(ctx, "update profile", err)
	}

	if emailChanged {
		if err := s.sendToken(ctx, updated, models.KindEmailVerification); err != nil {
			s.logger.Warn(ctx, "verification hand-off failed", "user_id", u.ID, "error", err)
		}
	}
	return updated, nil
}

// DeleteAccount tombstones the record: identifiers are released, the
// account is disabled and all sessions revoked. Nothing is hard-deleted.
func (s *SessionService) DeleteAccount(ctx context.Context, userID, password string) error {
	u, err := s.activeUser(ctx, userID)
	if err != nil {
		return err
	}
	if u.HasPassword() && !s.hasher.CheckPassword(*u.PasswordHash, password) {
		return common.ErrInvalidCredentials
	}

	tombstone := "deleted_" + strings.ReplaceAll(u.ID, "-", "")
	if _, err := s.repo.Deactivate(ctx, u.ID, tombstone, tombstone+"@"+tombstoneDomain); err != nil {
		return s.fail(ctx, "deactivate", err)
	}
	s.metrics.EpochBumped("account_deleted")
	s.logger.Info(ctx, "account deleted", "user_id", u.ID)
	return nil
}

// OAuthCallback resolves a completed provider handshake to a local account
// and opens a session for it.
func (s *SessionService) OAuthCallback(ctx context.Context, profile models.ExternalProfile) (*models.AuthResult, error) {
	u, err := s.resolver.Resolve(ctx, profile)
	if err != nil {
		s.metrics.LoginAttempt("oauth", outcomeError)
		return nil, s.fail(ctx, "resolve identity", err)
	}

	now := s.now()
	epoch, err := s.repo.TouchLastLogin(ctx, u.ID, now)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil, common.ErrorUnauthorized
		}
		return nil, s.fail(ctx, "record login", err)
	}
	u.TokenEpoch, u.LastLogin = epoch, &now

	s.metrics.LoginAttempt("oauth", outcomeSuccess)
	return s.issue(ctx, u, "oauth")
}

func (s *SessionService) activeUser(ctx context.Context, userID string) (*models.User, error) {
	u, err := s.repo.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil, common.ErrorUnauthorized
		}
		return nil, s.fail(ctx, "load user", err)
	}
	if !u.IsActive {
		return nil, common.ErrorUnauthorized
	}
	return u, nil
}

func (s *SessionService) sendToken(ctx context.Context, u *models.User, kind models.EphemeralKind) error {
	raw, expires, err := s.ephemeral.Issue(ctx, u, kind)
	if err != nil {
		return err
	}
	return s.notifier.Notify(ctx, notify.Message{
		Kind:      kind,
		UserID:    u.ID,
		UserName:  u.UserName,
		Email:     u.Email,
		Token:     raw,
		ExpiresAt: expires,
	})
}

func (s *SessionService) issue(ctx context.Context, u *models.User, flow string) (*models.AuthResult, error) {
	pair, err := s.tokens.Issue(u)
	if err != nil {
		return nil, s.fail(ctx, "issue tokens", err)
	}
	s.metrics.TokensIssued(flow)
	return &models.AuthResult{Tokens: pair, User: u.Summary()}, nil
}

// fail passes operational errors through and turns everything else into
// common.ErrorInternal after logging it.
func (s *SessionService) fail(ctx context.Context, op string, err error) error {
	switch {
	case errors.Is(err, common.ErrorAlreadyExists):
		return common.ErrorAlreadyExists
	case errors.Is(err, common.ErrorValidation),
		errors.Is(err, common.ErrorUnauthorized),
		errors.Is(err, common.ErrorLocked),
		errors.Is(err, common.ErrorNotFound),
		errors.Is(err, common.ErrorForbidden),
		errors.Is(err, common.ErrorInternal):
		return err
	}
	s.logger.Error(ctx, op+" failed", "error", err)
	return common.ErrorInternal
}
