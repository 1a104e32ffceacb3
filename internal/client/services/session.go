// Package services implements the client-side session: it keeps the token
// pair in the local store and refreshes the access token when it expires.
package services

import (
	"context"
	"errors"

	"github.com/dmitrijs2005/gatekeeper/internal/client/repositories/metadata"
	"github.com/dmitrijs2005/gatekeeper/internal/common"
	"github.com/dmitrijs2005/gatekeeper/internal/server/models"
)

const (
	keyAccessToken  = "access_token"
	keyRefreshToken = "refresh_token"
	keyUserName     = "username"
)

// ErrNotLoggedIn means there is no session, or the server revoked it.
var ErrNotLoggedIn = errors.New("not logged in")

// API is the part of client.APIClient the session needs.
type API interface {
	Register(ctx context.Context, username, email, password string) (*models.AuthResult, error)
	Login(ctx context.Context, identifier, password string) (*models.AuthResult, error)
	Refresh(ctx context.Context, refreshToken string) (*models.TokenPair, error)
	Logout(ctx context.Context, accessToken string) error
	Me(ctx context.Context, accessToken string) (*models.UserSummary, error)
	ChangePassword(ctx context.Context, accessToken, current, newPassword string) (*models.TokenPair, error)
	ForgotPassword(ctx context.Context, email string) error
	ResetPassword(ctx context.Context, token, newPassword string) error
	VerifyEmail(ctx context.Context, token string) (*models.UserSummary, error)
	ResendVerification(ctx context.Context, accessToken string) error
}

type SessionService struct {
	api   API
	store metadata.Repository
}

func NewSessionService(api API, store metadata.Repository) *SessionService {
	return &SessionService{api: api, store: store}
}

func (s *SessionService) Register(ctx context.Context, username, email string, password []byte) (*models.UserSummary, error) {
	res, err := s.api.Register(ctx, username, email, string(password))
	if err != nil {
		return nil, err
	}
	return &res.User, s.save(ctx, res.Tokens, res.User.UserName)
}

func (s *SessionService) Login(ctx context.Context, identifier string, password []byte) (*models.UserSummary, error) {
	res, err := s.api.Login(ctx, identifier, string(password))
	if err != nil {
		return nil, err
	}
	return &res.User, s.save(ctx, res.Tokens, res.User.UserName)
}

func (s *SessionService) save(ctx context.Context, pair *models.TokenPair, username string) error {
	if err := s.store.Set(ctx, keyAccessToken, []byte(pair.AccessToken)); err != nil {
		return err
	}
	if err := s.store.Set(ctx, keyRefreshToken, []byte(pair.RefreshToken)); err != nil {
		return err
	}
	if username == "" {
		return nil
	}
	return s.store.Set(ctx, keyUserName, []byte(username))
}

// LoggedIn reports whether a refresh token is stored. The server may still
// reject it.
func (s *SessionService) LoggedIn(ctx context.Context) bool {
	v, err := s.store.Get(ctx, keyRefreshToken)
	return err == nil && len(v) > 0
}

func (s *SessionService) UserName(ctx context.Context) string {
	v, _ := s.store.Get(ctx, keyUserName)
	return string(v)
}

// withAccess runs fn with the stored access token. When the server rejects
// the token it refreshes once and retries; a rejected refresh clears the
// session. Other 401s, such as a wrong current password, are returned as is.
func (s *SessionService) withAccess(ctx context.Context, fn func(access string) error) error {
	access, err := s.store.Get(ctx, keyAccessToken)
	if err != nil {
		return err
	}
	if len(access) == 0 {
		return ErrNotLoggedIn
	}

	err = fn(string(access))
	if !errors.Is(err, common.ErrInvalidToken) {
		return err
	}

	refresh, err := s.store.Get(ctx, keyRefreshToken)
	if err != nil {
		return err
	}
	if len(refresh) == 0 {
		return ErrNotLoggedIn
	}
	pair, err := s.api.Refresh(ctx, string(refresh))
	if err != nil {
		if errors.Is(err, common.ErrorUnauthorized) {
			_ = s.store.Clear(ctx)
			return ErrNotLoggedIn
		}
		return err
	}
	if err := s.save(ctx, pair, ""); err != nil {
		return err
	}
	return fn(pair.AccessToken)
}

func (s *SessionService) Me(ctx context.Context) (*models.UserSummary, error) {
	var u *models.UserSummary
	err := s.withAccess(ctx, func(access string) error {
		var err error
		u, err = s.api.Me(ctx, access)
		return err
	})
	return u, err
}

// Logout revokes every session of the user on the server and forgets the
// local one. The local session is dropped even if the server call fails.
func (s *SessionService) Logout(ctx context.Context) error {
	err := s.withAccess(ctx, func(access string) error {
		return s.api.Logout(ctx, access)
	})
	if cerr := s.store.Clear(ctx); cerr != nil && err == nil {
		err = cerr
	}
	if errors.Is(err, ErrNotLoggedIn) {
		return nil
	}
	return err
}

func (s *SessionService) ChangePassword(ctx context.Context, current, newPassword []byte) error {
	return s.withAccess(ctx, func(access string) error {
		pair, err := s.api.ChangePassword(ctx, access, string(current), string(newPassword))
		if err != nil {
			return err
		}
		return s.save(ctx, pair, "")
	})
}

func (s *SessionService) ResendVerification(ctx context.Context) error {
	return s.withAccess(ctx, func(access string) error {
		return s.api.ResendVerification(ctx, access)
	})
}

func (s *SessionService) ForgotPassword(ctx context.Context, email string) error {
	return s.api.ForgotPassword(ctx, email)
}

func (s *SessionService) ResetPassword(ctx context.Context, token string, newPassword []byte) error {
	return s.api.ResetPassword(ctx, token, string(newPassword))
}

func (s *SessionService) VerifyEmail(ctx context.Context, token string) (*models.UserSummary, error) {
	return s.api.VerifyEmail(ctx, token)
}
