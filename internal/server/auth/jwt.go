// Package auth issues and verifies the JWT session pair and hashes passwords.
//
// Tokens are bound to the user's token epoch at issue time. Whether that
// epoch is still current is decided by the caller against the live record.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/gatekeeper/internal/common"
	"github.com/dmitrijs2005/gatekeeper/internal/server/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const refreshPurpose = "refresh"

// AccessClaims are carried by short-lived access tokens.
type AccessClaims struct {
	jwt.RegisteredClaims
	UserID     string      `json:"uid"`
	Role       models.Role `json:"role"`
	Plan       string      `json:"plan"`
	TokenEpoch int64       `json:"epoch"`
}

// RefreshClaims are carried by long-lived refresh tokens.
type RefreshClaims struct {
	jwt.RegisteredClaims
	UserID     string `json:"uid"`
	TokenEpoch int64  `json:"epoch"`
	Purpose    string `json:"purpose"`
}

type TokenConfig struct {
	AccessSecret  []byte
	RefreshSecret []byte
	Issuer        string
	Audience      string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
}

type TokenService struct {
	cfg TokenConfig
	now func() time.Time
}

func NewTokenService(cfg TokenConfig) (*TokenService, error) {
	if len(cfg.AccessSecret) == 0 || len(cfg.RefreshSecret) == 0 {
		return nil, errors.New("token secrets must not be empty")
	}
	if string(cfg.AccessSecret) == string(cfg.RefreshSecret) {
		return nil, errors.New("access and refresh secrets must differ")
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("token lifetimes must be positive")
	}
	return &TokenService{cfg: cfg, now: time.Now}, nil
}

func (s *TokenService) registered(userID string, ttl time.Duration) jwt.RegisteredClaims {
	now := s.now()
	return jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    s.cfg.Issuer,
		Audience:  jwt.ClaimStrings{s.cfg.Audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		ID:        uuid.NewString(),
	}
}

// Issue mints an access/refresh pair bound to user.TokenEpoch. Records with
// an unknown role get no tokens.
func (s *TokenService) Issue(user *models.User) (*models.TokenPair, error) {
	if !user.Role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", common.ErrorValidation, user.Role)
	}
	access := jwt.NewWithClaims(jwt.SigningMethodHS256, AccessClaims{
		RegisteredClaims: s.registered(user.ID, s.cfg.AccessTTL),
		UserID:           user.ID,
		Role:             user.Role,
		Plan:             user.Plan(),
		TokenEpoch:       user.TokenEpoch,
	})
	accessString, err := access.SignedString(s.cfg.AccessSecret)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}

	refresh := jwt.NewWithClaims(jwt.SigningMethodHS256, RefreshClaims{
		RegisteredClaims: s.registered(user.ID, s.cfg.RefreshTTL),
		UserID:           user.ID,
		TokenEpoch:       user.TokenEpoch,
		Purpose:          refreshPurpose,
	})
	refreshString, err := refresh.SignedString(s.cfg.RefreshSecret)
	if err != nil {
		return nil, fmt.Errorf("sign refresh token: %w", err)
	}

	return &models.TokenPair{
		AccessToken:  accessString,
		RefreshToken: refreshString,
		ExpiresIn:    int64(s.cfg.AccessTTL / time.Second),
	}, nil
}

func (s *TokenService) parse(tokenString string, claims jwt.Claims, secret []byte) error {
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithAudience(s.cfg.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return fmt.Errorf("%w: %w", common.ErrInvalidToken, common.ErrTokenExpired)
		}
		return fmt.Errorf("%w: %v", common.ErrInvalidToken, err)
	}
	if !token.Valid {
		return common.ErrInvalidToken
	}
	return nil
}

// VerifyAccess checks signature, algorithm, expiry, issuer and audience.
func (s *TokenService) VerifyAccess(tokenString string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := s.parse(tokenString, claims, s.cfg.AccessSecret); err != nil {
		return nil, err
	}
	if claims.UserID == "" || !claims.Role.Valid() {
		return nil, common.ErrInvalidToken
	}
	return claims, nil
}

// VerifyRefresh is VerifyAccess for refresh tokens plus the purpose check.
func (s *TokenService) VerifyRefresh(tokenString string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	if err := s.parse(tokenString, claims, s.cfg.RefreshSecret); err != nil {
		return nil, err
	}
	if claims.Purpose != refreshPurpose || claims.UserID == "" {
		return nil, common.ErrInvalidToken
	}
	return claims, nil
}
