package services

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/dmitrijs2005/gatekeeper/internal/common"
	"github.com/dmitrijs2005/gatekeeper/internal/server/models"
	"github.com/dmitrijs2005/gatekeeper/internal/server/repositories/users"
)

const ephemeralTokenBytes = 32

const (
	DefaultVerificationTTL = 24 * time.Hour
	DefaultResetTTL        = 10 * time.Minute
)

// EphemeralIssuer mints and consumes single-use opaque tokens. Only the
// SHA-256 digest of a token is stored; the raw value goes to the user.
type EphemeralIssuer struct {
	repo    users.Repository
	ttl     map[models.EphemeralKind]time.Duration
	metrics Metrics
	now     func() time.Time
}

func NewEphemeralIssuer(repo users.Repository, verificationTTL, resetTTL time.Duration, m Metrics) *EphemeralIssuer {
	if verificationTTL <= 0 {
		verificationTTL = DefaultVerificationTTL
	}
	if resetTTL <= 0 {
		resetTTL = DefaultResetTTL
	}
	if m == nil {
		m = nopMetrics{}
	}
	return &EphemeralIssuer{
		repo: repo,
		ttl: map[models.EphemeralKind]time.Duration{
			models.KindEmailVerification: verificationTTL,
			models.KindPasswordReset:     resetTTL,
		},
		metrics: m,
		now:     time.Now,
	}
}

// Issue replaces any outstanding token of kind for user and returns the raw
// value with its expiry.
func (e *EphemeralIssuer) Issue(ctx context.Context, u *models.User, kind models.EphemeralKind) (string, time.Time, error) {
	ttl, ok := e.ttl[kind]
	if !ok {
		return "", time.Time{}, fmt.Errorf("%w: unknown token kind %q", common.ErrorValidation, kind)
	}

	raw, err := common.MakeRandHexString(ephemeralTokenBytes)
	if err != nil {
		return "", time.Time{}, err
	}
	expires := e.now().Add(ttl).UTC()

	if err := e.repo.SetEphemeralToken(ctx, u.ID, kind, common.HashToken(raw), expires); err != nil {
		return "", time.Time{}, err
	}
	e.metrics.Ephemeral(string(kind), "issued")
	return raw, expires, nil
}

// Consume clears a matching unexpired token and applies effect in one store
// operation. Every failure is common.ErrInvalidToken.
func (e *EphemeralIssuer) Consume(ctx context.Context, raw string, kind models.EphemeralKind, effect models.ConsumeEffect) (*models.User, error) {
	if _, ok := e.ttl[kind]; !ok || !wellFormed(raw) {
		e.metrics.Ephemeral(string(kind), "rejected")
		return nil, common.ErrInvalidToken
	}

	u, err := e.repo.ConsumeEphemeralToken(ctx, kind, common.HashToken(raw), e.now().UTC(), effect)
	if err != nil {
		e.metrics.Ephemeral(string(kind), "rejected")
		return nil, err
	}
	e.metrics.Ephemeral(string(kind), "consumed")
	return u, nil
}

func wellFormed(raw string) bool {
	if len(raw) != 2*ephemeralTokenBytes {
		return false
	}
	_, err := hex.DecodeString(raw)
	return err == nil
}
