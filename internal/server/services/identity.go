package services

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"unicode"

	"github.com/dmitrijs2005/gatekeeper/internal/common"
	"github.com/dmitrijs2005/gatekeeper/internal/logging"
	"github.com/dmitrijs2005/gatekeeper/internal/server/models"
	"github.com/dmitrijs2005/gatekeeper/internal/server/repositories/users"
)

const (
	usernameSeedMaxLen = 20
	usernameFallback   = "user"
	// usernameAttempts bounds account creation when generated usernames
	// keep colliding.
	usernameAttempts = 3
	// linkRaceRetries bounds re-resolution after a concurrent link.
	linkRaceRetries = 1
)

// Resolution paths reported to metrics.
const (
	pathExisting = "existing"
	pathLinked   = "linked"
	pathCreated  = "created"
)

var errLinkRaced = errors.New("oauth identity linked concurrently")

// IdentityResolver maps a completed OAuth handshake onto a local record:
// existing link, then email match, then a new account.
type IdentityResolver struct {
	repo            users.Repository
	autoLinkByEmail bool
	metrics         Metrics
	logger          logging.Logger
}

func NewIdentityResolver(repo users.Repository, autoLinkByEmail bool, m Metrics, logger logging.Logger) *IdentityResolver {
	if m == nil {
		m = nopMetrics{}
	}
	return &IdentityResolver{
		repo:            repo,
		autoLinkByEmail: autoLinkByEmail,
		metrics:         m,
		logger:          logger.With("module", "identity"),
	}
}

func (r *IdentityResolver) Resolve(ctx context.Context, p models.ExternalProfile) (*models.User, error) {
	p.Provider = strings.ToLower(strings.TrimSpace(p.Provider))
	p.ExternalID = strings.TrimSpace(p.ExternalID)
	p.Email = models.NormalizeEmail(p.Email)
	if p.Provider == "" || p.ExternalID == "" {
		return nil, fmt.Errorf("%w: incomplete provider identity", common.ErrorValidation)
	}
	if !strings.Contains(p.Email, "@") {
		return nil, fmt.Errorf("%w: provider returned no usable email", common.ErrorValidation)
	}

	races, creates := 0, 0
	for {
		u, path, err := r.lookup(ctx, p)
		switch {
		case err == nil:
			r.metrics.OAuthResolved(p.Provider, path)
			return u, nil
		case errors.Is(err, errLinkRaced):
			races++
			if races > linkRaceRetries {
				r.logger.Warn(ctx, "oauth link kept racing", "provider", p.Provider)
				return nil, common.ErrorInternal
			}
			continue
		case !errors.Is(err, common.ErrorNotFound):
			return nil, err
		}

		creates++
		u, err = r.create(ctx, p)
		if err == nil {
			r.metrics.OAuthResolved(p.Provider, pathCreated)
			r.logger.Info(ctx, "account created from oauth", "user_id", u.ID, "provider", p.Provider)
			return u, nil
		}
		if !errors.Is(err, common.ErrorAlreadyExists) {
			return nil, err
		}
		// The next lookup finds a record created concurrently for the same
		// identity; otherwise the username was taken and a new one is drawn.
		if creates >= usernameAttempts {
			r.logger.Warn(ctx, "oauth account creation kept colliding", "provider", p.Provider, "attempts", creates)
			return nil, common.ErrorInternal
		}
		r.logger.Debug(ctx, "oauth account creation collided, looking up again", "provider", p.Provider, "attempt", creates)
	}
}

// lookup returns common.ErrorNotFound when no record matches either way.
func (r *IdentityResolver) lookup(ctx context.Context, p models.ExternalProfile) (*models.User, string, error) {
	u, err := r.repo.GetByOAuth(ctx, p.Provider, p.ExternalID)
	if err == nil {
		if !u.IsActive {
			return nil, "", common.ErrorUnauthorized
		}
		return u, pathExisting, nil
	}
	if !errors.Is(err, common.ErrorNotFound) {
		return nil, "", err
	}

	u, err = r.repo.GetByEmail(ctx, p.Email)
	if err != nil {
		return nil, "", err
	}
	if !u.IsActive {
		return nil, "", common.ErrorUnauthorized
	}
	if !r.autoLinkByEmail {
		return nil, "", fmt.Errorf("%w: email is registered with another sign-in method", common.ErrorAlreadyExists)
	}

	linked, err := r.repo.LinkOAuth(ctx, u.ID, p.Provider, p.ExternalID)
	if err != nil {
		if errors.Is(err, common.ErrorAlreadyExists) || errors.Is(err, common.ErrorNotFound) {
			return nil, "", errLinkRaced
		}
		return nil, "", err
	}
	r.logger.Info(ctx, "oauth identity linked by email", "user_id", linked.ID, "provider", p.Provider)
	return linked, pathLinked, nil
}

func (r *IdentityResolver) create(ctx context.Context, p models.ExternalProfile) (*models.User, error) {
	seed := p.DisplayName
	if strings.TrimSpace(seed) == "" {
		seed, _, _ = strings.Cut(p.Email, "@")
	}
	username, err := generateUsername(seed)
	if err != nil {
		return nil, err
	}

	provider, externalID := p.Provider, p.ExternalID
	return r.repo.Create(ctx, &models.User{
		UserName:        username,
		Email:           p.Email,
		Role:            models.RoleUser,
		OAuthProvider:   &provider,
		OAuthIdentifier: &externalID,
		IsEmailVerified: true,
		IsActive:        true,
	})
}

// generateUsername strips everything but letters and digits, lower-cases,
// truncates and appends a random six-digit suffix.
func generateUsername(seed string) (string, error) {
	var b strings.Builder
	for _, r := range strings.ToLower(seed) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
			if b.Len() == usernameSeedMaxLen {
				break
			}
		}
	}
	base := b.String()
	if base == "" {
		base = usernameFallback
	}

	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s_%06d", base, n.Int64()), nil
}
