// Package oauth runs the authorization-code handshake with external identity
// providers and turns the result into a models.ExternalProfile.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dmitrijs2005/gatekeeper/internal/common"
	"github.com/dmitrijs2005/gatekeeper/internal/server/models"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

const (
	ProviderGoogle   = "google"
	ProviderGitHub   = "github"
	ProviderLinkedIn = "linkedin"
)

const maxProfileBody = 1 << 20

// ProviderConfig holds the client registration for one provider. Endpoint
// URLs default to the provider's public ones and exist for tests.
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	AuthURL    string
	TokenURL   string
	ProfileURL string
	EmailsURL  string
}

type profileFetcher func(ctx context.Context, client *http.Client, p *Provider) (models.ExternalProfile, error)

// Provider performs the handshake for a single provider. Only profile
// extraction differs between providers.
type Provider struct {
	name       string
	cfg        *oauth2.Config
	profileURL string
	emailsURL  string
	fetch      profileFetcher
	httpClient *http.Client
}

// NewProvider builds the provider called name from cfg.
func NewProvider(name string, cfg ProviderConfig) (*Provider, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.RedirectURL == "" {
		return nil, fmt.Errorf("oauth provider %s: client id, secret and redirect url are required", name)
	}

	p := &Provider{
		name:       name,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	var endpoint oauth2.Endpoint
	var scopes []string

	switch name {
	case ProviderGoogle:
		endpoint = endpoints.Google
		scopes = []string{"openid", "email", "profile"}
		p.profileURL = "https://openidconnect.googleapis.com/v1/userinfo"
		p.fetch = fetchOIDCProfile
	case ProviderLinkedIn:
		endpoint = endpoints.LinkedIn
		scopes = []string{"openid", "email", "profile"}
		p.profileURL = "https://api.linkedin.com/v2/userinfo"
		p.fetch = fetchOIDCProfile
	case ProviderGitHub:
		endpoint = endpoints.GitHub
		scopes = []string{"read:user", "user:email"}
		p.profileURL = "https://api.github.com/user"
		p.emailsURL = "https://api.github.com/user/emails"
		p.fetch = fetchGitHubProfile
	default:
		return nil, fmt.Errorf("unknown oauth provider %q", name)
	}

	if cfg.AuthURL != "" {
		endpoint.AuthURL = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}
	if cfg.ProfileURL != "" {
		p.profileURL = cfg.ProfileURL
	}
	if cfg.EmailsURL != "" {
		p.emailsURL = cfg.EmailsURL
	}

	p.cfg = &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Endpoint:     endpoint,
		Scopes:       scopes,
	}
	return p, nil
}

func (p *Provider) Name() string { return p.name }

// AuthCodeURL returns the consent page URL bound to state and the PKCE
// verifier's challenge.
func (p *Provider) AuthCodeURL(state, verifier string) string {
	return p.cfg.AuthCodeURL(state, oauth2.AccessTypeOnline, oauth2.S256ChallengeOption(verifier))
}

// Exchange trades the authorization code for a token and loads the profile.
func (p *Provider) Exchange(ctx context.Context, code, verifier string) (models.ExternalProfile, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	tok, err := p.cfg.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return models.ExternalProfile{}, fmt.Errorf("%w: code exchange failed: %v", common.ErrorUnauthorized, err)
	}

	profile, err := p.fetch(ctx, p.cfg.Client(ctx, tok), p)
	if err != nil {
		return models.ExternalProfile{}, err
	}
	profile.Provider = p.name
	return profile, nil
}

func getJSON(ctx context.Context, client *http.Client, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxProfileBody))
		return fmt.Errorf("%s returned %d", url, resp.StatusCode)
	}
	return json.NewDecoder(io.LimitReader(resp.Body, maxProfileBody)).Decode(out)
}

// fetchOIDCProfile reads a standard OpenID Connect userinfo document
// (Google, LinkedIn).
func fetchOIDCProfile(ctx context.Context, client *http.Client, p *Provider) (models.ExternalProfile, error) {
	var info struct {
		Sub           string `json:"sub"`
		Email         string `json:"email"`
		EmailVerified *bool  `json:"email_verified"`
		Name          string `json:"name"`
	}
	if err := getJSON(ctx, client, p.profileURL, &info); err != nil {
		return models.ExternalProfile{}, fmt.Errorf("fetch %s profile: %w", p.name, err)
	}
	if info.EmailVerified != nil && !*info.EmailVerified {
		return models.ExternalProfile{}, fmt.Errorf("%w: %s email is not verified", common.ErrorValidation, p.name)
	}
	return models.ExternalProfile{ExternalID: info.Sub, Email: info.Email, DisplayName: info.Name}, nil
}

// fetchGitHubProfile falls back to the primary verified address when the
// public profile hides the email.
func fetchGitHubProfile(ctx context.Context, client *http.Client, p *Provider) (models.ExternalProfile, error) {
	var user struct {
		ID    int64  `json:"id"`
		Login string `json:"login"`
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	if err := getJSON(ctx, client, p.profileURL, &user); err != nil {
		return models.ExternalProfile{}, fmt.Errorf("fetch github profile: %w", err)
	}
	if user.ID == 0 {
		return models.ExternalProfile{}, errors.New("github profile has no id")
	}

	name := user.Name
	if strings.TrimSpace(name) == "" {
		name = user.Login
	}
	profile := models.ExternalProfile{ExternalID: strconv.FormatInt(user.ID, 10), Email: user.Email, DisplayName: name}
	if profile.Email != "" {
		return profile, nil
	}

	var emails []struct {
		Email    string `json:"email"`
		Primary  bool   `json:"primary"`
		Verified bool   `json:"verified"`
	}
	if err := getJSON(ctx, client, p.emailsURL, &emails); err != nil {
		return models.ExternalProfile{}, fmt.Errorf("fetch github emails: %w", err)
	}
	for _, e := range emails {
		if e.Primary && e.Verified {
			profile.Email = e.Email
			return profile, nil
		}
	}
	return models.ExternalProfile{}, fmt.Errorf("%w: github account has no verified primary email", common.ErrorValidation)
}

// Registry holds the configured providers by name.
type Registry map[string]*Provider

func NewRegistry(cfgs map[string]ProviderConfig) (Registry, error) {
	r := Registry{}
	for name, cfg := range cfgs {
		if cfg.ClientID == "" {
			continue
		}
		p, err := NewProvider(name, cfg)
		if err != nil {
			return nil, err
		}
		r[name] = p
	}
	return r, nil
}

func (r Registry) Get(name string) (*Provider, error) {
	p, ok := r[name]
	if !ok {
		return nil, fmt.Errorf("%w: oauth provider %q", common.ErrorNotFound, name)
	}
	return p, nil
}
