// Package client talks to the gatekeeper HTTP API and opens the client's
// local session database.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dmitrijs2005/gatekeeper/internal/server/models"
)

const maxResponseBytes = 1 << 20

type APIClient struct {
	base *url.URL
	http *http.Client
}

func NewAPIClient(baseURL string, timeout time.Duration) (*APIClient, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url %q: scheme must be http or https", baseURL)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &APIClient{base: u, http: &http.Client{Timeout: timeout}}, nil
}

// do sends body as JSON and decodes a 2xx answer into out when out is not nil.
func (c *APIClient) do(ctx context.Context, method, path, accessToken string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	limited := io.LimitReader(resp.Body, maxResponseBytes)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(limited).Decode(&e); err != nil || e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, limited)
		return nil
	}
	if err := json.NewDecoder(limited).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *APIClient) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", "", nil, nil)
}

func (c *APIClient) Register(ctx context.Context, username, email, password string) (*models.AuthResult, error) {
	var res models.AuthResult
	body := map[string]string{"username": username, "email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, "/auth/register", "", body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *APIClient) Login(ctx context.Context, identifier, password string) (*models.AuthResult, error) {
	var res models.AuthResult
	body := map[string]string{"identifier": identifier, "password": password}
	if err := c.do(ctx, http.MethodPost, "/auth/login", "", body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *APIClient) Refresh(ctx context.Context, refreshToken string) (*models.TokenPair, error) {
	var pair models.TokenPair
	if err := c.do(ctx, http.MethodPost, "/auth/refresh", "", map[string]string{"refresh_token": refreshToken}, &pair); err != nil {
		return nil, err
	}
	return &pair, nil
}

func (c *APIClient) Logout(ctx context.Context, accessToken string) error {
	return c.do(ctx, http.MethodPost, "/auth/logout", accessToken, nil, nil)
}

func (c *APIClient) Me(ctx context.Context, accessToken string) (*models.UserSummary, error) {
	var u models.UserSummary
	if err := c.do(ctx, http.MethodGet, "/auth/me", accessToken, nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (c *APIClient) ChangePassword(ctx context.Context, accessToken, current, newPassword string) (*models.TokenPair, error) {
	var pair models.TokenPair
	body := map[string]string{"current_password": current, "new_password": newPassword}
	if err := c.do(ctx, http.MethodPost, "/auth/password/change", accessToken, body, &pair); err != nil {
		return nil, err
	}
	return &pair, nil
}

func (c *APIClient) ForgotPassword(ctx context.Context, email string) error {
	return c.do(ctx, http.MethodPost, "/auth/password/forgot", "", map[string]string{"email": email}, nil)
}

func (c *APIClient) ResetPassword(ctx context.Context, token, newPassword string) error {
	body := map[string]string{"token": token, "new_password": newPassword}
	return c.do(ctx, http.MethodPost, "/auth/password/reset", "", body, nil)
}

func (c *APIClient) VerifyEmail(ctx context.Context, token string) (*models.UserSummary, error) {
	var u models.UserSummary
	if err := c.do(ctx, http.MethodPost, "/auth/verify-email", "", map[string]string{"token": token}, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (c *APIClient) ResendVerification(ctx context.Context, accessToken string) error {
	return c.do(ctx, http.MethodPost, "/auth/verify-email/resend", accessToken, nil, nil)
}
