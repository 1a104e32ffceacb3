package cli

import (
	"bytes"
	"context"
	"testing"

	"github.com/dmitrijs2005/gatekeeper/internal/client/services"
	"github.com/dmitrijs2005/gatekeeper/internal/common"
	"github.com/dmitrijs2005/gatekeeper/internal/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type kv map[string][]byte

func (m kv) Get(_ context.Context, k string) ([]byte, error)    { return m[k], nil }
func (m kv) Set(_ context.Context, k string, v []byte) error    { m[k] = v; return nil }
func (m kv) Delete(_ context.Context, k string) error           { delete(m, k); return nil }
func (m kv) Clear(context.Context) error                        { clear(m); return nil }

type stubAPI struct {
	locked bool
	pwSeen string
}

func (s *stubAPI) pair() *models.TokenPair {
	return &models.TokenPair{AccessToken: "a", RefreshToken: "r"}
}
func (s *stubAPI) Register(_ context.Context, username, email, password string) (*models.AuthResult, error) {
	s.pwSeen = password
	return &models.AuthResult{Tokens: s.pair(), User: models.UserSummary{UserName: username, Email: email}}, nil
}
func (s *stubAPI) Login(_ context.Context, identifier, password string) (*models.AuthResult, error) {
	s.pwSeen = password
	if s.locked {
		return nil, common.ErrorLocked
	}
	return &models.AuthResult{Tokens: s.pair(), User: models.UserSummary{UserName: identifier}}, nil
}
func (s *stubAPI) Refresh(context.Context, string) (*models.TokenPair, error) { return s.pair(), nil }
func (s *stubAPI) Logout(context.Context, string) error                      { return nil }
func (s *stubAPI) Me(context.Context, string) (*models.UserSummary, error) {
	return &models.UserSummary{ID: "u1", UserName: "alice", Email: "alice@example.com", Role: models.RoleUser, Plan: models.PlanFree}, nil
}
func (s *stubAPI) ChangePassword(context.Context, string, string, string) (*models.TokenPair, error) {
	return s.pair(), nil
}
func (s *stubAPI) ForgotPassword(context.Context, string) error        { return nil }
func (s *stubAPI) ResetPassword(context.Context, string, string) error { return nil }
func (s *stubAPI) VerifyEmail(context.Context, string) (*models.UserSummary, error) {
	return &models.UserSummary{IsEmailVerified: true}, nil
}
func (s *stubAPI) ResendVerification(context.Context, string) error { return nil }

func newTestApp(t *testing.T, api *stubAPI, input string) (*App, *bytes.Buffer) {
	t.Helper()
	old := readPassword
	t.Cleanup(func() { readPassword = old })
	readPassword = func(int) ([]byte, error) { return []byte("pw-from-terminal"), nil }

	out := &bytes.Buffer{}
	return &App{
		session: services.NewSessionService(api, kv{}),
		reader:  rdr(input),
		out:     out,
	}, out
}

func TestLoginAndMe(t *testing.T) {
	api := &stubAPI{}
	a, out := newTestApp(t, api, "alice\n")
	ctx := context.Background()

	require.NoError(t, a.Login(ctx))
	assert.Equal(t, "pw-from-terminal", api.pwSeen)
	assert.True(t, a.isLoggedIn(ctx))
	assert.Equal(t, "(alice) ", a.status(ctx))

	require.NoError(t, a.Me(ctx))
	assert.Contains(t, out.String(), "email: alice@example.com (verified: false)")

	require.NoError(t, a.Logout(ctx))
	assert.False(t, a.isLoggedIn(ctx))
	assert.Equal(t, "", a.status(ctx))
}

func TestLogin_Locked(t *testing.T) {
	a, out := newTestApp(t, &stubAPI{locked: true}, "alice\n")

	err := a.Login(context.Background())
	assert.ErrorIs(t, err, common.ErrorLocked)
	assert.Contains(t, out.String(), "temporarily locked")
}

func TestMe_NotLoggedIn(t *testing.T) {
	a, out := newTestApp(t, &stubAPI{}, "")

	err := a.Me(context.Background())
	assert.ErrorIs(t, err, services.ErrNotLoggedIn)
	assert.Contains(t, out.String(), "You are not logged in.")
}

func TestRegisterVerifyResetFlow(t *testing.T) {
	a, out := newTestApp(t, &stubAPI{}, "bob\nbob@example.com\ntoken-1\nbob@example.com\ntoken-2\n")
	ctx := context.Background()

	require.NoError(t, a.Register(ctx))
	assert.Contains(t, out.String(), "Registered as bob")
	require.NoError(t, a.Verify(ctx))
	require.NoError(t, a.ResendVerification(ctx))
	require.NoError(t, a.ChangePassword(ctx))
	require.NoError(t, a.ForgotPassword(ctx))
	require.NoError(t, a.ResetPassword(ctx))

	assert.Contains(t, out.String(), "Email verified.")
	assert.Contains(t, out.String(), "please log in again")
}
