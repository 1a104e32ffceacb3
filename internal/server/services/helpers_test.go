package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/gatekeeper/internal/logging"
	"github.com/dmitrijs2005/gatekeeper/internal/server/auth"
	"github.com/dmitrijs2005/gatekeeper/internal/server/models"
	"github.com/dmitrijs2005/gatekeeper/internal/server/notify"
	"github.com/dmitrijs2005/gatekeeper/internal/server/repositories/users"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type errBoom struct{}

func (errBoom) Error() string { return "boom" }

// captureNotifier keeps every message so tests can read raw tokens.
type captureNotifier struct {
	mu   sync.Mutex
	msgs []notify.Message
	err  error
}

func (c *captureNotifier) Notify(_ context.Context, m notify.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, m)
	return c.err
}

func (c *captureNotifier) last(t *testing.T, kind models.EphemeralKind) notify.Message {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.msgs) - 1; i >= 0; i-- {
		if c.msgs[i].Kind == kind {
			return c.msgs[i]
		}
	}
	t.Fatalf("no %s message captured", kind)
	return notify.Message{}
}

type countingMetrics struct {
	nopMetrics
	mu       sync.Mutex
	locks    int
	outcomes map[string]int
}

func (m *countingMetrics) AccountLocked() {
	m.mu.Lock()
	m.locks++
	m.mu.Unlock()
}

func (m *countingMetrics) LoginAttempt(method, outcome string) {
	m.mu.Lock()
	if m.outcomes == nil {
		m.outcomes = map[string]int{}
	}
	m.outcomes[method+"/"+outcome]++
	m.mu.Unlock()
}

type harness struct {
	svc      *SessionService
	repo     users.Repository
	tokens   *auth.TokenService
	notifier *captureNotifier
	metrics  *countingMetrics
	clock    *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	repo     users.Repository
	autoLink bool
}

func withRepo(r users.Repository) harnessOption { return func(c *harnessConfig) { c.repo = r } }
func withoutAutoLink() harnessOption          { return func(c *harnessConfig) { c.autoLink = false } }

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	cfg := harnessConfig{repo: users.NewMemoryRepository(), autoLink: true}
	for _, o := range opts {
		o(&cfg)
	}

	tokens, err := auth.NewTokenService(auth.TokenConfig{
		AccessSecret:  []byte("access-secret"),
		RefreshSecret: []byte("refresh-secret"),
		Issuer:        "gatekeeper",
		Audience:      "gatekeeper-clients",
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    7 * 24 * time.Hour,
	})
	require.NoError(t, err)
	hasher, err := auth.NewHasher(bcrypt.MinCost)
	require.NoError(t, err)

	clock := &fakeClock{now: time.Now().UTC()}
	m := &countingMetrics{}
	n := &captureNotifier{}
	logger := logging.Nop{}

	ephemeral := NewEphemeralIssuer(cfg.repo, 0, 0, m)
	ephemeral.now = clock.Now

	svc := NewSessionService(SessionDeps{
		Users:     cfg.repo,
		Tokens:    tokens,
		Hasher:    hasher,
		Lockout:   NewLockoutGuard(cfg.repo, models.DefaultLockoutPolicy(), m),
		Ephemeral: ephemeral,
		Resolver:  NewIdentityResolver(cfg.repo, cfg.autoLink, m, logger),
		Notifier:  n,
		Metrics:   m,
		Logger:    logger,
	})
	svc.now = clock.Now

	return &harness{svc: svc, repo: cfg.repo, tokens: tokens, notifier: n, metrics: m, clock: clock}
}

func (h *harness) register(t *testing.T, username, email, password string) *models.AuthResult {
	t.Helper()
	res, err := h.svc.Register(context.Background(), username, email, password)
	require.NoError(t, err)
	return res
}

// failingRepo lets individual methods return injected errors.
type failingRepo struct {
	users.Repository
	getByEmailErr error
	getByIDErr    error
	failedErr     error
	setTokenErr   error

	// beforeLoginSuccess runs ahead of the store's login reset.
	beforeLoginSuccess func()
}

func (f *failingRepo) RecordLoginSuccess(ctx context.Context, id string, now time.Time) (int64, error) {
	if f.beforeLoginSuccess != nil {
		f.beforeLoginSuccess()
	}
	return f.Repository.RecordLoginSuccess(ctx, id, now)
}

func (f *failingRepo) SetEphemeralToken(ctx context.Context, id string, kind models.EphemeralKind, digest string, expires time.Time) error {
	if f.setTokenErr != nil {
		return f.setTokenErr
	}
	return f.Repository.SetEphemeralToken(ctx, id, kind, digest, expires)
}

func (f *failingRepo) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	if f.getByEmailErr != nil {
		return nil, f.getByEmailErr
	}
	return f.Repository.GetByEmail(ctx, email)
}

func (f *failingRepo) GetByID(ctx context.Context, id string) (*models.User, error) {
	if f.getByIDErr != nil {
		return nil, f.getByIDErr
	}
	return f.Repository.GetByID(ctx, id)
}

func (f *failingRepo) RecordFailedLogin(ctx context.Context, id string, p models.LockoutPolicy, now time.Time) (models.LockoutState, error) {
	if f.failedErr != nil {
		return models.LockoutState{}, f.failedErr
	}
	return f.Repository.RecordFailedLogin(ctx, id, p, now)
}

