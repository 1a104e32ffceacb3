package services

import (
	"context"
	"time"

	"github.com/dmitrijs2005/gatekeeper/internal/common"
	"github.com/dmitrijs2005/gatekeeper/internal/server/models"
	"github.com/dmitrijs2005/gatekeeper/internal/server/repositories/users"
)

// LockoutGuard gates password verification on the per-user failure counter.
// Locks expire lazily: nothing clears them in the background, an expired
// lock is simply ignored by Check and reset by the next write.
type LockoutGuard struct {
	repo    users.Repository
	policy  models.LockoutPolicy
	metrics Metrics
}

func NewLockoutGuard(repo users.Repository, policy models.LockoutPolicy, m Metrics) *LockoutGuard {
	if policy.Threshold <= 0 || policy.Duration <= 0 {
		policy = models.DefaultLockoutPolicy()
	}
	if m == nil {
		m = nopMetrics{}
	}
	return &LockoutGuard{repo: repo, policy: policy, metrics: m}
}

// Check fails with common.ErrorLocked while a lock is in effect.
func (g *LockoutGuard) Check(u *models.User, now time.Time) error {
	if u.IsLocked(now) {
		return common.ErrorLocked
	}
	return nil
}

// RegisterFailure records one failed password check atomically.
func (g *LockoutGuard) RegisterFailure(ctx context.Context, u *models.User, now time.Time) (models.LockoutState, error) {
	st, err := g.repo.RecordFailedLogin(ctx, u.ID, g.policy, now)
	if err != nil {
		return models.LockoutState{}, err
	}
	if st.FailedLoginCount == g.policy.Threshold && st.Locked(now) {
		g.metrics.AccountLocked()
	}
	return st, nil
}

// RegisterSuccess resets the counter unless a lock landed since Check, and
// returns the epoch the new tokens must carry.
func (g *LockoutGuard) RegisterSuccess(ctx context.Context, u *models.User, now time.Time) (int64, error) {
	return g.repo.RecordLoginSuccess(ctx, u.ID, now)
}
