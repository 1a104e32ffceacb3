package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/gatekeeper/internal/common"
	"github.com/dmitrijs2005/gatekeeper/internal/server/models"
	"github.com/dmitrijs2005/gatekeeper/internal/server/repositories/users"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pw = "correct-horse-battery"

func TestRegisterLoginLogoutRefresh(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	reg := h.register(t, "Alice", "Alice@Example.com", pw)
	assert.Equal(t, "alice", reg.User.UserName)
	assert.Equal(t, "alice@example.com", reg.User.Email)
	assert.False(t, reg.User.IsEmailVerified)
	assert.Equal(t, models.PlanFree, reg.User.Plan)

	claims, err := h.tokens.VerifyAccess(reg.Tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, int64(0), claims.TokenEpoch)

	login, err := h.svc.Login(ctx, "alice@example.com", pw)
	require.NoError(t, err)

	_, err = h.svc.Refresh(ctx, login.Tokens.RefreshToken)
	require.NoError(t, err)

	require.NoError(t, h.svc.Logout(ctx, login.User.ID))

	_, err = h.svc.Refresh(ctx, login.Tokens.RefreshToken)
	assert.ErrorIs(t, err, common.ErrInvalidToken)
	assert.ErrorIs(t, err, common.ErrorUnauthorized)

	_, err = h.svc.Authenticate(ctx, login.Tokens.AccessToken)
	assert.ErrorIs(t, err, common.ErrInvalidToken)

	// a new login works at the new epoch
	again, err := h.svc.Login(ctx, "alice", pw)
	require.NoError(t, err)
	u, err := h.svc.Authenticate(ctx, again.Tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, int64(1), u.TokenEpoch)
}

func TestRefresh_DoesNotRotate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	reg := h.register(t, "alice", "alice@example.com", pw)

	for i := 0; i < 3; i++ {
		pair, err := h.svc.Refresh(ctx, reg.Tokens.RefreshToken)
		require.NoError(t, err)
		assert.NotEmpty(t, pair.AccessToken)
	}
}

func TestRefresh_RejectsAccessToken(t *testing.T) {
	h := newHarness(t)
	reg := h.register(t, "alice", "alice@example.com", pw)

	_, err := h.svc.Refresh(context.Background(), reg.Tokens.AccessToken)
	assert.ErrorIs(t, err, common.ErrInvalidToken)
}

func TestRegister_ValidationAndConflict(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, "alice", "alice@example.com", pw)

	_, err := h.svc.Register(ctx, "alice", "other@example.com", pw)
	assert.ErrorIs(t, err, common.ErrorAlreadyExists)
	_, err = h.svc.Register(ctx, "bob", "ALICE@example.com", pw)
	assert.ErrorIs(t, err, common.ErrorAlreadyExists)

	for name, in := range map[string][3]string{
		"short username": {"al", "al@example.com", pw},
		"bad username":   {"al ice", "al@example.com", pw},
		"bad email":      {"bob", "not-an-email", pw},
		"short password": {"bob", "bob@example.com", "short"},
	} {
		_, err := h.svc.Register(ctx, in[0], in[1], in[2])
		assert.ErrorIs(t, err, common.ErrorValidation, name)
	}
}

func TestRegister_SendsVerificationAndVerifyEmail(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	reg := h.register(t, "alice", "alice@example.com", pw)

	msg := h.notifier.last(t, models.KindEmailVerification)
	assert.Equal(t, reg.User.ID, msg.UserID)
	assert.Len(t, msg.Token, 64)

	stored, err := h.repo.GetByID(ctx, reg.User.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.EmailVerificationToken)
	assert.NotEqual(t, msg.Token, *stored.EmailVerificationToken, "only the digest is stored")
	assert.Equal(t, common.HashToken(msg.Token), *stored.EmailVerificationToken)

	u, err := h.svc.VerifyEmail(ctx, msg.Token)
	require.NoError(t, err)
	assert.True(t, u.IsEmailVerified)

	_, err = h.svc.VerifyEmail(ctx, msg.Token)
	assert.ErrorIs(t, err, common.ErrInvalidToken)

	err = h.svc.ResendVerification(ctx, reg.User.ID)
	assert.ErrorIs(t, err, common.ErrorValidation)
}

func TestVerifyEmail_Expired(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, "alice", "alice@example.com", pw)
	msg := h.notifier.last(t, models.KindEmailVerification)

	h.clock.Advance(DefaultVerificationTTL + time.Second)
	_, err := h.svc.VerifyEmail(ctx, msg.Token)
	assert.ErrorIs(t, err, common.ErrInvalidToken)
}

func TestResendVerification_ReplacesToken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	reg := h.register(t, "alice", "alice@example.com", pw)
	first := h.notifier.last(t, models.KindEmailVerification)

	require.NoError(t, h.svc.ResendVerification(ctx, reg.User.ID))
	second := h.notifier.last(t, models.KindEmailVerification)
	require.NotEqual(t, first.Token, second.Token)

	_, err := h.svc.VerifyEmail(ctx, first.Token)
	assert.ErrorIs(t, err, common.ErrInvalidToken)
	_, err = h.svc.VerifyEmail(ctx, second.Token)
	assert.NoError(t, err)
}

func TestLogin_GenericFailuresAreIdentical(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, "alice", "alice@example.com", pw)

	_, errUnknown := h.svc.Login(ctx, "nobody@example.com", pw)
	_, errUnknownName := h.svc.Login(ctx, "nobody", pw)
	_, errWrong := h.svc.Login(ctx, "alice@example.com", "wrong-password")

	require.Error(t, errUnknown)
	assert.Equal(t, errUnknown, errWrong)
	assert.Equal(t, errUnknownName, errWrong)
	assert.Equal(t, errUnknown.Error(), errWrong.Error())
	assert.ErrorIs(t, errWrong, common.ErrInvalidCredentials)
}

func TestLogin_LockoutAtFiveAndResetOnSuccess(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	reg := h.register(t, "alice", "alice@example.com", pw)

	// four failures, then a success resets the counter
	for i := 0; i < 4; i++ {
		_, err := h.svc.Login(ctx, "alice", "wrong-password")
		require.ErrorIs(t, err, common.ErrInvalidCredentials)
	}
	_, err := h.svc.Login(ctx, "alice", pw)
	require.NoError(t, err)
	u, _ := h.repo.GetByID(ctx, reg.User.ID)
	assert.Zero(t, u.FailedLoginCount)

	// five failures lock the account
	for i := 0; i < 5; i++ {
		_, err := h.svc.Login(ctx, "alice", "wrong-password")
		require.ErrorIs(t, err, common.ErrInvalidCredentials)
	}
	_, err = h.svc.Login(ctx, "alice", pw)
	assert.ErrorIs(t, err, common.ErrorLocked)
	assert.NotErrorIs(t, err, common.ErrorUnauthorized)
	assert.Equal(t, 1, h.metrics.locks)

	// the lock expires lazily
	h.clock.Advance(30*time.Minute + time.Second)
	_, err = h.svc.Login(ctx, "alice", pw)
	require.NoError(t, err)
	u, _ = h.repo.GetByID(ctx, reg.User.ID)
	assert.Zero(t, u.FailedLoginCount)
	assert.Nil(t, u.LockedUntil)
}

func TestLogin_ParallelFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	reg := h.register(t, "alice", "alice@example.com", pw)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.Login(ctx, "alice", "wrong-password")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if !assert.Error(t, err) {
			continue
		}
		assert.True(t, err == common.ErrInvalidCredentials || err == common.ErrorLocked, "unexpected error %v", err)
	}

	u, err := h.repo.GetByID(ctx, reg.User.ID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, u.FailedLoginCount, 5)
	assert.LessOrEqual(t, u.FailedLoginCount, 10)
	assert.True(t, u.IsLocked(h.clock.Now()))
	assert.Equal(t, 1, h.metrics.locks, "exactly one failure performs the lock transition")

	_, err = h.svc.Login(ctx, "alice", pw)
	assert.ErrorIs(t, err, common.ErrorLocked)
}

func TestPasswordReset_SingleUseAndRevokes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	reg := h.register(t, "alice", "alice@example.com", pw)

	// lock the account first; a reset clears it
	for i := 0; i < 5; i++ {
		_, _ = h.svc.Login(ctx, "alice", "wrong-password")
	}

	require.NoError(t, h.svc.RequestPasswordReset(ctx, "ALICE@example.com"))
	msg := h.notifier.last(t, models.KindPasswordReset)

	require.NoError(t, h.svc.ResetPassword(ctx, msg.Token, "new-password-1"))
	err := h.svc.ResetPassword(ctx, msg.Token, "new-password-2")
	assert.ErrorIs(t, err, common.ErrInvalidToken)
	assert.ErrorIs(t, err, common.ErrorUnauthorized)

	_, err = h.svc.Refresh(ctx, reg.Tokens.RefreshToken)
	assert.ErrorIs(t, err, common.ErrInvalidToken)

	_, err = h.svc.Login(ctx, "alice", pw)
	assert.ErrorIs(t, err, common.ErrInvalidCredentials)
	_, err = h.svc.Login(ctx, "alice", "new-password-1")
	assert.NoError(t, err)
}

func TestPasswordReset_InvalidPasswordKeepsToken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, "alice", "alice@example.com", pw)
	require.NoError(t, h.svc.RequestPasswordReset(ctx, "alice@example.com"))
	msg := h.notifier.last(t, models.KindPasswordReset)

	assert.ErrorIs(t, h.svc.ResetPassword(ctx, msg.Token, "short"), common.ErrorValidation)
	assert.NoError(t, h.svc.ResetPassword(ctx, msg.Token, "long-enough-1"))
}

func TestPasswordReset_ExpiresAfterTenMinutes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, "alice", "alice@example.com", pw)
	require.NoError(t, h.svc.RequestPasswordReset(ctx, "alice@example.com"))
	msg := h.notifier.last(t, models.KindPasswordReset)

	h.clock.Advance(DefaultResetTTL + time.Second)
	assert.ErrorIs(t, h.svc.ResetPassword(ctx, msg.Token, "long-enough-1"), common.ErrInvalidToken)
}

func TestRequestPasswordReset_SilentForUnknown(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.svc.RequestPasswordReset(ctx, "ghost@example.com"))
	assert.Empty(t, h.notifier.msgs)

	assert.ErrorIs(t, h.svc.RequestPasswordReset(ctx, "nope"), common.ErrorValidation)
}

func TestRequestPasswordReset_StoreErrorIsInternal(t *testing.T) {
	h := newHarness(t, withRepo(&failingRepo{Repository: users.NewMemoryRepository(), getByEmailErr: errBoom{}}))
	err := h.svc.RequestPasswordReset(context.Background(), "alice@example.com")
	assert.Equal(t, common.ErrorInternal, err)
}

func TestChangePassword(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	reg := h.register(t, "alice", "alice@example.com", pw)

	_, err := h.svc.ChangePassword(ctx, reg.User.ID, "wrong-password", "new-password-1")
	assert.ErrorIs(t, err, common.ErrInvalidCredentials)

	pair, err := h.svc.ChangePassword(ctx, reg.User.ID, pw, "new-password-1")
	require.NoError(t, err)

	_, err = h.svc.Authenticate(ctx, reg.Tokens.AccessToken)
	assert.ErrorIs(t, err, common.ErrInvalidToken)

	u, err := h.svc.Authenticate(ctx, pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, int64(1), u.TokenEpoch)
}

func TestForceLogout(t *testing.T) {
	repo := users.NewMemoryRepository()
	h := newHarness(t, withRepo(repo))
	ctx := context.Background()

	victim := h.register(t, "alice", "alice@example.com", pw)
	plain := h.register(t, "bob", "bob@example.com", pw)
	admin, err := repo.Create(ctx, &models.User{UserName: "root", Email: "root@example.com", Role: models.RoleAdmin, IsActive: true})
	require.NoError(t, err)

	assert.ErrorIs(t, h.svc.ForceLogout(ctx, plain.User.ID, victim.User.ID), common.ErrorForbidden)
	assert.ErrorIs(t, h.svc.ForceLogout(ctx, "missing", victim.User.ID), common.ErrorForbidden)

	require.NoError(t, h.svc.ForceLogout(ctx, admin.ID, victim.User.ID))
	_, err = h.svc.Refresh(ctx, victim.Tokens.RefreshToken)
	assert.ErrorIs(t, err, common.ErrInvalidToken)

	assert.ErrorIs(t, h.svc.ForceLogout(ctx, admin.ID, "missing"), common.ErrorNotFound)
}

func TestUpdateProfile(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	reg := h.register(t, "alice", "alice@example.com", pw)
	verify := h.notifier.last(t, models.KindEmailVerification)
	h.register(t, "bob", "bob@example.com", pw)

	_, err := h.svc.VerifyEmail(ctx, verify.Token)
	require.NoError(t, err)

	_, err = h.svc.UpdateProfile(ctx, reg.User.ID, "bob", "")
	assert.ErrorIs(t, err, common.ErrorAlreadyExists)

	u, err := h.svc.UpdateProfile(ctx, reg.User.ID, "alice2", "")
	require.NoError(t, err)
	assert.Equal(t, "alice2", u.UserName)
	assert.True(t, u.IsEmailVerified)

	u, err = h.svc.UpdateProfile(ctx, reg.User.ID, "", "new@example.com")
	require.NoError(t, err)
	assert.Equal(t, "new@example.com", u.Email)
	assert.False(t, u.IsEmailVerified)
	msg := h.notifier.last(t, models.KindEmailVerification)
	assert.Equal(t, "new@example.com", msg.Email)
}

func TestUpdateProfile_OldVerificationTokenDiesWithEmailChange(t *testing.T) {
	repo := &failingRepo{Repository: users.NewMemoryRepository()}
	h := newHarness(t, withRepo(repo))
	ctx := context.Background()

	reg := h.register(t, "alice", "alice@example.com", pw)
	old := h.notifier.last(t, models.KindEmailVerification)

	// the new token cannot be stored
	repo.setTokenErr = errBoom{}
	u, err := h.svc.UpdateProfile(ctx, reg.User.ID, "", "new@example.com")
	require.NoError(t, err)
	assert.Equal(t, "new@example.com", u.Email)

	_, err = h.svc.VerifyEmail(ctx, old.Token)
	assert.ErrorIs(t, err, common.ErrInvalidToken)

	got, err := h.repo.GetByID(ctx, reg.User.ID)
	require.NoError(t, err)
	assert.False(t, got.IsEmailVerified)
}

func TestLogin_DeactivatedMidLoginIsGeneric(t *testing.T) {
	repo := &failingRepo{Repository: users.NewMemoryRepository()}
	h := newHarness(t, withRepo(repo))
	ctx := context.Background()

	reg := h.register(t, "alice", "alice@example.com", pw)
	repo.beforeLoginSuccess = func() {
		_, err := repo.Repository.Deactivate(ctx, reg.User.ID, "deleted_"+reg.User.ID, "deleted_"+reg.User.ID+"@deleted.invalid")
		require.NoError(t, err)
	}

	_, err := h.svc.Login(ctx, "alice", pw)
	assert.Equal(t, common.ErrInvalidCredentials, err)
	assert.NotErrorIs(t, err, common.ErrorLocked)
}

func TestDeleteAccount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	reg := h.register(t, "alice", "alice@example.com", pw)

	assert.ErrorIs(t, h.svc.DeleteAccount(ctx, reg.User.ID, "wrong-password"), common.ErrInvalidCredentials)
	require.NoError(t, h.svc.DeleteAccount(ctx, reg.User.ID, pw))

	_, err := h.svc.Refresh(ctx, reg.Tokens.RefreshToken)
	assert.ErrorIs(t, err, common.ErrInvalidToken)
	_, err = h.svc.Login(ctx, "alice", pw)
	assert.ErrorIs(t, err, common.ErrInvalidCredentials)

	// identifiers are free again
	h.register(t, "alice", "alice@example.com", pw)
}

func TestOAuthCallback_LinksAndRepeats(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	reg := h.register(t, "alice", "alice@example.com", pw)

	profile := models.ExternalProfile{Provider: "google", ExternalID: "g-1", Email: "Alice@example.com", DisplayName: "Alice A."}
	first, err := h.svc.OAuthCallback(ctx, profile)
	require.NoError(t, err)
	assert.Equal(t, reg.User.ID, first.User.ID)
	assert.True(t, first.User.IsEmailVerified)
	assert.Equal(t, "google", first.User.OAuthProvider)

	second, err := h.svc.OAuthCallback(ctx, profile)
	require.NoError(t, err)
	assert.Equal(t, reg.User.ID, second.User.ID)

	// password login still works on the linked account
	_, err = h.svc.Login(ctx, "alice", pw)
	assert.NoError(t, err)
}

func TestOAuthCallback_CreatesAccountWithoutPassword(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.svc.OAuthCallback(ctx, models.ExternalProfile{Provider: "github", ExternalID: "42", Email: "octo@example.com", DisplayName: "Octo Cat!"})
	require.NoError(t, err)
	assert.Regexp(t, `^octocat_\d{6}$`, res.User.UserName)
	assert.True(t, res.User.IsEmailVerified)

	u, err := h.repo.GetByID(ctx, res.User.ID)
	require.NoError(t, err)
	assert.Nil(t, u.PasswordHash)

	_, err = h.svc.ChangePassword(ctx, u.ID, "", "new-password-1")
	assert.ErrorIs(t, err, common.ErrorValidation)

	require.NoError(t, h.svc.RequestPasswordReset(ctx, "octo@example.com"))
	for _, m := range h.notifier.msgs {
		assert.NotEqual(t, models.KindPasswordReset, m.Kind)
	}

	_, err = h.svc.Login(ctx, "octo@example.com", "")
	assert.ErrorIs(t, err, common.ErrInvalidCredentials)
}

func TestOAuthCallback_LogoutRevokesOAuthSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res, err := h.svc.OAuthCallback(ctx, models.ExternalProfile{Provider: "github", ExternalID: "42", Email: "octo@example.com"})
	require.NoError(t, err)

	require.NoError(t, h.svc.Logout(ctx, res.User.ID))
	_, err = h.svc.Authenticate(ctx, res.Tokens.AccessToken)
	assert.ErrorIs(t, err, common.ErrInvalidToken)

	again, err := h.svc.OAuthCallback(ctx, models.ExternalProfile{Provider: "github", ExternalID: "42", Email: "octo@example.com"})
	require.NoError(t, err)
	_, err = h.svc.Authenticate(ctx, again.Tokens.AccessToken)
	assert.NoError(t, err)
}

func TestOAuthCallback_Rejections(t *testing.T) {
	h := newHarness(t, withoutAutoLink())
	ctx := context.Background()
	h.register(t, "alice", "alice@example.com", pw)

	_, err := h.svc.OAuthCallback(ctx, models.ExternalProfile{Provider: "google", ExternalID: "g-1", Email: "alice@example.com"})
	assert.ErrorIs(t, err, common.ErrorAlreadyExists)

	_, err = h.svc.OAuthCallback(ctx, models.ExternalProfile{Provider: "google", ExternalID: "", Email: "x@example.com"})
	assert.ErrorIs(t, err, common.ErrorValidation)
}

func TestAuthenticate_StoreErrorIsInternal(t *testing.T) {
	repo := &failingRepo{Repository: users.NewMemoryRepository()}
	h := newHarness(t, withRepo(repo))
	reg := h.register(t, "alice", "alice@example.com", pw)

	repo.getByIDErr = errBoom{}
	_, err := h.svc.Authenticate(context.Background(), reg.Tokens.AccessToken)
	assert.Equal(t, common.ErrorInternal, err)
}

func TestLogin_FailedCounterErrorIsInternal(t *testing.T) {
	repo := &failingRepo{Repository: users.NewMemoryRepository()}
	h := newHarness(t, withRepo(repo))
	h.register(t, "alice", "alice@example.com", pw)

	repo.failedErr = errBoom{}
	_, err := h.svc.Login(context.Background(), "alice", "wrong-password")
	assert.Equal(t, common.ErrorInternal, err)
}
