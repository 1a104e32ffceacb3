package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/gatekeeper/internal/client/services"
	"github.com/dmitrijs2005/gatekeeper/internal/common"
)

func (a *App) isLoggedIn(ctx context.Context) bool {
	return a.session.LoggedIn(ctx)
}

// report prints err in a user-facing form and returns it unchanged.
func (a *App) report(err error) error {
	switch {
	case err == nil:
	case errors.Is(err, services.ErrNotLoggedIn):
		fmt.Fprintln(a.out, "You are not logged in.")
	case errors.Is(err, common.ErrorLocked):
		fmt.Fprintln(a.out, "Account is temporarily locked, try again later.")
	default:
		fmt.Fprintln(a.out, "Error:", err)
	}
	return err
}

func (a *App) Register(ctx context.Context) error {
	username, err := GetSimpleText(a.reader, "Enter user name", a.out)
	if err != nil {
		return a.report(err)
	}
	email, err := GetSimpleText(a.reader, "Enter email", a.out)
	if err != nil {
		return a.report(err)
	}
	password, err := GetPassword(a.out, "Enter password")
	if err != nil {
		return a.report(err)
	}
	defer common.WipeByteArray(password)

	u, err := a.session.Register(ctx, username, email, password)
	if err != nil {
		return a.report(err)
	}
	fmt.Fprintf(a.out, "Registered as %s. Check %s for the verification token.\n", u.UserName, u.Email)
	return nil
}

func (a *App) Login(ctx context.Context) error {
	identifier, err := GetSimpleText(a.reader, "Enter user name or email", a.out)
	if err != nil {
		return a.report(err)
	}
	password, err := GetPassword(a.out, "Enter password")
	if err != nil {
		return a.report(err)
	}
	defer common.WipeByteArray(password)

	u, err := a.session.Login(ctx, identifier, password)
	if err != nil {
		return a.report(err)
	}
	fmt.Fprintf(a.out, "Logged in as %s\n", u.UserName)
	return nil
}

func (a *App) Me(ctx context.Context) error {
	u, err := a.session.Me(ctx)
	if err != nil {
		return a.report(err)
	}
	fmt.Fprintf(a.out, "id: %s\nusername: %s\nemail: %s (verified: %t)\nrole: %s\nplan: %s\n",
		u.ID, u.UserName, u.Email, u.IsEmailVerified, u.Role, u.Plan)
	return nil
}

func (a *App) Verify(ctx context.Context) error {
	token, err := GetSimpleText(a.reader, "Enter verification token", a.out)
	if err != nil {
		return a.report(err)
	}
	if _, err := a.session.VerifyEmail(ctx, token); err != nil {
		return a.report(err)
	}
	fmt.Fprintln(a.out, "Email verified.")
	return nil
}

func (a *App) ResendVerification(ctx context.Context) error {
	if err := a.session.ResendVerification(ctx); err != nil {
		return a.report(err)
	}
	fmt.Fprintln(a.out, "Verification token sent.")
	return nil
}

func (a *App) ForgotPassword(ctx context.Context) error {
	email, err := GetSimpleText(a.reader, "Enter email", a.out)
	if err != nil {
		return a.report(err)
	}
	if err := a.session.ForgotPassword(ctx, email); err != nil {
		return a.report(err)
	}
	fmt.Fprintln(a.out, "If the address is registered, a reset token is on its way.")
	return nil
}

func (a *App) ResetPassword(ctx context.Context) error {
	token, err := GetSimpleText(a.reader, "Enter reset token", a.out)
	if err != nil {
		return a.report(err)
	}
	password, err := GetPassword(a.out, "Enter new password")
	if err != nil {
		return a.report(err)
	}
	defer common.WipeByteArray(password)

	if err := a.session.ResetPassword(ctx, token, password); err != nil {
		return a.report(err)
	}
	fmt.Fprintln(a.out, "Password changed. All sessions were signed out; please log in again.")
	return nil
}

func (a *App) ChangePassword(ctx context.Context) error {
	current, err := GetPassword(a.out, "Enter current password")
	if err != nil {
		return a.report(err)
	}
	defer common.WipeByteArray(current)
	next, err := GetPassword(a.out, "Enter new password")
	if err != nil {
		return a.report(err)
	}
	defer common.WipeByteArray(next)

	if err := a.session.ChangePassword(ctx, current, next); err != nil {
		return a.report(err)
	}
	fmt.Fprintln(a.out, "Password changed. Other sessions were signed out.")
	return nil
}

func (a *App) Logout(ctx context.Context) error {
	if err := a.session.Logout(ctx); err != nil {
		return a.report(err)
	}
	fmt.Fprintln(a.out, "Logged out everywhere.")
	return nil
}
