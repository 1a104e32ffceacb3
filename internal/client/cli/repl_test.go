package cli

import (
	"bufio"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeExec struct {
	loggedIn bool
	calls    []string
}

func (f *fakeExec) record(name string) error { f.calls = append(f.calls, name); return nil }

func (f *fakeExec) isLoggedIn(context.Context) bool { return f.loggedIn }
func (f *fakeExec) Register(context.Context) error  { return f.record("register") }
func (f *fakeExec) Login(context.Context) error {
	f.loggedIn = true
	return f.record("login")
}
func (f *fakeExec) Me(context.Context) error                 { return f.record("me") }
func (f *fakeExec) Verify(context.Context) error             { return f.record("verify") }
func (f *fakeExec) ResendVerification(context.Context) error { return f.record("resend") }
func (f *fakeExec) ForgotPassword(context.Context) error     { return f.record("forgot") }
func (f *fakeExec) ResetPassword(context.Context) error      { return f.record("reset") }
func (f *fakeExec) ChangePassword(context.Context) error     { return f.record("passwd") }
func (f *fakeExec) Logout(context.Context) error {
	f.loggedIn = false
	return f.record("logout")
}

func TestRunREPL_DispatchesCommands(t *testing.T) {
	var printed []string
	origPrint := printlnFn
	printlnFn = func(a ...any) (int, error) {
		for _, v := range a {
			if s, ok := v.(string); ok {
				printed = append(printed, s)
			}
		}
		return 0, nil
	}
	t.Cleanup(func() { printlnFn = origPrint })

	input := strings.NewReader(strings.Join([]string{
		"help",
		"register",
		"login",
		"",
		"help",
		"whoami",
		"verify",
		"resend",
		"passwd",
		"logout",
		"forgot",
		"reset",
		"foobar",
		"exit",
		"me",
	}, "\n"))

	exec := &fakeExec{}
	runREPL(context.Background(), exec, func() string { return "status" }, bufio.NewScanner(input))

	assert.Equal(t, []string{"register", "login", "me", "verify", "resend", "passwd", "logout", "forgot", "reset"}, exec.calls)
	assert.Contains(t, printed, "Available commands: register, login, verify, forgot, reset, exit")
	assert.Contains(t, printed, "Available commands: me, verify, resend, passwd, logout, exit")
	assert.Contains(t, printed, "foobar")
	assert.Contains(t, printed, "Bye!")
}

func TestRunREPL_StopsOnEOF(t *testing.T) {
	origPrint := printlnFn
	printlnFn = func(...any) (int, error) { return 0, nil }
	t.Cleanup(func() { printlnFn = origPrint })

	exec := &fakeExec{}
	runREPL(context.Background(), exec, func() string { return "" }, bufio.NewScanner(strings.NewReader("login")))
	assert.Equal(t, []string{"login"}, exec.calls)
}
