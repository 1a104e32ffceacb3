package cli

import (
	"bufio"
	"context"
	"fmt"
	"strings"
)

// printlnFn is a test seam for user-facing output.
var printlnFn = fmt.Println

// execIface is the command surface the REPL dispatches to.
type execIface interface {
	isLoggedIn(ctx context.Context) bool
	Register(ctx context.Context) error
	Login(ctx context.Context) error
	Me(ctx context.Context) error
	Verify(ctx context.Context) error
	ResendVerification(ctx context.Context) error
	ForgotPassword(ctx context.Context) error
	ResetPassword(ctx context.Context) error
	ChangePassword(ctx context.Context) error
	Logout(ctx context.Context) error
}

// runREPL reads commands from scanner until EOF, "exit" or "quit".
//
//	Not logged in: register, login, verify, forgot, reset, exit
//	Logged in:     me, verify, resend, passwd, logout, exit
//
// Handler errors are reported by the handlers themselves.
func runREPL(ctx context.Context, a execIface, statusFn func() string, scanner *bufio.Scanner) {
	for {
		printlnFn(fmt.Sprintf("gk %s> ", statusFn()))
		if !scanner.Scan() {
			return
		}
		parts := strings.Fields(scanner.Text())
		if len(parts) == 0 {
			continue
		}

		switch cmd := parts[0]; cmd {
		case "help":
			if a.isLoggedIn(ctx) {
				printlnFn("Available commands: me, verify, resend, passwd, logout, exit")
			} else {
				printlnFn("Available commands: register, login, verify, forgot, reset, exit")
			}

		case "register":
			_ = a.Register(ctx)

		case "login":
			_ = a.Login(ctx)

		case "me", "whoami":
			_ = a.Me(ctx)

		case "verify":
			_ = a.Verify(ctx)

		case "resend":
			_ = a.ResendVerification(ctx)

		case "forgot":
			_ = a.ForgotPassword(ctx)

		case "reset":
			_ = a.ResetPassword(ctx)

		case "passwd":
			_ = a.ChangePassword(ctx)

		case "logout":
			_ = a.Logout(ctx)

		case "exit", "quit":
			printlnFn("Bye!")
			return

		default:
			printlnFn("Unknown command:", cmd)
		}
	}
}
