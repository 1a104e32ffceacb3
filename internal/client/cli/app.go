// Package cli is the interactive gatekeeper client.
package cli

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"

	"github.com/dmitrijs2005/gatekeeper/internal/client/client"
	"github.com/dmitrijs2005/gatekeeper/internal/client/config"
	"github.com/dmitrijs2005/gatekeeper/internal/client/repositories/metadata"
	"github.com/dmitrijs2005/gatekeeper/internal/client/services"
)

type App struct {
	session *services.SessionService
	db      *sql.DB
	reader  *bufio.Reader
	out     io.Writer
}

func NewApp(ctx context.Context, c *config.Config) (*App, error) {
	api, err := client.NewAPIClient(c.ServerURL, c.RequestTimeout)
	if err != nil {
		return nil, err
	}

	db, err := client.OpenSessionDB(ctx, c.SessionFile)
	if err != nil {
		return nil, fmt.Errorf("session db: %w", err)
	}

	return &App{
		session: services.NewSessionService(api, metadata.NewSQLiteRepository(db)),
		db:      db,
		reader:  bufio.NewReader(os.Stdin),
		out:     os.Stdout,
	}, nil
}

func (a *App) status(ctx context.Context) string {
	if !a.isLoggedIn(ctx) {
		return ""
	}
	return "(" + a.session.UserName(ctx) + ") "
}

func (a *App) Run(ctx context.Context) {
	defer a.db.Close()

	printlnFn("Welcome to the gatekeeper client (type 'help' for commands)")
	runREPL(ctx, a, func() string { return a.status(ctx) }, bufio.NewScanner(a.reader))
}
