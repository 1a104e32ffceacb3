// Package server wires configuration, the credential store, token services
// and the HTTP API together and runs them until a shutdown signal arrives.
package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/dmitrijs2005/gatekeeper/internal/logging"
	"github.com/dmitrijs2005/gatekeeper/internal/server/auth"
	"github.com/dmitrijs2005/gatekeeper/internal/server/config"
	"github.com/dmitrijs2005/gatekeeper/internal/server/httpapi"
	"github.com/dmitrijs2005/gatekeeper/internal/server/metrics"
	"github.com/dmitrijs2005/gatekeeper/internal/server/models"
	"github.com/dmitrijs2005/gatekeeper/internal/server/notify"
	"github.com/dmitrijs2005/gatekeeper/internal/server/oauth"
	"github.com/dmitrijs2005/gatekeeper/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/gatekeeper/internal/server/services"
	"github.com/redis/go-redis/v9"
)

type App struct {
	config  *config.Config
	logger  logging.Logger
	repos   repomanager.RepositoryManager
	handler http.Handler
	closers []io.Closer
}

func parseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return l
}

// NewApp opens every backend named by c and builds the HTTP handler.
// Resources opened before a failure are released.
func NewApp(ctx context.Context, c *config.Config) (*App, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logger := logging.NewJSONLogger(os.Stdout, parseLevel(c.LogLevel))
	app := &App{config: c, logger: logger}
	h, err := app.build(ctx)
	if err != nil {
		app.close(ctx)
		return nil, err
	}
	app.handler = h
	return app, nil
}

func (app *App) build(ctx context.Context) (http.Handler, error) {
	c, logger := app.config, app.logger

	var err error

	app.repos, err = repomanager.New(ctx, repomanager.Options{
		Driver:        c.StoreDriver,
		DatabaseDSN:   c.DatabaseDSN,
		MongoURI:      c.MongoURI,
		MongoDatabase: c.MongoDatabase,
	})
	if err != nil {
		return nil, fmt.Errorf("store init error: %w", err)
	}
	if err := app.repos.RunMigrations(ctx); err != nil {
		return nil, fmt.Errorf("migrations: %w", err)
	}

	tokens, err := auth.NewTokenService(auth.TokenConfig{
		AccessSecret:  []byte(c.AccessSecret),
		RefreshSecret: []byte(c.RefreshSecret),
		Issuer:        c.Issuer,
		Audience:      c.Audience,
		AccessTTL:     c.AccessTokenTTL,
		RefreshTTL:    c.RefreshTokenTTL,
	})
	if err != nil {
		return nil, err
	}
	hasher, err := auth.NewHasher(c.BcryptCost)
	if err != nil {
		return nil, err
	}

	m := metrics.New("gatekeeper")

	notifier, err := app.notifier()
	if err != nil {
		return nil, err
	}
	states, err := app.stateStore()
	if err != nil {
		return nil, err
	}

	providerCfgs := make(map[string]oauth.ProviderConfig, len(c.OAuth))
	for name, oc := range c.OAuth {
		providerCfgs[name] = oauth.ProviderConfig{ClientID: oc.ClientID, ClientSecret: oc.ClientSecret, RedirectURL: oc.RedirectURL}
	}
	providers, err := oauth.NewRegistry(providerCfgs)
	if err != nil {
		return nil, err
	}

	repo := app.repos.Users()
	sessions := services.NewSessionService(services.SessionDeps{
		Users:     repo,
		Tokens:    tokens,
		Hasher:    hasher,
		Lockout:   services.NewLockoutGuard(repo, models.LockoutPolicy{Threshold: c.LockoutThreshold, Duration: c.LockoutDuration}, m),
		Ephemeral: services.NewEphemeralIssuer(repo, c.VerificationTTL, c.ResetTTL, m),
		Resolver:  services.NewIdentityResolver(repo, c.AutoLinkByEmail, m, logger),
		Notifier:  notifier,
		Metrics:   m,
		Logger:    logger,
	})

	return httpapi.NewRouter(httpapi.Deps{
		Sessions:  sessions,
		Providers: providers,
		States:    states,
		Metrics:   m,
		Logger:    logger,
	}), nil
}

func (app *App) notifier() (notify.Notifier, error) {
	if app.config.AMQPURL == "" {
		return notify.NewLogNotifier(app.logger), nil
	}
	n, err := notify.NewAMQPNotifier(app.config.AMQPURL, app.config.AMQPQueue)
	if err != nil {
		return nil, fmt.Errorf("amqp init error: %w", err)
	}
	app.closers = append(app.closers, n)
	return n, nil
}

func (app *App) stateStore() (oauth.StateStore, error) {
	if app.config.RedisURL == "" {
		return oauth.NewMemoryStateStore(oauth.DefaultStateTTL), nil
	}
	opts, err := redis.ParseURL(app.config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	client := redis.NewClient(opts)
	app.closers = append(app.closers, client)
	return oauth.NewRedisStateStore(client, oauth.DefaultStateTTL), nil
}

func (app *App) close(ctx context.Context) {
	for i := len(app.closers) - 1; i >= 0; i-- {
		if err := app.closers[i].Close(); err != nil {
			app.logger.Warn(ctx, "close failed", "error", err)
		}
	}
	app.closers = nil
	if app.repos != nil {
		if err := app.repos.Close(ctx); err != nil {
			app.logger.Warn(ctx, "store close failed", "error", err)
		}
		app.repos = nil
	}
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) startHTTPServer(ctx context.Context, cancelFunc context.CancelFunc) {
	s := httpapi.NewServer(app.config.HTTPAddr, app.handler, app.logger)
	if err := s.Run(ctx); err != nil {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

// Run serves until ctx is cancelled or a termination signal arrives, then
// releases every backend.
func (app *App) Run(ctx context.Context) {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...", "store", app.config.StoreDriver)

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.startHTTPServer(ctx, cancelFunc)
	}()

	wg.Wait()

	app.close(context.Background())
	app.logger.Info(ctx, "Stopped")
}
