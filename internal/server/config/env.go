package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/dmitrijs2005/gatekeeper/internal/flagx"
	"github.com/joho/godotenv"
)

const envPrefix = "GATEKEEPER_"

// oauthClientEnv holds the raw values for one provider. Nil means unset.
type oauthClientEnv struct {
	ClientID     *string `env:"CLIENT_ID"`
	ClientSecret *string `env:"CLIENT_SECRET"`
	RedirectURL  *string `env:"REDIRECT_URL"`
}

func (e oauthClientEnv) set() bool {
	return e.ClientID != nil || e.ClientSecret != nil || e.RedirectURL != nil
}

// envConfig mirrors Config with pointer fields so only variables present in
// the environment override earlier layers.
type envConfig struct {
	HTTPAddr         *string        `env:"HTTP_ADDR"`
	StoreDriver      *string        `env:"STORE_DRIVER"`
	DatabaseDSN      *string        `env:"DATABASE_DSN"`
	MongoURI         *string        `env:"MONGO_URI"`
	MongoDatabase    *string        `env:"MONGO_DATABASE"`
	AccessSecret     *string        `env:"ACCESS_SECRET"`
	RefreshSecret    *string        `env:"REFRESH_SECRET"`
	Issuer           *string        `env:"ISSUER"`
	Audience         *string        `env:"AUDIENCE"`
	AccessTokenTTL   *time.Duration `env:"ACCESS_TOKEN_TTL"`
	RefreshTokenTTL  *time.Duration `env:"REFRESH_TOKEN_TTL"`
	BcryptCost       *int           `env:"BCRYPT_COST"`
	LockoutThreshold *int           `env:"LOCKOUT_THRESHOLD"`
	LockoutDuration  *time.Duration `env:"LOCKOUT_DURATION"`
	VerificationTTL  *time.Duration `env:"VERIFICATION_TTL"`
	ResetTTL         *time.Duration `env:"RESET_TTL"`
	RedisURL         *string        `env:"REDIS_URL"`
	AMQPURL          *string        `env:"AMQP_URL"`
	AMQPQueue        *string        `env:"AMQP_QUEUE"`
	AutoLinkByEmail  *bool          `env:"AUTO_LINK_BY_EMAIL"`
	LogLevel         *string        `env:"LOG_LEVEL"`

	Google   oauthClientEnv `envPrefix:"OAUTH_GOOGLE_"`
	GitHub   oauthClientEnv `envPrefix:"OAUTH_GITHUB_"`
	LinkedIn oauthClientEnv `envPrefix:"OAUTH_LINKEDIN_"`
}

// parseEnv loads the dotenv file named by -env (variables already present in
// the process environment win) and then overlays every GATEKEEPER_* variable.
// Malformed values panic, as with the JSON layer.
func parseEnv(config *Config) {
	if file := flagx.EnvFileFlag(); file != "" {
		if err := godotenv.Load(file); err != nil {
			panic(err)
		}
	}
	if err := applyEnv(config, nil); err != nil {
		panic(err)
	}
}

// applyEnv overlays environ onto config. A nil environ reads the process
// environment.
func applyEnv(config *Config, environ map[string]string) error {
	var e envConfig
	if err := env.ParseWithOptions(&e, env.Options{Prefix: envPrefix, Environment: environ}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	e.apply(config)
	return nil
}

func (e *envConfig) apply(c *Config) {
	setStringPtr(&c.HTTPAddr, e.HTTPAddr)
	setStringPtr(&c.StoreDriver, e.StoreDriver)
	setStringPtr(&c.DatabaseDSN, e.DatabaseDSN)
	setStringPtr(&c.MongoURI, e.MongoURI)
	setStringPtr(&c.MongoDatabase, e.MongoDatabase)
	setStringPtr(&c.AccessSecret, e.AccessSecret)
	setStringPtr(&c.RefreshSecret, e.RefreshSecret)
	setStringPtr(&c.Issuer, e.Issuer)
	setStringPtr(&c.Audience, e.Audience)
	setStringPtr(&c.RedisURL, e.RedisURL)
	setStringPtr(&c.AMQPURL, e.AMQPURL)
	setStringPtr(&c.AMQPQueue, e.AMQPQueue)
	setStringPtr(&c.LogLevel, e.LogLevel)

	setDuration(&c.AccessTokenTTL, e.AccessTokenTTL)
	setDuration(&c.RefreshTokenTTL, e.RefreshTokenTTL)
	setDuration(&c.LockoutDuration, e.LockoutDuration)
	setDuration(&c.VerificationTTL, e.VerificationTTL)
	setDuration(&c.ResetTTL, e.ResetTTL)

	if e.BcryptCost != nil {
		c.BcryptCost = *e.BcryptCost
	}
	if e.LockoutThreshold != nil {
		c.LockoutThreshold = *e.LockoutThreshold
	}
	if e.AutoLinkByEmail != nil {
		c.AutoLinkByEmail = *e.AutoLinkByEmail
	}

	for name, p := range map[string]oauthClientEnv{"google": e.Google, "github": e.GitHub, "linkedin": e.LinkedIn} {
		if !p.set() {
			continue
		}
		if c.OAuth == nil {
			c.OAuth = map[string]OAuthClient{}
		}
		client := c.OAuth[name]
		setStringPtr(&client.ClientID, p.ClientID)
		setStringPtr(&client.ClientSecret, p.ClientSecret)
		setStringPtr(&client.RedirectURL, p.RedirectURL)
		c.OAuth[name] = client
	}
}

func setStringPtr(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *time.Duration) {
	if v != nil {
		*dst = *v
	}
}
