package config

import (
	"encoding/json"
	"os"

	"github.com/dmitrijs2005/gatekeeper/internal/flagx"
	"github.com/dmitrijs2005/gatekeeper/internal/timex"
)

// JsonConfig is the on-disk shape of the configuration file. Durations use
// timex.Duration, so both "15m" and integer nanoseconds are accepted.
// Pointer fields distinguish "absent" from an explicit zero.
type JsonConfig struct {
	HTTPAddr         string                 `json:"http_addr"`
	StoreDriver      string                 `json:"store_driver"`
	DatabaseDSN      string                 `json:"database_dsn"`
	MongoURI         string                 `json:"mongo_uri"`
	MongoDatabase    string                 `json:"mongo_database"`
	AccessSecret     string                 `json:"access_secret"`
	RefreshSecret    string                 `json:"refresh_secret"`
	Issuer           string                 `json:"issuer"`
	Audience         string                 `json:"audience"`
	AccessTokenTTL   *timex.Duration        `json:"access_token_ttl"`
	RefreshTokenTTL  *timex.Duration        `json:"refresh_token_ttl"`
	BcryptCost       *int                   `json:"bcrypt_cost"`
	LockoutThreshold *int                   `json:"lockout_threshold"`
	LockoutDuration  *timex.Duration        `json:"lockout_duration"`
	VerificationTTL  *timex.Duration        `json:"verification_ttl"`
	ResetTTL         *timex.Duration        `json:"reset_ttl"`
	RedisURL         string                 `json:"redis_url"`
	AMQPURL          string                 `json:"amqp_url"`
	AMQPQueue        string                 `json:"amqp_queue"`
	AutoLinkByEmail  *bool                  `json:"auto_link_by_email"`
	LogLevel         string                 `json:"log_level"`
	OAuth            map[string]OAuthClient `json:"oauth"`
}

// parseJson loads the file named by -c / -config, if any, and copies every
// field it sets into config. Unreadable or invalid files panic.
func parseJson(config *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	c := &JsonConfig{}
	if err := json.Unmarshal(file, c); err != nil {
		panic(err)
	}
	c.apply(config)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func (c *JsonConfig) apply(config *Config) {
	setString(&config.HTTPAddr, c.HTTPAddr)
	setString(&config.StoreDriver, c.StoreDriver)
	setString(&config.DatabaseDSN, c.DatabaseDSN)
	setString(&config.MongoURI, c.MongoURI)
	setString(&config.MongoDatabase, c.MongoDatabase)
	setString(&config.AccessSecret, c.AccessSecret)
	setString(&config.RefreshSecret, c.RefreshSecret)
	setString(&config.Issuer, c.Issuer)
	setString(&config.Audience, c.Audience)
	setString(&config.RedisURL, c.RedisURL)
	setString(&config.AMQPURL, c.AMQPURL)
	setString(&config.AMQPQueue, c.AMQPQueue)
	setString(&config.LogLevel, c.LogLevel)

	if c.AccessTokenTTL != nil {
		config.AccessTokenTTL = c.AccessTokenTTL.Duration
	}
	if c.RefreshTokenTTL != nil {
		config.RefreshTokenTTL = c.RefreshTokenTTL.Duration
	}
	if c.LockoutDuration != nil {
		config.LockoutDuration = c.LockoutDuration.Duration
	}
	if c.VerificationTTL != nil {
		config.VerificationTTL = c.VerificationTTL.Duration
	}
	if c.ResetTTL != nil {
		config.ResetTTL = c.ResetTTL.Duration
	}
	if c.BcryptCost != nil {
		config.BcryptCost = *c.BcryptCost
	}
	if c.LockoutThreshold != nil {
		config.LockoutThreshold = *c.LockoutThreshold
	}
	if c.AutoLinkByEmail != nil {
		config.AutoLinkByEmail = *c.AutoLinkByEmail
	}

	if len(c.OAuth) > 0 && config.OAuth == nil {
		config.OAuth = map[string]OAuthClient{}
	}
	for name, client := range c.OAuth {
		config.OAuth[name] = client
	}
}
