// Package config holds the settings of the gatekeeper command-line client.
package config

import "time"

// Config holds runtime settings for the client.
//
// Fields:
//   - ServerURL: base URL of the gatekeeper HTTP API.
//   - SessionFile: SQLite file that keeps the current session between runs.
//   - RequestTimeout: per-request HTTP timeout.
type Config struct {
	ServerURL      string
	SessionFile    string
	RequestTimeout time.Duration
}

func (c *Config) LoadDefaults() {
	c.ServerURL = "http://127.0.0.1:8080"
	c.SessionFile = "gatekeeper-session.db"
	c.RequestTimeout = 10 * time.Second
}

// LoadConfig applies defaults, then the optional JSON file, then flags.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
