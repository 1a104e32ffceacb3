package config

import (
	"encoding/json"
	"os"

	"github.com/dmitrijs2005/gatekeeper/internal/flagx"
	"github.com/dmitrijs2005/gatekeeper/internal/timex"
)

type JsonConfig struct {
	ServerURL      string          `json:"server_url"`
	SessionFile    string          `json:"session_file"`
	RequestTimeout *timex.Duration `json:"request_timeout"`
}

func parseJson(cfg *Config) {
	path := flagx.JsonConfigFlags()
	if path == "" {
		return
	}

	file, err := os.ReadFile(path)
	if err != nil {
		panic(err)
	}

	c := &JsonConfig{}
	if err := json.Unmarshal(file, c); err != nil {
		panic(err)
	}

	if c.ServerURL != "" {
		cfg.ServerURL = c.ServerURL
	}
	if c.SessionFile != "" {
		cfg.SessionFile = c.SessionFile
	}
	if c.RequestTimeout != nil {
		cfg.RequestTimeout = c.RequestTimeout.Duration
	}
}
