package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dmitrijs2005/gatekeeper/internal/server/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memoryConfig() *config.Config {
	c := &config.Config{}
	c.LoadDefaults()
	c.StoreDriver = "memory"
	c.HTTPAddr = "127.0.0.1:0"
	c.BcryptCost = 4
	c.LogLevel = "error"
	return c
}

func TestNewApp_MemoryStore(t *testing.T) {
	app, err := NewApp(context.Background(), memoryConfig())
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	app.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		app.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("app did not stop")
	}
}

func TestNewApp_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"invalid config", func(c *config.Config) { c.RefreshSecret = c.AccessSecret }},
		{"bad redis url", func(c *config.Config) { c.RedisURL = "not-a-url://" }},
		{"bad bcrypt cost", func(c *config.Config) { c.BcryptCost = 99 }},
		{"half configured oauth", func(c *config.Config) {
			c.OAuth["google"] = config.OAuthClient{ClientID: "id"}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := memoryConfig()
			tt.mutate(c)
			_, err := NewApp(context.Background(), c)
			assert.Error(t, err)
		})
	}
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, "DEBUG", parseLevel("debug").String())
	assert.Equal(t, "WARN", parseLevel(" warn ").String())
	assert.Equal(t, "INFO", parseLevel("chatty").String())
}
