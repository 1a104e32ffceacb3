package config

import (
	"flag"
	"os"

	"github.com/dmitrijs2005/gatekeeper/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string     HTTP bind address (e.g., ":8080")
//	-m string     store driver: postgres, mongo or memory
//	-d string     PostgreSQL DSN
//	-s string     access token secret
//	-r string     refresh token secret
//	-t duration   access token lifetime (e.g., "15m")
//	-T duration   refresh token lifetime (e.g., "168h")
//	-q string     Redis URL for OAuth state
//	-l string     log level (debug, info, warn, error)
//
// The arguments are first filtered with flagx.FilterArgs so that the -c and
// -env options owned by the other layers do not break parsing.
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-m", "-d", "-s", "-r", "-t", "-T", "-q", "-l"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.HTTPAddr, "a", config.HTTPAddr, "address and port to run server")
	fs.StringVar(&config.StoreDriver, "m", config.StoreDriver, "store driver")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.AccessSecret, "s", config.AccessSecret, "access token secret")
	fs.StringVar(&config.RefreshSecret, "r", config.RefreshSecret, "refresh token secret")
	fs.DurationVar(&config.AccessTokenTTL, "t", config.AccessTokenTTL, "access token lifetime")
	fs.DurationVar(&config.RefreshTokenTTL, "T", config.RefreshTokenTTL, "refresh token lifetime")
	fs.StringVar(&config.RedisURL, "q", config.RedisURL, "redis URL")
	fs.StringVar(&config.LogLevel, "l", config.LogLevel, "log level")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}
}
