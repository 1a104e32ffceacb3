package config

import (
	"flag"
	"os"

	"github.com/dmitrijs2005/gatekeeper/internal/flagx"
)

// parseFlags reads:
//
//	-a string     server base URL
//	-f string     session file
//	-t duration   request timeout
func parseFlags(cfg *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-f", "-t"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&cfg.ServerURL, "a", cfg.ServerURL, "server base URL")
	fs.StringVar(&cfg.SessionFile, "f", cfg.SessionFile, "session file")
	fs.DurationVar(&cfg.RequestTimeout, "t", cfg.RequestTimeout, "request timeout")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}
}
