// Package flagx lets several configuration layers parse their own flags from
// os.Args without tripping over each other's flags.
package flagx

import (
	"flag"
	"io"
	"os"
	"strings"
)

// FilterArgs returns the subset of args that belong to allowedFlags, keeping
// each flag's value when it is passed as a separate argument.
//
// Supported formats:
//  1. Flag and value as separate arguments:  -c conf.json
//  2. Flag and value combined with '=':      --config=conf.json
//
// The result is never nil.
func FilterArgs(args []string, allowedFlags []string) []string {
	allowed := make(map[string]struct{}, len(allowedFlags))
	for _, f := range allowedFlags {
		allowed[f] = struct{}{}
	}

	filtered := make([]string, 0, len(args))

	for i := 0; i < len(args); i++ {
		arg := args[i]

		if strings.HasPrefix(arg, "-") && strings.Contains(arg, "=") {
			name := strings.SplitN(arg, "=", 2)[0]
			if _, ok := allowed[name]; ok {
				filtered = append(filtered, arg)
			}
			continue
		}

		if _, ok := allowed[arg]; ok {
			filtered = append(filtered, arg)
			// a following token that is not a flag is this flag's value
			if i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
				filtered = append(filtered, args[i+1])
				i++
			}
		}
	}

	return filtered
}

// JsonConfigFlags returns the JSON config path passed via -c or -config,
// or "" when neither is present.
func JsonConfigFlags() string {
	return stringFlag("json", "c", "config")
}

// EnvFileFlag returns the dotenv file path passed via -env, or "".
func EnvFileFlag() string {
	return stringFlag("env", "env")
}

// stringFlag parses a single string option that may be spelled under several
// names; the last occurrence wins. Parse errors are ignored because the
// component that owns the remaining flags reports them.
func stringFlag(setName string, names ...string) string {
	var value string

	allowed := make([]string, 0, len(names))
	for _, n := range names {
		allowed = append(allowed, "-"+n)
	}
	args := FilterArgs(os.Args[1:], allowed)

	fs := flag.NewFlagSet(setName, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	for _, n := range names {
		fs.StringVar(&value, n, "", "")
	}
	_ = fs.Parse(args)

	return value
}
