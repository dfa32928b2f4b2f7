package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
)

const maxArgsFileDepth = 16

// ParseArgs builds the serve configuration from command-line arguments.
// Precedence, lowest first: defaults, the --config YAML file, environment
// variables, then flags given on the command line or in an args file.
// The result is validated.
func ParseArgs(args []string) (*Config, error) {
	cfg, err := parse(args)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseStoreArgs builds the configuration for the migrate and maintenance
// commands. It accepts the serve flags but only validates the database
// settings.
func ParseStoreArgs(args []string) (*Config, error) {
	cfg, err := parse(args)
	if err != nil {
		return nil, err
	}
	if err := cfg.ValidateStore(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parse(args []string) (*Config, error) {
	expanded, err := ExpandArgsFiles(args)
	if err != nil {
		return nil, err
	}

	fs := newFlagSet()
	if err := fs.Parse(expanded); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}

	configPath, _ := fs.GetString("config")
	cfg, err := Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := applyFlags(fs, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Usage prints the serve flags to stderr.
func Usage() {
	fs := newFlagSet()
	fmt.Fprintln(os.Stderr, "Options:")
	fmt.Fprint(os.Stderr, fs.FlagUsages())
}

func newFlagSet() *pflag.FlagSet {
	d := Defaults()
	fs := pflag.NewFlagSet("route-feeder", pflag.ContinueOnError)
	fs.SortFlags = false
	fs.Usage = func() {}

	fs.StringP("listen", "l", "", "address to accept BGP sessions on (default any)")
	fs.IntP("port", "p", d.BGP.Port, "BGP listen port")
	fs.Uint32P("asn", "a", 0, "local AS number (required)")
	fs.StringP("router-id", "i", "", "BGP router id, dotted quad (required)")
	fs.StringP("nexthop", "n", "", "next hop forced on every announced route (required)")
	fs.IntP("interval", "t", d.Feed.IntervalSeconds, "feed refresh interval in seconds")
	fs.BoolP("verbose", "v", false, "debug logging")
	fs.String("log-level", d.Service.LogLevel, "log level (debug, info, warn, error)")
	fs.StringP("config", "c", "", "YAML configuration file")
	fs.StringP("args-file", "f", "", "read further arguments from file")
	fs.String("feed-url", d.Feed.URL, "delegation feed URL (http, https or file)")
	fs.String("country", d.Feed.Country, "country code to export")
	fs.String("family", d.Feed.Family, "address family to export (ipv4 or ipv6)")
	fs.Int("backlog", d.BGP.Backlog, "listen backlog")
	fs.Int("hold-time", d.BGP.HoldTime, "BGP hold time offered to peers")
	fs.String("http-listen", d.Service.HTTPListen, "operational HTTP listen address")
	return fs
}

// applyFlags copies every flag that was explicitly set onto cfg.
func applyFlags(fs *pflag.FlagSet, cfg *Config) error {
	var err error
	fs.Visit(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		switch f.Name {
		case "listen":
			cfg.BGP.ListenHost, err = fs.GetString(f.Name)
		case "port":
			cfg.BGP.Port, err = fs.GetInt(f.Name)
		case "asn":
			cfg.BGP.ASN, err = fs.GetUint32(f.Name)
		case "router-id":
			cfg.BGP.RouterID, err = fs.GetString(f.Name)
		case "nexthop":
			cfg.BGP.Nexthop, err = fs.GetString(f.Name)
		case "interval":
			cfg.Feed.IntervalSeconds, err = fs.GetInt(f.Name)
		case "verbose":
			var v bool
			if v, err = fs.GetBool(f.Name); v {
				cfg.Service.LogLevel = "debug"
			}
		case "log-level":
			cfg.Service.LogLevel, err = fs.GetString(f.Name)
		case "feed-url":
			cfg.Feed.URL, err = fs.GetString(f.Name)
		case "country":
			cfg.Feed.Country, err = fs.GetString(f.Name)
		case "family":
			cfg.Feed.Family, err = fs.GetString(f.Name)
		case "backlog":
			cfg.BGP.Backlog, err = fs.GetInt(f.Name)
		case "hold-time":
			cfg.BGP.HoldTime, err = fs.GetInt(f.Name)
		case "http-listen":
			cfg.Service.HTTPListen, err = fs.GetString(f.Name)
		}
	})
	return err
}

// ExpandArgsFiles replaces every -f/--args-file FILE with the
// whitespace-separated tokens read from FILE. Included files may include
// others; a file that includes itself, directly or not, is an error.
func ExpandArgsFiles(args []string) ([]string, error) {
	return expandArgs(args, nil)
}

func expandArgs(args []string, stack []string) ([]string, error) {
	if len(stack) > maxArgsFileDepth {
		return nil, fmt.Errorf("args file nesting deeper than %d", maxArgsFileDepth)
	}

	var out []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			return append(out, args[i:]...), nil
		}

		var path string
		switch {
		case arg == "-f" || arg == "--args-file":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("flag needs an argument: %s", arg)
			}
			i++
			path = args[i]
		case strings.HasPrefix(arg, "--args-file="):
			path = strings.TrimPrefix(arg, "--args-file=")
		case strings.HasPrefix(arg, "-f") && !strings.HasPrefix(arg, "--"):
			path = strings.TrimPrefix(strings.TrimPrefix(arg, "-f"), "=")
		default:
			out = append(out, arg)
			continue
		}

		tokens, next, err := readArgsFile(path, stack)
		if err != nil {
			return nil, err
		}
		nested, err := expandArgs(tokens, next)
		if err != nil {
			return nil, err
		}
		out = append(out, nested...)
	}
	return out, nil
}

func readArgsFile(path string, stack []string) ([]string, []string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, nil, fmt.Errorf("args file %s: %w", path, err)
	}
	for _, p := range stack {
		if p == abs {
			return nil, nil, fmt.Errorf("args file %s includes itself", path)
		}
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, nil, fmt.Errorf("reading args file: %w", err)
	}
	next := append(append([]string(nil), stack...), abs)
	return strings.Fields(string(data)), next, nil
}
