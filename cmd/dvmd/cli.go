package main

import "flag"

// Options holds CLI options for the daemon.
type Options struct {
	ConfigPath string
	// Relays overrides the configured relay list (comma separated).
	Relays string
}

// ParseFlags parses CLI flags from args and returns Options.
func ParseFlags(args []string) Options {
	fs := flag.NewFlagSet("dvmd", flag.ExitOnError)
	var opts Options
	fs.StringVar(&opts.ConfigPath, "config", "", "Path to YAML config file")
	fs.StringVar(&opts.Relays, "relays", "", "Comma separated relay URLs, overrides config")
	_ = fs.Parse(args)
	return opts
}
