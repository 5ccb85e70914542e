package main

import "flag"

// Options holds CLI options for the companion.
type Options struct {
    ConfigPath string
    Address    string
}

// ParseFlags parses CLI flags from args and returns Options.
func ParseFlags(args []string) Options {
    fs := flag.NewFlagSet("akita-companion", flag.ExitOnError)
    var opts Options
    fs.StringVar(&opts.ConfigPath, "config", "", "Path to YAML config file")
    fs.StringVar(&opts.Address, "address", "", "Relay IPC address (overrides config)")
    _ = fs.Parse(args)
    return opts
}
