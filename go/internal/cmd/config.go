package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/caydenlund/codenames/go/internal/config"
)

// loadConfig reads the config file named by -config (or BOARD_CONFIG) and
// applies any flags given explicitly on the command line.
func loadConfig(args []string) (*config.Config, error) {
	fs := flag.NewFlagSet("boardwatch", flag.ContinueOnError)
	path := fs.String("config", os.Getenv("BOARD_CONFIG"), "path to a YAML config file")
	baseURL := fs.String("base-url", "", "game server base URL")
	mode := fs.String("mode", "", "board mode: public or spymaster")
	transportName := fs.String("transport", "", "push transport: websocket or nats")
	statusAddr := fs.String("status-addr", "", "listen address for the status server")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg, err := config.Load(*path)
	if err != nil {
		return nil, err
	}

	overridden := false
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "base-url":
			cfg.BaseURL = *baseURL
		case "mode":
			cfg.Mode = *mode
		case "transport":
			cfg.Transport = *transportName
		case "status-addr":
			cfg.StatusAddr = *statusAddr
		default:
			return
		}
		overridden = true
	})
	if overridden {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("flags: %w", err)
		}
	}
	return cfg, nil
}
