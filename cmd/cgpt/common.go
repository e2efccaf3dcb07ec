package main

import (
	"fmt"
	"time"

	"github.com/zulandar/customgpt/internal/client"
	"github.com/zulandar/customgpt/internal/config"
	"github.com/zulandar/customgpt/internal/logging"
)

// loadConfig reads the config file and configures the process logger.
func loadConfig(configPath string) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := logging.Init(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	}); err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	return cfg, nil
}

// clientFromConfig loads the config and returns a client for the server.
// A non-empty serverURL overrides client.server_url.
func clientFromConfig(configPath, serverURL string) (*config.Config, *client.Client, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	if serverURL == "" {
		serverURL = cfg.Client.ServerURL
	}
	return cfg, client.New(client.Options{BaseURL: serverURL, Timeout: cfg.Client.Timeout}), nil
}

// formatTime renders a timestamp for tables, in local time.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

// truncate shortens s to n runes, marking the cut with an ellipsis.
func truncate(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	if n == 1 {
		return "…"
	}
	return string(r[:n-1]) + "…"
}
