// Copyright 2024-2026 Aiku AI

// Package telegram relays messages into Telegram chats through the Bot API
// and turns long-polled updates into relay events.
package telegram

import (
	"fmt"
	"net/url"
	"strings"
)

// Config is the telegram section of the config file.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	// APIEndpoint overrides the Bot API URL template, e.g. for a local Bot
	// API server. It must contain two %s verbs: token and method.
	APIEndpoint string `yaml:"api_endpoint"`
	// Proxy is an optional HTTP(S) proxy URL for Bot API requests.
	Proxy string `yaml:"proxy"`
	// PollTimeout is the long-poll timeout in seconds.
	PollTimeout int `yaml:"poll_timeout"`
}

// Validate checks the settings needed to start polling.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Token == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if c.APIEndpoint != "" && strings.Count(c.APIEndpoint, "%s") != 2 {
		return fmt.Errorf("telegram.api_endpoint must contain two %%s verbs, got %q", c.APIEndpoint)
	}
	if c.Proxy != "" {
		if _, err := url.Parse(c.Proxy); err != nil {
			return fmt.Errorf("telegram.proxy is not a valid URL: %w", err)
		}
	}
	if c.PollTimeout < 0 {
		return fmt.Errorf("telegram.poll_timeout must not be negative")
	}
	return nil
}

func (c *Config) pollTimeout() int {
	if c.PollTimeout == 0 {
		return 30
	}
	return c.PollTimeout
}
