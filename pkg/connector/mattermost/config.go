// Copyright 2024-2026 Aiku AI

// Package mattermost relays messages into Mattermost channels and turns the
// Mattermost WebSocket event stream into relay events.
package mattermost

import (
	"fmt"
	"slices"
	"strings"
)

// Config is the mattermost section of the config file.
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	ServerURL string `yaml:"server_url"`
	// Token is the access token of the relay bot account.
	Token string `yaml:"token"`
	// BotPrefix marks usernames of other bridge bots whose posts are never
	// relayed.
	BotPrefix string `yaml:"bot_prefix"`
	// BridgeUsernames lists exact usernames of other bridge bots.
	BridgeUsernames []string `yaml:"bridge_usernames"`
	// DefaultIconURL is used as override_icon_url when the author has no
	// avatar and the pairing sets no icon_url param.
	DefaultIconURL string `yaml:"default_icon_url"`
	// Accounts maps remote authors to dedicated Mattermost accounts.
	Accounts []AccountEntry `yaml:"accounts"`
}

// IsBridgeUsername reports whether username belongs to another bridge bot.
func (c *Config) IsBridgeUsername(username string) bool {
	if username == "" {
		return false
	}
	if c.BotPrefix != "" && strings.HasPrefix(username, c.BotPrefix) {
		return true
	}
	return slices.Contains(c.BridgeUsernames, username)
}

// Validate checks the settings needed to connect.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.ServerURL == "" {
		return fmt.Errorf("mattermost.server_url is required")
	}
	if !strings.HasPrefix(c.ServerURL, "http://") && !strings.HasPrefix(c.ServerURL, "https://") {
		return fmt.Errorf("mattermost.server_url must be an http(s) URL, got %q", c.ServerURL)
	}
	if c.Token == "" {
		return fmt.Errorf("mattermost.token is required")
	}
	for i, entry := range c.Accounts {
		if entry.Source == "" || entry.Token == "" {
			return fmt.Errorf("mattermost.accounts[%d] needs source and token", i)
		}
		if _, _, err := parseSource(entry.Source); err != nil {
			return fmt.Errorf("mattermost.accounts[%d]: %w", i, err)
		}
	}
	return nil
}
