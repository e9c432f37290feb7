// Copyright 2024-2026 Aiku AI

// Package config loads the chatrelay config file. A user file is merged onto
// the embedded example so new options get their defaults.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"text/template"
	"time"

	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"

	"github.com/aiku/chatrelay/pkg/connector/discord"
	"github.com/aiku/chatrelay/pkg/connector/matrix"
	"github.com/aiku/chatrelay/pkg/connector/mattermost"
	"github.com/aiku/chatrelay/pkg/connector/telegram"
	"github.com/aiku/chatrelay/pkg/relay"
	"github.com/aiku/chatrelay/pkg/relaydb"
)

//go:embed example-config.yaml
var ExampleConfig string

// Environment variables that override secrets from the file.
const (
	EnvMattermostToken = "CHATRELAY_MATTERMOST_TOKEN"
	EnvTelegramToken   = "CHATRELAY_TELEGRAM_TOKEN"
	EnvDiscordToken    = "CHATRELAY_DISCORD_TOKEN"
	EnvDatabaseURI     = "CHATRELAY_DATABASE_URI"
)

// Config is the whole config file.
type Config struct {
	Database   relaydb.Config    `yaml:"database"`
	Matrix     matrix.Config     `yaml:"matrix"`
	Mattermost mattermost.Config `yaml:"mattermost"`
	Telegram   telegram.Config   `yaml:"telegram"`
	Discord    discord.Config    `yaml:"discord"`
	Relay      RelayConfig       `yaml:"relay"`
	AdminAPI   AdminAPIConfig    `yaml:"admin_api"`
	Logging    zeroconfig.Config `yaml:"logging"`
	Pairings   relay.Pairings    `yaml:"pairings"`
}

// RelayConfig tunes the relay engine.
type RelayConfig struct {
	AdapterTimeout      time.Duration `yaml:"adapter_timeout"`
	DisplaynameTemplate string        `yaml:"displayname_template"`
}

// AdminAPIConfig controls the admin HTTP API.
type AdminAPIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "database", "type")
	helper.Copy(up.Str, "database", "uri")
	helper.Copy(up.Int, "database", "max_open_conns")
	helper.Copy(up.Int, "database", "max_idle_conns")

	helper.Copy(up.Bool, "matrix", "enabled")
	helper.Copy(up.Str, "matrix", "homeserver_url")
	helper.Copy(up.Str, "matrix", "homeserver_domain")
	helper.Copy(up.Str, "matrix", "registration")
	helper.Copy(up.Str, "matrix", "hostname")
	helper.Copy(up.Int, "matrix", "port")
	helper.Copy(up.Str, "matrix", "bot_displayname")
	helper.Copy(up.Str, "matrix", "puppet_prefix")

	helper.Copy(up.Bool, "mattermost", "enabled")
	helper.Copy(up.Str, "mattermost", "server_url")
	helper.Copy(up.Str, "mattermost", "token")
	helper.Copy(up.Str, "mattermost", "bot_prefix")
	helper.Copy(up.List, "mattermost", "bridge_usernames")
	helper.Copy(up.Str, "mattermost", "default_icon_url")
	helper.Copy(up.List, "mattermost", "accounts")

	helper.Copy(up.Bool, "telegram", "enabled")
	helper.Copy(up.Str, "telegram", "token")
	helper.Copy(up.Str, "telegram", "api_endpoint")
	helper.Copy(up.Str, "telegram", "proxy")
	helper.Copy(up.Int, "telegram", "poll_timeout")

	helper.Copy(up.Bool, "discord", "enabled")
	helper.Copy(up.Str, "discord", "token")
	helper.Copy(up.Str, "discord", "webhook_name")

	helper.Copy(up.Str, "relay", "adapter_timeout")
	helper.Copy(up.Str, "relay", "displayname_template")

	helper.Copy(up.Bool, "admin_api", "enabled")
	helper.Copy(up.Str, "admin_api", "address")

	helper.Copy(up.Map, "logging")
	helper.Copy(up.List, "pairings")
}

// Upgrade merges the user config onto the example config and returns the
// merged document.
func Upgrade(userConfig []byte) (*yaml.Node, error) {
	var base, user yaml.Node
	if err := yaml.Unmarshal([]byte(ExampleConfig), &base); err != nil {
		return nil, fmt.Errorf("failed to parse example config: %w", err)
	}
	if err := yaml.Unmarshal(userConfig, &user); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if len(user.Content) > 0 {
		upgradeConfig(up.NewHelper(&base, &user))
	}
	return &base, nil
}

// Load reads path, fills in missing options from the example config and
// applies environment overrides. With save set, the merged file is written
// back so new options become visible to the operator.
func Load(path string, save bool) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	merged, err := Upgrade(raw)
	if err != nil {
		return nil, err
	}
	if save {
		out, err := yaml.Marshal(merged)
		if err != nil {
			return nil, fmt.Errorf("failed to encode upgraded config: %w", err)
		}
		if string(out) != string(raw) {
			if err := os.WriteFile(path, out, 0o600); err != nil {
				return nil, fmt.Errorf("failed to save upgraded config: %w", err)
			}
		}
	}

	var cfg Config
	if err := merged.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.ApplyEnv()
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyEnv overrides secrets with non-empty environment variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvMattermostToken); v != "" {
		c.Mattermost.Token = v
	}
	if v := os.Getenv(EnvTelegramToken); v != "" {
		c.Telegram.Token = v
	}
	if v := os.Getenv(EnvDiscordToken); v != "" {
		c.Discord.Token = v
	}
	if v := os.Getenv(EnvDatabaseURI); v != "" {
		c.Database.URI = v
	}
}

// PostProcess validates the loaded config.
func (c *Config) PostProcess() error {
	if _, err := template.New("displayname").Parse(c.Relay.DisplaynameTemplate); err != nil {
		return fmt.Errorf("invalid relay.displayname_template: %w", err)
	}
	if c.Relay.AdapterTimeout < 0 {
		return fmt.Errorf("relay.adapter_timeout must not be negative")
	}
	if err := c.Matrix.Validate(); err != nil {
		return err
	}
	if err := c.Mattermost.Validate(); err != nil {
		return err
	}
	if err := c.Telegram.Validate(); err != nil {
		return err
	}
	if err := c.Discord.Validate(); err != nil {
		return err
	}
	if c.AdminAPI.Enabled && c.AdminAPI.Address == "" {
		return fmt.Errorf("admin_api.address is required when the admin API is enabled")
	}

	enabled := c.EnabledServices()
	for i, pairing := range c.Pairings {
		if err := pairing.Validate(); err != nil {
			return fmt.Errorf("pairings[%d]: %w", i, err)
		}
		for _, side := range []relay.PairedRoom{pairing.A, pairing.B} {
			if !enabled[side.Service] {
				return fmt.Errorf("pairings[%d]: service %q is unknown or not enabled", i, side.Service)
			}
			if side.Service == relay.ServiceDiscord {
				if err := discord.ValidateRoom(side); err != nil {
					return fmt.Errorf("pairings[%d]: %w", i, err)
				}
			}
		}
	}
	return nil
}

// EnabledServices returns the set of enabled service identifiers.
func (c *Config) EnabledServices() map[string]bool {
	return map[string]bool{
		relay.ServiceMatrix:     c.Matrix.Enabled,
		relay.ServiceMattermost: c.Mattermost.Enabled,
		relay.ServiceTelegram:   c.Telegram.Enabled,
		relay.ServiceDiscord:    c.Discord.Enabled,
	}
}
