// Copyright 2024-2026 Aiku AI

// Package matrix relays messages into Matrix rooms through an application
// service, with one ghost user per remote author.
package matrix

import (
	"fmt"
	"strings"
)

// DefaultPuppetPrefix starts the localpart of every ghost user.
const DefaultPuppetPrefix = "_relay_"

// Config is the matrix section of the config file.
type Config struct {
	Enabled          bool   `yaml:"enabled"`
	HomeserverURL    string `yaml:"homeserver_url"`
	HomeserverDomain string `yaml:"homeserver_domain"`
	// Registration is the path of the appservice registration file.
	Registration string `yaml:"registration"`
	// Hostname and Port are where the appservice listens for transactions.
	Hostname       string `yaml:"hostname"`
	Port           uint16 `yaml:"port"`
	BotDisplayname string `yaml:"bot_displayname"`
	PuppetPrefix   string `yaml:"puppet_prefix"`
}

// Validate checks the settings needed to start the appservice.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	switch {
	case c.HomeserverURL == "":
		return fmt.Errorf("matrix.homeserver_url is required")
	case c.HomeserverDomain == "":
		return fmt.Errorf("matrix.homeserver_domain is required")
	case c.Registration == "":
		return fmt.Errorf("matrix.registration is required")
	case c.Port == 0:
		return fmt.Errorf("matrix.port is required")
	case strings.ContainsAny(c.PuppetPrefix, ":@ "):
		return fmt.Errorf("matrix.puppet_prefix %q contains invalid characters", c.PuppetPrefix)
	}
	return nil
}

func (c *Config) puppetPrefix() string {
	if c.PuppetPrefix == "" {
		return DefaultPuppetPrefix
	}
	return c.PuppetPrefix
}
