// Copyright 2024-2026 Aiku AI

// Package discord relays messages into Discord channels through channel
// webhooks and turns gateway events into relay events.
package discord

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/aiku/chatrelay/pkg/relay"
)

// ParamWebhookURL is the pairing param holding a channel webhook URL.
const ParamWebhookURL = "webhook_url"

const defaultWebhookName = "chatrelay"

// ErrInvalidWebhookURL is returned for a malformed webhook_url param.
var ErrInvalidWebhookURL = errors.New("invalid webhook url")

// Config is the discord section of the config file.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	// WebhookName is the name of the webhook the relay looks up or creates in
	// channels whose pairing has no webhook_url param.
	WebhookName string `yaml:"webhook_name"`
}

// Validate checks the settings needed to connect.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Token == "" {
		return fmt.Errorf("discord.token is required")
	}
	return nil
}

func (c *Config) webhookName() string {
	if c.WebhookName == "" {
		return defaultWebhookName
	}
	return c.WebhookName
}

// ValidateRoom checks a paired Discord channel. The guild id is the server
// id of every message in the channel, so it must be set.
func ValidateRoom(room relay.PairedRoom) error {
	if room.ServerID == "" {
		return fmt.Errorf("discord rooms need server_id set to the guild id")
	}
	if raw := room.Param(ParamWebhookURL); raw != "" {
		if _, err := parseWebhookURL(raw); err != nil {
			return err
		}
	}
	return nil
}

type webhook struct {
	ID    string
	Token string
}

// parseWebhookURL extracts the id and token from
// https://discord.com/api/webhooks/<id>/<token>.
func parseWebhookURL(raw string) (webhook, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return webhook{}, fmt.Errorf("%w: %w", ErrInvalidWebhookURL, err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i, part := range parts {
		if part == "webhooks" && i+2 < len(parts) && parts[i+1] != "" && parts[i+2] != "" {
			return webhook{ID: parts[i+1], Token: parts[i+2]}, nil
		}
	}
	return webhook{}, fmt.Errorf("%w: %q has no /webhooks/<id>/<token> path", ErrInvalidWebhookURL, raw)
}
