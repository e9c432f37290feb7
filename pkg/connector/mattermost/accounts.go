// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package mattermost

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"
)

// AccountEntry maps one remote author to a dedicated Mattermost account.
// Source is "<service>:<remote user id>", e.g. "matrix:@alice:example.org".
type AccountEntry struct {
	Slug   string `yaml:"slug" json:"slug"`
	Source string `yaml:"source" json:"source"`
	Token  string `yaml:"token" json:"token"`
	// URL overrides the server URL for this account.
	URL string `yaml:"url" json:"url,omitempty"`
}

const (
	accountEnvPrefix   = "CHATRELAY_MM_ACCOUNT_"
	accountEnvSource   = "_SOURCE"
	accountEnvToken    = "_TOKEN"
	accountEnvURL      = "_URL"
	maxAccountEnvSlugs = 256
)

type sourceKey struct {
	service string
	userID  string
}

func parseSource(source string) (service, userID string, err error) {
	service, userID, ok := strings.Cut(source, ":")
	if !ok || service == "" || userID == "" {
		return "", "", fmt.Errorf("account source %q is not <service>:<user id>", source)
	}
	return service, userID, nil
}

// account is an authenticated client for one dedicated account.
type account struct {
	Source   sourceKey
	Client   *model.Client4
	UserID   string
	Username string
}

// Accounts is the set of dedicated accounts. It can be swapped at runtime
// with Reload and is safe for concurrent use.
type Accounts struct {
	serverURL string
	log       zerolog.Logger

	mu       sync.RWMutex
	bySource map[sourceKey]*account
}

// NewAccounts returns an empty account set for serverURL.
func NewAccounts(serverURL string, log zerolog.Logger) *Accounts {
	return &Accounts{
		serverURL: serverURL,
		log:       log,
		bySource:  make(map[sourceKey]*account),
	}
}

func (a *Accounts) lookup(service, userID string) (*account, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	acc, ok := a.bySource[sourceKey{service: service, userID: userID}]
	return acc, ok
}

// IsAccountUserID reports whether mmUserID belongs to a dedicated account.
func (a *Accounts) IsAccountUserID(mmUserID string) bool {
	_, ok := a.byUserID(mmUserID)
	return ok
}

func (a *Accounts) byUserID(mmUserID string) (*account, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, acc := range a.bySource {
		if acc.UserID == mmUserID {
			return acc, true
		}
	}
	return nil, false
}

// Count returns the number of loaded accounts.
func (a *Accounts) Count() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.bySource)
}

// Reload replaces the account set with entries. Accounts whose token did not
// change are kept without re-authenticating; entries that fail to
// authenticate are skipped.
func (a *Accounts) Reload(ctx context.Context, entries []AccountEntry) (added, removed int) {
	desired := make(map[sourceKey]AccountEntry, len(entries))
	for _, entry := range entries {
		service, userID, err := parseSource(entry.Source)
		if err != nil || entry.Token == "" {
			a.log.Warn().Err(err).Str("slug", entry.Slug).Msg("Ignoring invalid account entry")
			continue
		}
		desired[sourceKey{service: service, userID: userID}] = entry
	}

	// Authenticate outside the lock, then swap.
	current := a.snapshot()
	fresh := make(map[sourceKey]*account, len(desired))
	for key, entry := range desired {
		if existing, ok := current[key]; ok && existing.Client.AuthToken == entry.Token {
			fresh[key] = existing
			continue
		}
		acc, err := a.authenticate(ctx, key, entry)
		if err != nil {
			a.log.Error().Err(err).
				Str("slug", entry.Slug).
				Str("source", entry.Source).
				Msg("Failed to authenticate dedicated account, skipping")
			continue
		}
		fresh[key] = acc
		added++
		a.log.Info().
			Str("slug", entry.Slug).
			Str("source", entry.Source).
			Str("mm_user_id", acc.UserID).
			Str("mm_username", acc.Username).
			Msg("Loaded dedicated account")
	}
	for key := range current {
		if _, ok := fresh[key]; !ok {
			removed++
			a.log.Info().Str("source", key.service+":"+key.userID).Msg("Removing dedicated account")
		}
	}

	a.mu.Lock()
	a.bySource = fresh
	a.mu.Unlock()

	a.log.Info().
		Int("added", added).
		Int("removed", removed).
		Int("total", len(fresh)).
		Msg("Dedicated account reload complete")
	return added, removed
}

func (a *Accounts) snapshot() map[sourceKey]*account {
	a.mu.RLock()
	defer a.mu.RUnlock()
	cp := make(map[sourceKey]*account, len(a.bySource))
	for k, v := range a.bySource {
		cp[k] = v
	}
	return cp
}

func (a *Accounts) authenticate(ctx context.Context, key sourceKey, entry AccountEntry) (*account, error) {
	serverURL := entry.URL
	if serverURL == "" {
		serverURL = a.serverURL
	}
	client := model.NewAPIv4Client(serverURL)
	client.SetToken(entry.Token)
	me, _, err := client.GetMe(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to verify token: %w", err)
	}
	return &account{Source: key, Client: client, UserID: me.Id, Username: me.Username}, nil
}

// EnvAccountEntries reads account entries from the environment:
//
//	CHATRELAY_MM_ACCOUNT_<SLUG>_SOURCE = matrix:@alice:example.org
//	CHATRELAY_MM_ACCOUNT_<SLUG>_TOKEN  = <mattermost access token>
//	CHATRELAY_MM_ACCOUNT_<SLUG>_URL    = https://mm.example.org (optional)
func EnvAccountEntries() []AccountEntry {
	slugs := make(map[string]struct{})
	for _, env := range os.Environ() {
		key, _, ok := strings.Cut(env, "=")
		if !ok || !strings.HasPrefix(key, accountEnvPrefix) || !strings.HasSuffix(key, accountEnvSource) {
			continue
		}
		slug := strings.TrimSuffix(strings.TrimPrefix(key, accountEnvPrefix), accountEnvSource)
		if slug != "" && len(slugs) < maxAccountEnvSlugs {
			slugs[slug] = struct{}{}
		}
	}

	entries := make([]AccountEntry, 0, len(slugs))
	for slug := range slugs {
		source := os.Getenv(accountEnvPrefix + slug + accountEnvSource)
		token := os.Getenv(accountEnvPrefix + slug + accountEnvToken)
		if source == "" || token == "" {
			continue
		}
		entries = append(entries, AccountEntry{
			Slug:   strings.ToLower(slug),
			Source: source,
			Token:  token,
			URL:    os.Getenv(accountEnvPrefix + slug + accountEnvURL),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Slug < entries[j].Slug })
	return entries
}
