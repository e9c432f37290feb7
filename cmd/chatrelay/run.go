// Copyright 2024-2026 Aiku AI

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/aiku/chatrelay/pkg/adminapi"
	"github.com/aiku/chatrelay/pkg/config"
	"github.com/aiku/chatrelay/pkg/connector/discord"
	"github.com/aiku/chatrelay/pkg/connector/matrix"
	"github.com/aiku/chatrelay/pkg/connector/mattermost"
	"github.com/aiku/chatrelay/pkg/connector/telegram"
	"github.com/aiku/chatrelay/pkg/relay"
	"github.com/aiku/chatrelay/pkg/relaydb"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start relaying",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			noUpdate, _ := cmd.Flags().GetBool("no-update")
			cfg, err := config.Load(path, !noUpdate)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	cmd.Flags().Bool("no-update", false, "don't write missing options back to the config file")
	return cmd
}

// loop is a service listener run until shutdown.
type loop interface {
	Run(ctx context.Context) error
}

type bridge struct {
	cfg      *config.Config
	log      zerolog.Logger
	store    *relaydb.Store
	adapters *relay.AdapterContext
	personas *relay.PersonaManager
	engine   *relay.Engine
	loops    map[string]loop

	mattermost *mattermost.Adapter
}

func run(ctx context.Context, cfg *config.Config) error {
	logPtr, err := cfg.Logging.Compile()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	log := *logPtr
	zerolog.DefaultContextLogger = logPtr
	log.Info().Str("version", Tag).Str("commit", Commit).Msg("Starting chatrelay")

	b, err := setup(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.store.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close database")
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	for service, l := range b.loops {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Str("service", service).Msg("Service loop stopped")
			}
		}()
	}
	if cfg.AdminAPI.Enabled {
		api := adminapi.New(adminapi.Params{
			Store:    b.store,
			Adapters: b.adapters,
			Accounts: b.accountReloader(),
			Personas: b.personas,
			Log:      log,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := api.ListenAndServe(ctx, cfg.AdminAPI.Address); err != nil {
				log.Error().Err(err).Msg("Admin API stopped")
			}
		}()
	}

	log.Info().Strs("services", b.adapters.Services()).Int("pairings", len(cfg.Pairings)).Msg("Relay running")
	<-ctx.Done()
	log.Info().Msg("Shutting down")
	cancel()
	wg.Wait()
	return nil
}

// setup opens the store and connects every enabled service. The adapter
// context is marked ready once all adapters are registered.
func setup(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*bridge, error) {
	store, err := relaydb.Open(ctx, cfg.Database, log)
	if err != nil {
		return nil, err
	}
	personas, err := relay.NewPersonaManager(cfg.Relay.DisplaynameTemplate, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	b := &bridge{
		cfg:      cfg,
		log:      log,
		store:    store,
		adapters: relay.NewAdapterContext(),
		personas: personas,
		loops:    make(map[string]loop),
	}
	b.engine = relay.NewEngine(relay.EngineParams{
		Store:          store,
		Adapters:       b.adapters,
		Pairings:       cfg.Pairings,
		Personas:       personas,
		AdapterTimeout: cfg.Relay.AdapterTimeout,
		Log:            log,
	})

	if err := b.connect(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	b.adapters.MarkReady()
	return b, nil
}

func (b *bridge) connect(ctx context.Context) error {
	cfg := b.cfg
	if cfg.Matrix.Enabled {
		adapter, err := matrix.NewAdapter(cfg.Matrix, b.log)
		if err != nil {
			return err
		}
		if err := adapter.Start(ctx, cfg.Pairings.RoomsFor(relay.ServiceMatrix)); err != nil {
			return err
		}
		if err := b.register(adapter, matrix.NewListener(adapter, b.engine, cfg.Pairings, b.log)); err != nil {
			return err
		}
	}
	if cfg.Mattermost.Enabled {
		adapter := mattermost.NewAdapter(cfg.Mattermost, b.log)
		if err := adapter.Connect(ctx); err != nil {
			return err
		}
		if err := b.register(adapter, mattermost.NewListener(adapter, b.engine, cfg.Pairings, b.log)); err != nil {
			return err
		}
		b.mattermost = adapter
	}
	if cfg.Telegram.Enabled {
		adapter := telegram.NewAdapter(cfg.Telegram, b.log)
		if err := adapter.Connect(ctx); err != nil {
			return err
		}
		if err := b.register(adapter, telegram.NewListener(adapter, b.engine, cfg.Pairings, b.log)); err != nil {
			return err
		}
	}
	if cfg.Discord.Enabled {
		adapter := discord.NewAdapter(cfg.Discord, cfg.Pairings, b.log)
		if err := adapter.Connect(ctx); err != nil {
			return err
		}
		if err := b.register(adapter, discord.NewListener(adapter, b.engine, cfg.Pairings, b.log)); err != nil {
			return err
		}
	}
	if len(b.loops) == 0 {
		return fmt.Errorf("no services are enabled")
	}
	return nil
}

func (b *bridge) register(adapter relay.Adapter, l loop) error {
	if err := b.adapters.Register(adapter); err != nil {
		return err
	}
	b.loops[adapter.Service()] = l
	return nil
}

// accountReloader returns nil when Mattermost is disabled, so the admin API
// can report it.
func (b *bridge) accountReloader() adminapi.AccountReloader {
	if b.mattermost == nil {
		return nil
	}
	return b.mattermost
}
