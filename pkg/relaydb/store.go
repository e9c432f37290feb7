// Copyright 2024-2026 Aiku AI

// Package relaydb is the SQL correlation store of chatrelay. It records which
// message was relayed to which, and answers origin and relay lookups.
package relaydb

import (
	"context"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"

	"github.com/aiku/chatrelay/pkg/metrics"
	"github.com/aiku/chatrelay/pkg/relay"
	"github.com/aiku/chatrelay/pkg/relaydb/upgrades"
)

// Config selects and tunes the database.
type Config struct {
	// Type is "sqlite3" or "postgres".
	Type         string `yaml:"type"`
	URI          string `yaml:"uri"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// Store implements relay.CorrelationStore on top of dbutil.
type Store struct {
	db   *dbutil.Database
	ends *dbutil.QueryHelper[*edgeEnd]
	log  zerolog.Logger
}

// edgeEnd is one side of a relay_edge row.
type edgeEnd struct {
	relay.ChatIdentity
}

func (e *edgeEnd) Scan(row dbutil.Scannable) (*edgeEnd, error) {
	return dbutil.ValueOrErr(e, row.Scan(&e.Service, &e.ServerID, &e.RoomID, &e.MessageID))
}

func newEdgeEnd(_ *dbutil.QueryHelper[*edgeEnd]) *edgeEnd {
	return &edgeEnd{}
}

var _ relay.CorrelationStore = (*Store)(nil)

// Open connects to the database described by cfg and brings the schema up to
// date.
func Open(ctx context.Context, cfg Config, log zerolog.Logger) (*Store, error) {
	if cfg.Type == "" {
		cfg.Type = "sqlite3"
	}
	db, err := dbutil.NewWithDialect(cfg.URI, cfg.Type)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.Type, err)
	}
	log = log.With().Str("component", "relaydb").Logger()
	db.Log = dbutil.ZeroLogger(log)
	db.VersionTable = "relay_version"
	db.UpgradeTable = upgrades.Table

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 5
		if db.Dialect == dbutil.SQLite {
			// A single writer avoids SQLITE_BUSY between our own connections.
			maxOpen = 1
		}
	}
	db.RawDB.SetMaxOpenConns(maxOpen)
	if cfg.MaxIdleConns > 0 {
		db.RawDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}

	store := &Store{db: db, ends: dbutil.MakeQueryHelper(db, newEdgeEnd), log: log}
	if err := db.Upgrade(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to upgrade database: %w", err)
	}
	return store, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

const (
	insertEdgeQuery = `
		INSERT INTO relay_edge (
			source_service, source_server_id, source_room_id, source_message_id,
			dest_service, dest_server_id, dest_room_id, dest_message_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (dest_service, dest_server_id, dest_room_id, dest_message_id) DO NOTHING
	`
	getOriginQuery = `
		SELECT source_service, source_server_id, source_room_id, source_message_id
		FROM relay_edge
		WHERE dest_service=$1 AND dest_server_id=$2 AND dest_room_id=$3 AND dest_message_id=$4
		ORDER BY id
	`
	getRelaysQuery = `
		SELECT dest_service, dest_server_id, dest_room_id, dest_message_id
		FROM relay_edge
		WHERE source_service=$1 AND source_server_id=$2 AND source_room_id=$3 AND source_message_id=$4
		ORDER BY id
	`
	countEdgesQuery = `SELECT COUNT(*) FROM relay_edge`
)

// RecordRelay stores source -> target. The insert and the read-back of the
// stored origin run in one transaction.
func (s *Store) RecordRelay(ctx context.Context, source, target relay.ChatIdentity) error {
	defer observe("record_relay", time.Now())
	var integrityErr error
	err := s.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		_, err := s.db.Exec(ctx, insertEdgeQuery,
			source.Service, source.ServerID, source.RoomID, source.MessageID,
			target.Service, target.ServerID, target.RoomID, target.MessageID,
		)
		if err != nil {
			return err
		}
		origins, err := s.query(ctx, getOriginQuery, target)
		if err != nil {
			return err
		}
		switch {
		case len(origins) == 0:
			return fmt.Errorf("edge for %s vanished after insert", target)
		case len(origins) > 1:
			integrityErr = &relay.IntegrityError{Target: target, Existing: origins[0], Attempted: source, Count: len(origins)}
		case origins[0] != source:
			integrityErr = &relay.IntegrityError{Target: target, Existing: origins[0], Attempted: source}
		}
		return nil
	})
	if err != nil {
		return &relay.StorageError{Op: "record relay", Err: err}
	}
	return integrityErr
}

// OriginOf returns the message target was relayed from, or nil.
func (s *Store) OriginOf(ctx context.Context, target relay.ChatIdentity) (*relay.ChatIdentity, error) {
	defer observe("origin_of", time.Now())
	origins, err := s.query(ctx, getOriginQuery, target)
	if err != nil {
		return nil, &relay.StorageError{Op: "origin of", Err: err}
	}
	switch len(origins) {
	case 0:
		return nil, nil
	case 1:
		return &origins[0], nil
	default:
		return nil, &relay.IntegrityError{Target: target, Existing: origins[0], Count: len(origins)}
	}
}

// RelaysOf returns every target of source in the order they were recorded.
func (s *Store) RelaysOf(ctx context.Context, source relay.ChatIdentity) ([]relay.ChatIdentity, error) {
	defer observe("relays_of", time.Now())
	relays, err := s.query(ctx, getRelaysQuery, source)
	if err != nil {
		return nil, &relay.StorageError{Op: "relays of", Err: err}
	}
	return relays, nil
}

// CountEdges returns the number of recorded relays.
func (s *Store) CountEdges(ctx context.Context) (int, error) {
	defer observe("count_edges", time.Now())
	var count int
	if err := s.db.QueryRow(ctx, countEdgesQuery).Scan(&count); err != nil {
		return 0, &relay.StorageError{Op: "count edges", Err: err}
	}
	return count, nil
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.RawDB.PingContext(ctx); err != nil {
		return &relay.StorageError{Op: "ping", Err: err}
	}
	return nil
}

func (s *Store) query(ctx context.Context, query string, ci relay.ChatIdentity) ([]relay.ChatIdentity, error) {
	ends, err := s.ends.QueryMany(ctx, query, identityArgs(ci)...)
	if err != nil {
		return nil, err
	}
	out := make([]relay.ChatIdentity, len(ends))
	for i, end := range ends {
		out[i] = end.ChatIdentity
	}
	return out, nil
}

func identityArgs(ci relay.ChatIdentity) []any {
	return []any{ci.Service, ci.ServerID, ci.RoomID, ci.MessageID}
}

func observe(op string, start time.Time) {
	metrics.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
