// Package store is the sqlite backing store for the bridge: federation
// routes survive restarts and room membership is cached so event
// routing can name every server participating in a room.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mik-tf/mycelium-matrix-chat/pkg/errors"
	"github.com/mik-tf/mycelium-matrix-chat/pkg/logger"
	"github.com/mik-tf/mycelium-matrix-chat/pkg/routes"
	"github.com/mik-tf/mycelium-matrix-chat/pkg/translate"
)

const schema = `
CREATE TABLE IF NOT EXISTS federation_routes (
	destination_server TEXT PRIMARY KEY,
	mycelium_key TEXT NOT NULL,
	last_successful INTEGER NOT NULL,
	latency_ms INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS room_members (
	room_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	membership TEXT NOT NULL DEFAULT 'join',
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (room_id, user_id)
);

CREATE INDEX IF NOT EXISTS idx_room_members_room ON room_members(room_id, membership);

CREATE TABLE IF NOT EXISTS bridge_meta (key TEXT PRIMARY KEY, value TEXT);
`

// Store wraps the sqlite database. Safe for concurrent use; sqlite
// serializes writers and WAL keeps readers unblocked.
type Store struct {
	db  *sql.DB
	log *logger.Logger
}

// Open opens (creating if needed) the bridge database at path and
// migrates the schema.
func Open(ctx context.Context, path string, log *logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.Global()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(errors.KindDatabase, "Failed to connect to database", err)
	}

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, errors.Wrap(errors.KindDatabase, "Failed to connect to database", err)
	}

	s := &Store{db: db, log: log.WithComponent("store")}
	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	// WAL keeps route reads responsive while membership writes land.
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		return errors.Wrap(errors.KindDatabase, "Failed to run migrations", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout=5000;"); err != nil {
		return errors.Wrap(errors.KindDatabase, "Failed to run migrations", err)
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(errors.KindDatabase, "Failed to run migrations", err)
	}
	if _, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO bridge_meta (key, value) VALUES ('schema_version', '1');"); err != nil {
		return errors.Wrap(errors.KindDatabase, "Failed to run migrations", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertRoute inserts or replaces the persisted row for a route.
func (s *Store) UpsertRoute(route routes.Route) error {
	_, err := s.db.Exec(`
		INSERT INTO federation_routes (destination_server, mycelium_key, last_successful, latency_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (destination_server) DO UPDATE SET
			mycelium_key = excluded.mycelium_key,
			last_successful = excluded.last_successful,
			latency_ms = excluded.latency_ms`,
		route.DestinationServer, route.MyceliumKey, route.LastSuccessful, route.LatencyMS)
	if err != nil {
		return errors.Wrap(errors.KindDatabase, "Failed to store federation route", err)
	}
	return nil
}

// DeleteRoute removes the persisted row for serverName, if any.
func (s *Store) DeleteRoute(serverName string) error {
	_, err := s.db.Exec("DELETE FROM federation_routes WHERE destination_server = ?", serverName)
	if err != nil {
		return errors.Wrap(errors.KindDatabase, "Failed to delete federation route", err)
	}
	return nil
}

// LoadRoutes returns all persisted routes ordered by destination.
func (s *Store) LoadRoutes(ctx context.Context) ([]routes.Route, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT destination_server, mycelium_key, last_successful, latency_ms
		FROM federation_routes
		ORDER BY destination_server`)
	if err != nil {
		return nil, errors.Wrap(errors.KindDatabase, "Failed to get all federation routes", err)
	}
	defer rows.Close()

	var list []routes.Route
	for rows.Next() {
		var route routes.Route
		if err := rows.Scan(&route.DestinationServer, &route.MyceliumKey, &route.LastSuccessful, &route.LatencyMS); err != nil {
			return nil, errors.Wrap(errors.KindDatabase, "Failed to get all federation routes", err)
		}
		list = append(list, route)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.KindDatabase, "Failed to get all federation routes", err)
	}
	return list, nil
}

// UpsertMember records a user's membership in a room.
func (s *Store) UpsertMember(ctx context.Context, roomID, userID, membership string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO room_members (room_id, user_id, membership, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (room_id, user_id) DO UPDATE SET
			membership = excluded.membership,
			updated_at = excluded.updated_at`,
		roomID, userID, membership, time.Now().Unix())
	if err != nil {
		return errors.Wrap(errors.KindDatabase, "Failed to store room member", err)
	}
	return nil
}

// JoinedMembers lists the user ids joined to a room.
func (s *Store) JoinedMembers(ctx context.Context, roomID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT user_id FROM room_members WHERE room_id = ? AND membership = 'join'", roomID)
	if err != nil {
		return nil, errors.Wrap(errors.KindDatabase, "Failed to get room members", err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, errors.Wrap(errors.KindDatabase, "Failed to get room members", err)
		}
		members = append(members, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.KindDatabase, "Failed to get room members", err)
	}
	return members, nil
}

// ServersInRoom lists the distinct servers with a joined user in the
// room, derived from the cached membership.
func (s *Store) ServersInRoom(ctx context.Context, roomID string) ([]string, error) {
	members, err := s.JoinedMembers(ctx, roomID)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(members))
	var servers []string
	for _, userID := range members {
		server := translate.ServerFromUserID(userID)
		if server == "unknown" {
			continue
		}
		if _, dup := seen[server]; dup {
			continue
		}
		seen[server] = struct{}{}
		servers = append(servers, server)
	}
	sort.Strings(servers)
	return servers, nil
}

// MemberServers lists the distinct servers with a joined user in any
// cached room.
func (s *Store) MemberServers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT user_id FROM room_members WHERE membership = 'join'")
	if err != nil {
		return nil, errors.Wrap(errors.KindDatabase, "Failed to get member servers", err)
	}
	defer rows.Close()

	seen := make(map[string]struct{})
	var servers []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, errors.Wrap(errors.KindDatabase, "Failed to get member servers", err)
		}
		server := translate.ServerFromUserID(userID)
		if server == "unknown" {
			continue
		}
		if _, dup := seen[server]; dup {
			continue
		}
		seen[server] = struct{}{}
		servers = append(servers, server)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.KindDatabase, "Failed to get member servers", err)
	}
	sort.Strings(servers)
	return servers, nil
}
