// Package registry implements the supplemental Registry server (§4.11,
// §6): a small REST service agents can register with so peers who don't
// know an endpoint yet can look one up by id or by capability/name search.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// AgentEntry is one registered agent's record.
type AgentEntry struct {
	ID            string            `json:"id"`
	Endpoint      string            `json:"endpoint"`
	Name          string            `json:"name,omitempty"`
	HumanName     string            `json:"humanName,omitempty"`
	PublicKey     string            `json:"publicKey"`
	Capabilities  []string          `json:"capabilities,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	RegisteredAt  time.Time         `json:"registeredAt"`
	LastHeartbeat time.Time         `json:"lastHeartbeat"`
	// ManagementTokenHash is a bcrypt hash of the token issued at
	// registration, required to re-register, heartbeat or deregister the
	// same id. Never serialized back to a client. Empty for entries
	// written directly against the store (tests, migrations) — those stay
	// unauthenticated for Delete/Heartbeat.
	ManagementTokenHash string `json:"-"`
}

// ErrNotFound is returned by Get/Delete/Heartbeat for an unknown id.
var ErrNotFound = errors.New("registry: agent not found")

// Store persists agent registrations. SQLiteStore and PostgresStore both
// implement it; SQLiteStore is the default, PostgresStore an opt-in
// production backing store (§9).
type Store interface {
	Close() error
	Ping(ctx context.Context) error
	Register(ctx context.Context, entry AgentEntry) error
	Get(ctx context.Context, id string) (*AgentEntry, error)
	Search(ctx context.Context, capability, name string) ([]AgentEntry, error)
	Delete(ctx context.Context, id string) error
	Heartbeat(ctx context.Context, id string) error
	PurgeStale(ctx context.Context, before time.Time) (int, error)
}

// SQLiteStore is the default Registry backing store, mirroring the
// teacher's internal/store/sqlite.go schema-on-open approach.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) a SQLite-backed registry store.
// If dbPath is empty, defaults to "./data/registry.db".
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/registry.db"
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		endpoint TEXT NOT NULL,
		name TEXT DEFAULT '',
		human_name TEXT DEFAULT '',
		public_key TEXT NOT NULL,
		capabilities TEXT DEFAULT '[]',
		metadata TEXT DEFAULT '{}',
		registered_at DATETIME NOT NULL,
		last_heartbeat DATETIME NOT NULL,
		management_token_hash TEXT DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_agents_name ON agents(name);
	CREATE INDEX IF NOT EXISTS idx_agents_last_heartbeat ON agents(last_heartbeat);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Register upserts an agent's entry, refreshing its heartbeat.
func (s *SQLiteStore) Register(ctx context.Context, e AgentEntry) error {
	caps, err := json.Marshal(e.Capabilities)
	if err != nil {
		return err
	}
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (id, endpoint, name, human_name, public_key, capabilities, metadata, registered_at, last_heartbeat, management_token_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			endpoint = excluded.endpoint,
			name = excluded.name,
			human_name = excluded.human_name,
			public_key = excluded.public_key,
			capabilities = excluded.capabilities,
			metadata = excluded.metadata,
			last_heartbeat = excluded.last_heartbeat,
			management_token_hash = excluded.management_token_hash
	`, e.ID, e.Endpoint, e.Name, e.HumanName, e.PublicKey, string(caps), string(meta), now, now, e.ManagementTokenHash)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*AgentEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, endpoint, name, human_name, public_key, capabilities, metadata, registered_at, last_heartbeat, management_token_hash
		FROM agents WHERE id = ?
	`, id)
	return scanAgent(row)
}

func (s *SQLiteStore) Search(ctx context.Context, capability, name string) ([]AgentEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, endpoint, name, human_name, public_key, capabilities, metadata, registered_at, last_heartbeat, management_token_hash
		FROM agents
		WHERE (? = '' OR name LIKE '%' || ? || '%')
		ORDER BY last_heartbeat DESC
	`, name, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AgentEntry
	for rows.Next() {
		e, err := scanAgentRows(rows)
		if err != nil {
			return nil, err
		}
		if capability != "" && !containsString(e.Capabilities, capability) {
			continue
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

func (s *SQLiteStore) Heartbeat(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE agents SET last_heartbeat = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

// PurgeStale deletes entries whose last heartbeat is older than before.
func (s *SQLiteStore) PurgeStale(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE last_heartbeat < ?`, before)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// row is satisfied by both *sql.Row and *sql.Rows.
type row interface {
	Scan(dest ...any) error
}

func scanAgent(r row) (*AgentEntry, error) {
	e, err := scanAgentRows(r)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func scanAgentRows(r row) (*AgentEntry, error) {
	var e AgentEntry
	var caps, meta string
	if err := r.Scan(&e.ID, &e.Endpoint, &e.Name, &e.HumanName, &e.PublicKey, &caps, &meta, &e.RegisteredAt, &e.LastHeartbeat, &e.ManagementTokenHash); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(caps), &e.Capabilities); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
		return nil, err
	}
	return &e, nil
}

func containsString(list []string, target string) bool {
	for _, s := range list {
		if s == target {
			return true
		}
	}
	return false
}
