package registry

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is an opt-in production backing store, selected via
// REGISTRY_DATABASE_URL instead of the default SQLiteStore.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and ensures the agents table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	s := &PostgresStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		endpoint TEXT NOT NULL,
		name TEXT DEFAULT '',
		human_name TEXT DEFAULT '',
		public_key TEXT NOT NULL,
		capabilities JSONB DEFAULT '[]',
		metadata JSONB DEFAULT '{}',
		registered_at TIMESTAMPTZ NOT NULL,
		last_heartbeat TIMESTAMPTZ NOT NULL,
		management_token_hash TEXT DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_agents_name ON agents(name);
	CREATE INDEX IF NOT EXISTS idx_agents_last_heartbeat ON agents(last_heartbeat);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Register(ctx context.Context, e AgentEntry) error {
	caps, err := json.Marshal(e.Capabilities)
	if err != nil {
		return err
	}
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO agents (id, endpoint, name, human_name, public_key, capabilities, metadata, registered_at, last_heartbeat, management_token_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			endpoint = excluded.endpoint,
			name = excluded.name,
			human_name = excluded.human_name,
			public_key = excluded.public_key,
			capabilities = excluded.capabilities,
			metadata = excluded.metadata,
			last_heartbeat = excluded.last_heartbeat,
			management_token_hash = excluded.management_token_hash
	`, e.ID, e.Endpoint, e.Name, e.HumanName, e.PublicKey, caps, meta, now, now, e.ManagementTokenHash)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*AgentEntry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, endpoint, name, human_name, public_key, capabilities, metadata, registered_at, last_heartbeat, management_token_hash
		FROM agents WHERE id = $1
	`, id)
	e, err := scanPgRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func (s *PostgresStore) Search(ctx context.Context, capability, name string) ([]AgentEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, endpoint, name, human_name, public_key, capabilities, metadata, registered_at, last_heartbeat, management_token_hash
		FROM agents
		WHERE ($1 = '' OR name ILIKE '%' || $1 || '%')
		ORDER BY last_heartbeat DESC
	`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AgentEntry
	for rows.Next() {
		e, err := scanPgRow(rows)
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

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM agents WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Heartbeat(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE agents SET last_heartbeat = $1 WHERE id = $2`, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) PurgeStale(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM agents WHERE last_heartbeat < $1`, before)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// pgRow is satisfied by pgx.Row and pgx.Rows.
type pgRow interface {
	Scan(dest ...any) error
}

func scanPgRow(r pgRow) (*AgentEntry, error) {
	var e AgentEntry
	var caps, meta []byte
	if err := r.Scan(&e.ID, &e.Endpoint, &e.Name, &e.HumanName, &e.PublicKey, &caps, &meta, &e.RegisteredAt, &e.LastHeartbeat, &e.ManagementTokenHash); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(caps, &e.Capabilities); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(meta, &e.Metadata); err != nil {
		return nil, err
	}
	return &e, nil
}
