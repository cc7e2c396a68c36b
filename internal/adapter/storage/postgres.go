package storage

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is the durable backend. Key-value rows live in surveyjobs_kv
// (namespaced), sets in a relational table, blobs with separable metadata.
// Increment and set pops are single atomic statements.
type Postgres struct {
	pool PgxPool
}

// PgxPool is the subset of pgxpool.Pool the backend uses.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// NewPool creates a pgx connection pool from the provided DSN with an
// OTel query tracer attached.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.ConnConfig.Tracer = otelpgx.NewTracer()
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return pool, nil
}

// EnsureSchema creates the backend tables when missing.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS surveyjobs_kv (
			ns TEXT NOT NULL,
			key TEXT NOT NULL,
			value BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (ns, key)
		)`,
		`CREATE TABLE IF NOT EXISTS surveyjobs_sets (
			key TEXT NOT NULL,
			member TEXT NOT NULL,
			PRIMARY KEY (key, member)
		)`,
		`CREATE TABLE IF NOT EXISTS surveyjobs_blobs (
			key TEXT PRIMARY KEY,
			data BYTEA NOT NULL,
			mime_type TEXT NOT NULL DEFAULT '',
			suffix TEXT NOT NULL DEFAULT ''
		)`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("op=storage.postgres.ensure_schema: %w", err)
		}
	}
	return nil
}

// NewPostgres constructs a Postgres backend over a pool.
func NewPostgres(pool PgxPool) *Postgres {
	return &Postgres{pool: pool}
}

// Persistent implements Backend.
func (p *Postgres) Persistent() KV { return &pgKV{pool: p.pool, ns: "p"} }

// Volatile implements Backend.
func (p *Postgres) Volatile() CounterKV { return &pgCounterKV{pgKV{pool: p.pool, ns: "v"}} }

// Sets implements Backend.
func (p *Postgres) Sets() Sets { return &pgSets{pool: p.pool} }

// Blobs implements Backend.
func (p *Postgres) Blobs() Blobs { return &pgBlobs{pool: p.pool} }

// Close implements Backend. Pool lifecycle belongs to the caller.
func (p *Postgres) Close() error { return nil }

type pgKV struct {
	pool PgxPool
	ns   string
}

func (k *pgKV) Write(ctx context.Context, key string, value []byte) error {
	q := `INSERT INTO surveyjobs_kv (ns, key, value, updated_at) VALUES ($1,$2,$3,now())
	      ON CONFLICT (ns, key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`
	if _, err := k.pool.Exec(ctx, q, k.ns, key, value); err != nil {
		return fmt.Errorf("op=storage.pg.write: %w", err)
	}
	return nil
}

func (k *pgKV) Read(ctx context.Context, key string) ([]byte, error) {
	q := `SELECT value FROM surveyjobs_kv WHERE ns=$1 AND key=$2`
	var value []byte
	if err := k.pool.QueryRow(ctx, q, k.ns, key).Scan(&value); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("op=storage.pg.read: %w", err)
	}
	return value, nil
}

func (k *pgKV) BatchWrite(ctx context.Context, values map[string][]byte) error {
	if len(values) == 0 {
		return nil
	}
	keys := make([]string, 0, len(values))
	vals := make([][]byte, 0, len(values))
	for key, v := range values {
		keys = append(keys, key)
		vals = append(vals, v)
	}
	q := `INSERT INTO surveyjobs_kv (ns, key, value, updated_at)
	      SELECT $1, k, v, now() FROM unnest($2::text[], $3::bytea[]) AS t(k, v)
	      ON CONFLICT (ns, key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`
	if _, err := k.pool.Exec(ctx, q, k.ns, keys, vals); err != nil {
		return fmt.Errorf("op=storage.pg.batch_write: %w", err)
	}
	return nil
}

func (k *pgKV) BatchRead(ctx context.Context, keys []string) (map[string][]byte, error) {
	if len(keys) == 0 {
		return map[string][]byte{}, nil
	}
	q := `SELECT key, value FROM surveyjobs_kv WHERE ns=$1 AND key = ANY($2)`
	rows, err := k.pool.Query(ctx, q, k.ns, keys)
	if err != nil {
		return nil, fmt.Errorf("op=storage.pg.batch_read: %w", err)
	}
	defer rows.Close()
	out := make(map[string][]byte, len(keys))
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("op=storage.pg.batch_read: %w", err)
		}
		out[key] = value
	}
	return out, rows.Err()
}

func (k *pgKV) Scan(ctx context.Context, pattern string) ([]string, error) {
	like := strings.ReplaceAll(strings.ReplaceAll(pattern, "%", `\%`), "*", "%")
	q := `SELECT key FROM surveyjobs_kv WHERE ns=$1 AND key LIKE $2`
	rows, err := k.pool.Query(ctx, q, k.ns, like)
	if err != nil {
		return nil, fmt.Errorf("op=storage.pg.scan: %w", err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("op=storage.pg.scan: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (k *pgKV) Delete(ctx context.Context, key string) error {
	if _, err := k.pool.Exec(ctx, `DELETE FROM surveyjobs_kv WHERE ns=$1 AND key=$2`, k.ns, key); err != nil {
		return fmt.Errorf("op=storage.pg.delete: %w", err)
	}
	return nil
}

type pgCounterKV struct{ pgKV }

func (k *pgCounterKV) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	// Counters are stored as their decimal text so Read sees the same
	// representation Redis would produce.
	q := `INSERT INTO surveyjobs_kv (ns, key, value, updated_at)
	      VALUES ($1, $2, convert_to($3::text, 'UTF8'), now())
	      ON CONFLICT (ns, key) DO UPDATE
	        SET value = convert_to((convert_from(surveyjobs_kv.value, 'UTF8')::bigint + $3)::text, 'UTF8'),
	            updated_at = now()
	      RETURNING convert_from(value, 'UTF8')`
	var text string
	if err := k.pool.QueryRow(ctx, q, k.ns, key, delta).Scan(&text); err != nil {
		return 0, fmt.Errorf("op=storage.pg.increment: %w", err)
	}
	n, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("op=storage.pg.increment: %w", err)
	}
	return n, nil
}

type pgSets struct {
	pool PgxPool
}

func (s *pgSets) Add(ctx context.Context, key, member string) (bool, error) {
	q := `INSERT INTO surveyjobs_sets (key, member) VALUES ($1,$2) ON CONFLICT DO NOTHING`
	tag, err := s.pool.Exec(ctx, q, key, member)
	if err != nil {
		return false, fmt.Errorf("op=storage.pg.set_add: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *pgSets) AddMultiple(ctx context.Context, key string, members []string) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	q := `INSERT INTO surveyjobs_sets (key, member)
	      SELECT $1, m FROM unnest($2::text[]) AS t(m)
	      ON CONFLICT DO NOTHING`
	tag, err := s.pool.Exec(ctx, q, key, members)
	if err != nil {
		return 0, fmt.Errorf("op=storage.pg.set_add_multiple: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *pgSets) Remove(ctx context.Context, key, member string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM surveyjobs_sets WHERE key=$1 AND member=$2`, key, member); err != nil {
		return fmt.Errorf("op=storage.pg.set_remove: %w", err)
	}
	return nil
}

func (s *pgSets) PopOne(ctx context.Context, key string) (string, bool, error) {
	q := `DELETE FROM surveyjobs_sets
	      WHERE ctid IN (SELECT ctid FROM surveyjobs_sets WHERE key=$1 LIMIT 1 FOR UPDATE SKIP LOCKED)
	      RETURNING member`
	var member string
	if err := s.pool.QueryRow(ctx, q, key).Scan(&member); err != nil {
		if err == pgx.ErrNoRows {
			return "", false, nil
		}
		return "", false, fmt.Errorf("op=storage.pg.set_pop: %w", err)
	}
	return member, true, nil
}

func (s *pgSets) PopMultiple(ctx context.Context, key string, n int) ([]string, error) {
	q := `DELETE FROM surveyjobs_sets
	      WHERE ctid IN (SELECT ctid FROM surveyjobs_sets WHERE key=$1 LIMIT $2 FOR UPDATE SKIP LOCKED)
	      RETURNING member`
	rows, err := s.pool.Query(ctx, q, key, n)
	if err != nil {
		return nil, fmt.Errorf("op=storage.pg.set_pop_multiple: %w", err)
	}
	defer rows.Close()
	var members []string
	for rows.Next() {
		var member string
		if err := rows.Scan(&member); err != nil {
			return nil, fmt.Errorf("op=storage.pg.set_pop_multiple: %w", err)
		}
		members = append(members, member)
	}
	return members, rows.Err()
}

func (s *pgSets) Members(ctx context.Context, key string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT member FROM surveyjobs_sets WHERE key=$1`, key)
	if err != nil {
		return nil, fmt.Errorf("op=storage.pg.set_members: %w", err)
	}
	defer rows.Close()
	var members []string
	for rows.Next() {
		var member string
		if err := rows.Scan(&member); err != nil {
			return nil, fmt.Errorf("op=storage.pg.set_members: %w", err)
		}
		members = append(members, member)
	}
	return members, rows.Err()
}

func (s *pgSets) Size(ctx context.Context, key string) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM surveyjobs_sets WHERE key=$1`, key).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=storage.pg.set_size: %w", err)
	}
	return n, nil
}

func (s *pgSets) CheckMembership(ctx context.Context, key string, members []string) ([]bool, error) {
	if len(members) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT member FROM surveyjobs_sets WHERE key=$1 AND member = ANY($2)`, key, members)
	if err != nil {
		return nil, fmt.Errorf("op=storage.pg.set_check: %w", err)
	}
	defer rows.Close()
	present := make(map[string]bool, len(members))
	for rows.Next() {
		var member string
		if err := rows.Scan(&member); err != nil {
			return nil, fmt.Errorf("op=storage.pg.set_check: %w", err)
		}
		present[member] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]bool, len(members))
	for i, member := range members {
		out[i] = present[member]
	}
	return out, nil
}

type pgBlobs struct {
	pool PgxPool
}

func (b *pgBlobs) WriteBlob(ctx context.Context, key string, data []byte, meta BlobMeta) error {
	q := `INSERT INTO surveyjobs_blobs (key, data, mime_type, suffix) VALUES ($1,$2,$3,$4)
	      ON CONFLICT (key) DO UPDATE SET data=EXCLUDED.data, mime_type=EXCLUDED.mime_type, suffix=EXCLUDED.suffix`
	if _, err := b.pool.Exec(ctx, q, key, data, meta.MIMEType, meta.Suffix); err != nil {
		return fmt.Errorf("op=storage.pg.write_blob: %w", err)
	}
	return nil
}

func (b *pgBlobs) ReadBlob(ctx context.Context, key string) ([]byte, BlobMeta, error) {
	q := `SELECT data, mime_type, suffix FROM surveyjobs_blobs WHERE key=$1`
	var data []byte
	var meta BlobMeta
	if err := b.pool.QueryRow(ctx, q, key).Scan(&data, &meta.MIMEType, &meta.Suffix); err != nil {
		if err == pgx.ErrNoRows {
			return nil, BlobMeta{}, nil
		}
		return nil, BlobMeta{}, fmt.Errorf("op=storage.pg.read_blob: %w", err)
	}
	return data, meta, nil
}

func (b *pgBlobs) DeleteBlob(ctx context.Context, key string) error {
	if _, err := b.pool.Exec(ctx, `DELETE FROM surveyjobs_blobs WHERE key=$1`, key); err != nil {
		return fmt.Errorf("op=storage.pg.delete_blob: %w", err)
	}
	return nil
}
