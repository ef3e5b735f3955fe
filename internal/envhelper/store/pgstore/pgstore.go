// Package pgstore is the PostgreSQL backend of the environment store, for
// deployments where several hosts share one record database.
package pgstore

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/envhelper/envhelper/internal/envhelper/environment"
	"github.com/envhelper/envhelper/internal/envhelper/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store provides database access
type Store struct {
	pool  *pgxpool.Pool
	codec *store.EnvCodec
}

// RunMigrations runs all pending database migrations
func RunMigrations(databaseURL string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Connect migrates the database and opens a connection pool.
func Connect(ctx context.Context, databaseURL string, masterKey []byte) (*Store, error) {
	codec, err := store.NewEnvCodec(masterKey)
	if err != nil {
		return nil, err
	}
	if err := RunMigrations(databaseURL); err != nil {
		return nil, err
	}

	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	config.MaxConns = 10
	config.MinConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{pool: pool, codec: codec}, nil
}

// Close closes the database connection pool
func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Ping checks the database connection.
func (s *Store) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}

// Load returns the environment with the given ID.
func (s *Store) Load(ctx context.Context, id string) (*environment.Environment, error) {
	return s.loadOne(ctx, "id = $1", id)
}

// LoadByName returns the environment named name owned by owner.
func (s *Store) LoadByName(ctx context.Context, owner, name string) (*environment.Environment, error) {
	return s.loadOne(ctx, "owner = $1 AND name = $2", owner, name)
}

func (s *Store) loadOne(ctx context.Context, where string, args ...any) (*environment.Environment, error) {
	var r store.Record
	err := s.pool.QueryRow(ctx, `SELECT `+store.Columns+` FROM environments WHERE `+where, args...).Scan(r.Dest()...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get environment: %w", err)
	}
	return s.codec.FromRecord(&r)
}

// Save inserts or replaces env.
func (s *Store) Save(ctx context.Context, env *environment.Environment) error {
	now := time.Now().UTC()
	if env.CreatedAt.IsZero() {
		env.CreatedAt = now
	}
	env.UpdatedAt = now

	r, err := s.codec.ToRecord(env)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO environments (`+store.Columns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
		        $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)
		ON CONFLICT (id) DO UPDATE SET
			owner              = EXCLUDED.owner,
			name               = EXCLUDED.name,
			description        = EXCLUDED.description,
			type               = EXCLUDED.type,
			image              = EXCLUDED.image,
			port               = EXCLUDED.port,
			container_port     = EXCLUDED.container_port,
			volumes_json       = EXCLUDED.volumes_json,
			env_json           = EXCLUDED.env_json,
			env_cipher         = EXCLUDED.env_cipher,
			cpu_limit          = EXCLUDED.cpu_limit,
			memory_limit       = EXCLUDED.memory_limit,
			auto_start         = EXCLUDED.auto_start,
			desired            = EXCLUDED.desired,
			observed           = EXCLUDED.observed,
			last_error_kind    = EXCLUDED.last_error_kind,
			last_error_message = EXCLUDED.last_error_message,
			last_error_at      = EXCLUDED.last_error_at,
			runtime_handle     = EXCLUDED.runtime_handle,
			data_volume        = EXCLUDED.data_volume,
			last_seen          = EXCLUDED.last_seen,
			updated_at         = EXCLUDED.updated_at
	`, r.Args()...)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return store.ErrDuplicate
		}
		return fmt.Errorf("failed to save environment: %w", err)
	}
	return nil
}

// List returns environments matching f, oldest first.
func (s *Store) List(ctx context.Context, f environment.Filter) ([]*environment.Environment, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Owner != "" {
		add("owner = $%d", f.Owner)
	}
	if f.Type != "" {
		add("type = $%d", string(f.Type))
	}
	if f.Desired != "" {
		add("desired = $%d", string(f.Desired))
	}
	if f.AutoStart != nil {
		add("auto_start = $%d", *f.AutoStart)
	}
	query := `SELECT ` + store.Columns + ` FROM environments`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list environments: %w", err)
	}
	defer rows.Close()

	var out []*environment.Environment
	for rows.Next() {
		var r store.Record
		if err := rows.Scan(r.Dest()...); err != nil {
			return nil, fmt.Errorf("failed to scan environment: %w", err)
		}
		e, err := s.codec.FromRecord(&r)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating environments: %w", err)
	}
	return out, nil
}

// Delete removes the record with the given ID.
func (s *Store) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM environments WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete environment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Count returns the number of records.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM environments`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count environments: %w", err)
	}
	return n, nil
}

// WriteAudit logs an audit entry
func (s *Store) WriteAudit(ctx context.Context, traceID, actor, action, target, result string, payload store.AuditPayload, errorMsg string) error {
	var payloadJSON *string
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal audit payload: %w", err)
		}
		p := string(b)
		payloadJSON = &p
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_log (ts, trace_id, actor, action, target, payload_json, result, error_message)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, NULLIF($8, ''))
	`, time.Now().UTC(), traceID, actor, action, target, payloadJSON, result, errorMsg)
	if err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}
	return nil
}

// GetAuditLog retrieves recent audit entries, newest first.
func (s *Store) GetAuditLog(ctx context.Context, target string, limit int) ([]*store.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, ts, trace_id, actor, action, target, payload_json, result, error_message
		FROM audit_log
		WHERE $1 = '' OR target = $1
		ORDER BY id DESC
		LIMIT $2
	`, target, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []*store.AuditEntry
	for rows.Next() {
		entry := &store.AuditEntry{}
		err := rows.Scan(
			&entry.ID, &entry.Timestamp, &entry.TraceID, &entry.Actor,
			&entry.Action, &entry.Target, &entry.PayloadJSON,
			&entry.Result, &entry.ErrorMessage,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit log: %w", err)
	}
	return entries, nil
}
