package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/envhelper/envhelper/internal/envhelper/environment"
)

// Load returns the environment with the given ID.
func (s *Store) Load(ctx context.Context, id string) (*environment.Environment, error) {
	return s.loadOne(ctx, "id = ?", id)
}

// LoadByName returns the environment named name owned by owner.
func (s *Store) LoadByName(ctx context.Context, owner, name string) (*environment.Environment, error) {
	return s.loadOne(ctx, "owner = ? AND name = ?", owner, name)
}

func (s *Store) loadOne(ctx context.Context, where string, args ...any) (*environment.Environment, error) {
	var r Record
	err := s.db.QueryRowContext(ctx, `SELECT `+Columns+` FROM environments WHERE `+where, args...).Scan(r.Dest()...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get environment: %w", err)
	}
	return s.codec.FromRecord(&r)
}

// Save inserts or replaces env atomically. CreatedAt is set on first save
// and UpdatedAt on every save.
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

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO environments (`+Columns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner              = excluded.owner,
			name               = excluded.name,
			description        = excluded.description,
			type               = excluded.type,
			image              = excluded.image,
			port               = excluded.port,
			container_port     = excluded.container_port,
			volumes_json       = excluded.volumes_json,
			env_json           = excluded.env_json,
			env_cipher         = excluded.env_cipher,
			cpu_limit          = excluded.cpu_limit,
			memory_limit       = excluded.memory_limit,
			auto_start         = excluded.auto_start,
			desired            = excluded.desired,
			observed           = excluded.observed,
			last_error_kind    = excluded.last_error_kind,
			last_error_message = excluded.last_error_message,
			last_error_at      = excluded.last_error_at,
			runtime_handle     = excluded.runtime_handle,
			data_volume        = excluded.data_volume,
			last_seen          = excluded.last_seen,
			updated_at         = excluded.updated_at
	`, r.Args()...)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
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
	if f.Owner != "" {
		conds = append(conds, "owner = ?")
		args = append(args, f.Owner)
	}
	if f.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, string(f.Type))
	}
	if f.Desired != "" {
		conds = append(conds, "desired = ?")
		args = append(args, string(f.Desired))
	}
	if f.AutoStart != nil {
		conds = append(conds, "auto_start = ?")
		args = append(args, *f.AutoStart)
	}
	query := `SELECT ` + Columns + ` FROM environments`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list environments: %w", err)
	}
	defer rows.Close()

	var out []*environment.Environment
	for rows.Next() {
		var r Record
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
	result, err := s.db.ExecContext(ctx, `DELETE FROM environments WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete environment: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Count returns the number of records.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM environments`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count environments: %w", err)
	}
	return n, nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
