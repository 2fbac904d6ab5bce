package profile

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// SQLite is a Repository over the profiles table created by store.OpenSQLite.
type SQLite struct {
	db *sql.DB
	mu sync.Mutex // serializes read-modify-write updates
}

// NewSQLite wraps db. The caller owns the handle.
func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{db: db}
}

func (r *SQLite) List(ctx context.Context) ([]Profile, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT data FROM profiles ORDER BY name COLLATE NOCASE`)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	var out []Profile
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		p, err := decode(data)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *SQLite) Get(ctx context.Context, name string) (Profile, error) {
	return r.get(ctx, r.db, name)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *SQLite) get(ctx context.Context, q queryer, name string) (Profile, error) {
	var data []byte
	err := q.QueryRowContext(ctx, `SELECT data FROM profiles WHERE name = ?`, strings.TrimSpace(name)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return Profile{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return Profile{}, fmt.Errorf("get profile %q: %w", name, err)
	}
	return decode(data)
}

func (r *SQLite) Put(ctx context.Context, p Profile) error {
	return r.put(ctx, r.db, p)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r *SQLite) put(ctx context.Context, x execer, p Profile) error {
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("profile name is required")
	}
	data, err := json.Marshal(p.Map())
	if err != nil {
		return fmt.Errorf("encode profile %q: %w", p.Name, err)
	}
	_, err = x.ExecContext(ctx, `
INSERT INTO profiles (name, stage, data, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT(name) DO UPDATE SET name = excluded.name, stage = excluded.stage, data = excluded.data, updated_at = excluded.updated_at`,
		p.Name, p.Stage, data, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("put profile %q: %w", p.Name, err)
	}
	return nil
}

func (r *SQLite) Delete(ctx context.Context, name string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM profiles WHERE name = ?`, strings.TrimSpace(name)); err != nil {
		return fmt.Errorf("delete profile %q: %w", name, err)
	}
	return nil
}

func (r *SQLite) UpdateStage(ctx context.Context, name, stage string) error {
	return r.UpdateFields(ctx, name, map[string]string{"stage": stage})
}

// UpdateFields applies fields with a read-modify-write inside one
// transaction.
func (r *SQLite) UpdateFields(ctx context.Context, name string, fields map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("update profile %q: %w", name, err)
	}
	defer tx.Rollback()

	p, err := r.get(ctx, tx, name)
	if err != nil {
		return err
	}
	p.apply(fields)
	if err := r.put(ctx, tx, p); err != nil {
		return err
	}
	return tx.Commit()
}

func decode(data []byte) (Profile, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return Profile{}, fmt.Errorf("decode profile: %w", err)
	}
	return FromMap(m), nil
}
