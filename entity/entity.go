// CLAUDE:SUMMARY Upstream entity store: client entities with portal credentials, listed with missing credentials included.
// Package entity is the upstream store of client entities processed by a run.
package entity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/taxpull/dbopen"
)

// Credential is the portal login pair of an entity.
type Credential struct {
	Login  string `json:"login" yaml:"login"`
	Secret string `json:"-" yaml:"secret"`
}

// Missing returns the names of the absent halves ("login", "secret").
func (c Credential) Missing() []string {
	var m []string
	if strings.TrimSpace(c.Login) == "" {
		m = append(m, "login")
	}
	if strings.TrimSpace(c.Secret) == "" {
		m = append(m, "secret")
	}
	return m
}

// Entity is one client record.
type Entity struct {
	ID          string            `json:"id" yaml:"id"`
	DisplayName string            `json:"displayName" yaml:"display_name"`
	Credential  Credential        `json:"credential" yaml:"credential"`
	Params      map[string]string `json:"params,omitempty" yaml:"params"`
	Active      bool              `json:"active" yaml:"-"`
}

// Filter narrows List. Zero value lists every entity.
type Filter struct {
	IDs        []string
	ActiveOnly bool
}

// Schema holds the entities table.
const Schema = `
CREATE TABLE IF NOT EXISTS entities (
	id           TEXT PRIMARY KEY,
	display_name TEXT NOT NULL DEFAULT '',
	login        TEXT NOT NULL DEFAULT '',
	secret       TEXT NOT NULL DEFAULT '',
	params       TEXT NOT NULL DEFAULT '{}',
	active       INTEGER NOT NULL DEFAULT 1,
	updated_at   INTEGER NOT NULL
);
`

// Store is the entity database handle.
type Store struct {
	DB *sql.DB
}

// Open opens (or creates) the entity database at path and applies the schema.
func Open(path string, opts ...dbopen.Option) (*Store, error) {
	allOpts := append([]dbopen.Option{
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(Schema),
	}, opts...)
	db, err := dbopen.Open(path, allOpts...)
	if err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.DB.Close()
}

// Upsert inserts or replaces an entity.
func (s *Store) Upsert(ctx context.Context, e *Entity) error {
	if strings.TrimSpace(e.ID) == "" {
		return errors.New("entity: upsert: empty id")
	}
	params, err := json.Marshal(e.Params)
	if err != nil {
		return fmt.Errorf("entity: upsert %s: %w", e.ID, err)
	}
	if e.Params == nil {
		params = []byte("{}")
	}
	_, err = dbopen.Exec(ctx, s.DB, `
		INSERT INTO entities (id, display_name, login, secret, params, active, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			login = excluded.login,
			secret = excluded.secret,
			params = excluded.params,
			active = excluded.active,
			updated_at = excluded.updated_at`,
		e.ID, e.DisplayName, e.Credential.Login, e.Credential.Secret, string(params),
		boolToInt(e.Active), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("entity: upsert %s: %w", e.ID, err)
	}
	return nil
}

// List returns entities ordered by id. Entities with missing credentials are
// included. When f.IDs is set, unknown ids are ignored and the order of f.IDs
// is kept.
func (s *Store) List(ctx context.Context, f Filter) ([]*Entity, error) {
	query := `SELECT id, display_name, login, secret, params, active FROM entities`
	var (
		where []string
		args  []any
	)
	if len(f.IDs) > 0 {
		where = append(where, "id IN ("+strings.TrimSuffix(strings.Repeat("?,", len(f.IDs)), ",")+")")
		for _, id := range f.IDs {
			args = append(args, id)
		}
	}
	if f.ActiveOnly {
		where = append(where, "active = 1")
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("entity: list: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]*Entity)
	var out []*Entity
	for rows.Next() {
		var (
			e      Entity
			params string
			active int
		)
		if err := rows.Scan(&e.ID, &e.DisplayName, &e.Credential.Login, &e.Credential.Secret, &params, &active); err != nil {
			return nil, fmt.Errorf("entity: list: %w", err)
		}
		if err := json.Unmarshal([]byte(params), &e.Params); err != nil {
			return nil, fmt.Errorf("entity: list %s: params: %w", e.ID, err)
		}
		e.Active = active == 1
		byID[e.ID] = &e
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("entity: list: %w", err)
	}

	if len(f.IDs) == 0 {
		return out, nil
	}
	ordered := make([]*Entity, 0, len(out))
	seen := make(map[string]bool)
	for _, id := range f.IDs {
		if e, ok := byID[id]; ok && !seen[id] {
			seen[id] = true
			ordered = append(ordered, e)
		}
	}
	return ordered, nil
}

// Get returns one entity, or nil.
func (s *Store) Get(ctx context.Context, id string) (*Entity, error) {
	list, err := s.List(ctx, Filter{IDs: []string{id}})
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return list[0], nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
