// CLAUDE:SUMMARY SQLite checkpoint store: one current row per entity (upsert) plus append-only history.
// Package checkpoint persists per-entity run status so a stopped or crashed
// run can resume and an external consumer can read results.
package checkpoint

import (
	"database/sql"
	"time"

	"github.com/hazyhaar/taxpull/dbopen"
	"github.com/hazyhaar/taxpull/idgen"
)

// Store is the checkpoint database handle.
type Store struct {
	DB    *sql.DB
	NewID idgen.Generator
	Now   func() time.Time
}

// Open opens (or creates) the checkpoint database at path and applies the schema.
func Open(path string, opts ...dbopen.Option) (*Store, error) {
	allOpts := append([]dbopen.Option{
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(Schema),
	}, opts...)

	db, err := dbopen.Open(path, allOpts...)
	if err != nil {
		return nil, err
	}
	return New(db), nil
}

// New wraps an already-open database. The schema must have been applied.
func New(db *sql.DB) *Store {
	return &Store{DB: db, NewID: idgen.Default, Now: time.Now}
}

// Close closes the database.
func (s *Store) Close() error {
	return s.DB.Close()
}

func (s *Store) nowMillis() int64 {
	return s.Now().UnixMilli()
}
