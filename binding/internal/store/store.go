// Package store provides the SQLite persistence layer for bindings.
package store

import (
	"database/sql"

	"github.com/vireolabs/hookmark/dbopen"
)

// Store is the bindings database handle.
type Store struct {
	DB *sql.DB
}

// Open opens (or creates) the bindings SQLite database at path, applies
// the standard pragmas and the bindings schema.
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
