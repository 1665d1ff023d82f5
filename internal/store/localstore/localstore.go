package localstore

import (
	"database/sql"
	"errors"
	"fmt"
	"path"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/keybeat/keybeat/internal/boot"
)

// Store is the local key-value persistence collaborator. Values are
// opaque strings (JSON-encoded by callers); each Set is one
// transaction, so a multi-field unit written through a single key is
// never observable half-persisted.
type Store struct {
	db *sqlx.DB
}

func New(config *boot.Config) (*Store, error) {
	dbName := path.Join(config.DataDirectory, "keybeat.db")

	db, err := sqlx.Connect("sqlite3", "file:"+dbName)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	store := &Store{db}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}

	return store, nil
}

// NewInMemory backs the store with a process-private sqlite database.
func NewInMemory() (*Store, error) {
	db, err := sqlx.Connect("sqlite3", "file:keybeat?mode=memory&cache=shared")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	store := &Store{db}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}

	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createTables() error {
	_, err := s.db.Exec(`create table if not exists kv(
		Key   text not null primary key,
		Value text not null
	)`)
	if err != nil {
		return fmt.Errorf("creating kv table: %w", err)
	}
	return nil
}

// Get returns the values for the given keys. Missing keys are simply
// absent from the result, not an error.
func (s *Store) Get(keys ...string) (map[string]string, error) {
	result := make(map[string]string, len(keys))
	for _, key := range keys {
		var value string
		err := s.db.Get(&value, `select Value from kv where Key = ?`, key)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			return nil, fmt.Errorf("getting key %q: %w", key, err)
		}
		result[key] = value
	}
	return result, nil
}

// Set upserts all entries in one transaction.
func (s *Store) Set(values map[string]string) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	for key, value := range values {
		_, err := tx.Exec(`insert into kv(Key, Value) values(?, ?)
			on conflict(Key) do update set Value = excluded.Value`, key, value)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("setting key %q: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing: %w", err)
	}
	return nil
}

func (s *Store) Remove(keys ...string) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	for _, key := range keys {
		if _, err := tx.Exec(`delete from kv where Key = ?`, key); err != nil {
			tx.Rollback()
			return fmt.Errorf("removing key %q: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing: %w", err)
	}
	return nil
}

func (s *Store) GetAll() (map[string]string, error) {
	rows, err := s.db.Queryx(`select Key, Value from kv`)
	if err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}
	defer rows.Close()

	result := map[string]string{}
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		result[key] = value
	}
	return result, rows.Err()
}
