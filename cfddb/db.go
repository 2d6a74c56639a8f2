// Package cfddb persists cfds and payments in a sqlite database.
package cfddb

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lightningnetwork/lnd/clock"
	_ "modernc.org/sqlite"
)

const (
	driverName = "sqlite"

	// DefaultDBFileName is the name of the database file inside the data
	// directory.
	DefaultDBFileName = "cfdnode.db"
)

//go:embed migration/*.sql
var migrations embed.FS

// Store is the sqlite backed persistence of the node. It implements the
// cfd.Store interface and the payment store used by the event dispatcher.
type Store struct {
	db    *sql.DB
	clock clock.Clock
}

// Open creates or opens the database at dbPath and migrates it to the latest
// schema version.
func Open(dbPath string, clk clock.Clock) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open(driverName, dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	// sqlite only supports a single writer.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to reach db: %w", err)
	}

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}

	log.Infof("Opened database at %v", dbPath)

	return &Store{
		db:    db,
		clock: clk,
	}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrations, "migration")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	driver, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, driverName, driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to migrate up: %w", err)
	}

	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// execTx runs txBody inside a transaction, rolling back on error.
func (s *Store) execTx(ctx context.Context,
	txBody func(*sql.Tx) error) error {

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}

	if err := txBody(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Errorf("Unable to roll back transaction: %v", rbErr)
		}

		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// expectOneRow turns a row count other than one into an error.
func expectOneRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}

	switch {
	case n == 0:
		return notFound

	case n != 1:
		return fmt.Errorf("expected 1 row to be affected, got %d", n)
	}

	return nil
}
