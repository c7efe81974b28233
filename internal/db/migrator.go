package db

import (
	"errors"
	"fmt"

	"github.com/meow-io/go-e2ee/config"
	"github.com/meow-io/go-e2ee/migration"
	"go.uber.org/zap"
)

// ErrMigrationMismatch means the database records a migration the code does not define at that position.
var ErrMigrationMismatch = errors.New("db: applied migrations do not match the defined ones")

// migrator applies the migrations of one component in order. Applied migrations are recorded by name in
// a table of their own, so each component evolves its schema independently.
type migrator struct {
	db         *Database
	name       string
	tableName  string
	log        *zap.SugaredLogger
	migrations []*migration.Migration
}

func newMigrator(c *config.Config, db *Database, name string, migrations []*migration.Migration) *migrator {
	return &migrator{
		db:         db,
		log:        c.Logger(name),
		name:       name,
		tableName:  fmt.Sprintf("_migrations_%s", name),
		migrations: migrations,
	}
}

func (m *migrator) migrate() error {
	var applied []string
	if err := m.db.Run(fmt.Sprintf("prepare %s migrations", m.name), func() error {
		if _, err := m.db.Tx.Exec(fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id INTEGER PRIMARY KEY,
				version TEXT NOT NULL
			);
		`, m.tableName)); err != nil {
			return err
		}
		return m.db.Tx.Select(&applied, fmt.Sprintf("SELECT version FROM %s ORDER BY id", m.tableName))
	}); err != nil {
		return err
	}

	if len(applied) > len(m.migrations) {
		return fmt.Errorf("%w: %s has %d applied, %d defined", ErrMigrationMismatch, m.name, len(applied), len(m.migrations))
	}
	for i, version := range applied {
		if m.migrations[i].String() != version {
			return fmt.Errorf("%w: %s migration %d is %q, database has %q", ErrMigrationMismatch, m.name, i, m.migrations[i], version)
		}
	}

	for i := len(applied); i < len(m.migrations); i++ {
		if err := m.apply(i, m.migrations[i]); err != nil {
			return fmt.Errorf("db: error applying %s migration %q: %w", m.name, m.migrations[i], err)
		}
	}
	return nil
}

func (m *migrator) apply(id int, mig *migration.Migration) error {
	return m.db.Run(mig.String(), func() error {
		m.log.Debugf("applying migration named '%s'...", mig.Name)
		if err := mig.Func(m.db.Tx.Tx); err != nil {
			return err
		}
		if _, err := m.db.Tx.Exec(fmt.Sprintf("INSERT INTO %s (id, version) VALUES (?, ?)", m.tableName), id, mig.String()); err != nil {
			return fmt.Errorf("error recording version: %w", err)
		}
		m.log.Debugf("applied migration named '%s'", mig.Name)
		return nil
	})
}
