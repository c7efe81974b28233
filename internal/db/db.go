// This package defines the SQLCipher database backing the persistent crypto store. Every statement runs
// inside a transaction held on Database.Tx while the database lock is held, and checks can be queued to
// run right before the commit.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/meow-io/go-e2ee/config"
	"github.com/meow-io/go-e2ee/migration"
	// adds sqlcipher support
	sqlite3 "github.com/meow-io/go-sqlcipher"
	"go.uber.org/zap"

	"github.com/jmoiron/sqlx"
)

type state int

const (
	stateNew state = iota
	stateInitialized
	stateRunning
)

func (s state) String() string {
	switch s {
	case stateNew:
		return "new"
	case stateInitialized:
		return "initialized"
	case stateRunning:
		return "running"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	driverName = "sqlite3_e2ee"
	keyLen     = 32
)

var ErrWrongState = errors.New("db: wrong state")

type RunnerFunc func() error

type Database struct {
	Log *zap.SugaredLogger
	Tx  *sqlx.Tx

	config       *config.Config
	conn         *sqlx.DB
	path         string
	lock         sync.Mutex
	state        state
	beforeCommit []RunnerFunc
	ctx          context.Context
	cancelFn     context.CancelFunc
}

// NewDatabase points at the database file at path. The file is only created by Initialize.
func NewDatabase(c *config.Config, path string) (*Database, error) {
	log := c.Logger("db")
	log.Debugf("making database at %s", path)

	s := stateInitialized
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		s = stateNew
	} else if err != nil {
		return nil, err
	}

	registerDriver()
	db := &Database{
		Log:    log,
		config: c,
		path:   path,
		state:  s,
	}
	db.resetContext()
	return db, nil
}

func (db *Database) resetContext() {
	db.ctx, db.cancelFn = context.WithCancel(context.Background())
}

func (db *Database) expect(s state) error {
	if db.state != s {
		return fmt.Errorf("%w: expected %s, was %s", ErrWrongState, s, db.state)
	}
	return nil
}

// Initialize creates the database file encrypted with key and closes it again.
func (db *Database) Initialize(key []byte) error {
	db.lock.Lock()
	defer db.lock.Unlock()
	if err := db.expect(stateNew); err != nil {
		return err
	}
	conn, err := db.connect(key)
	if err != nil {
		return err
	}
	if err := conn.Close(); err != nil {
		return err
	}
	db.state = stateInitialized
	return nil
}

func (db *Database) Initialized() bool {
	db.lock.Lock()
	defer db.lock.Unlock()
	return db.state == stateInitialized
}

// Open unlocks an initialized database. A wrong key fails here and leaves the database closed.
func (db *Database) Open(key []byte) error {
	db.lock.Lock()
	defer db.lock.Unlock()
	if err := db.expect(stateInitialized); err != nil {
		return err
	}
	conn, err := db.connect(key)
	if err != nil {
		return err
	}
	db.conn = conn
	db.state = stateRunning
	return nil
}

// Shutdown closes an open database. Any transaction still waiting to start is cancelled.
func (db *Database) Shutdown() error {
	db.cancelFn()
	db.lock.Lock()
	defer db.lock.Unlock()
	defer db.resetContext()
	if db.conn == nil {
		return nil
	}
	err := db.conn.Close()
	db.conn = nil
	db.state = stateInitialized
	return err
}

// Migrate applies the migrations named for one component that have not run yet.
func (db *Database) Migrate(name string, migrations []*migration.Migration) error {
	return newMigrator(db.config, db, name, migrations).migrate()
}

// BeforeCommit queues f to run after the current runner succeeds. An error from f rolls the
// transaction back.
func (db *Database) BeforeCommit(f RunnerFunc) {
	if db.Tx == nil {
		panic("db: expected tx to be not nil")
	}
	db.beforeCommit = append(db.beforeCommit, f)
}

// Run executes runner in a read-write transaction.
func (db *Database) Run(label string, runner RunnerFunc) error {
	return db.locked(label, func() error {
		return db.runTx(label, &sql.TxOptions{Isolation: sql.LevelDefault, ReadOnly: false}, runner)
	})
}

// RunReadOnly executes runner in a read-only transaction.
func (db *Database) RunReadOnly(label string, runner RunnerFunc) error {
	return db.locked(label, func() error {
		return db.runTx(label, &sql.TxOptions{Isolation: sql.LevelDefault, ReadOnly: true}, runner)
	})
}

func (db *Database) locked(label string, runner RunnerFunc) error {
	start := time.Now()
	db.lock.Lock()
	obtained := time.Now()
	defer func() {
		db.Log.Debugf("completed %s wait=%s exec=%s", label, obtained.Sub(start), time.Since(obtained))
		db.lock.Unlock()
	}()
	if err := db.expect(stateRunning); err != nil {
		return fmt.Errorf("db: cannot run %s: %w", label, err)
	}
	return runner()
}

func (db *Database) runTx(label string, txOptions *sql.TxOptions, runner RunnerFunc) error {
	if db.Tx != nil {
		panic("db: expected tx to be nil")
	}
	tx, err := db.conn.BeginTxx(db.ctx, txOptions)
	if err != nil {
		return fmt.Errorf("db: error starting transaction for %s: %w", label, err)
	}
	db.Tx = tx
	db.beforeCommit = nil
	defer func() {
		db.Tx = nil
		db.beforeCommit = nil
	}()

	if _, err := tx.Exec("PRAGMA defer_foreign_keys = ON"); err != nil {
		db.rollback(label, tx)
		return fmt.Errorf("db: error enabling defer_foreign_keys: %w", err)
	}

	runErr := runner()
	for i := 0; runErr == nil && i < len(db.beforeCommit); i++ {
		runErr = db.beforeCommit[i]()
	}
	if runErr != nil {
		db.Log.Warnf("rolling back %s due to %#v", label, runErr)
		db.rollback(label, tx)
		return fmt.Errorf("error during %s: %w", label, runErr)
	}
	if err := tx.Commit(); err != nil {
		db.Log.Warnf("error while committing %s with %#v", label, err)
		return fmt.Errorf("db: error committing %s: %w", label, err)
	}
	return nil
}

func (db *Database) rollback(label string, tx *sqlx.Tx) {
	if err := tx.Rollback(); err != nil {
		db.Log.Debugf("error while rolling back %s with %#v", label, err)
	}
}

func (db *Database) connect(key []byte) (*sqlx.DB, error) {
	if len(key) != keyLen {
		return nil, fmt.Errorf("db: expected key of length %d, got %d", keyLen, len(key))
	}
	dsn := fmt.Sprintf("file:%s?_locking_mode=EXCLUSIVE&_busy_timeout=100&_secure_delete=on&_journal_mode=WAL&_auto_vacuum=2&_synchronous=3&cache=private&mode=rwc&_pragma_key=x'%x'", url.PathEscape(db.path), key)
	conn, err := sqlx.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("db: error opening %s: %w", db.path, err)
	}
	// every statement shares the single connection the exclusive lock is held on
	conn.DB.SetMaxOpenConns(1)

	for _, stmt := range []string{
		"SELECT name FROM sqlite_master LIMIT 1",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
		"PRAGMA temp_store = 2",
	} {
		if _, err := conn.Exec(stmt); err != nil {
			if closeErr := conn.Close(); closeErr != nil {
				db.Log.Warnf("error closing database after failed setup: %#v", closeErr)
			}
			return nil, fmt.Errorf("db: error running %q: %w", stmt, err)
		}
	}
	return conn, nil
}

func registerDriver() {
	for _, d := range sql.Drivers() {
		if d == driverName {
			return
		}
	}
	sql.Register(driverName, &sqlite3.SQLiteDriver{})
}
