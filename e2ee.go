// Package e2ee opens the end-to-end encryption machine of one Matrix device on top of an encrypted
// on-disk store. The store key is derived from a password, so a device can be closed and reopened
// without holding any key material in memory between runs.
package e2ee

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/meow-io/go-e2ee/clock"
	"github.com/meow-io/go-e2ee/config"
	"github.com/meow-io/go-e2ee/internal/db"
	"github.com/meow-io/go-e2ee/machine"
	"github.com/meow-io/go-e2ee/mxid"
	"github.com/meow-io/go-e2ee/store/sqlstore"
	"go.uber.org/zap"
)

const (
	// Constants for application state.
	StateNew = iota
	StateInitialized
	StateRunning
)

var ErrNotRunning = errors.New("e2ee: not running")

type E2EE struct {
	DB *db.Database

	config  *config.Config
	log     *zap.SugaredLogger
	clock   clock.Clock
	lock    sync.Mutex
	state   int
	machine *machine.Machine
}

// New prepares an instance rooted at c.RootDir. Nothing is decrypted until Initialize or Open.
func New(c *config.Config) (*E2EE, error) {
	log := c.Logger("")
	absRootPath, err := filepath.Abs(c.RootDir)
	if err != nil {
		return nil, err
	}
	c.RootDir = absRootPath
	log.Debugf("making e2ee, using root path of %s", c.RootDir)

	if err := os.MkdirAll(c.RootDir, 0o700); err != nil {
		return nil, err
	}
	database, err := db.NewDatabase(c, path.Join(c.RootDir, "crypto"))
	if err != nil {
		return nil, err
	}

	state := StateNew
	if database.Initialized() {
		state = StateInitialized
	}

	return &E2EE{
		DB:     database,
		config: c,
		log:    log,
		clock:  clock.NewSystemClock(),
		state:  state,
	}, nil
}

// Makes a key from a password
func (e *E2EE) NewKey(password string) ([]byte, error) {
	return newKey(password, e.config.RootDir, "salt")
}

// Returns true is the store does not exist yet.
func (e *E2EE) New() bool {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.state == StateNew
}

// Returns true is the store exists but is closed.
func (e *E2EE) Initialized() bool {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.state == StateInitialized
}

// Returns true is the machine is open.
func (e *E2EE) Running() bool {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.state == StateRunning
}

// Initialize creates the store with key and opens a fresh machine for userID/deviceID in it.
func (e *E2EE) Initialize(key []byte, userID mxid.UserID, deviceID mxid.DeviceID) error {
	e.lock.Lock()
	defer e.lock.Unlock()
	if e.state != StateNew {
		return errors.New("e2ee: cannot initialize unless in state new")
	}
	if err := e.DB.Initialize(key); err != nil {
		return err
	}
	e.state = StateInitialized
	return e.open(key, userID, deviceID)
}

// Open unlocks an existing store with key. The store must belong to userID/deviceID.
func (e *E2EE) Open(key []byte, userID mxid.UserID, deviceID mxid.DeviceID) error {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.open(key, userID, deviceID)
}

// Unlock derives the key from password, then initializes or opens the store as needed.
func (e *E2EE) Unlock(password string, userID mxid.UserID, deviceID mxid.DeviceID) error {
	key, err := e.NewKey(password)
	if err != nil {
		return err
	}
	if e.New() {
		return e.Initialize(key, userID, deviceID)
	}
	return e.Open(key, userID, deviceID)
}

func (e *E2EE) open(key []byte, userID mxid.UserID, deviceID mxid.DeviceID) error {
	if e.state != StateInitialized {
		return errors.New("e2ee: cannot open unless in state initialized")
	}
	if err := e.DB.Open(key); err != nil {
		return err
	}
	st, err := sqlstore.New(e.DB)
	if err != nil {
		return e.closeAfter(err)
	}
	m, err := machine.New(e.config, st, userID, deviceID, e.clock)
	if err != nil {
		return e.closeAfter(err)
	}
	e.log.Infof("opened %s %s", userID, deviceID)
	e.machine = m
	e.state = StateRunning
	return nil
}

func (e *E2EE) closeAfter(err error) error {
	if shutdownErr := e.DB.Shutdown(); shutdownErr != nil {
		e.log.Warnf("error closing database after failed open: %#v", shutdownErr)
	}
	return err
}

// Machine returns the open machine.
func (e *E2EE) Machine() (*machine.Machine, error) {
	e.lock.Lock()
	defer e.lock.Unlock()
	if e.state != StateRunning {
		return nil, ErrNotRunning
	}
	return e.machine, nil
}

// Shutdown closes the machine and its store. The instance can be opened again afterwards.
func (e *E2EE) Shutdown() error {
	e.lock.Lock()
	defer e.lock.Unlock()
	if e.state != StateRunning {
		return nil
	}
	// try to clean up memory after a shutdown
	defer runtime.GC()

	err := e.machine.Close()
	e.machine = nil
	e.state = StateInitialized
	if err != nil {
		return fmt.Errorf("e2ee: error during shutdown: %w", err)
	}
	return nil
}
