// Package test holds helpers shared by tests that need a real encrypted database.
package test

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/meow-io/go-e2ee/config"
	db "github.com/meow-io/go-e2ee/internal/db"
	"github.com/meow-io/go-e2ee/ids"
)

// Key opens every database made by NewTestDatabase.
var Key = []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31}

var leftovers = []string{"test-*", "*-journal", "*-wal", "*-shm", "out.log"}

// DBCleanup runs the tests of a package and removes the databases and logs they left in the working
// directory.
func DBCleanup(run func() int) int {
	code := run()
	for _, glob := range leftovers {
		files, err := filepath.Glob(glob)
		if err != nil {
			panic(err)
		}
		for _, f := range files {
			if err := os.RemoveAll(f); err != nil {
				panic(err)
			}
		}
	}
	return code
}

// NewTestDatabase creates and opens a fresh database in the working directory.
func NewTestDatabase(c *config.Config) *db.Database {
	d, err := db.NewDatabase(c, fmt.Sprintf("test-%s", ids.NewRequestID()))
	if err != nil {
		panic(err)
	}
	if err := d.Initialize(Key); err != nil {
		panic(err)
	}
	if err := d.Open(Key); err != nil {
		panic(err)
	}
	return d
}
