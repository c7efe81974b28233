package db_test

import (
	"database/sql"
	"errors"
	"os"
	"testing"

	"github.com/meow-io/go-e2ee/config"
	"github.com/meow-io/go-e2ee/internal/db"
	"github.com/meow-io/go-e2ee/internal/test"
	"github.com/meow-io/go-e2ee/migration"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

func TestMigrateAndRollback(t *testing.T) {
	require := require.New(t)
	d := test.NewTestDatabase(config.NewConfig())
	defer func() { _ = d.Shutdown() }()

	migrations := []*migration.Migration{
		{
			Name: "create kv",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec("CREATE TABLE kv (k TEXT PRIMARY KEY, v BLOB NOT NULL)")
				return err
			},
		},
	}
	require.Nil(d.Migrate("_test", migrations))
	// running again is a no-op
	require.Nil(d.Migrate("_test", migrations))

	require.Nil(d.Run("insert", func() error {
		_, err := d.Tx.Exec("INSERT INTO kv (k, v) VALUES (?, ?)", "a", []byte{1})
		return err
	}))

	boom := errors.New("boom")
	err := d.Run("insert and fail", func() error {
		if _, err := d.Tx.Exec("INSERT INTO kv (k, v) VALUES (?, ?)", "b", []byte{2}); err != nil {
			return err
		}
		return boom
	})
	require.True(errors.Is(err, boom))

	var count int
	require.Nil(d.RunReadOnly("count", func() error {
		return d.Tx.Get(&count, "SELECT count(*) FROM kv")
	}))
	require.Equal(1, count)
}

func TestBeforeCommitFailureRollsBack(t *testing.T) {
	require := require.New(t)
	d := test.NewTestDatabase(config.NewConfig())
	defer func() { _ = d.Shutdown() }()
	require.Nil(d.Migrate("_test", []*migration.Migration{
		{
			Name: "create kv",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec("CREATE TABLE kv (k TEXT PRIMARY KEY, v BLOB NOT NULL)")
				return err
			},
		},
	}))
	err := d.Run("insert", func() error {
		d.BeforeCommit(func() error { return errors.New("nope") })
		_, err := d.Tx.Exec("INSERT INTO kv (k, v) VALUES (?, ?)", "a", []byte{1})
		return err
	})
	require.NotNil(err)
	var count int
	require.Nil(d.RunReadOnly("count", func() error {
		return d.Tx.Get(&count, "SELECT count(*) FROM kv")
	}))
	require.Equal(0, count)
}

func TestMigrationMismatch(t *testing.T) {
	require := require.New(t)
	d := test.NewTestDatabase(config.NewConfig())
	defer func() { _ = d.Shutdown() }()
	create := func(table string) *migration.Migration {
		return &migration.Migration{
			Name: "create " + table,
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec("CREATE TABLE " + table + " (k TEXT PRIMARY KEY)")
				return err
			},
		}
	}
	require.Nil(d.Migrate("_test", []*migration.Migration{create("a")}))
	// appending is fine
	require.Nil(d.Migrate("_test", []*migration.Migration{create("a"), create("b")}))

	err := d.Migrate("_test", []*migration.Migration{create("c"), create("b")})
	require.ErrorIs(err, db.ErrMigrationMismatch)
	err = d.Migrate("_test", []*migration.Migration{create("a")})
	require.ErrorIs(err, db.ErrMigrationMismatch)
	// other components keep their own history
	require.Nil(d.Migrate("_other", []*migration.Migration{create("c")}))
}
