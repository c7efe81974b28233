package sqlstore

import (
	"os"
	"testing"

	"github.com/meow-io/go-e2ee/config"
	"github.com/meow-io/go-e2ee/internal/test"
	"github.com/meow-io/go-e2ee/store"
	"github.com/meow-io/go-e2ee/store/storetest"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

func newTestStore(t *testing.T) store.Store {
	s, err := New(test.NewTestDatabase(config.NewConfig()))
	require.Nil(t, err)
	return s
}

func TestSQLStore(t *testing.T) {
	storetest.Run(t, func() store.Store { return newTestStore(t) })
}

func TestSQLStoreMigratesOnce(t *testing.T) {
	require := require.New(t)
	d := test.NewTestDatabase(config.NewConfig())
	s, err := New(d)
	require.Nil(err)
	require.Nil(s.SaveChanges(&store.Changes{Account: &store.Account{UserID: "@a:x", DeviceID: "D", Pickle: []byte{1}}}))

	s2, err := New(d)
	require.Nil(err)
	a, err := s2.LoadAccount()
	require.Nil(err)
	require.Equal([]byte{1}, a.Pickle)
	require.Nil(s2.Close())
}
