package store_test

import (
	"testing"

	"github.com/meow-io/go-e2ee/store"
	"github.com/meow-io/go-e2ee/store/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func() store.Store { return store.NewMemoryStore() })
}
