package ids

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRequestIDsUnique(t *testing.T) {
	require := require.New(t)
	seen := make(map[RequestID]bool)
	for i := 0; i < 1000; i++ {
		id := NewRequestID()
		require.False(seen[id])
		seen[id] = true
		parsed, err := ParseRequestID(id.String())
		require.Nil(err)
		require.Equal(id, parsed)
	}
}

func TestParseRequestIDInvalid(t *testing.T) {
	require := require.New(t)
	_, err := ParseRequestID("not-a-uuid")
	require.NotNil(err)
}

func TestSortRequestIDs(t *testing.T) {
	require := require.New(t)
	l := []RequestID{"c", "a", "b"}
	sort.Sort(ByLexicographical(l))
	require.Equal([]RequestID{"a", "b", "c"}, l)
}
