package codec

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type record struct {
	Name  string            `cbor:"n"`
	Keys  map[string]string `cbor:"k"`
	Index uint32            `cbor:"i"`
}

func TestDeterministic(t *testing.T) {
	require := require.New(t)
	r := &record{Name: "a", Keys: map[string]string{"z": "1", "a": "2", "m": "3"}, Index: 4}
	b1, err := Marshal(r)
	require.Nil(err)
	for i := 0; i < 10; i++ {
		b2, err := Marshal(r)
		require.Nil(err)
		require.Equal(b1, b2)
	}
	var out record
	require.Nil(Unmarshal(b1, &out))
	require.Equal(*r, out)
}

func TestAnyMaps(t *testing.T) {
	require := require.New(t)
	b, err := Marshal(map[string]any{"a": map[string]any{"b": "c"}})
	require.Nil(err)
	var out any
	require.Nil(Unmarshal(b, &out))
	m, ok := out.(map[string]any)
	require.True(ok)
	_, ok = m["a"].(map[string]any)
	require.True(ok)
}
