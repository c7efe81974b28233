package mxid

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseUserID(t *testing.T) {
	require := require.New(t)
	u, err := ParseUserID("@alice:example.org")
	require.Nil(err)
	require.Equal("alice", u.Localpart())
	require.Equal("example.org", u.Server())

	for _, bad := range []string{"", "alice:example.org", "@", "@:example.org", "@alice:", "@alice"} {
		_, err := ParseUserID(bad)
		require.NotNil(err, bad)
		require.True(errors.Is(err, ErrInvalidID))
		var pe *ParseError
		require.True(errors.As(err, &pe))
		require.Equal("user id", pe.Kind)
	}
}

func TestParseRoomAndEventID(t *testing.T) {
	require := require.New(t)
	_, err := ParseRoomID("!abc:example.org")
	require.Nil(err)
	_, err = ParseRoomID("#abc:example.org")
	require.NotNil(err)

	_, err = ParseEventID("$Rqnc-F-dvnEYJTyHq_iKxU2bZ1CI92-kuZq3a5lr5Zg")
	require.Nil(err)
	_, err = ParseEventID("Rqnc")
	require.NotNil(err)
}

func TestParseDeviceID(t *testing.T) {
	require := require.New(t)
	d, err := ParseDeviceID("JLAFKJWSCS")
	require.Nil(err)
	require.Equal("JLAFKJWSCS", d.String())
	_, err = ParseDeviceID("")
	require.NotNil(err)
	_, err = ParseDeviceID("A B")
	require.NotNil(err)
}

func TestParseUserIDs(t *testing.T) {
	require := require.New(t)
	us, err := ParseUserIDs([]string{"@a:x", "@b:y"})
	require.Nil(err)
	require.Equal([]UserID{"@a:x", "@b:y"}, us)
	_, err = ParseUserIDs([]string{"@a:x", "b"})
	require.NotNil(err)
}
