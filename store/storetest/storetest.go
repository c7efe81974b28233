// Package storetest runs the same behavioural checks against every store.Store implementation.
package storetest

import (
	"errors"
	"testing"

	"github.com/meow-io/go-e2ee/ids"
	"github.com/meow-io/go-e2ee/mxid"
	"github.com/meow-io/go-e2ee/store"
	"github.com/stretchr/testify/require"
)

func Run(t *testing.T, newStore func() store.Store) {
	t.Run("account", func(t *testing.T) { testAccount(t, newStore()) })
	t.Run("devices", func(t *testing.T) { testDevices(t, newStore()) })
	t.Run("tracked users", func(t *testing.T) { testTrackedUsers(t, newStore()) })
	t.Run("sessions", func(t *testing.T) { testSessions(t, newStore()) })
	t.Run("group sessions", func(t *testing.T) { testGroupSessions(t, newStore()) })
	t.Run("key requests", func(t *testing.T) { testKeyRequests(t, newStore()) })
	t.Run("backup", func(t *testing.T) { testBackup(t, newStore()) })
}

func testAccount(t *testing.T, s store.Store) {
	require := require.New(t)
	defer s.Close()

	_, err := s.LoadAccount()
	require.True(errors.Is(err, store.ErrNotFound))
	_, err = s.LoadPrivateIdentity()
	require.True(errors.Is(err, store.ErrNotFound))

	require.Nil(s.SaveChanges(&store.Changes{
		Account:         &store.Account{UserID: "@a:x", DeviceID: "DEV", Pickle: []byte{1, 2, 3}},
		PrivateIdentity: &store.PrivateIdentity{Pickle: []byte{4}},
	}))
	a, err := s.LoadAccount()
	require.Nil(err)
	require.Equal(mxid.DeviceID("DEV"), a.DeviceID)
	require.Equal([]byte{1, 2, 3}, a.Pickle)

	a.Shared = true
	require.Nil(s.SaveChanges(&store.Changes{Account: a}))
	a, err = s.LoadAccount()
	require.Nil(err)
	require.True(a.Shared)

	p, err := s.LoadPrivateIdentity()
	require.Nil(err)
	require.Equal([]byte{4}, p.Pickle)
}

func testDevices(t *testing.T, s store.Store) {
	require := require.New(t)
	defer s.Close()

	d := &store.Device{
		UserID:     "@b:x",
		DeviceID:   "B1",
		Keys:       map[string]string{"curve25519:B1": "curve", "ed25519:B1": "ed"},
		Algorithms: []string{"m.olm.v1.curve25519-aes-sha2"},
	}
	require.Nil(s.SaveChanges(&store.Changes{Devices: []*store.Device{d, {UserID: "@b:x", DeviceID: "B2"}}}))

	got, err := s.Device("@b:x", "B1")
	require.Nil(err)
	require.Equal("curve", got.Curve25519Key())
	require.Equal("ed", got.Ed25519Key())

	// returned records are copies
	got.Keys["curve25519:B1"] = "changed"
	got, err = s.Device("@b:x", "B1")
	require.Nil(err)
	require.Equal("curve", got.Curve25519Key())

	all, err := s.UserDevices("@b:x")
	require.Nil(err)
	require.Len(all, 2)
	require.Equal(mxid.DeviceID("B1"), all[0].DeviceID)

	byKey, err := s.DeviceByCurveKey("@b:x", "curve")
	require.Nil(err)
	require.Equal(mxid.DeviceID("B1"), byKey.DeviceID)
	_, err = s.DeviceByCurveKey("@c:x", "curve")
	require.True(errors.Is(err, store.ErrNotFound))

	_, err = s.Device("@b:x", "B3")
	require.True(errors.Is(err, store.ErrNotFound))

	_, err = s.UserIdentity("@b:x")
	require.True(errors.Is(err, store.ErrNotFound))
	ident := &store.UserIdentity{
		UserID:    "@b:x",
		MasterKey: &store.CrossSigningKey{UserID: "@b:x", Usage: []string{"master"}, Keys: map[string]string{"ed25519:M": "M"}},
	}
	require.Nil(s.SaveChanges(&store.Changes{Identities: []*store.UserIdentity{ident}}))
	gotIdent, err := s.UserIdentity("@b:x")
	require.Nil(err)
	require.Equal("M", gotIdent.MasterKey.PublicKey())
	require.Nil(gotIdent.SelfSigningKey)
}

func testTrackedUsers(t *testing.T, s store.Store) {
	require := require.New(t)
	defer s.Close()

	require.Nil(s.SaveChanges(&store.Changes{TrackedUsers: []*store.TrackedUser{{UserID: "@b:x", Dirty: true}, {UserID: "@a:x"}}}))
	users, err := s.TrackedUsers()
	require.Nil(err)
	require.Len(users, 2)
	require.Equal(mxid.UserID("@a:x"), users[0].UserID)
	require.True(users[1].Dirty)

	require.Nil(s.SaveChanges(&store.Changes{UntrackedUsers: []mxid.UserID{"@a:x"}}))
	users, err = s.TrackedUsers()
	require.Nil(err)
	require.Len(users, 1)
}

func testSessions(t *testing.T, s store.Store) {
	require := require.New(t)
	defer s.Close()

	require.Nil(s.SaveChanges(&store.Changes{Sessions: []*store.Session{
		{SenderKey: "k", SessionID: "old", Pickle: []byte{1}, LastUsedMs: 10},
		{SenderKey: "k", SessionID: "new", Pickle: []byte{2}, LastUsedMs: 20},
		{SenderKey: "other", SessionID: "x", Pickle: []byte{3}},
	}}))
	sessions, err := s.Sessions("k")
	require.Nil(err)
	require.Len(sessions, 2)
	require.Equal("new", sessions[0].SessionID)

	require.Nil(s.SaveChanges(&store.Changes{Sessions: []*store.Session{{SenderKey: "k", SessionID: "old", Pickle: []byte{9}, LastUsedMs: 30}}}))
	sessions, err = s.Sessions("k")
	require.Nil(err)
	require.Equal("old", sessions[0].SessionID)
	require.Equal([]byte{9}, sessions[0].Pickle)

	sessions, err = s.Sessions("missing")
	require.Nil(err)
	require.Len(sessions, 0)
}

func testGroupSessions(t *testing.T, s store.Store) {
	require := require.New(t)
	defer s.Close()

	require.Nil(s.SaveChanges(&store.Changes{InboundGroupSessions: []*store.InboundGroupSession{
		{RoomID: "!r:x", SenderKey: "k", SessionID: "1", Pickle: []byte{1}},
		{RoomID: "!r:x", SenderKey: "k", SessionID: "2", Pickle: []byte{2}, BackedUp: true},
		{RoomID: "!s:x", SenderKey: "k", SessionID: "3", Pickle: []byte{3}},
	}}))
	counts, err := s.InboundGroupSessionCounts()
	require.Nil(err)
	require.Equal(store.RoomKeyCounts{Total: 3, BackedUp: 1}, counts)

	pending, err := s.InboundGroupSessionsForBackup(1)
	require.Nil(err)
	require.Len(pending, 1)
	require.Equal("1", pending[0].SessionID)

	// the reset happens before sessions of the same change are written
	backedUp := &store.InboundGroupSession{RoomID: "!r:x", SenderKey: "k", SessionID: "1", Pickle: []byte{1}, BackedUp: true}
	require.Nil(s.SaveChanges(&store.Changes{ResetBackedUp: true, InboundGroupSessions: []*store.InboundGroupSession{backedUp}}))
	counts, err = s.InboundGroupSessionCounts()
	require.Nil(err)
	require.Equal(1, counts.BackedUp)
	reset, err := s.InboundGroupSession("!r:x", "k", "2")
	require.Nil(err)
	require.False(reset.BackedUp)

	got, err := s.InboundGroupSession("!s:x", "k", "3")
	require.Nil(err)
	require.Equal([]byte{3}, got.Pickle)
	_, err = s.InboundGroupSession("!r:x", "k", "3")
	require.True(errors.Is(err, store.ErrNotFound))

	all, err := s.InboundGroupSessions()
	require.Nil(err)
	require.Len(all, 3)

	reqID := ids.NewRequestID()
	out := &store.OutboundGroupSession{
		RoomID:        "!r:x",
		SessionID:     "out",
		Pickle:        []byte{7},
		SharedWith:    map[string]uint32{store.ShareTarget{UserID: "@b:x", DeviceID: "B1"}.Key(): 0},
		PendingShares: map[ids.RequestID][]store.ShareTarget{reqID: {{UserID: "@c:x", DeviceID: "C1"}}},
	}
	require.Nil(s.SaveChanges(&store.Changes{OutboundGroupSessions: []*store.OutboundGroupSession{out}}))
	gotOut, err := s.OutboundGroupSession("!r:x")
	require.Nil(err)
	require.Equal(out, gotOut)

	require.Nil(s.SaveChanges(&store.Changes{DeletedOutboundGroupSessions: []mxid.RoomID{"!r:x"}}))
	_, err = s.OutboundGroupSession("!r:x")
	require.True(errors.Is(err, store.ErrNotFound))

	require.Nil(s.SaveChanges(&store.Changes{MessageIndexes: []*store.MessageIndex{{SenderKey: "k", SessionID: "1", Index: 4, EventID: "$e", Timestamp: 5}}}))
	idx, err := s.MessageIndex("k", "1", 4)
	require.Nil(err)
	require.Equal(mxid.EventID("$e"), idx.EventID)
	_, err = s.MessageIndex("k", "1", 5)
	require.True(errors.Is(err, store.ErrNotFound))
}

func testKeyRequests(t *testing.T, s store.Store) {
	require := require.New(t)
	defer s.Close()

	r := &store.OutgoingKeyRequest{
		RequestID: ids.NewRequestID(),
		RoomID:    "!r:x",
		SenderKey: "k",
		SessionID: "1",
		Algorithm: "m.megolm.v1.aes-sha2",
	}
	require.Nil(s.SaveChanges(&store.Changes{KeyRequests: []*store.OutgoingKeyRequest{r}}))

	got, err := s.KeyRequest(r.RequestID)
	require.Nil(err)
	require.Equal(r, got)
	got, err = s.KeyRequestBySession("!r:x", "k", "1")
	require.Nil(err)
	require.Equal(r.RequestID, got.RequestID)

	unsent, err := s.UnsentKeyRequests()
	require.Nil(err)
	require.Len(unsent, 1)

	r.SentOut = true
	require.Nil(s.SaveChanges(&store.Changes{KeyRequests: []*store.OutgoingKeyRequest{r}}))
	unsent, err = s.UnsentKeyRequests()
	require.Nil(err)
	require.Len(unsent, 0)

	require.Nil(s.SaveChanges(&store.Changes{DeletedKeyRequests: []ids.RequestID{r.RequestID}}))
	_, err = s.KeyRequest(r.RequestID)
	require.True(errors.Is(err, store.ErrNotFound))
}

func testBackup(t *testing.T, s store.Store) {
	require := require.New(t)
	defer s.Close()

	_, err := s.BackupState()
	require.True(errors.Is(err, store.ErrNotFound))

	require.Nil(s.SaveChanges(&store.Changes{Backup: &store.BackupState{Version: "1", PublicKey: "pub"}}))
	b, err := s.BackupState()
	require.Nil(err)
	require.True(b.Enabled())

	require.Nil(s.SaveChanges(&store.Changes{ClearBackup: true}))
	_, err = s.BackupState()
	require.True(errors.Is(err, store.ErrNotFound))
}
