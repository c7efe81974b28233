package machine

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/meow-io/go-e2ee/config"
	"github.com/meow-io/go-e2ee/crypto"
	"github.com/meow-io/go-e2ee/mxid"
	"github.com/meow-io/go-e2ee/store"
	"github.com/stretchr/testify/require"
)

const exportRounds = 1000

// sharedRoom has alice share a room key with bob and returns an event bob can decrypt.
func sharedRoom(t *testing.T, a, b *testDevice, body string) *RoomEvent {
	a.establish(b.user)
	a.shareRoomKey(room, b.user)
	b.sync()
	return a.encrypt(room, body)
}

func TestExportImportKeys(t *testing.T) {
	require := require.New(t)
	a, b := pair(t)
	ev := sharedRoom(t, a, b, "exported")

	export, err := b.m.ExportKeys("correct horse", exportRounds)
	require.NoError(err)

	c := newTestDevice(t, a.hs, bob, "BOBLAPTOP")
	_, err = c.m.ImportKeys(export, "wrong horse", nil)
	require.ErrorIs(err, crypto.ErrExportPassphrase)

	var calls [][2]int
	res, err := c.m.ImportKeys(export, "correct horse", func(progress, total int) {
		calls = append(calls, [2]int{progress, total})
	})
	require.NoError(err)
	require.Equal(1, res.Total)
	require.Equal(1, res.Imported)
	require.Len(res.Keys[room][a.m.IdentityKeys()["curve25519"]], 1)
	require.Equal([][2]int{{0, 1}, {1, 1}}, calls)

	dec, err := c.m.DecryptRoomEvent(ev, room)
	require.NoError(err)
	require.Equal("exported", messageBody(t, dec))
	require.Equal(UnknownDevice, dec.Info.State)
	require.Equal(aliceDev, dec.Info.SenderDevice)

	res, err = c.m.ImportKeys(export, "correct horse", nil)
	require.NoError(err)
	require.Equal(1, res.Total)
	require.Equal(0, res.Imported)

	_, err = c.m.ImportKeys([]byte("not an export"), "correct horse", nil)
	require.ErrorIs(err, crypto.ErrExportFormat)
}

func TestImportKeepsBetterSession(t *testing.T) {
	require := require.New(t)
	a, b := pair(t)
	a.establish(bob)
	a.shareRoomKey(room, alice)
	a.encrypt(room, "first")

	// bob gets the session from index 1
	a.shareRoomKey(room, bob)
	b.sync()
	late, err := b.m.ExportKeys("pass", exportRounds)
	require.NoError(err)

	// alice's own copy starts at index 0
	early, err := a.m.ExportKeys("pass", exportRounds)
	require.NoError(err)

	c := newTestDevice(t, a.hs, bob, "BOBLAPTOP")
	res, err := c.m.ImportKeys(early, "pass", nil)
	require.NoError(err)
	require.Equal(1, res.Imported)
	res, err = c.m.ImportKeys(late, "pass", nil)
	require.NoError(err)
	require.Equal(0, res.Imported)

	res, err = b.m.ImportKeys(early, "pass", nil)
	require.NoError(err)
	require.Equal(1, res.Imported)
}

func TestImportedKeyForAnotherRoom(t *testing.T) {
	require := require.New(t)
	a, b := pair(t)
	ev := sharedRoom(t, a, b, "somewhere else")

	export, err := b.m.ExportKeys("pass", exportRounds)
	require.NoError(err)
	plaintext, err := crypto.DecryptKeyExport(export, "pass")
	require.NoError(err)
	var keys []*ExportedRoomKey
	require.NoError(json.Unmarshal(plaintext, &keys))
	require.Len(keys, 1)

	other := mxid.RoomID("!other:example.org")
	keys[0].RoomID = other
	keys = append(keys, &ExportedRoomKey{Algorithm: "m.unknown", RoomID: other, SessionID: "nope"})
	c := newTestDevice(t, a.hs, bob, "BOBLAPTOP")
	res, err := c.m.ImportDecryptedKeys(mustJSON(t, keys), nil)
	require.NoError(err)
	require.Equal(2, res.Total)
	require.Equal(1, res.Imported)

	_, err = c.m.DecryptRoomEvent(ev, other)
	require.Equal(Mismatch, decryptionKind(t, err))

	counts, err := c.m.RoomKeyCounts()
	require.NoError(err)
	require.Equal(1, counts.Total)
	require.Equal(1, counts.BackedUp)
}

func TestKeyRequestForwarding(t *testing.T) {
	require := require.New(t)
	hs := newHomeserver(t)
	a1 := newTestDevice(t, hs, alice, aliceDev)
	b := newTestDevice(t, hs, bob, bobDev)
	a1.flush()
	b.flush()
	a1.track(bob)
	b.track(alice)
	ev := sharedRoom(t, b, a1, "for all of alice")

	phone := mxid.DeviceID("ALICEPHONE")
	a2 := newTestDevice(t, hs, alice, phone)
	a2.flush()
	a2.track(bob)
	a1.sync()
	a1.flush()
	require.NoError(a1.m.MarkDeviceAsTrusted(alice, phone))
	require.NoError(a2.m.MarkDeviceAsTrusted(alice, aliceDev))
	a1.establish(alice)

	_, err := a2.m.DecryptRoomEvent(ev, room)
	require.Equal(MissingRoomKey, decryptionKind(t, err))
	a2.flush()

	a1.sync()
	a1.flush()
	a2.sync()
	// the answered request is cancelled on the other devices
	cancels := pendingOfType(t, a2, RequestToDevice)
	require.Len(cancels, 1)
	require.Equal(eventRoomKeyRequest, cancels[0].(*ToDeviceRequest).EventType)
	a2.flush()

	dec, err := a2.m.DecryptRoomEvent(ev, room)
	require.NoError(err)
	require.Equal("for all of alice", messageBody(t, dec))
	require.Equal([]string{a1.m.IdentityKeys()["curve25519"]}, dec.Info.ForwardingChain)
	require.Equal(Untrusted, dec.Info.State)
}

func TestKeyRequestIgnoredFromUntrustedDevice(t *testing.T) {
	require := require.New(t)
	hs := newHomeserver(t)
	a1 := newTestDevice(t, hs, alice, aliceDev)
	b := newTestDevice(t, hs, bob, bobDev)
	a1.flush()
	b.flush()
	a1.track(bob)
	b.track(alice)
	ev := sharedRoom(t, b, a1, "not for the phone")

	a2 := newTestDevice(t, hs, alice, "ALICEPHONE")
	a2.flush()
	a1.sync()
	a1.flush()
	a1.establish(alice)

	_, err := a2.m.DecryptRoomEvent(ev, room)
	require.Equal(MissingRoomKey, decryptionKind(t, err))
	a2.flush()
	a1.sync()
	require.Empty(pendingOfType(t, a1, RequestToDevice))
}

func TestRequestRoomKeyReplacesRequest(t *testing.T) {
	require := require.New(t)
	a, b := pair(t)
	a.establish(bob)
	a.shareRoomKey(room, alice)
	ev := a.encrypt(room, "lost")

	cancel, req, err := b.m.RequestRoomKey(ev, room)
	require.NoError(err)
	require.Nil(cancel)
	require.NotNil(req)
	b.flush()

	cancel, again, err := b.m.RequestRoomKey(ev, room)
	require.NoError(err)
	require.NotNil(cancel)
	require.NotEqual(req.ID, again.ID)
	require.Len(pendingOfType(t, b, RequestToDevice), 2)
}

func TestBackup(t *testing.T) {
	require := require.New(t)
	a, b := pair(t, config.WithBackupBatchSize(1))
	sharedRoom(t, a, b, "backed up")

	key, err := NewRecoveryKey()
	require.NoError(err)
	req, err := b.m.BackupRoomKeys()
	require.NoError(err)
	require.Nil(req)

	require.Error(b.m.EnableBackupV1("not a key", "1"))
	require.NoError(b.m.EnableBackupV1(key.PublicKey(), "1"))
	enabled, err := b.m.BackupEnabled()
	require.NoError(err)
	require.True(enabled)

	counts, err := b.m.RoomKeyCounts()
	require.NoError(err)
	require.Equal(1, counts.Total)
	require.Equal(0, counts.BackedUp)

	req, err = b.m.BackupRoomKeys()
	require.NoError(err)
	require.NotNil(req)
	pending, err := b.m.BackupRoomKeys()
	require.NoError(err)
	require.Equal(req.ID, pending.ID)
	b.send(req)

	counts, err = b.m.RoomKeyCounts()
	require.NoError(err)
	require.Equal(1, counts.BackedUp)
	req, err = b.m.BackupRoomKeys()
	require.NoError(err)
	require.Nil(req)

	// restore onto a new device with the recovery key
	var sessionID string
	var data *KeyBackupData
	for id, d := range b.hs.backups["1"][room] {
		sessionID, data = id, d
	}
	restoreKey, err := RecoveryKeyFromBase58(key.Base58())
	require.NoError(err)
	exported, err := restoreKey.DecryptRoomKey(room, sessionID, data)
	require.NoError(err)
	require.Equal(sessionID, exported.SessionID)
	require.Equal(a.m.IdentityKeys()["curve25519"], exported.SenderKey)

	c := newTestDevice(t, a.hs, bob, "BOBLAPTOP")
	res, err := c.m.ImportDecryptedKeys(mustJSON(t, []*ExportedRoomKey{exported}), nil)
	require.NoError(err)
	require.Equal(1, res.Imported)
	ev := a.encrypt(room, "after restore")
	dec, err := c.m.DecryptRoomEvent(ev, room)
	require.NoError(err)
	require.Equal("after restore", messageBody(t, dec))

	// a new version uploads everything again
	require.NoError(b.m.EnableBackupV1(key.PublicKey(), "2"))
	counts, err = b.m.RoomKeyCounts()
	require.NoError(err)
	require.Equal(0, counts.BackedUp)

	require.NoError(b.m.DisableBackup())
	enabled, err = b.m.BackupEnabled()
	require.NoError(err)
	require.False(enabled)
}

func TestBackupNewKeysAfterUpload(t *testing.T) {
	require := require.New(t)
	a, b := pair(t)
	key, err := NewRecoveryKey()
	require.NoError(err)
	require.NoError(b.m.EnableBackupV1(key.PublicKey(), "1"))

	sharedRoom(t, a, b, "first")
	req, err := b.m.BackupRoomKeys()
	require.NoError(err)
	b.send(req)

	require.NoError(a.m.DiscardRoomKey(room))
	a.shareRoomKey(room, bob)
	b.sync()

	counts, err := b.m.RoomKeyCounts()
	require.NoError(err)
	require.Equal(2, counts.Total)
	require.Equal(1, counts.BackedUp)
	req, err = b.m.BackupRoomKeys()
	require.NoError(err)
	require.Len(req.Rooms[room].Sessions, 1)
	b.send(req)
	require.Len(b.hs.backups["1"][room], 2)
}

func TestRecoveryKeys(t *testing.T) {
	require := require.New(t)
	a, _ := pair(t)

	key, version, err := a.m.BackupKeys()
	require.NoError(err)
	require.Nil(key)
	require.Empty(version)

	fromPass, err := RecoveryKeyFromPassphrase("passphrase", "salt", exportRounds)
	require.NoError(err)
	again, err := RecoveryKeyFromPassphrase("passphrase", "salt", exportRounds)
	require.NoError(err)
	require.Equal(fromPass.PublicKey(), again.PublicKey())

	require.NoError(a.m.SaveRecoveryKey(fromPass, "3"))
	key, version, err = a.m.BackupKeys()
	require.NoError(err)
	require.Equal("3", version)
	require.Equal(fromPass.PublicKey(), key.PublicKey())

	_, err = RecoveryKeyFromBase58("not a recovery key")
	require.Error(err)
}

func TestVerifyBackup(t *testing.T) {
	require := require.New(t)
	a, _ := pair(t)
	key, err := NewRecoveryKey()
	require.NoError(err)

	authData := mustJSON(t, map[string]any{"public_key": key.PublicKey()})
	ok, err := a.m.VerifyBackup(backupAlgorithm, authData)
	require.NoError(err)
	require.False(ok)

	// a single key object marshals to its canonical form
	signed := mustJSON(t, map[string]any{
		"public_key": key.PublicKey(),
		"signatures": a.m.Sign(string(authData)),
	})
	ok, err = a.m.VerifyBackup(backupAlgorithm, signed)
	require.NoError(err)
	require.True(ok)

	ok, err = a.m.VerifyBackup("m.other", signed)
	require.NoError(err)
	require.False(ok)

	for _, malformed := range []string{`[]`, `not json`, `{"signatures": "none"}`} {
		ok, err = a.m.VerifyBackup(backupAlgorithm, json.RawMessage(malformed))
		require.NoError(err)
		require.False(ok)
	}
}

// failingStore fails every SaveChanges while err is set.
type failingStore struct {
	store.Store
	err error
}

func (s *failingStore) SaveChanges(c *store.Changes) error {
	if s.err != nil {
		return s.err
	}
	return s.Store.SaveChanges(c)
}

func TestEnableBackupFailureKeepsState(t *testing.T) {
	require := require.New(t)
	a, b := pair(t)
	sharedRoom(t, a, b, "backed up")
	key, err := NewRecoveryKey()
	require.NoError(err)
	require.NoError(b.m.EnableBackupV1(key.PublicKey(), "1"))
	req, err := b.m.BackupRoomKeys()
	require.NoError(err)
	b.send(req)

	fs := &failingStore{Store: b.store, err: errors.New("disk full")}
	b.m.store = fs
	err = b.m.EnableBackupV1(key.PublicKey(), "2")
	var se *StoreError
	require.True(errors.As(err, &se))

	counts, err := b.m.RoomKeyCounts()
	require.NoError(err)
	require.Equal(1, counts.BackedUp)
	state, err := b.store.BackupState()
	require.NoError(err)
	require.Equal("1", state.Version)

	fs.err = nil
	require.NoError(b.m.EnableBackupV1(key.PublicKey(), "2"))
	counts, err = b.m.RoomKeyCounts()
	require.NoError(err)
	require.Equal(0, counts.BackedUp)
}
