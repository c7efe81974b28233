package machine

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/meow-io/go-e2ee/crypto"
	"github.com/meow-io/go-e2ee/ids"
	"github.com/meow-io/go-e2ee/mxid"
	"github.com/meow-io/go-e2ee/olm"
	"github.com/meow-io/go-e2ee/store"
)

const backupAlgorithm = "m.megolm_backup.v1.curve25519-aes-sha2"

// RecoveryKey is the private key of a server side key backup.
type RecoveryKey struct {
	pk *crypto.PkDecryption
}

func NewRecoveryKey() (*RecoveryKey, error) {
	pk, err := crypto.NewPkDecryption()
	if err != nil {
		return nil, err
	}
	return &RecoveryKey{pk: pk}, nil
}

func recoveryKeyFromPrivate(priv []byte) (*RecoveryKey, error) {
	pk, err := crypto.PkDecryptionFromPrivate(priv)
	if err != nil {
		return nil, err
	}
	return &RecoveryKey{pk: pk}, nil
}

// RecoveryKeyFromBase58 parses a recovery key as users write it down.
func RecoveryKeyFromBase58(s string) (*RecoveryKey, error) {
	priv, err := crypto.DecodeRecoveryKey(s)
	if err != nil {
		return nil, err
	}
	return recoveryKeyFromPrivate(priv)
}

func RecoveryKeyFromPassphrase(passphrase, salt string, rounds int) (*RecoveryKey, error) {
	return recoveryKeyFromPrivate(crypto.KeyFromPassphrase(passphrase, salt, rounds))
}

func (k *RecoveryKey) PublicKey() string {
	return k.pk.PublicKey()
}

func (k *RecoveryKey) Base58() string {
	return crypto.EncodeRecoveryKey(k.pk.PrivateKey())
}

func (k *RecoveryKey) Decrypt(m *crypto.PkMessage) ([]byte, error) {
	return k.pk.Decrypt(m)
}

// DecryptRoomKey decrypts one backed up session. The result can be handed to ImportDecryptedKeys.
func (k *RecoveryKey) DecryptRoomKey(room mxid.RoomID, sessionID string, data *KeyBackupData) (*ExportedRoomKey, error) {
	if data == nil || data.SessionData == nil {
		return nil, errors.New("machine: backup data has no session data")
	}
	plaintext, err := k.pk.Decrypt(data.SessionData)
	if err != nil {
		return nil, err
	}
	var key ExportedRoomKey
	if err := json.Unmarshal(plaintext, &key); err != nil {
		return nil, fmt.Errorf("machine: invalid backed up key %s: %w", sessionID, err)
	}
	key.RoomID = room
	key.SessionID = sessionID
	return &key, nil
}

func (m *Machine) backupState() (*store.BackupState, error) {
	state, err := m.store.BackupState()
	if errors.Is(err, store.ErrNotFound) {
		return &store.BackupState{}, nil
	} else if err != nil {
		return nil, storeErr("load backup state", err)
	}
	return state, nil
}

func (m *Machine) pendingBackup() *KeysBackupRequest {
	for _, r := range m.queue.list() {
		if b, ok := r.(*KeysBackupRequest); ok {
			return b
		}
	}
	return nil
}

func (m *Machine) dropPendingBackup() {
	if b := m.pendingBackup(); b != nil {
		m.queue.drop(b.ID)
	}
}

// EnableBackupV1 starts backing up room keys to the backup version with the given curve25519 public
// key. Switching to another version or key uploads every key again.
func (m *Machine) EnableBackupV1(publicKey, version string) error {
	if _, err := crypto.NewPkEncryption(publicKey); err != nil {
		return fmt.Errorf("machine: invalid backup key: %w", err)
	}
	if version == "" {
		return errors.New("machine: backup version is empty")
	}
	m.lock.Lock()
	defer m.lock.Unlock()

	state, err := m.backupState()
	if err != nil {
		return err
	}
	changes := &store.Changes{Backup: state}
	if state.Version != version || state.PublicKey != publicKey {
		m.log.Infof("enabling backup version %s", version)
		changes.ResetBackedUp = true
	}
	state.Version = version
	state.PublicKey = publicKey
	if err := m.save(changes); err != nil {
		return err
	}
	if changes.ResetBackedUp {
		m.dropPendingBackup()
	}
	return nil
}

func (m *Machine) BackupEnabled() (bool, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	state, err := m.backupState()
	if err != nil {
		return false, err
	}
	return state.Enabled(), nil
}

// DisableBackup stops backing up and forgets which keys were backed up, including a saved recovery key.
func (m *Machine) DisableBackup() error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if err := m.save(&store.Changes{ClearBackup: true, ResetBackedUp: true}); err != nil {
		return err
	}
	m.dropPendingBackup()
	m.log.Info("backup disabled")
	return nil
}

// RoomKeyCounts returns how many inbound group sessions we have and how many of them are backed up.
func (m *Machine) RoomKeyCounts() (store.RoomKeyCounts, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	counts, err := m.store.InboundGroupSessionCounts()
	return counts, storeErr("count inbound group sessions", err)
}

// senderVerified reports whether a session came straight from a device we trust.
func (m *Machine) senderVerified(s *olm.InboundGroupSession, sender mxid.UserID) bool {
	if len(s.ForwardingChain) > 0 || sender == "" {
		return false
	}
	d, err := m.store.DeviceByCurveKey(sender, s.SenderKey)
	if err != nil {
		return false
	}
	return d.Ed25519Key() == s.SigningKey && m.deviceTrusted(d)
}

// BackupRoomKeys returns the next batch of room keys to upload, or nil if backup is disabled or every
// key is backed up. While a batch is pending it is returned again instead of a new one.
func (m *Machine) BackupRoomKeys() (*KeysBackupRequest, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	state, err := m.backupState()
	if err != nil {
		return nil, err
	}
	if !state.Enabled() {
		return nil, nil
	}
	if b := m.pendingBackup(); b != nil {
		return b, nil
	}
	size := m.config.BackupBatchSize
	if size <= 0 {
		size = 100
	}
	recs, err := m.store.InboundGroupSessionsForBackup(size)
	if err != nil {
		return nil, storeErr("load inbound group sessions for backup", err)
	}
	if len(recs) == 0 {
		return nil, nil
	}
	enc, err := crypto.NewPkEncryption(state.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("machine: invalid backup key: %w", err)
	}

	req := &KeysBackupRequest{ID: ids.NewRequestID(), Version: state.Version, Rooms: make(map[mxid.RoomID]*RoomKeyBackup)}
	for _, rec := range recs {
		s, err := olm.UnpickleInboundGroupSession(rec.Pickle)
		if err != nil {
			m.log.Warnf("not backing up unreadable session %s: %v", rec.SessionID, err)
			continue
		}
		key := exportRoomKey(s)
		key.RoomID, key.SessionID = "", ""
		plaintext, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		data, err := enc.Encrypt(plaintext)
		if err != nil {
			return nil, fmt.Errorf("machine: error encrypting %s for backup: %w", rec.SessionID, err)
		}
		room := req.Rooms[rec.RoomID]
		if room == nil {
			room = &RoomKeyBackup{Sessions: make(map[string]*KeyBackupData)}
			req.Rooms[rec.RoomID] = room
		}
		room.Sessions[rec.SessionID] = &KeyBackupData{
			FirstMessageIndex: s.FirstKnownIndex(),
			ForwardedCount:    len(s.ForwardingChain),
			IsVerified:        m.senderVerified(s, m.senderOf(s)),
			SessionData:       data,
		}
		req.sessions = append(req.sessions, rec)
	}
	if len(req.sessions) == 0 {
		return nil, nil
	}
	m.log.Debugf("backing up %d room keys to version %s", len(req.sessions), req.Version)
	return enqueue(m.queue, req), nil
}

// senderOf finds the user a session's sender key belongs to among the users we track.
func (m *Machine) senderOf(s *olm.InboundGroupSession) mxid.UserID {
	if s.SenderKey == m.account.IdentityKeys().Curve25519 {
		return m.userID
	}
	tracked, err := m.store.TrackedUsers()
	if err != nil {
		return ""
	}
	for _, u := range tracked {
		if _, err := m.store.DeviceByCurveKey(u.UserID, s.SenderKey); err == nil {
			return u.UserID
		}
	}
	return ""
}

func (m *Machine) receiveKeysBackupResponse(r *KeysBackupRequest, body []byte) error {
	resp, err := decodeResponse[keysBackupResponse](RequestKeysBackup, body)
	if err != nil {
		return err
	}
	state, err := m.backupState()
	if err != nil {
		return err
	}
	if state.Version != r.Version {
		m.log.Infof("ignoring backup response for old version %s", r.Version)
		return nil
	}
	changes := &store.Changes{}
	for _, sent := range r.sessions {
		current, err := m.store.InboundGroupSession(sent.RoomID, sent.SenderKey, sent.SessionID)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				return storeErr("load inbound group session", err)
			}
			continue
		}
		// replaced by a better copy while the upload was in flight
		if !bytes.Equal(current.Pickle, sent.Pickle) {
			continue
		}
		current.BackedUp = true
		changes.InboundGroupSessions = append(changes.InboundGroupSessions, current)
	}
	m.log.Debugf("backed up %d room keys, server has %d (etag %s)", len(changes.InboundGroupSessions), resp.Count, resp.Etag)
	return m.save(changes)
}

type backupAuthData struct {
	PublicKey  string            `json:"public_key"`
	Signatures crypto.Signatures `json:"signatures"`
}

// VerifyBackup checks the auth_data of a backup version: it has to be signed by one of our trusted
// devices or by our verified master key.
func (m *Machine) VerifyBackup(algorithm string, authData json.RawMessage) (bool, error) {
	if algorithm != backupAlgorithm {
		return false, nil
	}
	var ad backupAuthData
	if err := json.Unmarshal(authData, &ad); err != nil {
		m.log.Debugf("invalid backup auth data: %v", err)
		return false, nil
	}
	m.lock.Lock()
	defer m.lock.Unlock()

	own := string(m.userID)
	var master string
	if ident, err := m.store.UserIdentity(m.userID); err == nil && ident.Verified {
		master = ident.MasterKey.PublicKey()
	}
	for keyID := range ad.Signatures[own] {
		algo, id, ok := strings.Cut(keyID, ":")
		if !ok || algo != "ed25519" {
			continue
		}
		if id == master {
			if crypto.VerifySignedBy(authData, own, id, master) == nil {
				return true, nil
			}
			continue
		}
		d, err := m.store.Device(m.userID, mxid.DeviceID(id))
		if errors.Is(err, store.ErrNotFound) {
			continue
		} else if err != nil {
			return false, storeErr("load device", err)
		}
		if d.Deleted || !m.deviceTrusted(d) {
			continue
		}
		if crypto.VerifySignedBy(authData, own, id, d.Ed25519Key()) == nil {
			return true, nil
		}
	}
	return false, nil
}

// SaveRecoveryKey stores the backup private key locally, for example after restoring from backup.
func (m *Machine) SaveRecoveryKey(key *RecoveryKey, version string) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	state, err := m.backupState()
	if err != nil {
		return err
	}
	state.RecoveryKey = key.pk.PrivateKey()
	state.RecoveryVersion = version
	return m.save(&store.Changes{Backup: state})
}

// BackupKeys returns the saved recovery key and its version; the key is nil if none was saved.
func (m *Machine) BackupKeys() (*RecoveryKey, string, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	state, err := m.backupState()
	if err != nil {
		return nil, "", err
	}
	if len(state.RecoveryKey) == 0 {
		return nil, "", nil
	}
	key, err := recoveryKeyFromPrivate(state.RecoveryKey)
	if err != nil {
		return nil, "", err
	}
	return key, state.RecoveryVersion, nil
}
