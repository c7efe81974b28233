// Package sqlstore implements store.Store on the encrypted SQLCipher database. Records with nested
// structure are kept as CBOR blobs next to the columns they are looked up by.
package sqlstore

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/meow-io/go-e2ee/ids"
	"github.com/meow-io/go-e2ee/internal/codec"
	"github.com/meow-io/go-e2ee/internal/db"
	"github.com/meow-io/go-e2ee/migration"
	"github.com/meow-io/go-e2ee/mxid"
	"github.com/meow-io/go-e2ee/store"
	"go.uber.org/zap"
)

type blobRow struct {
	Data []byte `db:"data"`
}

type deviceRow struct {
	UserID   string `db:"user_id"`
	DeviceID string `db:"device_id"`
	CurveKey string `db:"curve_key"`
	Data     []byte `db:"data"`
}

type sessionRow struct {
	SenderKey  string `db:"sender_key"`
	SessionID  string `db:"session_id"`
	Pickle     []byte `db:"pickle"`
	CreatedMs  uint64 `db:"created_ms"`
	LastUsedMs uint64 `db:"last_used_ms"`
}

type inboundRow struct {
	RoomID    string `db:"room_id"`
	SenderKey string `db:"sender_key"`
	SessionID string `db:"session_id"`
	Pickle    []byte `db:"pickle"`
	BackedUp  bool   `db:"backed_up"`
}

type keyRequestRow struct {
	RequestID string `db:"request_id"`
	RoomID    string `db:"room_id"`
	SenderKey string `db:"sender_key"`
	SessionID string `db:"session_id"`
	Algorithm string `db:"algorithm"`
	SentOut   bool   `db:"sent_out"`
}

type messageIndexRow struct {
	SenderKey string `db:"sender_key"`
	SessionID string `db:"session_id"`
	Index     uint32 `db:"idx"`
	EventID   string `db:"event_id"`
	Timestamp uint64 `db:"timestamp"`
}

type Store struct {
	db  *db.Database
	log *zap.SugaredLogger
}

// New migrates the crypto store tables into an open database.
func New(database *db.Database) (*Store, error) {
	s := &Store{db: database, log: database.Log}
	if err := database.Migrate("_crypto_store", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _account (
						id INTEGER PRIMARY KEY CHECK (id = 1),
						data BLOB NOT NULL
					);
					CREATE TABLE _private_identity (
						id INTEGER PRIMARY KEY CHECK (id = 1),
						data BLOB NOT NULL
					);
					CREATE TABLE _devices (
						user_id TEXT NOT NULL,
						device_id TEXT NOT NULL,
						curve_key TEXT NOT NULL,
						data BLOB NOT NULL,
						PRIMARY KEY (user_id, device_id)
					);
					CREATE INDEX devices_curve_key on _devices (user_id, curve_key);

					CREATE TABLE _identities (
						user_id TEXT PRIMARY KEY,
						data BLOB NOT NULL
					);
					CREATE TABLE _tracked_users (
						user_id TEXT PRIMARY KEY,
						dirty NUMBER NOT NULL
					);
					CREATE TABLE _sessions (
						sender_key TEXT NOT NULL,
						session_id TEXT NOT NULL,
						pickle BLOB NOT NULL,
						created_ms INTEGER NOT NULL,
						last_used_ms INTEGER NOT NULL,
						PRIMARY KEY (sender_key, session_id)
					);
					CREATE TABLE _inbound_group_sessions (
						room_id TEXT NOT NULL,
						sender_key TEXT NOT NULL,
						session_id TEXT NOT NULL,
						pickle BLOB NOT NULL,
						backed_up NUMBER NOT NULL,
						PRIMARY KEY (room_id, sender_key, session_id)
					);
					CREATE INDEX inbound_group_sessions_backed_up on _inbound_group_sessions (backed_up);

					CREATE TABLE _outbound_group_sessions (
						room_id TEXT PRIMARY KEY,
						data BLOB NOT NULL
					);
					CREATE TABLE _key_requests (
						request_id TEXT PRIMARY KEY,
						room_id TEXT NOT NULL,
						sender_key TEXT NOT NULL,
						session_id TEXT NOT NULL,
						algorithm TEXT NOT NULL,
						sent_out NUMBER NOT NULL
					);
					CREATE UNIQUE INDEX key_requests_session on _key_requests (room_id, sender_key, session_id);

					CREATE TABLE _backup (
						id INTEGER PRIMARY KEY CHECK (id = 1),
						data BLOB NOT NULL
					);
					CREATE TABLE _message_indexes (
						sender_key TEXT NOT NULL,
						session_id TEXT NOT NULL,
						idx INTEGER NOT NULL,
						event_id TEXT NOT NULL,
						timestamp INTEGER NOT NULL,
						PRIMARY KEY (sender_key, session_id, idx)
					);
				`)
				return err
			},
		},
	}); err != nil {
		return nil, fmt.Errorf("sqlstore: error migrating: %w", err)
	}
	return s, nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

func (s *Store) readBlob(label, query string, out any, args ...any) error {
	return s.db.RunReadOnly(label, func() error {
		var row blobRow
		if err := s.db.Tx.Get(&row, query, args...); err != nil {
			return notFound(err)
		}
		return codec.Unmarshal(row.Data, out)
	})
}

func (s *Store) LoadAccount() (*store.Account, error) {
	a := &store.Account{}
	if err := s.readBlob("load account", "SELECT data FROM _account WHERE id = 1", a); err != nil {
		return nil, fmt.Errorf("sqlstore: error loading account: %w", err)
	}
	return a, nil
}

func (s *Store) LoadPrivateIdentity() (*store.PrivateIdentity, error) {
	p := &store.PrivateIdentity{}
	if err := s.readBlob("load private identity", "SELECT data FROM _private_identity WHERE id = 1", p); err != nil {
		return nil, fmt.Errorf("sqlstore: error loading private identity: %w", err)
	}
	return p, nil
}

func (s *Store) upsertBlob(query string, args ...any) error {
	_, err := s.db.Tx.Exec(query, args...)
	return err
}

func (s *Store) SaveChanges(c *store.Changes) error {
	if c.IsEmpty() {
		return nil
	}
	if err := s.db.Run("save changes", func() error { return s.saveChanges(c) }); err != nil {
		return fmt.Errorf("sqlstore: error saving changes: %w", err)
	}
	return nil
}

func (s *Store) saveChanges(c *store.Changes) error {
	if c.Account != nil {
		b, err := codec.Marshal(c.Account)
		if err != nil {
			return err
		}
		if err := s.upsertBlob("INSERT INTO _account (id, data) VALUES (1, ?) ON CONFLICT(id) DO UPDATE SET data = excluded.data", b); err != nil {
			return fmt.Errorf("error upserting account: %w", err)
		}
	}
	if c.PrivateIdentity != nil {
		b, err := codec.Marshal(c.PrivateIdentity)
		if err != nil {
			return err
		}
		if err := s.upsertBlob("INSERT INTO _private_identity (id, data) VALUES (1, ?) ON CONFLICT(id) DO UPDATE SET data = excluded.data", b); err != nil {
			return fmt.Errorf("error upserting private identity: %w", err)
		}
	}
	for _, d := range c.Devices {
		b, err := codec.Marshal(d)
		if err != nil {
			return err
		}
		row := &deviceRow{UserID: string(d.UserID), DeviceID: string(d.DeviceID), CurveKey: d.Curve25519Key(), Data: b}
		if _, err := s.db.Tx.NamedExec("INSERT INTO _devices (user_id, device_id, curve_key, data) VALUES (:user_id, :device_id, :curve_key, :data) ON CONFLICT(user_id, device_id) DO UPDATE SET curve_key = :curve_key, data = :data", row); err != nil {
			return fmt.Errorf("error upserting device: %w", err)
		}
	}
	for _, i := range c.Identities {
		b, err := codec.Marshal(i)
		if err != nil {
			return err
		}
		if err := s.upsertBlob("INSERT INTO _identities (user_id, data) VALUES (?, ?) ON CONFLICT(user_id) DO UPDATE SET data = excluded.data", string(i.UserID), b); err != nil {
			return fmt.Errorf("error upserting identity: %w", err)
		}
	}
	for _, u := range c.TrackedUsers {
		if _, err := s.db.Tx.Exec("INSERT INTO _tracked_users (user_id, dirty) VALUES (?, ?) ON CONFLICT(user_id) DO UPDATE SET dirty = excluded.dirty", string(u.UserID), u.Dirty); err != nil {
			return fmt.Errorf("error upserting tracked user: %w", err)
		}
	}
	for _, u := range c.UntrackedUsers {
		if _, err := s.db.Tx.Exec("DELETE FROM _tracked_users WHERE user_id = ?", string(u)); err != nil {
			return fmt.Errorf("error deleting tracked user: %w", err)
		}
	}
	for _, sess := range c.Sessions {
		row := &sessionRow{SenderKey: sess.SenderKey, SessionID: sess.SessionID, Pickle: sess.Pickle, CreatedMs: sess.CreatedMs, LastUsedMs: sess.LastUsedMs}
		if _, err := s.db.Tx.NamedExec("INSERT INTO _sessions (sender_key, session_id, pickle, created_ms, last_used_ms) VALUES (:sender_key, :session_id, :pickle, :created_ms, :last_used_ms) ON CONFLICT(sender_key, session_id) DO UPDATE SET pickle = :pickle, last_used_ms = :last_used_ms", row); err != nil {
			return fmt.Errorf("error upserting session: %w", err)
		}
	}
	if c.ResetBackedUp {
		if _, err := s.db.Tx.Exec("UPDATE _inbound_group_sessions SET backed_up = 0"); err != nil {
			return fmt.Errorf("error resetting backup state: %w", err)
		}
	}
	for _, g := range c.InboundGroupSessions {
		row := &inboundRow{RoomID: string(g.RoomID), SenderKey: g.SenderKey, SessionID: g.SessionID, Pickle: g.Pickle, BackedUp: g.BackedUp}
		if _, err := s.db.Tx.NamedExec("INSERT INTO _inbound_group_sessions (room_id, sender_key, session_id, pickle, backed_up) VALUES (:room_id, :sender_key, :session_id, :pickle, :backed_up) ON CONFLICT(room_id, sender_key, session_id) DO UPDATE SET pickle = :pickle, backed_up = :backed_up", row); err != nil {
			return fmt.Errorf("error upserting inbound group session: %w", err)
		}
	}
	for _, g := range c.OutboundGroupSessions {
		b, err := codec.Marshal(g)
		if err != nil {
			return err
		}
		if err := s.upsertBlob("INSERT INTO _outbound_group_sessions (room_id, data) VALUES (?, ?) ON CONFLICT(room_id) DO UPDATE SET data = excluded.data", string(g.RoomID), b); err != nil {
			return fmt.Errorf("error upserting outbound group session: %w", err)
		}
	}
	for _, r := range c.DeletedOutboundGroupSessions {
		if _, err := s.db.Tx.Exec("DELETE FROM _outbound_group_sessions WHERE room_id = ?", string(r)); err != nil {
			return fmt.Errorf("error deleting outbound group session: %w", err)
		}
	}
	for _, r := range c.KeyRequests {
		row := &keyRequestRow{RequestID: string(r.RequestID), RoomID: string(r.RoomID), SenderKey: r.SenderKey, SessionID: r.SessionID, Algorithm: r.Algorithm, SentOut: r.SentOut}
		if _, err := s.db.Tx.NamedExec("INSERT INTO _key_requests (request_id, room_id, sender_key, session_id, algorithm, sent_out) VALUES (:request_id, :room_id, :sender_key, :session_id, :algorithm, :sent_out) ON CONFLICT(request_id) DO UPDATE SET sent_out = :sent_out", row); err != nil {
			return fmt.Errorf("error upserting key request: %w", err)
		}
	}
	for _, id := range c.DeletedKeyRequests {
		if _, err := s.db.Tx.Exec("DELETE FROM _key_requests WHERE request_id = ?", string(id)); err != nil {
			return fmt.Errorf("error deleting key request: %w", err)
		}
	}
	for _, i := range c.MessageIndexes {
		row := &messageIndexRow{SenderKey: i.SenderKey, SessionID: i.SessionID, Index: i.Index, EventID: string(i.EventID), Timestamp: i.Timestamp}
		if _, err := s.db.Tx.NamedExec("INSERT INTO _message_indexes (sender_key, session_id, idx, event_id, timestamp) VALUES (:sender_key, :session_id, :idx, :event_id, :timestamp) ON CONFLICT(sender_key, session_id, idx) DO UPDATE SET event_id = :event_id, timestamp = :timestamp", row); err != nil {
			return fmt.Errorf("error upserting message index: %w", err)
		}
	}
	if c.ClearBackup {
		if _, err := s.db.Tx.Exec("DELETE FROM _backup"); err != nil {
			return fmt.Errorf("error clearing backup: %w", err)
		}
	}
	if c.Backup != nil {
		b, err := codec.Marshal(c.Backup)
		if err != nil {
			return err
		}
		if err := s.upsertBlob("INSERT INTO _backup (id, data) VALUES (1, ?) ON CONFLICT(id) DO UPDATE SET data = excluded.data", b); err != nil {
			return fmt.Errorf("error upserting backup: %w", err)
		}
	}
	return nil
}

func decodeDevices(rows []*deviceRow) ([]*store.Device, error) {
	out := make([]*store.Device, 0, len(rows))
	for _, r := range rows {
		d := &store.Device{}
		if err := codec.Unmarshal(r.Data, d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *Store) Device(userID mxid.UserID, deviceID mxid.DeviceID) (*store.Device, error) {
	d := &store.Device{}
	if err := s.readBlob("get device", "SELECT data FROM _devices WHERE user_id = ? AND device_id = ?", d, string(userID), string(deviceID)); err != nil {
		return nil, fmt.Errorf("sqlstore: error getting device: %w", err)
	}
	return d, nil
}

func (s *Store) UserDevices(userID mxid.UserID) ([]*store.Device, error) {
	var out []*store.Device
	if err := s.db.RunReadOnly("get user devices", func() error {
		var rows []*deviceRow
		if err := s.db.Tx.Select(&rows, "SELECT * FROM _devices WHERE user_id = ? ORDER BY device_id", string(userID)); err != nil {
			return err
		}
		var err error
		out, err = decodeDevices(rows)
		return err
	}); err != nil {
		return nil, fmt.Errorf("sqlstore: error getting user devices: %w", err)
	}
	return out, nil
}

func (s *Store) DeviceByCurveKey(userID mxid.UserID, curveKey string) (*store.Device, error) {
	d := &store.Device{}
	if err := s.readBlob("get device by curve key", "SELECT data FROM _devices WHERE user_id = ? AND curve_key = ? LIMIT 1", d, string(userID), curveKey); err != nil {
		return nil, fmt.Errorf("sqlstore: error getting device by curve key: %w", err)
	}
	return d, nil
}

func (s *Store) UserIdentity(userID mxid.UserID) (*store.UserIdentity, error) {
	i := &store.UserIdentity{}
	if err := s.readBlob("get identity", "SELECT data FROM _identities WHERE user_id = ?", i, string(userID)); err != nil {
		return nil, fmt.Errorf("sqlstore: error getting identity: %w", err)
	}
	return i, nil
}

func (s *Store) TrackedUsers() ([]*store.TrackedUser, error) {
	var out []*store.TrackedUser
	if err := s.db.RunReadOnly("get tracked users", func() error {
		rows := []*struct {
			UserID string `db:"user_id"`
			Dirty  bool   `db:"dirty"`
		}{}
		if err := s.db.Tx.Select(&rows, "SELECT user_id, dirty FROM _tracked_users ORDER BY user_id"); err != nil {
			return err
		}
		for _, r := range rows {
			out = append(out, &store.TrackedUser{UserID: mxid.UserID(r.UserID), Dirty: r.Dirty})
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("sqlstore: error getting tracked users: %w", err)
	}
	return out, nil
}

func (s *Store) Sessions(senderKey string) ([]*store.Session, error) {
	var out []*store.Session
	if err := s.db.RunReadOnly("get sessions", func() error {
		var rows []*sessionRow
		if err := s.db.Tx.Select(&rows, "SELECT * FROM _sessions WHERE sender_key = ? ORDER BY last_used_ms DESC, session_id", senderKey); err != nil {
			return err
		}
		for _, r := range rows {
			out = append(out, &store.Session{SenderKey: r.SenderKey, SessionID: r.SessionID, Pickle: r.Pickle, CreatedMs: r.CreatedMs, LastUsedMs: r.LastUsedMs})
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("sqlstore: error getting sessions: %w", err)
	}
	return out, nil
}

func inboundFromRow(r *inboundRow) *store.InboundGroupSession {
	return &store.InboundGroupSession{RoomID: mxid.RoomID(r.RoomID), SenderKey: r.SenderKey, SessionID: r.SessionID, Pickle: r.Pickle, BackedUp: r.BackedUp}
}

func (s *Store) InboundGroupSession(roomID mxid.RoomID, senderKey, sessionID string) (*store.InboundGroupSession, error) {
	var out *store.InboundGroupSession
	if err := s.db.RunReadOnly("get inbound group session", func() error {
		r := &inboundRow{}
		if err := s.db.Tx.Get(r, "SELECT * FROM _inbound_group_sessions WHERE room_id = ? AND sender_key = ? AND session_id = ?", string(roomID), senderKey, sessionID); err != nil {
			return notFound(err)
		}
		out = inboundFromRow(r)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("sqlstore: error getting inbound group session: %w", err)
	}
	return out, nil
}

func (s *Store) selectInbound(label, query string, args ...any) ([]*store.InboundGroupSession, error) {
	var out []*store.InboundGroupSession
	if err := s.db.RunReadOnly(label, func() error {
		var rows []*inboundRow
		if err := s.db.Tx.Select(&rows, query, args...); err != nil {
			return err
		}
		for _, r := range rows {
			out = append(out, inboundFromRow(r))
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("sqlstore: error during %s: %w", label, err)
	}
	return out, nil
}

func (s *Store) InboundGroupSessions() ([]*store.InboundGroupSession, error) {
	return s.selectInbound("get inbound group sessions", "SELECT * FROM _inbound_group_sessions ORDER BY room_id, sender_key, session_id")
}

func (s *Store) InboundGroupSessionsForBackup(limit int) ([]*store.InboundGroupSession, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.selectInbound("get inbound group sessions for backup", "SELECT * FROM _inbound_group_sessions WHERE backed_up = 0 ORDER BY room_id, sender_key, session_id LIMIT ?", limit)
}

func (s *Store) InboundGroupSessionCounts() (store.RoomKeyCounts, error) {
	var counts store.RoomKeyCounts
	if err := s.db.RunReadOnly("count inbound group sessions", func() error {
		row := &struct {
			Total    int `db:"total"`
			BackedUp int `db:"backed_up"`
		}{}
		if err := s.db.Tx.Get(row, "SELECT count(*) as total, coalesce(sum(backed_up), 0) as backed_up FROM _inbound_group_sessions"); err != nil {
			return err
		}
		counts.Total = row.Total
		counts.BackedUp = row.BackedUp
		return nil
	}); err != nil {
		return counts, fmt.Errorf("sqlstore: error counting inbound group sessions: %w", err)
	}
	return counts, nil
}

func (s *Store) OutboundGroupSession(roomID mxid.RoomID) (*store.OutboundGroupSession, error) {
	o := &store.OutboundGroupSession{}
	if err := s.readBlob("get outbound group session", "SELECT data FROM _outbound_group_sessions WHERE room_id = ?", o, string(roomID)); err != nil {
		return nil, fmt.Errorf("sqlstore: error getting outbound group session: %w", err)
	}
	return o, nil
}

func keyRequestFromRow(r *keyRequestRow) *store.OutgoingKeyRequest {
	return &store.OutgoingKeyRequest{
		RequestID: ids.RequestID(r.RequestID),
		RoomID:    mxid.RoomID(r.RoomID),
		SenderKey: r.SenderKey,
		SessionID: r.SessionID,
		Algorithm: r.Algorithm,
		SentOut:   r.SentOut,
	}
}

func (s *Store) getKeyRequest(label, query string, args ...any) (*store.OutgoingKeyRequest, error) {
	var out *store.OutgoingKeyRequest
	if err := s.db.RunReadOnly(label, func() error {
		r := &keyRequestRow{}
		if err := s.db.Tx.Get(r, query, args...); err != nil {
			return notFound(err)
		}
		out = keyRequestFromRow(r)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("sqlstore: error during %s: %w", label, err)
	}
	return out, nil
}

func (s *Store) KeyRequest(id ids.RequestID) (*store.OutgoingKeyRequest, error) {
	return s.getKeyRequest("get key request", "SELECT * FROM _key_requests WHERE request_id = ?", string(id))
}

func (s *Store) KeyRequestBySession(roomID mxid.RoomID, senderKey, sessionID string) (*store.OutgoingKeyRequest, error) {
	return s.getKeyRequest("get key request by session", "SELECT * FROM _key_requests WHERE room_id = ? AND sender_key = ? AND session_id = ?", string(roomID), senderKey, sessionID)
}

func (s *Store) UnsentKeyRequests() ([]*store.OutgoingKeyRequest, error) {
	var out []*store.OutgoingKeyRequest
	if err := s.db.RunReadOnly("get unsent key requests", func() error {
		var rows []*keyRequestRow
		if err := s.db.Tx.Select(&rows, "SELECT * FROM _key_requests WHERE sent_out = 0 ORDER BY request_id"); err != nil {
			return err
		}
		for _, r := range rows {
			out = append(out, keyRequestFromRow(r))
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("sqlstore: error getting unsent key requests: %w", err)
	}
	return out, nil
}

func (s *Store) BackupState() (*store.BackupState, error) {
	b := &store.BackupState{}
	if err := s.readBlob("get backup state", "SELECT data FROM _backup WHERE id = 1", b); err != nil {
		return nil, fmt.Errorf("sqlstore: error getting backup state: %w", err)
	}
	return b, nil
}

func (s *Store) MessageIndex(senderKey, sessionID string, index uint32) (*store.MessageIndex, error) {
	var out *store.MessageIndex
	if err := s.db.RunReadOnly("get message index", func() error {
		r := &messageIndexRow{}
		if err := s.db.Tx.Get(r, "SELECT * FROM _message_indexes WHERE sender_key = ? AND session_id = ? AND idx = ?", senderKey, sessionID, index); err != nil {
			return notFound(err)
		}
		out = &store.MessageIndex{SenderKey: r.SenderKey, SessionID: r.SessionID, Index: r.Index, EventID: mxid.EventID(r.EventID), Timestamp: r.Timestamp}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("sqlstore: error getting message index: %w", err)
	}
	return out, nil
}

func (s *Store) Close() error {
	s.log.Debugf("closing crypto store")
	return s.db.Shutdown()
}
