package store

import (
	"fmt"
	"sort"
	"sync"

	"github.com/meow-io/go-e2ee/ids"
	"github.com/meow-io/go-e2ee/internal/codec"
	"github.com/meow-io/go-e2ee/mxid"
)

type deviceKey struct {
	user   mxid.UserID
	device mxid.DeviceID
}

type groupKey struct {
	room      mxid.RoomID
	senderKey string
	sessionID string
}

type indexKey struct {
	senderKey string
	sessionID string
	index     uint32
}

// MemoryStore keeps everything in maps. It is meant for tests and for embedders that persist
// nothing across restarts.
type MemoryStore struct {
	lock            sync.RWMutex
	account         *Account
	privateIdentity *PrivateIdentity
	devices         map[deviceKey]*Device
	identities      map[mxid.UserID]*UserIdentity
	tracked         map[mxid.UserID]*TrackedUser
	sessions        map[string]map[string]*Session
	inbound         map[groupKey]*InboundGroupSession
	outbound        map[mxid.RoomID]*OutboundGroupSession
	keyRequests     map[ids.RequestID]*OutgoingKeyRequest
	backup          *BackupState
	indexes         map[indexKey]*MessageIndex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices:     make(map[deviceKey]*Device),
		identities:  make(map[mxid.UserID]*UserIdentity),
		tracked:     make(map[mxid.UserID]*TrackedUser),
		sessions:    make(map[string]map[string]*Session),
		inbound:     make(map[groupKey]*InboundGroupSession),
		outbound:    make(map[mxid.RoomID]*OutboundGroupSession),
		keyRequests: make(map[ids.RequestID]*OutgoingKeyRequest),
		indexes:     make(map[indexKey]*MessageIndex),
	}
}

// clone deep copies a record through its CBOR encoding.
func clone[T any](v *T) *T {
	b, err := codec.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("store: error copying %T: %v", v, err))
	}
	out := new(T)
	if err := codec.Unmarshal(b, out); err != nil {
		panic(fmt.Sprintf("store: error copying %T: %v", v, err))
	}
	return out
}

func (m *MemoryStore) LoadAccount() (*Account, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	if m.account == nil {
		return nil, ErrNotFound
	}
	return clone(m.account), nil
}

func (m *MemoryStore) LoadPrivateIdentity() (*PrivateIdentity, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	if m.privateIdentity == nil {
		return nil, ErrNotFound
	}
	return clone(m.privateIdentity), nil
}

func (m *MemoryStore) SaveChanges(c *Changes) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if c.Account != nil {
		m.account = clone(c.Account)
	}
	if c.PrivateIdentity != nil {
		m.privateIdentity = clone(c.PrivateIdentity)
	}
	for _, d := range c.Devices {
		m.devices[deviceKey{d.UserID, d.DeviceID}] = clone(d)
	}
	for _, i := range c.Identities {
		m.identities[i.UserID] = clone(i)
	}
	for _, u := range c.TrackedUsers {
		m.tracked[u.UserID] = clone(u)
	}
	for _, u := range c.UntrackedUsers {
		delete(m.tracked, u)
	}
	for _, s := range c.Sessions {
		bySender, ok := m.sessions[s.SenderKey]
		if !ok {
			bySender = make(map[string]*Session)
			m.sessions[s.SenderKey] = bySender
		}
		bySender[s.SessionID] = clone(s)
	}
	if c.ResetBackedUp {
		for _, s := range m.inbound {
			s.BackedUp = false
		}
	}
	for _, s := range c.InboundGroupSessions {
		m.inbound[groupKey{s.RoomID, s.SenderKey, s.SessionID}] = clone(s)
	}
	for _, s := range c.OutboundGroupSessions {
		m.outbound[s.RoomID] = clone(s)
	}
	for _, r := range c.DeletedOutboundGroupSessions {
		delete(m.outbound, r)
	}
	for _, r := range c.KeyRequests {
		m.keyRequests[r.RequestID] = clone(r)
	}
	for _, id := range c.DeletedKeyRequests {
		delete(m.keyRequests, id)
	}
	for _, i := range c.MessageIndexes {
		m.indexes[indexKey{i.SenderKey, i.SessionID, i.Index}] = clone(i)
	}
	if c.ClearBackup {
		m.backup = nil
	}
	if c.Backup != nil {
		m.backup = clone(c.Backup)
	}
	return nil
}

func (m *MemoryStore) Device(userID mxid.UserID, deviceID mxid.DeviceID) (*Device, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	d, ok := m.devices[deviceKey{userID, deviceID}]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(d), nil
}

func (m *MemoryStore) UserDevices(userID mxid.UserID) ([]*Device, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	var out []*Device
	for k, d := range m.devices {
		if k.user == userID {
			out = append(out, clone(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func (m *MemoryStore) DeviceByCurveKey(userID mxid.UserID, curveKey string) (*Device, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	for k, d := range m.devices {
		if k.user == userID && d.Curve25519Key() == curveKey {
			return clone(d), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) UserIdentity(userID mxid.UserID) (*UserIdentity, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	i, ok := m.identities[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(i), nil
}

func (m *MemoryStore) TrackedUsers() ([]*TrackedUser, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	out := make([]*TrackedUser, 0, len(m.tracked))
	for _, u := range m.tracked {
		out = append(out, clone(u))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// Sessions returns the sessions with a device, most recently used first.
func (m *MemoryStore) Sessions(senderKey string) ([]*Session, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	var out []*Session
	for _, s := range m.sessions[senderKey] {
		out = append(out, clone(s))
	}
	sortSessions(out)
	return out, nil
}

func sortSessions(s []*Session) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].LastUsedMs != s[j].LastUsedMs {
			return s[i].LastUsedMs > s[j].LastUsedMs
		}
		return s[i].SessionID < s[j].SessionID
	})
}

func (m *MemoryStore) InboundGroupSession(roomID mxid.RoomID, senderKey, sessionID string) (*InboundGroupSession, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	s, ok := m.inbound[groupKey{roomID, senderKey, sessionID}]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

func (m *MemoryStore) sortedInbound(filter func(*InboundGroupSession) bool) []*InboundGroupSession {
	var out []*InboundGroupSession
	for _, s := range m.inbound {
		if filter(s) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.RoomID != b.RoomID {
			return a.RoomID < b.RoomID
		}
		if a.SenderKey != b.SenderKey {
			return a.SenderKey < b.SenderKey
		}
		return a.SessionID < b.SessionID
	})
	return out
}

func (m *MemoryStore) InboundGroupSessions() ([]*InboundGroupSession, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	out := m.sortedInbound(func(*InboundGroupSession) bool { return true })
	for i, s := range out {
		out[i] = clone(s)
	}
	return out, nil
}

func (m *MemoryStore) InboundGroupSessionsForBackup(limit int) ([]*InboundGroupSession, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	out := m.sortedInbound(func(s *InboundGroupSession) bool { return !s.BackedUp })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	for i, s := range out {
		out[i] = clone(s)
	}
	return out, nil
}

func (m *MemoryStore) InboundGroupSessionCounts() (RoomKeyCounts, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	var c RoomKeyCounts
	for _, s := range m.inbound {
		c.Total++
		if s.BackedUp {
			c.BackedUp++
		}
	}
	return c, nil
}

func (m *MemoryStore) OutboundGroupSession(roomID mxid.RoomID) (*OutboundGroupSession, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	s, ok := m.outbound[roomID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

func (m *MemoryStore) KeyRequest(id ids.RequestID) (*OutgoingKeyRequest, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	r, ok := m.keyRequests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(r), nil
}

func (m *MemoryStore) KeyRequestBySession(roomID mxid.RoomID, senderKey, sessionID string) (*OutgoingKeyRequest, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	for _, r := range m.keyRequests {
		if r.RoomID == roomID && r.SenderKey == senderKey && r.SessionID == sessionID {
			return clone(r), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) UnsentKeyRequests() ([]*OutgoingKeyRequest, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	var out []*OutgoingKeyRequest
	for _, r := range m.keyRequests {
		if !r.SentOut {
			out = append(out, clone(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestID < out[j].RequestID })
	return out, nil
}

func (m *MemoryStore) BackupState() (*BackupState, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	if m.backup == nil {
		return nil, ErrNotFound
	}
	return clone(m.backup), nil
}

func (m *MemoryStore) MessageIndex(senderKey, sessionID string, index uint32) (*MessageIndex, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	i, ok := m.indexes[indexKey{senderKey, sessionID, index}]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(i), nil
}

func (m *MemoryStore) Close() error {
	return nil
}
