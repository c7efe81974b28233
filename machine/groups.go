package machine

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/meow-io/go-e2ee/ids"
	"github.com/meow-io/go-e2ee/mxid"
	"github.com/meow-io/go-e2ee/olm"
	"github.com/meow-io/go-e2ee/store"
)

func (m *Machine) rotationSettings() olm.RotationSettings {
	return olm.RotationSettings{Period: m.config.RotationPeriod, Messages: m.config.RotationMessages}
}

// outboundSession loads the outbound session of a room. Both return values are nil if there is none.
func (m *Machine) outboundSession(room mxid.RoomID) (*store.OutboundGroupSession, *olm.OutboundGroupSession, error) {
	rec, err := m.store.OutboundGroupSession(room)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, nil
	} else if err != nil {
		return nil, nil, storeErr("load outbound group session", err)
	}
	s, err := olm.UnpickleOutboundGroupSession(rec.Pickle)
	if err != nil {
		return nil, nil, fmt.Errorf("machine: error loading outbound group session of %s: %w", room, err)
	}
	if rec.SharedWith == nil {
		rec.SharedWith = make(map[string]uint32)
	}
	if rec.PendingShares == nil {
		rec.PendingShares = make(map[ids.RequestID][]store.ShareTarget)
	}
	return rec, s, nil
}

func (m *Machine) addOutboundSession(rec *store.OutboundGroupSession, s *olm.OutboundGroupSession, changes *store.Changes) error {
	pickle, err := s.Pickle()
	if err != nil {
		return fmt.Errorf("machine: error pickling outbound group session: %w", err)
	}
	rec.Pickle = pickle
	changes.OutboundGroupSessions = append(changes.OutboundGroupSessions, rec)
	return nil
}

func inboundRecord(s *olm.InboundGroupSession, backedUp bool) (*store.InboundGroupSession, error) {
	pickle, err := s.Pickle()
	if err != nil {
		return nil, fmt.Errorf("machine: error pickling inbound group session: %w", err)
	}
	return &store.InboundGroupSession{
		RoomID:    mxid.RoomID(s.RoomID),
		SenderKey: s.SenderKey,
		SessionID: s.ID(),
		Pickle:    pickle,
		BackedUp:  backedUp,
	}, nil
}

// newOutboundSession creates a room's next session together with our own inbound copy of it.
func (m *Machine) newOutboundSession(room mxid.RoomID, changes *store.Changes) (*store.OutboundGroupSession, *olm.OutboundGroupSession, error) {
	s, err := olm.NewOutboundGroupSession(string(room), m.rotationSettings(), m.clock.Now())
	if err != nil {
		return nil, nil, err
	}
	keys := m.account.IdentityKeys()
	in, err := olm.NewInboundGroupSession(s.SessionKey(), string(room), keys.Curve25519, keys.Ed25519)
	if err != nil {
		return nil, nil, err
	}
	inRec, err := inboundRecord(in, false)
	if err != nil {
		return nil, nil, err
	}
	changes.InboundGroupSessions = append(changes.InboundGroupSessions, inRec)
	m.log.Infof("created outbound group session %s for %s", s.ID(), room)
	return &store.OutboundGroupSession{
		RoomID:        room,
		SessionID:     s.ID(),
		SharedWith:    make(map[string]uint32),
		PendingShares: make(map[ids.RequestID][]store.ShareTarget),
	}, s, nil
}

func (m *Machine) shareEligible(d *store.Device) bool {
	if d.Deleted || !supportsOlm(d) || m.isOwnDevice(d.UserID, d.DeviceID) {
		return false
	}
	if d.LocalTrust == store.LocalTrustBlackListed && !m.config.ShareWithBlacklisted {
		return false
	}
	if m.config.OnlyTrustedDevices && !m.deviceTrusted(d) {
		return false
	}
	return true
}

// dropPendingShares forgets the queued key shares of a session that is being replaced.
func (m *Machine) dropPendingShares(rec *store.OutboundGroupSession) {
	for id := range rec.PendingShares {
		m.queue.drop(id)
		delete(m.shares, id)
	}
}

// ShareRoomKey makes sure every eligible device of users has the room's current session. The session is
// rotated first if it reached its message or age limit, or if a device it was shared with is no longer
// eligible. Devices without an Olm session are skipped, GetMissingSessions has to be used for them
// first. Shares that are still pending are returned again along with new ones.
func (m *Machine) ShareRoomKey(room mxid.RoomID, users []mxid.UserID) ([]*ToDeviceRequest, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	var targets []*store.Device
	eligible := make(map[string]bool)
	for _, u := range sortedUsers(users) {
		devices, err := m.store.UserDevices(u)
		if err != nil {
			return nil, storeErr("load devices", err)
		}
		sort.Slice(devices, func(i, j int) bool { return devices[i].DeviceID < devices[j].DeviceID })
		for _, d := range devices {
			if m.shareEligible(d) {
				targets = append(targets, d)
				eligible[targetKey(d.UserID, d.DeviceID)] = true
			}
		}
	}

	changes := &store.Changes{}
	rec, s, err := m.outboundSession(room)
	if err != nil {
		return nil, err
	}
	rotate := s == nil || s.Invalidated || s.Expired(m.clock.Now())
	if !rotate {
		rotate = m.hasIneligibleRecipient(rec, eligible)
	}
	if rotate {
		if rec != nil {
			m.dropPendingShares(rec)
		}
		if rec, s, err = m.newOutboundSession(room, changes); err != nil {
			return nil, err
		}
	}

	var reqs []*ToDeviceRequest
	pending := make(map[string]bool)
	pendingIDs := make([]ids.RequestID, 0, len(rec.PendingShares))
	for id := range rec.PendingShares {
		pendingIDs = append(pendingIDs, id)
	}
	sort.Sort(ids.ByLexicographical(pendingIDs))
	for _, id := range pendingIDs {
		req, ok := m.queue.get(id)
		if !ok {
			delete(rec.PendingShares, id)
			continue
		}
		reqs = append(reqs, req.(*ToDeviceRequest))
		for _, t := range rec.PendingShares[id] {
			pending[t.Key()] = true
		}
	}

	content := &roomKeyContent{
		Algorithm:  olm.AlgorithmMegolm,
		RoomID:     room,
		SessionID:  s.ID(),
		SessionKey: s.SessionKey(),
	}
	index := s.MessageIndex()
	chunkSize := m.config.ToDeviceChunkSize
	if chunkSize <= 0 {
		chunkSize = len(targets)
	}
	var req *ToDeviceRequest
	var shareTargets []store.ShareTarget
	flush := func() {
		if req != nil && len(shareTargets) > 0 {
			rec.PendingShares[req.ID] = shareTargets
			m.shares[req.ID] = room
			reqs = append(reqs, req)
		}
		req, shareTargets = nil, nil
	}
	for _, d := range targets {
		k := targetKey(d.UserID, d.DeviceID)
		if _, ok := rec.SharedWith[k]; ok || pending[k] {
			continue
		}
		enc, err := m.encryptForDevice(d, eventRoomKey, content, changes)
		if errors.Is(err, errNoOlmSession) {
			m.log.Debugf("not sharing %s with %s %s, no olm session", s.ID(), d.UserID, d.DeviceID)
			continue
		} else if err != nil {
			return nil, err
		}
		if req == nil {
			req = newToDeviceRequest(eventEncrypted)
		}
		req.add(d.UserID, d.DeviceID, enc)
		shareTargets = append(shareTargets, store.ShareTarget{UserID: d.UserID, DeviceID: d.DeviceID, Index: index})
		if len(shareTargets) >= chunkSize {
			flush()
		}
	}
	flush()

	if err := m.addOutboundSession(rec, s, changes); err != nil {
		return nil, err
	}
	if err := m.save(changes); err != nil {
		return nil, err
	}
	out := make([]*ToDeviceRequest, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, enqueue(m.queue, r))
	}
	return out, nil
}

// hasIneligibleRecipient reports whether the session was shared with, or has a pending share for, a
// device that is not in eligible.
func (m *Machine) hasIneligibleRecipient(rec *store.OutboundGroupSession, eligible map[string]bool) bool {
	for k := range rec.SharedWith {
		if !eligible[k] {
			m.log.Infof("rotating session of %s, %s should no longer receive keys", rec.RoomID, k)
			return true
		}
	}
	for _, targets := range rec.PendingShares {
		for _, t := range targets {
			if !eligible[t.Key()] {
				m.log.Infof("rotating session of %s, pending share for %s is no longer allowed", rec.RoomID, t.Key())
				return true
			}
		}
	}
	return false
}

func (m *Machine) ackRoomKeyShare(room mxid.RoomID, id ids.RequestID) error {
	rec, s, err := m.outboundSession(room)
	if err != nil || rec == nil {
		return err
	}
	targets, ok := rec.PendingShares[id]
	if !ok {
		return nil
	}
	for _, t := range targets {
		rec.SharedWith[t.Key()] = t.Index
	}
	delete(rec.PendingShares, id)
	changes := &store.Changes{}
	if err := m.addOutboundSession(rec, s, changes); err != nil {
		return err
	}
	return m.save(changes)
}

// Encrypt encrypts an event for a room with its outbound session. ShareRoomKey has to be called first;
// without a usable session ErrMissingOutboundSession is returned.
func (m *Machine) Encrypt(room mxid.RoomID, eventType string, content json.RawMessage) (json.RawMessage, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	rec, s, err := m.outboundSession(room)
	if err != nil {
		return nil, err
	}
	if s == nil || s.Invalidated || s.Expired(m.clock.Now()) {
		return nil, fmt.Errorf("%w: %s", ErrMissingOutboundSession, room)
	}
	payload, err := json.Marshal(&megolmPayload{Type: eventType, Content: content, RoomID: room})
	if err != nil {
		return nil, err
	}
	ct, err := s.Encrypt(payload)
	if err != nil {
		return nil, fmt.Errorf("machine: error encrypting for %s: %w", room, err)
	}
	changes := &store.Changes{}
	if err := m.addOutboundSession(rec, s, changes); err != nil {
		return nil, err
	}
	if err := m.save(changes); err != nil {
		return nil, err
	}
	return json.Marshal(&megolmContent{
		Algorithm:  olm.AlgorithmMegolm,
		SenderKey:  m.account.IdentityKeys().Curve25519,
		Ciphertext: ct,
		SessionID:  s.ID(),
		DeviceID:   m.deviceID,
	})
}

// DiscardRoomKey drops the outbound session of a room so the next ShareRoomKey creates a new one.
func (m *Machine) DiscardRoomKey(room mxid.RoomID) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	rec, _, err := m.outboundSession(room)
	if err != nil || rec == nil {
		return err
	}
	m.dropPendingShares(rec)
	m.log.Infof("discarded outbound group session %s of %s", rec.SessionID, room)
	return m.save(&store.Changes{DeletedOutboundGroupSessions: []mxid.RoomID{room}})
}
