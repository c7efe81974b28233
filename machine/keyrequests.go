package machine

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/meow-io/go-e2ee/ids"
	"github.com/meow-io/go-e2ee/mxid"
	"github.com/meow-io/go-e2ee/olm"
	"github.com/meow-io/go-e2ee/store"
)

// keyRequestMessage builds the to-device request carrying a key request or its cancellation to all
// of our own devices. The request itself reuses the id of the stored record.
func (m *Machine) keyRequestMessage(rec *store.OutgoingKeyRequest, action string) *ToDeviceRequest {
	content := &roomKeyRequestContent{
		Action:             action,
		RequestID:          rec.RequestID.String(),
		RequestingDeviceID: m.deviceID,
	}
	req := newToDeviceRequest(eventRoomKeyRequest)
	if action == keyRequestAction {
		content.Body = &requestedKeyInfo{
			Algorithm: rec.Algorithm,
			RoomID:    rec.RoomID,
			SenderKey: rec.SenderKey,
			SessionID: rec.SessionID,
		}
		req.ID = rec.RequestID
		req.TxnID = rec.RequestID.String()
	}
	req.add(m.userID, allDevices, mustMarshal(content))
	return req
}

func (m *Machine) newKeyRequest(room mxid.RoomID, senderKey, sessionID string) *store.OutgoingKeyRequest {
	return &store.OutgoingKeyRequest{
		RequestID: ids.NewRequestID(),
		RoomID:    room,
		SenderKey: senderKey,
		SessionID: sessionID,
		Algorithm: olm.AlgorithmMegolm,
	}
}

// queueKeyRequest queues a request for a session unless one already exists.
func (m *Machine) queueKeyRequest(room mxid.RoomID, senderKey, sessionID string) (*ToDeviceRequest, error) {
	_, err := m.store.KeyRequestBySession(room, senderKey, sessionID)
	if err == nil {
		return nil, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, storeErr("load key request", err)
	}
	rec := m.newKeyRequest(room, senderKey, sessionID)
	if err := m.save(&store.Changes{KeyRequests: []*store.OutgoingKeyRequest{rec}}); err != nil {
		return nil, err
	}
	m.log.Debugf("requesting room key %s of %s", sessionID, room)
	return enqueue(m.queue, m.keyRequestMessage(rec, keyRequestAction)), nil
}

// requeueKeyRequests puts key requests that were never sent back on the queue after a restart.
func (m *Machine) requeueKeyRequests() error {
	recs, err := m.store.UnsentKeyRequests()
	if err != nil {
		return storeErr("load unsent key requests", err)
	}
	for _, rec := range recs {
		m.queue.add(m.keyRequestMessage(rec, keyRequestAction))
	}
	return nil
}

func (m *Machine) markKeyRequestSent(id ids.RequestID) error {
	rec, err := m.store.KeyRequest(id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	} else if err != nil {
		return storeErr("load key request", err)
	}
	rec.SentOut = true
	return m.save(&store.Changes{KeyRequests: []*store.OutgoingKeyRequest{rec}})
}

// RequestRoomKey requests the key of an undecryptable event from our other devices. An existing
// request for the same session is replaced; if it was already sent, a cancellation for it is
// returned first. Both requests are also queued.
func (m *Machine) RequestRoomKey(ev *RoomEvent, room mxid.RoomID) (*ToDeviceRequest, *ToDeviceRequest, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	var c megolmContent
	if err := json.Unmarshal(ev.Content, &c); err != nil {
		return nil, nil, decryptionErr(Malformed, err)
	}
	if c.Algorithm != olm.AlgorithmMegolm {
		return nil, nil, decryptionErr(UnsupportedAlgorithm, fmt.Errorf("algorithm %q", c.Algorithm))
	}

	changes := &store.Changes{}
	var cancel *ToDeviceRequest
	old, err := m.store.KeyRequestBySession(room, c.SenderKey, c.SessionID)
	if err == nil {
		if old.SentOut {
			cancel = m.keyRequestMessage(old, keyRequestCancellation)
		}
		m.queue.drop(old.RequestID)
		changes.DeletedKeyRequests = append(changes.DeletedKeyRequests, old.RequestID)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, nil, storeErr("load key request", err)
	}

	rec := m.newKeyRequest(room, c.SenderKey, c.SessionID)
	changes.KeyRequests = append(changes.KeyRequests, rec)
	if err := m.save(changes); err != nil {
		return nil, nil, err
	}
	if cancel != nil {
		cancel = enqueue(m.queue, cancel)
	}
	return cancel, enqueue(m.queue, m.keyRequestMessage(rec, keyRequestAction)), nil
}

// receiveRoomKeyRequest answers a request of one of our own trusted devices with the key at the
// earliest index we have.
func (m *Machine) receiveRoomKeyRequest(sender mxid.UserID, raw json.RawMessage) error {
	var c roomKeyRequestContent
	if err := json.Unmarshal(raw, &c); err != nil {
		return fmt.Errorf("machine: invalid key request: %w", err)
	}
	if c.Action != keyRequestAction {
		return nil
	}
	if sender != m.userID || c.RequestingDeviceID == m.deviceID {
		m.log.Debugf("ignoring key request from %s %s", sender, c.RequestingDeviceID)
		return nil
	}
	if c.Body == nil || c.Body.Algorithm != olm.AlgorithmMegolm {
		return fmt.Errorf("machine: key request %s has no megolm body", c.RequestID)
	}
	d, err := m.store.Device(sender, c.RequestingDeviceID)
	if errors.Is(err, store.ErrNotFound) {
		m.log.Infof("ignoring key request %s from unknown device %s", c.RequestID, c.RequestingDeviceID)
		return nil
	} else if err != nil {
		return storeErr("load device", err)
	}
	if d.Deleted || !m.deviceTrusted(d) {
		m.log.Infof("ignoring key request %s from untrusted device %s", c.RequestID, d.DeviceID)
		return nil
	}
	_, s, err := m.loadInbound(c.Body.RoomID, c.Body.SenderKey, c.Body.SessionID)
	if err != nil {
		return err
	}
	if s == nil {
		m.log.Debugf("no session %s to forward to %s", c.Body.SessionID, d.DeviceID)
		return nil
	}

	content := &forwardedRoomKeyContent{
		Algorithm:                    olm.AlgorithmMegolm,
		RoomID:                       c.Body.RoomID,
		SenderKey:                    s.SenderKey,
		SessionID:                    s.ID(),
		SessionKey:                   s.ExportAtFirstKnownIndex(),
		SenderClaimedEd25519Key:      s.SigningKey,
		ForwardingCurve25519KeyChain: append([]string{}, s.ForwardingChain...),
	}
	changes := &store.Changes{}
	enc, err := m.encryptForDevice(d, eventForwardedRoomKey, content, changes)
	if errors.Is(err, errNoOlmSession) {
		m.log.Infof("cannot forward %s to %s, no olm session", s.ID(), d.DeviceID)
		return nil
	} else if err != nil {
		return err
	}
	if err := m.save(changes); err != nil {
		return err
	}
	req := newToDeviceRequest(eventEncrypted)
	req.add(d.UserID, d.DeviceID, enc)
	m.queue.add(req)
	m.log.Infof("forwarding %s to %s", s.ID(), d.DeviceID)
	return nil
}

// receiveForwardedRoomKey accepts a forwarded key only as the answer to one of our requests, sent by
// one of our own trusted devices. The request is then cancelled on our other devices.
func (m *Machine) receiveForwardedRoomKey(ev *olmEvent) error {
	var c forwardedRoomKeyContent
	if err := json.Unmarshal(ev.content, &c); err != nil {
		return fmt.Errorf("machine: invalid forwarded room key: %w", err)
	}
	if c.Algorithm != olm.AlgorithmMegolm {
		return fmt.Errorf("machine: forwarded room key has algorithm %q", c.Algorithm)
	}
	if ev.sender != m.userID || ev.senderDevice == nil || !m.deviceTrusted(ev.senderDevice) {
		m.log.Warnf("ignoring forwarded key %s from %s, not a trusted own device", c.SessionID, ev.sender)
		return nil
	}
	rec, err := m.store.KeyRequestBySession(c.RoomID, c.SenderKey, c.SessionID)
	if errors.Is(err, store.ErrNotFound) {
		m.log.Warnf("ignoring unrequested forwarded key %s", c.SessionID)
		return nil
	} else if err != nil {
		return storeErr("load key request", err)
	}

	chain := append(append([]string{}, c.ForwardingCurve25519KeyChain...), ev.senderKey)
	s, err := olm.ImportInboundGroupSession(c.SessionKey, string(c.RoomID), c.SenderKey, c.SenderClaimedEd25519Key, chain)
	if err != nil {
		return fmt.Errorf("machine: error importing forwarded key %s: %w", c.SessionID, err)
	}
	if s.ID() != c.SessionID {
		return fmt.Errorf("machine: forwarded key is for session %s, not %s", s.ID(), c.SessionID)
	}

	changes := &store.Changes{DeletedKeyRequests: []ids.RequestID{rec.RequestID}}
	_, existing, err := m.loadInbound(c.RoomID, c.SenderKey, c.SessionID)
	if err != nil {
		return err
	}
	if s.BetterThan(existing) {
		inRec, err := inboundRecord(s, false)
		if err != nil {
			return err
		}
		changes.InboundGroupSessions = append(changes.InboundGroupSessions, inRec)
	}
	if err := m.save(changes); err != nil {
		return err
	}
	m.queue.drop(rec.RequestID)
	if rec.SentOut {
		m.queue.add(m.keyRequestMessage(rec, keyRequestCancellation))
	}
	m.log.Infof("received forwarded key %s of %s", s.ID(), c.RoomID)
	return nil
}
