package machine

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/meow-io/go-e2ee/mxid"
	"github.com/meow-io/go-e2ee/olm"
	"github.com/meow-io/go-e2ee/store"
	"github.com/meow-io/go-e2ee/verification"
)

const verificationEventPrefix = "m.key.verification."

type DeviceLists struct {
	Changed []mxid.UserID `json:"changed"`
	Left    []mxid.UserID `json:"left"`
}

// SyncChanges is the encryption related part of a sync response.
type SyncChanges struct {
	ToDevice           []*ToDeviceEvent `json:"to_device"`
	DeviceLists        DeviceLists      `json:"device_lists"`
	OneTimeKeyCounts   map[string]int   `json:"device_one_time_keys_count"`
	UnusedFallbackKeys []string         `json:"device_unused_fallback_key_types"`
}

// ReceiveSyncChanges applies a sync response in order and returns its to-device events. Events that
// could be decrypted are returned decrypted; everything else, including events the machine does not
// handle and events that failed to decrypt, is returned unmodified.
func (m *Machine) ReceiveSyncChanges(changes *SyncChanges) ([]*ToDeviceEvent, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.updateKeyCounts(changes.OneTimeKeyCounts, changes.UnusedFallbackKeys)
	if err := m.receiveDeviceLists(changes.DeviceLists.Changed, changes.DeviceLists.Left); err != nil {
		return nil, err
	}

	out := make([]*ToDeviceEvent, 0, len(changes.ToDevice))
	for _, ev := range changes.ToDevice {
		processed, err := m.receiveToDeviceEvent(ev)
		var se *StoreError
		if errors.As(err, &se) {
			return nil, err
		} else if err != nil {
			m.log.Warnf("error handling %s from %s: %v", ev.Type, ev.Sender, err)
		}
		out = append(out, processed)
	}

	m.queueVerificationEvents(m.verifications.ExpireFlows())
	if err := m.applyVerificationResults(); err != nil {
		return nil, err
	}
	return out, nil
}

// receiveToDeviceEvent handles one event and returns it the way it should be handed to the embedder.
func (m *Machine) receiveToDeviceEvent(ev *ToDeviceEvent) (*ToDeviceEvent, error) {
	switch {
	case ev.Type == eventEncrypted:
		oe, err := m.decryptOlmEvent(ev)
		if err != nil {
			return ev, err
		}
		decrypted := &ToDeviceEvent{Sender: ev.Sender, Type: oe.eventType, Content: oe.content, SenderKey: oe.senderKey}
		switch {
		case oe.eventType == eventRoomKey:
			err = m.receiveRoomKey(oe)
		case oe.eventType == eventForwardedRoomKey:
			err = m.receiveForwardedRoomKey(oe)
		case oe.eventType == eventRoomKeyRequest:
			err = m.receiveRoomKeyRequest(oe.sender, oe.content)
		case strings.HasPrefix(oe.eventType, verificationEventPrefix):
			m.receiveVerificationEvent(&verification.Event{Sender: oe.sender, Type: oe.eventType, Content: oe.content})
		case oe.eventType == eventDummy:
			m.log.Debugf("received dummy from %s", oe.sender)
		}
		return decrypted, err
	case ev.Type == eventRoomKeyRequest:
		return ev, m.receiveRoomKeyRequest(ev.Sender, ev.Content)
	case strings.HasPrefix(ev.Type, verificationEventPrefix):
		m.receiveVerificationEvent(&verification.Event{Sender: ev.Sender, Type: ev.Type, Content: ev.Content})
	}
	return ev, nil
}

// receiveRoomKey stores a session shared with us over Olm. The key is bound to the curve25519 key
// the Olm message came from and the ed25519 key its payload claimed.
func (m *Machine) receiveRoomKey(ev *olmEvent) error {
	var c roomKeyContent
	if err := json.Unmarshal(ev.content, &c); err != nil {
		return fmt.Errorf("machine: invalid room key: %w", err)
	}
	if c.Algorithm != olm.AlgorithmMegolm {
		return fmt.Errorf("machine: room key has algorithm %q", c.Algorithm)
	}
	s, err := olm.NewInboundGroupSession(c.SessionKey, string(c.RoomID), ev.senderKey, ev.claimedEd25519)
	if err != nil {
		return fmt.Errorf("machine: error creating inbound group session %s: %w", c.SessionID, err)
	}
	if s.ID() != c.SessionID {
		return fmt.Errorf("machine: room key is for session %s, not %s", s.ID(), c.SessionID)
	}
	_, existing, err := m.loadInbound(c.RoomID, ev.senderKey, c.SessionID)
	if err != nil {
		return err
	}
	if !s.BetterThan(existing) {
		m.log.Debugf("already have session %s of %s", c.SessionID, c.RoomID)
		return nil
	}
	rec, err := inboundRecord(s, false)
	if err != nil {
		return err
	}
	changes := &store.Changes{InboundGroupSessions: []*store.InboundGroupSession{rec}}

	// a key we asked our other devices for arrived from the sender itself
	if req, err := m.store.KeyRequestBySession(c.RoomID, ev.senderKey, c.SessionID); err == nil {
		changes.DeletedKeyRequests = append(changes.DeletedKeyRequests, req.RequestID)
		m.queue.drop(req.RequestID)
		if req.SentOut {
			m.queue.add(m.keyRequestMessage(req, keyRequestCancellation))
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return storeErr("load key request", err)
	}
	m.log.Infof("received room key %s of %s from %s", c.SessionID, c.RoomID, ev.sender)
	return m.save(changes)
}
