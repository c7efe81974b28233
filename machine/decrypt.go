package machine

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/meow-io/go-e2ee/crypto"
	"github.com/meow-io/go-e2ee/mxid"
	"github.com/meow-io/go-e2ee/olm"
	"github.com/meow-io/go-e2ee/store"
)

type VerificationState int

const (
	// the sending device is verified and owns the session
	Trusted VerificationState = iota
	Untrusted
	// no device with the session's sender key is known
	UnknownDevice
)

func (v VerificationState) String() string {
	switch v {
	case Trusted:
		return "trusted"
	case Untrusted:
		return "untrusted"
	default:
		return "unknown device"
	}
}

// EncryptionInfo describes where a decrypted room event came from.
type EncryptionInfo struct {
	SenderKey       string
	ClaimedEd25519  string
	ForwardingChain []string
	SenderDevice    mxid.DeviceID
	State           VerificationState
}

type DecryptedEvent struct {
	Type    string
	Content json.RawMessage
	Info    EncryptionInfo
}

// loadInbound returns the inbound session or nil if we don't have it.
func (m *Machine) loadInbound(room mxid.RoomID, senderKey, sessionID string) (*store.InboundGroupSession, *olm.InboundGroupSession, error) {
	rec, err := m.store.InboundGroupSession(room, senderKey, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, nil
	} else if err != nil {
		return nil, nil, storeErr("load inbound group session", err)
	}
	s, err := olm.UnpickleInboundGroupSession(rec.Pickle)
	if err != nil {
		return nil, nil, fmt.Errorf("machine: error loading inbound group session %s: %w", sessionID, err)
	}
	return rec, s, nil
}

// DecryptRoomEvent decrypts an m.room.encrypted timeline event of room. When the room key is
// missing and key requests are enabled, a request for it is queued.
func (m *Machine) DecryptRoomEvent(ev *RoomEvent, room mxid.RoomID) (*DecryptedEvent, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	var c megolmContent
	if err := json.Unmarshal(ev.Content, &c); err != nil {
		return nil, decryptionErr(Malformed, err)
	}
	if c.Algorithm != olm.AlgorithmMegolm {
		return nil, decryptionErr(UnsupportedAlgorithm, fmt.Errorf("algorithm %q", c.Algorithm))
	}
	if c.SenderKey == "" || c.SessionID == "" || c.Ciphertext == "" {
		return nil, decryptionErr(Malformed, errors.New("missing megolm fields"))
	}

	_, s, err := m.loadInbound(room, c.SenderKey, c.SessionID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		if m.config.KeyRequestsEnabled {
			if _, err := m.queueKeyRequest(room, c.SenderKey, c.SessionID); err != nil {
				m.log.Warnf("error queueing key request for %s: %v", c.SessionID, err)
			}
		}
		return nil, decryptionErr(MissingRoomKey, fmt.Errorf("session %s in %s", c.SessionID, room))
	}

	plaintext, index, err := s.Decrypt(c.Ciphertext)
	if errors.Is(err, crypto.ErrUnknownMessageIndex) {
		return nil, decryptionErr(UnknownMessageIndex, err)
	} else if err != nil {
		return nil, decryptionErr(Malformed, err)
	}

	var p megolmPayload
	if err := json.Unmarshal(plaintext, &p); err != nil {
		return nil, decryptionErr(Malformed, err)
	}
	if p.RoomID != room {
		return nil, decryptionErr(Mismatch, fmt.Errorf("event for %s arrived in %s", p.RoomID, room))
	}

	// the index is only claimed by events that decrypted into this room
	seen, err := m.store.MessageIndex(c.SenderKey, c.SessionID, index)
	switch {
	case errors.Is(err, store.ErrNotFound):
		err = m.save(&store.Changes{MessageIndexes: []*store.MessageIndex{{
			SenderKey: c.SenderKey,
			SessionID: c.SessionID,
			Index:     index,
			EventID:   ev.EventID,
			Timestamp: ev.OriginServerTS,
		}}})
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, storeErr("load message index", err)
	case seen.EventID != ev.EventID || seen.Timestamp != ev.OriginServerTS:
		return nil, decryptionErr(Replay, fmt.Errorf("index %d of %s was used by %s", index, c.SessionID, seen.EventID))
	}

	info := EncryptionInfo{
		SenderKey:       c.SenderKey,
		ClaimedEd25519:  s.SigningKey,
		ForwardingChain: s.ForwardingChain,
		State:           UnknownDevice,
	}
	d, err := m.store.DeviceByCurveKey(ev.Sender, c.SenderKey)
	if err == nil {
		info.SenderDevice = d.DeviceID
		info.State = Untrusted
		if len(s.ForwardingChain) == 0 && d.Ed25519Key() == s.SigningKey && m.deviceTrusted(d) {
			info.State = Trusted
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, storeErr("load device", err)
	} else {
		info.SenderDevice = c.DeviceID
	}
	return &DecryptedEvent{Type: p.Type, Content: p.Content, Info: info}, nil
}
