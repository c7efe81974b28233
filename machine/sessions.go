package machine

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/meow-io/go-e2ee/crypto"
	"github.com/meow-io/go-e2ee/ids"
	"github.com/meow-io/go-e2ee/mxid"
	"github.com/meow-io/go-e2ee/olm"
	"github.com/meow-io/go-e2ee/store"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

var errNoOlmSession = errors.New("machine: no olm session with device")

func sessionRecord(s *olm.Session) (*store.Session, error) {
	pickle, err := s.Pickle()
	if err != nil {
		return nil, fmt.Errorf("machine: error pickling session: %w", err)
	}
	return &store.Session{
		SenderKey:  s.TheirIdentityKey(),
		SessionID:  s.ID,
		Pickle:     pickle,
		CreatedMs:  uint64(s.CreatedAt.UnixMilli()),
		LastUsedMs: uint64(s.LastUsedAt.UnixMilli()),
	}, nil
}

// latestSession returns the most recently used Olm session with a curve25519 key, or nil.
func (m *Machine) latestSession(curveKey string) (*olm.Session, error) {
	recs, err := m.store.Sessions(curveKey)
	if err != nil {
		return nil, storeErr("load sessions", err)
	}
	for _, rec := range recs {
		s, err := olm.UnpickleSession(rec.Pickle)
		if err != nil {
			m.log.Warnf("dropping unreadable session %s: %v", rec.SessionID, err)
			continue
		}
		return s, nil
	}
	return nil, nil
}

// GetMissingSessions returns a keys claim for every device of users we have no Olm session with, or
// nil if there is none. Devices with a claim in flight, and devices whose last claim failed within the
// back-off, are left out, so calling it again before the claim is answered returns nil.
func (m *Machine) GetMissingSessions(users []mxid.UserID) (*KeysClaimRequest, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	now := m.clock.Now()
	missing := make(map[mxid.UserID]map[mxid.DeviceID]string)
	var keys []string
	for _, u := range sortedUsers(users) {
		devices, err := m.store.UserDevices(u)
		if err != nil {
			return nil, storeErr("load devices", err)
		}
		for _, d := range devices {
			if d.Deleted || m.isOwnDevice(d.UserID, d.DeviceID) || !supportsOlm(d) || d.Curve25519Key() == "" {
				continue
			}
			key := targetKey(d.UserID, d.DeviceID)
			if _, pending := m.claims[key]; pending {
				continue
			}
			if failed, ok := m.claimFailures[key]; ok && now.Sub(failed) < m.config.ClaimFailureBackoff {
				continue
			}
			if !m.wedged[key] {
				sessions, err := m.store.Sessions(d.Curve25519Key())
				if err != nil {
					return nil, storeErr("load sessions", err)
				}
				if len(sessions) > 0 {
					continue
				}
			}
			if missing[u] == nil {
				missing[u] = make(map[mxid.DeviceID]string)
			}
			missing[u][d.DeviceID] = signedCurve25519
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return nil, nil
	}
	req := &KeysClaimRequest{ID: ids.NewRequestID(), OneTimeKeys: missing, Timeout: claimTimeoutMs}
	for _, k := range keys {
		m.claims[k] = req.ID
	}
	m.log.Debugf("claiming one-time keys for %d devices", len(keys))
	return enqueue(m.queue, req), nil
}

func (m *Machine) receiveKeysClaimResponse(r *KeysClaimRequest, body []byte) error {
	resp, err := decodeResponse[keysClaimResponse](RequestKeysClaim, body)
	if err != nil {
		return err
	}
	now := m.clock.Now()
	changes := &store.Changes{}
	var dummies []*ToDeviceRequest
	var failed, established, unwedged []string

	for _, u := range sortedUsers(maps.Keys(r.OneTimeKeys)) {
		deviceIDs := maps.Keys(r.OneTimeKeys[u])
		slices.Sort(deviceIDs)

		for _, deviceID := range deviceIDs {
			key := targetKey(u, deviceID)
			s, d, err := m.sessionFromClaim(u, deviceID, resp.OneTimeKeys[u][deviceID])
			if err != nil {
				m.log.Warnf("no session with %s %s: %v", u, deviceID, err)
				failed = append(failed, key)
				continue
			}
			established = append(established, key)
			s.CreatedAt = now
			s.LastUsedAt = now
			if m.wedged[key] {
				content, err := m.olmEncrypt(d, s, eventDummy, struct{}{})
				if err != nil {
					return err
				}
				req := newToDeviceRequest(eventEncrypted)
				req.add(u, deviceID, content)
				dummies = append(dummies, req)
				unwedged = append(unwedged, key)
			}
			rec, err := sessionRecord(s)
			if err != nil {
				return err
			}
			changes.Sessions = append(changes.Sessions, rec)
		}
	}
	if err := m.save(changes); err != nil {
		return err
	}

	// claim bookkeeping only changes once the response is fully applied
	for _, key := range append(failed, established...) {
		if m.claims[key] == r.ID {
			delete(m.claims, key)
		}
	}
	for _, key := range failed {
		m.claimFailures[key] = now
	}
	for _, key := range established {
		delete(m.claimFailures, key)
	}
	for _, key := range unwedged {
		delete(m.wedged, key)
	}
	for _, req := range dummies {
		m.queue.add(req)
	}
	return nil
}

func (m *Machine) sessionFromClaim(userID mxid.UserID, deviceID mxid.DeviceID, keys map[string]json.RawMessage) (*olm.Session, *store.Device, error) {
	d, err := m.device(userID, deviceID)
	if err != nil {
		return nil, nil, err
	}
	var keyIDs []string
	for id := range keys {
		if strings.HasPrefix(id, signedCurve25519+":") {
			keyIDs = append(keyIDs, id)
		}
	}
	if len(keyIDs) == 0 {
		return nil, nil, errors.New("no one-time key returned")
	}
	slices.Sort(keyIDs)
	raw := keys[keyIDs[0]]
	if err := crypto.VerifySignedBy(raw, string(userID), string(deviceID), d.Ed25519Key()); err != nil {
		return nil, nil, err
	}
	var otk OneTimeKey
	if err := json.Unmarshal(raw, &otk); err != nil {
		return nil, nil, err
	}
	s, err := m.account.NewOutboundSession(d.Curve25519Key(), otk.Key)
	if err != nil {
		return nil, nil, err
	}
	return s, d, nil
}

// olmEncrypt encrypts an event for a device and returns the m.room.encrypted content. The session
// advances and has to be saved by the caller.
func (m *Machine) olmEncrypt(d *store.Device, s *olm.Session, eventType string, content any) (json.RawMessage, error) {
	inner, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	keys := m.account.IdentityKeys()
	payload, err := json.Marshal(&olmPayload{
		Type:          eventType,
		Content:       inner,
		Sender:        m.userID,
		SenderDevice:  m.deviceID,
		Recipient:     d.UserID,
		RecipientKeys: map[string]string{"ed25519": d.Ed25519Key()},
		Keys:          map[string]string{"ed25519": keys.Ed25519},
	})
	if err != nil {
		return nil, err
	}
	msgType, body, err := s.Encrypt(payload)
	if err != nil {
		return nil, fmt.Errorf("machine: error encrypting for %s %s: %w", d.UserID, d.DeviceID, err)
	}
	s.LastUsedAt = m.clock.Now()
	return json.Marshal(&olmContent{
		Algorithm:  olm.AlgorithmOlm,
		SenderKey:  keys.Curve25519,
		Ciphertext: map[string]olmCiphertext{d.Curve25519Key(): {Type: msgType, Body: body}},
	})
}

// encryptForDevice encrypts with the latest session and records the advanced session in changes.
func (m *Machine) encryptForDevice(d *store.Device, eventType string, content any, changes *store.Changes) (json.RawMessage, error) {
	s, err := m.latestSession(d.Curve25519Key())
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, errNoOlmSession
	}
	enc, err := m.olmEncrypt(d, s, eventType, content)
	if err != nil {
		return nil, err
	}
	rec, err := sessionRecord(s)
	if err != nil {
		return nil, err
	}
	changes.Sessions = append(changes.Sessions, rec)
	return enc, nil
}

// olmEvent is a decrypted to-device event together with the keys it was sent with.
type olmEvent struct {
	sender         mxid.UserID
	senderKey      string
	senderDevice   *store.Device
	claimedEd25519 string
	eventType      string
	content        json.RawMessage
}

// decryptOlmEvent decrypts an m.room.encrypted to-device event. A message that fails on every session
// marks the sending device as wedged so a new session gets created for it.
func (m *Machine) decryptOlmEvent(ev *ToDeviceEvent) (*olmEvent, error) {
	var c olmContent
	if err := json.Unmarshal(ev.Content, &c); err != nil {
		return nil, decryptionErr(Malformed, err)
	}
	if c.Algorithm != olm.AlgorithmOlm {
		return nil, decryptionErr(UnsupportedAlgorithm, fmt.Errorf("algorithm %q", c.Algorithm))
	}
	ours := m.account.IdentityKeys()
	ct, ok := c.Ciphertext[ours.Curve25519]
	if !ok {
		return nil, decryptionErr(Malformed, errors.New("not encrypted for this device"))
	}

	changes := &store.Changes{}
	plaintext, err := m.olmDecrypt(c.SenderKey, ct, changes)
	if err != nil {
		if ct.Type == olm.MessageTypeNormal {
			if d, derr := m.store.DeviceByCurveKey(ev.Sender, c.SenderKey); derr == nil {
				m.log.Warnf("olm session with %s %s is wedged", d.UserID, d.DeviceID)
				m.wedged[targetKey(d.UserID, d.DeviceID)] = true
			}
		}
		return nil, err
	}
	if err := m.save(changes); err != nil {
		return nil, err
	}

	var p olmPayload
	if err := json.Unmarshal(plaintext, &p); err != nil {
		return nil, decryptionErr(Malformed, err)
	}
	switch {
	case p.Sender != ev.Sender:
		return nil, decryptionErr(Mismatch, fmt.Errorf("payload sender %s sent by %s", p.Sender, ev.Sender))
	case p.Recipient != m.userID:
		return nil, decryptionErr(Mismatch, fmt.Errorf("payload is for %s", p.Recipient))
	case p.RecipientKeys["ed25519"] != ours.Ed25519:
		return nil, decryptionErr(Mismatch, errors.New("payload is for another device key"))
	}
	out := &olmEvent{
		sender:         ev.Sender,
		senderKey:      c.SenderKey,
		claimedEd25519: p.Keys["ed25519"],
		eventType:      p.Type,
		content:        p.Content,
	}
	if d, err := m.store.DeviceByCurveKey(ev.Sender, c.SenderKey); err == nil {
		if d.Ed25519Key() != out.claimedEd25519 {
			return nil, decryptionErr(Mismatch, fmt.Errorf("claimed ed25519 key does not match %s %s", d.UserID, d.DeviceID))
		}
		out.senderDevice = d
	}
	return out, nil
}

func (m *Machine) olmDecrypt(senderKey string, ct olmCiphertext, changes *store.Changes) ([]byte, error) {
	recs, err := m.store.Sessions(senderKey)
	if err != nil {
		return nil, storeErr("load sessions", err)
	}
	now := m.clock.Now()
	for _, rec := range recs {
		s, err := olm.UnpickleSession(rec.Pickle)
		if err != nil {
			continue
		}
		if ct.Type == olm.MessageTypePreKey && !s.MatchesInboundSession(ct.Body) {
			continue
		}
		plaintext, err := s.Decrypt(ct.Type, ct.Body)
		if err != nil {
			m.log.Debugf("session %s could not decrypt: %v", s.ID, err)
			continue
		}
		s.LastUsedAt = now
		updated, err := sessionRecord(s)
		if err != nil {
			return nil, err
		}
		changes.Sessions = append(changes.Sessions, updated)
		return plaintext, nil
	}
	if ct.Type != olm.MessageTypePreKey {
		return nil, decryptionErr(Malformed, errors.New("no olm session could decrypt the message"))
	}

	s, plaintext, err := m.account.NewInboundSession(senderKey, ct.Body)
	if err != nil {
		return nil, decryptionErr(Malformed, err)
	}
	s.CreatedAt = now
	s.LastUsedAt = now
	rec, err := sessionRecord(s)
	if err != nil {
		return nil, err
	}
	changes.Sessions = append(changes.Sessions, rec)
	if err := m.addAccount(changes); err != nil {
		return nil, err
	}
	return plaintext, nil
}
