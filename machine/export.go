package machine

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/meow-io/go-e2ee/crypto"
	"github.com/meow-io/go-e2ee/mxid"
	"github.com/meow-io/go-e2ee/olm"
	"github.com/meow-io/go-e2ee/store"
)

// ExportedRoomKey is one entry of a key export file and of a restored backup.
type ExportedRoomKey struct {
	Algorithm                    string            `json:"algorithm"`
	RoomID                       mxid.RoomID       `json:"room_id"`
	SenderKey                    string            `json:"sender_key"`
	SessionID                    string            `json:"session_id"`
	SessionKey                   string            `json:"session_key"`
	SenderClaimedKeys            map[string]string `json:"sender_claimed_keys"`
	ForwardingCurve25519KeyChain []string          `json:"forwarding_curve25519_key_chain"`
}

type ImportResult struct {
	Imported int
	Total    int
	// Keys lists the imported sessions by room and sender key.
	Keys map[mxid.RoomID]map[string][]string
}

// ProgressFunc is called after each key of an import.
type ProgressFunc func(progress, total int)

func exportRoomKey(s *olm.InboundGroupSession) *ExportedRoomKey {
	chain := s.ForwardingChain
	if chain == nil {
		chain = []string{}
	}
	return &ExportedRoomKey{
		Algorithm:                    olm.AlgorithmMegolm,
		RoomID:                       mxid.RoomID(s.RoomID),
		SenderKey:                    s.SenderKey,
		SessionID:                    s.ID(),
		SessionKey:                   s.ExportAtFirstKnownIndex(),
		SenderClaimedKeys:            map[string]string{"ed25519": s.SigningKey},
		ForwardingCurve25519KeyChain: chain,
	}
}

// ExportKeys exports every inbound group session encrypted with passphrase, stretched with rounds
// PBKDF2 iterations.
func (m *Machine) ExportKeys(passphrase string, rounds int) ([]byte, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	recs, err := m.store.InboundGroupSessions()
	if err != nil {
		return nil, storeErr("load inbound group sessions", err)
	}
	keys := make([]*ExportedRoomKey, 0, len(recs))
	for _, rec := range recs {
		s, err := olm.UnpickleInboundGroupSession(rec.Pickle)
		if err != nil {
			m.log.Warnf("not exporting unreadable session %s: %v", rec.SessionID, err)
			continue
		}
		keys = append(keys, exportRoomKey(s))
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].RoomID != keys[j].RoomID {
			return keys[i].RoomID < keys[j].RoomID
		}
		if keys[i].SenderKey != keys[j].SenderKey {
			return keys[i].SenderKey < keys[j].SenderKey
		}
		return keys[i].SessionID < keys[j].SessionID
	})
	plaintext, err := json.Marshal(keys)
	if err != nil {
		return nil, err
	}
	m.log.Infof("exporting %d room keys", len(keys))
	return crypto.EncryptKeyExport(plaintext, passphrase, rounds)
}

// ImportKeys imports an export made by ExportKeys or another client.
func (m *Machine) ImportKeys(data []byte, passphrase string, progress ProgressFunc) (*ImportResult, error) {
	plaintext, err := crypto.DecryptKeyExport(data, passphrase)
	if err != nil {
		return nil, err
	}
	var keys []*ExportedRoomKey
	if err := json.Unmarshal(plaintext, &keys); err != nil {
		return nil, fmt.Errorf("machine: invalid key export: %w", err)
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.importRoomKeys(keys, false, progress)
}

// ImportDecryptedKeys imports a JSON array of room keys restored from the server side backup. They
// are marked as backed up so they are not uploaded again.
func (m *Machine) ImportDecryptedKeys(data []byte, progress ProgressFunc) (*ImportResult, error) {
	var keys []*ExportedRoomKey
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("machine: invalid room keys: %w", err)
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.importRoomKeys(keys, true, progress)
}

// importRoomKeys keeps an imported session only if it is better than the copy we have. Keys that fail
// to import are logged and skipped.
func (m *Machine) importRoomKeys(keys []*ExportedRoomKey, backedUp bool, progress ProgressFunc) (*ImportResult, error) {
	res := &ImportResult{Total: len(keys), Keys: make(map[mxid.RoomID]map[string][]string)}
	changes := &store.Changes{}
	imported := make(map[string]*olm.InboundGroupSession)
	for i, k := range keys {
		if progress != nil {
			progress(i, len(keys))
		}
		if k.Algorithm != olm.AlgorithmMegolm {
			m.log.Warnf("skipping key %s with algorithm %q", k.SessionID, k.Algorithm)
			continue
		}
		s, err := olm.ImportInboundGroupSession(k.SessionKey, string(k.RoomID), k.SenderKey, k.SenderClaimedKeys["ed25519"], k.ForwardingCurve25519KeyChain)
		if err != nil {
			m.log.Warnf("skipping key %s: %v", k.SessionID, err)
			continue
		}
		if s.ID() != k.SessionID {
			m.log.Warnf("skipping key %s, it is for session %s", k.SessionID, s.ID())
			continue
		}
		key := string(k.RoomID) + "|" + k.SenderKey + "|" + k.SessionID
		existing, ok := imported[key]
		if !ok {
			_, existing, err = m.loadInbound(k.RoomID, k.SenderKey, k.SessionID)
			if err != nil {
				return nil, err
			}
		}
		if !s.BetterThan(existing) {
			continue
		}
		s.BackedUp = backedUp
		rec, err := inboundRecord(s, backedUp)
		if err != nil {
			return nil, err
		}
		changes.InboundGroupSessions = append(changes.InboundGroupSessions, rec)
		if !ok {
			res.Imported++
			if res.Keys[k.RoomID] == nil {
				res.Keys[k.RoomID] = make(map[string][]string)
			}
			res.Keys[k.RoomID][k.SenderKey] = append(res.Keys[k.RoomID][k.SenderKey], k.SessionID)
		}
		imported[key] = s
	}
	if progress != nil {
		progress(len(keys), len(keys))
	}
	if err := m.save(changes); err != nil {
		return nil, err
	}
	m.log.Infof("imported %d of %d room keys", res.Imported, res.Total)
	return res, nil
}
