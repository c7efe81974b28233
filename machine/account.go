package machine

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/meow-io/go-e2ee/crypto"
	"github.com/meow-io/go-e2ee/ids"
	"github.com/meow-io/go-e2ee/olm"
)

var supportedAlgorithms = []string{olm.AlgorithmOlm, olm.AlgorithmMegolm}

// IdentityKeys returns the curve25519 and ed25519 keys of this device.
func (m *Machine) IdentityKeys() map[string]string {
	m.lock.Lock()
	defer m.lock.Unlock()
	keys := m.account.IdentityKeys()
	return map[string]string{"curve25519": keys.Curve25519, "ed25519": keys.Ed25519}
}

// Sign signs message with the device key.
func (m *Machine) Sign(message string) crypto.Signatures {
	m.lock.Lock()
	defer m.lock.Unlock()
	return crypto.Signatures{
		string(m.userID): {"ed25519:" + string(m.deviceID): m.account.Sign([]byte(message))},
	}
}

func (m *Machine) deviceKeyID() string {
	return "ed25519:" + string(m.deviceID)
}

func (m *Machine) deviceKeys() (*DeviceKeys, error) {
	keys := m.account.IdentityKeys()
	dk := &DeviceKeys{
		UserID:     m.userID,
		DeviceID:   m.deviceID,
		Algorithms: supportedAlgorithms,
		Keys: map[string]string{
			"curve25519:" + string(m.deviceID): keys.Curve25519,
			"ed25519:" + string(m.deviceID):    keys.Ed25519,
		},
	}
	sig, err := m.signObject(dk)
	if err != nil {
		return nil, err
	}
	dk.Signatures = crypto.Signatures{string(m.userID): {m.deviceKeyID(): sig}}
	return dk, nil
}

func (m *Machine) signObject(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return crypto.SignJSON(m.account.SigningKey(), b)
}

func (m *Machine) signedKeys(keys map[string]string, fallback bool) (map[string]*OneTimeKey, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	keyIDs := make([]string, 0, len(keys))
	for id := range keys {
		keyIDs = append(keyIDs, id)
	}
	sort.Strings(keyIDs)
	out := make(map[string]*OneTimeKey, len(keys))
	for _, id := range keyIDs {
		k := &OneTimeKey{Key: keys[id], Fallback: fallback}
		sig, err := m.signObject(k)
		if err != nil {
			return nil, err
		}
		k.Signatures = crypto.Signatures{string(m.userID): {m.deviceKeyID(): sig}}
		out[signedCurve25519+":"+id] = k
	}
	return out, nil
}

func (m *Machine) maxOneTimeKeys() int {
	max := m.config.MaxOneTimeKeys
	if limit := m.account.MaxNumberOfOneTimeKeys(); max <= 0 || max > limit {
		max = limit
	}
	return max
}

// keysUploadRequest returns nil when the server has everything it needs. Newly generated keys are
// saved before the request is handed out so a restart re-uploads the same keys.
func (m *Machine) keysUploadRequest() (*KeysUploadRequest, error) {
	max := m.maxOneTimeKeys()
	generated := false
	if !m.account.Shared || (m.oneTimeKeyCount >= 0 && m.oneTimeKeyCount < max/2) {
		have := len(m.account.OneTimeKeys())
		if m.oneTimeKeyCount > 0 {
			have += m.oneTimeKeyCount
		}
		if n := max - have; n > 0 {
			if err := m.account.GenerateOneTimeKeys(n); err != nil {
				return nil, fmt.Errorf("machine: error generating one-time keys: %w", err)
			}
			generated = true
		}
	}
	if !m.account.HasFallbackKey() || m.fallbackUsed {
		if err := m.account.GenerateFallbackKey(); err != nil {
			return nil, fmt.Errorf("machine: error generating fallback key: %w", err)
		}
		m.fallbackUsed = false
		generated = true
	}
	if generated {
		if err := m.saveAccount(); err != nil {
			return nil, err
		}
	}

	req := &KeysUploadRequest{ID: ids.NewRequestID()}
	if !m.account.Shared {
		dk, err := m.deviceKeys()
		if err != nil {
			return nil, err
		}
		req.DeviceKeys = dk
	}
	var err error
	if req.OneTimeKeys, err = m.signedKeys(m.account.OneTimeKeys(), false); err != nil {
		return nil, err
	}
	if req.FallbackKeys, err = m.signedKeys(m.account.FallbackKey(), true); err != nil {
		return nil, err
	}
	if req.DeviceKeys == nil && len(req.OneTimeKeys) == 0 && len(req.FallbackKeys) == 0 {
		return nil, nil
	}
	m.log.Debugf("uploading device keys: %v, one-time keys: %d, fallback keys: %d", req.DeviceKeys != nil, len(req.OneTimeKeys), len(req.FallbackKeys))
	return req, nil
}

func (m *Machine) receiveKeysUploadResponse(r *KeysUploadRequest, body []byte) error {
	resp, err := decodeResponse[keysUploadResponse](RequestKeysUpload, body)
	if err != nil {
		return err
	}
	m.account.MarkKeysAsPublished()
	if r.DeviceKeys != nil {
		m.account.Shared = true
	}
	m.oneTimeKeyCount = resp.OneTimeKeyCounts[signedCurve25519]
	m.log.Debugf("keys uploaded, server has %d one-time keys", m.oneTimeKeyCount)
	return m.saveAccount()
}

// updateKeyCounts records the one-time key count and unused fallback key types of a sync.
func (m *Machine) updateKeyCounts(counts map[string]int, unusedFallbackKeys []string) {
	if counts != nil {
		m.oneTimeKeyCount = counts[signedCurve25519]
	}
	if unusedFallbackKeys == nil {
		return
	}
	used := true
	for _, t := range unusedFallbackKeys {
		if t == signedCurve25519 {
			used = false
		}
	}
	if used && m.account.HasFallbackKey() && len(m.account.FallbackKey()) == 0 {
		m.fallbackUsed = true
	}
}
