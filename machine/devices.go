package machine

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/meow-io/go-e2ee/crypto"
	"github.com/meow-io/go-e2ee/ids"
	"github.com/meow-io/go-e2ee/mxid"
	"github.com/meow-io/go-e2ee/olm"
	"github.com/meow-io/go-e2ee/store"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

const keysQueryTimeoutMs = 10000

// Device is a snapshot of another device as known to this machine.
type Device struct {
	UserID      mxid.UserID
	DeviceID    mxid.DeviceID
	Keys        map[string]string
	Algorithms  []string
	DisplayName string
	LocalTrust  store.LocalTrust
	Deleted     bool
	// CrossSigningTrusted is set when the device is signed by its owner's self-signing key and we
	// trust the owner's master key.
	CrossSigningTrusted bool
}

func (d *Device) Curve25519Key() string {
	return d.Keys["curve25519:"+string(d.DeviceID)]
}

func (d *Device) Ed25519Key() string {
	return d.Keys["ed25519:"+string(d.DeviceID)]
}

func (d *Device) Verified() bool {
	return d.LocalTrust == store.LocalTrustVerified || d.CrossSigningTrusted
}

func (d *Device) IsBlacklisted() bool {
	return d.LocalTrust == store.LocalTrustBlackListed
}

// Identity is the published cross-signing identity of a user.
type Identity struct {
	UserID         mxid.UserID
	Own            bool
	MasterKey      string
	SelfSigningKey string
	UserSigningKey string
	Verified       bool
}

func (m *Machine) isOwnDevice(userID mxid.UserID, deviceID mxid.DeviceID) bool {
	return userID == m.userID && deviceID == m.deviceID
}

// crossSigned reports whether the device carries a valid signature of its owner's self-signing key
// and that owner's identity is verified.
func (m *Machine) crossSigned(d *store.Device) bool {
	ident, err := m.store.UserIdentity(d.UserID)
	if err != nil || !ident.Verified || ident.SelfSigningKey == nil {
		return false
	}
	ssk := ident.SelfSigningKey.PublicKey()
	return crypto.VerifySignedBy(d.Raw, string(d.UserID), ssk, ssk) == nil
}

func (m *Machine) deviceTrusted(d *store.Device) bool {
	if m.isOwnDevice(d.UserID, d.DeviceID) {
		return true
	}
	return d.LocalTrust == store.LocalTrustVerified || m.crossSigned(d)
}

func (m *Machine) toDevice(d *store.Device) *Device {
	return &Device{
		UserID:              d.UserID,
		DeviceID:            d.DeviceID,
		Keys:                d.Keys,
		Algorithms:          d.Algorithms,
		DisplayName:         d.DisplayName,
		LocalTrust:          d.LocalTrust,
		Deleted:             d.Deleted,
		CrossSigningTrusted: m.isOwnDevice(d.UserID, d.DeviceID) || m.crossSigned(d),
	}
}

// GetDevice returns ErrUnknownDevice if the device was never seen in a keys query.
func (m *Machine) GetDevice(userID mxid.UserID, deviceID mxid.DeviceID) (*Device, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	d, err := m.device(userID, deviceID)
	if err != nil {
		return nil, err
	}
	return m.toDevice(d), nil
}

func (m *Machine) device(userID mxid.UserID, deviceID mxid.DeviceID) (*store.Device, error) {
	d, err := m.store.Device(userID, deviceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s %s", ErrUnknownDevice, userID, deviceID)
	} else if err != nil {
		return nil, storeErr("load device", err)
	}
	return d, nil
}

// GetUserDevices returns the devices of a user that still exist, ordered by device id.
func (m *Machine) GetUserDevices(userID mxid.UserID) ([]*Device, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	devices, err := m.store.UserDevices(userID)
	if err != nil {
		return nil, storeErr("load devices", err)
	}
	out := make([]*Device, 0, len(devices))
	for _, d := range devices {
		if !d.Deleted {
			out = append(out, m.toDevice(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func (m *Machine) GetIdentity(userID mxid.UserID) (*Identity, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	ident, err := m.userIdentity(userID)
	if err != nil {
		return nil, err
	}
	return &Identity{
		UserID:         ident.UserID,
		Own:            ident.Own,
		MasterKey:      ident.MasterKey.PublicKey(),
		SelfSigningKey: ident.SelfSigningKey.PublicKey(),
		UserSigningKey: ident.UserSigningKey.PublicKey(),
		Verified:       ident.Verified,
	}, nil
}

func (m *Machine) userIdentity(userID mxid.UserID) (*store.UserIdentity, error) {
	ident, err := m.store.UserIdentity(userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIdentity, userID)
	} else if err != nil {
		return nil, storeErr("load identity", err)
	}
	return ident, nil
}

func (m *Machine) IsIdentityVerified(userID mxid.UserID) (bool, error) {
	ident, err := m.GetIdentity(userID)
	if errors.Is(err, ErrUnknownIdentity) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return ident.Verified, nil
}

// SetLocalTrust changes the trust this device alone places in another device.
func (m *Machine) SetLocalTrust(userID mxid.UserID, deviceID mxid.DeviceID, trust store.LocalTrust) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.setLocalTrust(userID, deviceID, trust)
}

func (m *Machine) setLocalTrust(userID mxid.UserID, deviceID mxid.DeviceID, trust store.LocalTrust) error {
	d, err := m.device(userID, deviceID)
	if err != nil {
		return err
	}
	if d.LocalTrust == trust {
		return nil
	}
	m.log.Infof("local trust of %s %s changed from %s to %s", userID, deviceID, d.LocalTrust, trust)
	d.LocalTrust = trust
	return m.save(&store.Changes{Devices: []*store.Device{d}})
}

func (m *Machine) MarkDeviceAsTrusted(userID mxid.UserID, deviceID mxid.DeviceID) error {
	return m.SetLocalTrust(userID, deviceID, store.LocalTrustVerified)
}

// UpdateTrackedUsers starts tracking the devices of users. Newly tracked users are queried with the
// next keys query.
func (m *Machine) UpdateTrackedUsers(users []mxid.UserID) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	tracked, err := m.trackedUsers()
	if err != nil {
		return err
	}
	changes := &store.Changes{}
	for _, u := range sortedUsers(users) {
		if _, ok := tracked[u]; !ok {
			m.listGen[u]++
			changes.TrackedUsers = append(changes.TrackedUsers, &store.TrackedUser{UserID: u, Dirty: true})
		}
	}
	return m.save(changes)
}

func (m *Machine) IsUserTracked(userID mxid.UserID) (bool, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	tracked, err := m.trackedUsers()
	if err != nil {
		return false, err
	}
	_, ok := tracked[userID]
	return ok, nil
}

func (m *Machine) trackedUsers() (map[mxid.UserID]*store.TrackedUser, error) {
	users, err := m.store.TrackedUsers()
	if err != nil {
		return nil, storeErr("load tracked users", err)
	}
	out := make(map[mxid.UserID]*store.TrackedUser, len(users))
	for _, u := range users {
		out[u.UserID] = u
	}
	return out, nil
}

// receiveDeviceLists applies the advisory device list hints of a sync: changed users that we track are
// queried again, users that left stop being tracked. Stored devices are kept either way.
func (m *Machine) receiveDeviceLists(changed, left []mxid.UserID) error {
	if len(changed) == 0 && len(left) == 0 {
		return nil
	}
	tracked, err := m.trackedUsers()
	if err != nil {
		return err
	}
	changes := &store.Changes{}
	for _, u := range sortedUsers(changed) {
		t, ok := tracked[u]
		if !ok {
			continue
		}
		// an in-flight query may predate this hint, even when the user is already dirty
		m.listGen[u]++
		if !t.Dirty {
			changes.TrackedUsers = append(changes.TrackedUsers, &store.TrackedUser{UserID: u, Dirty: true})
		}
	}
	for _, u := range sortedUsers(left) {
		if _, ok := tracked[u]; ok && u != m.userID {
			m.listGen[u]++
			changes.UntrackedUsers = append(changes.UntrackedUsers, u)
		}
	}
	return m.save(changes)
}

func (m *Machine) keysQueryRequest() (*KeysQueryRequest, error) {
	users, err := m.store.TrackedUsers()
	if err != nil {
		return nil, storeErr("load tracked users", err)
	}
	req := &KeysQueryRequest{
		ID:         ids.NewRequestID(),
		DeviceKeys: make(map[mxid.UserID][]mxid.DeviceID),
		Timeout:    keysQueryTimeoutMs,
		generation: make(map[mxid.UserID]uint64),
	}
	for _, u := range users {
		if u.Dirty {
			req.DeviceKeys[u.UserID] = []mxid.DeviceID{}
			req.generation[u.UserID] = m.listGen[u.UserID]
		}
	}
	if len(req.DeviceKeys) == 0 {
		return nil, nil
	}
	return req, nil
}

func parseCrossSigningKey(raw json.RawMessage, userID mxid.UserID, usage string) (*store.CrossSigningKey, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var k store.CrossSigningKey
	if err := json.Unmarshal(raw, &k); err != nil {
		return nil, err
	}
	if k.UserID != userID {
		return nil, fmt.Errorf("%s key of %s claims user %s", usage, userID, k.UserID)
	}
	if len(k.Keys) != 1 {
		return nil, fmt.Errorf("%s key of %s has %d keys", usage, userID, len(k.Keys))
	}
	for _, u := range k.Usage {
		if u == usage {
			return &k, nil
		}
	}
	return nil, fmt.Errorf("%s key of %s has usage %v", usage, userID, k.Usage)
}

func (m *Machine) receiveKeysQueryResponse(r *KeysQueryRequest, body []byte) error {
	resp, err := decodeResponse[keysQueryResponse](RequestKeysQuery, body)
	if err != nil {
		return err
	}
	tracked, err := m.trackedUsers()
	if err != nil {
		return err
	}
	changes := &store.Changes{}
	for _, u := range r.Users() {
		if _, ok := tracked[u]; !ok {
			m.log.Debugf("ignoring keys query result for untracked user %s", u)
			continue
		}
		if _, failed := resp.Failures[u.Server()]; failed {
			m.log.Warnf("keys query for %s failed, keeping it dirty", u)
			continue
		}
		if err := m.updateUserDevices(u, resp.DeviceKeys[u], changes); err != nil {
			return err
		}
		if err := m.updateUserIdentity(u, resp, changes); err != nil {
			return err
		}
		if r.generation[u] != m.listGen[u] {
			m.log.Debugf("device list of %s changed during keys query, keeping it dirty", u)
			continue
		}
		changes.TrackedUsers = append(changes.TrackedUsers, &store.TrackedUser{UserID: u, Dirty: false})
	}
	return m.save(changes)
}

func (m *Machine) updateUserDevices(userID mxid.UserID, response map[mxid.DeviceID]json.RawMessage, changes *store.Changes) error {
	existing, err := m.store.UserDevices(userID)
	if err != nil {
		return storeErr("load devices", err)
	}
	known := make(map[mxid.DeviceID]*store.Device, len(existing))
	for _, d := range existing {
		known[d.DeviceID] = d
	}

	deviceIDs := maps.Keys(response)
	slices.Sort(deviceIDs)

	for _, deviceID := range deviceIDs {
		raw := response[deviceID]
		var dk DeviceKeys
		if err := json.Unmarshal(raw, &dk); err != nil {
			m.log.Warnf("invalid device keys for %s %s: %v", userID, deviceID, err)
			continue
		}
		if dk.UserID != userID || dk.DeviceID != deviceID {
			m.log.Warnf("device keys for %s %s claim %s %s", userID, deviceID, dk.UserID, dk.DeviceID)
			continue
		}
		ed := dk.Keys["ed25519:"+string(deviceID)]
		if ed == "" || dk.Keys["curve25519:"+string(deviceID)] == "" {
			m.log.Warnf("device keys for %s %s are missing identity keys", userID, deviceID)
			continue
		}
		if err := crypto.VerifySignedBy(raw, string(userID), string(deviceID), ed); err != nil {
			m.log.Warnf("device keys for %s %s have an invalid signature: %v", userID, deviceID, err)
			continue
		}
		if m.isOwnDevice(userID, deviceID) && ed != m.account.IdentityKeys().Ed25519 {
			m.log.Warnf("server returned different keys for our own device")
			continue
		}
		d := &store.Device{
			UserID:     userID,
			DeviceID:   deviceID,
			Keys:       dk.Keys,
			Algorithms: dk.Algorithms,
			Signatures: dk.Signatures,
			Raw:        raw,
		}
		if dk.Unsigned != nil {
			d.DisplayName = dk.Unsigned.DeviceDisplayName
		}
		if old, ok := known[deviceID]; ok {
			if old.Ed25519Key() != ed {
				m.log.Warnf("ed25519 key of %s %s changed, ignoring the new keys", userID, deviceID)
				delete(known, deviceID)
				continue
			}
			d.LocalTrust = old.LocalTrust
			delete(known, deviceID)
		}
		if m.isOwnDevice(userID, deviceID) {
			d.LocalTrust = store.LocalTrustVerified
		}
		changes.Devices = append(changes.Devices, d)
	}

	for _, d := range known {
		if !d.Deleted {
			m.log.Debugf("device %s %s is gone", d.UserID, d.DeviceID)
			d.Deleted = true
			changes.Devices = append(changes.Devices, d)
		}
	}
	return nil
}

func (m *Machine) updateUserIdentity(userID mxid.UserID, resp *keysQueryResponse, changes *store.Changes) error {
	master, err := parseCrossSigningKey(resp.MasterKeys[userID], userID, "master")
	if err != nil {
		m.log.Warnf("invalid master key: %v", err)
		return nil
	}
	if master == nil {
		return nil
	}
	masterPub := master.PublicKey()
	ident := &store.UserIdentity{UserID: userID, Own: userID == m.userID, MasterKey: master}

	ssk, err := parseCrossSigningKey(resp.SelfSigningKeys[userID], userID, "self_signing")
	if err != nil {
		m.log.Warnf("invalid self-signing key: %v", err)
		return nil
	}
	if ssk != nil {
		if err := crypto.VerifySignedBy(resp.SelfSigningKeys[userID], string(userID), masterPub, masterPub); err != nil {
			m.log.Warnf("self-signing key of %s is not signed by the master key: %v", userID, err)
			return nil
		}
		ident.SelfSigningKey = ssk
	}
	if ident.Own {
		usk, err := parseCrossSigningKey(resp.UserSigningKeys[userID], userID, "user_signing")
		if err != nil {
			m.log.Warnf("invalid user-signing key: %v", err)
			return nil
		}
		if usk != nil {
			if err := crypto.VerifySignedBy(resp.UserSigningKeys[userID], string(userID), masterPub, masterPub); err != nil {
				m.log.Warnf("user-signing key of %s is not signed by the master key: %v", userID, err)
				return nil
			}
			ident.UserSigningKey = usk
		}
	}

	old, err := m.store.UserIdentity(userID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return storeErr("load identity", err)
	}
	if old != nil && old.MasterKey.PublicKey() == masterPub {
		ident.Verified = old.Verified
	} else if old != nil {
		m.log.Warnf("master key of %s changed", userID)
	}

	raw := resp.MasterKeys[userID]
	if ident.Own {
		ownEd := m.account.IdentityKeys().Ed25519
		if crypto.VerifySignedBy(raw, string(m.userID), string(m.deviceID), ownEd) == nil {
			ident.Verified = true
		}
		if m.identity != nil && m.identity.publicKey(m.identity.Master) == masterPub {
			ident.Verified = true
		}
	} else if own, err := m.store.UserIdentity(m.userID); err == nil && own.UserSigningKey != nil {
		usk := own.UserSigningKey.PublicKey()
		if crypto.VerifySignedBy(raw, string(m.userID), usk, usk) == nil {
			ident.Verified = true
		}
	}
	changes.Identities = append(changes.Identities, ident)
	return nil
}

func supportsOlm(d *store.Device) bool {
	for _, a := range d.Algorithms {
		if a == olm.AlgorithmOlm {
			return true
		}
	}
	return false
}
