package machine

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/meow-io/go-e2ee/crypto"
	"github.com/meow-io/go-e2ee/ids"
	"github.com/meow-io/go-e2ee/internal/codec"
	"github.com/meow-io/go-e2ee/mxid"
	"github.com/meow-io/go-e2ee/store"
)

var ErrCrossSigningExists = errors.New("machine: cross-signing keys already exist")

// privateIdentity holds whichever private cross-signing seeds this device knows.
type privateIdentity struct {
	Master      []byte `cbor:"master"`
	SelfSigning []byte `cbor:"self_signing"`
	UserSigning []byte `cbor:"user_signing"`
}

func (p *privateIdentity) publicKey(seed []byte) string {
	if len(seed) != ed25519.SeedSize {
		return ""
	}
	return crypto.EncodeBase64(ed25519.NewKeyFromSeed(seed).Public().(ed25519.PublicKey))
}

func (p *privateIdentity) signingKey(seed []byte) (ed25519.PrivateKey, bool) {
	if p == nil || len(seed) != ed25519.SeedSize {
		return nil, false
	}
	return ed25519.NewKeyFromSeed(seed), true
}

func (m *Machine) loadPrivateIdentity() error {
	rec, err := m.store.LoadPrivateIdentity()
	if errors.Is(err, store.ErrNotFound) {
		return nil
	} else if err != nil {
		return storeErr("load private identity", err)
	}
	var p privateIdentity
	if err := codec.Unmarshal(rec.Pickle, &p); err != nil {
		return fmt.Errorf("machine: error loading private identity: %w", err)
	}
	m.identity = &p
	return nil
}

func (m *Machine) addPrivateIdentity(changes *store.Changes) error {
	b, err := codec.Marshal(m.identity)
	if err != nil {
		return fmt.Errorf("machine: error pickling private identity: %w", err)
	}
	changes.PrivateIdentity = &store.PrivateIdentity{Pickle: b}
	return nil
}

func (m *Machine) selfSigningKey() (ed25519.PrivateKey, bool) {
	if m.identity == nil {
		return nil, false
	}
	return m.identity.signingKey(m.identity.SelfSigning)
}

func (m *Machine) userSigningKey() (ed25519.PrivateKey, bool) {
	if m.identity == nil {
		return nil, false
	}
	return m.identity.signingKey(m.identity.UserSigning)
}

// UploadSigningKeysRequest is the body of a cross-signing keys upload. It is not queued because the
// endpoint usually needs interactive authentication the embedder has to drive.
type UploadSigningKeysRequest struct {
	MasterKey      json.RawMessage `json:"master_key"`
	SelfSigningKey json.RawMessage `json:"self_signing_key"`
	UserSigningKey json.RawMessage `json:"user_signing_key"`
}

func newCrossSigningKey(userID mxid.UserID, usage string, pub string) *store.CrossSigningKey {
	return &store.CrossSigningKey{
		UserID: userID,
		Usage:  []string{usage},
		Keys:   map[string]string{"ed25519:" + pub: pub},
	}
}

// signKey returns v signed with priv, whose key id is keyID, merged into its existing signatures.
func (m *Machine) signKey(v any, priv ed25519.PrivateKey, keyID string) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return crypto.AddSignature(b, priv, string(m.userID), keyID)
}

// BootstrapCrossSigning creates new master, self-signing and user-signing keys. The returned keys have
// to be uploaded by the embedder; the signature of this device by the new self-signing key is queued as
// a signature upload and returned as well. Existing keys are only replaced if reset is set.
func (m *Machine) BootstrapCrossSigning(reset bool) (*UploadSigningKeysRequest, *SignatureUploadRequest, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.identity != nil && len(m.identity.Master) > 0 && !reset {
		return nil, nil, ErrCrossSigningExists
	}
	var seeds [3][]byte
	for i := range seeds {
		seed, err := crypto.NewEd25519Seed()
		if err != nil {
			return nil, nil, err
		}
		seeds[i] = seed
	}
	identity := &privateIdentity{Master: seeds[0], SelfSigning: seeds[1], UserSigning: seeds[2]}
	masterPub := identity.publicKey(identity.Master)
	masterPriv, _ := identity.signingKey(identity.Master)

	master := newCrossSigningKey(m.userID, "master", masterPub)
	masterRaw, err := m.signKey(master, m.account.SigningKey(), string(m.deviceID))
	if err != nil {
		return nil, nil, err
	}
	ssk := newCrossSigningKey(m.userID, "self_signing", identity.publicKey(identity.SelfSigning))
	sskRaw, err := m.signKey(ssk, masterPriv, masterPub)
	if err != nil {
		return nil, nil, err
	}
	usk := newCrossSigningKey(m.userID, "user_signing", identity.publicKey(identity.UserSigning))
	uskRaw, err := m.signKey(usk, masterPriv, masterPub)
	if err != nil {
		return nil, nil, err
	}
	// keep the signatures on the stored copies
	for _, k := range []struct {
		raw json.RawMessage
		key *store.CrossSigningKey
	}{{masterRaw, master}, {sskRaw, ssk}, {uskRaw, usk}} {
		if err := json.Unmarshal(k.raw, k.key); err != nil {
			return nil, nil, err
		}
	}

	m.identity = identity
	changes := &store.Changes{
		Identities: []*store.UserIdentity{{
			UserID:         m.userID,
			Own:            true,
			MasterKey:      master,
			SelfSigningKey: ssk,
			UserSigningKey: usk,
			Verified:       true,
		}},
	}
	if err := m.addPrivateIdentity(changes); err != nil {
		return nil, nil, err
	}

	dk, err := m.deviceKeys()
	if err != nil {
		return nil, nil, err
	}
	sskPriv, _ := m.selfSigningKey()
	signedDevice, err := m.signKey(dk, sskPriv, ssk.PublicKey())
	if err != nil {
		return nil, nil, err
	}
	if own, err := m.store.Device(m.userID, m.deviceID); err == nil {
		own.Raw = signedDevice
		changes.Devices = append(changes.Devices, own)
	}
	if err := m.save(changes); err != nil {
		return nil, nil, err
	}

	sigs := &SignatureUploadRequest{ID: ids.NewRequestID()}
	sigs.add(m.userID, string(m.deviceID), signedDevice)
	m.queue.add(sigs)
	m.log.Infof("bootstrapped cross-signing with master key %s", masterPub)
	return &UploadSigningKeysRequest{MasterKey: masterRaw, SelfSigningKey: sskRaw, UserSigningKey: uskRaw}, sigs, nil
}

type CrossSigningStatus struct {
	HasMaster      bool
	HasSelfSigning bool
	HasUserSigning bool
}

func (m *Machine) crossSigningStatus() CrossSigningStatus {
	if m.identity == nil {
		return CrossSigningStatus{}
	}
	return CrossSigningStatus{
		HasMaster:      len(m.identity.Master) > 0,
		HasSelfSigning: len(m.identity.SelfSigning) > 0,
		HasUserSigning: len(m.identity.UserSigning) > 0,
	}
}

// CrossSigningStatus reports which private cross-signing keys this device holds.
func (m *Machine) CrossSigningStatus() CrossSigningStatus {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.crossSigningStatus()
}

// CrossSigningKeyExport carries private cross-signing seeds as unpadded base64. Missing keys are empty.
type CrossSigningKeyExport struct {
	MasterKey      string `json:"master_key,omitempty"`
	SelfSigningKey string `json:"self_signing_key,omitempty"`
	UserSigningKey string `json:"user_signing_key,omitempty"`
}

// ExportCrossSigningKeys returns nil if this device holds no private cross-signing key.
func (m *Machine) ExportCrossSigningKeys() *CrossSigningKeyExport {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.identity == nil {
		return nil
	}
	enc := func(seed []byte) string {
		if len(seed) == 0 {
			return ""
		}
		return crypto.EncodeBase64(seed)
	}
	return &CrossSigningKeyExport{
		MasterKey:      enc(m.identity.Master),
		SelfSigningKey: enc(m.identity.SelfSigning),
		UserSigningKey: enc(m.identity.UserSigning),
	}
}

// ImportCrossSigningKeys keeps the exported seeds that match our published public keys and ignores the
// rest. Our identity has to be known from a keys query first.
func (m *Machine) ImportCrossSigningKeys(export *CrossSigningKeyExport) (CrossSigningStatus, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	ident, err := m.userIdentity(m.userID)
	if err != nil {
		return m.crossSigningStatus(), err
	}
	identity := &privateIdentity{}
	if m.identity != nil {
		*identity = *m.identity
	}
	match := func(encoded string, published *store.CrossSigningKey, name string) []byte {
		if encoded == "" || published == nil {
			return nil
		}
		seed, err := crypto.DecodeBase64(encoded)
		if err != nil || identity.publicKey(seed) != published.PublicKey() {
			m.log.Warnf("imported %s key does not match the published one", name)
			return nil
		}
		return seed
	}
	if seed := match(export.MasterKey, ident.MasterKey, "master"); seed != nil {
		identity.Master = seed
	}
	if seed := match(export.SelfSigningKey, ident.SelfSigningKey, "self-signing"); seed != nil {
		identity.SelfSigning = seed
	}
	if seed := match(export.UserSigningKey, ident.UserSigningKey, "user-signing"); seed != nil {
		identity.UserSigning = seed
	}
	m.identity = identity

	changes := &store.Changes{}
	if err := m.addPrivateIdentity(changes); err != nil {
		return m.crossSigningStatus(), err
	}
	if len(identity.Master) > 0 && !ident.Verified {
		ident.Verified = true
		changes.Identities = append(changes.Identities, ident)
	}
	return m.crossSigningStatus(), m.save(changes)
}

// VerifyIdentity marks a user's master key as trusted. For other users the master key is signed with
// our user-signing key; for ourselves it is signed with this device's key. The queued signature upload
// is returned.
func (m *Machine) VerifyIdentity(userID mxid.UserID) (*SignatureUploadRequest, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.verifyIdentity(userID, "")
}

// verifyIdentity signs the identity of userID, optionally only if its master key is expected.
func (m *Machine) verifyIdentity(userID mxid.UserID, expected string) (*SignatureUploadRequest, error) {
	ident, err := m.userIdentity(userID)
	if err != nil {
		return nil, err
	}
	masterPub := ident.MasterKey.PublicKey()
	if expected != "" && masterPub != expected {
		return nil, fmt.Errorf("%w: master key of %s changed", crypto.ErrInvalidKey, userID)
	}
	var signed json.RawMessage
	if ident.Own {
		signed, err = m.signKey(ident.MasterKey, m.account.SigningKey(), string(m.deviceID))
	} else {
		usk, ok := m.userSigningKey()
		if !ok {
			return nil, ErrMissingSigningKey
		}
		signed, err = m.signKey(ident.MasterKey, usk, m.identity.publicKey(m.identity.UserSigning))
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(signed, ident.MasterKey); err != nil {
		return nil, err
	}
	ident.Verified = true
	if err := m.save(&store.Changes{Identities: []*store.UserIdentity{ident}}); err != nil {
		return nil, err
	}
	req := &SignatureUploadRequest{ID: ids.NewRequestID()}
	req.add(userID, masterPub, signed)
	return enqueue(m.queue, req), nil
}

// VerifyDevice marks a device as verified. Our own devices are additionally signed with the
// self-signing key and the queued signature upload is returned; that fails with ErrMissingSigningKey
// if we do not hold it. Devices of other users are only verified locally and no request is returned.
func (m *Machine) VerifyDevice(userID mxid.UserID, deviceID mxid.DeviceID) (*SignatureUploadRequest, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.verifyDevice(userID, deviceID)
}

func (m *Machine) verifyDevice(userID mxid.UserID, deviceID mxid.DeviceID) (*SignatureUploadRequest, error) {
	d, err := m.device(userID, deviceID)
	if err != nil {
		return nil, err
	}
	if userID != m.userID {
		return nil, m.setLocalTrust(userID, deviceID, store.LocalTrustVerified)
	}
	ssk, ok := m.selfSigningKey()
	if !ok {
		return nil, ErrMissingSigningKey
	}
	var obj map[string]any
	if err := json.Unmarshal(d.Raw, &obj); err != nil {
		return nil, fmt.Errorf("machine: stored device keys of %s are invalid: %w", deviceID, err)
	}
	signed, err := m.signKey(obj, ssk, m.identity.publicKey(m.identity.SelfSigning))
	if err != nil {
		return nil, err
	}
	d.Raw = signed
	d.LocalTrust = store.LocalTrustVerified
	if err := m.save(&store.Changes{Devices: []*store.Device{d}}); err != nil {
		return nil, err
	}
	req := &SignatureUploadRequest{ID: ids.NewRequestID()}
	req.add(userID, string(deviceID), signed)
	return enqueue(m.queue, req), nil
}

func (m *Machine) receiveSignatureUploadResponse(r *SignatureUploadRequest, body []byte) error {
	resp, err := decodeResponse[signatureUploadResponse](RequestSignatureUpload, body)
	if err != nil {
		return err
	}
	for user, failures := range resp.Failures {
		for keyID, reason := range failures {
			m.log.Warnf("signature upload %s for %s %s failed: %s", r.ID, user, keyID, reason)
		}
	}
	return nil
}
