// Package machine implements the per-device encryption state machine. It decides which keys have to be
// uploaded, queried, claimed and shared, encrypts and decrypts events, and drives verification and key
// backup. All network I/O is left to the embedder, which drains OutgoingRequests and reports every
// response back through MarkRequestAsSent.
package machine

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/meow-io/go-e2ee/clock"
	"github.com/meow-io/go-e2ee/config"
	"github.com/meow-io/go-e2ee/ids"
	"github.com/meow-io/go-e2ee/mxid"
	"github.com/meow-io/go-e2ee/olm"
	"github.com/meow-io/go-e2ee/store"
	"github.com/meow-io/go-e2ee/verification"
	"go.uber.org/zap"
)

var ErrAccountMismatch = errors.New("machine: store belongs to another user or device")

type Machine struct {
	config   *config.Config
	log      *zap.SugaredLogger
	store    store.Store
	clock    clock.Clock
	userID   mxid.UserID
	deviceID mxid.DeviceID

	lock          sync.Mutex
	account       *olm.Account
	identity      *privateIdentity
	queue         *requestQueue
	schemas       *responseSchemas
	verifications *verification.Machine

	// oneTimeKeyCount is the server side count of our one-time keys, -1 until we learn it.
	oneTimeKeyCount int
	fallbackUsed    bool
	// shares maps pending to-device requests carrying a room key to their room.
	shares        map[ids.RequestID]mxid.RoomID
	claims        map[string]ids.RequestID
	claimFailures map[string]time.Time
	wedged        map[string]bool
	// listGen counts device list changes per user so a keys query answered after a newer hint
	// does not mark the user as up to date.
	listGen map[mxid.UserID]uint64
}

// New loads the account of userID/deviceID from st, creating and saving a fresh one on first use.
func New(c *config.Config, st store.Store, userID mxid.UserID, deviceID mxid.DeviceID, clk clock.Clock) (*Machine, error) {
	if _, err := mxid.ParseUserID(string(userID)); err != nil {
		return nil, err
	}
	if _, err := mxid.ParseDeviceID(string(deviceID)); err != nil {
		return nil, err
	}
	schemas, err := newResponseSchemas()
	if err != nil {
		return nil, err
	}
	m := &Machine{
		config:          c,
		log:             c.Logger("machine"),
		store:           st,
		clock:           clk,
		userID:          userID,
		deviceID:        deviceID,
		queue:           newRequestQueue(),
		schemas:         schemas,
		oneTimeKeyCount: -1,
		shares:          make(map[ids.RequestID]mxid.RoomID),
		claims:          make(map[string]ids.RequestID),
		claimFailures:   make(map[string]time.Time),
		wedged:          make(map[string]bool),
		listGen:         make(map[mxid.UserID]uint64),
	}
	if err := m.loadAccount(); err != nil {
		return nil, err
	}
	if err := m.loadPrivateIdentity(); err != nil {
		return nil, err
	}
	m.verifications, err = verification.NewMachine(c, &keyProvider{m}, clk)
	if err != nil {
		return nil, err
	}
	if err := m.requeueKeyRequests(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Machine) loadAccount() error {
	rec, err := m.store.LoadAccount()
	if errors.Is(err, store.ErrNotFound) {
		m.log.Infof("creating account for %s %s", m.userID, m.deviceID)
		account, err := olm.NewAccount()
		if err != nil {
			return fmt.Errorf("machine: error creating account: %w", err)
		}
		m.account = account
		changes := &store.Changes{
			TrackedUsers: []*store.TrackedUser{{UserID: m.userID, Dirty: true}},
		}
		if err := m.addAccount(changes); err != nil {
			return err
		}
		return m.save(changes)
	} else if err != nil {
		return storeErr("load account", err)
	}
	if rec.UserID != m.userID || rec.DeviceID != m.deviceID {
		return fmt.Errorf("%w: stored %s %s", ErrAccountMismatch, rec.UserID, rec.DeviceID)
	}
	account, err := olm.UnpickleAccount(rec.Pickle)
	if err != nil {
		return fmt.Errorf("machine: error loading account: %w", err)
	}
	account.Shared = rec.Shared
	m.account = account
	return nil
}

// addAccount adds the current account to changes.
func (m *Machine) addAccount(changes *store.Changes) error {
	pickle, err := m.account.Pickle()
	if err != nil {
		return fmt.Errorf("machine: error pickling account: %w", err)
	}
	changes.Account = &store.Account{
		UserID:   m.userID,
		DeviceID: m.deviceID,
		Pickle:   pickle,
		Shared:   m.account.Shared,
	}
	return nil
}

func (m *Machine) saveAccount() error {
	changes := &store.Changes{}
	if err := m.addAccount(changes); err != nil {
		return err
	}
	return m.save(changes)
}

func (m *Machine) save(changes *store.Changes) error {
	if changes.IsEmpty() {
		return nil
	}
	return storeErr("save changes", m.store.SaveChanges(changes))
}

func (m *Machine) UserID() mxid.UserID {
	return m.userID
}

func (m *Machine) DeviceID() mxid.DeviceID {
	return m.deviceID
}

// OutgoingRequests returns every pending request. A keys upload and a keys query are derived when
// needed and none of that kind is pending yet.
func (m *Machine) OutgoingRequests() ([]OutgoingRequest, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if !m.queue.hasType(RequestKeysUpload) {
		upload, err := m.keysUploadRequest()
		if err != nil {
			return nil, err
		}
		if upload != nil {
			m.queue.add(upload)
		}
	}
	if !m.queue.hasType(RequestKeysQuery) {
		query, err := m.keysQueryRequest()
		if err != nil {
			return nil, err
		}
		if query != nil {
			m.queue.add(query)
		}
	}
	return m.queue.list(), nil
}

func decodeResponse[T any](t RequestType, body []byte) (*T, error) {
	out := new(T)
	if err := json.Unmarshal(body, out); err != nil {
		return nil, &ResponseError{Type: t, Err: err}
	}
	return out, nil
}

// MarkRequestAsSent applies the response to a request and removes it from the queue. Marking the same
// request twice is a no-op. A body of the wrong shape returns a *ResponseError and changes nothing.
func (m *Machine) MarkRequestAsSent(id ids.RequestID, t RequestType, body []byte) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.queue.isAcked(id) {
		m.log.Debugf("request %s already marked as sent", id)
		return nil
	}
	req, ok := m.queue.get(id)
	if !ok {
		return storeErr("mark request as sent", fmt.Errorf("%w: %s", ErrUnknownRequest, id))
	}
	if req.RequestType() != t {
		return &ResponseError{Type: t, Err: fmt.Errorf("request %s is a %s request", id, req.RequestType())}
	}
	if err := m.schemas.validate(t, body); err != nil {
		return err
	}

	var err error
	switch r := req.(type) {
	case *KeysUploadRequest:
		err = m.receiveKeysUploadResponse(r, body)
	case *KeysQueryRequest:
		err = m.receiveKeysQueryResponse(r, body)
	case *KeysClaimRequest:
		err = m.receiveKeysClaimResponse(r, body)
	case *ToDeviceRequest:
		err = m.receiveToDeviceResponse(r)
	case *RoomMessageRequest:
		err = m.receiveRoomMessageResponse(r, body)
	case *SignatureUploadRequest:
		err = m.receiveSignatureUploadResponse(r, body)
	case *KeysBackupRequest:
		err = m.receiveKeysBackupResponse(r, body)
	default:
		err = fmt.Errorf("machine: unhandled request %T", req)
	}
	if err != nil {
		return err
	}
	m.queue.ack(id)
	return nil
}

func (m *Machine) receiveRoomMessageResponse(r *RoomMessageRequest, body []byte) error {
	resp, err := decodeResponse[roomMessageResponse](RequestRoomMessage, body)
	if err != nil {
		return err
	}
	m.log.Debugf("sent %s in %s as %s", r.EventType, r.RoomID, resp.EventID)
	return nil
}

func (m *Machine) receiveToDeviceResponse(r *ToDeviceRequest) error {
	if room, ok := m.shares[r.ID]; ok {
		if err := m.ackRoomKeyShare(room, r.ID); err != nil {
			return err
		}
		delete(m.shares, r.ID)
	}
	if r.EventType == eventRoomKeyRequest {
		return m.markKeyRequestSent(r.ID)
	}
	return nil
}

// keyProvider answers the verification machine's key lookups from the store. It is only called with
// m.lock held.
type keyProvider struct {
	m *Machine
}

func (k *keyProvider) OwnIdentity() verification.Identity {
	id := verification.Identity{
		UserID:   k.m.userID,
		DeviceID: k.m.deviceID,
		Ed25519:  k.m.account.IdentityKeys().Ed25519,
	}
	if ident, err := k.m.store.UserIdentity(k.m.userID); err == nil && ident.MasterKey != nil {
		id.MasterKey = ident.MasterKey.PublicKey()
		id.MasterTrusted = ident.Verified
	}
	return id
}

func (k *keyProvider) DeviceIdentity(userID mxid.UserID, deviceID mxid.DeviceID) (verification.Identity, bool) {
	d, err := k.m.store.Device(userID, deviceID)
	if err != nil || d.Deleted {
		return verification.Identity{}, false
	}
	id := verification.Identity{UserID: userID, DeviceID: deviceID, Ed25519: d.Ed25519Key()}
	if ident, err := k.m.store.UserIdentity(userID); err == nil && ident.MasterKey != nil {
		id.MasterKey = ident.MasterKey.PublicKey()
		id.MasterTrusted = ident.Verified
	}
	return id, true
}

func (k *keyProvider) MasterKey(userID mxid.UserID) (string, bool) {
	ident, err := k.m.store.UserIdentity(userID)
	if err != nil || ident.MasterKey == nil {
		return "", false
	}
	return ident.MasterKey.PublicKey(), true
}

// Close releases the store.
func (m *Machine) Close() error {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.store.Close()
}
