// Package store defines the records the encryption machine persists and the contract a backing store
// has to satisfy. Pickles are opaque to the store; it never needs key material to do its job.
package store

import (
	"errors"

	"github.com/meow-io/go-e2ee/ids"
	"github.com/meow-io/go-e2ee/mxid"
)

var ErrNotFound = errors.New("store: not found")

type LocalTrust int

const (
	LocalTrustUnset LocalTrust = iota
	LocalTrustVerified
	LocalTrustBlackListed
	LocalTrustIgnored
)

func (t LocalTrust) String() string {
	switch t {
	case LocalTrustVerified:
		return "verified"
	case LocalTrustBlackListed:
		return "blacklisted"
	case LocalTrustIgnored:
		return "ignored"
	default:
		return "unset"
	}
}

type Account struct {
	UserID   mxid.UserID   `cbor:"user_id"`
	DeviceID mxid.DeviceID `cbor:"device_id"`
	Pickle   []byte        `cbor:"pickle"`
	Shared   bool          `cbor:"shared"`
}

// PrivateIdentity holds the pickled private cross-signing seeds, whichever of them we have.
type PrivateIdentity struct {
	Pickle []byte `cbor:"pickle"`
}

type Device struct {
	UserID      mxid.UserID                  `cbor:"user_id"`
	DeviceID    mxid.DeviceID                `cbor:"device_id"`
	Keys        map[string]string            `cbor:"keys"`
	Algorithms  []string                     `cbor:"algorithms"`
	DisplayName string                       `cbor:"display_name"`
	Signatures  map[string]map[string]string `cbor:"signatures"`
	LocalTrust  LocalTrust                   `cbor:"local_trust"`
	Deleted     bool                         `cbor:"deleted"`
	// Raw is the signed device keys object exactly as the server returned it.
	Raw []byte `cbor:"raw"`
}

func (d *Device) Curve25519Key() string {
	return d.Keys["curve25519:"+string(d.DeviceID)]
}

func (d *Device) Ed25519Key() string {
	return d.Keys["ed25519:"+string(d.DeviceID)]
}

// CrossSigningKey is a published master, self-signing or user-signing key.
type CrossSigningKey struct {
	UserID     mxid.UserID                  `cbor:"user_id" json:"user_id"`
	Usage      []string                     `cbor:"usage" json:"usage"`
	Keys       map[string]string            `cbor:"keys" json:"keys"`
	Signatures map[string]map[string]string `cbor:"signatures" json:"signatures,omitempty"`
}

// PublicKey returns the single key of a cross-signing key object.
func (k *CrossSigningKey) PublicKey() string {
	if k == nil {
		return ""
	}
	for _, v := range k.Keys {
		return v
	}
	return ""
}

type UserIdentity struct {
	UserID         mxid.UserID      `cbor:"user_id"`
	Own            bool             `cbor:"own"`
	MasterKey      *CrossSigningKey `cbor:"master_key"`
	SelfSigningKey *CrossSigningKey `cbor:"self_signing_key"`
	UserSigningKey *CrossSigningKey `cbor:"user_signing_key"`
	// Verified is set on our own identity once this device trusts the master key, and on other
	// identities once we signed their master key with our user-signing key.
	Verified bool `cbor:"verified"`
}

type TrackedUser struct {
	UserID mxid.UserID `cbor:"user_id"`
	Dirty  bool        `cbor:"dirty"`
}

type Session struct {
	SenderKey  string `cbor:"sender_key"`
	SessionID  string `cbor:"session_id"`
	Pickle     []byte `cbor:"pickle"`
	CreatedMs  uint64 `cbor:"created_ms"`
	LastUsedMs uint64 `cbor:"last_used_ms"`
}

type InboundGroupSession struct {
	RoomID    mxid.RoomID `cbor:"room_id"`
	SenderKey string      `cbor:"sender_key"`
	SessionID string      `cbor:"session_id"`
	Pickle    []byte      `cbor:"pickle"`
	BackedUp  bool        `cbor:"backed_up"`
}

type ShareTarget struct {
	UserID   mxid.UserID   `cbor:"user_id"`
	DeviceID mxid.DeviceID `cbor:"device_id"`
	// Index is the message index the shared key starts at.
	Index uint32 `cbor:"index"`
}

// Key is how a target is stored in OutboundGroupSession.SharedWith.
func (t ShareTarget) Key() string {
	return string(t.UserID) + "|" + string(t.DeviceID)
}

type OutboundGroupSession struct {
	RoomID    mxid.RoomID `cbor:"room_id"`
	SessionID string      `cbor:"session_id"`
	Pickle    []byte      `cbor:"pickle"`
	// SharedWith maps devices that acknowledged the key to the message index they received.
	SharedWith map[string]uint32 `cbor:"shared_with"`
	// PendingShares are to-device requests carrying the key that have not been marked as sent.
	PendingShares map[ids.RequestID][]ShareTarget `cbor:"pending_shares"`
}

type OutgoingKeyRequest struct {
	RequestID ids.RequestID `cbor:"request_id"`
	RoomID    mxid.RoomID   `cbor:"room_id"`
	SenderKey string        `cbor:"sender_key"`
	SessionID string        `cbor:"session_id"`
	Algorithm string        `cbor:"algorithm"`
	SentOut   bool          `cbor:"sent_out"`
}

type BackupState struct {
	Version   string `cbor:"version"`
	PublicKey string `cbor:"public_key"`
	// RecoveryKey and RecoveryVersion are only set when the user saved the private backup key locally.
	RecoveryKey     []byte `cbor:"recovery_key"`
	RecoveryVersion string `cbor:"recovery_version"`
}

func (b *BackupState) Enabled() bool {
	return b != nil && b.Version != "" && b.PublicKey != ""
}

// MessageIndex remembers which event used a Megolm message index so replays can be told apart from
// redelivery of the same event.
type MessageIndex struct {
	SenderKey string       `cbor:"sender_key"`
	SessionID string       `cbor:"session_id"`
	Index     uint32       `cbor:"index"`
	EventID   mxid.EventID `cbor:"event_id"`
	Timestamp uint64       `cbor:"timestamp"`
}

type RoomKeyCounts struct {
	Total    int
	BackedUp int
}

// Changes is applied atomically by SaveChanges. ResetBackedUp marks every stored inbound group session
// as not backed up before InboundGroupSessions are written.
type Changes struct {
	Account                      *Account
	PrivateIdentity              *PrivateIdentity
	Devices                      []*Device
	Identities                   []*UserIdentity
	TrackedUsers                 []*TrackedUser
	UntrackedUsers               []mxid.UserID
	Sessions                     []*Session
	InboundGroupSessions         []*InboundGroupSession
	OutboundGroupSessions        []*OutboundGroupSession
	DeletedOutboundGroupSessions []mxid.RoomID
	KeyRequests                  []*OutgoingKeyRequest
	DeletedKeyRequests           []ids.RequestID
	MessageIndexes               []*MessageIndex
	Backup                       *BackupState
	ClearBackup                  bool
	ResetBackedUp                bool
}

func (c *Changes) IsEmpty() bool {
	return c.Account == nil && c.PrivateIdentity == nil && len(c.Devices) == 0 && len(c.Identities) == 0 &&
		len(c.TrackedUsers) == 0 && len(c.UntrackedUsers) == 0 && len(c.Sessions) == 0 &&
		len(c.InboundGroupSessions) == 0 && len(c.OutboundGroupSessions) == 0 &&
		len(c.DeletedOutboundGroupSessions) == 0 && len(c.KeyRequests) == 0 &&
		len(c.DeletedKeyRequests) == 0 && len(c.MessageIndexes) == 0 && c.Backup == nil && !c.ClearBackup &&
		!c.ResetBackedUp
}

// Store is the persistence contract of the machine. Single record lookups return ErrNotFound when
// nothing is stored under the key. Returned records are copies.
type Store interface {
	LoadAccount() (*Account, error)
	LoadPrivateIdentity() (*PrivateIdentity, error)
	SaveChanges(changes *Changes) error

	Device(userID mxid.UserID, deviceID mxid.DeviceID) (*Device, error)
	UserDevices(userID mxid.UserID) ([]*Device, error)
	DeviceByCurveKey(userID mxid.UserID, curveKey string) (*Device, error)
	UserIdentity(userID mxid.UserID) (*UserIdentity, error)
	TrackedUsers() ([]*TrackedUser, error)

	Sessions(senderKey string) ([]*Session, error)

	InboundGroupSession(roomID mxid.RoomID, senderKey, sessionID string) (*InboundGroupSession, error)
	InboundGroupSessions() ([]*InboundGroupSession, error)
	InboundGroupSessionsForBackup(limit int) ([]*InboundGroupSession, error)
	InboundGroupSessionCounts() (RoomKeyCounts, error)
	OutboundGroupSession(roomID mxid.RoomID) (*OutboundGroupSession, error)

	KeyRequest(id ids.RequestID) (*OutgoingKeyRequest, error)
	KeyRequestBySession(roomID mxid.RoomID, senderKey, sessionID string) (*OutgoingKeyRequest, error)
	UnsentKeyRequests() ([]*OutgoingKeyRequest, error)

	BackupState() (*BackupState, error)
	MessageIndex(senderKey, sessionID string, index uint32) (*MessageIndex, error)

	Close() error
}
