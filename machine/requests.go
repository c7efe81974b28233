package machine

import (
	"encoding/json"

	"github.com/meow-io/go-e2ee/crypto"
	"github.com/meow-io/go-e2ee/ids"
	"github.com/meow-io/go-e2ee/mxid"
	"github.com/meow-io/go-e2ee/store"
	"golang.org/x/exp/maps"
)

type RequestType string

const (
	RequestKeysUpload      RequestType = "keys_upload"
	RequestKeysQuery       RequestType = "keys_query"
	RequestKeysClaim       RequestType = "keys_claim"
	RequestToDevice        RequestType = "to_device"
	RequestRoomMessage     RequestType = "room_message"
	RequestSignatureUpload RequestType = "signature_upload"
	RequestKeysBackup      RequestType = "keys_backup"
)

// OutgoingRequest is network work the embedder has to perform. Body is the JSON the matching
// endpoint expects; the response is handed back to MarkRequestAsSent under the same id and type.
type OutgoingRequest interface {
	RequestID() ids.RequestID
	RequestType() RequestType
	Body() ([]byte, error)
}

// cloner is implemented by every request type; the queue only hands out copies.
type cloner interface {
	clone() OutgoingRequest
}

const (
	signedCurve25519 = "signed_curve25519"
	claimTimeoutMs   = 10000
)

// OneTimeKey is a signed_curve25519 key as uploaded and claimed.
type OneTimeKey struct {
	Key        string            `json:"key"`
	Fallback   bool              `json:"fallback,omitempty"`
	Signatures crypto.Signatures `json:"signatures,omitempty"`
}

type UnsignedDeviceInfo struct {
	DeviceDisplayName string `json:"device_display_name,omitempty"`
}

type DeviceKeys struct {
	UserID     mxid.UserID         `json:"user_id"`
	DeviceID   mxid.DeviceID       `json:"device_id"`
	Algorithms []string            `json:"algorithms"`
	Keys       map[string]string   `json:"keys"`
	Signatures crypto.Signatures   `json:"signatures,omitempty"`
	Unsigned   *UnsignedDeviceInfo `json:"unsigned,omitempty"`
}

type KeysUploadRequest struct {
	ID           ids.RequestID          `json:"-"`
	DeviceKeys   *DeviceKeys            `json:"device_keys,omitempty"`
	OneTimeKeys  map[string]*OneTimeKey `json:"one_time_keys,omitempty"`
	FallbackKeys map[string]*OneTimeKey `json:"fallback_keys,omitempty"`
}

func (r *KeysUploadRequest) RequestID() ids.RequestID { return r.ID }
func (r *KeysUploadRequest) RequestType() RequestType { return RequestKeysUpload }
func (r *KeysUploadRequest) Body() ([]byte, error)    { return json.Marshal(r) }

func (r *KeysUploadRequest) clone() OutgoingRequest {
	c := *r
	if r.DeviceKeys != nil {
		dk := *r.DeviceKeys
		dk.Algorithms = append([]string(nil), r.DeviceKeys.Algorithms...)
		dk.Keys = maps.Clone(r.DeviceKeys.Keys)
		dk.Signatures = cloneSignatures(r.DeviceKeys.Signatures)
		if r.DeviceKeys.Unsigned != nil {
			u := *r.DeviceKeys.Unsigned
			dk.Unsigned = &u
		}
		c.DeviceKeys = &dk
	}
	c.OneTimeKeys = cloneOneTimeKeys(r.OneTimeKeys)
	c.FallbackKeys = cloneOneTimeKeys(r.FallbackKeys)
	return &c
}

func cloneOneTimeKeys(keys map[string]*OneTimeKey) map[string]*OneTimeKey {
	if keys == nil {
		return nil
	}
	out := make(map[string]*OneTimeKey, len(keys))
	for id, k := range keys {
		kc := *k
		kc.Signatures = cloneSignatures(k.Signatures)
		out[id] = &kc
	}
	return out
}

func cloneSignatures(sigs crypto.Signatures) crypto.Signatures {
	if sigs == nil {
		return nil
	}
	out := make(crypto.Signatures, len(sigs))
	for user, keys := range sigs {
		out[user] = maps.Clone(keys)
	}
	return out
}

type KeysQueryRequest struct {
	ID         ids.RequestID                   `json:"-"`
	DeviceKeys map[mxid.UserID][]mxid.DeviceID `json:"device_keys"`
	Timeout    int                             `json:"timeout,omitempty"`

	generation map[mxid.UserID]uint64
}

func (r *KeysQueryRequest) RequestID() ids.RequestID { return r.ID }
func (r *KeysQueryRequest) RequestType() RequestType { return RequestKeysQuery }
func (r *KeysQueryRequest) Body() ([]byte, error)    { return json.Marshal(r) }

func (r *KeysQueryRequest) clone() OutgoingRequest {
	c := *r
	c.DeviceKeys = make(map[mxid.UserID][]mxid.DeviceID, len(r.DeviceKeys))
	for u, devices := range r.DeviceKeys {
		c.DeviceKeys[u] = append([]mxid.DeviceID{}, devices...)
	}
	return &c
}

// Users lists the users whose devices are queried.
func (r *KeysQueryRequest) Users() []mxid.UserID {
	users := make([]mxid.UserID, 0, len(r.DeviceKeys))
	for u := range r.DeviceKeys {
		users = append(users, u)
	}
	return sortedUsers(users)
}

type KeysClaimRequest struct {
	ID          ids.RequestID                            `json:"-"`
	OneTimeKeys map[mxid.UserID]map[mxid.DeviceID]string `json:"one_time_keys"`
	Timeout     int                                      `json:"timeout,omitempty"`
}

func (r *KeysClaimRequest) RequestID() ids.RequestID { return r.ID }
func (r *KeysClaimRequest) RequestType() RequestType { return RequestKeysClaim }
func (r *KeysClaimRequest) Body() ([]byte, error)    { return json.Marshal(r) }

func (r *KeysClaimRequest) clone() OutgoingRequest {
	c := *r
	c.OneTimeKeys = make(map[mxid.UserID]map[mxid.DeviceID]string, len(r.OneTimeKeys))
	for u, devices := range r.OneTimeKeys {
		c.OneTimeKeys[u] = maps.Clone(devices)
	}
	return &c
}

// ToDeviceRequest is a PUT /sendToDevice/{EventType}/{TxnID}.
type ToDeviceRequest struct {
	ID        ids.RequestID                                     `json:"-"`
	EventType string                                            `json:"-"`
	TxnID     string                                            `json:"-"`
	Messages  map[mxid.UserID]map[mxid.DeviceID]json.RawMessage `json:"messages"`
}

func (r *ToDeviceRequest) RequestID() ids.RequestID { return r.ID }
func (r *ToDeviceRequest) RequestType() RequestType { return RequestToDevice }
func (r *ToDeviceRequest) Body() ([]byte, error)    { return json.Marshal(r) }

func (r *ToDeviceRequest) clone() OutgoingRequest {
	c := *r
	c.Messages = make(map[mxid.UserID]map[mxid.DeviceID]json.RawMessage, len(r.Messages))
	for u, devices := range r.Messages {
		c.Messages[u] = make(map[mxid.DeviceID]json.RawMessage, len(devices))
		for d, content := range devices {
			c.Messages[u][d] = append(json.RawMessage(nil), content...)
		}
	}
	return &c
}

func (r *ToDeviceRequest) add(user mxid.UserID, device mxid.DeviceID, content json.RawMessage) {
	if r.Messages == nil {
		r.Messages = make(map[mxid.UserID]map[mxid.DeviceID]json.RawMessage)
	}
	if r.Messages[user] == nil {
		r.Messages[user] = make(map[mxid.DeviceID]json.RawMessage)
	}
	r.Messages[user][device] = content
}

func newToDeviceRequest(eventType string) *ToDeviceRequest {
	id := ids.NewRequestID()
	return &ToDeviceRequest{ID: id, EventType: eventType, TxnID: id.String()}
}

// RoomMessageRequest is a PUT /rooms/{RoomID}/send/{EventType}/{TxnID}; Body is the event content.
type RoomMessageRequest struct {
	ID        ids.RequestID
	RoomID    mxid.RoomID
	EventType string
	TxnID     string
	Content   json.RawMessage
}

func (r *RoomMessageRequest) RequestID() ids.RequestID { return r.ID }
func (r *RoomMessageRequest) RequestType() RequestType { return RequestRoomMessage }
func (r *RoomMessageRequest) Body() ([]byte, error)    { return r.Content, nil }

func (r *RoomMessageRequest) clone() OutgoingRequest {
	c := *r
	c.Content = append(json.RawMessage(nil), r.Content...)
	return &c
}

// SignatureUploadRequest maps user id to key id to the signed key object.
type SignatureUploadRequest struct {
	ID         ids.RequestID
	Signatures map[mxid.UserID]map[string]json.RawMessage
}

func (r *SignatureUploadRequest) RequestID() ids.RequestID { return r.ID }
func (r *SignatureUploadRequest) RequestType() RequestType { return RequestSignatureUpload }
func (r *SignatureUploadRequest) Body() ([]byte, error)    { return json.Marshal(r.Signatures) }

func (r *SignatureUploadRequest) clone() OutgoingRequest {
	c := *r
	c.Signatures = make(map[mxid.UserID]map[string]json.RawMessage, len(r.Signatures))
	for u, keys := range r.Signatures {
		c.Signatures[u] = make(map[string]json.RawMessage, len(keys))
		for id, signed := range keys {
			c.Signatures[u][id] = append(json.RawMessage(nil), signed...)
		}
	}
	return &c
}

func (r *SignatureUploadRequest) add(user mxid.UserID, keyID string, signed json.RawMessage) {
	if r.Signatures == nil {
		r.Signatures = make(map[mxid.UserID]map[string]json.RawMessage)
	}
	if r.Signatures[user] == nil {
		r.Signatures[user] = make(map[string]json.RawMessage)
	}
	r.Signatures[user][keyID] = signed
}

type KeyBackupData struct {
	FirstMessageIndex uint32            `json:"first_message_index"`
	ForwardedCount    int               `json:"forwarded_count"`
	IsVerified        bool              `json:"is_verified"`
	SessionData       *crypto.PkMessage `json:"session_data"`
}

type RoomKeyBackup struct {
	Sessions map[string]*KeyBackupData `json:"sessions"`
}

// KeysBackupRequest is a PUT /room_keys/keys?version={Version}.
type KeysBackupRequest struct {
	ID      ids.RequestID                  `json:"-"`
	Version string                         `json:"-"`
	Rooms   map[mxid.RoomID]*RoomKeyBackup `json:"rooms"`

	sessions []*store.InboundGroupSession
}

func (r *KeysBackupRequest) RequestID() ids.RequestID { return r.ID }
func (r *KeysBackupRequest) RequestType() RequestType { return RequestKeysBackup }
func (r *KeysBackupRequest) Body() ([]byte, error)    { return json.Marshal(r) }

func (r *KeysBackupRequest) clone() OutgoingRequest {
	c := *r
	c.Rooms = make(map[mxid.RoomID]*RoomKeyBackup, len(r.Rooms))
	for room, backup := range r.Rooms {
		sessions := make(map[string]*KeyBackupData, len(backup.Sessions))
		for id, data := range backup.Sessions {
			dc := *data
			if data.SessionData != nil {
				sd := *data.SessionData
				dc.SessionData = &sd
			}
			sessions[id] = &dc
		}
		c.Rooms[room] = &RoomKeyBackup{Sessions: sessions}
	}
	return &c
}

// responses

type keysUploadResponse struct {
	OneTimeKeyCounts map[string]int `json:"one_time_key_counts"`
}

type keysQueryResponse struct {
	Failures        map[string]json.RawMessage                        `json:"failures"`
	DeviceKeys      map[mxid.UserID]map[mxid.DeviceID]json.RawMessage `json:"device_keys"`
	MasterKeys      map[mxid.UserID]json.RawMessage                   `json:"master_keys"`
	SelfSigningKeys map[mxid.UserID]json.RawMessage                   `json:"self_signing_keys"`
	UserSigningKeys map[mxid.UserID]json.RawMessage                   `json:"user_signing_keys"`
}

type keysClaimResponse struct {
	Failures    map[string]json.RawMessage                                   `json:"failures"`
	OneTimeKeys map[mxid.UserID]map[mxid.DeviceID]map[string]json.RawMessage `json:"one_time_keys"`
}

type roomMessageResponse struct {
	EventID mxid.EventID `json:"event_id"`
}

type signatureUploadResponse struct {
	Failures map[mxid.UserID]map[string]json.RawMessage `json:"failures"`
}

type keysBackupResponse struct {
	Etag  string `json:"etag"`
	Count int    `json:"count"`
}
