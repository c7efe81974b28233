package machine

import (
	"encoding/json"
	"sort"

	"github.com/meow-io/go-e2ee/mxid"
	"github.com/meow-io/go-e2ee/store"
)

const (
	eventEncrypted        = "m.room.encrypted"
	eventRoomKey          = "m.room_key"
	eventForwardedRoomKey = "m.forwarded_room_key"
	eventRoomKeyRequest   = "m.room_key_request"
	eventDummy            = "m.dummy"

	keyRequestAction       = "request"
	keyRequestCancellation = "request_cancellation"

	allDevices mxid.DeviceID = "*"
)

// ToDeviceEvent is a to-device event as delivered by sync. Events returned by ReceiveSyncChanges that
// arrived Olm encrypted carry their decrypted type and content and the curve25519 key they were
// encrypted with.
type ToDeviceEvent struct {
	Sender    mxid.UserID     `json:"sender"`
	Type      string          `json:"type"`
	Content   json.RawMessage `json:"content"`
	SenderKey string          `json:"-"`
}

// RoomEvent is the part of a timeline event the machine needs.
type RoomEvent struct {
	EventID        mxid.EventID    `json:"event_id"`
	Sender         mxid.UserID     `json:"sender"`
	Type           string          `json:"type"`
	Content        json.RawMessage `json:"content"`
	OriginServerTS uint64          `json:"origin_server_ts"`
}

type olmCiphertext struct {
	Type int    `json:"type"`
	Body string `json:"body"`
}

type olmContent struct {
	Algorithm  string                   `json:"algorithm"`
	SenderKey  string                   `json:"sender_key"`
	Ciphertext map[string]olmCiphertext `json:"ciphertext"`
}

type olmPayload struct {
	Type          string            `json:"type"`
	Content       json.RawMessage   `json:"content"`
	Sender        mxid.UserID       `json:"sender"`
	SenderDevice  mxid.DeviceID     `json:"sender_device,omitempty"`
	Recipient     mxid.UserID       `json:"recipient"`
	RecipientKeys map[string]string `json:"recipient_keys"`
	Keys          map[string]string `json:"keys"`
}

type megolmContent struct {
	Algorithm  string        `json:"algorithm"`
	SenderKey  string        `json:"sender_key"`
	Ciphertext string        `json:"ciphertext"`
	SessionID  string        `json:"session_id"`
	DeviceID   mxid.DeviceID `json:"device_id,omitempty"`
}

type megolmPayload struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
	RoomID  mxid.RoomID     `json:"room_id"`
}

type roomKeyContent struct {
	Algorithm  string      `json:"algorithm"`
	RoomID     mxid.RoomID `json:"room_id"`
	SessionID  string      `json:"session_id"`
	SessionKey string      `json:"session_key"`
}

type forwardedRoomKeyContent struct {
	Algorithm                    string      `json:"algorithm"`
	RoomID                       mxid.RoomID `json:"room_id"`
	SenderKey                    string      `json:"sender_key"`
	SessionID                    string      `json:"session_id"`
	SessionKey                   string      `json:"session_key"`
	SenderClaimedEd25519Key      string      `json:"sender_claimed_ed25519_key"`
	ForwardingCurve25519KeyChain []string    `json:"forwarding_curve25519_key_chain"`
}

type requestedKeyInfo struct {
	Algorithm string      `json:"algorithm"`
	RoomID    mxid.RoomID `json:"room_id"`
	SenderKey string      `json:"sender_key"`
	SessionID string      `json:"session_id"`
}

type roomKeyRequestContent struct {
	Action             string            `json:"action"`
	Body               *requestedKeyInfo `json:"body,omitempty"`
	RequestID          string            `json:"request_id"`
	RequestingDeviceID mxid.DeviceID     `json:"requesting_device_id"`
}

func targetKey(userID mxid.UserID, deviceID mxid.DeviceID) string {
	return store.ShareTarget{UserID: userID, DeviceID: deviceID}.Key()
}

// sortedUsers returns the distinct users in order.
func sortedUsers(users []mxid.UserID) []mxid.UserID {
	seen := make(map[mxid.UserID]bool, len(users))
	out := make([]mxid.UserID, 0, len(users))
	for _, u := range users {
		if !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
