package verification

import (
	"encoding/json"
	"fmt"

	"github.com/meow-io/go-e2ee/mxid"
)

const (
	EventRequest = "m.key.verification.request"
	EventReady   = "m.key.verification.ready"
	EventStart   = "m.key.verification.start"
	EventAccept  = "m.key.verification.accept"
	EventKey     = "m.key.verification.key"
	EventMac     = "m.key.verification.mac"
	EventCancel  = "m.key.verification.cancel"
	EventDone    = "m.key.verification.done"

	// in-room requests are sent as a room message with this msgtype
	MsgTypeRequest = EventRequest
)

type Method string

const (
	MethodSas         Method = "m.sas.v1"
	MethodQrShow      Method = "m.qr_code.show.v1"
	MethodQrScan      Method = "m.qr_code.scan.v1"
	MethodReciprocate Method = "m.reciprocate.v1"
)

// DefaultMethods are advertised when the caller does not choose.
var DefaultMethods = []Method{MethodSas, MethodQrShow, MethodQrScan, MethodReciprocate}

const (
	keyAgreementCurve25519 = "curve25519-hkdf-sha256"
	hashSha256             = "sha256"
	macHkdfHmacSha256V2    = "hkdf-hmac-sha256.v2"
	sasDecimal             = "decimal"
	sasEmoji               = "emoji"
	relReference           = "m.reference"
)

// FlowID names a flow. To-device flows use a transaction id, in-room flows the event id of the
// request message.
type FlowID struct {
	ID     string
	RoomID mxid.RoomID
}

func (f FlowID) InRoom() bool {
	return f.RoomID != ""
}

func (f FlowID) String() string {
	if f.InRoom() {
		return fmt.Sprintf("%s/%s", f.RoomID, f.ID)
	}
	return f.ID
}

type Relation struct {
	RelType string `json:"rel_type"`
	EventID string `json:"event_id"`
}

// flowFields are the fields tying a verification event to its flow.
type flowFields struct {
	TransactionID string    `json:"transaction_id,omitempty"`
	RelatesTo     *Relation `json:"m.relates_to,omitempty"`
}

func (f *flowFields) setFlow(id FlowID) {
	if id.InRoom() {
		f.RelatesTo = &Relation{RelType: relReference, EventID: id.ID}
		f.TransactionID = ""
		return
	}
	f.TransactionID = id.ID
}

func (f *flowFields) flowID(room mxid.RoomID) (string, error) {
	if room != "" {
		if f.RelatesTo == nil || f.RelatesTo.EventID == "" {
			return "", fmt.Errorf("%w: missing m.relates_to", ErrInvalidEvent)
		}
		return f.RelatesTo.EventID, nil
	}
	if f.TransactionID == "" {
		return "", fmt.Errorf("%w: missing transaction_id", ErrInvalidEvent)
	}
	return f.TransactionID, nil
}

type RequestContent struct {
	flowFields
	FromDevice mxid.DeviceID `json:"from_device"`
	Methods    []Method      `json:"methods"`
	Timestamp  uint64        `json:"timestamp,omitempty"`
	// set on in-room requests
	MsgType string      `json:"msgtype,omitempty"`
	Body    string      `json:"body,omitempty"`
	To      mxid.UserID `json:"to,omitempty"`
}

type ReadyContent struct {
	flowFields
	FromDevice mxid.DeviceID `json:"from_device"`
	Methods    []Method      `json:"methods"`
}

type StartContent struct {
	flowFields
	FromDevice                 mxid.DeviceID `json:"from_device"`
	Method                     Method        `json:"method"`
	KeyAgreementProtocols      []string      `json:"key_agreement_protocols,omitempty"`
	Hashes                     []string      `json:"hashes,omitempty"`
	MessageAuthenticationCodes []string      `json:"message_authentication_codes,omitempty"`
	ShortAuthenticationString  []string      `json:"short_authentication_string,omitempty"`
	// set when Method is m.reciprocate.v1
	Secret string `json:"secret,omitempty"`
}

type AcceptContent struct {
	flowFields
	Commitment                string   `json:"commitment"`
	KeyAgreementProtocol      string   `json:"key_agreement_protocol"`
	Hash                      string   `json:"hash"`
	MessageAuthenticationCode string   `json:"message_authentication_code"`
	ShortAuthenticationString []string `json:"short_authentication_string"`
}

type KeyContent struct {
	flowFields
	Key string `json:"key"`
}

type MacContent struct {
	flowFields
	Mac  map[string]string `json:"mac"`
	Keys string            `json:"keys"`
}

type CancelContent struct {
	flowFields
	Code   CancelCode `json:"code"`
	Reason string     `json:"reason"`
}

type DoneContent struct {
	flowFields
}

// Event is an incoming verification event, already decrypted if it arrived encrypted. RoomID is
// empty for to-device events.
type Event struct {
	Sender  mxid.UserID
	Type    string
	Content json.RawMessage
	RoomID  mxid.RoomID
	EventID mxid.EventID
	// Timestamp is origin_server_ts for in-room events.
	Timestamp uint64
}

// Outgoing is a verification event to deliver. In-room flows set RoomID, to-device flows set
// the recipient; DeviceID "*" addresses every device of the user.
type Outgoing struct {
	EventType string
	Content   any
	UserID    mxid.UserID
	DeviceID  mxid.DeviceID
	RoomID    mxid.RoomID
}

func (o *Outgoing) MarshalContent() ([]byte, error) {
	return json.Marshal(o.Content)
}

func newOutgoing(flow FlowID, user mxid.UserID, device mxid.DeviceID, eventType string, content any) *Outgoing {
	if setter, ok := content.(interface{ setFlow(FlowID) }); ok {
		setter.setFlow(flow)
	}
	o := &Outgoing{EventType: eventType, Content: content, UserID: user}
	if flow.InRoom() {
		o.RoomID = flow.RoomID
	} else {
		o.DeviceID = device
	}
	return o
}

func decode[T any](ev *Event) (*T, error) {
	out := new(T)
	if err := json.Unmarshal(ev.Content, out); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidEvent, ev.Type, err)
	}
	return out, nil
}

func supports(methods []Method, m Method) bool {
	for _, have := range methods {
		if have == m {
			return true
		}
	}
	return false
}

func intersect(ours, theirs []string) []string {
	var out []string
	for _, o := range ours {
		for _, t := range theirs {
			if o == t {
				out = append(out, o)
				break
			}
		}
	}
	return out
}
