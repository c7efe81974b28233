package verification

import (
	"github.com/meow-io/go-e2ee/mxid"
)

// Identity is what one side of a flow is known by: a device signing key and, if the user has
// cross-signing, the user's master key.
type Identity struct {
	UserID        mxid.UserID
	DeviceID      mxid.DeviceID
	Ed25519       string
	MasterKey     string
	MasterTrusted bool
}

// KeyProvider looks up keys the machine already knows about.
type KeyProvider interface {
	OwnIdentity() Identity
	DeviceIdentity(userID mxid.UserID, deviceID mxid.DeviceID) (Identity, bool)
	MasterKey(userID mxid.UserID) (string, bool)
}

// Result is produced once per successfully finished flow.
type Result struct {
	FlowID            FlowID
	OtherUserID       mxid.UserID
	VerifiedDevices   []mxid.DeviceID
	VerifiedMasterKey string
}

type Kind string

const (
	KindSas Kind = "sas"
	KindQr  Kind = "qr"
)

// Info is a snapshot of a Sas or QR flow.
type Info struct {
	Kind            Kind
	FlowID          FlowID
	OtherUserID     mxid.UserID
	OtherDeviceID   mxid.DeviceID
	WeStarted       bool
	State           string
	CanBePresented  bool
	HaveWeConfirmed bool
	Emoji           []int
	Decimals        []int
	QrCode          string
	Cancel          *CancelInfo
}

func (i Info) IsDone() bool {
	return i.State == stateDone
}

func (i Info) IsCancelled() bool {
	return i.Cancel != nil
}

type RequestState string

const (
	RequestCreated      RequestState = "created"
	RequestRequested    RequestState = "requested"
	RequestReady        RequestState = "ready"
	RequestTransitioned RequestState = "transitioned"
	RequestDone         RequestState = "done"
	RequestCancelled    RequestState = "cancelled"
)

// RequestInfo is a snapshot of a verification request.
type RequestInfo struct {
	FlowID        FlowID
	OtherUserID   mxid.UserID
	OtherDeviceID mxid.DeviceID
	WeStarted     bool
	State         RequestState
	OurMethods    []Method
	TheirMethods  []Method
	Cancel        *CancelInfo
}

const (
	stateCreated       = "created"
	stateStarted       = "started"
	stateAccepted      = "accepted"
	stateKeysExchanged = "keys_exchanged"
	stateConfirmed     = "confirmed"
	stateOtherScanned  = "other_scanned"
	stateReciprocated  = "reciprocated"
	stateDone          = "done"
	stateCancelled     = "cancelled"
)
