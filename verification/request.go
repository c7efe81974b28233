package verification

import (
	"time"

	"github.com/meow-io/go-e2ee/mxid"
)

type requestState interface {
	requestState() RequestState
}

// we sent the request and are waiting for a ready
type requestCreated struct {
	ourMethods []Method
}

// they sent the request and we have not answered
type requestRequested struct {
	theirMethods []Method
	fromDevice   mxid.DeviceID
}

type requestReady struct {
	ourMethods   []Method
	theirMethods []Method
	otherDevice  mxid.DeviceID
}

type requestTransitioned struct {
	requestReady
}

type requestDone struct {
	requestReady
}

type requestCancelled struct {
	info *CancelInfo
}

func (requestCreated) requestState() RequestState      { return RequestCreated }
func (requestRequested) requestState() RequestState    { return RequestRequested }
func (requestReady) requestState() RequestState        { return RequestReady }
func (requestTransitioned) requestState() RequestState { return RequestTransitioned }
func (requestDone) requestState() RequestState         { return RequestDone }
func (requestCancelled) requestState() RequestState    { return RequestCancelled }

// Request is the handshake that precedes a Sas or QR flow.
type Request struct {
	flow        FlowID
	own         Identity
	otherUser   mxid.UserID
	otherDevice mxid.DeviceID
	weStarted   bool
	createdAt   time.Time
	state       requestState
}

func newOutgoingRequest(own Identity, other mxid.UserID, device mxid.DeviceID, flow FlowID, methods []Method, now time.Time) (*Request, *Outgoing) {
	r := &Request{
		flow:        flow,
		own:         own,
		otherUser:   other,
		otherDevice: device,
		weStarted:   true,
		createdAt:   now,
		state:       requestCreated{ourMethods: methods},
	}
	if flow.InRoom() {
		return r, nil
	}
	content := &RequestContent{FromDevice: own.DeviceID, Methods: methods, Timestamp: uint64(now.UnixMilli())}
	return r, newOutgoing(flow, other, device, EventRequest, content)
}

func newIncomingRequest(own Identity, sender mxid.UserID, flow FlowID, c *RequestContent, now time.Time) *Request {
	return &Request{
		flow:        flow,
		own:         own,
		otherUser:   sender,
		otherDevice: c.FromDevice,
		createdAt:   now,
		state:       requestRequested{theirMethods: c.Methods, fromDevice: c.FromDevice},
	}
}

func (s requestRequested) accept(r *Request, methods []Method) (requestState, *Outgoing) {
	next := requestReady{ourMethods: methods, theirMethods: s.theirMethods, otherDevice: s.fromDevice}
	out := newOutgoing(r.flow, r.otherUser, s.fromDevice, EventReady, &ReadyContent{FromDevice: r.own.DeviceID, Methods: methods})
	return next, out
}

func (s requestCreated) receiveReady(c *ReadyContent) requestState {
	return requestReady{ourMethods: s.ourMethods, theirMethods: c.Methods, otherDevice: c.FromDevice}
}

func (r *Request) active() bool {
	switch r.state.(type) {
	case requestDone, requestCancelled:
		return false
	}
	return true
}

// transition records that a Sas or QR flow took over. Requests that never reached ready are
// treated as ready when the other side starts directly.
func (r *Request) transition(otherDevice mxid.DeviceID) {
	switch s := r.state.(type) {
	case requestReady:
		r.state = requestTransitioned{s}
	case requestCreated:
		r.state = requestTransitioned{requestReady{ourMethods: s.ourMethods, otherDevice: otherDevice}}
	case requestRequested:
		r.state = requestTransitioned{requestReady{theirMethods: s.theirMethods, otherDevice: otherDevice}}
	}
	if otherDevice != "" {
		r.otherDevice = otherDevice
	}
}

func (r *Request) done() {
	switch s := r.state.(type) {
	case requestTransitioned:
		r.state = requestDone{s.requestReady}
	case requestReady:
		r.state = requestDone{s}
	}
}

func (r *Request) cancel(info *CancelInfo) *Outgoing {
	if !r.active() {
		return nil
	}
	r.state = requestCancelled{info: info}
	if !info.CancelledByUs {
		return nil
	}
	device := r.otherDevice
	if device == "" {
		device = "*"
	}
	return newOutgoing(r.flow, r.otherUser, device, EventCancel, info.content())
}

func (r *Request) readyState() (requestReady, bool) {
	switch s := r.state.(type) {
	case requestReady:
		return s, true
	case requestTransitioned:
		return s.requestReady, true
	}
	return requestReady{}, false
}

func (r *Request) info() RequestInfo {
	ri := RequestInfo{
		FlowID:        r.flow,
		OtherUserID:   r.otherUser,
		OtherDeviceID: r.otherDevice,
		WeStarted:     r.weStarted,
		State:         r.state.requestState(),
	}
	switch s := r.state.(type) {
	case requestCreated:
		ri.OurMethods = append([]Method{}, s.ourMethods...)
	case requestRequested:
		ri.TheirMethods = append([]Method{}, s.theirMethods...)
	case requestCancelled:
		c := *s.info
		ri.Cancel = &c
	}
	if ready, ok := r.readyState(); ok {
		ri.OurMethods = append([]Method{}, ready.ourMethods...)
		ri.TheirMethods = append([]Method{}, ready.theirMethods...)
	}
	if done, ok := r.state.(requestDone); ok {
		ri.OurMethods = append([]Method{}, done.ourMethods...)
		ri.TheirMethods = append([]Method{}, done.theirMethods...)
	}
	return ri
}
