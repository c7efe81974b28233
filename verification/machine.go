// Package verification drives interactive device and identity verification: the request handshake,
// short authentication strings and QR codes. Flows are tagged state machines; every transition
// returns the events it wants delivered and the Machine keeps the registry of live flows.
package verification

import (
	"errors"
	"fmt"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/meow-io/go-e2ee/clock"
	"github.com/meow-io/go-e2ee/config"
	"github.com/meow-io/go-e2ee/ids"
	"github.com/meow-io/go-e2ee/mxid"
	"go.uber.org/zap"
)

const maxClockSkew = 5 * time.Minute

type flowKey struct {
	user mxid.UserID
	id   string
}

// flow is implemented by *Sas and *QrVerification.
type flow interface {
	active() bool
	receive(ev *Event) []*Outgoing
	info() Info
	Cancel(code CancelCode) (*Outgoing, error)
	Confirm() ([]*Outgoing, error)
}

type finished struct {
	request *RequestInfo
	flow    *Info
}

// Machine is the registry of verification flows of one device. It is not safe for concurrent use;
// the caller serializes access.
type Machine struct {
	log      *zap.SugaredLogger
	keys     KeyProvider
	clock    clock.Clock
	timeout  time.Duration
	requests map[flowKey]*Request
	flows    map[flowKey]flow
	finished *lru.Cache[flowKey, *finished]
	results  []*Result
}

func NewMachine(c *config.Config, keys KeyProvider, clk clock.Clock) (*Machine, error) {
	size := c.FinishedFlowRetention
	if size <= 0 {
		size = 1
	}
	cache, err := lru.New[flowKey, *finished](size)
	if err != nil {
		return nil, fmt.Errorf("verification: error making finished flow cache: %w", err)
	}
	return &Machine{
		log:      c.Logger("verification"),
		keys:     keys,
		clock:    clk,
		timeout:  c.VerificationTimeout,
		requests: make(map[flowKey]*Request),
		flows:    make(map[flowKey]flow),
		finished: cache,
	}, nil
}

func (m *Machine) otherIdentity(user mxid.UserID, device mxid.DeviceID) Identity {
	if device != "" && device != "*" {
		if id, ok := m.keys.DeviceIdentity(user, device); ok {
			return id
		}
	}
	id := Identity{UserID: user, DeviceID: device}
	id.MasterKey, _ = m.keys.MasterKey(user)
	return id
}

// RequestVerificationWithDevice starts a to-device request with one device of another user.
func (m *Machine) RequestVerificationWithDevice(user mxid.UserID, device mxid.DeviceID, methods []Method) (RequestInfo, *Outgoing) {
	if len(methods) == 0 {
		methods = DefaultMethods
	}
	flow := FlowID{ID: ids.NewFlowID()}
	r, out := newOutgoingRequest(m.keys.OwnIdentity(), user, device, flow, methods, m.clock.Now())
	m.requests[flowKey{user, flow.ID}] = r
	return r.info(), out
}

// RequestSelfVerification asks every other device of our own user to verify us.
func (m *Machine) RequestSelfVerification(methods []Method) (RequestInfo, *Outgoing) {
	own := m.keys.OwnIdentity()
	return m.RequestVerificationWithDevice(own.UserID, "*", methods)
}

// VerificationRequestContent is the body of the room message that starts an in-room request.
func (m *Machine) VerificationRequestContent(user mxid.UserID, methods []Method) *RequestContent {
	if len(methods) == 0 {
		methods = DefaultMethods
	}
	own := m.keys.OwnIdentity()
	return &RequestContent{
		FromDevice: own.DeviceID,
		Methods:    methods,
		MsgType:    MsgTypeRequest,
		Body:       fmt.Sprintf("%s is requesting to verify your key, but your client does not support in-chat key verification.", own.UserID),
		To:         user,
	}
}

// RequestVerification registers an in-room request once the room message carrying
// VerificationRequestContent has been sent as eventID.
func (m *Machine) RequestVerification(user mxid.UserID, room mxid.RoomID, eventID mxid.EventID, methods []Method) RequestInfo {
	if len(methods) == 0 {
		methods = DefaultMethods
	}
	flow := FlowID{ID: string(eventID), RoomID: room}
	r, _ := newOutgoingRequest(m.keys.OwnIdentity(), user, "", flow, methods, m.clock.Now())
	m.requests[flowKey{user, flow.ID}] = r
	return r.info()
}

func (m *Machine) activeRequest(user mxid.UserID, flowID string) (*Request, []*Outgoing, error) {
	k := flowKey{user, flowID}
	r, ok := m.requests[k]
	if !ok {
		if _, done := m.finished.Peek(k); done {
			return nil, nil, ErrFlowNotActive
		}
		return nil, nil, ErrUnknownFlow
	}
	if outs, expired := m.expire(k); expired {
		return nil, outs, ErrFlowNotActive
	}
	return r, nil, nil
}

func (m *Machine) activeFlow(user mxid.UserID, flowID string) (flow, []*Outgoing, error) {
	k := flowKey{user, flowID}
	f, ok := m.flows[k]
	if !ok {
		if _, done := m.finished.Peek(k); done {
			return nil, nil, ErrFlowNotActive
		}
		if _, ok := m.requests[k]; ok {
			return nil, nil, ErrFlowNotActive
		}
		return nil, nil, ErrUnknownFlow
	}
	if outs, expired := m.expire(k); expired {
		return nil, outs, ErrFlowNotActive
	}
	return f, nil, nil
}

// AcceptVerificationRequest answers a request the other side sent with the methods we support.
func (m *Machine) AcceptVerificationRequest(user mxid.UserID, flowID string, methods []Method) ([]*Outgoing, error) {
	r, outs, err := m.activeRequest(user, flowID)
	if err != nil {
		return outs, err
	}
	st, ok := r.state.(requestRequested)
	if !ok {
		return nil, ErrFlowNotActive
	}
	if len(methods) == 0 {
		methods = DefaultMethods
	}
	next, out := st.accept(r, methods)
	r.state = next
	return []*Outgoing{out}, nil
}

func (m *Machine) readyRequest(user mxid.UserID, flowID string) (*Request, requestReady, []*Outgoing, error) {
	r, outs, err := m.activeRequest(user, flowID)
	if err != nil {
		return nil, requestReady{}, outs, err
	}
	ready, ok := r.state.(requestReady)
	if !ok {
		return nil, requestReady{}, nil, ErrFlowNotActive
	}
	return r, ready, nil, nil
}

// StartSasVerification turns a ready request into a Sas flow.
func (m *Machine) StartSasVerification(user mxid.UserID, flowID string) (Info, []*Outgoing, error) {
	r, ready, outs, err := m.readyRequest(user, flowID)
	if err != nil {
		return Info{}, outs, err
	}
	if !supports(ready.ourMethods, MethodSas) || !supports(ready.theirMethods, MethodSas) {
		return Info{}, nil, ErrUnsupported
	}
	sas, out, err := newSas(m.keys.OwnIdentity(), m.otherIdentity(user, ready.otherDevice), r.flow, m.clock.Now())
	if err != nil {
		return Info{}, nil, err
	}
	r.transition(ready.otherDevice)
	m.flows[flowKey{user, flowID}] = sas
	return sas.info(), []*Outgoing{out}, nil
}

// StartSasWithDevice starts a Sas flow directly, without a request.
func (m *Machine) StartSasWithDevice(user mxid.UserID, device mxid.DeviceID) (Info, []*Outgoing, error) {
	other, ok := m.keys.DeviceIdentity(user, device)
	if !ok {
		return Info{}, nil, fmt.Errorf("verification: unknown device %s of %s", device, user)
	}
	flow := FlowID{ID: ids.NewFlowID()}
	sas, out, err := newSas(m.keys.OwnIdentity(), other, flow, m.clock.Now())
	if err != nil {
		return Info{}, nil, err
	}
	m.flows[flowKey{user, flow.ID}] = sas
	return sas.info(), []*Outgoing{out}, nil
}

func (m *Machine) AcceptSasVerification(user mxid.UserID, flowID string) ([]*Outgoing, error) {
	f, outs, err := m.activeFlow(user, flowID)
	if err != nil {
		return outs, err
	}
	sas, ok := f.(*Sas)
	if !ok {
		return nil, ErrFlowNotActive
	}
	out, err := sas.Accept()
	if err != nil {
		return nil, err
	}
	return []*Outgoing{out}, nil
}

// ConfirmVerification confirms a Sas or QR flow.
func (m *Machine) ConfirmVerification(user mxid.UserID, flowID string) ([]*Outgoing, error) {
	k := flowKey{user, flowID}
	f, outs, err := m.activeFlow(user, flowID)
	if err != nil {
		return outs, err
	}
	outs, err = f.Confirm()
	if err != nil {
		return nil, err
	}
	m.settle(k)
	return outs, nil
}

// CancelVerification cancels the request and flow with the given id. Cancelling a flow that
// already ended returns ErrFlowNotActive.
func (m *Machine) CancelVerification(user mxid.UserID, flowID string, code CancelCode) ([]*Outgoing, error) {
	k := flowKey{user, flowID}
	if code == "" {
		code = CancelUser
	}
	f, hasFlow := m.flows[k]
	r, hasRequest := m.requests[k]
	if !hasFlow && !hasRequest {
		if _, done := m.finished.Peek(k); done {
			return nil, ErrFlowNotActive
		}
		return nil, ErrUnknownFlow
	}
	var outs []*Outgoing
	info := ourCancel(code)
	if hasFlow {
		out, err := f.Cancel(code)
		if err != nil {
			return nil, err
		}
		outs = append(outs, out)
	} else {
		if !r.active() {
			return nil, ErrFlowNotActive
		}
		if out := r.cancel(info); out != nil {
			outs = append(outs, out)
		}
	}
	m.settle(k)
	return outs, nil
}

// StartQrVerification shows a QR code for a ready request.
func (m *Machine) StartQrVerification(user mxid.UserID, flowID string) (Info, []*Outgoing, error) {
	r, ready, outs, err := m.readyRequest(user, flowID)
	if err != nil {
		return Info{}, outs, err
	}
	if !supports(ready.ourMethods, MethodQrShow) || !supports(ready.theirMethods, MethodQrScan) {
		return Info{}, nil, ErrUnsupported
	}
	qr, err := newQrShown(m.keys.OwnIdentity(), m.otherIdentity(user, ready.otherDevice), r.flow, m.clock.Now())
	if err != nil {
		return Info{}, nil, err
	}
	r.transition(ready.otherDevice)
	m.flows[flowKey{user, flowID}] = qr
	return qr.info(), nil, nil
}

// GenerateQrCode returns the unpadded base64 payload of the code we show, starting the QR flow if
// needed.
func (m *Machine) GenerateQrCode(user mxid.UserID, flowID string) (string, error) {
	if f, ok := m.flows[flowKey{user, flowID}]; ok {
		if qr, ok := f.(*QrVerification); ok && qr.weStarted {
			return qr.code.String(), nil
		}
		return "", ErrFlowNotActive
	}
	info, _, err := m.StartQrVerification(user, flowID)
	if err != nil {
		return "", err
	}
	return info.QrCode, nil
}

// ScanQrCode checks a code scanned from the other device. An invalid code leaves the request as
// it was.
func (m *Machine) ScanQrCode(user mxid.UserID, flowID string, data string) (Info, []*Outgoing, error) {
	r, ready, outs, err := m.readyRequest(user, flowID)
	if err != nil {
		return Info{}, outs, err
	}
	if !supports(ready.ourMethods, MethodQrScan) || !supports(ready.theirMethods, MethodQrShow) {
		return Info{}, nil, ErrUnsupported
	}
	code, err := ParseQrCode(data)
	if err != nil {
		return Info{}, nil, err
	}
	qr, out, err := newQrScanned(m.keys.OwnIdentity(), m.otherIdentity(user, ready.otherDevice), r.flow, code, m.clock.Now())
	if err != nil {
		return Info{}, nil, err
	}
	r.transition(ready.otherDevice)
	m.flows[flowKey{user, flowID}] = qr
	return qr.info(), []*Outgoing{out}, nil
}

func (m *Machine) sas(user mxid.UserID, flowID string) (*Sas, error) {
	f, ok := m.flows[flowKey{user, flowID}]
	if !ok {
		return nil, ErrUnknownFlow
	}
	sas, ok := f.(*Sas)
	if !ok {
		return nil, ErrUnknownFlow
	}
	return sas, nil
}

// EmojiIndex returns the seven emoji indices of a Sas flow whose keys have been exchanged.
func (m *Machine) EmojiIndex(user mxid.UserID, flowID string) ([]int, error) {
	sas, err := m.sas(user, flowID)
	if err != nil {
		return nil, err
	}
	e, ok := sas.Emoji()
	if !ok {
		return nil, ErrFlowNotActive
	}
	return e, nil
}

func (m *Machine) Decimals(user mxid.UserID, flowID string) ([]int, error) {
	sas, err := m.sas(user, flowID)
	if err != nil {
		return nil, err
	}
	d, ok := sas.Decimals()
	if !ok {
		return nil, ErrFlowNotActive
	}
	return d, nil
}

// GetVerification returns a live or recently finished flow.
func (m *Machine) GetVerification(user mxid.UserID, flowID string) (Info, bool) {
	k := flowKey{user, flowID}
	if f, ok := m.flows[k]; ok {
		return f.info(), true
	}
	if fin, ok := m.finished.Peek(k); ok && fin.flow != nil {
		return *fin.flow, true
	}
	return Info{}, false
}

func (m *Machine) GetVerifications(user mxid.UserID) []Info {
	var out []Info
	for k, f := range m.flows {
		if k.user == user {
			out = append(out, f.info())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FlowID.ID < out[j].FlowID.ID })
	return out
}

func (m *Machine) GetVerificationRequest(user mxid.UserID, flowID string) (RequestInfo, bool) {
	k := flowKey{user, flowID}
	if r, ok := m.requests[k]; ok {
		return r.info(), true
	}
	if fin, ok := m.finished.Peek(k); ok && fin.request != nil {
		return *fin.request, true
	}
	return RequestInfo{}, false
}

func (m *Machine) GetVerificationRequests(user mxid.UserID) []RequestInfo {
	var out []RequestInfo
	for k, r := range m.requests {
		if k.user == user {
			out = append(out, r.info())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FlowID.ID < out[j].FlowID.ID })
	return out
}

// TakeResults returns the flows that finished successfully since the last call.
func (m *Machine) TakeResults() []*Result {
	r := m.results
	m.results = nil
	return r
}

// settle moves a flow that reached a terminal state out of the live registry.
func (m *Machine) settle(k flowKey) {
	f, hasFlow := m.flows[k]
	r, hasRequest := m.requests[k]
	if hasFlow && f.active() {
		return
	}
	if hasFlow {
		info := f.info()
		if info.IsCancelled() && hasRequest {
			// the flow already sent its cancel
			c := *info.Cancel
			r.cancel(&c)
		} else if hasRequest {
			r.done()
		}
		var result *Result
		switch ff := f.(type) {
		case *Sas:
			result = ff.result
		case *QrVerification:
			result = ff.result
		}
		if result != nil {
			m.results = append(m.results, result)
		}
	} else if !hasRequest || r.active() {
		return
	}
	fin := &finished{}
	if hasFlow {
		info := f.info()
		fin.flow = &info
	}
	if hasRequest {
		ri := r.info()
		fin.request = &ri
	}
	m.log.Debugf("flow %s with %s finished", k.id, k.user)
	delete(m.flows, k)
	delete(m.requests, k)
	m.finished.Add(k, fin)
}

func (m *Machine) createdAt(k flowKey) (time.Time, bool) {
	if f, ok := m.flows[k]; ok {
		switch ff := f.(type) {
		case *Sas:
			return ff.createdAt, true
		case *QrVerification:
			return ff.createdAt, true
		}
	}
	if r, ok := m.requests[k]; ok {
		return r.createdAt, true
	}
	return time.Time{}, false
}

// expire cancels the flow with m.timeout if it outlived the verification timeout.
func (m *Machine) expire(k flowKey) ([]*Outgoing, bool) {
	start, ok := m.createdAt(k)
	if !ok || m.timeout <= 0 || !clock.Expired(m.clock, start, m.timeout) {
		return nil, false
	}
	m.log.Infof("flow %s with %s timed out", k.id, k.user)
	outs, err := m.CancelVerification(k.user, k.id, CancelTimeout)
	if err != nil {
		m.log.Warnf("error cancelling timed out flow %s: %v", k.id, err)
	}
	return outs, true
}

// ExpireFlows cancels every flow that timed out.
func (m *Machine) ExpireFlows() []*Outgoing {
	keys := make(map[flowKey]struct{})
	for k := range m.requests {
		keys[k] = struct{}{}
	}
	for k := range m.flows {
		keys[k] = struct{}{}
	}
	var outs []*Outgoing
	for k := range keys {
		expired, _ := m.expire(k)
		outs = append(outs, expired...)
	}
	return outs
}

func (m *Machine) eventFlowID(ev *Event) (string, error) {
	f, err := decode[flowFields](ev)
	if err != nil {
		return "", err
	}
	return f.flowID(ev.RoomID)
}

// Receive applies a verification event and returns the events to send in response. Events that
// belong to no known flow, or to a flow that already finished, are dropped.
func (m *Machine) Receive(ev *Event) []*Outgoing {
	own := m.keys.OwnIdentity()
	if ev.Type == EventRequest || (ev.Type == "m.room.message" && ev.RoomID != "") {
		m.receiveRequest(own, ev)
		return nil
	}
	flowID, err := m.eventFlowID(ev)
	if err != nil {
		m.log.Warnf("dropping %s from %s: %v", ev.Type, ev.Sender, err)
		return nil
	}
	k := flowKey{ev.Sender, flowID}
	r, hasRequest := m.requests[k]
	f, hasFlow := m.flows[k]
	if !hasRequest && !hasFlow {
		// finished flows never start again
		if _, done := m.finished.Peek(k); done {
			m.log.Debugf("dropping %s for finished flow %s from %s", ev.Type, flowID, ev.Sender)
			return nil
		}
		if ev.Type != EventStart {
			m.log.Debugf("dropping %s for unknown flow %s from %s", ev.Type, flowID, ev.Sender)
			return nil
		}
	}
	if outs, expired := m.expire(k); expired {
		return outs
	}

	var outs []*Outgoing
	switch ev.Type {
	case EventReady:
		if hasRequest {
			if st, ok := r.state.(requestCreated); ok {
				c, err := decode[ReadyContent](ev)
				if err != nil {
					m.log.Warnf("dropping invalid ready: %v", err)
					return nil
				}
				r.state = st.receiveReady(c)
				r.otherDevice = c.FromDevice
			}
		}
	case EventStart:
		outs = m.receiveStart(own, ev, k, r, f)
	case EventCancel:
		if hasFlow {
			f.receive(ev)
		} else if hasRequest {
			c, err := decode[CancelContent](ev)
			if err != nil {
				c = &CancelContent{Code: CancelInvalidMessage}
			}
			r.cancel(theirCancel(c))
		}
	default:
		if hasFlow {
			outs = f.receive(ev)
		}
	}
	m.settle(k)
	return outs
}

func (m *Machine) receiveRequest(own Identity, ev *Event) {
	c, err := decode[RequestContent](ev)
	if err != nil {
		m.log.Warnf("dropping invalid request from %s: %v", ev.Sender, err)
		return
	}
	var flow FlowID
	ts := c.Timestamp
	if ev.RoomID != "" {
		if c.MsgType != MsgTypeRequest || c.To != own.UserID {
			return
		}
		flow = FlowID{ID: string(ev.EventID), RoomID: ev.RoomID}
		ts = ev.Timestamp
	} else {
		if c.TransactionID == "" {
			m.log.Warnf("dropping request without transaction id from %s", ev.Sender)
			return
		}
		flow = FlowID{ID: c.TransactionID}
	}
	if ev.Sender == own.UserID && c.FromDevice == own.DeviceID {
		return
	}
	now := m.clock.Now()
	sent := time.UnixMilli(int64(ts))
	if ts != 0 && m.timeout > 0 && (now.Sub(sent) > m.timeout || sent.Sub(now) > maxClockSkew) {
		m.log.Infof("ignoring stale verification request %s from %s", flow.ID, ev.Sender)
		return
	}
	k := flowKey{ev.Sender, flow.ID}
	if _, ok := m.requests[k]; ok {
		return
	}
	if _, done := m.finished.Peek(k); done {
		m.log.Debugf("ignoring repeated request %s from %s", flow.ID, ev.Sender)
		return
	}
	m.requests[k] = newIncomingRequest(own, ev.Sender, flow, c, now)
}

// receiveStart handles a start, which may create a Sas flow, reciprocate a shown QR code, or race
// with a start we sent ourselves.
func (m *Machine) receiveStart(own Identity, ev *Event, k flowKey, r *Request, existing flow) []*Outgoing {
	c, err := decode[StartContent](ev)
	if err != nil {
		m.log.Warnf("dropping invalid start: %v", err)
		return nil
	}
	flow := FlowID{ID: k.id, RoomID: ev.RoomID}
	if r != nil {
		flow = r.flow
	}
	if existing != nil {
		switch f := existing.(type) {
		case *QrVerification:
			if _, shown := f.state.(qrCreated); c.Method == MethodReciprocate || !shown {
				return f.receive(ev)
			}
		case *Sas:
			if _, ours := f.state.(sasCreated); ours && c.Method == MethodSas {
				if !theyWinTieBreak(own, ev.Sender, c.FromDevice) {
					m.log.Debugf("ignoring concurrent start for %s, ours wins", k.id)
					return nil
				}
				m.log.Debugf("concurrent start for %s, theirs wins", k.id)
			} else {
				return f.receive(ev)
			}
		}
	}
	if r != nil && !r.active() {
		return nil
	}
	other := m.otherIdentity(ev.Sender, c.FromDevice)
	sas, err := newSasFromStart(own, other, flow, c, ev.Content, m.clock.Now())
	if err != nil {
		code := CancelUnknownMethod
		if !errors.Is(err, ErrUnsupported) {
			code = CancelInvalidMessage
		}
		info := ourCancel(code)
		if r != nil {
			r.cancel(info)
		}
		return []*Outgoing{newOutgoing(flow, ev.Sender, c.FromDevice, EventCancel, info.content())}
	}
	if r != nil {
		r.transition(c.FromDevice)
	}
	m.flows[k] = sas
	return nil
}

// theyWinTieBreak resolves two starts crossing on the wire: the start of the lexicographically
// smaller (user id, device id) wins.
func theyWinTieBreak(own Identity, theirUser mxid.UserID, theirDevice mxid.DeviceID) bool {
	if own.UserID != theirUser {
		return theirUser < own.UserID
	}
	return theirDevice < own.DeviceID
}
