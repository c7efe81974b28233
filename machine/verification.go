package machine

import (
	"errors"

	"github.com/meow-io/go-e2ee/ids"
	"github.com/meow-io/go-e2ee/mxid"
	"github.com/meow-io/go-e2ee/store"
	"github.com/meow-io/go-e2ee/verification"
)

// verificationRequest turns a verification event into the request delivering it. In-room events
// become room messages, the rest is sent to-device without encryption.
func verificationRequest(o *verification.Outgoing) (OutgoingRequest, error) {
	content, err := o.MarshalContent()
	if err != nil {
		return nil, err
	}
	id := ids.NewRequestID()
	if o.RoomID != "" {
		return &RoomMessageRequest{
			ID:        id,
			RoomID:    o.RoomID,
			EventType: o.EventType,
			TxnID:     id.String(),
			Content:   content,
		}, nil
	}
	req := &ToDeviceRequest{ID: id, EventType: o.EventType, TxnID: id.String()}
	req.add(o.UserID, o.DeviceID, content)
	return req, nil
}

func (m *Machine) queueVerificationEvents(outs []*verification.Outgoing) []OutgoingRequest {
	reqs := make([]OutgoingRequest, 0, len(outs))
	for _, o := range outs {
		req, err := verificationRequest(o)
		if err != nil {
			m.log.Warnf("dropping %s: %v", o.EventType, err)
			continue
		}
		reqs = append(reqs, enqueue(m.queue, req))
	}
	return reqs
}

func (m *Machine) receiveVerificationEvent(ev *verification.Event) {
	m.queueVerificationEvents(m.verifications.Receive(ev))
}

// finishVerification queues the events of a verification step together with the signature uploads of
// flows that finished because of it.
func (m *Machine) finishVerification(outs []*verification.Outgoing) ([]OutgoingRequest, error) {
	reqs := m.queueVerificationEvents(outs)
	uploads, err := m.verificationResults()
	if err != nil {
		return reqs, err
	}
	for _, u := range uploads {
		reqs = append(reqs, u)
	}
	return reqs, nil
}

func (m *Machine) applyVerificationResults() error {
	_, err := m.verificationResults()
	return err
}

// verificationResults marks what finished flows verified. Our own devices and other users' master keys
// are signed when the needed private key is present; otherwise only the local trust changes.
func (m *Machine) verificationResults() ([]*SignatureUploadRequest, error) {
	var uploads []*SignatureUploadRequest
	for _, r := range m.verifications.TakeResults() {
		for _, deviceID := range r.VerifiedDevices {
			var req *SignatureUploadRequest
			var err error
			if _, hasSSK := m.selfSigningKey(); r.OtherUserID == m.userID && hasSSK {
				req, err = m.verifyDevice(r.OtherUserID, deviceID)
			} else {
				err = m.setLocalTrust(r.OtherUserID, deviceID, store.LocalTrustVerified)
			}
			if errors.Is(err, ErrUnknownDevice) {
				m.log.Warnf("verified device %s of %s is not known", deviceID, r.OtherUserID)
				continue
			} else if err != nil {
				return uploads, err
			}
			if req != nil {
				uploads = append(uploads, req)
			}
		}
		if r.VerifiedMasterKey == "" {
			continue
		}
		if _, hasUSK := m.userSigningKey(); r.OtherUserID != m.userID && !hasUSK {
			m.log.Infof("verified master key of %s, no user-signing key to sign it with", r.OtherUserID)
			continue
		}
		req, err := m.verifyIdentity(r.OtherUserID, r.VerifiedMasterKey)
		if errors.Is(err, ErrUnknownIdentity) {
			m.log.Warnf("verified identity of %s is not known", r.OtherUserID)
			continue
		} else if err != nil {
			return uploads, err
		}
		uploads = append(uploads, req)
	}
	return uploads, nil
}

// RequestVerificationWithDevice starts a to-device verification request with a device.
func (m *Machine) RequestVerificationWithDevice(userID mxid.UserID, deviceID mxid.DeviceID, methods []verification.Method) (verification.RequestInfo, []OutgoingRequest) {
	m.lock.Lock()
	defer m.lock.Unlock()
	info, out := m.verifications.RequestVerificationWithDevice(userID, deviceID, methods)
	return info, m.queueVerificationEvents([]*verification.Outgoing{out})
}

// RequestSelfVerification asks all our other devices to verify this one.
func (m *Machine) RequestSelfVerification(methods []verification.Method) (verification.RequestInfo, []OutgoingRequest) {
	m.lock.Lock()
	defer m.lock.Unlock()
	info, out := m.verifications.RequestSelfVerification(methods)
	return info, m.queueVerificationEvents([]*verification.Outgoing{out})
}

// VerificationRequestContent is the content of the room message that starts an in-room verification.
// Once it has been sent, RequestVerification registers the flow.
func (m *Machine) VerificationRequestContent(userID mxid.UserID, methods []verification.Method) *verification.RequestContent {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.verifications.VerificationRequestContent(userID, methods)
}

func (m *Machine) RequestVerification(userID mxid.UserID, room mxid.RoomID, eventID mxid.EventID, methods []verification.Method) verification.RequestInfo {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.verifications.RequestVerification(userID, room, eventID, methods)
}

func (m *Machine) AcceptVerificationRequest(userID mxid.UserID, flowID string, methods []verification.Method) ([]OutgoingRequest, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	outs, err := m.verifications.AcceptVerificationRequest(userID, flowID, methods)
	reqs := m.queueVerificationEvents(outs)
	return reqs, err
}

func (m *Machine) StartSasVerification(userID mxid.UserID, flowID string) (verification.Info, []OutgoingRequest, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	info, outs, err := m.verifications.StartSasVerification(userID, flowID)
	return info, m.queueVerificationEvents(outs), err
}

// StartSasWithDevice starts SAS with a device directly, without a request handshake.
func (m *Machine) StartSasWithDevice(userID mxid.UserID, deviceID mxid.DeviceID) (verification.Info, []OutgoingRequest, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	info, outs, err := m.verifications.StartSasWithDevice(userID, deviceID)
	return info, m.queueVerificationEvents(outs), err
}

func (m *Machine) AcceptSasVerification(userID mxid.UserID, flowID string) ([]OutgoingRequest, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	outs, err := m.verifications.AcceptSasVerification(userID, flowID)
	return m.queueVerificationEvents(outs), err
}

// ConfirmVerification confirms that the short authentication string or scanned QR code matched. If
// this finishes the flow, the returned requests include the signature uploads it produced.
func (m *Machine) ConfirmVerification(userID mxid.UserID, flowID string) ([]OutgoingRequest, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	outs, err := m.verifications.ConfirmVerification(userID, flowID)
	if err != nil {
		return m.queueVerificationEvents(outs), err
	}
	return m.finishVerification(outs)
}

func (m *Machine) CancelVerification(userID mxid.UserID, flowID string, code verification.CancelCode) ([]OutgoingRequest, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	outs, err := m.verifications.CancelVerification(userID, flowID, code)
	return m.queueVerificationEvents(outs), err
}

func (m *Machine) StartQrVerification(userID mxid.UserID, flowID string) (verification.Info, []OutgoingRequest, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	info, outs, err := m.verifications.StartQrVerification(userID, flowID)
	return info, m.queueVerificationEvents(outs), err
}

// GenerateQrCode returns the base64 QR payload of a flow we are showing.
func (m *Machine) GenerateQrCode(userID mxid.UserID, flowID string) (string, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.verifications.GenerateQrCode(userID, flowID)
}

// ScanQrCode checks a scanned payload against the flow. An invalid code leaves the flow untouched.
func (m *Machine) ScanQrCode(userID mxid.UserID, flowID string, data string) (verification.Info, []OutgoingRequest, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	info, outs, err := m.verifications.ScanQrCode(userID, flowID, data)
	if err != nil {
		return info, m.queueVerificationEvents(outs), err
	}
	reqs, err := m.finishVerification(outs)
	return info, reqs, err
}

func (m *Machine) EmojiIndex(userID mxid.UserID, flowID string) ([]int, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.verifications.EmojiIndex(userID, flowID)
}

func (m *Machine) Decimals(userID mxid.UserID, flowID string) ([]int, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.verifications.Decimals(userID, flowID)
}

func (m *Machine) GetVerification(userID mxid.UserID, flowID string) (verification.Info, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.verifications.GetVerification(userID, flowID)
}

func (m *Machine) GetVerifications(userID mxid.UserID) []verification.Info {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.verifications.GetVerifications(userID)
}

func (m *Machine) GetVerificationRequest(userID mxid.UserID, flowID string) (verification.RequestInfo, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.verifications.GetVerificationRequest(userID, flowID)
}

func (m *Machine) GetVerificationRequests(userID mxid.UserID) []verification.RequestInfo {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.verifications.GetVerificationRequests(userID)
}

// ReceiveRoomVerificationEvent applies a decrypted in-room verification event, including the
// m.room.message that carries a request.
func (m *Machine) ReceiveRoomVerificationEvent(ev *RoomEvent, room mxid.RoomID) ([]OutgoingRequest, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	outs := m.verifications.Receive(&verification.Event{
		Sender:    ev.Sender,
		Type:      ev.Type,
		Content:   ev.Content,
		RoomID:    room,
		EventID:   ev.EventID,
		Timestamp: ev.OriginServerTS,
	})
	return m.finishVerification(outs)
}
