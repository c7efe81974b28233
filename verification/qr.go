package verification

import (
	"bytes"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/meow-io/go-e2ee/crypto"
)

type QrMode byte

const (
	// key1 is our master key, key2 the master key we expect the other user to have
	QrVerifyingAnotherUser QrMode = 0x00
	// key1 is our master key, key2 the device key of our other device
	QrSelfVerifying QrMode = 0x01
	// key1 is our device key, key2 the master key we have not verified yet
	QrSelfVerifyingNoMasterKey QrMode = 0x02
)

const (
	qrPrefix       = "MATRIX"
	qrVersion      = 0x02
	qrMinSecretLen = 8
	qrSecretLen    = 16
)

// QrCode is the payload of a verification QR code.
type QrCode struct {
	Mode   QrMode
	FlowID string
	Key1   []byte
	Key2   []byte
	Secret []byte
}

func (q *QrCode) Encode() []byte {
	b := make([]byte, 0, len(qrPrefix)+4+len(q.FlowID)+64+len(q.Secret))
	b = append(b, qrPrefix...)
	b = append(b, qrVersion, byte(q.Mode))
	b = binary.BigEndian.AppendUint16(b, uint16(len(q.FlowID)))
	b = append(b, q.FlowID...)
	b = append(b, q.Key1...)
	b = append(b, q.Key2...)
	return append(b, q.Secret...)
}

func (q *QrCode) String() string {
	return crypto.EncodeBase64(q.Encode())
}

func DecodeQrCode(b []byte) (*QrCode, error) {
	if len(b) < len(qrPrefix)+4 || !bytes.Equal(b[:len(qrPrefix)], []byte(qrPrefix)) {
		return nil, fmt.Errorf("%w: bad header", ErrInvalidQrCode)
	}
	b = b[len(qrPrefix):]
	if b[0] != qrVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidQrCode, b[0])
	}
	mode := QrMode(b[1])
	if mode > QrSelfVerifyingNoMasterKey {
		return nil, fmt.Errorf("%w: unknown mode %d", ErrInvalidQrCode, mode)
	}
	n := int(binary.BigEndian.Uint16(b[2:4]))
	b = b[4:]
	if len(b) < n+64+qrMinSecretLen {
		return nil, fmt.Errorf("%w: too short", ErrInvalidQrCode)
	}
	return &QrCode{
		Mode:   mode,
		FlowID: string(b[:n]),
		Key1:   append([]byte{}, b[n:n+32]...),
		Key2:   append([]byte{}, b[n+32:n+64]...),
		Secret: append([]byte{}, b[n+64:]...),
	}, nil
}

// ParseQrCode decodes the unpadded base64 form handed over by the embedder.
func ParseQrCode(s string) (*QrCode, error) {
	b, err := crypto.DecodeBase64(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQrCode, err)
	}
	return DecodeQrCode(b)
}

type qrState interface {
	qrState() string
}

// we show the code
type qrCreated struct{}

// the other side reciprocated with the right secret and waits for our user to confirm
type qrOtherScanned struct {
	theirDone bool
}

// we scanned their code and sent the reciprocation
type qrReciprocated struct {
	theirDone bool
}

type qrConfirmed struct{}

type qrDone struct{}

type qrCancelled struct {
	info *CancelInfo
}

func (qrCreated) qrState() string      { return stateCreated }
func (qrOtherScanned) qrState() string { return stateOtherScanned }
func (qrReciprocated) qrState() string { return stateReciprocated }
func (qrConfirmed) qrState() string    { return stateConfirmed }
func (qrDone) qrState() string         { return stateDone }
func (qrCancelled) qrState() string    { return stateCancelled }

// QrVerification is a QR code flow, either the side showing the code or the side scanning it.
type QrVerification struct {
	flow      FlowID
	own       Identity
	other     Identity
	weStarted bool
	createdAt time.Time
	code      *QrCode
	// what becomes verified once the flow is done
	pending *Result
	state   qrState
	result  *Result
}

func decodeKey(s string) ([]byte, error) {
	k, err := crypto.DecodeEd25519(s)
	if err != nil {
		return nil, err
	}
	return []byte(k), nil
}

// newQrShown builds the code we display. The mode follows from who the other side is and
// whether we trust our own master key.
func newQrShown(own, other Identity, flow FlowID, now time.Time) (*QrVerification, error) {
	q := &QrVerification{
		flow:      flow,
		own:       own,
		other:     other,
		weStarted: true,
		createdAt: now,
		state:     qrCreated{},
		pending:   &Result{FlowID: flow, OtherUserID: other.UserID},
	}
	var key1, key2 string
	code := &QrCode{FlowID: flow.ID, Secret: crypto.RandomBytes(qrSecretLen)}
	switch {
	case own.UserID != other.UserID:
		if own.MasterKey == "" || !own.MasterTrusted || other.MasterKey == "" {
			return nil, ErrUnsupported
		}
		code.Mode, key1, key2 = QrVerifyingAnotherUser, own.MasterKey, other.MasterKey
		q.pending.VerifiedMasterKey = other.MasterKey
	case own.MasterTrusted && own.MasterKey != "":
		if other.Ed25519 == "" {
			return nil, ErrUnsupported
		}
		code.Mode, key1, key2 = QrSelfVerifying, own.MasterKey, other.Ed25519
		q.pending.VerifiedDevices = append(q.pending.VerifiedDevices, other.DeviceID)
	case own.MasterKey != "":
		code.Mode, key1, key2 = QrSelfVerifyingNoMasterKey, own.Ed25519, own.MasterKey
		q.pending.VerifiedMasterKey = own.MasterKey
	default:
		return nil, ErrUnsupported
	}
	var err error
	if code.Key1, err = decodeKey(key1); err != nil {
		return nil, err
	}
	if code.Key2, err = decodeKey(key2); err != nil {
		return nil, err
	}
	q.code = code
	return q, nil
}

func keyMatches(raw []byte, expected string) bool {
	if expected == "" {
		return false
	}
	k, err := decodeKey(expected)
	if err != nil {
		return false
	}
	return bytes.Equal(raw, k)
}

// newQrScanned checks a scanned code against the keys we know and, if they match, reciprocates.
// Nothing is changed when the code does not match.
func newQrScanned(own, other Identity, flow FlowID, code *QrCode, now time.Time) (*QrVerification, *Outgoing, error) {
	if code.FlowID != flow.ID {
		return nil, nil, fmt.Errorf("%w: flow id does not match", ErrInvalidQrCode)
	}
	pending := &Result{FlowID: flow, OtherUserID: other.UserID}
	switch code.Mode {
	case QrVerifyingAnotherUser:
		if own.UserID == other.UserID || !keyMatches(code.Key1, other.MasterKey) || !keyMatches(code.Key2, own.MasterKey) {
			return nil, nil, fmt.Errorf("%w: keys do not match", ErrInvalidQrCode)
		}
		pending.VerifiedMasterKey = other.MasterKey
	case QrSelfVerifying:
		if own.UserID != other.UserID || !keyMatches(code.Key1, own.MasterKey) || !keyMatches(code.Key2, own.Ed25519) {
			return nil, nil, fmt.Errorf("%w: keys do not match", ErrInvalidQrCode)
		}
		pending.VerifiedMasterKey = own.MasterKey
	case QrSelfVerifyingNoMasterKey:
		if own.UserID != other.UserID || !keyMatches(code.Key1, other.Ed25519) || !keyMatches(code.Key2, own.MasterKey) {
			return nil, nil, fmt.Errorf("%w: keys do not match", ErrInvalidQrCode)
		}
		pending.VerifiedDevices = append(pending.VerifiedDevices, other.DeviceID)
	}
	q := &QrVerification{
		flow:      flow,
		own:       own,
		other:     other,
		createdAt: now,
		code:      code,
		pending:   pending,
		state:     qrReciprocated{},
	}
	start := &StartContent{FromDevice: own.DeviceID, Method: MethodReciprocate, Secret: crypto.EncodeBase64(code.Secret)}
	return q, q.out(EventStart, start), nil
}

func (q *QrVerification) out(eventType string, content any) *Outgoing {
	return newOutgoing(q.flow, q.other.UserID, q.other.DeviceID, eventType, content)
}

func (q *QrVerification) active() bool {
	switch q.state.(type) {
	case qrDone, qrCancelled:
		return false
	}
	return true
}

func (qrCreated) receiveReciprocate(q *QrVerification, c *StartContent) (qrState, *CancelInfo) {
	secret, err := crypto.DecodeBase64(c.Secret)
	if err != nil || subtle.ConstantTimeCompare(secret, q.code.Secret) != 1 {
		return nil, ourCancel(CancelKeyMismatch)
	}
	return qrOtherScanned{}, nil
}

func (q *QrVerification) finish() (qrState, *Outgoing) {
	q.result = q.pending
	return qrDone{}, q.out(EventDone, &DoneContent{})
}

// Confirm is called once the user confirmed the other side scanned, or after we scanned.
func (q *QrVerification) Confirm() ([]*Outgoing, error) {
	var theirDone bool
	switch st := q.state.(type) {
	case qrOtherScanned:
		theirDone = st.theirDone
	case qrReciprocated:
		theirDone = st.theirDone
	default:
		return nil, ErrFlowNotActive
	}
	if theirDone {
		next, out := q.finish()
		q.state = next
		return []*Outgoing{out}, nil
	}
	q.state = qrConfirmed{}
	return []*Outgoing{q.out(EventDone, &DoneContent{})}, nil
}

func (q *QrVerification) Cancel(code CancelCode) (*Outgoing, error) {
	if !q.active() {
		return nil, ErrFlowNotActive
	}
	return q.cancelWith(ourCancel(code)), nil
}

func (q *QrVerification) cancelWith(info *CancelInfo) *Outgoing {
	q.state = qrCancelled{info: info}
	if !info.CancelledByUs {
		return nil
	}
	return q.out(EventCancel, info.content())
}

func (q *QrVerification) receive(ev *Event) []*Outgoing {
	if !q.active() {
		return nil
	}
	switch ev.Type {
	case EventCancel:
		c, err := decode[CancelContent](ev)
		if err != nil {
			c = &CancelContent{Code: CancelInvalidMessage}
		}
		q.cancelWith(theirCancel(c))
		return nil
	case EventStart:
		st, ok := q.state.(qrCreated)
		if !ok {
			break
		}
		c, err := decode[StartContent](ev)
		if err != nil || c.Method != MethodReciprocate {
			return []*Outgoing{q.cancelWith(ourCancel(CancelUnknownMethod))}
		}
		next, cancel := st.receiveReciprocate(q, c)
		if cancel != nil {
			return []*Outgoing{q.cancelWith(cancel)}
		}
		if c.FromDevice != "" {
			q.other.DeviceID = c.FromDevice
		}
		q.state = next
		return nil
	case EventDone:
		switch st := q.state.(type) {
		case qrConfirmed:
			q.result = q.pending
			q.state = qrDone{}
			return nil
		case qrOtherScanned:
			st.theirDone = true
			q.state = st
			return nil
		case qrReciprocated:
			st.theirDone = true
			q.state = st
			return nil
		}
	}
	return []*Outgoing{q.cancelWith(ourCancel(CancelUnexpectedMessage))}
}

func (q *QrVerification) info() Info {
	i := Info{
		Kind:          KindQr,
		FlowID:        q.flow,
		OtherUserID:   q.other.UserID,
		OtherDeviceID: q.other.DeviceID,
		WeStarted:     q.weStarted,
		State:         q.state.qrState(),
	}
	switch st := q.state.(type) {
	case qrCreated:
		i.QrCode = q.code.String()
	case qrConfirmed, qrDone:
		i.HaveWeConfirmed = true
	case qrCancelled:
		c := *st.info
		i.Cancel = &c
	}
	return i
}
