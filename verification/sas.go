package verification

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/meow-io/go-e2ee/crypto"
	"github.com/meow-io/go-e2ee/mxid"
)

var (
	ourKeyAgreement = []string{keyAgreementCurve25519}
	ourHashes       = []string{hashSha256}
	ourMacs         = []string{macHkdfHmacSha256V2}
	ourSasMethods   = []string{sasDecimal, sasEmoji}
)

type sasState interface {
	sasState() string
}

// we sent the start
type sasCreated struct {
	start     *StartContent
	startJSON []byte
}

// they sent the start
type sasStarted struct {
	start     *StartContent
	startJSON []byte
}

type sasWeAccepted struct {
	accept *AcceptContent
}

// our start was accepted and our key is on its way
type sasAccepted struct {
	startJSON []byte
	accept    *AcceptContent
}

type sasKeysExchanged struct {
	keys *sasKeys
	// set once their MAC arrived and checked out, before we confirmed
	theirResult *Result
}

type sasConfirmed struct {
	keys *sasKeys
}

type sasDone struct {
	keys *sasKeys
}

type sasCancelled struct {
	info *CancelInfo
}

func (sasCreated) sasState() string       { return stateCreated }
func (sasStarted) sasState() string       { return stateStarted }
func (sasWeAccepted) sasState() string    { return stateAccepted }
func (sasAccepted) sasState() string      { return stateAccepted }
func (sasKeysExchanged) sasState() string { return stateKeysExchanged }
func (sasConfirmed) sasState() string     { return stateConfirmed }
func (sasDone) sasState() string          { return stateDone }
func (sasCancelled) sasState() string     { return stateCancelled }

type sasKeys struct {
	shared    []byte
	sasBytes  []byte
	shortAuth []string
}

// Sas is a short authentication string flow with one device.
type Sas struct {
	flow      FlowID
	own       Identity
	other     Identity
	weStarted bool
	createdAt time.Time
	ephemeral *crypto.Curve25519KeyPair
	state     sasState
	result    *Result
}

func canonical(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return crypto.CanonicalJSON(b)
}

func commitment(publicKey string, startJSON []byte) string {
	h := sha256.New()
	h.Write([]byte(publicKey))
	h.Write(startJSON)
	return crypto.EncodeBase64(h.Sum(nil))
}

func equalMAC(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func newSas(own, other Identity, flow FlowID, now time.Time) (*Sas, *Outgoing, error) {
	eph, err := crypto.NewCurve25519KeyPair()
	if err != nil {
		return nil, nil, err
	}
	start := &StartContent{
		FromDevice:                 own.DeviceID,
		Method:                     MethodSas,
		KeyAgreementProtocols:      ourKeyAgreement,
		Hashes:                     ourHashes,
		MessageAuthenticationCodes: ourMacs,
		ShortAuthenticationString:  ourSasMethods,
	}
	out := newOutgoing(flow, other.UserID, other.DeviceID, EventStart, start)
	startJSON, err := canonical(start)
	if err != nil {
		return nil, nil, err
	}
	return &Sas{
		flow:      flow,
		own:       own,
		other:     other,
		weStarted: true,
		createdAt: now,
		ephemeral: eph,
		state:     sasCreated{start: start, startJSON: startJSON},
	}, out, nil
}

// newSasFromStart fails with ErrUnsupported if the start offers nothing we can agree on.
func newSasFromStart(own, other Identity, flow FlowID, start *StartContent, raw []byte, now time.Time) (*Sas, error) {
	if start.Method != MethodSas ||
		len(intersect(ourKeyAgreement, start.KeyAgreementProtocols)) == 0 ||
		len(intersect(ourHashes, start.Hashes)) == 0 ||
		len(intersect(ourMacs, start.MessageAuthenticationCodes)) == 0 ||
		len(intersect(ourSasMethods, start.ShortAuthenticationString)) == 0 {
		return nil, ErrUnsupported
	}
	startJSON, err := crypto.CanonicalJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	eph, err := crypto.NewCurve25519KeyPair()
	if err != nil {
		return nil, err
	}
	return &Sas{
		flow:      flow,
		own:       own,
		other:     other,
		createdAt: now,
		ephemeral: eph,
		state:     sasStarted{start: start, startJSON: startJSON},
	}, nil
}

func (s *Sas) out(eventType string, content any) *Outgoing {
	return newOutgoing(s.flow, s.other.UserID, s.other.DeviceID, eventType, content)
}

func (s *Sas) active() bool {
	switch s.state.(type) {
	case sasDone, sasCancelled:
		return false
	}
	return true
}

func (st sasStarted) accept(s *Sas) (sasState, *Outgoing) {
	accept := &AcceptContent{
		Commitment:                commitment(s.ephemeral.PublicBase64(), st.startJSON),
		KeyAgreementProtocol:      keyAgreementCurve25519,
		Hash:                      hashSha256,
		MessageAuthenticationCode: macHkdfHmacSha256V2,
		ShortAuthenticationString: intersect(ourSasMethods, st.start.ShortAuthenticationString),
	}
	return sasWeAccepted{accept: accept}, s.out(EventAccept, accept)
}

func (st sasCreated) receiveAccept(s *Sas, c *AcceptContent) (sasState, *Outgoing, *CancelInfo) {
	if c.KeyAgreementProtocol != keyAgreementCurve25519 || c.Hash != hashSha256 ||
		c.MessageAuthenticationCode != macHkdfHmacSha256V2 ||
		len(intersect(ourSasMethods, c.ShortAuthenticationString)) == 0 {
		return nil, nil, ourCancel(CancelUnknownMethod)
	}
	return sasAccepted{startJSON: st.startJSON, accept: c}, s.out(EventKey, &KeyContent{Key: s.ephemeral.PublicBase64()}), nil
}

func (st sasWeAccepted) receiveKey(s *Sas, c *KeyContent) (sasState, *Outgoing, *CancelInfo) {
	keys, cancel := s.deriveKeys(c.Key, st.accept.ShortAuthenticationString)
	if cancel != nil {
		return nil, nil, cancel
	}
	return sasKeysExchanged{keys: keys}, s.out(EventKey, &KeyContent{Key: s.ephemeral.PublicBase64()}), nil
}

func (st sasAccepted) receiveKey(s *Sas, c *KeyContent) (sasState, *CancelInfo) {
	if !equalMAC(commitment(c.Key, st.startJSON), st.accept.Commitment) {
		return nil, ourCancel(CancelMismatchedCommitment)
	}
	keys, cancel := s.deriveKeys(c.Key, intersect(ourSasMethods, st.accept.ShortAuthenticationString))
	if cancel != nil {
		return nil, cancel
	}
	return sasKeysExchanged{keys: keys}, nil
}

func (s *Sas) deriveKeys(theirKey string, shortAuth []string) (*sasKeys, *CancelInfo) {
	pub, err := crypto.DecodeCurve25519(theirKey)
	if err != nil {
		return nil, ourCancel(CancelInvalidMessage)
	}
	shared, err := s.ephemeral.SharedSecret(pub)
	if err != nil {
		return nil, ourCancel(CancelInvalidMessage)
	}
	ourKey := s.ephemeral.PublicBase64()
	starter, starterKey, acceptor, acceptorKey := s.own, ourKey, s.other, theirKey
	if !s.weStarted {
		starter, starterKey, acceptor, acceptorKey = s.other, theirKey, s.own, ourKey
	}
	info := strings.Join([]string{
		"MATRIX_KEY_VERIFICATION_SAS",
		string(starter.UserID), string(starter.DeviceID), starterKey,
		string(acceptor.UserID), string(acceptor.DeviceID), acceptorKey,
		s.flow.ID,
	}, "|")
	return &sasKeys{shared: shared, sasBytes: crypto.SasBytes(shared, info, 6), shortAuth: shortAuth}, nil
}

func (s *Sas) macInfo(sender, receiver Identity) string {
	return "MATRIX_KEY_VERIFICATION_MAC" + string(sender.UserID) + string(sender.DeviceID) +
		string(receiver.UserID) + string(receiver.DeviceID) + s.flow.ID
}

func (s *Sas) ourMac(keys *sasKeys) *MacContent {
	base := s.macInfo(s.own, s.other)
	toMac := map[string]string{"ed25519:" + string(s.own.DeviceID): s.own.Ed25519}
	if s.own.MasterKey != "" && s.own.MasterTrusted {
		toMac["ed25519:"+s.own.MasterKey] = s.own.MasterKey
	}
	c := &MacContent{Mac: make(map[string]string, len(toMac))}
	keyIDs := make([]string, 0, len(toMac))
	for id, key := range toMac {
		c.Mac[id] = crypto.SasMAC(keys.shared, base+id, []byte(key))
		keyIDs = append(keyIDs, id)
	}
	sort.Strings(keyIDs)
	c.Keys = crypto.SasMAC(keys.shared, base+"KEY_IDS", []byte(strings.Join(keyIDs, ",")))
	return c
}

// verifyMac checks every key we know of. An unknown key id is skipped, but a MAC that does not
// match a known key cancels the flow.
func (s *Sas) verifyMac(keys *sasKeys, c *MacContent) (*Result, *CancelInfo) {
	base := s.macInfo(s.other, s.own)
	keyIDs := make([]string, 0, len(c.Mac))
	for id := range c.Mac {
		keyIDs = append(keyIDs, id)
	}
	sort.Strings(keyIDs)
	if !equalMAC(crypto.SasMAC(keys.shared, base+"KEY_IDS", []byte(strings.Join(keyIDs, ","))), c.Keys) {
		return nil, ourCancel(CancelKeyMismatch)
	}
	result := &Result{FlowID: s.flow, OtherUserID: s.other.UserID}
	for _, id := range keyIDs {
		var key string
		switch {
		case id == "ed25519:"+string(s.other.DeviceID):
			key = s.other.Ed25519
		case s.other.MasterKey != "" && id == "ed25519:"+s.other.MasterKey:
			key = s.other.MasterKey
		default:
			continue
		}
		if key == "" || !equalMAC(crypto.SasMAC(keys.shared, base+id, []byte(key)), c.Mac[id]) {
			return nil, ourCancel(CancelKeyMismatch)
		}
		if key == s.other.MasterKey {
			result.VerifiedMasterKey = key
		} else {
			result.VerifiedDevices = append(result.VerifiedDevices, s.other.DeviceID)
		}
	}
	if len(result.VerifiedDevices) == 0 && result.VerifiedMasterKey == "" {
		return nil, ourCancel(CancelKeyMismatch)
	}
	return result, nil
}

func (st sasKeysExchanged) confirm(s *Sas) (sasState, []*Outgoing) {
	outs := []*Outgoing{s.out(EventMac, s.ourMac(st.keys))}
	if st.theirResult == nil {
		return sasConfirmed{keys: st.keys}, outs
	}
	s.result = st.theirResult
	return sasDone{keys: st.keys}, append(outs, s.out(EventDone, &DoneContent{}))
}

func (st sasKeysExchanged) receiveMac(s *Sas, c *MacContent) (sasState, *CancelInfo) {
	result, cancel := s.verifyMac(st.keys, c)
	if cancel != nil {
		return nil, cancel
	}
	return sasKeysExchanged{keys: st.keys, theirResult: result}, nil
}

func (st sasConfirmed) receiveMac(s *Sas, c *MacContent) (sasState, *Outgoing, *CancelInfo) {
	result, cancel := s.verifyMac(st.keys, c)
	if cancel != nil {
		return nil, nil, cancel
	}
	s.result = result
	return sasDone{keys: st.keys}, s.out(EventDone, &DoneContent{}), nil
}

// Accept answers a start the other side sent.
func (s *Sas) Accept() (*Outgoing, error) {
	st, ok := s.state.(sasStarted)
	if !ok {
		return nil, ErrFlowNotActive
	}
	next, out := st.accept(s)
	s.state = next
	return out, nil
}

// Confirm records that the user compared the short auth strings and they matched.
func (s *Sas) Confirm() ([]*Outgoing, error) {
	st, ok := s.state.(sasKeysExchanged)
	if !ok {
		return nil, ErrFlowNotActive
	}
	next, outs := st.confirm(s)
	s.state = next
	return outs, nil
}

func (s *Sas) Cancel(code CancelCode) (*Outgoing, error) {
	if !s.active() {
		return nil, ErrFlowNotActive
	}
	return s.cancelWith(ourCancel(code)), nil
}

func (s *Sas) cancelWith(info *CancelInfo) *Outgoing {
	s.state = sasCancelled{info: info}
	if !info.CancelledByUs {
		return nil
	}
	return s.out(EventCancel, info.content())
}

// receive applies an event of the flow. Events that do not fit the current state cancel it.
func (s *Sas) receive(ev *Event) []*Outgoing {
	if !s.active() {
		return nil
	}
	var (
		next   sasState
		out    *Outgoing
		cancel *CancelInfo
	)
	switch ev.Type {
	case EventCancel:
		c, err := decode[CancelContent](ev)
		if err != nil {
			c = &CancelContent{Code: CancelInvalidMessage}
		}
		s.cancelWith(theirCancel(c))
		return nil
	case EventAccept:
		st, ok := s.state.(sasCreated)
		if !ok {
			break
		}
		c, err := decode[AcceptContent](ev)
		if err != nil {
			return []*Outgoing{s.cancelWith(ourCancel(CancelInvalidMessage))}
		}
		next, out, cancel = st.receiveAccept(s, c)
	case EventKey:
		c, err := decode[KeyContent](ev)
		if err != nil {
			return []*Outgoing{s.cancelWith(ourCancel(CancelInvalidMessage))}
		}
		switch st := s.state.(type) {
		case sasWeAccepted:
			next, out, cancel = st.receiveKey(s, c)
		case sasAccepted:
			next, cancel = st.receiveKey(s, c)
		}
	case EventMac:
		c, err := decode[MacContent](ev)
		if err != nil {
			return []*Outgoing{s.cancelWith(ourCancel(CancelInvalidMessage))}
		}
		switch st := s.state.(type) {
		case sasKeysExchanged:
			if st.theirResult == nil {
				next, cancel = st.receiveMac(s, c)
			}
		case sasConfirmed:
			next, out, cancel = st.receiveMac(s, c)
		}
	case EventDone:
		// our side is done once our done is sent, so a done in any other state is out of order
	}
	if cancel != nil {
		return []*Outgoing{s.cancelWith(cancel)}
	}
	if next == nil {
		return []*Outgoing{s.cancelWith(ourCancel(CancelUnexpectedMessage))}
	}
	s.state = next
	if out == nil {
		return nil
	}
	return []*Outgoing{out}
}

func (s *Sas) keys() *sasKeys {
	switch st := s.state.(type) {
	case sasKeysExchanged:
		return st.keys
	case sasConfirmed:
		return st.keys
	case sasDone:
		return st.keys
	}
	return nil
}

func (s *Sas) hasMethod(m string) bool {
	k := s.keys()
	if k == nil {
		return false
	}
	for _, have := range k.shortAuth {
		if have == m {
			return true
		}
	}
	return false
}

// Emoji returns the seven emoji indices once the keys have been exchanged.
func (s *Sas) Emoji() ([]int, bool) {
	if !s.hasMethod(sasEmoji) {
		return nil, false
	}
	e := crypto.EmojiIndices(s.keys().sasBytes)
	return e[:], true
}

func (s *Sas) Decimals() ([]int, bool) {
	if !s.hasMethod(sasDecimal) {
		return nil, false
	}
	d := crypto.Decimals(s.keys().sasBytes)
	return d[:], true
}

func (s *Sas) otherDevice() mxid.DeviceID {
	return s.other.DeviceID
}

func (s *Sas) info() Info {
	i := Info{
		Kind:          KindSas,
		FlowID:        s.flow,
		OtherUserID:   s.other.UserID,
		OtherDeviceID: s.other.DeviceID,
		WeStarted:     s.weStarted,
		State:         s.state.sasState(),
	}
	switch st := s.state.(type) {
	case sasKeysExchanged:
		i.CanBePresented = true
	case sasConfirmed:
		i.CanBePresented = true
		i.HaveWeConfirmed = true
	case sasDone:
		i.HaveWeConfirmed = true
	case sasCancelled:
		c := *st.info
		i.Cancel = &c
	}
	i.Emoji, _ = s.Emoji()
	i.Decimals, _ = s.Decimals()
	return i
}
