package olm

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/meow-io/go-e2ee/crypto"
	"github.com/meow-io/go-e2ee/internal/codec"
	"github.com/status-im/doubleratchet"
)

const (
	MessageTypePreKey = 0
	MessageTypeNormal = 1

	olmRootInfo = "OLM_ROOT"
)

var (
	ErrBadMessage      = errors.New("olm: bad message")
	ErrSessionMismatch = errors.New("olm: message is for another session")
)

type ratchetMessage struct {
	DH         []byte `cbor:"dh"`
	N          uint32 `cbor:"n"`
	PN         uint32 `cbor:"pn"`
	Ciphertext []byte `cbor:"ct"`
}

type preKeyMessage struct {
	OneTimeKey  []byte `cbor:"otk"`
	BaseKey     []byte `cbor:"base"`
	IdentityKey []byte `cbor:"identity"`
	Message     []byte `cbor:"msg"`
}

func decodePreKeyMessage(body string) (*preKeyMessage, error) {
	b, err := crypto.DecodeBase64(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	pm := &preKeyMessage{}
	if err := codec.Unmarshal(b, pm); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	if len(pm.OneTimeKey) != 32 || len(pm.BaseKey) != 32 || len(pm.IdentityKey) != 32 {
		return nil, fmt.Errorf("%w: bad key length in pre-key message", ErrBadMessage)
	}
	return pm, nil
}

// PreKeyIdentityKey returns the sender identity key embedded in a pre-key message body.
func PreKeyIdentityKey(body string) (string, error) {
	pm, err := decodePreKeyMessage(body)
	if err != nil {
		return "", err
	}
	return crypto.EncodeBase64(pm.IdentityKey), nil
}

func rootKey(s1, s2, s3 []byte) []byte {
	secret := make([]byte, 0, 96)
	secret = append(append(append(secret, s1...), s2...), s3...)
	return crypto.HKDFSHA256(secret, nil, olmRootInfo, 32)
}

func sessionID(initiatorIdentity, baseKey, oneTimeKey []byte) string {
	h := sha256.New()
	h.Write(initiatorIdentity)
	h.Write(baseKey)
	h.Write(oneTimeKey)
	return crypto.EncodeBase64(h.Sum(nil))
}

// Session is a pairwise channel to one device. It is not safe for concurrent use.
type Session struct {
	ID         string
	CreatedAt  time.Time
	LastUsedAt time.Time

	initiatorIdentity []byte
	responderIdentity []byte
	baseKey           []byte
	oneTimeKey        []byte
	outbound          bool
	receivedMessage   bool
	storage           *sessionStorageImpl
}

func newOutboundSession(ourIdentity, baseKey, theirIdentity, oneTimeKey, root []byte) (*Session, error) {
	id := sessionID(ourIdentity, baseKey, oneTimeKey)
	storage := newSessionStorage([]byte(id))
	if _, err := doubleratchet.NewWithRemoteKey([]byte(id), root, oneTimeKey, storage, doubleratchet.WithCrypto(&cryptoImpl{}), doubleratchet.WithKeysStorage(storage.keys)); err != nil {
		return nil, fmt.Errorf("olm: error initializing ratchet: %w", err)
	}
	return &Session{
		ID:                id,
		initiatorIdentity: ourIdentity,
		responderIdentity: theirIdentity,
		baseKey:           baseKey,
		oneTimeKey:        oneTimeKey,
		outbound:          true,
		storage:           storage,
	}, nil
}

func newInboundSession(pm *preKeyMessage, ourIdentity []byte, otk *crypto.Curve25519KeyPair, root []byte) (*Session, error) {
	id := sessionID(pm.IdentityKey, pm.BaseKey, pm.OneTimeKey)
	storage := newSessionStorage([]byte(id))
	pair := dhPairImpl{privateKey: otk.Private, publicKey: otk.Public}
	if _, err := doubleratchet.New([]byte(id), root, pair, storage, doubleratchet.WithCrypto(&cryptoImpl{}), doubleratchet.WithKeysStorage(storage.keys)); err != nil {
		return nil, fmt.Errorf("olm: error initializing ratchet: %w", err)
	}
	return &Session{
		ID:                id,
		initiatorIdentity: pm.IdentityKey,
		responderIdentity: ourIdentity,
		baseKey:           pm.BaseKey,
		oneTimeKey:        pm.OneTimeKey,
		storage:           storage,
	}, nil
}

// TheirIdentityKey is the curve25519 identity key of the other device.
func (s *Session) TheirIdentityKey() string {
	if s.outbound {
		return crypto.EncodeBase64(s.responderIdentity)
	}
	return crypto.EncodeBase64(s.initiatorIdentity)
}

func (s *Session) HasReceivedMessage() bool {
	return s.receivedMessage
}

func (s *Session) associatedData() []byte {
	return append(append([]byte{}, s.initiatorIdentity...), s.oneTimeKey...)
}

func (s *Session) load() (doubleratchet.Session, error) {
	return doubleratchet.Load([]byte(s.ID), s.storage, doubleratchet.WithCrypto(&cryptoImpl{}), doubleratchet.WithKeysStorage(s.storage.keys))
}

// Encrypt returns the message type and body. Until the other side has replied every message is a
// pre-key message so that it can create the session from whichever message arrives first.
func (s *Session) Encrypt(plaintext []byte) (int, string, error) {
	dr, err := s.load()
	if err != nil {
		return 0, "", fmt.Errorf("olm: error loading ratchet: %w", err)
	}
	m, err := dr.RatchetEncrypt(plaintext, s.associatedData())
	if err != nil {
		return 0, "", fmt.Errorf("olm: error encrypting: %w", err)
	}
	inner, err := codec.Marshal(&ratchetMessage{DH: m.Header.DH, N: m.Header.N, PN: m.Header.PN, Ciphertext: m.Ciphertext})
	if err != nil {
		return 0, "", err
	}
	if s.outbound && !s.receivedMessage {
		b, err := codec.Marshal(&preKeyMessage{
			OneTimeKey:  s.oneTimeKey,
			BaseKey:     s.baseKey,
			IdentityKey: s.initiatorIdentity,
			Message:     inner,
		})
		if err != nil {
			return 0, "", err
		}
		return MessageTypePreKey, crypto.EncodeBase64(b), nil
	}
	return MessageTypeNormal, crypto.EncodeBase64(inner), nil
}

// MatchesInboundSession reports whether a pre-key message was sent on this session.
func (s *Session) MatchesInboundSession(body string) bool {
	pm, err := decodePreKeyMessage(body)
	if err != nil {
		return false
	}
	return string(pm.BaseKey) == string(s.baseKey) &&
		string(pm.OneTimeKey) == string(s.oneTimeKey) &&
		string(pm.IdentityKey) == string(s.initiatorIdentity)
}

// Decrypt advances the ratchet only if the message authenticates.
func (s *Session) Decrypt(msgType int, body string) ([]byte, error) {
	switch msgType {
	case MessageTypePreKey:
		if !s.MatchesInboundSession(body) {
			return nil, ErrSessionMismatch
		}
		pm, err := decodePreKeyMessage(body)
		if err != nil {
			return nil, err
		}
		return s.decryptInner(pm.Message)
	case MessageTypeNormal:
		b, err := crypto.DecodeBase64(body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadMessage, err)
		}
		return s.decryptInner(b)
	default:
		return nil, fmt.Errorf("%w: unknown message type %d", ErrBadMessage, msgType)
	}
}

func (s *Session) decryptInner(b []byte) ([]byte, error) {
	var rm ratchetMessage
	if err := codec.Unmarshal(b, &rm); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	dr, err := s.load()
	if err != nil {
		return nil, fmt.Errorf("olm: error loading ratchet: %w", err)
	}
	pt, err := dr.RatchetDecrypt(doubleratchet.Message{
		Header:     doubleratchet.MessageHeader{DH: rm.DH, N: rm.N, PN: rm.PN},
		Ciphertext: rm.Ciphertext,
	}, s.associatedData())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	s.receivedMessage = true
	return pt, nil
}

type sessionPickle struct {
	ID                string        `cbor:"id"`
	CreatedAt         int64         `cbor:"created_at"`
	LastUsedAt        int64         `cbor:"last_used_at"`
	InitiatorIdentity []byte        `cbor:"initiator"`
	ResponderIdentity []byte        `cbor:"responder"`
	BaseKey           []byte        `cbor:"base_key"`
	OneTimeKey        []byte        `cbor:"otk"`
	Outbound          bool          `cbor:"outbound"`
	ReceivedMessage   bool          `cbor:"received"`
	Ratchet           *ratchetState `cbor:"ratchet"`
}

func (s *Session) Pickle() ([]byte, error) {
	return codec.Marshal(&sessionPickle{
		ID:                s.ID,
		CreatedAt:         s.CreatedAt.UnixMilli(),
		LastUsedAt:        s.LastUsedAt.UnixMilli(),
		InitiatorIdentity: s.initiatorIdentity,
		ResponderIdentity: s.responderIdentity,
		BaseKey:           s.baseKey,
		OneTimeKey:        s.oneTimeKey,
		Outbound:          s.outbound,
		ReceivedMessage:   s.receivedMessage,
		Ratchet:           s.storage.pickle(),
	})
}

func UnpickleSession(b []byte) (*Session, error) {
	var p sessionPickle
	if err := codec.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("olm: error unpickling session: %w", err)
	}
	if p.Ratchet == nil || len(p.Ratchet.DhsPriv) != 32 || len(p.Ratchet.DhsPub) != 32 {
		return nil, errors.New("olm: pickled session has no ratchet")
	}
	storage := newSessionStorage([]byte(p.ID))
	storage.unpickle(p.Ratchet)
	return &Session{
		ID:                p.ID,
		CreatedAt:         time.UnixMilli(p.CreatedAt),
		LastUsedAt:        time.UnixMilli(p.LastUsedAt),
		initiatorIdentity: p.InitiatorIdentity,
		responderIdentity: p.ResponderIdentity,
		baseKey:           p.BaseKey,
		oneTimeKey:        p.OneTimeKey,
		outbound:          p.Outbound,
		receivedMessage:   p.ReceivedMessage,
		storage:           storage,
	}, nil
}
