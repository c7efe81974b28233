package olm

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/meow-io/go-e2ee/crypto"
	"github.com/meow-io/go-e2ee/internal/codec"
)

// RotationSettings bounds the lifetime of an outbound group session.
type RotationSettings struct {
	Period   time.Duration `cbor:"period"`
	Messages uint64        `cbor:"messages"`
}

// OutboundGroupSession is the sending half of a room's Megolm session.
type OutboundGroupSession struct {
	RoomID       string
	CreatedAt    time.Time
	MessageCount uint64
	Settings     RotationSettings
	Invalidated  bool

	ratchet *crypto.MegolmRatchet
	signing ed25519.PrivateKey
}

func NewOutboundGroupSession(roomID string, settings RotationSettings, now time.Time) (*OutboundGroupSession, error) {
	seed, err := crypto.NewEd25519Seed()
	if err != nil {
		return nil, err
	}
	return &OutboundGroupSession{
		RoomID:    roomID,
		CreatedAt: now,
		Settings:  settings,
		ratchet:   crypto.NewMegolmRatchet(),
		signing:   ed25519.NewKeyFromSeed(seed),
	}, nil
}

// ID is the base64 Megolm signing key, which is also how the session is named on the wire.
func (s *OutboundGroupSession) ID() string {
	return crypto.EncodeBase64(s.signing.Public().(ed25519.PublicKey))
}

func (s *OutboundGroupSession) MessageIndex() uint32 {
	return s.ratchet.Counter
}

// SessionKey is the signed key at the current index, sent to recipients in m.room_key.
func (s *OutboundGroupSession) SessionKey() string {
	return crypto.EncodeBase64(s.ratchet.SessionKey(s.signing))
}

// Expired reports whether the session has reached either rotation limit.
func (s *OutboundGroupSession) Expired(now time.Time) bool {
	if s.Settings.Messages > 0 && s.MessageCount >= s.Settings.Messages {
		return true
	}
	if s.Settings.Period > 0 && now.Sub(s.CreatedAt) >= s.Settings.Period {
		return true
	}
	return false
}

func (s *OutboundGroupSession) Encrypt(plaintext []byte) (string, error) {
	msg, err := s.ratchet.Encrypt(s.signing, plaintext)
	if err != nil {
		return "", err
	}
	s.MessageCount++
	return crypto.EncodeBase64(msg), nil
}

type outboundGroupPickle struct {
	RoomID       string           `cbor:"room_id"`
	CreatedAt    int64            `cbor:"created_at"`
	MessageCount uint64           `cbor:"message_count"`
	Settings     RotationSettings `cbor:"settings"`
	Invalidated  bool             `cbor:"invalidated"`
	Ratchet      []byte           `cbor:"ratchet"`
	Counter      uint32           `cbor:"counter"`
	SigningSeed  []byte           `cbor:"signing"`
}

func (s *OutboundGroupSession) Pickle() ([]byte, error) {
	return codec.Marshal(&outboundGroupPickle{
		RoomID:       s.RoomID,
		CreatedAt:    s.CreatedAt.UnixMilli(),
		MessageCount: s.MessageCount,
		Settings:     s.Settings,
		Invalidated:  s.Invalidated,
		Ratchet:      s.ratchet.Data[:],
		Counter:      s.ratchet.Counter,
		SigningSeed:  s.signing.Seed(),
	})
}

func UnpickleOutboundGroupSession(b []byte) (*OutboundGroupSession, error) {
	var p outboundGroupPickle
	if err := codec.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("olm: error unpickling outbound group session: %w", err)
	}
	if len(p.SigningSeed) != ed25519.SeedSize || len(p.Ratchet) != 128 {
		return nil, errors.New("olm: malformed outbound group session pickle")
	}
	r := &crypto.MegolmRatchet{Data: [128]byte(p.Ratchet), Counter: p.Counter}
	return &OutboundGroupSession{
		RoomID:       p.RoomID,
		CreatedAt:    time.UnixMilli(p.CreatedAt),
		MessageCount: p.MessageCount,
		Settings:     p.Settings,
		Invalidated:  p.Invalidated,
		ratchet:      r,
		signing:      ed25519.NewKeyFromSeed(p.SigningSeed),
	}, nil
}

// InboundGroupSession decrypts a sender's messages from the first index it knows onwards.
type InboundGroupSession struct {
	RoomID          string
	SenderKey       string
	SigningKey      string
	ForwardingChain []string
	Imported        bool
	BackedUp        bool

	first     crypto.MegolmRatchet
	megolmKey ed25519.PublicKey
	signed    bool
}

// NewInboundGroupSession accepts the signed key of an m.room_key event.
func NewInboundGroupSession(sessionKey, roomID, senderKey, signingKey string) (*InboundGroupSession, error) {
	return newInbound(sessionKey, roomID, senderKey, signingKey, true)
}

// ImportInboundGroupSession accepts the unsigned export form used by forwards, backups and key files.
func ImportInboundGroupSession(exportedKey, roomID, senderKey, signingKey string, forwardingChain []string) (*InboundGroupSession, error) {
	s, err := newInbound(exportedKey, roomID, senderKey, signingKey, false)
	if err != nil {
		return nil, err
	}
	s.ForwardingChain = append([]string{}, forwardingChain...)
	s.Imported = true
	return s, nil
}

func newInbound(key, roomID, senderKey, signingKey string, requireSigned bool) (*InboundGroupSession, error) {
	b, err := crypto.DecodeBase64(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", crypto.ErrBadSessionKey, err)
	}
	r, pub, signed, err := crypto.ParseSessionKey(b)
	if err != nil {
		return nil, err
	}
	if requireSigned && !signed {
		return nil, fmt.Errorf("%w: expected signed session key", crypto.ErrBadSessionKey)
	}
	return &InboundGroupSession{
		RoomID:     roomID,
		SenderKey:  senderKey,
		SigningKey: signingKey,
		first:      *r,
		megolmKey:  pub,
		signed:     signed,
	}, nil
}

func (s *InboundGroupSession) ID() string {
	return crypto.EncodeBase64(s.megolmKey)
}

func (s *InboundGroupSession) FirstKnownIndex() uint32 {
	return s.first.Counter
}

// Decrypt returns the plaintext and the message index of a base64 ciphertext.
func (s *InboundGroupSession) Decrypt(ciphertext string) ([]byte, uint32, error) {
	b, err := crypto.DecodeBase64(ciphertext)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", crypto.ErrMalformedMessage, err)
	}
	return crypto.DecryptMegolm(s.first, s.megolmKey, b)
}

// Export returns the unsigned key at index, which must not precede the first known index.
func (s *InboundGroupSession) Export(index uint32) (string, error) {
	if index < s.first.Counter {
		return "", crypto.ErrUnknownMessageIndex
	}
	r := s.first
	r.AdvanceTo(index)
	return crypto.EncodeBase64(r.ExportKey(s.megolmKey)), nil
}

func (s *InboundGroupSession) ExportAtFirstKnownIndex() string {
	k, _ := s.Export(s.first.Counter)
	return k
}

// BetterThan reports whether s can decrypt strictly more than other for the same session.
func (s *InboundGroupSession) BetterThan(other *InboundGroupSession) bool {
	if other == nil {
		return true
	}
	if s.first.Counter != other.first.Counter {
		return s.first.Counter < other.first.Counter
	}
	return len(s.ForwardingChain) < len(other.ForwardingChain)
}

type inboundGroupPickle struct {
	RoomID          string   `cbor:"room_id"`
	SenderKey       string   `cbor:"sender_key"`
	SigningKey      string   `cbor:"signing_key"`
	ForwardingChain []string `cbor:"forwarding_chain"`
	Imported        bool     `cbor:"imported"`
	BackedUp        bool     `cbor:"backed_up"`
	Ratchet         []byte   `cbor:"ratchet"`
	Counter         uint32   `cbor:"counter"`
	MegolmKey       []byte   `cbor:"megolm_key"`
	Signed          bool     `cbor:"signed"`
}

func (s *InboundGroupSession) Pickle() ([]byte, error) {
	return codec.Marshal(&inboundGroupPickle{
		RoomID:          s.RoomID,
		SenderKey:       s.SenderKey,
		SigningKey:      s.SigningKey,
		ForwardingChain: s.ForwardingChain,
		Imported:        s.Imported,
		BackedUp:        s.BackedUp,
		Ratchet:         s.first.Data[:],
		Counter:         s.first.Counter,
		MegolmKey:       s.megolmKey,
		Signed:          s.signed,
	})
}

func UnpickleInboundGroupSession(b []byte) (*InboundGroupSession, error) {
	var p inboundGroupPickle
	if err := codec.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("olm: error unpickling inbound group session: %w", err)
	}
	if len(p.Ratchet) != 128 || len(p.MegolmKey) != ed25519.PublicKeySize {
		return nil, errors.New("olm: malformed inbound group session pickle")
	}
	return &InboundGroupSession{
		RoomID:          p.RoomID,
		SenderKey:       p.SenderKey,
		SigningKey:      p.SigningKey,
		ForwardingChain: p.ForwardingChain,
		Imported:        p.Imported,
		BackedUp:        p.BackedUp,
		first:           crypto.MegolmRatchet{Data: [128]byte(p.Ratchet), Counter: p.Counter},
		megolmKey:       ed25519.PublicKey(p.MegolmKey),
		signed:          p.Signed,
	}, nil
}
