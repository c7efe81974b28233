package crypto

import (
	"crypto/ed25519"
	"crypto/hmac"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	megolmParts      = 4
	megolmPartLength = 32
	megolmRatchetLen = megolmParts * megolmPartLength

	megolmMessageVersion    = 3
	megolmSessionKeyVersion = 2
	megolmExportVersion     = 1
	megolmMACLength         = 8
	megolmKeysInfo          = "MEGOLM_KEYS"
)

var (
	ErrUnknownMessageIndex = errors.New("crypto: message index precedes the first known index")
	ErrMalformedMessage    = errors.New("crypto: malformed megolm message")
	ErrBadSessionKey       = errors.New("crypto: malformed megolm session key")
)

var megolmSeeds = [megolmParts][]byte{{0x00}, {0x01}, {0x02}, {0x03}}

// MegolmRatchet is the four part hash ratchet of a group session. Part i is rehashed every 2^(8*(3-i))
// messages, so any later position can be reached from an earlier one without going through every step.
type MegolmRatchet struct {
	Data    [megolmRatchetLen]byte
	Counter uint32
}

func NewMegolmRatchet() *MegolmRatchet {
	r := &MegolmRatchet{}
	copy(r.Data[:], RandomBytes(megolmRatchetLen))
	return r
}

func (r *MegolmRatchet) part(i int) []byte {
	return r.Data[i*megolmPartLength : (i+1)*megolmPartLength]
}

func (r *MegolmRatchet) rehash(from, to int) {
	out := HMACSHA256(r.part(from), megolmSeeds[to])
	copy(r.part(to), out)
}

func (r *MegolmRatchet) Advance() {
	var mask uint32 = 0x00FFFFFF
	h := 0
	r.Counter++
	for h < megolmParts {
		if r.Counter&mask == 0 {
			break
		}
		h++
		mask >>= 8
	}
	for i := megolmParts - 1; i >= h; i-- {
		r.rehash(h, i)
	}
}

func (r *MegolmRatchet) AdvanceTo(target uint32) {
	for j := 0; j < megolmParts; j++ {
		shift := uint((megolmParts - j - 1) * 8)
		mask := ^uint32(0) << shift
		steps := ((target >> shift) - (r.Counter >> shift)) & 0xff
		if steps == 0 {
			if target < r.Counter {
				steps = 0x100
			} else {
				continue
			}
		}
		for steps > 1 {
			r.rehash(j, j)
			steps--
		}
		for k := megolmParts - 1; k >= j; k-- {
			r.rehash(j, k)
		}
		r.Counter = target & mask
	}
}

func (r *MegolmRatchet) keys() (aesKey, macKey, iv []byte) {
	okm := HKDFSHA256(r.Data[:], nil, megolmKeysInfo, 80)
	return okm[:32], okm[32:64], okm[64:]
}

// Encrypt produces a signed group message at the current index and advances the ratchet.
func (r *MegolmRatchet) Encrypt(signing ed25519.PrivateKey, plaintext []byte) ([]byte, error) {
	aesKey, macKey, iv := r.keys()
	ct, err := encryptCBC(aesKey, iv, plaintext)
	if err != nil {
		return nil, err
	}
	msg := []byte{megolmMessageVersion, 0x08}
	msg = binary.AppendUvarint(msg, uint64(r.Counter))
	msg = append(msg, 0x12)
	msg = binary.AppendUvarint(msg, uint64(len(ct)))
	msg = append(msg, ct...)
	msg = append(msg, HMACSHA256(macKey, msg)[:megolmMACLength]...)
	msg = append(msg, ed25519.Sign(signing, msg)...)
	r.Advance()
	return msg, nil
}

type MegolmMessage struct {
	Index      uint32
	Ciphertext []byte
	mac        []byte
	macInput   []byte
	signature  []byte
	signed     []byte
}

func ParseMegolmMessage(msg []byte) (*MegolmMessage, error) {
	if len(msg) < 1+megolmMACLength+ed25519.SignatureSize {
		return nil, fmt.Errorf("%w: too short", ErrMalformedMessage)
	}
	if msg[0] != megolmMessageVersion {
		return nil, fmt.Errorf("%w: unknown version %d", ErrMalformedMessage, msg[0])
	}
	signed := msg[:len(msg)-ed25519.SignatureSize]
	body := signed[:len(signed)-megolmMACLength]
	m := &MegolmMessage{
		mac:       signed[len(signed)-megolmMACLength:],
		macInput:  body,
		signature: msg[len(msg)-ed25519.SignatureSize:],
		signed:    signed,
	}
	pos := 1
	seenIndex := false
	for pos < len(body) {
		tag := body[pos]
		pos++
		switch tag {
		case 0x08:
			v, n := binary.Uvarint(body[pos:])
			if n <= 0 || v > 0xFFFFFFFF {
				return nil, fmt.Errorf("%w: bad index", ErrMalformedMessage)
			}
			m.Index = uint32(v)
			seenIndex = true
			pos += n
		case 0x12:
			l, n := binary.Uvarint(body[pos:])
			if n <= 0 || l > uint64(len(body)-pos-n) {
				return nil, fmt.Errorf("%w: bad ciphertext length", ErrMalformedMessage)
			}
			pos += n
			m.Ciphertext = body[pos : pos+int(l)]
			pos += int(l)
		default:
			return nil, fmt.Errorf("%w: unknown tag %#x", ErrMalformedMessage, tag)
		}
	}
	if !seenIndex || m.Ciphertext == nil {
		return nil, fmt.Errorf("%w: missing fields", ErrMalformedMessage)
	}
	return m, nil
}

// DecryptMegolm decrypts msg using a copy of the ratchet at the first known index.
func DecryptMegolm(first MegolmRatchet, signingKey ed25519.PublicKey, msg []byte) ([]byte, uint32, error) {
	m, err := ParseMegolmMessage(msg)
	if err != nil {
		return nil, 0, err
	}
	if !ed25519.Verify(signingKey, m.signed, m.signature) {
		return nil, 0, ErrInvalidSignature
	}
	if m.Index < first.Counter {
		return nil, m.Index, ErrUnknownMessageIndex
	}
	r := first
	r.AdvanceTo(m.Index)
	aesKey, macKey, iv := r.keys()
	if !hmac.Equal(HMACSHA256(macKey, m.macInput)[:megolmMACLength], m.mac) {
		return nil, m.Index, ErrBadMAC
	}
	pt, err := decryptCBC(aesKey, iv, m.Ciphertext)
	if err != nil {
		return nil, m.Index, err
	}
	return pt, m.Index, nil
}

// SessionKey is the signed form shared in m.room_key events.
func (r *MegolmRatchet) SessionKey(signing ed25519.PrivateKey) []byte {
	b := []byte{megolmSessionKeyVersion}
	b = binary.BigEndian.AppendUint32(b, r.Counter)
	b = append(b, r.Data[:]...)
	b = append(b, signing.Public().(ed25519.PublicKey)...)
	return append(b, ed25519.Sign(signing, b)...)
}

// ExportKey is the unsigned form used for forwarding, backups and key export.
func (r *MegolmRatchet) ExportKey(signingKey ed25519.PublicKey) []byte {
	b := []byte{megolmExportVersion}
	b = binary.BigEndian.AppendUint32(b, r.Counter)
	b = append(b, r.Data[:]...)
	return append(b, signingKey...)
}

// ParseSessionKey parses either the signed or the exported form, returning the ratchet and signing key.
// The second result reports whether the key was signed.
func ParseSessionKey(b []byte) (*MegolmRatchet, ed25519.PublicKey, bool, error) {
	if len(b) == 0 {
		return nil, nil, false, ErrBadSessionKey
	}
	body := 1 + 4 + megolmRatchetLen + ed25519.PublicKeySize
	switch b[0] {
	case megolmSessionKeyVersion:
		if len(b) != body+ed25519.SignatureSize {
			return nil, nil, false, fmt.Errorf("%w: length %d", ErrBadSessionKey, len(b))
		}
	case megolmExportVersion:
		if len(b) != body {
			return nil, nil, false, fmt.Errorf("%w: length %d", ErrBadSessionKey, len(b))
		}
	default:
		return nil, nil, false, fmt.Errorf("%w: version %d", ErrBadSessionKey, b[0])
	}
	r := &MegolmRatchet{Counter: binary.BigEndian.Uint32(b[1:5])}
	copy(r.Data[:], b[5:5+megolmRatchetLen])
	pub := ed25519.PublicKey(append([]byte(nil), b[5+megolmRatchetLen:body]...))
	if b[0] == megolmSessionKeyVersion {
		if !ed25519.Verify(pub, b[:body], b[body:]) {
			return nil, nil, false, ErrInvalidSignature
		}
		return r, pub, true, nil
	}
	return r, pub, false, nil
}
