package crypto

import (
	"crypto/ed25519"
	crypto_rand "crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/kevinburke/nacl/box"
	"github.com/kevinburke/nacl/scalarmult"
)

var ErrInvalidKey = errors.New("crypto: invalid key")

// EncodeBase64 produces the unpadded standard base64 used for every key on the wire.
func EncodeBase64(b []byte) string {
	return base64.RawStdEncoding.EncodeToString(b)
}

// DecodeBase64 accepts padded and unpadded standard base64.
func DecodeBase64(s string) ([]byte, error) {
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}

type Curve25519KeyPair struct {
	Private [32]byte
	Public  [32]byte
}

func NewCurve25519KeyPair() (*Curve25519KeyPair, error) {
	pub, priv, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Curve25519KeyPair{Private: *priv, Public: *pub}, nil
}

func Curve25519FromPrivate(priv []byte) (*Curve25519KeyPair, error) {
	if len(priv) != 32 {
		return nil, fmt.Errorf("%w: curve25519 private key has length %d", ErrInvalidKey, len(priv))
	}
	kp := &Curve25519KeyPair{Private: [32]byte(priv)}
	kp.Public = *scalarmult.Base(&kp.Private)
	return kp, nil
}

func (kp *Curve25519KeyPair) PublicBase64() string {
	return EncodeBase64(kp.Public[:])
}

// SharedSecret performs raw X25519 with the given public key.
func (kp *Curve25519KeyPair) SharedSecret(pub []byte) ([]byte, error) {
	return ECDH(kp.Private[:], pub)
}

// ECDH returns the raw X25519 output. A low order public key yields an all zero secret, which is refused.
func ECDH(priv, pub []byte) ([]byte, error) {
	if len(priv) != 32 || len(pub) != 32 {
		return nil, fmt.Errorf("%w: curve25519 keys must be 32 bytes", ErrInvalidKey)
	}
	out := scalarmult.Mult((*[32]byte)(priv), (*[32]byte)(pub))
	var zero [32]byte
	if *out == zero {
		return nil, fmt.Errorf("%w: low order curve25519 point", ErrInvalidKey)
	}
	return (*out)[:], nil
}

// DecodeCurve25519 parses a base64 curve25519 public key.
func DecodeCurve25519(s string) ([]byte, error) {
	b, err := DecodeBase64(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("%w: curve25519 key has length %d", ErrInvalidKey, len(b))
	}
	return b, nil
}

// DecodeEd25519 parses a base64 ed25519 public key.
func DecodeEd25519(s string) (ed25519.PublicKey, error) {
	b, err := DecodeBase64(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: ed25519 key has length %d", ErrInvalidKey, len(b))
	}
	return ed25519.PublicKey(b), nil
}

// NewEd25519Seed returns a fresh 32 byte seed, which is how signing keys are persisted.
func NewEd25519Seed() ([]byte, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := crypto_rand.Read(seed); err != nil {
		return nil, err
	}
	return seed, nil
}

func RandomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := crypto_rand.Read(b); err != nil {
		panic("short read from random source")
	}
	return b
}
