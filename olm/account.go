// Package olm implements the long lived device account, pairwise Olm sessions on top of a double
// ratchet, and Megolm group sessions. Everything in it pickles to bytes and is unaware of storage.
package olm

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/meow-io/go-e2ee/crypto"
	"github.com/meow-io/go-e2ee/internal/codec"
)

const (
	AlgorithmOlm    = "m.olm.v1.curve25519-aes-sha2"
	AlgorithmMegolm = "m.megolm.v1.aes-sha2"

	maxOneTimeKeys = 100
)

var ErrUnknownOneTimeKey = errors.New("olm: unknown one-time key")

type IdentityKeys struct {
	Curve25519 string
	Ed25519    string
}

type oneTimeKey struct {
	ID        string `cbor:"id"`
	Private   []byte `cbor:"priv"`
	Public    []byte `cbor:"pub"`
	Published bool   `cbor:"published"`
}

func (k *oneTimeKey) keyPair() *crypto.Curve25519KeyPair {
	return &crypto.Curve25519KeyPair{Private: [32]byte(k.Private), Public: [32]byte(k.Public)}
}

type Account struct {
	identity     *crypto.Curve25519KeyPair
	signing      ed25519.PrivateKey
	oneTimeKeys  []*oneTimeKey
	nextKeyID    uint32
	fallback     *oneTimeKey
	prevFallback *oneTimeKey
	Shared       bool
}

func NewAccount() (*Account, error) {
	identity, err := crypto.NewCurve25519KeyPair()
	if err != nil {
		return nil, err
	}
	seed, err := crypto.NewEd25519Seed()
	if err != nil {
		return nil, err
	}
	return &Account{
		identity: identity,
		signing:  ed25519.NewKeyFromSeed(seed),
	}, nil
}

func (a *Account) IdentityKeys() IdentityKeys {
	return IdentityKeys{
		Curve25519: a.identity.PublicBase64(),
		Ed25519:    crypto.EncodeBase64(a.signing.Public().(ed25519.PublicKey)),
	}
}

func (a *Account) SigningKey() ed25519.PrivateKey {
	return a.signing
}

func (a *Account) Sign(msg []byte) string {
	return crypto.EncodeBase64(ed25519.Sign(a.signing, msg))
}

func (a *Account) MaxNumberOfOneTimeKeys() int {
	return maxOneTimeKeys
}

func (a *Account) newKey() (*oneTimeKey, error) {
	kp, err := crypto.NewCurve25519KeyPair()
	if err != nil {
		return nil, err
	}
	a.nextKeyID++
	return &oneTimeKey{
		ID:      crypto.EncodeBase64(binary.BigEndian.AppendUint32(nil, a.nextKeyID)),
		Private: kp.Private[:],
		Public:  kp.Public[:],
	}, nil
}

// GenerateOneTimeKeys adds n unpublished keys. The oldest keys are dropped once the account holds more
// than the maximum, which is what the server would do with them anyway.
func (a *Account) GenerateOneTimeKeys(n int) error {
	for i := 0; i < n; i++ {
		k, err := a.newKey()
		if err != nil {
			return err
		}
		a.oneTimeKeys = append(a.oneTimeKeys, k)
	}
	if len(a.oneTimeKeys) > maxOneTimeKeys {
		a.oneTimeKeys = a.oneTimeKeys[len(a.oneTimeKeys)-maxOneTimeKeys:]
	}
	return nil
}

// OneTimeKeys returns the unpublished one-time keys by key id.
func (a *Account) OneTimeKeys() map[string]string {
	out := make(map[string]string)
	for _, k := range a.oneTimeKeys {
		if !k.Published {
			out[k.ID] = crypto.EncodeBase64(k.Public)
		}
	}
	return out
}

// FallbackKey returns the fallback key if it has not been published yet.
func (a *Account) FallbackKey() map[string]string {
	out := make(map[string]string)
	if a.fallback != nil && !a.fallback.Published {
		out[a.fallback.ID] = crypto.EncodeBase64(a.fallback.Public)
	}
	return out
}

func (a *Account) HasFallbackKey() bool {
	return a.fallback != nil
}

func (a *Account) GenerateFallbackKey() error {
	k, err := a.newKey()
	if err != nil {
		return err
	}
	a.prevFallback = a.fallback
	a.fallback = k
	return nil
}

func (a *Account) ForgetOldFallbackKey() {
	a.prevFallback = nil
}

func (a *Account) MarkKeysAsPublished() {
	for _, k := range a.oneTimeKeys {
		k.Published = true
	}
	if a.fallback != nil {
		a.fallback.Published = true
	}
}

func (a *Account) findKey(pub []byte) (*oneTimeKey, bool) {
	for _, k := range a.oneTimeKeys {
		if string(k.Public) == string(pub) {
			return k, false
		}
	}
	for _, k := range []*oneTimeKey{a.fallback, a.prevFallback} {
		if k != nil && string(k.Public) == string(pub) {
			return k, true
		}
	}
	return nil, false
}

func (a *Account) removeOneTimeKey(pub []byte) {
	for i, k := range a.oneTimeKeys {
		if string(k.Public) == string(pub) {
			a.oneTimeKeys = append(a.oneTimeKeys[:i], a.oneTimeKeys[i+1:]...)
			return
		}
	}
}

// NewOutboundSession starts a session with a device using one of its claimed one-time keys.
func (a *Account) NewOutboundSession(theirIdentityKey, theirOneTimeKey string) (*Session, error) {
	idKey, err := crypto.DecodeCurve25519(theirIdentityKey)
	if err != nil {
		return nil, err
	}
	otk, err := crypto.DecodeCurve25519(theirOneTimeKey)
	if err != nil {
		return nil, err
	}
	base, err := crypto.NewCurve25519KeyPair()
	if err != nil {
		return nil, err
	}
	s1, err := a.identity.SharedSecret(otk)
	if err != nil {
		return nil, err
	}
	s2, err := base.SharedSecret(idKey)
	if err != nil {
		return nil, err
	}
	s3, err := base.SharedSecret(otk)
	if err != nil {
		return nil, err
	}
	root := rootKey(s1, s2, s3)
	return newOutboundSession(a.identity.Public[:], base.Public[:], idKey, otk, root)
}

// NewInboundSession creates a session from a pre-key message and decrypts it. The one-time key the
// message used is only consumed if decryption succeeds.
func (a *Account) NewInboundSession(theirIdentityKey string, body string) (*Session, []byte, error) {
	pm, err := decodePreKeyMessage(body)
	if err != nil {
		return nil, nil, err
	}
	if theirIdentityKey != "" && crypto.EncodeBase64(pm.IdentityKey) != theirIdentityKey {
		return nil, nil, fmt.Errorf("%w: identity key does not match sender", ErrBadMessage)
	}
	k, _ := a.findKey(pm.OneTimeKey)
	if k == nil {
		return nil, nil, ErrUnknownOneTimeKey
	}
	kp := k.keyPair()
	s1, err := kp.SharedSecret(pm.IdentityKey)
	if err != nil {
		return nil, nil, err
	}
	s2, err := a.identity.SharedSecret(pm.BaseKey)
	if err != nil {
		return nil, nil, err
	}
	s3, err := kp.SharedSecret(pm.BaseKey)
	if err != nil {
		return nil, nil, err
	}
	s, err := newInboundSession(pm, a.identity.Public[:], kp, rootKey(s1, s2, s3))
	if err != nil {
		return nil, nil, err
	}
	pt, err := s.decryptInner(pm.Message)
	if err != nil {
		return nil, nil, err
	}
	a.removeOneTimeKey(pm.OneTimeKey)
	return s, pt, nil
}

type accountPickle struct {
	IdentityPrivate []byte        `cbor:"identity"`
	SigningSeed     []byte        `cbor:"signing"`
	OneTimeKeys     []*oneTimeKey `cbor:"otks"`
	NextKeyID       uint32        `cbor:"next_key_id"`
	Fallback        *oneTimeKey   `cbor:"fallback"`
	PrevFallback    *oneTimeKey   `cbor:"prev_fallback"`
	Shared          bool          `cbor:"shared"`
}

func (a *Account) Pickle() ([]byte, error) {
	return codec.Marshal(&accountPickle{
		IdentityPrivate: a.identity.Private[:],
		SigningSeed:     a.signing.Seed(),
		OneTimeKeys:     a.oneTimeKeys,
		NextKeyID:       a.nextKeyID,
		Fallback:        a.fallback,
		PrevFallback:    a.prevFallback,
		Shared:          a.Shared,
	})
}

func UnpickleAccount(b []byte) (*Account, error) {
	var p accountPickle
	if err := codec.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("olm: error unpickling account: %w", err)
	}
	identity, err := crypto.Curve25519FromPrivate(p.IdentityPrivate)
	if err != nil {
		return nil, err
	}
	if len(p.SigningSeed) != ed25519.SeedSize {
		return nil, fmt.Errorf("olm: bad signing seed length %d", len(p.SigningSeed))
	}
	return &Account{
		identity:     identity,
		signing:      ed25519.NewKeyFromSeed(p.SigningSeed),
		oneTimeKeys:  p.OneTimeKeys,
		nextKeyID:    p.NextKeyID,
		fallback:     p.Fallback,
		prevFallback: p.PrevFallback,
		Shared:       p.Shared,
	}, nil
}
