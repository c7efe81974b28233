package olm

import (
	"bytes"
	crypto_rand "crypto/rand"
	"fmt"
	"sort"

	"github.com/kevinburke/nacl/box"
	"github.com/meow-io/go-e2ee/crypto"
	"github.com/status-im/doubleratchet"
)

type dhPairImpl struct {
	privateKey [32]byte
	publicKey  [32]byte
}

func (pair dhPairImpl) PrivateKey() doubleratchet.Key {
	return pair.privateKey[:]
}

func (pair dhPairImpl) PublicKey() doubleratchet.Key {
	return pair.publicKey[:]
}

// ratchetState is the persisted form of a doubleratchet.State.
type ratchetState struct {
	Dhr                      []byte `cbor:"dhr"`
	DhsPub                   []byte `cbor:"dhs_pub"`
	DhsPriv                  []byte `cbor:"dhs_priv"`
	RootChKey                []byte `cbor:"root_ch_key"`
	SendChKey                []byte `cbor:"send_ch_key"`
	SendChCount              uint32 `cbor:"send_ch_count"`
	RecvChKey                []byte `cbor:"recv_ch_key"`
	RecvChCount              uint32 `cbor:"recv_ch_count"`
	PN                       uint32 `cbor:"pn"`
	MaxSkip                  uint   `cbor:"max_skip"`
	HKr                      []byte `cbor:"hkr"`
	NHKr                     []byte `cbor:"nhkr"`
	HKs                      []byte `cbor:"hks"`
	NHKs                     []byte `cbor:"nhks"`
	MaxKeep                  uint   `cbor:"max_keep"`
	MaxMessageKeysPerSession int    `cbor:"mmk_per_session"`
	Step                     uint   `cbor:"step"`
	KeysCount                uint   `cbor:"keys_count"`

	Skipped []skippedKey `cbor:"skipped"`
}

type skippedKey struct {
	PublicKey      []byte `cbor:"pub_key"`
	MessageNumber  uint   `cbor:"msg_num"`
	MessageKey     []byte `cbor:"message_key"`
	SequenceNumber uint   `cbor:"seq_num"`
}

// sessionStorageImpl keeps the ratchet of exactly one session in memory. The session pickles it
// after every successful step, so nothing is written to the store until the caller commits.
type sessionStorageImpl struct {
	id    []byte
	state *doubleratchet.State
	keys  *keysStorageImpl
}

func newSessionStorage(id []byte) *sessionStorageImpl {
	return &sessionStorageImpl{id: id, keys: &keysStorageImpl{sessionID: id}}
}

func (ss *sessionStorageImpl) Load(id []byte) (*doubleratchet.State, error) {
	if !bytes.Equal(id, ss.id) {
		return nil, fmt.Errorf("olm: expected session %x, got %x", ss.id, id)
	}
	if ss.state == nil {
		return nil, fmt.Errorf("olm: no ratchet state for session %x", id)
	}
	st := *ss.state
	return &st, nil
}

func (ss *sessionStorageImpl) Save(id []byte, state *doubleratchet.State) error {
	if !bytes.Equal(id, ss.id) {
		return fmt.Errorf("olm: expected session %x, got %x", ss.id, id)
	}
	st := *state
	ss.state = &st
	return nil
}

func (ss *sessionStorageImpl) pickle() *ratchetState {
	state := ss.state
	return &ratchetState{
		Dhr:                      state.DHr,
		DhsPub:                   state.DHs.PublicKey(),
		DhsPriv:                  state.DHs.PrivateKey(),
		RootChKey:                state.RootCh.CK,
		SendChKey:                state.SendCh.CK,
		SendChCount:              state.SendCh.N,
		RecvChKey:                state.RecvCh.CK,
		RecvChCount:              state.RecvCh.N,
		PN:                       state.PN,
		MaxSkip:                  state.MaxSkip,
		HKr:                      state.HKr,
		NHKr:                     state.NHKr,
		HKs:                      state.HKs,
		NHKs:                     state.NHKs,
		MaxKeep:                  state.MaxKeep,
		MaxMessageKeysPerSession: state.MaxMessageKeysPerSession,
		Step:                     state.Step,
		KeysCount:                state.KeysCount,
		Skipped:                  ss.keys.snapshot(),
	}
}

func (ss *sessionStorageImpl) unpickle(s *ratchetState) {
	drc := &cryptoImpl{}
	ss.keys.restore(s.Skipped)
	ss.state = &doubleratchet.State{
		Crypto: drc,
		DHr:    s.Dhr,
		DHs:    dhPairImpl{privateKey: [32]byte(s.DhsPriv), publicKey: [32]byte(s.DhsPub)},
		RootCh: struct {
			Crypto doubleratchet.KDFer
			CK     doubleratchet.Key
		}{Crypto: drc, CK: s.RootChKey},
		SendCh: struct {
			Crypto doubleratchet.KDFer
			CK     doubleratchet.Key
			N      uint32
		}{Crypto: drc, CK: s.SendChKey, N: s.SendChCount},
		RecvCh: struct {
			Crypto doubleratchet.KDFer
			CK     doubleratchet.Key
			N      uint32
		}{Crypto: drc, CK: s.RecvChKey, N: s.RecvChCount},
		PN:                       s.PN,
		MkSkipped:                ss.keys,
		MaxSkip:                  s.MaxSkip,
		HKr:                      s.HKr,
		NHKr:                     s.NHKr,
		HKs:                      s.HKs,
		NHKs:                     s.NHKs,
		MaxKeep:                  s.MaxKeep,
		MaxMessageKeysPerSession: s.MaxMessageKeysPerSession,
		Step:                     s.Step,
		KeysCount:                s.KeysCount,
	}
}

type cryptoImpl struct {
	defaultCrypto doubleratchet.DefaultCrypto
}

func (c *cryptoImpl) GenerateDH() (doubleratchet.DHPair, error) {
	pubk, privk, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, err
	}
	return dhPairImpl{privateKey: *privk, publicKey: *pubk}, nil
}

func (c *cryptoImpl) DH(dhPair doubleratchet.DHPair, dhPub doubleratchet.Key) (doubleratchet.Key, error) {
	return crypto.ECDH(dhPair.PrivateKey(), dhPub)
}

func (c *cryptoImpl) Encrypt(mk doubleratchet.Key, plaintext, ad []byte) ([]byte, error) {
	return crypto.EncryptWithKey(mk, plaintext, ad)
}

func (c *cryptoImpl) Decrypt(mk doubleratchet.Key, ciphertext, ad []byte) ([]byte, error) {
	return crypto.DecryptWithKey(mk, ciphertext, ad)
}

func (c *cryptoImpl) KdfRK(rk, dhOut doubleratchet.Key) (doubleratchet.Key, doubleratchet.Key, doubleratchet.Key) {
	return c.defaultCrypto.KdfRK(rk, dhOut)
}

func (c *cryptoImpl) KdfCK(ck doubleratchet.Key) (doubleratchet.Key, doubleratchet.Key) {
	return c.defaultCrypto.KdfCK(ck)
}

// keysStorageImpl holds the skipped message keys of one session.
type keysStorageImpl struct {
	sessionID []byte
	keys      map[string]map[uint]skippedKey
}

func (ks *keysStorageImpl) Get(k doubleratchet.Key, msgNum uint) (doubleratchet.Key, bool, error) {
	if byNum, ok := ks.keys[string(k)]; ok {
		if sk, ok := byNum[msgNum]; ok {
			return sk.MessageKey, true, nil
		}
	}
	return doubleratchet.Key{}, false, nil
}

func (ks *keysStorageImpl) Put(sessionID []byte, k doubleratchet.Key, msgNum uint, mk doubleratchet.Key, keySeqNum uint) error {
	if !bytes.Equal(sessionID, ks.sessionID) {
		return fmt.Errorf("expected %x to equal %x", sessionID, ks.sessionID)
	}
	if ks.keys == nil {
		ks.keys = make(map[string]map[uint]skippedKey)
	}
	if _, ok := ks.keys[string(k)]; !ok {
		ks.keys[string(k)] = make(map[uint]skippedKey)
	}
	ks.keys[string(k)][msgNum] = skippedKey{PublicKey: k, MessageNumber: msgNum, MessageKey: mk, SequenceNumber: keySeqNum}
	return nil
}

func (ks *keysStorageImpl) DeleteMk(k doubleratchet.Key, msgNum uint) error {
	if byNum, ok := ks.keys[string(k)]; ok {
		delete(byNum, msgNum)
		if len(byNum) == 0 {
			delete(ks.keys, string(k))
		}
	}
	return nil
}

func (ks *keysStorageImpl) DeleteOldMks(sessionID []byte, deleteUntilSeqKey uint) error {
	if !bytes.Equal(sessionID, ks.sessionID) {
		return fmt.Errorf("expected %x to equal %x", sessionID, ks.sessionID)
	}
	for pk, byNum := range ks.keys {
		for n, sk := range byNum {
			if sk.SequenceNumber < deleteUntilSeqKey {
				delete(byNum, n)
			}
		}
		if len(byNum) == 0 {
			delete(ks.keys, pk)
		}
	}
	return nil
}

func (ks *keysStorageImpl) TruncateMks(sessionID []byte, maxKeys int) error {
	if !bytes.Equal(sessionID, ks.sessionID) {
		return fmt.Errorf("expected %x to equal %x", sessionID, ks.sessionID)
	}
	all := ks.snapshot()
	if len(all) <= maxKeys {
		return nil
	}
	for _, sk := range all[:len(all)-maxKeys] {
		if err := ks.DeleteMk(sk.PublicKey, sk.MessageNumber); err != nil {
			return err
		}
	}
	return nil
}

func (ks *keysStorageImpl) Count(k doubleratchet.Key) (uint, error) {
	return uint(len(ks.keys[string(k)])), nil
}

func (ks *keysStorageImpl) All() (map[string]map[uint]doubleratchet.Key, error) {
	out := make(map[string]map[uint]doubleratchet.Key, len(ks.keys))
	for pk, byNum := range ks.keys {
		out[pk] = make(map[uint]doubleratchet.Key, len(byNum))
		for n, sk := range byNum {
			out[pk][n] = sk.MessageKey
		}
	}
	return out, nil
}

// snapshot lists the skipped keys oldest first.
func (ks *keysStorageImpl) snapshot() []skippedKey {
	out := make([]skippedKey, 0)
	for _, byNum := range ks.keys {
		for _, sk := range byNum {
			out = append(out, sk)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SequenceNumber != out[j].SequenceNumber {
			return out[i].SequenceNumber < out[j].SequenceNumber
		}
		return out[i].MessageNumber < out[j].MessageNumber
	})
	return out
}

func (ks *keysStorageImpl) restore(keys []skippedKey) {
	ks.keys = make(map[string]map[uint]skippedKey)
	for _, sk := range keys {
		_ = ks.Put(ks.sessionID, sk.PublicKey, sk.MessageNumber, sk.MessageKey, sk.SequenceNumber)
	}
}
