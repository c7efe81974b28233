package crypto

import (
	"crypto/hmac"
	"errors"
	"fmt"
)

var ErrBackupDecrypt = errors.New("crypto: unable to decrypt backup data")

// PkMessage is the session_data of a backed up room key.
type PkMessage struct {
	Ciphertext string `json:"ciphertext"`
	MAC        string `json:"mac"`
	Ephemeral  string `json:"ephemeral"`
}

// PkEncryption encrypts room keys to the public key of a server side backup. It holds no private material.
type PkEncryption struct {
	recipient []byte
}

func NewPkEncryption(publicKey string) (*PkEncryption, error) {
	pub, err := DecodeCurve25519(publicKey)
	if err != nil {
		return nil, err
	}
	return &PkEncryption{recipient: pub}, nil
}

func pkKeys(shared []byte) (aesKey, macKey, iv []byte) {
	okm := HKDFSHA256(shared, make([]byte, 32), "", 80)
	return okm[:32], okm[32:64], okm[64:]
}

// Encrypt runs the curve25519-aes-sha2 scheme. Following the deployed scheme, the MAC is computed over an
// empty message rather than the ciphertext, so it only authenticates the derived key.
func (p *PkEncryption) Encrypt(plaintext []byte) (*PkMessage, error) {
	eph, err := NewCurve25519KeyPair()
	if err != nil {
		return nil, err
	}
	shared, err := eph.SharedSecret(p.recipient)
	if err != nil {
		return nil, err
	}
	aesKey, macKey, iv := pkKeys(shared)
	ct, err := encryptCBC(aesKey, iv, plaintext)
	if err != nil {
		return nil, err
	}
	return &PkMessage{
		Ciphertext: EncodeBase64(ct),
		MAC:        EncodeBase64(HMACSHA256(macKey)[:8]),
		Ephemeral:  eph.PublicBase64(),
	}, nil
}

// PkDecryption holds the backup private key and is only needed to restore keys.
type PkDecryption struct {
	key *Curve25519KeyPair
}

func NewPkDecryption() (*PkDecryption, error) {
	kp, err := NewCurve25519KeyPair()
	if err != nil {
		return nil, err
	}
	return &PkDecryption{key: kp}, nil
}

func PkDecryptionFromPrivate(priv []byte) (*PkDecryption, error) {
	kp, err := Curve25519FromPrivate(priv)
	if err != nil {
		return nil, err
	}
	return &PkDecryption{key: kp}, nil
}

func (p *PkDecryption) PublicKey() string {
	return p.key.PublicBase64()
}

func (p *PkDecryption) PrivateKey() []byte {
	return append([]byte(nil), p.key.Private[:]...)
}

func (p *PkDecryption) Decrypt(m *PkMessage) ([]byte, error) {
	eph, err := DecodeCurve25519(m.Ephemeral)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackupDecrypt, err)
	}
	ct, err := DecodeBase64(m.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackupDecrypt, err)
	}
	mac, err := DecodeBase64(m.MAC)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackupDecrypt, err)
	}
	shared, err := p.key.SharedSecret(eph)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackupDecrypt, err)
	}
	aesKey, macKey, iv := pkKeys(shared)
	if !hmac.Equal(HMACSHA256(macKey)[:8], mac) {
		return nil, ErrBadMAC
	}
	pt, err := decryptCBC(aesKey, iv, ct)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackupDecrypt, err)
	}
	return pt, nil
}
