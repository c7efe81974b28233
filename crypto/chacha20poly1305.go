package crypto

import (
	"golang.org/x/crypto/chacha20poly1305"
)

var zeroNonce12 = make([]byte, chacha20poly1305.NonceSize)

// EncryptWithKey seals msg under a single use key. Olm message keys are never reused, which is what
// allows the fixed nonce.
func EncryptWithKey(key, msg, ad []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrInvalidKey
	}
	cipher, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return cipher.Seal(nil, zeroNonce12, msg, ad), nil
}

func DecryptWithKey(key, enc, ad []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrInvalidKey
	}
	cipher, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return cipher.Open(nil, zeroNonce12, enc, ad)
}
