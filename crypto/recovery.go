package crypto

import (
	"crypto/sha512"
	"errors"
	"strings"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/pbkdf2"
)

var ErrInvalidRecoveryKey = errors.New("crypto: invalid recovery key")

var recoveryKeyPrefix = []byte{0x8B, 0x01}

// EncodeRecoveryKey renders a backup private key the way users write it down: base58 in groups of four.
func EncodeRecoveryKey(priv []byte) string {
	b := append(append([]byte{}, recoveryKeyPrefix...), priv...)
	var parity byte
	for _, c := range b {
		parity ^= c
	}
	b = append(b, parity)
	enc := base58.Encode(b)
	var sb strings.Builder
	for i := 0; i < len(enc); i += 4 {
		if i > 0 {
			sb.WriteByte(' ')
		}
		end := i + 4
		if end > len(enc) {
			end = len(enc)
		}
		sb.WriteString(enc[i:end])
	}
	return sb.String()
}

func DecodeRecoveryKey(s string) ([]byte, error) {
	b, err := base58.Decode(strings.Join(strings.Fields(s), ""))
	if err != nil {
		return nil, ErrInvalidRecoveryKey
	}
	if len(b) != len(recoveryKeyPrefix)+32+1 || b[0] != recoveryKeyPrefix[0] || b[1] != recoveryKeyPrefix[1] {
		return nil, ErrInvalidRecoveryKey
	}
	var parity byte
	for _, c := range b {
		parity ^= c
	}
	if parity != 0 {
		return nil, ErrInvalidRecoveryKey
	}
	return b[2:34], nil
}

// KeyFromPassphrase derives a backup private key from a passphrase.
func KeyFromPassphrase(passphrase string, salt string, rounds int) []byte {
	return pbkdf2.Key([]byte(passphrase), []byte(salt), rounds, 32, sha512.New)
}
