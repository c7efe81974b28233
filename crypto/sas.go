package crypto

import (
	"encoding/binary"
)

// SasBytes derives n bytes from the SAS shared secret for the given info string.
func SasBytes(shared []byte, info string, n int) []byte {
	return HKDFSHA256(shared, nil, info, n)
}

// EmojiIndices splits the first 42 bits of b into seven 6 bit indices.
func EmojiIndices(b []byte) [7]int {
	var padded [8]byte
	copy(padded[:], b[:6])
	v := binary.BigEndian.Uint64(padded[:]) >> 22
	var out [7]int
	for i := 6; i >= 0; i-- {
		out[i] = int(v & 0x3f)
		v >>= 6
	}
	return out
}

// Decimals splits the first 39 bits of b into three 13 bit numbers offset by 1000.
func Decimals(b []byte) [3]int {
	var padded [8]byte
	copy(padded[3:], b[:5])
	v := binary.BigEndian.Uint64(padded[:]) >> 1
	var out [3]int
	for i := 2; i >= 0; i-- {
		out[i] = int(v&0x1fff) + 1000
		v >>= 13
	}
	return out
}

// SasMAC implements hkdf-hmac-sha256.v2: a per item key is expanded from the shared secret and used to MAC the input.
func SasMAC(shared []byte, info string, input []byte) string {
	key := HKDFSHA256(shared, nil, info, 32)
	return EncodeBase64(HMACSHA256(key, input))
}
