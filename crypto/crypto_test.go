package crypto

import (
	"crypto/ed25519"
	crypto_rand "crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBase64AcceptsPadding(t *testing.T) {
	require := require.New(t)
	b := []byte{1, 2, 3, 4}
	enc := EncodeBase64(b)
	require.Equal("AQIDBA", enc)
	out, err := DecodeBase64("AQIDBA==")
	require.Nil(err)
	require.Equal(b, out)
}

func TestECDHSymmetric(t *testing.T) {
	require := require.New(t)
	a, err := NewCurve25519KeyPair()
	require.Nil(err)
	b, err := NewCurve25519KeyPair()
	require.Nil(err)
	s1, err := a.SharedSecret(b.Public[:])
	require.Nil(err)
	s2, err := b.SharedSecret(a.Public[:])
	require.Nil(err)
	require.Equal(s1, s2)

	c, err := Curve25519FromPrivate(a.Private[:])
	require.Nil(err)
	require.Equal(a.Public, c.Public)

	_, err = a.SharedSecret(make([]byte, 32))
	require.True(errors.Is(err, ErrInvalidKey))
}

// RFC 7748 section 6.1
func TestECDHKnownAnswer(t *testing.T) {
	require := require.New(t)
	decode := func(s string) []byte {
		b, err := hex.DecodeString(s)
		require.Nil(err)
		return b
	}
	alicePriv := decode("77076d0a7318a57d3c16c17251b26645df4c2f87ebc0992ab177fba51db92c2a")
	alicePub := decode("8520f0098930a754748b7ddcb43ef75a0dbf3a0d26381af4eba4a98eaa9b4e6a")
	bobPriv := decode("5dab087e624a8a4b79e17f8b83800ee66f3bb1292618b6fd1c2f8b27ff88e0eb")
	bobPub := decode("de9edb7d7b7dc1b4d35b61c2ece435373f8343c85b78674dadfc7e146f882b4f")
	shared := decode("4a5d9d5ba4ce2de1728e3bf480350f25e07e21c947d19e3376f09b3c1e161742")

	a, err := Curve25519FromPrivate(alicePriv)
	require.Nil(err)
	require.Equal(alicePub, a.Public[:])

	s1, err := ECDH(alicePriv, bobPub)
	require.Nil(err)
	require.Equal(shared, s1)
	s2, err := ECDH(bobPriv, alicePub)
	require.Nil(err)
	require.Equal(shared, s2)
}

func TestCanonicalJSON(t *testing.T) {
	require := require.New(t)
	out, err := CanonicalJSON([]byte(`{"b": 2, "a": {"d": "é<>", "c": 1.0}, "signatures": {"x": {}}, "unsigned": {"age": 3}}`))
	require.Nil(err)
	require.Equal(`{"a":{"c":1.0,"d":"é<>"},"b":2}`, string(out))
}

func TestSignAndVerifyJSON(t *testing.T) {
	require := require.New(t)
	pub, priv, err := ed25519.GenerateKey(crypto_rand.Reader)
	require.Nil(err)
	obj := []byte(`{"device_id":"DEV","keys":{"ed25519:DEV":"x"}}`)
	signed, err := AddSignature(obj, priv, "@a:x", "DEV")
	require.Nil(err)
	require.Nil(VerifySignedBy(signed, "@a:x", "DEV", EncodeBase64(pub)))
	require.NotNil(VerifySignedBy(signed, "@b:x", "DEV", EncodeBase64(pub)))

	tampered := []byte(`{"device_id":"EVE","keys":{"ed25519:DEV":"x"}}`)
	sig, ok := ExtractSignature(signed, "@a:x", "DEV")
	require.True(ok)
	require.True(errors.Is(VerifyJSON(EncodeBase64(pub), tampered, sig), ErrInvalidSignature))
}

func TestMegolmAdvanceTo(t *testing.T) {
	require := require.New(t)
	for _, target := range []uint32{1, 255, 256, 257, 65535, 65536, 70000} {
		r1 := NewMegolmRatchet()
		r2 := *r1
		for r1.Counter < target {
			r1.Advance()
		}
		r2.AdvanceTo(target)
		require.Equal(r1.Counter, r2.Counter)
		require.Equal(r1.Data, r2.Data, "target %d", target)
	}
}

func TestMegolmEncryptDecrypt(t *testing.T) {
	require := require.New(t)
	_, signing, err := ed25519.GenerateKey(crypto_rand.Reader)
	require.Nil(err)
	r := NewMegolmRatchet()
	first := *r
	pub := signing.Public().(ed25519.PublicKey)

	var msgs [][]byte
	for i := 0; i < 5; i++ {
		m, err := r.Encrypt(signing, []byte{byte(i)})
		require.Nil(err)
		msgs = append(msgs, m)
	}
	for i, m := range msgs {
		pt, idx, err := DecryptMegolm(first, pub, m)
		require.Nil(err)
		require.Equal(uint32(i), idx)
		require.Equal([]byte{byte(i)}, pt)
	}

	// a key received at index 3 cannot decrypt index 2
	later := first
	later.AdvanceTo(3)
	_, _, err = DecryptMegolm(later, pub, msgs[2])
	require.True(errors.Is(err, ErrUnknownMessageIndex))

	bad := append([]byte(nil), msgs[0]...)
	bad[len(bad)-1] ^= 1
	_, _, err = DecryptMegolm(first, pub, bad)
	require.True(errors.Is(err, ErrInvalidSignature))

	_, err = ParseMegolmMessage([]byte{3, 1, 2})
	require.True(errors.Is(err, ErrMalformedMessage))
}

func TestMegolmSessionKeys(t *testing.T) {
	require := require.New(t)
	_, signing, err := ed25519.GenerateKey(crypto_rand.Reader)
	require.Nil(err)
	r := NewMegolmRatchet()
	r.AdvanceTo(7)

	sk := r.SessionKey(signing)
	parsed, pub, signed, err := ParseSessionKey(sk)
	require.Nil(err)
	require.True(signed)
	require.Equal(*r, *parsed)
	require.Equal(signing.Public(), pub)

	ek := r.ExportKey(pub)
	parsed, _, signed, err = ParseSessionKey(ek)
	require.Nil(err)
	require.False(signed)
	require.Equal(*r, *parsed)

	sk[10] ^= 1
	_, _, _, err = ParseSessionKey(sk)
	require.True(errors.Is(err, ErrInvalidSignature))
}

func TestPkRoundTrip(t *testing.T) {
	require := require.New(t)
	dec, err := NewPkDecryption()
	require.Nil(err)
	enc, err := NewPkEncryption(dec.PublicKey())
	require.Nil(err)
	m, err := enc.Encrypt([]byte(`{"session_key":"abc"}`))
	require.Nil(err)
	pt, err := dec.Decrypt(m)
	require.Nil(err)
	require.Equal(`{"session_key":"abc"}`, string(pt))

	other, err := NewPkDecryption()
	require.Nil(err)
	_, err = other.Decrypt(m)
	require.NotNil(err)
}

func TestRecoveryKey(t *testing.T) {
	require := require.New(t)
	priv := RandomBytes(32)
	s := EncodeRecoveryKey(priv)
	out, err := DecodeRecoveryKey(s)
	require.Nil(err)
	require.Equal(priv, out)

	_, err = DecodeRecoveryKey("EsT")
	require.True(errors.Is(err, ErrInvalidRecoveryKey))

	k1 := KeyFromPassphrase("hunter2", "salt", 10)
	k2 := KeyFromPassphrase("hunter2", "salt", 10)
	require.Equal(k1, k2)
	require.Len(k1, 32)
}

func TestKeyExport(t *testing.T) {
	require := require.New(t)
	data := []byte(`[{"room_id":"!a:b"}]`)
	armored, err := EncryptKeyExport(data, "pass", 1000)
	require.Nil(err)
	out, err := DecryptKeyExport(armored, "pass")
	require.Nil(err)
	require.Equal(data, out)

	_, err = DecryptKeyExport(armored, "wrong")
	require.True(errors.Is(err, ErrExportPassphrase))
	_, err = DecryptKeyExport([]byte("garbage"), "pass")
	require.True(errors.Is(err, ErrExportFormat))

	_, err = EncryptKeyExport(data, "pass", maxExportRounds+1)
	require.Error(err)
}

// withExportRounds rewrites the round count of an armored export without fixing its MAC.
func withExportRounds(t *testing.T, armored []byte, rounds uint32) []byte {
	s := strings.TrimSpace(string(armored))
	s = strings.TrimSuffix(strings.TrimPrefix(s, exportHeader), exportFooter)
	body, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(s), ""))
	require.Nil(t, err)
	binary.BigEndian.PutUint32(body[33:37], rounds)
	return []byte(exportHeader + "\n" + base64.StdEncoding.EncodeToString(body) + "\n" + exportFooter + "\n")
}

func TestKeyExportRoundLimit(t *testing.T) {
	require := require.New(t)
	armored, err := EncryptKeyExport([]byte(`[]`), "pass", 1000)
	require.Nil(err)

	for _, rounds := range []uint32{0, maxExportRounds + 1, 1 << 31} {
		_, err = DecryptKeyExport(withExportRounds(t, armored, rounds), "pass")
		require.True(errors.Is(err, ErrExportFormat), "rounds %d", rounds)
	}
	// a count in range gets as far as the MAC check
	_, err = DecryptKeyExport(withExportRounds(t, armored, 1001), "pass")
	require.True(errors.Is(err, ErrExportPassphrase))
}

func TestSasDerivations(t *testing.T) {
	require := require.New(t)
	require.Equal([7]int{63, 63, 63, 63, 63, 63, 63}, EmojiIndices([]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}))
	require.Equal([7]int{0, 0, 0, 0, 0, 0, 0}, EmojiIndices(make([]byte, 6)))
	require.Equal([3]int{9191, 9191, 9191}, Decimals([]byte{0xff, 0xff, 0xff, 0xff, 0xff}))
	require.Equal([3]int{1000, 1000, 1000}, Decimals(make([]byte, 5)))
	// first emoji is the top six bits
	require.Equal(1, EmojiIndices([]byte{0x04, 0, 0, 0, 0, 0})[0])

	shared := RandomBytes(32)
	require.Equal(SasMAC(shared, "info", []byte("k")), SasMAC(shared, "info", []byte("k")))
	require.NotEqual(SasMAC(shared, "info", []byte("k")), SasMAC(shared, "info2", []byte("k")))
	require.Len(SasBytes(shared, "x", 6), 6)
}

func TestAEAD(t *testing.T) {
	require := require.New(t)
	key := RandomBytes(32)
	ct, err := EncryptWithKey(key, []byte("hi"), []byte("ad"))
	require.Nil(err)
	pt, err := DecryptWithKey(key, ct, []byte("ad"))
	require.Nil(err)
	require.Equal([]byte("hi"), pt)
	_, err = DecryptWithKey(key, ct, []byte("other"))
	require.NotNil(err)
	_, err = EncryptWithKey([]byte{1}, []byte("hi"), nil)
	require.NotNil(err)
}
