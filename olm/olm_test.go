package olm

import (
	"errors"
	"testing"
	"time"

	"github.com/meow-io/go-e2ee/crypto"
	"github.com/meow-io/go-e2ee/internal/codec"
	"github.com/stretchr/testify/require"
)

func claimKey(t *testing.T, a *Account) string {
	require := require.New(t)
	require.Nil(a.GenerateOneTimeKeys(1))
	for _, k := range a.OneTimeKeys() {
		a.MarkKeysAsPublished()
		return k
	}
	require.Fail("no one-time key")
	return ""
}

func TestAccountKeys(t *testing.T) {
	require := require.New(t)
	a, err := NewAccount()
	require.Nil(err)
	require.Nil(a.GenerateOneTimeKeys(5))
	require.Len(a.OneTimeKeys(), 5)
	for id := range a.OneTimeKeys() {
		require.Len(id, 6)
	}
	a.MarkKeysAsPublished()
	require.Len(a.OneTimeKeys(), 0)

	require.False(a.HasFallbackKey())
	require.Nil(a.GenerateFallbackKey())
	require.Len(a.FallbackKey(), 1)
	a.MarkKeysAsPublished()
	require.Len(a.FallbackKey(), 0)

	require.Nil(a.GenerateOneTimeKeys(200))
	require.Len(a.OneTimeKeys(), a.MaxNumberOfOneTimeKeys())

	p, err := a.Pickle()
	require.Nil(err)
	b, err := UnpickleAccount(p)
	require.Nil(err)
	require.Equal(a.IdentityKeys(), b.IdentityKeys())
	require.Equal(a.OneTimeKeys(), b.OneTimeKeys())
}

func TestOlmSessionRoundTrip(t *testing.T) {
	require := require.New(t)
	alice, err := NewAccount()
	require.Nil(err)
	bob, err := NewAccount()
	require.Nil(err)

	otk := claimKey(t, bob)
	out, err := alice.NewOutboundSession(bob.IdentityKeys().Curve25519, otk)
	require.Nil(err)
	require.Equal(bob.IdentityKeys().Curve25519, out.TheirIdentityKey())

	typ, body, err := out.Encrypt([]byte("hello"))
	require.Nil(err)
	require.Equal(MessageTypePreKey, typ)

	sender, err := PreKeyIdentityKey(body)
	require.Nil(err)
	require.Equal(alice.IdentityKeys().Curve25519, sender)

	in, pt, err := bob.NewInboundSession(alice.IdentityKeys().Curve25519, body)
	require.Nil(err)
	require.Equal("hello", string(pt))
	require.Equal(out.ID, in.ID)
	require.Equal(alice.IdentityKeys().Curve25519, in.TheirIdentityKey())
	require.True(in.MatchesInboundSession(body))

	// the one-time key is consumed
	_, _, err = bob.NewInboundSession(alice.IdentityKeys().Curve25519, body)
	require.True(errors.Is(err, ErrUnknownOneTimeKey))

	// replying switches alice to normal messages
	typ, body, err = in.Encrypt([]byte("hi back"))
	require.Nil(err)
	require.Equal(MessageTypeNormal, typ)
	pt, err = out.Decrypt(typ, body)
	require.Nil(err)
	require.Equal("hi back", string(pt))

	typ, body, err = out.Encrypt([]byte("again"))
	require.Nil(err)
	require.Equal(MessageTypeNormal, typ)

	// pickling keeps the ratchet position
	p, err := in.Pickle()
	require.Nil(err)
	in2, err := UnpickleSession(p)
	require.Nil(err)
	pt, err = in2.Decrypt(typ, body)
	require.Nil(err)
	require.Equal("again", string(pt))
}

func TestOlmSessionOutOfOrder(t *testing.T) {
	require := require.New(t)
	alice, err := NewAccount()
	require.Nil(err)
	bob, err := NewAccount()
	require.Nil(err)
	out, err := alice.NewOutboundSession(bob.IdentityKeys().Curve25519, claimKey(t, bob))
	require.Nil(err)

	_, b1, err := out.Encrypt([]byte("1"))
	require.Nil(err)
	_, b2, err := out.Encrypt([]byte("2"))
	require.Nil(err)

	in, pt, err := bob.NewInboundSession("", b2)
	require.Nil(err)
	require.Equal("2", string(pt))
	pt, err = in.Decrypt(MessageTypePreKey, b1)
	require.Nil(err)
	require.Equal("1", string(pt))
}

func TestOlmDecryptFailureDoesNotAdvance(t *testing.T) {
	require := require.New(t)
	alice, err := NewAccount()
	require.Nil(err)
	bob, err := NewAccount()
	require.Nil(err)
	out, err := alice.NewOutboundSession(bob.IdentityKeys().Curve25519, claimKey(t, bob))
	require.Nil(err)
	_, body, err := out.Encrypt([]byte("1"))
	require.Nil(err)
	in, _, err := bob.NewInboundSession("", body)
	require.Nil(err)

	typ, body, err := in.Encrypt([]byte("2"))
	require.Nil(err)
	raw, err := crypto.DecodeBase64(body)
	require.Nil(err)
	var rm ratchetMessage
	require.Nil(codec.Unmarshal(raw, &rm))
	rm.Ciphertext[0] ^= 1
	raw, err = codec.Marshal(&rm)
	require.Nil(err)
	_, err = out.Decrypt(typ, crypto.EncodeBase64(raw))
	require.True(errors.Is(err, ErrBadMessage))

	pt, err := out.Decrypt(typ, body)
	require.Nil(err)
	require.Equal("2", string(pt))
}

func TestGroupSessionRoundTrip(t *testing.T) {
	require := require.New(t)
	now := time.Unix(1700000000, 0)
	out, err := NewOutboundGroupSession("!room:x", RotationSettings{Period: time.Hour, Messages: 3}, now)
	require.Nil(err)

	in, err := NewInboundGroupSession(out.SessionKey(), "!room:x", "senderkey", "signingkey")
	require.Nil(err)
	require.Equal(out.ID(), in.ID())
	require.Equal(uint32(0), in.FirstKnownIndex())

	for i := 0; i < 3; i++ {
		require.False(out.Expired(now))
		ct, err := out.Encrypt([]byte{byte(i)})
		require.Nil(err)
		pt, idx, err := in.Decrypt(ct)
		require.Nil(err)
		require.Equal(uint32(i), idx)
		require.Equal([]byte{byte(i)}, pt)
	}
	require.True(out.Expired(now))

	p, err := out.Pickle()
	require.Nil(err)
	out2, err := UnpickleOutboundGroupSession(p)
	require.Nil(err)
	require.Equal(out.ID(), out2.ID())
	require.Equal(uint32(3), out2.MessageIndex())
}

func TestGroupSessionExpiresByAge(t *testing.T) {
	require := require.New(t)
	now := time.Unix(1700000000, 0)
	out, err := NewOutboundGroupSession("!room:x", RotationSettings{Period: time.Hour, Messages: 100}, now)
	require.Nil(err)
	require.False(out.Expired(now.Add(59 * time.Minute)))
	require.True(out.Expired(now.Add(time.Hour)))
}

func TestGroupSessionExportImport(t *testing.T) {
	require := require.New(t)
	out, err := NewOutboundGroupSession("!room:x", RotationSettings{}, time.Now())
	require.Nil(err)
	in, err := NewInboundGroupSession(out.SessionKey(), "!room:x", "s", "k")
	require.Nil(err)
	ct0, err := out.Encrypt([]byte("zero"))
	require.Nil(err)
	ct1, err := out.Encrypt([]byte("one"))
	require.Nil(err)

	exported, err := in.Export(1)
	require.Nil(err)
	imported, err := ImportInboundGroupSession(exported, "!room:x", "s", "k", []string{"fwd"})
	require.Nil(err)
	require.True(imported.Imported)
	require.Equal(uint32(1), imported.FirstKnownIndex())
	require.True(in.BetterThan(imported))
	require.False(imported.BetterThan(in))

	_, _, err = imported.Decrypt(ct0)
	require.True(errors.Is(err, crypto.ErrUnknownMessageIndex))
	pt, _, err := imported.Decrypt(ct1)
	require.Nil(err)
	require.Equal("one", string(pt))

	// the unsigned form is not accepted as a room key
	_, err = NewInboundGroupSession(exported, "!room:x", "s", "k")
	require.NotNil(err)

	p, err := imported.Pickle()
	require.Nil(err)
	back, err := UnpickleInboundGroupSession(p)
	require.Nil(err)
	require.Equal(imported.ID(), back.ID())
	require.Equal([]string{"fwd"}, back.ForwardingChain)
}
