package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/meow-io/go-e2ee/crypto"
	"github.com/meow-io/go-e2ee/verification"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, stdin string, args ...string) (string, error) {
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--home", t.TempDir()}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestQrDecode(t *testing.T) {
	require := require.New(t)
	code := &verification.QrCode{
		Mode:   verification.QrSelfVerifying,
		FlowID: "flow",
		Key1:   bytes.Repeat([]byte{1}, 32),
		Key2:   bytes.Repeat([]byte{2}, 32),
		Secret: bytes.Repeat([]byte{3}, 16),
	}
	out, err := run(t, "", "qr", "decode", code.String())
	require.Nil(err)
	require.Contains(out, "mode:    self verifying\n")
	require.Contains(out, "flow id: flow\n")
	require.Contains(out, crypto.EncodeBase64(code.Key2))

	out, err = run(t, code.String()+"\n", "qr", "decode")
	require.Nil(err)
	require.Contains(out, "flow id: flow\n")

	_, err = run(t, "", "qr", "decode", "bm90IGEgY29kZQ")
	require.ErrorIs(err, verification.ErrInvalidQrCode)
}

func TestExportDecrypt(t *testing.T) {
	require := require.New(t)
	keys := `[{"algorithm":"m.megolm.v1.aes-sha2","room_id":"!room:example.org","sender_key":"c2VuZGVy","session_id":"c2Vzc2lvbg","session_key":"a2V5","sender_claimed_keys":{"ed25519":"ZWQ"},"forwarding_curve25519_key_chain":[]}]`
	armored, err := crypto.EncryptKeyExport([]byte(keys), "secret", 1000)
	require.Nil(err)
	path := filepath.Join(t.TempDir(), "keys.txt")
	require.Nil(os.WriteFile(path, armored, 0o600))

	out, err := run(t, "", "export", "decrypt", "-p", "secret", path)
	require.Nil(err)
	require.Contains(out, `"room_id": "!room:example.org"`)

	out, err = run(t, string(armored), "export", "decrypt", "-p", "secret")
	require.Nil(err)
	require.Contains(out, `"session_id": "c2Vzc2lvbg"`)

	_, err = run(t, "", "export", "decrypt", "-p", "wrong", path)
	require.ErrorIs(err, crypto.ErrExportPassphrase)

	_, err = run(t, "", "export", "decrypt", path)
	require.Error(err)
}

func TestRecoveryKeys(t *testing.T) {
	require := require.New(t)
	out, err := run(t, "", "recovery", "new")
	require.Nil(err)
	require.True(strings.HasPrefix(out, "recovery key: "))

	args := []string{"recovery", "derive", "-p", "correct horse", "--salt", "salt", "--rounds", "10"}
	first, err := run(t, "", args...)
	require.Nil(err)
	second, err := run(t, "", args...)
	require.Nil(err)
	require.Equal(first, second)

	_, err = run(t, "", "recovery", "derive")
	require.Error(err)
}

func TestDeviceKeys(t *testing.T) {
	require := require.New(t)
	home := t.TempDir()
	args := []string{"--home", home, "device", "keys", "-p", "hunter2", "--user", "@alice:example.org", "--device", "ALICE"}
	first, err := run(t, "", args...)
	require.Nil(err)
	require.Contains(first, "@alice:example.org ALICE\n")
	require.Contains(first, "curve25519: ")
	require.Contains(first, "ed25519: ")

	second, err := run(t, "", args...)
	require.Nil(err)
	require.Equal(first, second)

	_, err = run(t, "", "--home", home, "device", "keys", "-p", "hunter2", "--user", "@alice:example.org", "--device", "PHONE")
	require.Error(err)
}
