package machine

import (
	"testing"

	"github.com/meow-io/go-e2ee/store"
	"github.com/stretchr/testify/require"
)

// bootstrap creates cross-signing keys for d and publishes them.
func bootstrap(t *testing.T, d *testDevice) {
	upload, sigs, err := d.m.BootstrapCrossSigning(false)
	require.NoError(t, err)
	require.NotNil(t, sigs)
	d.hs.uploadSigningKeys(d.user, upload)
	d.flush()
	d.sync()
	d.flush()
}

func TestBootstrapCrossSigning(t *testing.T) {
	require := require.New(t)
	a, _ := pair(t)
	require.Equal(CrossSigningStatus{}, a.m.CrossSigningStatus())
	require.Nil(a.m.ExportCrossSigningKeys())

	bootstrap(t, a)
	require.Equal(CrossSigningStatus{HasMaster: true, HasSelfSigning: true, HasUserSigning: true}, a.m.CrossSigningStatus())

	_, _, err := a.m.BootstrapCrossSigning(false)
	require.ErrorIs(err, ErrCrossSigningExists)

	ident, err := a.m.GetIdentity(alice)
	require.NoError(err)
	require.True(ident.Own)
	require.True(ident.Verified)
	require.NotEmpty(ident.MasterKey)
	require.NotEmpty(ident.UserSigningKey)

	d, err := a.m.GetDevice(alice, aliceDev)
	require.NoError(err)
	require.True(d.CrossSigningTrusted)
}

func TestImportCrossSigningKeys(t *testing.T) {
	require := require.New(t)
	a, _ := pair(t)
	bootstrap(t, a)
	export := a.m.ExportCrossSigningKeys()
	require.NotEmpty(export.MasterKey)

	phone := newTestDevice(t, a.hs, alice, "ALICEPHONE")
	phone.flush()
	_, err := phone.m.VerifyDevice(alice, aliceDev)
	require.ErrorIs(err, ErrMissingSigningKey)

	status, err := phone.m.ImportCrossSigningKeys(&CrossSigningKeyExport{MasterKey: export.SelfSigningKey})
	require.NoError(err)
	require.Equal(CrossSigningStatus{}, status)

	status, err = phone.m.ImportCrossSigningKeys(export)
	require.NoError(err)
	require.Equal(CrossSigningStatus{HasMaster: true, HasSelfSigning: true, HasUserSigning: true}, status)
	verified, err := phone.m.IsIdentityVerified(alice)
	require.NoError(err)
	require.True(verified)

	// the laptop signs the phone, which makes it trusted for everyone trusting alice
	a.sync()
	a.flush()
	req, err := a.m.VerifyDevice(alice, "ALICEPHONE")
	require.NoError(err)
	require.NotNil(req)
	a.flush()

	d, err := a.m.GetDevice(alice, "ALICEPHONE")
	require.NoError(err)
	require.True(d.Verified())
}

func TestVerifyIdentity(t *testing.T) {
	require := require.New(t)
	a, b := pair(t)

	_, err := b.m.VerifyIdentity(alice)
	require.ErrorIs(err, ErrUnknownIdentity)

	bootstrap(t, a)
	bootstrap(t, b)
	b.sync()
	b.flush()

	verified, err := b.m.IsIdentityVerified(alice)
	require.NoError(err)
	require.False(verified)
	d, err := b.m.GetDevice(alice, aliceDev)
	require.NoError(err)
	require.False(d.Verified())

	req, err := b.m.VerifyIdentity(alice)
	require.NoError(err)
	require.NotNil(req)
	b.flush()

	verified, err = b.m.IsIdentityVerified(alice)
	require.NoError(err)
	require.True(verified)
	d, err = b.m.GetDevice(alice, aliceDev)
	require.NoError(err)
	require.True(d.CrossSigningTrusted)
	require.Equal(store.LocalTrustUnset, d.LocalTrust)

	// the signature survives a fresh keys query
	b.hs.changed(alice)
	b.sync()
	b.flush()
	verified, err = b.m.IsIdentityVerified(alice)
	require.NoError(err)
	require.True(verified)
}

func TestVerifyOtherUsersDevice(t *testing.T) {
	require := require.New(t)
	a, _ := pair(t)

	req, err := a.m.VerifyDevice(bob, bobDev)
	require.NoError(err)
	require.Nil(req)
	d, err := a.m.GetDevice(bob, bobDev)
	require.NoError(err)
	require.Equal(store.LocalTrustVerified, d.LocalTrust)
	require.True(d.Verified())
}
