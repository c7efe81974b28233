package machine

import (
	"encoding/json"
	"testing"

	"github.com/meow-io/go-e2ee/mxid"
	"github.com/meow-io/go-e2ee/store"
	"github.com/meow-io/go-e2ee/verification"
	"github.com/stretchr/testify/require"
)

func TestSasVerification(t *testing.T) {
	require := require.New(t)
	a, b := pair(t)

	info, reqs := a.m.RequestVerificationWithDevice(bob, bobDev, nil)
	require.Len(reqs, 1)
	require.Equal(RequestToDevice, reqs[0].RequestType())
	flowID := info.FlowID.ID
	a.flush()
	b.sync()

	theirs, ok := b.m.GetVerificationRequest(alice, flowID)
	require.True(ok)
	require.Equal(verification.RequestRequested, theirs.State)
	require.Len(b.m.GetVerificationRequests(alice), 1)

	_, err := b.m.AcceptVerificationRequest(alice, flowID, nil)
	require.NoError(err)
	b.flush()
	a.sync()
	ours, ok := a.m.GetVerificationRequest(bob, flowID)
	require.True(ok)
	require.Equal(verification.RequestReady, ours.State)

	_, _, err = a.m.StartSasVerification(bob, flowID)
	require.NoError(err)
	a.flush()
	b.sync()
	_, err = b.m.AcceptSasVerification(alice, flowID)
	require.NoError(err)
	// accept, then both keys
	b.flush()
	a.sync()
	a.flush()
	b.sync()
	b.flush()
	a.sync()

	aEmoji, err := a.m.EmojiIndex(bob, flowID)
	require.NoError(err)
	bEmoji, err := b.m.EmojiIndex(alice, flowID)
	require.NoError(err)
	require.Equal(aEmoji, bEmoji)
	aDec, err := a.m.Decimals(bob, flowID)
	require.NoError(err)
	bDec, err := b.m.Decimals(alice, flowID)
	require.NoError(err)
	require.Equal(aDec, bDec)

	_, err = a.m.ConfirmVerification(bob, flowID)
	require.NoError(err)
	a.flush()
	b.sync()
	_, err = b.m.ConfirmVerification(alice, flowID)
	require.NoError(err)
	b.flush()
	a.sync()
	a.flush()
	b.sync()

	for _, p := range []struct {
		self   *testDevice
		other  mxid.UserID
		device mxid.DeviceID
	}{{a, bob, bobDev}, {b, alice, aliceDev}} {
		info, ok := p.self.m.GetVerification(p.other, flowID)
		require.True(ok)
		require.True(info.IsDone())
		d, err := p.self.m.GetDevice(p.other, p.device)
		require.NoError(err)
		require.Equal(store.LocalTrustVerified, d.LocalTrust)
	}
}

func TestSasVerificationSignsOwnDevice(t *testing.T) {
	require := require.New(t)
	hs := newHomeserver(t)
	laptop := newTestDevice(t, hs, alice, aliceDev)
	laptop.flush()
	bootstrap(t, laptop)
	phone := newTestDevice(t, hs, alice, "ALICEPHONE")
	phone.flush()
	laptop.sync()
	laptop.flush()

	_, _, err := laptop.m.StartSasWithDevice(alice, "ALICEPHONE")
	require.NoError(err)
	flows := laptop.m.GetVerifications(alice)
	require.Len(flows, 1)
	flowID := flows[0].FlowID.ID
	laptop.flush()
	phone.sync()

	_, err = phone.m.AcceptSasVerification(alice, flowID)
	require.NoError(err)
	phone.flush()
	laptop.sync()
	laptop.flush()
	phone.sync()
	phone.flush()
	laptop.sync()

	_, err = phone.m.ConfirmVerification(alice, flowID)
	require.NoError(err)
	phone.flush()
	laptop.sync()
	reqs, err := laptop.m.ConfirmVerification(alice, flowID)
	require.NoError(err)
	var uploads int
	for _, r := range reqs {
		if r.RequestType() == RequestSignatureUpload {
			uploads++
		}
	}
	require.Equal(1, uploads)
	laptop.flush()

	d, err := laptop.m.GetDevice(alice, "ALICEPHONE")
	require.NoError(err)
	require.True(d.Verified())
	require.True(d.CrossSigningTrusted)
}

func TestCancelVerificationRequest(t *testing.T) {
	require := require.New(t)
	a, b := pair(t)

	info, _ := a.m.RequestVerificationWithDevice(bob, bobDev, nil)
	flowID := info.FlowID.ID
	a.flush()
	b.sync()

	_, err := b.m.CancelVerification(alice, flowID, verification.CancelUser)
	require.NoError(err)
	b.flush()
	a.sync()

	ours, ok := a.m.GetVerificationRequest(bob, flowID)
	require.True(ok)
	require.Equal(verification.RequestCancelled, ours.State)

	_, err = a.m.AcceptVerificationRequest(bob, flowID, nil)
	require.Error(err)
}

func TestInRoomVerificationRequest(t *testing.T) {
	require := require.New(t)
	a, b := pair(t)

	content := a.m.VerificationRequestContent(bob, nil)
	body, err := json.Marshal(content)
	require.NoError(err)
	ev := &RoomEvent{
		EventID:        "$request",
		Sender:         alice,
		Type:           "m.room.message",
		Content:        body,
		OriginServerTS: a.hs.clock.CurrentTimeMs(),
	}
	info := a.m.RequestVerification(bob, room, ev.EventID, nil)
	require.Equal(room, info.FlowID.RoomID)

	_, err = b.m.ReceiveRoomVerificationEvent(ev, room)
	require.NoError(err)
	theirs, ok := b.m.GetVerificationRequest(alice, "$request")
	require.True(ok)
	require.Equal(verification.RequestRequested, theirs.State)

	reqs, err := b.m.AcceptVerificationRequest(alice, "$request", nil)
	require.NoError(err)
	require.Len(reqs, 1)
	ready, ok := reqs[0].(*RoomMessageRequest)
	require.True(ok)
	require.Equal(room, ready.RoomID)
	require.Equal(verification.EventReady, ready.EventType)
	b.flush()

	sent := b.hs.timelines[room]
	require.Len(sent, 1)
	_, err = a.m.ReceiveRoomVerificationEvent(sent[0], room)
	require.NoError(err)
	ours, ok := a.m.GetVerificationRequest(bob, "$request")
	require.True(ok)
	require.Equal(verification.RequestReady, ours.State)
}

func TestQrVerification(t *testing.T) {
	require := require.New(t)
	a, b := pair(t)
	bootstrap(t, a)
	bootstrap(t, b)
	a.sync()
	a.flush()
	b.sync()
	b.flush()

	info, _ := a.m.RequestVerificationWithDevice(bob, bobDev, nil)
	flowID := info.FlowID.ID
	a.flush()
	b.sync()
	_, err := b.m.AcceptVerificationRequest(alice, flowID, nil)
	require.NoError(err)
	b.flush()
	a.sync()

	data, err := a.m.GenerateQrCode(bob, flowID)
	require.NoError(err)
	code, err := verification.ParseQrCode(data)
	require.NoError(err)
	require.Equal(verification.QrVerifyingAnotherUser, code.Mode)

	_, _, err = b.m.ScanQrCode(alice, flowID, "garbage")
	require.ErrorIs(err, verification.ErrInvalidQrCode)
	scanned, _, err := b.m.ScanQrCode(alice, flowID, data)
	require.NoError(err)
	require.Equal(verification.KindQr, scanned.Kind)
	b.flush()
	a.sync()

	_, err = a.m.ConfirmVerification(bob, flowID)
	require.NoError(err)
	a.flush()
	b.sync()
	_, err = b.m.ConfirmVerification(alice, flowID)
	require.NoError(err)
	b.flush()
	a.sync()
	a.flush()

	for _, p := range []struct {
		self  *testDevice
		other mxid.UserID
	}{{a, bob}, {b, alice}} {
		info, ok := p.self.m.GetVerification(p.other, flowID)
		require.True(ok)
		require.True(info.IsDone())
		verified, err := p.self.m.IsIdentityVerified(p.other)
		require.NoError(err)
		require.True(verified)
	}
}

func TestRequestSelfVerification(t *testing.T) {
	require := require.New(t)
	hs := newHomeserver(t)
	laptop := newTestDevice(t, hs, alice, aliceDev)
	laptop.flush()
	phone := newTestDevice(t, hs, alice, "ALICEPHONE")
	phone.flush()
	laptop.sync()
	laptop.flush()

	info, reqs := phone.m.RequestSelfVerification(nil)
	require.Len(reqs, 1)
	flowID := info.FlowID.ID
	phone.flush()
	phone.sync()
	// our own request is not offered back to us
	require.Len(phone.m.GetVerificationRequests(alice), 1)

	laptop.sync()
	theirs, ok := laptop.m.GetVerificationRequest(alice, flowID)
	require.True(ok)
	require.Equal(verification.RequestRequested, theirs.State)
	_, err := laptop.m.AcceptVerificationRequest(alice, flowID, nil)
	require.NoError(err)
	laptop.flush()
	phone.sync()

	ours, ok := phone.m.GetVerificationRequest(alice, flowID)
	require.True(ok)
	require.Equal(verification.RequestReady, ours.State)
	require.Equal(aliceDev, ours.OtherDeviceID)
}
