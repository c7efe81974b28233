package verification

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/meow-io/go-e2ee/clock"
	"github.com/meow-io/go-e2ee/config"
	"github.com/meow-io/go-e2ee/crypto"
	"github.com/meow-io/go-e2ee/mxid"
	"github.com/stretchr/testify/require"
)

const (
	alice    = mxid.UserID("@alice:example.org")
	aliceDev = mxid.DeviceID("ALICEDEV")
	bob      = mxid.UserID("@bob:example.org")
	bobDev   = mxid.DeviceID("BOBDEV")
)

type keyring struct {
	own     Identity
	devices map[string]Identity
	masters map[mxid.UserID]string
}

func (k *keyring) OwnIdentity() Identity {
	return k.own
}

func (k *keyring) DeviceIdentity(user mxid.UserID, device mxid.DeviceID) (Identity, bool) {
	id, ok := k.devices[string(user)+"|"+string(device)]
	if ok {
		id.MasterKey = k.masters[user]
	}
	return id, ok
}

func (k *keyring) MasterKey(user mxid.UserID) (string, bool) {
	key, ok := k.masters[user]
	return key, ok
}

type peer struct {
	user    mxid.UserID
	keys    *keyring
	machine *Machine
}

func edKey(t *testing.T) string {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return crypto.EncodeBase64(pub)
}

func newPeer(t *testing.T, user mxid.UserID, device mxid.DeviceID, clk clock.Clock) *peer {
	keys := &keyring{
		own:     Identity{UserID: user, DeviceID: device, Ed25519: edKey(t)},
		devices: map[string]Identity{},
		masters: map[mxid.UserID]string{},
	}
	m, err := NewMachine(config.NewConfig(config.WithRootDir(t.TempDir())), keys, clk)
	require.NoError(t, err)
	return &peer{user: user, keys: keys, machine: m}
}

// introduce makes both peers know each other's device keys.
func introduce(a, b *peer) {
	a.keys.devices[string(b.user)+"|"+string(b.keys.own.DeviceID)] = b.keys.own
	b.keys.devices[string(a.user)+"|"+string(a.keys.own.DeviceID)] = a.keys.own
}

// withMasterKeys gives both peers trusted master keys known to the other side.
func withMasterKeys(t *testing.T, a, b *peer) {
	for _, p := range []*peer{a, b} {
		p.keys.own.MasterKey = edKey(t)
		p.keys.own.MasterTrusted = true
		p.keys.masters[p.user] = p.keys.own.MasterKey
	}
	a.keys.masters[b.user] = b.keys.own.MasterKey
	b.keys.masters[a.user] = a.keys.own.MasterKey
}

func deliver(t *testing.T, from, to *peer, outs ...*Outgoing) []*Outgoing {
	var replies []*Outgoing
	for _, o := range outs {
		require.Equal(t, to.user, o.UserID)
		b, err := o.MarshalContent()
		require.NoError(t, err)
		replies = append(replies, to.machine.Receive(&Event{Sender: from.user, Type: o.EventType, Content: b, RoomID: o.RoomID})...)
	}
	return replies
}

func eventTypes(outs []*Outgoing) []string {
	types := make([]string, 0, len(outs))
	for _, o := range outs {
		types = append(types, o.EventType)
	}
	return types
}

func setup(t *testing.T) (*peer, *peer, *clock.FakeClock) {
	clk := clock.NewFakeClock(time.Unix(1700000000, 0))
	a := newPeer(t, alice, aliceDev, clk)
	b := newPeer(t, bob, bobDev, clk)
	introduce(a, b)
	return a, b, clk
}

// readyRequest runs the request handshake from a to b and returns the flow id.
func readyRequest(t *testing.T, a, b *peer) string {
	require := require.New(t)
	info, out := a.machine.RequestVerificationWithDevice(b.user, b.keys.own.DeviceID, nil)
	require.Equal(RequestCreated, info.State)
	require.Equal(EventRequest, out.EventType)
	require.Equal(b.keys.own.DeviceID, out.DeviceID)
	flowID := info.FlowID.ID

	require.Empty(deliver(t, a, b, out))
	theirs, ok := b.machine.GetVerificationRequest(a.user, flowID)
	require.True(ok)
	require.Equal(RequestRequested, theirs.State)
	require.False(theirs.WeStarted)

	outs, err := b.machine.AcceptVerificationRequest(a.user, flowID, nil)
	require.NoError(err)
	require.Equal([]string{EventReady}, eventTypes(outs))
	require.Empty(deliver(t, b, a, outs...))

	ours, ok := a.machine.GetVerificationRequest(b.user, flowID)
	require.True(ok)
	require.Equal(RequestReady, ours.State)
	require.Equal(b.keys.own.DeviceID, ours.OtherDeviceID)
	return flowID
}

// exchangeSasKeys starts a Sas flow on a ready request and runs it up to the comparison step.
func exchangeSasKeys(t *testing.T, a, b *peer, flowID string) {
	require := require.New(t)
	_, outs, err := a.machine.StartSasVerification(b.user, flowID)
	require.NoError(err)
	require.Equal([]string{EventStart}, eventTypes(outs))
	require.Empty(deliver(t, a, b, outs...))

	info, ok := b.machine.GetVerification(a.user, flowID)
	require.True(ok)
	require.Equal(KindSas, info.Kind)
	require.Equal(stateStarted, info.State)

	outs, err = b.machine.AcceptSasVerification(a.user, flowID)
	require.NoError(err)
	keys := deliver(t, b, a, outs...)
	require.Equal([]string{EventKey}, eventTypes(keys))
	keys = deliver(t, a, b, keys...)
	require.Equal([]string{EventKey}, eventTypes(keys))
	require.Empty(deliver(t, b, a, keys...))
}

func TestSasFlow(t *testing.T) {
	require := require.New(t)
	a, b, _ := setup(t)
	flowID := readyRequest(t, a, b)
	exchangeSasKeys(t, a, b, flowID)

	aEmoji, err := a.machine.EmojiIndex(b.user, flowID)
	require.NoError(err)
	bEmoji, err := b.machine.EmojiIndex(a.user, flowID)
	require.NoError(err)
	require.Len(aEmoji, 7)
	require.Equal(aEmoji, bEmoji)

	aDec, err := a.machine.Decimals(b.user, flowID)
	require.NoError(err)
	bDec, err := b.machine.Decimals(a.user, flowID)
	require.NoError(err)
	require.Equal(aDec, bDec)
	for _, d := range aDec {
		require.True(d >= 1000 && d <= 9191)
	}

	info, _ := a.machine.GetVerification(b.user, flowID)
	require.True(info.CanBePresented)

	macs, err := a.machine.ConfirmVerification(b.user, flowID)
	require.NoError(err)
	require.Equal([]string{EventMac}, eventTypes(macs))
	require.Empty(deliver(t, a, b, macs...))

	outs, err := b.machine.ConfirmVerification(a.user, flowID)
	require.NoError(err)
	require.Equal([]string{EventMac, EventDone}, eventTypes(outs))

	replies := deliver(t, b, a, outs...)
	require.Equal([]string{EventDone}, eventTypes(replies))
	require.Empty(deliver(t, a, b, replies...))

	for _, p := range []struct {
		self, other *peer
	}{{a, b}, {b, a}} {
		info, ok := p.self.machine.GetVerification(p.other.user, flowID)
		require.True(ok)
		require.True(info.IsDone())
		require.False(info.IsCancelled())

		req, ok := p.self.machine.GetVerificationRequest(p.other.user, flowID)
		require.True(ok)
		require.Equal(RequestDone, req.State)

		results := p.self.machine.TakeResults()
		require.Len(results, 1)
		require.Equal(p.other.user, results[0].OtherUserID)
		require.Equal([]mxid.DeviceID{p.other.keys.own.DeviceID}, results[0].VerifiedDevices)
		require.Empty(p.self.machine.TakeResults())
	}

	_, err = a.machine.ConfirmVerification(b.user, flowID)
	require.ErrorIs(err, ErrFlowNotActive)
}

func TestSasCrossSignedMasterKey(t *testing.T) {
	require := require.New(t)
	a, b, _ := setup(t)
	withMasterKeys(t, a, b)
	flowID := readyRequest(t, a, b)
	exchangeSasKeys(t, a, b, flowID)

	macs, err := a.machine.ConfirmVerification(b.user, flowID)
	require.NoError(err)
	require.Empty(deliver(t, a, b, macs...))
	outs, err := b.machine.ConfirmVerification(a.user, flowID)
	require.NoError(err)
	deliver(t, b, a, outs...)

	results := a.machine.TakeResults()
	require.Len(results, 1)
	require.Equal(b.keys.own.MasterKey, results[0].VerifiedMasterKey)
	require.Equal([]mxid.DeviceID{bobDev}, results[0].VerifiedDevices)
}

func TestSasTamperedMacCancels(t *testing.T) {
	require := require.New(t)
	a, b, _ := setup(t)
	flowID := readyRequest(t, a, b)
	exchangeSasKeys(t, a, b, flowID)

	macs, err := a.machine.ConfirmVerification(b.user, flowID)
	require.NoError(err)
	mac := macs[0].Content.(*MacContent)
	id := "ed25519:" + string(aliceDev)
	mac.Mac[id] = crypto.SasMAC([]byte("not the shared secret"), "info", []byte("key"))

	replies := deliver(t, a, b, macs...)
	require.Equal([]string{EventCancel}, eventTypes(replies))
	require.Equal(CancelKeyMismatch, replies[0].Content.(*CancelContent).Code)

	info, ok := b.machine.GetVerification(a.user, flowID)
	require.True(ok)
	require.True(info.IsCancelled())
	require.Equal(CancelKeyMismatch, info.Cancel.Code)
	require.True(info.Cancel.CancelledByUs)
	require.Empty(b.machine.TakeResults())

	require.Empty(deliver(t, b, a, replies...))
	info, _ = a.machine.GetVerification(b.user, flowID)
	require.Equal(CancelKeyMismatch, info.Cancel.Code)
	require.False(info.Cancel.CancelledByUs)
	req, _ := a.machine.GetVerificationRequest(b.user, flowID)
	require.Equal(RequestCancelled, req.State)
}

func TestSasUnexpectedEventCancels(t *testing.T) {
	require := require.New(t)
	a, b, _ := setup(t)
	flowID := readyRequest(t, a, b)
	_, outs, err := a.machine.StartSasVerification(b.user, flowID)
	require.NoError(err)
	deliver(t, a, b, outs...)

	// a mac before any key exchange
	mac := newOutgoing(FlowID{ID: flowID}, b.user, bobDev, EventMac, &MacContent{Mac: map[string]string{}, Keys: "x"})
	replies := deliver(t, a, b, mac)
	require.Equal([]string{EventCancel}, eventTypes(replies))
	require.Equal(CancelUnexpectedMessage, replies[0].Content.(*CancelContent).Code)
}

func TestCancelTwice(t *testing.T) {
	require := require.New(t)
	a, b, _ := setup(t)
	flowID := readyRequest(t, a, b)

	outs, err := a.machine.CancelVerification(b.user, flowID, CancelUser)
	require.NoError(err)
	require.Equal([]string{EventCancel}, eventTypes(outs))
	require.Equal(bobDev, outs[0].DeviceID)

	_, err = a.machine.CancelVerification(b.user, flowID, CancelUser)
	require.ErrorIs(err, ErrFlowNotActive)

	require.Empty(deliver(t, a, b, outs...))
	req, ok := b.machine.GetVerificationRequest(a.user, flowID)
	require.True(ok)
	require.Equal(RequestCancelled, req.State)
	require.Equal(CancelUser, req.Cancel.Code)
	require.False(req.Cancel.CancelledByUs)

	_, err = b.machine.CancelVerification(a.user, flowID, CancelUser)
	require.ErrorIs(err, ErrFlowNotActive)

	_, err = b.machine.CancelVerification(a.user, "unknown", CancelUser)
	require.ErrorIs(err, ErrUnknownFlow)
}

func TestStartAfterCancelDropped(t *testing.T) {
	require := require.New(t)
	a, b, _ := setup(t)
	flowID := readyRequest(t, a, b)

	_, starts, err := b.machine.StartSasVerification(a.user, flowID)
	require.NoError(err)
	require.Equal([]string{EventStart}, eventTypes(starts))
	_, err = a.machine.CancelVerification(b.user, flowID, CancelUser)
	require.NoError(err)

	require.Empty(deliver(t, b, a, starts...))
	_, ok := a.machine.GetVerification(b.user, flowID)
	require.False(ok)
	req, ok := a.machine.GetVerificationRequest(b.user, flowID)
	require.True(ok)
	require.Equal(RequestCancelled, req.State)
	require.True(req.Cancel.CancelledByUs)

	_, err = a.machine.CancelVerification(b.user, flowID, CancelUser)
	require.ErrorIs(err, ErrFlowNotActive)
	_, _, err = a.machine.StartSasVerification(b.user, flowID)
	require.ErrorIs(err, ErrFlowNotActive)
}

func TestCancelDuringSas(t *testing.T) {
	require := require.New(t)
	a, b, _ := setup(t)
	flowID := readyRequest(t, a, b)
	exchangeSasKeys(t, a, b, flowID)

	outs, err := b.machine.CancelVerification(a.user, flowID, CancelMismatchedSas)
	require.NoError(err)
	require.Len(outs, 1)
	require.Empty(deliver(t, b, a, outs...))

	info, _ := a.machine.GetVerification(b.user, flowID)
	require.Equal(CancelMismatchedSas, info.Cancel.Code)
	_, err = a.machine.ConfirmVerification(b.user, flowID)
	require.ErrorIs(err, ErrFlowNotActive)
}

func TestConcurrentStarts(t *testing.T) {
	require := require.New(t)
	a, b, _ := setup(t)
	flowID := readyRequest(t, a, b)

	_, aStart, err := a.machine.StartSasVerification(b.user, flowID)
	require.NoError(err)
	_, bStart, err := b.machine.StartSasVerification(a.user, flowID)
	require.NoError(err)

	// @alice sorts first so her start wins on both sides
	require.Empty(deliver(t, b, a, bStart...))
	require.Empty(deliver(t, a, b, aStart...))

	info, ok := a.machine.GetVerification(b.user, flowID)
	require.True(ok)
	require.True(info.WeStarted)
	require.Equal(stateCreated, info.State)

	info, ok = b.machine.GetVerification(a.user, flowID)
	require.True(ok)
	require.False(info.WeStarted)
	require.Equal(stateStarted, info.State)

	outs, err := b.machine.AcceptSasVerification(a.user, flowID)
	require.NoError(err)
	require.Equal([]string{EventKey}, eventTypes(deliver(t, b, a, outs...)))
}

func TestTieBreak(t *testing.T) {
	require := require.New(t)
	own := Identity{UserID: bob, DeviceID: "B"}
	require.True(theyWinTieBreak(own, alice, "Z"))
	require.False(theyWinTieBreak(own, "@carol:example.org", "A"))
	require.True(theyWinTieBreak(own, bob, "A"))
	require.False(theyWinTieBreak(own, bob, "C"))
}

func TestRequestTimeout(t *testing.T) {
	require := require.New(t)
	a, b, clk := setup(t)
	info, out := a.machine.RequestVerificationWithDevice(b.user, bobDev, nil)
	deliver(t, a, b, out)

	clk.Advance(5 * time.Minute)
	require.Empty(a.machine.ExpireFlows())

	clk.Advance(6 * time.Minute)
	outs := a.machine.ExpireFlows()
	require.Equal([]string{EventCancel}, eventTypes(outs))
	require.Equal(CancelTimeout, outs[0].Content.(*CancelContent).Code)

	req, ok := a.machine.GetVerificationRequest(b.user, info.FlowID.ID)
	require.True(ok)
	require.Equal(RequestCancelled, req.State)
	require.Equal(CancelTimeout, req.Cancel.Code)

	// b expires on its own when asked to act
	_, err := b.machine.AcceptVerificationRequest(a.user, info.FlowID.ID, nil)
	require.ErrorIs(err, ErrFlowNotActive)
	req, _ = b.machine.GetVerificationRequest(a.user, info.FlowID.ID)
	require.Equal(CancelTimeout, req.Cancel.Code)
}

func TestStaleRequestIgnored(t *testing.T) {
	require := require.New(t)
	a, b, clk := setup(t)
	info, out := a.machine.RequestVerificationWithDevice(b.user, bobDev, nil)
	clk.Advance(time.Hour)
	deliver(t, a, b, out)
	_, ok := b.machine.GetVerificationRequest(a.user, info.FlowID.ID)
	require.False(ok)
}

func TestInRoomRequest(t *testing.T) {
	require := require.New(t)
	a, b, clk := setup(t)
	room := mxid.RoomID("!room:example.org")
	eventID := mxid.EventID("$request")

	content := a.machine.VerificationRequestContent(b.user, nil)
	require.Equal(MsgTypeRequest, content.MsgType)
	require.Equal(b.user, content.To)
	info := a.machine.RequestVerification(b.user, room, eventID, nil)
	require.True(info.FlowID.InRoom())

	raw, err := (&Outgoing{Content: content}).MarshalContent()
	require.NoError(err)
	b.machine.Receive(&Event{Sender: a.user, Type: "m.room.message", Content: raw, RoomID: room, EventID: eventID, Timestamp: clk.CurrentTimeMs()})

	req, ok := b.machine.GetVerificationRequest(a.user, string(eventID))
	require.True(ok)
	require.Equal(RequestRequested, req.State)
	require.Equal(room, req.FlowID.RoomID)

	outs, err := b.machine.AcceptVerificationRequest(a.user, string(eventID), nil)
	require.NoError(err)
	require.Equal(room, outs[0].RoomID)
	require.Empty(outs[0].DeviceID)
	ready := outs[0].Content.(*ReadyContent)
	require.Equal(string(eventID), ready.RelatesTo.EventID)
	require.Empty(ready.TransactionID)

	deliver(t, b, a, outs...)
	req, _ = a.machine.GetVerificationRequest(b.user, string(eventID))
	require.Equal(RequestReady, req.State)
	require.Equal(bobDev, req.OtherDeviceID)
}

func TestEventFromWrongSenderDropped(t *testing.T) {
	require := require.New(t)
	a, b, _ := setup(t)
	flowID := readyRequest(t, a, b)
	mallory := &peer{user: "@mallory:example.org"}

	cancel := newOutgoing(FlowID{ID: flowID}, a.user, aliceDev, EventCancel, ourCancel(CancelUser).content())
	require.Empty(deliver(t, mallory, a, cancel))
	req, _ := a.machine.GetVerificationRequest(b.user, flowID)
	require.Equal(RequestReady, req.State)
}
