package machine

import (
	"encoding/json"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/meow-io/go-e2ee/clock"
	"github.com/meow-io/go-e2ee/config"
	"github.com/meow-io/go-e2ee/mxid"
	"github.com/meow-io/go-e2ee/store"
	"github.com/stretchr/testify/require"
)

const (
	alice    = mxid.UserID("@alice:example.org")
	aliceDev = mxid.DeviceID("ALICEDEV")
	bob      = mxid.UserID("@bob:example.org")
	bobDev   = mxid.DeviceID("BOBDEV")
	room     = mxid.RoomID("!room:example.org")
)

// homeserver answers requests the way a Matrix homeserver would, for as much as the tests need.
type homeserver struct {
	t         *testing.T
	clock     *clock.FakeClock
	devices   map[mxid.UserID]map[mxid.DeviceID]json.RawMessage
	oneTime   map[string]map[string]json.RawMessage
	fallback  map[string]map[string]json.RawMessage
	masters   map[mxid.UserID]json.RawMessage
	selfSign  map[mxid.UserID]json.RawMessage
	userSign  map[mxid.UserID]json.RawMessage
	inbox     map[string][]*ToDeviceEvent
	versions  map[mxid.UserID]int
	events    int
	timelines map[mxid.RoomID][]*RoomEvent
	backups   map[string]map[mxid.RoomID]map[string]*KeyBackupData
}

func newHomeserver(t *testing.T) *homeserver {
	return &homeserver{
		t:         t,
		clock:     clock.NewFakeClock(time.Unix(1700000000, 0)),
		devices:   make(map[mxid.UserID]map[mxid.DeviceID]json.RawMessage),
		oneTime:   make(map[string]map[string]json.RawMessage),
		fallback:  make(map[string]map[string]json.RawMessage),
		masters:   make(map[mxid.UserID]json.RawMessage),
		selfSign:  make(map[mxid.UserID]json.RawMessage),
		userSign:  make(map[mxid.UserID]json.RawMessage),
		inbox:     make(map[string][]*ToDeviceEvent),
		versions:  make(map[mxid.UserID]int),
		timelines: make(map[mxid.RoomID][]*RoomEvent),
		backups:   make(map[string]map[mxid.RoomID]map[string]*KeyBackupData),
	}
}

func mustJSON(t *testing.T, v any) []byte {
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func (hs *homeserver) changed(user mxid.UserID) {
	hs.versions[user]++
}

// handle applies a request sent by user/device and returns the response body.
func (hs *homeserver) handle(user mxid.UserID, device mxid.DeviceID, req OutgoingRequest) []byte {
	t := hs.t
	key := targetKey(user, device)
	switch r := req.(type) {
	case *KeysUploadRequest:
		if r.DeviceKeys != nil {
			if hs.devices[user] == nil {
				hs.devices[user] = make(map[mxid.DeviceID]json.RawMessage)
			}
			hs.devices[user][device] = mustJSON(t, r.DeviceKeys)
			hs.changed(user)
		}
		if hs.oneTime[key] == nil {
			hs.oneTime[key] = make(map[string]json.RawMessage)
		}
		for id, k := range r.OneTimeKeys {
			hs.oneTime[key][id] = mustJSON(t, k)
		}
		if len(r.FallbackKeys) > 0 {
			hs.fallback[key] = make(map[string]json.RawMessage)
			for id, k := range r.FallbackKeys {
				hs.fallback[key][id] = mustJSON(t, k)
			}
		}
		return mustJSON(t, map[string]any{"one_time_key_counts": hs.keyCounts(user, device)})
	case *KeysQueryRequest:
		resp := map[string]any{}
		deviceKeys := map[mxid.UserID]map[mxid.DeviceID]json.RawMessage{}
		masters := map[mxid.UserID]json.RawMessage{}
		selfSign := map[mxid.UserID]json.RawMessage{}
		userSign := map[mxid.UserID]json.RawMessage{}
		for u := range r.DeviceKeys {
			deviceKeys[u] = map[mxid.DeviceID]json.RawMessage{}
			for d, raw := range hs.devices[u] {
				deviceKeys[u][d] = raw
			}
			if k, ok := hs.masters[u]; ok {
				masters[u] = k
			}
			if k, ok := hs.selfSign[u]; ok {
				selfSign[u] = k
			}
			if k, ok := hs.userSign[u]; ok && u == user {
				userSign[u] = k
			}
		}
		resp["device_keys"] = deviceKeys
		resp["master_keys"] = masters
		resp["self_signing_keys"] = selfSign
		resp["user_signing_keys"] = userSign
		return mustJSON(t, resp)
	case *KeysClaimRequest:
		claimed := map[mxid.UserID]map[mxid.DeviceID]map[string]json.RawMessage{}
		for u, devices := range r.OneTimeKeys {
			claimed[u] = map[mxid.DeviceID]map[string]json.RawMessage{}
			for d := range devices {
				if id, k, ok := hs.claim(targetKey(u, d)); ok {
					claimed[u][d] = map[string]json.RawMessage{id: k}
				}
			}
		}
		return mustJSON(t, map[string]any{"one_time_keys": claimed})
	case *ToDeviceRequest:
		for u, messages := range r.Messages {
			for d, content := range messages {
				targets := []mxid.DeviceID{d}
				if d == allDevices {
					targets = targets[:0]
					for td := range hs.devices[u] {
						targets = append(targets, td)
					}
				}
				for _, td := range targets {
					k := targetKey(u, td)
					hs.inbox[k] = append(hs.inbox[k], &ToDeviceEvent{Sender: user, Type: r.EventType, Content: content})
				}
			}
		}
		return []byte("{}")
	case *RoomMessageRequest:
		hs.events++
		ev := &RoomEvent{
			EventID:        mxid.EventID(fmt.Sprintf("$event%d", hs.events)),
			Sender:         user,
			Type:           r.EventType,
			Content:        r.Content,
			OriginServerTS: hs.clock.CurrentTimeMs(),
		}
		hs.timelines[r.RoomID] = append(hs.timelines[r.RoomID], ev)
		return mustJSON(t, map[string]any{"event_id": ev.EventID})
	case *SignatureUploadRequest:
		for u, signed := range r.Signatures {
			for keyID, obj := range signed {
				if _, ok := hs.devices[u][mxid.DeviceID(keyID)]; ok {
					hs.devices[u][mxid.DeviceID(keyID)] = obj
				} else {
					hs.masters[u] = obj
				}
			}
			hs.changed(u)
		}
		return []byte(`{"failures": {}}`)
	case *KeysBackupRequest:
		if hs.backups[r.Version] == nil {
			hs.backups[r.Version] = make(map[mxid.RoomID]map[string]*KeyBackupData)
		}
		count := 0
		for roomID, rb := range r.Rooms {
			if hs.backups[r.Version][roomID] == nil {
				hs.backups[r.Version][roomID] = make(map[string]*KeyBackupData)
			}
			for id, data := range rb.Sessions {
				hs.backups[r.Version][roomID][id] = data
			}
		}
		for _, sessions := range hs.backups[r.Version] {
			count += len(sessions)
		}
		return mustJSON(t, map[string]any{"etag": fmt.Sprint(count), "count": count})
	}
	t.Fatalf("unexpected request %T", req)
	return nil
}

func (hs *homeserver) keyCounts(user mxid.UserID, device mxid.DeviceID) map[string]int {
	return map[string]int{signedCurve25519: len(hs.oneTime[targetKey(user, device)])}
}

// claim hands out a one-time key, or the fallback key once they ran out.
func (hs *homeserver) claim(key string) (string, json.RawMessage, bool) {
	if id, ok := firstKey(hs.oneTime[key]); ok {
		k := hs.oneTime[key][id]
		delete(hs.oneTime[key], id)
		return id, k, true
	}
	if id, ok := firstKey(hs.fallback[key]); ok {
		return id, hs.fallback[key][id], true
	}
	return "", nil, false
}

func firstKey(keys map[string]json.RawMessage) (string, bool) {
	if len(keys) == 0 {
		return "", false
	}
	ids := make([]string, 0, len(keys))
	for id := range keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids[0], true
}

func (hs *homeserver) uploadSigningKeys(user mxid.UserID, req *UploadSigningKeysRequest) {
	hs.masters[user] = req.MasterKey
	hs.selfSign[user] = req.SelfSigningKey
	hs.userSign[user] = req.UserSigningKey
	hs.changed(user)
}

// testDevice is a machine talking to the homeserver.
type testDevice struct {
	t      *testing.T
	hs     *homeserver
	user   mxid.UserID
	device mxid.DeviceID
	store  *store.MemoryStore
	m      *Machine
	seen   map[mxid.UserID]int
}

func newTestDevice(t *testing.T, hs *homeserver, user mxid.UserID, device mxid.DeviceID, opts ...config.Option) *testDevice {
	opts = append([]config.Option{config.WithRootDir(t.TempDir())}, opts...)
	st := store.NewMemoryStore()
	m, err := New(config.NewConfig(opts...), st, user, device, hs.clock)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return &testDevice{t: t, hs: hs, user: user, device: device, store: st, m: m, seen: make(map[mxid.UserID]int)}
}

// send delivers one request and marks it as sent.
func (d *testDevice) send(req OutgoingRequest) {
	body := d.hs.handle(d.user, d.device, req)
	require.NoError(d.t, d.m.MarkRequestAsSent(req.RequestID(), req.RequestType(), body))
}

// flush sends every outgoing request until none is left.
func (d *testDevice) flush() {
	for i := 0; i < 10; i++ {
		reqs, err := d.m.OutgoingRequests()
		require.NoError(d.t, err)
		if len(reqs) == 0 {
			return
		}
		for _, req := range reqs {
			d.send(req)
		}
	}
	d.t.Fatal("outgoing requests never drained")
}

// sync delivers the device's to-device inbox and device list changes.
func (d *testDevice) sync() []*ToDeviceEvent {
	key := targetKey(d.user, d.device)
	events := d.hs.inbox[key]
	delete(d.hs.inbox, key)
	var changed []mxid.UserID
	for u, v := range d.hs.versions {
		if d.seen[u] < v {
			changed = append(changed, u)
			d.seen[u] = v
		}
	}
	unused := []string{}
	if len(d.hs.fallback[key]) > 0 {
		unused = append(unused, signedCurve25519)
	}
	out, err := d.m.ReceiveSyncChanges(&SyncChanges{
		ToDevice:           events,
		DeviceLists:        DeviceLists{Changed: changed},
		OneTimeKeyCounts:   d.hs.keyCounts(d.user, d.device),
		UnusedFallbackKeys: unused,
	})
	require.NoError(d.t, err)
	return out
}

// track starts tracking users and fetches their devices.
func (d *testDevice) track(users ...mxid.UserID) {
	require.NoError(d.t, d.m.UpdateTrackedUsers(users))
	d.flush()
}

// establish gives d an Olm session with every device of users.
func (d *testDevice) establish(users ...mxid.UserID) {
	claim, err := d.m.GetMissingSessions(users)
	require.NoError(d.t, err)
	if claim != nil {
		d.send(claim)
	}
}

// shareRoomKey shares the room key with users and sends the shares.
func (d *testDevice) shareRoomKey(roomID mxid.RoomID, users ...mxid.UserID) []*ToDeviceRequest {
	reqs, err := d.m.ShareRoomKey(roomID, users)
	require.NoError(d.t, err)
	for _, r := range reqs {
		d.send(r)
	}
	return reqs
}

// encrypt encrypts a message and returns it as it would appear in the timeline.
func (d *testDevice) encrypt(roomID mxid.RoomID, body string) *RoomEvent {
	content, err := d.m.Encrypt(roomID, "m.room.message", mustJSON(d.t, map[string]string{"msgtype": "m.text", "body": body}))
	require.NoError(d.t, err)
	d.hs.events++
	return &RoomEvent{
		EventID:        mxid.EventID(fmt.Sprintf("$event%d", d.hs.events)),
		Sender:         d.user,
		Type:           eventEncrypted,
		Content:        content,
		OriginServerTS: d.hs.clock.CurrentTimeMs(),
	}
}

func messageBody(t *testing.T, ev *DecryptedEvent) string {
	var c struct {
		Body string `json:"body"`
	}
	require.NoError(t, json.Unmarshal(ev.Content, &c))
	return c.Body
}

// pair returns alice and bob with uploaded keys, tracking each other.
func pair(t *testing.T, opts ...config.Option) (*testDevice, *testDevice) {
	hs := newHomeserver(t)
	a := newTestDevice(t, hs, alice, aliceDev, opts...)
	b := newTestDevice(t, hs, bob, bobDev, opts...)
	a.flush()
	b.flush()
	a.track(bob)
	b.track(alice)
	return a, b
}
