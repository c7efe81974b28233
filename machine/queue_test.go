package machine

import (
	"testing"

	"github.com/meow-io/go-e2ee/ids"
	"github.com/stretchr/testify/require"
)

func TestQueueRemembersEveryAck(t *testing.T) {
	require := require.New(t)
	q := newRequestQueue()

	var sent []ids.RequestID
	for i := 0; i < 3000; i++ {
		req := newToDeviceRequest(eventDummy)
		q.add(req)
		q.ack(req.ID)
		sent = append(sent, req.ID)
	}
	require.Equal(0, q.len())
	for _, id := range sent {
		require.True(q.isAcked(id))
	}
	require.False(q.isAcked(ids.NewRequestID()))
}

func TestQueueListOrderAndDrop(t *testing.T) {
	require := require.New(t)
	q := newRequestQueue()

	first := newToDeviceRequest(eventDummy)
	second := &RoomMessageRequest{ID: ids.NewRequestID(), Content: []byte(`{"a":1}`)}
	third := &KeysClaimRequest{ID: ids.NewRequestID()}
	q.add(first, second, third, first)
	require.Equal(3, q.len())

	q.drop(second.ID)
	require.False(q.isAcked(second.ID))
	list := q.list()
	require.Len(list, 2)
	require.Equal(first.ID, list[0].RequestID())
	require.Equal(third.ID, list[1].RequestID())
	require.True(q.hasType(RequestKeysClaim))
	require.False(q.hasType(RequestRoomMessage))

	// copies do not share state with the queue
	list[0].(*ToDeviceRequest).add(bob, bobDev, []byte(`{}`))
	require.Empty(q.list()[0].(*ToDeviceRequest).Messages)
}
