package machine

import (
	"sync"

	"github.com/meow-io/go-e2ee/ids"
)

// requestQueue holds requests in the order they were created. Ids of requests that were marked as
// sent are remembered for the lifetime of the machine so a repeated acknowledgement can be told
// apart from an unknown id.
type requestQueue struct {
	lock    sync.RWMutex
	order   []ids.RequestID
	pending map[ids.RequestID]OutgoingRequest
	acked   map[ids.RequestID]RequestType
}

func newRequestQueue() *requestQueue {
	return &requestQueue{
		pending: make(map[ids.RequestID]OutgoingRequest),
		acked:   make(map[ids.RequestID]RequestType),
	}
}

func (q *requestQueue) add(reqs ...OutgoingRequest) {
	q.lock.Lock()
	defer q.lock.Unlock()
	for _, r := range reqs {
		if _, ok := q.pending[r.RequestID()]; ok {
			continue
		}
		q.pending[r.RequestID()] = r
		q.order = append(q.order, r.RequestID())
	}
}

// enqueue adds r and returns the copy that is handed to the embedder.
func enqueue[T OutgoingRequest](q *requestQueue, r T) T {
	q.add(r)
	return any(r).(cloner).clone().(T)
}

func (q *requestQueue) get(id ids.RequestID) (OutgoingRequest, bool) {
	q.lock.RLock()
	defer q.lock.RUnlock()
	r, ok := q.pending[id]
	return r, ok
}

func (q *requestQueue) isAcked(id ids.RequestID) bool {
	q.lock.RLock()
	defer q.lock.RUnlock()
	_, ok := q.acked[id]
	return ok
}

// ack removes a request and remembers its id.
func (q *requestQueue) ack(id ids.RequestID) {
	q.lock.Lock()
	defer q.lock.Unlock()
	r, ok := q.pending[id]
	if !ok {
		return
	}
	q.acked[id] = r.RequestType()
	q.removeLocked(id)
}

// drop removes a request that will never be acknowledged.
func (q *requestQueue) drop(id ids.RequestID) {
	q.lock.Lock()
	defer q.lock.Unlock()
	q.removeLocked(id)
}

func (q *requestQueue) removeLocked(id ids.RequestID) {
	if _, ok := q.pending[id]; !ok {
		return
	}
	delete(q.pending, id)
	for i, o := range q.order {
		if o == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
}

// list returns copies of the pending requests in creation order.
func (q *requestQueue) list() []OutgoingRequest {
	q.lock.RLock()
	defer q.lock.RUnlock()
	out := make([]OutgoingRequest, 0, len(q.order))
	for _, id := range q.order {
		r := q.pending[id]
		if c, ok := r.(cloner); ok {
			r = c.clone()
		}
		out = append(out, r)
	}
	return out
}

func (q *requestQueue) hasType(t RequestType) bool {
	q.lock.RLock()
	defer q.lock.RUnlock()
	for _, r := range q.pending {
		if r.RequestType() == t {
			return true
		}
	}
	return false
}

func (q *requestQueue) len() int {
	q.lock.RLock()
	defer q.lock.RUnlock()
	return len(q.pending)
}
