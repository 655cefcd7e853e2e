package proxy

import (
	"iter"

	"github.com/sessamekesh/spanreed-redis-proxy/pkg/message/resp"
)

type PendingState uint8

const (
	PendingState_Dispatched PendingState = iota
	PendingState_Completed
	PendingState_Cancelled
)

func (s PendingState) String() string {
	switch s {
	case PendingState_Dispatched:
		return "Dispatched"
	case PendingState_Completed:
		return "Completed"
	case PendingState_Cancelled:
		return "Cancelled"
	}
	return "Unknown"
}

// RequestRef identifies a queue entry by its arrival sequence number. Refs are never reused, so a
// ref that outlives its entry simply stops resolving.
type RequestRef uint64

type pendingRequest struct {
	state    PendingState
	handle   DispatchHandle
	response *resp.Value
}

// PendingQueue holds in-flight requests in arrival order in a ring buffer. Entry i of the queue
// lives in slot (head+i) % len(ring) and has sequence number headSeq+i.
//
// The queue is owned by a single session and is not safe for concurrent use.
type PendingQueue struct {
	ring    []pendingRequest
	head    int
	size    int
	headSeq uint64
	closed  bool
}

const minQueueCapacity = 16

func (q *PendingQueue) Len() int {
	return q.size
}

func (q *PendingQueue) Closed() bool {
	return q.closed
}

// Enqueue appends a Dispatched entry. On a closed queue the returned ref never resolves.
func (q *PendingQueue) Enqueue() RequestRef {
	if q.closed {
		ref := RequestRef(q.headSeq)
		q.headSeq++
		return ref
	}

	if q.size == len(q.ring) {
		q.grow()
	}

	idx := (q.head + q.size) % len(q.ring)
	q.ring[idx] = pendingRequest{state: PendingState_Dispatched}
	ref := RequestRef(q.headSeq + uint64(q.size))
	q.size++

	return ref
}

func (q *PendingQueue) grow() {
	capacity := len(q.ring) * 2
	if capacity < minQueueCapacity {
		capacity = minQueueCapacity
	}

	ring := make([]pendingRequest, capacity)
	for i := 0; i < q.size; i++ {
		ring[i] = q.ring[(q.head+i)%len(q.ring)]
	}
	q.ring = ring
	q.head = 0
}

func (q *PendingQueue) lookup(ref RequestRef) *pendingRequest {
	if q.closed || uint64(ref) < q.headSeq || uint64(ref) >= q.headSeq+uint64(q.size) {
		return nil
	}

	offset := int(uint64(ref) - q.headSeq)
	return &q.ring[(q.head+offset)%len(q.ring)]
}

// State reports the state of a live entry. The second result is false once the entry was emitted
// or discarded.
func (q *PendingQueue) State(ref RequestRef) (PendingState, bool) {
	entry := q.lookup(ref)
	if entry == nil {
		return PendingState_Cancelled, false
	}
	return entry.state, true
}

// SetHandle attaches the dispatch handle to an entry that is still waiting for its response.
func (q *PendingQueue) SetHandle(ref RequestRef, handle DispatchHandle) bool {
	entry := q.lookup(ref)
	if entry == nil || entry.state != PendingState_Dispatched {
		return false
	}

	entry.handle = handle
	return true
}

// Complete stores the response of a Dispatched entry. It returns false and does nothing when the
// entry was already completed, cancelled or removed.
func (q *PendingQueue) Complete(ref RequestRef, response *resp.Value) bool {
	entry := q.lookup(ref)
	if entry == nil || entry.state != PendingState_Dispatched {
		return false
	}

	entry.state = PendingState_Completed
	entry.response = response
	entry.handle = nil
	return true
}

// DrainReady pops completed entries off the front of the queue, stopping at the first entry that
// is still Dispatched. Each entry is removed before it is yielded, so a consumer that stops early
// never sees it again.
func (q *PendingQueue) DrainReady() iter.Seq2[RequestRef, *resp.Value] {
	return func(yield func(RequestRef, *resp.Value) bool) {
		for q.size > 0 {
			front := &q.ring[q.head]
			if front.state != PendingState_Completed {
				return
			}

			ref := RequestRef(q.headSeq)
			response := front.response

			q.ring[q.head] = pendingRequest{}
			q.head = (q.head + 1) % len(q.ring)
			q.size--
			q.headSeq++

			if !yield(ref, response) {
				return
			}
		}
	}
}

// CancelAll discards every entry, cancels outstanding dispatches and closes the queue. It returns
// the number of entries discarded. Calling it again returns 0.
func (q *PendingQueue) CancelAll() int {
	if q.closed {
		return 0
	}

	handles := make([]DispatchHandle, 0, q.size)
	for i := 0; i < q.size; i++ {
		entry := &q.ring[(q.head+i)%len(q.ring)]
		if entry.state == PendingState_Dispatched && entry.handle != nil {
			handles = append(handles, entry.handle)
		}
		entry.state = PendingState_Cancelled
	}

	cancelled := q.size
	q.closed = true
	q.headSeq += uint64(q.size)
	q.size = 0
	q.head = 0
	q.ring = nil

	// Cancel may complete synchronously; the queue is already closed by then.
	for _, handle := range handles {
		handle.Cancel()
	}

	return cancelled
}
