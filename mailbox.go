package coros

import "sync"

// mailboxChunkSize batches coroutine handoffs into fixed-size chunks,
// amortizing allocation and pointer-chasing cost across mailboxChunkSize
// coroutines instead of paying it per coroutine.
const mailboxChunkSize = 128

// coroChunk is a fixed-size node in a singly linked list of coroutine
// pointers, adapted from eventloop's ChunkedIngress.
type coroChunk struct {
	items [mailboxChunkSize]*Coroutine
	next  *coroChunk
	pos   int
}

// coroQueue is a chunked FIFO queue of *Coroutine. It is NOT thread-safe by
// itself; callers (the mailbox below) provide the mutex.
type coroQueue struct {
	head, tail *coroChunk
	length     int
}

func (q *coroQueue) push(c *Coroutine) {
	if q.tail == nil {
		q.tail = &coroChunk{}
		q.head = q.tail
	}
	if q.tail.pos == mailboxChunkSize {
		n := &coroChunk{}
		q.tail.next = n
		q.tail = n
	}
	q.tail.items[q.tail.pos] = c
	q.tail.pos++
	q.length++
}

// drainInto moves every queued coroutine into dst, in FIFO order, and
// empties the queue. Returns the number of coroutines moved.
func (q *coroQueue) drainInto(dst *[]*Coroutine) int {
	n := q.length
	for c := q.head; c != nil; c = c.next {
		for i := 0; i < c.pos; i++ {
			*dst = append(*dst, c.items[i])
		}
	}
	q.head, q.tail, q.length = nil, nil, 0
	return n
}

func (q *coroQueue) size() int { return q.length }

// mailbox is the cross-thread handoff channel described in spec.md §5: "a
// mailbox (protected by a mutex + async wakeup) is the only channel"
// between a scheduler's own thread and foreign threads. It carries newly
// created coroutines ("posted") and coroutines returning from the compute
// pool ("compute-done"), matching spec.md §3's Scheduler data model.
type mailbox struct {
	mu          sync.Mutex
	posted      coroQueue
	computeDone coroQueue
	closed      bool
}

// post enqueues a coroutine for the owning scheduler to adopt into its ready
// list on the next mailbox drain. Returns false if the mailbox is closed.
func (m *mailbox) post(c *Coroutine) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.posted.push(c)
	return true
}

// postComputeDone enqueues a coroutine returning from the compute pool.
func (m *mailbox) postComputeDone(c *Coroutine) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.computeDone.push(c)
	return true
}

// drain moves every queued coroutine out, in FIFO order within each list,
// and reports how many compute-done entries were moved (the scheduler uses
// this to decrement `outstanding`, spec.md §4.3 step 3).
func (m *mailbox) drain(ready *[]*Coroutine) (computeDoneCount int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.posted.drainInto(ready)
	computeDoneCount = m.computeDone.drainInto(ready)
	return computeDoneCount
}

func (m *mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}
