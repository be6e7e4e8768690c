// Package push owns per-session outbound delivery. Each session has one
// Queue drained by a single writer goroutine, which keeps per-socket send
// ordering strict: action responses are released in dispatch order even
// when their handlers finish out of order, and subscription notifications
// are best-effort hints that may be dropped under backpressure.
package push

import (
	"sync"
)

type Frame struct {
	Data         []byte
	Notification bool
}

// Queue is a session's bounded outbound queue.
//
// Responses enter through EnqueueAck tagged with the per-session sequence
// number the reader assigned; a small reorder buffer holds completions that
// arrive ahead of their turn. Notifications enter through Notify and are
// the first thing dropped when the bound is exceeded; acks are
// correctness-bearing and never dropped.
type Queue struct {
	mu      sync.Mutex
	frames  []Frame
	limit   int
	nextSeq uint64
	pending map[uint64][]byte
	signal  chan struct{}
	closed  bool
	onDrop  func()
}

func NewQueue(limit int, onDrop func()) *Queue {
	if onDrop == nil {
		onDrop = func() {}
	}
	return &Queue{
		limit:   limit,
		nextSeq: 1,
		pending: make(map[uint64][]byte),
		signal:  make(chan struct{}, 1),
		onDrop:  onDrop,
	}
}

// EnqueueAck hands over the response for the action dispatched with seq.
// Out-of-order completions are buffered until every earlier response has
// been released.
func (q *Queue) EnqueueAck(seq uint64, data []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if seq != q.nextSeq {
		q.pending[seq] = data
		return
	}
	q.append(Frame{Data: data})
	q.nextSeq++
	for {
		next, ok := q.pending[q.nextSeq]
		if !ok {
			break
		}
		delete(q.pending, q.nextSeq)
		q.append(Frame{Data: next})
		q.nextSeq++
	}
	q.wake()
}

// Notify enqueues a best-effort notification. Returns false if it was
// dropped to protect the bound.
func (q *Queue) Notify(data []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	if len(q.frames) >= q.limit && !q.dropOldestNotification() {
		// Queue is full of acks; the new hint loses.
		q.onDrop()
		return false
	}
	q.frames = append(q.frames, Frame{Data: data, Notification: true})
	q.wake()
	return true
}

// Next blocks until a frame is available. ok is false once the queue is
// closed and drained.
func (q *Queue) Next() (Frame, bool) {
	for {
		q.mu.Lock()
		if len(q.frames) > 0 {
			f := q.frames[0]
			q.frames = q.frames[1:]
			q.mu.Unlock()
			return f, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return Frame{}, false
		}
		<-q.signal
	}
}

func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.wake()
}

// append adds a frame, evicting the oldest notification first when the
// bound is exceeded. Acks may transiently push past the bound; they are
// ultimately bounded by the socket itself.
func (q *Queue) append(f Frame) {
	if len(q.frames) >= q.limit {
		q.dropOldestNotification()
	}
	q.frames = append(q.frames, f)
}

func (q *Queue) dropOldestNotification() bool {
	for i, f := range q.frames {
		if f.Notification {
			q.frames = append(q.frames[:i], q.frames[i+1:]...)
			q.onDrop()
			return true
		}
	}
	return false
}

func (q *Queue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
