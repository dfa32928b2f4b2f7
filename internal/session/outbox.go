package session

import (
	"errors"
	"sync"
)

var errOutboxClosed = errors.New("session: outbox closed")

// outbox is an unbounded FIFO of encoded messages. Engines write into it
// under their own lock; a single writer goroutine drains it to the
// connection.
type outbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  [][]byte
	closed bool
}

func newOutbox() *outbox {
	o := &outbox{}
	o.cond = sync.NewCond(&o.mu)
	return o
}

func (o *outbox) Write(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return 0, errOutboxClosed
	}
	o.queue = append(o.queue, append([]byte(nil), p...))
	o.cond.Signal()
	return len(p), nil
}

// close stops accepting writes. Queued messages are still handed out.
func (o *outbox) close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.cond.Broadcast()
}

// next blocks until messages are queued or the outbox is closed and empty.
func (o *outbox) next() ([][]byte, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for len(o.queue) == 0 && !o.closed {
		o.cond.Wait()
	}
	if len(o.queue) == 0 {
		return nil, false
	}
	batch := o.queue
	o.queue = nil
	return batch, true
}
