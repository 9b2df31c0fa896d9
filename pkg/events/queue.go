package events

import "sync"

// Publisher receives committed events.
type Publisher interface {
	Publish(e *Event)
}

// Fanout publishes every event to each of its publishers in order.
type Fanout []Publisher

// Publish implements Publisher.
func (f Fanout) Publish(e *Event) {
	for _, p := range f {
		p.Publish(e)
	}
}

// Queue is an unbounded FIFO of events for consumers that must see every
// event they care about. Publish never blocks and never drops; events that
// keep rejects are not queued at all.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []*Event
	keep   func(*Event) bool
	closed bool
	out    chan *Event
}

// NewQueue starts a Queue. A nil keep accepts every event.
func NewQueue(keep func(*Event) bool) *Queue {
	q := &Queue{keep: keep, out: make(chan *Event)}
	q.cond = sync.NewCond(&q.mu)
	go q.pump()
	return q
}

// Publish appends e unless the queue is closed or keep rejects it.
func (q *Queue) Publish(e *Event) {
	if q.keep != nil && !q.keep(e) {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, e)
	q.cond.Signal()
}

// C returns the channel events are delivered on, in publish order. It is
// closed after Close once everything queued has been delivered.
func (q *Queue) C() <-chan *Event { return q.out }

// Len reports how many events wait for delivery.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops accepting events. Queued events are still delivered.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

func (q *Queue) pump() {
	defer close(q.out)
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.items) == 0 {
			q.mu.Unlock()
			return
		}
		e := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.mu.Unlock()
		q.out <- e
	}
}
