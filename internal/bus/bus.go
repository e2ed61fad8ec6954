package bus

import (
	"sync"
)

// Bus is an in-process publish/subscribe event bus with namespace filtering.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscription
	next int
}

type subscription struct {
	namespace string
	ch        chan Event
	queue     *queue
}

// queue is an unbounded FIFO feeding one lossless subscriber.
type queue struct {
	mu     sync.Mutex
	items  []Event
	notify chan struct{}
	done   chan struct{}
}

func (q *queue) push(evt Event) {
	q.mu.Lock()
	q.items = append(q.items, evt)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *queue) pump(out chan<- Event) {
	defer close(out)
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			select {
			case <-q.notify:
				continue
			case <-q.done:
				return
			}
		}
		evt := q.items[0]
		q.items[0] = Event{}
		q.items = q.items[1:]
		q.mu.Unlock()

		select {
		case out <- evt:
		case <-q.done:
			return
		}
	}
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*subscription),
	}
}

// Publish sends an event to all subscribers whose namespace is a prefix of event.Kind.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !evt.In(sub.namespace) {
			continue
		}
		if sub.queue != nil {
			sub.queue.push(evt)
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// Drop event if subscriber is full (non-blocking).
		}
	}
}

// Subscribe returns a channel that receives events matching the given namespace prefix.
// bufSize controls the channel buffer. Returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	id := b.add(&subscription{namespace: namespace, ch: ch})
	return ch, func() { b.remove(id) }
}

// SubscribeLossless is like Subscribe but never drops: events queue without
// bound until read, in publish order. The channel is closed after unsubscribe.
func (b *Bus) SubscribeLossless(namespace string) (<-chan Event, func()) {
	ch := make(chan Event)
	q := &queue{notify: make(chan struct{}, 1), done: make(chan struct{})}
	id := b.add(&subscription{namespace: namespace, queue: q})
	go q.pump(ch)

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.remove(id)
			close(q.done)
		})
	}
}

func (b *Bus) add(sub *subscription) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	b.subs[id] = sub
	return id
}

func (b *Bus) remove(id int) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}
