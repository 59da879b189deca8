// Package eventbus is the in-process fan-out between the dispatcher and its
// observers (metrics, notifications). Publishing never blocks: a subscriber
// whose buffer is full misses the event and the bus counts the drop.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	TopicSessionStarted   = "session.started"
	TopicSessionCompleted = "session.completed"
	TopicBatch            = "dispatch.batch"
	TopicRetry            = "dispatch.retry"
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	// Subscribe returns a buffered channel and a func that removes and
	// closes it. The func is idempotent.
	Subscribe(buffer int) (<-chan Event, func())
	// Dropped counts events discarded across all subscribers.
	Dropped() uint64
}

const defaultBuffer = 8

type bus struct {
	mu      sync.RWMutex
	subs    []chan Event
	dropped atomic.Uint64
}

func New() Bus { return &bus{} }

func (b *bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Unsubscribe closes under the write lock, so no send hits a closed channel.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()

	var once sync.Once
	return ch, func() { once.Do(func() { b.remove(ch) }) }
}

func (b *bus) remove(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, c := range b.subs {
		if c == ch {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	close(ch)
}

func (b *bus) Dropped() uint64 { return b.dropped.Load() }

// Nop discards everything. Its subscriptions never deliver.
func Nop() Bus { return nop{} }

type nop struct{}

func (nop) Publish(Event) {}

func (nop) Subscribe(int) (<-chan Event, func()) { return make(chan Event), func() {} }

func (nop) Dropped() uint64 { return 0 }
