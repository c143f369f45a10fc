// Package notify delivers best-effort signals emitted by notify steps.
// Delivery is decoupled from the writing transaction: messages are queued
// on a bounded channel and drained by a background worker, so a slow or
// absent subscriber can never stall or fail a business action.
package notify

import (
	"log"
	"sync"
)

// Handler consumes one published message.
type Handler func(channel string, payload map[string]any)

// Message is one queued notification.
type Message struct {
	Channel string
	Payload map[string]any
}

// Bus is an in-process publish-subscribe hub with a bounded queue.
// Publish never blocks; when the queue is full the message is dropped
// and counted.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]subscription

	queue    chan Message
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	dropMu  sync.Mutex
	dropped int64

	nextID int
}

type subscription struct {
	id int
	fn Handler
}

// NewBus creates a bus with the given queue capacity and starts its
// drain worker.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	b := &Bus{
		handlers: make(map[string][]subscription),
		queue:    make(chan Message, buffer),
		stopCh:   make(chan struct{}),
	}
	b.wg.Add(1)
	go b.drain()
	return b
}

// Publish enqueues a message without blocking. Full queue drops the
// message; the caller is mid-transaction and must not wait here.
func (b *Bus) Publish(channel string, payload map[string]any) {
	select {
	case b.queue <- Message{Channel: channel, Payload: payload}:
	default:
		b.dropMu.Lock()
		b.dropped++
		n := b.dropped
		b.dropMu.Unlock()
		log.Printf("[notify] queue full, dropped message on %s (total dropped %d)", channel, n)
	}
}

// Subscribe registers a handler for a channel and returns an
// unsubscribe function.
func (b *Bus) Subscribe(channel string, fn Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[channel] = append(b.handlers[channel], subscription{id: id, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.handlers[channel]
		for i, s := range subs {
			if s.id == id {
				b.handlers[channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}

// Dropped reports how many messages were discarded because the queue
// was full.
func (b *Bus) Dropped() int64 {
	b.dropMu.Lock()
	defer b.dropMu.Unlock()
	return b.dropped
}

// Close stops the drain worker after the queued messages are delivered.
func (b *Bus) Close() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})
	b.wg.Wait()
}

func (b *Bus) drain() {
	defer b.wg.Done()
	for {
		select {
		case msg := <-b.queue:
			b.deliver(msg)
		case <-b.stopCh:
			// Flush whatever is already queued, then exit.
			for {
				select {
				case msg := <-b.queue:
					b.deliver(msg)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) deliver(msg Message) {
	b.mu.RLock()
	subs := make([]subscription, len(b.handlers[msg.Channel]))
	copy(subs, b.handlers[msg.Channel])
	b.mu.RUnlock()

	if len(subs) == 0 {
		log.Printf("[notify] %s %v", msg.Channel, msg.Payload)
		return
	}
	for _, s := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[notify] handler panic on %s: %v", msg.Channel, r)
				}
			}()
			s.fn(msg.Channel, msg.Payload)
		}()
	}
}
