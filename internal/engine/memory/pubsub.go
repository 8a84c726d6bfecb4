package memory

import (
	"sync"
	"sync/atomic"
)

const (
	defaultSubscriberBuffer = 256
	defaultPublishQueue     = 4096
)

// Message is one published payload as seen by a subscriber.
type Message struct {
	Channel string
	Pattern string
	Payload string
}

// Subscription receives messages for a fixed set of channels or patterns.
type Subscription struct {
	broker   *Broker
	channels []string
	patterns []string
	ch       chan Message
	closed   atomic.Bool
}

// C returns the delivery channel. It is closed when the subscription or the
// broker is closed.
func (s *Subscription) C() <-chan Message {
	return s.ch
}

// Close detaches the subscription from the broker.
func (s *Subscription) Close() {
	s.broker.remove(s)
}

// Broker is an in-process pub/sub hub. Publish only enqueues; a single
// dispatcher goroutine delivers messages in publish order, so publishers may
// call it while holding shard locks.
type Broker struct {
	mu       sync.RWMutex
	channels map[string]map[*Subscription]struct{}
	patterns map[string]map[*Subscription]struct{}
	relays   []func(channel, message string) int

	queue   chan Message
	stopCh  chan struct{}
	wg      sync.WaitGroup
	bufSize int

	stopped atomic.Bool
	dropped atomic.Int64
}

// NewBroker creates a broker and starts its dispatcher.
func NewBroker(subscriberBuffer int) *Broker {
	if subscriberBuffer <= 0 {
		subscriberBuffer = defaultSubscriberBuffer
	}
	b := &Broker{
		channels: make(map[string]map[*Subscription]struct{}),
		patterns: make(map[string]map[*Subscription]struct{}),
		queue:    make(chan Message, defaultPublishQueue),
		stopCh:   make(chan struct{}),
		bufSize:  subscriberBuffer,
	}
	b.wg.Add(1)
	go b.dispatchLoop()
	return b
}

// Relay registers fn to receive every published message after local
// subscribers, e.g. to forward to network subscribers.
func (b *Broker) Relay(fn func(channel, message string) int) {
	b.mu.Lock()
	b.relays = append(b.relays, fn)
	b.mu.Unlock()
}

// Subscribe creates a subscription on exact channel names.
func (b *Broker) Subscribe(channels ...string) *Subscription {
	return b.add(channels, nil)
}

// PSubscribe creates a subscription on glob patterns.
func (b *Broker) PSubscribe(patterns ...string) *Subscription {
	return b.add(nil, patterns)
}

func (b *Broker) add(channels, patterns []string) *Subscription {
	s := &Subscription{
		broker:   b,
		channels: channels,
		patterns: patterns,
		ch:       make(chan Message, b.bufSize),
	}
	if b.stopped.Load() {
		s.closed.Store(true)
		close(s.ch)
		return s
	}

	b.mu.Lock()
	for _, c := range channels {
		if b.channels[c] == nil {
			b.channels[c] = make(map[*Subscription]struct{})
		}
		b.channels[c][s] = struct{}{}
	}
	for _, p := range patterns {
		if b.patterns[p] == nil {
			b.patterns[p] = make(map[*Subscription]struct{})
		}
		b.patterns[p][s] = struct{}{}
	}
	b.mu.Unlock()
	return s
}

func (b *Broker) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	for _, c := range s.channels {
		delete(b.channels[c], s)
		if len(b.channels[c]) == 0 {
			delete(b.channels, c)
		}
	}
	for _, p := range s.patterns {
		delete(b.patterns[p], s)
		if len(b.patterns[p]) == 0 {
			delete(b.patterns, p)
		}
	}
	close(s.ch)
}

// Publish enqueues message and returns the number of local subscriptions
// matching channel at enqueue time. It never blocks: when the dispatcher has
// fallen a full queue behind, the message is dropped and counted, and
// Publish returns 0.
func (b *Broker) Publish(channel, message string) int64 {
	if b.stopped.Load() {
		return 0
	}

	b.mu.RLock()
	n := int64(len(b.channels[channel]))
	for p, subs := range b.patterns {
		if matchPattern(p, channel) {
			n += int64(len(subs))
		}
	}
	b.mu.RUnlock()

	select {
	case b.queue <- Message{Channel: channel, Payload: message}:
		return n
	default:
		b.dropped.Add(1)
		return 0
	}
}

// Dropped returns how many messages were dropped on a full publish queue or
// full subscriber buffers.
func (b *Broker) Dropped() int64 {
	return b.dropped.Load()
}

// Close stops the dispatcher and closes every subscription.
func (b *Broker) Close() {
	if !b.stopped.CompareAndSwap(false, true) {
		return
	}
	close(b.stopCh)
	b.wg.Wait()

	b.mu.Lock()
	for _, subs := range b.channels {
		for s := range subs {
			if s.closed.CompareAndSwap(false, true) {
				close(s.ch)
			}
		}
	}
	for _, subs := range b.patterns {
		for s := range subs {
			if s.closed.CompareAndSwap(false, true) {
				close(s.ch)
			}
		}
	}
	b.channels = make(map[string]map[*Subscription]struct{})
	b.patterns = make(map[string]map[*Subscription]struct{})
	b.mu.Unlock()
}

func (b *Broker) dispatchLoop() {
	defer b.wg.Done()

	for {
		select {
		case <-b.stopCh:
			return
		case msg := <-b.queue:
			b.deliver(msg)
		}
	}
}

func (b *Broker) deliver(msg Message) {
	b.mu.RLock()
	for s := range b.channels[msg.Channel] {
		b.send(s, msg)
	}
	for p, subs := range b.patterns {
		if !matchPattern(p, msg.Channel) {
			continue
		}
		pm := msg
		pm.Pattern = p
		for s := range subs {
			b.send(s, pm)
		}
	}
	relays := b.relays
	b.mu.RUnlock()

	for _, fn := range relays {
		fn(msg.Channel, msg.Payload)
	}
}

// send must be called with b.mu held for reading; remove() takes the write
// lock before closing s.ch, so the channel cannot be closed underneath us.
func (b *Broker) send(s *Subscription, msg Message) {
	select {
	case s.ch <- msg:
	default:
		b.dropped.Add(1)
	}
}
