// Package broker is the in-process message broker carrying world update
// events from the delta publisher to connection writers. Subscriptions are
// indexed by topic, not by connection: subscribing to a topic that already
// has a live subscription tears the old one down first, which is what keeps
// reconnects from producing duplicate delivery or silently lost streams.
package broker

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

var ErrClosed = errors.New("broker closed")

// subscription buffer; events beyond this are dropped, the client recovers
// by detecting the version gap and requesting a resync.
const subscriptionBuffer = 64

type Subscription struct {
	topic  string
	connID string
	ch     chan []byte

	mu     sync.Mutex
	closed bool
}

// C yields published payloads in publication order until the subscription is
// torn down (by Unsubscribe or by a newer subscription for the same topic).
func (s *Subscription) C() <-chan []byte { return s.ch }

func (s *Subscription) Topic() string  { return s.topic }
func (s *Subscription) ConnID() string { return s.connID }

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

func (s *Subscription) trySend(b []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- b:
		return true
	default:
		return false
	}
}

type Broker struct {
	log *logrus.Entry

	mu     sync.Mutex
	subs   map[string]*Subscription
	closed bool

	published atomic.Int64
	dropped   atomic.Int64
}

func New(log *logrus.Entry) *Broker {
	return &Broker{log: log, subs: make(map[string]*Subscription)}
}

// Subscribe registers connID as the sole receiver for topic. Any previous
// subscription for the topic is closed first, even if its connection never
// cleanly went away.
func (b *Broker) Subscribe(topic, connID string) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if old, ok := b.subs[topic]; ok {
		old.close()
		if b.log != nil {
			b.log.WithFields(logrus.Fields{
				"topic":    topic,
				"old_conn": old.connID,
				"new_conn": connID,
			}).Info("superseding stale subscription")
		}
	}
	sub := &Subscription{topic: topic, connID: connID, ch: make(chan []byte, subscriptionBuffer)}
	b.subs[topic] = sub
	return sub, nil
}

// Unsubscribe tears down sub. A subscription that has already been superseded
// by a reconnect is left alone so the newer one keeps the topic.
func (b *Broker) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	if cur, ok := b.subs[sub.topic]; ok && cur == sub {
		delete(b.subs, sub.topic)
	}
	b.mu.Unlock()
	sub.close()
}

// Publish delivers payload to the topic's subscriber, if any. Delivery is
// best-effort: no subscriber or a full buffer drops the payload.
func (b *Broker) Publish(topic string, payload []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	sub := b.subs[topic]
	b.mu.Unlock()

	if sub == nil {
		return nil
	}
	if sub.trySend(payload) {
		b.published.Add(1)
		return nil
	}
	b.dropped.Add(1)
	if b.log != nil {
		b.log.WithFields(logrus.Fields{"topic": topic, "conn_id": sub.connID}).
			Warn("subscriber buffer full, dropping event")
	}
	return nil
}

// Close tears down every subscription.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = map[string]*Subscription{}
	b.mu.Unlock()
	for _, s := range subs {
		s.close()
	}
}

// Published and Dropped feed the /metrics endpoint.
func (b *Broker) Published() int64 { return b.published.Load() }
func (b *Broker) Dropped() int64   { return b.dropped.Load() }

// Topics reports the number of live subscriptions.
func (b *Broker) Topics() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
