// Package realtime delivers row change events to filtered subscribers.
//
// A Hub fans events out inside one process. A RedisBroker relays events
// between processes so every instance's Hub sees every change.
package realtime

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/techagentng/realtyx/logger"
)

// DefaultBuffer is the per-subscription queue length used when NewHub is
// given a non-positive size.
const DefaultBuffer = 64

var ErrHubClosed = errors.New("realtime hub is closed")

// Subscription is a handle returned by Subscribe.
type Subscription struct {
	id        uint64
	table     string
	eventType EventType
	filter    Filter
	cb        Callback

	queue chan Event
	done  chan struct{}
	once  sync.Once
}

// Table returns the table the subscription listens to.
func (s *Subscription) Table() string {
	return s.table
}

// Filter returns the parsed filter of the subscription.
func (s *Subscription) Filter() Filter {
	return s.filter
}

func (s *Subscription) wants(e Event, fields map[string]interface{}) bool {
	if s.table != e.Table {
		return false
	}
	if s.eventType != EventAll && s.eventType != e.Type {
		return false
	}
	return s.filter.Matches(fields)
}

// run delivers queued events one at a time, so a subscriber sees events in
// publish order and never concurrently.
func (s *Subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case e := <-s.queue:
			select {
			case <-s.done:
				return
			default:
			}
			s.cb(e)
		}
	}
}

func (s *Subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

// Hub is an in-process Channel and Publisher.
type Hub struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	buffer int
	closed bool
	log    *logrus.Entry
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		subs:   make(map[uint64]*Subscription),
		buffer: buffer,
		log:    logger.For("realtime.hub"),
	}
}

// Subscribe registers cb for events on table of the given type that match
// the filter expression.
func (h *Hub) Subscribe(table string, eventType EventType, filter string, cb Callback) (*Subscription, error) {
	if table == "" {
		return nil, errors.New("realtime: table is required")
	}
	if cb == nil {
		return nil, errors.New("realtime: callback is required")
	}
	f, err := ParseFilter(filter)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}

	h.nextID++
	sub := &Subscription{
		id:        h.nextID,
		table:     table,
		eventType: eventType,
		filter:    f,
		cb:        cb,
		queue:     make(chan Event, h.buffer),
		done:      make(chan struct{}),
	}
	h.subs[sub.id] = sub
	go sub.run()

	h.log.WithFields(logrus.Fields{
		"table":  table,
		"event":  eventType,
		"filter": filter,
		"id":     sub.id,
	}).Debug("subscribed")
	return sub, nil
}

// Unsubscribe stops delivery to sub. It is safe to call more than once and
// with a nil subscription.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	delete(h.subs, sub.id)
	h.mu.Unlock()
	sub.stop()
}

// Publish queues e for every matching subscriber. A subscriber whose queue is
// full misses the event; the drop is logged.
func (h *Hub) Publish(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fields := e.fields()

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrHubClosed
	}

	for _, sub := range h.subs {
		if !sub.wants(e, fields) {
			continue
		}
		select {
		case sub.queue <- e:
		default:
			h.log.WithFields(logrus.Fields{
				"table": e.Table,
				"event": e.Type,
				"id":    sub.id,
			}).Warn("subscriber queue full, dropping event")
		}
	}
	return nil
}

// SubscriberCount returns the number of live subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close stops every subscription and rejects further use.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		sub.stop()
		delete(h.subs, id)
	}
}
