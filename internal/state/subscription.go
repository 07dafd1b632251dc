package state

import (
	"log/slog"
	"sync"

	"github.com/whiskerlink/whisker-bridge/internal/model"
)

const defaultSubscriptionBuffer = 64

// Subscription is a cancelable ordered stream of change events. Events are
// dropped, with a warning, when the consumer falls behind the buffer.
type Subscription struct {
	ch    chan model.ChangeEvent
	close func()
	once  sync.Once
}

// Events returns the receive channel. It is closed when the subscription is.
func (s *Subscription) Events() <-chan model.ChangeEvent {
	return s.ch
}

// Close releases the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.close()
		close(s.ch)
	})
}

type subscriberSet struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*Subscription
	logger *slog.Logger
}

func newSubscriberSet(logger *slog.Logger) *subscriberSet {
	return &subscriberSet{subs: make(map[int]*Subscription), logger: logger}
}

func (set *subscriberSet) add(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = defaultSubscriptionBuffer
	}
	set.mu.Lock()
	defer set.mu.Unlock()

	id := set.nextID
	set.nextID++
	sub := &Subscription{ch: make(chan model.ChangeEvent, buffer)}
	sub.close = func() {
		set.mu.Lock()
		delete(set.subs, id)
		set.mu.Unlock()
	}
	set.subs[id] = sub
	return sub
}

// broadcast delivers the event to every live subscriber without blocking the
// merge path. Removal in Close holds the same lock, so no send can race a
// channel close.
func (set *subscriberSet) broadcast(event model.ChangeEvent) {
	set.mu.Lock()
	defer set.mu.Unlock()
	for id, sub := range set.subs {
		select {
		case sub.ch <- event:
		default:
			set.logger.Warn("subscriber buffer full, dropping event", "subscriber", id, "serial", event.Serial)
		}
	}
}
