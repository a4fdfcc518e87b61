package eventbus

import (
	"sync"

	"github.com/paddock/racecore/cmn/atomic"
	"github.com/paddock/racecore/cmn/nlog"
)

// Callback receives a publication's payload. Implementations must not
// block indefinitely: a slow subscriber delays every other subscriber of
// the same event (by design — see the ordering guarantee in spec §4.B)
// but must not delay subscribers of a different event, since each event
// name has its own serialization lock.
type Callback func(payload any)

type subscription struct {
	id int64
	cb Callback
}

// topic owns one event name's subscriber list and serializes its own
// publications, mirroring the teacher's per-stream serialization in
// transport/base.go (one streamBase per destination, no cross-stream
// coupling).
type topic struct {
	mu   sync.Mutex // serializes Publish for this event name only
	subs []subscription
}

// Bus is the process-wide event bus (component B). Distinct event names
// use distinct topics and therefore never contend with each other.
type Bus struct {
	mu     sync.RWMutex // guards the topics map itself, not publication
	topics map[string]*topic
	nextID atomic.Int64
	fanout []ClusterFanout // async fan-out sinks, e.g. cluster.Coordinator
}

// ClusterFanout receives every publication for async delivery to the
// cluster (spec §4.H); the bus does not know about cluster wire formats,
// only that something wants every event handed to it off the critical
// path.
type ClusterFanout interface {
	Forward(event string, payload any)
}

func New() *Bus {
	return &Bus{topics: map[string]*topic{}}
}

func (b *Bus) AddFanout(f ClusterFanout) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fanout = append(b.fanout, f)
}

func (b *Bus) topicFor(event string) *topic {
	b.mu.RLock()
	t, ok := b.topics[event]
	b.mu.RUnlock()
	if ok {
		return t
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok = b.topics[event]; ok {
		return t
	}
	t = &topic{}
	b.topics[event] = t
	return t
}

// Subscribe registers cb for event, invoked in registration order on
// every future Publish of that event. Returns an unsubscribe function.
func (b *Bus) Subscribe(event string, cb Callback) (unsubscribe func()) {
	t := b.topicFor(event)
	id := b.nextID.Inc()
	t.mu.Lock()
	t.subs = append(t.subs, subscription{id: id, cb: cb})
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		for i, s := range t.subs {
			if s.id == id {
				t.subs = append(t.subs[:i], t.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish invokes event's subscribers, in registration order, on the
// calling goroutine, then hands the publication to any registered
// cluster fan-out sinks (asynchronously, off this call's critical path —
// spec §4.H forwarding must never block the publisher).
func (b *Bus) Publish(event string, payload any) {
	t := b.topicFor(event)
	t.mu.Lock()
	subs := t.subs
	for _, s := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					nlog.ErrorDepth(1, "event subscriber panic:", event, r)
				}
			}()
			s.cb(payload)
		}()
	}
	t.mu.Unlock()

	b.mu.RLock()
	sinks := b.fanout
	b.mu.RUnlock()
	for _, f := range sinks {
		go f.Forward(event, payload)
	}
}
