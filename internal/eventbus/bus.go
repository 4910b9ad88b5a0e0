// Package eventbus fans out per-session execution events to realtime
// observers.
package eventbus

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xiaot623/agentpay/internal/domain"
	"github.com/xiaot623/agentpay/internal/logging"
	"github.com/xiaot623/agentpay/internal/metrics"
)

// DefaultBufferSize is the per-subscriber buffer used when none is set.
const DefaultBufferSize = 256

// Bus delivers events in per-session order. Publishing never blocks: when a
// subscriber's buffer is full its oldest undelivered event is dropped.
type Bus struct {
	mu         sync.Mutex
	sessions   map[string]*stream
	bufferSize int
	logger     *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

// stream lives while it has subscribers or holds. Sequence numbers restart
// when a pruned session comes back.
type stream struct {
	mu     sync.Mutex
	seq    uint64
	nextID uint64
	subs   map[uint64]*Subscription
	holds  int
	dead   bool
}

// New creates a bus.
func New(bufferSize int, logger *zap.Logger, m *metrics.Metrics) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Bus{
		sessions:   make(map[string]*stream),
		bufferSize: bufferSize,
		logger:     logging.OrNop(logger),
		metrics:    m,
		now:        time.Now,
	}
}

func (b *Bus) stream(sessionID string) *stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[sessionID]
	if !ok {
		s = &stream{subs: make(map[uint64]*Subscription)}
		b.sessions[sessionID] = s
	}
	return s
}

// acquire returns the live stream of a session with its lock held.
func (b *Bus) acquire(sessionID string) *stream {
	for {
		s := b.stream(sessionID)
		s.mu.Lock()
		if !s.dead {
			return s
		}
		s.mu.Unlock()
	}
}

// prune drops the session's stream once nothing observes or holds it.
func (b *Bus) prune(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[sessionID]
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.subs) == 0 && s.holds == 0 {
		s.dead = true
		delete(b.sessions, sessionID)
	}
}

// Hold keeps the session's stream, and so its sequence, alive until the
// returned release is called. The engine holds a session while it runs.
func (b *Bus) Hold(sessionID string) (release func()) {
	s := b.acquire(sessionID)
	s.holds++
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.holds--
			s.mu.Unlock()
			b.prune(sessionID)
		})
	}
}

// Sessions returns how many session streams are live.
func (b *Bus) Sessions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// Publish assigns the next sequence number of the session to the event and
// delivers it to every current subscriber.
func (b *Bus) Publish(sessionID, executionID string, eventType domain.EventType, payload interface{}) (domain.Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}

	s := b.acquire(sessionID)
	s.seq++
	ev := domain.Event{
		Type:        eventType,
		Data:        data,
		Timestamp:   b.now().UnixMilli(),
		Seq:         s.seq,
		SessionID:   sessionID,
		ExecutionID: executionID,
	}
	for _, sub := range s.subs {
		b.deliver(sub, ev)
	}
	idle := len(s.subs) == 0 && s.holds == 0
	s.mu.Unlock()

	if idle {
		b.prune(sessionID)
	}
	b.metrics.RecordEvent(string(eventType))
	return ev, nil
}

// deliver must be called with the stream lock held.
func (b *Bus) deliver(sub *Subscription, ev domain.Event) {
	for {
		select {
		case sub.ch <- ev:
			return
		default:
		}
		select {
		case old := <-sub.ch:
			sub.dropped.Add(1)
			b.metrics.RecordDrop()
			b.logger.Debug("dropped event for slow observer",
				zap.String("session_id", ev.SessionID),
				zap.Uint64("dropped_seq", old.Seq),
				zap.Uint64("subscription", sub.id))
		default:
		}
	}
}

// Subscribe attaches a new observer to the session. Events published before
// the call are not replayed.
func (b *Bus) Subscribe(sessionID string) *Subscription {
	s := b.acquire(sessionID)
	defer s.mu.Unlock()

	s.nextID++
	sub := &Subscription{
		id:        s.nextID,
		sessionID: sessionID,
		ch:        make(chan domain.Event, b.bufferSize),
		bus:       b,
	}
	s.subs[sub.id] = sub
	return sub
}

// Subscribers returns the number of observers of a session.
func (b *Bus) Subscribers(sessionID string) int {
	b.mu.Lock()
	s, ok := b.sessions[sessionID]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// LastSeq returns the last sequence number assigned in a session.
func (b *Bus) LastSeq(sessionID string) uint64 {
	b.mu.Lock()
	s, ok := b.sessions[sessionID]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	s, ok := b.sessions[sub.sessionID]
	b.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	if _, ok := s.subs[sub.id]; ok {
		delete(s.subs, sub.id)
		close(sub.ch)
	}
	s.mu.Unlock()
	b.prune(sub.sessionID)
}

// Subscription is one observer's view of a session.
type Subscription struct {
	id        uint64
	sessionID string
	ch        chan domain.Event
	bus       *Bus
	dropped   atomic.Uint64
	closeOnce sync.Once
}

// C returns the event channel. It is closed by Close.
func (s *Subscription) C() <-chan domain.Event {
	return s.ch
}

// SessionID returns the observed session.
func (s *Subscription) SessionID() string {
	return s.sessionID
}

// Dropped returns how many events were discarded for this observer.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close detaches the observer.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.bus.unsubscribe(s)
	})
}
