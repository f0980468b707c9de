package broadcast

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/dgnsrekt/subcast/internal/subtitle"
)

// DefaultBuffer is the per-subscriber queue depth used when the
// configured value is zero.
const DefaultBuffer = 64

// Hub fans newly completed subtitles out to every current subscriber.
// Single producer (the assembler), many consumers. Delivery is lossy:
// a subscriber that does not drain its queue loses the oldest queued
// subtitles rather than blocking the publisher.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*Subscription]bool
	buffer int
	logger *zap.Logger
}

// Subscription is one subscriber's receive end. It only sees subtitles
// published after it was created; there is no replay.
type Subscription struct {
	hub     *Hub
	ch      chan subtitle.Subtitle
	dropped atomic.Uint64
	once    sync.Once
}

// NewHub creates a Hub whose subscribers each get a queue of the given
// depth.
func NewHub(buffer int, logger *zap.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		subs:   make(map[*Subscription]bool),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe registers a new subscriber.
func (h *Hub) Subscribe() *Subscription {
	sub := &Subscription{
		hub: h,
		ch:  make(chan subtitle.Subtitle, h.buffer),
	}
	h.mu.Lock()
	h.subs[sub] = true
	h.mu.Unlock()
	return sub
}

// Publish delivers sub to every current subscriber. When a subscriber's
// queue is full, its oldest queued subtitle is discarded to make room;
// Publish itself never blocks. Only the assembler publishes, so the
// drop-then-send below cannot interleave with another publisher.
func (h *Hub) Publish(sub subtitle.Subtitle) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for s := range h.subs {
		select {
		case s.ch <- sub:
			continue
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
		select {
		case s.ch <- sub:
		default:
		}
		h.logger.Debug("slow subscriber, dropped oldest subtitle",
			zap.Uint64("subtitleID", sub.ID),
			zap.Uint64("totalDropped", s.dropped.Load()),
		)
	}
}

// Close cancels every subscription. Used at shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := make([]*Subscription, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.subs = make(map[*Subscription]bool)
	h.mu.Unlock()

	for _, s := range subs {
		s.once.Do(func() { close(s.ch) })
	}
}

// C is the receive channel. It is closed when the subscription is
// cancelled or the hub shuts down.
func (s *Subscription) C() <-chan subtitle.Subtitle {
	return s.ch
}

// Dropped reports how many subtitles were discarded because this
// subscriber fell behind.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Cancel removes the subscription and closes its channel. Safe to call
// more than once.
func (s *Subscription) Cancel() {
	s.hub.mu.Lock()
	delete(s.hub.subs, s)
	s.hub.mu.Unlock()
	s.once.Do(func() { close(s.ch) })
}
