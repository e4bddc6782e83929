package notification

import (
	"sync"
	"time"

	"NetScope/internal/telemetry"

	"github.com/sirupsen/logrus"
)

// Realtime event names.
const (
	EventSessionProgress = "session_progress"
	EventNewAlert        = "new_alert"
	EventAlertEscalated  = "alert_escalated"
)

// SessionProgress is emitted after every active capture cycle.
type SessionProgress struct {
	SessionID   string `json:"sessionId"`
	RecordCount uint64 `json:"recordCount"`
	BytesTotal  uint64 `json:"bytesTotal"`
}

// NewAlert is emitted when the alert engine stores a new alert.
type NewAlert struct {
	AlertID   string    `json:"alertId"`
	RuleName  string    `json:"ruleName"`
	Severity  string    `json:"severity"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertEscalated is emitted for every unacknowledged alert past its rule's escalation delay.
type AlertEscalated struct {
	AlertID  string `json:"alertId"`
	RuleName string `json:"ruleName"`
	Severity string `json:"severity"`
}

// Event is one broadcast message.
type Event struct {
	Name    string      `json:"event"`
	Payload interface{} `json:"data"`
	Time    time.Time   `json:"time"`
}

// Hub is the process-wide realtime broadcast channel. Subscribers receive
// every event published after they subscribed; a subscriber whose buffer is
// full misses the event. Publish never waits on a subscriber.
type Hub struct {
	mu      sync.RWMutex
	subs    map[uint64]*Subscription
	nextID  uint64
	buffer  int
	closed  bool
	logger  *logrus.Logger
	nowFunc func() time.Time
}

// NewHub creates a hub whose subscribers buffer up to bufferSize events.
func NewHub(bufferSize int, logger *logrus.Logger) *Hub {
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &Hub{
		subs:    make(map[uint64]*Subscription),
		buffer:  bufferSize,
		logger:  logger,
		nowFunc: time.Now,
	}
}

// Subscription is one observer attached to a Hub.
type Subscription struct {
	id  uint64
	ch  chan Event
	hub *Hub
}

// Events returns the channel events are delivered on. It is closed when the
// subscription or the hub is closed.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close detaches the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.hub.remove(s.id)
}

// Subscribe attaches a new observer.
func (h *Hub) Subscribe() *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub := &Subscription{ch: make(chan Event, h.buffer), hub: h}
	if h.closed {
		close(sub.ch)
		return sub
	}
	h.nextID++
	sub.id = h.nextID
	h.subs[sub.id] = sub
	return sub
}

// Publish delivers an event to every current subscriber without blocking.
func (h *Hub) Publish(name string, payload interface{}) {
	ev := Event{Name: name, Payload: payload, Time: h.nowFunc()}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for id, sub := range h.subs {
		select {
		case sub.ch <- ev:
		default:
			telemetry.EventsDropped.Inc()
			h.logger.WithFields(logrus.Fields{"event": name, "subscriber": id}).Warn("Subscriber buffer full, event dropped")
		}
	}
}

// SubscriberCount returns the number of attached observers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close detaches every subscriber. Later publishes are discarded.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		close(sub.ch)
		delete(h.subs, id)
	}
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.subs[id]; ok {
		close(sub.ch)
		delete(h.subs, id)
	}
}
