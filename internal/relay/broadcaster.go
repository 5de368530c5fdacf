package relay

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// subscriberWriteWait bounds how long a broadcast waits on a single
// subscriber before the handle is considered dead.
const subscriberWriteWait = 10 * time.Second

// Subscriber is one connected downlink WebSocket. The remote address is used
// only in logs.
type Subscriber struct {
	ID         uuid.UUID
	RemoteAddr string

	conn *websocket.Conn
	// gorilla/websocket permits one concurrent writer per connection.
	writeMu sync.Mutex
}

// NewSubscriber wraps an accepted downlink connection.
func NewSubscriber(conn *websocket.Conn) *Subscriber {
	return &Subscriber{
		ID:         uuid.New(),
		RemoteAddr: conn.RemoteAddr().String(),
		conn:       conn,
	}
}

func (s *Subscriber) send(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(subscriberWriteWait)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Broadcaster tracks connected subscribers and pushes caption/status messages
// to all of them. Membership is guarded by a mutex; sends happen against a
// snapshot so a slow subscriber never blocks registration.
type Broadcaster struct {
	mu          sync.Mutex
	subscribers map[uuid.UUID]*Subscriber
	logger      *slog.Logger
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[uuid.UUID]*Subscriber),
		logger:      logger,
	}
}

// Register adds a subscriber and logs the new count.
func (b *Broadcaster) Register(sub *Subscriber) {
	b.mu.Lock()
	b.subscribers[sub.ID] = sub
	count := len(b.subscribers)
	b.mu.Unlock()
	b.logger.Info("subscriber connected",
		slog.String("remote", sub.RemoteAddr),
		slog.Int("total", count))
}

// Unregister removes a subscriber and logs the new count.
func (b *Broadcaster) Unregister(sub *Subscriber) {
	b.mu.Lock()
	delete(b.subscribers, sub.ID)
	count := len(b.subscribers)
	b.mu.Unlock()
	b.logger.Info("subscriber disconnected",
		slog.String("remote", sub.RemoteAddr),
		slog.Int("total", count))
}

// Count returns the number of registered subscribers.
func (b *Broadcaster) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Broadcast serializes payload once and sends it to every subscriber.
// Subscribers whose send fails are evicted. Broadcasting to an empty set is a
// no-op.
func (b *Broadcaster) Broadcast(payload any) {
	b.mu.Lock()
	if len(b.subscribers) == 0 {
		b.mu.Unlock()
		return
	}
	snapshot := make([]*Subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		snapshot = append(snapshot, sub)
	}
	b.mu.Unlock()

	data, err := json.Marshal(payload)
	if err != nil {
		b.logger.Error("broadcast payload marshal failed",
			slog.String("error", err.Error()))
		return
	}

	var dead []*Subscriber
	for _, sub := range snapshot {
		if err := sub.send(data); err != nil {
			b.logger.Warn("broadcast drop",
				slog.String("remote", sub.RemoteAddr),
				slog.String("error", err.Error()))
			dead = append(dead, sub)
		}
	}

	if len(dead) > 0 {
		b.mu.Lock()
		for _, sub := range dead {
			delete(b.subscribers, sub.ID)
		}
		b.mu.Unlock()
	}
}

// BroadcastStatus synthesizes a status message with a fresh timestamp and
// broadcasts it.
func (b *Broadcaster) BroadcastStatus(state, detail string) {
	b.Broadcast(NewStatusMessage(state, detail))
}
