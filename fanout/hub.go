// Package fanout relays full-state messages between clients of the same
// room running in one process.
package fanout

import (
	"encoding/json"
	"sync"

	log "github.com/sirupsen/logrus"
)

// MessageTypeState is the only message type on the hub.
const MessageTypeState = "STATE"

// Message carries a whole serialized snapshot.
type Message struct {
	Type           string          `json:"type"`
	OriginClientID string          `json:"originClientId"`
	Room           string          `json:"room"`
	Payload        json.RawMessage `json:"payload"`
}

// Subscription receives messages for one room on C.
type Subscription struct {
	C <-chan Message

	ch       chan Message
	hub      *Hub
	room     string
	clientID string
	once     sync.Once
}

// Close detaches the subscription and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.rooms[s.room], s)
		if len(s.hub.rooms[s.room]) == 0 {
			delete(s.hub.rooms, s.room)
		}
		close(s.ch)
		s.hub.mu.Unlock()
	})
}

// Hub is an in-process broadcast channel keyed by room.
type Hub struct {
	logger log.FieldLogger

	mu    sync.Mutex
	rooms map[string]map[*Subscription]struct{}
}

// NewHub creates an empty hub.
func NewHub(logger log.FieldLogger) *Hub {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Hub{logger: logger, rooms: make(map[string]map[*Subscription]struct{})}
}

// Subscribe registers clientID for room. Messages originating from
// clientID are never delivered back to it.
func (h *Hub) Subscribe(room, clientID string, buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Message, buffer)
	sub := &Subscription{C: ch, ch: ch, hub: h, room: room, clientID: clientID}
	h.mu.Lock()
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Subscription]struct{})
	}
	h.rooms[room][sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Publish delivers msg to every other subscriber of msg.Room. A subscriber
// whose buffer is full misses the message; the next one carries the full
// state anyway.
func (h *Hub) Publish(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.rooms[msg.Room] {
		if sub.clientID == msg.OriginClientID {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			h.logger.WithFields(log.Fields{
				"room":   msg.Room,
				"client": sub.clientID,
			}).Warn("fan-out subscriber lagging, message dropped")
		}
	}
}
