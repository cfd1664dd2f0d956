package sensorlog

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// FeedSubscription receives live readings for one sensor filter.
type FeedSubscription struct {
	ID       string
	SensorID string

	ch     chan Reading
	done   chan struct{}
	mu     sync.Mutex
	closed bool
}

// C returns the channel delivering readings.
func (s *FeedSubscription) C() <-chan Reading {
	return s.ch
}

// Close ends the subscription.
func (s *FeedSubscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	close(s.ch)
}

// FeedHub fans acknowledged readings out to live subscribers, such as a
// dashboard. Slow subscribers drop readings rather than stall ingestion.
type FeedHub struct {
	config FeedConfig

	mu     sync.RWMutex
	subs   map[string]*FeedSubscription
	nextID uint64
}

// NewFeedHub creates a feed hub.
func NewFeedHub(cfg FeedConfig) *FeedHub {
	def := DefaultConfig("").Feed
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	return &FeedHub{
		config: cfg,
		subs:   make(map[string]*FeedSubscription),
	}
}

// Subscribe registers for readings from one sensor, or all sensors when
// sensorID is empty.
func (h *FeedHub) Subscribe(sensorID string) *FeedSubscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &FeedSubscription{
		ID:       fmt.Sprintf("sub-%d", h.nextID),
		SensorID: sensorID,
		ch:       make(chan Reading, h.config.BufferSize),
		done:     make(chan struct{}),
	}
	h.subs[sub.ID] = sub
	return sub
}

// Unsubscribe removes and closes a subscription.
func (h *FeedHub) Unsubscribe(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	h.mu.Unlock()

	if ok {
		sub.Close()
	}
}

// Publish delivers a reading to every matching subscription.
func (h *FeedHub) Publish(r Reading) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if sub.SensorID != "" && sub.SensorID != r.SensorID {
			continue
		}
		select {
		case sub.ch <- r:
		default:
			// Buffer full, drop the reading
		}
	}
}

// Count returns the number of active subscriptions.
func (h *FeedHub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// feedMessage is the JSON format for WebSocket feed messages.
type feedMessage struct {
	Type     string   `json:"type"`
	SensorID string   `json:"sensor_id,omitempty"`
	Reading  *Reading `json:"reading,omitempty"`
	SubID    string   `json:"sub_id,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// MarshalJSON renders readings on the feed in the wire field names.
func (r Reading) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{
		"timestamp": r.Timestamp.Format(time.RFC3339Nano),
		"sensor_id": r.SensorID,
		"value":     r.Value,
		"unit":      r.Unit,
	})
}

// wsWriter serializes writes to one WebSocket connection; the command
// replies and the per-subscription forwarders share it.
type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) write(deadline time.Duration, msg feedMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if deadline > 0 {
		_ = w.conn.SetWriteDeadline(time.Now().Add(deadline))
	}
	return w.conn.WriteMessage(websocket.TextMessage, payload)
}

// WebSocketHandler returns an HTTP handler that serves live readings over
// a WebSocket. Clients send subscribe/unsubscribe commands and receive one
// message per reading.
func (h *FeedHub) WebSocketHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		writer := &wsWriter{conn: conn}

		done := make(chan struct{})
		connSubs := make(map[string]*FeedSubscription)
		var connMu sync.Mutex

		go func() {
			defer close(done)
			for {
				_, msg, err := conn.ReadMessage()
				if err != nil {
					return
				}

				var cmd feedMessage
				if err := json.Unmarshal(msg, &cmd); err != nil {
					_ = writer.write(0, feedMessage{Type: "error", Error: "invalid message format"})
					continue
				}

				switch cmd.Type {
				case "subscribe":
					sub := h.Subscribe(cmd.SensorID)
					connMu.Lock()
					connSubs[sub.ID] = sub
					connMu.Unlock()

					_ = writer.write(0, feedMessage{Type: "subscribed", SubID: sub.ID})
					go h.forward(writer, sub, done)

				case "unsubscribe":
					connMu.Lock()
					if sub, ok := connSubs[cmd.SubID]; ok {
						delete(connSubs, cmd.SubID)
						h.Unsubscribe(sub.ID)
					}
					connMu.Unlock()

					_ = writer.write(0, feedMessage{Type: "unsubscribed", SubID: cmd.SubID})

				default:
					_ = writer.write(0, feedMessage{Type: "error", Error: "unknown command: " + cmd.Type})
				}
			}
		}()

		<-done

		connMu.Lock()
		for _, sub := range connSubs {
			h.Unsubscribe(sub.ID)
		}
		connMu.Unlock()
	}
}

func (h *FeedHub) forward(writer *wsWriter, sub *FeedSubscription, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-sub.done:
			return
		case r, ok := <-sub.ch:
			if !ok {
				return
			}
			msg := feedMessage{Type: "reading", SubID: sub.ID, Reading: &r}
			if err := writer.write(h.config.WriteTimeout, msg); err != nil {
				return
			}
		}
	}
}
