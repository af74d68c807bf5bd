package tracker

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/oghenemoses/tablesync/internal/logging"
)

// Broadcaster fans Change Tracker notifications out to live WebSocket
// subscribers (the §4.7 live-watch addition). Sends are non-blocking: a
// subscriber whose outbox is full is dropped rather than allowed to stall
// the tracker.
type Broadcaster struct {
	upgrader websocket.Upgrader
	log      *logging.Logger

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

type subscriber struct {
	conn   *websocket.Conn
	outbox chan []byte
}

// NewBroadcaster constructs a Broadcaster. Origin checks are left to the
// caller's surrounding HTTP handler chain.
func NewBroadcaster(log *logging.Logger) *Broadcaster {
	return &Broadcaster{
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		log:      log,
		subs:     make(map[*subscriber]struct{}),
	}
}

// ServeHTTP upgrades the connection and registers it as a subscriber until
// it disconnects or its outbox overflows.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn("broadcaster", "websocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}
	sub := &subscriber{conn: conn, outbox: make(chan []byte, 32)}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go b.writeLoop(sub)
	go b.readLoop(sub)
}

func (b *Broadcaster) writeLoop(sub *subscriber) {
	defer sub.conn.Close()
	for msg := range sub.outbox {
		if err := sub.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			b.remove(sub)
			return
		}
	}
}

// readLoop drains and discards client frames; it exists only to detect
// disconnects promptly, since this is a push-only feed.
func (b *Broadcaster) readLoop(sub *subscriber) {
	defer b.remove(sub)
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (b *Broadcaster) remove(sub *subscriber) {
	b.mu.Lock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.outbox)
	}
	b.mu.Unlock()
}

func (b *Broadcaster) publish(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		select {
		case sub.outbox <- data:
		default:
			b.log.Warn("broadcaster", "dropping slow subscriber", nil)
			delete(b.subs, sub)
			close(sub.outbox)
		}
	}
}

// OnRecord implements Listener.
func (b *Broadcaster) OnRecord(e RecordEvent) { b.publish(e) }

// OnBatch implements Listener.
func (b *Broadcaster) OnBatch(e BatchEvent) { b.publish(e) }
