package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"aquatrack/internal/session"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsPingInterval = 30 * time.Second
)

// StatusFeed pushes the observable session fields to connected UI clients
// whenever the session manager reports a change.
type StatusFeed struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu      sync.Mutex
	clients map[*feedClient]struct{}
	last    []byte
}

type feedClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewStatusFeed builds an empty feed.
func NewStatusFeed(logger *zap.Logger) *StatusFeed {
	return &StatusFeed{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger:  logger,
		clients: make(map[*feedClient]struct{}),
	}
}

// Broadcast queues a snapshot for every connected client. Slow clients have
// the frame dropped; a fresh one follows on the next change.
func (f *StatusFeed) Broadcast(snap session.Snapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		f.logger.Error("encode status snapshot failed", zap.Error(err))
		return
	}

	f.mu.Lock()
	f.last = data
	for client := range f.clients {
		select {
		case client.send <- data:
		default:
		}
	}
	f.mu.Unlock()
}

// Handle upgrades the request and serves the feed until the client leaves.
func (f *StatusFeed) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &feedClient{conn: conn, send: make(chan []byte, 8)}

	f.mu.Lock()
	f.clients[client] = struct{}{}
	if f.last != nil {
		client.send <- f.last
	}
	f.mu.Unlock()

	go f.writePump(client)
	f.readPump(client)
}

func (f *StatusFeed) readPump(client *feedClient) {
	defer f.drop(client)
	client.conn.SetReadLimit(512)
	_ = client.conn.SetReadDeadline(time.Now().Add(2 * wsPingInterval))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(2 * wsPingInterval))
	})

	for {
		// The feed is one-way; reads only surface close frames.
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (f *StatusFeed) writePump(client *feedClient) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-client.send:
			if !ok {
				_ = client.write(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.write(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := client.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *feedClient) write(messageType int, data []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteMessage(messageType, data)
}

func (f *StatusFeed) drop(client *feedClient) {
	f.mu.Lock()
	if _, ok := f.clients[client]; ok {
		delete(f.clients, client)
		close(client.send)
	}
	f.mu.Unlock()
	_ = client.conn.Close()
}
