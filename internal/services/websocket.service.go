package services

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"zfsdash/internal/models"

	"github.com/gorilla/websocket"
)

// LiveMessage is pushed to dashboard clients over /api/ws/live
type LiveMessage struct {
	Type      string            `json:"type"` // "history", "iostat", "pong", "error"
	Timestamp time.Time         `json:"timestamp"`
	Pool      string            `json:"pool,omitempty"`
	Status    models.FeedStatus `json:"status"`
	Label     string            `json:"label,omitempty"`
	Error     string            `json:"error,omitempty"`
	Data      []models.Sample   `json:"data,omitempty"`
}

// ClientConnection is one dashboard websocket watching a single pool
type ClientConnection struct {
	ID     string
	Pool   string
	Window int
	Conn   *websocket.Conn
	Send   chan LiveMessage

	lastSamples uint64
	lastStatus  models.FeedStatus
	lastError   string
}

// LiveHub fans store changes out to connected dashboard clients. Each
// client holds a Store reference on its pool for as long as it is
// registered.
type LiveHub struct {
	store      *Store
	clients    map[string]*ClientConnection
	register   chan *ClientConnection
	unregister chan string
	wake       chan struct{}
	done       chan struct{}
	finished   chan struct{}
	started    atomic.Bool
	stopOnce   sync.Once
	mu         sync.RWMutex
}

// NewLiveHub creates a hub reading from store. Call Start to run it.
func NewLiveHub(store *Store) *LiveHub {
	return &LiveHub{
		store:      store,
		clients:    make(map[string]*ClientConnection),
		register:   make(chan *ClientConnection),
		unregister: make(chan string),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		finished:   make(chan struct{}),
	}
}

// Start subscribes to the store and runs the hub's event loop
func (h *LiveHub) Start() {
	if !h.started.CompareAndSwap(false, true) {
		return
	}
	unsubscribe := h.store.Subscribe(func() {
		select {
		case h.wake <- struct{}{}:
		default:
			// a push is already pending
		}
	})
	go h.run(unsubscribe)
}

func (h *LiveHub) run(unsubscribe func()) {
	defer close(h.finished)
	defer unsubscribe()

	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for id, client := range h.clients {
				delete(h.clients, id)
				close(client.Send)
				h.store.Release(client.Pool)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			total := len(h.clients)
			h.mu.Unlock()
			h.store.Connect(client.Pool)
			h.sendHistory(client)
			log.Printf("[WS] Client connected: %s pool=%s (total: %d)", client.ID, client.Pool, total)

		case clientID := <-h.unregister:
			h.mu.Lock()
			client, exists := h.clients[clientID]
			if exists {
				delete(h.clients, clientID)
				close(client.Send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			if exists {
				h.store.Release(client.Pool)
				log.Printf("[WS] Client disconnected: %s (total: %d)", clientID, total)
			}

		case <-h.wake:
			h.mu.RLock()
			for _, client := range h.clients {
				h.pushUpdate(client)
			}
			h.mu.RUnlock()
		}
	}
}

func (h *LiveHub) sendHistory(client *ClientConnection) {
	info, data := h.store.History(client.Pool, client.Window)
	client.lastSamples = info.SamplesReceived
	client.lastStatus = info.Status
	client.lastError = info.LastError

	h.trySend(client, LiveMessage{
		Type:      "history",
		Timestamp: time.Now(),
		Pool:      client.Pool,
		Status:    info.Status,
		Label:     info.Label,
		Error:     info.LastError,
		Data:      data,
	})
}

// pushUpdate sends the samples a client has not seen yet plus the current
// status; nothing is sent when neither changed.
func (h *LiveHub) pushUpdate(client *ClientConnection) {
	info, data := h.store.Since(client.Pool, client.lastSamples)
	if len(data) == 0 && info.Status == client.lastStatus && info.LastError == client.lastError {
		return
	}

	msg := LiveMessage{
		Type:      "iostat",
		Timestamp: time.Now(),
		Pool:      client.Pool,
		Status:    info.Status,
		Label:     info.Label,
		Error:     info.LastError,
		Data:      data,
	}
	if h.trySend(client, msg) {
		client.lastSamples = info.SamplesReceived
		client.lastStatus = info.Status
		client.lastError = info.LastError
	}
}

func (h *LiveHub) trySend(client *ClientConnection, msg LiveMessage) bool {
	select {
	case client.Send <- msg:
		return true
	default:
		// Client's send channel is full; it catches up on the next push
		return false
	}
}

// Register adds a client and takes a store reference on its pool
func (h *LiveHub) Register(client *ClientConnection) {
	select {
	case h.register <- client:
	case <-h.done:
	}
}

// Unregister removes a client and releases its pool
func (h *LiveHub) Unregister(clientID string) {
	select {
	case h.unregister <- clientID:
	case <-h.done:
	}
}

// ClientCount returns the number of connected dashboard clients
func (h *LiveHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stop disconnects every client, releases their pools and waits for the
// event loop to exit
func (h *LiveHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
	if h.started.Load() {
		<-h.finished
	}
}
