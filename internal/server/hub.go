package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/Tyrowin/chatgate/internal/registry"
)

// broadcastRequest is one encoded event queued on the hub. Recipients are the
// registered handles at the moment Broadcast was called.
type broadcastRequest struct {
	event      string
	frame      []byte
	recipients []registry.Handle
}

// Hub owns the open connections and is the single ordering point for
// broadcasts: every event is fanned out by the Run loop in the order it was
// queued, so all recipients observe the same sequence.
type Hub struct {
	clients    map[registry.Handle]*Client
	broadcast  chan broadcastRequest
	register   chan *Client
	unregister chan *Client
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}

	registry *registry.Registry
	log      *slog.Logger
	metrics  *Metrics
}

// NewHub creates a Hub delivering to the sessions registered in reg.
func NewHub(reg *registry.Registry, log *slog.Logger, metrics *Metrics) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[registry.Handle]*Client),
		broadcast:  make(chan broadcastRequest, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		registry:   reg,
		log:        log,
		metrics:    metrics,
	}
}

// Register hands a client to the hub, which starts its pumps. It returns
// false when the hub is shutting down.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// Unregister removes a client and closes its send buffer. Unknown clients are
// ignored.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.ctx.Done():
	}
}

// Broadcast queues event for every registered connection except exclude. It
// implements Broadcaster.
func (h *Hub) Broadcast(event string, payload any, exclude registry.Handle) {
	frame, err := encodeEnvelope(event, payload)
	if err != nil {
		h.log.Error("Failed to encode broadcast", "event", event, "error", err)
		return
	}

	select {
	case h.broadcast <- h.newBroadcastRequest(event, frame, exclude):
	case <-h.ctx.Done():
	}
}

// newBroadcastRequest snapshots the registry so that sessions registering
// after this call never see the event.
func (h *Hub) newBroadcastRequest(event string, frame []byte, exclude registry.Handle) broadcastRequest {
	handles := lo.FilterMap(h.registry.SnapshotAll(), func(rec registry.SessionRecord, _ int) (registry.Handle, bool) {
		return rec.Handle, exclude == "" || rec.Handle != exclude
	})
	return broadcastRequest{event: event, frame: frame, recipients: handles}
}

// ClientCount returns the number of open connections.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

func (h *Hub) stopping() bool {
	return h.ctx.Err() != nil
}

// Run starts the hub's main event loop, handling client registration, unregistration,
// and message broadcasting. This method should be called in a separate goroutine
// and returns once Shutdown is called.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			h.addClient(client)

		case client := <-h.unregister:
			h.removeClient(client)

		case req := <-h.broadcast:
			h.handleBroadcast(req)
		}
	}
}

func (h *Hub) addClient(client *Client) {
	if client == nil {
		h.log.Warn("Received nil client registration; skipping")
		return
	}

	h.mutex.Lock()
	h.clients[client.handle] = client
	clientCount := len(h.clients)
	h.mutex.Unlock()

	h.metrics.ConnectionOpened()
	h.log.Info("Client connected", "addr", client.addr, "clients", clientCount)

	if client.conn == nil {
		return
	}
	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump()
	}()
}

func (h *Hub) removeClient(client *Client) {
	h.mutex.Lock()
	current, ok := h.clients[client.handle]
	if ok && current == client {
		delete(h.clients, client.handle)
	}
	clientCount := len(h.clients)
	h.mutex.Unlock()

	if !ok || current != client {
		return
	}
	client.closeSend()
	h.metrics.ConnectionClosed()
	h.log.Info("Client unregistered", "addr", client.addr, "clients", clientCount)
}

// handleBroadcast delivers one event to the request's recipients that are
// still connected and drops those whose buffer is full.
func (h *Hub) handleBroadcast(req broadcastRequest) {
	recipients := h.openClients(req.recipients)

	h.log.Debug("Broadcasting event", "event", req.event, "recipients", len(recipients))
	h.metrics.RecordFanout(len(recipients))

	var clientsToRemove []*Client
	for _, client := range recipients {
		if !client.enqueue(req.frame) {
			clientsToRemove = append(clientsToRemove, client)
			continue
		}
		h.metrics.EventSent(req.event)
	}
	h.removeFailedClients(clientsToRemove)
}

// openClients maps handles onto the clients the hub still holds.
func (h *Hub) openClients(handles []registry.Handle) []*Client {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	return lo.FilterMap(handles, func(handle registry.Handle, _ int) (*Client, bool) {
		client, ok := h.clients[handle]
		return client, ok
	})
}

// removeFailedClients removes clients that failed to receive messages and closes their send buffers
func (h *Hub) removeFailedClients(clientsToRemove []*Client) {
	if len(clientsToRemove) == 0 {
		return
	}

	h.mutex.Lock()
	var removed []*Client
	for _, client := range clientsToRemove {
		if current, exists := h.clients[client.handle]; exists && current == client {
			delete(h.clients, client.handle)
			removed = append(removed, client)
		}
	}
	h.mutex.Unlock()

	for _, client := range removed {
		client.closeSend()
		h.metrics.DeliveryDropped()
		h.metrics.ConnectionClosed()
		h.log.Warn("Client removed due to full send buffer", "addr", client.addr)
	}
}

// shutdownClients gracefully closes all active client connections
func (h *Hub) shutdownClients() {
	h.log.Info("Shutting down all client connections")

	h.mutex.Lock()
	clients := lo.Values(h.clients)
	clear(h.clients)
	h.mutex.Unlock()

	for _, client := range clients {
		client.closeSend()
		h.metrics.ConnectionClosed()
		if client.conn == nil {
			continue
		}
		if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
			h.log.Warn("Error closing client connection", "addr", client.addr, "error", err)
		}
	}

	h.log.Info("Closed client connections", "count", len(clients))
}

// Shutdown initiates graceful shutdown of the hub and waits for all goroutines to complete.
// It returns after all client connections are closed and goroutines have finished,
// or when the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info("Initiating hub shutdown")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info("Hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.log.Warn("Hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
