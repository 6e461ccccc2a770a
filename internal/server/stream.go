package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/limiquantix/consolidation/internal/drs"
)

var _ drs.PlanPublisher = (*StreamHub)(nil)

const defaultReportBuffer = 100

// StreamHub keeps the most recent cycle reports and pushes new ones to
// websocket clients.
type StreamHub struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader

	buffer    []*drs.CycleReport
	bufferMu  sync.RWMutex
	maxBuffer int

	clients   map[*websocket.Conn]*sync.Mutex
	clientsMu sync.RWMutex
}

// NewStreamHub creates a hub that keeps up to maxBuffer reports.
func NewStreamHub(maxBuffer int, logger *zap.Logger) *StreamHub {
	if maxBuffer <= 0 {
		maxBuffer = defaultReportBuffer
	}
	return &StreamHub{
		logger: logger.Named("stream"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // CORS is enforced by the middleware
			},
		},
		buffer:    make([]*drs.CycleReport, 0, maxBuffer),
		maxBuffer: maxBuffer,
		clients:   make(map[*websocket.Conn]*sync.Mutex),
	}
}

// RegisterRoutes registers the stream routes.
func (h *StreamHub) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/cycles/recent", h.handleRecent)
	mux.HandleFunc("/api/v1/cycles/stream", h.handleStream)
}

// Publish implements drs.PlanPublisher.
func (h *StreamHub) Publish(ctx context.Context, report *drs.CycleReport) error {
	h.bufferMu.Lock()
	h.buffer = append(h.buffer, report)
	if len(h.buffer) > h.maxBuffer {
		h.buffer = h.buffer[len(h.buffer)-h.maxBuffer:]
	}
	h.bufferMu.Unlock()

	data, err := json.Marshal(report)
	if err != nil {
		return err
	}
	h.broadcast(data)
	return nil
}

// Recent returns up to limit of the newest reports, oldest first.
func (h *StreamHub) Recent(limit int) []*drs.CycleReport {
	h.bufferMu.RLock()
	defer h.bufferMu.RUnlock()

	start := 0
	if limit > 0 && len(h.buffer) > limit {
		start = len(h.buffer) - limit
	}
	return append([]*drs.CycleReport{}, h.buffer[start:]...)
}

// Clients returns the number of connected stream clients.
func (h *StreamHub) Clients() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *StreamHub) Close() {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
}

// handleRecent handles GET /api/v1/cycles/recent?limit=
func (h *StreamHub) handleRecent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := 20
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= h.maxBuffer {
			limit = l
		}
	}

	reports := h.Recent(limit)
	writeJSON(w, http.StatusOK, map[string]any{"cycles": reports, "total": len(reports)}, h.logger)
}

// handleStream upgrades to a websocket and keeps it registered until the
// client goes away.
func (h *StreamHub) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket", zap.Error(err))
		return
	}
	defer conn.Close()

	h.clientsMu.Lock()
	h.clients[conn] = &sync.Mutex{}
	h.clientsMu.Unlock()
	h.logger.Info("Cycle stream client connected", zap.String("remote_addr", r.RemoteAddr))

	defer func() {
		h.clientsMu.Lock()
		delete(h.clients, conn)
		h.clientsMu.Unlock()
		h.logger.Info("Cycle stream client disconnected")
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

// broadcast sends data to all connected clients. Writes to one connection
// are serialized by its mutex.
func (h *StreamHub) broadcast(data []byte) {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()

	for conn, mu := range h.clients {
		mu.Lock()
		err := conn.WriteMessage(websocket.TextMessage, data)
		mu.Unlock()
		if err != nil {
			h.logger.Debug("Failed to send report to client", zap.Error(err))
		}
	}
}
