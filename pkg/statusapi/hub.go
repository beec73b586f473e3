package statusapi

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// writeTimeout bounds one broadcast send to a single client.
const writeTimeout = 5 * time.Second

// connection is one subscribed websocket client.
type connection struct {
	id     string
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
}

// hub fans out engine-status broadcasts to every connected websocket
// client. One hub per engine instance, mirroring the teacher's
// ConnectionManager but without channel subscriptions — every connected
// client receives every broadcast status.
type hub struct {
	mu    sync.RWMutex
	conns map[string]*connection
	log   *slog.Logger
}

func newHub() *hub {
	return &hub{conns: make(map[string]*connection), log: slog.With("component", "statusapi.hub")}
}

// handle registers conn, blocks until it closes, then unregisters it.
func (h *hub) handle(parentCtx context.Context, c *websocket.Conn) {
	ctx, cancel := context.WithCancel(parentCtx)
	conn := &connection{id: uuid.New().String(), conn: c, ctx: ctx, cancel: cancel}

	h.mu.Lock()
	h.conns[conn.id] = conn
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.conns, conn.id)
		h.mu.Unlock()
		conn.cancel()
	}()

	for {
		if _, _, err := c.Read(ctx); err != nil {
			return
		}
	}
}

// broadcast sends payload to every connected client, logging (not
// failing) per-connection send errors — one slow or dead client must
// never block status fan-out to the rest.
func (h *hub) broadcast(payload []byte) {
	h.mu.RLock()
	conns := make([]*connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		writeCtx, cancel := context.WithTimeout(c.ctx, writeTimeout)
		err := c.conn.Write(writeCtx, websocket.MessageText, payload)
		cancel()
		if err != nil {
			h.log.Warn("status broadcast send failed", "connection_id", c.id, "error", err)
		}
	}
}

func (h *hub) activeConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
