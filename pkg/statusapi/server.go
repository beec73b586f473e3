// Package statusapi serves the engine's local debug surface: a health
// check, a point-in-time status snapshot, and a websocket that fans out
// every EngineStatus update as it happens. Grounded on the teacher's
// cmd/tarsy/main.go (gin router wiring) and pkg/events.ConnectionManager
// (the broadcast-to-many-websockets shape), narrowed to a single
// broadcast-only channel since the engine has no per-client
// subscriptions to manage.
package statusapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
)

// Snapshot is the point-in-time status this surface reports.
type Snapshot struct {
	ExperimentID string `json:"experiment_id"`
	SimulationID uint64 `json:"simulation_id"`
	Step         uint64 `json:"step"`
	State        string `json:"state"`
	WorkerCount  int    `json:"worker_count"`
}

// Provider supplies the current snapshot on demand.
type Provider interface {
	Snapshot() Snapshot
}

// Server is the engine's local HTTP/WS status surface.
type Server struct {
	router   *gin.Engine
	hub      *hub
	provider Provider
	http     *http.Server
}

// New builds a Server backed by provider, listening at addr when Serve
// is called.
func New(addr string, provider Provider) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{router: router, hub: newHub(), provider: provider}
	router.GET("/healthz", s.handleHealthz)
	router.GET("/status", s.handleStatus)
	router.GET("/ws", s.handleWS)

	s.http = &http.Server{Addr: addr, Handler: router}
	return s
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.provider.Snapshot())
}

func (s *Server) handleWS(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()
	s.hub.handle(c.Request.Context(), conn)
}

// BroadcastStatus pushes snapshot to every connected websocket client.
func (s *Server) BroadcastStatus(snapshot Snapshot) {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return
	}
	s.hub.broadcast(payload)
}

// ActiveConnections reports the current websocket client count.
func (s *Server) ActiveConnections() int {
	return s.hub.activeConnections()
}

// Serve blocks, serving HTTP until the listener fails or Shutdown is
// called.
func (s *Server) Serve() error {
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
