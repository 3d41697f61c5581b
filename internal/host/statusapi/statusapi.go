// Package statusapi exposes a local, read-only HTTP status surface
// (GET /status) for an in-progress flash session, replacing the teacher's gRPC hasher-server
// (internal/driver/device/server.go) — see DESIGN.md for why the gRPC
// path itself was dropped rather than adapted.
package statusapi

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/jinglewu/fwupd/internal/update"
)

// Server serves the current phase/progress of one active flash session.
type Server struct {
	mu     sync.RWMutex
	status Status
	engine *gin.Engine
}

// Status is the JSON status payload.
type Status struct {
	Device string `json:"device"`
	Phase  string `json:"phase"`
	Done   int    `json:"done"`
	Total  int    `json:"total"`
	Error  string `json:"error,omitempty"`
}

// New builds a status server bound to a device name.
func New(device string) *Server {
	s := &Server{status: Status{Device: device, Phase: update.Ready.String()}}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/status", s.handleStatus)
	s.engine = r
	return s
}

// Observer adapts session progress events into the server's status state.
func (s *Server) Observer() update.Observer {
	return func(ev update.ProgressEvent) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.status.Phase = ev.Phase.String()
		if ev.Total > 0 {
			s.status.Done = ev.Done
			s.status.Total = ev.Total
		}
	}
}

// SetError records a terminal error for reporting to /status callers.
func (s *Server) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.status.Error = err.Error()
		s.status.Phase = update.Failed.String()
	}
}

func (s *Server) handleStatus(c *gin.Context) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c.JSON(http.StatusOK, s.status)
}

// ListenAndServe runs the status API on addr; callers typically run this
// in a goroutine alongside the flash session.
func (s *Server) ListenAndServe(addr string) error {
	return s.engine.Run(addr)
}
