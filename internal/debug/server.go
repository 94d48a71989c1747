// Package debug serves a read-only localhost HTTP surface for inspecting
// a running daemon. It is disabled unless debug.port is configured.
package debug

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/roostlabs/roostd/internal/common/logger"
)

// StatusProvider reports the daemon's live state for /status.
type StatusProvider interface {
	DebugStatus() map[string]interface{}
}

// Server is the debug HTTP server.
type Server struct {
	port     int
	provider StatusProvider
	logger   *logger.Logger

	srv *http.Server
	ln  net.Listener
}

// NewServer creates a Server on the given port. Port 0 is valid and binds
// an ephemeral port (used by tests).
func NewServer(port int, provider StatusProvider, log *logger.Logger) *Server {
	return &Server{
		port:     port,
		provider: provider,
		logger:   log.WithFields(zap.String("component", "debug")),
	}
}

// Start binds the listener and begins serving.
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	s.registerRoutes(router)

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.port))
	if err != nil {
		return fmt.Errorf("debug listen: %w", err)
	}
	s.ln = ln
	s.srv = &http.Server{Handler: router}

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("debug server stopped", zap.Error(err))
		}
	}()
	s.logger.Info("debug server listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) registerRoutes(router *gin.Engine) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	})
	router.GET("/status", func(c *gin.Context) {
		if s.provider == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "status provider not configured"})
			return
		}
		c.JSON(http.StatusOK, s.provider.DebugStatus())
	})
}
