// Package server exposes the websocket gateway: one session per client
// connection plus a minimal HTTP surface for health and metrics.
package server

import (
	"net"
	"net/http"
	"sync"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nvr-ai/go-segment/config"
	"github.com/nvr-ai/go-segment/metrics"
	"github.com/nvr-ai/go-segment/models"
)

// Server accepts websocket clients at /ws and answers /health and
// /metrics. The model pool is the only state shared between sessions.
type Server struct {
	cfg      *config.Config
	pool     *models.Pool
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*Session

	router *gin.Engine
	http   *http.Server
}

// New builds the server and its routes.
func New(cfg *config.Config, pool *models.Pool, logger *zap.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		pool:   pool,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1 << 20,
			WriteBufferSize: 1 << 20,
			// Cross-origin requests are unrestricted.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sessions: make(map[string]*Session),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:    []string{"*"},
	}))

	router.GET("/ws", s.handleWS)
	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router = router
	return s
}

// Router returns the HTTP handler, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// ActiveSessions returns the number of open sessions.
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Serve accepts connections on l until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	s.http = &http.Server{Handler: s.router}
	err := s.http.Serve(l)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting new connections and closes open sessions.
func (s *Server) Shutdown() {
	if s.http != nil {
		_ = s.http.Close()
	}
	s.mu.Lock()
	open := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		open = append(open, sess)
	}
	s.mu.Unlock()
	for _, sess := range open {
		sess.conn.Close()
	}
}

func (s *Server) handleWS(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	id := uuid.NewString()
	sess := newSession(id, ws, s.cfg, s.pool, s.logger)

	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()
	metrics.ActiveSessions.Inc()
	s.logger.Info("client connected",
		zap.String("session_id", id),
		zap.String("remote_addr", c.Request.RemoteAddr),
		zap.Int("active_sessions", s.ActiveSessions()),
	)

	sess.serve()

	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	metrics.ActiveSessions.Dec()
	s.logger.Info("client disconnected",
		zap.String("session_id", id),
		zap.Int("active_sessions", s.ActiveSessions()),
	)
}

func (s *Server) handleHealth(c *gin.Context) {
	modes := make([]string, 0, len(models.Modes()))
	for _, m := range models.Modes() {
		modes = append(modes, string(m))
	}
	c.JSON(http.StatusOK, gin.H{
		"status":          "healthy",
		"active_sessions": s.ActiveSessions(),
		"available_modes": modes,
	})
}
