// Package httpapi exposes the control plane: pairing, logout, reconnect,
// and session inventory over HTTP.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/m3rciful/wagate/core/buildinfo"
	"github.com/m3rciful/wagate/core/cache"
	coreconfig "github.com/m3rciful/wagate/core/config"
	"github.com/m3rciful/wagate/core/logger"
	"github.com/m3rciful/wagate/core/session"
	"log/slog"
)

// pairCachePrefix keys issued pairing codes so repeated /pair calls within
// the cache TTL return the same code instead of restarting the handshake.
const pairCachePrefix = "pair:"

// reconnectSettle gives the protocol server a moment between teardown and
// the fresh dial.
const reconnectSettle = time.Second

// Gateway is the slice of the orchestrator the control plane needs.
type Gateway interface {
	PairingCode(ctx context.Context, phone string) (string, error)
	Logout(ctx context.Context, sid string)
	Connect(ctx context.Context, sid string) error
}

// Server wires the gin engine and its dependencies.
type Server struct {
	gw      Gateway
	manager *session.Manager
	repo    session.Repo
	cache   *cache.Cache

	engine *gin.Engine
	srv    *http.Server
	start  time.Time
}

// New builds the HTTP server. Run starts it; Shutdown stops it.
func New(gw Gateway, m *session.Manager, repo session.Repo, c *cache.Cache, cfg coreconfig.ServerConfig) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		gw:      gw,
		manager: m,
		repo:    repo,
		cache:   c,
		engine:  gin.New(),
		start:   time.Now(),
	}
	s.engine.Use(requestMiddleware(), recoveryMiddleware())
	s.routes()

	s.srv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Listen, cfg.Port),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.engine.GET("/pair", s.handlePair)
	s.engine.GET("/logout", s.handleLogout)
	s.engine.GET("/reconnect", s.handleReconnect)
	s.engine.GET("/sessions", s.handleSessions)
	s.engine.GET("/health", s.handleHealth)
}

// Run blocks serving requests until Shutdown or a listener error.
func (s *Server) Run() error {
	logger.Info(logger.Background(), "http", "http.listen",
		slog.String("status", "ok"),
		slog.String("host", s.srv.Addr),
	)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler exposes the engine for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func requireNumber(c *gin.Context) (string, bool) {
	number := c.Query("number")
	if number == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": "Phone number is required (e.g., ?number=1234567890)",
		})
		return "", false
	}
	return session.NormalizeNumber(number), true
}

func (s *Server) handlePair(c *gin.Context) {
	sid, ok := requireNumber(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	if s.manager.IsConnected(sid) {
		c.JSON(http.StatusRequestTimeout, gin.H{
			"success": false,
			"message": "This number is already connected",
		})
		return
	}

	if code, ok := s.cache.Get(ctx, pairCachePrefix+sid); ok {
		c.JSON(http.StatusOK, gin.H{
			"success":     true,
			"sessionId":   sid,
			"pairingCode": code,
			"message":     "Enter this code in the app under linked devices",
		})
		return
	}

	code, err := s.gw.PairingCode(ctx, sid)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, session.ErrAlreadyConnected) {
			status = http.StatusRequestTimeout
		}
		c.JSON(status, gin.H{
			"success": false,
			"message": err.Error(),
		})
		return
	}
	s.cache.Set(ctx, pairCachePrefix+sid, code)

	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"sessionId":   sid,
		"pairingCode": code,
		"message":     "Enter this code in the app under linked devices",
	})
}

func (s *Server) handleLogout(c *gin.Context) {
	sid, ok := requireNumber(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	known := s.manager.IsConnected(sid) || s.manager.IsConnecting(sid)
	if !known && s.repo != nil {
		raw, err := s.repo.Get(ctx, sid)
		known = err == nil && raw != nil
	}
	if !known {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"message": "Session not found",
		})
		return
	}

	s.gw.Logout(ctx, sid)
	s.cache.Del(ctx, pairCachePrefix+sid)

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": fmt.Sprintf("Session %s logged out successfully", sid),
	})
}

func (s *Server) handleReconnect(c *gin.Context) {
	sid, ok := requireNumber(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	s.gw.Logout(ctx, sid)

	select {
	case <-time.After(reconnectSettle):
	case <-ctx.Done():
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"message": "request cancelled",
		})
		return
	}

	if err := s.gw.Connect(ctx, sid); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": fmt.Sprintf("Session %s reconnected successfully", sid),
	})
}

func (s *Server) handleSessions(c *gin.Context) {
	all := s.manager.All()
	sessions := make(map[string]gin.H, len(all))
	for _, e := range all {
		sessions[e.SID] = gin.H{
			"connected": true,
			"jid":       e.Conn.UserID(),
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"total":    len(sessions),
		"sessions": sessions,
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"version":  buildinfo.Version,
		"uptime_s": int64(time.Since(s.start).Seconds()),
		"sessions": s.manager.Count(),
	})
}
