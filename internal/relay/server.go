package relay

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/petervdpas/goopcall/internal/httplog"
	"github.com/petervdpas/goopcall/internal/signaling"
	"github.com/sirupsen/logrus"
)

const (
	authorizationHeader = "Authorization"
	bearerPrefix        = "Bearer "
	identityKey         = "identity"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Clients are native peers and browsers on other origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server exposes the hub over HTTP.
type Server struct {
	hub    *Hub
	tokens *Tokens
	engine *gin.Engine
	log    *logrus.Entry
}

func NewServer(hub *Hub, tokens *Tokens) *Server {
	s := &Server{
		hub:    hub,
		tokens: tokens,
		engine: gin.New(),
		log:    logrus.WithField("component", "relay"),
	}
	s.engine.Use(gin.Recovery(), httplog.Middleware(s.log))

	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "online": hub.OnlineCount()})
	})

	authed := s.engine.Group("/", s.requireUser())
	authed.GET("/ws", s.serveWS)
	authed.GET("/api/calls/:id", s.getCall)
	authed.GET("/api/users/:id/online", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"userId": c.Param("id"), "online": hub.Online(c.Param("id"))})
	})
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.WithField("addr", addr).Info("Relay listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	s.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// requireUser verifies the bearer token, or the token query parameter for
// browser websockets that cannot set headers.
func (s *Server) requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		tok := ""
		if raw := strings.TrimSpace(c.GetHeader(authorizationHeader)); strings.HasPrefix(raw, bearerPrefix) {
			tok = strings.TrimPrefix(raw, bearerPrefix)
		} else {
			tok = c.Query("token")
		}
		if tok == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		id, err := s.tokens.Verify(tok, time.Now())
		if err != nil {
			httplog.FromGin(c).WithError(err).Debug("Token rejected")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

func identityFrom(c *gin.Context) Identity {
	id, _ := c.MustGet(identityKey).(Identity)
	return id
}

func (s *Server) serveWS(c *gin.Context) {
	id := identityFrom(c)
	ws, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		httplog.FromGin(c).WithError(err).Warn("WebSocket upgrade failed")
		return
	}
	conn := signaling.WrapConn(ws, s.hub.opts.WriteTimeout, 2*s.hub.opts.PingInterval+5*time.Second)
	s.hub.serve(id, conn)
}

func (s *Server) getCall(c *gin.Context) {
	rec, err := s.hub.call(c.Request.Context(), c.Param("id"), identityFrom(c).UserID)
	if errors.Is(err, ErrCallNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "call not found"})
		return
	}
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rec)
}
