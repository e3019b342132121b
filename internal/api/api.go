// Package api is the local HTTP control surface of a peer: call control,
// an SSE feed of session updates and the call history.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/chat"
	"github.com/petervdpas/goopcall/internal/httplog"
	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/storage"
	"github.com/sirupsen/logrus"
)

// Calls is the call manager surface used by the API. *call.Manager
// implements it.
type Calls interface {
	Initiate(ctx context.Context, req call.InitiateRequest) (call.Snapshot, error)
	Accept(ctx context.Context) error
	Reject(ctx context.Context) error
	End(ctx context.Context) error
	SetTrackEnabled(ctx context.Context, kind media.Kind, enabled bool) error
	SwitchCamera(ctx context.Context, facing media.Facing) (media.Facing, error)
	Current(ctx context.Context) (call.Snapshot, bool)
	Last(ctx context.Context) (call.Snapshot, bool)
	Subscribe() (<-chan call.Update, func())
}

// History is the persisted call log. *storage.DB implements it.
type History interface {
	ListCalls(limit, offset int) ([]storage.CallRecord, error)
	CallStats() (storage.CallStats, error)
	DeleteCall(id string) error
}

// Chat is the call summary feed. *chat.Manager implements it.
type Chat interface {
	GetMessages() []*chat.Message
	GetConversation(peerID string) []*chat.Message
	Subscribe() <-chan *chat.Message
	Unsubscribe(ch <-chan *chat.Message)
}

// Deps are the collaborators served by the API. History and Chat may be nil.
type Deps struct {
	Calls     Calls
	History   History
	Chat      Chat
	Heartbeat time.Duration
}

// Server is the control API.
type Server struct {
	deps   Deps
	engine *gin.Engine
	log    *logrus.Entry
}

func New(deps Deps) *Server {
	if deps.Heartbeat <= 0 {
		deps.Heartbeat = 15 * time.Second
	}
	s := &Server{
		deps:   deps,
		engine: gin.New(),
		log:    logrus.WithField("component", "api"),
	}
	s.engine.Use(gin.Recovery(), httplog.Middleware(s.log))
	s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.WithField("addr", addr).Info("Control API listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) routes() {
	r := s.engine
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	cg := r.Group("/api/call")
	cg.POST("/initiate", s.initiate)
	cg.POST("/accept", s.simple("accepted", s.deps.Calls.Accept))
	cg.POST("/reject", s.simple("rejected", s.deps.Calls.Reject))
	cg.POST("/end", s.simple("ended", s.deps.Calls.End))
	cg.POST("/audio", s.toggle(media.KindAudio))
	cg.POST("/video", s.toggle(media.KindVideo))
	cg.POST("/camera", s.camera)
	cg.GET("/current", s.current)
	cg.GET("/last", s.last)
	cg.GET("/events", s.events)

	if s.deps.History != nil {
		r.GET("/api/calls", s.listCalls)
		r.GET("/api/calls/stats", s.callStats)
		r.DELETE("/api/calls/:id", s.deleteCall)
	}
	if s.deps.Chat != nil {
		r.GET("/api/chat/messages", s.messages)
	}
}
