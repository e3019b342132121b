package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/chat"
	"github.com/petervdpas/goopcall/internal/media"
)

type initiateBody struct {
	RecipientID     string `json:"recipientId" binding:"required"`
	RecipientName   string `json:"recipientName"`
	RecipientAvatar string `json:"recipientAvatar"`
	CallType        string `json:"callType"`
	ConversationID  string `json:"conversationId"`
}

func (s *Server) initiate(c *gin.Context) {
	var body initiateBody
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	typ := call.TypeVoice
	if body.CallType != "" {
		var ok bool
		if typ, ok = call.ParseType(body.CallType); !ok {
			fail(c, call.ErrInvalidCallType)
			return
		}
	}
	snap, err := s.deps.Calls.Initiate(c.Request.Context(), call.InitiateRequest{
		RecipientID:     body.RecipientID,
		RecipientName:   body.RecipientName,
		RecipientAvatar: body.RecipientAvatar,
		CallType:        typ,
		ConversationID:  body.ConversationID,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// simple wraps an operation that takes no input.
func (s *Server) simple(status string, op func(context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := op(c.Request.Context()); err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": status})
	}
}

func (s *Server) toggle(kind media.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			Enabled *bool `json:"enabled" binding:"required"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			fail(c, fmt.Errorf("%w: %v", errBadRequest, err))
			return
		}
		if err := s.deps.Calls.SetTrackEnabled(c.Request.Context(), kind, *body.Enabled); err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"kind": kind, "enabled": *body.Enabled})
	}
}

func (s *Server) camera(c *gin.Context) {
	var body struct {
		Facing string `json:"facing"`
	}
	// An empty body flips the camera.
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			fail(c, fmt.Errorf("%w: %v", errBadRequest, err))
			return
		}
	}
	facing := media.Facing(body.Facing)
	switch facing {
	case "", media.FacingUser, media.FacingEnvironment:
	default:
		fail(c, fmt.Errorf("%w: facing must be user or environment", errBadRequest))
		return
	}
	got, err := s.deps.Calls.SwitchCamera(c.Request.Context(), facing)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"facing": got})
}

func (s *Server) current(c *gin.Context) {
	snap, ok := s.deps.Calls.Current(c.Request.Context())
	if !ok {
		fail(c, call.ErrNoActiveCall)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) last(c *gin.Context) {
	snap, ok := s.deps.Calls.Last(c.Request.Context())
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no call yet"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

// events streams session updates and call summaries as server-sent events.
// Each connection has its own subscriptions, released on disconnect.
func (s *Server) events(c *gin.Context) {
	updates, cancel := s.deps.Calls.Subscribe()
	defer cancel()

	var summaries <-chan *chat.Message
	if s.deps.Chat != nil {
		ch := s.deps.Chat.Subscribe()
		defer s.deps.Chat.Unsubscribe(ch)
		summaries = ch
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	c.SSEvent("connected", gin.H{"status": "ok"})
	if snap, ok := s.deps.Calls.Current(c.Request.Context()); ok {
		c.SSEvent("session", call.Update{Session: snap})
	}
	c.Writer.Flush()

	heartbeat := time.NewTicker(s.deps.Heartbeat)
	defer heartbeat.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			c.SSEvent("session", u)
		case m, ok := <-summaries:
			if !ok {
				summaries = nil
				continue
			}
			c.SSEvent("summary", m)
		case <-heartbeat.C:
			c.SSEvent("ping", gin.H{})
		}
		c.Writer.Flush()
	}
}

func (s *Server) listCalls(c *gin.Context) {
	limit, err := intQuery(c, "limit", 50)
	if err != nil {
		fail(c, err)
		return
	}
	offset, err := intQuery(c, "offset", 0)
	if err != nil {
		fail(c, err)
		return
	}
	recs, err := s.deps.History.ListCalls(limit, offset)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"calls": recs, "limit": limit, "offset": offset})
}

func (s *Server) callStats(c *gin.Context) {
	st, err := s.deps.History.CallStats()
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) deleteCall(c *gin.Context) {
	if err := s.deps.History.DeleteCall(c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) messages(c *gin.Context) {
	if peer := c.Query("peer"); peer != "" {
		c.JSON(http.StatusOK, gin.H{"messages": s.deps.Chat.GetConversation(peer)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": s.deps.Chat.GetMessages()})
}

func intQuery(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 || n > 1000 {
		return 0, fmt.Errorf("%w: %s must be 0..1000", errBadRequest, key)
	}
	return n, nil
}
