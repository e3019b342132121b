package chat

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/petervdpas/goopcall/internal/call"
)

// MessageType represents the type of chat message
type MessageType string

const (
	MessageTypeDirect MessageType = "direct" // 1-to-1 text message
	MessageTypeCall   MessageType = "call"   // call summary
)

// CallInfo is the structured part of a call summary message.
type CallInfo struct {
	CallID         string         `json:"callId,omitempty"`
	ConversationID string         `json:"conversationId,omitempty"`
	CallType       call.Type      `json:"callType"`
	Status         call.EndReason `json:"status"`
	Duration       int            `json:"duration"`
}

// Message represents a chat message between peers
type Message struct {
	ID        string      `json:"id"`             // unique message ID
	From      string      `json:"from"`           // sender user ID
	To        string      `json:"to"`             // recipient user ID
	Type      MessageType `json:"type"`           // message type
	Content   string      `json:"content"`        // rendered text
	Timestamp int64       `json:"timestamp"`      // unix timestamp in milliseconds
	Call      *CallInfo   `json:"call,omitempty"` // set for call summaries
}

// NewCallMessage renders a call summary as seen by self. The caller is
// always the sender.
func NewCallMessage(self string, sum call.Summary) *Message {
	from, to := self, sum.PeerID
	if sum.Direction == call.Incoming {
		from, to = sum.PeerID, self
	}
	return &Message{
		ID:        generateID(),
		From:      from,
		To:        to,
		Type:      MessageTypeCall,
		Content:   describe(sum),
		Timestamp: sum.EndedAt.UnixMilli(),
		Call: &CallInfo{
			CallID:         sum.CallID,
			ConversationID: sum.ConversationID,
			CallType:       sum.CallType,
			Status:         sum.Status,
			Duration:       sum.Duration,
		},
	}
}

func describe(sum call.Summary) string {
	kind := "Voice call"
	lower := "voice call"
	if sum.CallType == call.TypeVideo {
		kind, lower = "Video call", "video call"
	}
	switch sum.Status {
	case call.EndCompleted:
		return fmt.Sprintf("%s (%s)", kind, FormatDuration(sum.Duration))
	case call.EndMissed:
		if sum.Direction == call.Incoming {
			return "Missed " + lower
		}
		return kind + ", no answer"
	case call.EndRejected:
		return "Declined " + lower
	case call.EndCancelled:
		return "Cancelled " + lower
	default:
		return kind + " failed"
	}
}

// FormatDuration renders seconds as m:ss, or h:mm:ss from one hour up.
func FormatDuration(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	h, m, s := seconds/3600, seconds/60%60, seconds%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

func generateID() string {
	return uuid.NewString()
}
