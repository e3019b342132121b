package chat

import (
	"sync"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/storage"
	"github.com/petervdpas/goopcall/internal/util"
	"github.com/sirupsen/logrus"
)

// DefaultBufferSize is the default number of messages to keep in memory
const DefaultBufferSize = 100

// History persists call summaries. *storage.DB implements it.
type History interface {
	InsertCall(rec storage.CallRecord) error
}

// Manager collects call summaries as chat messages. It is the call
// manager's Recorder.
type Manager struct {
	mu          sync.RWMutex
	messages    *util.RingBuffer[*Message]
	listeners   []chan *Message
	localPeerID string
	history     History
	closed      bool
	log         *logrus.Entry
}

// New creates a chat manager. history may be nil.
func New(localPeerID string, history History, bufferSize int) *Manager {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Manager{
		messages:    util.NewRingBuffer[*Message](bufferSize),
		localPeerID: localPeerID,
		history:     history,
		log:         logrus.WithField("component", "chat"),
	}
}

// RecordCall stores the summary of an ended call and notifies listeners.
func (m *Manager) RecordCall(sum call.Summary) {
	msg := NewCallMessage(m.localPeerID, sum)

	if m.history != nil {
		rec := storage.CallRecord{
			ID:             msg.ID,
			CallID:         sum.CallID,
			ConversationID: sum.ConversationID,
			PeerID:         sum.PeerID,
			PeerName:       sum.PeerName,
			Direction:      string(sum.Direction),
			CallType:       string(sum.CallType),
			Status:         string(sum.Status),
			Duration:       sum.Duration,
			StartedAt:      sum.StartedAt,
			ConnectedAt:    sum.ConnectedAt,
			EndedAt:        sum.EndedAt,
		}
		if err := m.history.InsertCall(rec); err != nil {
			m.log.WithError(err).WithField("call_id", sum.CallID).Warn("Call summary not persisted")
		}
	}

	m.addMessage(msg)
	m.log.WithFields(logrus.Fields{
		"call_id": sum.CallID,
		"peer":    sum.PeerID,
		"status":  sum.Status,
	}).Info(msg.Content)
}

// GetMessages returns all messages in the buffer
func (m *Manager) GetMessages() []*Message {
	return m.messages.Snapshot()
}

// GetConversation returns the messages exchanged with one peer.
func (m *Manager) GetConversation(peerID string) []*Message {
	return m.messages.Filter(func(msg *Message) bool {
		return (msg.From == peerID && msg.To == m.localPeerID) ||
			(msg.From == m.localPeerID && msg.To == peerID)
	})
}

// GetByConversation returns the call summaries tagged with conversationID.
func (m *Manager) GetByConversation(conversationID string) []*Message {
	return m.messages.Filter(func(msg *Message) bool {
		return msg.Call != nil && msg.Call.ConversationID == conversationID
	})
}

// LocalPeerID returns the local user ID
func (m *Manager) LocalPeerID() string {
	return m.localPeerID
}

// Subscribe returns a channel that receives new messages
func (m *Manager) Subscribe() <-chan *Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan *Message, 10)
	if m.closed {
		close(ch)
		return ch
	}
	m.listeners = append(m.listeners, ch)
	return ch
}

// Unsubscribe removes a listener channel
func (m *Manager) Unsubscribe(ch <-chan *Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, listener := range m.listeners {
		if listener == ch {
			close(listener)
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			return
		}
	}
}

func (m *Manager) addMessage(msg *Message) {
	m.messages.Push(msg)

	m.mu.RLock()
	for _, listener := range m.listeners {
		select {
		case listener <- msg:
		default:
			// Listener buffer full, skip
		}
	}
	m.mu.RUnlock()
}

// Close closes every listener channel.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, listener := range m.listeners {
		close(listener)
	}
	m.listeners = nil
	m.closed = true
}
