package call

import (
	"context"
	"time"

	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/signaling"
	"github.com/sirupsen/logrus"
)

// session is the single live call. Every field is owned by the manager's
// event loop; nothing here is safe to touch from another goroutine.
type session struct {
	gen uint64
	log *logrus.Entry

	id             string
	direction      Direction
	peerID         string
	peerName       string
	peerAvatar     string
	callType       Type
	conversationID string

	status      Status
	startedAt   time.Time
	connectedAt time.Time
	endedAt     time.Time
	endReason   EndReason

	media *media.Handle
	peer  PeerConn

	timer Timer

	// busy counts off-loop operations in flight. While non-zero, inbound
	// frames for this session wait in deferred.
	busy     int
	deferred []*signaling.Frame

	// reply is answered once by the operation that started the session
	// (Initiate) or the pending Accept.
	reply chan error

	ctx    context.Context
	cancel context.CancelFunc
}

func (s *session) live() bool { return !s.status.Terminal() }

// answer delivers err to a waiting Initiate or Accept at most once.
func (s *session) answer(err error) {
	if s.reply == nil {
		return
	}
	s.reply <- err
	s.reply = nil
}

func (s *session) duration() int {
	if s.connectedAt.IsZero() || s.endedAt.IsZero() {
		return 0
	}
	return int(s.endedAt.Sub(s.connectedAt) / time.Second)
}

func (s *session) snapshot() Snapshot {
	snap := Snapshot{
		ID:             s.id,
		Direction:      s.direction,
		PeerID:         s.peerID,
		PeerName:       s.peerName,
		PeerAvatar:     s.peerAvatar,
		CallType:       s.callType,
		ConversationID: s.conversationID,
		Status:         s.status,
		EndReason:      s.endReason,
		StartedAt:      s.startedAt,
		Duration:       s.duration(),
	}
	if !s.connectedAt.IsZero() {
		t := s.connectedAt
		snap.ConnectedAt = &t
	}
	if !s.endedAt.IsZero() {
		t := s.endedAt
		snap.EndedAt = &t
	}
	if s.media != nil && !s.media.Released() {
		snap.AudioEnabled = s.media.Enabled(media.KindAudio)
		snap.VideoEnabled = s.media.Enabled(media.KindVideo)
		snap.Facing = s.media.Facing()
	}
	return snap
}

func (s *session) summary() Summary {
	sum := Summary{
		CallID:         s.id,
		ConversationID: s.conversationID,
		PeerID:         s.peerID,
		PeerName:       s.peerName,
		Direction:      s.direction,
		CallType:       s.callType,
		Status:         s.endReason,
		Duration:       s.duration(),
		StartedAt:      s.startedAt,
		EndedAt:        s.endedAt,
	}
	if !s.connectedAt.IsZero() {
		t := s.connectedAt
		sum.ConnectedAt = &t
	}
	return sum
}

// matches reports whether relay-stamped routing data refers to this
// session. Missing fields are accepted. A caller still waiting for its id
// refuses frames stamped with some other call's id.
func (s *session) matches(meta signaling.Meta) bool {
	if meta.CallID != "" && meta.CallID != s.id {
		return false
	}
	if meta.SenderID != "" && meta.SenderID != s.peerID {
		return false
	}
	return true
}
