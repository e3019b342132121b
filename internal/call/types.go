package call

import (
	"context"
	"time"

	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/peerconn"
	"github.com/petervdpas/goopcall/internal/signaling"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// Status is the lifecycle position of a call session.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRinging   Status = "ringing"
	StatusIncoming  Status = "incoming"
	StatusAccepted  Status = "accepted"
	StatusConnected Status = "connected"
	StatusEnded     Status = "ended"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool { return s == StatusEnded }

// EndReason records why a session ended.
type EndReason string

const (
	EndCompleted EndReason = "completed"
	EndMissed    EndReason = "missed"
	EndRejected  EndReason = "rejected"
	EndCancelled EndReason = "cancelled"
	EndFailed    EndReason = "failed"
)

// Direction is outgoing for the caller and incoming for the callee.
type Direction string

const (
	Outgoing Direction = "outgoing"
	Incoming Direction = "incoming"
)

// Type is the requested media of a call.
type Type string

const (
	TypeVoice Type = "voice"
	TypeVideo Type = "video"
)

// ParseType accepts "voice", "audio" and "video".
func ParseType(s string) (Type, bool) {
	switch s {
	case "voice", "audio":
		return TypeVoice, true
	case "video":
		return TypeVideo, true
	}
	return "", false
}

// Signaler sends and receives named signaling events.
// *signaling.Client implements it.
type Signaler interface {
	Send(event string, payload any) error
	Subscribe() (<-chan *signaling.Frame, func())
	Connected() bool
}

// MediaSource acquires local tracks. *media.Manager implements it.
type MediaSource interface {
	Acquire(ctx context.Context, withVideo bool) (*media.Handle, error)
	SetTrackEnabled(h *media.Handle, kind media.Kind, enabled bool) error
	SwitchCamera(ctx context.Context, h *media.Handle, facing media.Facing, replace func(webrtc.TrackLocal) error) (webrtc.TrackLocal, error)
	Release(h *media.Handle) error
}

// PeerConn is the negotiation surface of one peer connection.
// *peerconn.Controller implements it.
type PeerConn interface {
	AttachLocalTracks(tracks []webrtc.TrackLocal) error
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	SetRemoteDescription(ctx context.Context, desc webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit)
	ReplaceVideoTrack(track webrtc.TrackLocal) error
	Events() <-chan peerconn.Event
	Done() <-chan struct{}
	Close() error
}

// PeerFactory builds an initialised peer connection for a new session.
type PeerFactory func(log *logrus.Entry) (PeerConn, error)

// PeerFactoryFor returns a factory that builds pion controllers from cfg.
func PeerFactoryFor(cfg peerconn.Config) PeerFactory {
	return func(log *logrus.Entry) (PeerConn, error) {
		c := peerconn.New(log)
		if err := c.Initialize(cfg); err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Summary is the call record handed to the chat collaborator when a
// session ends.
type Summary struct {
	CallID         string     `json:"callId,omitempty"`
	ConversationID string     `json:"conversationId,omitempty"`
	PeerID         string     `json:"peerId"`
	PeerName       string     `json:"peerName,omitempty"`
	Direction      Direction  `json:"direction"`
	CallType       Type       `json:"callType"`
	Status         EndReason  `json:"status"`
	Duration       int        `json:"duration"`
	StartedAt      time.Time  `json:"startedAt"`
	ConnectedAt    *time.Time `json:"connectedAt,omitempty"`
	EndedAt        time.Time  `json:"endedAt"`
}

// Recorder receives exactly one Summary per ended session.
type Recorder interface {
	RecordCall(Summary)
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(Summary)

func (f RecorderFunc) RecordCall(s Summary) { f(s) }

// Snapshot is a read-only copy of a session.
type Snapshot struct {
	ID             string       `json:"id,omitempty"`
	Direction      Direction    `json:"direction"`
	PeerID         string       `json:"peerId"`
	PeerName       string       `json:"peerName,omitempty"`
	PeerAvatar     string       `json:"peerAvatar,omitempty"`
	CallType       Type         `json:"callType"`
	ConversationID string       `json:"conversationId,omitempty"`
	Status         Status       `json:"status"`
	EndReason      EndReason    `json:"endReason,omitempty"`
	StartedAt      time.Time    `json:"startedAt"`
	ConnectedAt    *time.Time   `json:"connectedAt,omitempty"`
	EndedAt        *time.Time   `json:"endedAt,omitempty"`
	Duration       int          `json:"duration"`
	AudioEnabled   bool         `json:"audioEnabled"`
	VideoEnabled   bool         `json:"videoEnabled"`
	Facing         media.Facing `json:"facing,omitempty"`
}

// Update is published to subscribers on every session change. Notice is a
// one-line message for the user, set on failures and remote outcomes.
type Update struct {
	Session Snapshot `json:"session"`
	Notice  string   `json:"notice,omitempty"`
}

// InitiateRequest starts an outgoing call.
type InitiateRequest struct {
	RecipientID     string `json:"recipientId"`
	RecipientName   string `json:"recipientName,omitempty"`
	RecipientAvatar string `json:"recipientAvatar,omitempty"`
	CallType        Type   `json:"callType"`
	ConversationID  string `json:"conversationId,omitempty"`
}
