package peerconn

import "github.com/pion/webrtc/v4"

// State is the aggregate connection state of the peer connection.
type State string

const (
	StateNew          State = "new"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
	StateClosed       State = "closed"
)

func stateFromPion(s webrtc.PeerConnectionState) State {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	case webrtc.PeerConnectionStateClosed:
		return StateClosed
	default:
		return StateNew
	}
}

// EventKind identifies what an Event carries.
type EventKind int

const (
	EventLocalCandidate EventKind = iota + 1
	EventRemoteStream
	EventConnectionState
)

func (k EventKind) String() string {
	switch k {
	case EventLocalCandidate:
		return "local-candidate"
	case EventRemoteStream:
		return "remote-stream"
	case EventConnectionState:
		return "connection-state"
	}
	return "unknown"
}

// Event is emitted by a Controller on its Events channel.
type Event struct {
	Kind EventKind

	// Candidate is set for EventLocalCandidate.
	Candidate webrtc.ICECandidateInit

	// StreamID and TrackKind are set for EventRemoteStream.
	StreamID  string
	TrackKind webrtc.RTPCodecType

	// State is set for EventConnectionState.
	State State
}
