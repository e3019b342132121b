// Package signaling carries named call events between a client and the
// relay over a websocket. Frames are JSON objects of the form
// {"event": name, "data": payload}.
package signaling

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"
)

// Event names exchanged with the relay.
const (
	EventInitiate     = "call:initiate"
	EventIncoming     = "call:incoming"
	EventRinging      = "call:ringing"
	EventAccept       = "call:accept"
	EventAccepted     = "call:accepted"
	EventReject       = "call:reject"
	EventRejected     = "call:rejected"
	EventNoAnswer     = "call:no-answer"
	EventEnd          = "call:end"
	EventEnded        = "call:ended"
	EventOffer        = "webrtc:offer"
	EventAnswer       = "webrtc:answer"
	EventICECandidate = "webrtc:ice-candidate"
	EventError        = "error"
)

// Pseudo-events published by Client when the link changes. They never
// travel on the wire.
const (
	EventTransportConnected    = "transport:connected"
	EventTransportDisconnected = "transport:disconnected"
)

// Reject reasons.
const (
	ReasonRejected    = "rejected"
	ReasonBusy        = "busy"
	ReasonUnavailable = "unavailable"
)

// Frame is one websocket message.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame encodes payload into a frame. A nil payload yields an empty data
// object.
func NewFrame(event string, payload any) (*Frame, error) {
	if payload == nil {
		return &Frame{Event: event, Data: json.RawMessage("{}")}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Frame{Event: event, Data: raw}, nil
}

// Decode unmarshals the frame payload into v.
func (f *Frame) Decode(v any) error {
	if len(f.Data) == 0 {
		return nil
	}
	return json.Unmarshal(f.Data, v)
}

// Meta is the relay-stamped routing information present on forwarded
// frames. Both fields are optional.
type Meta struct {
	CallID   string `json:"callId,omitempty"`
	SenderID string `json:"senderId,omitempty"`
}

type Initiate struct {
	RecipientID    string `json:"recipientId"`
	CallType       string `json:"callType"`
	ConversationID string `json:"conversationId,omitempty"`
}

type Incoming struct {
	CallID         string `json:"callId"`
	CallerID       string `json:"callerId"`
	CallerName     string `json:"callerName,omitempty"`
	CallerAvatar   string `json:"callerAvatar,omitempty"`
	CallType       string `json:"callType"`
	ConversationID string `json:"conversationId,omitempty"`
}

type Ringing struct {
	CallID string `json:"callId"`
}

type Accept struct {
	CallerID string `json:"callerId"`
	CallID   string `json:"callId,omitempty"`
}

type Accepted struct {
	Meta
}

type Reject struct {
	CallerID       string `json:"callerId"`
	Reason         string `json:"reason"`
	CallID         string `json:"callId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
}

type Rejected struct {
	Meta
	Reason string `json:"reason,omitempty"`
}

type NoAnswer struct {
	Meta
	RecipientID    string `json:"recipientId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
}

type End struct {
	RecipientID string `json:"recipientId"`
	CallID      string `json:"callId,omitempty"`
}

type Ended struct {
	Meta
	ConversationID string `json:"conversationId,omitempty"`
	Reason         string `json:"reason,omitempty"`
	Duration       int    `json:"duration"`
}

type Offer struct {
	Meta
	RecipientID string                    `json:"recipientId,omitempty"`
	Offer       webrtc.SessionDescription `json:"offer"`
}

type Answer struct {
	Meta
	RecipientID string                    `json:"recipientId,omitempty"`
	Answer      webrtc.SessionDescription `json:"answer"`
}

type ICECandidate struct {
	Meta
	RecipientID string                  `json:"recipientId,omitempty"`
	Candidate   webrtc.ICECandidateInit `json:"candidate"`
}

// Error is sent by the relay when a frame cannot be handled.
type Error struct {
	Message string `json:"message"`
}
