package call

import (
	"context"
	"fmt"

	"github.com/petervdpas/goopcall/internal/peerconn"
	"github.com/petervdpas/goopcall/internal/signaling"
	"github.com/sirupsen/logrus"
)

func (m *Manager) onFrame(f *signaling.Frame) {
	switch f.Event {
	case signaling.EventTransportConnected:
		return
	case signaling.EventTransportDisconnected:
		m.onTransportLost()
		return
	case signaling.EventIncoming:
		m.onIncoming(f)
		return
	case signaling.EventError:
		var e signaling.Error
		_ = f.Decode(&e)
		m.log.WithField("message", e.Message).Warn("Relay reported an error")
		return
	}

	s := m.sess
	if s == nil {
		m.stale(f.Event, "no active call")
		return
	}
	if s.busy > 0 && !callerGaveUp(s, f.Event) {
		s.deferred = append(s.deferred, f)
		return
	}
	m.handleSessionFrame(s, f)
}

// callerGaveUp reports whether event withdraws a call that is still
// unanswered. It applies at once, even while an accept is preparing media,
// so the accept never reaches the caller and the call stays missed.
func callerGaveUp(s *session, event string) bool {
	if s.status != StatusIncoming {
		return false
	}
	return event == signaling.EventEnded || event == signaling.EventNoAnswer
}

func (m *Manager) stale(event, why string) {
	m.log.WithFields(logrus.Fields{"event": event, "reason": why}).
		WithError(ErrStaleEvent).Debug("Discarding event")
}

func (m *Manager) onTransportLost() {
	s := m.sess
	if s == nil {
		return
	}
	if s.status == StatusIdle {
		m.abort(s, ErrTransportUnavailable)
		return
	}
	s.answer(ErrTransportUnavailable)
	m.finish(s, EndFailed, "Connection to server lost")
}

func (m *Manager) onIncoming(f *signaling.Frame) {
	var in signaling.Incoming
	if err := f.Decode(&in); err != nil || in.CallerID == "" {
		m.stale(f.Event, "malformed payload")
		return
	}
	callType, ok := ParseType(in.CallType)
	if !ok {
		callType = TypeVoice
	}

	if s := m.sess; s != nil {
		if m.glareYields(s, in.CallerID) {
			s.log.WithField("peer", in.CallerID).Info("Simultaneous call, yielding to inbound call")
			if s.status == StatusIdle {
				m.abort(s, ErrCancelled)
			} else {
				m.hangup(s, EndCancelled)
			}
		} else {
			m.log.WithFields(logrus.Fields{"peer": in.CallerID, "call_id": in.CallID}).Info("Busy, declining inbound call")
			if err := m.sig.Send(signaling.EventReject, signaling.Reject{
				CallerID:       in.CallerID,
				Reason:         signaling.ReasonBusy,
				CallID:         in.CallID,
				ConversationID: in.ConversationID,
			}); err != nil {
				m.log.WithError(err).Warn("Busy reply not sent")
			}
			return
		}
	}

	s := m.newSession(Incoming)
	s.id = in.CallID
	s.peerID = in.CallerID
	s.peerName = in.CallerName
	s.peerAvatar = in.CallerAvatar
	s.callType = callType
	s.conversationID = in.ConversationID
	s.log = s.log.WithFields(logrus.Fields{"peer": s.peerID, "direction": Incoming, "call_id": s.id})
	m.setStatus(s, StatusIncoming)
	m.publish(s, "")
}

// glareYields reports whether the live outgoing call should give way to an
// inbound call from the same peer. The side with the lexicographically
// lower user id keeps its outgoing call.
func (m *Manager) glareYields(s *session, callerID string) bool {
	if s.direction != Outgoing || s.peerID != callerID {
		return false
	}
	if s.status != StatusIdle && s.status != StatusRinging {
		return false
	}
	return m.selfID > callerID
}

func (m *Manager) handleSessionFrame(s *session, f *signaling.Frame) {
	var meta signaling.Meta
	if err := f.Decode(&meta); err != nil {
		m.stale(f.Event, "malformed payload")
		return
	}
	// call:ringing carries the id being assigned, so it cannot be matched
	// against the session id yet.
	if f.Event != signaling.EventRinging && !s.matches(meta) {
		m.stale(f.Event, "call id or sender mismatch")
		return
	}

	var err error
	switch f.Event {
	case signaling.EventRinging:
		err = m.onRinging(s, f)
	case signaling.EventAccepted:
		err = m.onAccepted(s)
	case signaling.EventRejected:
		err = m.onRejected(s, f)
	case signaling.EventNoAnswer:
		err = m.onRemoteGaveUp(s, f.Event)
	case signaling.EventEnded:
		err = m.onRemoteEnded(s)
	case signaling.EventOffer:
		err = m.onOffer(s, f)
	case signaling.EventAnswer:
		err = m.onAnswer(s, f)
	case signaling.EventICECandidate:
		err = m.onRemoteCandidate(s, f)
	default:
		m.log.WithField("event", f.Event).Debug("Ignoring unknown event")
		return
	}
	if err != nil {
		m.stale(f.Event, err.Error())
	}
}

func wrongState(s *session) error {
	return fmt.Errorf("%w: status %s", ErrStaleEvent, s.status)
}

func (m *Manager) onRinging(s *session, f *signaling.Frame) error {
	var r signaling.Ringing
	if err := f.Decode(&r); err != nil {
		return err
	}
	if s.direction != Outgoing || s.status != StatusRinging {
		return wrongState(s)
	}
	if s.id != "" && s.id != r.CallID {
		return fmt.Errorf("%w: already ringing as %s", ErrStaleEvent, s.id)
	}
	s.id = r.CallID
	s.log = s.log.WithField("call_id", s.id)
	s.log.Debug("Relay assigned call id")
	m.publish(s, "")
	return nil
}

func (m *Manager) onAccepted(s *session) error {
	if s.direction != Outgoing || s.status != StatusRinging {
		return wrongState(s)
	}
	m.setStatus(s, StatusAccepted)
	m.publish(s, "")

	pc := s.peer
	m.async(s, "create-offer", func(ctx context.Context) func(bool) {
		offer, err := pc.CreateOffer(ctx)
		return func(live bool) {
			if !live {
				return
			}
			if err != nil {
				s.log.WithError(err).Error("Offer failed")
				m.hangup(s, EndFailed)
				return
			}
			if err := m.sig.Send(signaling.EventOffer, signaling.Offer{
				Meta:        signaling.Meta{CallID: s.id},
				RecipientID: s.peerID,
				Offer:       offer,
			}); err != nil {
				s.log.WithError(err).Warn("Offer not sent")
				m.finish(s, EndFailed, "Connection to server lost")
			}
		}
	})
	return nil
}

func (m *Manager) onRejected(s *session, f *signaling.Frame) error {
	var r signaling.Rejected
	if err := f.Decode(&r); err != nil {
		return err
	}
	if s.direction != Outgoing || (s.status != StatusRinging && s.status != StatusAccepted) {
		return wrongState(s)
	}
	notice := "Call declined"
	switch r.Reason {
	case signaling.ReasonBusy:
		notice = "User is busy"
	case signaling.ReasonUnavailable:
		notice = "User is unavailable"
	}
	m.finish(s, EndRejected, notice)
	return nil
}

// onRemoteGaveUp handles call:no-answer forwarded to the callee.
func (m *Manager) onRemoteGaveUp(s *session, event string) error {
	if s.status != StatusIncoming {
		return wrongState(s)
	}
	s.log.WithField("event", event).Info("Caller gave up")
	s.answer(ErrCancelled)
	m.finish(s, EndMissed, "Missed call")
	return nil
}

func (m *Manager) onRemoteEnded(s *session) error {
	switch s.status {
	case StatusIncoming:
		return m.onRemoteGaveUp(s, signaling.EventEnded)
	case StatusRinging:
		m.finish(s, EndMissed, "Call ended")
	case StatusAccepted, StatusConnected:
		m.finish(s, EndCompleted, "Call ended")
	default:
		return wrongState(s)
	}
	return nil
}

func (m *Manager) onOffer(s *session, f *signaling.Frame) error {
	var o signaling.Offer
	if err := f.Decode(&o); err != nil {
		return err
	}
	if s.direction != Incoming || s.status != StatusAccepted || s.peer == nil {
		return wrongState(s)
	}
	pc := s.peer
	m.async(s, "create-answer", func(ctx context.Context) func(bool) {
		answer, err := pc.CreateAnswer(ctx, o.Offer)
		return func(live bool) {
			if !live {
				return
			}
			if err != nil {
				s.log.WithError(err).Error("Answer failed")
				m.hangup(s, EndFailed)
				return
			}
			if err := m.sig.Send(signaling.EventAnswer, signaling.Answer{
				Meta:        signaling.Meta{CallID: s.id},
				RecipientID: s.peerID,
				Answer:      answer,
			}); err != nil {
				s.log.WithError(err).Warn("Answer not sent")
				m.finish(s, EndFailed, "Connection to server lost")
			}
		}
	})
	return nil
}

func (m *Manager) onAnswer(s *session, f *signaling.Frame) error {
	var a signaling.Answer
	if err := f.Decode(&a); err != nil {
		return err
	}
	if s.direction != Outgoing || s.status != StatusAccepted || s.peer == nil {
		return wrongState(s)
	}
	pc := s.peer
	m.async(s, "apply-answer", func(ctx context.Context) func(bool) {
		err := pc.SetRemoteDescription(ctx, a.Answer)
		return func(live bool) {
			if !live || err == nil {
				return
			}
			s.log.WithError(err).Error("Applying answer failed")
			m.hangup(s, EndFailed)
		}
	})
	return nil
}

func (m *Manager) onRemoteCandidate(s *session, f *signaling.Frame) error {
	var c signaling.ICECandidate
	if err := f.Decode(&c); err != nil {
		return err
	}
	if s.peer == nil || (s.status != StatusAccepted && s.status != StatusConnected) {
		return wrongState(s)
	}
	s.peer.AddICECandidate(c.Candidate)
	return nil
}

func (m *Manager) onPeerEvent(s *session, ev peerconn.Event) {
	if m.sess != s || !s.live() {
		return
	}
	switch ev.Kind {
	case peerconn.EventLocalCandidate:
		m.sendCandidate(s, ev.Candidate)

	case peerconn.EventRemoteStream:
		if s.status != StatusAccepted {
			return
		}
		s.connectedAt = m.clock.Now()
		m.setStatus(s, StatusConnected)
		s.log.WithFields(logrus.Fields{"stream": ev.StreamID, "kind": ev.TrackKind.String()}).Info("Remote media flowing")
		m.publish(s, "")

	case peerconn.EventConnectionState:
		switch ev.State {
		case peerconn.StateDisconnected, peerconn.StateFailed:
			if s.status == StatusConnected {
				m.finish(s, EndCompleted, "Connection lost")
			} else {
				m.finish(s, EndFailed, "Could not establish the media connection")
			}
		}
	}
}
