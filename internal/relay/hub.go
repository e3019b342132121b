package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/petervdpas/goopcall/internal/signaling"
	"github.com/sirupsen/logrus"
)

// storeTimeout bounds every call-registry round trip made while routing.
const storeTimeout = 2 * time.Second

// HubOptions configures a Hub.
type HubOptions struct {
	Store        CallStore
	PingInterval time.Duration
	WriteTimeout time.Duration

	NewCallID func() string
	Now       func() time.Time
}

// Hub tracks one websocket per user and routes call events between them.
type Hub struct {
	opts HubOptions
	log  *logrus.Entry

	mu      sync.RWMutex
	clients map[string]*client
	closed  bool

	// ringing maps caller/callee pairs to the id of their newest open
	// call, for hangups sent before the caller learnt the id.
	ringMu  sync.Mutex
	ringing map[string]string
}

func pairKey(caller, callee string) string { return caller + "\x00" + callee }

type client struct {
	id   Identity
	conn *signaling.Conn
	done chan struct{}
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func NewHub(opts HubOptions) *Hub {
	if opts.Store == nil {
		opts.Store = NewMemoryStore(time.Hour)
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 25 * time.Second
	}
	if opts.NewCallID == nil {
		opts.NewCallID = uuid.NewString
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Hub{
		opts:    opts,
		log:     logrus.WithField("component", "relay"),
		clients: make(map[string]*client),
		ringing: make(map[string]string),
	}
}

// Online reports whether user has a connection.
func (h *Hub) Online(user string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[user]
	return ok
}

// OnlineCount returns the number of connected users.
func (h *Hub) OnlineCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := h.clients
	h.clients = make(map[string]*client)
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

// serve owns conn until it fails. A second connection for the same user
// replaces the first.
func (h *Hub) serve(id Identity, conn *signaling.Conn) {
	cl := &client{id: id, conn: conn, done: make(chan struct{})}
	log := h.log.WithField("user", id.UserID)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		cl.close()
		return
	}
	old := h.clients[id.UserID]
	h.clients[id.UserID] = cl
	h.mu.Unlock()
	if old != nil {
		log.Info("Replacing existing connection")
		old.close()
	}
	log.Info("User connected")

	go h.keepAlive(cl)

	for {
		f, err := conn.ReadFrame()
		if err != nil {
			var de *signaling.DecodeError
			if errors.As(err, &de) {
				log.WithError(err).Debug("Ignoring malformed frame")
				continue
			}
			break
		}
		h.route(cl, f)
	}

	h.mu.Lock()
	if h.clients[id.UserID] == cl {
		delete(h.clients, id.UserID)
	}
	h.mu.Unlock()
	cl.close()
	log.Info("User disconnected")
}

func (h *Hub) keepAlive(cl *client) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-cl.done:
			return
		case <-ticker.C:
			if err := cl.conn.Ping(); err != nil {
				cl.close()
				return
			}
		}
	}
}

// send delivers an event to user. It reports false when the user is
// offline or the write failed.
func (h *Hub) send(user, event string, payload any) bool {
	h.mu.RLock()
	cl := h.clients[user]
	h.mu.RUnlock()
	if cl == nil {
		return false
	}
	if err := cl.conn.Emit(event, payload); err != nil {
		h.log.WithError(err).WithFields(logrus.Fields{"user": user, "event": event}).Warn("Write failed")
		cl.close()
		return false
	}
	return true
}

func (h *Hub) fail(cl *client, event string, err error) {
	h.log.WithFields(logrus.Fields{"user": cl.id.UserID, "event": event}).WithError(err).Debug("Rejected frame")
	h.send(cl.id.UserID, signaling.EventError, signaling.Error{Message: fmt.Sprintf("%s: %v", event, err)})
}

func (h *Hub) route(cl *client, f *signaling.Frame) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	var err error
	switch f.Event {
	case signaling.EventInitiate:
		err = h.onInitiate(ctx, cl, f)
	case signaling.EventAccept:
		err = h.onAccept(ctx, cl, f)
	case signaling.EventReject:
		err = h.onReject(ctx, cl, f)
	case signaling.EventNoAnswer:
		err = h.onNoAnswer(ctx, cl, f)
	case signaling.EventEnd:
		err = h.onEnd(ctx, cl, f)
	case signaling.EventEnded:
		err = h.onEndedReport(ctx, cl, f)
	case signaling.EventOffer, signaling.EventAnswer, signaling.EventICECandidate:
		err = h.forward(ctx, cl, f)
	default:
		err = errors.New("unknown event")
	}
	if err != nil {
		h.fail(cl, f.Event, err)
	}
}

// call loads a record and checks that user takes part in it.
func (h *Hub) call(ctx context.Context, id, user string) (CallRecord, error) {
	if id == "" {
		return CallRecord{}, errors.New("callId is required")
	}
	rec, err := h.opts.Store.Get(ctx, id)
	if err != nil {
		return CallRecord{}, err
	}
	if !rec.Involves(user) {
		return CallRecord{}, ErrCallNotFound
	}
	return rec, nil
}

func (h *Hub) save(ctx context.Context, rec CallRecord) {
	rec.UpdatedAt = h.opts.Now()
	if rec.State == CallEnded {
		h.ringMu.Lock()
		if key := pairKey(rec.CallerID, rec.CalleeID); h.ringing[key] == rec.ID {
			delete(h.ringing, key)
		}
		h.ringMu.Unlock()
	}
	if err := h.opts.Store.Put(ctx, rec); err != nil {
		h.log.WithError(err).WithField("call_id", rec.ID).Warn("Call registry update failed")
	}
}

func (h *Hub) onInitiate(ctx context.Context, cl *client, f *signaling.Frame) error {
	var in signaling.Initiate
	if err := f.Decode(&in); err != nil {
		return err
	}
	switch {
	case in.RecipientID == "":
		return errors.New("recipientId is required")
	case in.RecipientID == cl.id.UserID:
		return errors.New("cannot call yourself")
	}
	switch in.CallType {
	case "voice", "audio", "video":
	default:
		return fmt.Errorf("unknown callType %q", in.CallType)
	}

	caller := cl.id.UserID
	if !h.Online(in.RecipientID) {
		h.send(caller, signaling.EventRejected, signaling.Rejected{Reason: signaling.ReasonUnavailable})
		return nil
	}

	now := h.opts.Now()
	rec := CallRecord{
		ID:             h.opts.NewCallID(),
		CallerID:       caller,
		CalleeID:       in.RecipientID,
		CallType:       in.CallType,
		ConversationID: in.ConversationID,
		State:          CallRinging,
		CreatedAt:      now,
	}
	if err := h.opts.Store.Put(ctx, rec); err != nil {
		return fmt.Errorf("register call: %w", err)
	}
	h.ringMu.Lock()
	h.ringing[pairKey(caller, rec.CalleeID)] = rec.ID
	h.ringMu.Unlock()
	h.log.WithFields(logrus.Fields{"call_id": rec.ID, "caller": caller, "callee": rec.CalleeID}).Info("Call initiated")

	// The caller learns the id before anything else about the call reaches it.
	if !h.send(caller, signaling.EventRinging, signaling.Ringing{CallID: rec.ID}) {
		return nil
	}
	if !h.send(rec.CalleeID, signaling.EventIncoming, signaling.Incoming{
		CallID:         rec.ID,
		CallerID:       caller,
		CallerName:     cl.id.Name,
		CallerAvatar:   cl.id.Avatar,
		CallType:       rec.CallType,
		ConversationID: rec.ConversationID,
	}) {
		rec.State, rec.Reason = CallEnded, signaling.ReasonUnavailable
		h.save(ctx, rec)
		h.send(caller, signaling.EventRejected, signaling.Rejected{
			Meta:   signaling.Meta{CallID: rec.ID, SenderID: rec.CalleeID},
			Reason: signaling.ReasonUnavailable,
		})
	}
	return nil
}

func (h *Hub) onAccept(ctx context.Context, cl *client, f *signaling.Frame) error {
	var a signaling.Accept
	if err := f.Decode(&a); err != nil {
		return err
	}
	rec, err := h.call(ctx, a.CallID, cl.id.UserID)
	if err != nil {
		return err
	}
	if rec.CalleeID != cl.id.UserID || rec.State != CallRinging {
		return fmt.Errorf("call %s cannot be accepted in state %s", rec.ID, rec.State)
	}
	rec.State = CallAccepted
	h.save(ctx, rec)
	h.send(rec.CallerID, signaling.EventAccepted, signaling.Accepted{
		Meta: signaling.Meta{CallID: rec.ID, SenderID: cl.id.UserID},
	})
	return nil
}

func (h *Hub) onReject(ctx context.Context, cl *client, f *signaling.Frame) error {
	var r signaling.Reject
	if err := f.Decode(&r); err != nil {
		return err
	}
	rec, err := h.call(ctx, r.CallID, cl.id.UserID)
	if err != nil {
		return err
	}
	if rec.CalleeID != cl.id.UserID {
		return errors.New("only the callee can reject")
	}
	reason := r.Reason
	if reason == "" {
		reason = signaling.ReasonRejected
	}
	rec.State, rec.Reason = CallEnded, reason
	h.save(ctx, rec)
	h.send(rec.CallerID, signaling.EventRejected, signaling.Rejected{
		Meta:   signaling.Meta{CallID: rec.ID, SenderID: cl.id.UserID},
		Reason: reason,
	})
	return nil
}

func (h *Hub) onNoAnswer(ctx context.Context, cl *client, f *signaling.Frame) error {
	var n signaling.NoAnswer
	if err := f.Decode(&n); err != nil {
		return err
	}
	rec, err := h.call(ctx, n.CallID, cl.id.UserID)
	if err != nil {
		return err
	}
	if rec.CallerID != cl.id.UserID {
		return errors.New("only the caller can give up")
	}
	rec.State, rec.Reason = CallEnded, "missed"
	h.save(ctx, rec)
	h.send(rec.CalleeID, signaling.EventNoAnswer, signaling.NoAnswer{
		Meta:           signaling.Meta{CallID: rec.ID, SenderID: cl.id.UserID},
		ConversationID: rec.ConversationID,
	})
	return nil
}

func (h *Hub) onEnd(ctx context.Context, cl *client, f *signaling.Frame) error {
	var e signaling.End
	if err := f.Decode(&e); err != nil {
		return err
	}
	sender := cl.id.UserID

	// A caller that hangs up before call:ringing arrived has no id yet. Its
	// newest open call to the recipient is closed; with none on record the
	// recipient matches the frame on sender alone.
	if e.CallID == "" {
		if e.RecipientID == "" {
			return errors.New("recipientId or callId is required")
		}
		h.ringMu.Lock()
		id := h.ringing[pairKey(sender, e.RecipientID)]
		h.ringMu.Unlock()
		if id == "" {
			h.send(e.RecipientID, signaling.EventEnded, signaling.Ended{
				Meta:   signaling.Meta{SenderID: sender},
				Reason: "ended",
			})
			return nil
		}
		e.CallID = id
	}

	rec, err := h.call(ctx, e.CallID, sender)
	if err != nil {
		return err
	}
	if rec.State != CallEnded {
		rec.State, rec.Reason = CallEnded, "ended"
		h.save(ctx, rec)
	}
	h.send(rec.Other(sender), signaling.EventEnded, signaling.Ended{
		Meta:           signaling.Meta{CallID: rec.ID, SenderID: sender},
		ConversationID: rec.ConversationID,
		Reason:         "ended",
	})
	return nil
}

// onEndedReport records the duration a party reports for its ended call.
func (h *Hub) onEndedReport(ctx context.Context, cl *client, f *signaling.Frame) error {
	var e signaling.Ended
	if err := f.Decode(&e); err != nil {
		return err
	}
	rec, err := h.call(ctx, e.CallID, cl.id.UserID)
	if err != nil {
		h.log.WithError(err).WithField("call_id", e.CallID).Debug("Summary for unknown call")
		return nil
	}
	rec.State = CallEnded
	if e.Duration > rec.Duration {
		rec.Duration = e.Duration
	}
	if e.Reason != "" {
		rec.Reason = e.Reason
	}
	h.save(ctx, rec)
	return nil
}

// forward relays a webrtc:* frame, replacing recipientId with senderId
// and stamping callId.
func (h *Hub) forward(ctx context.Context, cl *client, f *signaling.Frame) error {
	fields := map[string]json.RawMessage{}
	if err := f.Decode(&fields); err != nil {
		return err
	}
	var recipient, callID string
	if raw, ok := fields["recipientId"]; ok {
		_ = json.Unmarshal(raw, &recipient)
	}
	if raw, ok := fields["callId"]; ok {
		_ = json.Unmarshal(raw, &callID)
	}
	sender := cl.id.UserID

	if callID != "" {
		rec, err := h.call(ctx, callID, sender)
		if err != nil {
			return err
		}
		other := rec.Other(sender)
		if recipient != "" && recipient != other {
			return errors.New("recipient is not part of the call")
		}
		recipient = other
	}
	if recipient == "" {
		return errors.New("recipientId is required")
	}

	delete(fields, "recipientId")
	fields["senderId"], _ = json.Marshal(sender)
	if callID != "" {
		fields["callId"], _ = json.Marshal(callID)
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	if !h.send(recipient, f.Event, json.RawMessage(raw)) {
		return errors.New("recipient is offline")
	}
	return nil
}
