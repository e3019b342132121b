package chat

import (
	"errors"
	"testing"
	"time"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memHistory struct {
	recs []storage.CallRecord
	err  error
}

func (h *memHistory) InsertCall(rec storage.CallRecord) error {
	if h.err != nil {
		return h.err
	}
	h.recs = append(h.recs, rec)
	return nil
}

var ended = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func summary(dir call.Direction, typ call.Type, status call.EndReason, duration int) call.Summary {
	return call.Summary{
		CallID:         "c1",
		ConversationID: "conv-1",
		PeerID:         "bob",
		PeerName:       "Bob",
		Direction:      dir,
		CallType:       typ,
		Status:         status,
		Duration:       duration,
		StartedAt:      ended.Add(-time.Minute),
		EndedAt:        ended,
	}
}

func TestRecordCallPersistsAndNotifies(t *testing.T) {
	h := &memHistory{}
	m := New("alice", h, 0)
	defer m.Close()
	ch := m.Subscribe()

	m.RecordCall(summary(call.Outgoing, call.TypeVideo, call.EndCompleted, 125))

	msg := <-ch
	assert.Equal(t, MessageTypeCall, msg.Type)
	assert.Equal(t, "alice", msg.From)
	assert.Equal(t, "bob", msg.To)
	assert.Equal(t, "Video call (2:05)", msg.Content)
	assert.Equal(t, ended.UnixMilli(), msg.Timestamp)
	require.NotNil(t, msg.Call)
	assert.Equal(t, "conv-1", msg.Call.ConversationID)
	assert.Equal(t, 125, msg.Call.Duration)

	require.Len(t, h.recs, 1)
	assert.Equal(t, msg.ID, h.recs[0].ID)
	assert.Equal(t, "completed", h.recs[0].Status)
	assert.Equal(t, "video", h.recs[0].CallType)

	assert.Len(t, m.GetMessages(), 1)
	assert.Len(t, m.GetConversation("bob"), 1)
	assert.Empty(t, m.GetConversation("carol"))
	assert.Len(t, m.GetByConversation("conv-1"), 1)
}

func TestIncomingCallIsFromPeer(t *testing.T) {
	m := New("alice", nil, 0)
	m.RecordCall(summary(call.Incoming, call.TypeVoice, call.EndMissed, 0))
	msg := m.GetMessages()[0]
	assert.Equal(t, "bob", msg.From)
	assert.Equal(t, "alice", msg.To)
	assert.Equal(t, "Missed voice call", msg.Content)
}

func TestPersistFailureStillBuffers(t *testing.T) {
	m := New("alice", &memHistory{err: errors.New("disk full")}, 0)
	m.RecordCall(summary(call.Outgoing, call.TypeVoice, call.EndFailed, 0))
	assert.Len(t, m.GetMessages(), 1)
}

func TestDescribe(t *testing.T) {
	cases := []struct {
		dir    call.Direction
		typ    call.Type
		status call.EndReason
		dur    int
		want   string
	}{
		{call.Outgoing, call.TypeVoice, call.EndCompleted, 3725, "Voice call (1:02:05)"},
		{call.Outgoing, call.TypeVoice, call.EndMissed, 0, "Voice call, no answer"},
		{call.Incoming, call.TypeVideo, call.EndMissed, 0, "Missed video call"},
		{call.Incoming, call.TypeVoice, call.EndRejected, 0, "Declined voice call"},
		{call.Outgoing, call.TypeVideo, call.EndCancelled, 0, "Cancelled video call"},
		{call.Outgoing, call.TypeVideo, call.EndFailed, 0, "Video call failed"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, describe(summary(tc.dir, tc.typ, tc.status, tc.dur)))
	}
}

func TestMessageIDsAreUnique(t *testing.T) {
	a := NewCallMessage("alice", summary(call.Outgoing, call.TypeVoice, call.EndMissed, 0))
	b := NewCallMessage("alice", summary(call.Outgoing, call.TypeVoice, call.EndMissed, 0))
	assert.NotEqual(t, a.ID, b.ID)
}

func TestUnsubscribeAndClose(t *testing.T) {
	m := New("alice", nil, 0)
	ch := m.Subscribe()
	m.Unsubscribe(ch)
	_, ok := <-ch
	assert.False(t, ok)

	ch2 := m.Subscribe()
	m.Close()
	_, ok = <-ch2
	assert.False(t, ok)

	_, ok = <-m.Subscribe()
	assert.False(t, ok)
}
