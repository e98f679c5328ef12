package control

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xutingl/skyplane/pkg/chunker"
)

func TestDedupKey(t *testing.T) {
	ev := ChunkStateChanged{ChunkID: "job/a@0", State: "completed", Seq: 7}
	assert.Equal(t, "job/a@0|completed|7", ev.DedupKey())

	// Redelivery of the same transition keys identically; a new transition
	// does not.
	dup := ChunkStateChanged{ChunkID: "job/a@0", State: "completed", Seq: 7, Bytes: 123}
	assert.Equal(t, ev.DedupKey(), dup.DedupKey())
	next := ChunkStateChanged{ChunkID: "job/a@0", State: "completed", Seq: 8}
	assert.NotEqual(t, ev.DedupKey(), next.DedupKey())
}

func TestLoopbackRoundtrip(t *testing.T) {
	bus := NewLoopback()
	cmds := bus.Register("gw-1")

	c := chunker.Chunk{ID: "job/a@0", SourceKey: "a", DestKey: "a", Length: 42}
	msg := Message{
		Type:   MsgAssignChunk,
		Assign: &AssignChunk{Chunk: c, Segment: Segment{Path: "aws:a->aws:b", Index: 0, From: "aws:a", To: "aws:b"}},
	}
	require.NoError(t, bus.Send("gw-1", msg))

	select {
	case got := <-cmds:
		require.NotNil(t, got.Assign)
		assert.Equal(t, c, got.Assign.Chunk)
	case <-time.After(time.Second):
		t.Fatal("command not delivered")
	}

	// Gateway-side events land in the inbox with a timestamp.
	bus.Emit(Message{Type: MsgHeartbeat, GatewayID: "gw-1"})
	select {
	case got := <-bus.Inbox():
		assert.Equal(t, MsgHeartbeat, got.Type)
		assert.False(t, got.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestLoopbackSendUnknownGateway(t *testing.T) {
	bus := NewLoopback()
	assert.Error(t, bus.Send("nobody", NewCancel("job-1")))
}

func TestLoopbackBroadcast(t *testing.T) {
	bus := NewLoopback()
	a := bus.Register("gw-a")
	b := bus.Register("gw-b")

	bus.Broadcast(NewCancel("job-1"))

	for _, ch := range []<-chan Message{a, b} {
		select {
		case got := <-ch:
			assert.Equal(t, MsgCancel, got.Type)
			assert.Equal(t, "job-1", got.JobID)
		case <-time.After(time.Second):
			t.Fatal("broadcast not delivered")
		}
	}
}

func TestLoopbackUnregisterClosesChannel(t *testing.T) {
	bus := NewLoopback()
	cmds := bus.Register("gw-1")
	bus.Unregister("gw-1")
	_, open := <-cmds
	assert.False(t, open)
	assert.Error(t, bus.Send("gw-1", NewCancel("job-1")))
}
