package control

import (
	"fmt"
	"time"

	"github.com/xutingl/skyplane/pkg/chunker"
)

// Message types exchanged between gateways and the tracker.
const (
	MsgAssignChunk = "assign_chunk"
	MsgChunkState  = "chunk_state"
	MsgHeartbeat   = "heartbeat"
	MsgCancel      = "cancel"
)

// Segment is one leg of a chunk's path: the hop a single gateway is
// responsible for moving the chunk across.
type Segment struct {
	Path  string `json:"path"`  // full route, e.g. "aws:a->gcp:b->aws:c"
	Index int    `json:"index"` // which hop of the route, 0-based
	From  string `json:"from"`
	To    string `json:"to"`
}

// AssignChunk instructs a gateway to move a chunk along one segment.
// Idempotent by chunk id: re-assignment before completion updates the target
// without duplicating work.
type AssignChunk struct {
	Chunk   chunker.Chunk `json:"chunk"`
	Segment Segment       `json:"segment"`
}

// ChunkStateChanged reports a chunk state transition. Seq increases
// monotonically per chunk on the owning gateway, letting the tracker drop
// stale or duplicated reports.
type ChunkStateChanged struct {
	ChunkID string `json:"chunk_id"`
	State   string `json:"state"`
	Seq     int64  `json:"seq"`
	Bytes   int64  `json:"bytes,omitempty"`
	Retries int    `json:"retries,omitempty"`
	Error   string `json:"error,omitempty"`
}

// DedupKey identifies a transition for at-least-once delivery deduplication.
func (c ChunkStateChanged) DedupKey() string {
	return fmt.Sprintf("%s|%s|%d", c.ChunkID, c.State, c.Seq)
}

// Message is the control-channel envelope. Exactly one payload field is set
// according to Type.
type Message struct {
	Type      string             `json:"type"`
	GatewayID string             `json:"gateway_id,omitempty"`
	JobID     string             `json:"job_id,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
	Assign    *AssignChunk       `json:"assign,omitempty"`
	State     *ChunkStateChanged `json:"state,omitempty"`
}

// NewHeartbeat builds a heartbeat message for a gateway.
func NewHeartbeat(gatewayID string) Message {
	return Message{Type: MsgHeartbeat, GatewayID: gatewayID, Timestamp: time.Now()}
}

// NewCancel builds a job cancellation broadcast.
func NewCancel(jobID string) Message {
	return Message{Type: MsgCancel, JobID: jobID, Timestamp: time.Now()}
}

// Bus moves control messages between the tracker and its gateways. Delivery
// is at-least-once; consumers deduplicate.
type Bus interface {
	// Send delivers a message to one gateway.
	Send(gatewayID string, msg Message) error
	// Broadcast delivers a message to every connected gateway.
	Broadcast(msg Message)
	// Inbox streams messages arriving from gateways.
	Inbox() <-chan Message
}
