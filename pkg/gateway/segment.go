package gateway

import (
	"context"
	"io"

	"github.com/xutingl/skyplane/pkg/chunker"
	"github.com/xutingl/skyplane/pkg/control"
	"github.com/xutingl/skyplane/pkg/obstore"
)

// Upstream is where a segment's bytes come from: the source object store or
// the relay stream from the previous hop.
type Upstream interface {
	Open(ctx context.Context, c chunker.Chunk) (io.ReadCloser, error)
}

// Downstream is where a segment's bytes go: the destination object store or
// the relay stream toward the next hop.
type Downstream interface {
	Write(ctx context.Context, c chunker.Chunk, r io.Reader) error
}

// Releaser is implemented by upstreams that stage bytes per chunk (relays).
// The gateway releases a chunk once it is terminal on this segment, freeing
// the staged copy kept for retries.
type Releaser interface {
	Release(chunkID string)
}

// SegmentIO is the resolved transfer endpoints for one segment.
type SegmentIO struct {
	Upstream   Upstream
	Downstream Downstream
}

// Router maps a segment to its transfer endpoints. The service wires one per
// gateway when the plan is realized.
type Router interface {
	Resolve(seg control.Segment) (SegmentIO, error)
}

// RouterFunc adapts a function to the Router interface.
type RouterFunc func(seg control.Segment) (SegmentIO, error)

func (f RouterFunc) Resolve(seg control.Segment) (SegmentIO, error) { return f(seg) }

// StoreUpstream reads segment bytes from an object store.
type StoreUpstream struct {
	Store obstore.Store
}

func (u *StoreUpstream) Open(ctx context.Context, c chunker.Chunk) (io.ReadCloser, error) {
	return u.Store.GetRange(ctx, c.SourceKey, c.Offset, c.Length)
}

// StoreDownstream writes segment bytes to an object store at the chunk's
// offset. Writes are idempotent by (key, offset): redelivery overwrites the
// same range.
type StoreDownstream struct {
	Store obstore.Store
}

func (d *StoreDownstream) Write(ctx context.Context, c chunker.Chunk, r io.Reader) error {
	return d.Store.Put(ctx, c.DestKey, c.Offset, r)
}
