package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/xutingl/skyplane/pkg/chunker"
)

// ErrRelayClosed is returned for streams torn down before completion.
var ErrRelayClosed = errors.New("relay closed")

// relayStream stages one chunk's bytes between consecutive gateways. Written
// bytes are retained until Release so a downstream retry can replay the
// stream from the start; the window bounds how far the writer may run ahead
// of the reader.
type relayStream struct {
	mu     sync.Mutex
	cond   *sync.Cond
	window int
	data   []byte
	pos    int // reader position; Open rewinds it to replay
	closed bool
	err    error
}

func newRelayStream(window int) *relayStream {
	s := &relayStream{window: window}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *relayStream) write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var written int
	for len(p) > 0 {
		for len(s.data)-s.pos >= s.window && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			if s.err != nil {
				return written, s.err
			}
			return written, ErrRelayClosed
		}
		n := min(s.window-(len(s.data)-s.pos), len(p))
		s.data = append(s.data, p[:n]...)
		p = p[n:]
		written += n
		s.cond.Broadcast()
	}
	return written, nil
}

func (s *relayStream) read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.pos == len(s.data) && !s.closed {
		s.cond.Wait()
	}
	if s.err != nil {
		return 0, s.err
	}
	if s.pos == len(s.data) {
		return 0, io.EOF
	}
	n := copy(p, s.data[s.pos:])
	s.pos += n
	s.cond.Broadcast()
	return n, nil
}

// rewind restarts the stream for a replay after a failed downstream attempt.
func (s *relayStream) rewind() {
	s.mu.Lock()
	s.pos = 0
	s.mu.Unlock()
}

func (s *relayStream) completed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed && s.err == nil
}

// closeWithError wakes all waiters. A nil error means a clean end of stream.
func (s *relayStream) closeWithError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	s.cond.Broadcast()
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Relay connects the sending and receiving legs of a multi-hop chunk: the
// upstream gateway's downstream writer feeds a per-chunk stream that the
// downstream gateway's upstream reader drains. Staged bytes stay available
// for replay until the downstream gateway releases the chunk, so a transient
// failure on the receiving leg retries without re-running the sending leg.
type Relay struct {
	mu      sync.Mutex
	streams map[string]*relayStream
	window  int
	closed  bool
}

// NewRelay creates a relay with the given per-chunk window size.
func NewRelay(window int) *Relay {
	if window <= 0 {
		window = 4 << 20
	}
	return &Relay{streams: make(map[string]*relayStream), window: window}
}

func (r *Relay) stream(chunkID string) (*relayStream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRelayClosed
	}
	s, ok := r.streams[chunkID]
	if !ok {
		s = newRelayStream(r.window)
		r.streams[chunkID] = s
	}
	return s, nil
}

func (r *Relay) drop(chunkID string) {
	r.mu.Lock()
	delete(r.streams, chunkID)
	r.mu.Unlock()
}

// Release discards a chunk's staged bytes once the downstream gateway has
// taken it to a terminal state. A writer still blocked on the stream is
// aborted.
func (r *Relay) Release(chunkID string) {
	r.mu.Lock()
	s, ok := r.streams[chunkID]
	delete(r.streams, chunkID)
	r.mu.Unlock()
	if ok {
		s.closeWithError(ErrRelayClosed)
	}
}

// Close aborts every open stream.
func (r *Relay) Close() {
	r.mu.Lock()
	r.closed = true
	streams := r.streams
	r.streams = make(map[string]*relayStream)
	r.mu.Unlock()
	for _, s := range streams {
		s.closeWithError(ErrRelayClosed)
	}
}

// RelayDownstream is the sending side: the upstream gateway writes chunk
// bytes into the relay.
type RelayDownstream struct {
	Relay *Relay
}

func (d *RelayDownstream) Write(ctx context.Context, c chunker.Chunk, src io.Reader) error {
	s, err := d.Relay.stream(c.ID)
	if err != nil {
		return err
	}
	// Redelivery of an already staged chunk: drain the source so callers
	// hashing the stream see the full bytes, and keep the staged copy.
	if s.completed() {
		_, err := io.Copy(io.Discard, src)
		return err
	}
	n, err := io.Copy(streamWriter{s}, src)
	if err != nil {
		s.closeWithError(err)
		d.Relay.drop(c.ID)
		return err
	}
	if n != c.Length {
		err := fmt.Errorf("relay write for %s: short stream %d of %d bytes", c.ID, n, c.Length)
		s.closeWithError(err)
		d.Relay.drop(c.ID)
		return err
	}
	s.closeWithError(nil)
	return nil
}

type streamWriter struct{ s *relayStream }

func (w streamWriter) Write(p []byte) (int, error) { return w.s.write(p) }

// RelayUpstream is the receiving side: the downstream gateway reads chunk
// bytes out of the relay.
type RelayUpstream struct {
	Relay *Relay
}

func (u *RelayUpstream) Open(ctx context.Context, c chunker.Chunk) (io.ReadCloser, error) {
	s, err := u.Relay.stream(c.ID)
	if err != nil {
		return nil, err
	}
	s.rewind()
	return &relayReader{stream: s}, nil
}

// Release implements Releaser: the downstream gateway discards the staged
// bytes when the chunk is terminal on its side.
func (u *RelayUpstream) Release(chunkID string) {
	u.Relay.Release(chunkID)
}

type relayReader struct {
	stream *relayStream
}

func (r *relayReader) Read(p []byte) (int, error) { return r.stream.read(p) }

// Close keeps the staged bytes; a retry reopens and replays the stream.
func (r *relayReader) Close() error { return nil }
