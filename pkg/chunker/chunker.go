package chunker

import (
	"context"
	"fmt"
	"io"

	"github.com/xutingl/skyplane/pkg/models"
	"github.com/xutingl/skyplane/pkg/obstore"
)

// Chunk is the atomic unit of transfer: a byte range of one object plus the
// digest of its contents at chunk-creation time. Chunks are independent and
// order-insensitive; objects are reassembled by offset, not by arrival order.
type Chunk struct {
	ID        string `json:"id"`
	JobID     string `json:"job_id"`
	SourceKey string `json:"source_key"`
	DestKey   string `json:"dest_key"`
	Offset    int64  `json:"offset"`
	Length    int64  `json:"length"`
	Checksum  string `json:"checksum"` // hex SHA-256 of the range
}

// ChunkID derives the stable identifier for a byte range. Re-chunking the same
// job always reproduces the same ids, which is what makes assignment and
// control-channel deduplication idempotent.
func ChunkID(jobID, sourceKey string, offset int64) string {
	return fmt.Sprintf("%s/%s@%d", jobID, sourceKey, offset)
}

// Policy bounds chunk sizes. Larger chunks reduce per-chunk overhead; smaller
// chunks improve load balancing and retry granularity.
type Policy struct {
	ChunkSize int64 // target size for large objects
	MinSize   int64 // objects at or below this size transfer whole
}

// DefaultPolicy returns the standard chunk size policy
func DefaultPolicy() Policy {
	return Policy{
		ChunkSize: 64 << 20, // 64 MiB
		MinSize:   8 << 20,  // 8 MiB
	}
}

func (p Policy) validate() error {
	if p.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", p.ChunkSize)
	}
	if p.MinSize < 0 || p.MinSize > p.ChunkSize {
		return fmt.Errorf("min size %d out of range for chunk size %d", p.MinSize, p.ChunkSize)
	}
	return nil
}

// Split derives the chunk sequence for a job without reading any data.
// Deterministic and restartable: the same job and policy always yield the
// same sequence.
func Split(job *models.TransferJob, policy Policy) ([]Chunk, error) {
	if err := policy.validate(); err != nil {
		return nil, err
	}
	var chunks []Chunk
	for _, pair := range job.Pairs {
		if pair.Bytes < 0 {
			return nil, fmt.Errorf("object %s has negative size %d", pair.SourceKey, pair.Bytes)
		}
		if pair.Bytes <= policy.MinSize {
			// Small objects transfer whole.
			chunks = append(chunks, Chunk{
				ID:        ChunkID(job.ID, pair.SourceKey, 0),
				JobID:     job.ID,
				SourceKey: pair.SourceKey,
				DestKey:   pair.DestKey,
				Offset:    0,
				Length:    pair.Bytes,
			})
			continue
		}
		for offset := int64(0); offset < pair.Bytes; offset += policy.ChunkSize {
			length := policy.ChunkSize
			if remain := pair.Bytes - offset; remain < length {
				length = remain
			}
			chunks = append(chunks, Chunk{
				ID:        ChunkID(job.ID, pair.SourceKey, offset),
				JobID:     job.ID,
				SourceKey: pair.SourceKey,
				DestKey:   pair.DestKey,
				Offset:    offset,
				Length:    length,
			})
		}
	}
	return chunks, nil
}

// Checksum reads the chunk's source range and records its digest for
// end-to-end verification.
func Checksum(ctx context.Context, store obstore.Store, c *Chunk) error {
	r, err := store.GetRange(ctx, c.SourceKey, c.Offset, c.Length)
	if err != nil {
		return fmt.Errorf("failed to read %s for checksum: %w", c.ID, err)
	}
	defer r.Close()

	hasher := NewStreamingHasher()
	if _, err := io.Copy(hasher, r); err != nil {
		return fmt.Errorf("failed to hash %s: %w", c.ID, err)
	}
	if hasher.Size() != c.Length {
		return fmt.Errorf("chunk %s: source returned %d bytes, want %d", c.ID, hasher.Size(), c.Length)
	}
	c.Checksum = hasher.Sum()
	return nil
}

// Plan splits the job and computes creation-time checksums for every chunk.
func Plan(ctx context.Context, store obstore.Store, job *models.TransferJob, policy Policy) ([]Chunk, error) {
	chunks, err := Split(job, policy)
	if err != nil {
		return nil, err
	}
	for i := range chunks {
		if err := Checksum(ctx, store, &chunks[i]); err != nil {
			return nil, err
		}
	}
	return chunks, nil
}
