package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"hash/crc32"
	"io"
)

// StreamingHasher calculates the chunk digest while data flows through, so
// checksumming never requires a second pass over the bytes.
type StreamingHasher struct {
	sha  hash.Hash
	crc  hash.Hash32
	size int64
}

// NewStreamingHasher creates a new streaming hasher
func NewStreamingHasher() *StreamingHasher {
	return &StreamingHasher{
		sha: sha256.New(),
		crc: crc32.NewIEEE(),
	}
}

// Write implements io.Writer
func (sh *StreamingHasher) Write(p []byte) (n int, err error) {
	n, err = io.MultiWriter(sh.sha, sh.crc).Write(p)
	sh.size += int64(n)
	return n, err
}

// Sum returns the hex SHA-256 digest of everything written so far.
func (sh *StreamingHasher) Sum() string {
	return hex.EncodeToString(sh.sha.Sum(nil))
}

// CRC32 returns the IEEE CRC of everything written so far.
func (sh *StreamingHasher) CRC32() uint32 {
	return sh.crc.Sum32()
}

// Size returns the number of bytes hashed.
func (sh *StreamingHasher) Size() int64 {
	return sh.size
}
