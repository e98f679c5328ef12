package obstore

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Store is the object-store capability the dataplane runs against. Variants
// exist per provider and are selected by configuration. Put is addressed by
// (key, offset) and must be idempotent: repeating a write for the same offset
// overwrites identically and never duplicates bytes in the final object.
type Store interface {
	// GetRange streams length bytes of key starting at offset.
	GetRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error)
	// Put writes the reader's bytes at offset within key.
	Put(ctx context.Context, key string, offset int64, r io.Reader) error
	// List returns the keys under prefix.
	List(ctx context.Context, prefix string) ([]string, error)
	// Delete removes key.
	Delete(ctx context.Context, key string) error
	// Size returns the byte length of key.
	Size(ctx context.Context, key string) (int64, error)
}

// Finalizer is implemented by stores that stage ranged writes and need an
// explicit completion step per object (multipart upload, compose).
type Finalizer interface {
	Finalize(ctx context.Context, key string) error
}

// Sentinel errors for permanent failures. The dataplane fails a chunk
// immediately on a permanent error instead of retrying.
var (
	ErrNotFound     = errors.New("object not found")
	ErrAccessDenied = errors.New("access denied")
)

// TransientError wraps an error the dataplane may retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsPermanent reports whether err should not be retried.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return false
	}
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrAccessDenied) ||
		errors.Is(err, context.Canceled)
}
