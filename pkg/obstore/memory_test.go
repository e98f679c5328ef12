package obstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutAtOffsetGrowsObject(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "obj", 4, bytes.NewReader([]byte("world"))))
	require.NoError(t, store.Put(ctx, "obj", 0, bytes.NewReader([]byte("hell"))))

	data, ok := store.Bytes("obj")
	require.True(t, ok)
	assert.Equal(t, []byte("hellworld"), data)
}

func TestPutRedeliveryIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "obj", 0, bytes.NewReader([]byte("abcdef"))))
	// Redelivering the same range rewrites the same bytes.
	require.NoError(t, store.Put(ctx, "obj", 2, bytes.NewReader([]byte("cd"))))

	data, _ := store.Bytes("obj")
	assert.Equal(t, []byte("abcdef"), data)
}

func TestGetRangeBounds(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	store.Seed("obj", []byte("0123456789"))

	r, err := store.GetRange(ctx, "obj", 3, 4)
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, []byte("3456"), data)

	_, err = store.GetRange(ctx, "obj", 8, 10)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.GetRange(ctx, "missing", 0, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFaultInjection(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	store.Seed("obj", []byte("data"))

	injected := errors.New("socket reset")
	store.FailPut = func(key string, offset int64) error { return Transient(injected) }
	err := store.Put(ctx, "obj", 0, bytes.NewReader([]byte("x")))
	require.Error(t, err)
	assert.False(t, IsPermanent(err))

	store.FailGet = func(key string, offset int64) error { return ErrAccessDenied }
	_, err = store.GetRange(ctx, "obj", 0, 1)
	assert.True(t, IsPermanent(err))
}

func TestErrorClassification(t *testing.T) {
	assert.True(t, IsPermanent(ErrNotFound))
	assert.True(t, IsPermanent(ErrAccessDenied))
	assert.True(t, IsPermanent(context.Canceled))
	assert.False(t, IsPermanent(Transient(errors.New("timeout"))))
	assert.False(t, IsPermanent(errors.New("unclassified")), "unknown errors are retried")
}
