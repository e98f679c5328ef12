package obstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"

	"google.golang.org/api/googleapi"
	storage "google.golang.org/api/storage/v1"
)

// GCSStore implements Store against a Google Cloud Storage bucket. GCS has no
// ranged writes, so chunk writes are staged as per-offset component objects
// and stitched together with the compose API at Finalize.
type GCSStore struct {
	svc    *storage.Service
	bucket string

	mu     sync.Mutex
	staged map[string][]int64 // key -> offsets of staged components
}

// NewGCSStore wraps a GCS JSON API service for one bucket.
func NewGCSStore(svc *storage.Service, bucket string) *GCSStore {
	return &GCSStore{svc: svc, bucket: bucket, staged: make(map[string][]int64)}
}

func (s *GCSStore) GetRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	call := s.svc.Objects.Get(s.bucket, key).Context(ctx)
	call.Header().Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
	resp, err := call.Download()
	if err != nil {
		return nil, classifyGCSError(err)
	}
	return resp.Body, nil
}

func (s *GCSStore) Put(ctx context.Context, key string, offset int64, r io.Reader) error {
	name := componentName(key, offset)
	obj := &storage.Object{Name: name}
	_, err := s.svc.Objects.Insert(s.bucket, obj).Media(r).Context(ctx).Do()
	if err != nil {
		return classifyGCSError(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, off := range s.staged[key] {
		if off == offset {
			return nil // redelivered chunk, component already tracked
		}
	}
	s.staged[key] = append(s.staged[key], offset)
	return nil
}

// Finalize composes the staged components into the final object in offset
// order, then deletes the components. Compose accepts at most 32 sources per
// call, so large objects are folded iteratively.
func (s *GCSStore) Finalize(ctx context.Context, key string) error {
	s.mu.Lock()
	offsets := s.staged[key]
	delete(s.staged, key)
	s.mu.Unlock()
	if len(offsets) == 0 {
		return nil
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })

	names := make([]string, len(offsets))
	for i, off := range offsets {
		names[i] = componentName(key, off)
	}

	var temps []string
	for len(names) > 1 {
		batch := names
		if len(batch) > 32 {
			batch = batch[:32]
		}
		sources := make([]*storage.ComposeRequestSourceObjects, len(batch))
		for i, n := range batch {
			sources[i] = &storage.ComposeRequestSourceObjects{Name: n}
		}
		merged := batch[0] + ".compose"
		if len(names) <= 32 {
			merged = key
		} else {
			temps = append(temps, merged)
		}
		req := &storage.ComposeRequest{
			Destination:   &storage.Object{Name: merged},
			SourceObjects: sources,
		}
		if _, err := s.svc.Objects.Compose(s.bucket, merged, req).Context(ctx).Do(); err != nil {
			return classifyGCSError(err)
		}
		names = append([]string{merged}, names[len(batch):]...)
	}
	if names[0] != key {
		// Single-component object: copy it to the final key.
		if _, err := s.svc.Objects.Copy(s.bucket, names[0], s.bucket, key, nil).Context(ctx).Do(); err != nil {
			return classifyGCSError(err)
		}
	}

	// Component cleanup failures leave stale staging objects but do not
	// fail the transfer.
	for _, off := range offsets {
		_ = s.svc.Objects.Delete(s.bucket, componentName(key, off)).Context(ctx).Do()
	}
	for _, name := range temps {
		_ = s.svc.Objects.Delete(s.bucket, name).Context(ctx).Do()
	}
	return nil
}

func (s *GCSStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	call := s.svc.Objects.List(s.bucket).Prefix(prefix)
	err := call.Pages(ctx, func(page *storage.Objects) error {
		for _, obj := range page.Items {
			keys = append(keys, obj.Name)
		}
		return nil
	})
	if err != nil {
		return nil, classifyGCSError(err)
	}
	return keys, nil
}

func (s *GCSStore) Delete(ctx context.Context, key string) error {
	if err := s.svc.Objects.Delete(s.bucket, key).Context(ctx).Do(); err != nil {
		return classifyGCSError(err)
	}
	return nil
}

func (s *GCSStore) Size(ctx context.Context, key string) (int64, error) {
	obj, err := s.svc.Objects.Get(s.bucket, key).Context(ctx).Do()
	if err != nil {
		return 0, classifyGCSError(err)
	}
	return int64(obj.Size), nil
}

func componentName(key string, offset int64) string {
	return fmt.Sprintf("%s.part-%012d", key, offset)
}

func classifyGCSError(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		case http.StatusForbidden, http.StatusUnauthorized:
			return fmt.Errorf("%w: %v", ErrAccessDenied, err)
		}
	}
	return Transient(err)
}
