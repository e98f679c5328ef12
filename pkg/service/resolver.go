package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/xutingl/skyplane/pkg/config"
	"github.com/xutingl/skyplane/pkg/models"
	"github.com/xutingl/skyplane/pkg/obstore"
)

// StoreResolver builds bucket-scoped object stores for a job's endpoints.
type StoreResolver interface {
	Resolve(ctx context.Context, region, bucket string, creds *models.Credentials) (obstore.Store, error)
}

// CloudStoreResolver resolves stores against real providers. The provider is
// taken from the region tag prefix ("aws:us-east-1", "gcp:us-central1"); any
// unrecognized prefix with explicit endpoint credentials is treated as an
// S3-compatible provider.
type CloudStoreResolver struct {
	// PartSize for S3 multipart staging; 0 uses the chunk-size default.
	PartSize int64
}

func (r *CloudStoreResolver) Resolve(ctx context.Context, region, bucket string, creds *models.Credentials) (obstore.Store, error) {
	if bucket == "" {
		return nil, fmt.Errorf("no bucket for region %s", region)
	}
	provider := strings.SplitN(region, ":", 2)[0]
	if creds != nil && creds.Provider != "" {
		provider = creds.Provider
	}

	switch provider {
	case "gcp":
		svc, err := config.NewGCSService(ctx, creds)
		if err != nil {
			return nil, err
		}
		return obstore.NewGCSStore(svc, bucket), nil
	default:
		client, err := config.NewS3Client(ctx, creds)
		if err != nil {
			return nil, err
		}
		partSize := r.PartSize
		if partSize <= 0 {
			partSize = 64 << 20
		}
		return obstore.NewS3Store(client, bucket, partSize), nil
	}
}

// StaticStoreResolver serves pre-built stores by region tag. Used in tests
// and local runs.
type StaticStoreResolver struct {
	Stores map[string]obstore.Store
}

func (r *StaticStoreResolver) Resolve(ctx context.Context, region, bucket string, creds *models.Credentials) (obstore.Store, error) {
	store, ok := r.Stores[region]
	if !ok {
		return nil, fmt.Errorf("no store for region %s", region)
	}
	return store, nil
}
