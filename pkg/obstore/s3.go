package obstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3Store implements Store against an S3-compatible bucket. Ranged writes are
// staged as multipart-upload parts addressed by offset/PartSize, so a retried
// chunk re-uploads the same part number and replaces it in place. Finalize
// completes the multipart upload once every part has arrived.
type S3Store struct {
	client   *s3.Client
	bucket   string
	partSize int64

	mu      sync.Mutex
	uploads map[string]*s3Upload
}

type s3Upload struct {
	id    string
	parts map[int32]string // part number -> etag
}

// NewS3Store wraps an S3 client for one bucket. partSize must match the
// chunker's maximum chunk size so part numbers line up with chunk offsets.
func NewS3Store(client *s3.Client, bucket string, partSize int64) *S3Store {
	return &S3Store{
		client:   client,
		bucket:   bucket,
		partSize: partSize,
		uploads:  make(map[string]*s3Upload),
	}
}

func (s *S3Store) GetRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)),
	})
	if err != nil {
		return nil, classifyS3Error(err)
	}
	return out.Body, nil
}

func (s *S3Store) Put(ctx context.Context, key string, offset int64, r io.Reader) error {
	if offset%s.partSize != 0 {
		return fmt.Errorf("put offset %d is not aligned to part size %d", offset, s.partSize)
	}
	up, err := s.upload(ctx, key)
	if err != nil {
		return err
	}
	partNum := int32(offset/s.partSize) + 1

	data, err := io.ReadAll(r)
	if err != nil {
		return Transient(err)
	}
	out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(key),
		UploadId:   aws.String(up.id),
		PartNumber: aws.Int32(partNum),
		Body:       bytes.NewReader(data),
	})
	if err != nil {
		return classifyS3Error(err)
	}

	s.mu.Lock()
	up.parts[partNum] = aws.ToString(out.ETag)
	s.mu.Unlock()
	return nil
}

// Finalize completes the multipart upload for key.
func (s *S3Store) Finalize(ctx context.Context, key string) error {
	s.mu.Lock()
	up, ok := s.uploads[key]
	if ok {
		delete(s.uploads, key)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}

	nums := make([]int32, 0, len(up.parts))
	for n := range up.parts {
		nums = append(nums, n)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })

	parts := make([]types.CompletedPart, 0, len(nums))
	for _, n := range nums {
		parts = append(parts, types.CompletedPart{
			PartNumber: aws.Int32(n),
			ETag:       aws.String(up.parts[n]),
		})
	}
	_, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(up.id),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		return classifyS3Error(err)
	}
	return nil
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classifyS3Error(err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return classifyS3Error(err)
	}
	return nil
}

func (s *S3Store) Size(ctx context.Context, key string) (int64, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, classifyS3Error(err)
	}
	return aws.ToInt64(out.ContentLength), nil
}

func (s *S3Store) upload(ctx context.Context, key string) (*s3Upload, error) {
	s.mu.Lock()
	if up, ok := s.uploads[key]; ok {
		s.mu.Unlock()
		return up, nil
	}
	s.mu.Unlock()

	out, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classifyS3Error(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Another worker may have raced us; keep the first upload id.
	if up, ok := s.uploads[key]; ok {
		return up, nil
	}
	up := &s3Upload{id: aws.ToString(out.UploadId), parts: make(map[int32]string)}
	s.uploads[key] = up
	return up, nil
}

func classifyS3Error(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NoSuchBucket", "NotFound":
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return fmt.Errorf("%w: %v", ErrAccessDenied, err)
		}
	}
	return Transient(err)
}
