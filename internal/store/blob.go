package store

import (
	"context"
	"encoding/json"
	"fmt"

	"sget/internal/task"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// buckets
	_ "gocloud.dev/blob/memblob"  // mem:// buckets
	"gocloud.dev/gcerrors"
)

// BlobStore keeps the registry as a single object in a gocloud.dev bucket,
// e.g. "file:///var/lib/sget" or "mem://".
type BlobStore struct {
	bucket *blob.Bucket
	key    string
}

var _ task.Store = (*BlobStore)(nil)

// OpenBlobStore opens the bucket at bucketURL. An empty key uses DefaultKey.
func OpenBlobStore(ctx context.Context, bucketURL, key string) (*BlobStore, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %q: %w", bucketURL, err)
	}
	if key == "" {
		key = DefaultKey
	}
	return &BlobStore{bucket: bucket, key: key}, nil
}

func (s *BlobStore) LoadAll(ctx context.Context) ([]task.Snapshot, error) {
	b, err := s.bucket.ReadAll(ctx, s.key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", s.key, err)
	}
	return decode(b)
}

func (s *BlobStore) SaveAll(ctx context.Context, tasks []task.Snapshot) error {
	b, err := json.MarshalIndent(newDocument(tasks), "", "  ")
	if err != nil {
		return fmt.Errorf("encode downloads: %w", err)
	}
	if err := s.bucket.WriteAll(ctx, s.key, b, &blob.WriterOptions{ContentType: "application/json"}); err != nil {
		return fmt.Errorf("write %s: %w", s.key, err)
	}
	return nil
}

func (s *BlobStore) Close() error {
	return s.bucket.Close() //nolint:wrapcheck
}
