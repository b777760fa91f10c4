// Package storage persists downloaded bytes in a gocloud.dev blob bucket.
// Writes are atomic: a key becomes readable only after the writer commits on
// Close, so a result_ref can never point at a partial object.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	// Bucket drivers are selected by the bucket URL scheme.
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/amxwer/File-downloader/internal/domain"
)

// ErrNotExist is returned by Get when the referenced object is missing.
var ErrNotExist = errors.New("storage: object does not exist")

// Store owns the byte content referenced by a task's result_ref.
type Store interface {
	// Put streams r into the store under a key derived from taskID and
	// returns the committed object's reference and size.
	Put(ctx context.Context, taskID string, r io.Reader, contentType string) (ref string, size int64, err error)

	// Get opens the object behind a result_ref.
	Get(ctx context.Context, ref string) (io.ReadCloser, error)
}

// BlobStore is a Store over any gocloud bucket (file://, mem://, s3://...).
type BlobStore struct {
	bucket *blob.Bucket
}

// NewBlobStore wraps an open bucket.
func NewBlobStore(bucket *blob.Bucket) *BlobStore {
	return &BlobStore{bucket: bucket}
}

// OpenBucket opens the bucket behind a gocloud URL.
func OpenBucket(ctx context.Context, urlstr string) (*blob.Bucket, error) {
	bucket, err := blob.OpenBucket(ctx, urlstr)
	if err != nil {
		return nil, fmt.Errorf("open bucket %q: %w", urlstr, err)
	}
	return bucket, nil
}

var _ Store = (*BlobStore)(nil)

func (s *BlobStore) Put(ctx context.Context, taskID string, r io.Reader, contentType string) (string, int64, error) {
	key := "blobs/" + taskID

	// Cancelling the writer's context aborts the write; nothing is committed
	// unless Close succeeds.
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w, err := s.bucket.NewWriter(wctx, key, &blob.WriterOptions{ContentType: contentType})
	if err != nil {
		return "", 0, &domain.StorageUnavailableError{Op: "put", Err: err}
	}

	size, err := io.Copy(w, r)
	if err != nil {
		cancel()
		_ = w.Close()
		// Reader-side failures (e.g. an oversized stream) keep their own
		// classification; only writer-side failures are storage errors.
		var fe *domain.FetchError
		if errors.As(err, &fe) {
			return "", 0, fe
		}
		return "", 0, &domain.StorageUnavailableError{Op: "put", Err: err}
	}

	if err := w.Close(); err != nil {
		return "", 0, &domain.StorageUnavailableError{Op: "put commit", Err: err}
	}
	return key, size, nil
}

func (s *BlobStore) Get(ctx context.Context, ref string) (io.ReadCloser, error) {
	r, err := s.bucket.NewReader(ctx, ref, nil)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("%w: %s", ErrNotExist, ref)
		}
		return nil, &domain.StorageUnavailableError{Op: "get", Err: err}
	}
	return r, nil
}
