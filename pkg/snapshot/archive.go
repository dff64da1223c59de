package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/dukex/flowtree/pkg/models"

	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
)

// ErrSnapshotNotFound is returned by Load for an unknown key.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// Archive stores snapshots in a blob bucket (file://, mem://, s3://).
type Archive struct {
	bucket *blob.Bucket
}

// OpenArchive opens the bucket named by bucketURL.
func OpenArchive(ctx context.Context, bucketURL string) (*Archive, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open snapshot bucket: %w", err)
	}

	return &Archive{bucket: bucket}, nil
}

// Save encodes export and writes it under key.
func (a *Archive) Save(ctx context.Context, key string, export *models.FlowExport, format Format) error {
	data, err := Encode(export, format)
	if err != nil {
		return err
	}

	return a.bucket.WriteAll(ctx, key, data, &blob.WriterOptions{ContentType: format.ContentType()})
}

// Load reads and decodes the snapshot stored under key.
func (a *Archive) Load(ctx context.Context, key string) (*models.FlowExport, error) {
	data, err := a.bucket.ReadAll(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, key)
		}

		return nil, err
	}

	return Decode(data)
}

// Keys lists stored snapshot keys under prefix.
func (a *Archive) Keys(ctx context.Context, prefix string) ([]string, error) {
	keys := []string{}

	iter := a.bucket.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, err
		}

		if !obj.IsDir {
			keys = append(keys, obj.Key)
		}
	}

	return keys, nil
}

func (a *Archive) Close() error {
	return a.bucket.Close()
}
