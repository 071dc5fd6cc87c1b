package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/nats-io/nats.go"
)

// VideoBucket stores finished videos in a JetStream object store.
type VideoBucket struct {
	bucket string
	store  nats.ObjectStore
}

// OpenVideoBucket binds to bucket, creating it when it does not exist yet.
func (c *Client) OpenVideoBucket(bucket string) (*VideoBucket, error) {
	store, err := c.js.ObjectStore(bucket)
	if errors.Is(err, nats.ErrStreamNotFound) || errors.Is(err, nats.ErrBucketNotFound) {
		store, err = c.js.CreateObjectStore(&nats.ObjectStoreConfig{
			Bucket:      bucket,
			Description: "Rendered lip-sync videos",
			Storage:     nats.FileStorage,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("open object store %q: %w", bucket, err)
	}
	c.log.Info("object store ready", slog.String("bucket", bucket))
	return &VideoBucket{bucket: bucket, store: store}, nil
}

// PublishVideo streams the file at path into the bucket under name.
func (b *VideoBucket) PublishVideo(ctx context.Context, name, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	meta := &nats.ObjectMeta{Name: name, Headers: nats.Header{"Content-Type": []string{"video/mp4"}}}
	if _, err := b.store.Put(meta, f, nats.Context(ctx)); err != nil {
		return fmt.Errorf("put %s into %s: %w", name, b.bucket, err)
	}
	return nil
}

// Info returns the stored metadata for name.
func (b *VideoBucket) Info(name string) (*nats.ObjectInfo, error) {
	return b.store.GetInfo(name)
}
