package assets

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/storage"
)

// signedURLTTL is how long a resolved media URL stays valid. Long
// enough for a scrollback session, short enough to not matter if
// leaked.
const signedURLTTL = 4 * time.Hour

// SignedURLUpstream resolves storage paths to signed GET URLs on a
// cloud storage bucket, and uploads outgoing attachment bytes to the
// same bucket.
type SignedURLUpstream struct {
	client *storage.Client
	bucket string
}

// NewSignedURLUpstream wraps a storage client for the given bucket.
func NewSignedURLUpstream(client *storage.Client, bucket string) *SignedURLUpstream {
	return &SignedURLUpstream{client: client, bucket: bucket}
}

// ResolveURL signs a time-limited GET URL for the object at path.
func (u *SignedURLUpstream) ResolveURL(_ context.Context, path string) (string, error) {
	url, err := u.client.Bucket(u.bucket).SignedURL(path, &storage.SignedURLOptions{
		Method:  "GET",
		Expires: time.Now().Add(signedURLTTL),
	})
	if err != nil {
		return "", fmt.Errorf("sign url for %s: %w", path, err)
	}
	return url, nil
}

// Upload writes attachment bytes to the object at path.
func (u *SignedURLUpstream) Upload(ctx context.Context, path string, data []byte) error {
	w := u.client.Bucket(u.bucket).Object(path).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("upload %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("upload %s: %w", path, err)
	}
	return nil
}
