package storage

import "context"

// Scoped pins a Client to one bucket so callers stop repeating the
// bucket name at every object call.
type Scoped struct {
	c      *Client
	bucket string
}

// Scoped returns a bucket-pinned view of c.
func (c *Client) Scoped(bucket string) *Scoped {
	return &Scoped{c: c, bucket: bucket}
}

func (s *Scoped) Upload(ctx context.Context, objectPath string, data []byte, opts UploadOptions) error {
	return s.c.Upload(ctx, s.bucket, objectPath, data, opts)
}

func (s *Scoped) UpdateObject(ctx context.Context, objectPath string, data []byte, opts UploadOptions) error {
	return s.c.UpdateObject(ctx, s.bucket, objectPath, data, opts)
}

func (s *Scoped) Download(ctx context.Context, objectPath string) ([]byte, error) {
	return s.c.Download(ctx, s.bucket, objectPath)
}

func (s *Scoped) Exists(ctx context.Context, objectPath string) (bool, error) {
	return s.c.Exists(ctx, s.bucket, objectPath)
}

func (s *Scoped) DeleteObject(ctx context.Context, objectPath string) error {
	return s.c.DeleteObject(ctx, s.bucket, objectPath)
}

func (s *Scoped) ListObjects(ctx context.Context, opts ListOptions) ([]ObjectInfo, error) {
	return s.c.ListObjects(ctx, s.bucket, opts)
}

func (s *Scoped) SignedURL(ctx context.Context, objectPath string, expiresIn int) (string, error) {
	return s.c.SignedURL(ctx, s.bucket, objectPath, expiresIn)
}

func (s *Scoped) PublicURL(objectPath string) string {
	return s.c.PublicURL(s.bucket, objectPath)
}
