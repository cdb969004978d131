// Package storage implements the object-storage REST surface: bucket
// and object metadata operations plus byte transfers.
package storage

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/gabriel-vasile/mimetype"

	"github.com/jsupabase/jsupabase-sub001/errs"
	"github.com/jsupabase/jsupabase-sub001/transport"
)

// Client is the storage façade.
type Client struct {
	tr *transport.Transport
}

// New builds a storage Client over tr.
func New(tr *transport.Transport) *Client {
	return &Client{tr: tr}
}

// Bucket is a Supabase Storage bucket descriptor.
type Bucket struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Public          bool     `json:"public"`
	FileSizeLimit   *int64   `json:"file_size_limit,omitempty"`
	AllowedMimeTypes []string `json:"allowed_mime_types,omitempty"`
}

// BucketOptions configures CreateBucket/UpdateBucket.
type BucketOptions struct {
	ID               string
	Public           bool
	FileSizeLimit    *int64
	AllowedMimeTypes []string
}

func (o BucketOptions) body() map[string]interface{} {
	m := map[string]interface{}{"id": o.ID, "public": o.Public}
	if o.FileSizeLimit != nil {
		m["file_size_limit"] = *o.FileSizeLimit
	}
	if o.AllowedMimeTypes != nil {
		m["allowed_mime_types"] = o.AllowedMimeTypes
	}
	return m
}

func (c *Client) path(suffix string) string {
	return c.tr.Config().StoragePath() + suffix
}

// ListBuckets returns every bucket visible to the current credential.
func (c *Client) ListBuckets(ctx context.Context) ([]Bucket, error) {
	var buckets []Bucket
	err := c.tr.NewRequest(http.MethodGet, c.path("/bucket")).Send(ctx, &buckets)
	return buckets, err
}

// GetBucket retrieves one bucket's metadata.
func (c *Client) GetBucket(ctx context.Context, id string) (*Bucket, error) {
	var bucket Bucket
	err := c.tr.NewRequest(http.MethodGet, c.path("/bucket/"+id)).Send(ctx, &bucket)
	if err != nil {
		return nil, err
	}
	return &bucket, nil
}

// CreateBucket creates a new bucket.
func (c *Client) CreateBucket(ctx context.Context, opts BucketOptions) error {
	req, err := c.tr.NewRequest(http.MethodPost, c.path("/bucket")).JSONBody(opts.body())
	if err != nil {
		return err
	}
	return req.Send(ctx, nil)
}

// UpdateBucket updates an existing bucket's options.
func (c *Client) UpdateBucket(ctx context.Context, id string, opts BucketOptions) error {
	req, err := c.tr.NewRequest(http.MethodPut, c.path("/bucket/"+id)).JSONBody(opts.body())
	if err != nil {
		return err
	}
	return req.Send(ctx, nil)
}

// EmptyBucket removes every object from a bucket without deleting it.
func (c *Client) EmptyBucket(ctx context.Context, id string) error {
	return c.tr.NewRequest(http.MethodPost, c.path("/bucket/"+id+"/empty")).Send(ctx, nil)
}

// DeleteBucket deletes an (already empty) bucket.
func (c *Client) DeleteBucket(ctx context.Context, id string) error {
	return c.tr.NewRequest(http.MethodDelete, c.path("/bucket/"+id)).Send(ctx, nil)
}

// UploadOptions configures Upload.
type UploadOptions struct {
	ContentType  string // probed from data when empty
	Upsert       bool
	CacheControl string
}

// Upload stores data at bucket/path. When ContentType is empty it is
// probed from the first bytes of data via gabriel-vasile/mimetype.
func (c *Client) Upload(ctx context.Context, bucket, objectPath string, data []byte, opts UploadOptions) error {
	contentType := opts.ContentType
	if contentType == "" {
		contentType = mimetype.Detect(data).String()
	}

	req := c.tr.NewRequest(http.MethodPost, c.path("/object/"+bucket+"/"+objectPath)).
		RawBody(newByteReader(data), contentType)
	if opts.Upsert {
		req = req.Header("x-upsert", "true")
	}
	if opts.CacheControl != "" {
		req = req.Header("cache-control", opts.CacheControl)
	}
	return req.Send(ctx, nil)
}

// UpdateObject replaces the bytes at an existing object path.
func (c *Client) UpdateObject(ctx context.Context, bucket, objectPath string, data []byte, opts UploadOptions) error {
	contentType := opts.ContentType
	if contentType == "" {
		contentType = mimetype.Detect(data).String()
	}
	req := c.tr.NewRequest(http.MethodPut, c.path("/object/"+bucket+"/"+objectPath)).
		RawBody(newByteReader(data), contentType)
	if opts.CacheControl != "" {
		req = req.Header("cache-control", opts.CacheControl)
	}
	return req.Send(ctx, nil)
}

// Download retrieves the full byte content of an object.
func (c *Client) Download(ctx context.Context, bucket, objectPath string) ([]byte, error) {
	resp, err := c.tr.NewRequest(http.MethodGet, c.path("/object/"+bucket+"/"+objectPath)).SendResponse(ctx)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &errs.TransportError{Cause: err}
	}
	return body, nil
}

// Exists reports whether an object is present, mapping a 404 to
// (false, nil) rather than an error.
func (c *Client) Exists(ctx context.Context, bucket, objectPath string) (bool, error) {
	_, err := c.Download(ctx, bucket, objectPath)
	if err == nil {
		return true, nil
	}
	if errs.IsNotFound(err) {
		return false, nil
	}
	return false, err
}

// Copy duplicates an object to a new path, within or across buckets.
func (c *Client) Copy(ctx context.Context, srcBucket, srcPath, destBucket, destPath string) error {
	body := map[string]string{
		"bucketId":       srcBucket,
		"sourceKey":      srcPath,
		"destinationKey": destPath,
	}
	if destBucket != "" && destBucket != srcBucket {
		body["destinationBucket"] = destBucket
	}
	req, err := c.tr.NewRequest(http.MethodPost, c.path("/object/copy")).JSONBody(body)
	if err != nil {
		return err
	}
	return req.Send(ctx, nil)
}

// Move relocates an object to a new path, within or across buckets.
func (c *Client) Move(ctx context.Context, srcBucket, srcPath, destBucket, destPath string) error {
	body := map[string]string{
		"bucketId":       srcBucket,
		"sourceKey":      srcPath,
		"destinationKey": destPath,
	}
	if destBucket != "" && destBucket != srcBucket {
		body["destinationBucket"] = destBucket
	}
	req, err := c.tr.NewRequest(http.MethodPost, c.path("/object/move")).JSONBody(body)
	if err != nil {
		return err
	}
	return req.Send(ctx, nil)
}

// DeleteObject removes a single object.
func (c *Client) DeleteObject(ctx context.Context, bucket, objectPath string) error {
	return c.tr.NewRequest(http.MethodDelete, c.path("/object/"+bucket+"/"+objectPath)).Send(ctx, nil)
}

// ObjectInfo is one row of a ListObjects response.
type ObjectInfo struct {
	Name        string `json:"name"`
	ID          string `json:"id"`
	UpdatedAt   string `json:"updated_at"`
	CreatedAt   string `json:"created_at"`
	LastAccessedAt string `json:"last_accessed_at"`
	Metadata    map[string]interface{} `json:"metadata"`
}

// ListOptions configures ListObjects.
type ListOptions struct {
	Prefix string
	Limit  int
	Offset int
	SortBy string // e.g. "name" or "created_at"
}

// ListObjects lists objects under a prefix within bucket.
func (c *Client) ListObjects(ctx context.Context, bucket string, opts ListOptions) ([]ObjectInfo, error) {
	body := map[string]interface{}{"prefix": opts.Prefix}
	if opts.Limit > 0 {
		body["limit"] = opts.Limit
	}
	if opts.Offset > 0 {
		body["offset"] = opts.Offset
	}
	if opts.SortBy != "" {
		body["sortBy"] = map[string]string{"column": opts.SortBy, "order": "asc"}
	}

	req, err := c.tr.NewRequest(http.MethodPost, c.path("/object/list/"+bucket)).JSONBody(body)
	if err != nil {
		return nil, err
	}
	var objects []ObjectInfo
	if err := req.Send(ctx, &objects); err != nil {
		return nil, err
	}
	return objects, nil
}

// SignedURL requests a time-limited signed download URL.
func (c *Client) SignedURL(ctx context.Context, bucket, objectPath string, expiresIn int) (string, error) {
	body := map[string]int{"expiresIn": expiresIn}
	req, err := c.tr.NewRequest(http.MethodPost, c.path("/object/sign/"+bucket+"/"+objectPath)).JSONBody(body)
	if err != nil {
		return "", err
	}
	var dest struct {
		SignedURL string `json:"signedURL"`
	}
	if err := req.Send(ctx, &dest); err != nil {
		return "", err
	}
	return c.tr.Config().ResolveURL(c.tr.Config().StoragePath() + dest.SignedURL), nil
}

// SignedURLs requests signed URLs for a batch of object paths.
func (c *Client) SignedURLs(ctx context.Context, bucket string, paths []string, expiresIn int) (map[string]string, error) {
	body := map[string]interface{}{"expiresIn": expiresIn, "paths": paths}
	req, err := c.tr.NewRequest(http.MethodPost, c.path("/object/sign/"+bucket)).JSONBody(body)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		Path      string `json:"path"`
		SignedURL string `json:"signedURL"`
		Error     string `json:"error"`
	}
	if err := req.Send(ctx, &rows); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		if r.Error == "" {
			out[r.Path] = c.tr.Config().ResolveURL(c.tr.Config().StoragePath() + r.SignedURL)
		}
	}
	return out, nil
}

// SignedUpload is a pre-authorized upload slot returned by
// CreateSignedUploadURL.
type SignedUpload struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

// CreateSignedUploadURL requests a pre-authorized upload slot for
// bucket/path, letting an uncredentialed holder of the token upload one
// object via UploadToSignedURL.
func (c *Client) CreateSignedUploadURL(ctx context.Context, bucket, objectPath string) (*SignedUpload, error) {
	req, err := c.tr.NewRequest(http.MethodPost, c.path("/object/upload/sign/"+bucket+"/"+objectPath)).
		JSONBody(map[string]interface{}{})
	if err != nil {
		return nil, err
	}
	var signed SignedUpload
	if err := req.Send(ctx, &signed); err != nil {
		return nil, err
	}
	if signed.URL != "" {
		signed.URL = c.tr.Config().ResolveURL(c.tr.Config().StoragePath() + signed.URL)
	}
	return &signed, nil
}

// UploadToSignedURL stores data through a slot created by
// CreateSignedUploadURL.
func (c *Client) UploadToSignedURL(ctx context.Context, bucket, objectPath, token string, data []byte, opts UploadOptions) error {
	contentType := opts.ContentType
	if contentType == "" {
		contentType = mimetype.Detect(data).String()
	}
	req := c.tr.NewRequest(http.MethodPut, c.path("/object/upload/sign/"+bucket+"/"+objectPath)).
		Query("token="+token).
		RawBody(newByteReader(data), contentType)
	if opts.Upsert {
		req = req.Header("x-upsert", "true")
	}
	return req.Send(ctx, nil)
}

// PublicURL composes a public object URL client-side, without issuing a
// request. Only valid for public buckets.
func (c *Client) PublicURL(bucket, objectPath string) string {
	return c.tr.Config().ResolveURL(c.path("/object/public/" + bucket + "/" + objectPath))
}

func newByteReader(data []byte) io.Reader {
	return bytes.NewReader(data)
}
