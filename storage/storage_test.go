package storage

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jsupabase/jsupabase-sub001/config"
	"github.com/jsupabase/jsupabase-sub001/errs"
	"github.com/jsupabase/jsupabase-sub001/transport"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	cfg, err := config.NewBuilder(srv.URL, "anon-key").Build()
	require.NoError(t, err)
	return New(transport.New(cfg)), srv
}

func TestUploadProbesContentTypeWhenUnset(t *testing.T) {
	var gotContentType, gotPath, gotUpsert string
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotPath = r.URL.Path
		gotUpsert = r.Header.Get("x-upsert")
		w.Write([]byte(`{"Key":"avatars/me.png"}`))
	})
	defer srv.Close()

	png := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}
	err := c.Upload(context.Background(), "avatars", "me.png", png, UploadOptions{Upsert: true})
	require.NoError(t, err)

	assert.Equal(t, "/storage/v1/object/avatars/me.png", gotPath)
	assert.Equal(t, "image/png", gotContentType)
	assert.Equal(t, "true", gotUpsert)
}

func TestUploadHonorsExplicitContentType(t *testing.T) {
	var gotContentType string
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		w.Write([]byte(`{}`))
	})
	defer srv.Close()

	err := c.Upload(context.Background(), "docs", "a.txt", []byte("hello"), UploadOptions{ContentType: "text/plain; charset=utf-8"})
	require.NoError(t, err)
	assert.Equal(t, "text/plain; charset=utf-8", gotContentType)
}

func TestDownloadReturnsBody(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("file contents"))
	})
	defer srv.Close()

	data, err := c.Download(context.Background(), "docs", "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "file contents", string(data))
}

func TestExistsMapsNotFoundToFalse(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	defer srv.Close()

	ok, err := c.Exists(context.Background(), "docs", "missing.txt")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExistsPropagatesOtherErrors(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	defer srv.Close()

	_, err := c.Exists(context.Background(), "docs", "a.txt")
	require.Error(t, err)
	var httpErr *errs.HttpError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, 500, httpErr.Status)
}

func TestSignedURLResolvesAgainstStoragePath(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/storage/v1/object/sign/docs/a.txt", r.URL.Path)
		w.Write([]byte(`{"signedURL":"/object/sign/docs/a.txt?token=abc"}`))
	})
	defer srv.Close()

	u, err := c.SignedURL(context.Background(), "docs", "a.txt", 60)
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/storage/v1/object/sign/docs/a.txt?token=abc", u)
}

func TestPublicURLComposesWithoutRequest(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("PublicURL must not issue a request")
	})
	defer srv.Close()

	u := c.PublicURL("avatars", "me.png")
	assert.Equal(t, srv.URL+"/storage/v1/object/public/avatars/me.png", u)
}

func TestListObjectsSendsPrefixAndPaging(t *testing.T) {
	var gotPath string
	var gotBody []byte
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		gotBody = buf
		w.Write([]byte(`[{"name":"a.txt"}]`))
	})
	defer srv.Close()

	objs, err := c.ListObjects(context.Background(), "docs", ListOptions{Prefix: "folder/", Limit: 10})
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.Equal(t, "a.txt", objs[0].Name)
	assert.Equal(t, "/storage/v1/object/list/docs", gotPath)
	assert.JSONEq(t, `{"prefix":"folder/","limit":10}`, string(gotBody))
}

func TestCreateSignedUploadURL(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/storage/v1/object/upload/sign/docs/a.txt", r.URL.Path)
		w.Write([]byte(`{"url":"/object/upload/sign/docs/a.txt?token=tok123","token":"tok123"}`))
	})
	defer srv.Close()

	signed, err := c.CreateSignedUploadURL(context.Background(), "docs", "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "tok123", signed.Token)
	assert.Equal(t, srv.URL+"/storage/v1/object/upload/sign/docs/a.txt?token=tok123", signed.URL)
}

func TestUploadToSignedURLSendsToken(t *testing.T) {
	var gotQuery, gotMethod string
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		gotMethod = r.Method
		w.Write([]byte(`{}`))
	})
	defer srv.Close()

	err := c.UploadToSignedURL(context.Background(), "docs", "a.txt", "tok123", []byte("hello"), UploadOptions{})
	require.NoError(t, err)
	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "token=tok123", gotQuery)
}

func TestCopyIncludesDestinationBucketOnlyWhenDifferent(t *testing.T) {
	var gotBody []byte
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		gotBody = buf
		w.Write([]byte(`{}`))
	})
	defer srv.Close()

	err := c.Copy(context.Background(), "docs", "a.txt", "docs", "b.txt")
	require.NoError(t, err)
	assert.JSONEq(t, `{"bucketId":"docs","sourceKey":"a.txt","destinationKey":"b.txt"}`, string(gotBody))
}
