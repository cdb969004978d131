// Package config holds the immutable connection configuration shared by
// every service facade: base URL, API key, per-service path prefixes,
// default headers, and schema name.
package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/jsupabase/jsupabase-sub001/errs"
)

// Default service path prefixes, relative to the project base URL.
const (
	DefaultAuthPath     = "/auth/v1"
	DefaultRestPath     = "/rest/v1"
	DefaultStoragePath  = "/storage/v1"
	DefaultRealtimePath = "/realtime/v1"
	DefaultSchema       = "public"
)

// Config is an immutable snapshot of connection settings. Every field is
// unexported; mutation happens through Builder and always produces a new
// instance — Headers() returns a copy so the internal snapshot can never
// be mutated by a caller.
type Config struct {
	baseURL      *url.URL
	apiKey       string
	schema       string
	authPath     string
	restPath     string
	storagePath  string
	realtimePath string
	headers      map[string]string
}

// BaseURL returns the absolute project URL.
func (c *Config) BaseURL() *url.URL { return c.baseURL }

// APIKey returns the configured API key (anon or service-role).
func (c *Config) APIKey() string { return c.apiKey }

// Schema returns the configured Postgres schema.
func (c *Config) Schema() string { return c.schema }

// AuthPath, RestPath, StoragePath, RealtimePath return the per-service
// path prefixes, relative to BaseURL.
func (c *Config) AuthPath() string     { return c.authPath }
func (c *Config) RestPath() string     { return c.restPath }
func (c *Config) StoragePath() string  { return c.storagePath }
func (c *Config) RealtimePath() string { return c.realtimePath }

// Headers returns a defensive copy of the default header set so callers
// cannot mutate the Config's internal snapshot.
func (c *Config) Headers() map[string]string {
	cp := make(map[string]string, len(c.headers))
	for k, v := range c.headers {
		cp[k] = v
	}
	return cp
}

// ResolveURL resolves path (slash-prefixed, relative to BaseURL) into an
// absolute URL string.
func (c *Config) ResolveURL(path string) string {
	ref, err := url.Parse(path)
	if err != nil {
		// path may carry caller-supplied segments (bucket or object
		// names); when it does not parse, it is appended unchanged.
		return c.baseURL.String() + path
	}
	return c.baseURL.ResolveReference(ref).String()
}

// WithAuthorization returns a new Config whose Authorization header is
// replaced with "Bearer <token>". The API key, schema, and every other
// header are preserved. The receiver is never mutated.
func (c *Config) WithAuthorization(token string) *Config {
	next := *c
	next.headers = c.Headers()
	next.headers["Authorization"] = "Bearer " + token
	return &next
}

// Builder constructs a Config. BaseURL and APIKey are required; every
// other field has a default.
type Builder struct {
	baseURL       string
	apiKey        string
	schema        string
	authPath      string
	restPath      string
	storagePath   string
	realtimePath  string
	extraHeaders  map[string]string
	authorization string
	hasAuthHeader bool
}

// NewBuilder starts a Config builder for baseURL and apiKey.
func NewBuilder(baseURL, apiKey string) *Builder {
	return &Builder{
		baseURL: baseURL,
		apiKey:  apiKey,
	}
}

// Schema overrides the default "public" Postgres schema.
func (b *Builder) Schema(schema string) *Builder {
	b.schema = schema
	return b
}

// AuthPath overrides the default auth service path prefix.
func (b *Builder) AuthPath(path string) *Builder {
	b.authPath = path
	return b
}

// RestPath overrides the default PostgREST service path prefix.
func (b *Builder) RestPath(path string) *Builder {
	b.restPath = path
	return b
}

// StoragePath overrides the default storage service path prefix.
func (b *Builder) StoragePath(path string) *Builder {
	b.storagePath = path
	return b
}

// RealtimePath overrides the default realtime service path prefix.
func (b *Builder) RealtimePath(path string) *Builder {
	b.realtimePath = path
	return b
}

// Header sets an extra default header. Setting "Authorization" here
// overrides the implicit "Bearer <apiKey>" default.
func (b *Builder) Header(key, value string) *Builder {
	if b.extraHeaders == nil {
		b.extraHeaders = make(map[string]string)
	}
	if strings.EqualFold(key, "Authorization") {
		b.authorization = value
		b.hasAuthHeader = true
		return b
	}
	b.extraHeaders[key] = value
	return b
}

// Build validates and produces an immutable Config.
func (b *Builder) Build() (*Config, error) {
	if strings.TrimSpace(b.baseURL) == "" {
		return nil, &errs.ConfigError{Reason: "base URL is required"}
	}
	if strings.TrimSpace(b.apiKey) == "" {
		return nil, &errs.ConfigError{Reason: "API key is required"}
	}

	u, err := url.Parse(b.baseURL)
	if err != nil || !u.IsAbs() {
		return nil, &errs.ConfigError{Reason: fmt.Sprintf("base URL %q is not an absolute URL", b.baseURL)}
	}

	schema := b.schema
	if schema == "" {
		schema = DefaultSchema
	}

	headers := make(map[string]string, len(b.extraHeaders)+2)
	for k, v := range b.extraHeaders {
		headers[k] = v
	}
	headers["apikey"] = b.apiKey
	if b.hasAuthHeader {
		headers["Authorization"] = b.authorization
	} else {
		headers["Authorization"] = "Bearer " + b.apiKey
	}

	return &Config{
		baseURL:      u,
		apiKey:       b.apiKey,
		schema:       schema,
		authPath:     orDefault(b.authPath, DefaultAuthPath),
		restPath:     orDefault(b.restPath, DefaultRestPath),
		storagePath:  orDefault(b.storagePath, DefaultStoragePath),
		realtimePath: orDefault(b.realtimePath, DefaultRealtimePath),
		headers:      headers,
	}, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
