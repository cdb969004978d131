package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jsupabase/jsupabase-sub001/errs"
)

func TestBuilderAppliesDefaults(t *testing.T) {
	cfg, err := NewBuilder("https://xyz.supabase.co", "anon-key").Build()
	require.NoError(t, err)
	assert.Equal(t, "public", cfg.Schema())
	assert.Equal(t, DefaultAuthPath, cfg.AuthPath())
	assert.Equal(t, DefaultRestPath, cfg.RestPath())
	assert.Equal(t, DefaultStoragePath, cfg.StoragePath())
	assert.Equal(t, DefaultRealtimePath, cfg.RealtimePath())
	assert.Equal(t, "anon-key", cfg.Headers()["apikey"])
	assert.Equal(t, "Bearer anon-key", cfg.Headers()["Authorization"])
}

func TestBuilderRejectsMissingBaseURL(t *testing.T) {
	_, err := NewBuilder("", "anon-key").Build()
	require.Error(t, err)
	var cfgErr *errs.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestBuilderRejectsMissingAPIKey(t *testing.T) {
	_, err := NewBuilder("https://xyz.supabase.co", "").Build()
	require.Error(t, err)
	var cfgErr *errs.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestBuilderRejectsRelativeBaseURL(t *testing.T) {
	_, err := NewBuilder("/not-absolute", "anon-key").Build()
	require.Error(t, err)
}

func TestBuilderCustomHeaderOverridesAuthorization(t *testing.T) {
	cfg, err := NewBuilder("https://xyz.supabase.co", "anon-key").
		Header("Authorization", "Bearer service-role-key").
		Header("x-client-info", "jsupabase-go/0.1").
		Build()
	require.NoError(t, err)
	assert.Equal(t, "Bearer service-role-key", cfg.Headers()["Authorization"])
	assert.Equal(t, "jsupabase-go/0.1", cfg.Headers()["x-client-info"])
}

func TestWithAuthorizationPreservesOtherHeadersAndDoesNotMutateReceiver(t *testing.T) {
	cfg, err := NewBuilder("https://xyz.supabase.co", "anon-key").
		Header("x-client-info", "jsupabase-go/0.1").
		Build()
	require.NoError(t, err)

	authed := cfg.WithAuthorization("user-jwt")
	assert.Equal(t, "Bearer user-jwt", authed.Headers()["Authorization"])
	assert.Equal(t, "jsupabase-go/0.1", authed.Headers()["x-client-info"])
	assert.Equal(t, "Bearer anon-key", cfg.Headers()["Authorization"], "receiver must not be mutated")
}

func TestHeadersReturnsDefensiveCopy(t *testing.T) {
	cfg, err := NewBuilder("https://xyz.supabase.co", "anon-key").Build()
	require.NoError(t, err)

	h := cfg.Headers()
	h["apikey"] = "tampered"
	assert.Equal(t, "anon-key", cfg.Headers()["apikey"])
}

func TestResolveURL(t *testing.T) {
	cfg, err := NewBuilder("https://xyz.supabase.co", "anon-key").Build()
	require.NoError(t, err)
	assert.Equal(t, "https://xyz.supabase.co/rest/v1/todos", cfg.ResolveURL("/rest/v1/todos"))
}

func TestFromYAMLFile(t *testing.T) {
	path := t.TempDir() + "/config.yaml"
	content := "project_url: https://xyz.supabase.co\nanon_key: anon-key\nschema: tenant_a\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := FromYAMLFile(path)
	require.NoError(t, err)
	assert.Equal(t, "tenant_a", cfg.Schema())
	assert.Equal(t, "https://xyz.supabase.co", cfg.BaseURL().String())
}

func TestFromYAMLFileMissingFile(t *testing.T) {
	_, err := FromYAMLFile("/no/such/config.yaml")
	require.Error(t, err)
	var cfgErr *errs.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}
