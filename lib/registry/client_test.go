package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() HttpConfig {
	cfg := DefaultHttpConfig()
	cfg.MaxConnsPerHost = 2
	return cfg
}

func newTestClient(serverURL string) *Client {
	host := strings.TrimPrefix(serverURL, "http://")
	return NewClient(host, testConfig(), WithScheme("http"))
}

func TestGetTokenAnonymous(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/token", r.URL.Path)
		assert.Empty(t, r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]string{"token": "anon-token"})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	tok, err := c.GetToken(context.Background(), "library/alpine")
	require.NoError(t, err)
	assert.Equal(t, "anon-token", tok)
}

func TestGetTokenWithCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := decodeBasicAuthForTest(r.Header.Get("Authorization"))
		require.True(t, ok)
		assert.Equal(t, "user", user)
		assert.Equal(t, "pass", pass)
		json.NewEncoder(w).Encode(map[string]string{"token": "creds-token"})
	}))
	defer srv.Close()

	host := strings.TrimPrefix(srv.URL, "http://")
	t.Setenv(envPrefix(host)+"_USERNAME", "user")
	t.Setenv(envPrefix(host)+"_TOKEN", "pass")

	c := newTestClient(srv.URL)
	tok, err := c.GetToken(context.Background(), "myorg/vm")
	require.NoError(t, err)
	assert.Equal(t, "creds-token", tok)
}

func TestGetTokenFailsOnMissingField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.GetToken(context.Background(), "myorg/vm")
	require.Error(t, err)
	var tokenErr *TokenFetchFailedError
	assert.ErrorAs(t, err, &tokenErr)
}

func TestGetManifestReadsDigestHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Docker-Content-Digest", "sha256:deadbeef")
		json.NewEncoder(w).Encode(map[string]any{
			"schemaVersion": 2,
			"layers": []map[string]any{
				{"mediaType": "application/octet-stream", "digest": "sha256:aaa", "size": 10},
			},
		})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	m, digest, err := c.GetManifest(context.Background(), "myorg/vm", "latest", "tok")
	require.NoError(t, err)
	assert.Equal(t, "sha256:deadbeef", digest)
	assert.Equal(t, 2, m.SchemaVersion)
	require.Len(t, m.Layers, 1)
	assert.Equal(t, "sha256:aaa", m.Layers[0].Digest)
}

func TestGetManifestFailsWithoutDigestHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"schemaVersion": 2})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, _, err := c.GetManifest(context.Background(), "myorg/vm", "latest", "tok")
	require.Error(t, err)
	var manifestErr *ManifestFetchFailedError
	assert.ErrorAs(t, err, &manifestErr)
}

func TestDownloadBlobWritesFileAtomically(t *testing.T) {
	const body = "hello disk bytes"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	dest := filepath.Join(t.TempDir(), "disk.img.part.1")
	err := c.DownloadBlob(context.Background(), "myorg/vm", "sha256:aaa", "application/octet-stream", "tok", dest, nil)
	require.NoError(t, err)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, body, string(data))

	_, err = os.Stat(dest + ".download")
	assert.True(t, os.IsNotExist(err))
}

func TestListTagsTreatsNotFoundAsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	list, err := c.ListTags(context.Background(), "myorg/vm", "tok")
	require.NoError(t, err)
	assert.Empty(t, list.Tags)
}
