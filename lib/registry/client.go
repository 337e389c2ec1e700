// Package registry implements the subset of the OCI Distribution v2 wire
// protocol the pull path needs: anonymous/Bearer token negotiation,
// manifest fetch, and blob download with retries (spec.md §4.1). Blob
// downloads are not resumed: every attempt requests the whole blob again,
// with no Range header.
package registry

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/trycua/lumepull/lib/manifest"
)

// HttpConfig holds the transport tuning spec.md §4.1 calls for. It is
// constructed once by the caller (the Pull Orchestrator) and passed in
// explicitly rather than configured through package-level globals
// (spec.md §9 "Global mutable configuration").
type HttpConfig struct {
	// RequestTimeout is the http.Client timeout: it bounds each whole HTTP
	// request, reading the response body included.
	RequestTimeout time.Duration
	// ResourceTimeout bounds each single blob download attempt; the retry
	// loop starts a fresh deadline for every attempt.
	ResourceTimeout time.Duration
	// MaxConnsPerHost caps concurrent connections to the registry host.
	MaxConnsPerHost int
}

// DefaultHttpConfig returns the transport tuning spec.md §4.1 specifies.
func DefaultHttpConfig() HttpConfig {
	return HttpConfig{
		RequestTimeout:  60 * time.Second,
		ResourceTimeout: 3600 * time.Second,
		MaxConnsPerHost: 6,
	}
}

// Client is an OCI registry client scoped to a single registry host.
type Client struct {
	host       string
	scheme     string
	httpClient *http.Client
	cfg        HttpConfig
}

// Option configures optional Client behavior beyond the host and transport
// tuning every caller needs.
type Option func(*Client)

// WithScheme overrides the URL scheme used for registry requests (default
// "https"). Exists for pointing a Client at a plain-HTTP test server or
// private mirror; production registries are always https.
func WithScheme(scheme string) Option {
	return func(c *Client) { c.scheme = scheme }
}

// NewClient creates a Client for the given registry host (e.g. "ghcr.io").
func NewClient(host string, cfg HttpConfig, opts ...Option) *Client {
	transport := &http.Transport{
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		MaxIdleConnsPerHost: cfg.MaxConnsPerHost,
		IdleConnTimeout:     90 * time.Second,
	}
	c := &Client{
		host:   host,
		scheme: "https",
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.RequestTimeout,
		},
		cfg: cfg,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TokenFetchFailedError is returned when the token endpoint doesn't hand back
// a usable Bearer token (spec.md §7).
type TokenFetchFailedError struct {
	Repository string
	Cause      error
}

func (e *TokenFetchFailedError) Error() string {
	return fmt.Sprintf("fetch token for %s: %v", e.Repository, e.Cause)
}
func (e *TokenFetchFailedError) Unwrap() error { return e.Cause }

// ManifestFetchFailedError is returned when the manifest GET fails or the
// response is missing the Docker-Content-Digest header (spec.md §7).
type ManifestFetchFailedError struct {
	Repository string
	Tag        string
	Cause      error
}

func (e *ManifestFetchFailedError) Error() string {
	return fmt.Sprintf("fetch manifest %s:%s: %v", e.Repository, e.Tag, e.Cause)
}
func (e *ManifestFetchFailedError) Unwrap() error { return e.Cause }

// LayerDownloadFailedError is returned when a blob download exhausts its
// retry budget (spec.md §7).
type LayerDownloadFailedError struct {
	Digest string
	Cause  error
}

func (e *LayerDownloadFailedError) Error() string {
	return fmt.Sprintf("download layer %s: %v", e.Digest, e.Cause)
}
func (e *LayerDownloadFailedError) Unwrap() error { return e.Cause }

// GetToken negotiates a Bearer token for pull scope on repository. If
// <REG>_USERNAME and <REG>_TOKEN environment variables are set (REG derived
// from the registry host, uppercased, non-alnum replaced by '_'), they are
// sent as HTTP Basic credentials on the token request; otherwise the
// request is made anonymously (spec.md §4.1).
func (c *Client) GetToken(ctx context.Context, repository string) (string, error) {
	scope := fmt.Sprintf("repository:%s:pull", repository)
	tokenURL := fmt.Sprintf("%s://%s/token?service=%s&scope=%s", c.scheme, c.host, url.QueryEscape(c.host), url.QueryEscape(scope))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tokenURL, nil)
	if err != nil {
		return "", &TokenFetchFailedError{Repository: repository, Cause: err}
	}

	if user, pass, ok := envCredentials(c.host); ok {
		req.SetBasicAuth(user, pass)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &TokenFetchFailedError{Repository: repository, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &TokenFetchFailedError{Repository: repository, Cause: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	var body struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", &TokenFetchFailedError{Repository: repository, Cause: err}
	}

	tok := body.Token
	if tok == "" {
		tok = body.AccessToken
	}
	if tok == "" {
		return "", &TokenFetchFailedError{Repository: repository, Cause: fmt.Errorf("response missing token/access_token field")}
	}
	return tok, nil
}

// envCredentials looks up <REG>_USERNAME / <REG>_TOKEN for the given
// registry host.
func envCredentials(host string) (user, pass string, ok bool) {
	prefix := envPrefix(host)
	user = os.Getenv(prefix + "_USERNAME")
	pass = os.Getenv(prefix + "_TOKEN")
	return user, pass, user != "" && pass != ""
}

func envPrefix(host string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(host) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

// GetManifest fetches and parses the manifest for repository:tag, returning
// the parsed manifest and the registry's own content digest (taken from the
// Docker-Content-Digest response header, not recomputed locally).
func (c *Client) GetManifest(ctx context.Context, repository, tag, token string) (manifest.Manifest, string, error) {
	manifestURL := fmt.Sprintf("%s://%s/v2/%s/manifests/%s", c.scheme, c.host, repository, tag)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, manifestURL, nil)
	if err != nil {
		return manifest.Manifest{}, "", &ManifestFetchFailedError{Repository: repository, Tag: tag, Cause: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.oci.image.manifest.v1+json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return manifest.Manifest{}, "", &ManifestFetchFailedError{Repository: repository, Tag: tag, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return manifest.Manifest{}, "", &ManifestFetchFailedError{Repository: repository, Tag: tag, Cause: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	digest := resp.Header.Get("Docker-Content-Digest")
	if digest == "" {
		return manifest.Manifest{}, "", &ManifestFetchFailedError{Repository: repository, Tag: tag, Cause: fmt.Errorf("response missing Docker-Content-Digest header")}
	}

	var m manifest.Manifest
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return manifest.Manifest{}, "", &ManifestFetchFailedError{Repository: repository, Tag: tag, Cause: err}
	}

	return m, digest, nil
}

// Progress receives byte counts as a blob downloads.
type Progress interface {
	AddProgress(delta int64)
}

const maxBlobAttempts = 5

// DownloadBlob downloads repository's blob at digest to destPath, making up
// to maxBlobAttempts attempts with backoff attempt*2 + uniform(0,1) seconds
// (spec.md §4.1). The response body is written to a temp file in destPath's
// directory and atomically renamed into place on success.
func (c *Client) DownloadBlob(ctx context.Context, repository, digest, mediaType, token, destPath string, progress Progress) error {
	var lastErr error
	for attempt := 1; attempt <= maxBlobAttempts; attempt++ {
		reqCtx, cancel := context.WithTimeout(ctx, c.cfg.ResourceTimeout)
		err := c.downloadBlobOnce(reqCtx, repository, digest, mediaType, token, destPath, progress)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt == maxBlobAttempts {
			break
		}
		backoff := time.Duration(attempt)*2*time.Second + time.Duration(rand.Int63n(int64(time.Second)))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return &LayerDownloadFailedError{Digest: digest, Cause: ctx.Err()}
		}
	}
	return &LayerDownloadFailedError{Digest: digest, Cause: lastErr}
}

func (c *Client) downloadBlobOnce(ctx context.Context, repository, digest, mediaType, token, destPath string, progress Progress) error {
	blobURL := fmt.Sprintf("%s://%s/v2/%s/blobs/%s", c.scheme, c.host, repository, digest)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, blobURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if mediaType != "" {
		req.Header.Set("Accept", mediaType)
	}
	if !indicatesCompression(mediaType) {
		req.Header.Set("Accept-Encoding", "gzip, deflate")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	tmpPath := destPath + ".download"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	written, err := io.Copy(f, resp.Body)
	closeErr := f.Close()
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("copy blob body: %w", err)
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", closeErr)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}

	if progress != nil {
		progress.AddProgress(written)
	}
	return nil
}

func indicatesCompression(mediaType string) bool {
	return strings.Contains(mediaType, "gzip") || strings.Contains(mediaType, "lz4") ||
		strings.Contains(mediaType, "lzfse") || strings.HasSuffix(mediaType, "+aa")
}

// TagsList is the JSON body of GET /v2/<repo>/tags/list.
type TagsList struct {
	Name string   `json:"name"`
	Tags []string `json:"tags"`
}

// ListTags fetches the tag list for a repository. A 404 is treated as an
// empty list rather than an error (spec.md §6).
func (c *Client) ListTags(ctx context.Context, repository, token string) (TagsList, error) {
	tagsURL := fmt.Sprintf("%s://%s/v2/%s/tags/list", c.scheme, c.host, repository)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tagsURL, nil)
	if err != nil {
		return TagsList{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return TagsList{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return TagsList{Name: repository}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return TagsList{}, fmt.Errorf("list tags: unexpected status %d", resp.StatusCode)
	}

	var list TagsList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return TagsList{}, err
	}
	return list, nil
}

// decodeBasicAuthForTest exists purely so tests can assert on what GetToken
// would have sent, without re-deriving base64 by hand.
func decodeBasicAuthForTest(header string) (string, string, bool) {
	const prefix = "Basic "
	if !strings.HasPrefix(header, prefix) {
		return "", "", false
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return "", "", false
	}
	parts := strings.SplitN(string(raw), ":", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}
