// Package vmpaths builds the content-addressed cache directory layout
// (spec.md §3 I2, §6 "Persisted on-disk layout"). VM target directory
// resolution is an external collaborator and out of scope here.
package vmpaths

import (
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
)

// Cache builds paths under a single cache root.
type Cache struct {
	root string
}

// New creates a Cache rooted at root (typically config.Config.CacheRoot).
func New(root string) *Cache {
	return &Cache{root: root}
}

// Root returns the cache root directory.
func (c *Cache) Root() string { return c.root }

// sanitize replaces ':' with '_' in a registry host or digest and trims one
// leading dot. Slashes are not removed; escaping the cache root is prevented
// by the securejoin calls below, not here.
func sanitize(s string) string {
	s = strings.ReplaceAll(s, ":", "_")
	return strings.TrimPrefix(s, ".")
}

// OrgDir returns <cache_root>/<registry>/<organization>, securely joined so
// a crafted registry host or org name can't escape the cache root.
func (c *Cache) OrgDir(registryHost, organization string) (string, error) {
	return securejoin.SecureJoin(c.root, filepath.Join(sanitize(registryHost), sanitize(organization)))
}

// ImageDir returns <cache_root>/<registry>/<organization>/<manifest_id>,
// the per-image cache directory keyed by manifest digest (spec.md I2).
func (c *Cache) ImageDir(registryHost, organization, manifestID string) (string, error) {
	orgDir, err := c.OrgDir(registryHost, organization)
	if err != nil {
		return "", err
	}
	return securejoin.SecureJoin(orgDir, sanitize(manifestID))
}

// ManifestPath returns manifest.json within an image cache directory.
func (c *Cache) ManifestPath(registryHost, organization, manifestID string) (string, error) {
	dir, err := c.ImageDir(registryHost, organization, manifestID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "manifest.json"), nil
}

// MetadataPath returns metadata.json within an image cache directory.
func (c *Cache) MetadataPath(registryHost, organization, manifestID string) (string, error) {
	dir, err := c.ImageDir(registryHost, organization, manifestID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "metadata.json"), nil
}

// LayerPath returns the on-disk path for a layer keyed by its digest, with
// ':' replaced by '_' (spec.md §6).
func (c *Cache) LayerPath(registryHost, organization, manifestID, digest string) (string, error) {
	dir, err := c.ImageDir(registryHost, organization, manifestID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, sanitize(digest)), nil
}
