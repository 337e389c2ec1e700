// Package imagecache implements the content-addressed layer cache (C2):
// validating a cached image against a freshly fetched manifest, preparing
// a fresh cache slot, and enumerating what's already on disk (spec.md §4.2,
// §6 "Persisted on-disk layout").
package imagecache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/trycua/lumepull/lib/manifest"
	"github.com/trycua/lumepull/lib/vmpaths"
)

// Metadata is the on-disk metadata.json sidecar. A fresh pull writes it
// before downloading (without SizeBytes) and rewrites it with SizeBytes once
// reassembly completes. Digest is always read back from here rather than recomputed
// from the manifest body (spec.md §9 Open Questions #3).
type Metadata struct {
	SourceImage string    `json:"source_image"`
	Digest      string    `json:"digest"`
	ManifestID  string    `json:"manifest_id"`
	SizeBytes   int64     `json:"size_bytes"`
	CreatedAt   time.Time `json:"created_at"`
}

// CachedImage describes one complete, validated entry in the cache, as
// returned by EnumerateImages.
type CachedImage struct {
	RegistryHost string
	Organization string
	ManifestID   string
	ShortImageID string
	Metadata     Metadata
}

// shortImageID derives the 12-hex-char short ID spec.md §3 defines a
// CachedImage by: manifestID with its algorithm prefix ("sha256_")
// stripped, truncated to 12 hex characters.
func shortImageID(manifestID string) string {
	hex := manifestID
	if i := strings.IndexAny(hex, "_:"); i >= 0 {
		hex = hex[i+1:]
	}
	if len(hex) > 12 {
		hex = hex[:12]
	}
	return hex
}

// Store is the cache store rooted at a vmpaths.Cache.
type Store struct {
	paths *vmpaths.Cache
}

// New creates a Store over the given cache root.
func New(root string) *Store {
	return &Store{paths: vmpaths.New(root)}
}

// Validate reports whether the cache already holds a complete, matching copy
// of m under manifestID: the image directory, manifest.json, and
// metadata.json must all exist, the persisted manifest's layer list must be
// structurally equal to m's, and every non-empty layer's file must actually
// be present at its expected cache path (spec.md I1 — never trust a cache
// hit on manifest_id or manifest.json alone, since a layer file can be
// missing even when the bookkeeping looks complete).
func (s *Store) Validate(registryHost, organization, manifestID string, m manifest.Manifest) (bool, error) {
	manifestPath, err := s.paths.ManifestPath(registryHost, organization, manifestID)
	if err != nil {
		return false, err
	}
	metadataPath, err := s.paths.MetadataPath(registryHost, organization, manifestID)
	if err != nil {
		return false, err
	}

	cached, err := readManifest(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	if _, err := os.Stat(metadataPath); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	if !cached.LayersEqual(m) {
		return false, nil
	}

	for _, cl := range manifest.ClassifyLayers(m) {
		if cl.Role == manifest.RoleEmpty {
			continue
		}
		layerPath, err := s.paths.LayerPath(registryHost, organization, manifestID, cl.Digest)
		if err != nil {
			return false, err
		}
		if _, err := os.Stat(layerPath); err != nil {
			if os.IsNotExist(err) {
				return false, nil
			}
			return false, err
		}
	}

	return true, nil
}

// Prepare ensures the image cache directory for manifestID exists and
// returns its path. An existing directory is kept as it is. lib/pull
// downloads layers into it and, after a successful pull, copies the
// finished VM files into it from its staging directory.
func (s *Store) Prepare(registryHost, organization, manifestID string) (string, error) {
	dir, err := s.paths.ImageDir(registryHost, organization, manifestID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create image cache directory: %w", err)
	}
	return dir, nil
}

// SaveManifest writes manifest.json atomically (write-tmp, rename).
func (s *Store) SaveManifest(registryHost, organization, manifestID string, m manifest.Manifest) error {
	path, err := s.paths.ManifestPath(registryHost, organization, manifestID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	return writeAtomic(path, data)
}

// SaveMetadata writes metadata.json atomically (write-tmp, rename).
func (s *Store) SaveMetadata(registryHost, organization, manifestID string, meta Metadata) error {
	path, err := s.paths.MetadataPath(registryHost, organization, manifestID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	return writeAtomic(path, data)
}

// LoadMetadata reads metadata.json for an image cache directory.
func (s *Store) LoadMetadata(registryHost, organization, manifestID string) (Metadata, error) {
	path, err := s.paths.MetadataPath(registryHost, organization, manifestID)
	if err != nil {
		return Metadata{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, err
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return Metadata{}, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return meta, nil
}

// CleanupOldVersions removes sibling manifest_id directories under the same
// organization, keeping only keepManifestID. Cache eviction across
// organizations/registries is a separate GC concern, out of scope here.
func (s *Store) CleanupOldVersions(registryHost, organization, keepManifestID string) error {
	orgDir, err := s.paths.OrgDir(registryHost, organization)
	if err != nil {
		return err
	}
	entries, err := os.ReadDir(orgDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read organization directory: %w", err)
	}

	stale := lo.Filter(entries, func(e os.DirEntry, _ int) bool {
		return e.IsDir() && e.Name() != keepManifestID
	})
	for _, e := range stale {
		if err := os.RemoveAll(filepath.Join(orgDir, e.Name())); err != nil {
			return fmt.Errorf("remove stale cache entry %s: %w", e.Name(), err)
		}
	}
	return nil
}

// EnumerateImages walks the cache root and returns one CachedImage per
// manifest_id directory that carries a readable metadata.json; manifest.json
// is not read. A directory whose metadata.json is missing or can't be
// parsed is skipped rather than aborting the whole walk — a partially
// written staging leftover shouldn't hide every other cached image
// (spec.md §9 Open Questions #2).
func (s *Store) EnumerateImages() ([]CachedImage, error) {
	root := s.paths.Root()
	registryEntries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read cache root: %w", err)
	}

	var images []CachedImage
	for _, regEntry := range registryEntries {
		if !regEntry.IsDir() {
			continue
		}
		registryHost := regEntry.Name()
		registryDir := filepath.Join(root, registryHost)

		orgEntries, err := os.ReadDir(registryDir)
		if err != nil {
			continue
		}
		for _, orgEntry := range orgEntries {
			if !orgEntry.IsDir() {
				continue
			}
			organization := orgEntry.Name()
			orgDir := filepath.Join(registryDir, organization)

			manifestEntries, err := os.ReadDir(orgDir)
			if err != nil {
				continue
			}
			for _, mEntry := range manifestEntries {
				if !mEntry.IsDir() {
					continue
				}
				manifestID := mEntry.Name()

				meta, err := s.LoadMetadata(registryHost, organization, manifestID)
				if err != nil {
					continue
				}
				// The directory name is the authoritative manifest_id; a
				// metadata.json whose own field disagrees (e.g. copied
				// from another entry) is not a match for this directory.
				if meta.ManifestID != "" && meta.ManifestID != manifestID {
					continue
				}
				images = append(images, CachedImage{
					RegistryHost: registryHost,
					Organization: organization,
					ManifestID:   manifestID,
					ShortImageID: shortImageID(manifestID),
					Metadata:     meta,
				})
			}
		}
	}

	// spec.md §3: "Sorted by (repository, short_image_id)" — this store
	// layout doesn't track a per-image repository separately from
	// organization, so organization stands in for it; short_image_id breaks
	// ties within an organization rather than relying on os.ReadDir's
	// incidental (if usually alphabetical) directory order.
	sort.Slice(images, func(i, j int) bool {
		if images[i].Organization != images[j].Organization {
			return images[i].Organization < images[j].Organization
		}
		return images[i].ShortImageID < images[j].ShortImageID
	})
	return images, nil
}

func readManifest(path string) (manifest.Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return manifest.Manifest{}, err
	}
	var m manifest.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return manifest.Manifest{}, fmt.Errorf("unmarshal cached manifest: %w", err)
	}
	return m, nil
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
