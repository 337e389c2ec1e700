package imagecache

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trycua/lumepull/lib/manifest"
)

func testManifest() manifest.Manifest {
	return manifest.Manifest{
		SchemaVersion: 2,
		Layers: []manifest.Layer{
			{MediaType: "application/octet-stream", Digest: "sha256:aaa", Size: 100},
		},
	}
}

func TestValidateReturnsFalseWhenAbsent(t *testing.T) {
	s := New(t.TempDir())
	ok, err := s.Validate("ghcr.io", "myorg", "sha256_abc", testManifest())
	require.NoError(t, err)
	assert.False(t, ok)
}

// writeLayerFile drops a placeholder byte at digest's expected cache path,
// standing in for a completed layer download.
func writeLayerFile(t *testing.T, s *Store, registryHost, organization, manifestID, digest string) {
	t.Helper()
	path, err := s.paths.LayerPath(registryHost, organization, manifestID, digest)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("layer-bytes"), 0o644))
}

func TestSaveAndValidateRoundTrip(t *testing.T) {
	s := New(t.TempDir())
	m := testManifest()

	_, err := s.Prepare("ghcr.io", "myorg", "sha256_abc")
	require.NoError(t, err)
	require.NoError(t, s.SaveManifest("ghcr.io", "myorg", "sha256_abc", m))
	require.NoError(t, s.SaveMetadata("ghcr.io", "myorg", "sha256_abc", Metadata{
		SourceImage: "myorg/vm:latest",
		Digest:      "sha256:abc",
		ManifestID:  "sha256_abc",
		SizeBytes:   100,
		CreatedAt:   time.Now(),
	}))
	writeLayerFile(t, s, "ghcr.io", "myorg", "sha256_abc", "sha256:aaa")

	ok, err := s.Validate("ghcr.io", "myorg", "sha256_abc", m)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestValidateReturnsFalseWhenLayerFileMissing(t *testing.T) {
	s := New(t.TempDir())
	m := testManifest()

	_, err := s.Prepare("ghcr.io", "myorg", "sha256_abc")
	require.NoError(t, err)
	require.NoError(t, s.SaveManifest("ghcr.io", "myorg", "sha256_abc", m))
	require.NoError(t, s.SaveMetadata("ghcr.io", "myorg", "sha256_abc", Metadata{ManifestID: "sha256_abc"}))
	// Deliberately not writing the layer file at its cache path.

	ok, err := s.Validate("ghcr.io", "myorg", "sha256_abc", m)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestValidateRejectsLayerMismatch(t *testing.T) {
	s := New(t.TempDir())
	m := testManifest()

	_, err := s.Prepare("ghcr.io", "myorg", "sha256_abc")
	require.NoError(t, err)
	require.NoError(t, s.SaveManifest("ghcr.io", "myorg", "sha256_abc", m))
	require.NoError(t, s.SaveMetadata("ghcr.io", "myorg", "sha256_abc", Metadata{ManifestID: "sha256_abc"}))
	writeLayerFile(t, s, "ghcr.io", "myorg", "sha256_abc", "sha256:aaa")

	changed := testManifest()
	changed.Layers[0].Size = 999

	ok, err := s.Validate("ghcr.io", "myorg", "sha256_abc", changed)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEnumerateImagesSkipsIncompleteEntries(t *testing.T) {
	s := New(t.TempDir())

	_, err := s.Prepare("ghcr.io", "myorg", "sha256_good")
	require.NoError(t, err)
	require.NoError(t, s.SaveMetadata("ghcr.io", "myorg", "sha256_good", Metadata{
		SourceImage: "myorg/vm:latest",
		ManifestID:  "sha256_good",
		SizeBytes:   42,
	}))

	// A directory with no metadata.json at all (e.g. an interrupted pull)
	// should be skipped, not abort the whole enumeration.
	_, err = s.Prepare("ghcr.io", "myorg", "sha256_incomplete")
	require.NoError(t, err)

	images, err := s.EnumerateImages()
	require.NoError(t, err)
	require.Len(t, images, 1)
	assert.Equal(t, "sha256_good", images[0].ManifestID)
	assert.Equal(t, int64(42), images[0].Metadata.SizeBytes)
}

func TestShortImageIDStripsAlgorithmPrefixAndTruncates(t *testing.T) {
	assert.Equal(t, "abcdef012345", shortImageID("sha256_abcdef0123456789"))
	assert.Equal(t, "good", shortImageID("sha256_good"))
}

func TestEnumerateImagesSortsByOrganizationThenShortImageID(t *testing.T) {
	s := New(t.TempDir())

	entries := []struct {
		org        string
		manifestID string
	}{
		{"zorg", "sha256_aaaaaaaaaaaa"},
		{"aorg", "sha256_bbbbbbbbbbbb"},
		{"aorg", "sha256_aaaaaaaaaaaa"},
	}
	for _, e := range entries {
		_, err := s.Prepare("ghcr.io", e.org, e.manifestID)
		require.NoError(t, err)
		require.NoError(t, s.SaveMetadata("ghcr.io", e.org, e.manifestID, Metadata{ManifestID: e.manifestID}))
	}

	images, err := s.EnumerateImages()
	require.NoError(t, err)
	require.Len(t, images, 3)
	assert.Equal(t, "aorg", images[0].Organization)
	assert.Equal(t, "aaaaaaaaaaaa", images[0].ShortImageID)
	assert.Equal(t, "aorg", images[1].Organization)
	assert.Equal(t, "bbbbbbbbbbbb", images[1].ShortImageID)
	assert.Equal(t, "zorg", images[2].Organization)
}

func TestCleanupOldVersionsKeepsOnlyCurrent(t *testing.T) {
	s := New(t.TempDir())
	_, err := s.Prepare("ghcr.io", "myorg", "sha256_old")
	require.NoError(t, err)
	_, err = s.Prepare("ghcr.io", "myorg", "sha256_new")
	require.NoError(t, err)
	require.NoError(t, s.SaveMetadata("ghcr.io", "myorg", "sha256_new", Metadata{ManifestID: "sha256_new"}))

	require.NoError(t, s.CleanupOldVersions("ghcr.io", "myorg", "sha256_new"))

	images, err := s.EnumerateImages()
	require.NoError(t, err)
	require.Len(t, images, 1)
	assert.Equal(t, "sha256_new", images[0].ManifestID)
}
