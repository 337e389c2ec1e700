package download

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trycua/lumepull/lib/manifest"
	"github.com/trycua/lumepull/lib/registry"
)

type fakeRegistry struct {
	calls int32
}

func (f *fakeRegistry) DownloadBlob(_ context.Context, _, digest, _, _, destPath string, progress registry.Progress) error {
	atomic.AddInt32(&f.calls, 1)
	if err := os.WriteFile(destPath, []byte(digest), 0o644); err != nil {
		return err
	}
	if progress != nil {
		progress.AddProgress(int64(len(digest)))
	}
	return nil
}

func TestStagingPathPerRole(t *testing.T) {
	dir := "/tmp/staging"
	assert.Equal(t, filepath.Join(dir, "config.json"), StagingPath(dir, manifest.ClassifiedLayer{Role: manifest.RoleConfig}))
	assert.Equal(t, filepath.Join(dir, "nvram.bin"), StagingPath(dir, manifest.ClassifiedLayer{Role: manifest.RoleNVRAM}))
	assert.Equal(t, filepath.Join(dir, "disk.img"), StagingPath(dir, manifest.ClassifiedLayer{Role: manifest.RoleWholeDisk}))
	assert.Equal(t, filepath.Join(dir, "disk.img.part.3"), StagingPath(dir, manifest.ClassifiedLayer{Role: manifest.RoleDiskChunk, PartNumber: 3}))
}

// fakeLayerCache resolves digest to a path under a fixed root, matching the
// vmpaths.Cache.LayerPath shape the real adapter produces.
type fakeLayerCache struct {
	root string
}

func (f *fakeLayerCache) Path(digest string) (string, error) {
	return filepath.Join(f.root, strings.ReplaceAll(digest, ":", "_")), nil
}

func TestRunDownloadsEveryNonEmptyLayer(t *testing.T) {
	reg := &fakeRegistry{}
	c := New(reg, 4, nil, nil)

	layers := []manifest.ClassifiedLayer{
		{Layer: manifest.Layer{Digest: "sha256:a"}, Role: manifest.RoleConfig},
		{Layer: manifest.Layer{Digest: "sha256:b"}, Role: manifest.RoleEmpty},
		{Layer: manifest.Layer{Digest: "sha256:c"}, Role: manifest.RoleDiskChunk, PartNumber: 1},
	}

	staged, err := c.Run(context.Background(), "myorg/vm", "tok", layers, t.TempDir())
	require.NoError(t, err)
	require.Len(t, staged, 2)
	assert.EqualValues(t, 2, reg.calls)
}

func TestRunSkipsCacheHits(t *testing.T) {
	reg := &fakeRegistry{}
	cacheRoot := t.TempDir()
	cache := &fakeLayerCache{root: cacheRoot}
	require.NoError(t, os.WriteFile(filepath.Join(cacheRoot, "sha256_a"), []byte("cached-bytes"), 0o644))
	c := New(reg, 4, nil, cache)

	layers := []manifest.ClassifiedLayer{
		{Layer: manifest.Layer{Digest: "sha256:a", Size: 10}, Role: manifest.RoleWholeDisk},
	}

	stagingDir := t.TempDir()
	staged, err := c.Run(context.Background(), "myorg/vm", "tok", layers, stagingDir)
	require.NoError(t, err)
	require.Len(t, staged, 1)
	assert.EqualValues(t, 0, reg.calls)

	got, err := os.ReadFile(filepath.Join(stagingDir, "disk.img"))
	require.NoError(t, err)
	assert.Equal(t, "cached-bytes", string(got))
}

func TestInFlightDedupSharesSingleDownload(t *testing.T) {
	reg := &fakeRegistry{}
	cache := &fakeLayerCache{root: t.TempDir()}
	c1 := New(reg, 2, nil, cache)
	c2 := New(reg, 2, nil, cache)

	layers := []manifest.ClassifiedLayer{
		{Layer: manifest.Layer{Digest: "sha256:shared-digest"}, Role: manifest.RoleWholeDisk},
	}

	dirA, dirB := t.TempDir(), t.TempDir()

	done := make(chan error, 2)
	go func() {
		_, err := c1.Run(context.Background(), "myorg/vm", "tok", layers, dirA)
		done <- err
	}()
	go func() {
		_, err := c2.Run(context.Background(), "myorg/vm", "tok", layers, dirB)
		done <- err
	}()

	require.NoError(t, <-done)
	require.NoError(t, <-done)
	// Exactly one of the two concurrent callers should have actually hit
	// the registry for this digest; the other rides the in-flight claim and
	// copies the same cached bytes into its own staging directory.
	assert.EqualValues(t, 1, reg.calls)

	gotA, err := os.ReadFile(filepath.Join(dirA, "disk.img"))
	require.NoError(t, err)
	gotB, err := os.ReadFile(filepath.Join(dirB, "disk.img"))
	require.NoError(t, err)
	assert.Equal(t, gotA, gotB)
}
