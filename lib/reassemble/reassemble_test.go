package reassemble

import (
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/pierrec/lz4/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trycua/lumepull/lib/manifest"
)

func TestLogicalSizePrefersAnnotation(t *testing.T) {
	m := manifest.Manifest{Annotations: map[string]string{manifest.UncompressedSizeAnnotation: "2048"}}
	size, err := LogicalSize(m, 4096)
	require.NoError(t, err)
	assert.Equal(t, int64(2048), size)
}

func TestLogicalSizeFallsBackToConfig(t *testing.T) {
	m := manifest.Manifest{}
	size, err := LogicalSize(m, 4096)
	require.NoError(t, err)
	assert.Equal(t, int64(4096), size)
}

func TestLogicalSizeErrorsWhenBothMissing(t *testing.T) {
	m := manifest.Manifest{}
	_, err := LogicalSize(m, 0)
	require.Error(t, err)
	assert.IsType(t, MissingUncompressedSizeError{}, err)
}

func TestCreateSparseDiskTruncatesToLogicalSize(t *testing.T) {
	r := New()
	path := filepath.Join(t.TempDir(), "disk.img")
	f, err := r.CreateSparseDisk(path, 1<<20)
	require.NoError(t, err)
	defer f.Close()

	info, err := f.Stat()
	require.NoError(t, err)
	assert.Equal(t, int64(1<<20), info.Size())
}

func TestAssembleChunksDecodesGzipAndLZ4InOrder(t *testing.T) {
	dir := t.TempDir()

	payload1 := bytes.Repeat([]byte{0x11}, 100)
	payload2 := bytes.Repeat([]byte{0x22}, 200)

	gzPath := filepath.Join(dir, "part1.gz")
	writeGzip(t, gzPath, payload1)

	lz4Path := filepath.Join(dir, "part2.lz4")
	writeLZ4(t, lz4Path, payload2)

	chunks := []Chunk{
		{ClassifiedLayer: manifest.ClassifiedLayer{Decoder: manifest.DecoderGzip, PartNumber: 1}, StagedPath: gzPath},
		{ClassifiedLayer: manifest.ClassifiedLayer{Decoder: manifest.DecoderLZ4, PartNumber: 2}, StagedPath: lz4Path},
	}

	diskPath := filepath.Join(dir, "disk.img")
	r := New()
	disk, err := r.CreateSparseDisk(diskPath, int64(len(payload1)+len(payload2)))
	require.NoError(t, err)

	require.NoError(t, r.AssembleChunks(chunks, disk))
	require.NoError(t, disk.Close())

	got, err := os.ReadFile(diskPath)
	require.NoError(t, err)
	want := append(append([]byte{}, payload1...), payload2...)
	assert.Equal(t, want, got)
}

func TestSparseCopySkipsZeroRuns(t *testing.T) {
	dir := t.TempDir()
	diskPath := filepath.Join(dir, "disk.img")
	r := New()

	zeros := make([]byte, holeGranularity*2)
	disk, err := r.CreateSparseDisk(diskPath, int64(len(zeros)))
	require.NoError(t, err)
	defer disk.Close()

	n, err := r.sparseCopyAt(disk, bytes.NewReader(zeros), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(len(zeros)), n)

	info, err := disk.Stat()
	require.NoError(t, err)
	assert.Equal(t, int64(len(zeros)), info.Size())
}

func writeGzip(t *testing.T, path string, payload []byte) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	gz := gzip.NewWriter(f)
	_, err = gz.Write(payload)
	require.NoError(t, err)
	require.NoError(t, gz.Close())
}

func writeLZ4(t *testing.T, path string, payload []byte) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	lz := lz4.NewWriter(f)
	_, err = lz.Write(payload)
	require.NoError(t, err)
	require.NoError(t, lz.Close())
}
