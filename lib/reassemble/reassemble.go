// Package reassemble implements the Reassembler (C4): it turns staged
// layer files into disk.img as a sparse file, decompressing disk-chunk
// layers in part order into a file pre-sized to the declared logical size;
// a single whole-disk layer is decoded into a file as long as its decoded
// content (spec.md §4.4, §6).
// Sparse-file handling follows the teacher's lib/images.convertToExt4.
package reassemble

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/klauspost/compress/gzip"
	"github.com/pierrec/lz4/v4"

	"github.com/trycua/lumepull/lib/manifest"
)

// holeGranularity is the block size sparseCopyAt reads and tests for being
// all zero; an all-zero block is left as a hole rather than written
// (spec.md §6, 4 MiB).
const holeGranularity = 4 << 20

// MissingUncompressedSizeError is returned when no logical disk size can be
// determined from the manifest annotation or the config layer (spec.md §7).
type MissingUncompressedSizeError struct{}

func (MissingUncompressedSizeError) Error() string {
	return "manifest carries no uncompressed disk size (annotation or config)"
}

// FileCreationFailedError wraps a failure to create or truncate disk.img.
type FileCreationFailedError struct {
	Path  string
	Cause error
}

func (e *FileCreationFailedError) Error() string {
	return fmt.Sprintf("create disk file %s: %v", e.Path, e.Cause)
}
func (e *FileCreationFailedError) Unwrap() error { return e.Cause }

// DecompressionFailedError wraps a disk-chunk decode failure.
type DecompressionFailedError struct {
	Part  int
	Cause error
}

func (e *DecompressionFailedError) Error() string {
	return fmt.Sprintf("decompress disk chunk part %d: %v", e.Part, e.Cause)
}
func (e *DecompressionFailedError) Unwrap() error { return e.Cause }

// Chunk is one ordered, classified disk-chunk layer staged on disk, ready
// to be decoded and appended to disk.img.
type Chunk struct {
	manifest.ClassifiedLayer
	StagedPath string
}

// Reassembler builds disk.img from staged layers.
type Reassembler struct {
	// AppleArchiveTool is the subprocess used to decode LZFSE/Apple Archive
	// chunks, since no in-process Go decoder exists for that format
	// (spec.md Design Notes). Defaults to "aa" if empty.
	AppleArchiveTool string
}

// New creates a Reassembler with default tool paths.
func New() *Reassembler {
	return &Reassembler{AppleArchiveTool: "aa"}
}

// CreateSparseDisk creates destPath truncated to logicalSize, allocating no
// backing blocks up front (spec.md I4's precondition: on-disk allocation
// tracks content, not logical size).
func (r *Reassembler) CreateSparseDisk(destPath string, logicalSize int64) (*os.File, error) {
	f, err := os.Create(destPath)
	if err != nil {
		return nil, &FileCreationFailedError{Path: destPath, Cause: err}
	}
	if err := f.Truncate(logicalSize); err != nil {
		f.Close()
		return nil, &FileCreationFailedError{Path: destPath, Cause: err}
	}
	return f, nil
}

// LogicalSize resolves the disk's logical size with priority: manifest
// annotation, then the supplied config-derived fallback, per spec.md §6.
func LogicalSize(m manifest.Manifest, configDiskSize int64) (int64, error) {
	if n, ok := m.UncompressedSize(); ok && n > 0 {
		return n, nil
	}
	if configDiskSize > 0 {
		return configDiskSize, nil
	}
	return 0, MissingUncompressedSizeError{}
}

// AssembleWholeDisk decodes a single whole-disk layer directly into
// destPath, used when the manifest carries one undivided disk layer instead
// of numbered chunks.
func (r *Reassembler) AssembleWholeDisk(stagedPath string, decoder manifest.Decoder, destPath string) error {
	out, err := os.Create(destPath)
	if err != nil {
		return &FileCreationFailedError{Path: destPath, Cause: err}
	}
	defer out.Close()

	in, err := os.Open(stagedPath)
	if err != nil {
		return &DecompressionFailedError{Part: 0, Cause: err}
	}
	defer in.Close()

	return r.decodeInto(out, in, decoder, stagedPath, 0)
}

// AssembleChunks decodes ordered disk-chunk layers and writes each one's
// decoded bytes at its own offset in disk.img (contiguous, part.total
// chunks laid end to end), using sparse writes so all-zero runs stay holes.
func (r *Reassembler) AssembleChunks(chunks []Chunk, disk *os.File) error {
	var offset int64
	for _, c := range chunks {
		decoded, err := r.openDecoded(c)
		if err != nil {
			return err
		}

		n, err := r.sparseCopyAt(disk, decoded.reader, offset)
		decoded.Close()
		if err != nil {
			return &DecompressionFailedError{Part: c.PartNumber, Cause: err}
		}
		offset += n

		// The staged part file is consumed once its bytes are in disk.img;
		// leaving it behind would strand disk.img.part.N files in the VM
		// directory (spec.md §6).
		if err := os.Remove(c.StagedPath); err != nil && !os.IsNotExist(err) {
			return &DecompressionFailedError{Part: c.PartNumber, Cause: err}
		}
	}
	return nil
}

// decodedChunk wraps the decoded byte stream of one staged chunk plus
// whatever needs to be closed when done with it (file handle, subprocess).
type decodedChunk struct {
	reader io.Reader
	closer func() error
}

func (d *decodedChunk) Close() error {
	if d.closer != nil {
		return d.closer()
	}
	return nil
}

func (r *Reassembler) openDecoded(c Chunk) (*decodedChunk, error) {
	f, err := os.Open(c.StagedPath)
	if err != nil {
		return nil, &DecompressionFailedError{Part: c.PartNumber, Cause: err}
	}

	switch c.Decoder {
	case manifest.DecoderNone:
		return &decodedChunk{reader: f, closer: f.Close}, nil
	case manifest.DecoderGzip:
		gz, err := gzip.NewReader(bufio.NewReader(f))
		if err != nil {
			f.Close()
			return nil, &DecompressionFailedError{Part: c.PartNumber, Cause: err}
		}
		return &decodedChunk{reader: gz, closer: func() error { gz.Close(); return f.Close() }}, nil
	case manifest.DecoderLZ4:
		lz := lz4.NewReader(bufio.NewReader(f))
		return &decodedChunk{reader: lz, closer: f.Close}, nil
	case manifest.DecoderAppleArchive:
		f.Close()
		return r.openAppleArchive(c)
	default:
		f.Close()
		return nil, &DecompressionFailedError{Part: c.PartNumber, Cause: fmt.Errorf("unknown decoder")}
	}
}

// openAppleArchive shells out to the platform's Apple Archive/LZFSE decoder
// since no in-process Go library handles that format (spec.md Design
// Notes). The decoded stream is piped back through the subprocess's stdout.
func (r *Reassembler) openAppleArchive(c Chunk) (*decodedChunk, error) {
	tool := r.AppleArchiveTool
	if tool == "" {
		tool = "aa"
	}
	cmd := exec.Command(tool, "extract", "-d", "-i", c.StagedPath, "-o", "-")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &DecompressionFailedError{Part: c.PartNumber, Cause: err}
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, &DecompressionFailedError{Part: c.PartNumber, Cause: err}
	}

	return &decodedChunk{
		reader: stdout,
		closer: func() error {
			if err := cmd.Wait(); err != nil {
				return fmt.Errorf("%w: %s", err, stderr.String())
			}
			return nil
		},
	}, nil
}

// decodeInto decodes src per decoder and sparse-copies it to dst starting
// at offset 0, used for the single whole-disk-layer path. dst is then sized
// to the decoded length, so a trailing all-zero block stays a hole instead
// of shortening the file.
func (r *Reassembler) decodeInto(dst *os.File, src *os.File, decoder manifest.Decoder, stagedPath string, part int) error {
	c := Chunk{StagedPath: stagedPath}
	c.Decoder = decoder
	c.PartNumber = part

	decoded, err := r.openDecoded(c)
	if err != nil {
		return err
	}
	defer decoded.Close()

	n, err := r.sparseCopyAt(dst, decoded.reader, 0)
	if err != nil {
		return err
	}
	return dst.Truncate(n)
}

// sparseCopyAt copies src into dst starting at offset, reading it in
// holeGranularity-sized blocks and skipping the write for every block that
// is entirely zero (a shorter final block included), so the destination
// stays sparse over its logical content, not its logical size (spec.md I4).
// A zero run that straddles a block boundary is written where it shares a
// block with non-zero bytes. Skipped blocks do not change dst's length.
func (r *Reassembler) sparseCopyAt(dst *os.File, src io.Reader, offset int64) (int64, error) {
	buf := make([]byte, holeGranularity)
	pos := offset
	for {
		n, readErr := io.ReadFull(src, buf)
		if n > 0 {
			if isAllZero(buf[:n]) {
				pos += int64(n)
			} else {
				if _, err := dst.WriteAt(buf[:n], pos); err != nil {
					return pos - offset, err
				}
				pos += int64(n)
			}
		}
		if readErr == io.EOF {
			return pos - offset, nil
		}
		if readErr == io.ErrUnexpectedEOF {
			return pos - offset, nil
		}
		if readErr != nil {
			return pos - offset, readErr
		}
	}
}

func isAllZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// ConvertToQcow2 optionally converts the reassembled raw disk.img to qcow2
// via qemu-img, gated behind config.ConvertAfterPull (spec.md §9 Open
// Questions #1). Caller is responsible for the free space check before
// invoking this (lib/pull requires disk.img's file size plus 2 GiB).
func (r *Reassembler) ConvertToQcow2(rawPath, qcow2Path string) error {
	cmd := exec.Command("qemu-img", "convert", "-O", "qcow2", rawPath, qcow2Path)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("qemu-img convert failed: %w, output: %s", err, output)
	}
	return nil
}
