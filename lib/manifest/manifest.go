// Package manifest defines the OCI manifest/layer data model and the
// media-type-driven role mapping that tells the reassembler what to do
// with each layer (spec.md §3, §6).
package manifest

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	ispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Layer describes one OCI manifest layer entry.
type Layer struct {
	MediaType string `json:"mediaType"`
	Digest    string `json:"digest"`
	Size      int64  `json:"size"`
}

// Equal reports structural equality over all three fields (spec.md §3).
func (l Layer) Equal(o Layer) bool {
	return l.MediaType == o.MediaType && l.Digest == o.Digest && l.Size == o.Size
}

// DigestHash parses the layer digest into a go-containerregistry hash,
// giving callers validated algorithm/hex access without hand-rolling
// sha256 string parsing.
func (l Layer) DigestHash() (v1.Hash, error) {
	return v1.NewHash(l.Digest)
}

// Manifest is the on-wire OCI image manifest, trimmed to the fields the
// pull path needs.
type Manifest struct {
	SchemaVersion int               `json:"schemaVersion"`
	MediaType     string            `json:"mediaType"`
	Config        *Layer            `json:"config,omitempty"`
	Layers        []Layer           `json:"layers"`
	Annotations   map[string]string `json:"annotations,omitempty"`
}

// LayersEqual compares the ordered layer lists of two manifests structurally,
// used by the cache store's validate() (spec.md I1).
func (m Manifest) LayersEqual(o Manifest) bool {
	if len(m.Layers) != len(o.Layers) {
		return false
	}
	for i := range m.Layers {
		if !m.Layers[i].Equal(o.Layers[i]) {
			return false
		}
	}
	return true
}

// UncompressedSizeAnnotation is the OCI config annotation key that carries
// the authoritative sparse-file size (spec.md §6).
const UncompressedSizeAnnotation = "com.trycua.lume.disk.uncompressed_size"

// UncompressedSize reads the uncompressed-size annotation from the
// manifest's top-level annotations, if present. Annotations on the config
// descriptor are not read (Layer carries no annotations). Returns ok=false
// when absent or unparseable.
func (m Manifest) UncompressedSize() (int64, bool) {
	if m.Annotations == nil {
		return 0, false
	}
	raw, ok := m.Annotations[UncompressedSizeAnnotation]
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// ID returns the ManifestId: the manifest's own content digest with ':'
// replaced by '_', used as the cache directory name (spec.md §3).
func ID(digest string) string {
	return strings.ReplaceAll(digest, ":", "_")
}

// Role classifies what a layer contributes to the reassembled VM directory.
type Role int

const (
	RoleEmpty Role = iota
	RoleConfig
	RoleNVRAM
	RoleWholeDisk
	RoleDiskChunk
)

func (r Role) String() string {
	switch r {
	case RoleEmpty:
		return "empty"
	case RoleConfig:
		return "config"
	case RoleNVRAM:
		return "nvram"
	case RoleWholeDisk:
		return "whole-disk"
	case RoleDiskChunk:
		return "disk-chunk"
	default:
		return "unknown"
	}
}

// Decoder names the in-process or subprocess decoder a disk-chunk layer
// needs before its bytes can be folded into disk.img.
type Decoder int

const (
	DecoderNone Decoder = iota
	DecoderGzip
	DecoderLZ4
	DecoderAppleArchive
)

// partPattern matches "part.number=<N>;part.total=<T>" media-type parameters.
var partPattern = regexp.MustCompile(`part\.number=(\d+);part\.total=(\d+)`)

// ClassifiedLayer is a Layer annotated with its derived role, decoder, and
// (for disk-chunks) 1-based ordering position and declared part total.
type ClassifiedLayer struct {
	Layer
	Role       Role
	Decoder    Decoder
	PartNumber int // 1-based; 0 when not a disk-chunk
	PartTotal  int // 0 when not present in the media type
}

// Classify derives the role mapping of spec.md §6 from a layer's media type
// and whether the manifest carries a config layer (nvram vs whole-disk
// disambiguation for "application/octet-stream").
func Classify(l Layer, hasConfigLayer bool) ClassifiedLayer {
	cl := ClassifiedLayer{Layer: l}

	mt := l.MediaType
	switch {
	case mt == string(ispec.MediaTypeImageConfig) || mt == "application/vnd.oci.image.config.v1+json":
		cl.Role = RoleConfig
		return cl
	case mt == "application/vnd.oci.empty.v1+json":
		cl.Role = RoleEmpty
		return cl
	case mt == string(ispec.MediaTypeImageLayer):
		cl.Role = RoleWholeDisk
		return cl
	}

	if m := partPattern.FindStringSubmatch(mt); m != nil {
		n, _ := strconv.Atoi(m[1])
		total, _ := strconv.Atoi(m[2])
		cl.Role = RoleDiskChunk
		cl.PartNumber = n
		cl.PartTotal = total
		cl.Decoder = decoderForBase(mt)
		return cl
	}

	switch {
	case strings.HasSuffix(mt, "+lz4"):
		cl.Role = RoleDiskChunk
		cl.Decoder = DecoderLZ4
		return cl
	case strings.HasSuffix(mt, "+lzfse") || strings.HasSuffix(mt, "+aa"):
		cl.Role = RoleDiskChunk
		cl.Decoder = DecoderAppleArchive
		return cl
	case mt == "application/octet-stream+gzip":
		cl.Role = RoleWholeDisk
		cl.Decoder = DecoderGzip
		return cl
	case mt == "application/octet-stream":
		if hasConfigLayer {
			cl.Role = RoleNVRAM
		} else {
			cl.Role = RoleWholeDisk
		}
		return cl
	}

	// Unknown media types are treated as whole-disk, uncompressed: the
	// registry wire protocol only defines the types above, but a foreign
	// registry annotating a layer unexpectedly shouldn't abort the pull.
	cl.Role = RoleWholeDisk
	return cl
}

func decoderForBase(mt string) Decoder {
	switch {
	case strings.Contains(mt, "lz4"):
		return DecoderLZ4
	case strings.Contains(mt, "lzfse"), strings.HasSuffix(mt, "+aa"):
		return DecoderAppleArchive
	case strings.Contains(mt, "gzip"):
		return DecoderGzip
	default:
		return DecoderNone
	}
}

// ClassifyLayers classifies every non-empty layer in manifest order and
// assigns sequential 1-based part numbers to disk-chunks that didn't carry
// an explicit part.number parameter (spec.md §6 ordering rule).
func ClassifyLayers(m Manifest) []ClassifiedLayer {
	hasConfig := m.Config != nil
	out := make([]ClassifiedLayer, 0, len(m.Layers))
	seq := 0
	for _, l := range m.Layers {
		cl := Classify(l, hasConfig)
		if cl.Role == RoleDiskChunk && cl.PartNumber == 0 {
			seq++
			cl.PartNumber = seq
		} else if cl.Role == RoleDiskChunk {
			seq = cl.PartNumber
		}
		out = append(out, cl)
	}
	return out
}

// DiskChunks returns the disk-chunk layers from a classified list, sorted
// by PartNumber (spec.md I5).
func DiskChunks(layers []ClassifiedLayer) []ClassifiedLayer {
	var chunks []ClassifiedLayer
	for _, cl := range layers {
		if cl.Role == RoleDiskChunk {
			chunks = append(chunks, cl)
		}
	}
	for i := 1; i < len(chunks); i++ {
		for j := i; j > 0 && chunks[j].PartNumber < chunks[j-1].PartNumber; j-- {
			chunks[j], chunks[j-1] = chunks[j-1], chunks[j]
		}
	}
	return chunks
}

// Validate reports a descriptive error if the manifest is structurally
// unusable (missing schemaVersion, or a disk-chunk set with gaps). A
// manifest with no layers is not rejected here.
func Validate(m Manifest) error {
	if m.SchemaVersion == 0 {
		return fmt.Errorf("manifest: missing schemaVersion")
	}
	chunks := DiskChunks(ClassifyLayers(m))
	for i, cl := range chunks {
		if cl.PartNumber != i+1 {
			return fmt.Errorf("manifest: disk chunk parts not contiguous: expected %d, got %d", i+1, cl.PartNumber)
		}
	}
	return nil
}
